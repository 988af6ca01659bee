package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/deckhand-io/deckhand/pkg/engine"

// Config holds engine-wide execution settings.
type Config struct {
	// MaxParallel bounds the number of actions running at once in a transaction.
	MaxParallel int `json:"max_parallel" mapstructure:"max_parallel"`

	// Retry is the forward retry policy for actions without an override.
	Retry RetryPolicy `json:"retry" mapstructure:"retry"`

	// RollbackRetry is the retry policy wrapped around every rollback step.
	RollbackRetry RetryPolicy `json:"rollback_retry" mapstructure:"rollback_retry"`

	// RollbackTimeout bounds the whole unwind. Zero means unbounded.
	RollbackTimeout time.Duration `json:"rollback_timeout" mapstructure:"rollback_timeout"`

	// WorkDir is the default session working directory.
	WorkDir string `json:"work_dir" mapstructure:"work_dir"`
}

// DefaultConfig returns the default engine settings.
func DefaultConfig() Config {
	return Config{
		MaxParallel:     10,
		Retry:           DefaultRetryPolicy(),
		RollbackRetry:   DefaultRetryPolicy(),
		RollbackTimeout: 2 * time.Hour,
		WorkDir:         ".",
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.MaxParallel < 1 {
		return fmt.Errorf("max_parallel must be at least 1, got %d", c.MaxParallel)
	}
	if err := c.Retry.Validate(); err != nil {
		return fmt.Errorf("retry: %w", err)
	}
	if err := c.RollbackRetry.Validate(); err != nil {
		return fmt.Errorf("rollback_retry: %w", err)
	}
	if c.RollbackTimeout < 0 {
		return fmt.Errorf("rollback_timeout must not be negative")
	}
	return nil
}

// Collaborators is the capability bundle steps act through.
type Collaborators struct {
	CloudAccount      CloudAccount
	BuildPlatform     BuildPlatform
	ContainerRegistry ContainerRegistry
	DNSProvider       DNSProvider
}

// Engine creates sessions bound to a fixed set of collaborators.
// It holds no per-request state besides the cluster leases shared by its sessions.
type Engine struct {
	config        Config
	collaborators Collaborators
	leases        *LeaseManager
	sequencer     *Sequencer
	logger        zerolog.Logger
	tracer        trace.Tracer
	journal       Journal
	publisher     EventPublisher
	policy        PolicyGate
	metrics       MetricsRecorder
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithTracer sets the tracer used for transaction and action spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(e *Engine) { e.tracer = tracer }
}

// WithJournal persists transaction progress.
func WithJournal(journal Journal) Option {
	return func(e *Engine) { e.journal = journal }
}

// WithEventPublisher publishes lifecycle events.
func WithEventPublisher(publisher EventPublisher) Option {
	return func(e *Engine) { e.publisher = publisher }
}

// WithPolicyGate evaluates every transaction before its commit runs.
func WithPolicyGate(gate PolicyGate) Option {
	return func(e *Engine) { e.policy = gate }
}

// WithMetrics records engine measurements.
func WithMetrics(metrics MetricsRecorder) Option {
	return func(e *Engine) { e.metrics = metrics }
}

// WithLeaseManager shares a lease manager between engines of one process.
func WithLeaseManager(leases *LeaseManager) Option {
	return func(e *Engine) { e.leases = leases }
}

// New creates an engine.
func New(cfg Config, collaborators Collaborators, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, NewConfigurationError("invalid engine configuration", err).WithCode(ErrCodeValidation)
	}

	e := &Engine{
		config:        cfg,
		collaborators: collaborators,
		logger:        zerolog.Nop(),
		metrics:       noopMetrics{},
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.leases == nil {
		e.leases = NewLeaseManager()
	}
	if e.tracer == nil {
		e.tracer = otel.Tracer(tracerName)
	}
	e.sequencer = NewSequencer(cfg.MaxParallel, e.logger.With().Str("component", "sequencer").Logger())

	return e, nil
}

// Config returns the engine settings.
func (e *Engine) Config() Config {
	return e.config
}

// Collaborators returns the capability bundle.
func (e *Engine) Collaborators() Collaborators {
	return e.collaborators
}

// Leases returns the cluster lease manager.
func (e *Engine) Leases() *LeaseManager {
	return e.leases
}

// NewSession opens a session for one cluster. Cancelling ctx cancels any
// commit running in the session.
func (e *Engine) NewSession(ctx context.Context, sc SessionContext) (*Session, error) {
	if sc.ClusterID == "" {
		return nil, NewConfigurationError("session requires a cluster ID", nil).WithCode(ErrCodeValidation)
	}
	if sc.WorkDir == "" {
		sc.WorkDir = e.config.WorkDir
	}
	if account := e.collaborators.CloudAccount; account != nil {
		if sc.Provider == ProviderUnassigned {
			sc.Provider = account.Provider()
		}
		if sc.Region == "" {
			sc.Region = account.Region()
		}
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	s := &Session{
		ID:     uuid.New().String(),
		engine: e,
		sctx:   sc,
		ctx:    sessionCtx,
		cancel: cancel,
	}
	s.logger = e.logger.With().
		Str("session_id", s.ID).
		Str("cluster_id", sc.ClusterID).
		Logger()

	s.logger.Debug().
		Str("provider", string(sc.Provider)).
		Str("environment_id", sc.EnvironmentID).
		Msg("Session opened")

	return s, nil
}

// stepEnv merges the tool environment of the account and DNS provider.
func (e *Engine) stepEnv() map[string]string {
	env := make(map[string]string)
	if account := e.collaborators.CloudAccount; account != nil {
		for k, v := range account.Environ() {
			env[k] = v
		}
	}
	if dns := e.collaborators.DNSProvider; dns != nil {
		for k, v := range dns.Environ() {
			env[k] = v
		}
	}
	return env
}
