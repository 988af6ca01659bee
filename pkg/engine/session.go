package engine

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// SessionContext identifies what a session operates on.
type SessionContext struct {
	// ClusterID is the cluster every transaction of the session targets.
	ClusterID string `json:"cluster_id"`

	// OrganizationID is the owning organization.
	OrganizationID string `json:"organization_id,omitempty"`

	// EnvironmentID is the environment, for environment-level operations.
	EnvironmentID string `json:"environment_id,omitempty"`

	// Provider is the infrastructure provider; defaults to the cloud account's.
	Provider ProviderKind `json:"provider"`

	// Region defaults to the cloud account's region.
	Region string `json:"region,omitempty"`

	// Labels are exposed to policies.
	Labels map[string]string `json:"labels,omitempty"`

	// WorkDir is handed to every step; defaults to the engine work dir.
	WorkDir string `json:"work_dir,omitempty"`
}

// Session is a per-request handle that owns at most one active transaction.
type Session struct {
	// ID is the unique session identifier.
	ID string

	engine *Engine
	sctx   SessionContext
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	active *Transaction
	closed bool
}

// Context returns the session context.
func (s *Session) Context() SessionContext {
	return s.sctx
}

// Engine returns the engine that created the session.
func (s *Session) Engine() *Engine {
	return s.engine
}

// Transaction starts a new transaction. It fails with a session busy error
// while another transaction of this session has not reached a terminal state.
func (s *Session) Transaction() (*Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, NewConfigurationError("session is closed", nil).WithCode(ErrCodeInvalidState)
	}
	if s.active != nil && !s.active.State().IsTerminal() {
		return nil, NewSessionBusyError(s.ID).WithDetail("active_transaction", s.active.ID)
	}

	tx := newTransaction(uuid.New().String(), s)
	s.active = tx
	return tx, nil
}

// Active returns the current transaction, or nil.
func (s *Session) Active() *Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Cancel cancels the commit in flight, if any. The commit still reaches a
// terminal result after rolling back what it applied.
func (s *Session) Cancel() {
	s.cancel()
}

// Done is closed once the session is cancelled.
func (s *Session) Done() <-chan struct{} {
	return s.ctx.Done()
}

// Close cancels the session and refuses new transactions.
func (s *Session) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
}

// release clears tx as the active transaction once it is terminal.
func (s *Session) release(tx *Transaction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == tx {
		s.active = nil
	}
}

// bind derives a context cancelled by either ctx or the session.
func (s *Session) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
