package engine

import (
	"context"
	"time"
)

// StepInput is the execution context handed to a step executor.
// The rendered configuration a step acts on (plan directory, chart values,
// manifest, image context) belongs to the executor itself.
type StepInput struct {
	// WorkDir is the session working directory.
	WorkDir string

	// SessionID, TransactionID and ActionID identify the invocation.
	SessionID     string
	TransactionID string
	ActionID      string

	// ClusterID is the cluster the transaction operates on.
	ClusterID string

	// Env carries environment variables derived from the cloud account
	// and DNS provider, passed through to external tools.
	Env map[string]string

	// Attempt is the 1-based attempt number within the current retry loop.
	Attempt int
}

// StepOutcome is the result of a single step invocation, or of a retry loop
// when returned by a retrying executor.
type StepOutcome struct {
	// Success is true when the step reached its success criterion.
	Success bool

	// Retryable is true when a failed step may succeed on a later attempt.
	Retryable bool

	// Output is the captured tool output or structured result.
	Output string

	// Err is the failure cause when Success is false.
	Err error

	// Attempts is the number of attempts made (set by retrying executors).
	Attempts int

	// Duration is the wall time spent in the step, waits included.
	Duration time.Duration
}

// Succeeded builds a successful outcome.
func Succeeded(output string) StepOutcome {
	return StepOutcome{Success: true, Output: output}
}

// Failed builds a failed outcome, marking it retryable when err is classified
// as a transient provider error.
func Failed(err error) StepOutcome {
	return StepOutcome{Success: false, Retryable: IsRetryable(err), Err: err}
}

// StepExecutor performs one external operation. Executors never touch
// transaction state; they report success, retryability, output and error.
type StepExecutor interface {
	// Execute runs the step. Cancellation of ctx must terminate any
	// subprocess the step started.
	Execute(ctx context.Context, in StepInput) StepOutcome

	// Describe returns a short description for logs and plan output.
	Describe() string
}

// StepFunc adapts a function to the StepExecutor interface.
type StepFunc func(ctx context.Context, in StepInput) StepOutcome

// Execute calls f(ctx, in).
func (f StepFunc) Execute(ctx context.Context, in StepInput) StepOutcome {
	return f(ctx, in)
}

// Describe implements StepExecutor.
func (f StepFunc) Describe() string {
	return "func"
}

// ProviderKind identifies the infrastructure provider of a cluster.
type ProviderKind string

const (
	ProviderAWS        ProviderKind = "aws"
	ProviderAzure      ProviderKind = "azure"
	ProviderGCP        ProviderKind = "gcp"
	ProviderScaleway   ProviderKind = "scaleway"
	ProviderOnPremise  ProviderKind = "on_premise"
	ProviderUnassigned ProviderKind = ""
)

// CloudAccount is the capability to act on a provider account.
type CloudAccount interface {
	// Provider returns the provider kind.
	Provider() ProviderKind

	// Region returns the default region.
	Region() string

	// AccountID returns the provider account, project or subscription ID.
	AccountID() string

	// Environ returns the credentials as tool environment variables.
	Environ() map[string]string
}

// BuildPlatform is the capability to build container images.
type BuildPlatform interface {
	// Name returns the platform name.
	Name() string

	// Host returns the build daemon endpoint; empty means the local default.
	Host() string
}

// RegistryCredentials authenticate pushes to a container registry.
type RegistryCredentials struct {
	Username      string
	Password      string
	ServerAddress string
}

// ContainerRegistry is the capability to store built images.
type ContainerRegistry interface {
	// Endpoint returns the registry host.
	Endpoint() string

	// Repository returns the fully qualified repository for an image name.
	Repository(name string) string

	// Credentials returns the push credentials.
	Credentials(ctx context.Context) (RegistryCredentials, error)
}

// DNSProvider is the capability to publish records for routers and addons.
type DNSProvider interface {
	// Name returns the provider name.
	Name() string

	// Domain returns the managed domain.
	Domain() string

	// Environ returns the credentials as tool environment variables.
	Environ() map[string]string
}

// TransactionRecord is the journaled summary of a transaction.
type TransactionRecord struct {
	ID            string           `json:"id"`
	SessionID     string           `json:"session_id"`
	ClusterID     string           `json:"cluster_id"`
	EnvironmentID string           `json:"environment_id,omitempty"`
	Operation     string           `json:"operation,omitempty"`
	State         TransactionState `json:"state"`
	Result        ResultKind       `json:"result,omitempty"`
	Error         string           `json:"error,omitempty"`
	RollbackError string           `json:"rollback_error,omitempty"`
	ActionCount   int              `json:"action_count"`
	StartedAt     time.Time        `json:"started_at"`
	CompletedAt   *time.Time       `json:"completed_at,omitempty"`
}

// ActionRecord is the journaled state of an action.
type ActionRecord struct {
	TransactionID    string       `json:"transaction_id"`
	ActionID         string       `json:"action_id"`
	Name             string       `json:"name,omitempty"`
	Kind             ActionKind   `json:"kind"`
	OrderingKey      int          `json:"ordering_key"`
	Status           ActionStatus `json:"status"`
	Reversible       bool         `json:"reversible"`
	Attempts         int          `json:"attempts"`
	RollbackAttempts int          `json:"rollback_attempts"`
	Output           string       `json:"output,omitempty"`
	Error            string       `json:"error,omitempty"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

// Journal persists transaction progress for audit and operator follow-up.
type Journal interface {
	// SaveTransaction inserts or updates a transaction record.
	SaveTransaction(ctx context.Context, rec *TransactionRecord) error

	// SaveAction inserts or updates an action record.
	SaveAction(ctx context.Context, rec *ActionRecord) error

	// AppendEvent appends an event to the transaction timeline.
	AppendEvent(ctx context.Context, event *Event) error
}

// EventPublisher delivers lifecycle events to subscribers.
type EventPublisher interface {
	// Publish publishes an event.
	Publish(ctx context.Context, event *Event) error
}

// PolicyGate evaluates a transaction before anything runs.
type PolicyGate interface {
	// EvaluateTransaction checks the action set against loaded policies.
	EvaluateTransaction(ctx context.Context, input *PolicyInput) (*PolicyResult, error)
}

// MetricsRecorder receives engine measurements.
type MetricsRecorder interface {
	// RecordTransaction records a terminal transaction outcome.
	RecordTransaction(result ResultKind, duration time.Duration)

	// RecordAction records a terminal forward or rollback status.
	RecordAction(kind ActionKind, status ActionStatus, duration time.Duration)

	// RecordStepAttempt records a single step attempt.
	RecordStepAttempt(kind ActionKind, phase string, success bool)

	// RecordLeaseWait records time spent waiting for a cluster lease.
	RecordLeaseWait(duration time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) RecordTransaction(ResultKind, time.Duration) {}
func (noopMetrics) RecordAction(ActionKind, ActionStatus, time.Duration) {}
func (noopMetrics) RecordStepAttempt(ActionKind, string, bool) {}
func (noopMetrics) RecordLeaseWait(time.Duration) {}
