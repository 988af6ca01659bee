package engine

import (
	"time"
)

// Action is a single unit of work inside a transaction: a forward step, an
// optional compensating rollback step and the actions it depends on.
type Action struct {
	// ID is the unique identifier of the action within its transaction.
	ID string `json:"id"`

	// Name is a human-readable label used in logs and plan output.
	Name string `json:"name,omitempty"`

	// Kind describes what the action does.
	Kind ActionKind `json:"kind"`

	// OrderingKey is the insertion position, assigned when the action is added.
	// Ready actions are dispatched in ascending OrderingKey.
	OrderingKey int `json:"ordering_key"`

	// Forward is the step that applies the change.
	Forward StepExecutor `json:"-"`

	// Rollback is the step that undoes a successful Forward.
	// A nil Rollback marks the action as non-reversible.
	Rollback StepExecutor `json:"-"`

	// DependsOn lists action IDs that must succeed before this action starts.
	DependsOn []string `json:"depends_on,omitempty"`

	// Retry overrides the engine's default retry policy for this action.
	Retry *RetryPolicy `json:"-"`

	// Timeout bounds a single step attempt. Zero means no per-attempt timeout.
	Timeout time.Duration `json:"timeout,omitempty"`

	// LocksClusterState marks steps that read or write the cluster's shared
	// infrastructure state; they run under the cluster lease.
	LocksClusterState bool `json:"locks_cluster_state,omitempty"`

	// Labels are key-value pairs exposed to policies and journal entries.
	Labels map[string]string `json:"labels,omitempty"`
}

// Reversible returns true if the action declares a rollback step.
func (a *Action) Reversible() bool {
	return a.Rollback != nil
}

// DisplayName returns Name, falling back to ID.
func (a *Action) DisplayName() string {
	if a.Name != "" {
		return a.Name
	}
	return a.ID
}

// ActionState is the mutable execution record of an action.
type ActionState struct {
	// ActionID is the ID of the action.
	ActionID string `json:"action_id"`

	// Status is the current status.
	Status ActionStatus `json:"status"`

	// Err is the failure cause for failed and rollback_failed statuses.
	Err error `json:"-"`

	// Attempts is the number of forward step attempts.
	Attempts int `json:"attempts"`

	// RollbackAttempts is the number of rollback step attempts.
	RollbackAttempts int `json:"rollback_attempts,omitempty"`

	// Output is the forward step output of the last attempt.
	Output string `json:"output,omitempty"`

	// StartedAt is when the forward step started.
	StartedAt *time.Time `json:"started_at,omitempty"`

	// CompletedAt is when the forward step completed.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Error returns the failure message, or an empty string.
func (s ActionState) Error() string {
	if s.Err == nil {
		return ""
	}
	return s.Err.Error()
}

// TransactionResult is the single terminal outcome of a commit.
type TransactionResult struct {
	// Kind is ok, rollback or unrecoverable.
	Kind ResultKind `json:"kind"`

	// TransactionID is the ID of the committed transaction.
	TransactionID string `json:"transaction_id"`

	// Err is the error that triggered the unwind (rollback and unrecoverable).
	Err error `json:"-"`

	// RollbackErr is the rollback failure (unrecoverable only).
	RollbackErr error `json:"-"`

	// Succeeded lists actions in forward success order.
	Succeeded []string `json:"succeeded"`

	// RolledBack lists actions in the order their rollback succeeded.
	RolledBack []string `json:"rolled_back,omitempty"`

	// Retained lists succeeded actions left in place: non-reversible actions
	// skipped during the unwind and, for unrecoverable results, actions the
	// unwind never reached.
	Retained []string `json:"retained,omitempty"`

	// Skipped lists actions that never started.
	Skipped []string `json:"skipped,omitempty"`

	// States is the final state of every action.
	States map[string]ActionState `json:"states"`

	// StartedAt is when the commit started.
	StartedAt time.Time `json:"started_at"`

	// Duration is the commit wall time, unwind included.
	Duration time.Duration `json:"duration"`
}

// IsOk returns true if every action succeeded.
func (r *TransactionResult) IsOk() bool {
	return r.Kind == ResultOk
}

// Error returns nil for an ok result. Rolled-back results match ErrRolledBack
// and unrecoverable results match ErrUnrecoverable under errors.Is; both keep
// the original error reachable.
func (r *TransactionResult) Error() error {
	switch r.Kind {
	case ResultOk:
		return nil
	case ResultRollback:
		return &RolledBackError{Original: r.Err}
	default:
		return &UnrecoverableError{Original: r.Err, Rollback: r.RollbackErr}
	}
}

// Event represents a lifecycle event in the transaction timeline.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Type is the type of event.
	Type EventType `json:"type"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// TransactionID is the ID of the transaction this event belongs to.
	TransactionID string `json:"transaction_id"`

	// SessionID is the ID of the owning session.
	SessionID string `json:"session_id,omitempty"`

	// ClusterID is the cluster the transaction operates on.
	ClusterID string `json:"cluster_id,omitempty"`

	// ActionID is the ID of the action, if applicable.
	ActionID string `json:"action_id,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Details contains additional event-specific data.
	Details map[string]interface{} `json:"details,omitempty"`

	// Level is the log level (info, warning, error).
	Level string `json:"level"`
}

// ActionGraph is the validated dependency graph of a transaction.
type ActionGraph struct {
	// Nodes maps action IDs to graph nodes.
	Nodes map[string]*GraphNode `json:"nodes"`

	// Order lists action IDs in insertion order.
	Order []string `json:"order"`

	// Levels groups action IDs by topological level, each in insertion order.
	Levels [][]string `json:"levels"`

	// Roots are actions without dependencies.
	Roots []string `json:"roots"`
}

// Depth returns the number of topological levels.
func (g *ActionGraph) Depth() int {
	return len(g.Levels)
}

// GraphNode represents a node in the action graph.
type GraphNode struct {
	// ID is the action ID.
	ID string `json:"id"`

	// Kind is the action kind.
	Kind ActionKind `json:"kind"`

	// Level is the topological level (0 = no dependencies).
	Level int `json:"level"`

	// Dependencies are the IDs this action waits for.
	Dependencies []string `json:"dependencies"`

	// Dependents are the IDs waiting for this action.
	Dependents []string `json:"dependents"`
}

// PolicyInput is the document evaluated by a PolicyGate before a commit.
type PolicyInput struct {
	// TransactionID is the transaction being committed.
	TransactionID string `json:"transaction_id"`

	// Session describes the target of the transaction.
	Session SessionInfo `json:"session"`

	// Actions lists every action in insertion order.
	Actions []PolicyAction `json:"actions"`
}

// SessionInfo is the policy-visible part of a session context.
type SessionInfo struct {
	ClusterID      string            `json:"cluster_id"`
	OrganizationID string            `json:"organization_id,omitempty"`
	EnvironmentID  string            `json:"environment_id,omitempty"`
	Provider       ProviderKind      `json:"provider"`
	Region         string            `json:"region,omitempty"`
	Labels         map[string]string `json:"labels,omitempty"`
}

// PolicyAction is the policy-visible part of an action.
type PolicyAction struct {
	ID         string            `json:"id"`
	Name       string            `json:"name,omitempty"`
	Kind       ActionKind        `json:"kind"`
	DependsOn  []string          `json:"depends_on,omitempty"`
	Reversible bool              `json:"reversible"`
	Labels     map[string]string `json:"labels,omitempty"`
}

// PolicyResult is the outcome of a policy evaluation.
type PolicyResult struct {
	// Allowed is false when at least one error-severity violation was found.
	Allowed bool `json:"allowed"`

	// Violations lists every violation found.
	Violations []PolicyViolation `json:"violations,omitempty"`

	// EvaluatedAt is when the evaluation ran.
	EvaluatedAt time.Time `json:"evaluated_at"`
}

// PolicyViolation describes a single policy violation.
type PolicyViolation struct {
	// Policy is the name of the violated policy.
	Policy string `json:"policy"`

	// Message is a human-readable message.
	Message string `json:"message"`

	// Severity is error, warning or info.
	Severity string `json:"severity"`

	// ActionID is the offending action, if any.
	ActionID string `json:"action_id,omitempty"`
}
