package engine

import (
	"encoding/json"
	"fmt"
)

// ActionStatus represents the status of an action within a transaction.
type ActionStatus string

const (
	// ActionStatusPending indicates the action has not started.
	// Actions still pending when a commit ends are reported as skipped.
	ActionStatusPending ActionStatus = "pending"

	// ActionStatusRunning indicates the forward step is executing.
	ActionStatusRunning ActionStatus = "running"

	// ActionStatusSucceeded indicates the forward step completed successfully.
	ActionStatusSucceeded ActionStatus = "succeeded"

	// ActionStatusFailed indicates the forward step failed.
	ActionStatusFailed ActionStatus = "failed"

	// ActionStatusRolledBack indicates the rollback step completed successfully.
	ActionStatusRolledBack ActionStatus = "rolled_back"

	// ActionStatusRollbackFailed indicates the rollback step failed after retries.
	ActionStatusRollbackFailed ActionStatus = "rollback_failed"
)

// IsTerminal returns true if no further transition is possible from this status.
func (s ActionStatus) IsTerminal() bool {
	return s == ActionStatusFailed || s == ActionStatusRolledBack ||
		s == ActionStatusRollbackFailed
}

// CanTransitionTo reports whether moving from s to next is a legal transition.
// Transitions only move forward: pending -> running -> {succeeded | failed},
// succeeded -> {rolled_back | rollback_failed}.
func (s ActionStatus) CanTransitionTo(next ActionStatus) bool {
	switch s {
	case ActionStatusPending:
		return next == ActionStatusRunning
	case ActionStatusRunning:
		return next == ActionStatusSucceeded || next == ActionStatusFailed
	case ActionStatusSucceeded:
		return next == ActionStatusRolledBack || next == ActionStatusRollbackFailed
	default:
		return false
	}
}

// Validate checks if the action status is valid.
func (s ActionStatus) Validate() error {
	switch s {
	case ActionStatusPending, ActionStatusRunning, ActionStatusSucceeded,
		ActionStatusFailed, ActionStatusRolledBack, ActionStatusRollbackFailed:
		return nil
	default:
		return fmt.Errorf("invalid action status: %s", s)
	}
}

// TransactionState represents the lifecycle state of a transaction.
type TransactionState string

const (
	// TransactionStateBuilding indicates actions are still being added.
	TransactionStateBuilding TransactionState = "building"

	// TransactionStateCommitting indicates the commit is in progress.
	TransactionStateCommitting TransactionState = "committing"

	// TransactionStateCommitted indicates every action succeeded.
	TransactionStateCommitted TransactionState = "committed"

	// TransactionStateRolledBack indicates a failure was fully unwound.
	TransactionStateRolledBack TransactionState = "rolled_back"

	// TransactionStateUnrecoverable indicates the unwind itself failed.
	TransactionStateUnrecoverable TransactionState = "unrecoverable"

	// TransactionStateDiscarded indicates the transaction was released without a commit.
	TransactionStateDiscarded TransactionState = "discarded"
)

// IsTerminal returns true if the transaction state is final.
func (s TransactionState) IsTerminal() bool {
	return s == TransactionStateCommitted || s == TransactionStateRolledBack ||
		s == TransactionStateUnrecoverable || s == TransactionStateDiscarded
}

// Validate checks if the transaction state is valid.
func (s TransactionState) Validate() error {
	switch s {
	case TransactionStateBuilding, TransactionStateCommitting, TransactionStateCommitted,
		TransactionStateRolledBack, TransactionStateUnrecoverable, TransactionStateDiscarded:
		return nil
	default:
		return fmt.Errorf("invalid transaction state: %s", s)
	}
}

// ResultKind is the terminal outcome of a commit.
type ResultKind string

const (
	// ResultOk indicates every action succeeded.
	ResultOk ResultKind = "ok"

	// ResultRollback indicates a failure that was fully unwound.
	ResultRollback ResultKind = "rollback"

	// ResultUnrecoverable indicates a failure whose unwind also failed.
	ResultUnrecoverable ResultKind = "unrecoverable"
)

// Validate checks if the result kind is valid.
func (k ResultKind) Validate() error {
	switch k {
	case ResultOk, ResultRollback, ResultUnrecoverable:
		return nil
	default:
		return fmt.Errorf("invalid result kind: %s", k)
	}
}

// ExitCode maps the result kind to a process exit code.
func (k ResultKind) ExitCode() int {
	switch k {
	case ResultOk:
		return 0
	case ResultRollback:
		return 1
	default:
		return 2
	}
}

// ActionKind identifies what an action does to the cluster or environment.
type ActionKind string

const (
	ActionKindProvisionNetwork   ActionKind = "provision_network"
	ActionKindProvisionCluster   ActionKind = "provision_cluster"
	ActionKindProvisionNodeGroup ActionKind = "provision_node_group"
	ActionKindInstallAddon       ActionKind = "install_addon"
	ActionKindBuildImage         ActionKind = "build_image"
	ActionKindDeployEnvironment  ActionKind = "deploy_environment"
	ActionKindDeployApplication  ActionKind = "deploy_application"
	ActionKindDeployDatabase     ActionKind = "deploy_database"
	ActionKindDeployRouter       ActionKind = "deploy_router"
	ActionKindPauseEnvironment   ActionKind = "pause_environment"
	ActionKindDeleteEnvironment  ActionKind = "delete_environment"
	ActionKindPauseCluster       ActionKind = "pause_cluster"
	ActionKindDeleteNodeGroup    ActionKind = "delete_node_group"
	ActionKindDeleteAddon        ActionKind = "delete_addon"
	ActionKindDeleteCluster      ActionKind = "delete_cluster"
	ActionKindDeleteNetwork      ActionKind = "delete_network"
)

// IsDestructive returns true if the action removes infrastructure.
func (k ActionKind) IsDestructive() bool {
	switch k {
	case ActionKindDeleteEnvironment, ActionKindDeleteNodeGroup, ActionKindDeleteAddon,
		ActionKindDeleteCluster, ActionKindDeleteNetwork:
		return true
	default:
		return false
	}
}

// Validate checks if the action kind is valid.
func (k ActionKind) Validate() error {
	switch k {
	case ActionKindProvisionNetwork, ActionKindProvisionCluster, ActionKindProvisionNodeGroup,
		ActionKindInstallAddon, ActionKindBuildImage, ActionKindDeployEnvironment,
		ActionKindDeployApplication, ActionKindDeployDatabase, ActionKindDeployRouter,
		ActionKindPauseEnvironment, ActionKindDeleteEnvironment, ActionKindPauseCluster,
		ActionKindDeleteNodeGroup, ActionKindDeleteAddon, ActionKindDeleteCluster,
		ActionKindDeleteNetwork:
		return nil
	default:
		return fmt.Errorf("invalid action kind: %s", k)
	}
}

// EventType represents the type of event in the transaction timeline.
type EventType string

const (
	EventTypeTransactionStarted       EventType = "transaction_started"
	EventTypeTransactionCommitted     EventType = "transaction_committed"
	EventTypeTransactionRolledBack    EventType = "transaction_rolled_back"
	EventTypeTransactionUnrecoverable EventType = "transaction_unrecoverable"
	EventTypeActionStarted            EventType = "action_started"
	EventTypeActionSucceeded          EventType = "action_succeeded"
	EventTypeActionFailed             EventType = "action_failed"
	EventTypeActionRolledBack         EventType = "action_rolled_back"
	EventTypeRollbackFailed           EventType = "rollback_failed"
	EventTypeActionRetained           EventType = "action_retained"
	EventTypeActionSkipped            EventType = "action_skipped"
)

// Severity returns the severity level of the event type.
func (e EventType) Severity() string {
	switch e {
	case EventTypeActionFailed, EventTypeRollbackFailed, EventTypeTransactionUnrecoverable:
		return "error"
	case EventTypeTransactionRolledBack, EventTypeActionRetained, EventTypeActionSkipped:
		return "warning"
	default:
		return "info"
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s ActionStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *ActionStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = ActionStatus(str)
	return s.Validate()
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (k *ActionKind) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*k = ActionKind(str)
	return k.Validate()
}
