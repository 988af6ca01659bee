package engine

import (
	"errors"
	"fmt"
	"testing"
)

func TestEngineError_Error(t *testing.T) {
	err := NewStepExecutionError("apply failed", errors.New("exit status 1")).
		WithAction("cluster").WithOperation("forward")

	want := "[step_execution] apply failed (action=cluster, operation=forward): exit status 1"
	if err.Error() != want {
		t.Errorf("Expected %q, got %q", want, err.Error())
	}
}

func TestEngineError_Is(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", NewConflictError("state locked", nil).WithCode(ErrCodeStateLocked))

	if !errors.Is(err, &EngineError{Class: ErrorClassConflict}) {
		t.Error("Expected class-only target to match")
	}
	if !errors.Is(err, &EngineError{Class: ErrorClassConflict, Code: ErrCodeStateLocked}) {
		t.Error("Expected class and code target to match")
	}
	if errors.Is(err, &EngineError{Class: ErrorClassConflict, Code: ErrCodeTimeout}) {
		t.Error("Expected different code not to match")
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{NewTransientError("connection reset", nil), true},
		{NewThrottledError("rate exceeded", nil), true},
		{NewConflictError("state locked", nil), true},
		{NewConfigurationError("invalid value", nil), false},
		{NewStepExecutionError("failed", NewTransientError("EOF", nil)), false},
		{errors.New("plain"), false},
		{nil, false},
	}

	for _, tt := range tests {
		if got := IsRetryable(tt.err); got != tt.want {
			t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestClassPredicatesWalkChain(t *testing.T) {
	err := NewStepExecutionError("helm failed", NewThrottledError("429", nil))
	if !IsStepExecution(err) || !IsThrottled(err) {
		t.Errorf("Expected both classes to be found in %v", err)
	}
	if IsConflict(err) {
		t.Error("Expected no conflict class")
	}
}

func TestTransactionResult_Error(t *testing.T) {
	original := NewStepExecutionError("deploy failed", nil)
	rollback := NewRollbackError("uninstall failed", nil)

	ok := &TransactionResult{Kind: ResultOk}
	if ok.Error() != nil {
		t.Errorf("Expected nil error for ok result, got %v", ok.Error())
	}

	rolled := &TransactionResult{Kind: ResultRollback, Err: original}
	if !errors.Is(rolled.Error(), ErrRolledBack) || errors.Is(rolled.Error(), ErrUnrecoverable) {
		t.Errorf("Expected rolled back error, got %v", rolled.Error())
	}
	if !IsStepExecution(rolled.Error()) {
		t.Error("Expected original error to stay reachable")
	}

	broken := &TransactionResult{Kind: ResultUnrecoverable, Err: original, RollbackErr: rollback}
	var unrecoverable *UnrecoverableError
	if !errors.As(broken.Error(), &unrecoverable) {
		t.Fatalf("Expected UnrecoverableError, got %T", broken.Error())
	}
	if unrecoverable.Original != original || unrecoverable.Rollback != rollback {
		t.Error("Expected both errors to be preserved")
	}
	if !errors.Is(broken.Error(), ErrUnrecoverable) || !IsRollback(broken.Error()) {
		t.Errorf("Expected unrecoverable error to match sentinel and rollback class, got %v", broken.Error())
	}
}

func TestActionStatus_CanTransitionTo(t *testing.T) {
	legal := map[ActionStatus][]ActionStatus{
		ActionStatusPending:   {ActionStatusRunning},
		ActionStatusRunning:   {ActionStatusSucceeded, ActionStatusFailed},
		ActionStatusSucceeded: {ActionStatusRolledBack, ActionStatusRollbackFailed},
	}
	all := []ActionStatus{
		ActionStatusPending, ActionStatusRunning, ActionStatusSucceeded,
		ActionStatusFailed, ActionStatusRolledBack, ActionStatusRollbackFailed,
	}

	for _, from := range all {
		for _, to := range all {
			want := false
			for _, l := range legal[from] {
				if l == to {
					want = true
				}
			}
			if got := from.CanTransitionTo(to); got != want {
				t.Errorf("%s -> %s: got %v, want %v", from, to, got, want)
			}
		}
	}
}
