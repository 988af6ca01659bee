package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassConfiguration indicates an invalid action graph, policy denial or
	// unsupported provider/kind combination. Fails the transaction before any
	// forward step runs.
	ErrorClassConfiguration ErrorClass = "configuration"

	// ErrorClassTransient indicates a temporary provider failure that may succeed on retry.
	// Examples: network timeouts, connection resets, temporary API unavailability.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled indicates provider rate limiting or quota exhaustion.
	// Retried with a longer backoff.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassConflict indicates contention on shared provider state.
	// Examples: a held Terraform state lock, a Helm release with a pending operation.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassStepExecution indicates a step failed after retries, or failed
	// with a non-retryable cause.
	ErrorClassStepExecution ErrorClass = "step_execution"

	// ErrorClassRollback indicates a rollback step failed after its own retries.
	ErrorClassRollback ErrorClass = "rollback"

	// ErrorClassSessionBusy indicates a transaction was requested while one is active.
	ErrorClassSessionBusy ErrorClass = "session_busy"

	// ErrorClassCancelled indicates the commit was cancelled by its caller.
	ErrorClassCancelled ErrorClass = "cancelled"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Action is the action ID that caused the error, if applicable.
	Action string `json:"action,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	switch {
	case e.Action != "" && e.Operation != "":
		msg += fmt.Sprintf(" (action=%s, operation=%s)", e.Action, e.Operation)
	case e.Action != "":
		msg += fmt.Sprintf(" (action=%s)", e.Action)
	case e.Operation != "":
		msg += fmt.Sprintf(" (operation=%s)", e.Operation)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
// A target without a code matches any error of the same class.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	if e.Class != t.Class {
		return false
	}
	return t.Code == "" || e.Code == t.Code
}

func newEngineError(class ErrorClass, message string, err error) *EngineError {
	return &EngineError{
		Class:   class,
		Message: message,
		Err:     err,
	}
}

// NewConfigurationError creates a new configuration error.
func NewConfigurationError(message string, err error) *EngineError {
	return newEngineError(ErrorClassConfiguration, message, err)
}

// NewTransientError creates a new transient provider error.
func NewTransientError(message string, err error) *EngineError {
	return newEngineError(ErrorClassTransient, message, err)
}

// NewThrottledError creates a new throttled error.
func NewThrottledError(message string, err error) *EngineError {
	return newEngineError(ErrorClassThrottled, message, err)
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *EngineError {
	return newEngineError(ErrorClassConflict, message, err)
}

// NewStepExecutionError creates a new step execution error.
func NewStepExecutionError(message string, err error) *EngineError {
	return newEngineError(ErrorClassStepExecution, message, err)
}

// NewRollbackError creates a new rollback error.
func NewRollbackError(message string, err error) *EngineError {
	return newEngineError(ErrorClassRollback, message, err)
}

// NewSessionBusyError creates a new session busy error.
func NewSessionBusyError(sessionID string) *EngineError {
	return newEngineError(ErrorClassSessionBusy, "session already has an active transaction", nil).
		WithCode(ErrCodeSessionBusy).
		WithDetail("session_id", sessionID)
}

// NewCancelledError creates a new cancellation error.
func NewCancelledError(message string, err error) *EngineError {
	return newEngineError(ErrorClassCancelled, message, err).WithCode(ErrCodeCancelled)
}

// WithAction adds action context to an error.
func (e *EngineError) WithAction(actionID string) *EngineError {
	e.Action = actionID
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// hasClass reports whether any EngineError in err's tree has the class.
func hasClass(err error, class ErrorClass) bool {
	if err == nil {
		return false
	}
	if e, ok := err.(*EngineError); ok && e.Class == class {
		return true
	}
	switch u := err.(type) {
	case interface{ Unwrap() error }:
		return hasClass(u.Unwrap(), class)
	case interface{ Unwrap() []error }:
		for _, inner := range u.Unwrap() {
			if hasClass(inner, class) {
				return true
			}
		}
	}
	return false
}

// ClassOf returns the class of the outermost EngineError in err's chain,
// or an empty class when there is none.
func ClassOf(err error) ErrorClass {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class
	}
	return ""
}

// IsConfiguration returns true if the error is classified as a configuration error.
func IsConfiguration(err error) bool { return hasClass(err, ErrorClassConfiguration) }

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool { return hasClass(err, ErrorClassTransient) }

// IsThrottled returns true if the error is classified as throttled.
func IsThrottled(err error) bool { return hasClass(err, ErrorClassThrottled) }

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool { return hasClass(err, ErrorClassConflict) }

// IsStepExecution returns true if the error is classified as a step execution error.
func IsStepExecution(err error) bool { return hasClass(err, ErrorClassStepExecution) }

// IsRollback returns true if the error is classified as a rollback error.
func IsRollback(err error) bool { return hasClass(err, ErrorClassRollback) }

// IsSessionBusy returns true if the error is a session busy error.
func IsSessionBusy(err error) bool { return hasClass(err, ErrorClassSessionBusy) }

// IsCancelled returns true if the error is a cancellation.
func IsCancelled(err error) bool { return hasClass(err, ErrorClassCancelled) }

// IsRetryable returns true if the error can be retried.
// Only the outermost classification counts: transient, throttled, and
// conflict errors are retryable, even when they wrap something else.
func IsRetryable(err error) bool {
	switch ClassOf(err) {
	case ErrorClassTransient, ErrorClassThrottled, ErrorClassConflict:
		return true
	default:
		return false
	}
}

// Common error codes.
const (
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeCycle            = "CYCLE_DETECTED"
	ErrCodePolicyDenied     = "POLICY_DENIED"
	ErrCodeUnsupported      = "UNSUPPORTED"
	ErrCodeTimeout          = "TIMEOUT"
	ErrCodeRateLimited      = "RATE_LIMITED"
	ErrCodeStateLocked      = "STATE_LOCKED"
	ErrCodeNonZeroExit      = "NON_ZERO_EXIT"
	ErrCodePendingDiff      = "PENDING_DIFF"
	ErrCodeMalformedOutput  = "MALFORMED_OUTPUT"
	ErrCodePanic            = "PANIC"
	ErrCodeCancelled        = "CANCELLED"
	ErrCodeSessionBusy      = "SESSION_BUSY"
	ErrCodeInvalidState     = "INVALID_STATE"
	ErrCodeDependencyFailed = "DEPENDENCY_FAILED"
	ErrCodeInternal         = "INTERNAL_ERROR"
)

// Sentinels for matching transaction outcomes with errors.Is.
var (
	// ErrRolledBack matches the error of a transaction that failed and was fully unwound.
	ErrRolledBack = errors.New("transaction rolled back")

	// ErrUnrecoverable matches the error of a transaction whose unwind failed.
	ErrUnrecoverable = errors.New("transaction unrecoverable")
)

// UnrecoverableError pairs the error that triggered the unwind with the
// rollback failure that stopped it. Both remain reachable through errors.Is/As.
type UnrecoverableError struct {
	// Original is the error that caused the rollback.
	Original error

	// Rollback is the error of the rollback step that failed.
	Rollback error
}

// Error implements the error interface.
func (e *UnrecoverableError) Error() string {
	return fmt.Sprintf("%s: original error: %v; rollback error: %v", ErrUnrecoverable, e.Original, e.Rollback)
}

// Unwrap exposes both the original and rollback errors, plus the sentinel.
func (e *UnrecoverableError) Unwrap() []error {
	return []error{ErrUnrecoverable, e.Original, e.Rollback}
}

// RolledBackError wraps the original error of a rolled-back transaction.
type RolledBackError struct {
	// Original is the error that caused the rollback.
	Original error
}

// Error implements the error interface.
func (e *RolledBackError) Error() string {
	return fmt.Sprintf("%s: %v", ErrRolledBack, e.Original)
}

// Unwrap exposes the original error and the sentinel.
func (e *RolledBackError) Unwrap() []error {
	return []error{ErrRolledBack, e.Original}
}
