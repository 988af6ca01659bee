package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	phaseForward  = "forward"
	phaseRollback = "rollback"
)

// Transaction is an ordered, all-or-nothing unit of work over a set of actions.
//
// A transaction is built by adding actions, then committed once. A commit
// ends in exactly one result: every action succeeded, the failure was unwound
// by rolling back succeeded actions in reverse success order, or the unwind
// itself failed and the cluster needs manual intervention.
type Transaction struct {
	// ID is the unique transaction identifier.
	ID string

	session *Session
	engine  *Engine
	logger  zerolog.Logger

	mu        sync.Mutex
	state     TransactionState
	operation string
	actions   []*Action
	index     map[string]*Action
	states    map[string]*ActionState
	succeeded []string
	startedAt time.Time
}

func newTransaction(id string, s *Session) *Transaction {
	return &Transaction{
		ID:      id,
		session: s,
		engine:  s.engine,
		logger:  s.logger.With().Str("transaction_id", id).Logger(),
		state:   TransactionStateBuilding,
		index:   make(map[string]*Action),
		states:  make(map[string]*ActionState),
	}
}

// SetOperation labels the transaction in the journal (for example "cluster_create").
func (t *Transaction) SetOperation(operation string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.operation = operation
}

// State returns the current transaction state.
func (t *Transaction) State() TransactionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// AddAction adds one action. See AddActions.
func (t *Transaction) AddAction(action *Action) error {
	return t.AddActions(action)
}

// AddActions adds actions in order. Dependencies may refer to actions added
// earlier or within the same call. An invalid batch (unknown dependency,
// duplicate ID, cycle) is rejected as a whole with a configuration error and
// leaves the transaction unchanged.
func (t *Transaction) AddActions(actions ...*Action) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != TransactionStateBuilding {
		return NewConfigurationError(
			fmt.Sprintf("cannot add actions to a transaction in state %s", t.state), nil,
		).WithCode(ErrCodeInvalidState)
	}

	for _, action := range actions {
		if action == nil {
			return NewConfigurationError("nil action", nil).WithCode(ErrCodeValidation)
		}
		if action.Forward == nil {
			return NewConfigurationError("action has no forward step", nil).
				WithCode(ErrCodeValidation).WithAction(action.ID)
		}
		if action.Kind != "" {
			if err := action.Kind.Validate(); err != nil {
				return NewConfigurationError("invalid action kind", err).
					WithCode(ErrCodeValidation).WithAction(action.ID)
			}
		}
		if action.Retry != nil {
			if err := action.Retry.Validate(); err != nil {
				return NewConfigurationError("invalid retry policy", err).
					WithCode(ErrCodeValidation).WithAction(action.ID)
			}
		}
	}

	candidate := make([]*Action, 0, len(t.actions)+len(actions))
	candidate = append(candidate, t.actions...)
	candidate = append(candidate, actions...)
	if _, err := NewDAGBuilder().BuildGraph(candidate); err != nil {
		return err
	}

	for _, action := range actions {
		action.OrderingKey = len(t.actions)
		action.DependsOn = append([]string(nil), action.DependsOn...)
		t.actions = append(t.actions, action)
		t.index[action.ID] = action
		t.states[action.ID] = &ActionState{ActionID: action.ID, Status: ActionStatusPending}
	}

	return nil
}

// Actions returns the actions in insertion order.
func (t *Transaction) Actions() []*Action {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Action(nil), t.actions...)
}

// Plan returns the validated action graph without running anything.
func (t *Transaction) Plan() (*ActionGraph, error) {
	return NewDAGBuilder().BuildGraph(t.Actions())
}

// DOT renders the action graph in Graphviz format.
func (t *Transaction) DOT() (string, error) {
	builder := NewDAGBuilder()
	if _, err := builder.BuildGraph(t.Actions()); err != nil {
		return "", err
	}
	return builder.ToDOT(), nil
}

// ActionState returns a copy of the state of one action.
func (t *Transaction) ActionState(id string) (ActionState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.states[id]
	if !ok {
		return ActionState{}, false
	}
	return *st, true
}

// Discard releases an uncommitted transaction so the session can start another.
func (t *Transaction) Discard() error {
	t.mu.Lock()
	if t.state != TransactionStateBuilding {
		state := t.state
		t.mu.Unlock()
		return NewConfigurationError(
			fmt.Sprintf("cannot discard a transaction in state %s", state), nil,
		).WithCode(ErrCodeInvalidState)
	}
	t.state = TransactionStateDiscarded
	t.mu.Unlock()

	t.session.release(t)
	return nil
}

// Commit runs the transaction to a terminal result. The returned error is
// non-nil only when the commit could not start (already committed, discarded
// or in progress); every started commit yields a result.
//
// Cancelling ctx or the session is treated as a failure: actions already
// applied are rolled back on a context that outlives the cancellation.
func (t *Transaction) Commit(ctx context.Context) (*TransactionResult, error) {
	t.mu.Lock()
	if t.state != TransactionStateBuilding {
		state := t.state
		t.mu.Unlock()
		return nil, NewConfigurationError(
			fmt.Sprintf("cannot commit a transaction in state %s", state), nil,
		).WithCode(ErrCodeInvalidState)
	}
	t.state = TransactionStateCommitting
	t.startedAt = time.Now()
	actions := append([]*Action(nil), t.actions...)
	t.mu.Unlock()

	defer t.session.release(t)

	ctx, cancel := t.session.bind(ctx)
	defer cancel()

	ctx, span := t.engine.tracer.Start(ctx, "transaction.commit",
		trace.WithAttributes(
			attribute.String("transaction.id", t.ID),
			attribute.String("cluster.id", t.session.sctx.ClusterID),
			attribute.Int("transaction.actions", len(actions)),
		),
	)
	defer span.End()

	result := &TransactionResult{
		TransactionID: t.ID,
		StartedAt:     t.startedAt,
	}

	t.logger.Info().Int("actions", len(actions)).Msg("Committing transaction")
	t.journalTransaction(ctx, nil)
	t.emit(ctx, EventTypeTransactionStarted, "", "Transaction commit started", nil)

	graph, err := NewDAGBuilder().BuildGraph(actions)
	if err == nil {
		err = t.evaluatePolicy(ctx, actions)
	}
	if err != nil {
		for _, a := range actions {
			result.Skipped = append(result.Skipped, a.ID)
		}
		t.finish(ctx, span, result, err, nil)
		return result, nil
	}

	report := t.engine.sequencer.Run(ctx, graph, t.index, t.runForward)
	result.Skipped = report.Skipped
	for _, id := range report.Skipped {
		t.emit(ctx, EventTypeActionSkipped, id, "Action skipped", nil)
	}

	if report.Err == nil {
		t.finish(ctx, span, result, nil, nil)
		return result, nil
	}

	t.logger.Warn().
		Err(report.Err).
		Str("failed_action", report.FailedAction).
		Msg("Transaction failed, rolling back applied actions")

	rollbackErr := t.unwind(ctx, result)
	t.finish(ctx, span, result, report.Err, rollbackErr)
	return result, nil
}

// runForward executes the forward step of one action. It is the sequencer's
// ActionRunner.
func (t *Transaction) runForward(ctx context.Context, action *Action) error {
	if err := t.transition(action.ID, ActionStatusRunning, nil); err != nil {
		return err
	}
	t.emit(ctx, EventTypeActionStarted, action.ID,
		fmt.Sprintf("Started %s", action.DisplayName()),
		map[string]interface{}{"kind": string(action.Kind)})

	policy := t.engine.config.Retry
	if action.Retry != nil {
		policy = *action.Retry
	}

	outcome := t.runStep(ctx, action, action.Forward, policy, phaseForward)

	t.mu.Lock()
	st := t.states[action.ID]
	st.Attempts = outcome.Attempts
	st.Output = outcome.Output
	t.mu.Unlock()

	if outcome.Success {
		if err := t.transition(action.ID, ActionStatusSucceeded, nil); err != nil {
			return err
		}
		t.emit(ctx, EventTypeActionSucceeded, action.ID,
			fmt.Sprintf("Completed %s", action.DisplayName()),
			map[string]interface{}{"attempts": outcome.Attempts, "duration_ms": outcome.Duration.Milliseconds()})
		return nil
	}

	var err *EngineError
	if ctx.Err() != nil {
		err = NewCancelledError("action cancelled", outcome.Err)
	} else {
		err = NewStepExecutionError(
			fmt.Sprintf("%s failed after %d attempt(s)", action.DisplayName(), outcome.Attempts),
			outcome.Err,
		)
	}
	err = err.WithAction(action.ID).WithOperation(phaseForward)

	_ = t.transition(action.ID, ActionStatusFailed, err)
	t.emit(ctx, EventTypeActionFailed, action.ID, err.Error(),
		map[string]interface{}{"attempts": outcome.Attempts, "retryable": outcome.Retryable})

	return err
}

// unwind rolls back succeeded actions in reverse success order. It stops at
// the first rollback that fails and returns its error.
func (t *Transaction) unwind(ctx context.Context, result *TransactionResult) error {
	rbCtx := context.WithoutCancel(ctx)
	if timeout := t.engine.config.RollbackTimeout; timeout > 0 {
		var cancel context.CancelFunc
		rbCtx, cancel = context.WithTimeout(rbCtx, timeout)
		defer cancel()
	}

	t.mu.Lock()
	order := append([]string(nil), t.succeeded...)
	t.mu.Unlock()

	for i := len(order) - 1; i >= 0; i-- {
		action := t.index[order[i]]

		if !action.Reversible() {
			result.Retained = append(result.Retained, action.ID)
			t.logger.Warn().Str("action_id", action.ID).Msg("Action has no rollback, leaving it applied")
			t.emit(rbCtx, EventTypeActionRetained, action.ID, "Non-reversible action left applied", nil)
			continue
		}

		outcome := t.runStep(rbCtx, action, action.Rollback, t.engine.config.RollbackRetry, phaseRollback)

		t.mu.Lock()
		t.states[action.ID].RollbackAttempts = outcome.Attempts
		t.mu.Unlock()

		if outcome.Success {
			_ = t.transition(action.ID, ActionStatusRolledBack, nil)
			result.RolledBack = append(result.RolledBack, action.ID)
			t.emit(rbCtx, EventTypeActionRolledBack, action.ID,
				fmt.Sprintf("Rolled back %s", action.DisplayName()), nil)
			continue
		}

		err := NewRollbackError(
			fmt.Sprintf("rollback of %s failed after %d attempt(s)", action.DisplayName(), outcome.Attempts),
			outcome.Err,
		).WithAction(action.ID).WithOperation(phaseRollback)
		_ = t.transition(action.ID, ActionStatusRollbackFailed, err)
		t.emit(rbCtx, EventTypeRollbackFailed, action.ID, err.Error(), nil)

		// Unwinding stops here; everything older stays applied.
		for j := i - 1; j >= 0; j-- {
			result.Retained = append(result.Retained, order[j])
		}
		return err
	}

	return nil
}

// runStep executes one step through retry, panic recovery, the cluster lease
// and the per-attempt timeout, in that order from the outside in.
func (t *Transaction) runStep(
	ctx context.Context,
	action *Action,
	step StepExecutor,
	policy RetryPolicy,
	phase string,
) StepOutcome {
	ctx, span := t.engine.tracer.Start(ctx, "action."+phase,
		trace.WithAttributes(
			attribute.String("action.id", action.ID),
			attribute.String("action.kind", string(action.Kind)),
			attribute.String("step", step.Describe()),
		),
	)
	defer span.End()

	exec := step
	if action.Timeout > 0 {
		exec = &timeoutExecutor{inner: exec, timeout: action.Timeout}
	}
	if action.LocksClusterState {
		exec = WithLease(exec, t.engine.leases, t.session.sctx.ClusterID, t.engine.metrics)
	}
	exec = &recoveringExecutor{inner: exec}

	logger := t.logger.With().Str("action_id", action.ID).Str("phase", phase).Logger()
	in := StepInput{
		WorkDir:       t.session.sctx.WorkDir,
		SessionID:     t.session.ID,
		TransactionID: t.ID,
		ActionID:      action.ID,
		ClusterID:     t.session.sctx.ClusterID,
		Env:           t.engine.stepEnv(),
	}

	outcome := policy.Run(ctx, exec, in, func(attempt int, o StepOutcome) {
		t.engine.metrics.RecordStepAttempt(action.Kind, phase, o.Success)
		if o.Success {
			logger.Debug().Int("attempt", attempt).Msg("Step succeeded")
			return
		}
		logger.Warn().
			Int("attempt", attempt).
			Int("max_attempts", policy.MaxAttempts).
			Bool("retryable", o.Retryable).
			Err(o.Err).
			Msg("Step attempt failed")
	})

	span.SetAttributes(attribute.Int("step.attempts", outcome.Attempts))
	if !outcome.Success {
		span.RecordError(outcome.Err)
		span.SetStatus(codes.Error, "step failed")
	} else {
		span.SetStatus(codes.Ok, "")
	}

	return outcome
}

// transition moves an action to next, enforcing monotonic status changes.
func (t *Transaction) transition(id string, next ActionStatus, cause error) error {
	t.mu.Lock()
	st := t.states[id]
	if !st.Status.CanTransitionTo(next) {
		from := st.Status
		t.mu.Unlock()
		return NewStepExecutionError(
			fmt.Sprintf("illegal status transition %s -> %s", from, next), nil,
		).WithCode(ErrCodeInvalidState).WithAction(id)
	}

	now := time.Now()
	st.Status = next
	if cause != nil {
		st.Err = cause
	}
	switch next {
	case ActionStatusRunning:
		st.StartedAt = &now
	case ActionStatusSucceeded:
		st.CompletedAt = &now
		t.succeeded = append(t.succeeded, id)
	case ActionStatusFailed:
		st.CompletedAt = &now
	}
	action := t.index[id]
	var elapsed time.Duration
	if st.StartedAt != nil {
		elapsed = now.Sub(*st.StartedAt)
	}
	record := t.actionRecord(action, st)
	t.mu.Unlock()

	if next != ActionStatusRunning {
		t.engine.metrics.RecordAction(action.Kind, next, elapsed)
	}
	t.saveAction(record)
	return nil
}

// finish settles the terminal state, result and journal entries.
func (t *Transaction) finish(
	ctx context.Context,
	span trace.Span,
	result *TransactionResult,
	cause error,
	rollbackErr error,
) {
	var state TransactionState
	switch {
	case cause == nil:
		result.Kind = ResultOk
		state = TransactionStateCommitted
	case rollbackErr == nil:
		result.Kind = ResultRollback
		state = TransactionStateRolledBack
	default:
		result.Kind = ResultUnrecoverable
		state = TransactionStateUnrecoverable
	}
	result.Err = cause
	result.RollbackErr = rollbackErr
	result.Duration = time.Since(t.startedAt)

	t.mu.Lock()
	t.state = state
	result.Succeeded = append([]string(nil), t.succeeded...)
	result.States = make(map[string]ActionState, len(t.states))
	for id, st := range t.states {
		result.States[id] = *st
	}
	t.mu.Unlock()

	ctx = context.WithoutCancel(ctx)
	t.journalTransaction(ctx, result)
	t.engine.metrics.RecordTransaction(result.Kind, result.Duration)
	span.SetAttributes(attribute.String("transaction.result", string(result.Kind)))

	switch result.Kind {
	case ResultOk:
		span.SetStatus(codes.Ok, "")
		t.logger.Info().
			Dur("duration", result.Duration).
			Int("succeeded", len(result.Succeeded)).
			Msg("Transaction committed")
		t.emit(ctx, EventTypeTransactionCommitted, "", "Transaction committed", nil)
	case ResultRollback:
		span.RecordError(cause)
		span.SetStatus(codes.Error, "rolled back")
		t.logger.Warn().
			Err(cause).
			Strs("rolled_back", result.RolledBack).
			Strs("retained", result.Retained).
			Strs("skipped", result.Skipped).
			Msg("Transaction rolled back")
		t.emit(ctx, EventTypeTransactionRolledBack, "", cause.Error(), map[string]interface{}{
			"rolled_back": result.RolledBack,
			"retained":    result.Retained,
		})
	default:
		span.RecordError(rollbackErr)
		span.SetStatus(codes.Error, "unrecoverable")
		t.logger.Error().
			Err(cause).
			AnErr("rollback_error", rollbackErr).
			Strs("retained", result.Retained).
			Bool("manual_intervention", true).
			Msg("Transaction unrecoverable")
		t.emit(ctx, EventTypeTransactionUnrecoverable, "", rollbackErr.Error(), map[string]interface{}{
			"original_error": cause.Error(),
			"retained":       result.Retained,
		})
	}
}

// NewPolicyInput builds the document a PolicyGate evaluates for a set of
// actions. Commit builds the same document before anything runs.
func NewPolicyInput(transactionID string, sc SessionContext, actions []*Action) *PolicyInput {
	input := &PolicyInput{
		TransactionID: transactionID,
		Session: SessionInfo{
			ClusterID:      sc.ClusterID,
			OrganizationID: sc.OrganizationID,
			EnvironmentID:  sc.EnvironmentID,
			Provider:       sc.Provider,
			Region:         sc.Region,
			Labels:         sc.Labels,
		},
		Actions: make([]PolicyAction, 0, len(actions)),
	}
	for _, a := range actions {
		input.Actions = append(input.Actions, PolicyAction{
			ID:         a.ID,
			Name:       a.Name,
			Kind:       a.Kind,
			DependsOn:  a.DependsOn,
			Reversible: a.Reversible(),
			Labels:     a.Labels,
		})
	}
	return input
}

// evaluatePolicy runs the policy gate, if any. A denial fails the transaction
// before a step runs; the first error or critical violation is attached.
func (t *Transaction) evaluatePolicy(ctx context.Context, actions []*Action) error {
	gate := t.engine.policy
	if gate == nil {
		return nil
	}

	input := NewPolicyInput(t.ID, t.session.sctx, actions)
	res, err := gate.EvaluateTransaction(ctx, input)
	if err != nil {
		return NewConfigurationError("policy evaluation failed", err).WithCode(ErrCodePolicyDenied)
	}
	for _, v := range res.Violations {
		t.logger.Warn().
			Str("policy", v.Policy).
			Str("severity", v.Severity).
			Str("action_id", v.ActionID).
			Msg(v.Message)
	}
	if res.Allowed {
		return nil
	}

	e := NewConfigurationError("transaction denied by policy", nil).WithCode(ErrCodePolicyDenied)
	for _, v := range res.Violations {
		if v.Severity == "error" || v.Severity == "critical" {
			e = e.WithAction(v.ActionID).WithDetail("policy", v.Policy).WithDetail("violation", v.Message)
			break
		}
	}
	return e
}

func (t *Transaction) emit(ctx context.Context, typ EventType, actionID, msg string, details map[string]interface{}) {
	if t.engine.publisher == nil && t.engine.journal == nil {
		return
	}

	event := &Event{
		ID:            uuid.New().String(),
		Type:          typ,
		Timestamp:     time.Now(),
		TransactionID: t.ID,
		SessionID:     t.session.ID,
		ClusterID:     t.session.sctx.ClusterID,
		ActionID:      actionID,
		Message:       msg,
		Details:       details,
		Level:         typ.Severity(),
	}

	ctx = context.WithoutCancel(ctx)
	if t.engine.journal != nil {
		if err := t.engine.journal.AppendEvent(ctx, event); err != nil {
			t.logger.Warn().Err(err).Str("event_type", string(typ)).Msg("Failed to journal event")
		}
	}
	if t.engine.publisher != nil {
		if err := t.engine.publisher.Publish(ctx, event); err != nil {
			t.logger.Debug().Err(err).Str("event_type", string(typ)).Msg("Failed to publish event")
		}
	}
}

func (t *Transaction) journalTransaction(ctx context.Context, result *TransactionResult) {
	if t.engine.journal == nil {
		return
	}

	t.mu.Lock()
	sc := t.session.sctx
	rec := &TransactionRecord{
		ID:            t.ID,
		SessionID:     t.session.ID,
		ClusterID:     sc.ClusterID,
		EnvironmentID: sc.EnvironmentID,
		Operation:     t.operation,
		State:         t.state,
		ActionCount:   len(t.actions),
		StartedAt:     t.startedAt,
	}
	t.mu.Unlock()

	if result != nil {
		rec.Result = result.Kind
		completed := result.StartedAt.Add(result.Duration)
		rec.CompletedAt = &completed
		if result.Err != nil {
			rec.Error = result.Err.Error()
		}
		if result.RollbackErr != nil {
			rec.RollbackError = result.RollbackErr.Error()
		}
	}

	if err := t.engine.journal.SaveTransaction(context.WithoutCancel(ctx), rec); err != nil {
		t.logger.Warn().Err(err).Msg("Failed to journal transaction")
	}

	// Actions are journaled once up front so pending ones are visible.
	if result == nil {
		for _, a := range t.Actions() {
			st, _ := t.ActionState(a.ID)
			t.saveAction(t.actionRecord(a, &st))
		}
	}
}

func (t *Transaction) actionRecord(action *Action, st *ActionState) *ActionRecord {
	return &ActionRecord{
		TransactionID:    t.ID,
		ActionID:         action.ID,
		Name:             action.Name,
		Kind:             action.Kind,
		OrderingKey:      action.OrderingKey,
		Status:           st.Status,
		Reversible:       action.Reversible(),
		Attempts:         st.Attempts,
		RollbackAttempts: st.RollbackAttempts,
		Output:           st.Output,
		Error:            st.Error(),
		UpdatedAt:        time.Now(),
	}
}

func (t *Transaction) saveAction(rec *ActionRecord) {
	if t.engine.journal == nil {
		return
	}
	if err := t.engine.journal.SaveAction(context.Background(), rec); err != nil {
		t.logger.Warn().Err(err).Str("action_id", rec.ActionID).Msg("Failed to journal action")
	}
}

// timeoutExecutor bounds every attempt of a step.
type timeoutExecutor struct {
	inner   StepExecutor
	timeout time.Duration
}

func (e *timeoutExecutor) Execute(ctx context.Context, in StepInput) StepOutcome {
	attemptCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	outcome := e.inner.Execute(attemptCtx, in)
	if !outcome.Success && attemptCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		outcome.Err = NewTransientError(
			fmt.Sprintf("step timed out after %s", e.timeout), outcome.Err,
		).WithCode(ErrCodeTimeout)
		outcome.Retryable = true
	}
	return outcome
}

func (e *timeoutExecutor) Describe() string {
	return e.inner.Describe()
}

// recoveringExecutor turns a panicking step into a failed outcome.
type recoveringExecutor struct {
	inner StepExecutor
}

func (e *recoveringExecutor) Execute(ctx context.Context, in StepInput) (outcome StepOutcome) {
	defer func() {
		if r := recover(); r != nil {
			outcome = StepOutcome{
				Err: NewStepExecutionError("step panicked", fmt.Errorf("%v", r)).
					WithCode(ErrCodePanic).WithAction(in.ActionID),
			}
		}
	}()
	return e.inner.Execute(ctx, in)
}

func (e *recoveringExecutor) Describe() string {
	return e.inner.Describe()
}
