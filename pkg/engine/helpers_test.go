package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// stepRecorder records step invocations in call order.
type stepRecorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *stepRecorder) record(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, name)
}

func (r *stepRecorder) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *stepRecorder) indexOf(name string) int {
	for i, c := range r.Calls() {
		if c == name {
			return i
		}
	}
	return -1
}

func okStep(rec *stepRecorder, name string) StepExecutor {
	return StepFunc(func(ctx context.Context, in StepInput) StepOutcome {
		rec.record(name)
		return Succeeded(name)
	})
}

func failStep(rec *stepRecorder, name string, err error) StepExecutor {
	return StepFunc(func(ctx context.Context, in StepInput) StepOutcome {
		rec.record(name)
		return Failed(err)
	})
}

// reversible builds an action whose steps record "fwd:<id>" and "rb:<id>".
func reversible(rec *stepRecorder, id string, kind ActionKind, deps ...string) *Action {
	return &Action{
		ID:        id,
		Kind:      kind,
		Forward:   okStep(rec, "fwd:"+id),
		Rollback:  okStep(rec, "rb:"+id),
		DependsOn: deps,
	}
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.Retry = NoRetry()
	cfg.RollbackRetry = RetryPolicy{
		MaxAttempts:    2,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		Multiplier:     2,
	}
	cfg.RollbackTimeout = 5 * time.Second
	return cfg
}

func newTestEngine(t *testing.T, cfg Config, opts ...Option) *Engine {
	t.Helper()
	e, err := New(cfg, Collaborators{}, opts...)
	require.NoError(t, err)
	return e
}

func newTestSession(t *testing.T, e *Engine) *Session {
	t.Helper()
	s, err := e.NewSession(context.Background(), SessionContext{ClusterID: "cluster-1"})
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func newTestTransaction(t *testing.T, cfg Config, opts ...Option) (*Session, *Transaction) {
	t.Helper()
	s := newTestSession(t, newTestEngine(t, cfg, opts...))
	tx, err := s.Transaction()
	require.NoError(t, err)
	return s, tx
}

var errBoom = errors.New("boom")

// memoryJournal is an in-memory Journal.
type memoryJournal struct {
	mu           sync.Mutex
	transactions map[string]*TransactionRecord
	actions      map[string]*ActionRecord
	events       []*Event
}

func newMemoryJournal() *memoryJournal {
	return &memoryJournal{
		transactions: make(map[string]*TransactionRecord),
		actions:      make(map[string]*ActionRecord),
	}
}

func (j *memoryJournal) SaveTransaction(_ context.Context, rec *TransactionRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	cp := *rec
	j.transactions[rec.ID] = &cp
	return nil
}

func (j *memoryJournal) SaveAction(_ context.Context, rec *ActionRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	cp := *rec
	j.actions[rec.ActionID] = &cp
	return nil
}

func (j *memoryJournal) AppendEvent(_ context.Context, event *Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, event)
	return nil
}

func (j *memoryJournal) eventTypes() []EventType {
	j.mu.Lock()
	defer j.mu.Unlock()
	types := make([]EventType, 0, len(j.events))
	for _, e := range j.events {
		types = append(types, e.Type)
	}
	return types
}

// denyGate denies every transaction containing an action of kind, with
// violations of the given severity ("error" when empty).
type denyGate struct {
	kind     ActionKind
	severity string
}

func (g denyGate) EvaluateTransaction(_ context.Context, input *PolicyInput) (*PolicyResult, error) {
	severity := g.severity
	if severity == "" {
		severity = "error"
	}
	res := &PolicyResult{Allowed: true, EvaluatedAt: time.Now()}
	for _, a := range input.Actions {
		if a.Kind == g.kind {
			res.Allowed = false
			res.Violations = append(res.Violations, PolicyViolation{
				Policy:   "deny-kind",
				Message:  "kind not allowed",
				Severity: severity,
				ActionID: a.ID,
			})
		}
	}
	return res, nil
}
