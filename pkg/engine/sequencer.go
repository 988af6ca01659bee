package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// ActionRunner executes one action and returns its failure cause, if any.
// The sequencer only needs to know whether the action succeeded.
type ActionRunner func(ctx context.Context, action *Action) error

// SequenceReport summarizes a sequencer run.
type SequenceReport struct {
	// Err is the first failure observed, nil when every action succeeded.
	Err error

	// FailedAction is the ID of the action that produced Err, if any.
	FailedAction string

	// Started lists actions in dispatch order.
	Started []string

	// Skipped lists actions that never started, in insertion order.
	Skipped []string
}

// Sequencer dispatches actions in dependency order on a bounded worker pool.
// It repeatedly selects every action whose dependencies have all succeeded,
// runs that frontier concurrently and joins before selecting the next one.
// After the first failure no new action is started.
type Sequencer struct {
	// maxParallel is the maximum number of concurrent workers
	maxParallel int

	logger zerolog.Logger
}

// NewSequencer creates a sequencer running at most maxParallel actions at once.
func NewSequencer(maxParallel int, logger zerolog.Logger) *Sequencer {
	if maxParallel <= 0 {
		maxParallel = 10
	}
	return &Sequencer{maxParallel: maxParallel, logger: logger}
}

// MaxParallel returns the worker pool size.
func (s *Sequencer) MaxParallel() int {
	return s.maxParallel
}

type sequenceRun struct {
	mu        sync.Mutex
	halted    atomic.Bool
	succeeded map[string]bool
	started   map[string]bool
	report    *SequenceReport
}

// Run executes the graph. Cancellation of ctx stops dispatch and is reported
// as the failure cause when no action failed first.
func (s *Sequencer) Run(
	ctx context.Context,
	graph *ActionGraph,
	actions map[string]*Action,
	run ActionRunner,
) *SequenceReport {
	state := &sequenceRun{
		succeeded: make(map[string]bool, len(graph.Order)),
		started:   make(map[string]bool, len(graph.Order)),
		report:    &SequenceReport{},
	}

	for round := 0; !state.halted.Load(); round++ {
		if err := ctx.Err(); err != nil {
			state.fail("", NewCancelledError("commit cancelled", err))
			break
		}

		ready := s.frontier(graph, state)
		if len(ready) == 0 {
			break
		}

		s.logger.Debug().
			Int("round", round).
			Strs("actions", ready).
			Msg("Dispatching ready actions")

		s.dispatch(ctx, ready, actions, run, state)
	}

	for _, id := range graph.Order {
		if !state.started[id] {
			state.report.Skipped = append(state.report.Skipped, id)
		}
	}

	return state.report
}

// frontier returns not-yet-started actions whose dependencies all succeeded,
// in insertion order.
func (s *Sequencer) frontier(graph *ActionGraph, state *sequenceRun) []string {
	state.mu.Lock()
	defer state.mu.Unlock()

	ready := make([]string, 0)
	for _, id := range graph.Order {
		if state.started[id] {
			continue
		}
		blocked := false
		for _, dep := range graph.Nodes[id].Dependencies {
			if !state.succeeded[dep] {
				blocked = true
				break
			}
		}
		if !blocked {
			ready = append(ready, id)
		}
	}
	return ready
}

// dispatch runs the ready actions on the worker pool and waits for all of them.
func (s *Sequencer) dispatch(
	ctx context.Context,
	ready []string,
	actions map[string]*Action,
	run ActionRunner,
	state *sequenceRun,
) {
	workerCount := s.maxParallel
	if len(ready) < workerCount {
		workerCount = len(ready)
	}

	workQueue := make(chan string, len(ready))
	for _, id := range ready {
		workQueue <- id
	}
	close(workQueue)

	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			for id := range workQueue {
				// Queued actions stay pending once the run halts.
				if state.halted.Load() || ctx.Err() != nil {
					continue
				}

				state.mu.Lock()
				state.started[id] = true
				state.report.Started = append(state.report.Started, id)
				state.mu.Unlock()

				if err := s.safeRun(ctx, actions[id], run); err != nil {
					state.fail(id, err)
					continue
				}

				state.mu.Lock()
				state.succeeded[id] = true
				state.mu.Unlock()
			}
		}()
	}

	wg.Wait()
}

func (s *Sequencer) safeRun(ctx context.Context, action *Action, run ActionRunner) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = NewStepExecutionError("action panicked", fmt.Errorf("%v", r)).
				WithCode(ErrCodePanic).WithAction(action.ID)
		}
	}()
	return run(ctx, action)
}

// fail records the first failure and halts further dispatch.
func (r *sequenceRun) fail(actionID string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.report.Err == nil {
		r.report.Err = err
		r.report.FailedAction = actionID
	}
	r.halted.Store(true)
}
