package engine

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// RetryPolicy re-invokes a step while its outcome is retryable, waiting an
// exponentially growing, jittered backoff between attempts.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, the first one included.
	MaxAttempts int `json:"max_attempts" mapstructure:"max_attempts"`

	// InitialBackoff is the wait after the first failed attempt.
	InitialBackoff time.Duration `json:"initial_backoff" mapstructure:"initial_backoff"`

	// MaxBackoff caps every single wait.
	MaxBackoff time.Duration `json:"max_backoff" mapstructure:"max_backoff"`

	// Multiplier grows the wait between consecutive attempts.
	Multiplier float64 `json:"multiplier" mapstructure:"multiplier"`

	// Jitter is the fraction of each wait that is randomized, in [0, 1].
	// Jitter only shortens a wait, so MaxBackoff stays an upper bound.
	Jitter float64 `json:"jitter" mapstructure:"jitter"`
}

// DefaultRetryPolicy returns the policy used for actions without an override.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     1 * time.Minute,
		Multiplier:     2,
		Jitter:         0.2,
	}
}

// NoRetry returns a policy that makes exactly one attempt.
func NoRetry() RetryPolicy {
	return RetryPolicy{MaxAttempts: 1}
}

// Validate checks the policy fields.
func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be at least 1, got %d", p.MaxAttempts)
	}
	if p.InitialBackoff < 0 || p.MaxBackoff < 0 {
		return fmt.Errorf("backoff durations must not be negative")
	}
	if p.MaxAttempts > 1 && p.MaxBackoff < p.InitialBackoff {
		return fmt.Errorf("max_backoff (%s) is lower than initial_backoff (%s)", p.MaxBackoff, p.InitialBackoff)
	}
	if p.Jitter < 0 || p.Jitter > 1 {
		return fmt.Errorf("jitter must be within [0, 1], got %v", p.Jitter)
	}
	return nil
}

// WorstCaseWait returns the longest total time the policy can spend waiting
// between attempts. It never exceeds MaxAttempts × MaxBackoff.
func (p RetryPolicy) WorstCaseWait() time.Duration {
	if p.MaxAttempts <= 1 {
		return 0
	}
	return time.Duration(p.MaxAttempts-1) * p.MaxBackoff
}

// Backoff returns the wait after the given failed attempt (1-based).
// Throttled errors double the wait before capping.
func (p RetryPolicy) Backoff(attempt int, lastErr error) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}

	backoff := float64(p.InitialBackoff) * math.Pow(mult, float64(attempt-1))
	if IsThrottled(lastErr) {
		backoff *= 2
	}
	if limit := float64(p.MaxBackoff); backoff > limit {
		backoff = limit
	}

	if p.Jitter > 0 {
		backoff -= backoff * p.Jitter * rand.Float64()
	}

	return time.Duration(backoff)
}

// AttemptHook is called after every attempt with its 1-based number and outcome.
type AttemptHook func(attempt int, outcome StepOutcome)

// Run invokes exec until it succeeds, returns a non-retryable outcome, the
// attempts are exhausted or ctx is cancelled. Cancellation during a wait
// returns the last outcome immediately.
func (p RetryPolicy) Run(ctx context.Context, exec StepExecutor, in StepInput, hook AttemptHook) StepOutcome {
	start := time.Now()
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var last StepOutcome
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if attempt == 1 {
				last = StepOutcome{Err: NewCancelledError("step cancelled before start", err)}
			}
			break
		}

		in.Attempt = attempt
		last = exec.Execute(ctx, in)
		last.Attempts = attempt
		if hook != nil {
			hook(attempt, last)
		}

		if last.Success || !last.Retryable || attempt == maxAttempts {
			break
		}

		timer := time.NewTimer(p.Backoff(attempt, last.Err))
		select {
		case <-ctx.Done():
			timer.Stop()
			last.Duration = time.Since(start)
			return last
		case <-timer.C:
		}
	}

	if !last.Success && last.Err == nil {
		last.Err = NewStepExecutionError("step failed without an error", nil)
	}
	last.Duration = time.Since(start)
	return last
}

// Wrap returns an executor that applies the policy around exec.
func (p RetryPolicy) Wrap(exec StepExecutor) StepExecutor {
	return &retryingExecutor{policy: p, inner: exec}
}

type retryingExecutor struct {
	policy RetryPolicy
	inner  StepExecutor
}

func (r *retryingExecutor) Execute(ctx context.Context, in StepInput) StepOutcome {
	return r.policy.Run(ctx, r.inner, in, nil)
}

func (r *retryingExecutor) Describe() string {
	return fmt.Sprintf("%s (max %d attempts)", r.inner.Describe(), r.policy.MaxAttempts)
}
