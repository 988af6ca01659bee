package engine

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryPolicy_Backoff(t *testing.T) {
	p := RetryPolicy{
		MaxAttempts:    5,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     time.Second,
		Multiplier:     2,
	}

	assert.Equal(t, 100*time.Millisecond, p.Backoff(1, nil))
	assert.Equal(t, 200*time.Millisecond, p.Backoff(2, nil))
	assert.Equal(t, 400*time.Millisecond, p.Backoff(3, nil))
	assert.Equal(t, time.Second, p.Backoff(10, nil))
	assert.Equal(t, 200*time.Millisecond, p.Backoff(1, NewThrottledError("slow down", nil)))
}

func TestRetryPolicy_BackoffWithJitterStaysBounded(t *testing.T) {
	p := RetryPolicy{
		MaxAttempts:    10,
		InitialBackoff: 50 * time.Millisecond,
		MaxBackoff:     300 * time.Millisecond,
		Multiplier:     3,
		Jitter:         0.5,
	}

	for attempt := 1; attempt <= 10; attempt++ {
		for i := 0; i < 20; i++ {
			d := p.Backoff(attempt, NewThrottledError("slow down", nil))
			assert.LessOrEqual(t, d, p.MaxBackoff)
			assert.Greater(t, d, time.Duration(0))
		}
	}
	assert.Equal(t, 9*300*time.Millisecond, p.WorstCaseWait())
	assert.LessOrEqual(t, p.WorstCaseWait(), time.Duration(p.MaxAttempts)*p.MaxBackoff)
}

func TestRetryPolicy_Validate(t *testing.T) {
	assert.NoError(t, DefaultRetryPolicy().Validate())
	assert.NoError(t, NoRetry().Validate())
	assert.Error(t, RetryPolicy{}.Validate())
	assert.Error(t, RetryPolicy{MaxAttempts: 2, InitialBackoff: time.Second, MaxBackoff: time.Millisecond}.Validate())
	assert.Error(t, RetryPolicy{MaxAttempts: 1, Jitter: 2}.Validate())
}

func TestRetryPolicy_Run_NonRetryablePassesThrough(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, Multiplier: 2}

	var calls atomic.Int32
	outcome := p.Run(context.Background(), StepFunc(func(ctx context.Context, in StepInput) StepOutcome {
		calls.Add(1)
		return Failed(NewConfigurationError("invalid plan", nil))
	}), StepInput{}, nil)

	assert.False(t, outcome.Success)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 1, outcome.Attempts)
	assert.True(t, IsConfiguration(outcome.Err))
}

func TestRetryPolicy_Run_AttemptBound(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3, InitialBackoff: 2 * time.Millisecond, MaxBackoff: 5 * time.Millisecond, Multiplier: 2}

	var attempts []int
	start := time.Now()
	outcome := p.Run(context.Background(), StepFunc(func(ctx context.Context, in StepInput) StepOutcome {
		return Failed(NewTransientError("connection reset", nil))
	}), StepInput{}, func(attempt int, o StepOutcome) {
		attempts = append(attempts, attempt)
	})

	assert.False(t, outcome.Success)
	assert.True(t, outcome.Retryable)
	assert.Equal(t, []int{1, 2, 3}, attempts)
	assert.Equal(t, 3, outcome.Attempts)
	assert.Less(t, time.Since(start), time.Duration(p.MaxAttempts)*p.MaxBackoff+time.Second)
}

func TestRetryPolicy_Run_PassesAttemptNumber(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, Multiplier: 1}

	var seen []int
	outcome := p.Run(context.Background(), StepFunc(func(ctx context.Context, in StepInput) StepOutcome {
		seen = append(seen, in.Attempt)
		if in.Attempt < 2 {
			return Failed(NewTransientError("EOF", nil))
		}
		return Succeeded("ok")
	}), StepInput{}, nil)

	assert.True(t, outcome.Success)
	assert.Equal(t, []int{1, 2}, seen)
}

func TestRetryPolicy_Run_CancelDuringBackoff(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, InitialBackoff: time.Hour, MaxBackoff: time.Hour, Multiplier: 2}

	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	done := make(chan StepOutcome, 1)
	go func() {
		done <- p.Run(ctx, StepFunc(func(ctx context.Context, in StepInput) StepOutcome {
			calls.Add(1)
			return Failed(NewTransientError("503 service unavailable", nil))
		}), StepInput{}, nil)
	}()

	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
	cancel()

	select {
	case outcome := <-done:
		assert.False(t, outcome.Success)
		assert.Equal(t, 1, outcome.Attempts)
		assert.True(t, IsTransient(outcome.Err))
	case <-time.After(2 * time.Second):
		t.Fatal("retry loop did not stop after cancellation")
	}
}

func TestRetryPolicy_Wrap(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, Multiplier: 1}

	var calls atomic.Int32
	exec := p.Wrap(StepFunc(func(ctx context.Context, in StepInput) StepOutcome {
		if calls.Add(1) == 1 {
			return Failed(NewThrottledError("429", nil))
		}
		return Succeeded("done")
	}))

	outcome := exec.Execute(context.Background(), StepInput{})
	assert.True(t, outcome.Success)
	assert.Equal(t, "done", outcome.Output)
	assert.Contains(t, exec.Describe(), "max 2 attempts")
}
