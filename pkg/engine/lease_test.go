package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLeaseManager_AcquireRelease(t *testing.T) {
	m := NewLeaseManager()

	release, err := m.Acquire(context.Background(), "cluster-1")
	require.NoError(t, err)
	assert.True(t, m.Held("cluster-1"))
	assert.False(t, m.Held("cluster-2"))

	other, err := m.Acquire(context.Background(), "cluster-2")
	require.NoError(t, err)
	other()

	release()
	release()
	assert.False(t, m.Held("cluster-1"))
}

func TestLeaseManager_AcquireWaitsForRelease(t *testing.T) {
	m := NewLeaseManager()

	release, err := m.Acquire(context.Background(), "cluster-1")
	require.NoError(t, err)

	acquired := make(chan func(), 1)
	go func() {
		next, err := m.Acquire(context.Background(), "cluster-1")
		if err == nil {
			acquired <- next
		}
	}()

	select {
	case <-acquired:
		t.Fatal("lease acquired while held")
	case <-time.After(20 * time.Millisecond):
	}

	release()
	select {
	case next := <-acquired:
		next()
	case <-time.After(time.Second):
		t.Fatal("lease not handed over after release")
	}
}

func TestLeaseManager_AcquireCancelled(t *testing.T) {
	m := NewLeaseManager()

	release, err := m.Acquire(context.Background(), "cluster-1")
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err = m.Acquire(ctx, "cluster-1")
	require.Error(t, err)
	assert.True(t, IsCancelled(err))
}

func TestWithLease_ReleasesOnPanic(t *testing.T) {
	m := NewLeaseManager()
	exec := WithLease(StepFunc(func(ctx context.Context, in StepInput) StepOutcome {
		panic("terraform crashed")
	}), m, "cluster-1", nil)

	func() {
		defer func() { _ = recover() }()
		exec.Execute(context.Background(), StepInput{})
	}()

	assert.False(t, m.Held("cluster-1"))
}
