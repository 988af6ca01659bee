package engine

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// LeaseManager hands out exclusive, per-cluster leases. A lease serializes the
// steps that touch a cluster's shared infrastructure state, across every
// session of the engine.
type LeaseManager struct {
	mu     sync.Mutex
	leases map[string]*clusterLease
}

type clusterLease struct {
	slot chan struct{}
	refs int
}

// NewLeaseManager creates an empty lease manager.
func NewLeaseManager() *LeaseManager {
	return &LeaseManager{leases: make(map[string]*clusterLease)}
}

// Acquire blocks until the lease for key is free or ctx is done.
// The returned release function is idempotent.
func (m *LeaseManager) Acquire(ctx context.Context, key string) (func(), error) {
	m.mu.Lock()
	l, ok := m.leases[key]
	if !ok {
		l = &clusterLease{slot: make(chan struct{}, 1)}
		m.leases[key] = l
	}
	l.refs++
	m.mu.Unlock()

	select {
	case l.slot <- struct{}{}:
	case <-ctx.Done():
		m.unref(key, l)
		return nil, NewCancelledError(fmt.Sprintf("waiting for cluster lease %s", key), ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.slot
			m.unref(key, l)
		})
	}, nil
}

// Held reports whether the lease for key is currently taken.
func (m *LeaseManager) Held(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.leases[key]
	return ok && len(l.slot) == 1
}

func (m *LeaseManager) unref(key string, l *clusterLease) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(m.leases, key)
	}
}

// leasedExecutor holds the cluster lease for the duration of each call.
type leasedExecutor struct {
	inner   StepExecutor
	leases  *LeaseManager
	key     string
	metrics MetricsRecorder
}

// WithLease wraps exec so every invocation runs under the lease for key.
// The lease is released on every exit path, panics included.
func WithLease(exec StepExecutor, leases *LeaseManager, key string, metrics MetricsRecorder) StepExecutor {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &leasedExecutor{inner: exec, leases: leases, key: key, metrics: metrics}
}

func (e *leasedExecutor) Execute(ctx context.Context, in StepInput) StepOutcome {
	waitStart := time.Now()
	release, err := e.leases.Acquire(ctx, e.key)
	if err != nil {
		return StepOutcome{Err: err}
	}
	defer release()
	e.metrics.RecordLeaseWait(time.Since(waitStart))

	return e.inner.Execute(ctx, in)
}

func (e *leasedExecutor) Describe() string {
	return e.inner.Describe()
}
