package telemetry

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/deckhand-io/deckhand/pkg/engine"
)

// Metrics records engine measurements in a Prometheus registry. It
// implements engine.MetricsRecorder.
type Metrics struct {
	config MetricsConfig

	transactions        *prometheus.CounterVec
	transactionDuration *prometheus.HistogramVec

	actions        *prometheus.CounterVec
	actionDuration *prometheus.HistogramVec
	stepAttempts   *prometheus.CounterVec

	leaseWait prometheus.Histogram

	errorsByClass *prometheus.CounterVec

	registry *prometheus.Registry
}

var _ engine.MetricsRecorder = (*Metrics)(nil)

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	m := &Metrics{
		config:   cfg,
		registry: prometheus.NewRegistry(),

		transactions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transactions_total",
				Help:      "Total number of committed transactions by result",
			},
			[]string{"result"},
		),
		transactionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "transaction_duration_seconds",
				Help:      "Commit wall time in seconds, unwind included",
				Buckets:   buckets,
			},
			[]string{"result"},
		),
		actions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "actions_total",
				Help:      "Total number of actions reaching a terminal status",
			},
			[]string{"kind", "status"},
		),
		actionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "action_duration_seconds",
				Help:      "Duration of forward and rollback steps in seconds, retries included",
				Buckets:   buckets,
			},
			[]string{"kind", "status"},
		),
		stepAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "step_attempts_total",
				Help:      "Total number of step attempts",
			},
			[]string{"kind", "phase", "success"},
		),
		leaseWait: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "cluster_lease_wait_seconds",
				Help:      "Time spent waiting for a cluster state lease",
				Buckets:   buckets,
			},
		),
		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of failed transactions by error class",
			},
			[]string{"class", "code"},
		),
	}

	m.registry.MustRegister(
		m.transactions,
		m.transactionDuration,
		m.actions,
		m.actionDuration,
		m.stepAttempts,
		m.leaseWait,
		m.errorsByClass,
	)

	return m, nil
}

// RecordTransaction implements engine.MetricsRecorder.
func (m *Metrics) RecordTransaction(result engine.ResultKind, duration time.Duration) {
	if m.transactions == nil {
		return
	}
	m.transactions.WithLabelValues(string(result)).Inc()
	m.transactionDuration.WithLabelValues(string(result)).Observe(duration.Seconds())
}

// RecordAction implements engine.MetricsRecorder.
func (m *Metrics) RecordAction(kind engine.ActionKind, status engine.ActionStatus, duration time.Duration) {
	if m.actions == nil {
		return
	}
	m.actions.WithLabelValues(string(kind), string(status)).Inc()
	m.actionDuration.WithLabelValues(string(kind), string(status)).Observe(duration.Seconds())
}

// RecordStepAttempt implements engine.MetricsRecorder.
func (m *Metrics) RecordStepAttempt(kind engine.ActionKind, phase string, success bool) {
	if m.stepAttempts == nil {
		return
	}
	m.stepAttempts.WithLabelValues(string(kind), phase, strconv.FormatBool(success)).Inc()
}

// RecordLeaseWait implements engine.MetricsRecorder.
func (m *Metrics) RecordLeaseWait(duration time.Duration) {
	if m.leaseWait == nil {
		return
	}
	m.leaseWait.Observe(duration.Seconds())
}

// RecordError counts a failure by its engine error class and code.
func (m *Metrics) RecordError(err error) {
	if m.errorsByClass == nil || err == nil {
		return
	}
	code := ""
	var engErr *engine.EngineError
	if errors.As(err, &engErr) {
		code = engErr.Code
	}
	m.errorsByClass.WithLabelValues(string(engine.ClassOf(err)), code).Inc()
}

// Registry returns the Prometheus registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Serve exposes the metrics endpoint until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context) error {
	if !m.config.Enabled {
		<-ctx.Done()
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}
