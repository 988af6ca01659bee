package telemetry

import (
	"context"
	"errors"

	"github.com/deckhand-io/deckhand/pkg/engine"
)

// Telemetry bundles logging, tracing, metrics and events.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config
}

// New creates a telemetry instance from configuration.
func New(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	if err != nil {
		return nil, err
	}

	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	events := NewEventPublisher(cfg.Events)
	events.Subscribe(LogSubscriber(logger.NewComponentLogger("events")), FilterByLevel("warning"))

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Events:  events,
		Config:  cfg,
	}, nil
}

// EngineOptions wires every telemetry component into an engine.
func (t *Telemetry) EngineOptions() []engine.Option {
	return []engine.Option{
		engine.WithLogger(t.Logger.NewComponentLogger("engine").Zerolog()),
		engine.WithTracer(t.Tracer.Tracer()),
		engine.WithMetrics(t.Metrics),
		engine.WithEventPublisher(t.Events),
	}
}

// RecordResult counts the error class of a failed transaction.
func (t *Telemetry) RecordResult(result *engine.TransactionResult) {
	if result == nil || result.IsOk() {
		return
	}
	t.Metrics.RecordError(result.Err)
}

// Shutdown flushes events and spans, then closes the log output.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(
		t.Events.Shutdown(ctx),
		t.Tracer.Shutdown(ctx),
		t.Logger.Close(),
	)
}
