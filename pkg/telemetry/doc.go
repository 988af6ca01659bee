// Package telemetry provides the observability stack of the deployment engine.
//
// The telemetry package integrates structured logging (zerolog), distributed
// tracing (OpenTelemetry), metrics (Prometheus) and lifecycle event
// publishing. Each piece plugs into the engine through the engine's own
// interfaces:
//
//   - Logger.Zerolog feeds engine.WithLogger.
//   - Tracer.Tracer feeds engine.WithTracer.
//   - Metrics implements engine.MetricsRecorder.
//   - EventPublisher implements engine.EventPublisher.
//
// # Usage
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.New(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	eng, err := engine.New(engine.DefaultConfig(), collaborators, tel.EngineOptions()...)
//
// # Metrics
//
// Metrics are exposed under the configured namespace (default "deckhand"):
//
//   - transactions_total{result}: committed transactions by result
//   - transaction_duration_seconds{result}: commit wall time, unwind included
//   - actions_total{kind,status}: actions reaching a terminal status
//   - action_duration_seconds{kind,status}: forward and rollback durations
//   - step_attempts_total{kind,phase,success}: individual step attempts
//   - cluster_lease_wait_seconds: time spent waiting for a cluster lease
//   - errors_by_class_total{class,code}: failed transactions by error class
//
// # Events
//
// Every transaction emits transaction_started, one terminal transaction event
// and per-action events. LogSubscriber writes them to the log; unrecoverable
// outcomes are logged at error level.
package telemetry
