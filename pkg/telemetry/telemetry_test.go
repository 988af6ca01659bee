package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deckhand-io/deckhand/pkg/engine"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"production", func(c *Config) { *c = *ProductionConfig() }, false},
		{"bad level", func(c *Config) { c.Logging.Level = "verbose" }, true},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, true},
		{"otlp without endpoint", func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.Exporter = "otlp"
		}, true},
		{"sampling out of range", func(c *Config) { c.Tracing.SamplingRate = 2 }, true},
		{"empty event buffer", func(c *Config) { c.Events.BufferSize = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(LoggingConfig{Level: "debug", Format: "json"}, &buf, nil)

	l := logger.NewComponentLogger("sequencer").WithClusterID("prod").WithTransactionID("tx-1").WithActionID("network")
	zl := l.Zerolog()
	zl.Debug().Msg("Action dispatched")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "sequencer", entry["component"])
	assert.Equal(t, "prod", entry["cluster_id"])
	assert.Equal(t, "tx-1", entry["transaction_id"])
	assert.Equal(t, "network", entry["action_id"])
	assert.Equal(t, "Action dispatched", entry["message"])

	buf.Reset()
	quiet := newLogger(LoggingConfig{Level: "warn", Format: "json"}, &buf, nil)
	ql := quiet.Zerolog()
	ql.Info().Msg("hidden")
	assert.Zero(t, buf.Len())
}

func TestMetricsRecorder(t *testing.T) {
	m, err := NewMetrics(DefaultConfig().Metrics)
	require.NoError(t, err)

	m.RecordTransaction(engine.ResultRollback, 3*time.Second)
	m.RecordAction(engine.ActionKindProvisionCluster, engine.ActionStatusSucceeded, time.Minute)
	m.RecordAction(engine.ActionKindProvisionCluster, engine.ActionStatusRolledBack, time.Minute)
	m.RecordStepAttempt(engine.ActionKindInstallAddon, "forward", false)
	m.RecordStepAttempt(engine.ActionKindInstallAddon, "forward", true)
	m.RecordLeaseWait(250 * time.Millisecond)
	m.RecordError(engine.NewConflictError("state locked", nil).WithCode(engine.ErrCodeStateLocked))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.transactions.WithLabelValues("rollback")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.actions.WithLabelValues("provision_cluster", "rolled_back")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.stepAttempts.WithLabelValues("install_addon", "forward", "false")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.errorsByClass.WithLabelValues("conflict", engine.ErrCodeStateLocked)))
	assert.Equal(t, 1, testutil.CollectAndCount(m.leaseWait))
}

func TestMetricsDisabled(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: false})
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		m.RecordTransaction(engine.ResultOk, time.Second)
		m.RecordAction(engine.ActionKindBuildImage, engine.ActionStatusFailed, time.Second)
		m.RecordStepAttempt(engine.ActionKindBuildImage, "forward", false)
		m.RecordLeaseWait(time.Second)
		m.RecordError(engine.NewTransientError("timeout", nil))
	})
	assert.Nil(t, m.Registry())
}

func TestEventPublisher_Sync(t *testing.T) {
	ep := NewEventPublisher(EventsConfig{Enabled: true})

	var got []engine.EventType
	ep.Subscribe(func(e engine.Event) { got = append(got, e.Type) }, FilterByTransaction("tx-1"))
	ep.AddFilter(FilterByLevel("info"))

	ctx := context.Background()
	require.NoError(t, ep.Publish(ctx, &engine.Event{Type: engine.EventTypeTransactionStarted, TransactionID: "tx-1", Level: "info"}))
	require.NoError(t, ep.Publish(ctx, &engine.Event{Type: engine.EventTypeActionStarted, TransactionID: "tx-2", Level: "info"}))
	require.NoError(t, ep.Publish(ctx, &engine.Event{Type: engine.EventTypeActionFailed, TransactionID: "tx-1", Level: "error"}))

	assert.Equal(t, []engine.EventType{engine.EventTypeTransactionStarted, engine.EventTypeActionFailed}, got)
	require.NoError(t, ep.Shutdown(ctx))
}

func TestEventPublisher_AsyncKeepsOrder(t *testing.T) {
	ep := NewEventPublisher(EventsConfig{Enabled: true, EnableAsync: true, BufferSize: 16})

	var (
		mu  sync.Mutex
		ids []string
	)
	ep.Subscribe(func(e engine.Event) {
		mu.Lock()
		ids = append(ids, e.ActionID)
		mu.Unlock()
	}, FilterByType(engine.EventTypeActionSucceeded))

	ctx := context.Background()
	for _, id := range []string{"network", "cluster", "addon"} {
		require.NoError(t, ep.Publish(ctx, &engine.Event{Type: engine.EventTypeActionSucceeded, ActionID: id}))
	}
	require.NoError(t, ep.Shutdown(ctx))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"network", "cluster", "addon"}, ids)

	assert.Error(t, ep.Publish(ctx, &engine.Event{Type: engine.EventTypeActionSucceeded}))
}

func TestLogSubscriber(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(LoggingConfig{Level: "info", Format: "json"}, &buf, nil)

	LogSubscriber(logger)(engine.Event{
		Type:          engine.EventTypeTransactionUnrecoverable,
		TransactionID: "tx-9",
		Message:       "Rollback failed",
		Level:         "error",
		Details:       map[string]interface{}{"manual_intervention": true},
	})

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "error", entry["level"])
	assert.Equal(t, "transaction_unrecoverable", entry["event_type"])
	assert.Equal(t, true, entry["manual_intervention"])
}

func TestTelemetryEngineOptions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logging.Output = "stderr"
	tel, err := New(cfg)
	require.NoError(t, err)
	defer tel.Shutdown(context.Background())

	eng, err := engine.New(engine.DefaultConfig(), engine.Collaborators{}, tel.EngineOptions()...)
	require.NoError(t, err)
	assert.NotNil(t, eng)
}
