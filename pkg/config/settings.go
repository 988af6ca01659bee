package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/deckhand-io/deckhand/pkg/engine"
	"github.com/deckhand-io/deckhand/pkg/providers"
	"github.com/deckhand-io/deckhand/pkg/telemetry"
	"github.com/deckhand-io/deckhand/pkg/transports/ssh"
)

// EnvPrefix prefixes every environment override, e.g. DECKHAND_ENGINE_MAX_PARALLEL.
const EnvPrefix = "DECKHAND"

// Settings holds all deckhand settings.
type Settings struct {
	Engine    engine.Config    `mapstructure:"engine"`
	Steps     StepSettings     `mapstructure:"steps"`
	Journal   JournalSettings  `mapstructure:"journal"`
	Policy    PolicySettings   `mapstructure:"policy"`
	Telemetry telemetry.Config `mapstructure:"telemetry"`

	Account  providers.AccountConfig  `mapstructure:"account"`
	Registry providers.RegistryConfig `mapstructure:"registry"`
	DNS      providers.DNSConfig      `mapstructure:"dns"`
	Build    providers.BuildConfig    `mapstructure:"build"`

	Remote RemoteSettings `mapstructure:"remote"`
}

// StepSettings configures the tool adapters.
type StepSettings struct {
	// TemplateRoot holds one terraform module tree per provider.
	TemplateRoot string `mapstructure:"template_root"`

	// StateBackend is passed to terraform init as -backend-config pairs.
	StateBackend map[string]string `mapstructure:"state_backend"`

	// Kubeconfig is written by cluster provisioning and read by kubectl and helm.
	Kubeconfig string `mapstructure:"kubeconfig"`

	LockTimeout  time.Duration `mapstructure:"lock_timeout"`
	ChartTimeout time.Duration `mapstructure:"chart_timeout"`

	// KillGrace is the wait between SIGTERM and SIGKILL on cancellation.
	KillGrace time.Duration `mapstructure:"kill_grace"`

	// RenderDir receives manifests rendered from the descriptor, relative to
	// the work dir.
	RenderDir string `mapstructure:"render_dir"`
}

// JournalSettings locates the transaction journal.
type JournalSettings struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// PolicySettings configures the pre-commit policy gate.
type PolicySettings struct {
	Enabled bool `mapstructure:"enabled"`

	// Dir holds additional .rego policies.
	Dir string `mapstructure:"dir"`
}

// RemoteSettings configures the bastion host on-premise tools run on.
type RemoteSettings struct {
	Enabled bool       `mapstructure:"enabled"`
	SSH     ssh.Config `mapstructure:"ssh"`
}

// LoadSettings loads settings from an optional file and DECKHAND_* environment
// variables.
func LoadSettings(path string) (*Settings, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	// Keys without a default are only seen by Unmarshal when bound.
	for _, key := range envOnlyKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read settings file: %w", err)
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal settings: %w", err)
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

var envOnlyKeys = []string{
	"account.provider", "account.region", "account.account_id",
	"account.access_key_id", "account.secret_access_key", "account.session_token", "account.profile",
	"account.tenant_id", "account.client_id", "account.client_secret",
	"account.credentials_file",
	"account.access_key", "account.secret_key", "account.organization_id",
	"registry.endpoint", "registry.namespace", "registry.username", "registry.password", "registry.password_file",
	"dns.provider", "dns.domain", "dns.zone_id", "dns.token",
	"build.host",
	"policy.dir",
	"remote.ssh.host", "remote.ssh.user", "remote.ssh.password",
	"remote.ssh.private_key_path", "remote.ssh.private_key_passphrase",
}

func setDefaults(v *viper.Viper) {
	eng := engine.DefaultConfig()
	v.SetDefault("engine.max_parallel", eng.MaxParallel)
	v.SetDefault("engine.work_dir", eng.WorkDir)
	v.SetDefault("engine.rollback_timeout", eng.RollbackTimeout)
	for _, key := range []string{"retry", "rollback_retry"} {
		v.SetDefault("engine."+key+".max_attempts", eng.Retry.MaxAttempts)
		v.SetDefault("engine."+key+".initial_backoff", eng.Retry.InitialBackoff)
		v.SetDefault("engine."+key+".max_backoff", eng.Retry.MaxBackoff)
		v.SetDefault("engine."+key+".multiplier", eng.Retry.Multiplier)
		v.SetDefault("engine."+key+".jitter", eng.Retry.Jitter)
	}

	v.SetDefault("steps.template_root", "templates")
	v.SetDefault("steps.kubeconfig", "kubeconfig")
	v.SetDefault("steps.lock_timeout", "5m")
	v.SetDefault("steps.chart_timeout", "10m")
	v.SetDefault("steps.kill_grace", "30s")
	v.SetDefault("steps.render_dir", "rendered")

	v.SetDefault("journal.enabled", true)
	v.SetDefault("journal.path", "deckhand.db")
	v.SetDefault("policy.enabled", true)

	tel := telemetry.DefaultConfig()
	v.SetDefault("telemetry.service_name", tel.ServiceName)
	v.SetDefault("telemetry.service_version", tel.ServiceVersion)
	v.SetDefault("telemetry.environment", tel.Environment)
	v.SetDefault("telemetry.logging.level", tel.Logging.Level)
	v.SetDefault("telemetry.logging.format", tel.Logging.Format)
	v.SetDefault("telemetry.logging.output", tel.Logging.Output)
	v.SetDefault("telemetry.logging.sampling_initial", tel.Logging.SamplingInitial)
	v.SetDefault("telemetry.logging.sampling_thereafter", tel.Logging.SamplingThereafter)
	v.SetDefault("telemetry.logging.time_format", tel.Logging.TimeFormat)
	v.SetDefault("telemetry.tracing.enabled", tel.Tracing.Enabled)
	v.SetDefault("telemetry.tracing.exporter", tel.Tracing.Exporter)
	v.SetDefault("telemetry.tracing.sampling_rate", tel.Tracing.SamplingRate)
	v.SetDefault("telemetry.tracing.max_export_batch_size", tel.Tracing.MaxExportBatchSize)
	v.SetDefault("telemetry.tracing.export_timeout", tel.Tracing.ExportTimeout)
	v.SetDefault("telemetry.tracing.insecure", tel.Tracing.Insecure)
	v.SetDefault("telemetry.metrics.enabled", tel.Metrics.Enabled)
	v.SetDefault("telemetry.metrics.listen_address", tel.Metrics.ListenAddress)
	v.SetDefault("telemetry.metrics.path", tel.Metrics.Path)
	v.SetDefault("telemetry.metrics.namespace", tel.Metrics.Namespace)
	v.SetDefault("telemetry.metrics.histogram_buckets", tel.Metrics.DefaultHistogramBuckets)
	v.SetDefault("telemetry.events.enabled", tel.Events.Enabled)
	v.SetDefault("telemetry.events.buffer_size", tel.Events.BufferSize)
	v.SetDefault("telemetry.events.enable_async", tel.Events.EnableAsync)

	v.SetDefault("build.name", "docker")

	remote := ssh.DefaultConfig("", "")
	v.SetDefault("remote.enabled", false)
	v.SetDefault("remote.ssh.port", remote.Port)
	v.SetDefault("remote.ssh.auth_method", string(remote.AuthMethod))
	v.SetDefault("remote.ssh.known_hosts_path", remote.KnownHostsPath)
	v.SetDefault("remote.ssh.strict_host_key_checking", remote.StrictHostKeyChecking)
	v.SetDefault("remote.ssh.connection_timeout", remote.ConnectionTimeout)
	v.SetDefault("remote.ssh.kill_grace", remote.KillGrace)
	v.SetDefault("remote.ssh.remote_root", remote.RemoteRoot)
}

// Validate checks the settings that are always used. Collaborator settings
// are validated when the collaborator is built.
func (s *Settings) Validate() error {
	if err := s.Engine.Validate(); err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	if err := s.Telemetry.Validate(); err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	if s.Steps.KillGrace < 0 {
		return fmt.Errorf("steps: kill_grace must not be negative")
	}
	if s.Journal.Enabled && s.Journal.Path == "" {
		return fmt.Errorf("journal: path is required")
	}
	if s.Remote.Enabled {
		if err := s.Remote.SSH.Validate(); err != nil {
			return fmt.Errorf("remote: %w", err)
		}
	}
	return nil
}
