package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/deckhand-io/deckhand/pkg/config"
	"github.com/deckhand-io/deckhand/pkg/engine"
	"github.com/deckhand-io/deckhand/pkg/planner"
	"github.com/deckhand-io/deckhand/pkg/policy"
	"github.com/deckhand-io/deckhand/pkg/providers"
	"github.com/deckhand-io/deckhand/pkg/steps"
	"github.com/deckhand-io/deckhand/pkg/stores"
	"github.com/deckhand-io/deckhand/pkg/telemetry"
	"github.com/deckhand-io/deckhand/pkg/transports/ssh"
)

// app is everything a command needs, wired from the settings file.
type app struct {
	settings  *config.Settings
	telemetry *telemetry.Telemetry
	logger    zerolog.Logger

	loader  *config.Loader
	store   *stores.SQLiteStore
	gate    *policy.Engine
	remote  *ssh.Client
	engine  *engine.Engine
	planner *planner.Planner
	dns     *providers.DNS
}

// loadSettings reads the settings file and applies the global flags.
func loadSettings(opts *globalOptions) (*config.Settings, error) {
	settings, err := config.LoadSettings(opts.configPath)
	if err != nil {
		return nil, err
	}
	if opts.workDir != "" {
		settings.Engine.WorkDir = opts.workDir
	}
	if opts.verbose {
		settings.Telemetry.Logging.Level = "debug"
	}
	return settings, nil
}

// newApp builds the engine and its collaborators. Close releases them.
func newApp(ctx context.Context, opts *globalOptions) (*app, error) {
	settings, err := loadSettings(opts)
	if err != nil {
		return nil, err
	}

	tel, err := telemetry.New(&settings.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	a := &app{
		settings:  settings,
		telemetry: tel,
		logger:    tel.Logger.Zerolog(),
	}
	if err := a.init(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) init(ctx context.Context) error {
	s := a.settings
	a.loader = config.NewLoader(a.logger)

	collaborators, err := a.collaborators()
	if err != nil {
		return err
	}

	engineOpts := a.telemetry.EngineOptions()

	if s.Journal.Enabled {
		if a.store, err = openStore(ctx, s.Journal.Path); err != nil {
			return err
		}
		engineOpts = append(engineOpts, engine.WithJournal(a.store))
	}

	if s.Policy.Enabled {
		if a.gate, err = policy.NewEngine(a.logger); err != nil {
			return err
		}
		if s.Policy.Dir != "" {
			if err := a.gate.LoadPolicies(ctx, []string{s.Policy.Dir}); err != nil {
				return err
			}
		}
		engineOpts = append(engineOpts, engine.WithPolicyGate(a.gate))
	}

	if a.engine, err = engine.New(s.Engine, collaborators, engineOpts...); err != nil {
		return err
	}

	factory, err := a.stepFactory(collaborators)
	if err != nil {
		return err
	}

	plannerOpts := []planner.Option{
		planner.WithLogger(a.logger),
		planner.WithRenderDir(s.Steps.RenderDir),
	}
	if a.dns != nil {
		plannerOpts = append(plannerOpts, planner.WithRouterHosts(a.dns))
	}
	a.planner = planner.New(factory, s.Engine.WorkDir, plannerOpts...)
	return nil
}

// collaborators builds the capabilities that have settings. Steps needing an
// unconfigured one fail with a configuration error when they run.
func (a *app) collaborators() (engine.Collaborators, error) {
	s := a.settings
	c := engine.Collaborators{
		BuildPlatform: providers.NewDockerPlatform(s.Build),
	}

	if s.Account.Provider != "" {
		account, err := providers.NewCloudAccount(s.Account)
		if err != nil {
			return c, err
		}
		c.CloudAccount = account
	}
	if s.Registry.Endpoint != "" {
		registry, err := providers.NewRegistry(s.Registry)
		if err != nil {
			return c, err
		}
		c.ContainerRegistry = registry
	}
	if s.DNS.Provider != "" {
		dns, err := providers.NewDNS(s.DNS)
		if err != nil {
			return c, err
		}
		a.dns = dns
		c.DNSProvider = dns
	}
	return c, nil
}

func (a *app) stepFactory(collaborators engine.Collaborators) (*steps.Factory, error) {
	s := a.settings

	local := steps.NewLocalRunner(a.logger)
	if s.Steps.KillGrace > 0 {
		local.KillGrace = s.Steps.KillGrace
	}

	factory := &steps.Factory{
		Local:         local,
		TemplateRoot:  s.Steps.TemplateRoot,
		StateBackend:  s.Steps.StateBackend,
		Kubeconfig:    s.Steps.Kubeconfig,
		LockTimeout:   s.Steps.LockTimeout,
		ChartTimeout:  s.Steps.ChartTimeout,
		Releases:      steps.NewHelmClient,
		Images:        steps.NewDockerClient,
		Collaborators: collaborators,
	}

	if s.Remote.Enabled {
		client, err := ssh.NewClient(&s.Remote.SSH, a.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create remote client: %w", err)
		}
		a.remote = client
		factory.Remote = steps.NewRemoteRunner(client, s.Remote.SSH.RemoteRoot)
	}
	return factory, nil
}

// loadDescriptor reads a descriptor and checks it against the cloud account.
func (a *app) loadDescriptor(ctx context.Context, path string) (*config.Descriptor, error) {
	parsed, err := a.loader.Load(ctx, path)
	if err != nil {
		return nil, err
	}
	if err := a.checkDescriptor(parsed.Descriptor); err != nil {
		return nil, err
	}
	return parsed.Descriptor, nil
}

func (a *app) checkDescriptor(desc *config.Descriptor) error {
	account := a.engine.Collaborators().CloudAccount
	if account == nil || string(account.Provider()) == desc.Cluster.Provider {
		return nil
	}
	return engine.NewConfigurationError(
		fmt.Sprintf("cluster %s uses provider %s but the cloud account is %s",
			desc.Cluster.ID, desc.Cluster.Provider, account.Provider()), nil,
	).WithCode(engine.ErrCodeValidation)
}

// Close flushes telemetry and closes the journal and remote connection.
func (a *app) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var errs []error
	if a.gate != nil {
		errs = append(errs, a.gate.Close())
	}
	if a.remote != nil {
		errs = append(errs, a.remote.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn().Err(err).Msg("Failed to release resources")
	}
	if err := a.telemetry.Shutdown(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("Failed to shut down telemetry")
	}
}

func openStore(ctx context.Context, path string) (*stores.SQLiteStore, error) {
	store, err := stores.NewSQLiteStore(stores.Config{Path: path})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}
