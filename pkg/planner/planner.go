package planner

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/deckhand-io/deckhand/pkg/config"
	"github.com/deckhand-io/deckhand/pkg/engine"
	"github.com/deckhand-io/deckhand/pkg/steps"
)

// RouterHosts names the DNS record of a router in an environment.
type RouterHosts interface {
	Hostname(router, environment string) string
}

// Planner turns a deployment descriptor into the actions of one operation.
type Planner struct {
	factory       *steps.Factory
	hosts         RouterHosts
	workDir       string
	renderDir     string
	imageTag      string
	clusterIssuer string
	logger        zerolog.Logger
}

// Option configures a Planner.
type Option func(*Planner)

// WithLogger sets the planner logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(p *Planner) {
		p.logger = logger.With().Str("component", "planner").Logger()
	}
}

// WithRouterHosts derives router hosts from a DNS provider when the
// descriptor leaves them unset.
func WithRouterHosts(hosts RouterHosts) Option {
	return func(p *Planner) { p.hosts = hosts }
}

// WithRenderDir sets where rendered manifests are written, relative to the
// work dir unless absolute.
func WithRenderDir(dir string) Option {
	return func(p *Planner) { p.renderDir = dir }
}

// WithImageTag sets the tag of images that declare none.
func WithImageTag(tag string) Option {
	return func(p *Planner) { p.imageTag = tag }
}

// WithClusterIssuer sets the cert-manager issuer of TLS routers.
func WithClusterIssuer(issuer string) Option {
	return func(p *Planner) { p.clusterIssuer = issuer }
}

// New creates a planner building steps with factory. workDir must match the
// session work dir the actions run in.
func New(factory *steps.Factory, workDir string, opts ...Option) *Planner {
	p := &Planner{
		factory:       factory,
		workDir:       workDir,
		renderDir:     "rendered",
		imageTag:      "latest",
		clusterIssuer: "letsencrypt",
		logger:        zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Build returns the actions of an operation. envID is required for
// environment operations and ignored otherwise.
func (p *Planner) Build(op Operation, desc *config.Descriptor, envID string) ([]*engine.Action, error) {
	if err := op.Validate(); err != nil {
		return nil, err
	}
	if desc == nil {
		return nil, engine.NewConfigurationError("descriptor is nil", nil).WithCode(engine.ErrCodeValidation)
	}

	b := &builder{p: p, desc: desc, provider: engine.ProviderKind(desc.Cluster.Provider)}

	var err error
	if op.TargetsEnvironment() {
		env, ok := desc.Environment(envID)
		if !ok {
			return nil, engine.NewConfigurationError(
				fmt.Sprintf("environment %q is not declared for cluster %s", envID, desc.Cluster.ID), nil).
				WithCode(engine.ErrCodeValidation)
		}
		switch op {
		case OperationEnvironmentDeploy:
			err = b.deployEnvironment(env)
		case OperationEnvironmentPause:
			err = b.pauseEnvironment(env)
		case OperationEnvironmentDelete:
			err = b.deleteEnvironment(env)
		}
	} else {
		switch op {
		case OperationClusterCreate:
			err = b.createCluster()
		case OperationClusterPause:
			err = b.pauseCluster()
		case OperationClusterDelete:
			err = b.deleteCluster()
		}
	}
	if err != nil {
		return nil, err
	}

	for _, a := range b.actions {
		if a.Timeout == 0 {
			a.Timeout = defaultTimeout(a.Kind)
		}
	}

	p.logger.Debug().
		Str("operation", string(op)).
		Str("cluster_id", desc.Cluster.ID).
		Str("environment_id", envID).
		Int("actions", len(b.actions)).
		Msg("Operation planned")

	return b.actions, nil
}

// Populate labels tx with the operation and adds its actions.
func (p *Planner) Populate(tx *engine.Transaction, op Operation, desc *config.Descriptor, envID string) error {
	actions, err := p.Build(op, desc, envID)
	if err != nil {
		return err
	}
	tx.SetOperation(string(op))
	return tx.AddActions(actions...)
}

// SessionContext returns the session context of an operation on the
// descriptor's cluster. Environment labels override cluster labels.
func (p *Planner) SessionContext(desc *config.Descriptor, envID string) engine.SessionContext {
	labels := make(map[string]string, len(desc.Cluster.Labels))
	for k, v := range desc.Cluster.Labels {
		labels[k] = v
	}
	if env, ok := desc.Environment(envID); ok {
		for k, v := range env.Labels {
			labels[k] = v
		}
	}

	return engine.SessionContext{
		ClusterID:      desc.Cluster.ID,
		OrganizationID: desc.Cluster.Organization,
		EnvironmentID:  envID,
		Provider:       engine.ProviderKind(desc.Cluster.Provider),
		Region:         desc.Cluster.Region,
		Labels:         labels,
		WorkDir:        p.workDir,
	}
}

// defaultTimeout bounds one attempt of an action kind. Infrastructure changes
// take longer than workload changes.
func defaultTimeout(kind engine.ActionKind) time.Duration {
	switch kind {
	case engine.ActionKindProvisionCluster, engine.ActionKindDeleteCluster:
		return 45 * time.Minute
	case engine.ActionKindProvisionNetwork, engine.ActionKindDeleteNetwork,
		engine.ActionKindProvisionNodeGroup, engine.ActionKindDeleteNodeGroup,
		engine.ActionKindDeployDatabase, engine.ActionKindBuildImage:
		return 30 * time.Minute
	case engine.ActionKindInstallAddon, engine.ActionKindDeleteAddon,
		engine.ActionKindDeployApplication, engine.ActionKindDeleteEnvironment,
		engine.ActionKindPauseCluster:
		return 15 * time.Minute
	default:
		return 10 * time.Minute
	}
}

// builder accumulates the actions of one Build call.
type builder struct {
	p        *Planner
	desc     *config.Descriptor
	provider engine.ProviderKind
	actions  []*engine.Action
}

func (b *builder) add(id, name string, kind engine.ActionKind, s steps.Steps, deps ...string) *engine.Action {
	a := &engine.Action{
		ID:        id,
		Name:      name,
		Kind:      kind,
		Forward:   s.Forward,
		Rollback:  s.Rollback,
		DependsOn: deps,
		Labels: map[string]string{
			"cluster": b.desc.Cluster.ID,
		},
	}
	b.actions = append(b.actions, a)
	return a
}

func (b *builder) terraform(kind engine.ActionKind, module, instance string, vars map[string]string) (steps.Steps, error) {
	return b.p.factory.Terraform(b.provider, kind, steps.TerraformModule{
		ClusterID: b.desc.Cluster.ID,
		Module:    module,
		Instance:  instance,
		Vars:      vars,
	})
}

func (b *builder) clusterVars() map[string]string {
	c := b.desc.Cluster
	vars := map[string]string{
		"cluster_id": c.ID,
		"region":     c.Region,
	}
	if c.Organization != "" {
		vars["organization"] = c.Organization
	}
	if c.KubernetesVersion != "" {
		vars["kubernetes_version"] = c.KubernetesVersion
	}
	if b.p.factory.Kubeconfig != "" {
		vars["kubeconfig_path"] = b.p.factory.Kubeconfig
	}
	if c.Network != nil {
		vars["network_cidr"] = c.Network.CIDR
		if len(c.Network.Zones) > 0 {
			vars["zones"] = strings.Join(c.Network.Zones, ",")
		}
	}
	return vars
}

func actionID(prefix, name string) string {
	return prefix + "-" + name
}
