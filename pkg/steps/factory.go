package steps

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/deckhand-io/deckhand/pkg/engine"
)

// Factory builds step executors for a provider and action kind. It owns the
// tool runners and SDK client factories shared by every step it creates.
type Factory struct {
	// Local runs tools on this machine.
	Local Runner

	// Remote runs tools on the on-premise bastion host; nil when no host is
	// configured.
	Remote Runner

	// TemplateRoot holds one terraform module tree per provider, relative to
	// the session work dir unless absolute.
	TemplateRoot string

	// StateBackend is passed to terraform init; the state key is derived per
	// cluster and module.
	StateBackend map[string]string

	// Kubeconfig is where cluster provisioning writes the cluster credentials,
	// relative to the session work dir unless absolute.
	Kubeconfig string

	LockTimeout  time.Duration
	ChartTimeout time.Duration

	Releases      ReleaseClientFactory
	Images        ImageClientFactory
	Collaborators engine.Collaborators
}

// TerraformModule identifies a terraform module of the provider tree.
type TerraformModule struct {
	ClusterID string
	Module    string

	// Instance separates the states of a module applied more than once, such
	// as one per node group.
	Instance string

	Vars map[string]string
}

func (m TerraformModule) stateKey() string {
	if m.Instance == "" {
		return fmt.Sprintf("%s/%s.tfstate", m.ClusterID, m.Module)
	}
	return fmt.Sprintf("%s/%s/%s.tfstate", m.ClusterID, m.Module, m.Instance)
}

// Steps is a forward executor and its rollback; Rollback is nil for
// non-reversible actions.
type Steps struct {
	Forward  engine.StepExecutor
	Rollback engine.StepExecutor
}

// Supported reports whether a provider can perform an action kind.
func Supported(provider engine.ProviderKind, kind engine.ActionKind) error {
	switch provider {
	case engine.ProviderAWS, engine.ProviderAzure, engine.ProviderGCP, engine.ProviderScaleway:
		return nil
	case engine.ProviderOnPremise:
		switch kind {
		case engine.ActionKindProvisionNetwork, engine.ActionKindDeleteNetwork:
			return unsupported(provider, kind, "on-premise clusters use pre-provisioned networks")
		}
		return nil
	case engine.ProviderUnassigned:
		return unsupported(provider, kind, "cluster has no provider")
	default:
		return unsupported(provider, kind, "unknown provider")
	}
}

func unsupported(provider engine.ProviderKind, kind engine.ActionKind, reason string) error {
	return engine.NewConfigurationError(fmt.Sprintf("provider %q cannot %s: %s", provider, kind, reason), nil).
		WithCode(engine.ErrCodeUnsupported).
		WithDetail("provider", string(provider)).
		WithDetail("kind", string(kind))
}

func (f *Factory) runner(provider engine.ProviderKind) (Runner, error) {
	if provider == engine.ProviderOnPremise {
		if f.Remote == nil {
			return nil, engine.NewConfigurationError("on-premise provider requires a remote host", nil).
				WithCode(engine.ErrCodeUnsupported)
		}
		return f.Remote, nil
	}
	return f.Local, nil
}

// Terraform returns the executors of a terraform-backed action. Provision and
// deploy kinds apply with a destroy rollback, pause kinds toggle the paused
// variable, and delete kinds destroy with no rollback.
func (f *Factory) Terraform(provider engine.ProviderKind, kind engine.ActionKind, m TerraformModule) (Steps, error) {
	if err := Supported(provider, kind); err != nil {
		return Steps{}, err
	}
	runner, err := f.runner(provider)
	if err != nil {
		return Steps{}, err
	}

	step := func(op TerraformOperation, extra map[string]string) *TerraformStep {
		backend := mergeEnv(f.StateBackend)
		if len(backend) > 0 {
			backend["key"] = m.stateKey()
		}
		return &TerraformStep{
			Runner:        runner,
			PlanDir:       filepath.Join(f.TemplateRoot, string(provider), m.Module),
			Operation:     op,
			Vars:          mergeEnv(m.Vars, extra),
			BackendConfig: backend,
			LockTimeout:   f.LockTimeout,
		}
	}

	switch kind {
	case engine.ActionKindProvisionNetwork, engine.ActionKindProvisionNodeGroup, engine.ActionKindDeployDatabase:
		return Steps{Forward: step(TerraformApply, nil), Rollback: step(TerraformDestroy, nil)}, nil

	case engine.ActionKindProvisionCluster:
		forward := step(TerraformApply, nil)
		forward.VerifyNoDiff = true
		forward.CaptureOutputs = true
		return Steps{Forward: forward, Rollback: step(TerraformDestroy, nil)}, nil

	case engine.ActionKindPauseCluster:
		return Steps{
			Forward:  step(TerraformApply, map[string]string{"paused": "true"}),
			Rollback: step(TerraformApply, map[string]string{"paused": "false"}),
		}, nil

	case engine.ActionKindDeleteNodeGroup, engine.ActionKindDeleteCluster,
		engine.ActionKindDeleteNetwork, engine.ActionKindDeleteEnvironment:
		forward := step(TerraformDestroy, nil)
		forward.VerifyNoDiff = true
		return Steps{Forward: forward}, nil

	default:
		return Steps{}, unsupported(provider, kind, "no terraform module for this action")
	}
}

// Chart returns the executors of a helm release action. Delete kinds
// uninstall with no rollback.
func (f *Factory) Chart(kind engine.ActionKind, spec ChartSpec) Steps {
	if spec.Kubeconfig == "" {
		spec.Kubeconfig = f.Kubeconfig
	}
	if spec.Timeout == 0 {
		spec.Timeout = f.ChartTimeout
	}
	release := &ChartRelease{Spec: spec, Clients: f.Releases}
	if release.Clients == nil {
		release.Clients = NewHelmClient
	}

	if kind == engine.ActionKindDeleteAddon || kind == engine.ActionKindDeleteEnvironment {
		return Steps{Forward: release.Uninstall()}
	}
	return Steps{Forward: release.Install(), Rollback: release.Restore()}
}

// Manifest returns the executors of a kubectl manifest action: apply with a
// delete rollback, or a bare delete for delete kinds.
func (f *Factory) Manifest(kind engine.ActionKind, namespace, manifest string, wait ...WaitCondition) Steps {
	step := func(op ManifestOperation) *ManifestStep {
		return &ManifestStep{
			Runner:     f.Local,
			Kubeconfig: f.Kubeconfig,
			Namespace:  namespace,
			Manifest:   manifest,
			Operation:  op,
			Wait:       wait,
		}
	}
	if kind == engine.ActionKindDeleteEnvironment {
		return Steps{Forward: step(ManifestDelete)}
	}
	return Steps{Forward: step(ManifestApply), Rollback: step(ManifestDelete)}
}

// Scale returns executors setting replicas to target and back to restore.
func (f *Factory) Scale(namespace string, target, restore map[string]int) Steps {
	step := func(replicas map[string]int) *ScaleStep {
		return &ScaleStep{Runner: f.Local, Kubeconfig: f.Kubeconfig, Namespace: namespace, Replicas: replicas}
	}
	return Steps{Forward: step(target), Rollback: step(restore)}
}

// Image returns a non-reversible image build and push.
func (f *Factory) Image(name, tag, contextDir, dockerfile string, buildArgs map[string]string) *ImageStep {
	return &ImageStep{
		Name:       name,
		Tag:        tag,
		ContextDir: contextDir,
		Dockerfile: dockerfile,
		BuildArgs:  buildArgs,
		Platform:   f.Collaborators.BuildPlatform,
		Registry:   f.Collaborators.ContainerRegistry,
		Clients:    f.Images,
	}
}
