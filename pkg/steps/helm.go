package steps

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"helm.sh/helm/v3/pkg/action"
	"helm.sh/helm/v3/pkg/chart/loader"
	"helm.sh/helm/v3/pkg/cli"
	"helm.sh/helm/v3/pkg/cli/values"
	"helm.sh/helm/v3/pkg/getter"
	"helm.sh/helm/v3/pkg/release"
	"helm.sh/helm/v3/pkg/releaseutil"
	"helm.sh/helm/v3/pkg/storage/driver"

	"github.com/deckhand-io/deckhand/pkg/engine"
)

// ChartSpec describes one helm release.
type ChartSpec struct {
	Release   string
	Namespace string

	// Chart is a local chart path, or a chart name when RepoURL is set.
	Chart   string
	RepoURL string
	Version string

	// ValuesFiles are merged in order; Values are applied on top.
	ValuesFiles []string
	Values      map[string]interface{}

	// Kubeconfig is the cluster credentials file.
	Kubeconfig string

	// Timeout bounds the readiness wait of install, upgrade and uninstall.
	Timeout time.Duration
}

// ReleaseClient performs release operations against one cluster namespace.
type ReleaseClient interface {
	// Revision returns the deployed revision of a release, or 0 when the
	// release does not exist.
	Revision(ctx context.Context, release string) (int, error)

	// InstallOrUpgrade installs the release or upgrades it in place and waits
	// for its resources to become ready. It returns the new revision.
	InstallOrUpgrade(ctx context.Context, spec ChartSpec) (int, error)

	// Rollback returns a release to an earlier revision.
	Rollback(ctx context.Context, release string, revision int, timeout time.Duration) error

	// Uninstall removes a release. A missing release is not an error.
	Uninstall(ctx context.Context, release string, timeout time.Duration) error
}

// ReleaseClientFactory opens a ReleaseClient for a kubeconfig and namespace.
type ReleaseClientFactory func(kubeconfig, namespace string) (ReleaseClient, error)

// ChartRelease ties the forward and rollback steps of one release together.
// The forward step records the revision it replaced so the rollback step can
// restore it, or uninstall the release when it did not exist before.
type ChartRelease struct {
	Spec    ChartSpec
	Clients ReleaseClientFactory

	mu       sync.Mutex
	previous int
	recorded bool
}

// NewChartRelease returns a ChartRelease using the helm SDK.
func NewChartRelease(spec ChartSpec) *ChartRelease {
	return &ChartRelease{Spec: spec, Clients: NewHelmClient}
}

// Install returns the install-or-upgrade step.
func (r *ChartRelease) Install() engine.StepExecutor {
	return &chartStep{release: r, op: "upgrade --install", run: r.install}
}

// Restore returns the step undoing Install.
func (r *ChartRelease) Restore() engine.StepExecutor {
	return &chartStep{release: r, op: "restore", run: r.restore}
}

// Uninstall returns a step removing the release.
func (r *ChartRelease) Uninstall() engine.StepExecutor {
	return &chartStep{release: r, op: "uninstall", run: r.uninstall}
}

// PreviousRevision returns the revision replaced by the last Install, and
// whether an Install has run.
func (r *ChartRelease) PreviousRevision() (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.previous, r.recorded
}

func (r *ChartRelease) client(in engine.StepInput) (ReleaseClient, ChartSpec, error) {
	spec := r.Spec
	spec.Kubeconfig = resolveDir(in.WorkDir, spec.Kubeconfig)
	if spec.RepoURL == "" {
		spec.Chart = resolveDir(in.WorkDir, spec.Chart)
	}
	spec.ValuesFiles = make([]string, len(r.Spec.ValuesFiles))
	for i, f := range r.Spec.ValuesFiles {
		spec.ValuesFiles[i] = resolveDir(in.WorkDir, f)
	}

	client, err := r.Clients(spec.Kubeconfig, spec.Namespace)
	if err != nil {
		return nil, spec, engine.NewConfigurationError("failed to open helm client", err)
	}
	return client, spec, nil
}

func (r *ChartRelease) install(ctx context.Context, in engine.StepInput) (string, error) {
	client, spec, err := r.client(in)
	if err != nil {
		return "", err
	}

	// Only the first attempt records the prior revision; a retry after a
	// failed upgrade would otherwise see the failed revision as the baseline.
	r.mu.Lock()
	if !r.recorded {
		previous, err := client.Revision(ctx, spec.Release)
		if err != nil {
			r.mu.Unlock()
			return "", err
		}
		r.previous, r.recorded = previous, true
	}
	r.mu.Unlock()

	revision, err := client.InstallOrUpgrade(ctx, spec)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s revision %d", spec.Release, revision), nil
}

func (r *ChartRelease) restore(ctx context.Context, in engine.StepInput) (string, error) {
	client, spec, err := r.client(in)
	if err != nil {
		return "", err
	}

	previous, recorded := r.PreviousRevision()
	if recorded && previous > 0 {
		if err := client.Rollback(ctx, spec.Release, previous, spec.Timeout); err != nil {
			return "", err
		}
		return fmt.Sprintf("%s rolled back to revision %d", spec.Release, previous), nil
	}

	if err := client.Uninstall(ctx, spec.Release, spec.Timeout); err != nil {
		return "", err
	}
	return spec.Release + " uninstalled", nil
}

func (r *ChartRelease) uninstall(ctx context.Context, in engine.StepInput) (string, error) {
	client, spec, err := r.client(in)
	if err != nil {
		return "", err
	}
	if err := client.Uninstall(ctx, spec.Release, spec.Timeout); err != nil {
		return "", err
	}
	return spec.Release + " uninstalled", nil
}

type chartStep struct {
	release *ChartRelease
	op      string
	run     func(ctx context.Context, in engine.StepInput) (string, error)
}

// Release returns the release the step acts on.
func (s *chartStep) Release() *ChartRelease {
	return s.release
}

func (s *chartStep) Describe() string {
	return fmt.Sprintf("helm %s %s", s.op, s.release.Spec.Release)
}

func (s *chartStep) Execute(ctx context.Context, in engine.StepInput) engine.StepOutcome {
	output, err := s.run(ctx, in)
	if err == nil {
		return engine.Succeeded(output)
	}

	var classified *engine.EngineError
	switch {
	case ctx.Err() != nil:
		return engine.Failed(engine.NewCancelledError("helm "+s.op+" cancelled", err))
	case errors.As(err, &classified):
		return engine.Failed(err)
	default:
		return engine.Failed(classifyFailure("helm", s.op, err.Error(), err))
	}
}

// HelmClient implements ReleaseClient with the helm SDK.
type HelmClient struct {
	settings     *cli.EnvSettings
	actionConfig *action.Configuration
	namespace    string
}

// NewHelmClient creates a HelmClient for the cluster in kubeconfig.
func NewHelmClient(kubeconfig, namespace string) (ReleaseClient, error) {
	settings := cli.New()
	settings.KubeConfig = kubeconfig
	settings.SetNamespace(namespace)

	actionConfig := new(action.Configuration)
	// Suppress helm's debug output.
	if err := actionConfig.Init(settings.RESTClientGetter(), namespace, "secret", func(format string, v ...interface{}) {}); err != nil {
		return nil, fmt.Errorf("failed to initialize helm action config: %w", err)
	}

	return &HelmClient{settings: settings, actionConfig: actionConfig, namespace: namespace}, nil
}

// Revision implements ReleaseClient.
func (c *HelmClient) Revision(ctx context.Context, name string) (int, error) {
	releases, err := action.NewHistory(c.actionConfig).Run(name)
	if errors.Is(err, driver.ErrReleaseNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return latestRevision(releases), nil
}

// latestRevision returns the highest revision in a release history. Storage
// drivers list revisions in no particular order.
func latestRevision(releases []*release.Release) int {
	if len(releases) == 0 {
		return 0
	}
	sorted := make([]*release.Release, len(releases))
	copy(sorted, releases)
	releaseutil.SortByRevision(sorted)
	return sorted[len(sorted)-1].Version
}

// InstallOrUpgrade implements ReleaseClient.
func (c *HelmClient) InstallOrUpgrade(ctx context.Context, spec ChartSpec) (int, error) {
	pathOptions := action.ChartPathOptions{RepoURL: spec.RepoURL, Version: spec.Version}
	chartPath, err := pathOptions.LocateChart(spec.Chart, c.settings)
	if err != nil {
		return 0, engine.NewConfigurationError(fmt.Sprintf("failed to locate chart %s", spec.Chart), err)
	}
	chart, err := loader.Load(chartPath)
	if err != nil {
		return 0, engine.NewConfigurationError(fmt.Sprintf("failed to load chart %s", spec.Chart), err)
	}

	opts := values.Options{ValueFiles: spec.ValuesFiles}
	vals, err := opts.MergeValues(getter.All(c.settings))
	if err != nil {
		return 0, engine.NewConfigurationError("failed to read chart values", err)
	}
	vals = mergeValues(vals, spec.Values)

	existing, err := c.Revision(ctx, spec.Release)
	if err != nil {
		return 0, err
	}

	if existing == 0 {
		installClient := action.NewInstall(c.actionConfig)
		installClient.ReleaseName = spec.Release
		installClient.Namespace = c.namespace
		installClient.CreateNamespace = true
		installClient.Version = spec.Version
		installClient.Wait = true
		installClient.Timeout = timeoutOr(spec.Timeout, 10*time.Minute)

		rel, err := installClient.RunWithContext(ctx, chart, vals)
		if err != nil {
			return 0, err
		}
		return rel.Version, nil
	}

	upgradeClient := action.NewUpgrade(c.actionConfig)
	upgradeClient.Namespace = c.namespace
	upgradeClient.Version = spec.Version
	upgradeClient.Wait = true
	upgradeClient.Timeout = timeoutOr(spec.Timeout, 10*time.Minute)
	upgradeClient.ReuseValues = false

	rel, err := upgradeClient.RunWithContext(ctx, spec.Release, chart, vals)
	if err != nil {
		return 0, err
	}
	return rel.Version, nil
}

// Rollback implements ReleaseClient.
func (c *HelmClient) Rollback(ctx context.Context, release string, revision int, timeout time.Duration) error {
	rollbackClient := action.NewRollback(c.actionConfig)
	rollbackClient.Version = revision
	rollbackClient.Wait = true
	rollbackClient.Timeout = timeoutOr(timeout, 5*time.Minute)
	return rollbackClient.Run(release)
}

// Uninstall implements ReleaseClient.
func (c *HelmClient) Uninstall(ctx context.Context, release string, timeout time.Duration) error {
	uninstallClient := action.NewUninstall(c.actionConfig)
	uninstallClient.Wait = true
	uninstallClient.Timeout = timeoutOr(timeout, 5*time.Minute)

	_, err := uninstallClient.Run(release)
	if errors.Is(err, driver.ErrReleaseNotFound) || (err != nil && strings.Contains(err.Error(), "not found")) {
		return nil
	}
	return err
}

// mergeValues overlays src onto dst, recursing into nested maps.
func mergeValues(dst, src map[string]interface{}) map[string]interface{} {
	if dst == nil {
		dst = make(map[string]interface{}, len(src))
	}
	for k, v := range src {
		if nested, ok := v.(map[string]interface{}); ok {
			if existing, ok := dst[k].(map[string]interface{}); ok {
				dst[k] = mergeValues(existing, nested)
				continue
			}
		}
		dst[k] = v
	}
	return dst
}

func timeoutOr(d, fallback time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return fallback
}
