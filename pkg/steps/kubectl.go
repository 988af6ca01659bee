package steps

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/deckhand-io/deckhand/pkg/engine"
)

// ManifestOperation selects what a ManifestStep does with its manifest.
type ManifestOperation string

const (
	ManifestApply  ManifestOperation = "apply"
	ManifestDelete ManifestOperation = "delete"
)

// WaitCondition is a `kubectl wait` target, e.g. deployment/api with
// condition=Available.
type WaitCondition struct {
	Resource  string
	Condition string
}

// ManifestStep applies or deletes a rendered Kubernetes manifest.
type ManifestStep struct {
	Runner Runner

	// Binary is the kubectl executable; defaults to "kubectl".
	Binary string

	Kubeconfig string
	Namespace  string

	// Manifest is a file or directory, relative to the session work dir
	// unless absolute.
	Manifest string

	Operation ManifestOperation

	// Wait lists readiness conditions checked after an apply.
	Wait []WaitCondition

	// WaitTimeout bounds each readiness wait; defaults to five minutes.
	WaitTimeout time.Duration
}

// Describe implements engine.StepExecutor.
func (s *ManifestStep) Describe() string {
	return fmt.Sprintf("kubectl %s %s", s.Operation, s.Manifest)
}

// Execute implements engine.StepExecutor.
func (s *ManifestStep) Execute(ctx context.Context, in engine.StepInput) engine.StepOutcome {
	manifest := resolveDir(in.WorkDir, s.Manifest)

	var args []string
	switch s.Operation {
	case ManifestApply:
		args = []string{"apply", "--server-side", "--force-conflicts", "-f", manifest}
	case ManifestDelete:
		args = []string{"delete", "--ignore-not-found", "--wait=true", "-f", manifest}
	default:
		return engine.Failed(engine.NewConfigurationError(fmt.Sprintf("unknown manifest operation %q", s.Operation), nil).
			WithCode(engine.ErrCodeUnsupported))
	}

	res, err := s.Runner.Run(ctx, s.command(in, args...))
	if failure := commandFailure(ctx, "kubectl", string(s.Operation), res, err); failure != nil {
		return engine.Failed(failure)
	}
	output := res.Stdout

	if s.Operation == ManifestApply {
		for _, w := range s.Wait {
			res, err := s.Runner.Run(ctx, s.command(in,
				"wait", "--for="+w.Condition, "--timeout="+s.waitTimeout().String(), w.Resource))
			if failure := commandFailure(ctx, "kubectl", "wait "+w.Resource, res, err); failure != nil {
				return engine.Failed(failure)
			}
		}
	}

	return engine.Succeeded(output)
}

func (s *ManifestStep) command(in engine.StepInput, args ...string) Command {
	var global []string
	if s.Kubeconfig != "" {
		global = append(global, "--kubeconfig", resolveDir(in.WorkDir, s.Kubeconfig))
	}
	if s.Namespace != "" {
		global = append(global, "--namespace", s.Namespace)
	}

	binary := s.Binary
	if binary == "" {
		binary = "kubectl"
	}
	return Command{Name: binary, Args: append(global, args...), Dir: in.WorkDir, Env: in.Env}
}

func (s *ManifestStep) waitTimeout() time.Duration {
	if s.WaitTimeout <= 0 {
		return 5 * time.Minute
	}
	return s.WaitTimeout
}

// ScaleStep sets the replica count of workloads in a namespace.
type ScaleStep struct {
	Runner     Runner
	Binary     string
	Kubeconfig string
	Namespace  string

	// Replicas maps a workload ("deployment/api") to its target count.
	Replicas map[string]int
}

// Describe implements engine.StepExecutor.
func (s *ScaleStep) Describe() string {
	return fmt.Sprintf("kubectl scale %d workload(s) in %s", len(s.Replicas), s.Namespace)
}

// Execute implements engine.StepExecutor.
func (s *ScaleStep) Execute(ctx context.Context, in engine.StepInput) engine.StepOutcome {
	m := &ManifestStep{Binary: s.Binary, Kubeconfig: s.Kubeconfig, Namespace: s.Namespace}

	targets := make([]string, 0, len(s.Replicas))
	for target := range s.Replicas {
		targets = append(targets, target)
	}
	sort.Strings(targets)

	for _, target := range targets {
		res, err := s.Runner.Run(ctx, m.command(in, "scale", fmt.Sprintf("--replicas=%d", s.Replicas[target]), target))
		if failure := commandFailure(ctx, "kubectl", "scale "+target, res, err); failure != nil {
			return engine.Failed(failure)
		}
	}
	return engine.Succeeded(fmt.Sprintf("scaled %d workload(s)", len(targets)))
}
