package steps

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deckhand-io/deckhand/pkg/engine"
)

func TestManifestStep_ApplyWaitsForReadiness(t *testing.T) {
	runner := newFakeRunner().on("apply", &Result{Stdout: "deployment.apps/api serverside-applied\n"})

	step := &ManifestStep{
		Runner:      runner,
		Kubeconfig:  "kubeconfig",
		Namespace:   "shop",
		Manifest:    "apps/api.yaml",
		Operation:   ManifestApply,
		Wait:        []WaitCondition{{Resource: "deployment/api", Condition: "condition=Available"}},
		WaitTimeout: 2 * time.Minute,
	}

	outcome := step.Execute(context.Background(), engine.StepInput{WorkDir: "/work"})
	require.True(t, outcome.Success, "unexpected failure: %v", outcome.Err)
	assert.Contains(t, outcome.Output, "serverside-applied")
	assert.Equal(t, []string{"apply", "wait"}, runner.subcommands())

	apply, _ := runner.find("apply")
	assert.Equal(t, "--kubeconfig /work/kubeconfig --namespace shop apply --server-side --force-conflicts -f /work/apps/api.yaml", joined(apply))

	wait, _ := runner.find("wait")
	assert.True(t, hasArg(wait, "--for=condition=Available"))
	assert.True(t, hasArg(wait, "--timeout=2m0s"))
}

func TestManifestStep_Delete(t *testing.T) {
	runner := newFakeRunner()
	step := &ManifestStep{Runner: runner, Manifest: "/abs/router.yaml", Operation: ManifestDelete,
		Wait: []WaitCondition{{Resource: "ingress/web", Condition: "condition=Ready"}}}

	outcome := step.Execute(context.Background(), engine.StepInput{WorkDir: "/work"})
	require.True(t, outcome.Success)
	assert.Equal(t, []string{"delete"}, runner.subcommands())

	del, _ := runner.find("delete")
	assert.True(t, hasArg(del, "--ignore-not-found"))
	assert.True(t, hasArg(del, "/abs/router.yaml"))
}

func TestManifestStep_WaitTimeoutIsTransient(t *testing.T) {
	runner := newFakeRunner().
		on("wait", &Result{ExitCode: 1, Stderr: "error: timed out waiting for the condition on deployments/api"})

	step := &ManifestStep{Runner: runner, Manifest: "api.yaml", Operation: ManifestApply,
		Wait: []WaitCondition{{Resource: "deployment/api", Condition: "condition=Available"}}}

	outcome := step.Execute(context.Background(), engine.StepInput{})
	require.False(t, outcome.Success)
	assert.True(t, outcome.Retryable)
	assert.True(t, engine.IsTransient(outcome.Err))
}
