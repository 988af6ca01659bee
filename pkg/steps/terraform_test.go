package steps

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deckhand-io/deckhand/pkg/engine"
)

func TestTerraformStep_Apply(t *testing.T) {
	runner := newFakeRunner().
		on("output", &Result{Stdout: `{"cluster_endpoint":{"value":"https://k8s.example"}}`})

	step := &TerraformStep{
		Runner:         runner,
		PlanDir:        "plans/cluster",
		Operation:      TerraformApply,
		VarFiles:       []string{"cluster.tfvars"},
		Vars:           map[string]string{"region": "eu-west-1", "name": "prod"},
		BackendConfig:  map[string]string{"bucket": "state"},
		CaptureOutputs: true,
	}

	outcome := step.Execute(context.Background(), engine.StepInput{
		WorkDir: "/work",
		Env:     map[string]string{"AWS_REGION": "eu-west-1"},
	})

	require.True(t, outcome.Success, "unexpected failure: %v", outcome.Err)
	assert.Contains(t, outcome.Output, "cluster_endpoint")
	assert.Equal(t, []string{"init", "apply", "output"}, runner.subcommands())

	apply, _ := runner.find("apply")
	assert.Equal(t, "/work/plans/cluster", apply.Dir)
	assert.Equal(t, "apply -auto-approve -input=false -no-color -var-file=cluster.tfvars -var name=prod -var region=eu-west-1", joined(apply))
	assert.Equal(t, "eu-west-1", apply.Env["AWS_REGION"])
	assert.Equal(t, "1", apply.Env["TF_IN_AUTOMATION"])

	initCmd, _ := runner.find("init")
	assert.True(t, hasArg(initCmd, "-backend-config=bucket=state"))
}

func TestTerraformStep_StateLockIsRetryableConflict(t *testing.T) {
	runner := newFakeRunner().
		on("apply", &Result{ExitCode: 1, Stderr: "Error: Error acquiring the state lock\n\nLock Info: ..."})

	step := &TerraformStep{Runner: runner, PlanDir: "net", Operation: TerraformApply}
	outcome := step.Execute(context.Background(), engine.StepInput{WorkDir: "/work"})

	require.False(t, outcome.Success)
	assert.True(t, outcome.Retryable)
	assert.True(t, engine.IsConflict(outcome.Err))
	assert.True(t, errorsIsCode(outcome.Err, engine.ErrCodeStateLocked))
}

func TestTerraformStep_ConfigurationErrorIsNotRetried(t *testing.T) {
	runner := newFakeRunner().
		on("apply", &Result{ExitCode: 1, Stderr: "Error: Invalid value for input variable"})

	step := &TerraformStep{Runner: runner, PlanDir: "net", Operation: TerraformApply}
	outcome := step.Execute(context.Background(), engine.StepInput{})

	require.False(t, outcome.Success)
	assert.False(t, outcome.Retryable)
	assert.True(t, engine.IsConfiguration(outcome.Err))
	assert.Contains(t, outcome.Err.Error(), "Error: Invalid value for input variable")
}

func TestTerraformStep_DestroyVerifiesNoDiff(t *testing.T) {
	runner := newFakeRunner().on("plan", &Result{ExitCode: 2})

	step := &TerraformStep{Runner: runner, PlanDir: "cluster", Operation: TerraformDestroy, VerifyNoDiff: true}
	outcome := step.Execute(context.Background(), engine.StepInput{})

	require.False(t, outcome.Success)
	assert.False(t, outcome.Retryable)
	assert.True(t, engine.IsStepExecution(outcome.Err))
	assert.True(t, errorsIsCode(outcome.Err, engine.ErrCodePendingDiff))

	plan, ok := runner.find("plan")
	require.True(t, ok)
	assert.True(t, hasArg(plan, "-destroy"))
	assert.True(t, hasArg(plan, "-detailed-exitcode"))
}

func TestTerraformStep_MalformedOutputs(t *testing.T) {
	runner := newFakeRunner().on("output", &Result{Stdout: "not json"})

	step := &TerraformStep{Runner: runner, PlanDir: "cluster", Operation: TerraformApply, CaptureOutputs: true}
	outcome := step.Execute(context.Background(), engine.StepInput{})

	require.False(t, outcome.Success)
	assert.True(t, errorsIsCode(outcome.Err, engine.ErrCodeMalformedOutput))
}

func TestTerraformStep_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	step := &TerraformStep{Runner: newFakeRunner(), PlanDir: "cluster", Operation: TerraformApply}
	outcome := step.Execute(ctx, engine.StepInput{})

	require.False(t, outcome.Success)
	assert.True(t, engine.IsCancelled(outcome.Err))
	assert.False(t, outcome.Retryable)
}

func TestTerraformStep_UnknownOperation(t *testing.T) {
	step := &TerraformStep{Runner: newFakeRunner(), Operation: "refresh"}
	outcome := step.Execute(context.Background(), engine.StepInput{})

	require.False(t, outcome.Success)
	assert.True(t, engine.IsConfiguration(outcome.Err))
}

func errorsIsCode(err error, code string) bool {
	for err != nil {
		if ee, ok := err.(*engine.EngineError); ok && ee.Code == code {
			return true
		}
		err = errors.Unwrap(err)
	}
	return false
}
