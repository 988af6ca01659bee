package steps

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/deckhand-io/deckhand/pkg/engine"
)

// TerraformOperation selects what a TerraformStep does with its plan.
type TerraformOperation string

const (
	TerraformApply   TerraformOperation = "apply"
	TerraformDestroy TerraformOperation = "destroy"
)

// TerraformStep applies or destroys a rendered terraform plan directory.
type TerraformStep struct {
	Runner Runner

	// Binary is the terraform executable; defaults to "terraform".
	Binary string

	// PlanDir is the rendered plan directory, relative to the session work dir
	// unless absolute.
	PlanDir string

	Operation TerraformOperation

	// VarFiles and Vars are passed to apply, destroy and plan.
	VarFiles []string
	Vars     map[string]string

	// BackendConfig is passed to init as -backend-config pairs.
	BackendConfig map[string]string

	// LockTimeout makes terraform wait for a held state lock before failing.
	LockTimeout time.Duration

	// VerifyNoDiff runs a detailed-exitcode plan after the operation and
	// fails when changes are still pending.
	VerifyNoDiff bool

	// CaptureOutputs returns `terraform output -json` as the step output.
	CaptureOutputs bool
}

// Describe implements engine.StepExecutor.
func (s *TerraformStep) Describe() string {
	return fmt.Sprintf("terraform %s %s", s.Operation, s.PlanDir)
}

// Execute implements engine.StepExecutor.
func (s *TerraformStep) Execute(ctx context.Context, in engine.StepInput) engine.StepOutcome {
	dir := resolveDir(in.WorkDir, s.PlanDir)
	env := mergeEnv(in.Env, map[string]string{
		"TF_IN_AUTOMATION": "1",
		"TF_INPUT":         "0",
	})

	run := func(op string, args ...string) (*Result, error) {
		res, err := s.Runner.Run(ctx, Command{Name: s.binary(), Args: args, Dir: dir, Env: env})
		if failure := commandFailure(ctx, "terraform", op, res, err); failure != nil {
			return res, failure
		}
		return res, nil
	}

	op := string(s.Operation)
	if s.Operation != TerraformApply && s.Operation != TerraformDestroy {
		return engine.Failed(engine.NewConfigurationError(fmt.Sprintf("unknown terraform operation %q", op), nil).
			WithCode(engine.ErrCodeUnsupported))
	}

	if _, err := run("init", s.initArgs()...); err != nil {
		return engine.Failed(err)
	}
	if _, err := run(op, s.mutateArgs()...); err != nil {
		return engine.Failed(err)
	}

	if s.VerifyNoDiff {
		if err := s.verifyNoDiff(ctx, dir, env); err != nil {
			return engine.Failed(err)
		}
	}

	if !s.CaptureOutputs || s.Operation == TerraformDestroy {
		return engine.Succeeded("")
	}

	res, err := run("output", "output", "-json", "-no-color")
	if err != nil {
		return engine.Failed(err)
	}
	if !json.Valid([]byte(res.Stdout)) {
		return engine.Failed(engine.NewStepExecutionError("terraform output is not valid JSON", nil).
			WithCode(engine.ErrCodeMalformedOutput).
			WithOperation("terraform output"))
	}
	return engine.Succeeded(res.Stdout)
}

// verifyNoDiff runs plan with -detailed-exitcode: 0 means converged, 2 means
// changes are pending, anything else is a plan failure.
func (s *TerraformStep) verifyNoDiff(ctx context.Context, dir string, env map[string]string) error {
	args := []string{"plan", "-detailed-exitcode", "-input=false", "-no-color", "-lock=false"}
	if s.Operation == TerraformDestroy {
		args = append(args, "-destroy")
	}
	args = append(args, s.varArgs()...)

	res, err := s.Runner.Run(ctx, Command{Name: s.binary(), Args: args, Dir: dir, Env: env})
	if err != nil {
		return commandFailure(ctx, "terraform", "plan", res, err)
	}
	switch res.ExitCode {
	case 0:
		return nil
	case 2:
		return engine.NewStepExecutionError(
			fmt.Sprintf("terraform %s left pending changes in %s", s.Operation, s.PlanDir), nil).
			WithCode(engine.ErrCodePendingDiff).
			WithOperation("terraform plan")
	default:
		return commandFailure(ctx, "terraform", "plan", res, nil)
	}
}

func (s *TerraformStep) binary() string {
	if s.Binary == "" {
		return "terraform"
	}
	return s.Binary
}

func (s *TerraformStep) initArgs() []string {
	args := []string{"init", "-input=false", "-no-color"}
	if len(s.BackendConfig) > 0 {
		// Module directories are shared by several state keys.
		args = append(args, "-reconfigure")
	}
	for _, k := range sortedKeys(s.BackendConfig) {
		args = append(args, fmt.Sprintf("-backend-config=%s=%s", k, s.BackendConfig[k]))
	}
	return args
}

func (s *TerraformStep) mutateArgs() []string {
	args := []string{string(s.Operation), "-auto-approve", "-input=false", "-no-color"}
	if s.LockTimeout > 0 {
		args = append(args, "-lock-timeout="+s.LockTimeout.String())
	}
	return append(args, s.varArgs()...)
}

func (s *TerraformStep) varArgs() []string {
	var args []string
	for _, f := range s.VarFiles {
		args = append(args, "-var-file="+f)
	}
	for _, k := range sortedKeys(s.Vars) {
		args = append(args, "-var", k+"="+s.Vars[k])
	}
	return args
}

func resolveDir(workDir, dir string) string {
	if dir == "" {
		return workDir
	}
	if filepath.IsAbs(dir) || workDir == "" {
		return dir
	}
	return filepath.Join(workDir, dir)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
