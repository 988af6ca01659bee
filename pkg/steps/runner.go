// Package steps implements the step executors that drive external
// provisioning tools: terraform, helm, kubectl and the container build daemon.
package steps

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// DefaultKillGrace is how long a cancelled subprocess has to exit after
// SIGTERM before it is killed.
const DefaultKillGrace = 30 * time.Second

// Command is a single tool invocation.
type Command struct {
	// Name is the executable.
	Name string

	// Args are the command-line arguments.
	Args []string

	// Dir is the working directory.
	Dir string

	// Env is merged over the runner's base environment.
	Env map[string]string
}

// String renders the command line for logs.
func (c Command) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Result is the captured outcome of a command that ran to completion.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Combined returns stderr followed by stdout, for error classification.
func (r *Result) Combined() string {
	if r == nil {
		return ""
	}
	return r.Stderr + r.Stdout
}

// Runner executes commands. A non-zero exit is reported through
// Result.ExitCode; the error is reserved for commands that could not be
// started, lost their transport, or were cancelled.
type Runner interface {
	Run(ctx context.Context, cmd Command) (*Result, error)
}

// LocalRunner runs commands as local subprocesses.
type LocalRunner struct {
	// KillGrace is the delay between SIGTERM and SIGKILL on cancellation.
	KillGrace time.Duration

	// BaseEnv replaces the process environment when non-nil.
	BaseEnv []string

	Logger zerolog.Logger
}

// NewLocalRunner returns a LocalRunner with the default grace period.
func NewLocalRunner(logger zerolog.Logger) *LocalRunner {
	return &LocalRunner{
		KillGrace: DefaultKillGrace,
		Logger:    logger.With().Str("component", "runner").Logger(),
	}
}

// Run implements Runner.
func (r *LocalRunner) Run(ctx context.Context, cmd Command) (*Result, error) {
	c := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	c.Dir = cmd.Dir

	base := r.BaseEnv
	if base == nil {
		base = os.Environ()
	}
	c.Env = append(append([]string{}, base...), envList(cmd.Env)...)

	// Give the tool a chance to release state locks before it is killed.
	c.Cancel = func() error {
		return c.Process.Signal(syscall.SIGTERM)
	}
	c.WaitDelay = r.KillGrace

	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	start := time.Now()
	r.Logger.Debug().Str("command", cmd.String()).Str("dir", cmd.Dir).Msg("running command")

	err := c.Run()
	result := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	var exitErr *exec.ExitError
	switch {
	case ctx.Err() != nil:
		return result, ctx.Err()
	case err == nil:
	case errors.As(err, &exitErr):
		result.ExitCode = exitErr.ExitCode()
	default:
		return result, fmt.Errorf("failed to run %s: %w", cmd.Name, err)
	}

	r.Logger.Debug().
		Str("command", cmd.Name).
		Int("exit_code", result.ExitCode).
		Dur("duration", result.Duration).
		Msg("command completed")

	return result, nil
}

// envList renders env as sorted KEY=VALUE pairs.
func envList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

// mergeEnv returns a new map with the entries of later maps winning.
func mergeEnv(maps ...map[string]string) map[string]string {
	out := make(map[string]string)
	for _, m := range maps {
		for k, v := range m {
			out[k] = v
		}
	}
	return out
}
