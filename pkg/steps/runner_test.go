package steps

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deckhand-io/deckhand/pkg/engine"
	"github.com/deckhand-io/deckhand/pkg/transports/ssh"
)

func TestLocalRunner_ExitCode(t *testing.T) {
	runner := NewLocalRunner(zerolog.Nop())

	res, err := runner.Run(context.Background(), Command{
		Name: "sh",
		Args: []string{"-c", `echo "$DECKHAND_STAGE"; echo oops >&2; exit 3`},
		Env:  map[string]string{"DECKHAND_STAGE": "apply"},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "apply\n", res.Stdout)
	assert.Equal(t, "oops\n", res.Stderr)
}

func TestLocalRunner_CancelTerminatesProcess(t *testing.T) {
	runner := NewLocalRunner(zerolog.Nop())
	runner.KillGrace = 100 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := runner.Run(ctx, Command{Name: "sleep", Args: []string{"30"}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestLocalRunner_MissingBinary(t *testing.T) {
	runner := NewLocalRunner(zerolog.Nop())
	_, err := runner.Run(context.Background(), Command{Name: "deckhand-no-such-tool"})
	assert.Error(t, err)
}

type fakeRemoteHost struct {
	uploads  []string
	commands []string
	result   *ssh.ExecResult
	noResult bool
	err      error
}

func (f *fakeRemoteHost) Connect(ctx context.Context) error { return nil }

func (f *fakeRemoteHost) Run(ctx context.Context, cmd string) (*ssh.ExecResult, error) {
	f.commands = append(f.commands, cmd)
	if f.noResult {
		return nil, f.err
	}
	if f.result == nil {
		return &ssh.ExecResult{}, f.err
	}
	return f.result, f.err
}

func (f *fakeRemoteHost) UploadDirectory(ctx context.Context, localDir, remoteDir string) error {
	f.uploads = append(f.uploads, localDir+"->"+remoteDir)
	return nil
}

func TestRemoteRunner_MirrorsWorkDirOnce(t *testing.T) {
	host := &fakeRemoteHost{result: &ssh.ExecResult{ExitCode: 1, Stderr: "Error acquiring the state lock"}}
	runner := NewRemoteRunner(host, "/srv/deckhand")

	cmd := Command{
		Name: "terraform",
		Args: []string{"apply", "-var", "name=prod cluster"},
		Dir:  "/work/plans/net",
		Env:  map[string]string{"AWS_REGION": "eu-west-1"},
	}
	res, err := runner.Run(context.Background(), cmd)
	require.NoError(t, err)
	assert.Equal(t, 1, res.ExitCode)

	_, err = runner.Run(context.Background(), cmd)
	require.NoError(t, err)

	assert.Equal(t, []string{"/work/plans/net->/srv/deckhand/work/plans/net"}, host.uploads)
	assert.Equal(t,
		"cd /srv/deckhand/work/plans/net && env AWS_REGION=eu-west-1 terraform apply -var 'name=prod cluster'",
		host.commands[0])

	runner.Invalidate("/work/plans/net")
	_, _ = runner.Run(context.Background(), cmd)
	assert.Len(t, host.uploads, 2)
}

func TestRemoteRunner_ReuploadsChangedDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.tf"), []byte(`variable "size" {}`), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".terraform"), 0o755))

	host := &fakeRemoteHost{}
	runner := NewRemoteRunner(host, "/srv/deckhand")
	cmd := Command{Name: "terraform", Args: []string{"apply"}, Dir: dir}

	_, err := runner.Run(context.Background(), cmd)
	require.NoError(t, err)
	_, err = runner.Run(context.Background(), cmd)
	require.NoError(t, err)
	assert.Len(t, host.uploads, 1)

	// Provider caches do not count as a change.
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".terraform", "lock"), []byte("x"), 0o644))
	_, err = runner.Run(context.Background(), cmd)
	require.NoError(t, err)
	assert.Len(t, host.uploads, 1)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "terraform.tfvars.json"), []byte(`{"size":"large"}`), 0o644))
	_, err = runner.Run(context.Background(), cmd)
	require.NoError(t, err)
	assert.Len(t, host.uploads, 2)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.tf"), []byte(`variable "size" { default = "small" }`), 0o644))
	_, err = runner.Run(context.Background(), cmd)
	require.NoError(t, err)
	assert.Len(t, host.uploads, 3)
}

func TestRemoteRunner_MissingResultIsError(t *testing.T) {
	runner := NewRemoteRunner(&fakeRemoteHost{noResult: true}, "/srv")

	res, err := runner.Run(context.Background(), Command{Name: "kubectl", Args: []string{"apply"}})
	require.Error(t, err)
	assert.Nil(t, res)

	step := &TerraformStep{Runner: runner, PlanDir: "net", Operation: TerraformApply}
	outcome := step.Execute(context.Background(), engine.StepInput{WorkDir: "/work"})
	assert.False(t, outcome.Success)
	assert.Error(t, outcome.Err)
}

func TestRemoteRunner_TemporaryTransportErrorIsTransient(t *testing.T) {
	host := &fakeRemoteHost{err: &ssh.TransportError{Op: "exec", Err: errors.New("session closed"), IsTemporary: true}}
	step := &TerraformStep{Runner: NewRemoteRunner(host, "/srv"), PlanDir: "net", Operation: TerraformApply}

	outcome := step.Execute(context.Background(), engine.StepInput{WorkDir: "/work"})
	require.False(t, outcome.Success)
	assert.True(t, engine.IsTransient(outcome.Err))
	assert.True(t, outcome.Retryable)
}

func TestCommandFailure_NilResult(t *testing.T) {
	err := commandFailure(context.Background(), "kubectl", "apply", nil, nil)
	require.Error(t, err)
	assert.Equal(t, engine.ErrorClassStepExecution, engine.ClassOf(err))

	assert.NoError(t, commandFailure(context.Background(), "kubectl", "apply", &Result{}, nil))
}

func TestShellQuote(t *testing.T) {
	assert.Equal(t, "plain-arg_1.0", shellQuote("plain-arg_1.0"))
	assert.Equal(t, "''", shellQuote(""))
	assert.Equal(t, `'it'\''s'`, shellQuote("it's"))
	assert.Equal(t, "'$HOME'", shellQuote("$HOME"))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		output string
		class  engine.ErrorClass
	}{
		{"Error: Error acquiring the state lock", engine.ErrorClassConflict},
		{"api error RequestLimitExceeded: Request limit exceeded.", engine.ErrorClassThrottled},
		{"dial tcp 10.0.0.1:443: i/o timeout", engine.ErrorClassTransient},
		{"Unable to connect to the server: dial tcp: lookup api: no such host", engine.ErrorClassTransient},
		{"Error: Unsupported argument", engine.ErrorClassConfiguration},
		{"Error: creating EKS Cluster: AccessDeniedException", engine.ErrorClassStepExecution},
	}

	for _, tt := range tests {
		class, _ := Classify(tt.output)
		assert.Equal(t, tt.class, class, tt.output)
	}
}
