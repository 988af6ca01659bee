package steps

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/deckhand-io/deckhand/pkg/transports/ssh"
)

// RemoteHost is the subset of the SSH client a RemoteRunner needs.
type RemoteHost interface {
	Connect(ctx context.Context) error
	Run(ctx context.Context, cmd string) (*ssh.ExecResult, error)
	UploadDirectory(ctx context.Context, localDir, remoteDir string) error
}

// RemoteRunner runs commands on a bastion host. The command's working
// directory is mirrored under Root whenever its content changed since the
// last upload, so plan directories rendered locally are visible to the
// remote tool.
type RemoteRunner struct {
	Host RemoteHost
	Root string

	// uploaded maps each mirrored remote directory to the digest of the
	// local content it holds.
	mu       sync.Mutex
	uploaded map[string]string
}

// NewRemoteRunner returns a RemoteRunner mirroring into root.
func NewRemoteRunner(host RemoteHost, root string) *RemoteRunner {
	return &RemoteRunner{Host: host, Root: root, uploaded: make(map[string]string)}
}

// Run implements Runner.
func (r *RemoteRunner) Run(ctx context.Context, cmd Command) (*Result, error) {
	if err := r.Host.Connect(ctx); err != nil {
		return nil, err
	}

	remoteDir := ""
	if cmd.Dir != "" {
		remoteDir = r.remotePath(cmd.Dir)
		if err := r.upload(ctx, cmd.Dir, remoteDir); err != nil {
			return nil, err
		}
	}

	res, err := r.Host.Run(ctx, remoteCommandLine(remoteDir, cmd))
	if res == nil {
		if err == nil {
			err = fmt.Errorf("remote host returned no result for %s", cmd.Name)
		}
		return nil, err
	}
	result := &Result{
		ExitCode: res.ExitCode,
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
		Duration: res.Duration,
	}
	if err != nil && ctx.Err() != nil {
		return result, ctx.Err()
	}
	return result, err
}

// Invalidate forces the next run in dir to upload it again.
func (r *RemoteRunner) Invalidate(dir string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.uploaded, r.remotePath(dir))
}

func (r *RemoteRunner) upload(ctx context.Context, localDir, remoteDir string) error {
	digest, err := dirDigest(localDir)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", localDir, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.uploaded == nil {
		r.uploaded = make(map[string]string)
	}
	if mirrored, ok := r.uploaded[remoteDir]; ok && mirrored == digest {
		return nil
	}
	if err := r.Host.UploadDirectory(ctx, localDir, remoteDir); err != nil {
		return fmt.Errorf("failed to mirror %s: %w", localDir, err)
	}
	r.uploaded[remoteDir] = digest
	return nil
}

// dirDigest hashes the relative paths and contents of the regular files under
// dir. Provider caches in .terraform are skipped. A missing dir hashes to "".
func dirDigest(dir string) (string, error) {
	h := sha256.New()
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".terraform" {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		f, err := os.Open(p)
		if err != nil {
			return err
		}
		defer f.Close()
		fmt.Fprintf(h, "%s\x00", filepath.ToSlash(rel))
		if _, err := io.Copy(h, f); err != nil {
			return err
		}
		h.Write([]byte{0})
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (r *RemoteRunner) remotePath(localDir string) string {
	clean := filepath.ToSlash(filepath.Clean(localDir))
	return path.Join(r.Root, strings.TrimPrefix(clean, "/"))
}

// remoteCommandLine renders cmd as a POSIX shell command line.
func remoteCommandLine(dir string, cmd Command) string {
	var b strings.Builder
	if dir != "" {
		b.WriteString("cd " + shellQuote(dir) + " && ")
	}
	if len(cmd.Env) > 0 {
		b.WriteString("env")
		for _, kv := range envList(cmd.Env) {
			b.WriteString(" " + shellQuote(kv))
		}
		b.WriteString(" ")
	}
	b.WriteString(shellQuote(cmd.Name))
	for _, arg := range cmd.Args {
		b.WriteString(" " + shellQuote(arg))
	}
	return b.String()
}

func shellQuote(s string) string {
	if s != "" && strings.IndexFunc(s, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("-_./=:@,+", r))
	}) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// isTemporaryTransport reports whether err came from a transport that may
// recover on retry.
func isTemporaryTransport(err error) bool {
	var te interface{ Temporary() bool }
	return errors.As(err, &te) && te.Temporary()
}
