package ssh

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/pkg/sftp"
)

// UploadDirectory recursively copies localDir to remoteDir over SFTP.
// Existing remote files are overwritten; extra remote files are left alone.
func (c *Client) UploadDirectory(ctx context.Context, localDir, remoteDir string) error {
	conn, err := c.conn()
	if err != nil {
		return err
	}

	client, err := sftp.NewClient(conn)
	if err != nil {
		return &TransportError{Op: "sftp-init", Err: fmt.Errorf("failed to create SFTP client: %w", err), IsTemporary: true}
	}
	defer client.Close()

	c.logger.Debug().Str("local", localDir).Str("remote", remoteDir).Msg("uploading directory")

	var files int
	err = filepath.Walk(localDir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(localDir, p)
		if err != nil {
			return err
		}
		target := path.Join(remoteDir, filepath.ToSlash(rel))

		if info.IsDir() {
			if err := client.MkdirAll(target); err != nil {
				return fmt.Errorf("failed to create directory %s: %w", target, err)
			}
			return nil
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		files++
		return uploadFile(ctx, client, p, target, info.Mode().Perm())
	})
	if err != nil {
		return &TransportError{Op: "upload", Err: err, IsTemporary: ctx.Err() == nil}
	}

	c.logger.Info().Str("remote", remoteDir).Int("files", files).Msg("directory uploaded")
	return nil
}

func uploadFile(ctx context.Context, client *sftp.Client, localPath, remotePath string, mode os.FileMode) error {
	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open local file: %w", err)
	}
	defer src.Close()

	dst, err := client.Create(remotePath)
	if err != nil {
		return fmt.Errorf("failed to create remote file %s: %w", remotePath, err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, &contextReader{ctx: ctx, r: src}); err != nil {
		return fmt.Errorf("failed to copy %s: %w", localPath, err)
	}
	return client.Chmod(remotePath, mode)
}

// contextReader stops a copy once its context is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (r *contextReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}
