package ssh

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"github.com/pkg/sftp"
	xssh "golang.org/x/crypto/ssh"
)

// PullFile downloads a remote file to a local path via SFTP and returns the
// number of bytes copied. The copy is abandoned when ctx is done.
func PullFile(ctx context.Context, client *xssh.Client, remotePath, localPath string) (int64, error) {
	sf, err := sftp.NewClient(client)
	if err != nil {
		return 0, errors.Wrap(err, "sftp client")
	}
	defer sf.Close()
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return 0, errors.Wrap(err, "mkdir local")
	}
	src, err := sf.Open(remotePath)
	if err != nil {
		return 0, errors.Wrapf(err, "open remote %s", remotePath)
	}
	defer src.Close()
	dst, err := os.Create(localPath)
	if err != nil {
		return 0, errors.Wrap(err, "create local")
	}
	defer dst.Close()

	stop := context.AfterFunc(ctx, func() { _ = src.Close() })
	defer stop()
	n, err := io.Copy(dst, src)
	if ctx.Err() != nil {
		return n, ctx.Err()
	}
	if err != nil {
		return n, errors.Wrap(err, "copy")
	}
	return n, nil
}
