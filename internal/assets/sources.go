package assets

import (
	"context"
	"io"
	"net"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/3cpo-dev/benchctl/internal/client"
	gssh "github.com/3cpo-dev/benchctl/internal/ssh"
)

// HTTPSource downloads over the asset client, retrying transient failures.
type HTTPSource struct {
	Client *client.RetryingClient
}

func (s *HTTPSource) Schemes() []string { return []string{"http", "https"} }

func (s *HTTPSource) Fetch(ctx context.Context, remote *url.URL, dst string) error {
	resp, err := s.Client.Get(ctx, remote.String())
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	out, err := os.Create(dst)
	if err != nil {
		return errors.Wrap(err, "create file")
	}
	defer out.Close()
	if _, err := io.Copy(out, resp.Body); err != nil {
		return errors.Wrap(err, "download body")
	}
	return out.Close()
}

// FileSource copies assets from file:// locations, e.g. a shared mount.
type FileSource struct{}

func (FileSource) Schemes() []string { return []string{"file"} }

func (FileSource) Fetch(ctx context.Context, remote *url.URL, dst string) error {
	in, err := os.Open(remote.Path)
	if err != nil {
		return errors.Wrap(err, "open source file")
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return errors.Wrap(err, "create file")
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return errors.Wrap(err, "copy")
	}
	return out.Close()
}

// SFTPSource pulls assets from an SSH mirror, sftp://user@host[:port]/path.
type SFTPSource struct {
	KeyPath    string
	KnownHosts string
	User       string
	Timeout    time.Duration
}

func (s *SFTPSource) Schemes() []string { return []string{"sftp"} }

func (s *SFTPSource) Fetch(ctx context.Context, remote *url.URL, dst string) error {
	signer, err := gssh.LoadPrivateKeySigner(s.KeyPath)
	if err != nil {
		return err
	}
	kh, err := gssh.LoadKnownHostsCallback(s.KnownHosts)
	if err != nil {
		return err
	}
	user := s.User
	if remote.User != nil && remote.User.Username() != "" {
		user = remote.User.Username()
	}
	addr, err := mirrorAddr(remote)
	if err != nil {
		return err
	}
	c := &gssh.Client{
		Addr:       addr,
		User:       user,
		Signer:     signer,
		KnownHosts: kh,
		Timeout:    s.Timeout,
	}
	cli, err := gssh.Dial(ctx, c)
	if err != nil {
		return err
	}
	defer cli.Close()
	_, err = gssh.PullFile(ctx, cli, remote.Path, dst)
	return err
}

// mirrorAddr is the host:port to dial for remote, port 22 when absent.
func mirrorAddr(remote *url.URL) (string, error) {
	port := "22"
	if p := remote.Port(); p != "" {
		if _, err := strconv.Atoi(p); err != nil {
			return "", errors.Wrapf(err, "invalid port %q", p)
		}
		port = p
	}
	return net.JoinHostPort(remote.Hostname(), port), nil
}
