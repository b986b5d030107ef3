// Package assets makes the files referenced by a workload available in the
// local asset folder, downloading and verifying them when needed.
package assets

import (
	"context"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"

	"github.com/3cpo-dev/benchctl/pkg/api"
)

var (
	ErrChecksumMismatch = errors.New("checksum mismatch")
	ErrNoSource         = errors.New("no asset source registered")
)

// Local is an asset available on disk.
type Local struct {
	Name   string
	Path   string
	Format api.AssetFormat
}

// Fetcher resolves assets into Folder using the registered sources.
type Fetcher struct {
	Folder  string
	Sources *Registry
	Log     zerolog.Logger
}

// FetchAll fetches every asset of a workload, in name order.
func (f *Fetcher) FetchAll(ctx context.Context, assets map[string]api.Asset) (map[string]Local, error) {
	names := make([]string, 0, len(assets))
	for name := range assets {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make(map[string]Local, len(assets))
	for _, name := range names {
		local, err := f.Fetch(ctx, name, assets[name])
		if err != nil {
			return nil, err
		}
		out[name] = local
	}
	return out, nil
}

// Fetch makes one asset available locally. An existing file whose checksum
// matches is reused; otherwise the remote location is downloaded and verified.
func (f *Fetcher) Fetch(ctx context.Context, name string, a api.Asset) (Local, error) {
	local := Local{Name: name, Format: a.Format}
	if local.Format == "" {
		local.Format = api.AssetRaw
	}

	var remote *url.URL
	if a.RemoteLocation != "" {
		u, err := url.Parse(a.RemoteLocation)
		if err != nil {
			return Local{}, errors.Wrapf(err, "asset %s: invalid remote location", name)
		}
		remote = u
	}

	switch {
	case a.LocalLocation != "" && filepath.IsAbs(a.LocalLocation):
		local.Path = a.LocalLocation
	case a.LocalLocation != "":
		local.Path = filepath.Join(f.Folder, a.LocalLocation)
	case remote != nil && path.Base(remote.Path) != "/" && path.Base(remote.Path) != ".":
		local.Path = filepath.Join(f.Folder, path.Base(remote.Path))
	default:
		return Local{}, errors.Newf("asset %s has neither a local nor a remote location", name)
	}

	log := f.Log.With().Str("asset", name).Str("path", local.Path).Logger()

	if _, err := os.Stat(local.Path); err == nil {
		if a.SHA256 == "" {
			log.Warn().Msg("asset has no sha256, using the local file as is")
			return local, nil
		}
		sum, err := fileChecksum(local.Path)
		if err != nil {
			return Local{}, errors.Wrapf(err, "asset %s: checksum", name)
		}
		if strings.EqualFold(sum, a.SHA256) {
			log.Debug().Msg("asset up to date")
			return local, nil
		}
		if remote == nil {
			return Local{}, errors.Wrapf(ErrChecksumMismatch, "asset %s: local file has sha256 %s, expected %s and no remote location to refetch", name, sum, a.SHA256)
		}
		log.Warn().Str("sha256", sum).Str("expected", a.SHA256).Msg("local asset is stale, downloading again")
	} else if !os.IsNotExist(err) {
		return Local{}, errors.Wrapf(err, "asset %s: stat", name)
	} else if remote == nil {
		return Local{}, errors.Newf("asset %s: %s does not exist and no remote location is set", name, local.Path)
	}

	if err := f.download(ctx, name, remote, local.Path, a.SHA256, log); err != nil {
		return Local{}, err
	}
	return local, nil
}

func (f *Fetcher) download(ctx context.Context, name string, remote *url.URL, dst, expected string, log zerolog.Logger) error {
	src, err := f.Sources.Get(remote.Scheme)
	if err != nil {
		return errors.Wrapf(err, "asset %s", name)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return errors.Wrapf(err, "asset %s: mkdir", name)
	}

	part := dst + ".part"
	start := time.Now()
	log.Info().Str("remote", remote.Redacted()).Msg("fetching asset")
	if err := src.Fetch(ctx, remote, part); err != nil {
		_ = os.Remove(part)
		return errors.Wrapf(err, "asset %s: fetch %s", name, remote.Redacted())
	}

	if expected != "" {
		sum, err := fileChecksum(part)
		if err != nil {
			_ = os.Remove(part)
			return errors.Wrapf(err, "asset %s: checksum", name)
		}
		if !strings.EqualFold(sum, expected) {
			_ = os.Remove(part)
			return errors.Wrapf(ErrChecksumMismatch, "asset %s: downloaded sha256 %s, expected %s", name, sum, expected)
		}
	}

	if err := os.Rename(part, dst); err != nil {
		return errors.Wrapf(err, "asset %s: move into place", name)
	}
	log.Info().Dur("elapsed", time.Since(start)).Msg("fetched asset")
	return nil
}
