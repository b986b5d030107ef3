package assets

import (
	"context"
	"net/url"

	"github.com/cockroachdb/errors"
)

// Source downloads a remote asset to dst.
type Source interface {
	Schemes() []string
	Fetch(ctx context.Context, remote *url.URL, dst string) error
}

type Registry struct {
	sources map[string]Source
}

func NewRegistry() *Registry {
	return &Registry{sources: map[string]Source{}}
}

func (r *Registry) Register(s Source) {
	for _, scheme := range s.Schemes() {
		r.sources[scheme] = s
	}
}

func (r *Registry) Get(scheme string) (Source, error) {
	s, ok := r.sources[scheme]
	if !ok {
		return nil, errors.Wrapf(ErrNoSource, "scheme %q", scheme)
	}
	return s, nil
}
