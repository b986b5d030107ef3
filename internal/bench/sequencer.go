package bench

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/3cpo-dev/benchctl/pkg/api"
)

// Loader reads and parses one workload file.
type Loader func(path string) (*api.Workload, error)

// Executor runs one parsed workload for an invocation.
type Executor interface {
	Execute(ctx context.Context, invocation uuid.UUID, w *api.Workload) error
}

// Sequencer runs workload files one after the other, in order, stopping at
// the first error.
type Sequencer struct {
	Paths      []string
	Load       Loader
	Executor   Executor
	Invocation uuid.UUID
	Log        zerolog.Logger
}

// Run loads and executes every workload. It returns ctx's error when
// cancelled between workloads.
func (s *Sequencer) Run(ctx context.Context) error {
	for i, path := range s.Paths {
		if err := ctx.Err(); err != nil {
			return err
		}
		w, err := s.Load(path)
		if err != nil {
			return err
		}
		s.Log.Info().
			Int("index", i+1).
			Int("total", len(s.Paths)).
			Str("path", path).
			Str("workload", w.Name).
			Msg("starting workload")
		if err := s.Executor.Execute(ctx, s.Invocation, w); err != nil {
			return err
		}
	}
	return nil
}
