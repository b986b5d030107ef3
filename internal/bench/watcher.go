package bench

import (
	"context"
	"os"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Canceller reports a cancelled invocation.
type Canceller interface {
	Cancel(ctx context.Context, invocation uuid.UUID) error
}

// Watcher turns the first interrupt into a cancellation: the dashboard is
// told first, then the task is aborted.
type Watcher struct {
	Interrupts <-chan os.Signal
	Dashboard  Canceller
	Invocation uuid.UUID
	Log        zerolog.Logger
}

// Watch blocks until an interrupt arrives or stop is closed, and reports
// whether it cancelled the task. The watch outlives task so an interrupt
// during failure reporting is still sent. A nil Interrupts channel never
// fires.
func (w *Watcher) Watch(ctx context.Context, task *Task, stop <-chan struct{}) bool {
	select {
	case <-stop:
		return false
	case sig := <-w.Interrupts:
		w.Log.Warn().Str("signal", sig.String()).Msg("interrupted, cancelling invocation")
		bestEffort(w.Log, "cancel invocation", func() error {
			return w.Dashboard.Cancel(ctx, w.Invocation)
		})
		task.Abort()
		return true
	}
}
