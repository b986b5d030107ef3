package workload

import (
	"runtime/debug"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
)

// errPanicked is returned by a helper goroutine that panicked so its errgroup
// cancels the siblings.
var errPanicked = errors.New("workload goroutine panicked")

// fault carries the first panic raised on a helper goroutine back to the
// goroutine running the workload, which raises it again there.
type fault struct {
	mu    sync.Mutex
	set   bool
	value interface{}
	stack []byte
}

// capture must be deferred directly by the helper goroutine. err, when non-nil,
// receives errPanicked.
func (f *fault) capture(err *error) {
	v := recover()
	if v == nil {
		return
	}
	f.mu.Lock()
	if !f.set {
		f.set, f.value, f.stack = true, v, debug.Stack()
	}
	f.mu.Unlock()
	if err != nil {
		*err = errPanicked
	}
}

// reraise panics with the captured value, if any.
func (f *fault) reraise(log zerolog.Logger) {
	f.mu.Lock()
	set, value, stack := f.set, f.value, f.stack
	f.mu.Unlock()
	if !set {
		return
	}
	log.Error().Str("stack", string(stack)).Msg("helper goroutine panicked")
	panic(value)
}
