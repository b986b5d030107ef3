package bench

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync/atomic"
)

// OutcomeKind tells how a task ended.
type OutcomeKind int

const (
	// Completed means the task function returned, with or without an error.
	Completed OutcomeKind = iota
	// Cancelled means the task was stopped through Abort.
	Cancelled
	// Faulted means the task function panicked.
	Faulted
)

func (k OutcomeKind) String() string {
	switch k {
	case Completed:
		return "completed"
	case Cancelled:
		return "cancelled"
	case Faulted:
		return "faulted"
	}
	return fmt.Sprintf("OutcomeKind(%d)", int(k))
}

// Outcome is the result of joining a task.
type Outcome struct {
	Kind OutcomeKind
	// Err is the error returned by a Completed task, nil on success.
	Err error
	// Panic and Stack describe a Faulted task.
	Panic interface{}
	Stack []byte
}

// Task runs a function on its own goroutine and can be aborted from another.
// Abort cancels the task's context and marks the task as aborted, so an
// error returned after Abort is reported as Cancelled rather than Completed.
type Task struct {
	cancel  context.CancelFunc
	aborted atomic.Bool
	done    chan struct{}
	outcome Outcome
}

// Spawn starts fn with a context derived from ctx.
func Spawn(ctx context.Context, fn func(ctx context.Context) error) *Task {
	ctx, cancel := context.WithCancel(ctx)
	t := &Task{cancel: cancel, done: make(chan struct{})}
	go t.run(ctx, fn)
	return t
}

func (t *Task) run(ctx context.Context, fn func(ctx context.Context) error) {
	defer close(t.done)
	defer t.cancel()
	defer func() {
		if v := recover(); v != nil {
			t.outcome = Outcome{Kind: Faulted, Panic: v, Stack: debug.Stack()}
		}
	}()

	err := fn(ctx)
	if err != nil && t.aborted.Load() {
		t.outcome = Outcome{Kind: Cancelled}
		return
	}
	t.outcome = Outcome{Kind: Completed, Err: err}
}

// Abort stops the task. It may be called any number of times, from any
// goroutine; a task that already finished keeps its outcome.
func (t *Task) Abort() {
	t.aborted.Store(true)
	t.cancel()
}

// Done is closed once the task finished.
func (t *Task) Done() <-chan struct{} { return t.done }

// Wait blocks until the task finished and returns its outcome.
func (t *Task) Wait() Outcome {
	<-t.done
	return t.outcome
}
