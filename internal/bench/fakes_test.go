package bench

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/3cpo-dev/benchctl/internal/dashboard"
	"github.com/3cpo-dev/benchctl/internal/envinfo"
	"github.com/3cpo-dev/benchctl/pkg/api"
)

// events is an ordered, shared log of what the fakes observed.
type events struct {
	mu  sync.Mutex
	log []string
}

func (e *events) add(format string, args ...interface{}) {
	e.mu.Lock()
	e.log = append(e.log, fmt.Sprintf(format, args...))
	e.mu.Unlock()
}

func (e *events) all() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.log...)
}

func (e *events) index(s string) int {
	for i, v := range e.all() {
		if v == s {
			return i
		}
	}
	return -1
}

type failure struct {
	invocation uuid.UUID
	message    string
}

type fakeDashboard struct {
	ev *events

	mu            sync.Mutex
	invocation    uuid.UUID
	requests      []dashboard.InvocationRequest
	failures      []failure
	cancels       []uuid.UUID
	createErr     error
	markErr       error
	cancelErr     error
	machineCalled int
	// beforeMark runs at the start of MarkAsFailed, outside the lock
	beforeMark func()
}

func newFakeDashboard(ev *events) *fakeDashboard {
	return &fakeDashboard{ev: ev, invocation: uuid.New()}
}

func (d *fakeDashboard) SendMachineInfo(ctx context.Context, env envinfo.Environment) error {
	d.mu.Lock()
	d.machineCalled++
	d.mu.Unlock()
	d.ev.add("machine")
	return nil
}

func (d *fakeDashboard) CreateInvocation(ctx context.Context, req dashboard.InvocationRequest) (uuid.UUID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.requests = append(d.requests, req)
	if d.createErr != nil {
		return uuid.Nil, d.createErr
	}
	d.ev.add("create")
	return d.invocation, nil
}

func (d *fakeDashboard) MarkAsFailed(ctx context.Context, invocation uuid.UUID, message string) error {
	if d.beforeMark != nil {
		d.beforeMark()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures = append(d.failures, failure{invocation, message})
	d.ev.add("mark_as_failed")
	return d.markErr
}

func (d *fakeDashboard) Cancel(ctx context.Context, invocation uuid.UUID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancels = append(d.cancels, invocation)
	d.ev.add("cancel")
	return d.cancelErr
}

func (d *fakeDashboard) Failures() []failure {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]failure(nil), d.failures...)
}

func (d *fakeDashboard) Cancels() []uuid.UUID {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]uuid.UUID(nil), d.cancels...)
}

// behaviour of the fake executor for one workload name
type behaviour func(ctx context.Context) error

type fakeExecutor struct {
	ev        *events
	behaviour map[string]behaviour

	mu       sync.Mutex
	executed []string
}

func (f *fakeExecutor) Execute(ctx context.Context, invocation uuid.UUID, w *api.Workload) error {
	f.mu.Lock()
	f.executed = append(f.executed, w.Name)
	f.mu.Unlock()
	f.ev.add("execute %s", w.Name)
	if b, ok := f.behaviour[w.Name]; ok {
		return b(ctx)
	}
	return nil
}

func (f *fakeExecutor) Executed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.executed...)
}

// loadByName parses nothing: the path is the workload name.
func loadByName(path string) (*api.Workload, error) {
	return &api.Workload{Name: path, RunCount: 1}, nil
}

func testBuildInfo() envinfo.BuildInfo {
	return envinfo.BuildInfo{CommitSHA1: "0123abcd", CommitMessage: "Speed up facet search\n\nbody"}
}

func testEnvironment(ctx context.Context, log zerolog.Logger) (envinfo.Environment, error) {
	return envinfo.Environment{Hostname: "bench-1", OS: "linux", CollectedAt: time.Now()}, nil
}

func testConfig(d *fakeDashboard, ex *fakeExecutor, workloads ...string) Config {
	return Config{
		Workloads:   workloads,
		Dashboard:   d,
		Executor:    ex,
		Load:        loadByName,
		Logger:      zerolog.Nop(),
		Environment: testEnvironment,
		BuildInfo:   testBuildInfo,
	}
}

func names(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("w%d.json", i)
	}
	return out
}
