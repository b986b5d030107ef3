package bench

import (
	"context"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/3cpo-dev/benchctl/internal/client"
	"github.com/3cpo-dev/benchctl/internal/core"
	"github.com/3cpo-dev/benchctl/internal/envinfo"
	"github.com/3cpo-dev/benchctl/internal/workload"
	"github.com/3cpo-dev/benchctl/pkg/api"
)

func TestSuccessRunsEveryWorkloadInOrder(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(0, 8).Draw(rt, "workloads")
		ev := &events{}
		d := newFakeDashboard(ev)
		ex := &fakeExecutor{ev: ev}

		err := NewController(testConfig(d, ex, names(n)...)).Run(context.Background())
		require.NoError(rt, err)
		if n == 0 {
			assert.Empty(rt, ex.Executed())
		} else {
			assert.Equal(rt, names(n), ex.Executed())
		}
		assert.Empty(rt, d.Failures())
		assert.Empty(rt, d.Cancels())
	})
}

func TestFailureStopsAtFirstError(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 8).Draw(rt, "workloads")
		k := rapid.IntRange(0, n-1).Draw(rt, "failing")
		paths := names(n)
		ev := &events{}
		d := newFakeDashboard(ev)
		ex := &fakeExecutor{ev: ev, behaviour: map[string]behaviour{
			paths[k]: func(ctx context.Context) error { return errors.Newf("workload %s broke", paths[k]) },
		}}

		err := NewController(testConfig(d, ex, paths...)).Run(context.Background())
		require.Error(rt, err)
		assert.Equal(rt, paths[:k+1], ex.Executed())
		failures := d.Failures()
		require.Len(rt, failures, 1)
		assert.Equal(rt, d.invocation, failures[0].invocation)
		assert.Equal(rt, err.Error(), failures[0].message)
		assert.Contains(rt, failures[0].message, paths[k])
		assert.Empty(rt, d.Cancels())
	})
}

func TestMissingSecondWorkloadFile(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "a.json")
	require.NoError(t, os.WriteFile(first, []byte(`{"name":"a","commands":[{"route":"health"}]}`), 0o644))
	second := filepath.Join(dir, "b.json")
	third := filepath.Join(dir, "c.json")
	require.NoError(t, os.WriteFile(third, []byte(`{"name":"c","commands":[{"route":"health"}]}`), 0o644))

	ev := &events{}
	d := newFakeDashboard(ev)
	ex := &fakeExecutor{ev: ev}
	cfg := testConfig(d, ex, first, second, third)
	cfg.Load = workload.Load

	err := NewController(cfg).Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, []string{"a"}, ex.Executed())
	failures := d.Failures()
	require.Len(t, failures, 1)
	assert.Contains(t, failures[0].message, "error opening "+second)
	assert.Empty(t, d.Cancels())
}

func TestInterruptDuringInFlightRequest(t *testing.T) {
	inFlight := make(chan struct{})
	release := make(chan struct{})
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		close(inFlight)
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer target.Close()
	defer close(release)
	targetClient := client.New(target.URL, "", time.Minute)

	ev := &events{}
	d := newFakeDashboard(ev)
	ex := &fakeExecutor{ev: ev, behaviour: map[string]behaviour{
		"w0.json": func(ctx context.Context) error {
			err := targetClient.DoJSON(ctx, http.MethodPost, "/indexes/movies/documents", map[string]int{"id": 1}, nil)
			ev.add("request returned")
			return err
		},
	}}
	interrupts := make(chan os.Signal, 2)
	cfg := testConfig(d, ex, names(3)...)
	cfg.Interrupts = interrupts

	go func() {
		<-inFlight
		interrupts <- syscall.SIGINT
		interrupts <- syscall.SIGINT
	}()
	err := NewController(cfg).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"w0.json"}, ex.Executed())
	assert.Len(t, d.Cancels(), 1)
	assert.Empty(t, d.Failures())
	cancelAt, returnedAt := ev.index("cancel"), ev.index("request returned")
	require.NotEqual(t, -1, cancelAt)
	require.NotEqual(t, -1, returnedAt)
	assert.Less(t, cancelAt, returnedAt, "dashboard is told before the workload is stopped")
}

func TestCancelReportFailureStillStops(t *testing.T) {
	ev := &events{}
	d := newFakeDashboard(ev)
	d.cancelErr = errors.New("dashboard unreachable")
	started := make(chan struct{})
	ex := &fakeExecutor{ev: ev, behaviour: map[string]behaviour{
		"w0.json": func(ctx context.Context) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		},
	}}
	interrupts := make(chan os.Signal, 1)
	cfg := testConfig(d, ex, names(2)...)
	cfg.Interrupts = interrupts
	go func() {
		<-started
		interrupts <- os.Interrupt
	}()

	require.NoError(t, NewController(cfg).Run(context.Background()))
	assert.Equal(t, []string{"w0.json"}, ex.Executed())
	assert.Len(t, d.Cancels(), 1)
	assert.Empty(t, d.Failures())
}

func TestErrorAfterInterruptIsCancelled(t *testing.T) {
	ev := &events{}
	d := newFakeDashboard(ev)
	started := make(chan struct{})
	ex := &fakeExecutor{ev: ev, behaviour: map[string]behaviour{
		"w0.json": func(ctx context.Context) error {
			close(started)
			<-ctx.Done()
			return errors.New("connection reset by peer")
		},
	}}
	interrupts := make(chan os.Signal, 1)
	cfg := testConfig(d, ex, names(2)...)
	cfg.Interrupts = interrupts
	go func() {
		<-started
		interrupts <- os.Interrupt
	}()

	require.NoError(t, NewController(cfg).Run(context.Background()))
	assert.Equal(t, []string{"w0.json"}, ex.Executed())
	assert.Len(t, d.Cancels(), 1)
	assert.Empty(t, d.Failures())
}

func TestWorkloadIgnoringInterruptSucceeds(t *testing.T) {
	ev := &events{}
	d := newFakeDashboard(ev)
	started := make(chan struct{})
	ex := &fakeExecutor{ev: ev, behaviour: map[string]behaviour{
		"w0.json": func(ctx context.Context) error {
			close(started)
			<-ctx.Done()
			return nil
		},
	}}
	interrupts := make(chan os.Signal, 1)
	cfg := testConfig(d, ex, "w0.json")
	cfg.Interrupts = interrupts
	go func() {
		<-started
		interrupts <- os.Interrupt
	}()

	require.NoError(t, NewController(cfg).Run(context.Background()))
	assert.Len(t, d.Cancels(), 1)
	assert.Empty(t, d.Failures())
}

func TestInterruptAfterFailureSendsBoth(t *testing.T) {
	ev := &events{}
	d := newFakeDashboard(ev)
	interrupts := make(chan os.Signal, 1)
	// the interrupt lands while the failure is being reported
	d.beforeMark = func() {
		interrupts <- os.Interrupt
		assert.Eventually(t, func() bool { return len(d.Cancels()) == 1 }, 5*time.Second, time.Millisecond)
	}
	ex := &fakeExecutor{ev: ev, behaviour: map[string]behaviour{
		"w0.json": func(ctx context.Context) error { return errors.New("index swap rejected") },
	}}
	cfg := testConfig(d, ex, names(2)...)
	cfg.Interrupts = interrupts

	err := NewController(cfg).Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, "index swap rejected", err.Error())
	assert.Equal(t, []string{"w0.json"}, ex.Executed())
	require.Len(t, d.Failures(), 1)
	assert.Equal(t, "index swap rejected", d.Failures()[0].message)
	assert.Equal(t, []uuid.UUID{d.invocation}, d.Cancels())
}

func TestPanicIsReportedAndReraised(t *testing.T) {
	ev := &events{}
	d := newFakeDashboard(ev)
	ex := &fakeExecutor{ev: ev, behaviour: map[string]behaviour{
		"w1.json": func(ctx context.Context) error { panic("nil map write in tokenizer") },
	}}

	assert.PanicsWithValue(t, "nil map write in tokenizer", func() {
		_ = NewController(testConfig(d, ex, names(3)...)).Run(context.Background())
	})
	assert.Equal(t, []string{"w0.json", "w1.json"}, ex.Executed())
	failures := d.Failures()
	require.Len(t, failures, 1)
	assert.Equal(t, PanicMarker, failures[0].message)
	assert.Empty(t, d.Cancels())
}

func TestReportingFailureKeepsOriginalError(t *testing.T) {
	ev := &events{}
	d := newFakeDashboard(ev)
	d.markErr = errors.New("status 502")
	ex := &fakeExecutor{ev: ev, behaviour: map[string]behaviour{
		"w0.json": func(ctx context.Context) error { return errors.New("index swap rejected") },
	}}

	err := NewController(testConfig(d, ex, names(1)...)).Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, "index swap rejected", err.Error())
	assert.Len(t, d.Failures(), 1)
}

func TestCreationFailureRunsNothing(t *testing.T) {
	ev := &events{}
	d := newFakeDashboard(ev)
	d.createErr = errors.New("could not create new invocation: status 500")
	ex := &fakeExecutor{ev: ev}

	err := NewController(testConfig(d, ex, names(3)...)).Run(context.Background())
	require.Error(t, err)
	assert.Empty(t, ex.Executed())
	assert.Empty(t, d.Failures())
	assert.Empty(t, d.Cancels())
}

func TestMissingCommitMessageIsFatalAndSilent(t *testing.T) {
	ev := &events{}
	d := newFakeDashboard(ev)
	ex := &fakeExecutor{ev: ev}
	cfg := testConfig(d, ex, names(2)...)
	cfg.BuildInfo = func() envinfo.BuildInfo { return envinfo.BuildInfo{CommitSHA1: "0123abcd"} }

	err := NewController(cfg).Run(context.Background())
	assert.True(t, errors.Is(err, envinfo.ErrMissingCommitMessage))
	assert.Empty(t, ev.all())
}

func TestInvocationRequest(t *testing.T) {
	ev := &events{}
	d := newFakeDashboard(ev)
	cfg := testConfig(d, &fakeExecutor{ev: ev}, names(4)...)
	cfg.Reason = "nightly"

	require.NoError(t, NewController(cfg).Run(context.Background()))
	require.Len(t, d.requests, 1)
	req := d.requests[0]
	assert.Equal(t, "Speed up facet search", req.Commit.Message)
	assert.Equal(t, 4, req.MaxWorkloads)
	require.NotNil(t, req.Reason)
	assert.Equal(t, "nightly", *req.Reason)
	assert.Equal(t, "bench-1", req.MachineHostname)
	assert.Equal(t, []string{"machine", "create"}, ev.all()[:2])
}

// deadOwner is a pid no process can have
var deadOwner = core.Owner{PID: math.MaxInt32}

func TestLedgerClosesOrphansAndRecordsOutcome(t *testing.T) {
	ctx := context.Background()
	store, err := core.NewStore(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	defer store.Close()
	orphan := uuid.New()
	require.NoError(t, store.RecordInvocation(ctx, orphan, "killed run", 3, deadOwner))

	ev := &events{}
	d := newFakeDashboard(ev)
	cfg := testConfig(d, &fakeExecutor{ev: ev}, names(1)...)
	cfg.Ledger = store

	require.NoError(t, NewController(cfg).Run(ctx))

	failures := d.Failures()
	require.Len(t, failures, 1)
	assert.Equal(t, orphan, failures[0].invocation)
	assert.Equal(t, OrphanReason, failures[0].message)
	assert.Less(t, ev.index("mark_as_failed"), ev.index("create"))

	entries, err := store.List(ctx, 0)
	require.NoError(t, err)
	status := map[uuid.UUID]api.InvocationStatus{}
	for _, e := range entries {
		status[e.UUID] = e.Status
	}
	assert.Equal(t, api.InvocationFailed, status[orphan])
	assert.Equal(t, api.InvocationSucceeded, status[d.invocation])

	orphans, err := store.Orphans(ctx)
	require.NoError(t, err)
	assert.Empty(t, orphans)
}

func TestLedgerKeepsOrphanWhenDashboardUnreachable(t *testing.T) {
	ctx := context.Background()
	store, err := core.NewStore(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	defer store.Close()
	orphan := uuid.New()
	require.NoError(t, store.RecordInvocation(ctx, orphan, "", 1, deadOwner))

	ev := &events{}
	d := newFakeDashboard(ev)
	d.markErr = errors.New("connection refused")
	cfg := testConfig(d, &fakeExecutor{ev: ev}, names(1)...)
	cfg.Ledger = store

	require.NoError(t, NewController(cfg).Run(ctx))
	orphans, err := store.Orphans(ctx)
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	assert.Equal(t, orphan, orphans[0].UUID)
}

func TestConcurrentControllersShareLedger(t *testing.T) {
	ctx := context.Background()
	store, err := core.NewStore(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	defer store.Close()

	running := make(chan struct{})
	release := make(chan struct{})
	first := newFakeDashboard(&events{})
	firstCfg := testConfig(first, &fakeExecutor{ev: first.ev, behaviour: map[string]behaviour{
		"w0.json": func(ctx context.Context) error {
			close(running)
			<-release
			return nil
		},
	}}, names(1)...)
	firstCfg.Ledger = store
	firstDone := make(chan error, 1)
	go func() { firstDone <- NewController(firstCfg).Run(ctx) }()
	<-running

	second := newFakeDashboard(&events{})
	secondCfg := testConfig(second, &fakeExecutor{ev: second.ev}, names(1)...)
	secondCfg.Ledger = store
	require.NoError(t, NewController(secondCfg).Run(ctx))
	assert.Empty(t, second.Failures(), "a live invocation is not an orphan")

	close(release)
	require.NoError(t, <-firstDone)
	assert.Empty(t, first.Failures())

	entries, err := store.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	for _, e := range entries {
		assert.Equal(t, api.InvocationSucceeded, e.Status, e.UUID.String())
	}
}
