// Package bench drives a benchmark invocation: it opens the invocation on the
// dashboard, runs the workloads in order on a cancellable task, and closes the
// invocation according to how that task ended.
package bench

import (
	"context"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/3cpo-dev/benchctl/internal/core"
	"github.com/3cpo-dev/benchctl/internal/dashboard"
	"github.com/3cpo-dev/benchctl/internal/envinfo"
	"github.com/3cpo-dev/benchctl/internal/telemetry"
	"github.com/3cpo-dev/benchctl/internal/workload"
	"github.com/3cpo-dev/benchctl/pkg/api"
)

const (
	// PanicMarker is the failure reason sent when a workload panicked. The
	// panic value itself is only logged locally.
	PanicMarker = "Panicked"
	// OrphanReason closes invocations left running by a previous process.
	OrphanReason = "orphaned: controller exited before completion"
)

// Dashboard is the reporting protocol used by the controller.
type Dashboard interface {
	Canceller
	SendMachineInfo(ctx context.Context, env envinfo.Environment) error
	CreateInvocation(ctx context.Context, req dashboard.InvocationRequest) (uuid.UUID, error)
	MarkAsFailed(ctx context.Context, invocation uuid.UUID, message string) error
}

// Ledger keeps the local record of invocations created by this machine.
type Ledger interface {
	RecordInvocation(ctx context.Context, id uuid.UUID, reason string, workloads int, owner core.Owner) error
	FinishInvocation(ctx context.Context, id uuid.UUID, status api.InvocationStatus, failure string) error
	Orphans(ctx context.Context) ([]core.LedgerEntry, error)
}

// Config holds everything an invocation needs. Dashboard, Executor and
// Workloads are required; the rest have defaults.
type Config struct {
	Workloads []string
	Reason    string

	Dashboard Dashboard
	Executor  Executor
	Load      Loader
	// Ledger may be nil to disable orphan tracking.
	Ledger Ledger
	// Interrupts delivers SIGINT/SIGTERM; nil disables cancellation.
	Interrupts <-chan os.Signal

	Logger    zerolog.Logger
	LogFilter telemetry.LogFilter

	Environment func(ctx context.Context, log zerolog.Logger) (envinfo.Environment, error)
	BuildInfo   func() envinfo.BuildInfo
}

// Controller runs one invocation.
type Controller struct {
	cfg Config
	log zerolog.Logger
}

func NewController(cfg Config) *Controller {
	if cfg.Load == nil {
		cfg.Load = workload.Load
	}
	if cfg.Environment == nil {
		cfg.Environment = envinfo.Collect
	}
	log := cfg.LogFilter.Logger(cfg.Logger, "bench")
	if cfg.BuildInfo == nil {
		cfg.BuildInfo = func() envinfo.BuildInfo { return envinfo.ReadBuildInfo(".", log) }
	}
	return &Controller{cfg: cfg, log: log}
}

// Run executes the invocation. It returns nil on success and on
// cancellation, the workload error on failure, and re-panics with the
// original value when a workload panicked. Errors before the invocation
// exists are returned without reporting anything.
func (c *Controller) Run(ctx context.Context) error {
	bi := c.cfg.BuildInfo()
	summary, err := bi.CommitSummary()
	if err != nil {
		return err
	}
	env, err := c.cfg.Environment(ctx, c.log)
	if err != nil {
		return errors.Wrap(err, "collect environment")
	}

	c.closeOrphans(ctx)

	if err := c.cfg.Dashboard.SendMachineInfo(ctx, env); err != nil {
		return err
	}
	req := dashboard.NewInvocationRequest(bi, summary, env, len(c.cfg.Workloads), c.cfg.Reason)
	id, err := c.cfg.Dashboard.CreateInvocation(ctx, req)
	if err != nil {
		return err
	}
	log := c.log.With().Str("invocation_uuid", id.String()).Logger()
	c.ledger(log, "record invocation", func(l Ledger) error {
		return l.RecordInvocation(ctx, id, c.cfg.Reason, len(c.cfg.Workloads), core.CurrentOwner(ctx))
	})

	seq := &Sequencer{
		Paths:      c.cfg.Workloads,
		Load:       c.cfg.Load,
		Executor:   c.cfg.Executor,
		Invocation: id,
		Log:        log,
	}
	task := Spawn(ctx, seq.Run)
	watcher := &Watcher{Interrupts: c.cfg.Interrupts, Dashboard: c.cfg.Dashboard, Invocation: id, Log: log}
	stop := make(chan struct{})
	watched := make(chan struct{})
	go func() {
		defer close(watched)
		watcher.Watch(ctx, task, stop)
	}()
	// an interrupt while the outcome is reported is still sent as a cancel
	defer func() {
		close(stop)
		<-watched
	}()

	outcome := task.Wait()
	report := context.WithoutCancel(ctx)
	switch outcome.Kind {
	case Cancelled:
		log.Warn().Msg("invocation cancelled")
		c.finish(report, log, id, api.InvocationCancelled, "")
		return nil
	case Faulted:
		log.Error().
			Interface("panic", outcome.Panic).
			Str("stack", string(outcome.Stack)).
			Msg("workload panicked")
		bestEffort(log, "mark invocation as failed", func() error {
			return c.cfg.Dashboard.MarkAsFailed(report, id, PanicMarker)
		})
		c.finish(report, log, id, api.InvocationFailed, PanicMarker)
		panic(outcome.Panic)
	}

	if outcome.Err != nil {
		log.Error().Err(outcome.Err).Msg("invocation failed")
		bestEffort(log, "mark invocation as failed", func() error {
			return c.cfg.Dashboard.MarkAsFailed(report, id, outcome.Err.Error())
		})
		c.finish(report, log, id, api.InvocationFailed, outcome.Err.Error())
		return outcome.Err
	}

	log.Info().Int("workloads", len(c.cfg.Workloads)).Msg("invocation succeeded")
	c.finish(report, log, id, api.InvocationSucceeded, "")
	return nil
}

// closeOrphans fails the invocations a dead process created but never
// closed. Entries of live processes are left alone, and failed ones stay in
// the ledger when the dashboard cannot be reached.
func (c *Controller) closeOrphans(ctx context.Context) {
	if c.cfg.Ledger == nil {
		return
	}
	orphans, err := c.cfg.Ledger.Orphans(ctx)
	if err != nil {
		c.log.Warn().Err(err).Msg("could not read ledger")
		return
	}
	for _, o := range orphans {
		log := c.log.With().Str("invocation_uuid", o.UUID.String()).Logger()
		if o.Owner.Alive(ctx) {
			log.Debug().Int32("pid", o.Owner.PID).Msg("invocation still owned by a live process")
			continue
		}
		if err := c.cfg.Dashboard.MarkAsFailed(ctx, o.UUID, OrphanReason); err != nil {
			log.Warn().Err(err).Msg("could not close orphaned invocation")
			continue
		}
		c.ledger(log, "close orphaned invocation", func(l Ledger) error {
			return l.FinishInvocation(ctx, o.UUID, api.InvocationFailed, OrphanReason)
		})
		log.Info().Time("started_at", o.StartedAt).Msg("closed orphaned invocation")
	}
}

func (c *Controller) finish(ctx context.Context, log zerolog.Logger, id uuid.UUID, status api.InvocationStatus, failure string) {
	c.ledger(log, "finish invocation", func(l Ledger) error {
		return l.FinishInvocation(ctx, id, status, failure)
	})
}

func (c *Controller) ledger(log zerolog.Logger, what string, fn func(Ledger) error) {
	if c.cfg.Ledger == nil {
		return
	}
	if err := fn(c.cfg.Ledger); err != nil {
		log.Warn().Err(err).Str("op", what).Msg("ledger update failed")
	}
}

// bestEffort runs a dashboard report whose failure must not replace the
// outcome being reported.
func bestEffort(log zerolog.Logger, what string, fn func() error) {
	if err := fn(); err != nil {
		log.Error().Err(err).Str("op", what).Msg("could not report to dashboard")
	}
}
