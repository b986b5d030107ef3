package workload

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/3cpo-dev/benchctl/internal/assets"
	"github.com/3cpo-dev/benchctl/internal/client"
	"github.com/3cpo-dev/benchctl/internal/telemetry"
	"github.com/3cpo-dev/benchctl/pkg/api"
)

// DefaultTaskPollInterval is how often task status is polled for WaitForTask
// commands.
const DefaultTaskPollInterval = 50 * time.Millisecond

// response bodies are read for their taskUid only
const maxResponseBody = 1 << 20

// Recorder is the part of the dashboard protocol used while running workloads.
type Recorder interface {
	CreateWorkload(ctx context.Context, invocation uuid.UUID, name string, maxRuns int) (uuid.UUID, error)
	CreateRun(ctx context.Context, workload uuid.UUID, report interface{}) error
}

// Runner executes workloads. Target and Logs must be distinct clients: the
// log client carries no timeout and its base URL is the stream endpoint.
type Runner struct {
	Target       *client.Client
	Logs         *client.Client
	Dashboard    Recorder
	Assets       *assets.Fetcher
	ReportFolder string
	Log          zerolog.Logger
	Metrics      *telemetry.Collector

	TaskPollInterval time.Duration
}

// Execute runs every run of w and records them under invocation. The first
// error stops the workload.
func (r *Runner) Execute(ctx context.Context, invocation uuid.UUID, w *api.Workload) error {
	log := r.Log.With().Str("workload", w.Name).Logger()
	defer r.Metrics.Flush(log)

	local, err := r.Assets.FetchAll(ctx, w.Assets)
	if err != nil {
		return errors.Wrapf(err, "workload %s", w.Name)
	}
	if err := os.MkdirAll(r.ReportFolder, 0o755); err != nil {
		return errors.Wrap(err, "create report folder")
	}

	workloadID, err := r.Dashboard.CreateWorkload(ctx, invocation, w.Name, w.RunCount)
	if err != nil {
		return err
	}
	log.Info().Int("runs", w.RunCount).Str("workload_uuid", workloadID.String()).Msg("running workload")

	for run := 1; run <= w.RunCount; run++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		report, err := r.executeRun(ctx, invocation, w, run, local, log)
		if err != nil {
			return errors.Wrapf(err, "workload %s run %d", w.Name, run)
		}
		path := reportPath(r.ReportFolder, invocation, w.Name, run)
		if err := writeReport(path, report); err != nil {
			return err
		}
		if err := r.Dashboard.CreateRun(ctx, workloadID, report); err != nil {
			return err
		}
		log.Info().
			Int("run", run).
			Float64("duration_ms", report.DurationMs).
			Float64("p99_ms", report.Latency.P99Ms).
			Str("report", path).
			Msg("run recorded")
	}
	return nil
}

func (r *Runner) executeRun(ctx context.Context, invocation uuid.UUID, w *api.Workload, run int, local map[string]assets.Local, log zerolog.Logger) (*RunReport, error) {
	log = log.With().Int("run", run).Logger()
	if _, err := r.runCommands(ctx, w.Precommands, local, log); err != nil {
		return nil, errors.Wrap(err, "precommands")
	}

	trace := filepath.Join(r.ReportFolder, fmt.Sprintf("%s-%d.trace", fileName(w.Name), run))
	stream, err := startLogStream(ctx, r.Logs, trace, log)
	if err != nil {
		return nil, err
	}

	started := time.Now()
	cmds, err := r.runCommands(ctx, w.Commands, local, log)
	finished := time.Now()
	written, stopErr := stream.stop(ctx)
	if err != nil {
		return nil, err
	}
	if stopErr != nil {
		return nil, stopErr
	}

	return &RunReport{
		InvocationUUID: invocation,
		Workload:       w.Name,
		Run:            run,
		ExtraCLIArgs:   w.ExtraCLIArgs,
		StartedAt:      started.UTC(),
		FinishedAt:     finished.UTC(),
		DurationMs:     millis(finished.Sub(started)),
		Commands:       cmds,
		Latency:        summarize(cmds),
		TraceFile:      trace,
		TraceBytes:     written,
	}, nil
}

// runCommands splits cmds into batches ending at each command that is not
// DontWait. The commands of a batch are sent concurrently and the batch is
// complete once all responses arrived and, for WaitForTask, all their tasks
// are processed.
func (r *Runner) runCommands(ctx context.Context, cmds []api.Command, local map[string]assets.Local, log zerolog.Logger) ([]CommandReport, error) {
	reports := make([]CommandReport, 0, len(cmds))
	for start := 0; start < len(cmds); {
		end := start
		for end < len(cmds)-1 && cmds[end].Synchronous == api.DontWait {
			end++
		}
		batch, err := r.runBatch(ctx, cmds[start:end+1], local, log)
		reports = append(reports, batch...)
		if err != nil {
			return reports, err
		}
		start = end + 1
	}
	return reports, nil
}

func (r *Runner) runBatch(ctx context.Context, batch []api.Command, local map[string]assets.Local, log zerolog.Logger) ([]CommandReport, error) {
	reports := make([]CommandReport, len(batch))
	var panics fault
	g, gctx := errgroup.WithContext(ctx)
	for i := range batch {
		i := i
		g.Go(func() (err error) {
			defer panics.capture(&err)
			rep, err := r.send(gctx, batch[i], local)
			reports[i] = rep
			return err
		})
	}
	err := g.Wait()
	panics.reraise(log)
	if err != nil {
		return reports, err
	}

	if batch[len(batch)-1].Synchronous == api.WaitForTask {
		for _, rep := range reports {
			if rep.TaskUID == nil {
				continue
			}
			if err := r.waitForTask(ctx, *rep.TaskUID); err != nil {
				return reports, err
			}
			log.Debug().Int64("task_uid", *rep.TaskUID).Msg("task processed")
		}
	}
	return reports, nil
}

func (r *Runner) send(ctx context.Context, cmd api.Command, local map[string]assets.Local) (CommandReport, error) {
	rep := CommandReport{Route: cmd.Route, Method: cmd.Method}
	labels := map[string]string{"method": cmd.Method}

	body, contentType, err := openBody(cmd.Body, local)
	if err != nil {
		return rep, err
	}
	if c, ok := body.(io.Closer); ok {
		defer c.Close()
	}

	start := time.Now()
	resp, err := r.Target.Request(ctx, cmd.Method, cmd.Route, body, contentType)
	r.Metrics.Counter("workload_command_requests", 1, labels)
	if err != nil {
		r.Metrics.Counter("workload_command_errors", 1, labels)
		return rep, err
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	elapsed := time.Since(start)
	r.Metrics.Timer("workload_command_duration", elapsed, labels)
	rep.Status = resp.StatusCode
	rep.DurationMs = millis(elapsed)
	if err != nil {
		r.Metrics.Counter("workload_command_errors", 1, labels)
		return rep, errors.Wrapf(err, "read %s %s response", cmd.Method, cmd.Route)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		r.Metrics.Counter("workload_command_errors", 1, labels)
		return rep, &client.StatusError{
			Method:     cmd.Method,
			URL:        r.Target.URL(cmd.Route),
			StatusCode: resp.StatusCode,
			Body:       string(bytes.TrimSpace(payload)),
		}
	}

	var enqueued struct {
		TaskUID *int64 `json:"taskUid"`
	}
	if len(payload) > 0 {
		_ = json.Unmarshal(payload, &enqueued)
	}
	rep.TaskUID = enqueued.TaskUID
	if cmd.Synchronous == api.WaitForTask && rep.TaskUID == nil {
		return rep, errors.Newf("%s %s: response has no taskUid to wait for", cmd.Method, cmd.Route)
	}
	return rep, nil
}

func openBody(b api.Body, local map[string]assets.Local) (io.Reader, string, error) {
	if b.Empty() {
		return nil, "", nil
	}
	switch {
	case len(b.Inline) != 0:
		return bytes.NewReader(b.Inline), "application/json", nil
	case b.Asset != "":
		a, ok := local[b.Asset]
		if !ok {
			return nil, "", errors.Newf("asset %s was not fetched", b.Asset)
		}
		f, err := os.Open(a.Path)
		if err != nil {
			return nil, "", errors.Wrapf(err, "open asset %s", b.Asset)
		}
		return f, a.Format.ContentType(), nil
	}
	return nil, "", nil
}

type taskStatus struct {
	Status string `json:"status"`
	Error  *struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	} `json:"error"`
}

func (r *Runner) waitForTask(ctx context.Context, uid int64) error {
	interval := r.TaskPollInterval
	if interval <= 0 {
		interval = DefaultTaskPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	route := fmt.Sprintf("/tasks/%d", uid)
	for {
		var task taskStatus
		if err := r.Target.DoJSON(ctx, http.MethodGet, route, nil, &task); err != nil {
			return errors.Wrapf(err, "poll task %d", uid)
		}
		switch task.Status {
		case "succeeded":
			return nil
		case "failed":
			if task.Error != nil {
				return errors.Newf("task %d failed: %s (%s)", uid, task.Error.Message, task.Error.Code)
			}
			return errors.Newf("task %d failed", uid)
		case "canceled":
			return errors.Newf("task %d was canceled", uid)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
