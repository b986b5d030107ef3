// Package dashboard implements the calls benchctl makes against the results
// dashboard API: machine registration, invocation creation, per-workload and
// per-run records, and the two terminal signals (failure and cancellation).
package dashboard

import (
	"context"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/3cpo-dev/benchctl/internal/client"
	"github.com/3cpo-dev/benchctl/internal/envinfo"
	"github.com/3cpo-dev/benchctl/internal/telemetry"
)

// Client speaks the dashboard protocol over a configured HTTP client whose
// base URL already includes the /api/v1 prefix.
type Client struct {
	http    *client.Client
	log     zerolog.Logger
	metrics *telemetry.Collector
}

// New wraps c. metrics may be nil.
func New(c *client.Client, log zerolog.Logger, metrics *telemetry.Collector) *Client {
	return &Client{http: c, log: log, metrics: metrics}
}

type machineRequest struct {
	Hostname string `json:"hostname"`
}

// CommitInfo is the commit section of an invocation.
type CommitInfo struct {
	SHA1       string     `json:"sha1"`
	Message    string     `json:"message"`
	CommitDate *time.Time `json:"commit_date,omitempty"`
	Branch     string     `json:"branch,omitempty"`
	Tag        string     `json:"tag,omitempty"`
	Dirty      bool       `json:"dirty"`
}

// InvocationRequest is the payload of create_invocation.
type InvocationRequest struct {
	Commit          CommitInfo          `json:"commit"`
	MachineHostname string              `json:"machine_hostname"`
	Environment     envinfo.Environment `json:"environment"`
	MaxWorkloads    int                 `json:"max_workloads"`
	Reason          *string             `json:"reason"`
}

// NewInvocationRequest assembles the create_invocation payload.
func NewInvocationRequest(bi envinfo.BuildInfo, commitSummary string, env envinfo.Environment, maxWorkloads int, reason string) InvocationRequest {
	req := InvocationRequest{
		Commit: CommitInfo{
			SHA1:       bi.CommitSHA1,
			Message:    commitSummary,
			CommitDate: bi.CommitDate,
			Branch:     bi.Branch,
			Tag:        bi.Tag,
			Dirty:      bi.Dirty,
		},
		MachineHostname: env.Hostname,
		Environment:     env,
		MaxWorkloads:    maxWorkloads,
	}
	if reason != "" {
		req.Reason = &reason
	}
	return req
}

type workloadRequest struct {
	InvocationUUID uuid.UUID `json:"invocation_uuid"`
	Name           string    `json:"name"`
	MaxRuns        int       `json:"max_runs"`
}

type runRequest struct {
	WorkloadUUID uuid.UUID   `json:"workload_uuid"`
	Data         interface{} `json:"data"`
}

type cancelRequest struct {
	InvocationUUID uuid.UUID `json:"invocation_uuid"`
	FailureReason  *string   `json:"failure_reason,omitempty"`
}

// SendMachineInfo registers the host with the dashboard.
func (c *Client) SendMachineInfo(ctx context.Context, env envinfo.Environment) error {
	if err := c.call(ctx, "machine", http.MethodPut, "/machine", machineRequest{Hostname: env.Hostname}, nil); err != nil {
		return errors.Wrap(err, "could not send machine info")
	}
	return nil
}

// CreateInvocation opens the invocation record and returns the id the
// dashboard allocated for it.
func (c *Client) CreateInvocation(ctx context.Context, req InvocationRequest) (uuid.UUID, error) {
	var id uuid.UUID
	if err := c.call(ctx, "invocation", http.MethodPut, "/invocation", req, &id); err != nil {
		return uuid.Nil, errors.Wrap(err, "could not create new invocation")
	}
	if id == uuid.Nil {
		return uuid.Nil, errors.New("could not create new invocation: dashboard returned a nil id")
	}
	c.log.Info().Str("invocation_uuid", id.String()).Msg("created invocation")
	return id, nil
}

// CreateWorkload opens the record of one workload of an invocation.
func (c *Client) CreateWorkload(ctx context.Context, invocation uuid.UUID, name string, maxRuns int) (uuid.UUID, error) {
	var id uuid.UUID
	req := workloadRequest{InvocationUUID: invocation, Name: name, MaxRuns: maxRuns}
	if err := c.call(ctx, "workload", http.MethodPut, "/workload", req, &id); err != nil {
		return uuid.Nil, errors.Wrapf(err, "could not create workload %s", name)
	}
	return id, nil
}

// CreateRun attaches one run report to a workload.
func (c *Client) CreateRun(ctx context.Context, workload uuid.UUID, report interface{}) error {
	if err := c.call(ctx, "run", http.MethodPut, "/run", runRequest{WorkloadUUID: workload, Data: report}, nil); err != nil {
		return errors.Wrap(err, "could not create run")
	}
	return nil
}

// MarkAsFailed closes the invocation as failed with an optional message.
func (c *Client) MarkAsFailed(ctx context.Context, invocation uuid.UUID, message string) error {
	req := cancelRequest{InvocationUUID: invocation}
	if message != "" {
		req.FailureReason = &message
	}
	if err := c.call(ctx, "mark_failed", http.MethodPost, "/cancel-invocation", req, nil); err != nil {
		return errors.Wrap(err, "could not mark invocation as failed")
	}
	return nil
}

// Cancel closes the invocation as cancelled. Cancelling twice is accepted by
// the dashboard.
func (c *Client) Cancel(ctx context.Context, invocation uuid.UUID) error {
	if err := c.call(ctx, "cancel", http.MethodPost, "/cancel-invocation", cancelRequest{InvocationUUID: invocation}, nil); err != nil {
		return errors.Wrap(err, "could not cancel invocation")
	}
	return nil
}

func (c *Client) call(ctx context.Context, op, method, route string, in, out interface{}) error {
	start := time.Now()
	err := c.http.DoJSON(ctx, method, route, in, out)
	labels := map[string]string{"op": op}
	c.metrics.Timer("dashboard_request_duration", time.Since(start), labels)
	if err != nil {
		c.metrics.Counter("dashboard_request_errors", 1, labels)
		return err
	}
	c.log.Debug().Str("op", op).Dur("elapsed", time.Since(start)).Msg("dashboard call")
	return nil
}
