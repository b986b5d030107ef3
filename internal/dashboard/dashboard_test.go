package dashboard

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3cpo-dev/benchctl/internal/client"
	"github.com/3cpo-dev/benchctl/internal/dashboard/dashboardtest"
	"github.com/3cpo-dev/benchctl/internal/envinfo"
	"github.com/3cpo-dev/benchctl/internal/telemetry"
)

func newTestClient(t *testing.T) (*Client, *dashboardtest.Server, *telemetry.Collector) {
	t.Helper()
	srv := dashboardtest.NewServer()
	t.Cleanup(srv.Close)
	metrics := telemetry.NewCollector()
	return New(client.New(srv.APIURL(), "api-key", time.Second), zerolog.Nop(), metrics), srv, metrics
}

func TestCreateInvocation(t *testing.T) {
	c, srv, _ := newTestClient(t)
	env := envinfo.Environment{Hostname: "bench-1", OS: "linux"}
	req := NewInvocationRequest(envinfo.BuildInfo{CommitSHA1: "abc123"}, "Speed up search", env, 3, "nightly")

	id, err := c.CreateInvocation(context.Background(), req)
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, id)

	calls := srv.CallsTo("/invocation")
	require.Len(t, calls, 1)
	assert.Equal(t, http.MethodPut, calls[0].Method)
	assert.Equal(t, "Bearer api-key", calls[0].Auth)
	assert.Equal(t, float64(3), calls[0].Body["max_workloads"])
	assert.Equal(t, "nightly", calls[0].Body["reason"])
	assert.Equal(t, "bench-1", calls[0].Body["machine_hostname"])
	commit := calls[0].Body["commit"].(map[string]interface{})
	assert.Equal(t, "Speed up search", commit["message"])
	assert.Equal(t, "abc123", commit["sha1"])
}

func TestCreateInvocationWithoutReasonSendsNull(t *testing.T) {
	c, srv, _ := newTestClient(t)
	_, err := c.CreateInvocation(context.Background(), NewInvocationRequest(envinfo.BuildInfo{}, "msg", envinfo.Environment{}, 1, ""))
	require.NoError(t, err)
	body := srv.CallsTo("/invocation")[0].Body
	v, ok := body["reason"]
	assert.True(t, ok)
	assert.Nil(t, v)
}

func TestCreateInvocationFailure(t *testing.T) {
	c, srv, metrics := newTestClient(t)
	srv.FailWith("/invocation", http.StatusInternalServerError)

	_, err := c.CreateInvocation(context.Background(), InvocationRequest{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "could not create new invocation")
	assert.Contains(t, err.Error(), "500")

	var errorsCounted int
	for _, m := range metrics.Metrics() {
		if m.Name == "dashboard_request_errors" {
			errorsCounted++
		}
	}
	assert.Equal(t, 1, errorsCounted)
}

func TestMarkAsFailedAndCancelShareEndpoint(t *testing.T) {
	c, srv, _ := newTestClient(t)
	id := uuid.New()

	require.NoError(t, c.MarkAsFailed(context.Background(), id, "error opening workloads/2.json"))
	require.NoError(t, c.Cancel(context.Background(), id))
	require.NoError(t, c.Cancel(context.Background(), id))

	failures := srv.FailureReports()
	require.Len(t, failures, 1)
	assert.Equal(t, id.String(), failures[0].Body["invocation_uuid"])
	assert.Equal(t, "error opening workloads/2.json", failures[0].Body["failure_reason"])
	assert.Equal(t, http.MethodPost, failures[0].Method)

	assert.Len(t, srv.Cancellations(), 2)
}

func TestWorkloadAndRun(t *testing.T) {
	c, srv, _ := newTestClient(t)
	inv := uuid.New()

	wid, err := c.CreateWorkload(context.Background(), inv, "hackernews.ndjson", 2)
	require.NoError(t, err)
	require.NoError(t, c.CreateRun(context.Background(), wid, map[string]int{"commands": 4}))

	w := srv.CallsTo("/workload")
	require.Len(t, w, 1)
	assert.Equal(t, inv.String(), w[0].Body["invocation_uuid"])
	assert.Equal(t, float64(2), w[0].Body["max_runs"])

	r := srv.CallsTo("/run")
	require.Len(t, r, 1)
	assert.Equal(t, wid.String(), r[0].Body["workload_uuid"])
}

func TestSendMachineInfo(t *testing.T) {
	c, srv, _ := newTestClient(t)
	require.NoError(t, c.SendMachineInfo(context.Background(), envinfo.Environment{Hostname: "bench-2"}))
	calls := srv.CallsTo("/machine")
	require.Len(t, calls, 1)
	assert.Equal(t, "bench-2", calls[0].Body["hostname"])
}
