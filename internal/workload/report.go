package workload

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

// CommandReport is the measurement of one command of a run.
type CommandReport struct {
	Route      string  `json:"route"`
	Method     string  `json:"method"`
	Status     int     `json:"status"`
	DurationMs float64 `json:"duration_ms"`
	TaskUID    *int64  `json:"task_uid,omitempty"`
}

// LatencySummary condenses the command latencies of a run.
type LatencySummary struct {
	Count  int64   `json:"count"`
	MinMs  float64 `json:"min_ms"`
	MaxMs  float64 `json:"max_ms"`
	MeanMs float64 `json:"mean_ms"`
	P50Ms  float64 `json:"p50_ms"`
	P90Ms  float64 `json:"p90_ms"`
	P99Ms  float64 `json:"p99_ms"`
}

// RunReport is written to the report folder and sent to the dashboard as the
// data of a run.
type RunReport struct {
	InvocationUUID uuid.UUID       `json:"invocation_uuid"`
	Workload       string          `json:"workload"`
	Run            int             `json:"run"`
	ExtraCLIArgs   []string        `json:"extra_cli_args,omitempty"`
	StartedAt      time.Time       `json:"started_at"`
	FinishedAt     time.Time       `json:"finished_at"`
	DurationMs     float64         `json:"duration_ms"`
	Commands       []CommandReport `json:"commands"`
	Latency        LatencySummary  `json:"latency"`
	TraceFile      string          `json:"trace_file,omitempty"`
	TraceBytes     int64           `json:"trace_bytes"`
}

// latencies are tracked in microseconds, up to one hour
const maxTrackedLatency = int64(time.Hour / time.Microsecond)

func summarize(cmds []CommandReport) LatencySummary {
	if len(cmds) == 0 {
		return LatencySummary{}
	}
	h := hdrhistogram.New(1, maxTrackedLatency, 3)
	for _, c := range cmds {
		us := int64(c.DurationMs * 1000)
		if us < 1 {
			us = 1
		}
		if us > maxTrackedLatency {
			us = maxTrackedLatency
		}
		_ = h.RecordValue(us)
	}
	ms := func(us int64) float64 { return float64(us) / 1000 }
	return LatencySummary{
		Count:  h.TotalCount(),
		MinMs:  ms(h.Min()),
		MaxMs:  ms(h.Max()),
		MeanMs: h.Mean() / 1000,
		P50Ms:  ms(h.ValueAtQuantile(50)),
		P90Ms:  ms(h.ValueAtQuantile(90)),
		P99Ms:  ms(h.ValueAtQuantile(99)),
	}
}

func millis(d time.Duration) float64 { return float64(d.Microseconds()) / 1000 }

// fileName makes a workload name usable as part of a file name.
func fileName(name string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ' ', ':':
			return '_'
		}
		return r
	}, name)
}

func reportPath(folder string, invocation uuid.UUID, workload string, run int) string {
	return filepath.Join(folder, fmt.Sprintf("%s-%s-%d.json", invocation, fileName(workload), run))
}

func writeReport(path string, report *RunReport) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode report")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrapf(err, "write report %s", path)
	}
	return nil
}
