// Package envinfo collects the host environment and build provenance that are
// attached to every invocation sent to the dashboard.
package envinfo

import (
	"context"
	"os"
	"runtime"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// Environment is an immutable snapshot of the machine running the benchmarks.
type Environment struct {
	Hostname         string    `json:"hostname"`
	OS               string    `json:"os"`
	Platform         string    `json:"platform,omitempty"`
	PlatformVersion  string    `json:"platform_version,omitempty"`
	KernelVersion    string    `json:"kernel_version,omitempty"`
	Arch             string    `json:"arch"`
	CPUModel         string    `json:"cpu,omitempty"`
	PhysicalCores    int       `json:"physical_cores,omitempty"`
	LogicalCores     int       `json:"logical_cores"`
	TotalMemoryBytes uint64    `json:"total_memory_bytes,omitempty"`
	GoVersion        string    `json:"go_version"`
	CollectedAt      time.Time `json:"collected_at"`
}

// Collect probes the host. Only a missing hostname is an error; the other
// probes degrade to empty values and a warning.
func Collect(ctx context.Context, log zerolog.Logger) (Environment, error) {
	env := Environment{
		OS:           runtime.GOOS,
		Arch:         runtime.GOARCH,
		LogicalCores: runtime.NumCPU(),
		GoVersion:    runtime.Version(),
		CollectedAt:  time.Now().UTC(),
	}

	hostname, err := os.Hostname()
	if err != nil {
		return Environment{}, errors.Wrap(err, "read hostname")
	}
	env.Hostname = hostname

	if hi, err := host.InfoWithContext(ctx); err != nil {
		log.Warn().Err(err).Msg("could not read host info")
	} else {
		env.Platform = hi.Platform
		env.PlatformVersion = hi.PlatformVersion
		env.KernelVersion = hi.KernelVersion
	}

	if infos, err := cpu.InfoWithContext(ctx); err != nil || len(infos) == 0 {
		log.Warn().Err(err).Msg("could not read cpu info")
	} else {
		env.CPUModel = infos[0].ModelName
	}

	if n, err := cpu.CountsWithContext(ctx, false); err != nil {
		log.Warn().Err(err).Msg("could not count physical cores")
	} else {
		env.PhysicalCores = n
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		log.Warn().Err(err).Msg("could not read memory stats")
	} else {
		env.TotalMemoryBytes = vm.Total
	}

	return env, nil
}
