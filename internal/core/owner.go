package core

import (
	"context"
	"os"

	"github.com/shirou/gopsutil/v3/process"
)

// Owner identifies the process that created a ledger entry.
type Owner struct {
	PID      int32
	Hostname string
	// StartedAt is the process creation time in milliseconds since the
	// epoch, zero when unknown. It tells a live owner from a reused pid.
	StartedAt int64
}

// CurrentOwner describes the running process.
func CurrentOwner(ctx context.Context) Owner {
	o := Owner{PID: int32(os.Getpid())}
	o.Hostname, _ = os.Hostname()
	if p, err := process.NewProcessWithContext(ctx, o.PID); err == nil {
		o.StartedAt, _ = p.CreateTimeWithContext(ctx)
	}
	return o
}

// Alive reports whether the owning process may still be running. Entries
// without a pid are dead. Entries written on another host cannot be checked
// and count as alive.
func (o Owner) Alive(ctx context.Context) bool {
	if o.PID <= 0 {
		return false
	}
	if host, err := os.Hostname(); err == nil && o.Hostname != "" && o.Hostname != host {
		return true
	}
	p, err := process.NewProcessWithContext(ctx, o.PID)
	if err != nil {
		return false
	}
	if o.StartedAt == 0 {
		return true
	}
	created, err := p.CreateTimeWithContext(ctx)
	if err != nil {
		return true
	}
	return created == o.StartedAt
}
