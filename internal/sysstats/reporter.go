// Package sysstats periodically samples process CPU/RSS and goroutine
// counts for the Core facade's HealthSnapshot(), grounded on the
// teacher's collectMetrics/monitorMemory ticker loop (server.go,
// internal/single/core/monitoring_collectors.go): gopsutil's process
// package for RSS, with a gopsutil/cpu fallback, on a periodic ticker
// guarding a mutex-protected snapshot struct.
package sysstats

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/process"
)

// Snapshot is one point-in-time resource reading.
type Snapshot struct {
	MemoryRSSBytes uint64
	CPUPercent     float64
	Goroutines     int
	SampledAt      time.Time
}

// Reporter samples process resource usage on an interval and serves the
// latest Snapshot without blocking the sampler.
type Reporter struct {
	proc     *process.Process
	interval time.Duration

	mu   sync.RWMutex
	last Snapshot
}

// New creates a Reporter for the current process. Falls back to a
// nil *process.Process (host-wide gopsutil/cpu percentages only) if the
// process handle can't be opened, mirroring the teacher's proc-nil
// fallback-to-system-memory branch.
func New(interval time.Duration) *Reporter {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	proc, _ := process.NewProcess(int32(os.Getpid()))
	return &Reporter{proc: proc, interval: interval}
}

// Run samples until ctx is done. Intended to run in its own goroutine,
// one per Client.
func (r *Reporter) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sample()
		}
	}
}

func (r *Reporter) sample() {
	snap := Snapshot{SampledAt: time.Now(), Goroutines: runtime.NumGoroutine()}

	if r.proc != nil {
		if mem, err := r.proc.MemoryInfo(); err == nil && mem != nil {
			snap.MemoryRSSBytes = mem.RSS
		}
		if pct, err := r.proc.CPUPercent(); err == nil {
			snap.CPUPercent = pct
		}
	} else if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) > 0 {
		snap.CPUPercent = pcts[0]
	}

	r.mu.Lock()
	r.last = snap
	r.mu.Unlock()
}

// Latest returns the most recent Snapshot, or a zero Snapshot if Run
// hasn't completed a sample yet.
func (r *Reporter) Latest() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.last
}
