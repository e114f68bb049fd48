package server

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/shirou/gopsutil/process"
)

// Heartbeat periodically logs the relay's uptime, session count and its own
// resource usage.
type Heartbeat struct {
	log      *slog.Logger
	interval time.Duration
	started  time.Time
	sessions func() int
}

func NewHeartbeat(log *slog.Logger, interval time.Duration, sessions func() int) *Heartbeat {
	return &Heartbeat{
		log:      log,
		interval: interval,
		started:  time.Now(),
		sessions: sessions,
	}
}

// Run logs one heartbeat per interval until ctx is cancelled.
func (h *Heartbeat) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		h.log.Warn("Process stats unavailable", "error", err)
		p = nil
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			h.beat(p)
		}
	}
}

func (h *Heartbeat) beat(p *process.Process) {
	attrs := []any{
		"uptime", time.Since(h.started).Round(time.Second).String(),
		"sessions", h.sessions(),
	}
	if p != nil {
		rss, cpu, err := selfStats(p)
		if err != nil {
			h.log.Debug("Failed to collect self stats", "error", err)
		} else {
			attrs = append(attrs, "rss_bytes", rss, "cpu_percent", cpu)
		}
	}
	h.log.Info("Heartbeat", attrs...)
}

// selfStats returns resident memory and CPU usage for p.
func selfStats(p *process.Process) (uint64, float64, error) {
	mem, err := p.MemoryInfo()
	if err != nil {
		return 0, 0, err
	}
	cpu, err := p.CPUPercent()
	if err != nil {
		return 0, 0, err
	}
	return mem.RSS, cpu, nil
}
