package agent

import (
	"log/slog"
	"math"
	"runtime"
	"runtime/debug"
	"sync"
	"time"
)

// MemoryGuard polls heap usage against GOMEMLIMIT and invokes a relief
// function when usage crosses the threshold fraction of the limit. Fleet
// devices run the agent under tight memory limits; relief sheds
// rebuildable agent state before the kernel OOM-killer picks a victim.
type MemoryGuard struct {
	threshold float64
	interval  time.Duration
	relief    func()
	logger    *slog.Logger

	// Overridable in tests.
	readStats func(*runtime.MemStats)
	readLimit func() int64

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewMemoryGuard creates a guard that fires relief when memory usage
// exceeds threshold * GOMEMLIMIT. A non-positive threshold defaults to
// 0.8.
func NewMemoryGuard(threshold float64, interval time.Duration, relief func(), logger *slog.Logger) *MemoryGuard {
	if threshold <= 0 {
		threshold = 0.8
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryGuard{
		threshold: threshold,
		interval:  interval,
		relief:    relief,
		logger:    logger.With("component", "memory_guard"),
		readStats: runtime.ReadMemStats,
		readLimit: func() int64 { return debug.SetMemoryLimit(-1) },
		stopCh:    make(chan struct{}),
	}
}

// Start launches the polling goroutine.
func (g *MemoryGuard) Start() {
	go func() {
		ticker := time.NewTicker(g.interval)
		defer ticker.Stop()
		for {
			select {
			case <-g.stopCh:
				return
			case <-ticker.C:
				if ratio, over := g.pressure(); over {
					g.logger.Warn("memory pressure, shedding state",
						"usage_ratio", ratio, "threshold", g.threshold)
					g.relief()
				}
			}
		}
	}()
}

// pressure reports non-released memory as a fraction of GOMEMLIMIT. With
// the runtime's default limit of MaxInt64 there is nothing to guard
// against.
func (g *MemoryGuard) pressure() (float64, bool) {
	limit := g.readLimit()
	if limit <= 0 || limit == math.MaxInt64 {
		return 0, false
	}
	var stats runtime.MemStats
	g.readStats(&stats)
	ratio := float64(stats.Sys-stats.HeapReleased) / float64(limit)
	return ratio, ratio > g.threshold
}

// Stop ends polling. Safe to call more than once.
func (g *MemoryGuard) Stop() {
	g.stopOnce.Do(func() { close(g.stopCh) })
}
