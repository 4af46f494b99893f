// Package telemetry produces SystemMetrics samples for heartbeats and keeps
// a short rolling window of recent samples.
package telemetry

import (
	"context"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/edgefleet/edgefleet/pkg/model"
)

// AcceleratorProvider supplies optional accelerator telemetry. Nil metrics
// with nil error means "no accelerator present".
type AcceleratorProvider interface {
	AcceleratorMetrics(ctx context.Context) (*model.AcceleratorMetrics, error)
}

// Sampler collects point-in-time SystemMetrics from the host and retains
// the most recent windowSize samples.
type Sampler struct {
	diskPath string
	accel    AcceleratorProvider

	mu      sync.Mutex
	window  []model.SystemMetrics
	maxSize int
}

// NewSampler creates a Sampler. diskPath is the mount point measured for
// disk usage (normally "/"). accel may be nil.
func NewSampler(diskPath string, windowSize int, accel AcceleratorProvider) *Sampler {
	if diskPath == "" {
		diskPath = "/"
	}
	if windowSize < 1 {
		windowSize = 100
	}
	return &Sampler{
		diskPath: diskPath,
		maxSize:  windowSize,
		accel:    accel,
	}
}

// Sample collects one SystemMetrics snapshot and appends it to the window.
func (s *Sampler) Sample(ctx context.Context) model.SystemMetrics {
	m := model.SystemMetrics{
		Timestamp:  time.Now().UnixMilli(),
		CPUPercent: cpuPercent(),
	}

	m.MemoryUsedBytes, m.MemoryTotalBytes = memoryUsage()
	m.DiskUsedBytes, m.DiskTotalBytes = diskUsage(s.diskPath)
	m.NetworkRxBytes, m.NetworkTxBytes = networkCounters()

	if s.accel != nil {
		if am, err := s.accel.AcceleratorMetrics(ctx); err == nil && am != nil {
			m.Accelerator = am
		}
	}

	s.mu.Lock()
	s.window = append(s.window, m)
	if len(s.window) > s.maxSize {
		s.window = s.window[len(s.window)-s.maxSize:]
	}
	s.mu.Unlock()

	return m
}

// TrimWindow drops all but the newest keep samples and returns how many
// were dropped. The agent's memory guard calls this under pressure.
func (s *Sampler) TrimWindow(keep int) int {
	if keep < 0 {
		keep = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.window) <= keep {
		return 0
	}
	dropped := len(s.window) - keep
	kept := make([]model.SystemMetrics, keep)
	copy(kept, s.window[dropped:])
	s.window = kept
	return dropped
}

// Window returns a copy of the retained samples, oldest first.
func (s *Sampler) Window() []model.SystemMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.SystemMetrics, len(s.window))
	copy(out, s.window)
	return out
}

// cpuPercent estimates CPU utilization from the 1-minute loadavg normalized
// by core count. Returns 0 when /proc is unavailable.
func cpuPercent() float64 {
	b, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0
	}
	return parseLoadAvg(b, runtime.NumCPU())
}

func parseLoadAvg(b []byte, cpus int) float64 {
	parts := strings.Fields(string(b))
	if len(parts) == 0 {
		return 0
	}
	v, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return 0
	}
	if cpus <= 0 {
		cpus = 1
	}
	pct := (v / float64(cpus)) * 100.0
	return clampPercent(pct)
}

// memoryUsage reads /proc/meminfo and returns (used, total) in bytes.
func memoryUsage() (used, total int64) {
	b, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return 0, 0
	}
	return parseMemInfo(b)
}

func parseMemInfo(b []byte) (used, total int64) {
	var totalKB, availKB int64
	for _, line := range strings.Split(string(b), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			totalKB, _ = strconv.ParseInt(fields[1], 10, 64)
		case "MemAvailable:":
			availKB, _ = strconv.ParseInt(fields[1], 10, 64)
		}
	}
	if totalKB <= 0 {
		return 0, 0
	}
	total = totalKB * 1024
	used = (totalKB - availKB) * 1024
	if used < 0 {
		used = 0
	}
	return used, total
}

// diskUsage reports (used, total) bytes for the filesystem at path.
func diskUsage(path string) (used, total int64) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, 0
	}
	total = int64(st.Blocks) * st.Bsize
	free := int64(st.Bavail) * st.Bsize
	used = total - free
	if used < 0 {
		used = 0
	}
	return used, total
}

// networkCounters sums rx/tx byte counters over all non-loopback interfaces
// from /proc/net/dev.
func networkCounters() (rx, tx int64) {
	b, err := os.ReadFile("/proc/net/dev")
	if err != nil {
		return 0, 0
	}
	return parseNetDev(b)
}

func parseNetDev(b []byte) (rx, tx int64) {
	for _, line := range strings.Split(string(b), "\n") {
		idx := strings.Index(line, ":")
		if idx < 0 {
			continue
		}
		iface := strings.TrimSpace(line[:idx])
		if iface == "lo" {
			continue
		}
		fields := strings.Fields(line[idx+1:])
		// Field 0 is rx bytes, field 8 is tx bytes.
		if len(fields) < 9 {
			continue
		}
		if v, err := strconv.ParseInt(fields[0], 10, 64); err == nil {
			rx += v
		}
		if v, err := strconv.ParseInt(fields[8], 10, 64); err == nil {
			tx += v
		}
	}
	return rx, tx
}

func clampPercent(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
