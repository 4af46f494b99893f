package agent

import (
	"context"
	"math"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgefleet/edgefleet/internal/channel"
)

// newTestGuard wires a guard against a fixed limit and fixed mem stats so
// tests never touch the process GOMEMLIMIT.
func newTestGuard(relief func(), limit int64, sys, released uint64) *MemoryGuard {
	g := NewMemoryGuard(0.8, 5*time.Millisecond, relief, nil)
	g.readLimit = func() int64 { return limit }
	g.readStats = func(m *runtime.MemStats) {
		m.Sys = sys
		m.HeapReleased = released
	}
	return g
}

func TestMemoryGuard_FiresReliefAboveThreshold(t *testing.T) {
	var calls atomic.Int32
	g := newTestGuard(func() { calls.Add(1) }, 1000, 900, 0)

	g.Start()
	time.Sleep(50 * time.Millisecond)
	g.Stop()

	assert.Greater(t, calls.Load(), int32(0), "usage at 90% of the limit must trigger relief")
}

func TestMemoryGuard_IdleBelowThreshold(t *testing.T) {
	var calls atomic.Int32
	g := newTestGuard(func() { calls.Add(1) }, 1000, 500, 0)

	g.Start()
	time.Sleep(50 * time.Millisecond)
	g.Stop()

	assert.Equal(t, int32(0), calls.Load())
}

func TestMemoryGuard_ReleasedHeapDoesNotCount(t *testing.T) {
	// Sys 1200 with 500 already returned to the OS is 70% of the limit.
	var calls atomic.Int32
	g := newTestGuard(func() { calls.Add(1) }, 1000, 1200, 500)

	g.Start()
	time.Sleep(50 * time.Millisecond)
	g.Stop()

	assert.Equal(t, int32(0), calls.Load())
}

func TestMemoryGuard_NoLimitNoRelief(t *testing.T) {
	var calls atomic.Int32
	g := newTestGuard(func() { calls.Add(1) }, math.MaxInt64, 1<<40, 0)

	g.Start()
	time.Sleep(50 * time.Millisecond)
	g.Stop()

	assert.Equal(t, int32(0), calls.Load())
}

func TestMemoryGuard_StopEndsPolling(t *testing.T) {
	var calls atomic.Int32
	g := newTestGuard(func() { calls.Add(1) }, 1000, 900, 0)

	g.Start()
	time.Sleep(30 * time.Millisecond)
	g.Stop()
	time.Sleep(20 * time.Millisecond)
	settled := calls.Load()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, settled, calls.Load(), "no relief after stop")

	require.NotPanics(t, func() { g.Stop() })
}

func TestAgent_RelieveMemoryPressureTrimsTelemetryWindow(t *testing.T) {
	codec, err := channel.NewCodec(0)
	require.NoError(t, err)
	a := newTestAgent(t, channel.NewPipeDialer(codec))

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		a.sampler.Sample(ctx)
	}
	require.Len(t, a.sampler.Window(), 4)

	a.RelieveMemoryPressure()
	assert.Len(t, a.sampler.Window(), 1, "relief keeps only the newest sample")
}
