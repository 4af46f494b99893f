package router

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgefleet/edgefleet/internal/observability"
	"github.com/edgefleet/edgefleet/pkg/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type mockClock struct {
	mu  sync.Mutex
	now time.Time
}

func newMockClock() *mockClock {
	return &mockClock{now: time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)}
}

func (c *mockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *mockClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestHistory_Bounded(t *testing.T) {
	h := newHistory(3)
	for i := 0; i < 5; i++ {
		h.append(model.InferenceResult{RequestID: fmt.Sprintf("req-%d", i)})
	}

	snap := h.snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, "req-2", snap[0].RequestID)
	assert.Equal(t, "req-4", snap[2].RequestID)
}

func TestHistory_SnapshotBeforeFull(t *testing.T) {
	h := newHistory(10)
	h.append(model.InferenceResult{RequestID: "req-0"})
	h.append(model.InferenceResult{RequestID: "req-1"})

	snap := h.snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "req-0", snap[0].RequestID)
}

func TestRouter_Stats(t *testing.T) {
	clock := newMockClock()
	edge := &fakeEdge{}
	cloud := &fakeCloud{}
	r := New(&staticCaps{caps: []model.EdgeCapabilities{device("dev-1", 0.1, "resnet")}},
		edge, cloud, DefaultPolicy(), 100, observability.NewMetrics(), clock, testLogger())

	for i := 0; i < 3; i++ {
		r.Infer(context.Background(), InferSpec{ModelName: "resnet", PreferredLocation: model.LocationEdge})
	}
	r.Infer(context.Background(), InferSpec{ModelName: "resnet", PreferredLocation: model.LocationCloud})
	r.Infer(context.Background(), InferSpec{ModelName: "bert", PreferredLocation: model.LocationEdge}) // fails, no device

	stats := r.Stats("", time.Hour)
	assert.Equal(t, 5, stats.TotalRequests)
	assert.Equal(t, 3, stats.EdgeRequests)
	assert.Equal(t, 1, stats.CloudRequests)
	assert.Equal(t, 1, stats.ErrorCount)
	assert.InDelta(t, 75.0, stats.EdgePercent, 0.01)

	resnet := r.Stats("resnet", time.Hour)
	assert.Equal(t, 4, resnet.TotalRequests)
	assert.Equal(t, 0, resnet.ErrorCount)

	// Results age out of the window.
	clock.Advance(2 * time.Hour)
	aged := r.Stats("", time.Hour)
	assert.Equal(t, 0, aged.TotalRequests)
}

func TestRouter_StatsCountsFallbacks(t *testing.T) {
	clock := newMockClock()
	edge := &fakeEdge{err: fmt.Errorf("device choked")}
	cloud := &fakeCloud{}
	r := New(&staticCaps{caps: []model.EdgeCapabilities{device("dev-1", 0.1, "resnet")}},
		edge, cloud, DefaultPolicy(), 100, observability.NewMetrics(), clock, testLogger())

	r.Infer(context.Background(), InferSpec{
		ModelName:         "resnet",
		PreferredLocation: model.LocationEdge,
		FallbackEnabled:   true,
	})

	stats := r.Stats("resnet", time.Hour)
	assert.Equal(t, 1, stats.TotalRequests)
	assert.Equal(t, 1, stats.FallbackCount)
	assert.Equal(t, 1, stats.CloudRequests)
	assert.Equal(t, 0, stats.EdgeRequests)
}
