package router

import (
	"sync"
	"time"

	"github.com/edgefleet/edgefleet/pkg/model"
)

// history is a bounded ring of recent inference results. When full, the
// oldest entry is overwritten.
type history struct {
	mu    sync.Mutex
	ring  []model.InferenceResult
	next  int
	count int
}

func newHistory(limit int) *history {
	if limit < 1 {
		limit = 10000
	}
	return &history{ring: make([]model.InferenceResult, limit)}
}

func (h *history) append(r model.InferenceResult) {
	h.mu.Lock()
	h.ring[h.next] = r
	h.next = (h.next + 1) % len(h.ring)
	if h.count < len(h.ring) {
		h.count++
	}
	h.mu.Unlock()
}

// snapshot returns retained results, oldest first.
func (h *history) snapshot() []model.InferenceResult {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]model.InferenceResult, 0, h.count)
	start := h.next - h.count
	if start < 0 {
		start += len(h.ring)
	}
	for i := 0; i < h.count; i++ {
		out = append(out, h.ring[(start+i)%len(h.ring)])
	}
	return out
}

// Stats summarizes routed requests over the trailing window. modelName ""
// covers all models.
func (r *Router) Stats(modelName string, window time.Duration) model.InferenceStats {
	cutoff := r.clock.Now().Add(-window).UnixMilli()
	stats := model.InferenceStats{
		ModelName:   modelName,
		WindowHours: window.Hours(),
	}

	var edgeLatencySum, cloudLatencySum float64
	for _, res := range r.history.snapshot() {
		if res.Timestamp < cutoff {
			continue
		}
		if modelName != "" && res.ModelName != modelName {
			continue
		}
		stats.TotalRequests++
		if res.FallbackUsed {
			stats.FallbackCount++
		}
		if res.Failed() {
			stats.ErrorCount++
			continue
		}
		switch res.Location {
		case model.LocationEdge:
			stats.EdgeRequests++
			edgeLatencySum += res.LatencyMS
		case model.LocationCloud:
			stats.CloudRequests++
			cloudLatencySum += res.LatencyMS
		}
	}

	if stats.EdgeRequests > 0 {
		stats.AvgEdgeLatency = edgeLatencySum / float64(stats.EdgeRequests)
	}
	if stats.CloudRequests > 0 {
		stats.AvgCloudLatency = cloudLatencySum / float64(stats.CloudRequests)
	}
	if executed := stats.EdgeRequests + stats.CloudRequests; executed > 0 {
		stats.EdgePercent = float64(stats.EdgeRequests) / float64(executed) * 100.0
	}
	return stats
}
