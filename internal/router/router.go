// Package router decides where inference requests execute: on a fleet edge
// device or in the cloud. Decisions are deterministic for a fixed fleet
// snapshot; execution failures trigger at most one fallback attempt to the
// alternate location.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/edgefleet/edgefleet/internal/errors"
	"github.com/edgefleet/edgefleet/internal/observability"
	"github.com/edgefleet/edgefleet/pkg/model"
)

// CapabilitySource supplies the current edge capability snapshots in stable
// device-id order. Satisfied by the fleet registry.
type CapabilitySource interface {
	AllCapabilities() []model.EdgeCapabilities
}

// EdgeExecutor runs a request on a specific device.
type EdgeExecutor interface {
	Infer(ctx context.Context, deviceID string, p model.RunInferencePayload) (json.RawMessage, error)
}

// CloudExecutor runs a request against the cloud inference endpoint.
type CloudExecutor interface {
	Infer(ctx context.Context, req model.InferenceRequest) (json.RawMessage, error)
}

// InferSpec is the caller-facing request description; the router assigns
// the request id and timestamps.
type InferSpec struct {
	ModelName         string
	ModelVersion      string
	Input             json.RawMessage
	PreferredLocation model.Location
	Priority          model.Priority
	MaxLatencyMS      *float64
	FallbackEnabled   bool
}

// Router is the hybrid inference router.
type Router struct {
	caps    CapabilitySource
	edge    EdgeExecutor
	cloud   CloudExecutor
	policy  Policy
	metrics *observability.Metrics
	logger  *slog.Logger
	clock   errors.Clock
	history *history
}

// New creates a Router. historyLimit bounds the retained result history;
// clock may be nil for the real clock.
func New(caps CapabilitySource, edge EdgeExecutor, cloud CloudExecutor, policy Policy, historyLimit int, metrics *observability.Metrics, clock errors.Clock, logger *slog.Logger) *Router {
	if clock == nil {
		clock = errors.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		caps:    caps,
		edge:    edge,
		cloud:   cloud,
		policy:  policy,
		metrics: metrics,
		logger:  logger.With("component", "router"),
		clock:   clock,
		history: newHistory(historyLimit),
	}
}

// Infer routes and executes one request. The result is always structured:
// failures carry ErrorMessage and a nil Output, never a bare error.
func (r *Router) Infer(ctx context.Context, spec InferSpec) model.InferenceResult {
	req := model.InferenceRequest{
		RequestID:         uuid.New().String(),
		ModelName:         spec.ModelName,
		ModelVersion:      spec.ModelVersion,
		Input:             spec.Input,
		PreferredLocation: spec.PreferredLocation,
		Priority:          spec.Priority,
		MaxLatencyMS:      spec.MaxLatencyMS,
		FallbackEnabled:   spec.FallbackEnabled,
		CreatedAt:         r.clock.Now().UnixMilli(),
	}

	result := r.route(ctx, req)
	result.Timestamp = r.clock.Now().UnixMilli()

	status := "ok"
	if result.Failed() {
		status = "error"
	}
	r.metrics.InferenceRequests.WithLabelValues(string(result.Location), status).Inc()
	if !result.Failed() {
		r.metrics.InferenceLatency.WithLabelValues(string(result.Location)).
			Observe(result.LatencyMS / 1000.0)
	}

	r.history.append(result)
	return result
}

func (r *Router) route(ctx context.Context, req model.InferenceRequest) model.InferenceResult {
	location, device, routeErr := r.resolve(req)
	if routeErr != nil {
		return model.InferenceResult{
			RequestID:    req.RequestID,
			ModelName:    req.ModelName,
			Location:     req.PreferredLocation,
			ErrorMessage: routeErr.Error(),
		}
	}

	result := r.executeAt(ctx, req, location, device)
	if !result.Failed() || !req.FallbackEnabled {
		return result
	}

	// Exactly one fallback attempt to the alternate location, never
	// chained from a fallback.
	alternate := model.LocationCloud
	if location == model.LocationCloud {
		alternate = model.LocationEdge
	}
	fallbackDevice := ""
	if alternate == model.LocationEdge {
		d, ok := r.selectDevice(req.ModelName)
		if !ok {
			result.ErrorMessage = fmt.Sprintf(
				"%s: %s; no edge device available for fallback",
				errors.ErrFallbackExhausted, result.ErrorMessage)
			return result
		}
		fallbackDevice = d
	}

	r.metrics.InferenceFallbacks.Inc()
	r.logger.Warn("falling back",
		"request_id", req.RequestID, "from", location, "to", alternate,
		"error", result.ErrorMessage)

	fb := r.executeAt(ctx, req, alternate, fallbackDevice)
	fb.FallbackUsed = true
	if fb.Failed() {
		fb.ErrorMessage = fmt.Sprintf("%s: primary %s failed (%s); fallback %s failed (%s)",
			errors.ErrFallbackExhausted, location, result.ErrorMessage, alternate, fb.ErrorMessage)
	}
	return fb
}

// resolve applies the location policy. The returned device id is set only
// for edge execution.
func (r *Router) resolve(req model.InferenceRequest) (model.Location, string, error) {
	switch req.PreferredLocation {
	case model.LocationCloud:
		return model.LocationCloud, "", nil

	case model.LocationEdge:
		if device, ok := r.selectDevice(req.ModelName); ok {
			return model.LocationEdge, device, nil
		}
		if req.FallbackEnabled {
			return model.LocationCloud, "", nil
		}
		return "", "", &errors.FleetError{
			Code:      errors.ErrNoEdgeDevice,
			Message:   fmt.Sprintf("no edge device serves model %q", req.ModelName),
			Component: "router",
			Timestamp: time.Now().UnixMilli(),
		}

	default: // auto
		candidates := r.candidates(req.ModelName)
		if len(candidates) == 0 {
			return model.LocationCloud, "", nil
		}
		// A latency budget under the edge-preference threshold pins the
		// request to edge: a cloud round trip cannot meet it even when
		// the fleet is loaded.
		pinned := req.MaxLatencyMS != nil && *req.MaxLatencyMS < r.policy.LatencyThresholdMS
		if !pinned && meanLoad(candidates) > r.policy.LoadThreshold {
			return model.LocationCloud, "", nil
		}
		device, _ := r.selectDevice(req.ModelName)
		return model.LocationEdge, device, nil
	}
}

// candidates returns available devices advertising the model, in stable
// device-id order.
func (r *Router) candidates(modelName string) []model.EdgeCapabilities {
	var out []model.EdgeCapabilities
	for _, c := range r.caps.AllCapabilities() {
		if c.Available && c.HasModel(modelName) {
			out = append(out, c)
		}
	}
	return out
}

// selectDevice picks the least-loaded candidate. Ties keep the earlier
// device in the stable order, making selection deterministic.
func (r *Router) selectDevice(modelName string) (string, bool) {
	candidates := r.candidates(modelName)
	if len(candidates) == 0 {
		return "", false
	}
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.CurrentLoad < best.CurrentLoad {
			best = c
		}
	}
	return best.DeviceID, true
}

func meanLoad(caps []model.EdgeCapabilities) float64 {
	var sum float64
	for _, c := range caps {
		sum += c.CurrentLoad
	}
	return sum / float64(len(caps))
}

func (r *Router) executeAt(ctx context.Context, req model.InferenceRequest, location model.Location, deviceID string) model.InferenceResult {
	result := model.InferenceResult{
		RequestID: req.RequestID,
		ModelName: req.ModelName,
		Location:  location,
		DeviceID:  deviceID,
	}

	start := time.Now()
	var out json.RawMessage
	var err error
	switch location {
	case model.LocationEdge:
		out, err = r.edge.Infer(ctx, deviceID, model.RunInferencePayload{
			RequestID:    req.RequestID,
			ModelName:    req.ModelName,
			ModelVersion: req.ModelVersion,
			Input:        req.Input,
			Priority:     req.Priority,
		})
	default:
		out, err = r.cloud.Infer(ctx, req)
		result.DeviceID = ""
	}
	result.LatencyMS = float64(time.Since(start).Microseconds()) / 1000.0

	if err != nil {
		result.ErrorMessage = err.Error()
		return result
	}
	result.Output = out
	return result
}
