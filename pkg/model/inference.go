package model

import "encoding/json"

// Location names where an inference request executes.
type Location string

const (
	LocationEdge  Location = "edge"
	LocationCloud Location = "cloud"
	LocationAuto  Location = "auto"
)

// Priority orders inference requests when a device queues them.
type Priority int

const (
	PriorityLow    Priority = 0
	PriorityNormal Priority = 1
	PriorityHigh   Priority = 2
)

// InferenceRequest is an ephemeral routed request, correlated to its result
// by RequestID.
type InferenceRequest struct {
	RequestID         string          `json:"request_id"`
	ModelName         string          `json:"model_name"`
	ModelVersion      string          `json:"model_version"`
	Input             json.RawMessage `json:"input"`
	PreferredLocation Location        `json:"preferred_location"`
	Priority          Priority        `json:"priority"`
	MaxLatencyMS      *float64        `json:"max_latency_ms,omitempty"`
	FallbackEnabled   bool            `json:"fallback_enabled"`
	CreatedAt         int64           `json:"created_at"`
}

// InferenceResult is the outcome of one routed request. Location always
// reflects where execution actually happened, even when it differs from the
// caller's preference. A failed request carries ErrorMessage and nil Output.
type InferenceResult struct {
	RequestID    string          `json:"request_id"`
	ModelName    string          `json:"model_name"`
	Location     Location        `json:"location"`
	DeviceID     string          `json:"device_id,omitempty"`
	Output       json.RawMessage `json:"output,omitempty"`
	LatencyMS    float64         `json:"latency_ms"`
	FallbackUsed bool            `json:"fallback_used"`
	ErrorMessage string          `json:"error_message,omitempty"`
	Timestamp    int64           `json:"timestamp"`
}

// Failed reports whether the request produced no usable output.
func (r *InferenceResult) Failed() bool {
	return r.ErrorMessage != ""
}

// InferenceStats summarizes routed requests over a time window.
type InferenceStats struct {
	TotalRequests   int     `json:"total_requests"`
	EdgeRequests    int     `json:"edge_requests"`
	CloudRequests   int     `json:"cloud_requests"`
	EdgePercent     float64 `json:"edge_percent"`
	AvgEdgeLatency  float64 `json:"avg_edge_latency_ms"`
	AvgCloudLatency float64 `json:"avg_cloud_latency_ms"`
	FallbackCount   int     `json:"fallback_count"`
	ErrorCount      int     `json:"error_count"`
	WindowHours     float64 `json:"window_hours"`
	ModelName       string  `json:"model_name,omitempty"`
}
