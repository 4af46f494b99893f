package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for fleet self-monitoring.
// It uses a custom registry to avoid polluting the global default.
type Metrics struct {
	Registry *prometheus.Registry

	// Agent metrics
	AgentState      *prometheus.GaugeVec
	Reconnects      prometheus.Counter
	HeartbeatsSent  *prometheus.CounterVec
	CommandsHandled *prometheus.CounterVec
	CommandDuration *prometheus.HistogramVec

	// Channel metrics
	PayloadBytes     *prometheus.HistogramVec
	CompressionRatio prometheus.Gauge

	// Gateway metrics
	ConnectedDevices prometheus.Gauge
	PendingCommands  prometheus.Gauge
	CommandTimeouts  prometheus.Counter

	// Deployment metrics
	JobTransitions *prometheus.CounterVec
	ActiveJobs     prometheus.Gauge
	GroupRollouts  *prometheus.CounterVec

	// Inference metrics
	InferenceRequests  *prometheus.CounterVec
	InferenceLatency   *prometheus.HistogramVec
	InferenceFallbacks prometheus.Counter
}

// NewMetrics creates a new Metrics instance with all Prometheus metrics
// registered on a custom registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	sizeBuckets := prometheus.ExponentialBuckets(256, 4, 10)

	m := &Metrics{
		Registry: reg,

		AgentState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "edgefleet_agent_state",
			Help: "Current agent state (1 = active, 0 = inactive).",
		}, []string{"state"}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "edgefleet_agent_reconnects_total",
			Help: "Total number of control-channel reconnection attempts.",
		}),
		HeartbeatsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edgefleet_agent_heartbeats_total",
			Help: "Total number of heartbeat send attempts.",
		}, []string{"status"}),
		CommandsHandled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edgefleet_agent_commands_total",
			Help: "Total number of commands dispatched on the agent.",
		}, []string{"command", "status"}),
		CommandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "edgefleet_agent_command_duration_seconds",
			Help:    "Duration of command handler execution in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"command"}),

		PayloadBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "edgefleet_channel_payload_bytes",
			Help:    "Size of control-channel payloads in bytes.",
			Buckets: sizeBuckets,
		}, []string{"type"}),
		CompressionRatio: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "edgefleet_channel_compression_ratio",
			Help: "Current payload compression ratio (compressed/original).",
		}),

		ConnectedDevices: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "edgefleet_gateway_connected_devices",
			Help: "Number of devices with a live control-channel connection.",
		}),
		PendingCommands: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "edgefleet_gateway_pending_commands",
			Help: "Number of commands awaiting a correlated response.",
		}),
		CommandTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "edgefleet_gateway_command_timeouts_total",
			Help: "Total number of commands that never received a response.",
		}),

		JobTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edgefleet_deployment_transitions_total",
			Help: "Total number of deployment job status transitions.",
		}, []string{"status"}),
		ActiveJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "edgefleet_deployment_active_jobs",
			Help: "Number of deployment jobs in a non-terminal state.",
		}),
		GroupRollouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edgefleet_deployment_group_rollouts_total",
			Help: "Total number of group rollouts by strategy.",
		}, []string{"strategy"}),

		InferenceRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edgefleet_inference_requests_total",
			Help: "Total number of routed inference requests.",
		}, []string{"location", "status"}),
		InferenceLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "edgefleet_inference_latency_seconds",
			Help:    "End-to-end inference latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"location"}),
		InferenceFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "edgefleet_inference_fallbacks_total",
			Help: "Total number of inference fallback attempts.",
		}),
	}

	// Register all metrics with the custom registry.
	reg.MustRegister(
		m.AgentState,
		m.Reconnects,
		m.HeartbeatsSent,
		m.CommandsHandled,
		m.CommandDuration,
		m.PayloadBytes,
		m.CompressionRatio,
		m.ConnectedDevices,
		m.PendingCommands,
		m.CommandTimeouts,
		m.JobTransitions,
		m.ActiveJobs,
		m.GroupRollouts,
		m.InferenceRequests,
		m.InferenceLatency,
		m.InferenceFallbacks,
	)

	return m
}

// ObservePayload records one encoded control-channel frame. Matches the
// channel codec's observer signature.
func (m *Metrics) ObservePayload(bodyBytes, frameBytes int, compressed bool) {
	kind := "json"
	if compressed {
		kind = "zstd"
	}
	m.PayloadBytes.WithLabelValues(kind).Observe(float64(frameBytes))
	if compressed && bodyBytes > 0 {
		m.CompressionRatio.Set(float64(frameBytes) / float64(bodyBytes))
	}
}

// SetAgentState sets the state gauge so exactly one state reads 1.
func (m *Metrics) SetAgentState(current string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == current {
			v = 1.0
		}
		m.AgentState.WithLabelValues(s).Set(v)
	}
}
