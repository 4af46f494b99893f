package model

import "encoding/json"

// MessageType discriminates control-channel envelopes.
type MessageType string

const (
	// Device -> control plane.
	MessageRegister         MessageType = "register"
	MessageHeartbeat        MessageType = "heartbeat"
	MessageResponse         MessageType = "response"
	MessageDeploymentStatus MessageType = "deployment_status"

	// Control plane -> device.
	MessageCommand MessageType = "command"
)

// Command names dispatched to the edge agent's handler table.
const (
	CommandHealthCheck             = "health_check"
	CommandStartDeployment         = "start_deployment"
	CommandRollbackDeployment      = "rollback_deployment"
	CommandEstablishTunnel         = "establish_tunnel"
	CommandCloseTunnel             = "close_tunnel"
	CommandRunInference            = "run_inference"
	CommandLoadModel               = "load_model"
	CommandUnloadModel             = "unload_model"
	CommandUpdateConfig            = "update_config"
	CommandUpdateHeartbeatInterval = "update_heartbeat_interval"
	CommandReboot                  = "reboot"
)

// Envelope is the single framing type carried over a control-channel
// connection in both directions. Type selects which body field is set.
type Envelope struct {
	Type MessageType `json:"type"`

	Register         *RegisterMessage         `json:"register,omitempty"`
	Heartbeat        *HeartbeatMessage        `json:"heartbeat,omitempty"`
	Response         *CommandResponse         `json:"response,omitempty"`
	DeploymentStatus *DeploymentStatusUpdate  `json:"deployment_status,omitempty"`
	Command          *CommandRequest          `json:"command,omitempty"`
}

// RegisterMessage announces a device and its immutable descriptor right
// after a connection is established.
type RegisterMessage struct {
	DeviceID   string     `json:"device_id"`
	DeviceInfo DeviceInfo `json:"device_info"`
}

// HeartbeatMessage is the periodic liveness-and-telemetry report.
type HeartbeatMessage struct {
	DeviceID        string        `json:"device_id"`
	Timestamp       int64         `json:"timestamp"`
	Status          string        `json:"status"`
	Metrics         SystemMetrics `json:"metrics"`
	ActiveJobs      []string      `json:"active_jobs"`
	SoftwareVersion string        `json:"software_version"`
	UptimeSeconds   int64         `json:"uptime_seconds"`

	// Optional capability snapshot piggybacked on the heartbeat; replaces
	// the routing table entry wholesale when present.
	Capabilities *EdgeCapabilities `json:"capabilities,omitempty"`
}

// CommandRequest is a control-plane instruction. The payload always carries
// a request id used to correlate the eventual response.
type CommandRequest struct {
	Command   string          `json:"command"`
	RequestID string          `json:"request_id"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// CommandResponse is the device's answer to a CommandRequest, correlated by
// RequestID. Exactly one of Data and Error carries content.
type CommandResponse struct {
	Command   string          `json:"command"`
	RequestID string          `json:"request_id"`
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// DeploymentStatusUpdate reports device-side deployment progress. This is
// the asynchronous half of the deployment protocol: start_deployment and
// rollback_deployment are acknowledged immediately, actual progress arrives
// through these updates.
type DeploymentStatusUpdate struct {
	DeviceID        string    `json:"device_id"`
	JobID           string    `json:"job_id"`
	Status          JobStatus `json:"status"`
	ProgressPercent float64   `json:"progress_percent"`
	ErrorMessage    string    `json:"error_message,omitempty"`
}

// Payload types for individual commands.

// StartDeploymentPayload asks the device to install a package locally.
type StartDeploymentPayload struct {
	JobID     string            `json:"job_id"`
	PackageID string            `json:"package_id"`
	Name      string            `json:"name"`
	Version   string            `json:"version"`
	Type      PackageType       `json:"type"`
	Source    string            `json:"source"`
	Checksum  string            `json:"checksum"`
	SizeBytes int64             `json:"size_bytes"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// RollbackDeploymentPayload asks the device to revert a completed job.
type RollbackDeploymentPayload struct {
	JobID string `json:"job_id"`
}

// RunInferencePayload executes a locally loaded model on the device.
type RunInferencePayload struct {
	RequestID    string          `json:"request_id"`
	ModelName    string          `json:"model_name"`
	ModelVersion string          `json:"model_version"`
	Input        json.RawMessage `json:"input"`
	Priority     Priority        `json:"priority"`
}

// RunInferenceData is the success payload of a run_inference response.
type RunInferenceData struct {
	RequestID string          `json:"request_id"`
	Output    json.RawMessage `json:"output"`
	LatencyMS float64         `json:"latency_ms"`
}

// LoadModelPayload mutates the device's local model table.
type LoadModelPayload struct {
	ModelName    string `json:"model_name"`
	ModelVersion string `json:"model_version"`
	Source       string `json:"source,omitempty"`
}

// UpdateConfigPayload mutates local agent timing parameters; changes take
// effect on the next loop iteration.
type UpdateConfigPayload struct {
	HeartbeatIntervalSeconds *int `json:"heartbeat_interval_seconds,omitempty"`
}

// RebootPayload schedules a delayed OS-level restart.
type RebootPayload struct {
	DelaySeconds int `json:"delay_seconds"`
}

// TunnelPayload is opaque to the fleet core; it is passed through to the
// device's tunnel integration untouched.
type TunnelPayload struct {
	TunnelID string          `json:"tunnel_id"`
	Config   json.RawMessage `json:"config,omitempty"`
}
