package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/edgefleet/edgefleet/internal/errors"
	"github.com/edgefleet/edgefleet/pkg/model"
)

// handlerFunc executes one command. The returned value is marshaled into the
// response's data field; a non-nil error produces a failure response.
type handlerFunc func(ctx context.Context, payload json.RawMessage) (any, error)

func (a *Agent) handlerTable() map[string]handlerFunc {
	return map[string]handlerFunc{
		model.CommandHealthCheck:             a.handleHealthCheck,
		model.CommandStartDeployment:         a.handleStartDeployment,
		model.CommandRollbackDeployment:      a.handleRollbackDeployment,
		model.CommandEstablishTunnel:         a.handleEstablishTunnel,
		model.CommandCloseTunnel:             a.handleCloseTunnel,
		model.CommandRunInference:            a.handleRunInference,
		model.CommandLoadModel:               a.handleLoadModel,
		model.CommandUnloadModel:             a.handleUnloadModel,
		model.CommandUpdateConfig:            a.handleUpdateConfig,
		model.CommandUpdateHeartbeatInterval: a.handleUpdateHeartbeatInterval,
		model.CommandReboot:                  a.handleReboot,
	}
}

// handleCommand dispatches one command and always sends a correlated
// response, including for unknown command names.
func (a *Agent) handleCommand(ctx context.Context, req model.CommandRequest) {
	start := time.Now()
	resp := model.CommandResponse{Command: req.Command, RequestID: req.RequestID}

	h, known := a.handlers[req.Command]
	switch {
	case !known:
		resp.Error = fmt.Sprintf("unknown command %q", req.Command)
		a.errs.Report(errors.FleetError{
			Code:      errors.ErrUnknownCommand,
			Message:   resp.Error,
			Component: "agent",
			Timestamp: time.Now().UnixMilli(),
		})
		a.metrics.CommandsHandled.WithLabelValues(req.Command, "unknown").Inc()
	default:
		data, err := h(ctx, req.Payload)
		if err != nil {
			resp.Error = err.Error()
			a.metrics.CommandsHandled.WithLabelValues(req.Command, "error").Inc()
		} else {
			resp.Success = true
			if data != nil {
				b, merr := json.Marshal(data)
				if merr != nil {
					resp.Success = false
					resp.Error = fmt.Sprintf("marshaling response: %v", merr)
				} else {
					resp.Data = b
				}
			}
			a.metrics.CommandsHandled.WithLabelValues(req.Command, "ok").Inc()
		}
		a.metrics.CommandDuration.WithLabelValues(req.Command).Observe(time.Since(start).Seconds())
	}

	if err := a.send(ctx, model.Envelope{Type: model.MessageResponse, Response: &resp}); err != nil {
		a.logger.Warn("response send failed",
			"command", req.Command, "request_id", req.RequestID, "error", err)
	}
}

// healthCheckData is the data payload of a health_check response.
type healthCheckData struct {
	Status        string   `json:"status"`
	StateReason   string   `json:"state_reason,omitempty"`
	UptimeSeconds int64    `json:"uptime_seconds"`
	ActiveErrors  []string `json:"active_errors,omitempty"`
	ActiveJobs    []string `json:"active_jobs,omitempty"`
	LoadedModels  []string `json:"loaded_models,omitempty"`
}

func (a *Agent) handleHealthCheck(_ context.Context, _ json.RawMessage) (any, error) {
	return healthCheckData{
		Status:        string(a.sm.State()),
		StateReason:   a.sm.StateReason(),
		UptimeSeconds: int64(time.Since(a.startedAt).Seconds()),
		ActiveErrors:  a.errs.GetActiveErrorCodes(),
		ActiveJobs:    a.runner.ActiveJobs(),
		LoadedModels:  a.local.modelNames(),
	}, nil
}

// handleStartDeployment acknowledges immediately; progress is reported
// asynchronously through deployment_status messages from the runner.
func (a *Agent) handleStartDeployment(_ context.Context, payload json.RawMessage) (any, error) {
	var p model.StartDeploymentPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("invalid start_deployment payload: %w", err)
	}
	if p.JobID == "" {
		return nil, fmt.Errorf("start_deployment: missing job_id")
	}
	if err := a.runner.Start(p); err != nil {
		return nil, err
	}
	return map[string]any{"job_id": p.JobID, "accepted": true}, nil
}

func (a *Agent) handleRollbackDeployment(_ context.Context, payload json.RawMessage) (any, error) {
	var p model.RollbackDeploymentPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("invalid rollback_deployment payload: %w", err)
	}
	if err := a.runner.Rollback(p.JobID); err != nil {
		return nil, err
	}
	return map[string]any{"job_id": p.JobID, "rolled_back": true}, nil
}

// Tunnel commands are opaque acks: the fleet core tracks tunnel ids but
// never inspects the tunnel configuration.
func (a *Agent) handleEstablishTunnel(_ context.Context, payload json.RawMessage) (any, error) {
	var p model.TunnelPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("invalid establish_tunnel payload: %w", err)
	}
	if p.TunnelID == "" {
		return nil, fmt.Errorf("establish_tunnel: missing tunnel_id")
	}
	a.local.openTunnel(p.TunnelID)
	return map[string]any{"tunnel_id": p.TunnelID, "status": "established"}, nil
}

func (a *Agent) handleCloseTunnel(_ context.Context, payload json.RawMessage) (any, error) {
	var p model.TunnelPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("invalid close_tunnel payload: %w", err)
	}
	if !a.local.closeTunnel(p.TunnelID) {
		return nil, fmt.Errorf("close_tunnel: no open tunnel %q", p.TunnelID)
	}
	return map[string]any{"tunnel_id": p.TunnelID, "status": "closed"}, nil
}

func (a *Agent) handleRunInference(ctx context.Context, payload json.RawMessage) (any, error) {
	var p model.RunInferencePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("invalid run_inference payload: %w", err)
	}
	if !a.local.hasModel(p.ModelName) {
		return nil, fmt.Errorf("model %q not loaded", p.ModelName)
	}

	start := time.Now()
	out, err := a.models.Run(ctx, p.ModelName, p.ModelVersion, p.Input)
	if err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}
	return model.RunInferenceData{
		RequestID: p.RequestID,
		Output:    out,
		LatencyMS: float64(time.Since(start).Microseconds()) / 1000.0,
	}, nil
}

func (a *Agent) handleLoadModel(_ context.Context, payload json.RawMessage) (any, error) {
	var p model.LoadModelPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("invalid load_model payload: %w", err)
	}
	if p.ModelName == "" {
		return nil, fmt.Errorf("load_model: missing model_name")
	}
	a.local.loadModel(p.ModelName, p.ModelVersion)
	return map[string]any{"model_name": p.ModelName, "loaded": true}, nil
}

func (a *Agent) handleUnloadModel(_ context.Context, payload json.RawMessage) (any, error) {
	var p model.LoadModelPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("invalid unload_model payload: %w", err)
	}
	if !a.local.unloadModel(p.ModelName) {
		return nil, fmt.Errorf("unload_model: model %q not loaded", p.ModelName)
	}
	return map[string]any{"model_name": p.ModelName, "loaded": false}, nil
}

func (a *Agent) handleUpdateConfig(_ context.Context, payload json.RawMessage) (any, error) {
	var p model.UpdateConfigPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("invalid update_config payload: %w", err)
	}
	applied := map[string]any{}
	if p.HeartbeatIntervalSeconds != nil {
		if err := a.setHeartbeatSeconds(*p.HeartbeatIntervalSeconds); err != nil {
			return nil, err
		}
		applied["heartbeat_interval_seconds"] = *p.HeartbeatIntervalSeconds
	}
	return applied, nil
}

func (a *Agent) handleUpdateHeartbeatInterval(_ context.Context, payload json.RawMessage) (any, error) {
	var p struct {
		IntervalSeconds int `json:"interval_seconds"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("invalid update_heartbeat_interval payload: %w", err)
	}
	if err := a.setHeartbeatSeconds(p.IntervalSeconds); err != nil {
		return nil, err
	}
	return map[string]any{"interval_seconds": p.IntervalSeconds}, nil
}

func (a *Agent) setHeartbeatSeconds(secs int) error {
	if secs < 1 {
		return fmt.Errorf("heartbeat interval must be at least 1s, got %ds", secs)
	}
	a.heartbeatMS.Store(int64(secs) * 1000)
	a.logger.Info("heartbeat interval updated", "interval_seconds", secs)
	return nil
}

// handleReboot acknowledges immediately; the actual restart happens after
// the delay so the response still reaches the control plane.
func (a *Agent) handleReboot(_ context.Context, payload json.RawMessage) (any, error) {
	var p model.RebootPayload
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("invalid reboot payload: %w", err)
		}
	}
	delay := time.Duration(p.DelaySeconds) * time.Second
	if delay <= 0 {
		delay = 5 * time.Second
	}
	a.rebooter.Schedule(delay)
	return map[string]any{"rebooting_in_seconds": int(delay.Seconds())}, nil
}

// localState holds device-local mutable state: the loaded model table and
// open tunnel ids.
type localState struct {
	mu      sync.Mutex
	models  map[string]string // name -> version
	tunnels map[string]struct{}
}

func newLocalState() *localState {
	return &localState{
		models:  make(map[string]string),
		tunnels: make(map[string]struct{}),
	}
}

func (l *localState) loadModel(name, version string) {
	l.mu.Lock()
	l.models[name] = version
	l.mu.Unlock()
}

func (l *localState) unloadModel(name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.models[name]; !ok {
		return false
	}
	delete(l.models, name)
	return true
}

func (l *localState) hasModel(name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.models[name]
	return ok
}

func (l *localState) modelNames() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	names := make([]string, 0, len(l.models))
	for name := range l.models {
		names = append(names, name)
	}
	return names
}

func (l *localState) openTunnel(id string) {
	l.mu.Lock()
	l.tunnels[id] = struct{}{}
	l.mu.Unlock()
}

func (l *localState) closeTunnel(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.tunnels[id]; !ok {
		return false
	}
	delete(l.tunnels, id)
	return true
}

// capabilities builds the snapshot piggybacked on heartbeats. CurrentLoad
// is the normalized CPU load of the latest sample.
func (l *localState) capabilities(deviceID string, cpuPercent float64) *model.EdgeCapabilities {
	l.mu.Lock()
	names := make([]string, 0, len(l.models))
	for name := range l.models {
		names = append(names, name)
	}
	l.mu.Unlock()

	return &model.EdgeCapabilities{
		DeviceID:        deviceID,
		AvailableModels: names,
		MaxBatchSize:    1,
		CurrentLoad:     cpuPercent / 100.0,
		Available:       true,
	}
}

// ModelRunner executes a locally loaded model.
type ModelRunner interface {
	Run(ctx context.Context, modelName, modelVersion string, input json.RawMessage) (json.RawMessage, error)
}

// echoModelRunner is the default runner used when no inference backend is
// wired in; it returns the input unchanged.
type echoModelRunner struct{}

func (echoModelRunner) Run(_ context.Context, _, _ string, input json.RawMessage) (json.RawMessage, error) {
	return input, nil
}

// RebootScheduler integrates with the platform restart mechanism.
type RebootScheduler interface {
	Schedule(delay time.Duration)
}

// logRebootScheduler only logs; real deployments install a platform hook.
type logRebootScheduler struct {
	logger *slog.Logger
}

func (r logRebootScheduler) Schedule(delay time.Duration) {
	r.logger.Warn("reboot requested but no platform scheduler installed", "delay", delay)
}
