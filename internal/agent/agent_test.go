package agent

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgefleet/edgefleet/internal/channel"
	"github.com/edgefleet/edgefleet/internal/config"
	"github.com/edgefleet/edgefleet/internal/errors"
	"github.com/edgefleet/edgefleet/internal/observability"
	"github.com/edgefleet/edgefleet/internal/telemetry"
	"github.com/edgefleet/edgefleet/pkg/model"
)

func testConfig() config.Config {
	return config.Config{
		DeviceID:             "dev-test",
		FleetID:              "default",
		SoftwareVersion:      "1.0.0-test",
		HeartbeatInterval:    20 * time.Millisecond,
		ReconnectBaseDelay:   5 * time.Millisecond,
		MaxReconnectAttempts: 3,
	}
}

func newTestAgent(t *testing.T, dialer channel.Dialer) *Agent {
	t.Helper()
	cfg := testConfig()
	sampler := telemetry.NewSampler(t.TempDir(), 10, nil)
	return NewAgent(cfg,
		model.DeviceInfo{DeviceID: cfg.DeviceID, DeviceType: model.DeviceTypeServer},
		dialer, sampler,
		errors.NewErrorCollector(errors.RealClock{}),
		observability.NewMetrics(), nil)
}

// recvType reads envelopes until one of the wanted type arrives.
func recvType(t *testing.T, ctx context.Context, conn channel.Conn, typ model.MessageType) model.Envelope {
	t.Helper()
	for {
		env, err := conn.Receive(ctx)
		require.NoError(t, err, "waiting for %s envelope", typ)
		if env.Type == typ {
			return env
		}
	}
}

// sendCommand issues a command and waits for its correlated response,
// skipping heartbeats and status updates.
func sendCommand(t *testing.T, ctx context.Context, conn channel.Conn, command, requestID string, payload any) model.CommandResponse {
	t.Helper()
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		require.NoError(t, err)
		raw = b
	}
	require.NoError(t, conn.Send(ctx, model.Envelope{
		Type:    model.MessageCommand,
		Command: &model.CommandRequest{Command: command, RequestID: requestID, Payload: raw},
	}))
	for {
		env := recvType(t, ctx, conn, model.MessageResponse)
		if env.Response.RequestID == requestID {
			return *env.Response
		}
	}
}

// startAgent runs the agent and returns the accepted control-plane conn
// after consuming the register envelope.
func startAgent(t *testing.T, ctx context.Context) (*Agent, channel.Conn, chan error) {
	t.Helper()
	codec, err := channel.NewCodec(0)
	require.NoError(t, err)
	dialer := channel.NewPipeDialer(codec)

	a := newTestAgent(t, dialer)
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	id, plane, err := dialer.Listener().Accept(ctx)
	require.NoError(t, err)
	require.Equal(t, "dev-test", id)

	env := recvType(t, ctx, plane, model.MessageRegister)
	require.Equal(t, "dev-test", env.Register.DeviceID)
	return a, plane, done
}

func TestAgent_RegistersAndHeartbeats(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a, plane, done := startAgent(t, ctx)

	env := recvType(t, ctx, plane, model.MessageHeartbeat)
	hb := env.Heartbeat
	require.NotNil(t, hb)
	assert.Equal(t, "dev-test", hb.DeviceID)
	assert.Equal(t, "1.0.0-test", hb.SoftwareVersion)
	assert.Equal(t, string(StateRunning), hb.Status)
	require.NotNil(t, hb.Capabilities, "heartbeats carry the capability snapshot")
	assert.True(t, hb.Capabilities.Available)

	a.Stop()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("agent did not stop")
	}
	assert.Equal(t, StateShuttingDown, a.State())
}

func TestAgent_HealthCheckCommand(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a, plane, _ := startAgent(t, ctx)
	defer a.Stop()

	resp := sendCommand(t, ctx, plane, model.CommandHealthCheck, "req-1", nil)
	require.True(t, resp.Success, "error: %s", resp.Error)
	assert.Equal(t, model.CommandHealthCheck, resp.Command)

	var data healthCheckData
	require.NoError(t, json.Unmarshal(resp.Data, &data))
	assert.Equal(t, string(StateRunning), data.Status)
}

func TestAgent_UnknownCommandGetsFailureResponse(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a, plane, _ := startAgent(t, ctx)
	defer a.Stop()

	resp := sendCommand(t, ctx, plane, "definitely_not_a_command", "req-2", nil)
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "unknown command")
}

func TestAgent_ModelLifecycleAndInference(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a, plane, _ := startAgent(t, ctx)
	defer a.Stop()

	// Inference against a model that is not loaded fails.
	resp := sendCommand(t, ctx, plane, model.CommandRunInference, "req-3", model.RunInferencePayload{
		RequestID: "inf-1", ModelName: "yolo-v8", Input: json.RawMessage(`{"frame":1}`),
	})
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "not loaded")

	resp = sendCommand(t, ctx, plane, model.CommandLoadModel, "req-4", model.LoadModelPayload{
		ModelName: "yolo-v8", ModelVersion: "8.2",
	})
	require.True(t, resp.Success, "error: %s", resp.Error)

	resp = sendCommand(t, ctx, plane, model.CommandRunInference, "req-5", model.RunInferencePayload{
		RequestID: "inf-2", ModelName: "yolo-v8", Input: json.RawMessage(`{"frame":2}`),
	})
	require.True(t, resp.Success, "error: %s", resp.Error)

	var data model.RunInferenceData
	require.NoError(t, json.Unmarshal(resp.Data, &data))
	assert.Equal(t, "inf-2", data.RequestID)
	assert.JSONEq(t, `{"frame":2}`, string(data.Output))

	resp = sendCommand(t, ctx, plane, model.CommandUnloadModel, "req-6", model.LoadModelPayload{
		ModelName: "yolo-v8",
	})
	require.True(t, resp.Success)
}

func TestAgent_StartDeploymentReportsProgress(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	codec, err := channel.NewCodec(0)
	require.NoError(t, err)
	dialer := channel.NewPipeDialer(codec)
	a := newTestAgent(t, dialer)
	a.SetInstaller(sleepInstaller{stepDelay: time.Millisecond})
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	defer a.Stop()

	_, plane, err := dialer.Listener().Accept(ctx)
	require.NoError(t, err)
	recvType(t, ctx, plane, model.MessageRegister)

	resp := sendCommand(t, ctx, plane, model.CommandStartDeployment, "req-7", model.StartDeploymentPayload{
		JobID: "job-1", PackageID: "pkg-1", Name: "yolo-v8", Version: "8.2",
	})
	require.True(t, resp.Success, "error: %s", resp.Error)

	var statuses []model.JobStatus
	for {
		env := recvType(t, ctx, plane, model.MessageDeploymentStatus)
		su := env.DeploymentStatus
		require.Equal(t, "job-1", su.JobID)
		statuses = append(statuses, su.Status)
		if su.Status.Terminal() {
			assert.Equal(t, model.JobCompleted, su.Status)
			assert.InDelta(t, 100.0, su.ProgressPercent, 0.001)
			break
		}
	}
	assert.Equal(t, model.JobDownloading, statuses[0])
	assert.Contains(t, statuses, model.JobVerifying)
}

func TestAgent_UpdateHeartbeatInterval(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a, plane, _ := startAgent(t, ctx)
	defer a.Stop()

	resp := sendCommand(t, ctx, plane, model.CommandUpdateHeartbeatInterval, "req-8",
		map[string]int{"interval_seconds": 2})
	require.True(t, resp.Success, "error: %s", resp.Error)
	assert.Equal(t, int64(2000), a.heartbeatMS.Load())

	resp = sendCommand(t, ctx, plane, model.CommandUpdateHeartbeatInterval, "req-9",
		map[string]int{"interval_seconds": 0})
	assert.False(t, resp.Success)
}

func TestAgent_ReconnectsAfterConnectionLoss(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	codec, err := channel.NewCodec(0)
	require.NoError(t, err)
	dialer := channel.NewPipeDialer(codec)
	listener := dialer.Listener()

	a := newTestAgent(t, dialer)
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	defer a.Stop()

	_, plane, err := listener.Accept(ctx)
	require.NoError(t, err)
	recvType(t, ctx, plane, model.MessageRegister)

	// Drop the control-plane end; the agent must dial again and re-register.
	plane.Close()

	_, plane2, err := listener.Accept(ctx)
	require.NoError(t, err)
	env := recvType(t, ctx, plane2, model.MessageRegister)
	assert.Equal(t, "dev-test", env.Register.DeviceID)
}

// failingDialer counts attempts and always fails.
type failingDialer struct {
	attempts atomic.Int32
}

func (d *failingDialer) Dial(_ context.Context, _ string) (channel.Conn, error) {
	d.attempts.Add(1)
	return nil, assert.AnError
}

func TestAgent_ReconnectBudgetIsBounded(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	dialer := &failingDialer{}
	a := newTestAgent(t, dialer)

	err := a.Run(ctx)
	require.Error(t, err)

	var ferr *errors.FleetError
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, errors.ErrConnectionFailed, ferr.Code)
	assert.Equal(t, int32(3), dialer.attempts.Load(), "attempts must stop at the configured max")
	assert.Equal(t, StateError, a.State())
}

// rejectConn accepts the dial but fails every send, so registration can
// never complete.
type rejectConn struct{}

func (rejectConn) Send(context.Context, model.Envelope) error { return assert.AnError }
func (rejectConn) Receive(ctx context.Context) (model.Envelope, error) {
	<-ctx.Done()
	return model.Envelope{}, ctx.Err()
}
func (rejectConn) Close() error { return nil }

type rejectingDialer struct {
	attempts atomic.Int32
}

func (d *rejectingDialer) Dial(_ context.Context, _ string) (channel.Conn, error) {
	d.attempts.Add(1)
	return rejectConn{}, nil
}

func TestAgent_RegistrationFailureCountsTowardBudget(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	dialer := &rejectingDialer{}
	a := newTestAgent(t, dialer)

	err := a.Run(ctx)
	require.Error(t, err)

	var ferr *errors.FleetError
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, errors.ErrConnectionFailed, ferr.Code)
	assert.Equal(t, int32(3), dialer.attempts.Load(),
		"a broker that accepts dials but rejects registration must exhaust the budget")
	assert.Equal(t, StateError, a.State())
}

// dropConn registers fine and then immediately reports the connection
// closed, simulating a broker that accepts sessions and drops them.
type dropConn struct{}

func (dropConn) Send(context.Context, model.Envelope) error { return nil }
func (dropConn) Receive(context.Context) (model.Envelope, error) {
	return model.Envelope{}, channel.ErrClosed
}
func (dropConn) Close() error { return nil }

type droppingDialer struct {
	attempts atomic.Int32
}

func (d *droppingDialer) Dial(_ context.Context, _ string) (channel.Conn, error) {
	d.attempts.Add(1)
	return dropConn{}, nil
}

func TestAgent_ConnectionLossIsPacedByBackoff(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cfg := testConfig()
	cfg.ReconnectBaseDelay = 20 * time.Millisecond
	cfg.MaxReconnectAttempts = 100
	dialer := &droppingDialer{}
	sampler := telemetry.NewSampler(t.TempDir(), 10, nil)
	a := NewAgent(cfg,
		model.DeviceInfo{DeviceID: cfg.DeviceID, DeviceType: model.DeviceTypeServer},
		dialer, sampler,
		errors.NewErrorCollector(errors.RealClock{}),
		observability.NewMetrics(), nil)

	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(150 * time.Millisecond)
	a.Stop()
	require.NoError(t, <-done)

	// Each session registers, loses the connection, and waits one base
	// delay before the next dial, so the window admits only a handful of
	// attempts rather than a hot loop.
	n := dialer.attempts.Load()
	assert.GreaterOrEqual(t, n, int32(2), "agent must keep redialing after connection loss")
	assert.LessOrEqual(t, n, int32(12), "redials must be paced by the backoff delay")
}
