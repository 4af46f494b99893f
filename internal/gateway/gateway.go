// Package gateway is the control-plane side of the control channel. It
// accepts device connections, routes inbound messages to the registry and
// the deployment layer, and correlates command responses by request id.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/edgefleet/edgefleet/internal/channel"
	"github.com/edgefleet/edgefleet/internal/errors"
	"github.com/edgefleet/edgefleet/internal/observability"
	"github.com/edgefleet/edgefleet/internal/registry"
	"github.com/edgefleet/edgefleet/pkg/model"
)

// deviceConn is one live device connection with its own write lock, so the
// hub never interleaves frames to the same device.
type deviceConn struct {
	id     string
	conn   channel.Conn
	cancel context.CancelFunc

	sendMu sync.Mutex
}

func (dc *deviceConn) send(ctx context.Context, env model.Envelope) error {
	dc.sendMu.Lock()
	defer dc.sendMu.Unlock()
	return dc.conn.Send(ctx, env)
}

// Hub owns all device connections. At most one connection is live per
// device id; a newer connection supersedes and closes the older one.
type Hub struct {
	listener       channel.Listener
	registry       *registry.FleetRegistry
	metrics        *observability.Metrics
	logger         *slog.Logger
	commandTimeout time.Duration

	running atomic.Bool

	mu                 sync.Mutex
	conns              map[string]*deviceConn
	pending            map[string]chan model.CommandResponse // request_id -> waiter
	onDeploymentStatus func(model.DeploymentStatusUpdate)
}

// NewHub creates a Hub. commandTimeout bounds SendCommand when the caller's
// context carries no earlier deadline.
func NewHub(listener channel.Listener, reg *registry.FleetRegistry, metrics *observability.Metrics, commandTimeout time.Duration, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if commandTimeout <= 0 {
		commandTimeout = 30 * time.Second
	}
	return &Hub{
		listener:       listener,
		registry:       reg,
		metrics:        metrics,
		logger:         logger.With("component", "gateway"),
		commandTimeout: commandTimeout,
		conns:          make(map[string]*deviceConn),
		pending:        make(map[string]chan model.CommandResponse),
	}
}

// SetDeploymentStatusHandler wires the deployment layer. Must be called
// before Run.
func (h *Hub) SetDeploymentStatusHandler(fn func(model.DeploymentStatusUpdate)) {
	h.mu.Lock()
	h.onDeploymentStatus = fn
	h.mu.Unlock()
}

// IsReady reports whether the hub has started accepting connections.
func (h *Hub) IsReady() bool { return h.running.Load() }

// Run accepts device connections until the context ends.
func (h *Hub) Run(ctx context.Context) error {
	h.running.Store(true)
	defer h.running.Store(false)
	for {
		deviceID, conn, err := h.listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("gateway: accept: %w", err)
		}
		h.attach(ctx, deviceID, conn)
	}
}

func (h *Hub) attach(ctx context.Context, deviceID string, conn channel.Conn) {
	readCtx, cancel := context.WithCancel(ctx)
	dc := &deviceConn{id: deviceID, conn: conn, cancel: cancel}

	h.mu.Lock()
	if old, ok := h.conns[deviceID]; ok {
		old.cancel()
		old.conn.Close()
		h.logger.Info("superseding connection", "device_id", deviceID)
	}
	h.conns[deviceID] = dc
	n := len(h.conns)
	h.mu.Unlock()

	h.metrics.ConnectedDevices.Set(float64(n))
	h.logger.Info("device connected", "device_id", deviceID)

	go h.readLoop(readCtx, dc)
}

// detach removes dc if it is still the current connection for its device.
func (h *Hub) detach(dc *deviceConn) {
	h.mu.Lock()
	current := h.conns[dc.id] == dc
	if current {
		delete(h.conns, dc.id)
	}
	n := len(h.conns)
	h.mu.Unlock()

	dc.cancel()
	dc.conn.Close()
	if current {
		h.metrics.ConnectedDevices.Set(float64(n))
		h.registry.MarkOffline(dc.id)
		h.logger.Info("device disconnected", "device_id", dc.id)
	}
}

func (h *Hub) readLoop(ctx context.Context, dc *deviceConn) {
	defer h.detach(dc)
	for {
		env, err := dc.conn.Receive(ctx)
		if err != nil {
			return
		}
		switch env.Type {
		case model.MessageRegister:
			if env.Register != nil {
				h.registry.Register(env.Register.DeviceInfo)
			}
		case model.MessageHeartbeat:
			if env.Heartbeat != nil {
				h.registry.UpdateFromHeartbeat(*env.Heartbeat)
			}
		case model.MessageDeploymentStatus:
			if env.DeploymentStatus != nil {
				h.mu.Lock()
				fn := h.onDeploymentStatus
				h.mu.Unlock()
				if fn != nil {
					fn(*env.DeploymentStatus)
				}
			}
		case model.MessageResponse:
			if env.Response != nil {
				h.resolve(*env.Response)
			}
		default:
			h.logger.Warn("unexpected envelope from device",
				"device_id", dc.id, "type", env.Type)
		}
	}
}

func (h *Hub) resolve(resp model.CommandResponse) {
	h.mu.Lock()
	ch, ok := h.pending[resp.RequestID]
	if ok {
		delete(h.pending, resp.RequestID)
	}
	h.mu.Unlock()
	if !ok {
		// Late response after timeout, or a response nobody asked for.
		h.logger.Debug("uncorrelated response dropped", "request_id", resp.RequestID)
		return
	}
	ch <- resp
	h.metrics.PendingCommands.Dec()
}

// SendCommand sends a command to a device and waits for the correlated
// response. payload may be nil or any JSON-marshalable value.
func (h *Hub) SendCommand(ctx context.Context, deviceID, command string, payload any) (*model.CommandResponse, error) {
	dc, err := h.get(deviceID)
	if err != nil {
		return nil, err
	}

	var raw json.RawMessage
	if payload != nil {
		b, merr := json.Marshal(payload)
		if merr != nil {
			return nil, fmt.Errorf("gateway: marshaling %s payload: %w", command, merr)
		}
		raw = b
	}

	requestID := uuid.New().String()
	waiter := make(chan model.CommandResponse, 1)
	h.mu.Lock()
	h.pending[requestID] = waiter
	h.mu.Unlock()
	h.metrics.PendingCommands.Inc()

	abandon := func() {
		h.mu.Lock()
		_, still := h.pending[requestID]
		delete(h.pending, requestID)
		h.mu.Unlock()
		if still {
			h.metrics.PendingCommands.Dec()
		}
	}

	ctx, cancel := context.WithTimeout(ctx, h.commandTimeout)
	defer cancel()

	env := model.Envelope{
		Type:    model.MessageCommand,
		Command: &model.CommandRequest{Command: command, RequestID: requestID, Payload: raw},
	}
	if err := dc.send(ctx, env); err != nil {
		abandon()
		return nil, &errors.FleetError{
			Code:      errors.ErrChannelSendFailed,
			Message:   fmt.Sprintf("sending %s to %s: %v", command, deviceID, err),
			Component: "gateway",
			Timestamp: time.Now().UnixMilli(),
			Err:       err,
		}
	}

	select {
	case resp := <-waiter:
		return &resp, nil
	case <-ctx.Done():
		abandon()
		h.metrics.CommandTimeouts.Inc()
		return nil, &errors.FleetError{
			Code:      errors.ErrCommandTimeout,
			Message:   fmt.Sprintf("no response to %s from %s", command, deviceID),
			Component: "gateway",
			Timestamp: time.Now().UnixMilli(),
			Err:       ctx.Err(),
		}
	}
}

// Notify sends a command without waiting for the response. The device still
// answers; the uncorrelated response is dropped on arrival.
func (h *Hub) Notify(ctx context.Context, deviceID, command string, payload any) error {
	dc, err := h.get(deviceID)
	if err != nil {
		return err
	}
	var raw json.RawMessage
	if payload != nil {
		b, merr := json.Marshal(payload)
		if merr != nil {
			return fmt.Errorf("gateway: marshaling %s payload: %w", command, merr)
		}
		raw = b
	}
	env := model.Envelope{
		Type:    model.MessageCommand,
		Command: &model.CommandRequest{Command: command, RequestID: uuid.New().String(), Payload: raw},
	}
	return dc.send(ctx, env)
}

// Connected reports whether the device currently holds a live connection.
func (h *Hub) Connected(deviceID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.conns[deviceID]
	return ok
}

func (h *Hub) get(deviceID string) (*deviceConn, error) {
	h.mu.Lock()
	dc, ok := h.conns[deviceID]
	h.mu.Unlock()
	if !ok {
		return nil, &errors.FleetError{
			Code:      errors.ErrDeviceOffline,
			Message:   fmt.Sprintf("device %s has no live connection", deviceID),
			Component: "gateway",
			Timestamp: time.Now().UnixMilli(),
		}
	}
	return dc, nil
}
