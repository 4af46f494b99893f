// Package agent implements the device-side edge agent: lifecycle state
// machine, reconnection loop, heartbeat reporting, and command dispatch.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/edgefleet/edgefleet/internal/channel"
	"github.com/edgefleet/edgefleet/internal/config"
	"github.com/edgefleet/edgefleet/internal/errors"
	"github.com/edgefleet/edgefleet/internal/observability"
	"github.com/edgefleet/edgefleet/internal/telemetry"
	"github.com/edgefleet/edgefleet/pkg/model"
)

// Agent is the device-side orchestrator: it owns the control-channel
// connection, the heartbeat loop, and the command handler table.
type Agent struct {
	cfg     config.Config
	info    model.DeviceInfo
	dialer  channel.Dialer
	sampler *telemetry.Sampler
	sm      *StateMachine
	errs    *errors.ErrorCollector
	metrics *observability.Metrics
	logger  *slog.Logger

	local    *localState
	runner   *DeploymentRunner
	models   ModelRunner
	rebooter RebootScheduler

	// Heartbeat interval in milliseconds, mutable at runtime via
	// update_heartbeat_interval. Changes take effect on the next tick.
	heartbeatMS atomic.Int64

	handlers map[string]handlerFunc

	// sendMu serializes every outbound send so heartbeats, command
	// responses, and deployment status updates never interleave.
	sendMu sync.Mutex
	conn   channel.Conn

	mu        sync.Mutex
	cancel    context.CancelFunc
	startedAt time.Time
}

// NewAgent creates an Agent. info is the immutable descriptor sent at
// registration. The model runner and reboot scheduler default to local
// no-op implementations and can be replaced before Run.
func NewAgent(
	cfg config.Config,
	info model.DeviceInfo,
	dialer channel.Dialer,
	sampler *telemetry.Sampler,
	errCollector *errors.ErrorCollector,
	metrics *observability.Metrics,
	logger *slog.Logger,
) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Agent{
		cfg:       cfg,
		info:      info,
		dialer:    dialer,
		sampler:   sampler,
		errs:      errCollector,
		metrics:   metrics,
		logger:    logger.With("component", "agent", "device_id", cfg.DeviceID),
		local:     newLocalState(),
		models:    echoModelRunner{},
		rebooter:  logRebootScheduler{logger: logger},
		startedAt: time.Now(),
	}
	a.sm = NewStateMachine(func(s AgentState) {
		metrics.SetAgentState(string(s), AllStates)
	})
	a.heartbeatMS.Store(cfg.HeartbeatInterval.Milliseconds())
	a.runner = NewDeploymentRunner(cfg.DeviceID, a.send, logger, nil)
	a.handlers = a.handlerTable()
	return a
}

// SetModelRunner replaces the local inference backend. Must be called
// before Run.
func (a *Agent) SetModelRunner(r ModelRunner) { a.models = r }

// SetRebootScheduler replaces the reboot integration. Must be called
// before Run.
func (a *Agent) SetRebootScheduler(r RebootScheduler) { a.rebooter = r }

// SetInstaller replaces the local deployment installer. Must be called
// before Run.
func (a *Agent) SetInstaller(in Installer) { a.runner.installer = in }

// State returns the current lifecycle state.
func (a *Agent) State() AgentState { return a.sm.State() }

// IsReady reports whether the agent is connected and serving commands.
func (a *Agent) IsReady() bool { return a.sm.State() == StateRunning }

// RelieveMemoryPressure sheds rebuildable agent state: the telemetry
// window keeps only its newest sample and freed heap is returned to the
// OS. Wired as the memory guard's relief function.
func (a *Agent) RelieveMemoryPressure() {
	dropped := a.sampler.TrimWindow(1)
	debug.FreeOSMemory()
	a.logger.Warn("shed memory under pressure", "samples_dropped", dropped)
}

// Run executes the agent lifecycle until the context is canceled, Stop is
// called, or the reconnection budget is exhausted. Exhaustion is the only
// error return; clean shutdown returns nil.
func (a *Agent) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	a.mu.Lock()
	a.cancel = cancel
	a.mu.Unlock()

	failures := 0
	for {
		if ctx.Err() != nil {
			a.shutdown("context canceled")
			return nil
		}

		a.sm.TransitionTo(StateConnecting, "dialing control channel")
		a.metrics.Reconnects.Inc()

		conn, err := a.dialer.Dial(ctx, a.cfg.DeviceID)
		if err != nil {
			failures++
			a.errs.Report(errors.FleetError{
				Code:      errors.ErrConnectionFailed,
				Message:   err.Error(),
				Component: "agent",
				Timestamp: time.Now().UnixMilli(),
				Err:       err,
			})
			if retry, fatal := a.backoff(ctx, failures, err); !retry {
				if fatal != nil {
					return fatal
				}
				a.shutdown("context canceled")
				return nil
			}
			continue
		}

		a.setConn(conn)
		a.sm.TransitionTo(StateConnected, "channel established")

		if err := a.register(ctx); err != nil {
			a.logger.Warn("registration failed", "error", err)
			conn.Close()
			a.setConn(nil)
			a.sm.TransitionTo(StateError, "registration failed")
			failures++
			if retry, fatal := a.backoff(ctx, failures, err); !retry {
				if fatal != nil {
					return fatal
				}
				a.shutdown("context canceled")
				return nil
			}
			continue
		}
		failures = 0
		a.sm.TransitionTo(StateRunning, "registered")
		a.logger.Info("agent running", "fleet_id", a.cfg.FleetID)

		hbCtx, hbCancel := context.WithCancel(ctx)
		hbDone := make(chan struct{})
		go func() {
			defer close(hbDone)
			a.heartbeatLoop(hbCtx)
		}()

		err = a.messageLoop(ctx, conn)
		hbCancel()
		<-hbDone
		conn.Close()
		a.setConn(nil)

		if ctx.Err() != nil {
			a.shutdown("context canceled")
			return nil
		}
		a.sm.TransitionTo(StateError, "connection lost")
		failures++
		if retry, fatal := a.backoff(ctx, failures, err); !retry {
			if fatal != nil {
				return fatal
			}
			a.shutdown("context canceled")
			return nil
		}
	}
}

// backoff applies linear backoff after one connection failure: dial error,
// registration failure, or message-loop exit all count. It returns
// retry=false with a terminal error once the reconnection budget is
// exhausted, or retry=false with nil when the context ended mid-sleep.
// The counter resets only after a successful registration, so a session
// that never reaches running keeps accumulating toward the budget.
func (a *Agent) backoff(ctx context.Context, failures int, cause error) (retry bool, fatal error) {
	if failures >= a.cfg.MaxReconnectAttempts {
		reason := fmt.Sprintf("gave up after %d connection attempts", failures)
		a.sm.TransitionTo(StateError, reason)
		a.logger.Error("reconnection budget exhausted", "attempts", failures)
		return false, &errors.FleetError{
			Code:      errors.ErrConnectionFailed,
			Message:   reason,
			Component: "agent",
			Timestamp: time.Now().UnixMilli(),
			Err:       cause,
		}
	}
	delay := time.Duration(failures) * a.cfg.ReconnectBaseDelay
	a.logger.Warn("connection failed, backing off",
		"attempt", failures, "delay", delay, "error", cause)
	if !sleepCtx(ctx, delay) {
		return false, nil
	}
	return true, nil
}

// Stop requests shutdown. Safe to call multiple times and before Run.
func (a *Agent) Stop() {
	a.mu.Lock()
	cancel := a.cancel
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (a *Agent) shutdown(reason string) {
	a.sm.TransitionTo(StateShuttingDown, reason)
	a.logger.Info("agent shut down", "reason", reason)
}

func (a *Agent) setConn(c channel.Conn) {
	a.sendMu.Lock()
	a.conn = c
	a.sendMu.Unlock()
}

// send is the single serialized outbound path for all message types.
func (a *Agent) send(ctx context.Context, env model.Envelope) error {
	a.sendMu.Lock()
	defer a.sendMu.Unlock()
	if a.conn == nil {
		return channel.ErrClosed
	}
	if err := a.conn.Send(ctx, env); err != nil {
		a.errs.Report(errors.FleetError{
			Code:      errors.ErrChannelSendFailed,
			Message:   err.Error(),
			Component: "agent",
			Timestamp: time.Now().UnixMilli(),
			Err:       err,
		})
		return err
	}
	return nil
}

func (a *Agent) register(ctx context.Context) error {
	return a.send(ctx, model.Envelope{
		Type: model.MessageRegister,
		Register: &model.RegisterMessage{
			DeviceID:   a.cfg.DeviceID,
			DeviceInfo: a.info,
		},
	})
}

// heartbeatLoop sends one heartbeat per interval while the agent is
// running. A send failure ends the loop; the message loop notices the
// broken connection and drives reconnection.
func (a *Agent) heartbeatLoop(ctx context.Context) {
	for {
		interval := time.Duration(a.heartbeatMS.Load()) * time.Millisecond
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if a.sm.State() != StateRunning {
			continue
		}
		if err := a.sendHeartbeat(ctx); err != nil {
			a.metrics.HeartbeatsSent.WithLabelValues("error").Inc()
			return
		}
		a.metrics.HeartbeatsSent.WithLabelValues("ok").Inc()
	}
}

func (a *Agent) sendHeartbeat(ctx context.Context) error {
	metrics := a.sampler.Sample(ctx)
	hb := &model.HeartbeatMessage{
		DeviceID:        a.cfg.DeviceID,
		Timestamp:       time.Now().UnixMilli(),
		Status:          string(a.sm.State()),
		Metrics:         metrics,
		ActiveJobs:      a.runner.ActiveJobs(),
		SoftwareVersion: a.cfg.SoftwareVersion,
		UptimeSeconds:   int64(time.Since(a.startedAt).Seconds()),
		Capabilities:    a.local.capabilities(a.cfg.DeviceID, metrics.CPUPercent),
	}
	return a.send(ctx, model.Envelope{Type: model.MessageHeartbeat, Heartbeat: hb})
}

// messageLoop receives and dispatches commands until the connection breaks
// or the context ends.
func (a *Agent) messageLoop(ctx context.Context, conn channel.Conn) error {
	for {
		env, err := conn.Receive(ctx)
		if err != nil {
			return err
		}
		switch env.Type {
		case model.MessageCommand:
			if env.Command == nil {
				a.logger.Warn("command envelope without body")
				continue
			}
			a.handleCommand(ctx, *env.Command)
		default:
			a.logger.Warn("unexpected envelope on device inbox", "type", env.Type)
		}
	}
}

// sleepCtx sleeps for d or until ctx ends; reports false on cancellation.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
