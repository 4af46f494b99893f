package channel

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/edgefleet/edgefleet/pkg/model"
)

// Topic layout. The device publishes to its out topic and subscribes to its
// in topic; the control plane mirrors this with a single wildcard
// subscription across the fleet.
//
//	fleet/<fleet_id>/<device_id>/out   device -> control plane
//	fleet/<fleet_id>/<device_id>/in    control plane -> device
const (
	topicOut = "out"
	topicIn  = "in"

	mqttQoS            = 1
	mqttConnectTimeout = 10 * time.Second
	mqttDisconnectMS   = 250
	recvBuffer         = 64
)

// MQTTOptions configures both MQTT transport ends.
type MQTTOptions struct {
	BrokerURLs []string
	FleetID    string
	Username   string
	Password   string
}

func (o MQTTOptions) clientOptions(clientID string) *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	for _, b := range o.BrokerURLs {
		opts.AddBroker(b)
	}
	opts.SetClientID(clientID)
	opts.SetUsername(o.Username)
	opts.SetPassword(o.Password)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	// Reconnection policy is owned by the agent's retry loop, not paho.
	opts.SetAutoReconnect(false)
	opts.SetCleanSession(true)
	return opts
}

func deviceTopic(fleetID, deviceID, direction string) string {
	return fmt.Sprintf("fleet/%s/%s/%s", fleetID, deviceID, direction)
}

// MQTTDialer is the device-side transport factory.
type MQTTDialer struct {
	opts  MQTTOptions
	codec *Codec
}

// NewMQTTDialer creates a Dialer connecting through the configured brokers.
func NewMQTTDialer(opts MQTTOptions, codec *Codec) *MQTTDialer {
	return &MQTTDialer{opts: opts, codec: codec}
}

// Dial connects to the broker, subscribes the device's in topic, and
// returns a Conn. Each Dial creates an independent MQTT session.
func (d *MQTTDialer) Dial(ctx context.Context, deviceID string) (Conn, error) {
	clientID := fmt.Sprintf("edgefleet-device-%s", deviceID)
	client := mqtt.NewClient(d.opts.clientOptions(clientID))

	if err := waitToken(ctx, client.Connect()); err != nil {
		return nil, fmt.Errorf("channel: connecting to broker: %w", err)
	}

	conn := &mqttConn{
		client:   client,
		codec:    d.codec,
		sendTo:   deviceTopic(d.opts.FleetID, deviceID, topicOut),
		inbound:  make(chan []byte, recvBuffer),
		closed:   make(chan struct{}),
	}

	recvTopic := deviceTopic(d.opts.FleetID, deviceID, topicIn)
	token := client.Subscribe(recvTopic, mqttQoS, conn.onMessage)
	if err := waitToken(ctx, token); err != nil {
		client.Disconnect(mqttDisconnectMS)
		return nil, fmt.Errorf("channel: subscribing %s: %w", recvTopic, err)
	}

	return conn, nil
}

// mqttConn adapts one MQTT session to the Conn contract.
type mqttConn struct {
	client  mqtt.Client
	codec   *Codec
	sendTo  string
	inbound chan []byte

	closeOnce sync.Once
	closed    chan struct{}
}

func (c *mqttConn) onMessage(_ mqtt.Client, msg mqtt.Message) {
	select {
	case c.inbound <- msg.Payload():
	case <-c.closed:
	default:
		// A full buffer drops the newest frame; the next heartbeat or
		// command retry carries fresher state anyway.
		slog.Warn("control channel receive buffer full, dropping message",
			"topic", msg.Topic())
	}
}

func (c *mqttConn) Send(ctx context.Context, env model.Envelope) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}

	frame, err := c.codec.Encode(env)
	if err != nil {
		return err
	}

	token := c.client.Publish(c.sendTo, mqttQoS, false, frame)
	if err := waitToken(ctx, token); err != nil {
		return fmt.Errorf("channel: publishing to %s: %w", c.sendTo, err)
	}
	return nil
}

func (c *mqttConn) Receive(ctx context.Context) (model.Envelope, error) {
	select {
	case <-c.closed:
		return model.Envelope{}, ErrClosed
	case <-ctx.Done():
		return model.Envelope{}, ctx.Err()
	case frame := <-c.inbound:
		return c.codec.Decode(frame)
	}
}

func (c *mqttConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.client.Disconnect(mqttDisconnectMS)
	})
	return nil
}

// MQTTListener is the control-plane transport end: one MQTT session with a
// wildcard subscription over the fleet's out topics, demultiplexed into
// per-device Conns.
type MQTTListener struct {
	opts   MQTTOptions
	codec  *Codec
	client mqtt.Client

	mu    sync.Mutex
	conns map[string]*planeConn

	accepted  chan acceptedConn
	closeOnce sync.Once
	closed    chan struct{}
}

// NewMQTTListener connects the control-plane session and starts
// demultiplexing device traffic.
func NewMQTTListener(ctx context.Context, opts MQTTOptions, codec *Codec) (*MQTTListener, error) {
	l := &MQTTListener{
		opts:     opts,
		codec:    codec,
		conns:    make(map[string]*planeConn),
		accepted: make(chan acceptedConn, 64),
		closed:   make(chan struct{}),
	}

	client := mqtt.NewClient(opts.clientOptions("edgefleet-control-plane"))
	if err := waitToken(ctx, client.Connect()); err != nil {
		return nil, fmt.Errorf("channel: connecting control plane to broker: %w", err)
	}
	l.client = client

	wildcard := fmt.Sprintf("fleet/%s/+/%s", opts.FleetID, topicOut)
	if err := waitToken(ctx, client.Subscribe(wildcard, mqttQoS, l.onMessage)); err != nil {
		client.Disconnect(mqttDisconnectMS)
		return nil, fmt.Errorf("channel: subscribing %s: %w", wildcard, err)
	}

	return l, nil
}

// onMessage routes an inbound frame to the device's plane conn, creating
// (and queueing for Accept) a new conn on first contact.
func (l *MQTTListener) onMessage(_ mqtt.Client, msg mqtt.Message) {
	deviceID := deviceIDFromTopic(msg.Topic())
	if deviceID == "" {
		slog.Warn("ignoring message on malformed topic", "topic", msg.Topic())
		return
	}

	l.mu.Lock()
	conn, ok := l.conns[deviceID]
	if !ok {
		conn = &planeConn{
			listener: l,
			deviceID: deviceID,
			sendTo:   deviceTopic(l.opts.FleetID, deviceID, topicIn),
			inbound:  make(chan []byte, recvBuffer),
			closed:   make(chan struct{}),
		}
		l.conns[deviceID] = conn
	}
	l.mu.Unlock()

	if !ok {
		select {
		case l.accepted <- acceptedConn{deviceID: deviceID, conn: conn}:
		case <-l.closed:
			return
		}
	}

	select {
	case conn.inbound <- msg.Payload():
	case <-conn.closed:
	default:
		slog.Warn("device receive buffer full, dropping message", "device_id", deviceID)
	}
}

// Accept returns the next newly connected device.
func (l *MQTTListener) Accept(ctx context.Context) (string, Conn, error) {
	select {
	case <-l.closed:
		return "", nil, ErrClosed
	case <-ctx.Done():
		return "", nil, ctx.Err()
	case ac := <-l.accepted:
		return ac.deviceID, ac.conn, nil
	}
}

// Close disconnects the control-plane session and closes all device conns.
func (l *MQTTListener) Close() error {
	l.closeOnce.Do(func() {
		close(l.closed)
		l.mu.Lock()
		for _, c := range l.conns {
			c.markClosed()
		}
		l.conns = make(map[string]*planeConn)
		l.mu.Unlock()
		l.client.Disconnect(mqttDisconnectMS)
	})
	return nil
}

// forget drops a device conn so a later message opens a fresh one.
func (l *MQTTListener) forget(deviceID string, conn *planeConn) {
	l.mu.Lock()
	if cur, ok := l.conns[deviceID]; ok && cur == conn {
		delete(l.conns, deviceID)
	}
	l.mu.Unlock()
}

// planeConn is the control-plane view of one device over the shared
// listener session.
type planeConn struct {
	listener *MQTTListener
	deviceID string
	sendTo   string
	inbound  chan []byte

	closeOnce sync.Once
	closed    chan struct{}
}

func (c *planeConn) Send(ctx context.Context, env model.Envelope) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}

	frame, err := c.listener.codec.Encode(env)
	if err != nil {
		return err
	}

	token := c.listener.client.Publish(c.sendTo, mqttQoS, false, frame)
	if err := waitToken(ctx, token); err != nil {
		return fmt.Errorf("channel: publishing to %s: %w", c.sendTo, err)
	}
	return nil
}

func (c *planeConn) Receive(ctx context.Context) (model.Envelope, error) {
	select {
	case <-c.closed:
		return model.Envelope{}, ErrClosed
	case <-ctx.Done():
		return model.Envelope{}, ctx.Err()
	case frame := <-c.inbound:
		return c.listener.codec.Decode(frame)
	}
}

func (c *planeConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.listener.forget(c.deviceID, c)
	})
	return nil
}

func (c *planeConn) markClosed() {
	c.closeOnce.Do(func() { close(c.closed) })
}

// deviceIDFromTopic extracts the device id from fleet/<fleet>/<device>/out.
func deviceIDFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) != 4 {
		return ""
	}
	return parts[2]
}

// waitToken waits for an MQTT token respecting context cancellation.
func waitToken(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
