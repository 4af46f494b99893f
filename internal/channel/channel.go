// Package channel defines the bidirectional, message-oriented control
// channel between edge devices and the control plane, plus its two
// transports: MQTT for production and an in-process pipe for tests and
// single-binary composition.
//
// Delivery is at-most-once and unordered-but-monotonic per connection.
package channel

import (
	"context"
	"errors"

	"github.com/edgefleet/edgefleet/pkg/model"
)

// ErrClosed is returned by Send and Receive after the connection is closed.
var ErrClosed = errors.New("channel: connection closed")

// Conn is one live control-channel connection. Implementations must allow
// concurrent Send calls; callers still serialize agent-side sends through a
// single path so heartbeats and command responses never interleave mid-frame.
type Conn interface {
	Send(ctx context.Context, env model.Envelope) error
	Receive(ctx context.Context) (model.Envelope, error)
	Close() error
}

// Dialer establishes the device side of the channel.
type Dialer interface {
	Dial(ctx context.Context, deviceID string) (Conn, error)
}

// Listener yields the control-plane side: one Conn per connecting device.
type Listener interface {
	// Accept blocks until a new device connection is available and returns
	// the device id it belongs to.
	Accept(ctx context.Context) (string, Conn, error)
	Close() error
}
