package channel

import (
	"context"
	"sync"

	"github.com/edgefleet/edgefleet/pkg/model"
)

// pipeConn is one end of an in-process duplex channel. Frames still pass
// through the Codec so tests exercise the same encode/decode path as the
// MQTT transport.
type pipeConn struct {
	codec *Codec
	out   chan<- []byte
	in    <-chan []byte

	closeOnce sync.Once
	closed    chan struct{}
	peer      *pipeConn
}

// Pipe creates a connected pair of Conns sharing a codec. The first return
// value is the device end, the second the control-plane end.
func Pipe(codec *Codec) (Conn, Conn) {
	aToB := make(chan []byte, 64)
	bToA := make(chan []byte, 64)

	a := &pipeConn{codec: codec, out: aToB, in: bToA, closed: make(chan struct{})}
	b := &pipeConn{codec: codec, out: bToA, in: aToB, closed: make(chan struct{})}
	a.peer = b
	b.peer = a
	return a, b
}

func (p *pipeConn) Send(ctx context.Context, env model.Envelope) error {
	frame, err := p.codec.Encode(env)
	if err != nil {
		return err
	}

	select {
	case <-p.closed:
		return ErrClosed
	case <-p.peer.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	case p.out <- frame:
		return nil
	}
}

func (p *pipeConn) Receive(ctx context.Context) (model.Envelope, error) {
	select {
	case <-p.closed:
		return model.Envelope{}, ErrClosed
	case <-p.peer.closed:
		// Drain anything already in flight before reporting closure.
		select {
		case frame := <-p.in:
			return p.codec.Decode(frame)
		default:
			return model.Envelope{}, ErrClosed
		}
	case <-ctx.Done():
		return model.Envelope{}, ctx.Err()
	case frame := <-p.in:
		return p.codec.Decode(frame)
	}
}

func (p *pipeConn) Close() error {
	p.closeOnce.Do(func() { close(p.closed) })
	return nil
}

// PipeDialer hands out pre-built device conns by device id and exposes the
// matching control-plane ends through a PipeListener. Used in tests and
// single-process composition.
type PipeDialer struct {
	codec    *Codec
	accepted chan acceptedConn
}

type acceptedConn struct {
	deviceID string
	conn     Conn
}

// NewPipeDialer creates a dialer whose listener end is obtained from
// Listener().
func NewPipeDialer(codec *Codec) *PipeDialer {
	return &PipeDialer{
		codec:    codec,
		accepted: make(chan acceptedConn, 16),
	}
}

// Dial creates a fresh pipe pair and queues the control-plane end for the
// listener.
func (d *PipeDialer) Dial(ctx context.Context, deviceID string) (Conn, error) {
	device, plane := Pipe(d.codec)
	select {
	case d.accepted <- acceptedConn{deviceID: deviceID, conn: plane}:
		return device, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Listener returns the control-plane side of this dialer.
func (d *PipeDialer) Listener() Listener {
	return &pipeListener{accepted: d.accepted}
}

type pipeListener struct {
	accepted chan acceptedConn
}

func (l *pipeListener) Accept(ctx context.Context) (string, Conn, error) {
	select {
	case ac := <-l.accepted:
		return ac.deviceID, ac.conn, nil
	case <-ctx.Done():
		return "", nil, ctx.Err()
	}
}

func (l *pipeListener) Close() error {
	return nil
}
