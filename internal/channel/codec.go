package channel

import (
	"encoding/json"
	"fmt"

	"github.com/klauspost/compress/zstd"

	"github.com/edgefleet/edgefleet/pkg/model"
)

// Frame header bytes. Every encoded envelope starts with one of these.
const (
	frameJSON = 'J' // raw JSON body
	frameZstd = 'Z' // zstd-compressed JSON body
)

// DefaultCompressThreshold is the body size at and above which envelopes
// are zstd-compressed.
const DefaultCompressThreshold = 4096

// Codec frames envelopes for the wire: JSON, zstd-compressed when the body
// meets the size threshold. A Codec is safe for concurrent use.
type Codec struct {
	threshold int
	enc       *zstd.Encoder
	dec       *zstd.Decoder

	// observe, when set, is called with the body and frame sizes after each
	// successful Encode. Used to feed channel payload metrics.
	observe func(bodyBytes, frameBytes int, compressed bool)
}

// NewCodec creates a Codec with the given compression threshold.
// threshold <= 0 uses DefaultCompressThreshold.
func NewCodec(threshold int) (*Codec, error) {
	if threshold <= 0 {
		threshold = DefaultCompressThreshold
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("channel: creating zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("channel: creating zstd decoder: %w", err)
	}
	return &Codec{threshold: threshold, enc: enc, dec: dec}, nil
}

// SetObserver registers a callback invoked after each Encode with the body
// size, the framed size, and whether compression was applied.
func (c *Codec) SetObserver(fn func(bodyBytes, frameBytes int, compressed bool)) {
	c.observe = fn
}

// Encode frames an envelope for the wire.
func (c *Codec) Encode(env model.Envelope) ([]byte, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("channel: encoding envelope: %w", err)
	}

	var frame []byte
	compressed := false
	if len(body) >= c.threshold {
		frame = append([]byte{frameZstd}, c.enc.EncodeAll(body, nil)...)
		compressed = true
	} else {
		frame = append([]byte{frameJSON}, body...)
	}

	if c.observe != nil {
		c.observe(len(body), len(frame), compressed)
	}
	return frame, nil
}

// Decode parses a wire frame back into an envelope.
func (c *Codec) Decode(frame []byte) (model.Envelope, error) {
	var env model.Envelope
	if len(frame) < 1 {
		return env, fmt.Errorf("channel: empty frame")
	}

	body := frame[1:]
	switch frame[0] {
	case frameZstd:
		var err error
		body, err = c.dec.DecodeAll(body, nil)
		if err != nil {
			return env, fmt.Errorf("channel: decompressing frame: %w", err)
		}
	case frameJSON:
	default:
		return env, fmt.Errorf("channel: unknown frame header %#x", frame[0])
	}

	if err := json.Unmarshal(body, &env); err != nil {
		return env, fmt.Errorf("channel: decoding envelope: %w", err)
	}
	return env, nil
}
