package vsockmux

import (
	"encoding/binary"
	"io"
	"math"
	"net"

	"github.com/pkg/errors"
)

const (
	// HeaderSize is the size of the big-endian length prefix of every frame.
	HeaderSize = 4
	// DefaultMaxFrameSize is the largest payload accepted when none is configured.
	DefaultMaxFrameSize = 64 << 10
)

// Frame is one complete, length-prefixed unit of payload.
// A Frame is never constructed from a partial read.
type Frame struct {
	payload []byte
}

// NewFrame wraps a copy of payload.
func NewFrame(payload []byte) Frame {
	return Frame{payload: append([]byte(nil), payload...)}
}

// Length returns the payload length as carried in the prefix.
func (f Frame) Length() int {
	return len(f.payload)
}

// Payload returns the frame body. Callers must not modify it.
func (f Frame) Payload() []byte {
	return f.payload
}

// Codec converts payloads to and from the length-prefixed wire format.
// It is safe for concurrent use.
type Codec struct {
	maxSize int
}

// NewCodec returns a codec rejecting payloads larger than maxFrameSize.
// A non-positive size selects DefaultMaxFrameSize.
func NewCodec(maxFrameSize int) *Codec {
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	// On 32-bit platforms int cannot exceed the prefix, so the clamp goes
	// through a uint64 variable.
	if limit := uint64(math.MaxUint32); uint64(maxFrameSize) > limit {
		maxFrameSize = int(limit)
	}
	return &Codec{maxSize: maxFrameSize}
}

// MaxFrameSize returns the largest payload the codec accepts.
func (c *Codec) MaxFrameSize() int {
	return c.maxSize
}

// Encode returns the length prefix followed by payload.
func (c *Codec) Encode(payload []byte) ([]byte, error) {
	if len(payload) > c.maxSize {
		return nil, newOpError("encode", ErrPayloadTooLarge,
			errors.Errorf("%d > %d bytes", len(payload), c.maxSize))
	}

	buf := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[HeaderSize:], payload)
	return buf, nil
}

// WriteFrame encodes payload and writes it to w in a single call.
// Nothing is written when the payload is too large.
func (c *Codec) WriteFrame(w io.Writer, payload []byte) error {
	buf, err := c.Encode(payload)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// Decode reads exactly one frame from r.
// A stream that ends before the frame is complete yields ErrConnectionClosed;
// a declared length above the maximum yields ErrFrameTooLarge before any
// payload is read.
func (c *Codec) Decode(r io.Reader) (Frame, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Frame{}, readError("decode header", err)
	}

	length := binary.BigEndian.Uint32(header[:])
	if uint64(length) > uint64(c.maxSize) {
		return Frame{}, newOpError("decode", ErrFrameTooLarge,
			errors.Errorf("declared %d > %d bytes", length, c.maxSize))
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Frame{}, readError("decode payload", err)
	}
	return Frame{payload: payload}, nil
}

// readError classifies a read failure. End of stream and a locally closed
// socket are both reported as ErrConnectionClosed.
func readError(op string, err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return newOpError(op, ErrConnectionClosed, err)
	}
	return errors.Wrap(err, op)
}
