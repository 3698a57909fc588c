package vsockmux

import (
	"context"
	"net"

	"github.com/pkg/errors"
)

// Errors returned by codec, connection, listener and dialer operations.
// Every error surfaced by this package matches exactly one of these with errors.Is.
var (
	// ErrConnectFailed is returned when an outbound connection cannot be established.
	ErrConnectFailed = errors.New("connect failed")
	// ErrConnectionClosed is returned when the peer or a local error ended the stream.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrFrameTooLarge is returned when a peer declares a frame above the maximum size.
	ErrFrameTooLarge = errors.New("frame too large")
	// ErrPayloadTooLarge is returned when a caller tries to send a payload above the maximum size.
	ErrPayloadTooLarge = errors.New("payload too large")
	// ErrTimeout is returned when no response arrives within the configured bound.
	ErrTimeout = errors.New("timeout")
	// ErrOverloaded is returned when the write queue of a connection is full.
	ErrOverloaded = errors.New("overloaded")
	// ErrBindFailed is returned when the listening socket cannot be set up.
	ErrBindFailed = errors.New("bind failed")
)

var (
	// ErrServerClosed is returned by Serve after Shutdown has been called.
	ErrServerClosed = errors.New("server closed")
	// ErrInvalidHandler is returned when no frame handler is provided.
	ErrInvalidHandler = errors.New("invalid frame handler")
)

// OpError describes a failed operation. It matches both its Kind and its
// underlying cause with errors.Is.
type OpError struct {
	Op   string
	Kind error
	Err  error
}

func newOpError(op string, kind, cause error) *OpError {
	return &OpError{Op: op, Kind: kind, Err: cause}
}

func (e *OpError) Error() string {
	if e.Err == nil {
		return e.Op + ": " + e.Kind.Error()
	}
	return e.Op + ": " + e.Kind.Error() + ": " + e.Err.Error()
}

// Unwrap returns the kind and the cause.
func (e *OpError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

var kinds = []struct {
	err  error
	name string
}{
	{ErrConnectFailed, "ConnectFailed"},
	{ErrBindFailed, "BindFailed"},
	{ErrFrameTooLarge, "FrameTooLarge"},
	{ErrPayloadTooLarge, "PayloadTooLarge"},
	{ErrTimeout, "Timeout"},
	{ErrOverloaded, "Overloaded"},
	{ErrConnectionClosed, "ConnectionClosed"},
}

// Kind returns the taxonomy name of err, or "Unknown".
func Kind(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return "Unknown"
}

// isTimeout reports whether err is a deadline expiry on a socket or context.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
