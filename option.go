package vsockmux

import (
	"time"
)

// ErrorAction defines the action to take when a handler returns an error.
type ErrorAction int

const (
	// Disconnect closes the connection when an error occurs.
	Disconnect ErrorAction = iota
	// Continue suppresses the error and keeps reading frames.
	Continue
)

// options holds the configuration for a connection.
type options struct {
	handler Handler
	logger  Logger

	// onError is called when the handler returns an error or panics.
	// Returns Disconnect to close the connection, Continue to suppress the error.
	// Protocol violations always close the connection.
	onError func(error) ErrorAction
	// onClose runs exactly once when the connection reaches Closed.
	onClose func(*Conn)

	id           uint64
	queueDepth   int           // size of the outbound frame queue
	maxFrameSize int           // maximum payload in either direction
	idleTimeout  time.Duration // read deadline between frames, 0 disables
	writeTimeout time.Duration // deadline per socket write, 0 disables
}

// Option is a function that configures connection options.
type Option func(*options)

// HandlerOption returns an Option that sets the frame handler.
// The handler is required and must be provided before creating a connection.
func HandlerOption(h Handler) Option {
	return func(o *options) {
		o.handler = h
	}
}

// QueueDepthOption returns an Option that sets how many frames may wait in
// the write queue. Send fails with ErrOverloaded beyond that.
func QueueDepthOption(depth int) Option {
	return func(o *options) {
		o.queueDepth = depth
	}
}

// MaxFrameSizeOption returns an Option that sets the maximum payload size.
// Larger inbound frames close the connection; larger outbound payloads are refused.
func MaxFrameSizeOption(size int) Option {
	return func(o *options) {
		o.maxFrameSize = size
	}
}

// IdleTimeoutOption returns an Option that closes the connection when no
// frame starts arriving within d. Zero disables the timeout.
func IdleTimeoutOption(d time.Duration) Option {
	return func(o *options) {
		o.idleTimeout = d
	}
}

// WriteTimeoutOption returns an Option that bounds each socket write.
func WriteTimeoutOption(d time.Duration) Option {
	return func(o *options) {
		o.writeTimeout = d
	}
}

// OnErrorOption returns an Option that sets the handler error callback.
// Return Disconnect to close the connection, or Continue to keep reading.
func OnErrorOption(cb func(error) ErrorAction) Option {
	return func(o *options) {
		o.onError = cb
	}
}

// LoggerOption returns an Option that sets the logger.
// If not set, the default slog logger will be used.
func LoggerOption(logger Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// connIDOption sets the identifier the server assigned to the connection.
func connIDOption(id uint64) Option {
	return func(o *options) {
		o.id = id
	}
}

// onCloseOption sets the hook run once the connection is Closed.
func onCloseOption(cb func(*Conn)) Option {
	return func(o *options) {
		o.onClose = cb
	}
}
