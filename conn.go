// Package vsockmux provides a request/response multiplexing server and client
// over connection-oriented stream sockets, vsock (hypervisor/guest) first and
// TCP as a portable fallback.
//
// Every message on the wire is a frame: a 4-byte big-endian length prefix
// followed by exactly that many payload bytes. A Server accepts connections up
// to a configured bound and hands each to its own Conn, which decodes inbound
// frames, passes their payloads to a Handler and writes queued responses back
// in order. Shutdown drains live connections within a deadline and force-closes
// the rest. A Client opens Sessions that send one request at a time and wait
// for the correlated response.
package vsockmux

import (
	"bufio"
	"context"
	"io"
	"net"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// State is the lifecycle state of a Conn.
type State int32

const (
	// StateAccepted is the state of a connection that has not started running.
	StateAccepted State = iota
	// StateActive means the read and write loops are running.
	StateActive
	// StateDraining means no new frames are taken; in-flight work completes.
	StateDraining
	// StateClosed means the socket and buffers have been released.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAccepted:
		return "accepted"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Default configuration values.
const (
	// defaultQueueDepth is the default number of frames a connection may queue.
	defaultQueueDepth = 16
)

// Conn owns one accepted connection: it reads frames, dispatches them to the
// handler and writes queued responses. A Conn is used by exactly one Run call.
type Conn struct {
	id      uint64
	rawConn net.Conn
	reader  *bufio.Reader
	codec   *Codec
	logger  Logger

	opts options

	state atomic.Int32

	// sendMu orders Send against the final flush of the write queue.
	sendMu     sync.RWMutex
	sendClosed bool
	sendq      chan []byte
	sendStop   chan struct{}
	stopOnce   sync.Once

	// readMu orders Drain against the read loop entering and leaving an idle wait.
	readMu   sync.Mutex
	idle     bool
	draining bool

	drainOnce sync.Once

	mu      sync.Mutex
	started bool
	closing bool

	closeCh   chan struct{}
	closeOnce sync.Once
	forced    atomic.Bool

	finishOnce sync.Once
	done       chan struct{}
	err        error
}

// NewConn wraps an accepted or dialed stream connection.
// It applies the provided options and validates them before returning.
// Returns an error if the required handler option is missing.
func NewConn(conn net.Conn, opt ...Option) (*Conn, error) {
	var opts options
	for _, o := range opt {
		o(&opts)
	}

	err := checkOptions(&opts)
	if err != nil {
		return nil, err
	}

	return newConnWithOptions(conn, opts), nil
}

// checkOptions validates and sets default values for connection options.
func checkOptions(opts *options) error {
	if opts.handler == nil {
		return ErrInvalidHandler
	}

	if opts.queueDepth <= 0 {
		opts.queueDepth = defaultQueueDepth
	}

	if opts.maxFrameSize <= 0 {
		opts.maxFrameSize = DefaultMaxFrameSize
	}

	if opts.idleTimeout < 0 {
		opts.idleTimeout = 0
	}

	if opts.onError == nil {
		opts.onError = func(err error) ErrorAction { return Disconnect }
	}

	if opts.logger == nil {
		opts.logger = defaultLogger()
	}

	return nil
}

func newConnWithOptions(c net.Conn, opts options) *Conn {
	cc := &Conn{
		id:       opts.id,
		rawConn:  c,
		reader:   getBufReader(c),
		codec:    NewCodec(opts.maxFrameSize),
		logger:   opts.logger,
		opts:     opts,
		sendq:    make(chan []byte, opts.queueDepth),
		sendStop: make(chan struct{}),
		closeCh:  make(chan struct{}),
		done:     make(chan struct{}),
	}
	cc.state.Store(int32(StateAccepted))
	return cc
}

// ID returns the identifier assigned by the server, or zero.
func (c *Conn) ID() uint64 {
	return c.id
}

// Addr returns the remote address of the connection.
func (c *Conn) Addr() net.Addr {
	return c.rawConn.RemoteAddr()
}

// State returns the current lifecycle state.
func (c *Conn) State() State {
	return State(c.state.Load())
}

// Done is closed once the connection reaches StateClosed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connection closed, nil for a graceful close.
// It returns nil until Done is closed.
func (c *Conn) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// ForceClosed reports whether the connection was closed by Close rather
// than by the peer, an error or a completed drain.
func (c *Conn) ForceClosed() bool {
	return c.forced.Load()
}

// Run starts the connection's read and write loops and blocks until the
// connection is closed. It returns nil when the peer closed the stream at a
// frame boundary or a drain completed, the context error when ctx was
// canceled, and the failure otherwise. Resources are released on every path.
func (c *Conn) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return newOpError("run", ErrConnectionClosed, nil)
	}
	c.started = true
	c.mu.Unlock()

	c.state.CompareAndSwap(int32(StateAccepted), int32(StateActive))

	c.logger.Info("connection established", "conn", c.id, "addr", c.Addr())
	c.logger.Debug("connection options", "conn", c.id,
		"queue_depth", c.opts.queueDepth,
		"max_frame_size", c.opts.maxFrameSize,
		"idle_timeout", c.opts.idleTimeout)

	group, child := errgroup.WithContext(ctx)
	stop := context.AfterFunc(child, c.closeSocket)
	defer stop()

	readDone := make(chan struct{})
	var readErr error

	group.Go(func() error {
		readErr = c.readLoop()
		close(readDone)
		return readErr
	})

	group.Go(func() error {
		return c.writeLoop(child, readDone, &readErr)
	})

	err := group.Wait()
	if ctx.Err() != nil {
		err = ctx.Err()
	}
	c.finish(err)

	return err
}

// Send queues payload for writing without blocking.
//
// Returns:
//   - nil: the frame was queued (not yet written)
//   - ErrPayloadTooLarge: payload exceeds the maximum frame size
//   - ErrOverloaded: the write queue is full, the frame was NOT queued
//   - ErrConnectionClosed: the connection no longer accepts writes
func (c *Conn) Send(payload []byte) error {
	data, err := c.codec.Encode(payload)
	if err != nil {
		return err
	}

	c.sendMu.RLock()
	defer c.sendMu.RUnlock()

	if c.sendClosed {
		return newOpError("send", ErrConnectionClosed, nil)
	}

	select {
	case c.sendq <- data:
		return nil
	default:
		return newOpError("send", ErrOverloaded, errors.Errorf("%d frames queued", cap(c.sendq)))
	}
}

// SendBlocking queues payload, waiting for queue space until ctx is done.
func (c *Conn) SendBlocking(ctx context.Context, payload []byte) error {
	data, err := c.codec.Encode(payload)
	if err != nil {
		return err
	}

	c.sendMu.RLock()
	defer c.sendMu.RUnlock()

	if c.sendClosed {
		return newOpError("send", ErrConnectionClosed, nil)
	}

	select {
	case c.sendq <- data:
		return nil
	case <-c.sendStop:
		return newOpError("send", ErrConnectionClosed, nil)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Drain moves the connection to StateDraining: the frame being received,
// if any, is still handled and its responses flushed, then the connection
// closes. A connection idle between frames closes promptly. Safe to call
// multiple times and before Run.
func (c *Conn) Drain() {
	c.drainOnce.Do(func() {
		if !c.state.CompareAndSwap(int32(StateActive), int32(StateDraining)) {
			c.state.CompareAndSwap(int32(StateAccepted), int32(StateDraining))
		}

		c.readMu.Lock()
		c.draining = true
		if c.idle {
			_ = c.rawConn.SetReadDeadline(time.Now())
		}
		c.readMu.Unlock()

		c.logger.Debug("connection draining", "conn", c.id, "addr", c.Addr())
	})
}

// Close closes the connection immediately, dropping queued frames.
// Safe to call multiple times.
func (c *Conn) Close() error {
	c.mu.Lock()
	c.closing = true
	started := c.started
	c.mu.Unlock()

	c.closeSocket()
	if !started {
		c.finish(newOpError("close", ErrConnectionClosed, nil))
	}
	return nil
}

// forceClose closes the connection on behalf of the shutdown coordinator.
func (c *Conn) forceClose() {
	select {
	case <-c.done:
		return
	default:
	}
	c.forced.Store(true)
	_ = c.Close()
}

// readLoop reads frames until the peer closes, a drain completes or an
// error occurs. A nil return means the read side ended gracefully.
func (c *Conn) readLoop() error {
	for {
		more, err := c.waitFrame()
		if err != nil || !more {
			return err
		}

		frame, err := c.codec.Decode(c.reader)
		if err != nil {
			if errors.Is(err, ErrFrameTooLarge) {
				c.logger.Warn("protocol violation", "conn", c.id, "addr", c.Addr(), "error", err)
			}
			return err
		}

		if err = c.dispatch(frame.Payload()); err != nil {
			c.logger.Debug("handler error", "conn", c.id, "addr", c.Addr(), "error", err)
			if c.opts.onError(err) == Disconnect {
				return err
			}
		}
	}
}

// waitFrame blocks until the first byte of the next frame is available.
// It returns false without error when the read side should end gracefully.
func (c *Conn) waitFrame() (bool, error) {
	c.readMu.Lock()
	if c.draining {
		c.readMu.Unlock()
		return false, nil
	}
	c.idle = true
	if c.opts.idleTimeout > 0 {
		_ = c.rawConn.SetReadDeadline(time.Now().Add(c.opts.idleTimeout))
	} else {
		_ = c.rawConn.SetReadDeadline(time.Time{})
	}
	c.readMu.Unlock()

	_, err := c.reader.Peek(1)

	c.readMu.Lock()
	c.idle = false
	draining := c.draining
	// A frame that has started arriving is read to completion without a deadline.
	_ = c.rawConn.SetReadDeadline(time.Time{})
	c.readMu.Unlock()

	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, io.EOF):
		c.logger.Debug("peer closed write side", "conn", c.id, "addr", c.Addr())
		return false, nil
	case draining && isTimeout(err):
		return false, nil
	case isTimeout(err):
		return false, newOpError("idle", ErrTimeout, err)
	default:
		return false, readError("read", err)
	}
}

// dispatch hands payload to the handler, turning a panic into an error.
func (c *Conn) dispatch(payload []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			const size = 64 << 10
			buf := make([]byte, size)
			buf = buf[:runtime.Stack(buf, false)]
			c.logger.Error("panic serving frame", "conn", c.id, "addr", c.Addr(), "panic", r, "stack", string(buf))
			err = errors.Errorf("handler panic: %v", r)
		}
	}()

	return c.opts.handler.ServeFrame(c, payload)
}

// writeLoop writes queued frames in order. When the read side ends
// gracefully it flushes what is left and half-closes the write side.
func (c *Conn) writeLoop(ctx context.Context, readDone <-chan struct{}, readErr *error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.closeCh:
			return newOpError("write", ErrConnectionClosed, net.ErrClosed)
		case data := <-c.sendq:
			if err := c.write(data); err != nil {
				return err
			}
		case <-readDone:
			if *readErr != nil {
				return nil
			}
			return c.flush()
		}
	}
}

// flush stops accepting sends and writes every frame still queued.
func (c *Conn) flush() error {
	c.stopSends()

	for {
		select {
		case data := <-c.sendq:
			if err := c.write(data); err != nil {
				return err
			}
		default:
			if hc, ok := c.rawConn.(interface{ CloseWrite() error }); ok {
				_ = hc.CloseWrite()
			}
			return nil
		}
	}
}

// write sends data to the connection with a deadline.
func (c *Conn) write(data []byte) error {
	if c.opts.writeTimeout > 0 {
		_ = c.rawConn.SetWriteDeadline(time.Now().Add(c.opts.writeTimeout))
	}

	_, err := c.rawConn.Write(data)
	if err == nil {
		return nil
	}

	c.logger.Debug("write error", "conn", c.id, "addr", c.Addr(), "error", err)
	if isTimeout(err) {
		return newOpError("write", ErrTimeout, err)
	}
	return newOpError("write", ErrConnectionClosed, err)
}

// stopSends makes further Send calls fail. Frames queued before it
// returns are still in the queue.
func (c *Conn) stopSends() {
	c.stopOnce.Do(func() {
		close(c.sendStop)
		c.sendMu.Lock()
		c.sendClosed = true
		c.sendMu.Unlock()
	})
}

// closeSocket releases the socket and wakes the loops and any blocked sender.
func (c *Conn) closeSocket() {
	c.closeOnce.Do(func() {
		close(c.closeCh)
		_ = c.rawConn.Close()
	})
	c.stopSends()
}

// finish performs the single transition to StateClosed.
func (c *Conn) finish(err error) {
	c.finishOnce.Do(func() {
		c.closeSocket()
		c.stopSends()
		putBufReader(c.reader)

		c.err = err
		c.state.Store(int32(StateClosed))

		if err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Info("connection closed with error", "conn", c.id, "addr", c.Addr(),
				"kind", Kind(err), "forced", c.forced.Load(), "error", err)
		} else {
			c.logger.Info("connection closed", "conn", c.id, "addr", c.Addr())
		}

		// The hook has returned by the time Done is closed.
		if c.opts.onClose != nil {
			c.opts.onClose(c)
		}

		close(c.done)
	})
}
