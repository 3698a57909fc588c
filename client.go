package vsockmux

import (
	"bufio"
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Client opens Sessions to frame servers.
type Client struct {
	cfg    Config
	logger Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// ClientLoggerOption sets the logger for the client and its sessions.
func ClientLoggerOption(logger Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient returns a client using the frame size and timeouts of cfg.
func NewClient(cfg Config, opts ...ClientOption) *Client {
	c := &Client{
		cfg:    cfg,
		logger: defaultLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect dials address and returns a Session on the new connection.
// It fails with ErrConnectFailed if the connection cannot be established
// within Config.ConnectTimeout.
func (c *Client) Connect(ctx context.Context, address string) (*Session, error) {
	addr, err := ParseAddr(address)
	if err != nil {
		return nil, newOpError("connect", ErrConnectFailed, err)
	}

	if c.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.ConnectTimeout)
		defer cancel()
	}

	conn, err := dial(ctx, addr)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("session connected", "addr", addr.String())
	return newSession(conn, c.cfg, c.logger), nil
}

// Do connects to address, performs one request and closes the session.
func (c *Client) Do(ctx context.Context, address string, payload []byte) ([]byte, error) {
	s, err := c.Connect(ctx, address)
	if err != nil {
		return nil, err
	}
	defer s.Close()

	return s.Request(ctx, payload, c.cfg.RequestTimeout)
}

// call is one request waiting in the correlation map.
type call struct {
	id        uint64
	reply     chan result
	abandoned bool
}

type result struct {
	payload []byte
	err     error
}

// Session is a client connection carrying one request at a time.
// Responses are correlated with requests in the order they were sent.
type Session struct {
	conn    net.Conn
	reader  *bufio.Reader
	codec   *Codec
	logger  Logger
	timeout time.Duration

	// turn holds a token while a request is outstanding.
	turn chan struct{}

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]*call
	order   []uint64
	closed  bool

	closeOnce sync.Once
	done      chan struct{}
	readDone  chan struct{}
}

func newSession(conn net.Conn, cfg Config, logger Logger) *Session {
	s := &Session{
		conn:     conn,
		reader:   getBufReader(conn),
		codec:    NewCodec(cfg.MaxFrameSize),
		logger:   logger,
		timeout:  cfg.RequestTimeout,
		turn:     make(chan struct{}, 1),
		pending:  make(map[uint64]*call),
		done:     make(chan struct{}),
		readDone: make(chan struct{}),
	}
	go s.readLoop()
	return s
}

// Request sends payload and waits for the correlated response.
// A non-positive timeout selects Config.RequestTimeout. Waiting for a
// previous request on the same session counts against the timeout.
//
// Returns ErrPayloadTooLarge, ErrTimeout when no response arrived in time,
// or ErrConnectionClosed when the peer closed before responding.
func (s *Session) Request(ctx context.Context, payload []byte, timeout time.Duration) ([]byte, error) {
	data, err := s.codec.Encode(payload)
	if err != nil {
		return nil, err
	}

	if timeout <= 0 {
		timeout = s.timeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	select {
	case s.turn <- struct{}{}:
	case <-ctx.Done():
		return nil, requestError(ctx.Err())
	case <-s.done:
		return nil, newOpError("request", ErrConnectionClosed, nil)
	}
	defer func() { <-s.turn }()

	c, err := s.register()
	if err != nil {
		return nil, err
	}

	if err := s.write(ctx, data); err != nil {
		s.forget(c.id)
		s.closeConn()
		return nil, err
	}

	select {
	case r := <-c.reply:
		return r.payload, r.err
	case <-ctx.Done():
		s.abandon(c.id)
		return nil, requestError(ctx.Err())
	}
}

// Pending returns the number of requests in the correlation map, including
// timed-out ones whose response has not arrived yet.
func (s *Session) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Done is closed once the session's connection is closed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Close closes the connection and fails any waiting request with
// ErrConnectionClosed. Safe to call multiple times.
func (s *Session) Close() error {
	s.closeConn()
	<-s.readDone
	return nil
}

func (s *Session) register() (*call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, newOpError("request", ErrConnectionClosed, nil)
	}

	s.nextID++
	c := &call{id: s.nextID, reply: make(chan result, 1)}
	s.pending[c.id] = c
	s.order = append(s.order, c.id)
	return c, nil
}

// forget removes a request that never made it onto the wire.
func (s *Session) forget(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.pending, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// abandon keeps a timed-out request in order so its late response is
// discarded instead of being handed to the next caller.
func (s *Session) abandon(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.pending[id]; ok {
		c.abandoned = true
	}
}

func (s *Session) write(ctx context.Context, data []byte) error {
	if deadline, ok := ctx.Deadline(); ok {
		_ = s.conn.SetWriteDeadline(deadline)
	} else {
		_ = s.conn.SetWriteDeadline(time.Time{})
	}

	if _, err := s.conn.Write(data); err != nil {
		if isTimeout(err) {
			return newOpError("request", ErrTimeout, err)
		}
		return newOpError("request", ErrConnectionClosed, err)
	}
	return nil
}

func (s *Session) readLoop() {
	defer close(s.readDone)

	var err error
	for {
		var frame Frame
		frame, err = s.codec.Decode(s.reader)
		if err != nil {
			break
		}
		s.deliver(frame.Payload())
	}

	s.fail(err)
	putBufReader(s.reader)
}

// deliver hands payload to the oldest request in the correlation map.
func (s *Session) deliver(payload []byte) {
	s.mu.Lock()
	if len(s.order) == 0 {
		s.mu.Unlock()
		s.logger.Warn("unsolicited response dropped", "addr", s.conn.RemoteAddr(), "bytes", len(payload))
		return
	}

	id := s.order[0]
	s.order = s.order[1:]
	c := s.pending[id]
	delete(s.pending, id)
	abandoned := c.abandoned
	s.mu.Unlock()

	if abandoned {
		s.logger.Debug("late response discarded", "request", id, "bytes", len(payload))
		return
	}
	c.reply <- result{payload: payload}
}

// fail closes the session after a read error and wakes every waiter.
func (s *Session) fail(err error) {
	s.mu.Lock()
	s.closed = true
	calls := s.pending
	s.pending = make(map[uint64]*call)
	s.order = nil
	s.mu.Unlock()

	if !errors.Is(err, ErrConnectionClosed) {
		err = newOpError("receive", ErrConnectionClosed, err)
	}
	for _, c := range calls {
		c.reply <- result{err: err}
	}

	s.closeConn()
}

func (s *Session) closeConn() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

// requestError maps a context error of a request.
func requestError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return newOpError("request", ErrTimeout, err)
	}
	return err
}
