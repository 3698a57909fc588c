package vsockmux

import (
	"context"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"
)

// Server accepts connections on one listening socket and runs a Conn for
// each, up to Config.MaxConnections at a time. It holds all process-wide
// serving state; nothing is global.
type Server struct {
	cfg      Config
	listener net.Listener
	handler  Handler
	logger   Logger
	connOpts []Option

	statsInterval time.Duration

	slots  *semaphore.Weighted
	nextID atomic.Uint64

	mu       sync.Mutex
	conns    map[uint64]*Conn
	shutdown bool

	accepted       atomic.Uint64
	refused        atomic.Uint64
	forceClosed    atomic.Uint64
	protocolErrors atomic.Uint64

	baseCtx    context.Context
	cancelBase context.CancelFunc

	listenerOnce sync.Once
	shutdownOnce sync.Once
	report       ShutdownReport
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// ServerLoggerOption sets the logger for the server and its connections.
func ServerLoggerOption(logger Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// ServerConnOption adds connection options applied to every accepted
// connection, such as OnErrorOption. Limits come from the Config.
func ServerConnOption(opts ...Option) ServerOption {
	return func(s *Server) {
		s.connOpts = append(s.connOpts, opts...)
	}
}

// StatsIntervalOption logs the server counters every d while serving.
// Zero disables it.
func StatsIntervalOption(d time.Duration) ServerOption {
	return func(s *Server) {
		s.statsInterval = d
	}
}

// Listen binds the listening socket for cfg.Address.
// Returns an error matching ErrBindFailed if the address cannot be bound.
func Listen(cfg Config, handler Handler, opts ...ServerOption) (*Server, error) {
	if handler == nil {
		return nil, ErrInvalidHandler
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}

	addr, err := ParseAddr(cfg.Address)
	if err != nil {
		return nil, newOpError("listen", ErrBindFailed, err)
	}

	ln, err := listen(addr)
	if err != nil {
		return nil, err
	}

	return newServer(ln, cfg, handler, opts...), nil
}

// NewServer serves on an already bound listener. cfg.Address is ignored.
func NewServer(ln net.Listener, cfg Config, handler Handler, opts ...ServerOption) (*Server, error) {
	if handler == nil {
		return nil, ErrInvalidHandler
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}
	return newServer(ln, cfg, handler, opts...), nil
}

func newServer(ln net.Listener, cfg Config, handler Handler, opts ...ServerOption) *Server {
	s := &Server{
		cfg:      cfg,
		listener: ln,
		handler:  handler,
		logger:   defaultLogger(),
		slots:    semaphore.NewWeighted(int64(cfg.MaxConnections)),
		conns:    make(map[uint64]*Conn),
	}
	s.baseCtx, s.cancelBase = context.WithCancel(context.Background())

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Serve accepts connections until Shutdown is called or ctx is canceled.
// It returns ErrServerClosed after Shutdown and ctx.Err() after cancellation;
// in both cases the listening socket is closed and no further accepts occur.
// Serve does not wait for running connections; that is Shutdown's job.
func (s *Server) Serve(ctx context.Context) error {
	s.logger.Info("server started", "addr", s.Addr(), "max_conns", s.cfg.MaxConnections)

	stop := context.AfterFunc(ctx, s.stopAccepting)
	defer stop()

	if s.statsInterval > 0 {
		go s.logStats(ctx, s.statsInterval)
	}

	var tempDelay time.Duration // how long to sleep on accept failure

	for {
		rw, err := s.listener.Accept()
		if err != nil {
			if s.isShuttingDown() {
				s.logger.Info("server stopped", "addr", s.Addr())
				return ErrServerClosed
			}
			if ctx.Err() != nil {
				s.logger.Info("server stopped", "addr", s.Addr())
				return ctx.Err()
			}

			if ne, ok := err.(interface{ Temporary() bool }); ok && ne.Temporary() {
				tempDelay = s.sleep(tempDelay)
				s.logger.Warn("accept error, retrying", "error", err, "delay", tempDelay)
				continue
			}
			s.logger.Error("accept error", "error", err)
			return errors.Wrap(err, "accept")
		}

		tempDelay = 0
		s.handle(rw)
	}
}

// handle takes ownership of an accepted socket. At capacity the socket is
// closed right away and counted; otherwise a Conn is registered and run.
func (s *Server) handle(rw net.Conn) {
	if !s.slots.TryAcquire(1) {
		refused := s.refused.Add(1)
		s.logger.Warn("connection refused at capacity", "addr", rw.RemoteAddr(),
			"max_conns", s.cfg.MaxConnections, "refused_total", refused)
		_ = rw.Close()
		return
	}

	id := s.nextID.Add(1)
	opts := make([]Option, 0, len(s.connOpts)+8)
	opts = append(opts, LoggerOption(s.logger))
	opts = append(opts, s.connOpts...)
	opts = append(opts,
		HandlerOption(s.handler),
		QueueDepthOption(s.cfg.WriteQueueDepth),
		MaxFrameSizeOption(s.cfg.MaxFrameSize),
		IdleTimeoutOption(s.cfg.IdleTimeout),
		WriteTimeoutOption(s.cfg.WriteTimeout),
		connIDOption(id),
		onCloseOption(s.release),
	)

	c, err := NewConn(rw, opts...)
	if err != nil {
		s.logger.Error("connection setup failed", "addr", rw.RemoteAddr(), "error", err)
		s.slots.Release(1)
		_ = rw.Close()
		return
	}

	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		_ = c.Close()
		return
	}
	s.conns[id] = c
	s.mu.Unlock()

	s.accepted.Add(1)
	s.logger.Debug("accepted connection", "conn", id, "remote_addr", rw.RemoteAddr())

	go func() {
		_ = c.Run(s.baseCtx)
	}()
}

// release runs once per connection as it reaches StateClosed, before Done
// is closed.
func (s *Server) release(c *Conn) {
	s.mu.Lock()
	delete(s.conns, c.ID())
	s.mu.Unlock()

	if errors.Is(c.err, ErrFrameTooLarge) {
		s.protocolErrors.Add(1)
	}
	s.slots.Release(1)
}

func (s *Server) isShuttingDown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdown
}

// stopAccepting closes the listening socket once.
func (s *Server) stopAccepting() {
	s.listenerOnce.Do(func() {
		_ = s.listener.Close()
	})
}

func (s *Server) sleep(tempDelay time.Duration) time.Duration {
	if tempDelay == 0 {
		tempDelay = 5 * time.Millisecond
	} else {
		tempDelay *= 2
	}
	if max := 1 * time.Second; tempDelay > max {
		tempDelay = max
	}
	time.Sleep(tempDelay)
	return tempDelay
}

// Addr returns the listener's network address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// ConnInfo describes one live connection.
type ConnInfo struct {
	ID    uint64
	Addr  string
	State State
}

// Conns returns the live connections ordered by id.
func (s *Server) Conns() []ConnInfo {
	s.mu.Lock()
	infos := make([]ConnInfo, 0, len(s.conns))
	for _, c := range s.conns {
		infos = append(infos, ConnInfo{ID: c.ID(), Addr: c.Addr().String(), State: c.State()})
	}
	s.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}
