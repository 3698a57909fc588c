package vsockmux

import (
	"context"
	"net"
	"strconv"
	"strings"

	"github.com/mdlayher/vsock"
	"github.com/pkg/errors"
)

// Networks understood by ParseAddr.
const (
	NetworkVSock = "vsock"
	NetworkTCP   = "tcp"
)

// Well-known vsock context ids.
const (
	CIDHypervisor        = 0
	CIDLocal             = 1
	CIDHost              = 2
	CIDAny        uint32 = 4294967295 // 2^32-1
)

var namedCIDs = map[string]uint32{
	"hypervisor": CIDHypervisor,
	"local":      CIDLocal,
	"host":       CIDHost,
	"any":        CIDAny,
}

// Addr is a listen or dial endpoint: a (context-id, port) pair on vsock, or
// a host:port pair on TCP.
type Addr struct {
	Network   string
	ContextID uint32
	Host      string
	Port      uint32
}

// ParseAddr parses "vsock://cid:port", "tcp://host:port" or a bare
// "cid:port" / "host:port". A bare address whose host part is numeric or a
// named context id is taken as vsock.
func ParseAddr(s string) (Addr, error) {
	network := ""
	rest := s
	if i := strings.Index(s, "://"); i >= 0 {
		network, rest = strings.ToLower(s[:i]), s[i+3:]
	}

	host, portStr, err := net.SplitHostPort(rest)
	if err != nil {
		return Addr{}, errors.Wrapf(err, "parse address %q", s)
	}
	port, err := strconv.ParseUint(portStr, 10, 32)
	if err != nil {
		return Addr{}, errors.Wrapf(err, "parse port in %q", s)
	}

	cid, cidErr := parseCID(host)
	switch network {
	case "":
		if cidErr == nil {
			return Addr{Network: NetworkVSock, ContextID: cid, Port: uint32(port)}, nil
		}
		return Addr{Network: NetworkTCP, Host: host, Port: uint32(port)}, nil
	case NetworkVSock:
		if cidErr != nil {
			return Addr{}, errors.Wrapf(cidErr, "parse context id in %q", s)
		}
		return Addr{Network: NetworkVSock, ContextID: cid, Port: uint32(port)}, nil
	case NetworkTCP:
		return Addr{Network: NetworkTCP, Host: host, Port: uint32(port)}, nil
	default:
		return Addr{}, errors.Errorf("unsupported network %q in %q", network, s)
	}
}

func parseCID(s string) (uint32, error) {
	if cid, ok := namedCIDs[strings.ToLower(s)]; ok {
		return cid, nil
	}
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}

// String returns the address in its scheme-qualified form.
func (a Addr) String() string {
	if a.Network == NetworkVSock {
		return "vsock://" + strconv.FormatUint(uint64(a.ContextID), 10) + ":" + strconv.FormatUint(uint64(a.Port), 10)
	}
	return "tcp://" + a.hostPort()
}

func (a Addr) hostPort() string {
	return net.JoinHostPort(a.Host, strconv.FormatUint(uint64(a.Port), 10))
}

// listen binds a listening socket for a.
func listen(a Addr) (net.Listener, error) {
	var (
		ln  net.Listener
		err error
	)

	switch a.Network {
	case NetworkVSock:
		if a.ContextID == CIDAny {
			ln, err = vsock.Listen(a.Port, nil)
		} else {
			ln, err = vsock.ListenContextID(a.ContextID, a.Port, nil)
		}
	case NetworkTCP:
		ln, err = net.Listen("tcp", a.hostPort())
	default:
		err = errors.Errorf("unsupported network %q", a.Network)
	}

	if err != nil {
		return nil, newOpError("listen "+a.String(), ErrBindFailed, err)
	}
	return ln, nil
}

// dial opens a stream connection to a, giving up when ctx is done.
func dial(ctx context.Context, a Addr) (net.Conn, error) {
	var (
		conn net.Conn
		err  error
	)

	switch a.Network {
	case NetworkVSock:
		conn, err = dialVSock(ctx, a)
	case NetworkTCP:
		var d net.Dialer
		conn, err = d.DialContext(ctx, "tcp", a.hostPort())
	default:
		err = errors.Errorf("unsupported network %q", a.Network)
	}

	if err != nil {
		return nil, newOpError("dial "+a.String(), ErrConnectFailed, err)
	}
	return conn, nil
}

// dialVSock dials a vsock address. vsock.Dial takes no context, so the dial
// runs through dialAsync.
func dialVSock(ctx context.Context, a Addr) (net.Conn, error) {
	return dialAsync(ctx, func() (net.Conn, error) {
		c, err := vsock.Dial(a.ContextID, a.Port, nil)
		if err != nil {
			return nil, err
		}
		return c, nil
	})
}

// dialAsync runs a blocking dial on its own goroutine so the caller can stop
// waiting when ctx expires. A connection established after that is closed.
func dialAsync(ctx context.Context, dialFn func() (net.Conn, error)) (net.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	type result struct {
		conn net.Conn
		err  error
	}

	ch := make(chan result, 1)
	go func() {
		c, err := dialFn()
		ch <- result{conn: c, err: err}
	}()

	select {
	case r := <-ch:
		return r.conn, r.err
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.err == nil {
				_ = r.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

// LocalContextID returns the vsock context id of this machine.
func LocalContextID() (uint32, error) {
	cid, err := vsock.ContextID()
	if err != nil {
		return 0, errors.Wrap(err, "query local context id")
	}
	return cid, nil
}
