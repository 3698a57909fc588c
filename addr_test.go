package vsockmux

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"
)

func TestParseAddr(t *testing.T) {
	tests := []struct {
		in   string
		want Addr
	}{
		{in: "vsock://3:5000", want: Addr{Network: NetworkVSock, ContextID: 3, Port: 5000}},
		{in: "vsock://any:5000", want: Addr{Network: NetworkVSock, ContextID: CIDAny, Port: 5000}},
		{in: "vsock://HOST:1024", want: Addr{Network: NetworkVSock, ContextID: CIDHost, Port: 1024}},
		{in: "2:5000", want: Addr{Network: NetworkVSock, ContextID: 2, Port: 5000}},
		{in: "local:80", want: Addr{Network: NetworkVSock, ContextID: CIDLocal, Port: 80}},
		{in: "tcp://127.0.0.1:9000", want: Addr{Network: NetworkTCP, Host: "127.0.0.1", Port: 9000}},
		{in: "tcp://localhost:0", want: Addr{Network: NetworkTCP, Host: "localhost", Port: 0}},
		{in: "example.com:443", want: Addr{Network: NetworkTCP, Host: "example.com", Port: 443}},
		{in: "[::1]:8080", want: Addr{Network: NetworkTCP, Host: "::1", Port: 8080}},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseAddr(tt.in)
			if err != nil {
				t.Fatalf("ParseAddr failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("ParseAddr = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestParseAddr_Invalid(t *testing.T) {
	tests := []string{
		"",
		"5000",
		"vsock://host",
		"vsock://guest:5000",
		"vsock://3:port",
		"vsock://3:4294967296",
		"udp://127.0.0.1:53",
	}

	for _, in := range tests {
		t.Run(in, func(t *testing.T) {
			if _, err := ParseAddr(in); err == nil {
				t.Errorf("ParseAddr(%q) succeeded, want error", in)
			}
		})
	}
}

func TestAddr_String(t *testing.T) {
	tests := []struct {
		addr Addr
		want string
	}{
		{addr: Addr{Network: NetworkVSock, ContextID: 3, Port: 5000}, want: "vsock://3:5000"},
		{addr: Addr{Network: NetworkVSock, ContextID: CIDAny, Port: 1}, want: "vsock://4294967295:1"},
		{addr: Addr{Network: NetworkTCP, Host: "::1", Port: 80}, want: "tcp://[::1]:80"},
	}

	for _, tt := range tests {
		if got := tt.addr.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}

func TestDial_ConnectFailed(t *testing.T) {
	// Find a port that nothing listens on
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	address := ln.Addr().String()
	ln.Close()

	a, err := ParseAddr("tcp://" + address)
	if err != nil {
		t.Fatalf("ParseAddr failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err = dial(ctx, a)
	if !errors.Is(err, ErrConnectFailed) {
		t.Errorf("expected ErrConnectFailed, got %v", err)
	}
}

func TestDial_ContextDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	addrs := []Addr{
		{Network: NetworkVSock, ContextID: CIDHost, Port: 5000},
		{Network: NetworkTCP, Host: "127.0.0.1", Port: 5000},
	}
	for _, a := range addrs {
		_, err := dial(ctx, a)
		if !errors.Is(err, ErrConnectFailed) {
			t.Errorf("dial(%s) = %v, want ErrConnectFailed", a, err)
		}
		if a.Network == NetworkVSock && !errors.Is(err, context.Canceled) {
			t.Errorf("dial(%s) = %v, want context.Canceled cause", a, err)
		}
	}
}

func TestDialAsync_ClosesLateConnection(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()

	proceed := make(chan struct{})
	dialFn := func() (net.Conn, error) {
		<-proceed
		return local, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	conn, err := dialAsync(ctx, dialFn)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context.DeadlineExceeded, got %v", err)
	}
	if conn != nil {
		t.Fatal("expected no connection after the deadline")
	}

	// The dial completes after the caller gave up
	close(proceed)

	_ = remote.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := remote.Read(make([]byte, 1)); err != io.EOF {
		t.Errorf("expected io.EOF from abandoned connection, got %v", err)
	}
}

func TestDialAsync_ReturnsDialResult(t *testing.T) {
	local, remote := net.Pipe()
	defer local.Close()
	defer remote.Close()

	conn, err := dialAsync(context.Background(), func() (net.Conn, error) { return local, nil })
	if err != nil || conn != local {
		t.Errorf("dialAsync = %v, %v, want the dialed connection", conn, err)
	}

	wantErr := errors.New("no route")
	if _, err := dialAsync(context.Background(), func() (net.Conn, error) { return nil, wantErr }); err != wantErr {
		t.Errorf("dialAsync error = %v, want %v", err, wantErr)
	}
}

func TestListen_TCP(t *testing.T) {
	ln, err := listen(Addr{Network: NetworkTCP, Host: "127.0.0.1"})
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	defer ln.Close()

	if ln.Addr().Network() != "tcp" {
		t.Errorf("network = %q, want tcp", ln.Addr().Network())
	}
}
