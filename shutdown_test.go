package vsockmux

import (
	"errors"
	"io"
	"net"
	"reflect"
	"sync"
	"testing"
	"time"
)

// connectAndPing opens a connection and waits for one echo so the server
// has registered it before returning.
func connectAndPing(t *testing.T, address string) net.Conn {
	t.Helper()

	conn := dialRaw(t, address)
	writeTestFrame(t, conn, []byte("ping"))
	readTestFrame(t, conn)
	return conn
}

func expectEOF(t *testing.T, conn net.Conn) {
	t.Helper()

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := conn.Read(make([]byte, 1)); err != io.EOF {
		t.Errorf("expected io.EOF, got %v", err)
	}
}

func TestServer_Shutdown_NoConnections(t *testing.T) {
	server, _, done := startTestServer(t, testConfig(), EchoHandler())

	report := server.Shutdown(time.Second)
	if report.Drained != 0 || len(report.ForceClosed) != 0 {
		t.Errorf("report = %+v, want empty", report)
	}

	select {
	case err := <-done:
		if err != ErrServerClosed {
			t.Errorf("Serve returned %v, want ErrServerClosed", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
}

func TestServer_Shutdown_DrainsIdleConnections(t *testing.T) {
	server, address, _ := startTestServer(t, testConfig(), EchoHandler())

	conns := []net.Conn{
		connectAndPing(t, address),
		connectAndPing(t, address),
		connectAndPing(t, address),
	}

	report := server.Shutdown(2 * time.Second)
	if report.Drained != 3 {
		t.Errorf("Drained = %d, want 3", report.Drained)
	}
	if len(report.ForceClosed) != 0 {
		t.Errorf("ForceClosed = %v, want none", report.ForceClosed)
	}
	if report.Elapsed >= 2*time.Second {
		t.Errorf("Elapsed = %v, idle connections should drain promptly", report.Elapsed)
	}

	for _, c := range conns {
		expectEOF(t, c)
	}

	if n := server.Stats().Active; n != 0 {
		t.Errorf("active = %d, want 0", n)
	}
}

func TestServer_Shutdown_CompletesInFlightRequest(t *testing.T) {
	started := make(chan struct{})
	h := HandlerFunc(func(w ResponseWriter, payload []byte) error {
		close(started)
		time.Sleep(200 * time.Millisecond)
		return w.Send([]byte("done"))
	})
	server, address, _ := startTestServer(t, testConfig(), h)

	conn := dialRaw(t, address)
	writeTestFrame(t, conn, []byte("work"))
	<-started

	report := server.Shutdown(2 * time.Second)

	if got := readTestFrame(t, conn); string(got) != "done" {
		t.Errorf("response = %q, want done", got)
	}
	expectEOF(t, conn)

	if report.Drained != 1 || len(report.ForceClosed) != 0 {
		t.Errorf("report = %+v, want 1 drained", report)
	}
}

func TestServer_Shutdown_ForceClosesStalledConnection(t *testing.T) {
	server, address, _ := startTestServer(t, testConfig(), EchoHandler())

	// Connection 1 stops in the middle of a frame header
	stalled := connectAndPing(t, address)
	idle := connectAndPing(t, address)

	if _, err := stalled.Write([]byte{0, 0}); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	deadline := 200 * time.Millisecond
	report := server.Shutdown(deadline)

	if !reflect.DeepEqual(report.ForceClosed, []uint64{1}) {
		t.Errorf("ForceClosed = %v, want [1]", report.ForceClosed)
	}
	if report.Drained != 1 {
		t.Errorf("Drained = %d, want 1", report.Drained)
	}
	if report.Elapsed < deadline {
		t.Errorf("Elapsed = %v, want at least %v", report.Elapsed, deadline)
	}
	if report.Elapsed > deadline+time.Second {
		t.Errorf("Elapsed = %v, force close took too long", report.Elapsed)
	}

	expectEOF(t, idle)

	_ = stalled.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := stalled.Read(make([]byte, 1)); err == nil {
		t.Error("stalled connection still open")
	}

	if n := server.Stats().ForceClosed; n != 1 {
		t.Errorf("force closed counter = %d, want 1", n)
	}
}

func TestServer_Shutdown_DoesNotWaitForStuckHandler(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	entered := make(chan struct{}, 1)
	handler := HandlerFunc(func(w ResponseWriter, payload []byte) error {
		entered <- struct{}{}
		<-release
		return w.Send(payload)
	})
	server, address, _ := startTestServer(t, testConfig(), handler)

	conn := dialRaw(t, address)
	writeTestFrame(t, conn, []byte("slow"))

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("handler was not called")
	}

	deadline := 200 * time.Millisecond
	start := time.Now()
	report := server.Shutdown(deadline)

	if took := time.Since(start); took > deadline+time.Second {
		t.Errorf("Shutdown took %v with a %v deadline", took, deadline)
	}
	if !reflect.DeepEqual(report.ForceClosed, []uint64{1}) {
		t.Errorf("ForceClosed = %v, want [1]", report.ForceClosed)
	}
	if report.Drained != 0 {
		t.Errorf("Drained = %d, want 0", report.Drained)
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Error("connection still open after force close")
	}
}

func TestServer_Shutdown_Idempotent(t *testing.T) {
	server, address, done := startTestServer(t, testConfig(), EchoHandler())
	connectAndPing(t, address)
	connectAndPing(t, address)

	var wg sync.WaitGroup
	reports := make([]ShutdownReport, 5)
	for i := range reports {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			reports[i] = server.Shutdown(time.Second)
		}(i)
	}
	wg.Wait()

	for i := 1; i < len(reports); i++ {
		if !reflect.DeepEqual(reports[i], reports[0]) {
			t.Errorf("report %d = %+v, want %+v", i, reports[i], reports[0])
		}
	}
	if reports[0].Drained != 2 {
		t.Errorf("Drained = %d, want 2", reports[0].Drained)
	}

	// A later call returns the same report without doing anything
	if again := server.Shutdown(0); !reflect.DeepEqual(again, reports[0]) {
		t.Errorf("later Shutdown = %+v, want %+v", again, reports[0])
	}

	if err := <-done; !errors.Is(err, ErrServerClosed) {
		t.Errorf("Serve returned %v, want ErrServerClosed", err)
	}

	st := server.Stats()
	if st.Active != 0 || st.Accepted != 2 {
		t.Errorf("stats = %+v, want 0 active and 2 accepted", st)
	}
}

func TestServer_Shutdown_StopsAccepting(t *testing.T) {
	server, address, _ := startTestServer(t, testConfig(), EchoHandler())
	server.Shutdown(time.Second)

	conn, err := net.DialTimeout("tcp", server.Addr().String(), time.Second)
	if err == nil {
		conn.Close()
		t.Errorf("dial to %s succeeded after shutdown", address)
	}
}
