package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/Zereker/vsockmux"
)

// upperHandler answers every frame with its upper-cased payload and counts
// the frames it served.
type upperHandler struct {
	frames atomic.Int64
}

func (h *upperHandler) ServeFrame(w vsockmux.ResponseWriter, payload []byte) error {
	h.frames.Add(1)
	return w.Send([]byte(strings.ToUpper(string(payload))))
}

// client sends a few requests on one session, then closes it.
func client(ctx context.Context, address string) {
	c := vsockmux.NewClient(vsockmux.DefaultConfig())

	session, err := c.Connect(ctx, address)
	if err != nil {
		slog.Error("connect failed", "kind", vsockmux.Kind(err), "error", err)
		return
	}
	defer session.Close()

	for _, msg := range []string{"ping", "hello", "vsock"} {
		resp, err := session.Request(ctx, []byte(msg), time.Second)
		if err != nil {
			slog.Error("request failed", "kind", vsockmux.Kind(err), "error", err)
			return
		}
		slog.Info("response", "request", msg, "response", string(resp))
	}
}

func main() {
	cfg := vsockmux.DefaultConfig()
	cfg.Address = "tcp://127.0.0.1:12345"
	if len(os.Args) > 1 {
		cfg.Address = os.Args[1]
	}

	handler := &upperHandler{}
	server, err := vsockmux.Listen(cfg, handler,
		vsockmux.ServerConnOption(vsockmux.OnErrorOption(func(err error) vsockmux.ErrorAction {
			slog.Error("connection error", "error", err)
			return vsockmux.Disconnect
		})),
		vsockmux.StatsIntervalOption(10*time.Second),
	)
	if err != nil {
		slog.Error("failed to create server", "error", err)
		return
	}

	// Handle graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go client(ctx, cfg.Address)

	slog.Info("server start", "addr", cfg.Address)
	if err := server.Serve(ctx); err != nil && err != context.Canceled {
		slog.Error("server error", "error", err)
	}

	slog.Info("shutting down server...")
	report := server.Shutdown(cfg.ShutdownDeadline)
	slog.Info("server stopped",
		"frames", handler.frames.Load(),
		"drained", report.Drained,
		"force_closed", report.ForceClosed,
		"elapsed", report.Elapsed)
}
