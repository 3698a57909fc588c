package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Zereker/vsockmux"
)

func newServeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Accept connections and answer every frame",
		Long: `Accept connections on --address and answer every received frame, by echoing
it or with the fixed --ack payload. On SIGINT or SIGTERM the server stops
accepting, drains live connections within --shutdown-deadline, force-closes
the rest and prints the shutdown report.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.serve(cmd)
		},
	}

	f := cmd.Flags()
	f.StringVar(&a.cfg.Address, "address", a.cfg.Address, "listen address (vsock://cid:port or tcp://host:port)")
	f.IntVar(&a.cfg.MaxConns, "max-conns", a.cfg.MaxConns, "maximum concurrent connections; extra connections are closed on accept")
	f.IntVar(&a.cfg.MaxFrameSize, "max-frame-size", a.cfg.MaxFrameSize, "maximum payload size in bytes")
	f.IntVar(&a.cfg.QueueDepth, "queue-depth", a.cfg.QueueDepth, "responses queued per connection before it is overloaded")
	f.DurationVar(&a.cfg.ShutdownDeadline, "shutdown-deadline", a.cfg.ShutdownDeadline, "time allowed for connections to drain on shutdown")
	f.DurationVar(&a.cfg.IdleTimeout, "idle-timeout", a.cfg.IdleTimeout, "close connections idle for this long (0 disables)")
	f.DurationVar(&a.cfg.WriteTimeout, "write-timeout", a.cfg.WriteTimeout, "deadline for a single socket write (0 disables)")
	f.StringVar(&a.cfg.Ack, "ack", a.cfg.Ack, "reply with this fixed payload instead of echoing")
	f.DurationVar(&a.cfg.StatsInterval, "stats-interval", a.cfg.StatsInterval, "log server counters at this interval (0 disables)")

	return cmd
}

func (a *app) serve(cmd *cobra.Command) error {
	handler := vsockmux.EchoHandler()
	if a.cfg.Ack != "" {
		handler = vsockmux.AckHandler([]byte(a.cfg.Ack))
	}

	server, err := vsockmux.Listen(a.cfg.Library(), handler,
		vsockmux.ServerLoggerOption(a.logger()),
		vsockmux.StatsIntervalOption(a.cfg.StatsInterval),
	)
	if err != nil {
		return err
	}

	// Setup signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(ctx)
	}()

	err = <-errCh
	if ctx.Err() == nil {
		// Serve failed on its own
		server.Shutdown(a.cfg.ShutdownDeadline)
		return err
	}
	a.log.Info().Dur("deadline", a.cfg.ShutdownDeadline).Msg("shutting down")

	report := server.Shutdown(a.cfg.ShutdownDeadline)
	return a.print(cmd, report)
}
