package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Zereker/vsockmux"
)

// dialResult is what dial prints for a successful request.
type dialResult struct {
	Address  string        `json:"address" yaml:"address"`
	Request  int           `json:"request_bytes" yaml:"request_bytes"`
	Response string        `json:"response" yaml:"response"`
	Elapsed  time.Duration `json:"elapsed" yaml:"elapsed"`
}

// Text prints only the response payload.
func (r dialResult) Text() string {
	return r.Response
}

func newDialCmd(a *app) *cobra.Command {
	var payload string

	cmd := &cobra.Command{
		Use:   "dial",
		Short: "Send one frame and print the response",
		Long: `Connect to --address, send --payload as one frame and print the response frame.
Failures are reported as "<Kind>: <cause>" on stderr with a non-zero exit
status, where Kind is ConnectFailed, Timeout, ConnectionClosed or
PayloadTooLarge.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.dial(cmd, []byte(payload))
		},
	}

	f := cmd.Flags()
	f.StringVar(&a.cfg.Address, "address", a.cfg.Address, "server address (vsock://cid:port or tcp://host:port)")
	f.StringVar(&payload, "payload", "PING", "request payload")
	f.IntVar(&a.cfg.MaxFrameSize, "max-frame-size", a.cfg.MaxFrameSize, "maximum payload size in bytes")
	f.DurationVar(&a.cfg.RequestTimeout, "timeout", a.cfg.RequestTimeout, "time to wait for the response")
	f.DurationVar(&a.cfg.ConnectTimeout, "connect-timeout", a.cfg.ConnectTimeout, "time to wait for the connection")

	return cmd
}

func (a *app) dial(cmd *cobra.Command, payload []byte) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := vsockmux.NewClient(a.cfg.Library(), vsockmux.ClientLoggerOption(a.logger()))

	start := time.Now()
	resp, err := client.Do(ctx, a.cfg.Address, payload)
	if err != nil {
		return err
	}

	a.log.Debug().Int("bytes", len(resp)).Dur("elapsed", time.Since(start)).Msg("response received")
	return a.print(cmd, dialResult{
		Address:  a.cfg.Address,
		Request:  len(payload),
		Response: string(resp),
		Elapsed:  time.Since(start),
	})
}
