package main

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	pflag "github.com/spf13/pflag"

	"github.com/Zereker/vsockmux"
	"github.com/Zereker/vsockmux/internal/cliconfig"
	"github.com/Zereker/vsockmux/internal/output"
)

const longHelp = `Serve and call length-prefixed request/response endpoints over vsock.

Every message is a frame: a 4-byte big-endian length followed by the payload.
Addresses are vsock://<cid>:<port> (cid may be host, local, hypervisor or any)
or tcp://<host>:<port> for testing without a hypervisor.

Configuration is read from flags, then VSOCKMUX_* environment variables, then
the TOML file given by --config (default $HOME/.vsockmux/config.toml).`

var exampleUsage = strings.TrimSpace(`
  vsockmux serve --address vsock://any:5000 --max-conns 32
  vsockmux dial --address vsock://3:5000 --payload PING
  vsockmux cid --output json
`)

func getVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "dev"
}

// app is the state shared by all subcommands of one invocation.
type app struct {
	cfg     cliconfig.Config
	cfgPath string

	log       zerolog.Logger
	formatter output.Formatter
}

// logger returns the library logger backed by the CLI's zerolog logger.
func (a *app) logger() vsockmux.Logger {
	return vsockmux.NewZerologLogger(a.log)
}

func newRootCmd() *cobra.Command {
	a := &app{cfg: cliconfig.DefaultConfig()}

	root := &cobra.Command{
		Use:           "vsockmux",
		Short:         "Length-prefixed request/response server and client over vsock",
		Long:          longHelp,
		Example:       exampleUsage,
		Version:       fmt.Sprintf("%s %s/%s", getVersion(), runtime.GOOS, runtime.GOARCH),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load(cmd)
		},
	}

	root.PersistentFlags().StringVar(&a.cfgPath, "config", "", "path to config file (default: $HOME/.vsockmux/config.toml)")
	root.PersistentFlags().StringVar(&a.cfg.LogLevel, "log-level", a.cfg.LogLevel, "log level: trace, debug, info, warn, error")
	root.PersistentFlags().StringVarP(&a.cfg.Output, "output", "o", a.cfg.Output, "output format: text, json, yaml")

	root.AddCommand(
		newServeCmd(a),
		newDialCmd(a),
		newCIDCmd(a),
	)

	return root
}

// load applies the config file and environment beneath the flags that were
// set explicitly, then validates the result and builds the logger.
func (a *app) load(cmd *cobra.Command) error {
	cfgFile := a.cfgPath
	explicit := cfgFile != ""
	if cfgFile == "" {
		cfgFile = cliconfig.DefaultConfigPath()
	}

	// Build set of changed flags
	changed := map[string]bool{}
	cmd.Flags().Visit(func(f *pflag.Flag) { changed[f.Name] = true })

	switch {
	case cfgFile != "" && cliconfig.FileExists(cfgFile):
		fc, err := cliconfig.LoadFileConfig(cfgFile)
		if err != nil {
			return errors.Wrap(err, "load config")
		}
		if err := cliconfig.ApplyFileConfig(&a.cfg, fc, changed); err != nil {
			return err
		}
	case explicit:
		return errors.Errorf("config file %s not found", cfgFile)
	}

	if err := cliconfig.ApplyEnvConfig(&a.cfg, changed); err != nil {
		return err
	}

	if err := a.cfg.Validate(); err != nil {
		return err
	}

	log, err := cliconfig.NewLogger(cmd.ErrOrStderr(), a.cfg.LogLevel)
	if err != nil {
		return err
	}
	a.log = log
	if a.formatter, err = output.For(a.cfg.Output); err != nil {
		return err
	}

	a.log.Debug().Interface("config", a.cfg).Msg("configuration")
	return nil
}

// print writes v to the command's output in the configured format.
func (a *app) print(cmd *cobra.Command, v any) error {
	return a.formatter.Write(cmd.OutOrStdout(), v)
}
