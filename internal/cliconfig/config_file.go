package cliconfig

import (
	"os"
	"path/filepath"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"
)

// FileConfig mirrors Config but uses strings for durations to make TOML friendly.
type FileConfig struct {
	Address          string `toml:"address"`
	MaxConns         int    `toml:"max_conns"`
	MaxFrameSize     int    `toml:"max_frame_size"`
	QueueDepth       int    `toml:"queue_depth"`
	ShutdownDeadline string `toml:"shutdown_deadline"`
	IdleTimeout      string `toml:"idle_timeout"`
	WriteTimeout     string `toml:"write_timeout"`
	RequestTimeout   string `toml:"timeout"`
	ConnectTimeout   string `toml:"connect_timeout"`
	StatsInterval    string `toml:"stats_interval"`
	Ack              string `toml:"ack"`
	Output           string `toml:"output"`
	LogLevel         string `toml:"log_level"`
}

// LoadFileConfig reads and parses a TOML config file.
func LoadFileConfig(path string) (FileConfig, error) {
	var fc FileConfig
	b, err := os.ReadFile(path)
	if err != nil {
		return fc, errors.Wrap(err, "read config")
	}
	if err := toml.Unmarshal(b, &fc); err != nil {
		return fc, errors.Wrapf(err, "parse %s", path)
	}
	return fc, nil
}

// DefaultConfigPath returns the default configuration file path.
// Returns ~/.vsockmux/config.toml if user home directory is accessible.
func DefaultConfigPath() string {
	if h, err := os.UserHomeDir(); err == nil {
		return filepath.Join(h, ".vsockmux", "config.toml")
	}
	return ""
}

// ApplyFileConfig applies configuration from a file to the Config struct.
// It respects flags that have been explicitly set (changed map).
func ApplyFileConfig(cfg *Config, fc FileConfig, changed map[string]bool) error {
	s := newConfigSetter(changed)

	s.setString("address", fc.Address, &cfg.Address)
	s.setString("ack", fc.Ack, &cfg.Ack)
	s.setString("output", fc.Output, &cfg.Output)
	s.setString("log-level", fc.LogLevel, &cfg.LogLevel)

	s.setInt("max-conns", fc.MaxConns, &cfg.MaxConns)
	s.setInt("max-frame-size", fc.MaxFrameSize, &cfg.MaxFrameSize)
	s.setInt("queue-depth", fc.QueueDepth, &cfg.QueueDepth)

	durations := []struct {
		flag  string
		value string
		dst   *time.Duration
	}{
		{"shutdown-deadline", fc.ShutdownDeadline, &cfg.ShutdownDeadline},
		{"idle-timeout", fc.IdleTimeout, &cfg.IdleTimeout},
		{"write-timeout", fc.WriteTimeout, &cfg.WriteTimeout},
		{"timeout", fc.RequestTimeout, &cfg.RequestTimeout},
		{"connect-timeout", fc.ConnectTimeout, &cfg.ConnectTimeout},
		{"stats-interval", fc.StatsInterval, &cfg.StatsInterval},
	}
	for _, d := range durations {
		if err := s.setDuration(d.flag, d.value, d.dst); err != nil {
			return err
		}
	}

	return nil
}

// FileExists checks if a file exists at the given path.
func FileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}
