package cliconfig

import (
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/Zereker/vsockmux"
)

// Output formats accepted by --output.
const (
	OutputText = "text"
	OutputJSON = "json"
	OutputYAML = "yaml"
)

// Config holds CLI configuration for vsockmux.
type Config struct {
	Address string

	MaxConns     int
	MaxFrameSize int
	QueueDepth   int

	ShutdownDeadline time.Duration
	IdleTimeout      time.Duration
	WriteTimeout     time.Duration
	RequestTimeout   time.Duration
	ConnectTimeout   time.Duration
	StatsInterval    time.Duration

	// Ack, when set, makes serve reply with this fixed payload instead of echoing.
	Ack string

	Output   string
	LogLevel string
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	lib := vsockmux.DefaultConfig()
	return Config{
		Address:          lib.Address,
		MaxConns:         lib.MaxConnections,
		MaxFrameSize:     lib.MaxFrameSize,
		QueueDepth:       lib.WriteQueueDepth,
		ShutdownDeadline: lib.ShutdownDeadline,
		IdleTimeout:      lib.IdleTimeout,
		WriteTimeout:     lib.WriteTimeout,
		RequestTimeout:   lib.RequestTimeout,
		ConnectTimeout:   lib.ConnectTimeout,
		Output:           OutputText,
		LogLevel:         zerolog.LevelInfoValue,
	}
}

// Library converts the CLI configuration to the library Config.
func (c Config) Library() vsockmux.Config {
	return vsockmux.Config{
		Address:          c.Address,
		MaxConnections:   c.MaxConns,
		MaxFrameSize:     c.MaxFrameSize,
		WriteQueueDepth:  c.QueueDepth,
		ShutdownDeadline: c.ShutdownDeadline,
		RequestTimeout:   c.RequestTimeout,
		ConnectTimeout:   c.ConnectTimeout,
		IdleTimeout:      c.IdleTimeout,
		WriteTimeout:     c.WriteTimeout,
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Address == "" {
		return errors.New("address is required")
	}
	if _, err := vsockmux.ParseAddr(c.Address); err != nil {
		return err
	}

	switch strings.ToLower(c.Output) {
	case OutputText, OutputJSON, OutputYAML:
	default:
		return errors.Errorf("unsupported output format %q (want text, json or yaml)", c.Output)
	}

	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return errors.Wrap(err, "parse log-level")
	}

	if c.StatsInterval < 0 {
		return errors.New("stats interval must not be negative")
	}

	lib := c.Library()
	return lib.Validate()
}

// configSetter helps apply configuration values while respecting flag precedence.
// It only applies values if the corresponding flag hasn't been explicitly set.
type configSetter struct {
	changed map[string]bool
}

// newConfigSetter creates a new setter with the given changed flags map.
func newConfigSetter(changed map[string]bool) *configSetter {
	return &configSetter{changed: changed}
}

// setString sets a string value if not empty and flag not changed.
func (s *configSetter) setString(flag, value string, dst *string) {
	if value == "" || s.changed[flag] {
		return
	}
	*dst = value
}

// setInt sets an int value if positive and flag not changed.
func (s *configSetter) setInt(flag string, value int, dst *int) {
	if value <= 0 || s.changed[flag] {
		return
	}
	*dst = value
}

// setDuration parses and sets a duration from string if valid and flag not changed.
func (s *configSetter) setDuration(flag, value string, dst *time.Duration) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return errors.Wrapf(err, "parse %s", flag)
	}
	*dst = d
	return nil
}

// setIntFromString parses a string to int and sets the destination if valid.
// Used for environment variables that come as strings.
func (s *configSetter) setIntFromString(flag, value string, dst *int) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		return errors.Wrapf(err, "parse %s", flag)
	}
	if i <= 0 {
		return nil
	}
	*dst = i
	return nil
}
