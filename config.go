package vsockmux

import (
	"math"
	"time"

	"github.com/pkg/errors"
)

// Config holds the limits and timeouts shared by Server and Client.
// It is passed explicitly; the package keeps no global state.
type Config struct {
	// Address is the listen address for a server or the default dial target.
	Address string

	// MaxConnections bounds the number of concurrently served connections.
	MaxConnections int
	// MaxFrameSize bounds a single payload in both directions.
	MaxFrameSize int
	// WriteQueueDepth is the number of encoded frames a connection may queue
	// before Send fails with ErrOverloaded.
	WriteQueueDepth int

	// ShutdownDeadline is how long Shutdown waits for connections to drain.
	ShutdownDeadline time.Duration
	// RequestTimeout is the default per-request timeout of a Session.
	RequestTimeout time.Duration
	// ConnectTimeout bounds Client.Connect.
	ConnectTimeout time.Duration
	// IdleTimeout closes a server connection that receives no frame for this
	// long. Zero disables it.
	IdleTimeout time.Duration
	// WriteTimeout bounds a single socket write. Zero disables it.
	WriteTimeout time.Duration
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		Address:          "vsock://any:5000",
		MaxConnections:   64,
		MaxFrameSize:     DefaultMaxFrameSize,
		WriteQueueDepth:  16,
		ShutdownDeadline: 5 * time.Second,
		RequestTimeout:   5 * time.Second,
		ConnectTimeout:   3 * time.Second,
		IdleTimeout:      0,
		WriteTimeout:     10 * time.Second,
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.MaxConnections <= 0 {
		return errors.New("max connections must be positive")
	}
	if c.MaxFrameSize <= 0 {
		return errors.New("max frame size must be positive")
	}
	if uint64(c.MaxFrameSize) > math.MaxUint32 {
		return errors.Errorf("max frame size %d does not fit the 32-bit length prefix", c.MaxFrameSize)
	}
	if c.WriteQueueDepth <= 0 {
		return errors.New("write queue depth must be positive")
	}
	if c.ShutdownDeadline < 0 {
		return errors.New("shutdown deadline must not be negative")
	}
	if c.RequestTimeout <= 0 {
		return errors.New("request timeout must be positive")
	}
	if c.ConnectTimeout <= 0 {
		return errors.New("connect timeout must be positive")
	}
	if c.IdleTimeout < 0 || c.WriteTimeout < 0 {
		return errors.New("idle and write timeouts must not be negative")
	}
	return nil
}
