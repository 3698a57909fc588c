package vsockmux

import (
	"math"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.MaxFrameSize != DefaultMaxFrameSize {
		t.Errorf("MaxFrameSize = %d, want %d", cfg.MaxFrameSize, DefaultMaxFrameSize)
	}
	if _, err := ParseAddr(cfg.Address); err != nil {
		t.Errorf("default address %q does not parse: %v", cfg.Address, err)
	}
}

// aboveLengthPrefix does not fit the length prefix. As an int it wraps to
// zero on 32-bit platforms, which is rejected too.
var aboveLengthPrefix = uint64(math.MaxUint32) + 1

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "zero max connections", mutate: func(c *Config) { c.MaxConnections = 0 }},
		{name: "zero max frame size", mutate: func(c *Config) { c.MaxFrameSize = 0 }},
		{name: "frame size above prefix", mutate: func(c *Config) { c.MaxFrameSize = int(aboveLengthPrefix) }},
		{name: "zero queue depth", mutate: func(c *Config) { c.WriteQueueDepth = 0 }},
		{name: "negative shutdown deadline", mutate: func(c *Config) { c.ShutdownDeadline = -time.Second }},
		{name: "zero request timeout", mutate: func(c *Config) { c.RequestTimeout = 0 }},
		{name: "zero connect timeout", mutate: func(c *Config) { c.ConnectTimeout = 0 }},
		{name: "negative idle timeout", mutate: func(c *Config) { c.IdleTimeout = -1 }},
		{name: "negative write timeout", mutate: func(c *Config) { c.WriteTimeout = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestConfig_Validate_ZeroShutdownDeadline(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ShutdownDeadline = 0

	if err := cfg.Validate(); err != nil {
		t.Errorf("zero shutdown deadline rejected: %v", err)
	}
}
