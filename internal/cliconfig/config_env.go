package cliconfig

import "os"

// ApplyEnvConfig applies configuration from environment variables (VSOCKMUX_*).
// It respects flags that have been explicitly set (changed map).
// Returns error if any environment variable has an invalid format.
func ApplyEnvConfig(cfg *Config, changed map[string]bool) error {
	s := newConfigSetter(changed)

	s.setString("address", os.Getenv("VSOCKMUX_ADDRESS"), &cfg.Address)
	s.setString("ack", os.Getenv("VSOCKMUX_ACK"), &cfg.Ack)
	s.setString("output", os.Getenv("VSOCKMUX_OUTPUT"), &cfg.Output)
	s.setString("log-level", os.Getenv("VSOCKMUX_LOG_LEVEL"), &cfg.LogLevel)

	if err := s.setIntFromString("max-conns", os.Getenv("VSOCKMUX_MAX_CONNS"), &cfg.MaxConns); err != nil {
		return err
	}
	if err := s.setIntFromString("max-frame-size", os.Getenv("VSOCKMUX_MAX_FRAME_SIZE"), &cfg.MaxFrameSize); err != nil {
		return err
	}
	if err := s.setIntFromString("queue-depth", os.Getenv("VSOCKMUX_QUEUE_DEPTH"), &cfg.QueueDepth); err != nil {
		return err
	}

	if err := s.setDuration("shutdown-deadline", os.Getenv("VSOCKMUX_SHUTDOWN_DEADLINE"), &cfg.ShutdownDeadline); err != nil {
		return err
	}
	if err := s.setDuration("idle-timeout", os.Getenv("VSOCKMUX_IDLE_TIMEOUT"), &cfg.IdleTimeout); err != nil {
		return err
	}
	if err := s.setDuration("write-timeout", os.Getenv("VSOCKMUX_WRITE_TIMEOUT"), &cfg.WriteTimeout); err != nil {
		return err
	}
	if err := s.setDuration("timeout", os.Getenv("VSOCKMUX_TIMEOUT"), &cfg.RequestTimeout); err != nil {
		return err
	}
	if err := s.setDuration("connect-timeout", os.Getenv("VSOCKMUX_CONNECT_TIMEOUT"), &cfg.ConnectTimeout); err != nil {
		return err
	}
	if err := s.setDuration("stats-interval", os.Getenv("VSOCKMUX_STATS_INTERVAL"), &cfg.StatsInterval); err != nil {
		return err
	}

	return nil
}
