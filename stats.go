package vsockmux

import (
	"context"
	"time"
)

// Stats is a snapshot of the server counters.
type Stats struct {
	// Active is the number of connections currently registered.
	Active int `json:"active" yaml:"active"`
	// Accepted counts connections handed to a Conn.
	Accepted uint64 `json:"accepted" yaml:"accepted"`
	// Refused counts connections closed on accept because the server was saturated.
	Refused uint64 `json:"refused" yaml:"refused"`
	// ForceClosed counts connections closed at a shutdown deadline.
	ForceClosed uint64 `json:"force_closed" yaml:"force_closed"`
	// ProtocolErrors counts connections closed for an oversized frame.
	ProtocolErrors uint64 `json:"protocol_errors" yaml:"protocol_errors"`
}

// Stats returns the current counters.
func (s *Server) Stats() Stats {
	s.mu.Lock()
	active := len(s.conns)
	s.mu.Unlock()

	return Stats{
		Active:         active,
		Accepted:       s.accepted.Load(),
		Refused:        s.refused.Load(),
		ForceClosed:    s.forceClosed.Load(),
		ProtocolErrors: s.protocolErrors.Load(),
	}
}

// logStats logs the counters every freq until ctx is done or shutdown completes.
func (s *Server) logStats(ctx context.Context, freq time.Duration) {
	ticker := time.NewTicker(freq)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.baseCtx.Done():
			return
		case <-ticker.C:
			st := s.Stats()
			s.logger.Info("server stats",
				"active", st.Active,
				"accepted", st.Accepted,
				"refused", st.Refused,
				"force_closed", st.ForceClosed,
				"protocol_errors", st.ProtocolErrors)
		}
	}
}
