package vsockmux

import (
	"sort"
	"time"
)

// ShutdownReport describes how a shutdown ended.
type ShutdownReport struct {
	// Drained is the number of connections that closed on their own.
	Drained int `json:"drained" yaml:"drained"`
	// ForceClosed lists the ids of connections closed at the deadline.
	ForceClosed []uint64 `json:"force_closed" yaml:"force_closed"`
	// Elapsed is the time from initiation until Shutdown returned.
	Elapsed time.Duration `json:"elapsed" yaml:"elapsed"`
}

// Shutdown stops accepting, moves every live connection to StateDraining and
// waits up to deadline for them to close.
//
// A connection idle between frames closes as soon as it is drained, so it
// counts as drained even if its peer never sends again. Only a connection
// that is receiving a frame or running its handler holds Shutdown up to the
// deadline. Connections still open then are closed forcibly and listed in
// the report. Shutdown does not wait for their handlers to return: a handler
// that ignores the closed connection may keep running after Shutdown has
// returned, and its connection slot is released once it does.
//
// Shutdown is idempotent: concurrent and later calls wait for the first one
// and return the same report.
func (s *Server) Shutdown(deadline time.Duration) ShutdownReport {
	s.shutdownOnce.Do(func() {
		s.report = s.drain(deadline)
	})

	report := s.report
	report.ForceClosed = append([]uint64(nil), s.report.ForceClosed...)
	return report
}

func (s *Server) drain(deadline time.Duration) ShutdownReport {
	start := time.Now()
	s.logger.Info("shutdown initiated", "addr", s.Addr(), "deadline", deadline)

	s.mu.Lock()
	s.shutdown = true
	live := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		live = append(live, c)
	}
	s.mu.Unlock()

	sort.Slice(live, func(i, j int) bool { return live[i].ID() < live[j].ID() })

	s.stopAccepting()
	for _, c := range live {
		c.Drain()
	}

	timer := time.NewTimer(deadline)
	defer timer.Stop()

	expired := false
wait:
	for _, c := range live {
		select {
		case <-c.Done():
		case <-timer.C:
			expired = true
			break wait
		}
	}

	var report ShutdownReport
	if expired {
		for _, c := range live {
			select {
			case <-c.Done():
				continue
			default:
			}
			c.forceClose()
			report.ForceClosed = append(report.ForceClosed, c.ID())
			s.logger.Warn("connection force-closed at shutdown deadline", "conn", c.ID(), "addr", c.Addr())
		}
	}

	s.forceClosed.Add(uint64(len(report.ForceClosed)))
	s.cancelBase()

	report.Drained = len(live) - len(report.ForceClosed)
	report.Elapsed = time.Since(start)

	s.logger.Info("shutdown complete", "drained", report.Drained,
		"force_closed", len(report.ForceClosed), "elapsed", report.Elapsed)
	return report
}
