package server

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// StartWorkers launches all background goroutines. Call with a cancellable
// context for graceful shutdown.
func (s *Server) StartWorkers(ctx context.Context) {
	go s.runSessionSweep(ctx)
	if s.upgrades != nil {
		go s.runLimiterCleanup(ctx)
	}
}

// runSessionSweep periodically drops upload sessions that stopped receiving
// chunks.
func (s *Server) runSessionSweep(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.cfg.SweepInterval):
			s.sweepSessions()
		}
	}
}

func (s *Server) sweepSessions() int {
	n := s.hub.Sweep(s.cfg.SessionTTL)
	if n > 0 {
		s.log.Info("swept idle upload sessions", zap.String("worker", "session-sweep"), zap.Int("sessions", n))
	}
	return n
}

// runLimiterCleanup forgets IPs whose upgrade window has passed.
func (s *Server) runLimiterCleanup(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Minute):
			if n := s.upgrades.cleanup(); n > 0 {
				s.log.Debug("pruned upgrade limiter", zap.String("worker", "limiter-cleanup"), zap.Int("ips", n))
			}
		}
	}
}
