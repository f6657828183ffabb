package session

import (
	"context"
	"time"

	"github.com/shranto27/wraith/internal/wireframe"
)

// RunIdleMonitor sends periodic keepalive pings and closes the session
// if no activity (sent or received) has been observed for idleTimeout.
// The caller runs this in its own goroutine for the lifetime of an
// established session.
func (s *Session) RunIdleMonitor(ctx context.Context) {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.ctx.Done():
			return
		case <-s.closed:
			return
		case <-ticker.C:
			idle := s.IdleFor()
			if idle >= idleTimeout {
				s.log.Info("idle timeout, closing session", "idle", idle)
				_ = s.SendClose(wireframe.CloseIdleTimeout)
				s.Close()
				return
			}
			if idle >= keepaliveInterval {
				if err := s.SendPing(); err != nil {
					s.log.Warn("keepalive ping failed", "error", err)
				}
			}
			if s.NeedsRekey() {
				if err := s.InitiateRekey(); err != nil {
					s.log.Warn("rekey initiation failed", "error", err)
				}
			}
		}
	}
}
