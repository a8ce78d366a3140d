package session

import (
	"log/slog"
	"time"

	"github.com/skypro1111/stream-session-service/internal/protocol"
)

func (s *Session) heartbeatLoop() {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if !s.checkLiveness() {
				return
			}
		}
	}
}

// checkLiveness closes the session once inbound traffic has been silent for longer than
// the heartbeat timeout, otherwise queues a keepalive. It returns false when the session is closed.
func (s *Session) checkLiveness() bool {
	if s.closing.Load() {
		return false
	}

	now := s.now()
	idle := now.Sub(time.Unix(0, s.lastInbound.Load()))
	if idle > s.cfg.HeartbeatTimeout {
		s.logger.Warn("Viewer heartbeat timeout",
			slog.Duration("idle", idle),
			slog.Duration("timeout", s.cfg.HeartbeatTimeout),
			slog.String("error", ErrHeartbeatTimeout.Error()),
		)
		s.Close(CloseTimeout)
		return false
	}

	if s.Authenticated() {
		if !s.tryEnqueueControl(outbound{lines: []string{protocol.Keepalive(now.UnixMilli())}}) {
			s.logger.Debug("Keepalive skipped, control queue full")
		}
	}
	return true
}
