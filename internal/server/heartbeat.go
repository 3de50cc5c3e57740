package server

import (
	"time"

	"github.com/adred-codev/chat-relay/internal/monitoring"
)

// runHeartbeat is the single process-wide heartbeat publisher. Every
// interval it stamps the current time and enqueues a frame to every open
// connection, anonymous ones included. Heartbeats are never persisted and
// never fail a connection; a full sink sheds its oldest frame instead.
func (s *Server) runHeartbeat() {
	defer s.wg.Done()
	defer monitoring.RecoverPanic(s.logger, "heartbeat", nil)

	ticker := time.NewTicker(s.cfg.HeartbeatInterval())
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.heartbeatStop:
			return
		case now := <-ticker.C:
			frame := marshalFrame(struct {
				TS string `json:"ts"`
			}{TS: now.Format(time.RFC3339)})

			targets := s.allClients()
			for _, c := range targets {
				c.enqueue(frame)
			}

			s.logger.Debug().
				Int("connections", len(targets)).
				Msg("Heartbeat published")
		}
	}
}
