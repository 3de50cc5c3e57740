package server

import (
	"context"
	"sync"
	"time"

	"github.com/gobwas/ws"

	"github.com/adred-codev/chat-relay/internal/monitoring"
)

// Shutdown phase budgets within the configured hard deadline.
const (
	drainWaitBudget   = 2 * time.Second
	storeCloseBudget  = 500 * time.Millisecond
	listenerHTTPGrace = 250 * time.Millisecond
)

// Shutdown runs the graceful termination sequence:
//
//	P1  flip readiness, stop heartbeat and broadcast feeds
//	P2  emit the shutdown bye to every open connection
//	P3  wait for connections to drain (bye flushed, final session write,
//	    close with 1001 going away)
//	P4  close the KV store adapter
//	P5  stop remaining goroutines and return within the hard deadline
//
// A second termination signal during draining does not reset the deadline;
// re-entry is a no-op. The measured wall-clock total is observed into the
// shutdown histogram.
func (s *Server) Shutdown() error {
	if !s.shuttingDown.CompareAndSwap(false, true) {
		return nil
	}

	start := time.Now()
	hardDeadline := start.Add(s.cfg.ShutdownTimeout())

	s.logger.Info().
		Int64("active_connections", s.connectionCount()).
		Dur("deadline", s.cfg.ShutdownTimeout()).
		Msg("Initiating graceful shutdown")

	// P1: stop advertising, stop producing. The heartbeat halts before any
	// bye is emitted.
	s.ready.Store(false)
	close(s.heartbeatStop)
	if s.sub != nil {
		s.sub.Close()
	}
	if s.nats != nil {
		s.nats.Close()
	}
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	// P2: every open connection drains concurrently, anonymous included.
	targets := s.allClients()
	var drained sync.WaitGroup
	for _, c := range targets {
		drained.Add(1)
		go func(c *Client) {
			defer drained.Done()
			defer monitoring.RecoverPanic(s.logger, "drainClient", map[string]any{"conn_id": c.id})
			s.drainClient(c)
		}(c)
	}

	// P3: await drain completion or the phase deadline.
	done := make(chan struct{})
	go func() {
		drained.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info().Int("connections", len(targets)).Msg("All connections drained")
	case <-time.After(phaseRemaining(drainWaitBudget, hardDeadline)):
		s.logger.Warn().Msg("Drain deadline exceeded, proceeding with shutdown")
	}

	// Stop the HTTP entry; upgrades were already rejected via the flag.
	httpCtx, httpCancel := context.WithTimeout(context.Background(), phaseRemaining(listenerHTTPGrace, hardDeadline))
	if err := s.httpServer.Shutdown(httpCtx); err != nil {
		s.logger.Warn().Err(err).Msg("HTTP server shutdown error")
	}
	httpCancel()

	// P4: release the store.
	storeDone := make(chan error, 1)
	go func() { storeDone <- s.store.Close() }()
	select {
	case err := <-storeDone:
		if err != nil {
			s.logger.Warn().Err(err).Msg("Store close error")
		}
	case <-time.After(phaseRemaining(storeCloseBudget, hardDeadline)):
		s.logger.Warn().Msg("Store close deadline exceeded")
	}

	// P5: cancel everything still running and wait out the remainder.
	s.cancel()
	waitDone := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(waitDone)
	}()
	select {
	case <-waitDone:
	case <-time.After(time.Until(hardDeadline)):
		s.logger.Warn().Msg("Shutdown hard deadline hit with goroutines still alive")
	}

	elapsed := time.Since(start)
	monitoring.ObserveShutdownDuration(elapsed.Seconds())
	s.logger.Info().Dur("elapsed", elapsed).Msg("Graceful shutdown completed")
	return nil
}

// drainClient runs the Draining state for one connection: bye frame, a
// short flush window, the final session write, then close with 1001.
func (s *Server) drainClient(c *Client) {
	c.draining.Store(true)

	bye := marshalFrame(struct {
		Bye     bool   `json:"bye"`
		Total   int64  `json:"total"`
		Message string `json:"message"`
	}{
		Bye:     true,
		Total:   c.countSnapshot(),
		Message: "Server is shutting down gracefully",
	})
	c.enqueue(bye)

	// Give the write pump one scheduling window to flush the bye.
	time.Sleep(byeFlushWait)

	if c.sessionID != "" && c.usePersistence {
		s.persistSession(context.Background(), c)
	}

	c.closeWithCode(ws.StatusGoingAway, "server shutting down")
	c.disconnect("server_shutdown")
}

// phaseRemaining caps a phase budget by the time left before the hard
// deadline, so late phases cannot push the total past it.
func phaseRemaining(budget time.Duration, hardDeadline time.Time) time.Duration {
	remaining := time.Until(hardDeadline)
	if remaining < 0 {
		return 0
	}
	if budget < remaining {
		return budget
	}
	return remaining
}
