package server

import (
	"errors"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"

	"github.com/adred-codev/chat-relay/internal/monitoring"
	"github.com/adred-codev/chat-relay/internal/store"
)

// handleWebSocket is the Handshaking state: admission control, query
// parsing, counter resume, upgrade, registration.
//
// Recognized query parameters:
//
//	session            associates the connection with a session id
//	redis_persistence  "true" enables message history writes
//
// Any other parameter is ignored.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	clientIP := getClientIP(r)

	if s.shuttingDown.Load() {
		monitoring.RecordRejectedConnection(monitoring.RejectReasonShuttingDown)
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	if s.rateLimiter != nil && !s.rateLimiter.Allow(clientIP) {
		s.logger.Warn().Str("client_ip", clientIP).Msg("Connection rejected: rate limit exceeded")
		monitoring.RecordRejectedConnection(monitoring.RejectReasonRateLimited)
		http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	if accept, reason := s.guard.ShouldAcceptConnection(); !accept {
		s.logger.Warn().
			Str("client_ip", clientIP).
			Str("reason", reason).
			Int64("current_connections", s.connectionCount()).
			Msg("Connection rejected by resource guard")
		if reason == "max_connections" {
			monitoring.RecordRejectedConnection(monitoring.RejectReasonAtCapacity)
		} else {
			monitoring.RecordRejectedConnection(monitoring.RejectReasonOverloaded)
		}
		http.Error(w, "Server overloaded", http.StatusServiceUnavailable)
		return
	}

	query := r.URL.Query()
	sessionID := query.Get("session")
	usePersistence := query.Get("redis_persistence") == "true"

	// Counter resume: an unexpired session restores its count, anything
	// else starts from zero. Store failures degrade to a fresh counter.
	var count int64
	sessionCreated := time.Now().Unix()
	if sessionID != "" {
		sess, err := s.store.SessionGet(r.Context(), sessionID)
		switch {
		case err == nil:
			count = sess.Count
			sessionCreated = sess.CreatedAt
		case errors.Is(err, store.ErrAbsent):
			// fresh session
		default:
			s.logger.Warn().Err(err).Str("session_id", sessionID).Msg("Degraded: session lookup failed, starting fresh")
			monitoring.RecordStoreError("session_get")
		}
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Error().
			Err(err).
			Str("client_ip", clientIP).
			Msg("WebSocket upgrade failed")
		return
	}

	client := newClient(s, conn, sessionID, usePersistence, count, sessionCreated)

	if sessionID != "" {
		s.registry.Add(sessionID, client)
	}
	s.clients.Store(client, struct{}{})
	atomic.AddInt64(&s.currentConns, 1)
	monitoring.ConnectionOpened()

	s.logger.Info().
		Int64("conn_id", client.id).
		Str("client_ip", clientIP).
		Str("session_id", sessionID).
		Bool("persistence", usePersistence).
		Int64("resumed_count", count).
		Msg("Client connected")

	go s.writePump(client)
	go s.readPump(client)
}

// getClientIP extracts the client IP from the request, preferring the
// X-Forwarded-For chain set by the reverse proxy.
func getClientIP(r *http.Request) string {
	forwarded := r.Header.Get("X-Forwarded-For")
	if forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
