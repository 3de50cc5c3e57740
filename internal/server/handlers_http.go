package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/adred-codev/chat-relay/internal/limits"
	"github.com/adred-codev/chat-relay/internal/monitoring"
	"github.com/adred-codev/chat-relay/internal/store"
	"github.com/adred-codev/chat-relay/internal/types"
)

// writeJSON serializes v with the given status. Encoding failures at this
// point mean the response is already half-written, so they are only logged.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error().Err(err).Msg("Response encode failed")
	}
}

// writeError emits the uniform error envelope. Client mistakes (4xx) are
// not server faults and stay out of app_errors_total; 5xx responses count.
func (s *Server) writeError(w http.ResponseWriter, status int, code, message string) {
	if status >= http.StatusInternalServerError {
		monitoring.RecordError()
	}
	s.writeJSON(w, status, map[string]any{
		"success": false,
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}

// handleHealthz is the liveness probe. It always returns 200: a process
// that can serve this endpoint is alive regardless of store health.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"ok":                    true,
		"uptime_seconds":        int64(time.Since(s.startTime).Seconds()),
		"active_connections":    s.connectionCount(),
		"system_memory_percent": limits.SystemMemoryPercent(r.Context()),
	})
}

// handleReadyz reflects the readiness flag: false before Start completes
// and again from the first shutdown phase onward.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if !s.Ready() {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"ready": true})
}

func (s *Server) handleRedisStatus(w http.ResponseWriter, r *http.Request) {
	connected := true
	if err := s.store.Ping(r.Context()); err != nil {
		connected = false
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"success":         true,
		"redis_connected": connected,
		"redis_url":       s.cfg.MessageRedisURL,
		"default_ttl":     s.cfg.SessionTTLSeconds,
	})
}

func (s *Server) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		s.writeError(w, http.StatusBadRequest, "bad_request", "session id is required")
		return
	}

	sess, err := s.store.SessionGet(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrAbsent) {
			s.writeError(w, http.StatusNotFound, "session_not_found", "session does not exist or has expired")
			return
		}
		monitoring.RecordStoreError("session_get")
		s.writeError(w, http.StatusServiceUnavailable, "store_unavailable", "session store is unavailable")
		return
	}

	// Remaining TTL is advisory; a race with expiry between the two calls
	// just reports zero.
	var remaining int64
	if ttl, err := s.store.SessionRemainingTTL(r.Context(), id); err == nil {
		remaining = int64(ttl.Seconds())
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"session_id": id,
		"data": map[string]any{
			"data": map[string]any{
				"count":         sess.Count,
				"last_activity": sess.LastActivity,
			},
			"created_at":    sess.CreatedAt,
			"ttl":           s.cfg.SessionTTLSeconds,
			"remaining_ttl": remaining,
		},
	})
}

func (s *Server) handleSessionMessages(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		s.writeError(w, http.StatusBadRequest, "bad_request", "session id is required")
		return
	}

	records, err := s.store.MessagesRange(r.Context(), id, 0, -1)
	if err != nil && !errors.Is(err, store.ErrAbsent) {
		monitoring.RecordStoreError("messages_range")
		s.writeError(w, http.StatusServiceUnavailable, "store_unavailable", "session store is unavailable")
		return
	}
	if records == nil {
		records = []types.MessageRecord{}
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"session_id": id,
		"messages":   records,
		"count":      len(records),
	})
}

func (s *Server) handleSessionExtend(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		s.writeError(w, http.StatusBadRequest, "bad_request", "session id is required")
		return
	}

	var body struct {
		TTL int64 `json:"ttl"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "bad_request", "request body must be JSON with a ttl field")
		return
	}
	if body.TTL <= 0 {
		s.writeError(w, http.StatusBadRequest, "bad_request", "ttl must be a positive number of seconds")
		return
	}

	ttl := time.Duration(body.TTL) * time.Second
	if err := s.store.SessionExtend(r.Context(), id, ttl); err != nil {
		if errors.Is(err, store.ErrAbsent) {
			s.writeError(w, http.StatusNotFound, "session_not_found", "session does not exist or has expired")
			return
		}
		monitoring.RecordStoreError("session_extend")
		s.writeError(w, http.StatusServiceUnavailable, "store_unavailable", "session store is unavailable")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"session_id": id,
		"ttl":        body.TTL,
	})
}

func (s *Server) handleSessionDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		s.writeError(w, http.StatusBadRequest, "bad_request", "session id is required")
		return
	}

	if err := s.store.SessionDelete(r.Context(), id); err != nil {
		monitoring.RecordStoreError("session_delete")
		s.writeError(w, http.StatusServiceUnavailable, "store_unavailable", "session store is unavailable")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"session_id": id,
	})
}

func (s *Server) handleBroadcastPost(w http.ResponseWriter, r *http.Request) {
	var req types.BroadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "bad_request", "request body must be JSON")
		return
	}
	// Feed-internal fields are never accepted from callers.
	req.ID = ""
	req.Origin = ""

	updated, err := s.HandleBroadcast(&req, sourceHTTP)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"success":          true,
		"sessions_updated": updated,
	})
}
