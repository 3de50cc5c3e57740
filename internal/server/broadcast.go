package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/adred-codev/chat-relay/internal/monitoring"
	"github.com/adred-codev/chat-relay/internal/store"
	"github.com/adred-codev/chat-relay/internal/types"
)

// maxBroadcastBytes bounds the broadcast message payload.
const maxBroadcastBytes = 16 * 1024

// dedupeWindow is how close two records of the same content must be in
// time to count as the same broadcast.
const dedupeWindow = 5 * time.Second

// broadcastID derives a stable id from the request content with the
// timestamp quantized to the dedupe window, so the same broadcast arriving
// over multiple feeds within the window hashes identically.
func broadcastID(message, title string, level types.BroadcastLevel, tsMs int64) string {
	bucket := tsMs / dedupeWindow.Milliseconds()
	h := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%d", message, title, level, bucket)))
	return hex.EncodeToString(h[:8])
}

// HandleBroadcast validates a broadcast request, fans it out to every
// locally connected session, and persists a record into every known
// session's history. It is the single entry point for all three feeds
// (HTTP admin endpoint, Redis pub/sub, NATS); source labels metrics.
//
// Idempotence: the request is assigned a stable id and checked against an
// LRU of recently processed ids, so a replayed envelope produces no second
// fan-out and no second record.
//
// Returns the number of sessions whose history received the record.
func (s *Server) HandleBroadcast(req *types.BroadcastRequest, source string) (int, error) {
	if req.Message == "" {
		return 0, fmt.Errorf("message is required")
	}
	if len(req.Message) > maxBroadcastBytes {
		return 0, fmt.Errorf("message exceeds %d bytes", maxBroadcastBytes)
	}
	if req.Level == "" {
		req.Level = types.LevelInfo
	}
	if !req.Level.Valid() {
		return 0, fmt.Errorf("invalid level %q", req.Level)
	}
	if req.Title == "" {
		req.Title = types.DefaultBroadcastTitle
	}
	if req.TimestampMs == 0 {
		req.TimestampMs = time.Now().UnixMilli()
	}
	if req.ID == "" {
		req.ID = broadcastID(req.Message, req.Title, req.Level, req.TimestampMs)
	}

	// Our own envelope coming back over a feed: everything already ran.
	if req.Origin == s.instanceID && source != sourceHTTP {
		return 0, nil
	}

	if s.recent.seen(req.ID) {
		s.logger.Debug().Str("broadcast_id", req.ID).Str("source", source).Msg("Duplicate broadcast skipped")
		return 0, nil
	}

	monitoring.RecordBroadcast(source)

	// Local delivery: every registered connection gets the frame via its
	// sink; a slow connection sheds backlog instead of blocking the rest.
	frame := marshalFrame(struct {
		Type      string               `json:"type"`
		Message   string               `json:"message"`
		Title     string               `json:"title"`
		Level     types.BroadcastLevel `json:"level"`
		Timestamp int64                `json:"timestamp"`
	}{
		Type:      "broadcast",
		Message:   req.Message,
		Title:     req.Title,
		Level:     req.Level,
		Timestamp: req.TimestampMs,
	})

	local := s.registry.Snapshot()
	for _, c := range local {
		c.enqueue(frame)
	}

	updated := s.persistBroadcast(req)

	// Only the instance that took the HTTP request republishes, stamped
	// with its origin; subscribers never re-publish.
	if source == sourceHTTP {
		req.Origin = s.instanceID
		payload, err := json.Marshal(req)
		if err == nil {
			err = s.store.Publish(s.ctx, store.BroadcastChannel, payload)
		}
		if err != nil {
			s.logger.Warn().Err(err).Msg("Degraded: broadcast publish failed")
			monitoring.RecordStoreError("publish")
		}
	}

	s.logger.Info().
		Str("broadcast_id", req.ID).
		Str("source", source).
		Str("level", string(req.Level)).
		Int("local_connections", len(local)).
		Int("sessions_updated", updated).
		Msg("Broadcast processed")

	return updated, nil
}

// persistBroadcast writes the broadcast record into every known session's
// history: the union of the local registry and all session ids in the
// store. The whole fan-out is bounded by a deadline; sessions not written
// by then are skipped and counted.
func (s *Server) persistBroadcast(req *types.BroadcastRequest) int {
	ctx, cancel := context.WithTimeout(s.ctx, broadcastDeadline)
	defer cancel()

	targets := make(map[string]struct{})
	for _, id := range s.registry.SessionIDs() {
		targets[id] = struct{}{}
	}
	stored, err := s.store.ListSessionIDs(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Degraded: session scan failed, persisting to local sessions only")
		monitoring.RecordStoreError("list_session_ids")
	}
	for _, id := range stored {
		targets[id] = struct{}{}
	}

	updated := 0
	skipped := 0
	for id := range targets {
		if ctx.Err() != nil {
			skipped++
			monitoring.RecordError()
			continue
		}

		if s.recentlyRecorded(ctx, id, req) {
			continue
		}

		rec := &types.MessageRecord{
			Content:        req.Message,
			TimestampMs:    req.TimestampMs,
			IsSent:         false,
			SessionID:      id,
			IsBroadcast:    true,
			BroadcastLevel: req.Level,
		}
		if err := s.store.MessagesAppend(ctx, id, rec, s.cfg.SessionTTL()); err != nil {
			s.logger.Warn().Err(err).Str("session_id", id).Msg("Degraded: broadcast record append failed")
			monitoring.RecordStoreError("messages_append")
			continue
		}
		updated++

		s.touchSession(ctx, id, req.TimestampMs)
	}

	if skipped > 0 {
		s.logger.Warn().
			Int("skipped", skipped).
			Dur("deadline", broadcastDeadline).
			Msg("Broadcast persistence deadline exceeded, partial broadcast")
	}

	return updated
}

// recentlyRecorded checks the tail of the session's history for the same
// broadcast within the dedupe window. This catches replays that crossed
// instances and therefore missed the local LRU.
func (s *Server) recentlyRecorded(ctx context.Context, id string, req *types.BroadcastRequest) bool {
	tail, err := s.store.MessagesRange(ctx, id, -5, -1)
	if err != nil {
		return false
	}
	for _, rec := range tail {
		if rec.IsBroadcast &&
			rec.Content == req.Message &&
			rec.BroadcastLevel == req.Level &&
			absMs(rec.TimestampMs-req.TimestampMs) <= dedupeWindow.Milliseconds() {
			return true
		}
	}
	return false
}

// touchSession refreshes last_activity on broadcast delivery so an
// otherwise idle session's expiry clock reflects the delivery.
func (s *Server) touchSession(ctx context.Context, id string, tsMs int64) {
	sess, err := s.store.SessionGet(ctx, id)
	if err != nil {
		return
	}
	sess.LastActivity = tsMs / 1000
	if err := s.store.SessionPut(ctx, id, sess, s.cfg.SessionTTL()); err != nil {
		monitoring.RecordStoreError("session_put")
	}
}

func absMs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// Broadcast feed sources, used as the metrics label.
const (
	sourceHTTP   = "http"
	sourcePubSub = "pubsub"
	sourceNATS   = "nats"
)

// consumePubSub drains the Redis broadcast channel until the subscription
// closes during shutdown.
func (s *Server) consumePubSub(sub store.Subscription) {
	defer s.wg.Done()
	defer monitoring.RecoverPanic(s.logger, "consumePubSub", nil)

	for payload := range sub.Messages() {
		var req types.BroadcastRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			s.logger.Warn().Err(err).Msg("Malformed broadcast envelope on pub/sub channel")
			monitoring.RecordError()
			continue
		}
		if _, err := s.HandleBroadcast(&req, sourcePubSub); err != nil {
			s.logger.Warn().Err(err).Msg("Rejected broadcast envelope from pub/sub")
		}
	}
}

// handleBusEnvelope ingests broadcast envelopes from the optional NATS
// subject; the shared id path makes the dual feed idempotent.
func (s *Server) handleBusEnvelope(payload []byte) {
	var req types.BroadcastRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		s.logger.Warn().Err(err).Msg("Malformed broadcast envelope on NATS subject")
		monitoring.RecordError()
		return
	}
	if _, err := s.HandleBroadcast(&req, sourceNATS); err != nil {
		s.logger.Warn().Err(err).Msg("Rejected broadcast envelope from NATS")
	}
}

// broadcastLRU remembers recently processed broadcast ids with a bounded
// FIFO eviction, giving the coordinator its at-most-once guarantee per
// process.
type broadcastLRU struct {
	mu    sync.Mutex
	cap   int
	ids   map[string]struct{}
	order []string
}

func newBroadcastLRU(capacity int) *broadcastLRU {
	return &broadcastLRU{
		cap: capacity,
		ids: make(map[string]struct{}, capacity),
	}
}

// seen reports whether id was already processed, recording it if not.
func (l *broadcastLRU) seen(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.ids[id]; ok {
		return true
	}

	l.ids[id] = struct{}{}
	l.order = append(l.order, id)
	if len(l.order) > l.cap {
		evict := l.order[0]
		l.order = l.order[1:]
		delete(l.ids, evict)
	}
	return false
}
