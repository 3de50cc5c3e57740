package server

import (
	"errors"
	"io"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/adred-codev/chat-relay/internal/monitoring"
	"github.com/adred-codev/chat-relay/internal/types"
)

// readPump is the receiving half of the Open state: it consumes text
// frames, echoes them with the per-connection counter, and persists
// session state. Read errors close the connection immediately; nothing is
// retried.
//
// Every frame refreshes the read deadline, control frames included: an
// idle peer that answers pings stays connected, a silent one is reaped at
// pongWait.
func (s *Server) readPump(c *Client) {
	defer monitoring.RecoverPanic(s.logger, "readPump", map[string]any{
		"conn_id": c.id,
	})
	defer c.disconnect("read_closed")

	ctrl := wsutil.ControlFrameHandler(c.controlWriter(), ws.StateServerSide)
	rd := wsutil.Reader{
		Source: c.conn,
		State:  ws.StateServerSide,
		OnIntermediate: func(hdr ws.Header, src io.Reader) error {
			// Control frame interleaved with message fragments; it proves
			// liveness the same as a top-level one.
			err := ctrl(hdr, src)
			if err == nil {
				c.conn.SetReadDeadline(time.Now().Add(pongWait))
			}
			return err
		},
	}

	c.conn.SetReadDeadline(time.Now().Add(pongWait))

	for {
		hdr, err := rd.NextFrame()
		if err != nil {
			if !c.draining.Load() {
				monitoring.RecordError()
			}
			return
		}

		if hdr.OpCode.IsControl() {
			if err := ctrl(hdr, &rd); err != nil {
				var closed wsutil.ClosedError
				if !errors.As(err, &closed) && !c.draining.Load() {
					monitoring.RecordError()
				}
				return
			}
			c.conn.SetReadDeadline(time.Now().Add(pongWait))
			continue
		}

		payload, err := io.ReadAll(&rd)
		if err != nil {
			if !c.draining.Load() {
				monitoring.RecordError()
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		if hdr.OpCode == ws.OpText {
			s.handleTextFrame(c, payload)
		}
		// Binary frames are read out and dropped; this layer processes
		// only text.
	}
}

// handleTextFrame runs the echo sequence for one client message:
// increment, echo, append history, write session state back.
func (s *Server) handleTextFrame(c *Client, payload []byte) {
	count := atomic.AddInt64(&c.count, 1)
	monitoring.MessageReceived()

	echo := marshalFrame(struct {
		Count int64  `json:"count"`
		Echo  string `json:"echo"`
	}{Count: count, Echo: string(payload)})
	c.enqueue(echo)

	if c.sessionID == "" {
		return
	}

	now := time.Now()

	if c.usePersistence {
		rec := &types.MessageRecord{
			Content:     string(payload),
			TimestampMs: now.UnixMilli(),
			IsSent:      true,
			SessionID:   c.sessionID,
		}
		if err := s.store.MessagesAppend(c.ctx, c.sessionID, rec, s.cfg.SessionTTL()); err != nil {
			s.logger.Warn().Err(err).Str("session_id", c.sessionID).Msg("Degraded: history append failed")
			monitoring.RecordStoreError("messages_append")
		}
	}

	// Session state is written back regardless of the persistence flag so
	// the counter survives reconnects.
	s.persistSession(c.ctx, c)
}
