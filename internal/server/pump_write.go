package server

import (
	"bufio"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/adred-codev/chat-relay/internal/monitoring"
)

// writePump is the sending half of the Open state. It is the only writer
// on the socket, so frames destined for a single connection are
// serialized in enqueue order. Queued frames are coalesced through a
// buffered writer to cut syscalls on bursty fan-out.
func (s *Server) writePump(c *Client) {
	defer monitoring.RecoverPanic(s.logger, "writePump", map[string]any{
		"conn_id": c.id,
	})

	writer := bufio.NewWriter(c.conn)
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.disconnect("write_closed")
	}()

	for {
		select {
		case <-c.ctx.Done():
			// Cancelled: displaced by a newer connection with the same
			// session id, or server teardown. The next write is skipped and
			// the socket closes here.
			return

		case frame := <-c.send:
			if err := writeBatch(c, writer, frame); err != nil {
				s.logger.Debug().Err(err).Int64("conn_id", c.id).Msg("Frame write failed")
				monitoring.RecordError()
				return
			}

		case <-ticker.C:
			c.writeMu.Lock()
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := wsutil.WriteServerMessage(c.conn, ws.OpPing, nil)
			c.writeMu.Unlock()
			if err != nil {
				s.logger.Debug().Err(err).Int64("conn_id", c.id).Msg("Ping failed")
				return
			}
		}
	}
}

// writeBatch writes one dequeued frame plus whatever else is already
// queued, then flushes. The whole batch runs under the connection write
// lock so control replies and the close frame never land mid-batch.
func writeBatch(c *Client, writer *bufio.Writer, frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := wsutil.WriteServerMessage(writer, ws.OpText, frame); err != nil {
		return err
	}
	monitoring.MessageSent(1)

	// Coalesce whatever else is queued before flushing.
	n := len(c.send)
	for i := 0; i < n; i++ {
		frame = <-c.send
		if err := wsutil.WriteServerMessage(writer, ws.OpText, frame); err != nil {
			return err
		}
		monitoring.MessageSent(1)
	}

	return writer.Flush()
}
