package server

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"

	"github.com/adred-codev/chat-relay/internal/monitoring"
)

// Client is one WebSocket connection and its per-connection state.
//
// States: Handshaking -> Open -> Draining -> Closed. The handshake runs in
// the HTTP handler; Open is the read/write pump pair; Draining is entered
// on shutdown; Closed runs exactly once through disconnect.
//
// count mirrors the persisted session counter. It is written by the read
// pump and read by the drain path, hence atomic.
type Client struct {
	id     int64
	conn   net.Conn
	server *Server

	sessionID      string // "" for anonymous connections
	usePersistence bool
	count          int64
	sessionCreated int64 // epoch seconds, first-seen time of the session

	send      chan []byte // bounded outgoing frame sink, drained by writePump
	writeMu   sync.Mutex  // serializes raw socket writes across goroutines
	closeOnce sync.Once
	cleanOnce sync.Once

	connectedAt time.Time

	// ctx is cancelled on displacement, drain completion, or server stop;
	// the pumps observe it and tear the socket down.
	ctx    context.Context
	cancel context.CancelFunc

	draining atomic.Bool
}

// newClient builds a Client over an upgraded connection.
func newClient(s *Server, conn net.Conn, sessionID string, usePersistence bool, count int64, sessionCreated int64) *Client {
	ctx, cancel := context.WithCancel(s.ctx)
	return &Client{
		id:             atomic.AddInt64(&s.clientSeq, 1),
		conn:           conn,
		server:         s,
		sessionID:      sessionID,
		usePersistence: usePersistence,
		count:          count,
		sessionCreated: sessionCreated,
		send:           make(chan []byte, s.cfg.SendBuffer),
		connectedAt:    time.Now(),
		ctx:            ctx,
		cancel:         cancel,
	}
}

// enqueue places a frame on the outgoing sink without blocking. On a full
// sink the oldest queued frame is dropped to make room, so a slow
// connection sheds its own backlog instead of stalling producers.
func (c *Client) enqueue(frame []byte) {
	select {
	case c.send <- frame:
		return
	default:
	}

	// Sink full: drop the oldest frame, count it, retry once.
	select {
	case <-c.send:
		monitoring.RecordError()
	default:
	}

	select {
	case c.send <- frame:
	default:
		// Lost the race with another producer; drop the new frame.
		monitoring.RecordError()
	}
}

// countSnapshot reads the connection's current echo counter.
func (c *Client) countSnapshot() int64 {
	return atomic.LoadInt64(&c.count)
}

// closeWithCode sends a close frame with the given status and closes the
// socket. Safe to call from any goroutine; only the first call acts. The
// close frame goes out under the write lock so it never splices into a
// frame the write pump is mid-flush on.
func (c *Client) closeWithCode(code ws.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		body := ws.NewCloseFrameBody(code, reason)
		ws.WriteFrame(c.conn, ws.NewCloseFrame(body))
		c.writeMu.Unlock()
		c.conn.Close()
	})
}

// controlWriter returns the writer control-frame replies go through.
// Replies are buffered and land on the socket in a single Write, so the
// lock makes each one atomic with respect to the write pump.
func (c *Client) controlWriter() io.Writer {
	return lockedWriter{c}
}

type lockedWriter struct {
	c *Client
}

func (w lockedWriter) Write(p []byte) (int, error) {
	w.c.writeMu.Lock()
	defer w.c.writeMu.Unlock()
	return w.c.conn.Write(p)
}

// disconnect runs the Closed-state bookkeeping exactly once: deregister,
// close the socket, update metrics.
func (c *Client) disconnect(reason string) {
	c.cleanOnce.Do(func() {
		c.cancel()
		c.closeOnce.Do(func() {
			c.conn.Close()
		})

		if c.sessionID != "" {
			c.server.registry.Remove(c.sessionID, c)
		}
		c.server.clients.Delete(c)
		atomic.AddInt64(&c.server.currentConns, -1)
		monitoring.ConnectionClosed()

		c.server.logger.Info().
			Int64("conn_id", c.id).
			Str("session_id", c.sessionID).
			Str("reason", reason).
			Dur("connected_for", time.Since(c.connectedAt)).
			Int64("count", atomic.LoadInt64(&c.count)).
			Msg("Client disconnected")
	})
}
