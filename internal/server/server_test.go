package server

import (
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/chat-relay/internal/config"
)

// newTestServer builds a Server over the in-memory fake store. The server
// is not started; tests drive the pieces they need directly.
func newTestServer(t *testing.T) (*Server, *fakeStore) {
	t.Helper()

	fs := newFakeStore()
	cfg := &config.Config{
		Addr:               "127.0.0.1:0",
		ChannelRedisURL:    "redis://localhost:6379/0",
		MessageRedisURL:    "redis://localhost:6379/0",
		SessionTTLSeconds:  300,
		MaxHistory:         1000,
		HeartbeatSeconds:   1,
		ShutdownSeconds:    10,
		MaxConnections:     100,
		SendBuffer:         8,
		CPURejectThreshold: 85,
		MetricsInterval:    15 * time.Second,
		LogLevel:           "error",
		LogFormat:          "json",
	}

	s := New(cfg, fs, zerolog.Nop())
	t.Cleanup(s.cancel)
	return s, fs
}

// newPipeClient builds a Client over an in-process pipe and returns the
// peer end for the test to read from. The client is not registered
// anywhere; tests do that explicitly.
func newPipeClient(t *testing.T, s *Server, sessionID string, persist bool) (*Client, net.Conn) {
	t.Helper()

	srvConn, peer := net.Pipe()
	c := newClient(s, srvConn, sessionID, persist, 0, time.Now().Unix())
	t.Cleanup(func() {
		srvConn.Close()
		peer.Close()
	})
	return c, peer
}
