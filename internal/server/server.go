package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/adred-codev/chat-relay/internal/bus"
	"github.com/adred-codev/chat-relay/internal/config"
	"github.com/adred-codev/chat-relay/internal/limits"
	"github.com/adred-codev/chat-relay/internal/monitoring"
	"github.com/adred-codev/chat-relay/internal/store"
	"github.com/adred-codev/chat-relay/internal/types"
)

// Liveness window. Variables so tests can compress the ping/pong cycle.
var (
	// Time allowed to read the next frame from the peer. The writer pings
	// within this window, so an idle but live peer keeps the deadline fresh.
	pongWait = 30 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 5 * time.Second

	// Draining gives the socket this long to flush the bye frame.
	byeFlushWait = 100 * time.Millisecond

	// Broadcast persistence fan-out deadline; sessions not written by then
	// are skipped and counted.
	broadcastDeadline = 5 * time.Second
)

// Server owns the connection runtime: registry, pumps, broadcast
// coordinator, heartbeat publisher, and the HTTP/WS entry.
type Server struct {
	cfg    *config.Config
	logger zerolog.Logger
	store  store.Store

	// instanceID stamps published broadcast envelopes so an instance can
	// recognize and skip its own pub/sub echo.
	instanceID string

	listener   net.Listener
	httpServer *http.Server

	// Connection management
	registry     *Registry // session-keyed, broadcast fan-out targets
	clients      sync.Map  // map[*Client]struct{}, every open connection
	clientSeq    int64
	currentConns int64

	// Admission control
	rateLimiter *limits.ConnectionRateLimiter
	guard       *limits.ResourceGuard

	// Broadcast coordination
	recent *broadcastLRU
	sub    store.Subscription
	nats   *bus.Conn

	// Lifecycle
	ready         atomic.Bool
	shuttingDown  atomic.Bool
	heartbeatStop chan struct{}
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	startTime     time.Time
}

// New wires a Server from configuration and a store adapter.
func New(cfg *config.Config, st store.Store, logger zerolog.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		cfg:           cfg,
		logger:        logger,
		store:         st,
		instanceID:    uuid.NewString(),
		registry:      NewRegistry(),
		recent:        newBroadcastLRU(1024),
		heartbeatStop: make(chan struct{}),
		ctx:           ctx,
		cancel:        cancel,
		startTime:     time.Now(),
	}

	s.guard = limits.NewResourceGuard(limits.ResourceGuardConfig{
		MaxConnections:     cfg.MaxConnections,
		MaxGoroutines:      cfg.MaxGoroutines,
		MemoryLimit:        cfg.MemoryLimit,
		CPURejectThreshold: cfg.CPURejectThreshold,
		Logger:             logger,
	}, &s.currentConns)

	if cfg.ConnRateLimitEnabled {
		s.rateLimiter = limits.NewConnectionRateLimiter(limits.ConnectionRateLimiterConfig{
			IPBurst:     cfg.ConnRateLimitIPBurst,
			IPRate:      cfg.ConnRateLimitIPRate,
			GlobalBurst: cfg.ConnRateLimitGlobalBurst,
			GlobalRate:  cfg.ConnRateLimitGlobalRate,
			Logger:      logger,
		})
		logger.Info().Msg("Connection rate limiting enabled")
	}

	s.logger = logger.With().Str("instance_id", s.instanceID).Logger()

	return s
}

// Router builds the HTTP entry. Exposed for tests.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Get("/metrics", monitoring.HandleMetrics)
	r.Get("/ws/chat/", s.handleWebSocket)

	r.Route("/chat/api", func(r chi.Router) {
		r.Get("/redis/status/", s.handleRedisStatus)
		r.Get("/sessions/{id}/", s.handleSessionGet)
		r.Get("/sessions/{id}/messages/", s.handleSessionMessages)
		r.Post("/sessions/{id}/extend/", s.handleSessionExtend)
		r.Delete("/sessions/{id}/delete/", s.handleSessionDelete)
		r.Post("/broadcast/", s.handleBroadcastPost)
	})

	return r
}

// Start binds the listener, subscribes the broadcast coordinator, starts
// the heartbeat publisher, and begins serving. Readiness flips to true
// only after the listener and the pub/sub subscription are live.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = listener

	s.logger.Info().Str("address", s.cfg.Addr).Msg("Server listening")

	sub, err := s.store.Subscribe(s.ctx, store.BroadcastChannel)
	if err != nil {
		// Degraded: single-instance operation still works without the
		// cross-instance feed; the subscription is not retried here because
		// the HTTP entry remains the authoritative broadcast path.
		s.logger.Error().Err(err).Msg("Broadcast pub/sub subscription failed, running without cross-instance feed")
		monitoring.RecordStoreError("subscribe")
	} else {
		s.sub = sub
		s.wg.Add(1)
		go s.consumePubSub(sub)
	}

	if s.cfg.NATSURL != "" {
		natsConn, err := bus.Connect(bus.Config{
			URL:    s.cfg.NATSURL,
			Logger: s.logger,
		}, s.handleBusEnvelope)
		if err != nil {
			s.logger.Error().Err(err).Msg("NATS bus connection failed, continuing without it")
		} else {
			s.nats = natsConn
		}
	}

	s.httpServer = &http.Server{
		Handler:        s.Router(),
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   0, // WebSocket writes manage their own deadlines
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Server accept loop error")
		}
	}()

	s.wg.Add(1)
	go s.runHeartbeat()

	s.guard.StartMonitoring(s.ctx, s.cfg.MetricsInterval)

	s.ready.Store(true)

	s.logger.Info().
		Int("max_connections", s.cfg.MaxConnections).
		Dur("heartbeat_interval", s.cfg.HeartbeatInterval()).
		Dur("session_ttl", s.cfg.SessionTTL()).
		Msg("Server started")

	return nil
}

// Ready reports the readiness flag backing /readyz.
func (s *Server) Ready() bool {
	return s.ready.Load()
}

// connectionCount returns the number of open WebSocket connections.
func (s *Server) connectionCount() int64 {
	return atomic.LoadInt64(&s.currentConns)
}

// allClients snapshots every open connection, registered or anonymous.
// Heartbeats and the shutdown bye use this; broadcasts use the registry.
func (s *Server) allClients() []*Client {
	var out []*Client
	s.clients.Range(func(key, _ any) bool {
		if c, ok := key.(*Client); ok {
			out = append(out, c)
		}
		return true
	})
	return out
}

// persistSession writes the session state back to the store, degrading to
// a logged no-op on store failure.
func (s *Server) persistSession(ctx context.Context, c *Client) {
	now := time.Now()
	sess := &types.Session{
		Count:        atomic.LoadInt64(&c.count),
		CreatedAt:    c.sessionCreated,
		LastActivity: now.Unix(),
	}
	if err := s.store.SessionPut(ctx, c.sessionID, sess, s.cfg.SessionTTL()); err != nil {
		s.logger.Warn().Err(err).Str("session_id", c.sessionID).Msg("Degraded: session write failed")
		monitoring.RecordStoreError("session_put")
	}
}

// marshalFrame encodes a server frame, which cannot fail for the fixed
// shapes this server produces.
func marshalFrame(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		// Unreachable for our frame types; keep the connection alive anyway.
		return []byte("{}")
	}
	return data
}
