package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus metrics for the chat relay.
// Scraped by the external monitoring stack via GET /metrics.
var (
	// Connection metrics
	activeConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "app_active_connections",
		Help: "Current number of open WebSocket connections",
	})

	connectionsOpened = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "app_connections_opened_total",
		Help: "Lifetime accepted WebSocket upgrades",
	})

	connectionsClosed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "app_connections_closed_total",
		Help: "Lifetime closed WebSocket connections",
	})

	sessionsTracked = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "app_sessions_tracked",
		Help: "Size of the in-process session registry",
	})

	// Message metrics
	messagesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "app_messages_total",
		Help: "Text frames received from clients",
	})

	messagesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "app_messages_sent",
		Help: "Frames delivered to clients (echoes, heartbeats, broadcasts, byes)",
	})

	// Error tracking
	errorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "app_errors_total",
		Help: "Internal handled errors",
	})

	shutdownDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "app_shutdown_duration_seconds",
		Help:    "Wall-clock duration of graceful shutdown",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 15},
	})

	// Ambient metrics (supplement the required set, never replace it)
	storeErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "app_store_errors_total",
		Help: "KV store operation failures by operation",
	}, []string{"op"})

	broadcastsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "app_broadcasts_total",
		Help: "Broadcast requests processed by source",
	}, []string{"source"})

	connectionsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "app_connections_rejected_total",
		Help: "Connection attempts rejected before upgrade, by reason",
	}, []string{"reason"})
)

func init() {
	prometheus.MustRegister(activeConnections)
	prometheus.MustRegister(connectionsOpened)
	prometheus.MustRegister(connectionsClosed)
	prometheus.MustRegister(sessionsTracked)

	prometheus.MustRegister(messagesReceived)
	prometheus.MustRegister(messagesSent)

	prometheus.MustRegister(errorsTotal)
	prometheus.MustRegister(shutdownDuration)

	prometheus.MustRegister(storeErrors)
	prometheus.MustRegister(broadcastsTotal)
	prometheus.MustRegister(connectionsRejected)
}

// ConnectionOpened records an accepted upgrade.
func ConnectionOpened() {
	connectionsOpened.Inc()
	activeConnections.Inc()
}

// ConnectionClosed records a closed connection.
func ConnectionClosed() {
	connectionsClosed.Inc()
	activeConnections.Dec()
}

// SetSessionsTracked updates the registry size gauge.
func SetSessionsTracked(n int) {
	sessionsTracked.Set(float64(n))
}

// MessageReceived counts one text frame received from a client.
func MessageReceived() {
	messagesReceived.Inc()
}

// MessageSent counts frames delivered to clients.
func MessageSent(n int) {
	if n > 0 {
		messagesSent.Add(float64(n))
	}
}

// RecordError counts one internal handled error.
func RecordError() {
	errorsTotal.Inc()
}

// RecordStoreError counts a KV store failure for the given operation and
// the general error counter.
func RecordStoreError(op string) {
	storeErrors.WithLabelValues(op).Inc()
	errorsTotal.Inc()
}

// RecordBroadcast counts a processed broadcast by source (http, pubsub, nats).
func RecordBroadcast(source string) {
	broadcastsTotal.WithLabelValues(source).Inc()
}

// RecordRejectedConnection counts a pre-upgrade rejection by reason.
func RecordRejectedConnection(reason string) {
	connectionsRejected.WithLabelValues(reason).Inc()
}

// ObserveShutdownDuration records the measured graceful shutdown time.
func ObserveShutdownDuration(seconds float64) {
	shutdownDuration.Observe(seconds)
}

// Rejection reasons for app_connections_rejected_total.
const (
	RejectReasonShuttingDown = "shutting_down"
	RejectReasonRateLimited  = "rate_limited"
	RejectReasonOverloaded   = "overloaded"
	RejectReasonAtCapacity   = "at_capacity"
)

// HandleMetrics serves Prometheus metrics at the /metrics endpoint.
func HandleMetrics(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}
