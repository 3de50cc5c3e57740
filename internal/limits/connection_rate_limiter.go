package limits

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ConnectionRateLimiter provides DoS protection through rate limiting of
// connection attempts.
//
// Two-level rate limiting:
//   - Per-IP: prevents a single IP from flooding connections
//   - Global: prevents system-wide overload from distributed attacks
//
// Uses the token bucket algorithm (golang.org/x/time/rate).
type ConnectionRateLimiter struct {
	ipLimiters map[string]*ipLimiterEntry
	ipMu       sync.Mutex
	ipBurst    int
	ipRate     float64
	ipTTL      time.Duration // cleanup inactive IPs after this duration

	globalLimiter *rate.Limiter

	logger zerolog.Logger

	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
	stopOnce      sync.Once
}

type ipLimiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// ConnectionRateLimiterConfig holds configuration for connection rate limiting.
type ConnectionRateLimiterConfig struct {
	IPBurst int           // max burst connections per IP (default: 10)
	IPRate  float64       // sustained connections/sec per IP (default: 1.0)
	IPTTL   time.Duration // cleanup inactive IPs after this duration (default: 5m)

	GlobalBurst int     // max burst connections system-wide (default: 300)
	GlobalRate  float64 // sustained connections/sec system-wide (default: 50.0)

	Logger zerolog.Logger
}

// NewConnectionRateLimiter creates a connection rate limiter, applying
// defaults for zero values.
func NewConnectionRateLimiter(config ConnectionRateLimiterConfig) *ConnectionRateLimiter {
	if config.IPBurst == 0 {
		config.IPBurst = 10
	}
	if config.IPRate == 0 {
		config.IPRate = 1.0
	}
	if config.IPTTL == 0 {
		config.IPTTL = 5 * time.Minute
	}
	if config.GlobalBurst == 0 {
		config.GlobalBurst = 300
	}
	if config.GlobalRate == 0 {
		config.GlobalRate = 50.0
	}

	limiter := &ConnectionRateLimiter{
		ipLimiters:    make(map[string]*ipLimiterEntry),
		ipBurst:       config.IPBurst,
		ipRate:        config.IPRate,
		ipTTL:         config.IPTTL,
		globalLimiter: rate.NewLimiter(rate.Limit(config.GlobalRate), config.GlobalBurst),
		logger:        config.Logger.With().Str("component", "connection_rate_limiter").Logger(),
		stopCleanup:   make(chan struct{}),
	}

	limiter.cleanupTicker = time.NewTicker(1 * time.Minute)
	go limiter.cleanupLoop()

	limiter.logger.Info().
		Int("ip_burst", config.IPBurst).
		Float64("ip_rate", config.IPRate).
		Int("global_burst", config.GlobalBurst).
		Float64("global_rate", config.GlobalRate).
		Msg("Connection rate limiter initialized")

	return limiter
}

// Allow reports whether a connection from the given IP may proceed.
// The global limit is checked first, then the per-IP limit.
func (crl *ConnectionRateLimiter) Allow(ip string) bool {
	if !crl.globalLimiter.Allow() {
		crl.logger.Debug().Str("ip", ip).Msg("Connection rejected: global rate limit exceeded")
		return false
	}

	if !crl.ipLimiter(ip).Allow() {
		crl.logger.Debug().Str("ip", ip).Msg("Connection rejected: per-IP rate limit exceeded")
		return false
	}

	return true
}

func (crl *ConnectionRateLimiter) ipLimiter(ip string) *rate.Limiter {
	crl.ipMu.Lock()
	defer crl.ipMu.Unlock()

	if entry, ok := crl.ipLimiters[ip]; ok {
		entry.lastAccess = time.Now()
		return entry.limiter
	}

	limiter := rate.NewLimiter(rate.Limit(crl.ipRate), crl.ipBurst)
	crl.ipLimiters[ip] = &ipLimiterEntry{
		limiter:    limiter,
		lastAccess: time.Now(),
	}
	return limiter
}

// cleanupLoop removes stale per-IP limiters so the map cannot grow without
// bound under IP churn.
func (crl *ConnectionRateLimiter) cleanupLoop() {
	for {
		select {
		case <-crl.cleanupTicker.C:
			cutoff := time.Now().Add(-crl.ipTTL)
			crl.ipMu.Lock()
			for ip, entry := range crl.ipLimiters {
				if entry.lastAccess.Before(cutoff) {
					delete(crl.ipLimiters, ip)
				}
			}
			crl.ipMu.Unlock()
		case <-crl.stopCleanup:
			return
		}
	}
}

// Stop halts the background cleanup goroutine.
func (crl *ConnectionRateLimiter) Stop() {
	crl.stopOnce.Do(func() {
		crl.cleanupTicker.Stop()
		close(crl.stopCleanup)
	})
}
