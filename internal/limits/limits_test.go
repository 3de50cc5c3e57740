package limits

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestConnectionRateLimiterPerIP(t *testing.T) {
	crl := NewConnectionRateLimiter(ConnectionRateLimiterConfig{
		IPBurst:     2,
		IPRate:      0.001, // effectively no refill during the test
		GlobalBurst: 100,
		GlobalRate:  100,
		Logger:      zerolog.Nop(),
	})
	defer crl.Stop()

	assert.True(t, crl.Allow("10.0.0.1"))
	assert.True(t, crl.Allow("10.0.0.1"))
	assert.False(t, crl.Allow("10.0.0.1"), "burst of 2 exhausted")

	// A different IP has its own bucket.
	assert.True(t, crl.Allow("10.0.0.2"))
}

func TestConnectionRateLimiterGlobal(t *testing.T) {
	crl := NewConnectionRateLimiter(ConnectionRateLimiterConfig{
		IPBurst:     100,
		IPRate:      100,
		GlobalBurst: 3,
		GlobalRate:  0.001,
		Logger:      zerolog.Nop(),
	})
	defer crl.Stop()

	for i := 0; i < 3; i++ {
		assert.True(t, crl.Allow("10.0.0.1"))
	}
	assert.False(t, crl.Allow("10.0.0.2"), "global budget spent regardless of IP")
}

func TestConnectionRateLimiterStopIdempotent(t *testing.T) {
	crl := NewConnectionRateLimiter(ConnectionRateLimiterConfig{Logger: zerolog.Nop()})
	crl.Stop()
	crl.Stop()
}

func TestResourceGuardMaxConnections(t *testing.T) {
	var conns int64
	g := NewResourceGuard(ResourceGuardConfig{
		MaxConnections: 2,
		Logger:         zerolog.Nop(),
	}, &conns)

	ok, _ := g.ShouldAcceptConnection()
	assert.True(t, ok)

	conns = 2
	ok, reason := g.ShouldAcceptConnection()
	assert.False(t, ok)
	assert.Equal(t, "max_connections", reason)
}

func TestResourceGuardMemoryLimit(t *testing.T) {
	var conns int64
	g := NewResourceGuard(ResourceGuardConfig{
		MaxConnections: 100,
		MemoryLimit:    1 << 20,
		Logger:         zerolog.Nop(),
	}, &conns)

	ok, _ := g.ShouldAcceptConnection()
	assert.True(t, ok, "no sample yet means no memory pressure")

	g.currentMem.Store(int64(2 << 20))
	ok, reason := g.ShouldAcceptConnection()
	assert.False(t, ok)
	assert.Equal(t, "memory_limit", reason)
}

func TestResourceGuardCPUThreshold(t *testing.T) {
	var conns int64
	g := NewResourceGuard(ResourceGuardConfig{
		MaxConnections:     100,
		CPURejectThreshold: 85,
		Logger:             zerolog.Nop(),
	}, &conns)

	g.currentCPU.Store(84.9)
	ok, _ := g.ShouldAcceptConnection()
	assert.True(t, ok)

	g.currentCPU.Store(92.5)
	ok, reason := g.ShouldAcceptConnection()
	assert.False(t, ok)
	assert.Equal(t, "cpu_threshold", reason)
}

func TestResourceGuardZeroLimitsDisabled(t *testing.T) {
	var conns int64 = 1 << 40
	g := NewResourceGuard(ResourceGuardConfig{Logger: zerolog.Nop()}, &conns)

	ok, reason := g.ShouldAcceptConnection()
	assert.True(t, ok, "zero-valued limits disable their checks, got reason %q", reason)
}
