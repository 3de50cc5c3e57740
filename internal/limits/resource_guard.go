package limits

import (
	"context"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// ResourceGuard enforces static resource limits and prevents server overload.
//
// Philosophy:
//   - Static configuration (predictable behavior)
//   - Safety valves (emergency brakes)
//   - No auto-calculation (deterministic)
//
// It samples process-visible CPU and memory on a fixed interval and answers
// admission checks from the latest sample, so the accept path never blocks
// on a measurement.
type ResourceGuard struct {
	logger zerolog.Logger

	maxConnections     int
	maxGoroutines      int
	memoryLimit        int64
	cpuRejectThreshold float64

	// Latest samples (atomic)
	currentCPU atomic.Value // float64, percent
	currentMem atomic.Value // int64, bytes in use

	// Pointer to the server's live connection count
	currentConns *int64

	// Overload state, for log-once transitions
	overloaded atomic.Bool
}

// ResourceGuardConfig holds static limits for the guard.
type ResourceGuardConfig struct {
	MaxConnections     int
	MaxGoroutines      int
	MemoryLimit        int64   // bytes
	CPURejectThreshold float64 // percent, 0 disables the CPU check
	Logger             zerolog.Logger
}

// NewResourceGuard creates a guard bound to the server's connection counter.
func NewResourceGuard(cfg ResourceGuardConfig, currentConns *int64) *ResourceGuard {
	g := &ResourceGuard{
		logger:             cfg.Logger.With().Str("component", "resource_guard").Logger(),
		maxConnections:     cfg.MaxConnections,
		maxGoroutines:      cfg.MaxGoroutines,
		memoryLimit:        cfg.MemoryLimit,
		cpuRejectThreshold: cfg.CPURejectThreshold,
		currentConns:       currentConns,
	}
	g.currentCPU.Store(float64(0))
	g.currentMem.Store(int64(0))
	return g
}

// ShouldAcceptConnection runs the admission checks in cheapest-first order.
// Returns false with a machine-readable reason when the connection must be
// rejected.
func (g *ResourceGuard) ShouldAcceptConnection() (bool, string) {
	if g.maxConnections > 0 && atomic.LoadInt64(g.currentConns) >= int64(g.maxConnections) {
		return false, "max_connections"
	}

	if g.maxGoroutines > 0 && runtime.NumGoroutine() >= g.maxGoroutines {
		return false, "max_goroutines"
	}

	if g.memoryLimit > 0 {
		if used, ok := g.currentMem.Load().(int64); ok && used >= g.memoryLimit {
			return false, "memory_limit"
		}
	}

	if g.cpuRejectThreshold > 0 {
		if pct, ok := g.currentCPU.Load().(float64); ok && pct >= g.cpuRejectThreshold {
			return false, "cpu_threshold"
		}
	}

	return true, ""
}

// StartMonitoring launches the sampling loop. It stops when ctx is done.
func (g *ResourceGuard) StartMonitoring(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				g.sample(ctx)
			}
		}
	}()
}

func (g *ResourceGuard) sample(ctx context.Context) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	g.currentMem.Store(int64(memStats.Alloc))

	// gopsutil with interval 0 compares against the previous call, so the
	// first sample reads 0 and settles on the second tick.
	if pcts, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pcts) > 0 {
		g.currentCPU.Store(pcts[0])
	}

	cpuPct, _ := g.currentCPU.Load().(float64)
	memUsed, _ := g.currentMem.Load().(int64)

	pressured := (g.cpuRejectThreshold > 0 && cpuPct >= g.cpuRejectThreshold) ||
		(g.memoryLimit > 0 && memUsed >= g.memoryLimit)

	if pressured != g.overloaded.Swap(pressured) {
		event := g.logger.Warn()
		if !pressured {
			event = g.logger.Info()
		}
		event.
			Float64("cpu_percent", cpuPct).
			Int64("memory_bytes", memUsed).
			Int64("connections", atomic.LoadInt64(g.currentConns)).
			Int("goroutines", runtime.NumGoroutine()).
			Bool("overloaded", pressured).
			Msg("Resource guard state change")
	}
}

// SystemMemoryPercent reports host memory utilization, for the health body.
func SystemMemoryPercent(ctx context.Context) float64 {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0
	}
	return vm.UsedPercent
}
