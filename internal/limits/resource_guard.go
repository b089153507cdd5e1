package limits

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"

	"github.com/fatihtunali/whisper2-sub005/internal/metrics"
)

// ResourceGuard is the emergency brake on connection admission. Static
// limits, no auto-tuning: when CPU, memory, connections, or goroutines cross
// their configured ceilings, new sockets are refused until pressure drops.
type ResourceGuard struct {
	maxConnections int64
	cpuThreshold   float64 // percent, reject above
	memoryLimit    int64   // bytes of heap in use, reject above
	maxGoroutines  int

	currentConns *int64 // owned by the gateway, read atomically

	currentCPU    atomic.Value // float64
	currentMemory atomic.Int64

	logger zerolog.Logger
}

// ResourceGuardConfig holds the guard's ceilings. Zero values take defaults
// sized for a small single instance.
type ResourceGuardConfig struct {
	MaxConnections int64
	CPUThreshold   float64
	MemoryLimit    int64
	MaxGoroutines  int
}

func NewResourceGuard(cfg ResourceGuardConfig, currentConns *int64, logger zerolog.Logger) *ResourceGuard {
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = 10000
	}
	if cfg.CPUThreshold == 0 {
		cfg.CPUThreshold = 85
	}
	if cfg.MemoryLimit == 0 {
		cfg.MemoryLimit = 1 << 30
	}
	if cfg.MaxGoroutines == 0 {
		cfg.MaxGoroutines = 50000
	}
	rg := &ResourceGuard{
		maxConnections: cfg.MaxConnections,
		cpuThreshold:   cfg.CPUThreshold,
		memoryLimit:    cfg.MemoryLimit,
		maxGoroutines:  cfg.MaxGoroutines,
		currentConns:   currentConns,
		logger:         logger.With().Str("component", "resource_guard").Logger(),
	}
	rg.currentCPU.Store(0.0)
	return rg
}

// Admit reports whether a new connection fits under every ceiling. The
// reason string names the first ceiling hit.
func (rg *ResourceGuard) Admit() (bool, string) {
	conns := atomic.LoadInt64(rg.currentConns)
	if conns >= rg.maxConnections {
		metrics.ConnectionsRejected.WithLabelValues("max_connections").Inc()
		return false, fmt.Sprintf("at max connections (%d)", rg.maxConnections)
	}
	if cpuPct := rg.currentCPU.Load().(float64); cpuPct > rg.cpuThreshold {
		metrics.ConnectionsRejected.WithLabelValues("cpu").Inc()
		return false, fmt.Sprintf("cpu %.1f%% above %.1f%%", cpuPct, rg.cpuThreshold)
	}
	if mem := rg.currentMemory.Load(); mem > rg.memoryLimit {
		metrics.ConnectionsRejected.WithLabelValues("memory").Inc()
		return false, "memory limit exceeded"
	}
	if n := runtime.NumGoroutine(); n > rg.maxGoroutines {
		metrics.ConnectionsRejected.WithLabelValues("goroutines").Inc()
		return false, fmt.Sprintf("goroutine limit exceeded (%d)", n)
	}
	return true, "ok"
}

// StartMonitoring samples CPU and heap on the given interval until ctx ends.
func (rg *ResourceGuard) StartMonitoring(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				rg.sample(ctx)
			case <-ctx.Done():
				rg.logger.Info().Msg("resource monitoring stopped")
				return
			}
		}
	}()
}

func (rg *ResourceGuard) sample(ctx context.Context) {
	// Non-blocking sample against the last call's window.
	if pcts, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pcts) > 0 {
		rg.currentCPU.Store(pcts[0])
		metrics.ResourceCPUPercent.Set(pcts[0])
	} else if err != nil {
		rg.logger.Warn().Err(err).Msg("cpu sample failed")
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	rg.currentMemory.Store(int64(mem.HeapInuse))
	metrics.ResourceMemoryBytes.Set(float64(mem.HeapInuse))

	rg.logger.Debug().
		Float64("cpu_percent", rg.currentCPU.Load().(float64)).
		Int64("heap_bytes", rg.currentMemory.Load()).
		Int64("connections", atomic.LoadInt64(rg.currentConns)).
		Int("goroutines", runtime.NumGoroutine()).
		Msg("resource sample")
}
