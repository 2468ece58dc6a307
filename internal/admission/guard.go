// Package admission implements SPEC_FULL.md §5.1's resource-aware
// admission control: a cheap process-level check consulted before a new
// WebSocket connection ever reaches C4's per-key policy engine. Carried
// forward from the teacher's ResourceGuard
// (ws/internal/shared/limits/resource_guard.go), generalized from Kafka
// consumption/broadcast rate limiting (not applicable here — this
// gateway ingests one upstream WS stream, not partitioned topics) down to
// the connection/CPU/memory/goroutine admission checks that still apply.
package admission

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Limits mirrors the resource-guard section of internal/config.Config.
type Limits struct {
	MaxConnections     int
	MaxGoroutines      int
	MemoryLimitBytes   int64
	CPURejectThreshold float64
	CPUPauseThreshold  float64
}

// Guard enforces static, explicitly-configured resource limits rather
// than auto-calculating capacity — same philosophy as the teacher's
// ResourceGuard: predictable, deterministic admission decisions.
type Guard struct {
	limits Limits
	logger zerolog.Logger

	currentConns atomic.Int64

	currentCPU    atomic.Value // float64
	currentMemory atomic.Value // int64 bytes

	onSample func(cpuPercent float64, memoryBytes int64, goroutines int, connections int64)
}

func New(limits Limits, logger zerolog.Logger) *Guard {
	g := &Guard{limits: limits, logger: logger.With().Str("component", "admission").Logger()}
	g.currentCPU.Store(0.0)
	g.currentMemory.Store(int64(0))
	return g
}

// SetOnSample registers a callback invoked after every periodic sample,
// consulted by the wiring layer to publish the reading onto Prometheus
// gauges (internal/metrics) without this package depending on metrics.
func (g *Guard) SetOnSample(fn func(cpuPercent float64, memoryBytes int64, goroutines int, connections int64)) {
	g.onSample = fn
}

// IncConnections/DecConnections track live connections; the gateway's
// transports call these around the handshake the same way ClientSession
// lifetimes are already tracked by C4's TrackWSConnect, but at the
// process level rather than per-key.
func (g *Guard) IncConnections() { g.currentConns.Add(1) }
func (g *Guard) DecConnections() { g.currentConns.Add(-1) }

// ShouldAcceptConnection runs the four checks in the order the teacher's
// ResourceGuard does: hard connection cap, CPU emergency brake, memory
// emergency brake, goroutine cap.
func (g *Guard) ShouldAcceptConnection() (accept bool, reason string) {
	conns := g.currentConns.Load()
	cpuPct := g.currentCPU.Load().(float64)
	memBytes := g.currentMemory.Load().(int64)
	goroutines := runtime.NumGoroutine()

	if conns >= int64(g.limits.MaxConnections) {
		return false, fmt.Sprintf("at max connections (%d)", g.limits.MaxConnections)
	}
	if cpuPct > g.limits.CPURejectThreshold {
		return false, fmt.Sprintf("cpu %.1f%% > %.1f%%", cpuPct, g.limits.CPURejectThreshold)
	}
	if g.limits.MemoryLimitBytes > 0 && memBytes > g.limits.MemoryLimitBytes {
		return false, "memory limit exceeded"
	}
	if goroutines > g.limits.MaxGoroutines {
		return false, fmt.Sprintf("goroutine limit exceeded (%d > %d)", goroutines, g.limits.MaxGoroutines)
	}
	return true, "ok"
}

// ShouldThrottleIngestion reports whether C5's tick ingestion should shed
// load — the closest analog to the teacher's ShouldPauseKafka. No code
// path in this gateway consults it; tick ingestion does not shed load.
func (g *Guard) ShouldThrottleIngestion() bool {
	return g.currentCPU.Load().(float64) > g.limits.CPUPauseThreshold
}

// Snapshot reports the current sampled state, surfaced via
// GET /api/health/detailed.
func (g *Guard) Snapshot() map[string]any {
	return map[string]any{
		"connections":          g.currentConns.Load(),
		"max_connections":      g.limits.MaxConnections,
		"cpu_percent":          g.currentCPU.Load().(float64),
		"cpu_reject_threshold": g.limits.CPURejectThreshold,
		"memory_bytes":         g.currentMemory.Load().(int64),
		"memory_limit_bytes":   g.limits.MemoryLimitBytes,
		"goroutines":           runtime.NumGoroutine(),
		"max_goroutines":       g.limits.MaxGoroutines,
	}
}

// StartMonitoring samples host CPU/memory every interval via gopsutil,
// the way the teacher's ResourceGuard.StartMonitoring drives its
// CPUMonitor, until ctx is cancelled.
func (g *Guard) StartMonitoring(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				g.sample()
			}
		}
	}()
}

func (g *Guard) sample() {
	if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) > 0 {
		g.currentCPU.Store(pcts[0])
	} else if err != nil {
		g.logger.Warn().Err(err).Msg("failed to sample cpu percent")
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		g.currentMemory.Store(int64(vm.Used))
	} else {
		g.logger.Warn().Err(err).Msg("failed to sample memory usage")
	}

	cpuPct := g.currentCPU.Load().(float64)
	memBytes := g.currentMemory.Load().(int64)
	goroutines := runtime.NumGoroutine()
	conns := g.currentConns.Load()

	g.logger.Debug().
		Int64("connections", conns).
		Float64("cpu_percent", cpuPct).
		Int64("memory_bytes", memBytes).
		Int("goroutines", goroutines).
		Msg("admission guard sampled resource state")

	if g.onSample != nil {
		g.onSample(cpuPct, memBytes, goroutines, conns)
	}
}
