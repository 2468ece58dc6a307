package admission

import (
	"testing"

	"github.com/rs/zerolog"
)

func newTestGuard(limits Limits) *Guard {
	return New(limits, zerolog.Nop())
}

func TestShouldAcceptConnection_Ok(t *testing.T) {
	g := newTestGuard(Limits{MaxConnections: 10, MaxGoroutines: 100000, MemoryLimitBytes: 0, CPURejectThreshold: 90, CPUPauseThreshold: 95})
	ok, reason := g.ShouldAcceptConnection()
	if !ok {
		t.Fatalf("expected accept, got reject: %s", reason)
	}
}

func TestShouldAcceptConnection_MaxConnections(t *testing.T) {
	g := newTestGuard(Limits{MaxConnections: 2, MaxGoroutines: 100000, CPURejectThreshold: 90, CPUPauseThreshold: 95})
	g.IncConnections()
	g.IncConnections()
	ok, reason := g.ShouldAcceptConnection()
	if ok {
		t.Fatal("expected reject at max connections")
	}
	if reason == "" {
		t.Fatal("expected a reason string")
	}
}

func TestShouldAcceptConnection_CPUThreshold(t *testing.T) {
	g := newTestGuard(Limits{MaxConnections: 10, MaxGoroutines: 100000, CPURejectThreshold: 50, CPUPauseThreshold: 60})
	g.currentCPU.Store(75.0)
	ok, _ := g.ShouldAcceptConnection()
	if ok {
		t.Fatal("expected reject above cpu reject threshold")
	}
}

func TestShouldAcceptConnection_MemoryLimit(t *testing.T) {
	g := newTestGuard(Limits{MaxConnections: 10, MaxGoroutines: 100000, MemoryLimitBytes: 1000, CPURejectThreshold: 90, CPUPauseThreshold: 95})
	g.currentMemory.Store(int64(2000))
	ok, _ := g.ShouldAcceptConnection()
	if ok {
		t.Fatal("expected reject above memory limit")
	}
}

func TestShouldThrottleIngestion(t *testing.T) {
	g := newTestGuard(Limits{CPUPauseThreshold: 80})
	g.currentCPU.Store(50.0)
	if g.ShouldThrottleIngestion() {
		t.Fatal("expected no throttle below pause threshold")
	}
	g.currentCPU.Store(90.0)
	if !g.ShouldThrottleIngestion() {
		t.Fatal("expected throttle above pause threshold")
	}
}

func TestIncDecConnections(t *testing.T) {
	g := newTestGuard(Limits{MaxConnections: 5, CPURejectThreshold: 90, CPUPauseThreshold: 95})
	g.IncConnections()
	g.IncConnections()
	g.DecConnections()
	if got := g.currentConns.Load(); got != 1 {
		t.Fatalf("expected 1 connection, got %d", got)
	}
}

func TestSnapshotReportsCurrentState(t *testing.T) {
	g := newTestGuard(Limits{MaxConnections: 5, MaxGoroutines: 10, CPURejectThreshold: 90, CPUPauseThreshold: 95})
	g.IncConnections()
	snap := g.Snapshot()
	if snap["connections"].(int64) != 1 {
		t.Fatalf("unexpected connections in snapshot: %v", snap["connections"])
	}
}

func TestSetOnSampleInvokedBySample(t *testing.T) {
	g := newTestGuard(Limits{MaxConnections: 5, CPURejectThreshold: 90, CPUPauseThreshold: 95})
	called := false
	g.SetOnSample(func(cpuPercent float64, memoryBytes int64, goroutines int, connections int64) {
		called = true
	})
	g.currentCPU.Store(12.5)
	g.currentMemory.Store(int64(4096))
	g.sample()
	if !called {
		t.Fatal("expected onSample callback to fire")
	}
}
