package pool

import (
	"testing"
	"time"

	"github.com/inferno-ai/inferno/internal/domain"
)

func newTestPool(min, max int) *WorkerPool {
	cfg := domain.DefaultPoolConfig("llama-7b")
	cfg.MinWorkers = min
	cfg.MaxWorkers = max
	cfg.TargetLatencyMS = 200

	var next int
	p := NewWorkerPool(cfg, func() int { next++; return next })
	p.SetScaleCooldown(0)
	return p
}

func TestWorkerPool_Creation(t *testing.T) {
	p := newTestPool(2, 16)
	if p.Len() != 2 {
		t.Errorf("Len() = %d, want 2 (min workers)", p.Len())
	}
}

func TestWorkerPool_LeastLoaded(t *testing.T) {
	p := newTestPool(3, 16)

	w1, ok := p.LeastLoadedWorker()
	if !ok {
		t.Fatal("LeastLoadedWorker() empty")
	}
	p.AssignRequest(w1)
	p.AssignRequest(w1)

	w2, _ := p.LeastLoadedWorker()
	if w2 == w1 {
		t.Error("LeastLoadedWorker() should pick a different worker")
	}
	p.AssignRequest(w2)

	w3, _ := p.LeastLoadedWorker()
	if w3 == w1 || w3 == w2 {
		t.Error("LeastLoadedWorker() should pick the remaining idle worker")
	}
}

// ─── State machine ──────────────────────────────────────────────────────────

func TestWorkerPool_StateMachine(t *testing.T) {
	p := newTestPool(1, 16)
	id, _ := p.LeastLoadedWorker()

	state := func() domain.WorkerState {
		return p.WorkerMetrics()[0].State
	}

	if state() != domain.WorkerIdle {
		t.Fatalf("initial state = %v, want Idle", state())
	}

	p.AssignRequest(id)
	if state() != domain.WorkerActive {
		t.Errorf("after 1 assign = %v, want Active", state())
	}

	p.AssignRequest(id)
	if state() != domain.WorkerBusy {
		t.Errorf("after 2 assigns = %v, want Busy", state())
	}

	p.CompleteRequest(id, true)
	if state() != domain.WorkerActive {
		t.Errorf("after 1 complete = %v, want Active", state())
	}

	p.CompleteRequest(id, true)
	if state() != domain.WorkerIdle {
		t.Errorf("after draining = %v, want Idle", state())
	}

	m := p.WorkerMetrics()[0]
	if m.TotalProcessed != 2 || m.TotalFailed != 0 {
		t.Errorf("counters = %d/%d, want 2/0", m.TotalProcessed, m.TotalFailed)
	}
}

func TestWorkerPool_FailedWorkerExcluded(t *testing.T) {
	p := newTestPool(2, 16)

	metrics := p.WorkerMetrics()
	failed := metrics[0].WorkerID
	other := metrics[1].WorkerID
	p.MarkFailed(failed)

	if p.AssignRequest(failed) {
		t.Error("AssignRequest() to failed worker should refuse")
	}
	got, ok := p.LeastLoadedWorker()
	if !ok || got != other {
		t.Errorf("LeastLoadedWorker() = %d, want %d (failed excluded)", got, other)
	}
}

func TestWorkerPool_FailureCounted(t *testing.T) {
	p := newTestPool(1, 16)
	id, _ := p.LeastLoadedWorker()

	p.AssignRequest(id)
	p.CompleteRequest(id, false)

	stats := p.Stats()
	if stats.TotalFailed != 1 {
		t.Errorf("TotalFailed = %d, want 1", stats.TotalFailed)
	}
}

// ─── Auto-scaling ───────────────────────────────────────────────────────────

// S5: latency above target with ample GPU grows the pool; with no free GPU it
// does not.
func TestAutoScale_UpOnLatency(t *testing.T) {
	p := newTestPool(1, 5)

	dir, _ := p.AutoScale(0, 300, 10_240)
	if dir != ScaleUp {
		t.Fatalf("AutoScale() = %v, want ScaleUp", dir)
	}
	if p.Len() < 2 {
		t.Errorf("Len() = %d, want ≥ 2", p.Len())
	}
}

func TestAutoScale_BlockedWithoutGPU(t *testing.T) {
	p := newTestPool(1, 5)

	dir, _ := p.AutoScale(0, 300, 0)
	if dir != ScaleNone {
		t.Errorf("AutoScale() = %v, want ScaleNone with no free GPU", dir)
	}
	if p.Len() != 1 {
		t.Errorf("Len() = %d, want 1", p.Len())
	}
}

func TestAutoScale_UpOnQueueDepth(t *testing.T) {
	p := newTestPool(1, 5)

	// depth 50 > 1 worker × 10 soft cap
	dir, _ := p.AutoScale(50, 0, 10_240)
	if dir != ScaleUp {
		t.Errorf("AutoScale() = %v, want ScaleUp on deep queue", dir)
	}
}

func TestAutoScale_RespectsMaxWorkers(t *testing.T) {
	p := newTestPool(1, 2)

	p.AutoScale(100, 500, 100_000)
	if p.Len() != 2 {
		t.Fatalf("Len() = %d, want 2 (max)", p.Len())
	}

	// Keep enough load to rule out a scale-down, then verify the ceiling.
	for _, m := range p.WorkerMetrics() {
		p.AssignRequest(m.WorkerID)
		p.AssignRequest(m.WorkerID)
	}
	dir, _ := p.AutoScale(100, 500, 100_000)
	if dir != ScaleNone {
		t.Errorf("AutoScale() = %v, want ScaleNone at max", dir)
	}
	if p.Len() != 2 {
		t.Errorf("Len() = %d, want 2 (max)", p.Len())
	}
}

func TestAutoScale_DownWhenIdle(t *testing.T) {
	p := newTestPool(1, 5)

	p.AutoScale(0, 300, 10_240) // grow to 2
	if p.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", p.Len())
	}

	// Load 0 < 20% with idle workers → drop one, but never below min.
	dir, _ := p.AutoScale(0, 0, 10_240)
	if dir != ScaleDown {
		t.Fatalf("AutoScale() = %v, want ScaleDown", dir)
	}
	if p.Len() != 1 {
		t.Errorf("Len() = %d, want 1", p.Len())
	}

	dir, _ = p.AutoScale(0, 0, 10_240)
	if dir != ScaleNone {
		t.Errorf("AutoScale() = %v, want ScaleNone at min workers", dir)
	}
}

// Property 6: min ≤ len ≤ max holds across an arbitrary scaling storm.
func TestAutoScale_Bounds(t *testing.T) {
	p := newTestPool(1, 4)

	ticks := []struct {
		depth   int
		latency float32
		gpu     uint32
	}{
		{100, 500, 100_000}, {100, 500, 100_000}, {0, 0, 100_000},
		{500, 900, 100_000}, {0, 0, 100_000}, {0, 0, 100_000},
		{0, 0, 100_000}, {1000, 50, 0}, {0, 0, 100_000},
	}
	for i, tk := range ticks {
		p.AutoScale(tk.depth, tk.latency, tk.gpu)
		if n := p.Len(); n < 1 || n > 4 {
			t.Fatalf("tick %d: Len() = %d, outside [1,4]", i, n)
		}
	}
}

func TestAutoScale_Hysteresis(t *testing.T) {
	p := newTestPool(1, 5)
	p.SetScaleCooldown(time.Hour)

	p.AutoScale(100, 500, 100_000)
	before := p.Len()
	// Immediately after a change the cooldown suppresses further scaling.
	p.AutoScale(100, 500, 100_000)
	if p.Len() != before {
		t.Errorf("Len() changed during cooldown: %d → %d", before, p.Len())
	}
}

func TestAutoScale_ReclaimsFailedWorker(t *testing.T) {
	p := newTestPool(1, 5)

	id, _ := p.LeastLoadedWorker()
	p.MarkFailed(id)

	// Scale tick removes the failed worker and replaces it.
	p.AutoScale(50, 0, 10_240)
	for _, m := range p.WorkerMetrics() {
		if m.State == domain.WorkerFailed {
			t.Error("failed worker should be reclaimed on scale tick")
		}
	}
	if p.Len() < 1 {
		t.Errorf("Len() = %d, want ≥ 1", p.Len())
	}
}

// ─── Registry ───────────────────────────────────────────────────────────────

func TestRegistry(t *testing.T) {
	r := NewRegistry()

	r.GetOrCreate(domain.DefaultPoolConfig("model1"))
	r.GetOrCreate(domain.DefaultPoolConfig("model2"))

	if _, ok := r.Get("model1"); !ok {
		t.Error("Get(model1) missing")
	}
	if _, ok := r.Get("model3"); ok {
		t.Error("Get(model3) should be absent")
	}

	stats := r.Stats()
	if len(stats) != 2 {
		t.Errorf("Stats() has %d pools, want 2", len(stats))
	}

	if _, ok := r.Remove("model2"); !ok {
		t.Error("Remove(model2) should succeed")
	}
	if _, ok := r.Get("model2"); ok {
		t.Error("model2 should be gone after Remove")
	}
}

func TestRegistry_UniqueWorkerIDs(t *testing.T) {
	r := NewRegistry()
	p1 := r.GetOrCreate(domain.DefaultPoolConfig("model1"))
	p2 := r.GetOrCreate(domain.DefaultPoolConfig("model2"))

	seen := map[int]bool{}
	for _, m := range append(p1.WorkerMetrics(), p2.WorkerMetrics()...) {
		if seen[m.WorkerID] {
			t.Fatalf("worker id %d reused across pools", m.WorkerID)
		}
		seen[m.WorkerID] = true
	}
}
