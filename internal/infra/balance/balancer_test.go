package balance

import (
	"fmt"
	"testing"

	"github.com/inferno-ai/inferno/internal/domain"
)

func testRequest(id string, p domain.Priority) domain.Request {
	r := domain.NewRequest("user", p, "model1", "prompt")
	r.RequestID = id
	return r
}

func TestLoadBalancer_LeastLoaded(t *testing.T) {
	lb := New(DefaultConfig())
	lb.RegisterWorker(1)
	lb.RegisterWorker(2)
	lb.RegisterWorker(3)

	lb.UpdateWorkerMetrics(1, 10, 1000, 4096)
	lb.UpdateWorkerMetrics(2, 5, 500, 4096)
	lb.UpdateWorkerMetrics(3, 15, 2000, 4096)

	result, ok := lb.AssignRequest(testRequest("req1", domain.PriorityNormal), 8192)
	if !ok {
		t.Fatal("AssignRequest() refused")
	}
	if result.WorkerID != 2 {
		t.Errorf("WorkerID = %d, want 2 (least loaded)", result.WorkerID)
	}
	if result.RequestID != "req1" {
		t.Errorf("RequestID = %q, want req1", result.RequestID)
	}
}

func TestLoadBalancer_EarliestCompletion(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Strategy = EarliestCompletion
	lb := New(cfg)
	lb.RegisterWorker(1)
	lb.RegisterWorker(2)
	lb.RegisterWorker(3)

	lb.UpdateWorkerMetrics(1, 5, 2000, 4096)
	lb.UpdateWorkerMetrics(2, 10, 500, 4096)
	lb.UpdateWorkerMetrics(3, 8, 1500, 4096)

	result, ok := lb.AssignRequest(testRequest("req1", domain.PriorityNormal), 8192)
	if !ok {
		t.Fatal("AssignRequest() refused")
	}
	if result.WorkerID != 2 {
		t.Errorf("WorkerID = %d, want 2 (earliest ETA)", result.WorkerID)
	}
}

func TestLoadBalancer_RoundRobin(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Strategy = RoundRobin
	lb := New(cfg)
	lb.RegisterWorker(2)
	lb.RegisterWorker(1)
	lb.RegisterWorker(3)

	var got []int
	for i := 0; i < 6; i++ {
		result, ok := lb.AssignRequest(testRequest(fmt.Sprintf("req%d", i), domain.PriorityNormal), 8192)
		if !ok {
			t.Fatal("AssignRequest() refused")
		}
		got = append(got, result.WorkerID)
	}

	want := []int{1, 2, 3, 1, 2, 3}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("rotation = %v, want %v", got, want)
		}
	}
}

func TestLoadBalancer_RefusesOnLowGPU(t *testing.T) {
	lb := New(DefaultConfig()) // MinGPUMemoryFreeMB = 512
	lb.RegisterWorker(1)

	if _, ok := lb.AssignRequest(testRequest("req1", domain.PriorityNormal), 128); ok {
		t.Error("AssignRequest() should refuse below the GPU memory floor")
	}
}

func TestLoadBalancer_RefusesWithNoWorkers(t *testing.T) {
	lb := New(DefaultConfig())
	if _, ok := lb.AssignRequest(testRequest("req1", domain.PriorityNormal), 8192); ok {
		t.Error("AssignRequest() should refuse with no registered workers")
	}
}

func TestLoadBalancer_EstimatedDuration(t *testing.T) {
	lb := New(DefaultConfig())
	lb.RegisterWorker(1)

	r := testRequest("req1", domain.PriorityNormal).WithEstimatedTokens(500)
	result, ok := lb.AssignRequest(r, 8192)
	if !ok {
		t.Fatal("AssignRequest() refused")
	}
	// 500 tokens at 50 tok/s = 10s.
	if result.EstimatedDurationMS != 10_000 {
		t.Errorf("EstimatedDurationMS = %d, want 10000", result.EstimatedDurationMS)
	}
}

// ─── Backpressure ───────────────────────────────────────────────────────────

func TestBackpressure_Thresholds(t *testing.T) {
	lb := New(DefaultConfig()) // max depth 10000, GPU floor 512

	tests := []struct {
		depth int
		gpuMB uint32
		want  BackpressureStatus
	}{
		{100, 1024, Healthy},
		{7001, 1024, Elevated},
		{9001, 1024, Critical},
		{0, 100, Elevated}, // GPU low, queue empty
		{1, 100, Critical}, // GPU low with queued work
		{9500, 100, Critical},
	}
	for _, tt := range tests {
		if got := lb.CheckBackpressure(tt.depth, tt.gpuMB); got != tt.want {
			t.Errorf("CheckBackpressure(%d, %d) = %v, want %v", tt.depth, tt.gpuMB, got, tt.want)
		}
	}
}

// Property 5: status degrades monotonically as depth grows at fixed GPU.
func TestBackpressure_Monotonic(t *testing.T) {
	lb := New(DefaultConfig())

	rank := map[BackpressureStatus]int{Healthy: 0, Elevated: 1, Critical: 2}
	prev := Healthy
	for depth := 0; depth <= 10_000; depth += 250 {
		got := lb.CheckBackpressure(depth, 4096)
		if rank[got] < rank[prev] {
			t.Fatalf("status regressed %v → %v at depth %d", prev, got, depth)
		}
		prev = got
	}
	if prev != Critical {
		t.Errorf("final status = %v, want Critical at max depth", prev)
	}
}

// ─── Grouping ───────────────────────────────────────────────────────────────

func TestGroupRequests_ChunksAndFIFO(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxBatchSize = 2
	lb := New(cfg)

	var requests []domain.Request
	for i := 0; i < 5; i++ {
		requests = append(requests, testRequest(fmt.Sprintf("req%d", i), domain.PriorityNormal))
	}

	groups := lb.GroupRequests(requests, "model1")
	if len(groups) != 3 {
		t.Fatalf("got %d groups, want 3 (2+2+1)", len(groups))
	}

	var flat []string
	for _, g := range groups {
		if g.ModelID != "model1" {
			t.Errorf("ModelID = %q, want model1", g.ModelID)
		}
		if g.BatchSize != len(g.Requests) {
			t.Errorf("BatchSize = %d, want %d", g.BatchSize, len(g.Requests))
		}
		if g.BatchSize > 2 {
			t.Errorf("BatchSize = %d exceeds max 2", g.BatchSize)
		}
		flat = append(flat, g.Requests...)
	}
	for i, id := range flat {
		if want := fmt.Sprintf("req%d", i); id != want {
			t.Errorf("flattened[%d] = %q, want %q (FIFO preserved)", i, id, want)
		}
	}
}

func TestGroupRequests_PartitionsByPriority(t *testing.T) {
	lb := New(DefaultConfig())

	requests := []domain.Request{
		testRequest("low1", domain.PriorityLow),
		testRequest("vip1", domain.PriorityVIP),
		testRequest("low2", domain.PriorityLow),
	}

	groups := lb.GroupRequests(requests, "model1")
	if len(groups) != 2 {
		t.Fatalf("got %d groups, want 2", len(groups))
	}
	for _, g := range groups {
		switch g.Priority {
		case domain.PriorityVIP:
			if len(g.Requests) != 1 || g.Requests[0] != "vip1" {
				t.Errorf("VIP group = %v", g.Requests)
			}
		case domain.PriorityLow:
			if len(g.Requests) != 2 {
				t.Errorf("Low group = %v, want 2 requests", g.Requests)
			}
		default:
			t.Errorf("unexpected group priority %v", g.Priority)
		}
	}
}

// ─── Load stats ─────────────────────────────────────────────────────────────

func TestLoadStats(t *testing.T) {
	lb := New(DefaultConfig())
	lb.RegisterWorker(1)
	lb.RegisterWorker(2)
	lb.UpdateWorkerMetrics(1, 5, 1000, 4096)
	lb.UpdateWorkerMetrics(2, 10, 2000, 4096)

	stats := lb.LoadStats()
	if stats.TotalLoad != 15 {
		t.Errorf("TotalLoad = %d, want 15", stats.TotalLoad)
	}
	if stats.WorkerCount != 2 {
		t.Errorf("WorkerCount = %d, want 2", stats.WorkerCount)
	}
	if stats.AvgLoadPerWorker != 7.5 {
		t.Errorf("AvgLoadPerWorker = %f, want 7.5", stats.AvgLoadPerWorker)
	}
}

func TestUnregisterWorker(t *testing.T) {
	lb := New(DefaultConfig())
	lb.RegisterWorker(1)
	lb.UnregisterWorker(1)
	if lb.WorkerCount() != 0 {
		t.Errorf("WorkerCount = %d, want 0", lb.WorkerCount())
	}
}
