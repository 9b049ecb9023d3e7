// Package balance binds dequeued requests to workers and enforces GPU-memory
// and queue-depth backpressure.
package balance

import (
	"sort"
	"sync"

	"github.com/inferno-ai/inferno/internal/domain"
)

// Strategy selects how a worker is chosen for a request.
type Strategy string

const (
	LeastLoaded        Strategy = "least_loaded"
	EarliestCompletion Strategy = "earliest_completion"
	RoundRobin         Strategy = "round_robin"
)

// BackpressureStatus is the coarse admission signal reported to submitters.
type BackpressureStatus string

const (
	Healthy  BackpressureStatus = "HEALTHY"
	Elevated BackpressureStatus = "ELEVATED"
	Critical BackpressureStatus = "CRITICAL"
)

// estimatedTokensPerSec is the assumed average generation speed used for
// duration estimates.
const estimatedTokensPerSec = 50

// AssignmentResult is the outcome of binding a request to a worker.
type AssignmentResult struct {
	RequestID           string `json:"request_id"`
	WorkerID            int    `json:"worker_id"`
	EstimatedDurationMS uint32 `json:"estimated_duration_ms"`
}

// RequestGroup is a batch of same-priority requests for one model.
type RequestGroup struct {
	Requests    []string        `json:"requests"` // request ids, FIFO order
	ModelID     string          `json:"model_id"`
	TotalTokens uint32          `json:"total_tokens"`
	BatchSize   int             `json:"batch_size"`
	Priority    domain.Priority `json:"priority"`
}

// Config bounds the balancer.
type Config struct {
	Strategy              Strategy
	MaxQueueDepth         int
	MinGPUMemoryFreeMB    uint32
	BatchGroupingWindowMS uint32
	MaxBatchSize          int
}

// DefaultConfig returns production balancer defaults.
func DefaultConfig() Config {
	return Config{
		Strategy:              LeastLoaded,
		MaxQueueDepth:         10_000,
		MinGPUMemoryFreeMB:    512,
		BatchGroupingWindowMS: 50,
		MaxBatchSize:          32,
	}
}

// workerView is the balancer's picture of one worker.
type workerView struct {
	activeRequests uint32
	etaMS          uint64
	gpuMemoryMB    uint32
}

// LoadStats summarizes the registered worker set.
type LoadStats struct {
	TotalLoad            uint32  `json:"total_load"`
	WorkerCount          int     `json:"worker_count"`
	AvgLoadPerWorker     float32 `json:"avg_load_per_worker"`
	TotalGPUMemoryUsedMB uint32  `json:"total_gpu_memory_used_mb"`
}

// LoadBalancer assigns requests to workers from their latest metrics.
type LoadBalancer struct {
	mu      sync.Mutex
	config  Config
	workers map[int]workerView
	cursor  int // round-robin rotation position
}

// New creates a load balancer.
func New(cfg Config) *LoadBalancer {
	return &LoadBalancer{
		config:  cfg,
		workers: make(map[int]workerView),
	}
}

// RegisterWorker makes a worker eligible for assignment.
func (lb *LoadBalancer) RegisterWorker(workerID int) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	if _, ok := lb.workers[workerID]; !ok {
		lb.workers[workerID] = workerView{}
	}
}

// UnregisterWorker removes a worker from rotation.
func (lb *LoadBalancer) UnregisterWorker(workerID int) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	delete(lb.workers, workerID)
}

// UpdateWorkerMetrics refreshes the balancer's view of one worker.
func (lb *LoadBalancer) UpdateWorkerMetrics(workerID int, activeRequests uint32, etaMS uint64, gpuMemoryMB uint32) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	lb.workers[workerID] = workerView{
		activeRequests: activeRequests,
		etaMS:          etaMS,
		gpuMemoryMB:    gpuMemoryMB,
	}
}

// WorkerCount returns the number of registered workers.
func (lb *LoadBalancer) WorkerCount() int {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return len(lb.workers)
}

// AssignRequest binds a request to a worker by the configured strategy.
// Returns false when free GPU memory is below the floor or no workers exist;
// the request then stays queued.
func (lb *LoadBalancer) AssignRequest(r domain.Request, availableGPUMemoryMB uint32) (AssignmentResult, bool) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	if availableGPUMemoryMB < lb.config.MinGPUMemoryFreeMB {
		return AssignmentResult{}, false
	}
	if len(lb.workers) == 0 {
		return AssignmentResult{}, false
	}

	var workerID int
	var ok bool
	switch lb.config.Strategy {
	case EarliestCompletion:
		workerID, ok = lb.earliestCompletionLocked()
	case RoundRobin:
		workerID, ok = lb.nextWorkerLocked()
	default:
		workerID, ok = lb.leastLoadedLocked()
	}
	if !ok {
		return AssignmentResult{}, false
	}

	return AssignmentResult{
		RequestID:           r.RequestID,
		WorkerID:            workerID,
		EstimatedDurationMS: r.EstimatedTokens / estimatedTokensPerSec * 1000,
	}, true
}

func (lb *LoadBalancer) leastLoadedLocked() (int, bool) {
	best := -1
	var bestLoad uint32
	for id, w := range lb.workers {
		if best < 0 || w.activeRequests < bestLoad || (w.activeRequests == bestLoad && id < best) {
			best = id
			bestLoad = w.activeRequests
		}
	}
	return best, best >= 0
}

func (lb *LoadBalancer) earliestCompletionLocked() (int, bool) {
	best := -1
	var bestETA uint64
	for id, w := range lb.workers {
		if best < 0 || w.etaMS < bestETA || (w.etaMS == bestETA && id < best) {
			best = id
			bestETA = w.etaMS
		}
	}
	return best, best >= 0
}

// nextWorkerLocked rotates through worker ids in sorted order.
func (lb *LoadBalancer) nextWorkerLocked() (int, bool) {
	ids := make([]int, 0, len(lb.workers))
	for id := range lb.workers {
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return 0, false
	}
	sort.Ints(ids)
	id := ids[lb.cursor%len(ids)]
	lb.cursor++
	return id, true
}

// CheckBackpressure maps queue depth and free GPU memory onto the admission
// signal. GPU-starved with any queued work is Critical: new admissions would
// only deepen a queue nothing can drain.
func (lb *LoadBalancer) CheckBackpressure(queueDepth int, availableGPUMemoryMB uint32) BackpressureStatus {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	utilization := float64(queueDepth) / float64(lb.config.MaxQueueDepth)
	gpuLow := availableGPUMemoryMB < lb.config.MinGPUMemoryFreeMB

	switch {
	case gpuLow && queueDepth > 0:
		return Critical
	case utilization > 0.9:
		return Critical
	case utilization > 0.7 || gpuLow:
		return Elevated
	default:
		return Healthy
	}
}

// GroupRequests partitions requests by priority and chunks each partition at
// MaxBatchSize. Chunk membership preserves the input (FIFO) order.
func (lb *LoadBalancer) GroupRequests(requests []domain.Request, modelID string) []RequestGroup {
	lb.mu.Lock()
	maxBatch := lb.config.MaxBatchSize
	lb.mu.Unlock()
	if maxBatch <= 0 {
		maxBatch = 1
	}

	byPriority := make(map[domain.Priority][]domain.Request)
	for _, r := range requests {
		byPriority[r.Priority] = append(byPriority[r.Priority], r)
	}

	var result []RequestGroup
	for _, p := range []domain.Priority{domain.PriorityVIP, domain.PriorityHigh, domain.PriorityNormal, domain.PriorityLow} {
		pending := byPriority[p]
		for len(pending) > 0 {
			n := min(len(pending), maxBatch)
			chunk := pending[:n]
			pending = pending[n:]

			ids := make([]string, 0, n)
			var tokens uint32
			for _, r := range chunk {
				ids = append(ids, r.RequestID)
				tokens += r.EstimatedTokens
			}
			result = append(result, RequestGroup{
				Requests:    ids,
				ModelID:     modelID,
				TotalTokens: tokens,
				BatchSize:   n,
				Priority:    p,
			})
		}
	}
	return result
}

// LoadStats returns aggregate worker load.
func (lb *LoadBalancer) LoadStats() LoadStats {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	var total, gpu uint32
	for _, w := range lb.workers {
		total += w.activeRequests
		gpu += w.gpuMemoryMB
	}
	avg := float32(0)
	if len(lb.workers) > 0 {
		avg = float32(total) / float32(len(lb.workers))
	}
	return LoadStats{
		TotalLoad:            total,
		WorkerCount:          len(lb.workers),
		AvgLoadPerWorker:     avg,
		TotalGPUMemoryUsedMB: gpu,
	}
}
