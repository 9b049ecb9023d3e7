// Package pool manages per-model worker pools with automatic scaling driven
// by queue pressure, latency, and free GPU memory.
package pool

import (
	"sort"
	"sync"
	"time"

	"github.com/inferno-ai/inferno/internal/domain"
)

// perWorkerSoftCap is how many concurrent requests a worker is nominally
// sized for; load is normalized against it.
const perWorkerSoftCap = 10

// ScaleDirection reports what an AutoScale tick decided.
type ScaleDirection int

const (
	ScaleNone ScaleDirection = 0
	ScaleUp   ScaleDirection = 1
	ScaleDown ScaleDirection = -1
)

// WorkerPool owns the workers for one model. Workers are identified by ids
// unique within the process (the registry hands out the id sequence).
type WorkerPool struct {
	mu      sync.Mutex
	config  domain.PoolConfig
	workers map[int]*domain.WorkerMetrics

	nextID func() int

	currentLoad        float32
	scaleDownThreshold float32
	scaleCooldown      time.Duration
	lastScaleChange    time.Time
}

// NewWorkerPool creates a pool and spawns the minimum worker count.
// nextID supplies process-unique worker ids.
func NewWorkerPool(cfg domain.PoolConfig, nextID func() int) *WorkerPool {
	p := &WorkerPool{
		config:             cfg,
		workers:            make(map[int]*domain.WorkerMetrics),
		nextID:             nextID,
		scaleDownThreshold: 0.2,
		scaleCooldown:      10 * time.Second,
	}
	for i := 0; i < cfg.MinWorkers; i++ {
		p.createWorkerLocked()
	}
	return p
}

// SetScaleCooldown overrides the hysteresis window between scaling decisions.
func (p *WorkerPool) SetScaleCooldown(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scaleCooldown = d
}

// Config returns the pool's scaling bounds.
func (p *WorkerPool) Config() domain.PoolConfig {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.config
}

func (p *WorkerPool) createWorkerLocked() int {
	id := p.nextID()
	p.workers[id] = &domain.WorkerMetrics{
		WorkerID:        id,
		ModelID:         p.config.ModelID,
		State:           domain.WorkerIdle,
		GPUMemoryUsedMB: p.config.GPUMemoryPerWorkerMB,
		CPUMemoryUsedMB: 512, // base process memory
	}
	return id
}

// LeastLoadedWorker returns the non-failed worker with the fewest active
// requests.
func (p *WorkerPool) LeastLoadedWorker() (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	best := -1
	var bestActive uint32
	for id, w := range p.workers {
		if w.State == domain.WorkerFailed {
			continue
		}
		if best < 0 || w.ActiveRequests < bestActive || (w.ActiveRequests == bestActive && id < best) {
			best = id
			bestActive = w.ActiveRequests
		}
	}
	return best, best >= 0
}

// AssignRequest binds one more request to the worker. A worker with one
// active request is Active; with more it is Busy. Failed workers refuse.
func (p *WorkerPool) AssignRequest(workerID int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	w, ok := p.workers[workerID]
	if !ok || w.State == domain.WorkerFailed {
		return false
	}
	w.ActiveRequests++
	if w.ActiveRequests > 1 {
		w.State = domain.WorkerBusy
	} else {
		w.State = domain.WorkerActive
	}
	p.updateLoadLocked()
	return true
}

// CompleteRequest releases one request from the worker and records the
// outcome. The worker returns to Idle when its active count reaches zero.
func (p *WorkerPool) CompleteRequest(workerID int, success bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	w, ok := p.workers[workerID]
	if !ok {
		return
	}
	if w.ActiveRequests > 0 {
		w.ActiveRequests--
	}
	if success {
		w.TotalProcessed++
	} else {
		w.TotalFailed++
	}
	if w.State != domain.WorkerFailed {
		switch {
		case w.ActiveRequests == 0:
			w.State = domain.WorkerIdle
		case w.ActiveRequests == 1:
			w.State = domain.WorkerActive
		default:
			w.State = domain.WorkerBusy
		}
	}
	p.updateLoadLocked()
}

// MarkFailed moves a worker to Failed. It is excluded from assignment and
// reclaimed on a later scale tick.
func (p *WorkerPool) MarkFailed(workerID int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if w, ok := p.workers[workerID]; ok {
		w.State = domain.WorkerFailed
	}
	p.updateLoadLocked()
}

// AutoScale adjusts the worker count from queue depth, observed latency, and
// free GPU memory. Returns the decision and the affected worker id. A
// cooldown window damps oscillation between consecutive decisions.
func (p *WorkerPool) AutoScale(queueDepth int, avgLatencyMS float32, availableGPUMemoryMB uint32) (ScaleDirection, int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if time.Since(p.lastScaleChange) < p.scaleCooldown {
		return ScaleNone, 0
	}

	// Reclaim failed workers first: a replacement slot opens on this tick.
	for id, w := range p.workers {
		if w.State == domain.WorkerFailed && w.ActiveRequests == 0 {
			delete(p.workers, id)
		}
	}

	// Replenishing to the minimum is a floor invariant, not a scaling choice.
	if len(p.workers) < p.config.MinWorkers {
		id := p.createWorkerLocked()
		p.lastScaleChange = time.Now()
		p.updateLoadLocked()
		return ScaleUp, id
	}

	current := len(p.workers)

	shouldScaleUp := queueDepth > current*perWorkerSoftCap ||
		(avgLatencyMS > float32(p.config.TargetLatencyMS) && current < p.config.MaxWorkers)

	if shouldScaleUp && current < p.config.MaxWorkers &&
		availableGPUMemoryMB >= p.config.GPUMemoryPerWorkerMB {
		id := p.createWorkerLocked()
		p.lastScaleChange = time.Now()
		p.updateLoadLocked()
		return ScaleUp, id
	}

	if current > p.config.MinWorkers && p.currentLoad < p.scaleDownThreshold {
		if id, ok := p.idleWorkerLocked(); ok {
			delete(p.workers, id)
			p.lastScaleChange = time.Now()
			p.updateLoadLocked()
			return ScaleDown, id
		}
	}

	return ScaleNone, 0
}

// idleWorkerLocked finds an Idle worker with zero active requests.
func (p *WorkerPool) idleWorkerLocked() (int, bool) {
	ids := make([]int, 0, len(p.workers))
	for id := range p.workers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		w := p.workers[id]
		if w.State == domain.WorkerIdle && w.ActiveRequests == 0 {
			return id, true
		}
	}
	return 0, false
}

// updateLoadLocked recomputes load = active / (workers × soft cap), clamped.
func (p *WorkerPool) updateLoadLocked() {
	capacity := len(p.workers) * perWorkerSoftCap
	if capacity == 0 {
		p.currentLoad = 0
		return
	}
	var active uint32
	for _, w := range p.workers {
		active += w.ActiveRequests
	}
	load := float32(active) / float32(capacity)
	if load > 1 {
		load = 1
	}
	p.currentLoad = load
}

// Len returns the current worker count.
func (p *WorkerPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// HasCapacity reports whether the pool can take more work.
func (p *WorkerPool) HasCapacity() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentLoad < 0.95
}

// WorkerMetrics returns a snapshot of all workers, ordered by id.
func (p *WorkerPool) WorkerMetrics() []domain.WorkerMetrics {
	p.mu.Lock()
	defer p.mu.Unlock()

	ids := make([]int, 0, len(p.workers))
	for id := range p.workers {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	out := make([]domain.WorkerMetrics, 0, len(ids))
	for _, id := range ids {
		out = append(out, *p.workers[id])
	}
	return out
}

// Stats returns aggregate pool statistics.
func (p *WorkerPool) Stats() domain.PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := domain.PoolStats{
		ModelID:      p.config.ModelID,
		TotalWorkers: len(p.workers),
		CurrentLoad:  p.currentLoad,
	}
	for _, w := range p.workers {
		switch w.State {
		case domain.WorkerActive, domain.WorkerBusy:
			stats.ActiveWorkers++
		case domain.WorkerIdle:
			stats.IdleWorkers++
		case domain.WorkerFailed:
			stats.FailedWorkers++
		}
		stats.TotalProcessed += w.TotalProcessed
		stats.TotalFailed += w.TotalFailed
		stats.TotalGPUMemoryUsedMB += w.GPUMemoryUsedMB
	}
	return stats
}
