package pool

import (
	"sync"
	"sync/atomic"

	"github.com/inferno-ai/inferno/internal/domain"
)

// Registry owns the worker pools, keyed by model id. Worker ids are unique
// across all pools so the balancer can track them in one namespace.
type Registry struct {
	mu     sync.Mutex
	pools  map[string]*WorkerPool
	nextID atomic.Int64
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{pools: make(map[string]*WorkerPool)}
}

func (r *Registry) allocateID() int {
	return int(r.nextID.Add(1))
}

// GetOrCreate returns the pool for the config's model, creating it on first
// use.
func (r *Registry) GetOrCreate(cfg domain.PoolConfig) *WorkerPool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.pools[cfg.ModelID]; ok {
		return p
	}
	p := NewWorkerPool(cfg, r.allocateID)
	r.pools[cfg.ModelID] = p
	return p
}

// Get returns an existing pool.
func (r *Registry) Get(modelID string) (*WorkerPool, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pools[modelID]
	return p, ok
}

// Remove deletes a pool from the registry.
func (r *Registry) Remove(modelID string) (*WorkerPool, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pools[modelID]
	if ok {
		delete(r.pools, modelID)
	}
	return p, ok
}

// All returns every pool.
func (r *Registry) All() []*WorkerPool {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*WorkerPool, 0, len(r.pools))
	for _, p := range r.pools {
		out = append(out, p)
	}
	return out
}

// Stats returns per-model pool statistics.
func (r *Registry) Stats() map[string]domain.PoolStats {
	r.mu.Lock()
	pools := make(map[string]*WorkerPool, len(r.pools))
	for id, p := range r.pools {
		pools[id] = p
	}
	r.mu.Unlock()

	out := make(map[string]domain.PoolStats, len(pools))
	for id, p := range pools {
		out[id] = p.Stats()
	}
	return out
}
