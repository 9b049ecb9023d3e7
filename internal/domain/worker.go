package domain

// WorkerState tracks a worker's position in its lifecycle state machine.
type WorkerState string

const (
	WorkerIdle   WorkerState = "IDLE"
	WorkerActive WorkerState = "ACTIVE"
	WorkerBusy   WorkerState = "BUSY"
	WorkerFailed WorkerState = "FAILED"
)

// WorkerMetrics is a snapshot of one worker's counters and resource usage.
type WorkerMetrics struct {
	WorkerID        int         `json:"worker_id"`
	ModelID         string      `json:"model_id"`
	State           WorkerState `json:"state"`
	ActiveRequests  uint32      `json:"active_requests"`
	TotalProcessed  uint64      `json:"total_processed"`
	TotalFailed     uint64      `json:"total_failed"`
	GPUMemoryUsedMB uint32      `json:"gpu_memory_used_mb"`
	CPUMemoryUsedMB uint32      `json:"cpu_memory_used_mb"`
}

// PoolConfig bounds a per-model worker pool.
type PoolConfig struct {
	ModelID              string `json:"model_id"`
	MinWorkers           int    `json:"min_workers"`
	MaxWorkers           int    `json:"max_workers"`
	TargetLatencyMS      uint32 `json:"target_latency_ms"`
	GPUMemoryPerWorkerMB uint32 `json:"gpu_memory_per_worker_mb"`
}

// DefaultPoolConfig returns scaling bounds for a model.
func DefaultPoolConfig(modelID string) PoolConfig {
	return PoolConfig{
		ModelID:              modelID,
		MinWorkers:           1,
		MaxWorkers:           16,
		TargetLatencyMS:      250,
		GPUMemoryPerWorkerMB: 4096,
	}
}

// PoolStats summarizes one pool.
type PoolStats struct {
	ModelID              string  `json:"model_id"`
	TotalWorkers         int     `json:"total_workers"`
	ActiveWorkers        int     `json:"active_workers"`
	IdleWorkers          int     `json:"idle_workers"`
	FailedWorkers        int     `json:"failed_workers"`
	CurrentLoad          float32 `json:"current_load"` // 0.0-1.0
	TotalProcessed       uint64  `json:"total_processed"`
	TotalFailed          uint64  `json:"total_failed"`
	TotalGPUMemoryUsedMB uint32  `json:"total_gpu_memory_used_mb"`
}
