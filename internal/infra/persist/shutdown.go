package persist

import (
	"sync"
	"time"

	"github.com/inferno-ai/inferno/internal/log"
)

// HealthStatus is the coarse queue health signal.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "HEALTHY"
	HealthDegraded HealthStatus = "DEGRADED"
	HealthCritical HealthStatus = "CRITICAL"
)

// QueueHealth is the derived health picture exposed to external collaborators.
type QueueHealth struct {
	Status              HealthStatus `json:"status"`
	QueueDepth          int          `json:"queue_depth"`
	ActiveWorkers       int          `json:"active_workers"`
	AvgWaitMS           float64      `json:"avg_wait_ms"`
	GPUMemoryFreeMB     uint32       `json:"gpu_memory_free_mb"`
	CheckpointAvailable bool         `json:"checkpoint_available"`
	TimestampMS         int64        `json:"timestamp_ms"`
}

// NewQueueHealth derives the status by the fixed rule table: Critical at
// depth > 5000, wait > 1000 ms, or free GPU < 256 MB; Degraded at
// depth > 2000 or wait > 500 ms.
func NewQueueHealth(queueDepth, activeWorkers int, avgWaitMS float64, gpuFreeMB uint32, checkpointAvailable bool) QueueHealth {
	status := HealthHealthy
	switch {
	case gpuFreeMB < 256, queueDepth > 5000, avgWaitMS > 1000:
		status = HealthCritical
	case queueDepth > 2000, avgWaitMS > 500:
		status = HealthDegraded
	}

	return QueueHealth{
		Status:              status,
		QueueDepth:          queueDepth,
		ActiveWorkers:       activeWorkers,
		AvgWaitMS:           avgWaitMS,
		GPUMemoryFreeMB:     gpuFreeMB,
		CheckpointAvailable: checkpointAvailable,
		TimestampMS:         time.Now().UnixMilli(),
	}
}

// ShutdownCoordinator tracks the graceful-drain window and makes Stop
// idempotent.
type ShutdownCoordinator struct {
	gracefulTimeout time.Duration

	mu      sync.Mutex
	started bool
	startAt time.Time
	done    chan struct{}
}

// NewShutdownCoordinator creates a coordinator with the drain timeout.
func NewShutdownCoordinator(gracefulTimeoutSecs int64) *ShutdownCoordinator {
	return &ShutdownCoordinator{
		gracefulTimeout: time.Duration(gracefulTimeoutSecs) * time.Second,
		done:            make(chan struct{}),
	}
}

// GracefulTimeout returns the drain window.
func (c *ShutdownCoordinator) GracefulTimeout() time.Duration { return c.gracefulTimeout }

// Begin marks shutdown started. Only the first call wins; it reports whether
// this call initiated the shutdown.
func (c *ShutdownCoordinator) Begin() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return false
	}
	c.started = true
	c.startAt = time.Now()
	close(c.done)
	return true
}

// InProgress reports whether shutdown has begun.
func (c *ShutdownCoordinator) InProgress() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started
}

// Done is closed once shutdown begins.
func (c *ShutdownCoordinator) Done() <-chan struct{} { return c.done }

// Elapsed returns time since shutdown began (zero before Begin).
func (c *ShutdownCoordinator) Elapsed() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return 0
	}
	return time.Since(c.startAt)
}

// TimeoutExceeded reports whether the drain window has lapsed.
func (c *ShutdownCoordinator) TimeoutExceeded() bool {
	return c.Elapsed() > c.gracefulTimeout
}

// LogShutdownStats records the final drain outcome.
func (c *ShutdownCoordinator) LogShutdownStats(processed uint64, pending int) {
	elapsed := c.Elapsed()
	logger := log.Component("shutdown")
	logger.Info().
		Uint64("processed", processed).
		Int("pending", pending).
		Dur("elapsed", elapsed).
		Dur("timeout", c.gracefulTimeout).
		Msg("queue shutdown")

	if elapsed > c.gracefulTimeout && pending > 0 {
		logger.Warn().
			Int("pending", pending).
			Msg("shutdown timeout exceeded — forcing termination of pending requests")
	}
}
