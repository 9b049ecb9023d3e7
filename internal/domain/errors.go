package domain

import "errors"

// ─── Sentinel Errors ────────────────────────────────────────────────────────
// Domain errors are pure — no infrastructure dependency.

var (
	// Admission errors
	ErrBadRequest   = errors.New("malformed request parameters or missing model reference")
	ErrQueueFull    = errors.New("queue full — admission refused")
	ErrBackpressure = errors.New("backpressure critical — admission refused")

	// Model and worker errors
	ErrModelNotFound         = errors.New("model not found")
	ErrModelLoadFailed       = errors.New("backend failed to load model")
	ErrModelNotLoaded        = errors.New("model not loaded in memory")
	ErrInsufficientResources = errors.New("insufficient free GPU memory")
	ErrInferenceFailed       = errors.New("runtime error during generation")
	ErrWorkerFailed          = errors.New("worker is in failed state")

	// Request lifecycle errors
	ErrCancelled        = errors.New("request cancelled by submitter")
	ErrTimeout          = errors.New("request deadline exceeded")
	ErrNotFound         = errors.New("request not found")
	ErrAlreadyRunning   = errors.New("request already running")
	ErrRetriesExhausted = errors.New("request exceeded max retries")

	// Persistence errors
	ErrCheckpointFailed  = errors.New("checkpoint write failed")
	ErrUnknownVersion    = errors.New("checkpoint version not recognized")
	ErrCheckpointMissing = errors.New("checkpoint not available")

	// Fatal — invariant violated, triggers checkpoint-then-exit
	ErrFatal = errors.New("internal invariant violated")

	// Shutdown
	ErrShuttingDown = errors.New("executor is shutting down")
)
