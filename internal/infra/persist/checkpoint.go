// Package persist checkpoints pending requests to disk so a restart loses no
// queued work, and coordinates graceful shutdown.
//
// Checkpoint layout: JSON-serialized snapshot compressed with zstd, written
// atomically (temp file, fsync, rename). A version field gates reads.
package persist

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"github.com/klauspost/compress/zstd"

	"github.com/inferno-ai/inferno/internal/domain"
	"github.com/inferno-ai/inferno/internal/log"
)

// SnapshotVersion is the current checkpoint format version. Snapshots with a
// different version are refused and the queue starts fresh.
const SnapshotVersion = 1

// SnapshotMetrics carries queue counters across a restart.
type SnapshotMetrics struct {
	TotalQueued    uint64  `json:"total_queued"`
	TotalProcessed uint64  `json:"total_processed"`
	AvgQueueDepth  float64 `json:"avg_queue_depth"`
}

// QueueStateSnapshot is the persisted picture of the queue.
type QueueStateSnapshot struct {
	Version         uint32           `json:"version"`
	TimestampMS     int64            `json:"timestamp_ms"`
	PendingRequests []domain.Request `json:"pending_requests"`
	Metrics         SnapshotMetrics  `json:"metrics"`
}

// Config controls checkpointing.
type Config struct {
	Enabled                    bool
	Path                       string
	CompressionLevel           int // 1-22, zstd scale
	AutoCheckpointIntervalSecs int64
}

// DefaultConfig places the checkpoint under the given home directory.
func DefaultConfig(home string) Config {
	return Config{
		Enabled:                    true,
		Path:                       filepath.Join(home, "queue_state.bin"),
		CompressionLevel:           3,
		AutoCheckpointIntervalSecs: 300,
	}
}

// Manager saves and restores queue snapshots.
type Manager struct {
	mu             sync.Mutex
	config         Config
	lastCheckpoint time.Time
}

// NewManager creates a persistence manager.
func NewManager(cfg Config) *Manager {
	if cfg.CompressionLevel < 1 {
		cfg.CompressionLevel = 1
	}
	if cfg.CompressionLevel > 22 {
		cfg.CompressionLevel = 22
	}
	return &Manager{config: cfg, lastCheckpoint: time.Now()}
}

// Path returns the checkpoint file location.
func (m *Manager) Path() string { return m.config.Path }

// Enabled reports whether persistence is on.
func (m *Manager) Enabled() bool { return m.config.Enabled }

// SaveCheckpoint serializes, compresses, and atomically writes the snapshot.
func (m *Manager) SaveCheckpoint(snapshot *QueueStateSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.config.Enabled {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(m.config.Path), 0o700); err != nil {
		return fmt.Errorf("%w: create checkpoint dir: %v", domain.ErrCheckpointFailed, err)
	}

	raw, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("%w: encode snapshot: %v", domain.ErrCheckpointFailed, err)
	}

	level := zstd.EncoderLevelFromZstd(m.config.CompressionLevel)
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(level))
	if err != nil {
		return fmt.Errorf("%w: init compressor: %v", domain.ErrCheckpointFailed, err)
	}
	compressed := enc.EncodeAll(raw, nil)
	_ = enc.Close()

	// renameio gives temp file + fsync + atomic rename in one step.
	pending, err := renameio.NewPendingFile(m.config.Path)
	if err != nil {
		return fmt.Errorf("%w: create pending file: %v", domain.ErrCheckpointFailed, err)
	}
	defer func() { _ = pending.Cleanup() }()

	if _, err := pending.Write(compressed); err != nil {
		return fmt.Errorf("%w: write checkpoint: %v", domain.ErrCheckpointFailed, err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("%w: replace checkpoint: %v", domain.ErrCheckpointFailed, err)
	}

	m.lastCheckpoint = time.Now()

	log.Component("persist").Info().
		Int("pending_requests", len(snapshot.PendingRequests)).
		Int("bytes", len(compressed)).
		Msg("queue checkpoint saved")
	return nil
}

// LoadCheckpoint reads the snapshot if one exists. Returns (nil, nil) when
// persistence is disabled or no checkpoint is present. Unknown versions are
// refused with ErrUnknownVersion; the caller logs and starts a fresh queue.
func (m *Manager) LoadCheckpoint() (*QueueStateSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.config.Enabled {
		return nil, nil
	}

	compressed, err := os.ReadFile(m.config.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("init decompressor: %w", err)
	}
	defer dec.Close()

	raw, err := dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress checkpoint: %w", err)
	}

	var snapshot QueueStateSnapshot
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}

	if snapshot.Version != SnapshotVersion {
		return nil, fmt.Errorf("%w: got %d, want %d", domain.ErrUnknownVersion, snapshot.Version, SnapshotVersion)
	}

	log.Component("persist").Info().
		Int("pending_requests", len(snapshot.PendingRequests)).
		Int64("age_ms", time.Now().UnixMilli()-snapshot.TimestampMS).
		Msg("queue checkpoint loaded")
	return &snapshot, nil
}

// ShouldCheckpoint gates automatic writes by the configured interval.
func (m *Manager) ShouldCheckpoint(force bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.config.Enabled {
		return false
	}
	if force {
		return true
	}
	return time.Since(m.lastCheckpoint) >= time.Duration(m.config.AutoCheckpointIntervalSecs)*time.Second
}

// DeleteCheckpoint removes the checkpoint file if present.
func (m *Manager) DeleteCheckpoint() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	err := os.Remove(m.config.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err == nil {
		log.Component("persist").Info().Msg("queue checkpoint deleted")
	}
	return err
}
