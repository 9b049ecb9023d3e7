// Package daemon manages the Inferno daemon lifecycle and configuration.
package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/BurntSushi/toml"
)

// Config holds all daemon configuration.
type Config struct {
	API         APIConfig         `toml:"api"`
	Models      ModelsConfig      `toml:"models"`
	Queue       QueueConfig       `toml:"queue"`
	Pool        PoolConfig        `toml:"pool"`
	Balancer    BalancerConfig    `toml:"balancer"`
	Persistence PersistenceConfig `toml:"persistence"`
	Logging     LoggingConfig     `toml:"logging"`
	Telemetry   TelemetryConfig   `toml:"telemetry"`
}

// APIConfig controls the HTTP API server.
type APIConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// ModelsConfig controls model discovery.
type ModelsConfig struct {
	Dir string `toml:"dir"`
}

// QueueConfig controls admission and retries.
type QueueConfig struct {
	MaxDepth              int   `toml:"max_depth"`
	MaxRetries            int   `toml:"max_retries"`
	StarvationThresholdMS int64 `toml:"starvation_threshold_ms"`
}

// PoolConfig controls per-model worker pools.
type PoolConfig struct {
	MinWorkers           int    `toml:"min_workers"`
	MaxWorkers           int    `toml:"max_workers"`
	TargetLatencyMS      uint32 `toml:"target_latency_ms"`
	GPUMemoryPerWorkerMB uint32 `toml:"gpu_memory_per_worker_mb"`
	TotalGPUMemoryMB     uint32 `toml:"total_gpu_memory_mb"`
}

// BalancerConfig controls request-to-worker assignment.
type BalancerConfig struct {
	Strategy           string `toml:"strategy"` // least_loaded | earliest_completion | round_robin
	MinGPUMemoryFreeMB uint32 `toml:"min_gpu_memory_free_mb"`
	MaxBatchSize       int    `toml:"max_batch_size"`
}

// PersistenceConfig controls queue checkpointing.
type PersistenceConfig struct {
	Enabled             bool   `toml:"enabled"`
	CheckpointPath      string `toml:"checkpoint_path"`
	CompressionLevel    int    `toml:"compression_level"`
	AutoCheckpointSecs  int64  `toml:"auto_checkpoint_secs"`
	GracefulTimeoutSecs int64  `toml:"graceful_timeout_secs"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level string `toml:"level"`
}

// TelemetryConfig controls observability.
type TelemetryConfig struct {
	Prometheus bool `toml:"prometheus"`
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() Config {
	home := infernoHome()
	return Config{
		API: APIConfig{
			Host: "127.0.0.1",
			Port: 11435,
		},
		Models: ModelsConfig{
			Dir: filepath.Join(home, "models"),
		},
		Queue: QueueConfig{
			MaxDepth:              10_000,
			MaxRetries:            3,
			StarvationThresholdMS: 30_000,
		},
		Pool: PoolConfig{
			MinWorkers:           1,
			MaxWorkers:           16,
			TargetLatencyMS:      250,
			GPUMemoryPerWorkerMB: 4096,
			TotalGPUMemoryMB:     24_576,
		},
		Balancer: BalancerConfig{
			Strategy:           "least_loaded",
			MinGPUMemoryFreeMB: 512,
			MaxBatchSize:       32,
		},
		Persistence: PersistenceConfig{
			Enabled:             true,
			CheckpointPath:      filepath.Join(home, "queue_state.bin"),
			CompressionLevel:    3,
			AutoCheckpointSecs:  300,
			GracefulTimeoutSecs: 30,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Telemetry: TelemetryConfig{
			Prometheus: true,
		},
	}
}

// LoadConfig reads ~/.inferno/config.toml, falls back to defaults, and then
// applies environment overrides.
func LoadConfig() (Config, error) {
	cfg := DefaultConfig()
	path := filepath.Join(infernoHome(), "config.toml")

	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

// applyEnvOverrides honors the documented environment variables.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MODELS_DIR"); v != "" {
		cfg.Models.Dir = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("CHECKPOINT_PATH"); v != "" {
		cfg.Persistence.CheckpointPath = v
	}
	if v := os.Getenv("AUTO_CHECKPOINT_SECS"); v != "" {
		if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Persistence.AutoCheckpointSecs = secs
		}
	}
	if v := os.Getenv("GRACEFUL_TIMEOUT_SECS"); v != "" {
		if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Persistence.GracefulTimeoutSecs = secs
		}
	}
}

// SaveConfig writes the config to ~/.inferno/config.toml.
func SaveConfig(cfg Config) error {
	path := filepath.Join(infernoHome(), "config.toml")
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

// infernoHome returns the Inferno data directory.
func infernoHome() string {
	if env := os.Getenv("INFERNO_HOME"); env != "" {
		return env
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".inferno")
}

// Home is exported for use by other packages.
func Home() string {
	return infernoHome()
}
