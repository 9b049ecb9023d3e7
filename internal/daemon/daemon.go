package daemon

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/inferno-ai/inferno/internal/api"
	"github.com/inferno-ai/inferno/internal/domain"
	"github.com/inferno-ai/inferno/internal/executor"
	"github.com/inferno-ai/inferno/internal/infra/backend"
	"github.com/inferno-ai/inferno/internal/infra/balance"
	"github.com/inferno-ai/inferno/internal/infra/events"
	"github.com/inferno-ai/inferno/internal/infra/persist"
	"github.com/inferno-ai/inferno/internal/infra/registry"
	"github.com/inferno-ai/inferno/internal/infra/store"
	"github.com/inferno-ai/inferno/internal/infra/sysmon"
	"github.com/inferno-ai/inferno/internal/log"
)

// Daemon is the Inferno runtime: executor plus its collaborators, wired.
type Daemon struct {
	Config   Config
	Models   *registry.Manager
	Executor *executor.Executor
	Monitor  *sysmon.Monitor
	Audit    *store.Store
	Server   *api.Server
	Bus      *events.Bus

	cancel context.CancelFunc
}

// New creates a Daemon from the on-disk configuration.
func New() (*Daemon, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return NewWithConfig(cfg)
}

// NewWithConfig creates a Daemon with the given configuration.
func NewWithConfig(cfg Config) (*Daemon, error) {
	log.Configure(log.Config{Level: cfg.Logging.Level, Service: "inferno"})

	models := registry.NewManager(cfg.Models.Dir)
	if _, err := models.Scan(); err != nil {
		log.Component("daemon").Warn().Err(err).Msg("initial model scan failed")
	}

	audit, err := store.Open(infernoHome())
	if err != nil {
		return nil, fmt.Errorf("open audit store: %w", err)
	}

	monitor := sysmon.New(sysmon.DefaultConfig())
	bus := events.New()

	execCfg := executor.DefaultConfig(infernoHome())
	execCfg.MaxRetries = uint32(cfg.Queue.MaxRetries)
	execCfg.StarvationThresholdMS = cfg.Queue.StarvationThresholdMS
	execCfg.TotalGPUMemoryMB = cfg.Pool.TotalGPUMemoryMB
	execCfg.GracefulTimeoutSecs = cfg.Persistence.GracefulTimeoutSecs

	execCfg.Pool = domain.PoolConfig{
		MinWorkers:           cfg.Pool.MinWorkers,
		MaxWorkers:           cfg.Pool.MaxWorkers,
		TargetLatencyMS:      cfg.Pool.TargetLatencyMS,
		GPUMemoryPerWorkerMB: cfg.Pool.GPUMemoryPerWorkerMB,
	}

	execCfg.Balancer = balance.Config{
		Strategy:              balance.Strategy(cfg.Balancer.Strategy),
		MaxQueueDepth:         cfg.Queue.MaxDepth,
		MinGPUMemoryFreeMB:    cfg.Balancer.MinGPUMemoryFreeMB,
		BatchGroupingWindowMS: balance.DefaultConfig().BatchGroupingWindowMS,
		MaxBatchSize:          cfg.Balancer.MaxBatchSize,
	}

	execCfg.Persist = persist.Config{
		Enabled:                    cfg.Persistence.Enabled,
		Path:                       cfg.Persistence.CheckpointPath,
		CompressionLevel:           cfg.Persistence.CompressionLevel,
		AutoCheckpointIntervalSecs: cfg.Persistence.AutoCheckpointSecs,
	}

	exec := executor.New(execCfg, executor.Options{
		Factory: backend.DefaultFactory(infernoHome()),
		Models:  models,
		Monitor: monitor,
		Audit:   audit,
		Bus:     bus,
	})

	if err := exec.Restore(); err != nil {
		log.Component("daemon").Warn().Err(err).Msg("checkpoint restore failed")
	}

	srv := api.NewServer(exec, models)
	if cfg.Telemetry.Prometheus {
		srv.EnableMetrics()
	}

	return &Daemon{
		Config:   cfg,
		Models:   models,
		Executor: exec,
		Monitor:  monitor,
		Audit:    audit,
		Server:   srv,
		Bus:      bus,
	}, nil
}

// Serve starts the control loop and HTTP server, blocking until shutdown.
func (d *Daemon) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	go d.Monitor.Run(ctx)
	go d.Executor.Run(ctx)

	addr := fmt.Sprintf("%s:%d", d.Config.API.Host, d.Config.API.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      d.Server.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Minute, // long for streaming
		IdleTimeout:  2 * time.Minute,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case <-sigCh:
		case <-ctx.Done():
		}

		grace := time.Duration(d.Config.Persistence.GracefulTimeoutSecs)*time.Second + 5*time.Second
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), grace)
		defer shutdownCancel()

		d.Executor.Stop(shutdownCtx)
		_ = httpServer.Shutdown(shutdownCtx)
		_ = d.Audit.Close()
	}()

	logger := log.Component("daemon")
	logger.Info().Str("addr", addr).Msg("inferno serving")
	if d.Config.Telemetry.Prometheus {
		logger.Info().Str("metrics", "http://"+addr+"/metrics").Msg("metrics enabled")
	}

	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Close shuts down all daemon resources. Safe to call more than once.
func (d *Daemon) Close() {
	if d.cancel != nil {
		d.cancel()
	}
	d.Executor.Stop(context.Background())
	if d.Audit != nil {
		_ = d.Audit.Close()
	}
}
