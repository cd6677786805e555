package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/devrev/pairdb/flushengine/internal/config"
	"github.com/devrev/pairdb/flushengine/internal/metrics"
	"github.com/devrev/pairdb/flushengine/internal/server"
	"github.com/devrev/pairdb/flushengine/internal/service"
	"github.com/devrev/pairdb/flushengine/internal/storage/diskmanager"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config.yaml"
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := initLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger = logger.With(zap.String("node_id", cfg.Server.NodeID))
	logger.Info("Configuration loaded",
		zap.String("config_path", configPath),
		zap.Strings("stores", cfg.Storage.Stores))

	if err := run(cfg, logger); err != nil {
		logger.Fatal("Flush node failed", zap.Error(err))
	}
	logger.Info("Flush node stopped")
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	strategyCfg, err := cfg.Flush.StrategyConfig()
	if err != nil {
		return err
	}

	m := metrics.NewMetrics(cfg.Server.NodeID)

	if err := os.MkdirAll(cfg.Storage.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	diskManager, err := diskmanager.NewDiskManager(&diskmanager.DiskManagerConfig{
		DataDir:                 cfg.Storage.DataDir,
		CheckInterval:           cfg.Storage.DiskCheckInterval,
		WarningThreshold:        cfg.Storage.DiskWarningPercent,
		CircuitBreakerThreshold: cfg.Storage.DiskCircuitBreakerPercent,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize disk manager: %w", err)
	}

	commitLog, err := service.NewCommitLogService(
		&service.CommitLogConfig{
			SegmentSize: cfg.CommitLog.SegmentSize,
			SyncWrites:  cfg.CommitLog.SyncWrites,
		},
		cfg.Storage.CommitLogDir,
		logger,
		m,
	)
	if err != nil {
		return fmt.Errorf("failed to initialize commit log: %w", err)
	}
	defer commitLog.Close()

	engine, err := service.NewFlushEngineService(
		&service.FlushEngineConfig{
			NodeID:        cfg.Server.NodeID,
			Interval:      cfg.Flush.Interval,
			MaxConcurrent: cfg.Flush.MaxConcurrent,
			QueueSize:     cfg.Flush.QueueSize,
			Strategy:      strategyCfg,
		},
		commitLog,
		logger,
		m,
	)
	if err != nil {
		return fmt.Errorf("failed to initialize flush scheduler: %w", err)
	}

	for _, name := range cfg.Storage.Stores {
		store, err := service.OpenDocumentStore(ctx,
			&service.DocumentStoreConfig{
				Name:            name,
				Targets:         cfg.MemTable.TargetsPerStore,
				MemTableMaxSize: cfg.MemTable.MaxSize,
				SnapshotDir:     cfg.Storage.SnapshotDir,
				Disk:            diskManager,
			},
			commitLog,
			logger,
			m,
		)
		if err != nil {
			return fmt.Errorf("failed to open store %q: %w", name, err)
		}
		if err := engine.Register(store); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return engine.Run(gctx)
	})

	if cfg.Metrics.Enabled {
		metricsServer := server.NewMetricsServer(&server.MetricsServerConfig{
			Port: cfg.Metrics.Port,
			Path: cfg.Metrics.Path,
			Disk: diskManager,
		}, engine, logger)

		g.Go(metricsServer.ListenAndServe)
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			return metricsServer.Shutdown(shutdownCtx)
		})
	}

	logger.Info("Flush node started",
		zap.Duration("interval", cfg.Flush.Interval),
		zap.Int("max_concurrent", cfg.Flush.MaxConcurrent))

	err = g.Wait()

	logger.Info("Shutting down gracefully...")
	if stopErr := engine.Stop(cfg.Server.ShutdownTimeout); stopErr != nil {
		logger.Warn("Flush scheduler did not drain", zap.Error(stopErr))
	}
	return err
}

// initLogger builds the zap logger from the logging section
func initLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	zapCfg := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	}

	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	zapCfg.Level = level
	return zapCfg.Build()
}
