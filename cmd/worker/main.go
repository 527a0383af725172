// Package main provides the entry point for the DB worker.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/devrev/mimus/internal/app"
	"github.com/devrev/mimus/internal/config"
	"github.com/devrev/mimus/internal/health"
	"github.com/devrev/mimus/internal/metrics"
	"github.com/devrev/mimus/internal/operation"
	"github.com/devrev/mimus/internal/server"
	"github.com/devrev/mimus/internal/worker"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := app.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting DB worker",
		zap.String("worker_id", cfg.Worker.ID),
		zap.Int("consumers", cfg.Worker.Consumers),
		zap.String("queue_driver", cfg.Queue.Driver),
		zap.String("results_driver", cfg.Results.Driver),
		zap.String("backend_driver", cfg.Backend.Driver),
	)

	if err := run(cfg, logger); err != nil {
		logger.Error("worker failed", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
	logger.Info("DB worker shutdown complete")
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	startCtx, startCancel := context.WithTimeout(ctx, 30*time.Second)
	defer startCancel()

	db, err := app.OpenBackend(startCtx, cfg.Backend, logger)
	if err != nil {
		return fmt.Errorf("failed to open backend: %w", err)
	}
	defer db.Close()
	logger.Info("backend connected")

	results, err := app.OpenResultStore(cfg.Results, logger)
	if err != nil {
		return fmt.Errorf("failed to open result store: %w", err)
	}
	defer results.Close()
	logger.Info("result store connected")

	transport, err := app.OpenTransport(cfg.Queue, logger)
	if err != nil {
		return fmt.Errorf("failed to open queue: %w", err)
	}
	defer transport.Close()
	if err := transport.Ping(startCtx); err != nil {
		return fmt.Errorf("failed to reach queue: %w", err)
	}
	logger.Info("queue connected")

	m := metrics.NewMetrics(prometheus.DefaultRegisterer)
	m.SetBackendAvailable(true)

	pool, err := worker.NewPool(cfg.Worker.Consumers, transport.Consumers, worker.Deps{
		Results:    results,
		DeadLetter: transport.DeadLetter,
		Executor:   operation.NewExecutor(db, app.Loadout(cfg.Loadout), logger),
		Backend:    db,
		Metrics:    m,
		Logger:     logger,
	}, app.WorkerConfig(cfg))
	if err != nil {
		return fmt.Errorf("failed to start consumers: %w", err)
	}
	defer pool.Close()

	hc := health.NewHealthChecker(logger)
	hc.Register("backend", db)
	hc.Register("results", results)
	if p, ok := transport.Publisher.(health.Pinger); ok {
		hc.Register("queue", p)
	}

	var ops *server.OpsServer
	if cfg.Metrics.Enabled {
		ops = server.NewOpsServer(&server.OpsServerConfig{
			Port:        cfg.Metrics.Port,
			MetricsPath: cfg.Metrics.Path,
		}, hc, logger)
		if err := ops.Start(); err != nil {
			return fmt.Errorf("failed to start ops server: %w", err)
		}
		logger.Info("ops server started",
			zap.Int("port", cfg.Metrics.Port),
			zap.String("path", cfg.Metrics.Path),
		)
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- pool.Run(ctx)
	}()

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-sigChan:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		cancel()
		runErr = <-errChan
	case runErr = <-errChan:
		logger.Error("worker pool stopped unexpectedly", zap.Error(runErr))
	}

	logger.Info("initiating graceful shutdown")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout)
	defer shutdownCancel()

	if ops != nil {
		if err := ops.Stop(shutdownCtx); err != nil {
			logger.Error("failed to shutdown ops server", zap.Error(err))
		}
	}
	return runErr
}
