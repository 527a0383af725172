// Package main provides the entry point for the load generator.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/devrev/mimus/internal/app"
	"github.com/devrev/mimus/internal/client"
	"github.com/devrev/mimus/internal/config"
	"github.com/devrev/mimus/internal/health"
	"github.com/devrev/mimus/internal/loadgen"
	"github.com/devrev/mimus/internal/metrics"
	"github.com/devrev/mimus/internal/operation"
	"github.com/devrev/mimus/internal/server"
	"github.com/devrev/mimus/internal/store"
	"github.com/devrev/mimus/internal/worker"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	scenarioPath := flag.String("scenario", "", "path to scenario file")
	embedded := flag.Bool("embedded", false, "run the DB workers in this process")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	sc, err := loadgen.LoadScenario(*scenarioPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load scenario: %v\n", err)
		os.Exit(1)
	}

	logger, err := app.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	report, err := run(cfg, sc, *embedded, logger)
	if err != nil {
		logger.Error("load test failed", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		logger.Error("failed to write report", zap.Error(err))
	}
}

func run(cfg *config.Config, sc *loadgen.Scenario, embedded bool, logger *zap.Logger) (*loadgen.Report, error) {
	if cfg.Queue.Driver == "memory" && !embedded {
		return nil, fmt.Errorf("the memory queue driver needs -embedded")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received shutdown signal", zap.String("signal", sig.String()))
			cancel()
		case <-ctx.Done():
		}
	}()

	results, err := app.OpenResultStore(cfg.Results, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open result store: %w", err)
	}
	defer results.Close()

	transport, err := app.OpenTransport(cfg.Queue, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open queue: %w", err)
	}
	defer transport.Close()
	pingCtx, pingCancel := context.WithTimeout(ctx, 30*time.Second)
	err = transport.Ping(pingCtx)
	pingCancel()
	if err != nil {
		return nil, fmt.Errorf("failed to reach queue: %w", err)
	}

	m := metrics.NewMetrics(prometheus.DefaultRegisterer)
	hc := health.NewHealthChecker(logger)
	hc.Register("results", results)
	if p, ok := transport.Publisher.(health.Pinger); ok {
		hc.Register("queue", p)
	}

	if embedded {
		stopWorkers, err := startWorkers(ctx, cfg, transport, results, m, hc, logger)
		if err != nil {
			return nil, err
		}
		defer stopWorkers()
	}

	c := client.New(transport.Publisher, results, app.ClientConfig(cfg.Client), m, logger)
	runner := loadgen.NewRunner(sc, c, m, logger)

	if cfg.Metrics.Enabled {
		ops := server.NewOpsServer(&server.OpsServerConfig{
			Port:        cfg.Metrics.Port,
			MetricsPath: cfg.Metrics.Path,
			Stats:       func() interface{} { return runner.Snapshot() },
		}, hc, logger)
		if err := ops.Start(); err != nil {
			return nil, fmt.Errorf("failed to start ops server: %w", err)
		}
		defer func() {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer stopCancel()
			if err := ops.Stop(stopCtx); err != nil {
				logger.Error("failed to shutdown ops server", zap.Error(err))
			}
		}()
	}

	return runner.Run(ctx)
}

// startWorkers runs a worker pool in this process over the shared transport
// and result store, and returns its stop function
func startWorkers(ctx context.Context, cfg *config.Config, transport *app.Transport, results store.ResultStore,
	m *metrics.Metrics, hc *health.HealthChecker, logger *zap.Logger) (func(), error) {
	db, err := app.OpenBackend(ctx, cfg.Backend, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open backend: %w", err)
	}
	hc.Register("backend", db)
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
		db.Close()
		return nil, fmt.Errorf("failed to start consumers: %w", err)
	}

	poolCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := pool.Run(poolCtx); err != nil {
			logger.Error("embedded worker pool failed", zap.Error(err))
		}
	}()
	logger.Info("embedded workers started", zap.Int("consumers", pool.Size()))

	return func() {
		cancel()
		<-done
		pool.Close()
		db.Close()
	}, nil
}
