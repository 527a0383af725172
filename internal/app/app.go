// Package app builds the broker components named by a config.Config. Both
// binaries share it so the worker and the load generator agree on transports.
package app

import (
	"context"
	"fmt"

	"github.com/devrev/mimus/internal/backend"
	"github.com/devrev/mimus/internal/client"
	"github.com/devrev/mimus/internal/config"
	"github.com/devrev/mimus/internal/model"
	"github.com/devrev/mimus/internal/queue"
	"github.com/devrev/mimus/internal/store"
	"github.com/devrev/mimus/internal/worker"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds the process logger: JSON for production, console for development
func NewLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var zc zap.Config
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.OutputPaths = []string{"stdout"}
	zc.ErrorOutputPaths = []string{"stderr"}

	return zc.Build()
}

// OpenBackend connects to the configured relational backend and applies the
// schema when enabled
func OpenBackend(ctx context.Context, cfg config.BackendConfig, logger *zap.Logger) (backend.Backend, error) {
	var (
		b   backend.Backend
		err error
	)
	switch cfg.Driver {
	case "postgres":
		b, err = backend.NewPostgresBackend(ctx, backend.PostgresOptions{
			Host:     cfg.Host,
			Port:     cfg.Port,
			Database: cfg.Database,
			User:     cfg.User,
			Password: cfg.Password,
			MaxConns: cfg.MaxConnections,
			MinConns: cfg.MinConnections,
		}, logger)
	case "sqlite":
		b, err = backend.OpenSQLite(cfg.Path, logger)
	default:
		return nil, fmt.Errorf("unknown backend driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	if cfg.Migrate {
		if err := b.Migrate(ctx); err != nil {
			b.Close()
			return nil, fmt.Errorf("failed to migrate schema: %w", err)
		}
	}
	return b, nil
}

// OpenResultStore connects to the configured result store
func OpenResultStore(cfg config.ResultsConfig, logger *zap.Logger) (store.ResultStore, error) {
	switch cfg.Driver {
	case "redis":
		return store.NewRedisResultStore(store.RedisOptions{
			Host:         cfg.Host,
			Port:         cfg.Port,
			Password:     cfg.Password,
			DB:           cfg.DB,
			MaxRetries:   cfg.MaxRetries,
			PoolSize:     cfg.PoolSize,
			MinIdleConns: cfg.MinIdleConns,
			KeyPrefix:    cfg.KeyPrefix,
			Notify:       cfg.Notify,
		}, logger)
	case "memory":
		return store.NewMemoryResultStore(cfg.MaxSize, logger), nil
	default:
		return nil, fmt.Errorf("unknown results driver %q", cfg.Driver)
	}
}

// Transport is the request queue as seen by one process
type Transport struct {
	Publisher  queue.Publisher
	DeadLetter queue.Publisher // nil when dead lettering is disabled
	Consumers  worker.ConsumerFactory

	closers []func() error
}

// OpenTransport builds publishers and a consumer factory for the configured queue.
// The memory driver shares one in-process queue between publisher and consumers.
func OpenTransport(cfg config.QueueConfig, logger *zap.Logger) (*Transport, error) {
	switch cfg.Driver {
	case "kafka":
		kcfg := queue.KafkaConfig{
			Brokers:       queue.SplitBrokers(cfg.Brokers),
			Topic:         cfg.Topic,
			GroupID:       cfg.GroupID,
			WriteTimeout:  cfg.WriteTimeout,
			CommitTimeout: cfg.CommitTimeout,
		}
		pub, err := queue.NewKafkaPublisher(kcfg)
		if err != nil {
			return nil, err
		}
		t := &Transport{
			Publisher: pub,
			Consumers: func(int) (queue.Consumer, error) {
				return queue.NewKafkaConsumer(kcfg, logger)
			},
			closers: []func() error{pub.Close},
		}
		if cfg.DeadLetterTopic != "" {
			dcfg := kcfg
			dcfg.Topic = cfg.DeadLetterTopic
			dlq, err := queue.NewKafkaPublisher(dcfg)
			if err != nil {
				t.Close()
				return nil, err
			}
			t.DeadLetter = dlq
			t.closers = append(t.closers, dlq.Close)
		}
		return t, nil

	case "memory":
		q := queue.NewMemoryQueue(cfg.Topic, cfg.LeaseTimeout)
		t := &Transport{
			Publisher: q,
			Consumers: func(int) (queue.Consumer, error) { return q, nil },
			closers:   []func() error{q.Close},
		}
		if cfg.DeadLetterTopic != "" {
			dlq := queue.NewMemoryQueue(cfg.DeadLetterTopic, cfg.LeaseTimeout)
			t.DeadLetter = dlq
			t.closers = append(t.closers, dlq.Close)
		}
		return t, nil

	default:
		return nil, fmt.Errorf("unknown queue driver %q", cfg.Driver)
	}
}

// Ping checks that the request queue, and the dead-letter queue when configured,
// are reachable
func (t *Transport) Ping(ctx context.Context) error {
	targets := []struct {
		name string
		pub  queue.Publisher
	}{
		{"request queue", t.Publisher},
		{"dead-letter queue", t.DeadLetter},
	}
	for _, target := range targets {
		p, ok := target.pub.(queue.Pinger)
		if !ok {
			continue
		}
		if err := p.Ping(ctx); err != nil {
			return fmt.Errorf("%s unreachable: %w", target.name, err)
		}
	}
	return nil
}

// Close closes the publishers. Consumers belong to the worker pool.
func (t *Transport) Close() error {
	var firstErr error
	for _, c := range t.closers {
		if err := c(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Loadout converts the configured starting loadout
func Loadout(cfg config.LoadoutConfig) model.Loadout {
	return model.Loadout{
		Points:  cfg.Points,
		Stones:  cfg.Stones,
		Stamina: cfg.Stamina,
		Slots:   cfg.Slots,
	}
}

// WorkerConfig maps the worker section onto worker.Config
func WorkerConfig(cfg *config.Config) worker.Config {
	return worker.Config{
		WorkerID:           cfg.Worker.ID,
		MaxAttempts:        cfg.Worker.MaxAttempts,
		RetryInitial:       cfg.Worker.RetryInitial,
		RetryMax:           cfg.Worker.RetryMax,
		ExecuteTimeout:     cfg.Worker.ExecuteTimeout,
		BackendWaitInitial: cfg.Worker.BackendWaitInitial,
		BackendWaitMax:     cfg.Worker.BackendWaitMax,
		ResultTTL:          cfg.Results.TTL,
		ShortCircuit:       cfg.Worker.ShortCircuit,
		DropExpired:        cfg.Worker.DropExpired,
		DeadLetterAttempts: cfg.Worker.DeadLetterAttempts,
	}
}

// ClientConfig maps the client section onto client.Config
func ClientConfig(cfg config.ClientConfig) client.Config {
	return client.Config{
		Source:          cfg.Source,
		DefaultTimeout:  cfg.Timeout,
		PollInitial:     cfg.PollInitial,
		PollMultiplier:  cfg.PollMultiplier,
		PollMax:         cfg.PollMax,
		PublishAttempts: cfg.PublishAttempts,
		UseNotify:       cfg.Notify,
	}
}
