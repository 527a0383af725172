package config

import (
	"errors"
	"fmt"
	"time"
)

// Config represents the broker configuration shared by the worker and the load generator
type Config struct {
	Worker  WorkerConfig  `mapstructure:"worker"`
	Client  ClientConfig  `mapstructure:"client"`
	Queue   QueueConfig   `mapstructure:"queue"`
	Results ResultsConfig `mapstructure:"results"`
	Backend BackendConfig `mapstructure:"backend"`
	Loadout LoadoutConfig `mapstructure:"loadout"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// WorkerConfig represents worker pool configuration
type WorkerConfig struct {
	ID                 string        `mapstructure:"id"`
	Consumers          int           `mapstructure:"consumers"`
	MaxAttempts        int           `mapstructure:"max_attempts"`
	RetryInitial       time.Duration `mapstructure:"retry_initial"`
	RetryMax           time.Duration `mapstructure:"retry_max"`
	ExecuteTimeout     time.Duration `mapstructure:"execute_timeout"`
	BackendWaitInitial time.Duration `mapstructure:"backend_wait_initial"`
	BackendWaitMax     time.Duration `mapstructure:"backend_wait_max"`
	ShortCircuit       bool          `mapstructure:"short_circuit"`
	DropExpired        bool          `mapstructure:"drop_expired"`
	DeadLetterAttempts int           `mapstructure:"dead_letter_attempts"`
	ShutdownTimeout    time.Duration `mapstructure:"shutdown_timeout"`
}

// ClientConfig represents DB client configuration
type ClientConfig struct {
	Source          string        `mapstructure:"source"`
	Timeout         time.Duration `mapstructure:"timeout"`
	PollInitial     time.Duration `mapstructure:"poll_initial"`
	PollMultiplier  float64       `mapstructure:"poll_multiplier"`
	PollMax         time.Duration `mapstructure:"poll_max"`
	PublishAttempts int           `mapstructure:"publish_attempts"`
	Notify          bool          `mapstructure:"notify"`
}

// QueueConfig represents request queue configuration
type QueueConfig struct {
	Driver          string        `mapstructure:"driver"` // kafka or memory
	Brokers         string        `mapstructure:"brokers"`
	Topic           string        `mapstructure:"topic"`
	DeadLetterTopic string        `mapstructure:"dead_letter_topic"`
	GroupID         string        `mapstructure:"group_id"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	CommitTimeout   time.Duration `mapstructure:"commit_timeout"`
	LeaseTimeout    time.Duration `mapstructure:"lease_timeout"`
}

// ResultsConfig represents result store configuration
type ResultsConfig struct {
	Driver       string        `mapstructure:"driver"` // redis or memory
	TTL          time.Duration `mapstructure:"ttl"`
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	MaxRetries   int           `mapstructure:"max_retries"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	KeyPrefix    string        `mapstructure:"key_prefix"`
	Notify       bool          `mapstructure:"notify"`
	MaxSize      int           `mapstructure:"max_size"`
}

// BackendConfig represents relational backend configuration
type BackendConfig struct {
	Driver         string `mapstructure:"driver"` // postgres or sqlite
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
	MinConnections int    `mapstructure:"min_connections"`
	Path           string `mapstructure:"path"`
	Migrate        bool   `mapstructure:"migrate"`
}

// LoadoutConfig is the initial state of a created player
type LoadoutConfig struct {
	Points  int32 `mapstructure:"points"`
	Stones  int32 `mapstructure:"stones"`
	Stamina int32 `mapstructure:"stamina"`
	Slots   int32 `mapstructure:"slots"`
}

// MetricsConfig represents the ops HTTP server configuration
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Worker.ID == "" {
		return errors.New("worker.id is required")
	}
	if c.Worker.Consumers <= 0 {
		return errors.New("worker.consumers must be positive")
	}
	if c.Worker.MaxAttempts <= 0 {
		return errors.New("worker.max_attempts must be positive")
	}
	if c.Client.Timeout <= 0 {
		return errors.New("client.timeout must be positive")
	}
	if c.Client.PollInitial <= 0 || c.Client.PollMax < c.Client.PollInitial {
		return errors.New("client.poll_initial must be positive and not above client.poll_max")
	}
	if c.Results.TTL <= c.Client.Timeout {
		return fmt.Errorf("results.ttl (%s) must exceed client.timeout (%s)", c.Results.TTL, c.Client.Timeout)
	}

	switch c.Queue.Driver {
	case "kafka":
		if c.Queue.Brokers == "" {
			return errors.New("queue.brokers is required for the kafka driver")
		}
		if c.Queue.Topic == "" {
			return errors.New("queue.topic is required")
		}
		if c.Queue.GroupID == "" {
			return errors.New("queue.group_id is required for the kafka driver")
		}
	case "memory":
	default:
		return errors.New("queue.driver must be one of: kafka, memory")
	}

	switch c.Results.Driver {
	case "redis":
		if c.Results.Host == "" {
			return errors.New("results.host is required for the redis driver")
		}
	case "memory":
	default:
		return errors.New("results.driver must be one of: redis, memory")
	}

	switch c.Backend.Driver {
	case "postgres":
		if c.Backend.Host == "" {
			return errors.New("backend.host is required")
		}
		if c.Backend.Database == "" {
			return errors.New("backend.database is required")
		}
		if c.Backend.User == "" {
			return errors.New("backend.user is required")
		}
	case "sqlite":
		if c.Backend.Path == "" {
			return errors.New("backend.path is required for the sqlite driver")
		}
	default:
		return errors.New("backend.driver must be one of: postgres, sqlite")
	}

	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		return errors.New("metrics.port must be between 1 and 65535")
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	return nil
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	return &Config{
		Worker: WorkerConfig{
			ID:                 "worker-1",
			Consumers:          8,
			MaxAttempts:        5,
			RetryInitial:       20 * time.Millisecond,
			RetryMax:           time.Second,
			ExecuteTimeout:     10 * time.Second,
			BackendWaitInitial: 100 * time.Millisecond,
			BackendWaitMax:     5 * time.Second,
			ShortCircuit:       true,
			DropExpired:        false,
			DeadLetterAttempts: 3,
			ShutdownTimeout:    30 * time.Second,
		},
		Client: ClientConfig{
			Source:          "loadgen-1",
			Timeout:         30 * time.Second,
			PollInitial:     10 * time.Millisecond,
			PollMultiplier:  2,
			PollMax:         250 * time.Millisecond,
			PublishAttempts: 3,
			Notify:          true,
		},
		Queue: QueueConfig{
			Driver:          "kafka",
			Brokers:         "localhost:9092",
			Topic:           "mimus-requests",
			DeadLetterTopic: "mimus-requests-dlq",
			GroupID:         "mimus-workers",
			WriteTimeout:    5 * time.Second,
			CommitTimeout:   5 * time.Second,
			LeaseTimeout:    30 * time.Second,
		},
		Results: ResultsConfig{
			Driver:       "redis",
			TTL:          60 * time.Second,
			Host:         "localhost",
			Port:         6379,
			MaxRetries:   3,
			PoolSize:     100,
			MinIdleConns: 10,
			KeyPrefix:    "mimus:",
			Notify:       true,
			MaxSize:      100000,
		},
		Backend: BackendConfig{
			Driver:         "postgres",
			Host:           "localhost",
			Port:           5432,
			Database:       "mimus",
			User:           "mimus",
			MaxConnections: 50,
			MinConnections: 5,
			Path:           "mimus.db",
			Migrate:        true,
		},
		Loadout: LoadoutConfig{
			Points:  1000,
			Stones:  5,
			Stamina: 5,
			Slots:   50,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}
