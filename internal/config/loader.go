package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/viper"
)

// Load loads configuration from file and environment variables.
// An empty or unreadable path leaves the defaults in place.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath != "" {
		v := viper.New()
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")

		if err := v.ReadInConfig(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Could not read config file %s: %v. Using defaults and environment variables.\n", configPath, err)
		} else if err := v.Unmarshal(cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config: %w", err)
		}
	}

	// Environment variables take precedence
	applyEnvironmentOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// applyEnvironmentOverrides applies environment variable overrides to config
func applyEnvironmentOverrides(cfg *Config) {
	// Worker configuration
	if id := os.Getenv("WORKER_ID"); id != "" {
		cfg.Worker.ID = id
	}
	setInt(&cfg.Worker.Consumers, "WORKER_CONSUMERS")
	setInt(&cfg.Worker.MaxAttempts, "WORKER_MAX_ATTEMPTS")
	setBool(&cfg.Worker.DropExpired, "WORKER_DROP_EXPIRED")

	// Client configuration
	if source := os.Getenv("CLIENT_SOURCE"); source != "" {
		cfg.Client.Source = source
	}
	setDuration(&cfg.Client.Timeout, "CLIENT_TIMEOUT")

	// Queue configuration
	if driver := os.Getenv("QUEUE_DRIVER"); driver != "" {
		cfg.Queue.Driver = driver
	}
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.Queue.Brokers = brokers
	}
	if topic := os.Getenv("KAFKA_TOPIC"); topic != "" {
		cfg.Queue.Topic = topic
	}

	// Result store configuration
	if driver := os.Getenv("RESULTS_DRIVER"); driver != "" {
		cfg.Results.Driver = driver
	}
	if redisHost := os.Getenv("REDIS_HOST"); redisHost != "" {
		cfg.Results.Host = redisHost
	}
	setInt(&cfg.Results.Port, "REDIS_PORT")
	if redisPassword := os.Getenv("REDIS_PASSWORD"); redisPassword != "" {
		cfg.Results.Password = redisPassword
	}
	setDuration(&cfg.Results.TTL, "RESULT_TTL")

	// Backend configuration
	if driver := os.Getenv("DATABASE_DRIVER"); driver != "" {
		cfg.Backend.Driver = driver
	}
	if dbHost := os.Getenv("DATABASE_HOST"); dbHost != "" {
		cfg.Backend.Host = dbHost
	}
	setInt(&cfg.Backend.Port, "DATABASE_PORT")
	if dbName := os.Getenv("DATABASE_NAME"); dbName != "" {
		cfg.Backend.Database = dbName
	}
	if dbUser := os.Getenv("DATABASE_USER"); dbUser != "" {
		cfg.Backend.User = dbUser
	}
	if dbPassword := os.Getenv("DATABASE_PASSWORD"); dbPassword != "" {
		cfg.Backend.Password = dbPassword
	}
	if path := os.Getenv("DATABASE_PATH"); path != "" {
		cfg.Backend.Path = path
	}

	// Metrics configuration
	setInt(&cfg.Metrics.Port, "METRICS_PORT")

	// Logging configuration
	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if logFormat := os.Getenv("LOG_FORMAT"); logFormat != "" {
		cfg.Logging.Format = logFormat
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
