package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisOptions configures the Redis result store
type RedisOptions struct {
	Host         string
	Port         int
	Password     string
	DB           int
	MaxRetries   int
	PoolSize     int
	MinIdleConns int
	KeyPrefix    string
	Notify       bool // publish a message on every Set so waiting callers wake early
}

// RedisResultStore implements ResultStore and Notifier on Redis
type RedisResultStore struct {
	client *redis.Client
	prefix string
	notify bool
	logger *zap.Logger
}

// NewRedisResultStore creates a Redis result store and verifies the connection
func NewRedisResultStore(opts RedisOptions, logger *zap.Logger) (*RedisResultStore, error) {
	addr := fmt.Sprintf("%s:%d", opts.Host, opts.Port)
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     opts.Password,
		DB:           opts.DB,
		MaxRetries:   opts.MaxRetries,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisResultStoreFromClient(client, opts.KeyPrefix, opts.Notify, logger), nil
}

// NewRedisResultStoreFromClient wraps an existing client
func NewRedisResultStoreFromClient(client *redis.Client, prefix string, notify bool, logger *zap.Logger) *RedisResultStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisResultStore{
		client: client,
		prefix: prefix,
		notify: notify,
		logger: logger,
	}
}

// Get retrieves a stored result
func (s *RedisResultStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.Get(ctx, s.key(key)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Exists reports whether a result is present
func (s *RedisResultStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, s.key(key)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Set stores a result with TTL, then announces it when notifications are on
func (s *RedisResultStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.key(key), value, ttl).Err(); err != nil {
		return err
	}
	s.announce(ctx, key)
	return nil
}

// SetIfAbsent stores a result with SET NX, so the first writer of a key wins
func (s *RedisResultStore) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	stored, err := s.client.SetNX(ctx, s.key(key), value, ttl).Result()
	if err != nil {
		return false, err
	}
	if stored {
		s.announce(ctx, key)
	}
	return stored, nil
}

func (s *RedisResultStore) announce(ctx context.Context, key string) {
	if !s.notify {
		return
	}
	if err := s.client.Publish(ctx, s.channel(key), "1").Err(); err != nil {
		// Pollers still find the key, the publish only saves them a wait
		s.logger.Warn("Failed to publish result notification",
			zap.String("key", key),
			zap.Error(err))
	}
}

// Delete removes a result
func (s *RedisResultStore) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.key(key)).Err()
}

// Watch subscribes to the notification channel of key
func (s *RedisResultStore) Watch(ctx context.Context, key string) (<-chan struct{}, func(), error) {
	sub := s.client.Subscribe(ctx, s.channel(key))
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, nil, fmt.Errorf("failed to subscribe to result channel: %w", err)
	}

	out := make(chan struct{}, 1)
	msgs := sub.Channel()
	go func() {
		if _, ok := <-msgs; ok {
			out <- struct{}{}
		}
	}()

	cancel := func() { sub.Close() }
	return out, cancel, nil
}

// Ping checks the Redis connection
func (s *RedisResultStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis client
func (s *RedisResultStore) Close() error {
	return s.client.Close()
}

func (s *RedisResultStore) key(k string) string {
	return s.prefix + k
}

func (s *RedisResultStore) channel(k string) string {
	return s.prefix + "done:" + k
}
