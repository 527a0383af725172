package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key is not found or has expired
var ErrNotFound = errors.New("not found")

// ResultStore holds serialized result records keyed by correlation id.
// Every key carries a TTL; expired keys read as ErrNotFound.
type ResultStore interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetIfAbsent stores value only when no unexpired value exists and reports whether it did
	SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	Close() error
}

// Notifier is implemented by stores that can push a signal when a key is written.
// The returned channel receives at most one value; cancel releases the watch.
// A watch only shortens a poll, it never replaces one: signals may be lost.
type Notifier interface {
	Watch(ctx context.Context, key string) (<-chan struct{}, func(), error)
}
