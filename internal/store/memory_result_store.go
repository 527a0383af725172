package store

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MemoryResultStore implements ResultStore and Notifier using an in-memory map
type MemoryResultStore struct {
	data     map[string]*resultItem
	watchers map[string][]chan struct{}
	mu       sync.RWMutex
	maxSize  int
	logger   *zap.Logger
	stopChan chan struct{}
	stopOnce sync.Once
	now      func() time.Time
}

type resultItem struct {
	value     []byte
	expiresAt time.Time
}

// NewMemoryResultStore creates a new in-memory result store. maxSize <= 0 means unbounded.
func NewMemoryResultStore(maxSize int, logger *zap.Logger) *MemoryResultStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &MemoryResultStore{
		data:     make(map[string]*resultItem),
		watchers: make(map[string][]chan struct{}),
		maxSize:  maxSize,
		logger:   logger,
		stopChan: make(chan struct{}),
		now:      time.Now,
	}

	// Start cleanup goroutine
	go s.cleanup()

	return s
}

// Get retrieves a value
func (s *MemoryResultStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, exists := s.data[key]
	if !exists || s.now().After(item.expiresAt) {
		return nil, ErrNotFound
	}

	out := make([]byte, len(item.value))
	copy(out, item.value)
	return out, nil
}

// Exists reports whether an unexpired value is present
func (s *MemoryResultStore) Exists(ctx context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, exists := s.data[key]
	return exists && !s.now().After(item.expiresAt), nil
}

// Set stores a value with TTL and wakes watchers of the key
func (s *MemoryResultStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.setLocked(key, value, ttl)
	return nil
}

// SetIfAbsent stores a value unless an unexpired one is already present
func (s *MemoryResultStore) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if item, exists := s.data[key]; exists && !s.now().After(item.expiresAt) {
		return false, nil
	}
	s.setLocked(key, value, ttl)
	return true, nil
}

func (s *MemoryResultStore) setLocked(key string, value []byte, ttl time.Duration) {
	if _, exists := s.data[key]; !exists && s.maxSize > 0 && len(s.data) >= s.maxSize {
		s.evictLocked()
	}

	buf := make([]byte, len(value))
	copy(buf, value)
	s.data[key] = &resultItem{
		value:     buf,
		expiresAt: s.now().Add(ttl),
	}

	for _, ch := range s.watchers[key] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	delete(s.watchers, key)
}

// evictLocked drops an expired entry, or any entry when none has expired
func (s *MemoryResultStore) evictLocked() {
	now := s.now()
	for k, v := range s.data {
		if now.After(v.expiresAt) {
			delete(s.data, k)
			return
		}
	}
	for k := range s.data {
		s.logger.Warn("Result store full, evicting live entry", zap.String("key", k))
		delete(s.data, k)
		return
	}
}

// Delete removes a value
func (s *MemoryResultStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

// Watch registers for a signal on the next Set of key
func (s *MemoryResultStore) Watch(ctx context.Context, key string) (<-chan struct{}, func(), error) {
	ch := make(chan struct{}, 1)

	s.mu.Lock()
	s.watchers[key] = append(s.watchers[key], ch)
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		list := s.watchers[key]
		for i, c := range list {
			if c == ch {
				s.watchers[key] = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(s.watchers[key]) == 0 {
			delete(s.watchers, key)
		}
	}
	return ch, cancel, nil
}

// Size returns the number of stored entries, expired or not
func (s *MemoryResultStore) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// Ping always succeeds
func (s *MemoryResultStore) Ping(ctx context.Context) error {
	return nil
}

// Close stops the cleanup goroutine
func (s *MemoryResultStore) Close() error {
	s.stopOnce.Do(func() { close(s.stopChan) })
	return nil
}

// cleanup periodically removes expired entries
func (s *MemoryResultStore) cleanup() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.mu.Lock()
			now := s.now()
			for key, item := range s.data {
				if now.After(item.expiresAt) {
					delete(s.data, key)
				}
			}
			s.mu.Unlock()
		case <-s.stopChan:
			return
		}
	}
}
