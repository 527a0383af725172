package queue

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryQueue is an in-process topic with lease based redelivery. It serves
// single-host runs and tests, and models the at-least-once contract of the
// real transports: unacked deliveries return to the queue when their lease lapses.
type MemoryQueue struct {
	name         string
	leaseTimeout time.Duration

	mu       sync.Mutex
	pending  []*memoryEntry
	inflight map[uint64]*memoryLease
	nextID   uint64
	wake     chan struct{}
	closed   bool
}

type memoryEntry struct {
	id         uint64
	key        string
	value      []byte
	published  time.Time
	deliveries int
}

type memoryLease struct {
	entry     *memoryEntry
	expiresAt time.Time
}

// NewMemoryQueue creates an in-memory queue. A zero lease timeout defaults to 30s.
func NewMemoryQueue(name string, leaseTimeout time.Duration) *MemoryQueue {
	if leaseTimeout <= 0 {
		leaseTimeout = 30 * time.Second
	}
	return &MemoryQueue{
		name:         name,
		leaseTimeout: leaseTimeout,
		inflight:     make(map[uint64]*memoryLease),
		wake:         make(chan struct{}),
	}
}

// Publish appends a message
func (q *MemoryQueue) Publish(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}

	q.nextID++
	buf := make([]byte, len(value))
	copy(buf, value)
	q.pending = append(q.pending, &memoryEntry{
		id:        q.nextID,
		key:       key,
		value:     buf,
		published: time.Now(),
	})
	q.signalLocked()
	return nil
}

// Fetch leases the oldest pending message, blocking until one is available
func (q *MemoryQueue) Fetch(ctx context.Context) (*Delivery, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrClosed
		}
		now := time.Now()
		q.requeueExpiredLocked(now)

		if len(q.pending) > 0 {
			entry := q.pending[0]
			q.pending = q.pending[1:]
			entry.deliveries++
			q.nextID++
			token := q.nextID
			q.inflight[token] = &memoryLease{entry: entry, expiresAt: now.Add(q.leaseTimeout)}
			q.mu.Unlock()
			return q.delivery(token, entry), nil
		}

		wait := q.wake
		nextExpiry := q.nextExpiryLocked()
		q.mu.Unlock()

		var timer <-chan time.Time
		if !nextExpiry.IsZero() {
			t := time.NewTimer(time.Until(nextExpiry))
			timer = t.C
			select {
			case <-ctx.Done():
				t.Stop()
				return nil, ctx.Err()
			case <-wait:
			case <-timer:
			}
			t.Stop()
			continue
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wait:
		}
	}
}

func (q *MemoryQueue) delivery(token uint64, entry *memoryEntry) *Delivery {
	msg := Message{
		Key:        entry.key,
		Value:      entry.value,
		Time:       entry.published,
		Deliveries: entry.deliveries,
		Source:     fmt.Sprintf("%s/%d", q.name, entry.id),
	}
	ack := func(ctx context.Context) error {
		q.mu.Lock()
		defer q.mu.Unlock()
		if _, ok := q.inflight[token]; !ok {
			return ErrLeaseExpired
		}
		delete(q.inflight, token)
		return nil
	}
	nack := func(ctx context.Context) error {
		q.mu.Lock()
		defer q.mu.Unlock()
		lease, ok := q.inflight[token]
		if !ok {
			return ErrLeaseExpired
		}
		delete(q.inflight, token)
		q.pending = append(q.pending, lease.entry)
		q.signalLocked()
		return nil
	}
	return NewDelivery(msg, ack, nack)
}

func (q *MemoryQueue) requeueExpiredLocked(now time.Time) {
	for token, lease := range q.inflight {
		if now.After(lease.expiresAt) {
			delete(q.inflight, token)
			q.pending = append(q.pending, lease.entry)
		}
	}
}

func (q *MemoryQueue) nextExpiryLocked() time.Time {
	var next time.Time
	for _, lease := range q.inflight {
		if next.IsZero() || lease.expiresAt.Before(next) {
			next = lease.expiresAt
		}
	}
	return next
}

// signalLocked wakes every blocked Fetch
func (q *MemoryQueue) signalLocked() {
	close(q.wake)
	q.wake = make(chan struct{})
}

// Len returns the number of messages waiting for a consumer
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// InFlight returns the number of leased, unacknowledged messages
func (q *MemoryQueue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inflight)
}

// Ping always succeeds while the queue is open
func (q *MemoryQueue) Ping(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	return nil
}

// Close wakes blocked consumers and rejects further use
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	q.signalLocked()
	return nil
}
