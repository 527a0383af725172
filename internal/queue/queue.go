// Package queue carries serialized storage requests from callers to workers.
//
// Delivery is at-least-once: a fetched message that is not acknowledged is
// delivered again, to the same or another consumer, once the transport decides
// the holder is gone.
package queue

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrClosed is returned by operations on a closed queue
	ErrClosed = errors.New("queue closed")

	// ErrLeaseExpired is returned when acknowledging a delivery the queue already handed to someone else
	ErrLeaseExpired = errors.New("delivery lease expired")
)

// Message is a queued request as seen by a consumer
type Message struct {
	Key        string
	Value      []byte
	Time       time.Time // when the transport accepted the message
	Deliveries int       // delivery count including this one, 0 when the transport does not track it
	Source     string    // transport position, for logs
}

// Delivery is a fetched message together with its acknowledgement handle
type Delivery struct {
	Message

	ack  func(ctx context.Context) error
	nack func(ctx context.Context) error
}

// NewDelivery wires a message to its acknowledgement callbacks. nack may be nil.
func NewDelivery(msg Message, ack, nack func(ctx context.Context) error) *Delivery {
	return &Delivery{Message: msg, ack: ack, nack: nack}
}

// Ack marks the message processed so it is never delivered again
func (d *Delivery) Ack(ctx context.Context) error {
	if d.ack == nil {
		return nil
	}
	return d.ack(ctx)
}

// Nack releases the message for redelivery without waiting for the lease to lapse.
// It is a no-op when the delivery is not Releasable.
func (d *Delivery) Nack(ctx context.Context) error {
	if d.nack == nil {
		return nil
	}
	return d.nack(ctx)
}

// Releasable reports whether Nack hands the message back on its own. A delivery
// from an offset-committing transport is not: acking any later message of the
// partition commits past it, so its consumer must not fetch on until it is acked.
func (d *Delivery) Releasable() bool {
	return d.nack != nil
}

// Publisher publishes serialized requests to one topic
type Publisher interface {
	Publish(ctx context.Context, key string, value []byte) error
	Close() error
}

// Consumer fetches requests from one topic. Fetch blocks until a message is
// available or ctx is done.
type Consumer interface {
	Fetch(ctx context.Context) (*Delivery, error)
	Close() error
}

// Pinger is implemented by transports that can verify connectivity up front
type Pinger interface {
	Ping(ctx context.Context) error
}
