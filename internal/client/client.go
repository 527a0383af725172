// Package client submits storage operations to the request queue and waits for
// their results in the result store.
//
// A request returns exactly one of: the decoded result record, a Backend error
// carrying the worker's failure reason, or a Timeout error. A timeout means the
// outcome is unknown; the operation may still complete after the caller gave up.
package client

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/devrev/mimus/internal/codec"
	brokererrors "github.com/devrev/mimus/internal/errors"
	"github.com/devrev/mimus/internal/metrics"
	"github.com/devrev/mimus/internal/model"
	"github.com/devrev/mimus/internal/queue"
	"github.com/devrev/mimus/internal/store"
	"go.uber.org/zap"
)

// Config holds client configuration
type Config struct {
	Source          string        // host id prefixed to correlation ids
	DefaultTimeout  time.Duration // used when Execute is called with timeout <= 0
	PollInitial     time.Duration
	PollMultiplier  float64
	PollMax         time.Duration
	PublishAttempts int
	UseNotify       bool // wait on store notifications when the store supports them
}

// DefaultConfig returns the client defaults
func DefaultConfig() Config {
	return Config{
		DefaultTimeout:  30 * time.Second,
		PollInitial:     10 * time.Millisecond,
		PollMultiplier:  2,
		PollMax:         250 * time.Millisecond,
		PublishAttempts: 3,
		UseNotify:       true,
	}
}

// Client is the DB client used by simulated sessions
type Client struct {
	publisher queue.Publisher
	results   store.ResultStore
	notifier  store.Notifier
	codec     *codec.Codec
	config    Config
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// New creates a client. m may be nil.
func New(publisher queue.Publisher, results store.ResultStore, cfg Config, m *metrics.Metrics, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = def.DefaultTimeout
	}
	if cfg.PollInitial <= 0 {
		cfg.PollInitial = def.PollInitial
	}
	if cfg.PollMultiplier < 1 {
		cfg.PollMultiplier = def.PollMultiplier
	}
	if cfg.PollMax < cfg.PollInitial {
		cfg.PollMax = cfg.PollInitial
	}
	if cfg.PublishAttempts <= 0 {
		cfg.PublishAttempts = 1
	}

	c := &Client{
		publisher: publisher,
		results:   results,
		codec:     codec.New(cfg.Source),
		config:    cfg,
		metrics:   m,
		logger:    logger,
	}
	if n, ok := results.(store.Notifier); ok && cfg.UseNotify {
		c.notifier = n
	}
	return c
}

// Execute submits op and waits up to timeout for its result.
// It returns no earlier than timeout and no later than timeout plus one poll interval
// when no result arrives.
func (c *Client) Execute(ctx context.Context, op model.Operation, payload interface{}, timeout time.Duration) (*model.Result, error) {
	if timeout <= 0 {
		timeout = c.config.DefaultTimeout
	}
	start := time.Now()
	deadline := start.Add(timeout)

	res, err := c.execute(ctx, op, payload, deadline, timeout)
	c.metrics.RecordRequest(string(op), outcome(err), time.Since(start).Seconds())
	return res, err
}

// ExecuteInto runs Execute and decodes a successful result payload into out
func (c *Client) ExecuteInto(ctx context.Context, op model.Operation, payload interface{}, timeout time.Duration, out interface{}) (*model.Result, error) {
	res, err := c.Execute(ctx, op, payload, timeout)
	if err != nil {
		return nil, err
	}
	if out != nil && len(res.Payload) > 0 {
		if err := codec.UnmarshalPayload(res.Payload, out); err != nil {
			return nil, brokererrors.MalformedEnvelope("result payload", err)
		}
	}
	return res, nil
}

func (c *Client) execute(ctx context.Context, op model.Operation, payload interface{}, deadline time.Time, timeout time.Duration) (*model.Result, error) {
	cid, wake, cancelWatch, err := c.publish(ctx, op, payload, deadline)
	if err != nil {
		return nil, err
	}
	if cancelWatch != nil {
		defer cancelWatch()
	}
	return c.poll(ctx, op, cid, deadline, timeout, wake)
}

// publish sends the envelope, retrying queue failures with a fresh correlation id
// and an incremented attempt counter
func (c *Client) publish(ctx context.Context, op model.Operation, payload interface{}, deadline time.Time) (string, <-chan struct{}, func(), error) {
	var lastErr error
	retry := c.newBackOff()

	for attempt := 0; attempt < c.config.PublishAttempts; attempt++ {
		env, err := c.codec.NewEnvelope(op, payload, codec.WithAttempt(attempt), codec.WithDeadline(deadline))
		if err != nil {
			return "", nil, nil, err
		}
		data, err := codec.EncodeEnvelope(env)
		if err != nil {
			return "", nil, nil, err
		}

		// Subscribe before publishing so a fast worker cannot finish unseen
		wake, cancelWatch := c.watch(ctx, env.CorrelationID)

		lastErr = c.publisher.Publish(ctx, env.CorrelationID, data)
		if lastErr == nil {
			return env.CorrelationID, wake, cancelWatch, nil
		}
		if cancelWatch != nil {
			cancelWatch()
		}

		c.logger.Warn("Failed to publish request",
			zap.String("correlation_id", env.CorrelationID),
			zap.String("operation", string(op)),
			zap.Int("attempt", attempt),
			zap.Error(lastErr))

		if attempt+1 == c.config.PublishAttempts {
			break
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		c.metrics.RecordPublishRetry(string(op))
		if _, err := sleep(ctx, clamp(retry.NextBackOff(), remaining), nil); err != nil {
			return "", nil, nil, err
		}
	}
	return "", nil, nil, brokererrors.QueueUnavailable("failed to publish request", lastErr)
}

func (c *Client) poll(ctx context.Context, op model.Operation, cid string, deadline time.Time, timeout time.Duration, wake <-chan struct{}) (*model.Result, error) {
	b := c.newBackOff()
	for {
		c.metrics.RecordPoll(string(op))
		data, err := c.results.Get(ctx, cid)
		switch {
		case err == nil:
			return c.interpret(cid, data)
		case errors.Is(err, store.ErrNotFound):
		case ctx.Err() != nil:
			return nil, ctx.Err()
		default:
			// A store outage looks the same as a missing result to the caller
			c.logger.Warn("Result store lookup failed",
				zap.String("correlation_id", cid),
				zap.Error(err))
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, brokererrors.Timeout(cid, timeout)
		}
		woken, err := sleep(ctx, clamp(b.NextBackOff(), remaining), wake)
		if err != nil {
			return nil, err
		}
		if woken {
			wake = nil
		}
	}
}

func (c *Client) interpret(cid string, data []byte) (*model.Result, error) {
	res, err := codec.DecodeResult(data)
	if err != nil {
		return nil, err
	}
	if res.CorrelationID != cid {
		return nil, brokererrors.MalformedEnvelope("result correlation id mismatch", nil).
			WithDetail("expected", cid).
			WithDetail("actual", res.CorrelationID)
	}
	if !res.Succeeded() {
		return nil, brokererrors.Backend(cid, res.Reason)
	}
	return res, nil
}

func (c *Client) watch(ctx context.Context, cid string) (<-chan struct{}, func()) {
	if c.notifier == nil {
		return nil, nil
	}
	ch, cancel, err := c.notifier.Watch(ctx, cid)
	if err != nil {
		c.logger.Debug("Result notification unavailable, polling only",
			zap.String("correlation_id", cid),
			zap.Error(err))
		return nil, nil
	}
	return ch, cancel
}

func (c *Client) newBackOff() *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     c.config.PollInitial,
		RandomizationFactor: 0,
		Multiplier:          c.config.PollMultiplier,
		MaxInterval:         c.config.PollMax,
	}
	b.Reset()
	return b
}

func clamp(d, max time.Duration) time.Duration {
	if d > max {
		return max
	}
	if d < 0 {
		return 0
	}
	return d
}

// sleep waits for d, an early wake signal, or ctx cancellation
func sleep(ctx context.Context, d time.Duration, wake <-chan struct{}) (bool, error) {
	if d <= 0 {
		return false, ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return false, nil
	case <-wake:
		return true, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func outcome(err error) string {
	if err == nil {
		return "success"
	}
	return brokererrors.GetCode(err).String()
}
