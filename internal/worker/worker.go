// Package worker consumes storage requests, executes them against the backend
// and publishes their results.
//
// A delivery is acknowledged only after its result record is in the result store,
// so a crash at any point leads to redelivery and an idempotent replay, never to a
// lost result. While the backend is unreachable a worker holds its current message,
// writes nothing, and pings until connectivity returns.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/devrev/mimus/internal/codec"
	brokererrors "github.com/devrev/mimus/internal/errors"
	"github.com/devrev/mimus/internal/metrics"
	"github.com/devrev/mimus/internal/model"
	"github.com/devrev/mimus/internal/operation"
	"github.com/devrev/mimus/internal/queue"
	"github.com/devrev/mimus/internal/store"
	"go.uber.org/zap"
)

// Executor runs one decoded envelope against the backend
type Executor interface {
	Execute(ctx context.Context, env *model.Envelope) (*operation.Outcome, error)
}

// Pinger verifies backend connectivity
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config holds worker configuration
type Config struct {
	WorkerID string

	// Local retry of transient backend errors
	MaxAttempts    int
	RetryInitial   time.Duration
	RetryMax       time.Duration
	ExecuteTimeout time.Duration

	// Waiting for an unreachable backend
	BackendWaitInitial time.Duration
	BackendWaitMax     time.Duration

	ResultTTL time.Duration

	// Ack redeliveries whose result already exists without executing them again
	ShortCircuit bool
	// Drop envelopes whose caller has stopped waiting
	DropExpired bool

	// Attempts at dead-lettering an undecodable message before it is dropped
	DeadLetterAttempts int
}

// DefaultConfig returns the worker defaults
func DefaultConfig() Config {
	return Config{
		MaxAttempts:        5,
		RetryInitial:       20 * time.Millisecond,
		RetryMax:           time.Second,
		ExecuteTimeout:     10 * time.Second,
		BackendWaitInitial: 100 * time.Millisecond,
		BackendWaitMax:     5 * time.Second,
		ResultTTL:          60 * time.Second,
		ShortCircuit:       true,
		DropExpired:        false,
		DeadLetterAttempts: 3,
	}
}

// Deps are the collaborators shared by every consume loop of a pool
type Deps struct {
	Results    store.ResultStore
	DeadLetter queue.Publisher // nil drops poison messages after logging them
	Executor   Executor
	Backend    Pinger
	Metrics    *metrics.Metrics
	Logger     *zap.Logger
}

// Worker is one consume loop
type Worker struct {
	consumer queue.Consumer
	deps     Deps
	config   Config
	logger   *zap.Logger
	now      func() time.Time
}

// NewWorker creates a consume loop reading from consumer
func NewWorker(consumer queue.Consumer, deps Deps, cfg Config) *Worker {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.RetryInitial <= 0 {
		cfg.RetryInitial = def.RetryInitial
	}
	if cfg.RetryMax < cfg.RetryInitial {
		cfg.RetryMax = cfg.RetryInitial
	}
	if cfg.BackendWaitInitial <= 0 {
		cfg.BackendWaitInitial = def.BackendWaitInitial
	}
	if cfg.BackendWaitMax < cfg.BackendWaitInitial {
		cfg.BackendWaitMax = cfg.BackendWaitInitial
	}
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = def.ResultTTL
	}
	if cfg.DeadLetterAttempts <= 0 {
		cfg.DeadLetterAttempts = 1
	}

	return &Worker{
		consumer: consumer,
		deps:     deps,
		config:   cfg,
		logger:   logger.With(zap.String("worker_id", cfg.WorkerID)),
		now:      time.Now,
	}
}

// Run consumes until ctx is done or the consumer is closed
func (w *Worker) Run(ctx context.Context) error {
	w.deps.Metrics.ConsumerStarted()
	defer w.deps.Metrics.ConsumerStopped()

	fetchBackOff := newBackOff(w.config.RetryInitial, w.config.BackendWaitMax)
	for {
		if ctx.Err() != nil {
			return nil
		}
		d, err := w.consumer.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return nil
			}
			wait := fetchBackOff.NextBackOff()
			w.logger.Warn("Failed to fetch message",
				zap.Duration("retry_in", wait),
				zap.Error(err))
			if !sleep(ctx, wait) {
				return nil
			}
			continue
		}
		fetchBackOff.Reset()

		w.Handle(ctx, d)
	}
}

// Handle processes one delivery to completion: it is acked, dropped, or left
// for redelivery when ctx ends first
func (w *Worker) Handle(ctx context.Context, d *queue.Delivery) {
	env, err := codec.Decode(d.Value)
	if err != nil {
		w.handlePoison(ctx, d, err)
		return
	}

	logger := w.logger.With(
		zap.String("correlation_id", env.CorrelationID),
		zap.String("operation", string(env.Operation)),
		zap.Int("attempt", env.Attempt))

	if w.config.DropExpired && env.Expired(w.now()) {
		logger.Debug("Dropping expired request", zap.Duration("age", env.Age(w.now())))
		w.deps.Metrics.RecordExpired()
		w.deps.Metrics.RecordMessage(string(env.Operation), "expired")
		w.ack(ctx, d, logger)
		return
	}

	if w.config.ShortCircuit {
		exists, err := w.deps.Results.Exists(ctx, env.CorrelationID)
		if err != nil {
			logger.Warn("Result lookup failed, executing anyway", zap.Error(err))
		} else if exists {
			logger.Debug("Result already present, acking redelivery")
			w.deps.Metrics.RecordDuplicate()
			w.deps.Metrics.RecordMessage(string(env.Operation), "duplicate")
			w.ack(ctx, d, logger)
			return
		}
	}

	start := w.now()
	outcome, attempts, execErr := w.execute(ctx, env, logger)
	if ctx.Err() != nil {
		w.release(d, logger)
		return
	}
	w.deps.Metrics.RecordExecution(string(env.Operation), attempts, w.now().Sub(start).Seconds())

	res := &model.Result{
		Version:       model.CurrentVersion(),
		CorrelationID: env.CorrelationID,
		CompletedAt:   w.now().UTC(),
		WorkerID:      w.config.WorkerID,
		Attempts:      attempts,
	}
	status := string(model.StatusSuccess)
	if execErr != nil {
		res.Status = model.StatusFailure
		res.Reason = execErr.Error()
		status = brokererrors.GetCode(execErr).String()
		logger.Info("Request failed",
			zap.Int("attempts", attempts),
			zap.String("reason", res.Reason))
	} else {
		res.Status = model.StatusSuccess
		res.Affected = outcome.Affected
		body, err := codec.MarshalPayload(outcome.Payload)
		if err != nil {
			res.Status = model.StatusFailure
			res.Reason = fmt.Sprintf("failed to encode result: %v", err)
			status = "encode_error"
		} else {
			res.Payload = body
		}
	}

	if err := w.writeResult(ctx, res, logger); err != nil {
		// Without a stored result the message must stay unacked
		if d.Releasable() {
			w.release(d, logger)
			return
		}
		if err := w.holdUntilStored(ctx, res, logger); err != nil {
			return
		}
	}
	w.deps.Metrics.RecordMessage(string(env.Operation), status)
	w.ack(ctx, d, logger)
}

// execute runs env with local retries until it succeeds, fails terminally, or ctx ends.
// It returns the number of backend executions made.
func (w *Worker) execute(ctx context.Context, env *model.Envelope, logger *zap.Logger) (*operation.Outcome, int, error) {
	attempts := 0
	for {
		retry := newBackOff(w.config.RetryInitial, w.config.RetryMax)
		outcome, err := backoff.Retry(ctx, func() (*operation.Outcome, error) {
			attempts++
			execCtx := ctx
			if w.config.ExecuteTimeout > 0 {
				var cancel context.CancelFunc
				execCtx, cancel = context.WithTimeout(ctx, w.config.ExecuteTimeout)
				defer cancel()
			}
			out, err := w.deps.Executor.Execute(execCtx, env)
			if err == nil {
				return out, nil
			}
			if brokererrors.GetCode(err) == brokererrors.ErrCodeTransientBackend {
				return nil, err
			}
			return nil, backoff.Permanent(err)
		},
			backoff.WithBackOff(retry),
			backoff.WithMaxTries(uint(w.config.MaxAttempts)),
			backoff.WithNotify(func(err error, next time.Duration) {
				logger.Debug("Transient backend error, retrying",
					zap.Int("attempts", attempts),
					zap.Duration("retry_in", next),
					zap.Error(err))
			}),
		)
		if err == nil {
			return outcome, attempts, nil
		}
		if ctx.Err() != nil {
			return nil, attempts, ctx.Err()
		}
		if brokererrors.GetCode(err) != brokererrors.ErrCodeBackendUnavailable {
			return nil, attempts, err
		}

		logger.Warn("Backend unavailable, holding message", zap.Error(err))
		if err := w.waitForBackend(ctx); err != nil {
			return nil, attempts, err
		}
	}
}

// waitForBackend pings with capped backoff until the backend answers or ctx ends
func (w *Worker) waitForBackend(ctx context.Context) error {
	w.deps.Metrics.SetBackendAvailable(false)
	b := newBackOff(w.config.BackendWaitInitial, w.config.BackendWaitMax)
	for {
		wait := b.NextBackOff()
		if !sleep(ctx, wait) {
			return ctx.Err()
		}
		err := w.deps.Backend.Ping(ctx)
		if err == nil {
			w.logger.Info("Backend reachable again")
			w.deps.Metrics.SetBackendAvailable(true)
			return nil
		}
		w.logger.Debug("Backend still unavailable",
			zap.Duration("waited", wait),
			zap.Error(err))
	}
}

// writeResult stores res, retrying transient store failures a bounded number of times
func (w *Worker) writeResult(ctx context.Context, res *model.Result, logger *zap.Logger) error {
	data, err := codec.EncodeResultRecord(res)
	if err != nil {
		logger.Error("Failed to encode result", zap.Error(err))
		return err
	}
	stored, err := backoff.Retry(ctx, func() (bool, error) {
		return w.deps.Results.SetIfAbsent(ctx, res.CorrelationID, data, w.config.ResultTTL)
	},
		backoff.WithBackOff(newBackOff(w.config.RetryInitial, w.config.RetryMax)),
		backoff.WithMaxTries(uint(w.config.MaxAttempts)),
	)
	if err != nil {
		w.deps.Metrics.RecordResultWriteFailure()
		logger.Error("Failed to write result", zap.Error(err))
		return brokererrors.StoreUnavailable("failed to write result", err)
	}
	if !stored {
		// An earlier delivery answered first; its record stays the answer
		logger.Debug("Result already stored, keeping the first record")
		w.deps.Metrics.RecordDuplicate()
	}
	return nil
}

// holdUntilStored keeps retrying the result write for a delivery that cannot be
// released, so the consumer never fetches past an unanswered message
func (w *Worker) holdUntilStored(ctx context.Context, res *model.Result, logger *zap.Logger) error {
	b := newBackOff(w.config.BackendWaitInitial, w.config.BackendWaitMax)
	for {
		wait := b.NextBackOff()
		logger.Warn("Holding message until its result is stored", zap.Duration("retry_in", wait))
		if !sleep(ctx, wait) {
			return ctx.Err()
		}
		if err := w.writeResult(ctx, res, logger); err == nil {
			return nil
		}
	}
}

func (w *Worker) handlePoison(ctx context.Context, d *queue.Delivery, decodeErr error) {
	logger := w.logger.With(
		zap.String("key", d.Key),
		zap.String("source", d.Source))

	if w.deps.DeadLetter == nil {
		logger.Error("Dropping undecodable message", zap.Error(decodeErr))
		w.deps.Metrics.RecordDecodeFailure(false)
		w.ack(ctx, d, logger)
		return
	}

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, w.deps.DeadLetter.Publish(ctx, d.Key, d.Value)
	},
		backoff.WithBackOff(newBackOff(w.config.RetryInitial, w.config.RetryMax)),
		backoff.WithMaxTries(uint(w.config.DeadLetterAttempts)),
	)
	if ctx.Err() != nil {
		w.release(d, logger)
		return
	}
	if err != nil {
		logger.Error("Dead-letter publish failed, dropping undecodable message",
			zap.NamedError("decode_error", decodeErr),
			zap.Error(err))
		w.deps.Metrics.RecordDecodeFailure(false)
	} else {
		logger.Warn("Dead-lettered undecodable message", zap.Error(decodeErr))
		w.deps.Metrics.RecordDecodeFailure(true)
	}
	w.ack(ctx, d, logger)
}

func (w *Worker) ack(ctx context.Context, d *queue.Delivery, logger *zap.Logger) {
	if err := d.Ack(ctx); err != nil {
		// The message comes back and is answered from the stored result or replayed
		logger.Warn("Failed to ack message", zap.Error(err))
	}
}

// release hands the message back for redelivery. ctx may already be done.
func (w *Worker) release(d *queue.Delivery, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := d.Nack(ctx); err != nil {
		logger.Debug("Failed to release message", zap.Error(err))
	}
}

func newBackOff(initial, max time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = max
	b.Reset()
	return b
}

// sleep waits for d and reports false if ctx ended first
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
