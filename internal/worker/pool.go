package worker

import (
	"context"
	"fmt"

	"github.com/devrev/mimus/internal/queue"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ConsumerFactory opens the consumer of the i-th consume loop. Transports with
// competing consumers (a Kafka group) return a fresh member each call; an
// in-memory queue returns itself.
type ConsumerFactory func(i int) (queue.Consumer, error)

// Pool runs N consume loops against shared dependencies
type Pool struct {
	workers   []*Worker
	consumers []queue.Consumer
	logger    *zap.Logger
}

// NewPool opens n consumers and builds one worker per consumer
func NewPool(n int, open ConsumerFactory, deps Deps, cfg Config) (*Pool, error) {
	if n <= 0 {
		return nil, fmt.Errorf("pool needs at least one consumer, got %d", n)
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &Pool{logger: logger}
	for i := 0; i < n; i++ {
		consumer, err := open(i)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("failed to open consumer %d: %w", i, err)
		}
		p.consumers = append(p.consumers, consumer)

		wcfg := cfg
		wcfg.WorkerID = fmt.Sprintf("%s-%d", cfg.WorkerID, i)
		p.workers = append(p.workers, NewWorker(consumer, deps, wcfg))
	}
	return p, nil
}

// Run blocks until ctx is done and every loop has returned
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info("Starting worker pool", zap.Int("consumers", len(p.workers)))

	g, gctx := errgroup.WithContext(ctx)
	for _, w := range p.workers {
		w := w
		g.Go(func() error {
			return w.Run(gctx)
		})
	}
	err := g.Wait()

	p.logger.Info("Worker pool stopped")
	return err
}

// Size returns the number of consume loops
func (p *Pool) Size() int {
	return len(p.workers)
}

// Close closes every distinct consumer
func (p *Pool) Close() error {
	var firstErr error
	seen := make(map[queue.Consumer]bool)
	for _, c := range p.consumers {
		if seen[c] {
			continue
		}
		seen[c] = true
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
