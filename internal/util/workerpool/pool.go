// Package workerpool runs simulated sessions on a bounded set of goroutines.
package workerpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Job is one unit of work, typically a whole simulated session
type Job struct {
	ID  string
	Run func(ctx context.Context) error
}

// Config holds worker pool configuration
type Config struct {
	Name       string
	MaxWorkers int
	QueueSize  int
	Logger     *zap.Logger

	// Hooks run on the worker goroutine around every job. Either may be nil.
	OnStart func(job Job)
	OnDone  func(job Job, err error, elapsed time.Duration)
}

// WorkerPool executes submitted jobs on at most MaxWorkers goroutines.
// Jobs observe the pool context, which Stop cancels.
type WorkerPool struct {
	name    string
	workers int
	jobs    chan Job
	logger  *zap.Logger
	onStart func(job Job)
	onDone  func(job Job, err error, elapsed time.Duration)

	ctx      context.Context
	cancel   context.CancelFunc
	workerWg sync.WaitGroup
	jobWg    sync.WaitGroup
	closeMu  sync.RWMutex
	closed   bool

	active    int32
	submitted uint64
	completed uint64
	failed    uint64
	rejected  uint64
}

// NewWorkerPool creates a pool and starts its workers
func NewWorkerPool(parent context.Context, cfg *Config) *WorkerPool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 10
	}
	if cfg.QueueSize < 0 {
		cfg.QueueSize = 0
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(parent)
	p := &WorkerPool{
		name:    cfg.Name,
		workers: cfg.MaxWorkers,
		jobs:    make(chan Job, cfg.QueueSize),
		logger:  cfg.Logger,
		onStart: cfg.OnStart,
		onDone:  cfg.OnDone,
		ctx:     ctx,
		cancel:  cancel,
	}

	for i := 0; i < p.workers; i++ {
		p.workerWg.Add(1)
		go p.worker(i)
	}

	p.logger.Info("Worker pool started",
		zap.String("name", p.name),
		zap.Int("max_workers", p.workers),
		zap.Int("queue_size", cfg.QueueSize))

	return p
}

func (p *WorkerPool) worker(id int) {
	defer p.workerWg.Done()

	for job := range p.jobs {
		p.run(id, job)
	}
}

func (p *WorkerPool) run(workerID int, job Job) {
	defer p.jobWg.Done()
	atomic.AddInt32(&p.active, 1)
	defer atomic.AddInt32(&p.active, -1)

	if p.onStart != nil {
		p.onStart(job)
	}
	start := time.Now()
	err := p.safeRun(job)
	elapsed := time.Since(start)
	if p.onDone != nil {
		p.onDone(job, err, elapsed)
	}

	if err != nil {
		atomic.AddUint64(&p.failed, 1)
		p.logger.Warn("Job failed",
			zap.String("pool", p.name),
			zap.Int("worker", workerID),
			zap.String("job_id", job.ID),
			zap.Duration("elapsed", elapsed),
			zap.Error(err))
		return
	}
	atomic.AddUint64(&p.completed, 1)
}

func (p *WorkerPool) safeRun(job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	if p.ctx.Err() != nil {
		return p.ctx.Err()
	}
	return job.Run(p.ctx)
}

// Submit queues job, blocking while the queue is full. It fails once the pool
// is stopped or ctx is done.
func (p *WorkerPool) Submit(ctx context.Context, job Job) error {
	p.closeMu.RLock()
	defer p.closeMu.RUnlock()
	if p.closed {
		atomic.AddUint64(&p.rejected, 1)
		return fmt.Errorf("worker pool '%s' is stopped", p.name)
	}

	p.jobWg.Add(1)
	select {
	case p.jobs <- job:
		atomic.AddUint64(&p.submitted, 1)
		return nil
	case <-ctx.Done():
		p.jobWg.Done()
		atomic.AddUint64(&p.rejected, 1)
		return ctx.Err()
	case <-p.ctx.Done():
		p.jobWg.Done()
		atomic.AddUint64(&p.rejected, 1)
		return fmt.Errorf("worker pool '%s' is stopped", p.name)
	}
}

// Wait blocks until every submitted job has finished
func (p *WorkerPool) Wait() {
	p.jobWg.Wait()
}

// Stop cancels running jobs, rejects new ones and waits up to timeout for the workers
func (p *WorkerPool) Stop(timeout time.Duration) error {
	// cancel first so a Submit blocked on a full queue lets go of the read lock
	p.cancel()
	p.closeMu.Lock()
	if p.closed {
		p.closeMu.Unlock()
		return nil
	}
	p.closed = true
	close(p.jobs)
	p.closeMu.Unlock()

	p.logger.Info("Stopping worker pool", zap.String("name", p.name))

	done := make(chan struct{})
	go func() {
		p.workerWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		p.logger.Warn("Worker pool stop timeout", zap.String("name", p.name))
		return fmt.Errorf("worker pool '%s' stop timeout after %v", p.name, timeout)
	}
}

// Stats returns current worker pool statistics
func (p *WorkerPool) Stats() Stats {
	return Stats{
		Name:      p.name,
		Workers:   p.workers,
		Active:    int(atomic.LoadInt32(&p.active)),
		Queued:    len(p.jobs),
		Submitted: atomic.LoadUint64(&p.submitted),
		Completed: atomic.LoadUint64(&p.completed),
		Failed:    atomic.LoadUint64(&p.failed),
		Rejected:  atomic.LoadUint64(&p.rejected),
	}
}

// Stats represents worker pool statistics
type Stats struct {
	Name      string `json:"name"`
	Workers   int    `json:"workers"`
	Active    int    `json:"active"`
	Queued    int    `json:"queued"`
	Submitted uint64 `json:"submitted"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
	Rejected  uint64 `json:"rejected"`
}

// SuccessRate returns the share of finished jobs that succeeded, as a percentage
func (s Stats) SuccessRate() float64 {
	finished := s.Completed + s.Failed
	if finished == 0 {
		return 100.0
	}
	return float64(s.Completed) / float64(finished) * 100.0
}
