package loadgen

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/devrev/mimus/internal/metrics"
	"github.com/devrev/mimus/internal/session"
	"github.com/devrev/mimus/internal/util/workerpool"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Report summarises a load test run
type Report struct {
	Scenario  string           `json:"scenario"`
	Started   int              `json:"sessions_started"`
	Completed int              `json:"sessions_completed"`
	Failed    int              `json:"sessions_failed"`
	Actions   session.Stats    `json:"actions"`
	Elapsed   time.Duration    `json:"elapsed"`
	Pool      workerpool.Stats `json:"pool"`
}

// Runner starts the sessions of a scenario at the configured arrival rate and
// runs them on a bounded worker pool
type Runner struct {
	scenario *Scenario
	broker   session.Broker
	metrics  *metrics.Metrics
	logger   *zap.Logger

	mu      sync.Mutex
	report  Report
	started time.Time
}

// NewRunner creates a runner. m may be nil.
func NewRunner(sc *Scenario, broker session.Broker, m *metrics.Metrics, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		scenario: sc,
		broker:   broker,
		metrics:  m,
		logger:   logger,
	}
}

// Run blocks until every session has finished or the scenario duration ran out
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	sc := r.scenario
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	if sc.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, sc.Duration)
		defer cancel()
	}

	limit := rate.Inf
	if sc.ArrivalRate > 0 {
		limit = rate.Limit(sc.ArrivalRate)
	}
	limiter := rate.NewLimiter(limit, max(sc.Burst, 1))

	pool := workerpool.NewWorkerPool(ctx, &workerpool.Config{
		Name:       "sessions",
		MaxWorkers: sc.Concurrency,
		QueueSize:  sc.Concurrency,
		Logger:     r.logger,
		OnDone:     r.sessionDone,
	})

	r.mu.Lock()
	r.report = Report{Scenario: sc.Name}
	r.started = time.Now()
	r.mu.Unlock()
	r.logger.Info("Starting load test",
		zap.String("scenario", sc.Name),
		zap.Int("players", sc.Players),
		zap.Int("concurrency", sc.Concurrency),
		zap.Float64("arrival_rate", sc.ArrivalRate))

	for i := 0; i < sc.Players; i++ {
		if err := limiter.Wait(ctx); err != nil {
			r.logger.Info("Stopped starting sessions", zap.Int("started", i), zap.Error(err))
			break
		}
		name := fmt.Sprintf("%s%d", sc.PlayerPrefix, i)
		seed := r.seed(i)
		job := workerpool.Job{
			ID: name,
			Run: func(ctx context.Context) error {
				return r.runSession(ctx, name, seed)
			},
		}
		if err := pool.Submit(ctx, job); err != nil {
			r.logger.Info("Stopped starting sessions", zap.Int("started", i), zap.Error(err))
			break
		}
		r.mu.Lock()
		r.report.Started++
		r.mu.Unlock()
	}

	pool.Wait()
	if err := pool.Stop(5 * time.Second); err != nil {
		r.logger.Warn("Session pool did not stop cleanly", zap.Error(err))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	report := r.report
	report.Elapsed = time.Since(r.started)
	report.Pool = pool.Stats()

	r.logger.Info("Load test finished",
		zap.String("scenario", sc.Name),
		zap.Int("started", report.Started),
		zap.Int("completed", report.Completed),
		zap.Int("failed", report.Failed),
		zap.Int("stages", report.Actions.Stages),
		zap.Int("levels", report.Actions.Levels),
		zap.Int("evolves", report.Actions.Evolves),
		zap.Duration("elapsed", report.Elapsed))
	return &report, nil
}

// Snapshot returns the progress of the current run
func (r *Runner) Snapshot() Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	report := r.report
	if !r.started.IsZero() {
		report.Elapsed = time.Since(r.started)
	}
	return report
}

func (r *Runner) runSession(ctx context.Context, name string, seed int64) error {
	sc := r.scenario
	rng := rand.New(rand.NewSource(seed))
	opts := session.Options{
		Rules:       sc.Rules,
		Timeout:     sc.Config.Timeout,
		MaxActions:  sc.Config.MaxActions,
		MaxFailures: sc.Config.MaxFailures,
		Rand:        rng,
		Metrics:     r.metrics,
		Logger:      r.logger.With(zap.String("player", name)),
	}
	if sc.ThinkScale > 0 {
		opts.Think = r.thinker(rand.New(rand.NewSource(seed + 1)))
	}

	s, err := session.Open(ctx, session.PlayerID(name), r.broker, opts)
	if err != nil {
		return err
	}
	stats, err := s.Run(ctx)

	r.mu.Lock()
	r.report.Actions.Stages += stats.Stages
	r.report.Actions.StagesLost += stats.StagesLost
	r.report.Actions.Levels += stats.Levels
	r.report.Actions.Evolves += stats.Evolves
	r.report.Actions.Failures += stats.Failures
	r.mu.Unlock()
	return err
}

func (r *Runner) sessionDone(job workerpool.Job, err error, elapsed time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.report.Failed++
		return
	}
	r.report.Completed++
	r.logger.Debug("Session completed", zap.String("player", job.ID), zap.Duration("elapsed", elapsed))
}

// thinker returns scaled think times drawn from the scenario ranges
func (r *Runner) thinker(rng *rand.Rand) func(session.Action, bool) time.Duration {
	sc := r.scenario
	return func(action session.Action, success bool) time.Duration {
		t, ok := sc.Think[action]
		if !ok {
			return 0
		}
		d := t.Fail
		if success {
			d = t.Min
			if spread := t.Max - t.Min; spread > 0 {
				d += time.Duration(rng.Int63n(int64(spread) + 1))
			}
		}
		return time.Duration(float64(d) * sc.ThinkScale)
	}
}

func (r *Runner) seed(i int) int64 {
	if r.scenario.Seed != 0 {
		return r.scenario.Seed + int64(i)*7919
	}
	return time.Now().UnixNano() + int64(i)
}
