package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/kavos113/quicklab/lab-manager/domain"
	"github.com/kavos113/quicklab/lib/logger"
)

// ErrAlreadyRunning is returned by a tick that found the previous tick of the
// same job still in flight.
var ErrAlreadyRunning = errors.New("job is already running")

// Job is one periodic pass. Tick must be safe to call concurrently; overlapping
// calls return ErrAlreadyRunning.
type Job interface {
	Name() string
	Tick(ctx context.Context) (*domain.RunMetrics, error)
}

// Guard lets one holder in at a time and turns everyone else away.
type Guard struct {
	running atomic.Bool
}

func (g *Guard) TryAcquire() bool {
	return g.running.CompareAndSwap(false, true)
}

func (g *Guard) Release() {
	g.running.Store(false)
}

func (g *Guard) Running() bool {
	return g.running.Load()
}

// Runner ticks a job on a fixed interval until stopped.
type Runner struct {
	job        Job
	interval   time.Duration
	runOnStart bool
	logger     *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewRunner(job Job, interval time.Duration, runOnStart bool, log *slog.Logger) *Runner {
	return &Runner{
		job:        job,
		interval:   interval,
		runOnStart: runOnStart,
		logger:     logger.Ensure(log).With("component", "scheduler", "job", job.Name()),
	}
}

func (r *Runner) Name() string {
	return r.job.Name()
}

// Run blocks, ticking the job until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info("scheduler started", "interval", r.interval.String())
	defer r.logger.Info("scheduler stopped")

	if r.runOnStart {
		r.tick(ctx)
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

// Start runs the scheduler in the background. Calling Start on a running
// scheduler does nothing.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	r.cancel = cancel
	r.done = done

	go func() {
		defer close(done)
		r.Run(ctx)
	}()
}

// Stop cancels the loop and waits for an in-flight tick to return.
func (r *Runner) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// RunOnce ticks the job synchronously, sharing the guard with the loop.
func (r *Runner) RunOnce(ctx context.Context) (*domain.RunMetrics, error) {
	return r.job.Tick(ctx)
}

func (r *Runner) tick(ctx context.Context) {
	m, err := r.job.Tick(ctx)
	switch {
	case errors.Is(err, ErrAlreadyRunning):
		r.logger.Warn("previous run still in progress, skipping")
	case err != nil:
		r.logger.Error("run failed", "error", err)
	default:
		r.logger.Debug("run finished", "duration", m.Duration.String())
	}
}

func newRunMetrics(job string, startedAt time.Time, keys ...string) *domain.RunMetrics {
	counts := make(map[string]int, len(keys))
	for _, k := range keys {
		counts[k] = 0
	}
	return &domain.RunMetrics{
		Job:       job,
		RunID:     uuid.NewString(),
		StartedAt: startedAt,
		Counts:    counts,
	}
}

// publish never fails the run.
func publish(ctx context.Context, p domain.MetricsPublisher, m *domain.RunMetrics, log *slog.Logger) {
	if p == nil {
		return
	}
	if err := p.Publish(ctx, m); err != nil {
		log.Warn("failed to publish metrics", "run_id", m.RunID, "error", err)
	}
}
