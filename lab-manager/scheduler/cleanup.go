package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kavos113/quicklab/lab-manager/domain"
	"github.com/kavos113/quicklab/lib/logger"
)

// Stopper tears an instance down with stop semantics.
// *service.LifecycleManager satisfies it.
type Stopper interface {
	ForceStop(ctx context.Context, instanceID string) (*domain.Instance, error)
}

// CleanupJob stops expired instances and instances stuck mid-transition.
type CleanupJob struct {
	guard      Guard
	repo       domain.InstanceRepository
	stopper    Stopper
	publisher  domain.MetricsPublisher
	staleAfter time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

func NewCleanupJob(repo domain.InstanceRepository, stopper Stopper, publisher domain.MetricsPublisher, staleAfter time.Duration, log *slog.Logger) *CleanupJob {
	return &CleanupJob{
		repo:       repo,
		stopper:    stopper,
		publisher:  publisher,
		staleAfter: staleAfter,
		logger:     logger.Ensure(log).With("component", "cleanup"),
		now:        time.Now,
	}
}

func (j *CleanupJob) Name() string {
	return domain.JobCleanup
}

// Trigger runs a cleanup pass outside the schedule.
func (j *CleanupJob) Trigger(ctx context.Context) (*domain.RunMetrics, error) {
	j.logger.Info("manual cleanup triggered")
	return j.Tick(ctx)
}

func (j *CleanupJob) Tick(ctx context.Context) (*domain.RunMetrics, error) {
	if !j.guard.TryAcquire() {
		return nil, ErrAlreadyRunning
	}
	defer j.guard.Release()

	started := j.now()
	m := newRunMetrics(domain.JobCleanup, started, "total", "cleaned", "failed")

	candidates, err := j.candidates(ctx, started)
	if err != nil {
		return nil, err
	}
	m.Counts["total"] = len(candidates)

	for _, instance := range candidates {
		if _, err := j.stopper.ForceStop(ctx, instance.ID); err != nil {
			if errors.Is(err, domain.ErrInstanceBusy) {
				j.logger.Info("instance busy, retrying next run", "instance_id", instance.ID)
			} else {
				j.logger.Error("failed to clean up instance", "instance_id", instance.ID, "error", err)
			}
			m.Counts["failed"]++
			continue
		}
		j.logger.Info("instance cleaned up",
			"instance_id", instance.ID,
			"user_id", instance.UserID,
			"lab_id", instance.LabID,
			"status", instance.Status,
			"expires_at", instance.ExpiresAt,
		)
		m.Counts["cleaned"]++
	}

	m.Duration = j.now().Sub(started)
	if m.Counts["total"] > 0 {
		j.logger.Info("cleanup run finished", "cleaned", m.Counts["cleaned"], "failed", m.Counts["failed"])
	}
	publish(ctx, j.publisher, m, j.logger)

	return m, nil
}

func (j *CleanupJob) candidates(ctx context.Context, now time.Time) ([]*domain.Instance, error) {
	expired, err := j.repo.FindExpired(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("failed to find expired instances: %w", err)
	}
	if j.staleAfter <= 0 {
		return expired, nil
	}

	stale, err := j.repo.FindStale(ctx, now.Add(-j.staleAfter))
	if err != nil {
		return nil, fmt.Errorf("failed to find stale instances: %w", err)
	}

	seen := make(map[string]bool, len(expired))
	for _, instance := range expired {
		seen[instance.ID] = true
	}
	for _, instance := range stale {
		if !seen[instance.ID] {
			j.logger.Warn("instance stuck in transition", "instance_id", instance.ID, "status", instance.Status, "updated_at", instance.UpdatedAt)
			expired = append(expired, instance)
		}
	}
	return expired, nil
}
