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

// MonitoringJob reconciles running instances with what the backend reports.
// It only inspects; expired instances are left to CleanupJob.
type MonitoringJob struct {
	guard     Guard
	repo      domain.InstanceRepository
	backend   domain.Backend
	publisher domain.MetricsPublisher
	logger    *slog.Logger
	now       func() time.Time
}

func NewMonitoringJob(repo domain.InstanceRepository, backend domain.Backend, publisher domain.MetricsPublisher, log *slog.Logger) *MonitoringJob {
	return &MonitoringJob{
		repo:      repo,
		backend:   backend,
		publisher: publisher,
		logger:    logger.Ensure(log).With("component", "monitoring"),
		now:       time.Now,
	}
}

func (j *MonitoringJob) Name() string {
	return domain.JobMonitoring
}

func (j *MonitoringJob) Tick(ctx context.Context) (*domain.RunMetrics, error) {
	if !j.guard.TryAcquire() {
		return nil, ErrAlreadyRunning
	}
	defer j.guard.Release()

	started := j.now()
	m := newRunMetrics(domain.JobMonitoring, started, "total", "synced", "errored", "expired_running", "skipped")

	instances, err := j.repo.FindByStatus(ctx, domain.StatusRunning)
	if err != nil {
		return nil, fmt.Errorf("failed to list running instances: %w", err)
	}
	m.Counts["total"] = len(instances)

	for _, instance := range instances {
		j.reconcile(ctx, instance, m)
	}

	m.Duration = j.now().Sub(started)
	j.logger.Info("monitoring run finished",
		"total", m.Counts["total"],
		"synced", m.Counts["synced"],
		"errored", m.Counts["errored"],
		"expired_running", m.Counts["expired_running"],
	)
	publish(ctx, j.publisher, m, j.logger)

	return m, nil
}

func (j *MonitoringJob) reconcile(ctx context.Context, instance *domain.Instance, m *domain.RunMetrics) {
	log := j.logger.With("instance_id", instance.ID, "backend_ref", instance.Backend.Key())

	insp, err := j.backend.Inspect(ctx, instance.Backend)
	if errors.Is(err, domain.ErrInstanceVanished) {
		if j.apply(ctx, instance, domain.StatusError, domain.ErrInstanceVanished.Error(), m) {
			log.Error("backend unit vanished, instance marked as error", "error", err)
			m.Counts["errored"]++
		}
		return
	}
	if err != nil {
		log.Warn("failed to inspect instance", "error", err)
		m.Counts["errored"]++
		return
	}

	switch insp.Power {
	case domain.PowerRunning:
		m.Counts["synced"]++
		if instance.IsExpired(j.now()) {
			log.Warn("instance expired but still running", "expires_at", instance.ExpiresAt)
			m.Counts["expired_running"]++
		}
	case domain.PowerStopped:
		if j.apply(ctx, instance, domain.StatusStopped, "", m) {
			log.Info("instance stopped outside the lab manager, status corrected")
			m.Counts["synced"]++
		}
	default:
		log.Debug("instance power state in transition", "power", insp.Power)
	}
}

// apply writes the correction only if the row still describes the unit that
// was inspected. A lifecycle operation that ran in between wins.
func (j *MonitoringJob) apply(ctx context.Context, instance *domain.Instance, to domain.InstanceStatus, message string, m *domain.RunMetrics) bool {
	err := j.repo.CompareAndSetStatus(ctx, domain.StatusChange{
		InstanceID:   instance.ID,
		From:         domain.StatusRunning,
		BackendKey:   instance.Backend.Key(),
		To:           to,
		ErrorMessage: message,
		At:           j.now(),
	})
	if errors.Is(err, domain.ErrStaleWrite) {
		j.logger.Info("instance changed during reconciliation, skipping", "instance_id", instance.ID)
		m.Counts["skipped"]++
		return false
	}
	if err != nil {
		j.logger.Error("failed to update instance status", "instance_id", instance.ID, "status", to, "error", err)
		m.Counts["errored"]++
		return false
	}
	return true
}
