package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kavos113/quicklab/lab-manager/domain"
	"github.com/kavos113/quicklab/lib/logger"
)

const (
	DefaultMaxConcurrentScans = 3
	DefaultScanTimeout        = 30 * time.Minute
)

// ScanQueueJob admits pending scans up to a concurrency ceiling and fails
// scans that have been running for too long.
type ScanQueueJob struct {
	guard         Guard
	scans         domain.ScanRepository
	executor      domain.ScanExecutor
	publisher     domain.MetricsPublisher
	maxConcurrent int
	timeout       time.Duration
	logger        *slog.Logger
	now           func() time.Time

	inflight sync.WaitGroup
}

func NewScanQueueJob(scans domain.ScanRepository, executor domain.ScanExecutor, publisher domain.MetricsPublisher, maxConcurrent int, timeout time.Duration, log *slog.Logger) *ScanQueueJob {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrentScans
	}
	if timeout <= 0 {
		timeout = DefaultScanTimeout
	}
	return &ScanQueueJob{
		scans:         scans,
		executor:      executor,
		publisher:     publisher,
		maxConcurrent: maxConcurrent,
		timeout:       timeout,
		logger:        logger.Ensure(log).With("component", "scan-queue"),
		now:           time.Now,
	}
}

func (j *ScanQueueJob) Name() string {
	return domain.JobScanQueue
}

func (j *ScanQueueJob) Tick(ctx context.Context) (*domain.RunMetrics, error) {
	if !j.guard.TryAcquire() {
		return nil, ErrAlreadyRunning
	}
	defer j.guard.Release()

	started := j.now()
	m := newRunMetrics(domain.JobScanQueue, started, "reclaimed", "running", "available", "admitted")

	// Reclaim first so freed slots are usable in the same run.
	reclaimed, err := j.reclaim(ctx)
	if err != nil {
		return nil, err
	}
	m.Counts["reclaimed"] = reclaimed

	if err := j.admit(ctx, m); err != nil {
		return nil, err
	}

	m.Duration = j.now().Sub(started)
	if m.Counts["reclaimed"] > 0 || m.Counts["admitted"] > 0 {
		j.logger.Info("scan queue processed", "reclaimed", m.Counts["reclaimed"], "admitted", m.Counts["admitted"])
	}
	publish(ctx, j.publisher, m, j.logger)

	return m, nil
}

func (j *ScanQueueJob) reclaim(ctx context.Context) (int, error) {
	now := j.now()
	stuck, err := j.scans.FindStuck(ctx, now.Add(-j.timeout))
	if err != nil {
		return 0, fmt.Errorf("failed to find stuck scans: %w", err)
	}

	message := fmt.Sprintf("%s after %s", domain.ErrScanTimeout, j.timeout)
	reclaimed := 0
	for _, scan := range stuck {
		if err := j.scans.MarkFailed(ctx, scan.ID, message, now); err != nil {
			if !errors.Is(err, domain.ErrStaleWrite) {
				j.logger.Error("failed to reclaim stuck scan", "scan_id", scan.ID, "error", err)
			}
			continue
		}
		j.logger.Warn("stuck scan marked as failed", "scan_id", scan.ID, "started_at", scan.StartedAt)
		reclaimed++
	}
	return reclaimed, nil
}

func (j *ScanQueueJob) admit(ctx context.Context, m *domain.RunMetrics) error {
	running, err := j.scans.CountByStatus(ctx, domain.ScanRunning)
	if err != nil {
		return fmt.Errorf("failed to count running scans: %w", err)
	}
	m.Counts["running"] = running

	available := j.maxConcurrent - running
	if available <= 0 {
		return nil
	}
	m.Counts["available"] = available

	pending, err := j.scans.FindPending(ctx, available)
	if err != nil {
		return fmt.Errorf("failed to find pending scans: %w", err)
	}

	for _, scan := range pending {
		now := j.now()
		if err := j.scans.MarkRunning(ctx, scan.ID, now); err != nil {
			if !errors.Is(err, domain.ErrStaleWrite) {
				j.logger.Error("failed to admit scan", "scan_id", scan.ID, "error", err)
			}
			continue
		}
		scan.Status = domain.ScanRunning
		scan.StartedAt = &now

		j.dispatch(ctx, scan)
		m.Counts["admitted"]++
	}
	return nil
}

// dispatch hands the scan to the executor without waiting for it.
func (j *ScanQueueJob) dispatch(ctx context.Context, scan *domain.Scan) {
	ctx = context.WithoutCancel(ctx)

	j.inflight.Add(1)
	go func() {
		defer j.inflight.Done()
		defer func() {
			if r := recover(); r != nil {
				j.logger.Error("scan executor panicked", "scan_id", scan.ID, "panic", r)
				j.fail(ctx, scan.ID, fmt.Sprintf("scan executor panicked: %v", r))
			}
		}()

		if err := j.executor.Execute(ctx, scan); err != nil {
			j.logger.Error("scan execution failed", "scan_id", scan.ID, "error", err)
			j.fail(ctx, scan.ID, err.Error())
			return
		}
		j.logger.Info("scan dispatched", "scan_id", scan.ID, "lab_id", scan.LabID)
	}()
}

func (j *ScanQueueJob) fail(ctx context.Context, scanID, message string) {
	if err := j.scans.MarkFailed(ctx, scanID, message, j.now()); err != nil && !errors.Is(err, domain.ErrStaleWrite) {
		j.logger.Error("failed to mark scan as failed", "scan_id", scanID, "error", err)
	}
}

// Wait blocks until every dispatched scan handed control back.
func (j *ScanQueueJob) Wait() {
	j.inflight.Wait()
}

func (j *ScanQueueJob) QueueStatus(ctx context.Context) (*domain.QueueStatus, error) {
	pending, err := j.scans.CountByStatus(ctx, domain.ScanPending)
	if err != nil {
		return nil, fmt.Errorf("failed to count pending scans: %w", err)
	}
	running, err := j.scans.CountByStatus(ctx, domain.ScanRunning)
	if err != nil {
		return nil, fmt.Errorf("failed to count running scans: %w", err)
	}
	return &domain.QueueStatus{
		Pending:        pending,
		Running:        running,
		AvailableSlots: max(0, j.maxConcurrent-running),
	}, nil
}
