package scheduler

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/kavos113/quicklab/lab-manager/domain"
	"github.com/kavos113/quicklab/lab-manager/domain/mock"
)

func runningInstance(id, containerID string, expiresIn time.Duration) *domain.Instance {
	started := testNow.Add(-10 * time.Minute)
	return &domain.Instance{
		ID:          id,
		UserID:      "user-1",
		LabID:       "lab-sqli",
		Backend:     domain.BackendRef{ContainerID: containerID},
		Status:      domain.StatusRunning,
		Duration:    time.Hour,
		AutoCleanup: true,
		CreatedAt:   started,
		StartedAt:   &started,
		ExpiresAt:   testNow.Add(expiresIn),
		UpdatedAt:   started,
	}
}

func newTestMonitoringJob(repo domain.InstanceRepository, backend domain.Backend, p domain.MetricsPublisher) *MonitoringJob {
	j := NewMonitoringJob(repo, backend, p, discardLogger())
	j.now = fixedNow
	return j
}

func TestMonitoringJob_Tick(t *testing.T) {
	repo := mock.NewInstanceRepository(
		runningInstance("healthy", "ctr-1", time.Hour),
		runningInstance("stopped", "ctr-2", time.Hour),
		runningInstance("vanished", "ctr-3", time.Hour),
		runningInstance("expired", "ctr-4", -time.Minute),
		runningInstance("unreachable", "ctr-5", time.Hour),
	)
	backend := mock.NewBackend()
	backend.SetPower("ctr-1", domain.PowerRunning)
	backend.SetPower("ctr-2", domain.PowerStopped)
	backend.SetPower("ctr-4", domain.PowerRunning)
	backend.SetPower("ctr-5", domain.PowerRunning)
	backend.InspectErr["ctr-5"] = domain.ErrBackendUnreachable

	p := &recordingPublisher{}
	m, err := newTestMonitoringJob(repo, backend, p).Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick() error = %v", err)
	}

	want := map[string]int{"total": 5, "synced": 3, "errored": 2, "expired_running": 1, "skipped": 0}
	for k, v := range want {
		if m.Counts[k] != v {
			t.Errorf("Counts[%s] = %d, want %d", k, m.Counts[k], v)
		}
	}

	if got := repo.Get("healthy").Status; got != domain.StatusRunning {
		t.Errorf("healthy status = %s, want running", got)
	}
	stopped := repo.Get("stopped")
	if stopped.Status != domain.StatusStopped || stopped.StoppedAt == nil {
		t.Errorf("stopped = %s (stopped_at %v), want stopped with timestamp", stopped.Status, stopped.StoppedAt)
	}
	vanished := repo.Get("vanished")
	if vanished.Status != domain.StatusError || !strings.Contains(vanished.ErrorMessage, "no longer exists") {
		t.Errorf("vanished = %s %q, want error with vanished message", vanished.Status, vanished.ErrorMessage)
	}
	// Expired instances are reported, not stopped.
	if got := repo.Get("expired").Status; got != domain.StatusRunning {
		t.Errorf("expired status = %s, want running", got)
	}
	if got := repo.Get("unreachable").Status; got != domain.StatusRunning {
		t.Errorf("unreachable status = %s, want running", got)
	}

	for _, call := range backend.Calls() {
		if !strings.HasPrefix(call, "inspect:") {
			t.Errorf("backend call %q, monitoring must only inspect", call)
		}
	}
	if p.count() != 1 {
		t.Errorf("published %d runs, want 1", p.count())
	}
	if repo.Updates != 0 {
		t.Errorf("full updates = %d, want 0", repo.Updates)
	}
}

// staleRepo hands out a snapshot taken before a lifecycle operation changed
// the stored record.
type staleRepo struct {
	*mock.InstanceRepository
	snapshot []*domain.Instance
}

func (r *staleRepo) FindByStatus(context.Context, domain.InstanceStatus) ([]*domain.Instance, error) {
	return r.snapshot, nil
}

func TestMonitoringJob_LifecycleWinsRace(t *testing.T) {
	old := runningInstance("inst-1", "ctr-old", time.Hour)
	restarted := runningInstance("inst-1", "ctr-new", time.Hour)
	repo := &staleRepo{
		InstanceRepository: mock.NewInstanceRepository(restarted),
		snapshot:           []*domain.Instance{old},
	}
	backend := mock.NewBackend()
	backend.SetPower("ctr-new", domain.PowerRunning)

	m, err := newTestMonitoringJob(repo, backend, nil).Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	if m.Counts["skipped"] != 1 {
		t.Errorf("Counts[skipped] = %d, want 1", m.Counts["skipped"])
	}

	got := repo.Get("inst-1")
	if got.Status != domain.StatusRunning || got.Backend.ContainerID != "ctr-new" {
		t.Errorf("instance = %s on %s, want running on ctr-new", got.Status, got.Backend.ContainerID)
	}
}

func TestMonitoringJob_ListFailure(t *testing.T) {
	repo := mock.NewInstanceRepository()
	repo.Err = errors.New("database is locked")
	p := &recordingPublisher{}

	if _, err := newTestMonitoringJob(repo, mock.NewBackend(), p).Tick(context.Background()); err == nil {
		t.Fatal("Tick() error = nil, want error")
	}
	if p.count() != 0 {
		t.Errorf("published %d runs, want 0", p.count())
	}
}

func TestMonitoringJob_PublishFailureDoesNotFailRun(t *testing.T) {
	repo := mock.NewInstanceRepository(runningInstance("inst-1", "ctr-1", time.Hour))
	backend := mock.NewBackend()
	backend.SetPower("ctr-1", domain.PowerRunning)

	p := &recordingPublisher{err: errors.New("connection refused")}
	m, err := newTestMonitoringJob(repo, backend, p).Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	if m.Counts["synced"] != 1 {
		t.Errorf("Counts[synced] = %d, want 1", m.Counts["synced"])
	}
}

func TestMonitoringJob_SingleFlight(t *testing.T) {
	j := newTestMonitoringJob(mock.NewInstanceRepository(), mock.NewBackend(), nil)

	j.guard.TryAcquire()
	if _, err := j.Tick(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("Tick() error = %v, want ErrAlreadyRunning", err)
	}
	j.guard.Release()

	if _, err := j.Tick(context.Background()); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
}
