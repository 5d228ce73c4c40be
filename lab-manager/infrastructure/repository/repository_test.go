package repository

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kavos113/quicklab/lab-manager/config"
	"github.com/kavos113/quicklab/lab-manager/domain"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()

	ctx := context.Background()
	db, err := Connect(ctx, &Config{Driver: config.StoreSQLite, SQLitePath: ":memory:"})
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := InitSchema(ctx, db, config.StoreSQLite, ""); err != nil {
		t.Fatalf("InitSchema() error = %v", err)
	}
	return db
}

func newInstance(id, userID, labID string, status domain.InstanceStatus, now time.Time) *domain.Instance {
	started := now
	return &domain.Instance{
		ID:          id,
		UserID:      userID,
		LabID:       labID,
		Backend:     domain.BackendRef{ContainerID: "c-" + id, ContainerName: "quicklab-lab-" + id},
		Endpoint:    domain.NewEndpoint("localhost", []domain.PortMapping{{Container: 80, Host: 30001}}),
		Status:      status,
		Duration:    time.Hour,
		AutoCleanup: true,
		CreatedAt:   now,
		StartedAt:   &started,
		ExpiresAt:   now.Add(time.Hour),
		UpdatedAt:   now,
	}
}

func TestSplitSQL(t *testing.T) {
	input := `
-- comment
CREATE TABLE a (
    id INT
);

CREATE TABLE b (id INT);
`
	got := splitSQL(input)
	if len(got) != 2 {
		t.Fatalf("splitSQL() returned %d statements, want 2", len(got))
	}
	if !strings.HasPrefix(got[0], "CREATE TABLE a (") {
		t.Errorf("statement[0] = %q", got[0])
	}
}

func TestInitSchema_FromFile(t *testing.T) {
	ctx := context.Background()
	db, err := Connect(ctx, &Config{Driver: config.StoreSQLite, SQLitePath: ":memory:"})
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer db.Close()

	path := filepath.Join(t.TempDir(), "schema.sql")
	if err := os.WriteFile(path, []byte("CREATE TABLE extra (id TEXT PRIMARY KEY);\n"), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	if err := InitSchema(ctx, db, config.StoreSQLite, path); err != nil {
		t.Fatalf("InitSchema() error = %v", err)
	}
	if _, err := db.ExecContext(ctx, "INSERT INTO extra (id) VALUES ('x')"); err != nil {
		t.Errorf("table from schema file missing: %v", err)
	}

	if err := InitSchema(ctx, db, config.StoreSQLite, filepath.Join(t.TempDir(), "missing.sql")); err == nil {
		t.Error("InitSchema() expected error for missing file")
	}
}

func TestSQLInstanceRepository_CreateAndFind(t *testing.T) {
	ctx := context.Background()
	repo := NewSQLInstanceRepository(newTestDB(t))
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	inst := newInstance("i-1", "u-1", "l-1", domain.StatusRunning, now)
	if err := repo.Create(ctx, inst); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	got, err := repo.FindByID(ctx, "i-1")
	if err != nil {
		t.Fatalf("FindByID() error = %v", err)
	}

	if got.UserID != "u-1" || got.LabID != "l-1" {
		t.Errorf("identity = %s/%s", got.UserID, got.LabID)
	}
	if got.Status != domain.StatusRunning {
		t.Errorf("Status = %s, want running", got.Status)
	}
	if got.Backend.ContainerID != "c-i-1" {
		t.Errorf("ContainerID = %q", got.Backend.ContainerID)
	}
	if len(got.Endpoint.Ports) != 1 || got.Endpoint.Ports[0].Host != 30001 {
		t.Errorf("Ports = %+v", got.Endpoint.Ports)
	}
	if got.Endpoint.URL != "http://localhost:30001" {
		t.Errorf("URL = %q", got.Endpoint.URL)
	}
	if got.Duration != time.Hour {
		t.Errorf("Duration = %v, want 1h", got.Duration)
	}
	if !got.ExpiresAt.Equal(now.Add(time.Hour)) {
		t.Errorf("ExpiresAt = %v", got.ExpiresAt)
	}
	if got.StartedAt == nil || !got.StartedAt.Equal(now) {
		t.Errorf("StartedAt = %v", got.StartedAt)
	}
	if got.StoppedAt != nil {
		t.Errorf("StoppedAt = %v, want nil", got.StoppedAt)
	}
	if !got.AutoCleanup {
		t.Error("AutoCleanup = false, want true")
	}

	if _, err := repo.FindByID(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("FindByID() error = %v, want ErrNotFound", err)
	}
}

func TestSQLInstanceRepository_Update(t *testing.T) {
	ctx := context.Background()
	repo := NewSQLInstanceRepository(newTestDB(t))
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	inst := newInstance("i-1", "u-1", "l-1", domain.StatusRunning, now)
	if err := repo.Create(ctx, inst); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	later := now.Add(5 * time.Minute)
	if err := inst.Transition(domain.StatusStopped, later); err != nil {
		t.Fatalf("Transition() error = %v", err)
	}
	inst.RestartCount = 2
	if err := repo.Update(ctx, inst); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	got, err := repo.FindByID(ctx, "i-1")
	if err != nil {
		t.Fatalf("FindByID() error = %v", err)
	}
	if got.Status != domain.StatusStopped {
		t.Errorf("Status = %s, want stopped", got.Status)
	}
	if got.StoppedAt == nil || !got.StoppedAt.Equal(later) {
		t.Errorf("StoppedAt = %v, want %v", got.StoppedAt, later)
	}
	if got.RestartCount != 2 {
		t.Errorf("RestartCount = %d, want 2", got.RestartCount)
	}

	missing := newInstance("nope", "u-1", "l-1", domain.StatusRunning, now)
	if err := repo.Update(ctx, missing); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Update() error = %v, want ErrNotFound", err)
	}
}

func TestSQLInstanceRepository_CompareAndSetStatus(t *testing.T) {
	ctx := context.Background()
	repo := NewSQLInstanceRepository(newTestDB(t))
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	inst := newInstance("i-1", "u-1", "l-1", domain.StatusRunning, now)
	if err := repo.Create(ctx, inst); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	stale := domain.StatusChange{
		InstanceID: "i-1",
		From:       domain.StatusRunning,
		BackendKey: "some-other-container",
		To:         domain.StatusStopped,
		At:         now,
	}
	if err := repo.CompareAndSetStatus(ctx, stale); !errors.Is(err, domain.ErrStaleWrite) {
		t.Fatalf("CompareAndSetStatus() error = %v, want ErrStaleWrite", err)
	}

	change := stale
	change.BackendKey = inst.Backend.Key()
	change.At = now.Add(time.Minute)
	if err := repo.CompareAndSetStatus(ctx, change); err != nil {
		t.Fatalf("CompareAndSetStatus() error = %v", err)
	}

	got, err := repo.FindByID(ctx, "i-1")
	if err != nil {
		t.Fatalf("FindByID() error = %v", err)
	}
	if got.Status != domain.StatusStopped {
		t.Errorf("Status = %s, want stopped", got.Status)
	}
	if got.StoppedAt == nil || !got.StoppedAt.Equal(now.Add(time.Minute)) {
		t.Errorf("StoppedAt = %v", got.StoppedAt)
	}

	if err := repo.CompareAndSetStatus(ctx, change); !errors.Is(err, domain.ErrStaleWrite) {
		t.Errorf("second CompareAndSetStatus() error = %v, want ErrStaleWrite", err)
	}
}

func TestSQLInstanceRepository_Queries(t *testing.T) {
	ctx := context.Background()
	repo := NewSQLInstanceRepository(newTestDB(t))
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	expired := newInstance("expired", "u-1", "l-1", domain.StatusRunning, now.Add(-2*time.Hour))
	active := newInstance("active", "u-1", "l-1", domain.StatusRunning, now)
	stoppedExpired := newInstance("stopped", "u-1", "l-1", domain.StatusStopped, now.Add(-3*time.Hour))
	pinned := newInstance("pinned", "u-2", "l-1", domain.StatusRunning, now.Add(-2*time.Hour))
	pinned.AutoCleanup = false
	stuck := newInstance("stuck", "u-2", "l-2", domain.StatusStarting, now.Add(-time.Hour))

	for _, inst := range []*domain.Instance{expired, active, stoppedExpired, pinned, stuck} {
		if err := repo.Create(ctx, inst); err != nil {
			t.Fatalf("Create(%s) error = %v", inst.ID, err)
		}
	}

	got, err := repo.FindExpired(ctx, now)
	if err != nil {
		t.Fatalf("FindExpired() error = %v", err)
	}
	if len(got) != 1 || got[0].ID != "expired" {
		t.Errorf("FindExpired() = %v, want [expired]", ids(got))
	}

	got, err = repo.FindStale(ctx, now.Add(-15*time.Minute))
	if err != nil {
		t.Fatalf("FindStale() error = %v", err)
	}
	if len(got) != 1 || got[0].ID != "stuck" {
		t.Errorf("FindStale() = %v, want [stuck]", ids(got))
	}

	got, err = repo.FindByStatus(ctx, domain.StatusRunning)
	if err != nil {
		t.Fatalf("FindByStatus() error = %v", err)
	}
	if len(got) != 3 {
		t.Errorf("FindByStatus() returned %d, want 3", len(got))
	}

	got, err = repo.FindByUser(ctx, "u-1")
	if err != nil {
		t.Fatalf("FindByUser() error = %v", err)
	}
	if len(got) != 3 || got[0].ID != "active" {
		t.Errorf("FindByUser() = %v, want newest first", ids(got))
	}

	n, err := repo.CountActiveByUserAndLab(ctx, "u-1", "l-1")
	if err != nil {
		t.Fatalf("CountActiveByUserAndLab() error = %v", err)
	}
	if n != 2 {
		t.Errorf("CountActiveByUserAndLab() = %d, want 2", n)
	}

	n, err = repo.CountActiveByUser(ctx, "u-2")
	if err != nil {
		t.Fatalf("CountActiveByUser() error = %v", err)
	}
	if n != 2 {
		t.Errorf("CountActiveByUser() = %d, want 2", n)
	}

	n, err = repo.CountActive(ctx)
	if err != nil {
		t.Fatalf("CountActive() error = %v", err)
	}
	if n != 4 {
		t.Errorf("CountActive() = %d, want 4", n)
	}
}

func TestSQLScanRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewSQLScanRepository(newTestDB(t))
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	for i, id := range []string{"s-3", "s-1", "s-2"} {
		scan := &domain.Scan{
			ID:        id,
			UserID:    "u-1",
			LabID:     "l-1",
			Status:    domain.ScanPending,
			CreatedAt: now.Add(time.Duration([]int{3, 1, 2}[i]) * time.Minute),
		}
		if err := repo.Create(ctx, scan); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
	}

	pending, err := repo.FindPending(ctx, 2)
	if err != nil {
		t.Fatalf("FindPending() error = %v", err)
	}
	if len(pending) != 2 || pending[0].ID != "s-1" || pending[1].ID != "s-2" {
		t.Fatalf("FindPending() = %v, want oldest first", scanIDs(pending))
	}

	started := now.Add(-time.Hour)
	if err := repo.MarkRunning(ctx, "s-1", started); err != nil {
		t.Fatalf("MarkRunning() error = %v", err)
	}
	if err := repo.MarkRunning(ctx, "s-1", started); !errors.Is(err, domain.ErrStaleWrite) {
		t.Errorf("MarkRunning() twice error = %v, want ErrStaleWrite", err)
	}

	n, err := repo.CountByStatus(ctx, domain.ScanRunning)
	if err != nil {
		t.Fatalf("CountByStatus() error = %v", err)
	}
	if n != 1 {
		t.Errorf("CountByStatus(running) = %d, want 1", n)
	}

	stuck, err := repo.FindStuck(ctx, now.Add(-30*time.Minute))
	if err != nil {
		t.Fatalf("FindStuck() error = %v", err)
	}
	if len(stuck) != 1 || stuck[0].ID != "s-1" {
		t.Fatalf("FindStuck() = %v, want [s-1]", scanIDs(stuck))
	}

	if err := repo.MarkFailed(ctx, "s-1", "scan timed out", now); err != nil {
		t.Fatalf("MarkFailed() error = %v", err)
	}
	got, err := repo.FindByID(ctx, "s-1")
	if err != nil {
		t.Fatalf("FindByID() error = %v", err)
	}
	if got.Status != domain.ScanFailed || got.ErrorMessage != "scan timed out" {
		t.Errorf("scan = %+v", got)
	}
	if got.CompletedAt == nil || !got.CompletedAt.Equal(now) {
		t.Errorf("CompletedAt = %v", got.CompletedAt)
	}

	if err := repo.MarkFailed(ctx, "s-2", "x", now); !errors.Is(err, domain.ErrStaleWrite) {
		t.Errorf("MarkFailed() on pending error = %v, want ErrStaleWrite", err)
	}
	if _, err := repo.FindByID(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("FindByID() error = %v, want ErrNotFound", err)
	}
}

func TestSQLLabRepository_FindLabByID(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	repo := NewSQLLabRepository(db)

	_, err := db.ExecContext(ctx, `
		INSERT INTO labs (id, name, category, difficulty, is_active, default_duration_seconds, max_instances_per_user, blueprint)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		"l-1", "SQL Injection 101", "web_security", "beginner", true, 1800, 2,
		`{"image":"quicklab/sqli:1.0","ports":[{"container":80}],"environment":{"MODE":"easy"},"memory_limit":"512m"}`,
	)
	if err != nil {
		t.Fatalf("insert lab error = %v", err)
	}

	lab, err := repo.FindLabByID(ctx, "l-1")
	if err != nil {
		t.Fatalf("FindLabByID() error = %v", err)
	}
	if lab.Category != domain.CategoryWebSecurity || lab.Difficulty != domain.DifficultyBeginner {
		t.Errorf("category/difficulty = %s/%s", lab.Category, lab.Difficulty)
	}
	if !lab.IsActive {
		t.Error("IsActive = false")
	}
	if lab.DefaultDuration != 30*time.Minute {
		t.Errorf("DefaultDuration = %v, want 30m", lab.DefaultDuration)
	}
	if lab.MaxInstancesPerUser != 2 {
		t.Errorf("MaxInstancesPerUser = %d, want 2", lab.MaxInstancesPerUser)
	}
	if lab.Blueprint.Image != "quicklab/sqli:1.0" || lab.Blueprint.Environment["MODE"] != "easy" {
		t.Errorf("Blueprint = %+v", lab.Blueprint)
	}

	if _, err := repo.FindLabByID(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("FindLabByID() error = %v, want ErrNotFound", err)
	}
}

func ids(instances []*domain.Instance) []string {
	out := make([]string, 0, len(instances))
	for _, inst := range instances {
		out = append(out, inst.ID)
	}
	return out
}

func scanIDs(scans []*domain.Scan) []string {
	out := make([]string, 0, len(scans))
	for _, s := range scans {
		out = append(out, s.ID)
	}
	return out
}
