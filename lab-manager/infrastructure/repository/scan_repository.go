package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kavos113/quicklab/lab-manager/domain"
)

const scanColumns = `id, user_id, lab_id, instance_id, status, error_message, created_at, started_at, completed_at`

type SQLScanRepository struct {
	db *sql.DB
}

func NewSQLScanRepository(db *sql.DB) *SQLScanRepository {
	return &SQLScanRepository{db: db}
}

// Create enqueues a scan. Scans are normally created by the scan API; the
// scheduler only moves them along.
func (r *SQLScanRepository) Create(ctx context.Context, scan *domain.Scan) error {
	query := `INSERT INTO scans (` + scanColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, query,
		scan.ID,
		scan.UserID,
		scan.LabID,
		scan.InstanceID,
		string(scan.Status),
		scan.ErrorMessage,
		dbTime(scan.CreatedAt),
		nullTime(scan.StartedAt),
		nullTime(scan.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert scan: %w", err)
	}
	return nil
}

func (r *SQLScanRepository) FindByID(ctx context.Context, scanID string) (*domain.Scan, error) {
	query := `SELECT ` + scanColumns + ` FROM scans WHERE id = ?`

	scan, err := scanScan(r.db.QueryRowContext(ctx, query, scanID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find scan: %w", err)
	}
	return scan, nil
}

func (r *SQLScanRepository) CountByStatus(ctx context.Context, status domain.ScanStatus) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM scans WHERE status = ?`, string(status)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count scans: %w", err)
	}
	return n, nil
}

// FindPending returns the oldest pending scans first.
func (r *SQLScanRepository) FindPending(ctx context.Context, limit int) ([]*domain.Scan, error) {
	query := `SELECT ` + scanColumns + ` FROM scans WHERE status = ? ORDER BY created_at, id LIMIT ?`
	return r.queryScans(ctx, query, string(domain.ScanPending), limit)
}

func (r *SQLScanRepository) FindStuck(ctx context.Context, cutoff time.Time) ([]*domain.Scan, error) {
	query := `SELECT ` + scanColumns + ` FROM scans WHERE status = ? AND started_at < ? ORDER BY started_at, id`
	return r.queryScans(ctx, query, string(domain.ScanRunning), dbTime(cutoff))
}

func (r *SQLScanRepository) MarkRunning(ctx context.Context, scanID string, startedAt time.Time) error {
	query := `UPDATE scans SET status = ?, started_at = ? WHERE id = ? AND status = ?`
	return r.conditionalUpdate(ctx, query,
		string(domain.ScanRunning), dbTime(startedAt), scanID, string(domain.ScanPending))
}

func (r *SQLScanRepository) MarkFailed(ctx context.Context, scanID, message string, completedAt time.Time) error {
	query := `UPDATE scans SET status = ?, error_message = ?, completed_at = ? WHERE id = ? AND status = ?`
	return r.conditionalUpdate(ctx, query,
		string(domain.ScanFailed), message, dbTime(completedAt), scanID, string(domain.ScanRunning))
}

func (r *SQLScanRepository) conditionalUpdate(ctx context.Context, query string, args ...any) error {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update scan: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return domain.ErrStaleWrite
	}
	return nil
}

func (r *SQLScanRepository) queryScans(ctx context.Context, query string, args ...any) ([]*domain.Scan, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query scans: %w", err)
	}
	defer rows.Close()

	var scans []*domain.Scan
	for rows.Next() {
		scan, err := scanScan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		scans = append(scans, scan)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return scans, nil
}

func scanScan(row rowScanner) (*domain.Scan, error) {
	var (
		scan        domain.Scan
		status      string
		startedAt   sql.NullTime
		completedAt sql.NullTime
	)

	err := row.Scan(
		&scan.ID,
		&scan.UserID,
		&scan.LabID,
		&scan.InstanceID,
		&status,
		&scan.ErrorMessage,
		&scan.CreatedAt,
		&startedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}

	scan.Status = domain.ScanStatus(status)
	scan.CreatedAt = scan.CreatedAt.UTC()
	scan.StartedAt = timePtr(startedAt)
	scan.CompletedAt = timePtr(completedAt)

	return &scan, nil
}
