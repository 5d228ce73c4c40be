package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kavos113/quicklab/lab-manager/domain"
)

const instanceColumns = `id, user_id, lab_id, container_id, container_name, cloud_instance_id, cloud_provider,
	cloud_region, cloud_plan, public_host, ports, access_url, status, error_message, duration_seconds,
	restart_count, auto_cleanup, created_at, started_at, stopped_at, expires_at, updated_at`

type SQLInstanceRepository struct {
	db *sql.DB
}

func NewSQLInstanceRepository(db *sql.DB) *SQLInstanceRepository {
	return &SQLInstanceRepository{
		db: db,
	}
}

func (r *SQLInstanceRepository) Create(ctx context.Context, instance *domain.Instance) error {
	ports, err := encodePorts(instance.Endpoint.Ports)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO lab_instances (` + instanceColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = r.db.ExecContext(ctx, query,
		instance.ID,
		instance.UserID,
		instance.LabID,
		instance.Backend.ContainerID,
		instance.Backend.ContainerName,
		instance.Backend.CloudInstanceID,
		instance.Backend.CloudProvider,
		instance.Backend.Region,
		instance.Backend.Plan,
		instance.Endpoint.Host,
		ports,
		instance.Endpoint.URL,
		string(instance.Status),
		instance.ErrorMessage,
		int64(instance.Duration.Seconds()),
		instance.RestartCount,
		instance.AutoCleanup,
		dbTime(instance.CreatedAt),
		nullTime(instance.StartedAt),
		nullTime(instance.StoppedAt),
		dbTime(instance.ExpiresAt),
		dbTime(instance.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert instance: %w", err)
	}

	return nil
}

func (r *SQLInstanceRepository) FindByID(ctx context.Context, instanceID string) (*domain.Instance, error) {
	query := `SELECT ` + instanceColumns + ` FROM lab_instances WHERE id = ?`

	instance, err := scanInstance(r.db.QueryRowContext(ctx, query, instanceID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find instance: %w", err)
	}

	return instance, nil
}

func (r *SQLInstanceRepository) Update(ctx context.Context, instance *domain.Instance) error {
	ports, err := encodePorts(instance.Endpoint.Ports)
	if err != nil {
		return err
	}

	query := `
		UPDATE lab_instances
		SET container_id = ?, container_name = ?, cloud_instance_id = ?, cloud_provider = ?,
			cloud_region = ?, cloud_plan = ?, public_host = ?, ports = ?, access_url = ?,
			status = ?, error_message = ?, duration_seconds = ?, restart_count = ?, auto_cleanup = ?,
			started_at = ?, stopped_at = ?, expires_at = ?, updated_at = ?
		WHERE id = ?
	`

	result, err := r.db.ExecContext(ctx, query,
		instance.Backend.ContainerID,
		instance.Backend.ContainerName,
		instance.Backend.CloudInstanceID,
		instance.Backend.CloudProvider,
		instance.Backend.Region,
		instance.Backend.Plan,
		instance.Endpoint.Host,
		ports,
		instance.Endpoint.URL,
		string(instance.Status),
		instance.ErrorMessage,
		int64(instance.Duration.Seconds()),
		instance.RestartCount,
		instance.AutoCleanup,
		nullTime(instance.StartedAt),
		nullTime(instance.StoppedAt),
		dbTime(instance.ExpiresAt),
		dbTime(instance.UpdatedAt),
		instance.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update instance: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return domain.ErrNotFound
	}

	return nil
}

func (r *SQLInstanceRepository) CompareAndSetStatus(ctx context.Context, change domain.StatusChange) error {
	var stoppedAt sql.NullTime
	if change.To == domain.StatusStopped {
		stoppedAt = sql.NullTime{Time: dbTime(change.At), Valid: true}
	}

	query := `
		UPDATE lab_instances
		SET status = ?, error_message = ?, stopped_at = COALESCE(?, stopped_at), updated_at = ?
		WHERE id = ? AND status = ?
			AND (CASE WHEN cloud_instance_id <> '' THEN cloud_instance_id ELSE container_id END) = ?
	`

	result, err := r.db.ExecContext(ctx, query,
		string(change.To),
		change.ErrorMessage,
		stoppedAt,
		dbTime(change.At),
		change.InstanceID,
		string(change.From),
		change.BackendKey,
	)
	if err != nil {
		return fmt.Errorf("failed to update instance status: %w", err)
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

func (r *SQLInstanceRepository) FindByUser(ctx context.Context, userID string) ([]*domain.Instance, error) {
	query := `SELECT ` + instanceColumns + ` FROM lab_instances WHERE user_id = ? ORDER BY created_at DESC, id`
	return r.queryInstances(ctx, query, userID)
}

func (r *SQLInstanceRepository) FindByStatus(ctx context.Context, status domain.InstanceStatus) ([]*domain.Instance, error) {
	query := `SELECT ` + instanceColumns + ` FROM lab_instances WHERE status = ? ORDER BY created_at, id`
	return r.queryInstances(ctx, query, string(status))
}

func (r *SQLInstanceRepository) FindExpired(ctx context.Context, now time.Time) ([]*domain.Instance, error) {
	query := `
		SELECT ` + instanceColumns + `
		FROM lab_instances
		WHERE expires_at < ? AND status IN (?, ?, ?) AND auto_cleanup = ?
		ORDER BY expires_at, id
	`
	return r.queryInstances(ctx, query,
		dbTime(now),
		string(domain.StatusStarting),
		string(domain.StatusRunning),
		string(domain.StatusStopping),
		true,
	)
}

func (r *SQLInstanceRepository) FindStale(ctx context.Context, cutoff time.Time) ([]*domain.Instance, error) {
	query := `
		SELECT ` + instanceColumns + `
		FROM lab_instances
		WHERE status IN (?, ?) AND updated_at < ?
		ORDER BY updated_at, id
	`
	return r.queryInstances(ctx, query,
		string(domain.StatusStarting),
		string(domain.StatusStopping),
		dbTime(cutoff),
	)
}

func (r *SQLInstanceRepository) CountActiveByUserAndLab(ctx context.Context, userID, labID string) (int, error) {
	query := `SELECT COUNT(*) FROM lab_instances WHERE user_id = ? AND lab_id = ? AND status IN (?, ?)`
	return r.count(ctx, query, userID, labID, string(domain.StatusStarting), string(domain.StatusRunning))
}

func (r *SQLInstanceRepository) CountActiveByUser(ctx context.Context, userID string) (int, error) {
	query := `SELECT COUNT(*) FROM lab_instances WHERE user_id = ? AND status IN (?, ?)`
	return r.count(ctx, query, userID, string(domain.StatusStarting), string(domain.StatusRunning))
}

func (r *SQLInstanceRepository) CountActive(ctx context.Context) (int, error) {
	query := `SELECT COUNT(*) FROM lab_instances WHERE status IN (?, ?)`
	return r.count(ctx, query, string(domain.StatusStarting), string(domain.StatusRunning))
}

func (r *SQLInstanceRepository) count(ctx context.Context, query string, args ...any) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count instances: %w", err)
	}
	return n, nil
}

func (r *SQLInstanceRepository) queryInstances(ctx context.Context, query string, args ...any) ([]*domain.Instance, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query instances: %w", err)
	}
	defer rows.Close()

	var instances []*domain.Instance
	for rows.Next() {
		instance, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan instance: %w", err)
		}
		instances = append(instances, instance)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return instances, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row rowScanner) (*domain.Instance, error) {
	var (
		instance        domain.Instance
		status          string
		ports           string
		durationSeconds int64
		startedAt       sql.NullTime
		stoppedAt       sql.NullTime
	)

	err := row.Scan(
		&instance.ID,
		&instance.UserID,
		&instance.LabID,
		&instance.Backend.ContainerID,
		&instance.Backend.ContainerName,
		&instance.Backend.CloudInstanceID,
		&instance.Backend.CloudProvider,
		&instance.Backend.Region,
		&instance.Backend.Plan,
		&instance.Endpoint.Host,
		&ports,
		&instance.Endpoint.URL,
		&status,
		&instance.ErrorMessage,
		&durationSeconds,
		&instance.RestartCount,
		&instance.AutoCleanup,
		&instance.CreatedAt,
		&startedAt,
		&stoppedAt,
		&instance.ExpiresAt,
		&instance.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	instance.Status = domain.InstanceStatus(status)
	instance.Duration = time.Duration(durationSeconds) * time.Second
	instance.StartedAt = timePtr(startedAt)
	instance.StoppedAt = timePtr(stoppedAt)
	instance.CreatedAt = instance.CreatedAt.UTC()
	instance.ExpiresAt = instance.ExpiresAt.UTC()
	instance.UpdatedAt = instance.UpdatedAt.UTC()

	if err := json.Unmarshal([]byte(ports), &instance.Endpoint.Ports); err != nil {
		return nil, fmt.Errorf("failed to decode ports: %w", err)
	}

	return &instance, nil
}

func encodePorts(ports []domain.PortMapping) (string, error) {
	if ports == nil {
		ports = []domain.PortMapping{}
	}
	data, err := json.Marshal(ports)
	if err != nil {
		return "", fmt.Errorf("failed to encode ports: %w", err)
	}
	return string(data), nil
}
