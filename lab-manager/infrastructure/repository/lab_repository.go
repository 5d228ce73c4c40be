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

type SQLLabRepository struct {
	db *sql.DB
}

func NewSQLLabRepository(db *sql.DB) *SQLLabRepository {
	return &SQLLabRepository{db: db}
}

func (r *SQLLabRepository) FindLabByID(ctx context.Context, labID string) (*domain.Lab, error) {
	query := `
		SELECT id, name, category, difficulty, is_active, default_duration_seconds, max_instances_per_user, blueprint
		FROM labs
		WHERE id = ?
	`

	var (
		lab             domain.Lab
		category        string
		difficulty      string
		durationSeconds int64
		blueprint       string
	)

	err := r.db.QueryRowContext(ctx, query, labID).Scan(
		&lab.ID,
		&lab.Name,
		&category,
		&difficulty,
		&lab.IsActive,
		&durationSeconds,
		&lab.MaxInstancesPerUser,
		&blueprint,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find lab: %w", err)
	}

	lab.Category = domain.LabCategory(category)
	lab.Difficulty = domain.LabDifficulty(difficulty)
	lab.DefaultDuration = time.Duration(durationSeconds) * time.Second

	if err := json.Unmarshal([]byte(blueprint), &lab.Blueprint); err != nil {
		return nil, fmt.Errorf("failed to decode blueprint for lab %s: %w", labID, err)
	}

	return &lab, nil
}
