package domain

import (
	"context"
	"time"
)

// StatusChange is a compare-and-set update: it applies only while the stored
// row still has From as status and the same backend unit.
type StatusChange struct {
	InstanceID   string
	From         InstanceStatus
	BackendKey   string
	To           InstanceStatus
	ErrorMessage string
	At           time.Time
}

type InstanceRepository interface {
	Create(ctx context.Context, instance *Instance) error
	FindByID(ctx context.Context, instanceID string) (*Instance, error)
	Update(ctx context.Context, instance *Instance) error
	CompareAndSetStatus(ctx context.Context, change StatusChange) error
	FindByUser(ctx context.Context, userID string) ([]*Instance, error)
	FindByStatus(ctx context.Context, status InstanceStatus) ([]*Instance, error)
	// FindExpired returns auto-cleanup instances past their expiry that are
	// not yet terminal.
	FindExpired(ctx context.Context, now time.Time) ([]*Instance, error)
	// FindStale returns starting/stopping instances not updated since cutoff.
	FindStale(ctx context.Context, cutoff time.Time) ([]*Instance, error)
	CountActiveByUserAndLab(ctx context.Context, userID, labID string) (int, error)
	CountActiveByUser(ctx context.Context, userID string) (int, error)
	CountActive(ctx context.Context) (int, error)
}

type ScanRepository interface {
	FindByID(ctx context.Context, scanID string) (*Scan, error)
	CountByStatus(ctx context.Context, status ScanStatus) (int, error)
	FindPending(ctx context.Context, limit int) ([]*Scan, error)
	FindStuck(ctx context.Context, cutoff time.Time) ([]*Scan, error)
	MarkRunning(ctx context.Context, scanID string, startedAt time.Time) error
	MarkFailed(ctx context.Context, scanID, message string, completedAt time.Time) error
}

// InstanceCache holds read-only snapshots for consumers outside this service.
type InstanceCache interface {
	Put(ctx context.Context, instance *Instance) error
	Invalidate(ctx context.Context, instanceID string) error
}
