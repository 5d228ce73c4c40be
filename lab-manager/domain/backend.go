package domain

import "context"

type PowerState string

const (
	PowerRunning PowerState = "running"
	PowerStopped PowerState = "stopped"
	PowerPending PowerState = "pending"
	PowerUnknown PowerState = "unknown"
)

type CreateRequest struct {
	InstanceID string
	UserID     string
	LabID      string
	LabName    string
	Blueprint  Blueprint
}

type Provisioned struct {
	Ref      BackendRef
	Endpoint Endpoint
}

type Inspection struct {
	Power    PowerState
	Endpoint Endpoint
}

// Backend provisions lab targets. Create is atomic from the caller's view,
// Inspect returns ErrInstanceVanished for missing units and
// ErrBackendUnreachable for transport failures, Stop is best effort and
// Remove is idempotent.
type Backend interface {
	Create(ctx context.Context, req CreateRequest) (*Provisioned, error)
	Inspect(ctx context.Context, ref BackendRef) (*Inspection, error)
	Stop(ctx context.Context, ref BackendRef) error
	Remove(ctx context.Context, ref BackendRef) error
}

type HealthChecker interface {
	Ping(ctx context.Context) error
}
