package domain

import (
	"context"
	"encoding/json"
	"time"
)

type ScanStatus string

const (
	ScanPending   ScanStatus = "pending"
	ScanRunning   ScanStatus = "running"
	ScanCompleted ScanStatus = "completed"
	ScanFailed    ScanStatus = "failed"
	ScanCancelled ScanStatus = "cancelled"
)

type Scan struct {
	ID           string
	UserID       string
	LabID        string
	InstanceID   string
	Status       ScanStatus
	ErrorMessage string
	CreatedAt    time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
}

// IsStuck reports whether a running scan started before the cutoff.
func (s *Scan) IsStuck(cutoff time.Time) bool {
	return s.Status == ScanRunning && s.StartedAt != nil && s.StartedAt.Before(cutoff)
}

type ScanJob struct {
	ScanID     string    `json:"scan_id"`
	UserID     string    `json:"user_id"`
	LabID      string    `json:"lab_id"`
	InstanceID string    `json:"instance_id,omitempty"`
	AdmittedAt time.Time `json:"admitted_at"`
}

func NewScanJob(s *Scan, admittedAt time.Time) *ScanJob {
	return &ScanJob{
		ScanID:     s.ID,
		UserID:     s.UserID,
		LabID:      s.LabID,
		InstanceID: s.InstanceID,
		AdmittedAt: admittedAt,
	}
}

func (j *ScanJob) ToJSON() ([]byte, error) {
	return json.Marshal(j)
}

func ParseScanJob(data []byte) (*ScanJob, error) {
	var job ScanJob
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// ScanExecutor runs the detection logic for an admitted scan. It lives
// outside this service.
type ScanExecutor interface {
	Execute(ctx context.Context, scan *Scan) error
}

type ScanExecutorFunc func(ctx context.Context, scan *Scan) error

func (f ScanExecutorFunc) Execute(ctx context.Context, scan *Scan) error {
	return f(ctx, scan)
}

type QueueStatus struct {
	Pending        int `json:"pending"`
	Running        int `json:"running"`
	AvailableSlots int `json:"available_slots"`
}
