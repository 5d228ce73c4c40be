package domain

import (
	"context"
	"time"
)

const (
	JobMonitoring = "monitoring"
	JobCleanup    = "cleanup"
	JobScanQueue  = "scan_queue"
)

// RunMetrics is the key/value record a scheduler publishes after each run.
type RunMetrics struct {
	Job       string         `json:"job"`
	RunID     string         `json:"run_id"`
	StartedAt time.Time      `json:"started_at"`
	Duration  time.Duration  `json:"duration_ns"`
	Counts    map[string]int `json:"counts"`
}

func (m *RunMetrics) Fields() map[string]any {
	fields := map[string]any{
		"job":         m.Job,
		"run_id":      m.RunID,
		"started_at":  m.StartedAt.Format(time.RFC3339),
		"duration_ms": m.Duration.Milliseconds(),
	}
	for k, v := range m.Counts {
		fields[k] = v
	}
	return fields
}

type MetricsPublisher interface {
	Publish(ctx context.Context, m *RunMetrics) error
}
