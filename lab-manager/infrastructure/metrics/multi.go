package metrics

import (
	"context"
	"errors"
	"log/slog"

	"github.com/kavos113/quicklab/lab-manager/domain"
	"github.com/kavos113/quicklab/lib/logger"
)

// Multi fans a record out to every publisher. One failing sink does not stop
// the others.
type Multi struct {
	publishers []domain.MetricsPublisher
}

func NewMulti(publishers ...domain.MetricsPublisher) *Multi {
	var ps []domain.MetricsPublisher
	for _, p := range publishers {
		if p != nil {
			ps = append(ps, p)
		}
	}
	return &Multi{publishers: ps}
}

func (m *Multi) Publish(ctx context.Context, rm *domain.RunMetrics) error {
	var errs []error
	for _, p := range m.publishers {
		if err := p.Publish(ctx, rm); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Multi) Len() int {
	return len(m.publishers)
}

// Log writes the record as a structured log line.
type Log struct {
	logger *slog.Logger
}

func NewLog(l *slog.Logger) *Log {
	return &Log{logger: logger.Ensure(l).With("component", "metrics")}
}

func (l *Log) Publish(ctx context.Context, m *domain.RunMetrics) error {
	fields := m.Fields()
	args := make([]any, 0, 2*len(fields))
	for k, v := range fields {
		args = append(args, k, v)
	}
	l.logger.InfoContext(ctx, "job metrics", args...)
	return nil
}
