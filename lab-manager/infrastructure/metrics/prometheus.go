package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kavos113/quicklab/lab-manager/domain"
)

// Prometheus exposes run records as scheduler metrics.
type Prometheus struct {
	runs     *prometheus.CounterVec
	duration *prometheus.HistogramVec
	counts   *prometheus.GaugeVec
	items    *prometheus.CounterVec
}

func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	p := &Prometheus{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quicklab",
			Subsystem: "scheduler",
			Name:      "runs_total",
			Help:      "Completed scheduler runs.",
		}, []string{"job"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "quicklab",
			Subsystem: "scheduler",
			Name:      "run_duration_seconds",
			Help:      "Wall time of scheduler runs.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"job"}),
		counts: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "quicklab",
			Subsystem: "scheduler",
			Name:      "last_run_items",
			Help:      "Per-outcome item counts of the most recent run.",
		}, []string{"job", "outcome"}),
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quicklab",
			Subsystem: "scheduler",
			Name:      "items_total",
			Help:      "Per-outcome item counts across all runs.",
		}, []string{"job", "outcome"}),
	}
	reg.MustRegister(p.runs, p.duration, p.counts, p.items)
	return p
}

func (p *Prometheus) Publish(_ context.Context, m *domain.RunMetrics) error {
	p.runs.WithLabelValues(m.Job).Inc()
	p.duration.WithLabelValues(m.Job).Observe(m.Duration.Seconds())
	for outcome, n := range m.Counts {
		p.counts.WithLabelValues(m.Job, outcome).Set(float64(n))
		p.items.WithLabelValues(m.Job, outcome).Add(float64(n))
	}
	return nil
}
