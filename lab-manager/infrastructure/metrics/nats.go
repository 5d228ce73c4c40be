package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/kavos113/quicklab/lab-manager/domain"
	"github.com/kavos113/quicklab/lib/logger"
)

const DefaultSubject = "quicklab.metrics"

type natsConn interface {
	Publish(subject string, data []byte) error
	IsClosed() bool
}

// NATSPublisher emits each run record on <subject>.<job>.
type NATSPublisher struct {
	nc      natsConn
	subject string
	close   func()
}

func NewNATSPublisher(url, subject string, log *slog.Logger) (*NATSPublisher, error) {
	log = logger.Ensure(log)
	opts := []nats.Option{
		nats.Name("quicklab-lab-manager"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}

	p := newNATSPublisher(nc, subject)
	p.close = func() {
		nc.Drain()
		nc.Close()
	}
	return p, nil
}

func newNATSPublisher(nc natsConn, subject string) *NATSPublisher {
	if subject == "" {
		subject = DefaultSubject
	}
	return &NATSPublisher{nc: nc, subject: subject}
}

func (p *NATSPublisher) Publish(_ context.Context, m *domain.RunMetrics) error {
	if p.nc == nil || p.nc.IsClosed() {
		return fmt.Errorf("nats not connected")
	}

	data, err := json.Marshal(m.Fields())
	if err != nil {
		return fmt.Errorf("failed to marshal metrics: %w", err)
	}
	if err := p.nc.Publish(p.subject+"."+m.Job, data); err != nil {
		return fmt.Errorf("failed to publish metrics: %w", err)
	}
	return nil
}

func (p *NATSPublisher) Close() {
	if p.close != nil {
		p.close()
	}
}
