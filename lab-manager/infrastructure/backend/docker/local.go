package docker

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/kavos113/quicklab/lab-manager/domain"
)

const (
	LabelType       = "quicklab.type"
	LabelUserID     = "quicklab.user-id"
	LabelLabID      = "quicklab.lab-id"
	LabelInstanceID = "quicklab.instance-id"
	LabelCreatedAt  = "quicklab.created-at"

	labelTypeInstance = "lab-instance"
)

// InstanceLabels tags a lab container with its owner and lab.
func InstanceLabels(req domain.CreateRequest, now time.Time) map[string]string {
	return map[string]string{
		LabelType:       labelTypeInstance,
		LabelUserID:     req.UserID,
		LabelLabID:      req.LabID,
		LabelInstanceID: req.InstanceID,
		LabelCreatedAt:  now.UTC().Format(time.RFC3339),
	}
}

// LocalBackend provisions lab instances as containers on the local daemon.
type LocalBackend struct {
	engine     *Engine
	prefix     string
	publicHost string
	now        func() time.Time
}

func NewLocalBackend(engine *Engine, containerPrefix, publicHost string) *LocalBackend {
	return &LocalBackend{
		engine:     engine,
		prefix:     containerPrefix,
		publicHost: publicHost,
		now:        time.Now,
	}
}

func (b *LocalBackend) Create(ctx context.Context, req domain.CreateRequest) (*domain.Provisioned, error) {
	bp := req.Blueprint
	spec := ContainerSpec{
		Name:        b.prefix + req.InstanceID,
		Image:       bp.Image,
		Env:         bp.Environment,
		Command:     bp.Command,
		Labels:      InstanceLabels(req, b.now()),
		Ports:       bp.Ports,
		MemoryLimit: bp.MemoryLimit,
		CPULimit:    bp.CPULimit,
	}

	c, err := b.engine.Run(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrProvisionFailed, err)
	}

	return &domain.Provisioned{
		Ref: domain.BackendRef{
			ContainerID:   c.ID,
			ContainerName: c.Name,
		},
		Endpoint: domain.NewEndpoint(b.publicHost, c.Ports),
	}, nil
}

func (b *LocalBackend) Inspect(ctx context.Context, ref domain.BackendRef) (*domain.Inspection, error) {
	status, err := b.engine.Inspect(ctx, ref.ContainerID)
	if err != nil {
		return nil, err
	}

	var ports []domain.PortMapping
	for containerPort, hostPort := range status.HostPorts {
		ports = append(ports, domain.PortMapping{Container: containerPort, Host: hostPort})
	}
	slices.SortFunc(ports, func(a, b domain.PortMapping) int { return cmp.Compare(a.Container, b.Container) })

	return &domain.Inspection{
		Power:    status.Power,
		Endpoint: domain.NewEndpoint(b.publicHost, ports),
	}, nil
}

func (b *LocalBackend) Stop(ctx context.Context, ref domain.BackendRef) error {
	return b.engine.Stop(ctx, ref.ContainerID)
}

func (b *LocalBackend) Remove(ctx context.Context, ref domain.BackendRef) error {
	return b.engine.Remove(ctx, ref.ContainerID)
}

func (b *LocalBackend) Ping(ctx context.Context) error {
	return b.engine.Ping(ctx)
}
