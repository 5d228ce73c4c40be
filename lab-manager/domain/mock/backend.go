package mock

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/kavos113/quicklab/lab-manager/domain"
)

// Backend records every call and keeps the units it created in memory.
type Backend struct {
	mu    sync.Mutex
	calls []string
	units map[string]domain.PowerState
	next  int

	CreateErr  error
	StopErr    error
	RemoveErr  error
	InspectErr map[string]error

	// BeforeCreate runs at the start of Create, outside the lock.
	BeforeCreate func()
}

func NewBackend() *Backend {
	return &Backend{
		units:      make(map[string]domain.PowerState),
		InspectErr: make(map[string]error),
	}
}

func (b *Backend) record(call string) {
	b.calls = append(b.calls, call)
}

func (b *Backend) Create(_ context.Context, req domain.CreateRequest) (*domain.Provisioned, error) {
	if b.BeforeCreate != nil {
		b.BeforeCreate()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.record("create:" + req.InstanceID)
	if b.CreateErr != nil {
		return nil, b.CreateErr
	}

	b.next++
	id := fmt.Sprintf("ctr-%d", b.next)
	b.units[id] = domain.PowerRunning

	ports := make([]domain.PortMapping, len(req.Blueprint.Ports))
	for i, p := range req.Blueprint.Ports {
		ports[i] = domain.PortMapping{Container: p.Container, Host: 30000 + b.next}
	}
	return &domain.Provisioned{
		Ref:      domain.BackendRef{ContainerID: id, ContainerName: "lab-" + req.InstanceID},
		Endpoint: domain.NewEndpoint("localhost", ports),
	}, nil
}

func (b *Backend) Inspect(_ context.Context, ref domain.BackendRef) (*domain.Inspection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.record("inspect:" + ref.Key())
	if err := b.InspectErr[ref.Key()]; err != nil {
		return nil, err
	}
	power, ok := b.units[ref.Key()]
	if !ok {
		return nil, fmt.Errorf("unit %s: %w", ref.Key(), domain.ErrInstanceVanished)
	}
	return &domain.Inspection{Power: power}, nil
}

func (b *Backend) Stop(_ context.Context, ref domain.BackendRef) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.record("stop:" + ref.Key())
	if b.StopErr != nil {
		return b.StopErr
	}
	if _, ok := b.units[ref.Key()]; ok {
		b.units[ref.Key()] = domain.PowerStopped
	}
	return nil
}

func (b *Backend) Remove(_ context.Context, ref domain.BackendRef) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.record("remove:" + ref.Key())
	if b.RemoveErr != nil {
		return b.RemoveErr
	}
	delete(b.units, ref.Key())
	return nil
}

// Calls returns the recorded calls in order, e.g. "stop:ctr-1".
func (b *Backend) Calls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.calls...)
}

// CountCalls counts recorded calls with the given method name.
func (b *Backend) CountCalls(method string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, c := range b.calls {
		if strings.HasPrefix(c, method+":") {
			n++
		}
	}
	return n
}

// SetPower adds or changes a unit as if the backend changed on its own.
func (b *Backend) SetPower(key string, power domain.PowerState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.units[key] = power
}

// Drop deletes a unit behind the caller's back.
func (b *Backend) Drop(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.units, key)
}

func (b *Backend) Units() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.units)
}
