package docker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sort"
	"strconv"
	"sync"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/network"
	"github.com/moby/moby/client"

	"github.com/kavos113/quicklab/lab-manager/domain"
	"github.com/kavos113/quicklab/lib/logger"
)

const (
	defaultStopTimeout = 10
	rollbackTimeout    = 30 * time.Second
)

type EngineOptions struct {
	// Registry is prepended to image references without one.
	Registry string
	Network  string
	// Ports allocates host ports for mappings that do not pin one. Nil lets
	// the daemon pick.
	Ports       *PortAllocator
	StopTimeout int
	Logger      *slog.Logger
}

// Engine runs lab containers on one docker daemon.
type Engine struct {
	api         containerAPI
	registry    string
	network     string
	ports       *PortAllocator
	stopTimeout int
	logger      *slog.Logger

	mu        sync.Mutex
	allocated map[string][]int
}

func NewEngine(cli *client.Client, opts EngineOptions) *Engine {
	return newEngine(&mobyAPI{cli: cli, logger: logger.Ensure(opts.Logger)}, opts)
}

func newEngine(api containerAPI, opts EngineOptions) *Engine {
	stopTimeout := opts.StopTimeout
	if stopTimeout <= 0 {
		stopTimeout = defaultStopTimeout
	}
	return &Engine{
		api:         api,
		registry:    opts.Registry,
		network:     opts.Network,
		ports:       opts.Ports,
		stopTimeout: stopTimeout,
		logger:      logger.Ensure(opts.Logger).With("component", "docker-engine"),
		allocated:   make(map[string][]int),
	}
}

// Recover rebuilds host port bookkeeping from lab containers that already
// exist on the daemon, so a restarted process does not hand their ports out
// again. It returns the number of lab containers found.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	found, err := e.api.list(ctx, LabelType+"="+labelTypeInstance)
	if err != nil {
		return 0, fmt.Errorf("failed to list lab containers: %w", err)
	}
	if e.ports == nil {
		return len(found), nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, c := range found {
		var held []int
		for _, p := range c.HostPorts {
			if e.ports.Reserve(p) {
				held = append(held, p)
			}
		}
		if len(held) > 0 {
			e.allocated[c.ID] = held
		}
	}
	return len(found), nil
}

type ContainerSpec struct {
	Name        string
	Image       string
	Env         map[string]string
	Command     []string
	Labels      map[string]string
	Ports       []domain.PortMapping
	MemoryLimit string
	CPULimit    string
}

type Container struct {
	ID    string
	Name  string
	Ports []domain.PortMapping
}

type ContainerStatus struct {
	Power     domain.PowerState
	HostPorts map[int]int
}

// Run pulls the image and starts a container. Nothing is left behind when it
// fails.
func (e *Engine) Run(ctx context.Context, spec ContainerSpec) (*Container, error) {
	image, err := e.resolveImage(spec.Image)
	if err != nil {
		return nil, err
	}

	memory, err := ParseMemoryLimit(spec.MemoryLimit)
	if err != nil {
		return nil, err
	}
	cpus, err := ParseCPULimit(spec.CPULimit)
	if err != nil {
		return nil, err
	}

	if err := e.api.pull(ctx, image); err != nil {
		return nil, err
	}

	ports, allocated, err := e.assignPorts(spec.Ports)
	if err != nil {
		return nil, err
	}

	exposed := network.PortSet{}
	bindings := network.PortMap{}
	for _, p := range ports {
		containerPort, err := network.ParsePort(fmt.Sprintf("%d/tcp", p.Container))
		if err != nil {
			e.releasePorts(allocated)
			return nil, fmt.Errorf("invalid container port %d: %w", p.Container, err)
		}
		hostPort := ""
		if p.Host != 0 {
			hostPort = strconv.Itoa(p.Host)
		}
		exposed[containerPort] = struct{}{}
		bindings[containerPort] = []network.PortBinding{
			{
				HostIP:   netip.MustParseAddr("0.0.0.0"),
				HostPort: hostPort,
			},
		}
	}

	hostConfig := &container.HostConfig{
		PortBindings:  bindings,
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyUnlessStopped},
		Resources: container.Resources{
			Memory:   memory,
			NanoCPUs: cpus,
		},
	}
	if e.network != "" {
		hostConfig.NetworkMode = container.NetworkMode(e.network)
	}

	containerConfig := &container.Config{
		Image:        image,
		Env:          envList(spec.Env),
		Cmd:          spec.Command,
		Labels:       spec.Labels,
		ExposedPorts: exposed,
	}

	id, err := e.api.create(ctx, client.ContainerCreateOptions{
		Config:           containerConfig,
		HostConfig:       hostConfig,
		NetworkingConfig: &network.NetworkingConfig{},
		Name:             spec.Name,
	})
	if err != nil {
		e.releasePorts(allocated)
		return nil, fmt.Errorf("failed to create container: %w", err)
	}

	if err := e.api.start(ctx, id); err != nil {
		return nil, e.rollback(ctx, id, allocated, fmt.Errorf("failed to start container: %w", err))
	}

	info, err := e.api.inspect(ctx, id)
	if err != nil {
		return nil, e.rollback(ctx, id, allocated, fmt.Errorf("failed to inspect container: %w", err))
	}
	for i, p := range ports {
		if hostPort, ok := info.HostPorts[p.Container]; ok {
			ports[i].Host = hostPort
		}
	}

	e.mu.Lock()
	e.allocated[id] = allocated
	e.mu.Unlock()

	e.logger.Info("container started", "container_id", id, "name", spec.Name, "image", image)

	return &Container{ID: id, Name: spec.Name, Ports: ports}, nil
}

func (e *Engine) Inspect(ctx context.Context, containerID string) (*ContainerStatus, error) {
	info, err := e.api.inspect(ctx, containerID)
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return nil, fmt.Errorf("container %s: %w", containerID, domain.ErrInstanceVanished)
		}
		return nil, fmt.Errorf("inspect container %s: %w: %v", containerID, domain.ErrBackendUnreachable, err)
	}

	return &ContainerStatus{Power: powerState(info), HostPorts: info.HostPorts}, nil
}

// Stop treats missing and already stopped containers as stopped.
func (e *Engine) Stop(ctx context.Context, containerID string) error {
	if containerID == "" {
		return nil
	}

	err := e.api.stop(ctx, containerID, e.stopTimeout)
	if err == nil || cerrdefs.IsNotFound(err) || cerrdefs.IsNotModified(err) {
		return nil
	}
	return fmt.Errorf("failed to stop container %s: %w", containerID, err)
}

func (e *Engine) Remove(ctx context.Context, containerID string) error {
	if containerID == "" {
		return nil
	}

	if err := e.api.remove(ctx, containerID); err != nil && !cerrdefs.IsNotFound(err) {
		return fmt.Errorf("failed to remove container %s: %w", containerID, err)
	}

	e.mu.Lock()
	allocated := e.allocated[containerID]
	delete(e.allocated, containerID)
	e.mu.Unlock()
	e.releasePorts(allocated)

	return nil
}

func (e *Engine) Ping(ctx context.Context) error {
	if err := e.api.ping(ctx); err != nil {
		return fmt.Errorf("%w: docker daemon: %v", domain.ErrBackendUnreachable, err)
	}
	return nil
}

func (e *Engine) Close() error {
	return e.api.close()
}

func (e *Engine) resolveImage(image string) (string, error) {
	var opts []name.Option
	if e.registry != "" {
		opts = append(opts, name.WithDefaultRegistry(e.registry))
	}

	ref, err := name.ParseReference(image, opts...)
	if err != nil {
		return "", fmt.Errorf("invalid image reference %q: %w", image, err)
	}
	return ref.Name(), nil
}

func (e *Engine) assignPorts(requested []domain.PortMapping) ([]domain.PortMapping, []int, error) {
	ports := make([]domain.PortMapping, len(requested))
	copy(ports, requested)

	var allocated []int
	if e.ports == nil {
		return ports, nil, nil
	}

	for i := range ports {
		if ports[i].Host != 0 {
			continue
		}
		p, err := e.ports.Allocate()
		if err != nil {
			e.releasePorts(allocated)
			return nil, nil, fmt.Errorf("failed to allocate port: %w", err)
		}
		ports[i].Host = p
		allocated = append(allocated, p)
	}
	return ports, allocated, nil
}

func (e *Engine) releasePorts(ports []int) {
	if e.ports == nil {
		return
	}
	for _, p := range ports {
		e.ports.Release(p)
	}
}

func (e *Engine) rollback(ctx context.Context, containerID string, allocated []int, cause error) error {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rollbackTimeout)
	defer cancel()

	e.releasePorts(allocated)
	if err := e.api.remove(rctx, containerID); err != nil && !cerrdefs.IsNotFound(err) {
		e.logger.Error("failed to remove container after failed start", "container_id", containerID, "error", err)
		return errors.Join(cause, err)
	}
	return cause
}

func powerState(info containerInfo) domain.PowerState {
	switch {
	case info.Restarting:
		return domain.PowerPending
	case info.Running && !info.Paused:
		return domain.PowerRunning
	}

	switch info.Status {
	case "created", "exited", "dead", "paused":
		return domain.PowerStopped
	case "removing", "restarting":
		return domain.PowerPending
	case "":
		return domain.PowerUnknown
	default:
		return domain.PowerStopped
	}
}

func envList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}
