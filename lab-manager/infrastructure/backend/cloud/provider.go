package cloud

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/moby/moby/client"

	"github.com/kavos113/quicklab/lab-manager/domain"
	"github.com/kavos113/quicklab/lab-manager/infrastructure/backend/docker"
	"github.com/kavos113/quicklab/lib/logger"
)

const (
	defaultDockerPort   = 2376
	defaultPollInterval = 5 * time.Second
	defaultReadyTimeout = 3 * time.Minute
	teardownTimeout     = 30 * time.Second

	containerName = "quicklab-lab"
)

type vmAPI interface {
	CreateInstance(ctx context.Context, cfg VMConfig) (*VM, error)
	GetInstance(ctx context.Context, id string) (*VM, error)
	HaltInstance(ctx context.Context, id string) error
	DeleteInstance(ctx context.Context, id string) error
	Account(ctx context.Context) (*Account, error)
}

// ContainerRuntime is the container layer running on a lab VM.
// *docker.Engine satisfies it.
type ContainerRuntime interface {
	Run(ctx context.Context, spec docker.ContainerSpec) (*docker.Container, error)
	Inspect(ctx context.Context, containerID string) (*docker.ContainerStatus, error)
	Stop(ctx context.Context, containerID string) error
	Remove(ctx context.Context, containerID string) error
	Ping(ctx context.Context) error
	Close() error
}

// RuntimeDialer connects to the docker daemon at host ("ip:port").
type RuntimeDialer func(host string) (ContainerRuntime, error)

// DockerDialer dials the VM's daemon over mutual TLS with the client
// certificate from ca.
func DockerDialer(ca *DaemonCA, log *slog.Logger) RuntimeDialer {
	return func(host string) (ContainerRuntime, error) {
		hc := &http.Client{Transport: &http.Transport{TLSClientConfig: ca.ClientTLSConfig()}}
		cli, err := docker.NewClient("tcp://"+host, client.WithHTTPClient(hc))
		if err != nil {
			return nil, err
		}
		return docker.NewEngine(cli, docker.EngineOptions{Logger: log}), nil
	}
}

type ProviderOptions struct {
	Region       string
	Plan         string
	OSID         int
	Domain       string
	DockerPort   int
	// CA issues each VM's daemon certificate. Required for Create.
	CA           *DaemonCA
	PollInterval time.Duration
	ReadyTimeout time.Duration
	Logger       *slog.Logger
}

// Provider runs every lab instance on a dedicated VM with the lab container
// on top of it.
type Provider struct {
	api    vmAPI
	dial   RuntimeDialer
	opts   ProviderOptions
	logger *slog.Logger
}

func NewProvider(api *VultrClient, dial RuntimeDialer, opts ProviderOptions) *Provider {
	return newProvider(api, dial, opts)
}

func newProvider(api vmAPI, dial RuntimeDialer, opts ProviderOptions) *Provider {
	if opts.DockerPort == 0 {
		opts.DockerPort = defaultDockerPort
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = defaultReadyTimeout
	}
	return &Provider{
		api:    api,
		dial:   dial,
		opts:   opts,
		logger: logger.Ensure(opts.Logger).With("component", "cloud-provider"),
	}
}

func (p *Provider) Create(ctx context.Context, req domain.CreateRequest) (*domain.Provisioned, error) {
	if p.opts.CA == nil {
		return nil, fmt.Errorf("%w: no daemon ca configured", domain.ErrProvisionFailed)
	}
	serverCert, serverKey, err := p.opts.CA.IssueServerCert()
	if err != nil {
		return nil, fmt.Errorf("%w: issue daemon certificate: %v", domain.ErrProvisionFailed, err)
	}
	userData, err := UserData(UserDataConfig{
		DockerPort: p.opts.DockerPort,
		CACert:     p.opts.CA.CACertPEM(),
		ServerCert: serverCert,
		ServerKey:  serverKey,
		Images:     []string{req.Blueprint.Image},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: render user data: %v", domain.ErrProvisionFailed, err)
	}

	vm, err := p.api.CreateInstance(ctx, VMConfig{
		Region:   p.opts.Region,
		Plan:     p.opts.Plan,
		OSID:     p.opts.OSID,
		Label:    vmLabel(req.UserID, req.LabID),
		Hostname: vmHostname(req.LabID, p.opts.Domain),
		UserData: userData,
		Tags:     vmTags(req.UserID, req.LabID),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrProvisionFailed, err)
	}
	p.logger.Info("vm created", "vm_id", vm.ID, "instance_id", req.InstanceID, "label", vm.Label)

	provisioned, err := p.provisionOnVM(ctx, vm.ID, req)
	if err != nil {
		if derr := p.deleteVM(ctx, vm.ID); derr != nil {
			err = errors.Join(err, derr)
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrProvisionFailed, err)
	}
	return provisioned, nil
}

func (p *Provider) provisionOnVM(ctx context.Context, vmID string, req domain.CreateRequest) (*domain.Provisioned, error) {
	readyCtx, cancel := context.WithTimeout(ctx, p.opts.ReadyTimeout)
	defer cancel()

	vm, err := p.waitForVM(readyCtx, vmID)
	if err != nil {
		return nil, err
	}

	rt, err := p.waitForRuntime(readyCtx, vm.MainIP)
	if err != nil {
		return nil, err
	}
	defer rt.Close()

	// The VM is dedicated to one lab, so ports are published 1:1.
	ports := make([]domain.PortMapping, len(req.Blueprint.Ports))
	for i, port := range req.Blueprint.Ports {
		ports[i] = domain.PortMapping{Container: port.Container, Host: port.Container}
	}

	c, err := rt.Run(ctx, docker.ContainerSpec{
		Name:        containerName,
		Image:       req.Blueprint.Image,
		Env:         req.Blueprint.Environment,
		Command:     req.Blueprint.Command,
		Labels:      docker.InstanceLabels(req, time.Now()),
		Ports:       ports,
		MemoryLimit: req.Blueprint.MemoryLimit,
		CPULimit:    req.Blueprint.CPULimit,
	})
	if err != nil {
		return nil, fmt.Errorf("start lab container on vm %s: %w", vmID, err)
	}

	p.logger.Info("lab container started on vm", "vm_id", vmID, "container_id", c.ID, "ip", vm.MainIP)

	return &domain.Provisioned{
		Ref: domain.BackendRef{
			ContainerID:     c.ID,
			ContainerName:   c.Name,
			CloudInstanceID: vm.ID,
			CloudProvider:   ProviderVultr,
			Region:          vm.Region,
			Plan:            vm.Plan,
		},
		Endpoint: domain.NewEndpoint(vm.MainIP, c.Ports),
	}, nil
}

func (p *Provider) waitForVM(ctx context.Context, vmID string) (*VM, error) {
	for {
		vm, err := p.api.GetInstance(ctx, vmID)
		switch {
		case err != nil:
			p.logger.Warn("error checking vm status", "vm_id", vmID, "error", err)
		case vm.Ready() && vm.MainIP != "" && vm.MainIP != "0.0.0.0":
			p.logger.Info("vm is ready", "vm_id", vmID, "ip", vm.MainIP)
			return vm, nil
		default:
			p.logger.Debug("waiting for vm", "vm_id", vmID, "status", vm.Status,
				"server_status", vm.ServerStatus, "power_status", vm.PowerStatus)
		}

		if err := p.sleep(ctx); err != nil {
			return nil, fmt.Errorf("vm %s did not become ready within %s", vmID, p.opts.ReadyTimeout)
		}
	}
}

func (p *Provider) waitForRuntime(ctx context.Context, ip string) (ContainerRuntime, error) {
	rt, err := p.dial(p.daemonHost(ip))
	if err != nil {
		return nil, err
	}

	for {
		err := rt.Ping(ctx)
		if err == nil {
			return rt, nil
		}
		p.logger.Debug("waiting for docker daemon on vm", "ip", ip, "error", err)

		if serr := p.sleep(ctx); serr != nil {
			rt.Close()
			return nil, fmt.Errorf("docker daemon on %s did not become ready within %s: %w", ip, p.opts.ReadyTimeout, err)
		}
	}
}

func (p *Provider) sleep(ctx context.Context) error {
	timer := time.NewTimer(p.opts.PollInterval)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (p *Provider) Inspect(ctx context.Context, ref domain.BackendRef) (*domain.Inspection, error) {
	vm, err := p.api.GetInstance(ctx, ref.CloudInstanceID)
	if errors.Is(err, ErrVMNotFound) {
		return nil, fmt.Errorf("vm %s: %w", ref.CloudInstanceID, domain.ErrInstanceVanished)
	}
	if err != nil {
		return nil, fmt.Errorf("get vm %s: %w: %v", ref.CloudInstanceID, domain.ErrBackendUnreachable, err)
	}

	switch {
	case vm.PowerStatus == "stopped":
		return &domain.Inspection{Power: domain.PowerStopped, Endpoint: domain.NewEndpoint(vm.MainIP, nil)}, nil
	case !vm.Ready():
		return &domain.Inspection{Power: domain.PowerPending, Endpoint: domain.NewEndpoint(vm.MainIP, nil)}, nil
	case ref.ContainerID == "":
		return &domain.Inspection{Power: domain.PowerRunning, Endpoint: domain.NewEndpoint(vm.MainIP, nil)}, nil
	}

	rt, err := p.dial(p.daemonHost(vm.MainIP))
	if err != nil {
		return nil, fmt.Errorf("dial vm %s: %w: %v", vm.ID, domain.ErrBackendUnreachable, err)
	}
	defer rt.Close()

	status, err := rt.Inspect(ctx, ref.ContainerID)
	if err != nil {
		return nil, err
	}

	ports := make([]domain.PortMapping, 0, len(status.HostPorts))
	for containerPort, hostPort := range status.HostPorts {
		ports = append(ports, domain.PortMapping{Container: containerPort, Host: hostPort})
	}
	slices.SortFunc(ports, func(a, b domain.PortMapping) int { return cmp.Compare(a.Container, b.Container) })

	return &domain.Inspection{Power: status.Power, Endpoint: domain.NewEndpoint(vm.MainIP, ports)}, nil
}

// Stop stops the lab container and halts the VM. Failing to reach the
// container does not prevent the halt.
func (p *Provider) Stop(ctx context.Context, ref domain.BackendRef) error {
	if ref.CloudInstanceID == "" {
		return nil
	}

	vm, err := p.api.GetInstance(ctx, ref.CloudInstanceID)
	if errors.Is(err, ErrVMNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("get vm %s: %w", ref.CloudInstanceID, err)
	}

	if vm.PowerStatus == "running" && ref.ContainerID != "" {
		if rt, err := p.dial(p.daemonHost(vm.MainIP)); err != nil {
			p.logger.Warn("failed to reach docker on vm", "vm_id", vm.ID, "error", err)
		} else {
			if err := rt.Stop(ctx, ref.ContainerID); err != nil {
				p.logger.Warn("failed to stop lab container", "vm_id", vm.ID, "container_id", ref.ContainerID, "error", err)
			}
			rt.Close()
		}
	}

	if vm.PowerStatus == "stopped" {
		return nil
	}
	if err := p.api.HaltInstance(ctx, vm.ID); err != nil && !errors.Is(err, ErrVMNotFound) {
		return fmt.Errorf("halt vm %s: %w", vm.ID, err)
	}
	p.logger.Info("vm halted", "vm_id", vm.ID)
	return nil
}

func (p *Provider) Remove(ctx context.Context, ref domain.BackendRef) error {
	if ref.CloudInstanceID == "" {
		return nil
	}
	if err := p.api.DeleteInstance(ctx, ref.CloudInstanceID); err != nil {
		return fmt.Errorf("delete vm %s: %w", ref.CloudInstanceID, err)
	}
	p.logger.Info("vm deleted", "vm_id", ref.CloudInstanceID)
	return nil
}

// Ping checks that the API key is accepted.
func (p *Provider) Ping(ctx context.Context) error {
	if _, err := p.api.Account(ctx); err != nil {
		return fmt.Errorf("%w: vultr: %v", domain.ErrBackendUnreachable, err)
	}
	return nil
}

func (p *Provider) deleteVM(ctx context.Context, vmID string) error {
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
	defer cancel()

	if err := p.api.DeleteInstance(dctx, vmID); err != nil {
		p.logger.Error("failed to delete vm after failed provisioning", "vm_id", vmID, "error", err)
		return err
	}
	p.logger.Info("vm deleted after failed provisioning", "vm_id", vmID)
	return nil
}

func (p *Provider) daemonHost(ip string) string {
	return net.JoinHostPort(ip, strconv.Itoa(p.opts.DockerPort))
}

func vmLabel(userID, labID string) string {
	return fmt.Sprintf("quicklab-%s-%s", prefix(userID, 8), prefix(labID, 8))
}

func vmHostname(labID, domainName string) string {
	host := "lab-" + prefix(labID, 8)
	if domainName == "" {
		return host
	}
	return host + "." + domainName
}

func vmTags(userID, labID string) []string {
	return []string{"quicklab", "lab", "user-" + userID, "lab-" + labID}
}

func prefix(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
