package docker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/moby/moby/client"
)

// containerInfo is the part of an inspect response the engine cares about.
type containerInfo struct {
	Status     string
	Running    bool
	Paused     bool
	Restarting bool
	// HostPorts maps container port to published host port.
	HostPorts map[int]int
}

// listedContainer is a container found by label, with its published host
// ports.
type listedContainer struct {
	ID        string
	HostPorts []int
}

type containerAPI interface {
	list(ctx context.Context, label string) ([]listedContainer, error)
	pull(ctx context.Context, image string) error
	create(ctx context.Context, options client.ContainerCreateOptions) (string, error)
	start(ctx context.Context, containerID string) error
	inspect(ctx context.Context, containerID string) (containerInfo, error)
	stop(ctx context.Context, containerID string, timeoutSeconds int) error
	remove(ctx context.Context, containerID string) error
	ping(ctx context.Context) error
	close() error
}

// NewClient connects to the daemon at host, or to the one described by the
// DOCKER_* environment when host is empty. extra is applied before the host.
func NewClient(host string, extra ...client.Opt) (*client.Client, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionFromEnv()}
	opts = append(opts, extra...)
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}

	cli, err := client.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return cli, nil
}

type mobyAPI struct {
	cli    *client.Client
	logger *slog.Logger
}

func (m *mobyAPI) list(ctx context.Context, label string) ([]listedContainer, error) {
	res, err := m.cli.ContainerList(ctx, client.ContainerListOptions{
		All:     true,
		Filters: make(client.Filters).Add("label", label),
	})
	if err != nil {
		return nil, err
	}

	out := make([]listedContainer, 0, len(res.Items))
	for _, c := range res.Items {
		lc := listedContainer{ID: c.ID}
		for _, p := range c.Ports {
			if p.PublicPort != 0 {
				lc.HostPorts = append(lc.HostPorts, int(p.PublicPort))
			}
		}
		out = append(out, lc)
	}
	return out, nil
}

func (m *mobyAPI) pull(ctx context.Context, image string) error {
	reader, err := m.cli.ImagePull(ctx, image, client.ImagePullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image: %w", err)
	}
	defer reader.Close()

	decoder := json.NewDecoder(reader)
	for {
		var message struct {
			Status string `json:"status,omitempty"`
			Error  string `json:"error,omitempty"`
		}

		if err := decoder.Decode(&message); err == io.EOF {
			break
		} else if err != nil {
			return fmt.Errorf("failed to decode pull output: %w", err)
		}

		if message.Error != "" {
			return fmt.Errorf("pull error: %s", message.Error)
		}

		m.logger.Debug("image pull", "image", image, "status", message.Status)
	}

	return nil
}

func (m *mobyAPI) create(ctx context.Context, options client.ContainerCreateOptions) (string, error) {
	resp, err := m.cli.ContainerCreate(ctx, options)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (m *mobyAPI) start(ctx context.Context, containerID string) error {
	_, err := m.cli.ContainerStart(ctx, containerID, client.ContainerStartOptions{})
	return err
}

func (m *mobyAPI) inspect(ctx context.Context, containerID string) (containerInfo, error) {
	res, err := m.cli.ContainerInspect(ctx, containerID, client.ContainerInspectOptions{})
	if err != nil {
		return containerInfo{}, err
	}

	info := containerInfo{HostPorts: map[int]int{}}
	if state := res.Container.State; state != nil {
		info.Status = string(state.Status)
		info.Running = state.Running
		info.Paused = state.Paused
		info.Restarting = state.Restarting
	}

	if ns := res.Container.NetworkSettings; ns != nil {
		for port, bindings := range ns.Ports {
			if len(bindings) == 0 {
				continue
			}
			containerPort, ok := parsePortNumber(fmt.Sprint(port))
			if !ok {
				continue
			}
			hostPort, err := strconv.Atoi(bindings[0].HostPort)
			if err != nil {
				continue
			}
			info.HostPorts[containerPort] = hostPort
		}
	}

	return info, nil
}

func (m *mobyAPI) stop(ctx context.Context, containerID string, timeoutSeconds int) error {
	_, err := m.cli.ContainerStop(ctx, containerID, client.ContainerStopOptions{Timeout: &timeoutSeconds})
	return err
}

func (m *mobyAPI) remove(ctx context.Context, containerID string) error {
	_, err := m.cli.ContainerRemove(ctx, containerID, client.ContainerRemoveOptions{Force: true})
	return err
}

func (m *mobyAPI) ping(ctx context.Context) error {
	_, err := m.cli.Ping(ctx, client.PingOptions{})
	return err
}

func (m *mobyAPI) close() error {
	return m.cli.Close()
}

// parsePortNumber reads the number out of "80/tcp".
func parsePortNumber(s string) (int, bool) {
	num, _, _ := strings.Cut(s, "/")
	n, err := strconv.Atoi(num)
	if err != nil {
		return 0, false
	}
	return n, true
}
