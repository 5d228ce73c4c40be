package cloud

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kavos113/quicklab/lab-manager/domain"
	"github.com/kavos113/quicklab/lab-manager/infrastructure/backend/docker"
)

type fakeVultr struct {
	mu      sync.Mutex
	vms     map[string]*VM
	created []VMConfig
	halted  []string
	deleted []string
	nextID  int
	// polls before a created VM reports ready
	bootPolls int
	polls     map[string]int
}

func newFakeVultr() *fakeVultr {
	return &fakeVultr{vms: map[string]*VM{}, polls: map[string]int{}}
}

func (f *fakeVultr) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v2/instances", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var cfg VMConfig
		if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
			t.Errorf("decode create body: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		f.mu.Lock()
		f.nextID++
		vm := &VM{
			ID:           fmt.Sprintf("vm-%d", f.nextID),
			MainIP:       "0.0.0.0",
			Region:       cfg.Region,
			Plan:         cfg.Plan,
			Label:        cfg.Label,
			Tags:         cfg.Tags,
			Status:       "pending",
			PowerStatus:  "stopped",
			ServerStatus: "none",
		}
		f.vms[vm.ID] = vm
		f.created = append(f.created, cfg)
		out := *vm
		f.mu.Unlock()

		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]any{"instance": out})
	})

	mux.HandleFunc("GET /v2/instances/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		vm, ok := f.vms[r.PathValue("id")]
		if ok && vm.Status == "pending" {
			f.polls[vm.ID]++
			if f.polls[vm.ID] > f.bootPolls {
				vm.Status = "active"
				vm.ServerStatus = "ok"
				vm.PowerStatus = "running"
				vm.MainIP = "203.0.113.10"
			}
		}
		var out VM
		if ok {
			out = *vm
		}
		f.mu.Unlock()

		if !ok {
			notFoundBody(w)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"instance": out})
	})

	mux.HandleFunc("POST /v2/instances/{id}/halt", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		vm, ok := f.vms[r.PathValue("id")]
		if !ok {
			notFoundBody(w)
			return
		}
		vm.PowerStatus = "stopped"
		f.halted = append(f.halted, vm.ID)
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("DELETE /v2/instances/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		id := r.PathValue("id")
		if _, ok := f.vms[id]; !ok {
			notFoundBody(w)
			return
		}
		delete(f.vms, id)
		f.deleted = append(f.deleted, id)
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("GET /v2/account", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-key" {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]any{"error": "Invalid API token.", "status": http.StatusUnauthorized})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"account": Account{Name: "quicklab", Balance: -10}})
	})

	return mux
}

func notFoundBody(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNotFound)
	json.NewEncoder(w).Encode(map[string]any{"error": "Invalid instance-id.", "status": http.StatusNotFound})
}

func newTestVultrClient(t *testing.T, baseURL, apiKey string) *VultrClient {
	t.Helper()
	c, err := NewVultrClient(baseURL, apiKey)
	if err != nil {
		t.Fatalf("NewVultrClient() error = %v", err)
	}
	return c
}

func newTestCA(t *testing.T) *DaemonCA {
	t.Helper()
	ca, err := NewDaemonCA()
	if err != nil {
		t.Fatalf("NewDaemonCA() error = %v", err)
	}
	return ca
}

type fakeRuntime struct {
	mu         sync.Mutex
	hosts      []string
	pingFails  int
	runErr     error
	specs      []docker.ContainerSpec
	containers map[string]*docker.ContainerStatus
	stopped    []string
	closed     int
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{containers: map[string]*docker.ContainerStatus{}}
}

func (f *fakeRuntime) dialer() RuntimeDialer {
	return func(host string) (ContainerRuntime, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.hosts = append(f.hosts, host)
		return f, nil
	}
}

func (f *fakeRuntime) Run(_ context.Context, spec docker.ContainerSpec) (*docker.Container, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.specs = append(f.specs, spec)
	if f.runErr != nil {
		return nil, f.runErr
	}
	id := fmt.Sprintf("ctr-%d", len(f.specs))
	hostPorts := map[int]int{}
	for _, p := range spec.Ports {
		hostPorts[p.Container] = p.Host
	}
	f.containers[id] = &docker.ContainerStatus{Power: domain.PowerRunning, HostPorts: hostPorts}
	return &docker.Container{ID: id, Name: spec.Name, Ports: spec.Ports}, nil
}

func (f *fakeRuntime) Inspect(_ context.Context, containerID string) (*docker.ContainerStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	status, ok := f.containers[containerID]
	if !ok {
		return nil, fmt.Errorf("container %s: %w", containerID, domain.ErrInstanceVanished)
	}
	return status, nil
}

func (f *fakeRuntime) Stop(_ context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, containerID)
	if c, ok := f.containers[containerID]; ok {
		c.Power = domain.PowerStopped
	}
	return nil
}

func (f *fakeRuntime) Remove(_ context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.containers, containerID)
	return nil
}

func (f *fakeRuntime) Ping(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pingFails > 0 {
		f.pingFails--
		return errors.New("connection refused")
	}
	return nil
}

func (f *fakeRuntime) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestProvider(t *testing.T, vultr *fakeVultr, rt *fakeRuntime) *Provider {
	t.Helper()
	srv := httptest.NewServer(vultr.handler(t))
	t.Cleanup(srv.Close)

	return NewProvider(newTestVultrClient(t, srv.URL, "test-key"), rt.dialer(), ProviderOptions{
		Region:       "ewr",
		Plan:         "vc2-1c-1gb",
		OSID:         1743,
		Domain:       "labs.example.com",
		DockerPort:   2376,
		CA:           newTestCA(t),
		PollInterval: time.Millisecond,
		ReadyTimeout: time.Second,
		Logger:       testLogger(),
	})
}

func cloudRequest() domain.CreateRequest {
	return domain.CreateRequest{
		InstanceID: "inst-1",
		UserID:     "user-1234567890",
		LabID:      "lab-abcdefghij",
		LabName:    "SQL Injection",
		Blueprint: domain.Blueprint{
			Image: "quicklab/sqli:1.0",
			Ports: []domain.PortMapping{{Container: 80}, {Container: 3306}},
		},
	}
}

func TestProvider_Create(t *testing.T) {
	vultr := newFakeVultr()
	vultr.bootPolls = 2
	rt := newFakeRuntime()
	rt.pingFails = 2
	p := newTestProvider(t, vultr, rt)

	got, err := p.Create(context.Background(), cloudRequest())
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if got.Ref.CloudInstanceID != "vm-1" || got.Ref.CloudProvider != ProviderVultr {
		t.Errorf("Ref = %+v", got.Ref)
	}
	if got.Ref.Region != "ewr" || got.Ref.Plan != "vc2-1c-1gb" || got.Ref.ContainerID != "ctr-1" {
		t.Errorf("Ref = %+v", got.Ref)
	}
	if got.Endpoint.URL != "http://203.0.113.10:80" {
		t.Errorf("URL = %q", got.Endpoint.URL)
	}
	for _, port := range got.Endpoint.Ports {
		if port.Host != port.Container {
			t.Errorf("port %d published on %d, want 1:1", port.Container, port.Host)
		}
	}

	cfg := vultr.created[0]
	if cfg.Label != "quicklab-user-123-lab-abcd" {
		t.Errorf("Label = %q", cfg.Label)
	}
	if cfg.Hostname != "lab-lab-abcd.labs.example.com" {
		t.Errorf("Hostname = %q", cfg.Hostname)
	}
	if cfg.OSID != 1743 {
		t.Errorf("OSID = %d", cfg.OSID)
	}
	if strings.Join(cfg.Tags, ",") != "quicklab,lab,user-user-1234567890,lab-lab-abcdefghij" {
		t.Errorf("Tags = %v", cfg.Tags)
	}
	script, err := base64.StdEncoding.DecodeString(cfg.UserData)
	if err != nil {
		t.Fatalf("user data is not base64: %v", err)
	}
	if !strings.Contains(string(script), "tcp://0.0.0.0:2376 --tlsverify") || !strings.Contains(string(script), "docker pull quicklab/sqli:1.0") {
		t.Errorf("user data = %s", script)
	}

	if rt.hosts[0] != "203.0.113.10:2376" {
		t.Errorf("dialed %q", rt.hosts[0])
	}
	if rt.closed != 1 {
		t.Errorf("runtime closed %d times, want 1", rt.closed)
	}
}

func TestProvider_CreateWithoutCA(t *testing.T) {
	vultr := newFakeVultr()
	srv := httptest.NewServer(vultr.handler(t))
	defer srv.Close()

	p := NewProvider(newTestVultrClient(t, srv.URL, "test-key"), newFakeRuntime().dialer(), ProviderOptions{Logger: testLogger()})
	if _, err := p.Create(context.Background(), cloudRequest()); !errors.Is(err, domain.ErrProvisionFailed) {
		t.Fatalf("Create() error = %v, want ErrProvisionFailed", err)
	}
	if len(vultr.created) != 0 {
		t.Errorf("created %d vms without a daemon ca", len(vultr.created))
	}
}

func TestProvider_CreateContainerFailureDeletesVM(t *testing.T) {
	vultr := newFakeVultr()
	rt := newFakeRuntime()
	rt.runErr = errors.New("pull access denied")
	p := newTestProvider(t, vultr, rt)

	_, err := p.Create(context.Background(), cloudRequest())
	if !errors.Is(err, domain.ErrProvisionFailed) {
		t.Fatalf("Create() error = %v, want ErrProvisionFailed", err)
	}
	if !strings.Contains(err.Error(), "pull access denied") {
		t.Errorf("error %q should carry the backend message", err)
	}
	if len(vultr.deleted) != 1 || len(vultr.vms) != 0 {
		t.Errorf("deleted = %v, remaining = %d", vultr.deleted, len(vultr.vms))
	}
}

func TestProvider_CreateReadyTimeoutDeletesVM(t *testing.T) {
	vultr := newFakeVultr()
	vultr.bootPolls = 1 << 30
	rt := newFakeRuntime()
	p := newTestProvider(t, vultr, rt)
	p.opts.ReadyTimeout = 20 * time.Millisecond

	_, err := p.Create(context.Background(), cloudRequest())
	if !errors.Is(err, domain.ErrProvisionFailed) {
		t.Fatalf("Create() error = %v, want ErrProvisionFailed", err)
	}
	if len(vultr.deleted) != 1 {
		t.Errorf("deleted = %v, want the vm", vultr.deleted)
	}
	if len(rt.specs) != 0 {
		t.Error("container started on a vm that never became ready")
	}
}

func TestProvider_Inspect(t *testing.T) {
	vultr := newFakeVultr()
	rt := newFakeRuntime()
	p := newTestProvider(t, vultr, rt)
	ctx := context.Background()

	got, err := p.Create(ctx, cloudRequest())
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	insp, err := p.Inspect(ctx, got.Ref)
	if err != nil {
		t.Fatalf("Inspect() error = %v", err)
	}
	if insp.Power != domain.PowerRunning || len(insp.Endpoint.Ports) != 2 {
		t.Errorf("Inspect() = %+v", insp)
	}

	delete(rt.containers, got.Ref.ContainerID)
	if _, err := p.Inspect(ctx, got.Ref); !errors.Is(err, domain.ErrInstanceVanished) {
		t.Errorf("Inspect() missing container error = %v, want ErrInstanceVanished", err)
	}

	if err := p.Stop(ctx, got.Ref); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	insp, err = p.Inspect(ctx, got.Ref)
	if err != nil {
		t.Fatalf("Inspect() error = %v", err)
	}
	if insp.Power != domain.PowerStopped {
		t.Errorf("Power = %s, want stopped", insp.Power)
	}

	if err := p.Remove(ctx, got.Ref); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if _, err := p.Inspect(ctx, got.Ref); !errors.Is(err, domain.ErrInstanceVanished) {
		t.Errorf("Inspect() deleted vm error = %v, want ErrInstanceVanished", err)
	}
}

func TestProvider_InspectUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := NewProvider(newTestVultrClient(t, srv.URL, "test-key"), newFakeRuntime().dialer(), ProviderOptions{Logger: testLogger()})
	_, err := p.Inspect(context.Background(), domain.BackendRef{CloudInstanceID: "vm-1"})
	if !errors.Is(err, domain.ErrBackendUnreachable) {
		t.Errorf("Inspect() error = %v, want ErrBackendUnreachable", err)
	}
}

func TestProvider_StopAndRemove(t *testing.T) {
	vultr := newFakeVultr()
	rt := newFakeRuntime()
	p := newTestProvider(t, vultr, rt)
	ctx := context.Background()

	got, err := p.Create(ctx, cloudRequest())
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := p.Stop(ctx, got.Ref); err != nil {
			t.Errorf("Stop() #%d error = %v", i+1, err)
		}
	}
	if len(rt.stopped) != 1 || rt.stopped[0] != got.Ref.ContainerID {
		t.Errorf("stopped containers = %v", rt.stopped)
	}
	if len(vultr.halted) != 1 {
		t.Errorf("halted = %v, want one halt", vultr.halted)
	}

	for i := 0; i < 2; i++ {
		if err := p.Remove(ctx, got.Ref); err != nil {
			t.Errorf("Remove() #%d error = %v", i+1, err)
		}
	}
	if len(vultr.deleted) != 1 {
		t.Errorf("deleted = %v", vultr.deleted)
	}

	if err := p.Stop(ctx, got.Ref); err != nil {
		t.Errorf("Stop() on deleted vm error = %v", err)
	}
	if err := p.Stop(ctx, domain.BackendRef{}); err != nil {
		t.Errorf("Stop() on empty ref error = %v", err)
	}
}

func TestProvider_Ping(t *testing.T) {
	vultr := newFakeVultr()
	p := newTestProvider(t, vultr, newFakeRuntime())
	if err := p.Ping(context.Background()); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}

	srv := httptest.NewServer(vultr.handler(t))
	defer srv.Close()
	bad := NewProvider(newTestVultrClient(t, srv.URL, "wrong"), nil, ProviderOptions{Logger: testLogger()})
	err := bad.Ping(context.Background())
	if !errors.Is(err, domain.ErrBackendUnreachable) {
		t.Fatalf("Ping() error = %v, want ErrBackendUnreachable", err)
	}
	if !strings.Contains(err.Error(), "Invalid API token.") {
		t.Errorf("Ping() error %q should carry the api message", err)
	}
}

func TestVMNaming(t *testing.T) {
	if got := vmLabel("u1", "l1"); got != "quicklab-u1-l1" {
		t.Errorf("vmLabel() = %q", got)
	}
	if got := vmHostname("abcdefghijk", ""); got != "lab-abcdefgh" {
		t.Errorf("vmHostname() = %q", got)
	}
}
