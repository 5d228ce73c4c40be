package cloud

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/vultr/govultr/v3"
	"golang.org/x/oauth2"
)

const (
	ProviderVultr = "vultr"

	requestTimeout = 30 * time.Second
)

// ErrVMNotFound is returned when the API answers 404 for a VM.
var ErrVMNotFound = errors.New("vm not found")

type VMConfig struct {
	Region   string   `json:"region"`
	Plan     string   `json:"plan"`
	OSID     int      `json:"os_id"`
	Label    string   `json:"label"`
	Hostname string   `json:"hostname,omitempty"`
	UserData string   `json:"user_data,omitempty"`
	Tags     []string `json:"tags,omitempty"`
}

type VM struct {
	ID           string   `json:"id"`
	MainIP       string   `json:"main_ip"`
	Region       string   `json:"region"`
	Plan         string   `json:"plan"`
	Status       string   `json:"status"`
	PowerStatus  string   `json:"power_status"`
	ServerStatus string   `json:"server_status"`
	Label        string   `json:"label"`
	Tags         []string `json:"tags"`
}

// Ready reports whether the VM finished provisioning and is powered on.
func (vm *VM) Ready() bool {
	return vm.Status == "active" && vm.ServerStatus == "ok" && vm.PowerStatus == "running"
}

type Account struct {
	Name           string  `json:"name"`
	Email          string  `json:"email"`
	Balance        float64 `json:"balance"`
	PendingCharges float64 `json:"pending_charges"`
}

// VultrClient wraps govultr with the calls used to host labs.
type VultrClient struct {
	gv *govultr.Client
}

// NewVultrClient talks to baseURL, or to the public API when it is empty.
func NewVultrClient(baseURL, apiKey string) (*VultrClient, error) {
	hc := oauth2.NewClient(context.Background(), oauth2.StaticTokenSource(&oauth2.Token{AccessToken: apiKey}))
	hc.Timeout = requestTimeout

	gv := govultr.NewClient(hc)
	if baseURL != "" {
		if err := gv.SetBaseURL(baseURL); err != nil {
			return nil, fmt.Errorf("invalid vultr base url: %w", err)
		}
	}
	return &VultrClient{gv: gv}, nil
}

func (c *VultrClient) CreateInstance(ctx context.Context, cfg VMConfig) (*VM, error) {
	inst, _, err := c.gv.Instance.Create(ctx, &govultr.InstanceCreateReq{
		Region:   cfg.Region,
		Plan:     cfg.Plan,
		OsID:     cfg.OSID,
		Label:    cfg.Label,
		Hostname: cfg.Hostname,
		UserData: cfg.UserData,
		Tags:     cfg.Tags,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create instance: %w", err)
	}
	return toVM(inst), nil
}

func (c *VultrClient) GetInstance(ctx context.Context, id string) (*VM, error) {
	inst, resp, err := c.gv.Instance.Get(ctx, id)
	if err != nil {
		if notFound(resp, err) {
			return nil, ErrVMNotFound
		}
		return nil, err
	}
	return toVM(inst), nil
}

func (c *VultrClient) HaltInstance(ctx context.Context, id string) error {
	if err := c.gv.Instance.Halt(ctx, id); err != nil {
		if notFound(nil, err) {
			return ErrVMNotFound
		}
		return err
	}
	return nil
}

// DeleteInstance destroys the VM. A VM that is already gone is not an error.
func (c *VultrClient) DeleteInstance(ctx context.Context, id string) error {
	if err := c.gv.Instance.Delete(ctx, id); err != nil && !notFound(nil, err) {
		return err
	}
	return nil
}

func (c *VultrClient) Account(ctx context.Context) (*Account, error) {
	acct, _, err := c.gv.Account.Get(ctx)
	if err != nil {
		return nil, err
	}
	return &Account{
		Name:           acct.Name,
		Email:          acct.Email,
		Balance:        float64(acct.Balance),
		PendingCharges: float64(acct.PendingCharges),
	}, nil
}

// notFound recognises a 404 either from the response or from the error body,
// which carries the API's status field.
func notFound(resp *http.Response, err error) bool {
	if err == nil {
		return false
	}
	if resp != nil && resp.StatusCode == http.StatusNotFound {
		return true
	}
	return strings.Contains(err.Error(), `"status":404`)
}

func toVM(inst *govultr.Instance) *VM {
	if inst == nil {
		return &VM{}
	}
	return &VM{
		ID:           inst.ID,
		MainIP:       inst.MainIP,
		Region:       inst.Region,
		Plan:         inst.Plan,
		Status:       inst.Status,
		PowerStatus:  inst.PowerStatus,
		ServerStatus: inst.ServerStatus,
		Label:        inst.Label,
		Tags:         inst.Tags,
	}
}
