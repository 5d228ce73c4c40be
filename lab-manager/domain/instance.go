package domain

import (
	"fmt"
	"time"
)

// InstanceStatus is the lifecycle state of a lab instance.
//
//	starting -> running -> stopping -> stopped
//	running|stopping|stopped|error -> starting  (restart / reset)
//	any -> error                               (backend reports the unit gone)
type InstanceStatus string

const (
	StatusStarting InstanceStatus = "starting"
	StatusRunning  InstanceStatus = "running"
	StatusStopping InstanceStatus = "stopping"
	StatusStopped  InstanceStatus = "stopped"
	StatusError    InstanceStatus = "error"
)

var instanceTransitions = map[InstanceStatus][]InstanceStatus{
	StatusStarting: {StatusRunning, StatusStopping, StatusStopped, StatusError},
	StatusRunning:  {StatusStopping, StatusStopped, StatusStarting, StatusError},
	StatusStopping: {StatusStopped, StatusStarting, StatusError},
	StatusStopped:  {StatusStarting},
	StatusError:    {StatusStarting},
}

func ParseInstanceStatus(s string) (InstanceStatus, error) {
	status := InstanceStatus(s)
	if _, ok := instanceTransitions[status]; !ok {
		return "", fmt.Errorf("unknown instance status %q", s)
	}
	return status, nil
}

// IsTerminal reports whether automatic transitions are finished for the status.
func (s InstanceStatus) IsTerminal() bool {
	return s == StatusStopped || s == StatusError
}

// IsActive reports whether the status counts against quota.
func (s InstanceStatus) IsActive() bool {
	return s == StatusStarting || s == StatusRunning
}

func (s InstanceStatus) CanTransitionTo(next InstanceStatus) bool {
	for _, allowed := range instanceTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

type PortMapping struct {
	Container int `json:"container" yaml:"container"`
	Host      int `json:"host,omitempty" yaml:"host,omitempty"`
}

// BackendRef links an instance to the unit a backend created for it. Cloud
// instances carry both the VM reference and the container running on it.
type BackendRef struct {
	ContainerID     string `json:"container_id,omitempty"`
	ContainerName   string `json:"container_name,omitempty"`
	CloudInstanceID string `json:"cloud_instance_id,omitempty"`
	CloudProvider   string `json:"cloud_provider,omitempty"`
	Region          string `json:"region,omitempty"`
	Plan            string `json:"plan,omitempty"`
}

func (r BackendRef) IsZero() bool {
	return r.ContainerID == "" && r.CloudInstanceID == ""
}

// Key identifies the backend unit regardless of variant.
func (r BackendRef) Key() string {
	if r.CloudInstanceID != "" {
		return r.CloudInstanceID
	}
	return r.ContainerID
}

type Endpoint struct {
	Host  string        `json:"host"`
	Ports []PortMapping `json:"ports"`
	URL   string        `json:"url,omitempty"`
}

func NewEndpoint(host string, ports []PortMapping) Endpoint {
	ep := Endpoint{Host: host, Ports: ports}
	if host != "" && len(ports) > 0 {
		port := ports[0].Host
		if port == 0 {
			port = ports[0].Container
		}
		ep.URL = fmt.Sprintf("http://%s:%d", host, port)
	}
	return ep
}

type Instance struct {
	ID           string
	UserID       string
	LabID        string
	Backend      BackendRef
	Endpoint     Endpoint
	Status       InstanceStatus
	ErrorMessage string
	Duration     time.Duration
	RestartCount int
	AutoCleanup  bool
	CreatedAt    time.Time
	StartedAt    *time.Time
	StoppedAt    *time.Time
	ExpiresAt    time.Time
	UpdatedAt    time.Time
}

func (i *Instance) IsExpired(now time.Time) bool {
	return now.After(i.ExpiresAt)
}

func (i *Instance) IsOwnedBy(userID string) bool {
	return i.UserID == userID
}

// TimeRemaining is zero once the instance has expired.
func (i *Instance) TimeRemaining(now time.Time) time.Duration {
	if i.IsExpired(now) {
		return 0
	}
	return i.ExpiresAt.Sub(now)
}

// Transition moves the instance to next, stamping the timestamps that belong
// to the target state.
func (i *Instance) Transition(next InstanceStatus, now time.Time) error {
	if i.Status != next && !i.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, i.Status, next)
	}
	i.Status = next
	i.UpdatedAt = now
	switch next {
	case StatusRunning:
		i.StartedAt = &now
		i.StoppedAt = nil
		i.ErrorMessage = ""
	case StatusStopped:
		i.StoppedAt = &now
	case StatusStarting:
		i.ErrorMessage = ""
	}
	return nil
}

// Fail moves the instance to error with a human readable reason.
func (i *Instance) Fail(message string, now time.Time) {
	i.Status = StatusError
	i.ErrorMessage = message
	i.UpdatedAt = now
}

// ExtendExpiry pushes ExpiresAt to now+Duration, never earlier than the
// current value.
func (i *Instance) ExtendExpiry(now time.Time) {
	next := now.Add(i.Duration)
	if next.After(i.ExpiresAt) {
		i.ExpiresAt = next
	}
}

// Clone returns a deep copy so callers can mutate without aliasing stored state.
func (i *Instance) Clone() *Instance {
	c := *i
	if i.StartedAt != nil {
		t := *i.StartedAt
		c.StartedAt = &t
	}
	if i.StoppedAt != nil {
		t := *i.StoppedAt
		c.StoppedAt = &t
	}
	if i.Endpoint.Ports != nil {
		c.Endpoint.Ports = append([]PortMapping(nil), i.Endpoint.Ports...)
	}
	return &c
}

type UserStats struct {
	Total    int
	Active   int
	ByStatus map[InstanceStatus]int
}
