// Package mock provides in-memory implementations of the domain ports for
// tests.
package mock

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/kavos113/quicklab/lab-manager/domain"
)

type InstanceRepository struct {
	mu        sync.RWMutex
	instances map[string]*domain.Instance

	// Err, when set, is returned by every method.
	Err       error
	CreateErr error
	UpdateErr error

	Updates int
}

func NewInstanceRepository(instances ...*domain.Instance) *InstanceRepository {
	r := &InstanceRepository{instances: make(map[string]*domain.Instance)}
	for _, i := range instances {
		r.instances[i.ID] = i.Clone()
	}
	return r
}

func (r *InstanceRepository) Create(_ context.Context, instance *domain.Instance) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	if r.CreateErr != nil {
		return r.CreateErr
	}
	if _, ok := r.instances[instance.ID]; ok {
		return fmt.Errorf("instance %s already exists", instance.ID)
	}
	r.instances[instance.ID] = instance.Clone()
	return nil
}

func (r *InstanceRepository) FindByID(_ context.Context, instanceID string) (*domain.Instance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.Err != nil {
		return nil, r.Err
	}
	i, ok := r.instances[instanceID]
	if !ok {
		return nil, fmt.Errorf("instance %s: %w", instanceID, domain.ErrNotFound)
	}
	return i.Clone(), nil
}

func (r *InstanceRepository) Update(_ context.Context, instance *domain.Instance) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	if r.UpdateErr != nil {
		return r.UpdateErr
	}
	if _, ok := r.instances[instance.ID]; !ok {
		return fmt.Errorf("instance %s: %w", instance.ID, domain.ErrNotFound)
	}
	r.instances[instance.ID] = instance.Clone()
	r.Updates++
	return nil
}

func (r *InstanceRepository) CompareAndSetStatus(_ context.Context, change domain.StatusChange) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	i, ok := r.instances[change.InstanceID]
	if !ok || i.Status != change.From || i.Backend.Key() != change.BackendKey {
		return fmt.Errorf("instance %s: %w", change.InstanceID, domain.ErrStaleWrite)
	}

	at := change.At
	i.Status = change.To
	i.UpdatedAt = at
	switch change.To {
	case domain.StatusStopped:
		i.StoppedAt = &at
	case domain.StatusError:
		i.ErrorMessage = change.ErrorMessage
	}
	return nil
}

func (r *InstanceRepository) filter(keep func(*domain.Instance) bool) ([]*domain.Instance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.Err != nil {
		return nil, r.Err
	}
	var out []*domain.Instance
	for _, i := range r.instances {
		if keep(i) {
			out = append(out, i.Clone())
		}
	}
	slices.SortFunc(out, func(a, b *domain.Instance) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

func (r *InstanceRepository) FindByUser(_ context.Context, userID string) ([]*domain.Instance, error) {
	out, err := r.filter(func(i *domain.Instance) bool { return i.UserID == userID })
	slices.Reverse(out)
	return out, err
}

func (r *InstanceRepository) FindByStatus(_ context.Context, status domain.InstanceStatus) ([]*domain.Instance, error) {
	return r.filter(func(i *domain.Instance) bool { return i.Status == status })
}

func (r *InstanceRepository) FindExpired(_ context.Context, now time.Time) ([]*domain.Instance, error) {
	return r.filter(func(i *domain.Instance) bool {
		return i.AutoCleanup && i.ExpiresAt.Before(now) && !i.Status.IsTerminal()
	})
}

func (r *InstanceRepository) FindStale(_ context.Context, cutoff time.Time) ([]*domain.Instance, error) {
	return r.filter(func(i *domain.Instance) bool {
		return (i.Status == domain.StatusStarting || i.Status == domain.StatusStopping) && i.UpdatedAt.Before(cutoff)
	})
}

func (r *InstanceRepository) count(keep func(*domain.Instance) bool) (int, error) {
	out, err := r.filter(keep)
	return len(out), err
}

func (r *InstanceRepository) CountActiveByUserAndLab(_ context.Context, userID, labID string) (int, error) {
	return r.count(func(i *domain.Instance) bool {
		return i.UserID == userID && i.LabID == labID && i.Status.IsActive()
	})
}

func (r *InstanceRepository) CountActiveByUser(_ context.Context, userID string) (int, error) {
	return r.count(func(i *domain.Instance) bool { return i.UserID == userID && i.Status.IsActive() })
}

func (r *InstanceRepository) CountActive(context.Context) (int, error) {
	return r.count(func(i *domain.Instance) bool { return i.Status.IsActive() })
}

// Get returns the stored record without going through the port, or nil.
func (r *InstanceRepository) Get(instanceID string) *domain.Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if i, ok := r.instances[instanceID]; ok {
		return i.Clone()
	}
	return nil
}

// Put stores instance as is, bypassing the port.
func (r *InstanceRepository) Put(instance *domain.Instance) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.instances[instance.ID] = instance.Clone()
}

type ScanRepository struct {
	mu    sync.Mutex
	scans map[string]*domain.Scan

	Err error
}

func NewScanRepository(scans ...*domain.Scan) *ScanRepository {
	r := &ScanRepository{scans: make(map[string]*domain.Scan)}
	for _, s := range scans {
		c := *s
		r.scans[s.ID] = &c
	}
	return r
}

func (r *ScanRepository) FindByID(_ context.Context, scanID string) (*domain.Scan, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.scans[scanID]
	if !ok {
		return nil, fmt.Errorf("scan %s: %w", scanID, domain.ErrNotFound)
	}
	c := *s
	return &c, nil
}

func (r *ScanRepository) CountByStatus(_ context.Context, status domain.ScanStatus) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return 0, r.Err
	}
	n := 0
	for _, s := range r.scans {
		if s.Status == status {
			n++
		}
	}
	return n, nil
}

func (r *ScanRepository) sorted(keep func(*domain.Scan) bool) []*domain.Scan {
	var out []*domain.Scan
	for _, s := range r.scans {
		if keep(s) {
			c := *s
			out = append(out, &c)
		}
	}
	slices.SortFunc(out, func(a, b *domain.Scan) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out
}

func (r *ScanRepository) FindPending(_ context.Context, limit int) ([]*domain.Scan, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return nil, r.Err
	}
	out := r.sorted(func(s *domain.Scan) bool { return s.Status == domain.ScanPending })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *ScanRepository) FindStuck(_ context.Context, cutoff time.Time) ([]*domain.Scan, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return nil, r.Err
	}
	return r.sorted(func(s *domain.Scan) bool { return s.IsStuck(cutoff) }), nil
}

func (r *ScanRepository) MarkRunning(_ context.Context, scanID string, startedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.scans[scanID]
	if !ok || s.Status != domain.ScanPending {
		return fmt.Errorf("scan %s: %w", scanID, domain.ErrStaleWrite)
	}
	s.Status = domain.ScanRunning
	s.StartedAt = &startedAt
	return nil
}

func (r *ScanRepository) MarkFailed(_ context.Context, scanID, message string, completedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.scans[scanID]
	if !ok || s.Status != domain.ScanRunning {
		return fmt.Errorf("scan %s: %w", scanID, domain.ErrStaleWrite)
	}
	s.Status = domain.ScanFailed
	s.ErrorMessage = message
	s.CompletedAt = &completedAt
	return nil
}

type Catalog struct {
	Labs map[string]*domain.Lab
}

func NewCatalog(labs ...*domain.Lab) *Catalog {
	c := &Catalog{Labs: make(map[string]*domain.Lab)}
	for _, l := range labs {
		c.Labs[l.ID] = l
	}
	return c
}

func (c *Catalog) FindLabByID(_ context.Context, labID string) (*domain.Lab, error) {
	l, ok := c.Labs[labID]
	if !ok {
		return nil, fmt.Errorf("lab %s: %w", labID, domain.ErrNotFound)
	}
	copied := *l
	return &copied, nil
}

type Cache struct {
	mu          sync.Mutex
	Snapshots   map[string]domain.InstanceStatus
	Invalidated []string
	Err         error
}

func NewCache() *Cache {
	return &Cache{Snapshots: make(map[string]domain.InstanceStatus)}
}

func (c *Cache) Put(_ context.Context, instance *domain.Instance) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return c.Err
	}
	c.Snapshots[instance.ID] = instance.Status
	return nil
}

func (c *Cache) Invalidate(_ context.Context, instanceID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return c.Err
	}
	delete(c.Snapshots, instanceID)
	c.Invalidated = append(c.Invalidated, instanceID)
	return nil
}
