package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kavos113/quicklab/lab-manager/domain"
	"github.com/kavos113/quicklab/lib/logger"
)

const (
	TracerName = "quicklab/lifecycle"

	DefaultMaxInstancesPerUser = 5

	teardownTimeout = 2 * time.Minute
)

type Options struct {
	// MaxInstancesPerUser caps active instances of one user across labs.
	// Zero disables the check.
	MaxInstancesPerUser int
	// MaxGlobalInstances caps active instances of the whole deployment.
	// Zero disables the check.
	MaxGlobalInstances int

	Cache  domain.InstanceCache
	Logger *slog.Logger
	Now    func() time.Time
	NewID  func() string
}

// LifecycleManager drives lab instances through their state machine. It is
// the only writer of full instance records.
type LifecycleManager struct {
	repo    domain.InstanceRepository
	catalog domain.LabCatalog
	backend domain.Backend
	cache   domain.InstanceCache

	maxPerUser int
	maxGlobal  int

	logger *slog.Logger
	tracer trace.Tracer
	now    func() time.Time
	newID  func() string

	instanceLocks sync.Map
	userLocks     sync.Map
}

func NewLifecycleManager(repo domain.InstanceRepository, catalog domain.LabCatalog, backend domain.Backend, opts Options) *LifecycleManager {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	newID := opts.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	return &LifecycleManager{
		repo:       repo,
		catalog:    catalog,
		backend:    backend,
		cache:      opts.Cache,
		maxPerUser: opts.MaxInstancesPerUser,
		maxGlobal:  opts.MaxGlobalInstances,
		logger:     logger.Ensure(opts.Logger).With("component", "lifecycle"),
		tracer:     otel.Tracer(TracerName),
		now:        now,
		newID:      newID,
	}
}

// StartInstance provisions a new instance of labID for userID. Nothing is
// persisted unless the backend reports the unit ready.
func (m *LifecycleManager) StartInstance(ctx context.Context, userID, labID string, override *time.Duration) (_ *domain.Instance, err error) {
	ctx, span := m.tracer.Start(ctx, "StartInstance", trace.WithAttributes(
		attribute.String("user.id", userID),
		attribute.String("lab.id", labID),
	))
	defer func() { endSpan(span, err) }()

	lab, err := m.catalog.FindLabByID(ctx, labID)
	if err != nil {
		return nil, err
	}
	if !lab.IsActive {
		return nil, fmt.Errorf("lab %s: %w", labID, domain.ErrLabInactive)
	}

	unlock := m.lockUser(userID)
	defer unlock()

	if err := m.checkQuota(ctx, userID, lab); err != nil {
		return nil, err
	}

	duration := lab.EffectiveDuration(override)
	instanceID := m.newID()
	span.SetAttributes(attribute.String("instance.id", instanceID))

	prov, err := m.backend.Create(ctx, domain.CreateRequest{
		InstanceID: instanceID,
		UserID:     userID,
		LabID:      lab.ID,
		LabName:    lab.Name,
		Blueprint:  lab.Blueprint,
	})
	if err != nil {
		m.logger.Error("failed to provision instance", "instance_id", instanceID, "user_id", userID, "lab_id", labID, "error", err)
		return nil, provisionError(err)
	}

	now := m.now()
	instance := &domain.Instance{
		ID:          instanceID,
		UserID:      userID,
		LabID:       lab.ID,
		Backend:     prov.Ref,
		Endpoint:    prov.Endpoint,
		Status:      domain.StatusRunning,
		Duration:    duration,
		AutoCleanup: true,
		CreatedAt:   now,
		StartedAt:   &now,
		ExpiresAt:   now.Add(duration),
		UpdatedAt:   now,
	}

	if err := m.repo.Create(ctx, instance); err != nil {
		m.teardown(ctx, instance.ID, instance.Backend)
		return nil, fmt.Errorf("failed to save instance: %w", err)
	}

	m.cachePut(ctx, instance)
	m.logger.Info("instance started",
		"instance_id", instance.ID,
		"user_id", userID,
		"lab_id", lab.ID,
		"backend_ref", instance.Backend.Key(),
		"expires_at", instance.ExpiresAt,
	)

	return instance.Clone(), nil
}

// StopInstance stops and removes the backend unit. Backend failures are
// logged and the instance is still recorded as stopped.
func (m *LifecycleManager) StopInstance(ctx context.Context, instanceID, userID string) (_ *domain.Instance, err error) {
	ctx, span := m.tracer.Start(ctx, "StopInstance", trace.WithAttributes(
		attribute.String("instance.id", instanceID),
		attribute.String("user.id", userID),
	))
	defer func() { endSpan(span, err) }()

	if _, err := m.loadOwned(ctx, instanceID, userID); err != nil {
		return nil, err
	}

	unlock, err := m.lockInstance(instanceID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	instance, err := m.loadOwned(ctx, instanceID, userID)
	if err != nil {
		return nil, err
	}
	return m.stopLocked(ctx, instance)
}

// ForceStop applies stop semantics without an ownership check. Cleanup and
// administrators use it.
func (m *LifecycleManager) ForceStop(ctx context.Context, instanceID string) (_ *domain.Instance, err error) {
	ctx, span := m.tracer.Start(ctx, "ForceStop", trace.WithAttributes(
		attribute.String("instance.id", instanceID),
	))
	defer func() { endSpan(span, err) }()

	unlock, err := m.lockInstance(instanceID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	instance, err := m.repo.FindByID(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	return m.stopLocked(ctx, instance)
}

func (m *LifecycleManager) stopLocked(ctx context.Context, instance *domain.Instance) (*domain.Instance, error) {
	switch instance.Status {
	case domain.StatusStopped:
		return instance.Clone(), nil
	case domain.StatusError:
		return nil, fmt.Errorf("instance %s is in error state: %w", instance.ID, domain.ErrInvalidTransition)
	}

	if err := instance.Transition(domain.StatusStopping, m.now()); err != nil {
		return nil, err
	}
	if err := m.repo.Update(ctx, instance); err != nil {
		return nil, fmt.Errorf("failed to save instance: %w", err)
	}

	m.teardown(ctx, instance.ID, instance.Backend)

	if err := instance.Transition(domain.StatusStopped, m.now()); err != nil {
		return nil, err
	}
	if err := m.repo.Update(ctx, instance); err != nil {
		return nil, fmt.Errorf("failed to save instance: %w", err)
	}

	m.cacheInvalidate(ctx, instance.ID)
	m.logger.Info("instance stopped", "instance_id", instance.ID, "user_id", instance.UserID, "lab_id", instance.LabID)

	return instance.Clone(), nil
}

// RestartInstance replaces the backend unit with a fresh one from the same
// blueprint and extends the expiry.
func (m *LifecycleManager) RestartInstance(ctx context.Context, instanceID, userID string) (*domain.Instance, error) {
	return m.recycle(ctx, "RestartInstance", instanceID, userID, false)
}

// ResetInstance is a restart meant to discard learner changes. Unlike
// RestartInstance it also recovers instances in the error state.
func (m *LifecycleManager) ResetInstance(ctx context.Context, instanceID, userID string) (*domain.Instance, error) {
	return m.recycle(ctx, "ResetInstance", instanceID, userID, true)
}

func (m *LifecycleManager) recycle(ctx context.Context, op, instanceID, userID string, fromError bool) (_ *domain.Instance, err error) {
	ctx, span := m.tracer.Start(ctx, op, trace.WithAttributes(
		attribute.String("instance.id", instanceID),
		attribute.String("user.id", userID),
	))
	defer func() { endSpan(span, err) }()

	if _, err := m.loadOwned(ctx, instanceID, userID); err != nil {
		return nil, err
	}

	unlock, err := m.lockInstance(instanceID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	instance, err := m.loadOwned(ctx, instanceID, userID)
	if err != nil {
		return nil, err
	}

	switch instance.Status {
	case domain.StatusStarting:
		return nil, fmt.Errorf("instance %s is starting: %w", instance.ID, domain.ErrInvalidTransition)
	case domain.StatusError:
		if !fromError {
			return nil, fmt.Errorf("instance %s is in error state, reset it instead: %w", instance.ID, domain.ErrInvalidTransition)
		}
	}

	lab, err := m.catalog.FindLabByID(ctx, instance.LabID)
	if err != nil {
		return nil, err
	}

	// A terminal instance is not counted against quota, so bringing it back
	// needs the same checks as a new start.
	if instance.Status.IsTerminal() {
		unlockUser := m.lockUser(userID)
		defer unlockUser()
		if err := m.checkQuota(ctx, userID, lab); err != nil {
			return nil, err
		}
	}

	if instance.Duration <= 0 {
		instance.Duration = lab.EffectiveDuration(nil)
	}

	old := instance.Backend
	if err := instance.Transition(domain.StatusStarting, m.now()); err != nil {
		return nil, err
	}
	if err := m.repo.Update(ctx, instance); err != nil {
		return nil, fmt.Errorf("failed to save instance: %w", err)
	}

	m.teardown(ctx, instance.ID, old)

	prov, err := m.backend.Create(ctx, domain.CreateRequest{
		InstanceID: instance.ID,
		UserID:     instance.UserID,
		LabID:      lab.ID,
		LabName:    lab.Name,
		Blueprint:  lab.Blueprint,
	})
	if err != nil {
		err = provisionError(err)
		instance.Backend = domain.BackendRef{}
		instance.Endpoint = domain.Endpoint{}
		instance.Fail(err.Error(), m.now())
		if uerr := m.repo.Update(ctx, instance); uerr != nil {
			m.logger.Error("failed to record provisioning failure", "instance_id", instance.ID, "error", uerr)
		}
		m.cachePut(ctx, instance)
		m.logger.Error("failed to reprovision instance", "instance_id", instance.ID, "operation", op, "error", err)
		return nil, err
	}

	now := m.now()
	instance.Backend = prov.Ref
	instance.Endpoint = prov.Endpoint
	instance.RestartCount++
	if err := instance.Transition(domain.StatusRunning, now); err != nil {
		return nil, err
	}
	instance.ExtendExpiry(now)

	if err := m.repo.Update(ctx, instance); err != nil {
		m.teardown(ctx, instance.ID, instance.Backend)
		return nil, fmt.Errorf("failed to save instance: %w", err)
	}

	m.cachePut(ctx, instance)
	m.logger.Info("instance reprovisioned",
		"instance_id", instance.ID,
		"operation", op,
		"restart_count", instance.RestartCount,
		"expires_at", instance.ExpiresAt,
	)

	return instance.Clone(), nil
}

func (m *LifecycleManager) GetInstance(ctx context.Context, instanceID, userID string) (_ *domain.Instance, err error) {
	ctx, span := m.tracer.Start(ctx, "GetInstance", trace.WithAttributes(
		attribute.String("instance.id", instanceID),
		attribute.String("user.id", userID),
	))
	defer func() { endSpan(span, err) }()

	instance, err := m.loadOwned(ctx, instanceID, userID)
	if err != nil {
		return nil, err
	}
	return instance.Clone(), nil
}

// ListInstances returns the user's instances, newest first.
func (m *LifecycleManager) ListInstances(ctx context.Context, userID string) ([]*domain.Instance, error) {
	instances, err := m.repo.FindByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}
	return instances, nil
}

func (m *LifecycleManager) GetUserStats(ctx context.Context, userID string) (*domain.UserStats, error) {
	instances, err := m.repo.FindByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}

	stats := &domain.UserStats{ByStatus: make(map[domain.InstanceStatus]int)}
	for _, instance := range instances {
		stats.Total++
		stats.ByStatus[instance.Status]++
		if instance.Status.IsActive() {
			stats.Active++
		}
	}
	return stats, nil
}

func (m *LifecycleManager) loadOwned(ctx context.Context, instanceID, userID string) (*domain.Instance, error) {
	instance, err := m.repo.FindByID(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if !instance.IsOwnedBy(userID) {
		return nil, fmt.Errorf("instance %s: %w", instanceID, domain.ErrNotFound)
	}
	return instance, nil
}

func (m *LifecycleManager) checkQuota(ctx context.Context, userID string, lab *domain.Lab) error {
	perLab, err := m.repo.CountActiveByUserAndLab(ctx, userID, lab.ID)
	if err != nil {
		return fmt.Errorf("failed to count instances: %w", err)
	}
	if perLab >= lab.InstanceCap() {
		return fmt.Errorf("%w: at most %d active instances of lab %s per user", domain.ErrQuotaExceeded, lab.InstanceCap(), lab.ID)
	}

	if m.maxPerUser > 0 {
		perUser, err := m.repo.CountActiveByUser(ctx, userID)
		if err != nil {
			return fmt.Errorf("failed to count instances: %w", err)
		}
		if perUser >= m.maxPerUser {
			return fmt.Errorf("%w: at most %d active instances per user", domain.ErrQuotaExceeded, m.maxPerUser)
		}
	}

	if m.maxGlobal > 0 {
		total, err := m.repo.CountActive(ctx)
		if err != nil {
			return fmt.Errorf("failed to count instances: %w", err)
		}
		if total >= m.maxGlobal {
			return fmt.Errorf("%w, try again later", domain.ErrCapacityExceeded)
		}
	}
	return nil
}

// teardown stops then removes a backend unit. Both steps are best effort and
// run even if the caller's context is already cancelled.
func (m *LifecycleManager) teardown(ctx context.Context, instanceID string, ref domain.BackendRef) {
	if ref.IsZero() {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
	defer cancel()

	if err := m.backend.Stop(ctx, ref); err != nil {
		m.logger.Warn("failed to stop backend unit, removing anyway", "instance_id", instanceID, "backend_ref", ref.Key(), "error", err)
	}
	if err := m.backend.Remove(ctx, ref); err != nil {
		m.logger.Error("failed to remove backend unit", "instance_id", instanceID, "backend_ref", ref.Key(), "error", err)
	}
}

// lockInstance fails fast when another operation holds the instance.
func (m *LifecycleManager) lockInstance(instanceID string) (func(), error) {
	v, _ := m.instanceLocks.LoadOrStore(instanceID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	if !mu.TryLock() {
		return nil, fmt.Errorf("instance %s: %w", instanceID, domain.ErrInstanceBusy)
	}
	return mu.Unlock, nil
}

// lockUser serializes quota checks of one user with the writes they guard.
func (m *LifecycleManager) lockUser(userID string) func() {
	v, _ := m.userLocks.LoadOrStore(userID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (m *LifecycleManager) cachePut(ctx context.Context, instance *domain.Instance) {
	if m.cache == nil {
		return
	}
	if err := m.cache.Put(ctx, instance); err != nil {
		m.logger.Warn("failed to cache instance", "instance_id", instance.ID, "error", err)
	}
}

func (m *LifecycleManager) cacheInvalidate(ctx context.Context, instanceID string) {
	if m.cache == nil {
		return
	}
	if err := m.cache.Invalidate(ctx, instanceID); err != nil {
		m.logger.Warn("failed to invalidate cached instance", "instance_id", instanceID, "error", err)
	}
}

func provisionError(err error) error {
	if errors.Is(err, domain.ErrProvisionFailed) {
		return err
	}
	return fmt.Errorf("%w: %v", domain.ErrProvisionFailed, err)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
