package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kavos113/quicklab/lab-manager/domain"
)

const (
	InstanceKeyPrefix = "lab:instance:"
	InstanceTTL       = 300 * time.Second
)

type kvClient interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// Snapshot is the cached view of an instance read by services outside the
// lab manager.
type Snapshot struct {
	ID           string                `json:"id"`
	UserID       string                `json:"user_id"`
	LabID        string                `json:"lab_id"`
	Status       domain.InstanceStatus `json:"status"`
	ErrorMessage string                `json:"error_message,omitempty"`
	Endpoint     domain.Endpoint       `json:"endpoint"`
	Backend      domain.BackendRef     `json:"backend"`
	RestartCount int                   `json:"restart_count"`
	ExpiresAt    time.Time             `json:"expires_at"`
	StartedAt    *time.Time            `json:"started_at,omitempty"`
	UpdatedAt    time.Time             `json:"updated_at"`
}

func NewSnapshot(i *domain.Instance) *Snapshot {
	return &Snapshot{
		ID:           i.ID,
		UserID:       i.UserID,
		LabID:        i.LabID,
		Status:       i.Status,
		ErrorMessage: i.ErrorMessage,
		Endpoint:     i.Endpoint,
		Backend:      i.Backend,
		RestartCount: i.RestartCount,
		ExpiresAt:    i.ExpiresAt,
		StartedAt:    i.StartedAt,
		UpdatedAt:    i.UpdatedAt,
	}
}

type RedisInstanceCache struct {
	client kvClient
	ttl    time.Duration
}

func NewRedisInstanceCache(client *redis.Client) *RedisInstanceCache {
	return newRedisInstanceCache(client)
}

func newRedisInstanceCache(client kvClient) *RedisInstanceCache {
	return &RedisInstanceCache{client: client, ttl: InstanceTTL}
}

func (c *RedisInstanceCache) Put(ctx context.Context, instance *domain.Instance) error {
	data, err := json.Marshal(NewSnapshot(instance))
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	if err := c.client.Set(ctx, InstanceKeyPrefix+instance.ID, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache instance %s: %w", instance.ID, err)
	}
	return nil
}

// Get returns nil, nil when nothing is cached for the id.
func (c *RedisInstanceCache) Get(ctx context.Context, instanceID string) (*Snapshot, error) {
	data, err := c.client.Get(ctx, InstanceKeyPrefix+instanceID).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cached instance %s: %w", instanceID, err)
	}

	var s Snapshot
	if err := json.Unmarshal([]byte(data), &s); err != nil {
		return nil, fmt.Errorf("failed to parse cached instance %s: %w", instanceID, err)
	}
	return &s, nil
}

func (c *RedisInstanceCache) Invalidate(ctx context.Context, instanceID string) error {
	if err := c.client.Del(ctx, InstanceKeyPrefix+instanceID).Err(); err != nil {
		return fmt.Errorf("failed to invalidate instance %s: %w", instanceID, err)
	}
	return nil
}
