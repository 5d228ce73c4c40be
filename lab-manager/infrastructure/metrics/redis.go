package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kavos113/quicklab/lab-manager/domain"
)

const (
	KeyPrefix = "metrics:"
	RecordTTL = 24 * time.Hour
)

type kvClient interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
}

// RedisStore keeps each run record for a day and the latest run per job
// indefinitely.
type RedisStore struct {
	client kvClient
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func runKey(job string, startedAt time.Time) string {
	return fmt.Sprintf("%s%s:%d", KeyPrefix, job, startedAt.UnixMilli())
}

func latestKey(job string) string {
	return KeyPrefix + job + ":latest"
}

func (s *RedisStore) Publish(ctx context.Context, m *domain.RunMetrics) error {
	data, err := json.Marshal(m.Fields())
	if err != nil {
		return fmt.Errorf("failed to marshal metrics: %w", err)
	}

	if err := s.client.Set(ctx, runKey(m.Job, m.StartedAt), data, RecordTTL).Err(); err != nil {
		return fmt.Errorf("failed to store metrics: %w", err)
	}
	if err := s.client.Set(ctx, latestKey(m.Job), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to store latest metrics: %w", err)
	}
	return nil
}

// Latest returns the most recent record of job, or nil when the job has not
// run yet.
func (s *RedisStore) Latest(ctx context.Context, job string) (map[string]any, error) {
	data, err := s.client.Get(ctx, latestKey(job)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest metrics: %w", err)
	}

	var record map[string]any
	if err := json.Unmarshal([]byte(data), &record); err != nil {
		return nil, fmt.Errorf("failed to parse metrics: %w", err)
	}
	return record, nil
}
