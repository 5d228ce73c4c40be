package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kavos113/quicklab/lab-manager/domain"
)

const ScanQueueKey = "scan:queue"

type listClient interface {
	RPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	BLPop(ctx context.Context, timeout time.Duration, keys ...string) *redis.StringSliceCmd
	LLen(ctx context.Context, key string) *redis.IntCmd
}

// ScanDispatcher hands admitted scans to the external scanner workers through
// a Redis list.
type ScanDispatcher struct {
	client listClient
	now    func() time.Time
}

func NewScanDispatcher(client *redis.Client) *ScanDispatcher {
	return newScanDispatcher(client)
}

func newScanDispatcher(client listClient) *ScanDispatcher {
	return &ScanDispatcher{client: client, now: time.Now}
}

// Execute enqueues the scan. It returns once the job is queued, not when the
// scan finishes.
func (d *ScanDispatcher) Execute(ctx context.Context, scan *domain.Scan) error {
	data, err := domain.NewScanJob(scan, d.now().UTC()).ToJSON()
	if err != nil {
		return fmt.Errorf("failed to marshal scan job: %w", err)
	}

	if err := d.client.RPush(ctx, ScanQueueKey, data).Err(); err != nil {
		return fmt.Errorf("failed to enqueue scan %s: %w", scan.ID, err)
	}
	return nil
}

// Dequeue blocks up to timeout for the next job. It returns nil, nil when the
// queue stayed empty.
func (d *ScanDispatcher) Dequeue(ctx context.Context, timeout time.Duration) (*domain.ScanJob, error) {
	result, err := d.client.BLPop(ctx, timeout, ScanQueueKey).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue scan job: %w", err)
	}

	if len(result) < 2 {
		return nil, fmt.Errorf("unexpected result format")
	}

	return domain.ParseScanJob([]byte(result[1]))
}

// Depth is the number of jobs waiting for a worker.
func (d *ScanDispatcher) Depth(ctx context.Context) (int64, error) {
	n, err := d.client.LLen(ctx, ScanQueueKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read queue depth: %w", err)
	}
	return n, nil
}
