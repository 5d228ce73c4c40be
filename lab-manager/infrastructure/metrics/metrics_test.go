package metrics

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"

	"github.com/kavos113/quicklab/lab-manager/domain"
)

func sampleRun() *domain.RunMetrics {
	return &domain.RunMetrics{
		Job:       domain.JobMonitoring,
		RunID:     "run-1",
		StartedAt: time.Date(2026, 3, 1, 12, 30, 5, 0, time.UTC),
		Duration:  1500 * time.Millisecond,
		Counts:    map[string]int{"total": 4, "synced": 3, "errored": 1},
	}
}

type fakeKV struct {
	values map[string]string
	ttls   map[string]time.Duration
	err    error
}

func (f *fakeKV) Set(_ context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	if f.err != nil {
		return redis.NewStatusResult("", f.err)
	}
	f.values[key] = string(value.([]byte))
	f.ttls[key] = expiration
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeKV) Get(_ context.Context, key string) *redis.StringCmd {
	v, ok := f.values[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func TestRedisStore(t *testing.T) {
	kv := &fakeKV{values: map[string]string{}, ttls: map[string]time.Duration{}}
	store := &RedisStore{client: kv}
	ctx := context.Background()

	latest, err := store.Latest(ctx, domain.JobMonitoring)
	if err != nil || latest != nil {
		t.Fatalf("Latest() before any run = %v, %v", latest, err)
	}

	m := sampleRun()
	if err := store.Publish(ctx, m); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	runKey := "metrics:monitoring:1772368205000"
	if _, ok := kv.values[runKey]; !ok {
		t.Fatalf("run record missing, keys = %v", kv.values)
	}
	if kv.ttls[runKey] != 24*time.Hour {
		t.Errorf("run ttl = %s", kv.ttls[runKey])
	}
	if kv.ttls["metrics:monitoring:latest"] != 0 {
		t.Errorf("latest ttl = %s", kv.ttls["metrics:monitoring:latest"])
	}

	latest, err = store.Latest(ctx, domain.JobMonitoring)
	if err != nil {
		t.Fatalf("Latest() error = %v", err)
	}
	if latest["synced"] != float64(3) || latest["duration_ms"] != float64(1500) || latest["run_id"] != "run-1" {
		t.Errorf("Latest() = %v", latest)
	}
}

type fakeS3 struct {
	bucketExists bool
	created      []string
	objects      map[string][]byte
	types        map[string]string
}

func (f *fakeS3) HeadBucket(_ context.Context, _ *s3.HeadBucketInput, _ ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	if !f.bucketExists {
		return nil, errors.New("NotFound")
	}
	return &s3.HeadBucketOutput{}, nil
}

func (f *fakeS3) CreateBucket(_ context.Context, in *s3.CreateBucketInput, _ ...func(*s3.Options)) (*s3.CreateBucketOutput, error) {
	f.created = append(f.created, *in.Bucket)
	f.bucketExists = true
	return &s3.CreateBucketOutput{}, nil
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[*in.Key] = data
	f.types[*in.Key] = *in.ContentType
	return &s3.PutObjectOutput{}, nil
}

func TestS3Archive(t *testing.T) {
	fake := &fakeS3{objects: map[string][]byte{}, types: map[string]string{}}
	archive := &S3Archive{client: fake, bucketName: "lab-metrics"}
	ctx := context.Background()

	if err := archive.ensureBucketExists(ctx); err != nil {
		t.Fatalf("ensureBucketExists() error = %v", err)
	}
	if err := archive.ensureBucketExists(ctx); err != nil {
		t.Fatalf("ensureBucketExists() error = %v", err)
	}
	if len(fake.created) != 1 || fake.created[0] != "lab-metrics" {
		t.Errorf("created buckets = %v", fake.created)
	}

	if err := archive.Publish(ctx, sampleRun()); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	key := "runs/monitoring/2026-03-01/123005-run-1.json"
	data, ok := fake.objects[key]
	if !ok {
		t.Fatalf("object %s missing, have %v", key, fake.objects)
	}
	if fake.types[key] != "application/json" {
		t.Errorf("content type = %q", fake.types[key])
	}
	var record map[string]any
	if err := json.Unmarshal(data, &record); err != nil {
		t.Fatalf("archived record is not json: %v", err)
	}
	if record["errored"] != float64(1) {
		t.Errorf("record = %v", record)
	}
}

func TestPrometheus(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewPrometheus(reg)
	ctx := context.Background()

	m := sampleRun()
	if err := p.Publish(ctx, m); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	m.Counts["synced"] = 1
	if err := p.Publish(ctx, m); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	if got := testutil.ToFloat64(p.runs.WithLabelValues("monitoring")); got != 2 {
		t.Errorf("runs_total = %v, want 2", got)
	}
	if got := testutil.ToFloat64(p.counts.WithLabelValues("monitoring", "synced")); got != 1 {
		t.Errorf("last_run_items{synced} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(p.items.WithLabelValues("monitoring", "synced")); got != 4 {
		t.Errorf("items_total{synced} = %v, want 4", got)
	}
}

type fakeNATS struct {
	subjects []string
	payloads [][]byte
	closed   bool
}

func (f *fakeNATS) Publish(subject string, data []byte) error {
	f.subjects = append(f.subjects, subject)
	f.payloads = append(f.payloads, data)
	return nil
}

func (f *fakeNATS) IsClosed() bool { return f.closed }

func TestNATSPublisher(t *testing.T) {
	nc := &fakeNATS{}
	p := newNATSPublisher(nc, "")

	if err := p.Publish(context.Background(), sampleRun()); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if len(nc.subjects) != 1 || nc.subjects[0] != "quicklab.metrics.monitoring" {
		t.Errorf("subjects = %v", nc.subjects)
	}

	nc.closed = true
	if err := p.Publish(context.Background(), sampleRun()); err == nil {
		t.Error("Publish() on closed connection expected error")
	}
}

type failingPublisher struct{ calls int }

func (f *failingPublisher) Publish(context.Context, *domain.RunMetrics) error {
	f.calls++
	return errors.New("sink down")
}

func TestMulti(t *testing.T) {
	var buf bytes.Buffer
	logSink := NewLog(slog.New(slog.NewJSONHandler(&buf, nil)))
	failing := &failingPublisher{}
	nc := &fakeNATS{}

	m := NewMulti(failing, nil, logSink, newNATSPublisher(nc, "events"))
	if m.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", m.Len())
	}

	err := m.Publish(context.Background(), sampleRun())
	if err == nil || !strings.Contains(err.Error(), "sink down") {
		t.Errorf("Publish() error = %v", err)
	}
	if failing.calls != 1 || len(nc.subjects) != 1 {
		t.Errorf("every sink should be called once, failing=%d nats=%d", failing.calls, len(nc.subjects))
	}
	if !strings.Contains(buf.String(), `"synced":3`) {
		t.Errorf("log sink output = %s", buf.String())
	}
}
