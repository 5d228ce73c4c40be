package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/kavos113/quicklab/lab-manager/config"
	"github.com/kavos113/quicklab/lab-manager/domain"
	"github.com/kavos113/quicklab/lab-manager/infrastructure/backend/cloud"
	"github.com/kavos113/quicklab/lab-manager/infrastructure/backend/docker"
	"github.com/kavos113/quicklab/lab-manager/infrastructure/cache"
	"github.com/kavos113/quicklab/lab-manager/infrastructure/catalog"
	"github.com/kavos113/quicklab/lab-manager/infrastructure/metrics"
	"github.com/kavos113/quicklab/lab-manager/infrastructure/ops"
	"github.com/kavos113/quicklab/lab-manager/infrastructure/queue"
	"github.com/kavos113/quicklab/lab-manager/infrastructure/repository"
	"github.com/kavos113/quicklab/lab-manager/scheduler"
	"github.com/kavos113/quicklab/lab-manager/service"
)

const startupTimeout = 10 * time.Second

// errNoScanExecutor fails scans admitted while no executor is wired.
var errNoScanExecutor = errors.New("no scan executor configured (enable redis)")

type backend interface {
	domain.Backend
	domain.HealthChecker
}

// app holds every long-lived dependency of the process.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	db       *sql.DB
	backend  backend
	registry *prometheus.Registry
	latest   ops.LatestMetricsReader
	depth    ops.QueueDepthReader

	manager    *service.LifecycleManager
	monitoring *scheduler.MonitoringJob
	cleanup    *scheduler.CleanupJob
	scans      *scheduler.ScanQueueJob

	closers []func()
}

func newApp(ctx context.Context, cfg *config.Config, l *slog.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: l, registry: prometheus.NewRegistry()}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if cfg.TraceStdout {
		if err := a.initTracing(); err != nil {
			return nil, err
		}
	}

	startupCtx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()

	if err := a.initStore(startupCtx); err != nil {
		return nil, err
	}
	labs, err := a.initCatalog()
	if err != nil {
		return nil, err
	}
	if err := a.initBackend(startupCtx); err != nil {
		return nil, err
	}
	if err := a.backend.Ping(startupCtx); err != nil {
		return nil, fmt.Errorf("backend health check failed: %w", err)
	}
	l.Info("provisioning backend ready", "mode", cfg.LabMode)

	var (
		rdb       *redis.Client
		instCache domain.InstanceCache
		executor  domain.ScanExecutor = domain.ScanExecutorFunc(func(context.Context, *domain.Scan) error {
			return errNoScanExecutor
		})
	)
	if cfg.Redis.Enabled {
		rdb, err = queue.NewRedisClient(cfg.Redis)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { rdb.Close() })
		instCache = cache.NewRedisInstanceCache(rdb)
		dispatcher := queue.NewScanDispatcher(rdb)
		executor = dispatcher
		a.depth = dispatcher
		l.Info("connected to redis", "address", cfg.Redis.Address)
	}

	publisher, err := a.initMetrics(rdb)
	if err != nil {
		return nil, err
	}

	instances := repository.NewSQLInstanceRepository(a.db)
	a.manager = service.NewLifecycleManager(instances, labs, a.backend, service.Options{
		MaxInstancesPerUser: cfg.Limits.MaxInstancesPerUser,
		MaxGlobalInstances:  cfg.Limits.MaxGlobalInstances,
		Cache:               instCache,
		Logger:              l,
	})

	a.monitoring = scheduler.NewMonitoringJob(instances, a.backend, publisher, l)
	a.cleanup = scheduler.NewCleanupJob(instances, a.manager, publisher, cfg.Jobs.StaleInstanceAfter, l)
	a.scans = scheduler.NewScanQueueJob(
		repository.NewSQLScanRepository(a.db),
		executor,
		publisher,
		cfg.Limits.MaxConcurrentScans,
		cfg.Jobs.ScanTimeout,
		l,
	)

	return a, nil
}

func (a *app) initTracing() error {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return fmt.Errorf("failed to create trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)
	a.closers = append(a.closers, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			a.logger.Warn("failed to flush traces", "error", err)
		}
	})
	return nil
}

func (a *app) initStore(ctx context.Context) error {
	db, err := repository.Connect(ctx, repository.NewConfig(a.cfg.Store))
	if err != nil {
		return err
	}
	a.db = db
	a.closers = append(a.closers, func() { db.Close() })
	a.logger.Info("connected to database", "driver", a.cfg.Store.Driver)

	if a.cfg.Store.InitSchema {
		if err := repository.InitSchema(ctx, db, a.cfg.Store.Driver, a.cfg.Store.SchemaPath); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
		a.logger.Info("schema initialized", "schema_path", a.cfg.Store.SchemaPath)
	}
	return nil
}

func (a *app) initCatalog() (domain.LabCatalog, error) {
	if a.cfg.Catalog.Source == config.CatalogYAML {
		c, err := catalog.LoadYAMLCatalog(a.cfg.Catalog.Path)
		if err != nil {
			return nil, err
		}
		a.logger.Info("lab catalog loaded", "path", a.cfg.Catalog.Path, "labs", c.Len())
		return c, nil
	}
	return repository.NewSQLLabRepository(a.db), nil
}

func (a *app) initBackend(ctx context.Context) error {
	if a.cfg.LabMode == config.ModeCloud {
		c := a.cfg.Cloud
		ca, err := cloud.LoadOrCreateDaemonCA(c.TLSDir)
		if err != nil {
			return err
		}
		vultr, err := cloud.NewVultrClient(c.BaseURL, c.APIKey)
		if err != nil {
			return err
		}
		a.backend = cloud.NewProvider(
			vultr,
			cloud.DockerDialer(ca, a.logger),
			cloud.ProviderOptions{
				Region:       c.Region,
				Plan:         c.Plan,
				OSID:         c.OSID,
				Domain:       c.Domain,
				DockerPort:   c.DockerPort,
				CA:           ca,
				PollInterval: c.PollInterval,
				ReadyTimeout: c.ReadyTimeout,
				Logger:       a.logger,
			},
		)
		return nil
	}

	d := a.cfg.Docker
	cli, err := docker.NewClient("")
	if err != nil {
		return err
	}
	var ports *docker.PortAllocator
	if d.MinOpenPort > 0 && d.MaxOpenPort > 0 {
		ports = docker.NewPortAllocator(d.MinOpenPort, d.MaxOpenPort)
	}
	engine := docker.NewEngine(cli, docker.EngineOptions{
		Registry: d.Registry,
		Network:  d.Network,
		Ports:    ports,
		Logger:   a.logger,
	})
	a.closers = append(a.closers, func() { engine.Close() })
	found, err := engine.Recover(ctx)
	if err != nil {
		return err
	}
	a.logger.Info("recovered existing lab containers", "count", found)
	a.backend = docker.NewLocalBackend(engine, d.ContainerPrefix, d.PublicHost)
	return nil
}

// initMetrics builds the publisher chain every scheduler run is reported to.
func (a *app) initMetrics(rdb *redis.Client) (domain.MetricsPublisher, error) {
	publishers := []domain.MetricsPublisher{
		metrics.NewLog(a.logger),
		metrics.NewPrometheus(a.registry),
	}

	if rdb != nil {
		store := metrics.NewRedisStore(rdb)
		publishers = append(publishers, store)
		a.latest = store
	}

	if a.cfg.S3.Enabled {
		archive, err := metrics.NewS3Archive(a.cfg.S3)
		if err != nil {
			return nil, err
		}
		publishers = append(publishers, archive)
		a.logger.Info("archiving run metrics to s3", "bucket", a.cfg.S3.Bucket)
	}

	if a.cfg.NATS.URL != "" {
		nc, err := metrics.NewNATSPublisher(a.cfg.NATS.URL, a.cfg.NATS.Subject, a.logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, nc.Close)
		publishers = append(publishers, nc)
		a.logger.Info("publishing run metrics to nats", "subject", a.cfg.NATS.Subject)
	}

	return metrics.NewMulti(publishers...), nil
}

func (a *app) runners() []*scheduler.Runner {
	j := a.cfg.Jobs
	return []*scheduler.Runner{
		scheduler.NewRunner(a.monitoring, j.MonitoringInterval, j.RunOnStart, a.logger),
		scheduler.NewRunner(a.cleanup, j.CleanupInterval, j.RunOnStart, a.logger),
		scheduler.NewRunner(a.scans, j.ScanQueueInterval, j.RunOnStart, a.logger),
	}
}

func (a *app) jobs() map[string]scheduler.Job {
	return map[string]scheduler.Job{
		a.monitoring.Name(): a.monitoring,
		a.cleanup.Name():    a.cleanup,
		a.scans.Name():      a.scans,
	}
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
