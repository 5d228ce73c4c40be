package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	ModeLocal = "local"
	ModeCloud = "cloud"

	StoreMySQL  = "mysql"
	StoreSQLite = "sqlite"

	CatalogDB   = "db"
	CatalogYAML = "yaml"
)

type Config struct {
	LogLevel string

	GRPCPort string
	OpsPort  string

	LabMode string
	Store   StoreConfig
	Catalog CatalogConfig
	Redis   RedisConfig
	S3      S3Config
	NATS    NATSConfig
	Docker  DockerConfig
	Cloud   CloudConfig
	Limits  LimitConfig
	Jobs    JobConfig

	TraceStdout bool
}

type StoreConfig struct {
	Driver     string
	Host       string
	Port       string
	User       string
	Password   string
	Database   string
	SQLitePath string
	SchemaPath string
	InitSchema bool
}

type CatalogConfig struct {
	Source string
	Path   string
}

type RedisConfig struct {
	Address  string
	Password string
	Enabled  bool
}

type S3Config struct {
	Enabled   bool
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
}

type NATSConfig struct {
	URL     string
	Subject string
}

type DockerConfig struct {
	Registry        string
	Network         string
	ContainerPrefix string
	PublicHost      string
	MinOpenPort     int
	MaxOpenPort     int
}

type CloudConfig struct {
	APIKey       string
	BaseURL      string
	Region       string
	Plan         string
	OSID         int
	Domain       string
	DockerPort   int
	TLSDir       string
	PollInterval time.Duration
	ReadyTimeout time.Duration
}

type LimitConfig struct {
	MaxInstancesPerUser int
	MaxGlobalInstances  int
	MaxConcurrentScans  int
}

type JobConfig struct {
	MonitoringInterval time.Duration
	CleanupInterval    time.Duration
	ScanQueueInterval  time.Duration
	ScanTimeout        time.Duration
	StaleInstanceAfter time.Duration
	RunOnStart         bool
}

// New returns a viper instance with every default registered and
// environment lookups enabled.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("GRPC_PORT", "50070")
	v.SetDefault("OPS_PORT", "8081")
	v.SetDefault("LAB_MODE", ModeLocal)

	v.SetDefault("STORE_DRIVER", StoreMySQL)
	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", "3306")
	v.SetDefault("DB_USER", "root")
	v.SetDefault("DB_PASSWORD", "password")
	v.SetDefault("DB_NAME", "quicklab_db")
	v.SetDefault("SQLITE_PATH", "quicklab.db")
	v.SetDefault("SCHEMA_PATH", "")
	v.SetDefault("INIT_SCHEMA", true)

	v.SetDefault("CATALOG_SOURCE", CatalogDB)
	v.SetDefault("LAB_CATALOG_PATH", "labs.yaml")

	v.SetDefault("REDIS_ENABLED", true)
	v.SetDefault("REDIS_ADDRESS", "localhost:6379")
	v.SetDefault("REDIS_PASSWORD", "")

	v.SetDefault("S3_ENABLED", false)
	v.SetDefault("S3_ENDPOINT", "http://localhost:9000")
	v.SetDefault("S3_ACCESS_KEY", "minioadmin")
	v.SetDefault("S3_SECRET_KEY", "minioadmin")
	v.SetDefault("S3_BUCKET_NAME", "lab-metrics")
	v.SetDefault("S3_REGION", "us-east-1")

	v.SetDefault("NATS_URL", "")
	v.SetDefault("NATS_SUBJECT", "quicklab.metrics")

	v.SetDefault("DOCKER_REGISTRY", "")
	v.SetDefault("DOCKER_NETWORK", "")
	v.SetDefault("DOCKER_CONTAINER_PREFIX", "quicklab-lab-")
	v.SetDefault("DOCKER_PUBLIC_HOST", "localhost")
	v.SetDefault("MIN_OPEN_PORT", 0)
	v.SetDefault("MAX_OPEN_PORT", 0)

	v.SetDefault("VULTR_API_KEY", "")
	v.SetDefault("VULTR_BASE_URL", "https://api.vultr.com")
	v.SetDefault("VULTR_REGION", "ewr")
	v.SetDefault("VULTR_PLAN", "vc2-1c-1gb")
	v.SetDefault("VULTR_OS_ID", 1743)
	v.SetDefault("CLOUD_DOMAIN", "labs.quicklab.dev")
	v.SetDefault("CLOUD_DOCKER_PORT", 2376)
	v.SetDefault("CLOUD_TLS_DIR", "docker-tls")
	v.SetDefault("CLOUD_POLL_INTERVAL", "5s")
	v.SetDefault("CLOUD_READY_TIMEOUT", "3m")

	v.SetDefault("MAX_INSTANCES_PER_USER", 5)
	v.SetDefault("MAX_GLOBAL_INSTANCES", 0)
	v.SetDefault("MAX_CONCURRENT_SCANS", 3)

	v.SetDefault("MONITORING_INTERVAL", "10m")
	v.SetDefault("CLEANUP_INTERVAL", "5m")
	v.SetDefault("SCAN_QUEUE_INTERVAL", "1m")
	v.SetDefault("SCAN_TIMEOUT", "30m")
	v.SetDefault("STALE_INSTANCE_AFTER", "15m")
	v.SetDefault("JOBS_RUN_ON_START", true)

	v.SetDefault("TRACE_STDOUT", false)
}

// Load reads the optional config file and builds a validated Config.
func Load(v *viper.Viper, file string) (*Config, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{
		LogLevel: v.GetString("LOG_LEVEL"),
		GRPCPort: v.GetString("GRPC_PORT"),
		OpsPort:  v.GetString("OPS_PORT"),
		LabMode:  strings.ToLower(v.GetString("LAB_MODE")),
		Store: StoreConfig{
			Driver:     strings.ToLower(v.GetString("STORE_DRIVER")),
			Host:       v.GetString("DB_HOST"),
			Port:       v.GetString("DB_PORT"),
			User:       v.GetString("DB_USER"),
			Password:   v.GetString("DB_PASSWORD"),
			Database:   v.GetString("DB_NAME"),
			SQLitePath: v.GetString("SQLITE_PATH"),
			SchemaPath: v.GetString("SCHEMA_PATH"),
			InitSchema: v.GetBool("INIT_SCHEMA"),
		},
		Catalog: CatalogConfig{
			Source: strings.ToLower(v.GetString("CATALOG_SOURCE")),
			Path:   v.GetString("LAB_CATALOG_PATH"),
		},
		Redis: RedisConfig{
			Address:  v.GetString("REDIS_ADDRESS"),
			Password: v.GetString("REDIS_PASSWORD"),
			Enabled:  v.GetBool("REDIS_ENABLED"),
		},
		S3: S3Config{
			Enabled:   v.GetBool("S3_ENABLED"),
			Endpoint:  v.GetString("S3_ENDPOINT"),
			AccessKey: v.GetString("S3_ACCESS_KEY"),
			SecretKey: v.GetString("S3_SECRET_KEY"),
			Bucket:    v.GetString("S3_BUCKET_NAME"),
			Region:    v.GetString("S3_REGION"),
		},
		NATS: NATSConfig{
			URL:     v.GetString("NATS_URL"),
			Subject: v.GetString("NATS_SUBJECT"),
		},
		Docker: DockerConfig{
			Registry:        v.GetString("DOCKER_REGISTRY"),
			Network:         v.GetString("DOCKER_NETWORK"),
			ContainerPrefix: v.GetString("DOCKER_CONTAINER_PREFIX"),
			PublicHost:      v.GetString("DOCKER_PUBLIC_HOST"),
			MinOpenPort:     v.GetInt("MIN_OPEN_PORT"),
			MaxOpenPort:     v.GetInt("MAX_OPEN_PORT"),
		},
		Cloud: CloudConfig{
			APIKey:       v.GetString("VULTR_API_KEY"),
			BaseURL:      v.GetString("VULTR_BASE_URL"),
			Region:       v.GetString("VULTR_REGION"),
			Plan:         v.GetString("VULTR_PLAN"),
			OSID:         v.GetInt("VULTR_OS_ID"),
			Domain:       v.GetString("CLOUD_DOMAIN"),
			DockerPort:   v.GetInt("CLOUD_DOCKER_PORT"),
			TLSDir:       v.GetString("CLOUD_TLS_DIR"),
			PollInterval: v.GetDuration("CLOUD_POLL_INTERVAL"),
			ReadyTimeout: v.GetDuration("CLOUD_READY_TIMEOUT"),
		},
		Limits: LimitConfig{
			MaxInstancesPerUser: v.GetInt("MAX_INSTANCES_PER_USER"),
			MaxGlobalInstances:  v.GetInt("MAX_GLOBAL_INSTANCES"),
			MaxConcurrentScans:  v.GetInt("MAX_CONCURRENT_SCANS"),
		},
		Jobs: JobConfig{
			MonitoringInterval: v.GetDuration("MONITORING_INTERVAL"),
			CleanupInterval:    v.GetDuration("CLEANUP_INTERVAL"),
			ScanQueueInterval:  v.GetDuration("SCAN_QUEUE_INTERVAL"),
			ScanTimeout:        v.GetDuration("SCAN_TIMEOUT"),
			StaleInstanceAfter: v.GetDuration("STALE_INSTANCE_AFTER"),
			RunOnStart:         v.GetBool("JOBS_RUN_ON_START"),
		},
		TraceStdout: v.GetBool("TRACE_STDOUT"),
	}

	if cfg.Limits.MaxGlobalInstances == 0 {
		cfg.Limits.MaxGlobalInstances = defaultGlobalInstances(cfg.LabMode)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaultGlobalInstances(mode string) int {
	if mode == ModeCloud {
		return 100
	}
	return 50
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error

	switch c.LabMode {
	case ModeLocal:
	case ModeCloud:
		if c.Cloud.APIKey == "" {
			errs = append(errs, errors.New("VULTR_API_KEY is required when LAB_MODE=cloud"))
		}
		if c.Cloud.DockerPort <= 0 {
			errs = append(errs, errors.New("CLOUD_DOCKER_PORT must be positive"))
		}
		if c.Cloud.TLSDir == "" {
			errs = append(errs, errors.New("CLOUD_TLS_DIR is required when LAB_MODE=cloud"))
		}
	default:
		errs = append(errs, fmt.Errorf("LAB_MODE must be %q or %q, got %q", ModeLocal, ModeCloud, c.LabMode))
	}

	switch c.Store.Driver {
	case StoreMySQL, StoreSQLite:
	default:
		errs = append(errs, fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", StoreMySQL, StoreSQLite, c.Store.Driver))
	}

	switch c.Catalog.Source {
	case CatalogDB:
	case CatalogYAML:
		if c.Catalog.Path == "" {
			errs = append(errs, errors.New("LAB_CATALOG_PATH is required when CATALOG_SOURCE=yaml"))
		}
	default:
		errs = append(errs, fmt.Errorf("CATALOG_SOURCE must be %q or %q, got %q", CatalogDB, CatalogYAML, c.Catalog.Source))
	}

	if c.Docker.MinOpenPort > c.Docker.MaxOpenPort {
		errs = append(errs, errors.New("MIN_OPEN_PORT must not exceed MAX_OPEN_PORT"))
	}

	if c.Limits.MaxInstancesPerUser <= 0 {
		errs = append(errs, errors.New("MAX_INSTANCES_PER_USER must be positive"))
	}
	if c.Limits.MaxConcurrentScans <= 0 {
		errs = append(errs, errors.New("MAX_CONCURRENT_SCANS must be positive"))
	}

	for name, d := range map[string]time.Duration{
		"MONITORING_INTERVAL":  c.Jobs.MonitoringInterval,
		"CLEANUP_INTERVAL":     c.Jobs.CleanupInterval,
		"SCAN_QUEUE_INTERVAL":  c.Jobs.ScanQueueInterval,
		"SCAN_TIMEOUT":         c.Jobs.ScanTimeout,
		"STALE_INSTANCE_AFTER": c.Jobs.StaleInstanceAfter,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}

	return errors.Join(errs...)
}
