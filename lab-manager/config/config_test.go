package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(New(), "")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.LabMode != ModeLocal {
		t.Errorf("LabMode = %q, want %q", cfg.LabMode, ModeLocal)
	}
	if cfg.Limits.MaxGlobalInstances != 50 {
		t.Errorf("MaxGlobalInstances = %d, want 50", cfg.Limits.MaxGlobalInstances)
	}
	if cfg.Limits.MaxConcurrentScans != 3 {
		t.Errorf("MaxConcurrentScans = %d, want 3", cfg.Limits.MaxConcurrentScans)
	}
	if cfg.Jobs.MonitoringInterval != 10*time.Minute {
		t.Errorf("MonitoringInterval = %v, want 10m", cfg.Jobs.MonitoringInterval)
	}
	if cfg.Jobs.CleanupInterval != 5*time.Minute {
		t.Errorf("CleanupInterval = %v, want 5m", cfg.Jobs.CleanupInterval)
	}
	if cfg.Jobs.ScanQueueInterval != time.Minute {
		t.Errorf("ScanQueueInterval = %v, want 1m", cfg.Jobs.ScanQueueInterval)
	}
	if cfg.Jobs.ScanTimeout != 30*time.Minute {
		t.Errorf("ScanTimeout = %v, want 30m", cfg.Jobs.ScanTimeout)
	}
	if cfg.Store.Port != "3306" {
		t.Errorf("Store.Port = %q, want 3306", cfg.Store.Port)
	}
}

func TestLoad_Env(t *testing.T) {
	t.Setenv("LAB_MODE", "cloud")
	t.Setenv("VULTR_API_KEY", "secret")
	t.Setenv("CLEANUP_INTERVAL", "90s")
	t.Setenv("MAX_CONCURRENT_SCANS", "7")

	cfg, err := Load(New(), "")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.LabMode != ModeCloud {
		t.Errorf("LabMode = %q, want cloud", cfg.LabMode)
	}
	if cfg.Limits.MaxGlobalInstances != 100 {
		t.Errorf("MaxGlobalInstances = %d, want 100", cfg.Limits.MaxGlobalInstances)
	}
	if cfg.Jobs.CleanupInterval != 90*time.Second {
		t.Errorf("CleanupInterval = %v, want 90s", cfg.Jobs.CleanupInterval)
	}
	if cfg.Limits.MaxConcurrentScans != 7 {
		t.Errorf("MaxConcurrentScans = %d, want 7", cfg.Limits.MaxConcurrentScans)
	}
	if cfg.Cloud.DockerPort != 2376 || cfg.Cloud.TLSDir != "docker-tls" {
		t.Errorf("Cloud daemon = port %d dir %q, want the TLS port 2376 and docker-tls", cfg.Cloud.DockerPort, cfg.Cloud.TLSDir)
	}
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quicklab.yaml")
	content := "STORE_DRIVER: sqlite\nSQLITE_PATH: /tmp/lab.db\nMAX_INSTANCES_PER_USER: 2\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	cfg, err := Load(New(), path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Store.Driver != StoreSQLite {
		t.Errorf("Store.Driver = %q, want sqlite", cfg.Store.Driver)
	}
	if cfg.Store.SQLitePath != "/tmp/lab.db" {
		t.Errorf("Store.SQLitePath = %q", cfg.Store.SQLitePath)
	}
	if cfg.Limits.MaxInstancesPerUser != 2 {
		t.Errorf("MaxInstancesPerUser = %d, want 2", cfg.Limits.MaxInstancesPerUser)
	}
}

func TestLoad_Invalid(t *testing.T) {
	t.Setenv("LAB_MODE", "cloud")
	t.Setenv("STORE_DRIVER", "postgres")
	t.Setenv("SCAN_TIMEOUT", "0s")

	_, err := Load(New(), "")
	if err == nil {
		t.Fatal("Load() expected error")
	}

	msg := err.Error()
	for _, want := range []string{"VULTR_API_KEY", "STORE_DRIVER", "SCAN_TIMEOUT"} {
		if !strings.Contains(msg, want) {
			t.Errorf("error %q does not mention %s", msg, want)
		}
	}
}
