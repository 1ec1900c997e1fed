package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/fieldkit/internal/config"
)

func writeConfig(t *testing.T, home, body string) {
	t.Helper()
	if err := os.MkdirAll(home, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestLoad_FromConfigFile(t *testing.T) {
	home := filepath.Join(t.TempDir(), "fieldkit")
	writeConfig(t, home, `
server_url: http://sync.example.com:8000
device_name: site-7-unit-2
worker_id: w-102
worker_name: Ana Flores
sync:
  auto_interval_seconds: 120
retention:
  days: 14
`)
	t.Setenv("FIELDKIT_HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.ServerURL != "http://sync.example.com:8000" {
		t.Fatalf("server_url = %q", cfg.ServerURL)
	}
	if cfg.DeviceName != "site-7-unit-2" {
		t.Fatalf("device_name = %q", cfg.DeviceName)
	}
	if cfg.WorkerID != "w-102" {
		t.Fatalf("worker_id = %q", cfg.WorkerID)
	}
	if got := cfg.AutoSyncInterval(); got != 2*time.Minute {
		t.Fatalf("auto sync interval = %v, want 2m", got)
	}
	if got := cfg.RetentionWindow(); got != 14*24*time.Hour {
		t.Fatalf("retention window = %v, want 336h", got)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	home := filepath.Join(t.TempDir(), "fieldkit")
	writeConfig(t, home, "server_url: http://file.example.com\nworker_id: from-file\n")
	t.Setenv("FIELDKIT_HOME", home)
	t.Setenv("FIELDKIT_SERVER_URL", "http://env.example.com")
	t.Setenv("FIELDKIT_WORKER_ID", "from-env")
	t.Setenv("FIELDKIT_LOG_LEVEL", "debug")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.ServerURL != "http://env.example.com" {
		t.Fatalf("server_url = %q, want env override", cfg.ServerURL)
	}
	if cfg.WorkerID != "from-env" {
		t.Fatalf("worker_id = %q, want env override", cfg.WorkerID)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("log_level = %q, want debug", cfg.LogLevel)
	}
}

func TestLoad_DefaultsApplied(t *testing.T) {
	home := filepath.Join(t.TempDir(), "fieldkit")
	writeConfig(t, home, "server_url: http://10.0.0.5:8000\n")
	t.Setenv("FIELDKIT_HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Sync.RetryAttempts != 3 {
		t.Fatalf("retry_attempts = %d, want 3", cfg.Sync.RetryAttempts)
	}
	if cfg.Sync.ChunkSizeBytes != 32*1024 {
		t.Fatalf("chunk_size_bytes = %d, want 32768", cfg.Sync.ChunkSizeBytes)
	}
	if cfg.Retention.Days != 7 {
		t.Fatalf("retention days = %d, want 7", cfg.Retention.Days)
	}
	if cfg.Retention.Schedule != "0 3 * * *" {
		t.Fatalf("retention schedule = %q", cfg.Retention.Schedule)
	}
	if got := cfg.PendingCacheTTL(); got != 5*time.Second {
		t.Fatalf("pending cache TTL = %v, want 5s", got)
	}
	if cfg.DeviceType != "handheld" {
		t.Fatalf("device_type = %q, want handheld", cfg.DeviceType)
	}
	if !strings.HasPrefix(cfg.DeviceName, "fieldkit-") {
		t.Fatalf("device_name = %q, want generated fieldkit-* name", cfg.DeviceName)
	}
}

func TestLoad_FirstBootWhenNoConfig(t *testing.T) {
	home := filepath.Join(t.TempDir(), "fieldkit")
	t.Setenv("FIELDKIT_HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if !cfg.FirstBoot {
		t.Fatal("expected FirstBoot=true when config.yaml is missing")
	}

	if err := config.WriteStarter(home); err != nil {
		t.Fatalf("write starter: %v", err)
	}
	cfg, err = config.Load()
	if err != nil {
		t.Fatalf("reload config: %v", err)
	}
	if cfg.FirstBoot {
		t.Fatal("expected FirstBoot=false after starter written")
	}
	if !strings.HasPrefix(cfg.DeviceName, "fieldkit-") {
		t.Fatalf("device_name = %q, want generated fieldkit-* name", cfg.DeviceName)
	}
}

func TestWriteStarter_DoesNotClobber(t *testing.T) {
	home := filepath.Join(t.TempDir(), "fieldkit")
	writeConfig(t, home, "server_url: http://keep.example.com\ndevice_name: keep-me\n")

	if err := config.WriteStarter(home); err != nil {
		t.Fatalf("write starter: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(home, "config.yaml"))
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	if !strings.Contains(string(data), "keep-me") {
		t.Fatal("starter overwrote an existing config.yaml")
	}
}

func TestLoad_RejectsBadServerURL(t *testing.T) {
	home := filepath.Join(t.TempDir(), "fieldkit")
	writeConfig(t, home, "server_url: not a url\n")
	t.Setenv("FIELDKIT_HOME", home)

	if _, err := config.Load(); err == nil {
		t.Fatal("expected error for invalid server_url")
	}
}

func TestGenerateDeviceName_Unique(t *testing.T) {
	a := config.GenerateDeviceName()
	b := config.GenerateDeviceName()
	if !strings.HasPrefix(a, "fieldkit-") || !strings.HasPrefix(b, "fieldkit-") {
		t.Fatalf("unexpected name shape: %q, %q", a, b)
	}
	if a == b {
		t.Fatalf("generated names collide: %q", a)
	}
}
