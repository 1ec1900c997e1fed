package config

import (
	"fmt"
	"hash/fnv"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// SyncConfig tunes the sync client and the loop's sync policy.
type SyncConfig struct {
	// AutoIntervalSeconds is how often a connected device syncs. Default 300.
	AutoIntervalSeconds int `yaml:"auto_interval_seconds"`

	// ReconnectIntervalSeconds is how often a disconnected device probes the
	// server. Default 30.
	ReconnectIntervalSeconds int `yaml:"reconnect_interval_seconds"`

	// RequestTimeoutSeconds bounds each individual HTTP request. Default 10.
	RequestTimeoutSeconds int `yaml:"request_timeout_seconds"`

	// RetryAttempts is the per-request attempt budget. Default 3.
	RetryAttempts int `yaml:"retry_attempts"`

	// RetryBaseDelayMS is the base for the linear retry delay
	// (attempt * base). Default 500.
	RetryBaseDelayMS int `yaml:"retry_base_delay_ms"`

	// ChunkSizeBytes is the fixed chunk size for large uploads. Default 32768.
	ChunkSizeBytes int `yaml:"chunk_size_bytes"`
}

// RetentionConfig controls local cleanup of synced items.
type RetentionConfig struct {
	// Days a synced item is kept before it may be deleted. Default 7.
	Days int `yaml:"days"`

	// Schedule is a cron expression for the cleanup run. Default "0 3 * * *".
	Schedule string `yaml:"schedule"`
}

// QueueConfig tunes the durable queue.
type QueueConfig struct {
	// PendingCacheTTLSeconds bounds how stale the pending count may be.
	// Default 5.
	PendingCacheTTLSeconds int `yaml:"pending_cache_ttl_seconds"`
}

// InboxConfig controls the capture drop directory.
type InboxConfig struct {
	Enabled bool `yaml:"enabled"`

	// DebounceMS is how long a dropped file must stay quiet before it is
	// picked up. Default 500.
	DebounceMS int `yaml:"debounce_ms"`
}

// Config is the device configuration, loaded once at startup and passed by
// pointer into constructors. It is not reloaded at runtime.
type Config struct {
	HomeDir string `yaml:"-"`

	// ServerURL is the base URL of the aggregation server.
	ServerURL string `yaml:"server_url"`

	DeviceName string `yaml:"device_name"`
	DeviceType string `yaml:"device_type"`
	WorkerID   string `yaml:"worker_id"`
	WorkerName string `yaml:"worker_name"`

	// Capabilities advertised at registration.
	Capabilities []string `yaml:"capabilities"`

	LogLevel string `yaml:"log_level"`

	// TickIntervalMS is the device loop's idle yield. Default 250.
	TickIntervalMS int `yaml:"tick_interval_ms"`

	Sync      SyncConfig      `yaml:"sync"`
	Retention RetentionConfig `yaml:"retention"`
	Queue     QueueConfig     `yaml:"queue"`
	Inbox     InboxConfig     `yaml:"inbox"`

	// FirstBoot is set when no config.yaml existed yet.
	FirstBoot bool `yaml:"-"`
}

func defaultConfig() Config {
	return Config{
		ServerURL:      "http://192.168.1.100:8000",
		DeviceType:     "handheld",
		Capabilities:   []string{"notes", "voice", "observations", "tasks"},
		LogLevel:       "info",
		TickIntervalMS: 250,
		Sync: SyncConfig{
			AutoIntervalSeconds:      300,
			ReconnectIntervalSeconds: 30,
			RequestTimeoutSeconds:    10,
			RetryAttempts:            3,
			RetryBaseDelayMS:         500,
			ChunkSizeBytes:           32 * 1024,
		},
		Retention: RetentionConfig{
			Days:     7,
			Schedule: "0 3 * * *",
		},
		Queue: QueueConfig{
			PendingCacheTTLSeconds: 5,
		},
		Inbox: InboxConfig{
			Enabled:    true,
			DebounceMS: 500,
		},
	}
}

// HomeDir returns the device data directory, honoring FIELDKIT_HOME.
func HomeDir() string {
	if override := os.Getenv("FIELDKIT_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".fieldkit")
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Load reads the device configuration: defaults, then config.yaml, then
// environment overrides, then normalization and validation. A missing
// config.yaml is not an error; it sets FirstBoot so the caller can write a
// starter file and reload.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create fieldkit home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.FirstBoot = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("FIELDKIT_SERVER_URL"); raw != "" {
		cfg.ServerURL = raw
	}
	if raw := os.Getenv("FIELDKIT_DEVICE_NAME"); raw != "" {
		cfg.DeviceName = raw
	}
	if raw := os.Getenv("FIELDKIT_WORKER_ID"); raw != "" {
		cfg.WorkerID = raw
	}
	if raw := os.Getenv("FIELDKIT_WORKER_NAME"); raw != "" {
		cfg.WorkerName = raw
	}
	if raw := os.Getenv("FIELDKIT_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("FIELDKIT_SYNC_INTERVAL_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Sync.AutoIntervalSeconds = v
		}
	}
	if raw := os.Getenv("FIELDKIT_RETENTION_DAYS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Retention.Days = v
		}
	}
}

func normalize(cfg *Config) {
	cfg.ServerURL = strings.TrimRight(strings.TrimSpace(cfg.ServerURL), "/")
	if cfg.DeviceName == "" {
		cfg.DeviceName = GenerateDeviceName()
	}
	if cfg.DeviceType == "" {
		cfg.DeviceType = "handheld"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.TickIntervalMS <= 0 {
		cfg.TickIntervalMS = 250
	}
	if len(cfg.Capabilities) == 0 {
		cfg.Capabilities = []string{"notes", "voice", "observations", "tasks"}
	}
	if cfg.Sync.AutoIntervalSeconds <= 0 {
		cfg.Sync.AutoIntervalSeconds = 300
	}
	if cfg.Sync.ReconnectIntervalSeconds <= 0 {
		cfg.Sync.ReconnectIntervalSeconds = 30
	}
	if cfg.Sync.RequestTimeoutSeconds <= 0 {
		cfg.Sync.RequestTimeoutSeconds = 10
	}
	if cfg.Sync.RetryAttempts <= 0 {
		cfg.Sync.RetryAttempts = 3
	}
	if cfg.Sync.RetryBaseDelayMS <= 0 {
		cfg.Sync.RetryBaseDelayMS = 500
	}
	if cfg.Sync.ChunkSizeBytes < 1024 {
		cfg.Sync.ChunkSizeBytes = 32 * 1024
	}
	if cfg.Retention.Days <= 0 {
		cfg.Retention.Days = 7
	}
	if strings.TrimSpace(cfg.Retention.Schedule) == "" {
		cfg.Retention.Schedule = "0 3 * * *"
	}
	if cfg.Queue.PendingCacheTTLSeconds <= 0 {
		cfg.Queue.PendingCacheTTLSeconds = 5
	}
	if cfg.Inbox.DebounceMS <= 0 {
		cfg.Inbox.DebounceMS = 500
	}
}

func validate(cfg *Config) error {
	u, err := url.Parse(cfg.ServerURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("server_url %q is not a valid http(s) URL", cfg.ServerURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("server_url scheme %q is not supported", u.Scheme)
	}
	return nil
}

// GenerateDeviceName builds a unique default device name for first boot.
func GenerateDeviceName() string {
	return "fieldkit-" + uuid.NewString()[:8]
}

// WriteStarter writes a fresh config.yaml with defaults and a generated
// device name. Called once on first boot; existing files are left alone.
func WriteStarter(homeDir string) error {
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return fmt.Errorf("create home: %w", err)
	}
	path := ConfigPath(homeDir)
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	cfg := defaultConfig()
	cfg.DeviceName = GenerateDeviceName()
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal starter config: %w", err)
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return fmt.Errorf("write config.yaml: %w", err)
	}
	return nil
}

// Duration accessors. Raw fields stay integers so the YAML reads naturally.

func (c Config) AutoSyncInterval() time.Duration {
	return time.Duration(c.Sync.AutoIntervalSeconds) * time.Second
}

func (c Config) ReconnectInterval() time.Duration {
	return time.Duration(c.Sync.ReconnectIntervalSeconds) * time.Second
}

func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Sync.RequestTimeoutSeconds) * time.Second
}

func (c Config) RetryBaseDelay() time.Duration {
	return time.Duration(c.Sync.RetryBaseDelayMS) * time.Millisecond
}

func (c Config) PendingCacheTTL() time.Duration {
	return time.Duration(c.Queue.PendingCacheTTLSeconds) * time.Second
}

func (c Config) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalMS) * time.Millisecond
}

func (c Config) InboxDebounce() time.Duration {
	return time.Duration(c.Inbox.DebounceMS) * time.Millisecond
}

func (c Config) RetentionWindow() time.Duration {
	return time.Duration(c.Retention.Days) * 24 * time.Hour
}

// QueueDir returns the partition directory for the durable queue.
func (c Config) QueueDir() string {
	return filepath.Join(c.HomeDir, "queue")
}

// InboxDir returns the capture drop directory.
func (c Config) InboxDir() string {
	return filepath.Join(c.HomeDir, "inbox")
}

// JournalPath returns the sqlite sync-journal path.
func (c Config) JournalPath() string {
	return filepath.Join(c.HomeDir, "journal.db")
}

// Fingerprint returns a stable hash of the active config for log correlation.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "server=%s|device=%s|worker=%s|sync=%d|retention=%d|log=%s",
		c.ServerURL, c.DeviceName, c.WorkerID,
		c.Sync.AutoIntervalSeconds, c.Retention.Days, c.LogLevel)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}
