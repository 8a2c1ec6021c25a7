// Package config loads runcoord configuration from config.yaml, with
// RUNCOORD_* environment overrides on top.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// SweepConfig controls the lease recovery sweep.
type SweepConfig struct {
	// IntervalSeconds between sweeps. Ignored when Schedule is set.
	IntervalSeconds int `yaml:"interval_seconds"`

	// Schedule is an optional 5-field cron expression that replaces the
	// fixed interval (e.g. "*/2 * * * *").
	Schedule string `yaml:"schedule"`

	// RetentionDays prunes terminal runs older than this many days during
	// the sweep. 0 keeps runs forever.
	RetentionDays int `yaml:"retention_days"`
}

// OtelConfig controls trace and metric export.
type OtelConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"` // "none", "stdout", "otlp"
	Endpoint    string  `yaml:"endpoint"` // OTLP HTTP endpoint, host:port
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`
	DBPath   string `yaml:"db_path"`

	// AuthToken guards the HTTP API. Empty disables auth (local use only).
	AuthToken string `yaml:"auth_token"`

	WorkerCount         int `yaml:"worker_count"`
	PollIntervalMillis  int `yaml:"poll_interval_ms"`
	LeaseSeconds        int `yaml:"lease_seconds"`
	HeartbeatSeconds    int `yaml:"heartbeat_seconds"`
	RunTimeoutSeconds   int `yaml:"run_timeout_seconds"`
	MaxAttempts         int `yaml:"max_attempts"`
	DrainTimeoutSeconds int `yaml:"drain_timeout_seconds"`

	Sweep SweepConfig `yaml:"sweep"`
	Otel  OtelConfig  `yaml:"otel"`
}

func defaultConfig() Config {
	return Config{
		BindAddr:            "127.0.0.1:18890",
		LogLevel:            "info",
		WorkerCount:         4,
		PollIntervalMillis:  500,
		LeaseSeconds:        30,
		HeartbeatSeconds:    10,
		RunTimeoutSeconds:   int((10 * time.Minute).Seconds()),
		MaxAttempts:         3,
		DrainTimeoutSeconds: 5,
		Sweep: SweepConfig{
			IntervalSeconds: 15,
		},
		Otel: OtelConfig{
			Exporter:    "none",
			ServiceName: "runcoord",
			SampleRate:  1.0,
		},
	}
}

// HomeDir resolves the runcoord home directory, honoring RUNCOORD_HOME.
func HomeDir() string {
	if override := os.Getenv("RUNCOORD_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".runcoord")
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads config.yaml under homeDir, applies env overrides, and
// validates. A missing file yields the defaults.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create runcoord home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18890"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "runcoord.db")
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 4
	}
	if cfg.PollIntervalMillis <= 0 {
		cfg.PollIntervalMillis = 500
	}
	if cfg.LeaseSeconds <= 0 {
		cfg.LeaseSeconds = 30
	}
	if cfg.HeartbeatSeconds <= 0 {
		cfg.HeartbeatSeconds = 10
	}
	if cfg.RunTimeoutSeconds <= 0 {
		cfg.RunTimeoutSeconds = int((10 * time.Minute).Seconds())
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.DrainTimeoutSeconds <= 0 {
		cfg.DrainTimeoutSeconds = 5
	}
	if cfg.Sweep.IntervalSeconds <= 0 {
		cfg.Sweep.IntervalSeconds = 15
	}
	if cfg.Otel.Exporter == "" {
		cfg.Otel.Exporter = "none"
	}
	if cfg.Otel.ServiceName == "" {
		cfg.Otel.ServiceName = "runcoord"
	}
	if cfg.Otel.SampleRate <= 0 || cfg.Otel.SampleRate > 1 {
		cfg.Otel.SampleRate = 1.0
	}
}

// Validate rejects configurations that would break lease safety. The
// heartbeat interval must be well under the lease duration, otherwise a
// healthy worker's lease expires between beats and the sweep steals its run.
func (c Config) Validate() error {
	if c.HeartbeatSeconds >= c.LeaseSeconds {
		return fmt.Errorf("heartbeat_seconds (%d) must be less than lease_seconds (%d)",
			c.HeartbeatSeconds, c.LeaseSeconds)
	}
	if c.HeartbeatSeconds*2 > c.LeaseSeconds {
		return fmt.Errorf("heartbeat_seconds (%d) must be at most half of lease_seconds (%d) to survive one missed beat",
			c.HeartbeatSeconds, c.LeaseSeconds)
	}
	switch c.Otel.Exporter {
	case "none", "stdout", "otlp":
	default:
		return fmt.Errorf("unknown otel exporter %q", c.Otel.Exporter)
	}
	if c.Otel.Exporter == "otlp" && c.Otel.Endpoint == "" {
		return fmt.Errorf("otel exporter %q requires an endpoint", c.Otel.Exporter)
	}
	return nil
}

// PollInterval returns the worker poll interval as a duration.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMillis) * time.Millisecond
}

// Lease returns the lease duration.
func (c Config) Lease() time.Duration {
	return time.Duration(c.LeaseSeconds) * time.Second
}

// HeartbeatInterval returns the worker heartbeat interval.
func (c Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatSeconds) * time.Second
}

// RunTimeout returns the per-run execution deadline.
func (c Config) RunTimeout() time.Duration {
	return time.Duration(c.RunTimeoutSeconds) * time.Second
}

// DrainTimeout bounds graceful shutdown.
func (c Config) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutSeconds) * time.Second
}

// Fingerprint returns a stable hash of the active config, logged at startup
// and after hot reloads so operators can tell which settings are live.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|workers=%d|poll=%d|lease=%d|hb=%d|timeout=%d|attempts=%d|sweep=%d|cron=%s|retention=%d",
		c.BindAddr, c.LogLevel, c.WorkerCount, c.PollIntervalMillis, c.LeaseSeconds,
		c.HeartbeatSeconds, c.RunTimeoutSeconds, c.MaxAttempts,
		c.Sweep.IntervalSeconds, c.Sweep.Schedule, c.Sweep.RetentionDays)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("RUNCOORD_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("RUNCOORD_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("RUNCOORD_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("RUNCOORD_AUTH_TOKEN"); raw != "" {
		cfg.AuthToken = raw
	}
	if raw := os.Getenv("RUNCOORD_WORKER_COUNT"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.WorkerCount = v
		}
	}
	if raw := os.Getenv("RUNCOORD_LEASE_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.LeaseSeconds = v
		}
	}
	if raw := os.Getenv("RUNCOORD_HEARTBEAT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.HeartbeatSeconds = v
		}
	}
	if raw := os.Getenv("RUNCOORD_RUN_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.RunTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("RUNCOORD_MAX_ATTEMPTS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.MaxAttempts = v
		}
	}
	if raw := os.Getenv("RUNCOORD_SWEEP_INTERVAL_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Sweep.IntervalSeconds = v
		}
	}
	if raw := os.Getenv("RUNCOORD_SWEEP_SCHEDULE"); raw != "" {
		cfg.Sweep.Schedule = raw
	}
	if raw := os.Getenv("RUNCOORD_OTEL_EXPORTER"); raw != "" {
		cfg.Otel.Exporter = strings.ToLower(raw)
		cfg.Otel.Enabled = cfg.Otel.Exporter != "none"
	}
	if raw := os.Getenv("RUNCOORD_OTEL_ENDPOINT"); raw != "" {
		cfg.Otel.Endpoint = raw
	}
}
