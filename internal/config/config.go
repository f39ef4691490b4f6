// Package config holds the complete application configuration.
//
// Configuration is resolved in three layers: built-in defaults, an optional
// YAML file, then environment variable overrides. The same precedence the
// rest of the codebase assumes.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the complete application configuration.
type Config struct {
	// Database configuration
	Database DatabaseConfig `yaml:"database"`

	// Watcher configuration (per-library filesystem watching)
	Watcher WatcherConfig `yaml:"watcher"`

	// Scanner / pipeline configuration
	Scanner ScannerConfig `yaml:"scanner"`

	// Logging configuration
	Logging LoggingConfig `yaml:"logging"`

	// Metrics endpoint configuration
	Metrics MetricsConfig `yaml:"metrics"`

	// Libraries seeded at startup
	Libraries []LibraryConfig `yaml:"libraries"`
}

// DatabaseConfig holds database connection configuration.
type DatabaseConfig struct {
	Type         string `yaml:"type"`          // "sqlite" or "postgres"
	Path         string `yaml:"path"`          // sqlite file path
	Host         string `yaml:"host"`          // postgres host
	Port         int    `yaml:"port"`          // postgres port
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	Database     string `yaml:"database"`
	LogQueries   bool   `yaml:"log_queries"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

// WatcherConfig holds filesystem watcher configuration. Immutable after the
// watcher is constructed.
type WatcherConfig struct {
	// DebounceWindow is how long a flush task waits for more events before
	// committing a batch.
	DebounceWindow time.Duration `yaml:"debounce_window"`

	// MaxBatchEvents flushes a batch immediately once this many raw events
	// are pending, regardless of the debounce window.
	MaxBatchEvents int `yaml:"max_batch_events"`

	// PollInterval is the base tick for roots on the polling strategy.
	PollInterval time.Duration `yaml:"poll_interval"`

	// PollMaxDepth bounds directory traversal for polling roots.
	PollMaxDepth int `yaml:"poll_max_depth"`

	// OverflowBatchCapacity is the raw event channel capacity per library;
	// a full channel is treated as overflow.
	OverflowBatchCapacity int `yaml:"overflow_batch_capacity"`

	// IgnoredExtensions are dropped during normalization (with or without
	// the leading dot).
	IgnoredExtensions []string `yaml:"ignored_extensions"`

	// MaintenanceTickInterval is the period of the maintenance sweep
	// scheduler.
	MaintenanceTickInterval time.Duration `yaml:"maintenance_tick_interval"`

	// StaleScanThreshold marks a library as needing a maintenance sweep
	// when its last completed scan is older than this.
	StaleScanThreshold time.Duration `yaml:"stale_scan_threshold"`

	// EventRetention prunes durable events older than this. Zero disables
	// pruning entirely (retention handled outside the process).
	EventRetention time.Duration `yaml:"event_retention"`
}

// ScannerConfig holds pipeline configuration.
type ScannerConfig struct {
	WorkerCount       int           `yaml:"worker_count"`        // 0 = derive from CPU count
	ChannelBufferSize int           `yaml:"channel_buffer_size"`
	ProbeTimeout      time.Duration `yaml:"probe_timeout"`
	AssetDir          string        `yaml:"asset_dir"`
	MaxScanErrors     int           `yaml:"max_scan_errors"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text" or "json"
}

// MetricsConfig holds the Prometheus endpoint configuration.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// LibraryConfig describes a library to register on startup.
type LibraryConfig struct {
	Name  string   `yaml:"name"`
	Type  string   `yaml:"type"` // movie, tv, music
	Roots []string `yaml:"roots"`
}

// Default returns the built-in configuration defaults.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			Type:         "sqlite",
			Path:         "./data/mediadex.db",
			Host:         "localhost",
			Port:         5432,
			Username:     "mediadex",
			Database:     "mediadex",
			MaxOpenConns: 25,
		},
		Watcher: WatcherConfig{
			DebounceWindow:          500 * time.Millisecond,
			MaxBatchEvents:          256,
			PollInterval:            30 * time.Second,
			PollMaxDepth:            8,
			OverflowBatchCapacity:   1024,
			IgnoredExtensions:       []string{".tmp", ".part", ".crdownload", ".ds_store"},
			MaintenanceTickInterval: 5 * time.Minute,
			StaleScanThreshold:      24 * time.Hour,
		},
		Scanner: ScannerConfig{
			WorkerCount:       0,
			ChannelBufferSize: 100,
			ProbeTimeout:      30 * time.Second,
			AssetDir:          "./data/assets",
			MaxScanErrors:     100,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    ":9091",
		},
	}
}

// Load reads configuration from the given YAML file (if it exists) on top of
// the defaults, then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
			}
		case os.IsNotExist(err):
			// Missing file is fine, defaults apply.
		default:
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides configuration from environment variables.
func (c *Config) applyEnv() {
	if v := os.Getenv("MEDIADEX_DATABASE_TYPE"); v != "" {
		c.Database.Type = v
	}
	if v := os.Getenv("MEDIADEX_DATABASE_PATH"); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv("POSTGRES_HOST"); v != "" {
		c.Database.Host = v
	}
	if v := os.Getenv("POSTGRES_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Database.Port = port
		}
	}
	if v := os.Getenv("POSTGRES_USER"); v != "" {
		c.Database.Username = v
	}
	if v := os.Getenv("POSTGRES_PASSWORD"); v != "" {
		c.Database.Password = v
	}
	if v := os.Getenv("POSTGRES_DB"); v != "" {
		c.Database.Database = v
	}
	if v := os.Getenv("MEDIADEX_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("MEDIADEX_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("MEDIADEX_DEBOUNCE_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Watcher.DebounceWindow = d
		}
	}
	if v := os.Getenv("MEDIADEX_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Watcher.PollInterval = d
		}
	}
	if v := os.Getenv("MEDIADEX_WORKER_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Scanner.WorkerCount = n
		}
	}
	if v := os.Getenv("MEDIADEX_ASSET_DIR"); v != "" {
		c.Scanner.AssetDir = v
	}
	if v := os.Getenv("MEDIADEX_METRICS_ADDR"); v != "" {
		c.Metrics.Addr = v
	}
}

// Validate checks configuration invariants that would otherwise surface as
// confusing runtime behavior.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Database.Type) {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported database type: %s", c.Database.Type)
	}
	if c.Watcher.DebounceWindow <= 0 {
		return fmt.Errorf("watcher debounce_window must be positive, got %s", c.Watcher.DebounceWindow)
	}
	if c.Watcher.MaxBatchEvents <= 0 {
		return fmt.Errorf("watcher max_batch_events must be positive, got %d", c.Watcher.MaxBatchEvents)
	}
	if c.Watcher.PollInterval <= 0 {
		return fmt.Errorf("watcher poll_interval must be positive, got %s", c.Watcher.PollInterval)
	}
	if c.Watcher.OverflowBatchCapacity <= 0 {
		return fmt.Errorf("watcher overflow_batch_capacity must be positive, got %d", c.Watcher.OverflowBatchCapacity)
	}
	for _, lib := range c.Libraries {
		if lib.Name == "" {
			return fmt.Errorf("library with roots %v is missing a name", lib.Roots)
		}
		if len(lib.Roots) == 0 {
			return fmt.Errorf("library %s has no roots configured", lib.Name)
		}
	}
	return nil
}
