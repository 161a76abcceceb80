// Package config loads contextd configuration from <home>/config.yaml with
// env overrides, validated against an embedded JSON schema.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/openfleet/contextd/internal/faults"
	"gopkg.in/yaml.v3"
)

// OtelConfig holds OpenTelemetry settings.
type OtelConfig struct {
	Enabled     bool    `yaml:"enabled" json:"enabled"`
	Exporter    string  `yaml:"exporter" json:"exporter"` // "stdout" or "otlp"
	Endpoint    string  `yaml:"endpoint" json:"endpoint"`
	ServiceName string  `yaml:"service_name" json:"service_name"`
	SampleRate  float64 `yaml:"sample_rate" json:"sample_rate"`
}

// Config is the runtime configuration for the permission runtime and the
// migration tool.
type Config struct {
	HomeDir string `yaml:"-" json:"-"`

	// DBPath is the SQLite database file. Default: <home>/contextd.db.
	DBPath string `yaml:"db_path" json:"db_path"`

	LogLevel string `yaml:"log_level" json:"log_level"`

	// BusyTimeoutMS bounds how long a storage operation waits on write-lock
	// contention before failing with a retryable error.
	BusyTimeoutMS int `yaml:"busy_timeout_ms" json:"busy_timeout_ms"`

	// CacheTTLSeconds is the permission cache TTL window.
	CacheTTLSeconds int `yaml:"cache_ttl_seconds" json:"cache_ttl_seconds"`
	// CacheMaxEntries bounds the permission cache size.
	CacheMaxEntries int `yaml:"cache_max_entries" json:"cache_max_entries"`

	// ChunkSize and ChunkOverlapRatio configure the context chunker.
	ChunkSize         int     `yaml:"chunk_size" json:"chunk_size"`
	ChunkOverlapRatio float64 `yaml:"chunk_overlap_ratio" json:"chunk_overlap_ratio"`

	// DefaultListLimit is the context listing page size when the caller
	// passes none.
	DefaultListLimit int `yaml:"default_list_limit" json:"default_list_limit"`

	// SweepIntervalMinutes is how often the daemon downgrades expired
	// permissions. 0 disables the sweep.
	SweepIntervalMinutes int `yaml:"sweep_interval_minutes" json:"sweep_interval_minutes"`

	Otel OtelConfig `yaml:"otel" json:"otel"`
}

// DefaultHomeDir returns ~/.contextd, falling back to the working directory.
func DefaultHomeDir() string {
	if v := os.Getenv("CONTEXTD_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".contextd")
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func defaults(homeDir string) Config {
	return Config{
		HomeDir:              homeDir,
		DBPath:               filepath.Join(homeDir, "contextd.db"),
		LogLevel:             "info",
		BusyTimeoutMS:        5000,
		CacheTTLSeconds:      300,
		CacheMaxEntries:      1000,
		ChunkSize:            3500,
		ChunkOverlapRatio:    0.15,
		DefaultListLimit:     10,
		SweepIntervalMinutes: 5,
		Otel: OtelConfig{
			Exporter:    "stdout",
			ServiceName: "contextd",
			SampleRate:  1.0,
		},
	}
}

// Load reads config.yaml from homeDir, applies defaults and env overrides,
// and validates the result. A missing file yields the defaults.
func Load(homeDir string) (Config, error) {
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return Config{}, fmt.Errorf("create home dir: %w", err)
	}

	cfg := defaults(homeDir)

	data, err := os.ReadFile(ConfigPath(homeDir))
	if err != nil && !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := validateSchema(data); err != nil {
			return Config{}, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config.yaml: %w", err)
		}
		cfg.HomeDir = homeDir
	}

	applyEnvOverrides(&cfg)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CONTEXTD_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("CONTEXTD_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("CONTEXTD_CACHE_TTL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.CacheTTLSeconds = n
		}
	}
	if v := os.Getenv("CONTEXTD_BUSY_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.BusyTimeoutMS = n
		}
	}
}

func (c Config) validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("%w: db_path must not be empty", faults.ErrConfiguration)
	}
	if c.BusyTimeoutMS <= 0 {
		return fmt.Errorf("%w: busy_timeout_ms must be positive", faults.ErrConfiguration)
	}
	if c.CacheTTLSeconds <= 0 {
		return fmt.Errorf("%w: cache_ttl_seconds must be positive", faults.ErrConfiguration)
	}
	if c.ChunkSize <= 0 {
		return fmt.Errorf("%w: chunk_size must be positive", faults.ErrConfiguration)
	}
	if c.ChunkOverlapRatio < 0 || c.ChunkOverlapRatio >= 1 {
		return fmt.Errorf("%w: chunk_overlap_ratio must be in [0,1)", faults.ErrConfiguration)
	}
	return nil
}
