package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/openfleet/contextd/internal/faults"
)

func TestLoad_DefaultsWhenFileMissing(t *testing.T) {
	home := t.TempDir()
	cfg, err := Load(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DBPath != filepath.Join(home, "contextd.db") {
		t.Errorf("db_path default: %q", cfg.DBPath)
	}
	if cfg.CacheTTLSeconds != 300 {
		t.Errorf("cache_ttl_seconds default: %d", cfg.CacheTTLSeconds)
	}
	if cfg.BusyTimeoutMS != 5000 {
		t.Errorf("busy_timeout_ms default: %d", cfg.BusyTimeoutMS)
	}
	if cfg.ChunkSize != 3500 || cfg.ChunkOverlapRatio != 0.15 {
		t.Errorf("chunker defaults: size=%d ratio=%v", cfg.ChunkSize, cfg.ChunkOverlapRatio)
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	home := t.TempDir()
	yaml := []byte("cache_ttl_seconds: 60\nlog_level: debug\nchunk_size: 100\n")
	if err := os.WriteFile(ConfigPath(home), yaml, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.CacheTTLSeconds != 60 {
		t.Errorf("cache_ttl_seconds: %d", cfg.CacheTTLSeconds)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("log_level: %q", cfg.LogLevel)
	}
	if cfg.ChunkSize != 100 {
		t.Errorf("chunk_size: %d", cfg.ChunkSize)
	}
	// Untouched keys keep defaults.
	if cfg.BusyTimeoutMS != 5000 {
		t.Errorf("busy_timeout_ms: %d", cfg.BusyTimeoutMS)
	}
}

func TestLoad_RejectsUnknownKeys(t *testing.T) {
	home := t.TempDir()
	yaml := []byte("cache_ttl: 60\n")
	if err := os.WriteFile(ConfigPath(home), yaml, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(home); !errors.Is(err, faults.ErrConfiguration) {
		t.Errorf("expected configuration error for unknown key, got %v", err)
	}
}

func TestLoad_RejectsInvalidValues(t *testing.T) {
	home := t.TempDir()
	yaml := []byte("chunk_overlap_ratio: 1.5\n")
	if err := os.WriteFile(ConfigPath(home), yaml, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(home); !errors.Is(err, faults.ErrConfiguration) {
		t.Errorf("expected configuration error for out-of-range ratio, got %v", err)
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	home := t.TempDir()
	t.Setenv("CONTEXTD_CACHE_TTL_SECONDS", "42")
	cfg, err := Load(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.CacheTTLSeconds != 42 {
		t.Errorf("env override not applied: %d", cfg.CacheTTLSeconds)
	}
}
