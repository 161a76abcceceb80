// Package doctor runs local diagnostic checks: home directory, config,
// database reachability, schema generation, and optional capabilities.
package doctor

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"time"

	"github.com/openfleet/contextd/internal/config"
	"github.com/openfleet/contextd/internal/migrate"
	"github.com/openfleet/contextd/internal/storage"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Run executes all diagnostic checks against the given home directory.
func Run(ctx context.Context, homeDir, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	d.Results = append(d.Results, checkHomeDir(homeDir))

	cfg, err := config.Load(homeDir)
	d.Results = append(d.Results, checkConfig(homeDir, err))
	if err != nil {
		d.Results = append(d.Results,
			CheckResult{Name: "Database", Status: "SKIP", Message: "Config not loaded"},
			CheckResult{Name: "Schema", Status: "SKIP", Message: "Config not loaded"},
			CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config not loaded"},
		)
	} else {
		d.Results = append(d.Results, checkDatabase(ctx, cfg)...)
	}

	d.Results = append(d.Results, checkVectorSupport(ctx))
	return d
}

func checkHomeDir(homeDir string) CheckResult {
	info, err := os.Stat(homeDir)
	if os.IsNotExist(err) {
		return CheckResult{Name: "Home", Status: "WARN",
			Message: fmt.Sprintf("%s does not exist yet", homeDir),
			Detail:  "Created on first run"}
	}
	if err != nil {
		return CheckResult{Name: "Home", Status: "FAIL", Message: err.Error()}
	}
	if !info.IsDir() {
		return CheckResult{Name: "Home", Status: "FAIL",
			Message: fmt.Sprintf("%s is not a directory", homeDir)}
	}
	return CheckResult{Name: "Home", Status: "PASS", Message: homeDir}
}

func checkConfig(homeDir string, loadErr error) CheckResult {
	if loadErr != nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: loadErr.Error()}
	}
	if _, err := os.Stat(config.ConfigPath(homeDir)); os.IsNotExist(err) {
		return CheckResult{Name: "Config", Status: "PASS",
			Message: "No config.yaml, using defaults"}
	}
	return CheckResult{Name: "Config", Status: "PASS",
		Message: fmt.Sprintf("Loaded from %s", config.ConfigPath(homeDir))}
}

func checkDatabase(ctx context.Context, cfg config.Config) []CheckResult {
	if _, err := os.Stat(cfg.DBPath); os.IsNotExist(err) {
		return []CheckResult{
			{Name: "Database", Status: "WARN",
				Message: fmt.Sprintf("%s does not exist yet", cfg.DBPath),
				Detail:  "Created on first run"},
			{Name: "Schema", Status: "SKIP", Message: "No database"},
			{Name: "Permissions", Status: "SKIP", Message: "No database"},
		}
	}

	db, err := storage.OpenRaw(cfg.DBPath, cfg.BusyTimeoutMS)
	if err != nil {
		return []CheckResult{
			{Name: "Database", Status: "FAIL", Message: err.Error()},
			{Name: "Schema", Status: "SKIP", Message: "Database unreachable"},
			{Name: "Permissions", Status: "SKIP", Message: "Database unreachable"},
		}
	}
	defer db.Close()

	results := []CheckResult{
		{Name: "Database", Status: "PASS", Message: cfg.DBPath},
	}

	version, err := migrate.DetectVersion(ctx, db)
	switch {
	case err != nil:
		results = append(results, CheckResult{Name: "Schema", Status: "FAIL", Message: err.Error()})
	case version == migrate.VersionNew:
		results = append(results, CheckResult{Name: "Schema", Status: "PASS", Message: "Chunked schema"})
	case version == migrate.VersionNone:
		results = append(results, CheckResult{Name: "Schema", Status: "PASS", Message: "Empty database"})
	case version == migrate.VersionUnknown:
		results = append(results, CheckResult{Name: "Schema", Status: "FAIL",
			Message: "Unrecognized schema", Detail: "Manual inspection required"})
	default:
		results = append(results, CheckResult{Name: "Schema", Status: "WARN",
			Message: fmt.Sprintf("Legacy schema (%s)", version),
			Detail:  "Run `contextd migrate` to convert"})
	}

	results = append(results, checkPermissionColumns(ctx, db))
	return results
}

func checkPermissionColumns(ctx context.Context, db *sql.DB) CheckResult {
	hasAgents, err := storage.TableExists(ctx, db, "agents")
	if err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: err.Error()}
	}
	if !hasAgents {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "No agents table"}
	}
	cols, err := storage.TableColumns(ctx, db, "agents")
	if err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: err.Error()}
	}
	if !cols["access_level"] {
		return CheckResult{Name: "Permissions", Status: "WARN",
			Message: "Agents lack permission columns",
			Detail:  "Run `contextd migrate-permissions` to add them"}
	}
	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Permission columns present"}
}

// checkVectorSupport probes a throwaway in-memory database so the check
// never mutates real data.
func checkVectorSupport(ctx context.Context) CheckResult {
	db, err := storage.OpenRaw(":memory:", 1000)
	if err != nil {
		return CheckResult{Name: "Vector", Status: "SKIP", Message: err.Error()}
	}
	defer db.Close()

	if migrate.ProbeVectorSupport(ctx, db, slog.New(slog.DiscardHandler)) {
		return CheckResult{Name: "Vector", Status: "PASS", Message: "vec0 extension available"}
	}
	return CheckResult{Name: "Vector", Status: "WARN",
		Message: "vec0 extension unavailable",
		Detail:  "Similarity search stays disabled"}
}
