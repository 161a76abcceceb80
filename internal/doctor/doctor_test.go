package doctor

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/openfleet/contextd/internal/storage"
)

func statusOf(t *testing.T, d Diagnosis, name string) CheckResult {
	t.Helper()
	for _, r := range d.Results {
		if r.Name == name {
			return r
		}
	}
	t.Fatalf("no %q check in results: %+v", name, d.Results)
	return CheckResult{}
}

func TestRun_FreshHome(t *testing.T) {
	home := t.TempDir()
	d := Run(context.Background(), home, "test")

	if got := statusOf(t, d, "Home").Status; got != "PASS" {
		t.Errorf("home check: %s", got)
	}
	if got := statusOf(t, d, "Config").Status; got != "PASS" {
		t.Errorf("config check: %s", got)
	}
	// No database file yet.
	if got := statusOf(t, d, "Database").Status; got != "WARN" {
		t.Errorf("database check: %s", got)
	}
	if got := statusOf(t, d, "Schema").Status; got != "SKIP" {
		t.Errorf("schema check: %s", got)
	}
}

func TestRun_InitializedDatabase(t *testing.T) {
	home := t.TempDir()
	store, err := storage.Open(filepath.Join(home, "contextd.db"), 5000)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	store.Close()

	d := Run(context.Background(), home, "test")

	if got := statusOf(t, d, "Database").Status; got != "PASS" {
		t.Errorf("database check: %s", got)
	}
	if got := statusOf(t, d, "Schema").Status; got != "PASS" {
		t.Errorf("schema check: %s", got)
	}
	if got := statusOf(t, d, "Permissions").Status; got != "PASS" {
		t.Errorf("permissions check: %s", got)
	}
}
