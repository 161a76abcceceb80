package main

import (
	"context"
	"testing"
)

func TestSnippet(t *testing.T) {
	if got := snippet("short", 10); got != "short" {
		t.Errorf("snippet(short) = %q", got)
	}
	if got := snippet("line\nbreak", 20); got != "line break" {
		t.Errorf("snippet flattens newlines: %q", got)
	}
	long := "aaaaaaaaaaaaaaaaaaaa"
	if got := snippet(long, 5); got != "aaaaa..." {
		t.Errorf("snippet truncates: %q", got)
	}
}

func TestCLIRoundTrip(t *testing.T) {
	t.Setenv("CONTEXTD_HOME", t.TempDir())
	ctx := context.Background()

	steps := []struct {
		name string
		run  func() int
	}{
		{"seed_project", func() int {
			return runSeedCommand(ctx, []string{"project", "proj", "-id", "p1"})
		}},
		{"seed_session", func() int {
			return runSeedCommand(ctx, []string{"session", "sess", "-project", "p1", "-id", "s1"})
		}},
		{"seed_team", func() int {
			return runSeedCommand(ctx, []string{"team", "crew", "-session", "s1", "-id", "t1"})
		}},
		{"seed_agent", func() int {
			return runSeedCommand(ctx, []string{"agent", "a1", "alpha", "-session", "s1", "-team", "t1"})
		}},
		{"add_context", func() int {
			return runAddCommand(ctx, []string{"a1", "first note", "-content", "hello world"})
		}},
		{"grant_team_level", func() int {
			return runGrantCommand(ctx, []string{"a1", "team_level", "-by", "ops", "-expires-in", "24h"})
		}},
		{"list_contexts", func() int {
			return runListCommand(ctx, []string{"a1", "-limit", "5"})
		}},
		{"history", func() int {
			return runHistoryCommand(ctx, []string{"a1"})
		}},
		{"doctor", func() int {
			return runDoctorCommand(ctx, []string{"-json"})
		}},
	}
	for _, step := range steps {
		if code := step.run(); code != 0 {
			t.Fatalf("%s exited %d", step.name, code)
		}
	}
}

func TestSeedCommand_UnknownAction(t *testing.T) {
	t.Setenv("CONTEXTD_HOME", t.TempDir())
	if code := runSeedCommand(context.Background(), []string{"fleet"}); code != 2 {
		t.Errorf("unknown action exited %d, want 2", code)
	}
}

func TestGrantCommand_MissingActor(t *testing.T) {
	t.Setenv("CONTEXTD_HOME", t.TempDir())
	ctx := context.Background()
	if code := runSeedCommand(ctx, []string{"agent", "a1", "alpha"}); code != 0 {
		t.Fatalf("seed agent failed")
	}
	if code := runGrantCommand(ctx, []string{"a1", "self_only"}); code != 1 {
		t.Errorf("grant without -by exited %d, want 1", code)
	}
}
