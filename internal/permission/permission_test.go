package permission

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/openfleet/contextd/internal/faults"
	"github.com/openfleet/contextd/internal/storage"
)

func TestParseLevel(t *testing.T) {
	for _, valid := range []string{"self_only", "team_level", "session_level"} {
		if _, err := ParseLevel(valid); err != nil {
			t.Errorf("ParseLevel(%q): %v", valid, err)
		}
	}
	for _, invalid := range []string{"", "admin", "SELF_ONLY", "team"} {
		if _, err := ParseLevel(invalid); !errors.Is(err, faults.ErrValidation) {
			t.Errorf("ParseLevel(%q): expected validation error, got %v", invalid, err)
		}
	}
}

func TestLevelOrdering(t *testing.T) {
	if !TeamLevel.WidensOver(SelfOnly) || !SessionLevel.WidensOver(TeamLevel) {
		t.Error("level order broken")
	}
	if SelfOnly.WidensOver(TeamLevel) || TeamLevel.WidensOver(TeamLevel) {
		t.Error("downgrade or same level reported as widening")
	}
}

func TestCache(t *testing.T) {
	t.Run("ttl_expiry", func(t *testing.T) {
		c := NewCache(time.Minute, 10)
		now := time.Now()
		c.now = func() time.Time { return now }

		c.Put("a", Info{AgentID: "a", Level: TeamLevel})
		if _, ok := c.Get("a"); !ok {
			t.Fatal("fresh entry not served")
		}

		now = now.Add(2 * time.Minute)
		if _, ok := c.Get("a"); ok {
			t.Error("stale entry served past TTL")
		}
		if c.Len() != 0 {
			t.Errorf("stale entry not removed, len=%d", c.Len())
		}
	})

	t.Run("invalidate", func(t *testing.T) {
		c := NewCache(time.Minute, 10)
		c.Put("a", Info{AgentID: "a"})
		c.Invalidate("a")
		if _, ok := c.Get("a"); ok {
			t.Error("invalidated entry served")
		}
	})

	t.Run("evicts_oldest_at_capacity", func(t *testing.T) {
		c := NewCache(time.Hour, 2)
		now := time.Now()
		c.now = func() time.Time { return now }

		c.Put("old", Info{AgentID: "old"})
		now = now.Add(time.Second)
		c.Put("mid", Info{AgentID: "mid"})
		now = now.Add(time.Second)
		c.Put("new", Info{AgentID: "new"})

		if c.Len() != 2 {
			t.Fatalf("len=%d, want 2", c.Len())
		}
		if _, ok := c.Get("old"); ok {
			t.Error("oldest entry survived eviction")
		}
		if _, ok := c.Get("new"); !ok {
			t.Error("newest entry evicted")
		}
	})
}

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "test.db"), 5000)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func seedAgent(t *testing.T, store *storage.Store, agentID string, withTeam bool) (sessionID, teamID string) {
	t.Helper()
	ctx := context.Background()
	projectID, err := store.CreateProject(ctx, "", "proj-"+agentID, "")
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	sessionID, err = store.CreateSession(ctx, "", "sess", projectID, "")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if withTeam {
		teamID, err = store.CreateTeam(ctx, "", "team", sessionID, "")
		if err != nil {
			t.Fatalf("create team: %v", err)
		}
	}
	if err := store.CreateAgent(ctx, agentID, "agent-"+agentID, sessionID, teamID); err != nil {
		t.Fatalf("create agent: %v", err)
	}
	return sessionID, teamID
}

func TestResolver(t *testing.T) {
	ctx := context.Background()

	t.Run("caches_after_miss", func(t *testing.T) {
		store := openTestStore(t)
		seedAgent(t, store, "a1", true)
		cache := NewCache(time.Minute, 10)
		r := NewResolver(store, cache, nil, nil)

		info, err := r.Resolve(ctx, "a1")
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		if info.Level != SelfOnly {
			t.Errorf("default level: %s", info.Level)
		}
		if cache.Len() != 1 {
			t.Errorf("cache not populated, len=%d", cache.Len())
		}

		again, err := r.Resolve(ctx, "a1")
		if err != nil {
			t.Fatalf("resolve again: %v", err)
		}
		if again != info {
			t.Errorf("cached snapshot differs: %+v vs %+v", again, info)
		}
	})

	t.Run("unknown_agent_not_found", func(t *testing.T) {
		store := openTestStore(t)
		r := NewResolver(store, nil, nil, nil)
		if _, err := r.Resolve(ctx, "ghost"); !errors.Is(err, faults.ErrNotFound) {
			t.Errorf("expected not found, got %v", err)
		}
	})

	t.Run("effective_level_expired_reads_self_only_without_write", func(t *testing.T) {
		store := openTestStore(t)
		seedAgent(t, store, "a2", true)
		past := time.Now().Add(-time.Hour).UTC()
		if err := store.ApplyPermissionChange(context.Background(), storage.PermissionChange{
			AgentID: "a2", OldLevel: "self_only", NewLevel: "team_level",
			GrantedBy: "ops", ExpiresAt: &past,
		}); err != nil {
			t.Fatalf("apply change: %v", err)
		}

		r := NewResolver(store, nil, nil, nil)
		info, err := r.Resolve(ctx, "a2")
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		if info.Level != TeamLevel {
			t.Errorf("stored level: %s", info.Level)
		}
		if got := info.EffectiveLevel(time.Now()); got != SelfOnly {
			t.Errorf("effective level: %s", got)
		}

		// Pure read: the stored row keeps team_level.
		rec, err := store.GetAgentPermission(ctx, "a2")
		if err != nil {
			t.Fatalf("get permission: %v", err)
		}
		if rec.AccessLevel != "team_level" {
			t.Errorf("effective-level evaluation wrote to storage: %s", rec.AccessLevel)
		}
	})
}

func TestManager_UpdatePermission(t *testing.T) {
	ctx := context.Background()

	t.Run("upgrade_without_team_rejected", func(t *testing.T) {
		store := openTestStore(t)
		seedAgent(t, store, "a1", false)
		m := NewManager(store, NewResolver(store, nil, nil, nil), nil, nil)

		err := m.UpdatePermission(ctx, UpdateRequest{
			AgentID: "a1", NewLevel: "team_level", GrantedBy: "ops",
		})
		if !errors.Is(err, faults.ErrValidation) {
			t.Errorf("expected validation error, got %v", err)
		}
	})

	t.Run("downgrade_always_allowed", func(t *testing.T) {
		store := openTestStore(t)
		sessionID, _ := seedAgent(t, store, "a2", true)
		m := NewManager(store, NewResolver(store, nil, nil, nil), nil, nil)

		if err := m.UpdatePermission(ctx, UpdateRequest{
			AgentID: "a2", NewLevel: "session_level", GrantedBy: "ops",
		}); err != nil {
			t.Fatalf("grant session_level: %v", err)
		}
		// Remove membership, then downgrade. Membership checks bind
		// upgrades only.
		if err := store.AssignAgent(ctx, "a2", sessionID, ""); err != nil {
			t.Fatalf("clear team: %v", err)
		}
		if err := m.UpdatePermission(ctx, UpdateRequest{
			AgentID: "a2", NewLevel: "self_only", GrantedBy: "ops", Reason: "wrap up",
		}); err != nil {
			t.Errorf("downgrade rejected: %v", err)
		}
	})

	t.Run("no_stale_read_after_update", func(t *testing.T) {
		store := openTestStore(t)
		seedAgent(t, store, "a3", true)
		resolver := NewResolver(store, NewCache(time.Hour, 10), nil, nil)
		m := NewManager(store, resolver, nil, nil)

		before, err := resolver.Resolve(ctx, "a3")
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		if before.Level != SelfOnly {
			t.Fatalf("precondition: %s", before.Level)
		}

		if err := m.UpdatePermission(ctx, UpdateRequest{
			AgentID: "a3", NewLevel: "team_level", GrantedBy: "ops",
		}); err != nil {
			t.Fatalf("update: %v", err)
		}

		after, err := resolver.Resolve(ctx, "a3")
		if err != nil {
			t.Fatalf("resolve after update: %v", err)
		}
		if after.Level != TeamLevel {
			t.Errorf("stale read after permission write: %s", after.Level)
		}
	})

	t.Run("rejects_past_expiry", func(t *testing.T) {
		store := openTestStore(t)
		seedAgent(t, store, "a4", true)
		m := NewManager(store, nil, nil, nil)

		past := time.Now().Add(-time.Minute)
		err := m.UpdatePermission(ctx, UpdateRequest{
			AgentID: "a4", NewLevel: "team_level", GrantedBy: "ops", ExpiresAt: &past,
		})
		if !errors.Is(err, faults.ErrValidation) {
			t.Errorf("expected validation error, got %v", err)
		}
	})

	t.Run("rejects_empty_granted_by", func(t *testing.T) {
		store := openTestStore(t)
		seedAgent(t, store, "a5", true)
		m := NewManager(store, nil, nil, nil)

		err := m.UpdatePermission(ctx, UpdateRequest{AgentID: "a5", NewLevel: "team_level"})
		if !errors.Is(err, faults.ErrValidation) {
			t.Errorf("expected validation error, got %v", err)
		}
	})
}

func TestManager_DowngradeExpired(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	seedAgent(t, store, "a1", true)
	resolver := NewResolver(store, NewCache(time.Hour, 10), nil, nil)
	m := NewManager(store, resolver, nil, nil)

	past := time.Now().Add(-time.Hour).UTC()
	if err := store.ApplyPermissionChange(ctx, storage.PermissionChange{
		AgentID: "a1", OldLevel: "self_only", NewLevel: "team_level",
		GrantedBy: "ops", ExpiresAt: &past,
	}); err != nil {
		t.Fatalf("apply change: %v", err)
	}

	if err := m.DowngradeExpired(ctx, "a1"); err != nil {
		t.Fatalf("downgrade expired: %v", err)
	}

	rec, err := store.GetAgentPermission(ctx, "a1")
	if err != nil {
		t.Fatalf("get permission: %v", err)
	}
	if rec.AccessLevel != "self_only" {
		t.Errorf("level after downgrade: %s", rec.AccessLevel)
	}

	entries, err := store.ListHistory(ctx, "a1", 10)
	if err != nil {
		t.Fatalf("list history: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("history rows: %d", len(entries))
	}
	latest := entries[0]
	if latest.GrantedBy != SystemExpirationActor || latest.NewLevel != "self_only" {
		t.Errorf("downgrade audit row: %+v", latest)
	}
	if latest.Reason != "Permission expired" {
		t.Errorf("downgrade reason: %q", latest.Reason)
	}

	// Idempotent: a second sweep finds self_only and writes nothing.
	if err := m.DowngradeExpired(ctx, "a1"); err != nil {
		t.Fatalf("second downgrade: %v", err)
	}
	entries, _ = store.ListHistory(ctx, "a1", 10)
	if len(entries) != 2 {
		t.Errorf("idempotent downgrade added history: %d rows", len(entries))
	}
}
