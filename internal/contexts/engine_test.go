package contexts

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/openfleet/contextd/internal/faults"
	"github.com/openfleet/contextd/internal/permission"
	"github.com/openfleet/contextd/internal/storage"
)

type fixture struct {
	store    *storage.Store
	resolver *permission.Resolver
	manager  *permission.Manager
	engine   *Engine

	sessionID string
	teamID    string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "test.db"), 5000)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	projectID, err := store.CreateProject(ctx, "", "proj", "")
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	sessionID, err := store.CreateSession(ctx, "", "sess", projectID, "")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	teamID, err := store.CreateTeam(ctx, "", "team", sessionID, "")
	if err != nil {
		t.Fatalf("create team: %v", err)
	}

	resolver := permission.NewResolver(store, permission.NewCache(time.Minute, 100), nil, nil)
	manager := permission.NewManager(store, resolver, nil, nil)
	engine := NewEngine(store, resolver, manager, nil, nil, nil)

	return &fixture{
		store:     store,
		resolver:  resolver,
		manager:   manager,
		engine:    engine,
		sessionID: sessionID,
		teamID:    teamID,
	}
}

func (f *fixture) addAgent(t *testing.T, id string, teamID string) {
	t.Helper()
	if err := f.store.CreateAgent(context.Background(), id, "name-"+id, f.sessionID, teamID); err != nil {
		t.Fatalf("create agent %s: %v", id, err)
	}
}

func (f *fixture) grant(t *testing.T, agentID, level string) {
	t.Helper()
	err := f.manager.UpdatePermission(context.Background(), permission.UpdateRequest{
		AgentID: agentID, NewLevel: level, GrantedBy: "test",
	})
	if err != nil {
		t.Fatalf("grant %s to %s: %v", level, agentID, err)
	}
}

func (f *fixture) addContext(t *testing.T, agentID, title, metadata string) int64 {
	t.Helper()
	id, err := f.store.AddContext(context.Background(), storage.AddContextParams{
		AgentID:   agentID,
		SessionID: f.sessionID,
		Title:     title,
		Content:   "content of " + title,
		Metadata:  metadata,
	})
	if err != nil {
		t.Fatalf("add context %s: %v", title, err)
	}
	return id
}

// Four agents in one session: A stays self_only, T1 and T2 share a team at
// team_level, S holds session_level. Each writes one context.
func seedScenario(t *testing.T, f *fixture) {
	t.Helper()
	f.addAgent(t, "A", "")
	f.addAgent(t, "T1", f.teamID)
	f.addAgent(t, "T2", f.teamID)
	f.addAgent(t, "S", "")

	f.grant(t, "T1", "team_level")
	f.grant(t, "T2", "team_level")
	f.grant(t, "S", "session_level")

	f.addContext(t, "A", "ctx-A", "")
	f.addContext(t, "T1", "ctx-T1", "")
	f.addContext(t, "T2", "ctx-T2", "")
	f.addContext(t, "S", "ctx-S", "")
}

func TestListContexts_ScopedVisibility(t *testing.T) {
	f := newFixture(t)
	seedScenario(t, f)
	ctx := context.Background()

	cases := []struct {
		agent  string
		want   int
		level  permission.Level
		reason string
	}{
		{"A", 1, permission.SelfOnly, ""},
		{"T1", 2, permission.TeamLevel, ReasonSameTeam},
		{"T2", 2, permission.TeamLevel, ReasonSameTeam},
		{"S", 4, permission.SessionLevel, ReasonSameSession},
	}
	for _, tc := range cases {
		t.Run(tc.agent, func(t *testing.T) {
			res, err := f.engine.ListContexts(ctx, tc.agent, 10, false)
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(res.Contexts) != tc.want {
				t.Errorf("returned %d contexts, want %d", len(res.Contexts), tc.want)
			}
			if res.TotalAvailable != tc.want {
				t.Errorf("total %d, want %d", res.TotalAvailable, tc.want)
			}
			if res.EffectiveLevel != tc.level {
				t.Errorf("effective level %s, want %s", res.EffectiveLevel, tc.level)
			}
			for _, rec := range res.Contexts {
				if rec.AccessReason != tc.reason {
					t.Errorf("access reason %q, want %q", rec.AccessReason, tc.reason)
				}
				if rec.AgentName == "" {
					t.Error("agent name missing")
				}
			}
		})
	}

	t.Run("team_scope_excludes_outsiders", func(t *testing.T) {
		res, err := f.engine.ListContexts(ctx, "T1", 10, false)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		for _, rec := range res.Contexts {
			if rec.AgentID == "A" || rec.AgentID == "S" {
				t.Errorf("team scope leaked record from %s", rec.AgentID)
			}
		}
	})

	t.Run("session_scope_carries_team_name", func(t *testing.T) {
		res, err := f.engine.ListContexts(ctx, "S", 10, false)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		var teamNamed int
		for _, rec := range res.Contexts {
			if rec.TeamName != "" {
				teamNamed++
			}
		}
		if teamNamed != 2 {
			t.Errorf("team names on %d records, want 2 (T1 and T2)", teamNamed)
		}
	})
}

func TestListContexts_UnknownAgent(t *testing.T) {
	f := newFixture(t)
	if _, err := f.engine.ListContexts(context.Background(), "ghost", 10, false); !errors.Is(err, faults.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestListContexts_FallbackWithoutMembership(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Granted team_level while on a team, then the team assignment is
	// removed. The stored level stays; reads fall back.
	f.addAgent(t, "drifter", f.teamID)
	f.grant(t, "drifter", "team_level")
	if err := f.store.AssignAgent(ctx, "drifter", f.sessionID, ""); err != nil {
		t.Fatalf("clear team: %v", err)
	}
	f.resolver.Invalidate("drifter")
	f.addContext(t, "drifter", "mine", "")

	f.addAgent(t, "other", f.teamID)
	f.addContext(t, "other", "theirs", "")

	res, err := f.engine.ListContexts(ctx, "drifter", 10, false)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if res.EffectiveLevel != permission.SelfOnly {
		t.Errorf("effective level %s, want self_only", res.EffectiveLevel)
	}
	if res.FallbackFrom != "team_level" {
		t.Errorf("fallback from %q", res.FallbackFrom)
	}
	if len(res.Contexts) != 1 || res.Contexts[0].Title != "mine" {
		t.Errorf("fallback read widened: %+v", res.Contexts)
	}

	// The stored level is untouched by the fallback.
	rec, err := f.store.GetAgentPermission(ctx, "drifter")
	if err != nil {
		t.Fatalf("get permission: %v", err)
	}
	if rec.AccessLevel != "team_level" {
		t.Errorf("fallback rewrote stored level: %s", rec.AccessLevel)
	}
}

func TestListContexts_ExpiredGrantDowngrades(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.addAgent(t, "exp", f.teamID)
	f.addAgent(t, "mate", f.teamID)
	f.addContext(t, "exp", "own", "")
	f.addContext(t, "mate", "teammate", "")

	past := time.Now().Add(-time.Hour).UTC()
	if err := f.store.ApplyPermissionChange(ctx, storage.PermissionChange{
		AgentID: "exp", OldLevel: "self_only", NewLevel: "team_level",
		GrantedBy: "ops", ExpiresAt: &past,
	}); err != nil {
		t.Fatalf("apply change: %v", err)
	}

	res, err := f.engine.ListContexts(ctx, "exp", 10, false)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if res.EffectiveLevel != permission.SelfOnly {
		t.Errorf("effective level %s, want self_only", res.EffectiveLevel)
	}
	if len(res.Contexts) != 1 || res.Contexts[0].Title != "own" {
		t.Errorf("expired grant still widened the read: %+v", res.Contexts)
	}

	// The observation persisted the downgrade with a system audit row.
	rec, err := f.store.GetAgentPermission(ctx, "exp")
	if err != nil {
		t.Fatalf("get permission: %v", err)
	}
	if rec.AccessLevel != "self_only" {
		t.Errorf("stored level after observation: %s", rec.AccessLevel)
	}
	entries, err := f.store.ListHistory(ctx, "exp", 10)
	if err != nil {
		t.Fatalf("list history: %v", err)
	}
	if len(entries) == 0 || entries[0].GrantedBy != permission.SystemExpirationActor {
		t.Errorf("missing system_expiration audit row: %+v", entries)
	}
}

func TestListContexts_LimitAndTotal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addAgent(t, "w", "")
	for i := 0; i < 5; i++ {
		f.addContext(t, "w", "ctx", "")
	}

	res, err := f.engine.ListContexts(ctx, "w", 2, false)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(res.Contexts) != 2 {
		t.Errorf("returned %d, want 2", len(res.Contexts))
	}
	if res.TotalAvailable != 5 {
		t.Errorf("total %d, want 5", res.TotalAvailable)
	}
}

func TestListContexts_Metadata(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addAgent(t, "m", "")
	f.addContext(t, "m", "good", `{"kind":"note"}`)

	badID := f.addContext(t, "m", "bad", "{}")
	if _, err := f.store.DB().ExecContext(ctx,
		`UPDATE contexts SET metadata = 'not json' WHERE id = ?;`, badID); err != nil {
		t.Fatalf("corrupt metadata: %v", err)
	}

	res, err := f.engine.ListContexts(ctx, "m", 10, true)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	byTitle := map[string]Record{}
	for _, rec := range res.Contexts {
		byTitle[rec.Title] = rec
	}
	if got := byTitle["good"].Metadata["kind"]; got != "note" {
		t.Errorf("metadata lost: %v", got)
	}
	if bad := byTitle["bad"].Metadata; bad == nil || len(bad) != 0 {
		t.Errorf("malformed metadata should read as empty object, got %v", bad)
	}

	t.Run("omitted_when_not_requested", func(t *testing.T) {
		res, err := f.engine.ListContexts(ctx, "m", 10, false)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		for _, rec := range res.Contexts {
			if rec.Metadata != nil {
				t.Error("metadata attached without includeMetadata")
			}
		}
	})
}
