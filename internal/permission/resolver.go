package permission

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	otelx "github.com/openfleet/contextd/internal/otel"
	"github.com/openfleet/contextd/internal/storage"
)

// Info is a resolved permission snapshot: the granted level plus the scope
// identifiers needed to run a scoped query.
type Info struct {
	AgentID   string
	Level     Level
	SessionID string
	TeamID    string
	ProjectID string
	GrantedBy string
	GrantedAt *time.Time
	ExpiresAt *time.Time
}

// Expired reports whether the grant has lapsed at the given instant. A nil
// expiry never expires.
func (i Info) Expired(now time.Time) bool {
	return i.ExpiresAt != nil && !now.Before(*i.ExpiresAt)
}

// EffectiveLevel returns the level reads must honor at the given instant.
// An expired grant reads as self_only without writing anything; the stored
// row is downgraded separately.
func (i Info) EffectiveLevel(now time.Time) Level {
	if i.Expired(now) {
		return SelfOnly
	}
	return i.Level
}

// Reader is the storage surface the resolver needs.
type Reader interface {
	GetAgentPermission(ctx context.Context, agentID string) (*storage.AgentPermission, error)
}

// Resolver answers "what may this agent see" with a TTL cache in front of
// the agents table.
type Resolver struct {
	store   Reader
	cache   *Cache
	logger  *slog.Logger
	metrics *otelx.Metrics
}

// NewResolver builds a resolver. A nil cache gets the defaults; nil logger
// and metrics are replaced with no-ops.
func NewResolver(store Reader, cache *Cache, logger *slog.Logger, metrics *otelx.Metrics) *Resolver {
	if cache == nil {
		cache = NewCache(0, 0)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = otelx.NopMetrics()
	}
	return &Resolver{store: store, cache: cache, logger: logger, metrics: metrics}
}

// Resolve returns the agent's permission snapshot, served from cache when
// fresh. The returned Info may carry a lapsed expiry; callers decide between
// EffectiveLevel (pure read) and Manager.DowngradeExpired (persist).
func (r *Resolver) Resolve(ctx context.Context, agentID string) (Info, error) {
	if info, ok := r.cache.Get(agentID); ok {
		r.metrics.CacheHits.Add(ctx, 1)
		return info, nil
	}
	r.metrics.CacheMisses.Add(ctx, 1)

	rec, err := r.store.GetAgentPermission(ctx, agentID)
	if err != nil {
		return Info{}, fmt.Errorf("resolve permission: %w", err)
	}

	level, err := ParseLevel(rec.AccessLevel)
	if err != nil {
		// A row that fails the CHECK constraint can only come from an
		// out-of-band edit. Corrupt state fails this request, not the
		// process, and is never cached.
		r.logger.Error("stored access level invalid",
			"agent_id", agentID, "access_level", rec.AccessLevel)
		return Info{}, err
	}

	info := Info{
		AgentID:   rec.AgentID,
		Level:     level,
		SessionID: rec.SessionID,
		TeamID:    rec.TeamID,
		ProjectID: rec.ProjectID,
		GrantedBy: rec.PermissionGrantedBy,
		GrantedAt: rec.PermissionGrantedAt,
		ExpiresAt: rec.PermissionExpiresAt,
	}
	r.cache.Put(agentID, info)
	return info, nil
}

// Invalidate drops the agent's cached snapshot.
func (r *Resolver) Invalidate(agentID string) {
	r.cache.Invalidate(agentID)
}
