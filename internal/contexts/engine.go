// Package contexts implements permission-scoped reads over stored context
// records. The engine widens a query to exactly what the requester's
// effective access level allows and no further.
package contexts

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/openfleet/contextd/internal/audit"
	otelx "github.com/openfleet/contextd/internal/otel"
	"github.com/openfleet/contextd/internal/permission"
	"github.com/openfleet/contextd/internal/shared"
	"github.com/openfleet/contextd/internal/storage"
)

const (
	// ReasonSameTeam marks records visible through team scope.
	ReasonSameTeam = "same_team"
	// ReasonSameSession marks records visible through session scope.
	ReasonSameSession = "same_session"

	// DefaultLimit bounds a list call that does not name one.
	DefaultLimit = 10
)

// Record is one context as returned to a requester, annotated with how the
// requester was allowed to see it.
type Record struct {
	ID             int64
	AgentID        string
	AgentName      string
	TeamName       string
	SessionID      string
	Title          string
	Content        string
	Metadata       map[string]any
	SequenceNumber *int64
	CreatedAt      time.Time
	AccessReason   string
}

// ListResult is a scoped page plus the unlimited count under the same
// predicate.
type ListResult struct {
	Contexts       []Record
	TotalAvailable int
	EffectiveLevel permission.Level
	// FallbackFrom names the granted level when a missing membership forced
	// the read down to self_only. Empty when no fallback happened.
	FallbackFrom string
}

// Engine dispatches list queries by effective access level.
type Engine struct {
	store    *storage.Store
	resolver *permission.Resolver
	manager  *permission.Manager
	sink     *audit.Sink
	logger   *slog.Logger
	metrics  *otelx.Metrics
}

func NewEngine(store *storage.Store, resolver *permission.Resolver, manager *permission.Manager,
	sink *audit.Sink, logger *slog.Logger, metrics *otelx.Metrics) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = otelx.NopMetrics()
	}
	return &Engine{
		store:    store,
		resolver: resolver,
		manager:  manager,
		sink:     sink,
		logger:   logger,
		metrics:  metrics,
	}
}

// ListContexts returns the records the agent may see at its effective level.
//
// Observing a lapsed expiry triggers the persistent downgrade before the
// read proceeds at self_only. Missing memberships fall the read back to
// self_only with a warning rather than an error.
func (e *Engine) ListContexts(ctx context.Context, agentID string, limit int, includeMetadata bool) (*ListResult, error) {
	start := time.Now()

	info, err := e.resolver.Resolve(ctx, agentID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	if info.Expired(now) {
		if err := e.manager.DowngradeExpired(ctx, agentID); err != nil {
			// The read still proceeds at self_only; the stored row will be
			// retried by the next observation or the sweep.
			e.logger.Warn("expired permission downgrade failed",
				"agent_id", agentID, "error", err)
		}
	}
	effective := info.EffectiveLevel(now)

	if limit <= 0 {
		limit = DefaultLimit
	}

	var fallbackFrom string
	switch effective {
	case permission.TeamLevel:
		if info.TeamID == "" || info.SessionID == "" {
			e.logger.Warn("team_level agent missing membership, falling back to self_only",
				"agent_id", agentID, "team_id", info.TeamID, "session_id", info.SessionID)
			fallbackFrom = effective.String()
			effective = permission.SelfOnly
		}
	case permission.SessionLevel:
		if info.SessionID == "" {
			e.logger.Warn("session_level agent missing session, falling back to self_only",
				"agent_id", agentID)
			fallbackFrom = effective.String()
			effective = permission.SelfOnly
		}
	}

	var (
		rows   []storage.ContextRow
		total  int
		reason string
	)
	switch effective {
	case permission.SelfOnly:
		rows, err = e.store.ListSelfContexts(ctx, agentID, limit)
		if err == nil {
			total, err = e.store.CountSelfContexts(ctx, agentID)
		}
	case permission.TeamLevel:
		reason = ReasonSameTeam
		rows, err = e.store.ListTeamContexts(ctx, info.TeamID, info.SessionID, limit)
		if err == nil {
			total, err = e.store.CountTeamContexts(ctx, info.TeamID, info.SessionID)
		}
	case permission.SessionLevel:
		reason = ReasonSameSession
		rows, err = e.store.ListSessionContexts(ctx, info.SessionID, limit)
		if err == nil {
			total, err = e.store.CountSessionContexts(ctx, info.SessionID)
		}
	default:
		return nil, fmt.Errorf("unhandled access level %q", effective)
	}
	if err != nil {
		return nil, err
	}

	result := &ListResult{
		Contexts:       make([]Record, 0, len(rows)),
		TotalAvailable: total,
		EffectiveLevel: effective,
		FallbackFrom:   fallbackFrom,
	}
	for _, row := range rows {
		rec := Record{
			ID:             row.ID,
			AgentID:        row.AgentID,
			AgentName:      row.AgentName,
			SessionID:      row.SessionID,
			Title:          row.Title,
			Content:        row.Content,
			SequenceNumber: row.SequenceNumber,
			CreatedAt:      row.CreatedAt,
			AccessReason:   reason,
		}
		if effective == permission.SessionLevel {
			rec.TeamName = row.TeamName
		}
		if includeMetadata {
			rec.Metadata = parseMetadata(e.logger, row.ID, row.Metadata)
		}
		result.Contexts = append(result.Contexts, rec)
	}

	e.metrics.ContextListDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(otelx.AttrAccessLevel.String(effective.String())))
	e.sink.Record(audit.AccessEvent{
		TraceID:      shared.TraceID(ctx),
		AgentID:      agentID,
		AccessLevel:  info.Level.String(),
		Scope:        effective.String(),
		Returned:     len(result.Contexts),
		Available:    total,
		FallbackFrom: fallbackFrom,
	})
	return result, nil
}

// parseMetadata decodes the stored JSON object. Malformed metadata never
// fails the read; it reads as an empty object.
func parseMetadata(logger *slog.Logger, contextID int64, raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil || m == nil {
		logger.Warn("malformed context metadata, substituting empty object",
			"context_id", contextID)
		return map[string]any{}
	}
	return m
}
