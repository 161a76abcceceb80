package permission

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/openfleet/contextd/internal/faults"
	otelx "github.com/openfleet/contextd/internal/otel"
	"github.com/openfleet/contextd/internal/storage"
)

const (
	// SystemExpirationActor marks downgrades performed by the expiry path
	// rather than an operator.
	SystemExpirationActor = "system_expiration"
	expiredReason         = "Permission expired"
)

// Writer is the storage surface the manager needs.
type Writer interface {
	Reader
	ApplyPermissionChange(ctx context.Context, change storage.PermissionChange) error
}

// Manager performs validated, audited permission mutations. Every write
// lands the agent-row update and the history entry in one transaction, then
// invalidates the cache so the next read resolves fresh.
type Manager struct {
	store    Writer
	resolver *Resolver
	logger   *slog.Logger
	metrics  *otelx.Metrics
}

func NewManager(store Writer, resolver *Resolver, logger *slog.Logger, metrics *otelx.Metrics) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = otelx.NopMetrics()
	}
	return &Manager{store: store, resolver: resolver, logger: logger, metrics: metrics}
}

// UpdateRequest is one operator-driven permission change.
type UpdateRequest struct {
	AgentID   string
	NewLevel  string
	GrantedBy string
	Reason    string
	ExpiresAt *time.Time
}

// UpdatePermission validates and applies a permission change.
//
// Downgrades are always allowed. Upgrades carry membership preconditions:
// team_level requires a team assignment and session_level a session
// assignment, checked against current state at write time, never cached.
func (m *Manager) UpdatePermission(ctx context.Context, req UpdateRequest) error {
	newLevel, err := ParseLevel(req.NewLevel)
	if err != nil {
		return err
	}
	if req.GrantedBy == "" {
		return fmt.Errorf("%w: granted_by is required", faults.ErrValidation)
	}
	if req.ExpiresAt != nil && !req.ExpiresAt.After(time.Now()) {
		return fmt.Errorf("%w: expiry must be in the future", faults.ErrValidation)
	}

	rec, err := m.store.GetAgentPermission(ctx, req.AgentID)
	if err != nil {
		return err
	}
	current, err := ParseLevel(rec.AccessLevel)
	if err != nil {
		return err
	}

	if newLevel.WidensOver(current) {
		switch newLevel {
		case TeamLevel:
			if rec.TeamID == "" {
				return fmt.Errorf("%w: agent %s has no team; cannot grant team_level", faults.ErrValidation, req.AgentID)
			}
		case SessionLevel:
			if rec.SessionID == "" {
				return fmt.Errorf("%w: agent %s has no session; cannot grant session_level", faults.ErrValidation, req.AgentID)
			}
		}
	}

	change := storage.PermissionChange{
		AgentID:   req.AgentID,
		OldLevel:  current.String(),
		NewLevel:  newLevel.String(),
		GrantedBy: req.GrantedBy,
		Reason:    req.Reason,
		ExpiresAt: req.ExpiresAt,
	}
	if err := m.store.ApplyPermissionChange(ctx, change); err != nil {
		return err
	}
	m.invalidate(req.AgentID)

	m.metrics.PermissionChanges.Add(ctx, 1)
	m.logger.Info("permission updated",
		"agent_id", req.AgentID,
		"old_level", current.String(),
		"new_level", newLevel.String(),
		"granted_by", req.GrantedBy,
	)
	return nil
}

// DowngradeExpired persists the self_only downgrade for an agent whose grant
// has lapsed. Attributed to system_expiration, never to an operator.
func (m *Manager) DowngradeExpired(ctx context.Context, agentID string) error {
	rec, err := m.store.GetAgentPermission(ctx, agentID)
	if err != nil {
		return err
	}
	current, err := ParseLevel(rec.AccessLevel)
	if err != nil {
		return err
	}
	if current == SelfOnly {
		m.invalidate(agentID)
		return nil
	}

	change := storage.PermissionChange{
		AgentID:   agentID,
		OldLevel:  current.String(),
		NewLevel:  SelfOnly.String(),
		GrantedBy: SystemExpirationActor,
		Reason:    expiredReason,
	}
	if err := m.store.ApplyPermissionChange(ctx, change); err != nil {
		return err
	}
	m.invalidate(agentID)

	m.metrics.ExpiredDowngrades.Add(ctx, 1)
	m.logger.Info("expired permission downgraded",
		"agent_id", agentID,
		"old_level", current.String(),
	)
	return nil
}

func (m *Manager) invalidate(agentID string) {
	if m.resolver != nil {
		m.resolver.Invalidate(agentID)
	}
}
