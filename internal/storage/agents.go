package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/openfleet/contextd/internal/faults"
	"github.com/google/uuid"
)

// Agent is a runtime agent row.
type Agent struct {
	ID                  string
	Name                string
	SessionID           string // empty when unassigned
	TeamID              string // empty when unassigned
	AccessLevel         string
	PermissionGrantedBy string
	PermissionGrantedAt *time.Time
	PermissionExpiresAt *time.Time
	CreatedAt           time.Time
}

// AgentPermission is the resolver's view of an agent: permission fields
// joined with the session's project for scope reporting.
type AgentPermission struct {
	AgentID             string
	AccessLevel         string
	SessionID           string
	TeamID              string
	ProjectID           string
	PermissionGrantedBy string
	PermissionGrantedAt *time.Time
	PermissionExpiresAt *time.Time
}

// CreateAgent inserts a new agent with the default self_only level. Empty
// session/team leave the columns NULL.
func (s *Store) CreateAgent(ctx context.Context, id, name, sessionID, teamID string) error {
	if id == "" {
		id = uuid.NewString()
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO agents (id, name, session_id, team_id, created_at, updated_at)
			VALUES (?, ?, NULLIF(?, ''), NULLIF(?, ''), CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, id, name, sessionID, teamID)
		return err
	})
	if err != nil {
		return fmt.Errorf("create agent: %w", err)
	}
	return nil
}

// AssignAgent updates an agent's team and/or session membership. Empty
// values clear the assignment.
func (s *Store) AssignAgent(ctx context.Context, agentID, sessionID, teamID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agents
		SET session_id = NULLIF(?, ''), team_id = NULLIF(?, ''), updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND deleted_at IS NULL;
	`, sessionID, teamID, agentID)
	if err != nil {
		return fmt.Errorf("assign agent: %w", err)
	}
	n, rowsErr := res.RowsAffected()
	if rowsErr != nil {
		return fmt.Errorf("assign agent: rows affected: %w", rowsErr)
	}
	if n == 0 {
		return fmt.Errorf("assign agent %q: %w", agentID, faults.ErrNotFound)
	}
	return nil
}

// SoftDeleteAgent marks an agent deleted without removing its rows.
func (s *Store) SoftDeleteAgent(ctx context.Context, agentID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agents SET deleted_at = CURRENT_TIMESTAMP WHERE id = ? AND deleted_at IS NULL;
	`, agentID)
	if err != nil {
		return fmt.Errorf("soft delete agent: %w", err)
	}
	n, rowsErr := res.RowsAffected()
	if rowsErr != nil {
		return fmt.Errorf("soft delete agent: rows affected: %w", rowsErr)
	}
	if n == 0 {
		return fmt.Errorf("soft delete agent %q: %w", agentID, faults.ErrNotFound)
	}
	return nil
}

// GetAgentPermission loads the permission record for a live agent, joined
// with its session for project linkage.
func (s *Store) GetAgentPermission(ctx context.Context, agentID string) (*AgentPermission, error) {
	var (
		rec       AgentPermission
		sessionID sql.NullString
		teamID    sql.NullString
		projectID sql.NullString
		grantedBy sql.NullString
		grantedAt sql.NullTime
		expiresAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT a.id, a.access_level, a.session_id, a.team_id,
			a.permission_granted_by, a.permission_granted_at, a.permission_expires_at,
			s.project_id
		FROM agents a
		LEFT JOIN sessions s ON a.session_id = s.id
		WHERE a.id = ? AND a.deleted_at IS NULL;
	`, agentID).Scan(&rec.AgentID, &rec.AccessLevel, &sessionID, &teamID,
		&grantedBy, &grantedAt, &expiresAt, &projectID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("agent %q: %w", agentID, faults.ErrNotFound)
		}
		return nil, fmt.Errorf("get agent permission: %w", err)
	}
	rec.SessionID = sessionID.String
	rec.TeamID = teamID.String
	rec.ProjectID = projectID.String
	rec.PermissionGrantedBy = grantedBy.String
	if grantedAt.Valid {
		t := grantedAt.Time
		rec.PermissionGrantedAt = &t
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		rec.PermissionExpiresAt = &t
	}
	return &rec, nil
}

// ListExpiredPermissionAgents returns live agents still holding an elevated
// level past its expiry. The sweep downgrades each one.
func (s *Store) ListExpiredPermissionAgents(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM agents
		WHERE deleted_at IS NULL
			AND access_level != ?
			AND permission_expires_at IS NOT NULL
			AND permission_expires_at <= ?;
	`, AccessSelfOnly, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("list expired permissions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan expired agent id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expired agent ids: %w", err)
	}
	return ids, nil
}

// PermissionChange carries one permission mutation, applied atomically with
// its history row.
type PermissionChange struct {
	AgentID   string
	OldLevel  string
	NewLevel  string
	GrantedBy string
	Reason    string
	ExpiresAt *time.Time
}

// ApplyPermissionChange writes the new access level to the agent row and
// appends the history entry in one transaction. Commit both or neither.
func (s *Store) ApplyPermissionChange(ctx context.Context, change PermissionChange) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin permission tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var expires any
		if change.ExpiresAt != nil {
			expires = change.ExpiresAt.UTC()
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE agents
			SET access_level = ?,
				permission_granted_by = ?,
				permission_granted_at = CURRENT_TIMESTAMP,
				permission_expires_at = ?,
				updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND deleted_at IS NULL;
		`, change.NewLevel, change.GrantedBy, expires, change.AgentID)
		if err != nil {
			return fmt.Errorf("update agent permission: %w", err)
		}
		n, rowsErr := res.RowsAffected()
		if rowsErr != nil {
			return fmt.Errorf("update agent permission: rows affected: %w", rowsErr)
		}
		if n == 0 {
			return fmt.Errorf("agent %q: %w", change.AgentID, faults.ErrNotFound)
		}

		if err := appendHistoryTx(ctx, tx, change); err != nil {
			return err
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit permission tx: %w", err)
		}
		return nil
	})
}
