package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PermissionRule is a provisioning default for a session or team scope.
type PermissionRule struct {
	ID                    string
	SessionID             string
	TeamID                string
	DefaultAccessLevel    string
	AutoGrantTeamLevel    bool
	AutoGrantSessionLevel bool
	CreatedBy             string
	CreatedAt             time.Time
}

// UpsertSessionRule ensures a default rule exists for the session. Existing
// rules win; provisioning never overwrites an operator's edits.
func (s *Store) UpsertSessionRule(ctx context.Context, sessionID, level, createdBy string) error {
	return s.insertRuleIfMissing(ctx, `
		INSERT INTO permission_rules (id, session_id, default_access_level, created_by)
		SELECT ?, ?, ?, ?
		WHERE NOT EXISTS (
			SELECT 1 FROM permission_rules WHERE session_id = ? AND team_id IS NULL
		);
	`, uuid.NewString(), sessionID, level, createdBy, sessionID)
}

// UpsertTeamRule ensures a default rule exists for the team, with team-level
// auto-grant on.
func (s *Store) UpsertTeamRule(ctx context.Context, teamID, level, createdBy string) error {
	return s.insertRuleIfMissing(ctx, `
		INSERT INTO permission_rules (id, team_id, default_access_level, auto_grant_team_level, created_by)
		SELECT ?, ?, ?, 1, ?
		WHERE NOT EXISTS (
			SELECT 1 FROM permission_rules WHERE team_id = ?
		);
	`, uuid.NewString(), teamID, level, createdBy, teamID)
}

func (s *Store) insertRuleIfMissing(ctx context.Context, query string, args ...any) error {
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, query, args...)
		return err
	})
	if err != nil {
		return fmt.Errorf("insert permission rule: %w", err)
	}
	return nil
}

// RuleForTeam returns the team's provisioning rule, or nil when none exists.
func (s *Store) RuleForTeam(ctx context.Context, teamID string) (*PermissionRule, error) {
	return s.scanRule(s.db.QueryRowContext(ctx, `
		SELECT id, session_id, team_id, default_access_level,
			auto_grant_team_level, auto_grant_session_level, created_by, created_at
		FROM permission_rules WHERE team_id = ?;
	`, teamID))
}

// RuleForSession returns the session's provisioning rule, or nil when none
// exists.
func (s *Store) RuleForSession(ctx context.Context, sessionID string) (*PermissionRule, error) {
	return s.scanRule(s.db.QueryRowContext(ctx, `
		SELECT id, session_id, team_id, default_access_level,
			auto_grant_team_level, auto_grant_session_level, created_by, created_at
		FROM permission_rules WHERE session_id = ? AND team_id IS NULL;
	`, sessionID))
}

func (s *Store) scanRule(row *sql.Row) (*PermissionRule, error) {
	var (
		rule      PermissionRule
		sessionID sql.NullString
		teamID    sql.NullString
	)
	err := row.Scan(&rule.ID, &sessionID, &teamID, &rule.DefaultAccessLevel,
		&rule.AutoGrantTeamLevel, &rule.AutoGrantSessionLevel, &rule.CreatedBy, &rule.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan permission rule: %w", err)
	}
	rule.SessionID = sessionID.String
	rule.TeamID = teamID.String
	return &rule, nil
}
