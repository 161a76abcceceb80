package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// HistoryEntry is one audit row from agent_permission_history.
type HistoryEntry struct {
	ID        string
	AgentID   string
	OldLevel  string
	NewLevel  string
	GrantedBy string
	Reason    string
	CreatedAt time.Time
}

func appendHistoryTx(ctx context.Context, tx *sql.Tx, change PermissionChange) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO agent_permission_history
			(id, agent_id, old_access_level, new_access_level, granted_by, reason, created_at)
		VALUES (?, ?, NULLIF(?, ''), ?, ?, ?, CURRENT_TIMESTAMP);
	`, uuid.NewString(), change.AgentID, change.OldLevel, change.NewLevel,
		change.GrantedBy, change.Reason)
	if err != nil {
		return fmt.Errorf("append permission history: %w", err)
	}
	return nil
}

// ListHistory returns an agent's permission changes, newest first.
func (s *Store) ListHistory(ctx context.Context, agentID string, limit int) ([]HistoryEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_id, old_access_level, new_access_level, granted_by, reason, created_at
		FROM agent_permission_history
		WHERE agent_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?;
	`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("list permission history: %w", err)
	}
	defer rows.Close()

	var entries []HistoryEntry
	for rows.Next() {
		var (
			e        HistoryEntry
			oldLevel sql.NullString
			reason   sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.AgentID, &oldLevel, &e.NewLevel,
			&e.GrantedBy, &reason, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		e.OldLevel = oldLevel.String
		e.Reason = reason.String
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history rows: %w", err)
	}
	return entries, nil
}
