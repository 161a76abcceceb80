package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/openfleet/contextd/internal/chunker"
)

// ContextRow is a stored context record with its body reassembled from the
// chunk table.
type ContextRow struct {
	ID             int64
	AgentID        string
	SessionID      string
	ProjectID      string
	Title          string
	Metadata       string // raw JSON as stored
	SequenceNumber *int64
	CreatedAt      time.Time
	Content        string
	AgentName      string
	TeamName       string

	// ChunkSize and OverlapRatio are the geometry the body was split with.
	// Reads must join with these stored values, never the current config.
	ChunkSize    int
	OverlapRatio float64
}

// AddContextParams describes one context write. Content is split into
// overlapping chunks and stored alongside the metadata row in a single
// transaction.
type AddContextParams struct {
	AgentID        string
	SessionID      string
	ProjectID      string
	Title          string
	Content        string
	Metadata       string // JSON object; empty means {}
	SequenceNumber *int64
	ChunkSize      int
	OverlapRatio   float64
}

// AddContext inserts the metadata row and its ordered chunks atomically and
// returns the new context id.
func (s *Store) AddContext(ctx context.Context, p AddContextParams) (int64, error) {
	if p.ChunkSize <= 0 {
		p.ChunkSize = s.chunkSize
	}
	if p.OverlapRatio <= 0 {
		p.OverlapRatio = s.overlapRatio
	}
	if p.Metadata == "" {
		p.Metadata = "{}"
	}
	chunks := chunker.Split(p.Content, p.ChunkSize, p.OverlapRatio)

	var contextID int64
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin context tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var seq any
		if p.SequenceNumber != nil {
			seq = *p.SequenceNumber
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO contexts (agent_id, session_id, project_id, title, metadata,
				sequence_number, chunk_size, chunk_overlap_ratio)
			VALUES (?, ?, NULLIF(?, ''), ?, ?, ?, ?, ?);
		`, p.AgentID, p.SessionID, p.ProjectID, p.Title, p.Metadata, seq, p.ChunkSize, p.OverlapRatio)
		if err != nil {
			return fmt.Errorf("insert context: %w", err)
		}
		contextID, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("context id: %w", err)
		}

		for i, chunk := range chunks {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO context_chunks (context_id, chunk_index, chunk_content, agent_id, session_id, project_id)
				VALUES (?, ?, ?, ?, ?, NULLIF(?, ''));
			`, contextID, i, chunk, p.AgentID, p.SessionID, p.ProjectID)
			if err != nil {
				return fmt.Errorf("insert chunk %d: %w", i, err)
			}
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit context tx: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return contextID, nil
}

const contextSelect = `
	SELECT c.id, c.agent_id, c.session_id, c.project_id, c.title, c.metadata,
		c.sequence_number, c.created_at, c.chunk_size, c.chunk_overlap_ratio,
		a.name, COALESCE(t.name, '')
	FROM contexts c
	JOIN agents a ON c.agent_id = a.id
	LEFT JOIN teams t ON a.team_id = t.id
`

// ListSelfContexts returns the agent's own records. No scope predicate
// beyond ownership; self reads cannot leak across agents by construction.
func (s *Store) ListSelfContexts(ctx context.Context, agentID string, limit int) ([]ContextRow, error) {
	rows, err := s.db.QueryContext(ctx, contextSelect+`
		WHERE c.agent_id = ? AND c.deleted_at IS NULL
		ORDER BY c.created_at DESC, c.id DESC
		LIMIT ?;
	`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("list self contexts: %w", err)
	}
	return s.collectContexts(ctx, rows)
}

// CountSelfContexts counts everything ListSelfContexts could return.
func (s *Store) CountSelfContexts(ctx context.Context, agentID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM contexts c
		WHERE c.agent_id = ? AND c.deleted_at IS NULL;
	`, agentID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count self contexts: %w", err)
	}
	return n, nil
}

// ListTeamContexts returns records owned by any live agent currently on the
// team and in the given session. Membership is evaluated on the owning
// agent's row, so a reassigned agent's records follow the agent, and team
// scope never widens past the session.
func (s *Store) ListTeamContexts(ctx context.Context, teamID, sessionID string, limit int) ([]ContextRow, error) {
	rows, err := s.db.QueryContext(ctx, contextSelect+`
		WHERE a.team_id = ? AND a.session_id = ?
			AND c.deleted_at IS NULL AND a.deleted_at IS NULL
		ORDER BY c.created_at DESC, c.id DESC
		LIMIT ?;
	`, teamID, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list team contexts: %w", err)
	}
	return s.collectContexts(ctx, rows)
}

// CountTeamContexts counts everything ListTeamContexts could return.
func (s *Store) CountTeamContexts(ctx context.Context, teamID, sessionID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM contexts c
		JOIN agents a ON c.agent_id = a.id
		WHERE a.team_id = ? AND a.session_id = ?
			AND c.deleted_at IS NULL AND a.deleted_at IS NULL;
	`, teamID, sessionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count team contexts: %w", err)
	}
	return n, nil
}

// ListSessionContexts returns every record owned by a live agent currently
// in the session, regardless of team.
func (s *Store) ListSessionContexts(ctx context.Context, sessionID string, limit int) ([]ContextRow, error) {
	rows, err := s.db.QueryContext(ctx, contextSelect+`
		WHERE a.session_id = ?
			AND c.deleted_at IS NULL AND a.deleted_at IS NULL
		ORDER BY c.created_at DESC, c.id DESC
		LIMIT ?;
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list session contexts: %w", err)
	}
	return s.collectContexts(ctx, rows)
}

// CountSessionContexts counts everything ListSessionContexts could return.
func (s *Store) CountSessionContexts(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM contexts c
		JOIN agents a ON c.agent_id = a.id
		WHERE a.session_id = ?
			AND c.deleted_at IS NULL AND a.deleted_at IS NULL;
	`, sessionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count session contexts: %w", err)
	}
	return n, nil
}

func (s *Store) collectContexts(ctx context.Context, rows *sql.Rows) ([]ContextRow, error) {
	defer rows.Close()

	var out []ContextRow
	for rows.Next() {
		var (
			row       ContextRow
			projectID sql.NullString
			seq       sql.NullInt64
		)
		if err := rows.Scan(&row.ID, &row.AgentID, &row.SessionID, &projectID,
			&row.Title, &row.Metadata, &seq, &row.CreatedAt,
			&row.ChunkSize, &row.OverlapRatio, &row.AgentName, &row.TeamName); err != nil {
			return nil, fmt.Errorf("scan context row: %w", err)
		}
		row.ProjectID = projectID.String
		if seq.Valid {
			v := seq.Int64
			row.SequenceNumber = &v
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate context rows: %w", err)
	}
	if err := s.attachContents(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

// attachContents rebuilds each row's body from its ordered chunks.
func (s *Store) attachContents(ctx context.Context, out []ContextRow) error {
	if len(out) == 0 {
		return nil
	}
	ids := make([]any, len(out))
	placeholders := make([]string, len(out))
	byID := make(map[int64]int, len(out))
	for i := range out {
		ids[i] = out[i].ID
		placeholders[i] = "?"
		byID[out[i].ID] = i
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT context_id, chunk_content FROM context_chunks
		WHERE context_id IN (%s)
		ORDER BY context_id, chunk_index;
	`, strings.Join(placeholders, ",")), ids...)
	if err != nil {
		return fmt.Errorf("fetch context chunks: %w", err)
	}
	defer rows.Close()

	chunks := make(map[int64][]string, len(out))
	for rows.Next() {
		var (
			contextID int64
			content   string
		)
		if err := rows.Scan(&contextID, &content); err != nil {
			return fmt.Errorf("scan chunk row: %w", err)
		}
		chunks[contextID] = append(chunks[contextID], content)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate chunk rows: %w", err)
	}

	for id, parts := range chunks {
		i := byID[id]
		// Join with the geometry recorded at write time; the current store
		// configuration only shapes new writes.
		out[i].Content = chunker.Join(parts, out[i].ChunkSize, out[i].OverlapRatio)
	}
	return nil
}
