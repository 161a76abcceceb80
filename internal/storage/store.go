// Package storage owns the SQLite database behind the permission runtime:
// connection configuration, the runtime schema, and the scoped queries the
// resolver and query engine run.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/openfleet/contextd/internal/chunker"
	"github.com/openfleet/contextd/internal/faults"
	_ "github.com/mattn/go-sqlite3"
)

const (
	// AccessSelfOnly is the most restrictive scope and the default.
	AccessSelfOnly = "self_only"
	// AccessTeamLevel widens visibility to the agent's (team, session) pair.
	AccessTeamLevel = "team_level"
	// AccessSessionLevel widens visibility to the whole session.
	AccessSessionLevel = "session_level"
)

// Store wraps the runtime database handle.
type Store struct {
	db   *sql.DB
	path string

	chunkSize    int
	overlapRatio float64
}

// SetChunking overrides the chunk geometry used for context bodies. Reads
// reverse writes only when the geometry stays constant for a database.
func (s *Store) SetChunking(size int, ratio float64) {
	if size > 0 {
		s.chunkSize = size
	}
	if ratio > 0 && ratio < 1 {
		s.overlapRatio = ratio
	}
}

// DefaultDBPath returns the database path under ~/.contextd.
func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".contextd", "contextd.db")
}

// OpenRaw opens a configured connection without touching the schema. The
// migration engine uses it to operate on databases in any schema state.
func OpenRaw(path string, busyTimeoutMS int) (*sql.DB, error) {
	if busyTimeoutMS <= 0 {
		busyTimeoutMS = 5000
	}
	dsn := fmt.Sprintf("%s?_busy_timeout=%d&_foreign_keys=on", path, busyTimeoutMS)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.ExecContext(context.Background(), "PRAGMA journal_mode=WAL;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL: %w", err)
	}
	return db, nil
}

// Open opens the runtime store, creating the new-format schema on a fresh
// database. It refuses to open a database still carrying the legacy
// monolithic context column; run the migrator first.
func Open(path string, busyTimeoutMS int) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := OpenRaw(path, busyTimeoutMS)
	if err != nil {
		return nil, err
	}

	store := &Store{
		db:           db,
		path:         path,
		chunkSize:    chunker.DefaultChunkSize,
		overlapRatio: chunker.DefaultOverlapRatio,
	}
	legacy, err := store.hasLegacyContextColumn(context.Background())
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if legacy {
		_ = db.Close()
		return nil, fmt.Errorf("%w: database still uses the legacy context schema; run `contextd migrate` first", faults.ErrConfiguration)
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// DB exposes the underlying handle for collaborators that need raw access.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) hasLegacyContextColumn(ctx context.Context) (bool, error) {
	var tableSQL string
	err := s.db.QueryRowContext(ctx,
		`SELECT sql FROM sqlite_master WHERE type='table' AND name='contexts';`,
	).Scan(&tableSQL)
	if err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("inspect contexts table: %w", err)
	}
	cols, err := tableColumns(ctx, s.db, "contexts")
	if err != nil {
		return false, err
	}
	return cols["context"], nil
}

// TableExists reports whether a table is present in sqlite_master.
func TableExists(ctx context.Context, db *sql.DB, table string) (bool, error) {
	var name string
	err := db.QueryRowContext(ctx,
		`SELECT name FROM sqlite_master WHERE type='table' AND name=?;`, table,
	).Scan(&name)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("inspect table %s: %w", table, err)
	}
	return true, nil
}

// TableColumns returns the column set of a table via PRAGMA table_info. A
// missing table yields an empty set.
func TableColumns(ctx context.Context, db *sql.DB, table string) (map[string]bool, error) {
	return tableColumns(ctx, db, table)
}

// tableColumns returns the column names of a table via PRAGMA table_info.
func tableColumns(ctx context.Context, q interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}, table string) (map[string]bool, error) {
	rows, err := q.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%q);", table))
	if err != nil {
		return nil, fmt.Errorf("table_info %s: %w", table, err)
	}
	defer rows.Close()

	cols := make(map[string]bool)
	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dflt, &pk); err != nil {
			return nil, fmt.Errorf("scan table_info %s: %w", table, err)
		}
		cols[name] = true
	}
	return cols, rows.Err()
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	tableStatements := []string{
		`CREATE TABLE IF NOT EXISTS projects (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			description TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			deleted_at DATETIME
		);`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			project_id TEXT NOT NULL REFERENCES projects(id),
			description TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			deleted_at DATETIME,
			UNIQUE(project_id, name)
		);`,
		`CREATE TABLE IF NOT EXISTS teams (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			session_id TEXT REFERENCES sessions(id),
			description TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			deleted_at DATETIME
		);`,
		`CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			session_id TEXT REFERENCES sessions(id),
			team_id TEXT REFERENCES teams(id),
			access_level TEXT NOT NULL DEFAULT 'self_only'
				CHECK(access_level IN ('self_only', 'team_level', 'session_level')),
			permission_granted_by TEXT,
			permission_granted_at DATETIME,
			permission_expires_at DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			deleted_at DATETIME
		);`,
		`CREATE TABLE IF NOT EXISTS contexts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			agent_id TEXT NOT NULL REFERENCES agents(id),
			session_id TEXT NOT NULL REFERENCES sessions(id),
			project_id TEXT REFERENCES projects(id),
			title TEXT NOT NULL DEFAULT '',
			metadata TEXT NOT NULL DEFAULT '{}',
			sequence_number INTEGER,
			chunk_size INTEGER NOT NULL DEFAULT 3500,
			chunk_overlap_ratio REAL NOT NULL DEFAULT 0.15,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			deleted_at DATETIME
		);`,
		`CREATE TABLE IF NOT EXISTS context_chunks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			context_id INTEGER NOT NULL REFERENCES contexts(id),
			chunk_index INTEGER NOT NULL,
			chunk_content TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			project_id TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS agent_permission_history (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			old_access_level TEXT,
			new_access_level TEXT NOT NULL,
			granted_by TEXT NOT NULL,
			reason TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS permission_rules (
			id TEXT PRIMARY KEY,
			session_id TEXT REFERENCES sessions(id),
			team_id TEXT REFERENCES teams(id),
			default_access_level TEXT NOT NULL DEFAULT 'self_only',
			auto_grant_team_level INTEGER NOT NULL DEFAULT 0,
			auto_grant_session_level INTEGER NOT NULL DEFAULT 0,
			created_by TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
	}
	for _, stmt := range tableStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec schema: %w", err)
		}
	}

	indexStatements := []string{
		`CREATE INDEX IF NOT EXISTS idx_agents_session ON agents(session_id);`,
		`CREATE INDEX IF NOT EXISTS idx_agents_team ON agents(team_id);`,
		`CREATE INDEX IF NOT EXISTS idx_agents_access_level ON agents(access_level);`,
		`CREATE INDEX IF NOT EXISTS idx_agents_permission_expires ON agents(permission_expires_at);`,
		`CREATE INDEX IF NOT EXISTS idx_agents_team_session ON agents(team_id, session_id, deleted_at);`,
		`CREATE INDEX IF NOT EXISTS idx_contexts_agent ON contexts(agent_id);`,
		`CREATE INDEX IF NOT EXISTS idx_contexts_session ON contexts(session_id);`,
		`CREATE INDEX IF NOT EXISTS idx_contexts_agent_session ON contexts(agent_id, session_id, created_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_context_chunks_context ON context_chunks(context_id, chunk_index);`,
		`CREATE INDEX IF NOT EXISTS idx_permission_history_agent ON agent_permission_history(agent_id, created_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_permission_rules_session ON permission_rules(session_id);`,
		`CREATE INDEX IF NOT EXISTS idx_permission_rules_team ON permission_rules(team_id);`,
	}
	for _, stmt := range indexStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec schema index: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using exponential
// backoff with bounded jitter on top of the driver's busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return fmt.Errorf("%w: %v", faults.ErrStorage, err)
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy checks if an error is a SQLite BUSY (5) or LOCKED (6) error.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)") // SQLITE_LOCKED
}
