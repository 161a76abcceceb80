package migrate

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/openfleet/contextd/internal/chunker"
	"github.com/openfleet/contextd/internal/faults"
	"github.com/openfleet/contextd/internal/storage"
)

// Options configures a migration run.
type Options struct {
	DBPath        string
	BusyTimeoutMS int
	ChunkSize     int
	OverlapRatio  float64
	// DryRun reports what would change without mutating anything.
	DryRun bool
	Logger *slog.Logger
}

// Migrator runs the schema migrations. Single-writer: the caller quiesces
// all other traffic against the database file first.
type Migrator struct {
	dbPath        string
	busyTimeoutMS int
	chunkSize     int
	overlapRatio  float64
	dryRun        bool
	logger        *slog.Logger

	// verifyHook runs after the built-in verification; tests use it to
	// force the rollback path.
	verifyHook func(ctx context.Context, db *sql.DB) error
}

func New(opts Options) *Migrator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	chunkSize := opts.ChunkSize
	if chunkSize <= 0 {
		chunkSize = chunker.DefaultChunkSize
	}
	ratio := opts.OverlapRatio
	if ratio <= 0 {
		ratio = chunker.DefaultOverlapRatio
	}
	return &Migrator{
		dbPath:        opts.DBPath,
		busyTimeoutMS: opts.BusyTimeoutMS,
		chunkSize:     chunkSize,
		overlapRatio:  ratio,
		dryRun:        opts.DryRun,
		logger:        logger,
	}
}

// ChunkReport summarizes one chunk-schema migration run.
type ChunkReport struct {
	Version         Version
	BackupPath      string
	LegacyRows      int
	EmptyRows       int
	MigratedRows    int
	AlreadyMigrated int
	SkippedRows     int
	ChunkRows       int
	VectorSupport   bool
	DryRun          bool
	Applied         bool
}

type legacyContext struct {
	id        int64
	agentID   string
	sessionID string
	projectID sql.NullString
	title     string
	metadata  string
	seq       sql.NullInt64
	createdAt string
	content   string
}

// MigrateChunks moves a legacy monolithic-column database to the chunked
// layout: backup, create new tables, migrate rows, swap, indexes, optional
// vector probe, verify. Verification failure restores the backup.
func (m *Migrator) MigrateChunks(ctx context.Context) (*ChunkReport, error) {
	db, err := storage.OpenRaw(m.dbPath, m.busyTimeoutMS)
	if err != nil {
		return nil, err
	}
	closed := false
	defer func() {
		if !closed {
			_ = db.Close()
		}
	}()

	version, err := DetectVersion(ctx, db)
	if err != nil {
		return nil, err
	}
	report := &ChunkReport{Version: version, DryRun: m.dryRun}
	m.logger.Info("schema version detected", "version", version.String(), "detail", describeVersion(version))

	switch version {
	case VersionUnknown:
		return nil, fmt.Errorf("%w: unrecognized schema in %s; inspect manually", faults.ErrConfiguration, m.dbPath)
	case VersionNone, VersionNew:
		return report, nil
	}

	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM contexts;`).Scan(&report.LegacyRows); err != nil {
		return nil, fmt.Errorf("count legacy rows: %w", err)
	}
	if err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM contexts WHERE context IS NULL OR context = '';`,
	).Scan(&report.EmptyRows); err != nil {
		return nil, fmt.Errorf("count empty rows: %w", err)
	}

	if m.dryRun {
		m.logger.Info("dry run: no changes applied",
			"legacy_rows", report.LegacyRows, "empty_rows", report.EmptyRows)
		return report, nil
	}

	backupPath, err := CreateBackup(ctx, db, m.dbPath, "chunks")
	if err != nil {
		return nil, err
	}
	report.BackupPath = backupPath
	m.logger.Info("backup created", "path", backupPath)

	if err := m.runChunkSteps(ctx, db, report); err != nil {
		_ = db.Close()
		closed = true
		if rbErr := Restore(m.dbPath, backupPath); rbErr != nil {
			return nil, fmt.Errorf("chunk migration failed: %w; rollback from %s also failed: %v", err, backupPath, rbErr)
		}
		m.logger.Error("chunk migration failed, database restored", "backup", backupPath, "error", err)
		return nil, fmt.Errorf("chunk migration failed, database restored from %s: %w", backupPath, err)
	}

	report.Applied = true
	return report, nil
}

func (m *Migrator) runChunkSteps(ctx context.Context, db *sql.DB, report *ChunkReport) error {
	if err := m.createChunkTables(ctx, db); err != nil {
		return err
	}
	if err := m.migrateLegacyRows(ctx, db, report); err != nil {
		return err
	}
	if err := m.swapContextTables(ctx, db); err != nil {
		return err
	}
	m.createChunkIndexes(ctx, db)
	report.VectorSupport = ProbeVectorSupport(ctx, db, m.logger)
	if err := m.verifyChunkMigration(ctx, db, report); err != nil {
		return err
	}
	if m.verifyHook != nil {
		if err := m.verifyHook(ctx, db); err != nil {
			return err
		}
	}
	return nil
}

func (m *Migrator) createChunkTables(ctx context.Context, db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS contexts_new (
			id INTEGER PRIMARY KEY,
			agent_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			project_id TEXT,
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
			context_id INTEGER NOT NULL,
			chunk_index INTEGER NOT NULL,
			chunk_content TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			project_id TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
	}
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create migration tables: %w", err)
		}
	}
	return nil
}

// migrateLegacyRows copies every non-empty legacy row into the new layout.
// One transaction per row; a failing row is logged and skipped, never
// aborting the batch.
func (m *Migrator) migrateLegacyRows(ctx context.Context, db *sql.DB, report *ChunkReport) error {
	legacy, err := m.loadLegacyRows(ctx, db)
	if err != nil {
		return err
	}

	for _, row := range legacy {
		migrated, chunkCount, err := m.migrateOneRow(ctx, db, row)
		if err != nil {
			m.logger.Warn("legacy row migration failed, skipping",
				"context_id", row.id, "error", err)
			report.SkippedRows++
			continue
		}
		if !migrated {
			report.AlreadyMigrated++
			continue
		}
		report.MigratedRows++
		report.ChunkRows += chunkCount
	}

	m.logger.Info("legacy rows migrated",
		"migrated", report.MigratedRows,
		"already_done", report.AlreadyMigrated,
		"skipped", report.SkippedRows,
		"chunks", report.ChunkRows)
	return nil
}

// loadLegacyRows reads the whole legacy table up front. The single pooled
// connection cannot interleave a streaming read with writes.
func (m *Migrator) loadLegacyRows(ctx context.Context, db *sql.DB) ([]legacyContext, error) {
	cols, err := storage.TableColumns(ctx, db, "contexts")
	if err != nil {
		return nil, err
	}
	pick := func(col, fallback string) string {
		if cols[col] {
			return col
		}
		return fallback
	}
	query := fmt.Sprintf(`
		SELECT id, agent_id, session_id, %s, %s, %s, %s, %s, context
		FROM contexts
		WHERE context IS NOT NULL AND context != '';
	`,
		pick("project_id", "NULL"),
		pick("title", "''"),
		pick("metadata", "'{}'"),
		pick("sequence_number", "NULL"),
		pick("created_at", "CURRENT_TIMESTAMP"),
	)

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("read legacy contexts: %w", err)
	}
	defer rows.Close()

	var out []legacyContext
	for rows.Next() {
		var (
			row       legacyContext
			title     sql.NullString
			metadata  sql.NullString
			createdAt any
		)
		if err := rows.Scan(&row.id, &row.agentID, &row.sessionID, &row.projectID,
			&title, &metadata, &row.seq, &createdAt, &row.content); err != nil {
			return nil, fmt.Errorf("scan legacy row: %w", err)
		}
		row.title = title.String
		row.metadata = metadata.String
		if row.metadata == "" {
			row.metadata = "{}"
		}
		row.createdAt = normalizeTimestamp(createdAt)
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate legacy rows: %w", err)
	}
	return out, nil
}

// normalizeTimestamp flattens the driver's representation of a legacy
// created_at value to SQLite's canonical text form.
func normalizeTimestamp(v any) string {
	switch t := v.(type) {
	case time.Time:
		return t.UTC().Format("2006-01-02 15:04:05")
	case []byte:
		return string(t)
	case string:
		return t
	default:
		return time.Now().UTC().Format("2006-01-02 15:04:05")
	}
}

func (m *Migrator) migrateOneRow(ctx context.Context, db *sql.DB, row legacyContext) (bool, int, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return false, 0, fmt.Errorf("begin row tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var seq any
	if row.seq.Valid {
		seq = row.seq.Int64
	}
	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO contexts_new
			(id, agent_id, session_id, project_id, title, metadata, sequence_number,
			chunk_size, chunk_overlap_ratio, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
	`, row.id, row.agentID, row.sessionID, row.projectID, row.title, row.metadata, seq,
		m.chunkSize, m.overlapRatio, row.createdAt)
	if err != nil {
		return false, 0, fmt.Errorf("insert metadata row: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return false, 0, fmt.Errorf("rows affected: %w", err)
	}
	if inserted == 0 {
		// Already copied by an interrupted run; its chunks came with it.
		return false, 0, tx.Commit()
	}

	chunks := chunker.Split(row.content, m.chunkSize, m.overlapRatio)
	for i, chunk := range chunks {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO context_chunks
				(context_id, chunk_index, chunk_content, agent_id, session_id, project_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?);
		`, row.id, i, chunk, row.agentID, row.sessionID, row.projectID, row.createdAt)
		if err != nil {
			return false, 0, fmt.Errorf("insert chunk %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, 0, fmt.Errorf("commit row tx: %w", err)
	}
	return true, len(chunks), nil
}

// swapContextTables is the point of no return: the legacy table goes away
// and the populated replacement takes its name.
func (m *Migrator) swapContextTables(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin swap tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DROP TABLE contexts;`); err != nil {
		return fmt.Errorf("drop legacy contexts: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `ALTER TABLE contexts_new RENAME TO contexts;`); err != nil {
		return fmt.Errorf("rename contexts_new: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit swap tx: %w", err)
	}
	return nil
}

// createChunkIndexes creates the secondary indexes, tolerating individual
// failures.
func (m *Migrator) createChunkIndexes(ctx context.Context, db *sql.DB) {
	statements := []string{
		`CREATE INDEX IF NOT EXISTS idx_contexts_agent ON contexts(agent_id);`,
		`CREATE INDEX IF NOT EXISTS idx_contexts_session ON contexts(session_id);`,
		`CREATE INDEX IF NOT EXISTS idx_contexts_agent_session ON contexts(agent_id, session_id, created_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_context_chunks_context ON context_chunks(context_id, chunk_index);`,
	}
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			m.logger.Warn("index creation failed, continuing", "error", err)
		}
	}
}

func (m *Migrator) verifyChunkMigration(ctx context.Context, db *sql.DB, report *ChunkReport) error {
	version, err := DetectVersion(ctx, db)
	if err != nil {
		return err
	}
	if version != VersionNew {
		return fmt.Errorf("%w: schema is %s after migration, want new", faults.ErrMigrationVerify, version)
	}

	cols, err := storage.TableColumns(ctx, db, "contexts")
	if err != nil {
		return err
	}
	for _, required := range []string{"id", "agent_id", "session_id", "title", "metadata", "chunk_size", "chunk_overlap_ratio"} {
		if !cols[required] {
			return fmt.Errorf("%w: contexts missing column %s", faults.ErrMigrationVerify, required)
		}
	}

	var contextCount int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM contexts;`).Scan(&contextCount); err != nil {
		return fmt.Errorf("count migrated contexts: %w", err)
	}
	wantContexts := report.MigratedRows + report.AlreadyMigrated
	if contextCount != wantContexts {
		return fmt.Errorf("%w: %d context rows after migration, want %d",
			faults.ErrMigrationVerify, contextCount, wantContexts)
	}

	var emptyChunks int
	if err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM context_chunks WHERE chunk_content = '';`,
	).Scan(&emptyChunks); err != nil {
		return fmt.Errorf("count empty chunks: %w", err)
	}
	if emptyChunks != 0 {
		return fmt.Errorf("%w: %d empty chunk rows", faults.ErrMigrationVerify, emptyChunks)
	}

	var chunkCount int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM context_chunks;`).Scan(&chunkCount); err != nil {
		return fmt.Errorf("count chunks: %w", err)
	}
	if chunkCount < contextCount {
		return fmt.Errorf("%w: %d chunk rows for %d contexts", faults.ErrMigrationVerify, chunkCount, contextCount)
	}
	return nil
}
