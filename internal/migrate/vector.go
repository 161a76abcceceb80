package migrate

import (
	"context"
	"database/sql"
	"log/slog"
)

// ProbeVectorSupport attempts to create the vector-embedding virtual table.
// Support is a capability, not a requirement: without the extension the
// probe reports false and similarity search stays disabled.
func ProbeVectorSupport(ctx context.Context, db *sql.DB, logger *slog.Logger) bool {
	if logger == nil {
		logger = slog.Default()
	}
	_, err := db.ExecContext(ctx, `
		CREATE VIRTUAL TABLE IF NOT EXISTS context_embeddings
		USING vec0(context_id INTEGER PRIMARY KEY, embedding FLOAT[384]);
	`)
	if err != nil {
		logger.Info("vector extension unavailable, similarity search disabled", "error", err)
		return false
	}
	return true
}
