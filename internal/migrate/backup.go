package migrate

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// CreateBackup snapshots the database to a timestamped sibling file using
// VACUUM INTO and verifies the snapshot landed. Backups are never deleted
// automatically; they are the sole recovery mechanism.
func CreateBackup(ctx context.Context, db *sql.DB, dbPath, kind string) (string, error) {
	backupPath := backupPath(dbPath, kind, time.Now())
	if _, err := db.ExecContext(ctx, `VACUUM INTO ?;`, backupPath); err != nil {
		return "", fmt.Errorf("backup via VACUUM INTO: %w", err)
	}

	fi, err := os.Stat(backupPath)
	if err != nil {
		return "", fmt.Errorf("backup missing after VACUUM INTO: %w", err)
	}
	if fi.Size() == 0 {
		return "", fmt.Errorf("backup %s is empty", backupPath)
	}
	return backupPath, nil
}

func backupPath(dbPath, kind string, now time.Time) string {
	base := strings.TrimSuffix(dbPath, ".db")
	return fmt.Sprintf("%s_backup_%s_%s.db", base, kind, now.Format("20060102_150405"))
}

// Restore replaces the database file with the backup byte-for-byte. WAL
// sidecars are removed so the restored file is the complete state. The
// caller must close every handle on the database first.
func Restore(dbPath, backupPath string) error {
	for _, sidecar := range []string{dbPath, dbPath + "-wal", dbPath + "-shm"} {
		if err := os.Remove(sidecar); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove %s: %w", sidecar, err)
		}
	}

	src, err := os.Open(backupPath)
	if err != nil {
		return fmt.Errorf("open backup: %w", err)
	}
	defer src.Close()

	dst, err := os.OpenFile(dbPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("recreate database file: %w", err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("copy backup into place: %w", err)
	}
	if err := dst.Sync(); err != nil {
		return fmt.Errorf("sync restored database: %w", err)
	}
	return nil
}
