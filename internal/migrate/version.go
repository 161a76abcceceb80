// Package migrate upgrades a database between schema generations: the
// legacy monolithic context column to the chunked layout, and the
// pre-permission agent table to the audited three-tier model. Every
// mutating run snapshots the database first and restores it when
// verification fails.
package migrate

import (
	"context"
	"database/sql"

	"github.com/openfleet/contextd/internal/storage"
)

// Version is the detected schema generation.
type Version string

const (
	// VersionNone is a database with no context tables at all.
	VersionNone Version = "none"
	// VersionOld carries the legacy monolithic context column and no
	// chunk table.
	VersionOld Version = "old"
	// VersionMixed carries both the legacy column and the chunk table; a
	// previous run was interrupted before the swap.
	VersionMixed Version = "mixed"
	// VersionNew is the chunked layout.
	VersionNew Version = "new"
	// VersionUnknown is a shape the migrator refuses to guess about.
	VersionUnknown Version = "unknown"
)

// DetectVersion introspects table and column presence. One explicit pass;
// never exception-driven probing of alternate column names.
func DetectVersion(ctx context.Context, db *sql.DB) (Version, error) {
	hasContexts, err := storage.TableExists(ctx, db, "contexts")
	if err != nil {
		return VersionUnknown, err
	}
	hasChunks, err := storage.TableExists(ctx, db, "context_chunks")
	if err != nil {
		return VersionUnknown, err
	}

	if !hasContexts && !hasChunks {
		return VersionNone, nil
	}
	if !hasContexts {
		// A chunk table with no context table is not a state any
		// generation produces.
		return VersionUnknown, nil
	}

	cols, err := storage.TableColumns(ctx, db, "contexts")
	if err != nil {
		return VersionUnknown, err
	}
	legacy := cols["context"]

	switch {
	case legacy && hasChunks:
		return VersionMixed, nil
	case legacy:
		return VersionOld, nil
	case hasChunks:
		return VersionNew, nil
	default:
		return VersionUnknown, nil
	}
}

func (v Version) String() string {
	return string(v)
}

// NeedsChunkMigration reports whether the chunk migration has work to do.
func (v Version) NeedsChunkMigration() bool {
	return v == VersionOld || v == VersionMixed
}

func describeVersion(v Version) string {
	switch v {
	case VersionNone:
		return "no context tables; fresh install creates the new schema directly"
	case VersionOld:
		return "legacy monolithic context column"
	case VersionMixed:
		return "interrupted migration; completion path will resume"
	case VersionNew:
		return "already on the chunked schema"
	default:
		return "unrecognized schema shape"
	}
}
