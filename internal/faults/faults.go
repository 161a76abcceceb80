// Package faults defines the error taxonomy shared across the permission
// runtime and the migration engine. Callers classify failures with errors.Is.
package faults

import "errors"

var (
	// ErrNotFound marks a lookup for an agent or context that does not
	// exist or is soft-deleted.
	ErrNotFound = errors.New("not found")

	// ErrValidation marks an expected, caller-correctable condition: an
	// unknown access level, a disallowed upgrade, a malformed request.
	ErrValidation = errors.New("validation failed")

	// ErrStorage marks a transient storage failure (lock contention,
	// busy timeout). Retryable.
	ErrStorage = errors.New("storage unavailable")

	// ErrMigrationVerify marks a post-migration invariant violation. The
	// migrator rolls back to the pre-migration backup before returning it.
	ErrMigrationVerify = errors.New("migration verification failed")

	// ErrConfiguration marks an unrecognized schema state or invalid
	// configuration. Fatal; requires operator inspection.
	ErrConfiguration = errors.New("configuration error")
)
