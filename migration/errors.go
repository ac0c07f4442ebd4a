package migration

import "errors"

// Error taxonomy for the migration package.
var (
	// ErrInvalidInput covers malformed headers, unknown idstrs in a
	// CONTINUE chunk, region length mismatches, and version mismatches.
	ErrInvalidInput = errors.New("migration: invalid input")

	// ErrIO covers transport read/write failure.
	ErrIO = errors.New("migration: io error")

	// ErrMigrationActive is returned by Migrate when a session is
	// already ongoing.
	ErrMigrationActive = errors.New("migration: a migration is already active")

	// ErrBlocked is returned when a registered Blocker rejects the
	// migration before any transport work begins.
	ErrBlocked = errors.New("migration: migration blocked")

	// ErrFatal covers mmap failure during load and mmap-table overflow.
	ErrFatal = errors.New("migration: fatal")
)
