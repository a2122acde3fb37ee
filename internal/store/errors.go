package store

import "errors"

var (
	// ErrValidation indicates a malformed envelope, record, or reference.
	// The write is rejected with no partial effect; callers must fix the input.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound indicates an unknown trace, context version, or record.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates a concurrent writer already advanced the same
	// parent version, or a duplicate ID on an append. Callers retry with a
	// refreshed parent (or reuse the same ID for idempotent appends).
	ErrConflict = errors.New("version conflict")

	// ErrIsolationViolation indicates app and motor artifact identifiers were
	// mixed in one namespace. This is fatal for the write and never corrected.
	ErrIsolationViolation = errors.New("app/motor namespace isolation violated")
)
