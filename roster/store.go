/*
store.go - Persistence interface for employee snapshots

PURPOSE:
  Defines the boundary between the comparison core and the database.
  The core never holds a global connection; a Store handle is constructed
  by the caller and passed in.

KEY INTERFACES:
  Store:   Row-level reads and writes scoped by (period, unit)
  TxStore: Store plus WithTx for all-or-nothing operations

UNIQUENESS:
  Every implementation enforces at most one row per
  (identifier, month, year, unit). A write that would break it returns
  ErrStoreConflict, which callers treat as retryable.

IMPLEMENTATIONS:
  - roster/store/memory.go: In-memory, used by unit tests and dev runs
  - store/sqlite/sqlite.go: SQLite (default)
  - store/postgres/store.go: PostgreSQL via pgx
*/
package roster

import (
	"context"
	"time"
)

// =============================================================================
// STORE - Interface for snapshot persistence
// =============================================================================

// Store persists snapshot rows and comparison runs.
type Store interface {
	// ListPeriod returns every row of scope, ordered by ID (upload order).
	ListPeriod(ctx context.Context, scope Scope) ([]Snapshot, error)

	// FindByID returns the row with id or ErrSnapshotNotFound.
	FindByID(ctx context.Context, id int64) (Snapshot, error)

	// FindByIdentifier returns the row for identifier in scope or
	// ErrSnapshotNotFound.
	FindByIdentifier(ctx context.Context, scope Scope, identifier string) (Snapshot, error)

	// Insert stores s and sets s.ID. Returns ErrStoreConflict when a row for
	// the same (identifier, period, unit) already exists.
	Insert(ctx context.Context, s *Snapshot) error

	// UpdateStatus sets status and manual_override on one row.
	UpdateStatus(ctx context.Context, id int64, status Status, manualOverride bool, at time.Time) error

	// ApplyStatus sets status on the upload rows of scope whose identifier is
	// in identifiers, skipping rows with manual_override set and rows that
	// already hold status. Returns the number of rows changed.
	ApplyStatus(ctx context.Context, scope Scope, status Status, identifiers []string, at time.Time) (int64, error)

	// DeleteRows removes rows by id. Returns the number removed.
	DeleteRows(ctx context.Context, ids []int64) (int64, error)

	// Search lists rows matching filter, newest period first, then unit,
	// then identifier.
	Search(ctx context.Context, filter ArchiveFilter) ([]Snapshot, error)

	// SaveRun records a comparison run.
	SaveRun(ctx context.Context, run Run) error

	// ListRuns returns runs newest first.
	ListRuns(ctx context.Context, filter RunFilter) ([]Run, error)
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, the transaction is rolled back.
	// If fn returns nil, the transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// =============================================================================
// QUERY TYPES
// =============================================================================

// ArchiveFilter narrows Search. Nil fields match everything.
type ArchiveFilter struct {
	Month *int
	Year  *int
	Unit  *Unit
	// Search is a case-insensitive substring of identifier or name.
	Search string
}

// Run records one completed comparison.
type Run struct {
	ID    string
	Scope Scope
	// ComparedWith is nil when no earlier period had data.
	ComparedWith *Period
	Summary      Summary
	Updated      int64
	Created      int
	Pruned       int64
	CreatedAt    time.Time
}

// RunFilter narrows ListRuns.
type RunFilter struct {
	Unit *Unit
	// Limit caps the result; 0 means DefaultRunLimit.
	Limit int
}

// DefaultRunLimit is used when RunFilter.Limit is zero.
const DefaultRunLimit = 50
