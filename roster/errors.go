/*
errors.go - Error taxonomy for the roster core

ERROR CATEGORIES:
  1. Validation errors - rejected before touching the store
  2. User-actionable conditions - no data uploaded, row not found
  3. Store errors - uniqueness conflicts (retryable)

Everything else is an internal failure: the active transaction is rolled
back and the API reports it without store detail.

USAGE:
  if errors.Is(err, roster.ErrNoDataForPeriod) {
      // ask the user to upload first
  }
*/
package roster

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidPeriod is returned when month is outside 1-12 or year is
	// outside [MinYear, MaxYear].
	ErrInvalidPeriod = errors.New("invalid period")

	// ErrInvalidUnit is returned for an unknown organizational unit.
	ErrInvalidUnit = errors.New("invalid unit")

	// ErrInvalidStatus is returned for an unknown status value.
	ErrInvalidStatus = errors.New("invalid status")

	// ErrInvalidIdentifier is returned when an identifier or row id is blank.
	ErrInvalidIdentifier = errors.New("invalid identifier")

	// ErrEmptyUpload is returned when an upload carries no rows.
	ErrEmptyUpload = errors.New("upload contains no rows")

	// ErrNoDataForPeriod is returned when compare is requested for a
	// period and unit without uploaded rows.
	ErrNoDataForPeriod = errors.New("no data for period")

	// ErrSnapshotNotFound is returned when a referenced row doesn't exist.
	ErrSnapshotNotFound = errors.New("snapshot not found")

	// ErrStoreConflict is returned when the store rejects a write because of
	// the (identifier, period, unit) uniqueness constraint. The whole
	// operation may be retried.
	ErrStoreConflict = errors.New("store conflict")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// NoDataError reports which scope had no uploaded rows.
type NoDataError struct {
	Scope Scope
}

func (e *NoDataError) Error() string {
	return fmt.Sprintf("no data found for %s, please upload data first", e.Scope)
}

func (e *NoDataError) Unwrap() error {
	return ErrNoDataForPeriod
}

// NotFoundError reports an employee missing from both the target period and
// the comparison period.
type NotFoundError struct {
	Identifier string
	Scope      Scope
	Searched   *Period
}

func (e *NotFoundError) Error() string {
	if e.Searched == nil {
		return fmt.Sprintf("employee %s not found in %s and no earlier period has data", e.Identifier, e.Scope)
	}
	return fmt.Sprintf("employee %s not found in %s or in %s", e.Identifier, e.Scope, *e.Searched)
}

func (e *NotFoundError) Unwrap() error {
	return ErrSnapshotNotFound
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the operation might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStoreConflict)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidPeriod) ||
		errors.Is(err, ErrInvalidUnit) ||
		errors.Is(err, ErrInvalidStatus) ||
		errors.Is(err, ErrInvalidIdentifier) ||
		errors.Is(err, ErrEmptyUpload) ||
		errors.Is(err, ErrNoDataForPeriod)
}

// IsNotFound returns true if the error indicates a missing row.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrSnapshotNotFound)
}
