/*
types.go - Core data model for monthly employee snapshots

PURPOSE:
  An EmployeeSnapshot is one employee's row in one monthly upload for one
  organizational unit. Snapshots of consecutive periods are compared to
  classify employees as joined, departed, account-changed or unchanged.

KEY TYPES:
  Snapshot:  One row per (identifier, period, unit)
  Status:    Lifecycle status shown to HR staff
  Unit:      Organizational subdivision; comparisons never cross units
  Origin:    Whether a row came from an upload or was derived by the system
  Scope:     (period, unit) pair addressed by every store query

INVARIANTS:
  - At most one Snapshot per (Identifier, Period, Unit).
  - ManualOverride, once true, is never reset by automation.

SEE ALSO:
  - period.go: Period and month arithmetic
  - compare.go: Comparator
  - reconcile.go: Write-back policy
*/
package roster

import (
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// STATUS
// =============================================================================

// Status is the lifecycle status of a snapshot row.
type Status string

const (
	StatusActive         Status = "Active"
	StatusJoined         Status = "Joined"
	StatusDeparted       Status = "Departed"
	StatusTransferred    Status = "Transferred"
	StatusRetired        Status = "Retired"
	StatusAccountChanged Status = "AccountChanged"
)

var statuses = []Status{
	StatusActive,
	StatusJoined,
	StatusDeparted,
	StatusTransferred,
	StatusRetired,
	StatusAccountChanged,
}

// Statuses returns every valid status in display order.
func Statuses() []Status {
	return append([]Status(nil), statuses...)
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	for _, known := range statuses {
		if s == known {
			return true
		}
	}
	return false
}

// ParseStatus trims raw and returns the matching Status.
func ParseStatus(raw string) (Status, error) {
	s := Status(strings.TrimSpace(raw))
	if !s.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
	}
	return s, nil
}

// =============================================================================
// UNIT
// =============================================================================

// Unit is an organizational subdivision. Every comparison is scoped to one.
type Unit string

const (
	UnitDinas      Unit = "Dinas"
	UnitCabdisWil1 Unit = "Cabdis Wil. 1"
	UnitCabdisWil2 Unit = "Cabdis Wil. 2"
	UnitCabdisWil3 Unit = "Cabdis Wil. 3"
	UnitCabdisWil4 Unit = "Cabdis Wil. 4"
	UnitCabdisWil5 Unit = "Cabdis Wil. 5"
	UnitCabdisWil6 Unit = "Cabdis Wil. 6"
	UnitPPPK       Unit = "PPPK"
)

var units = []Unit{
	UnitDinas,
	UnitCabdisWil1,
	UnitCabdisWil2,
	UnitCabdisWil3,
	UnitCabdisWil4,
	UnitCabdisWil5,
	UnitCabdisWil6,
	UnitPPPK,
}

// Units returns every valid unit in display order.
func Units() []Unit {
	return append([]Unit(nil), units...)
}

// Valid reports whether u is one of the known units.
func (u Unit) Valid() bool {
	for _, known := range units {
		if u == known {
			return true
		}
	}
	return false
}

// ParseUnit trims raw and returns the matching Unit.
func ParseUnit(raw string) (Unit, error) {
	u := Unit(strings.TrimSpace(raw))
	if !u.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidUnit, raw)
	}
	return u, nil
}

// =============================================================================
// ORIGIN
// =============================================================================

// Origin records how a row entered the store.
type Origin string

const (
	// OriginUpload rows come from a spreadsheet upload and feed the comparator.
	OriginUpload Origin = "upload"
	// OriginDerived rows were cloned from an earlier period for a departed
	// employee. They are never part of the comparator's input.
	OriginDerived Origin = "derived"
)

// =============================================================================
// SNAPSHOT
// =============================================================================

// Scope addresses all rows of one unit in one period.
type Scope struct {
	Period Period
	Unit   Unit
}

// Validate checks the period bounds and the unit.
func (s Scope) Validate() error {
	if err := s.Period.Validate(); err != nil {
		return err
	}
	if !s.Unit.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidUnit, string(s.Unit))
	}
	return nil
}

func (s Scope) String() string {
	return fmt.Sprintf("%s %s", s.Unit, s.Period)
}

// Snapshot is one employee's record for one period and unit.
type Snapshot struct {
	ID             int64
	Identifier     string
	Name           string
	NationalID     string
	TaxID          string
	BirthDate      time.Time
	BankCode       string
	BankName       string
	AccountNumber  string
	Status         Status
	ManualOverride bool
	Origin         Origin
	Period         Period
	Unit           Unit
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Scope returns the (period, unit) the row belongs to.
func (s Snapshot) Scope() Scope {
	return Scope{Period: s.Period, Unit: s.Unit}
}

// Candidate is a validated upload row that has not been stored yet.
type Candidate struct {
	Identifier    string
	Name          string
	NationalID    string
	TaxID         string
	BirthDate     time.Time
	BankCode      string
	BankName      string
	AccountNumber string
}

// NewUploadedSnapshot builds the stored form of an upload row.
func NewUploadedSnapshot(c Candidate, scope Scope, now time.Time) Snapshot {
	return Snapshot{
		Identifier:    c.Identifier,
		Name:          c.Name,
		NationalID:    c.NationalID,
		TaxID:         c.TaxID,
		BirthDate:     c.BirthDate,
		BankCode:      c.BankCode,
		BankName:      c.BankName,
		AccountNumber: c.AccountNumber,
		Status:        StatusActive,
		Origin:        OriginUpload,
		Period:        scope.Period,
		Unit:          scope.Unit,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// DeriveSnapshot copies the descriptive fields of src into a new row for
// target. It is the single place where an earlier period's row is carried
// forward, both for departed synthesis and for manual status edits.
func DeriveSnapshot(src Snapshot, target Period, status Status, manualOverride bool, now time.Time) Snapshot {
	return Snapshot{
		Identifier:     src.Identifier,
		Name:           src.Name,
		NationalID:     src.NationalID,
		TaxID:          src.TaxID,
		BirthDate:      src.BirthDate,
		BankCode:       src.BankCode,
		BankName:       src.BankName,
		AccountNumber:  src.AccountNumber,
		Status:         status,
		ManualOverride: manualOverride,
		Origin:         OriginDerived,
		Period:         target,
		Unit:           src.Unit,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// uploaded filters rows down to upload-origin rows, preserving order.
func uploaded(rows []Snapshot) []Snapshot {
	out := make([]Snapshot, 0, len(rows))
	for _, r := range rows {
		if r.Origin != OriginDerived {
			out = append(out, r)
		}
	}
	return out
}

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time {
	return time.Now().UTC()
}
