package roster

import (
	"context"
	"fmt"
)

// =============================================================================
// PERIOD - One monthly snapshot
// =============================================================================

const (
	MinYear = 2000
	MaxYear = 2100

	// DefaultSearchWindow is how many periods FindComparisonPeriod walks back.
	DefaultSearchWindow = 12
)

// Period is a (month, year) pair.
type Period struct {
	Month int
	Year  int
}

// NewPeriod validates and returns a Period.
func NewPeriod(month, year int) (Period, error) {
	p := Period{Month: month, Year: year}
	if err := p.Validate(); err != nil {
		return Period{}, err
	}
	return p, nil
}

// Validate checks month is in 1-12 and year in [MinYear, MaxYear].
func (p Period) Validate() error {
	if p.Month < 1 || p.Month > 12 {
		return fmt.Errorf("%w: month must be between 1 and 12, got %d", ErrInvalidPeriod, p.Month)
	}
	if p.Year < MinYear || p.Year > MaxYear {
		return fmt.Errorf("%w: year must be between %d and %d, got %d", ErrInvalidPeriod, MinYear, MaxYear, p.Year)
	}
	return nil
}

// Previous returns the period immediately before p.
func (p Period) Previous() Period {
	m, y := PreviousMonth(p.Month, p.Year)
	return Period{Month: m, Year: y}
}

// Before reports whether p is strictly earlier than o.
func (p Period) Before(o Period) bool {
	if p.Year != o.Year {
		return p.Year < o.Year
	}
	return p.Month < o.Month
}

func (p Period) String() string {
	return fmt.Sprintf("%02d/%04d", p.Month, p.Year)
}

// PreviousMonth maps (month, year) to the preceding (month, year).
// January wraps to December of the previous year.
func PreviousMonth(month, year int) (int, int) {
	if month == 1 {
		return 12, year - 1
	}
	return month - 1, year
}

// =============================================================================
// COMPARISON PERIOD SEARCH
// =============================================================================

// PeriodReader is the slice of the Store the period search needs.
type PeriodReader interface {
	ListPeriod(ctx context.Context, scope Scope) ([]Snapshot, error)
}

// ComparisonData is the outcome of FindComparisonPeriod.
type ComparisonData struct {
	// Period is the nearest earlier period with uploaded rows. Zero when
	// Found is false.
	Period Period
	// Rows holds the upload-origin rows of Period, in upload order.
	Rows  []Snapshot
	Found bool
}

// FindComparisonPeriod walks backward from the period before scope.Period,
// up to window periods, and returns the first one holding at least one
// uploaded row for scope.Unit. Found is false when the window is exhausted.
func FindComparisonPeriod(ctx context.Context, r PeriodReader, scope Scope, window int) (ComparisonData, error) {
	if window <= 0 {
		window = DefaultSearchWindow
	}

	search := scope.Period.Previous()
	for i := 0; i < window; i++ {
		rows, err := r.ListPeriod(ctx, Scope{Period: search, Unit: scope.Unit})
		if err != nil {
			return ComparisonData{}, fmt.Errorf("load comparison period %s: %w", search, err)
		}
		if up := uploaded(rows); len(up) > 0 {
			return ComparisonData{Period: search, Rows: up, Found: true}, nil
		}
		search = search.Previous()
	}

	return ComparisonData{}, nil
}
