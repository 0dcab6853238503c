package roster_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/roster/roster"
	"github.com/warp/roster/roster/store"
)

func TestPreviousMonth(t *testing.T) {
	tests := []struct {
		month, year         int
		wantMonth, wantYear int
	}{
		{1, 2025, 12, 2024},
		{2, 2025, 1, 2025},
		{12, 2025, 11, 2025},
		{1, 2000, 12, 1999},
	}
	for _, tt := range tests {
		m, y := roster.PreviousMonth(tt.month, tt.year)
		assert.Equal(t, tt.wantMonth, m, "month for %d/%d", tt.month, tt.year)
		assert.Equal(t, tt.wantYear, y, "year for %d/%d", tt.month, tt.year)
	}
}

func TestPreviousMonth_AllMonths(t *testing.T) {
	for year := roster.MinYear; year <= roster.MaxYear; year += 25 {
		for month := 2; month <= 12; month++ {
			m, y := roster.PreviousMonth(month, year)
			assert.Equal(t, month-1, m)
			assert.Equal(t, year, y)
		}
		m, y := roster.PreviousMonth(1, year)
		assert.Equal(t, 12, m)
		assert.Equal(t, year-1, y)
	}
}

func TestPeriod_Validate(t *testing.T) {
	_, err := roster.NewPeriod(3, 2025)
	assert.NoError(t, err)

	for _, p := range []roster.Period{
		{Month: 0, Year: 2025},
		{Month: 13, Year: 2025},
		{Month: 6, Year: 1999},
		{Month: 6, Year: 2101},
	} {
		assert.ErrorIs(t, p.Validate(), roster.ErrInvalidPeriod, "period %v", p)
	}
}

func TestPeriod_StringAndBefore(t *testing.T) {
	p := roster.Period{Month: 3, Year: 2025}
	assert.Equal(t, "03/2025", p.String())
	assert.True(t, roster.Period{Month: 12, Year: 2024}.Before(p))
	assert.False(t, p.Before(p))
	assert.Equal(t, roster.Period{Month: 2, Year: 2025}, p.Previous())
}

// =============================================================================
// COMPARISON PERIOD SEARCH
// =============================================================================

func seed(t *testing.T, s roster.Store, scope roster.Scope, ids ...string) {
	t.Helper()
	for _, id := range ids {
		row := roster.NewUploadedSnapshot(candidate(id, "100"+id), scope, testNow)
		require.NoError(t, s.Insert(context.Background(), &row))
	}
}

func TestFindComparisonPeriod_ImmediatePrevious(t *testing.T) {
	s := store.NewTxMemory()
	march := scopeOf(3, 2025, roster.UnitDinas)
	seed(t, s, scopeOf(2, 2025, roster.UnitDinas), "A", "B")

	got, err := roster.FindComparisonPeriod(context.Background(), s, march, 12)
	require.NoError(t, err)
	assert.True(t, got.Found)
	assert.Equal(t, roster.Period{Month: 2, Year: 2025}, got.Period)
	assert.Len(t, got.Rows, 2)
}

func TestFindComparisonPeriod_SkipsEmptyPeriodsAcrossYear(t *testing.T) {
	// GIVEN: data in November 2024 only
	// WHEN: searching from February 2025
	// THEN: the search crosses the year boundary and finds November
	s := store.NewTxMemory()
	seed(t, s, scopeOf(11, 2024, roster.UnitDinas), "A")

	got, err := roster.FindComparisonPeriod(context.Background(), s, scopeOf(2, 2025, roster.UnitDinas), 12)
	require.NoError(t, err)
	assert.True(t, got.Found)
	assert.Equal(t, roster.Period{Month: 11, Year: 2024}, got.Period)
}

func TestFindComparisonPeriod_IgnoresOtherUnits(t *testing.T) {
	s := store.NewTxMemory()
	seed(t, s, scopeOf(2, 2025, roster.UnitPPPK), "A")

	got, err := roster.FindComparisonPeriod(context.Background(), s, scopeOf(3, 2025, roster.UnitDinas), 12)
	require.NoError(t, err)
	assert.False(t, got.Found)
}

func TestFindComparisonPeriod_WindowExhausted(t *testing.T) {
	// GIVEN: data exactly 13 months back
	// THEN: it is outside the 12 period window
	s := store.NewTxMemory()
	seed(t, s, scopeOf(2, 2024, roster.UnitDinas), "A")

	got, err := roster.FindComparisonPeriod(context.Background(), s, scopeOf(3, 2025, roster.UnitDinas), 12)
	require.NoError(t, err)
	assert.False(t, got.Found)
	assert.Empty(t, got.Rows)

	// 12 months back is the last period searched
	seed(t, s, scopeOf(3, 2024, roster.UnitDinas), "B")
	got, err = roster.FindComparisonPeriod(context.Background(), s, scopeOf(3, 2025, roster.UnitDinas), 12)
	require.NoError(t, err)
	assert.True(t, got.Found)
	assert.Equal(t, roster.Period{Month: 3, Year: 2024}, got.Period)
}

func TestFindComparisonPeriod_DerivedRowsDoNotCount(t *testing.T) {
	s := store.NewTxMemory()
	ctx := context.Background()
	seed(t, s, scopeOf(1, 2025, roster.UnitDinas), "A")

	// February holds only a derived departed row
	src, err := s.FindByIdentifier(ctx, scopeOf(1, 2025, roster.UnitDinas), "A")
	require.NoError(t, err)
	derived := roster.DeriveSnapshot(src, roster.Period{Month: 2, Year: 2025}, roster.StatusDeparted, false, testNow)
	require.NoError(t, s.Insert(ctx, &derived))

	got, err := roster.FindComparisonPeriod(ctx, s, scopeOf(3, 2025, roster.UnitDinas), 12)
	require.NoError(t, err)
	assert.Equal(t, roster.Period{Month: 1, Year: 2025}, got.Period)
}
