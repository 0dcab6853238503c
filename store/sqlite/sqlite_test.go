package sqlite_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/roster/roster"
	"github.com/warp/roster/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var (
	now   = time.Date(2025, time.March, 15, 8, 30, 0, 0, time.UTC)
	feb   = roster.Scope{Period: roster.Period{Month: 2, Year: 2025}, Unit: roster.UnitDinas}
	march = roster.Scope{Period: roster.Period{Month: 3, Year: 2025}, Unit: roster.UnitDinas}
)

func newTestStore(t *testing.T) *sqlite.Store {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func snapshot(scope roster.Scope, id, account string) roster.Snapshot {
	return roster.NewUploadedSnapshot(roster.Candidate{
		Identifier:    id,
		Name:          "Pegawai " + id,
		NationalID:    "3273" + id,
		TaxID:         "12.345." + id,
		BirthDate:     time.Date(1990, time.January, 31, 0, 0, 0, 0, time.UTC),
		BankCode:      "008",
		BankName:      "Mandiri",
		AccountNumber: account,
	}, scope, now)
}

func insert(t *testing.T, s roster.Store, snaps ...roster.Snapshot) []roster.Snapshot {
	t.Helper()
	for i := range snaps {
		require.NoError(t, s.Insert(context.Background(), &snaps[i]))
	}
	return snaps
}

// =============================================================================
// ROW OPERATIONS
// =============================================================================

func TestStore_InsertAndRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	in := insert(t, store, snapshot(march, "A", "0012345"))[0]
	require.NotZero(t, in.ID)

	got, err := store.FindByID(ctx, in.ID)
	require.NoError(t, err)
	assert.Equal(t, in, got)

	got, err = store.FindByIdentifier(ctx, march, "A")
	require.NoError(t, err)
	assert.Equal(t, "0012345", got.AccountNumber)
	assert.Equal(t, roster.OriginUpload, got.Origin)
}

func TestStore_UniqueConstraintIsConflict(t *testing.T) {
	// GIVEN: A stored for March
	// WHEN: another March row for A is inserted
	// THEN: the store reports a retryable conflict
	store := newTestStore(t)
	insert(t, store, snapshot(march, "A", "1"))

	dup := snapshot(march, "A", "2")
	err := store.Insert(context.Background(), &dup)
	assert.ErrorIs(t, err, roster.ErrStoreConflict)
	assert.True(t, roster.IsRetryable(err))

	// Same identifier, other period or unit
	insert(t, store, snapshot(feb, "A", "1"))
	other := snapshot(march, "A", "1")
	other.Unit = roster.UnitCabdisWil3
	insert(t, store, other)
}

func TestStore_NotFound(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.FindByID(ctx, 99)
	assert.ErrorIs(t, err, roster.ErrSnapshotNotFound)

	_, err = store.FindByIdentifier(ctx, march, "nobody")
	assert.ErrorIs(t, err, roster.ErrSnapshotNotFound)

	err = store.UpdateStatus(ctx, 99, roster.StatusRetired, true, now)
	assert.ErrorIs(t, err, roster.ErrSnapshotNotFound)
}

func TestStore_ListPeriodInUploadOrder(t *testing.T) {
	store := newTestStore(t)
	insert(t, store, snapshot(march, "Z", "1"), snapshot(march, "A", "1"), snapshot(feb, "M", "1"))

	got, err := store.ListPeriod(context.Background(), march)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "Z", got[0].Identifier)
	assert.Equal(t, "A", got[1].Identifier)
}

func TestStore_ApplyStatusHonoursManualOverride(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rows := insert(t, store, snapshot(march, "A", "1"), snapshot(march, "B", "1"))
	require.NoError(t, store.UpdateStatus(ctx, rows[1].ID, roster.StatusRetired, true, now))
	derived := roster.DeriveSnapshot(snapshot(feb, "C", "1"), march.Period, roster.StatusDeparted, false, now)
	insert(t, store, derived)

	n, err := store.ApplyStatus(ctx, march, roster.StatusJoined, []string{"A", "B", "C"}, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	a, err := store.FindByIdentifier(ctx, march, "A")
	require.NoError(t, err)
	assert.Equal(t, roster.StatusJoined, a.Status)
	assert.False(t, a.ManualOverride)
	assert.Equal(t, now.Add(time.Hour), a.UpdatedAt)

	b, err := store.FindByIdentifier(ctx, march, "B")
	require.NoError(t, err)
	assert.Equal(t, roster.StatusRetired, b.Status)
	assert.True(t, b.ManualOverride)

	c, err := store.FindByIdentifier(ctx, march, "C")
	require.NoError(t, err)
	assert.Equal(t, roster.StatusDeparted, c.Status)
}

func TestStore_ApplyStatusLargeBatch(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	var ids []string
	err := store.WithTx(ctx, func(tx roster.Store) error {
		for i := 0; i < 1200; i++ {
			id := fmt.Sprintf("E%04d", i)
			ids = append(ids, id)
			snap := snapshot(march, id, "1")
			if err := tx.Insert(ctx, &snap); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	n, err := store.ApplyStatus(ctx, march, roster.StatusJoined, ids, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1200), n)
}

func TestStore_DeleteRows(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	rows := insert(t, store, snapshot(march, "A", "1"), snapshot(march, "B", "1"))

	n, err := store.DeleteRows(ctx, []int64{rows[0].ID, 12345})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	left, err := store.ListPeriod(ctx, march)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "B", left[0].Identifier)
}

func TestStore_Search(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	pppk := roster.Scope{Period: march.Period, Unit: roster.UnitPPPK}
	insert(t, store,
		snapshot(feb, "B", "1"),
		snapshot(feb, "A", "1"),
		snapshot(march, "C", "1"),
		snapshot(pppk, "A", "1"),
	)

	all, err := store.Search(ctx, roster.ArchiveFilter{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, roster.UnitDinas, all[0].Unit)
	assert.Equal(t, roster.UnitPPPK, all[1].Unit)
	assert.Equal(t, "A", all[2].Identifier)
	assert.Equal(t, "B", all[3].Identifier)

	unit := roster.UnitPPPK
	got, err := store.Search(ctx, roster.ArchiveFilter{Unit: &unit})
	require.NoError(t, err)
	assert.Len(t, got, 1)

	year := 2025
	month := 2
	got, err = store.Search(ctx, roster.ArchiveFilter{Month: &month, Year: &year, Search: "PEGAWAI b"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "B", got[0].Identifier)

	// Wildcards in the search text are literal.
	got, err = store.Search(ctx, roster.ArchiveFilter{Search: "%"})
	require.NoError(t, err)
	assert.Empty(t, got)
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func TestStore_WithTxRollsBack(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	rows := insert(t, store, snapshot(march, "A", "1"))

	boom := errors.New("boom")
	err := store.WithTx(ctx, func(tx roster.Store) error {
		if _, err := tx.DeleteRows(ctx, []int64{rows[0].ID}); err != nil {
			return err
		}
		snap := snapshot(march, "B", "1")
		if err := tx.Insert(ctx, &snap); err != nil {
			return err
		}
		// reads inside the transaction see its writes
		got, err := tx.ListPeriod(ctx, march)
		if err != nil {
			return err
		}
		if len(got) != 1 || got[0].Identifier != "B" {
			return errors.New("unexpected view inside transaction")
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := store.ListPeriod(ctx, march)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "A", got[0].Identifier)
}

func TestStore_WithTxConflictRollsBack(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	insert(t, store, snapshot(march, "A", "1"))

	err := store.WithTx(ctx, func(tx roster.Store) error {
		b := snapshot(march, "B", "1")
		if err := tx.Insert(ctx, &b); err != nil {
			return err
		}
		dup := snapshot(march, "A", "2")
		return tx.Insert(ctx, &dup)
	})
	assert.ErrorIs(t, err, roster.ErrStoreConflict)

	_, err = store.FindByIdentifier(ctx, march, "B")
	assert.ErrorIs(t, err, roster.ErrSnapshotNotFound)
}

// =============================================================================
// RUNS
// =============================================================================

func TestStore_Runs(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := roster.Run{
		ID:        "run-1",
		Scope:     march,
		Summary:   roster.NewSummary(3, 3, 1, 1, 1, 1),
		Created:   1,
		CreatedAt: now,
	}
	second := roster.Run{
		ID:           "run-2",
		Scope:        march,
		ComparedWith: &feb.Period,
		Summary:      roster.NewSummary(3, 3, 0, 0, 0, 3),
		Updated:      2,
		CreatedAt:    now.Add(time.Minute),
	}
	require.NoError(t, store.SaveRun(ctx, first))
	require.NoError(t, store.SaveRun(ctx, second))
	assert.ErrorIs(t, store.SaveRun(ctx, first), roster.ErrStoreConflict)

	runs, err := store.ListRuns(ctx, roster.RunFilter{})
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-2", runs[0].ID)
	require.NotNil(t, runs[0].ComparedWith)
	assert.Equal(t, feb.Period, *runs[0].ComparedWith)
	assert.Equal(t, int64(2), runs[0].Updated)
	assert.Nil(t, runs[1].ComparedWith)
	assert.True(t, decimal.RequireFromString("33.33").Equal(runs[1].Summary.JoinRate))
	assert.Equal(t, now, runs[1].CreatedAt)

	pppk := roster.UnitPPPK
	runs, err = store.ListRuns(ctx, roster.RunFilter{Unit: &pppk})
	require.NoError(t, err)
	assert.Empty(t, runs)

	runs, err = store.ListRuns(ctx, roster.RunFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

// =============================================================================
// END TO END
// =============================================================================

func TestStore_CompareThroughService(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	svc := roster.NewService(store, roster.Options{})

	_, err := svc.ReplacePeriod(ctx, feb, []roster.Candidate{
		{Identifier: "B", Name: "B", AccountNumber: "2"},
		{Identifier: "C", Name: "C", AccountNumber: "9"},
		{Identifier: "D", Name: "D", AccountNumber: "4"},
	})
	require.NoError(t, err)
	_, err = svc.ReplacePeriod(ctx, march, []roster.Candidate{
		{Identifier: "A", Name: "A", AccountNumber: "1"},
		{Identifier: "B", Name: "B", AccountNumber: "2"},
		{Identifier: "C", Name: "C", AccountNumber: "3"},
	})
	require.NoError(t, err)

	res, err := svc.Compare(ctx, march)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Summary.NewCount)
	assert.Equal(t, 1, res.Summary.DepartedCount)
	assert.Equal(t, 1, res.Summary.AccountChangeCount)
	assert.Equal(t, 1, res.Summary.UnchangedCount)
	assert.Len(t, res.Records, 4)

	again, err := svc.Compare(ctx, march)
	require.NoError(t, err)
	assert.Equal(t, roster.ReconcileStats{}, again.Stats)
}
