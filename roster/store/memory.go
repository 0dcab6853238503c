// Package store provides an in-memory roster.TxStore.
package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/warp/roster/roster"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu     sync.RWMutex
	rows   map[int64]roster.Snapshot
	index  map[rowKey]int64
	runs   []roster.Run
	nextID int64
}

// rowKey mirrors the (identifier, month, year, unit) unique constraint.
type rowKey struct {
	Identifier string
	Period     roster.Period
	Unit       roster.Unit
}

func keyOf(s roster.Snapshot) rowKey {
	return rowKey{Identifier: s.Identifier, Period: s.Period, Unit: s.Unit}
}

func NewMemory() *Memory {
	return &Memory{
		rows:  make(map[int64]roster.Snapshot),
		index: make(map[rowKey]int64),
	}
}

func (m *Memory) ListPeriod(_ context.Context, scope roster.Scope) ([]roster.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listPeriodLocked(scope), nil
}

func (m *Memory) FindByID(_ context.Context, id int64) (roster.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.findByIDLocked(id)
}

func (m *Memory) FindByIdentifier(_ context.Context, scope roster.Scope, identifier string) (roster.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.findByIdentifierLocked(scope, identifier)
}

func (m *Memory) Insert(_ context.Context, s *roster.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertLocked(s)
}

func (m *Memory) UpdateStatus(_ context.Context, id int64, status roster.Status, manualOverride bool, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateStatusLocked(id, status, manualOverride, at)
}

func (m *Memory) ApplyStatus(_ context.Context, scope roster.Scope, status roster.Status, identifiers []string, at time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.applyStatusLocked(scope, status, identifiers, at), nil
}

func (m *Memory) DeleteRows(_ context.Context, ids []int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteRowsLocked(ids), nil
}

func (m *Memory) Search(_ context.Context, filter roster.ArchiveFilter) ([]roster.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.searchLocked(filter), nil
}

func (m *Memory) SaveRun(_ context.Context, run roster.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveRunLocked(run)
	return nil
}

func (m *Memory) ListRuns(_ context.Context, filter roster.RunFilter) ([]roster.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listRunsLocked(filter), nil
}

// =============================================================================
// LOCKED HELPERS - caller holds mu
// =============================================================================

func (m *Memory) listPeriodLocked(scope roster.Scope) []roster.Snapshot {
	var result []roster.Snapshot
	for _, row := range m.rows {
		if row.Period == scope.Period && row.Unit == scope.Unit {
			result = append(result, row)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

func (m *Memory) findByIDLocked(id int64) (roster.Snapshot, error) {
	row, ok := m.rows[id]
	if !ok {
		return roster.Snapshot{}, roster.ErrSnapshotNotFound
	}
	return row, nil
}

func (m *Memory) findByIdentifierLocked(scope roster.Scope, identifier string) (roster.Snapshot, error) {
	id, ok := m.index[rowKey{Identifier: identifier, Period: scope.Period, Unit: scope.Unit}]
	if !ok {
		return roster.Snapshot{}, roster.ErrSnapshotNotFound
	}
	return m.rows[id], nil
}

func (m *Memory) insertLocked(s *roster.Snapshot) error {
	k := keyOf(*s)
	if _, exists := m.index[k]; exists {
		return roster.ErrStoreConflict
	}
	m.nextID++
	s.ID = m.nextID
	m.rows[s.ID] = *s
	m.index[k] = s.ID
	return nil
}

func (m *Memory) updateStatusLocked(id int64, status roster.Status, manualOverride bool, at time.Time) error {
	row, ok := m.rows[id]
	if !ok {
		return roster.ErrSnapshotNotFound
	}
	row.Status = status
	row.ManualOverride = manualOverride
	row.UpdatedAt = at
	m.rows[id] = row
	return nil
}

func (m *Memory) applyStatusLocked(scope roster.Scope, status roster.Status, identifiers []string, at time.Time) int64 {
	var n int64
	for _, ident := range identifiers {
		id, ok := m.index[rowKey{Identifier: ident, Period: scope.Period, Unit: scope.Unit}]
		if !ok {
			continue
		}
		row := m.rows[id]
		if row.ManualOverride || row.Origin != roster.OriginUpload || row.Status == status {
			continue
		}
		row.Status = status
		row.UpdatedAt = at
		m.rows[id] = row
		n++
	}
	return n
}

func (m *Memory) deleteRowsLocked(ids []int64) int64 {
	var n int64
	for _, id := range ids {
		row, ok := m.rows[id]
		if !ok {
			continue
		}
		delete(m.index, keyOf(row))
		delete(m.rows, id)
		n++
	}
	return n
}

func (m *Memory) searchLocked(filter roster.ArchiveFilter) []roster.Snapshot {
	needle := strings.ToLower(filter.Search)
	var result []roster.Snapshot
	for _, row := range m.rows {
		if filter.Month != nil && row.Period.Month != *filter.Month {
			continue
		}
		if filter.Year != nil && row.Period.Year != *filter.Year {
			continue
		}
		if filter.Unit != nil && row.Unit != *filter.Unit {
			continue
		}
		if needle != "" &&
			!strings.Contains(strings.ToLower(row.Identifier), needle) &&
			!strings.Contains(strings.ToLower(row.Name), needle) {
			continue
		}
		result = append(result, row)
	}
	sort.Slice(result, func(i, j int) bool {
		a, b := result[i], result[j]
		if a.Period != b.Period {
			return b.Period.Before(a.Period)
		}
		if a.Unit != b.Unit {
			return a.Unit < b.Unit
		}
		return a.Identifier < b.Identifier
	})
	return result
}

func (m *Memory) saveRunLocked(run roster.Run) {
	if run.ComparedWith != nil {
		p := *run.ComparedWith
		run.ComparedWith = &p
	}
	m.runs = append(m.runs, run)
}

func (m *Memory) listRunsLocked(filter roster.RunFilter) []roster.Run {
	limit := filter.Limit
	if limit <= 0 {
		limit = roster.DefaultRunLimit
	}
	var result []roster.Run
	// Newest last in m.runs; walk backward.
	for i := len(m.runs) - 1; i >= 0 && len(result) < limit; i-- {
		run := m.runs[i]
		if filter.Unit != nil && run.Scope.Unit != *filter.Unit {
			continue
		}
		result = append(result, run)
	}
	return result
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (tm *TxMemory) WithTx(ctx context.Context, fn func(roster.Store) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	snapshot := tm.snapshot()

	if err := fn(&txMemoryView{parent: tm.Memory}); err != nil {
		tm.restore(snapshot)
		return err
	}
	if err := ctx.Err(); err != nil {
		tm.restore(snapshot)
		return err
	}
	return nil
}

func (tm *TxMemory) snapshot() memorySnapshot {
	rows := make(map[int64]roster.Snapshot, len(tm.rows))
	for k, v := range tm.rows {
		rows[k] = v
	}
	index := make(map[rowKey]int64, len(tm.index))
	for k, v := range tm.index {
		index[k] = v
	}
	return memorySnapshot{
		rows:   rows,
		index:  index,
		runs:   append([]roster.Run(nil), tm.runs...),
		nextID: tm.nextID,
	}
}

func (tm *TxMemory) restore(s memorySnapshot) {
	tm.rows = s.rows
	tm.index = s.index
	tm.runs = s.runs
	tm.nextID = s.nextID
}

type memorySnapshot struct {
	rows   map[int64]roster.Snapshot
	index  map[rowKey]int64
	runs   []roster.Run
	nextID int64
}

// txMemoryView runs against the parent while WithTx holds its lock.
type txMemoryView struct {
	parent *Memory
}

func (tv *txMemoryView) ListPeriod(_ context.Context, scope roster.Scope) ([]roster.Snapshot, error) {
	return tv.parent.listPeriodLocked(scope), nil
}

func (tv *txMemoryView) FindByID(_ context.Context, id int64) (roster.Snapshot, error) {
	return tv.parent.findByIDLocked(id)
}

func (tv *txMemoryView) FindByIdentifier(_ context.Context, scope roster.Scope, identifier string) (roster.Snapshot, error) {
	return tv.parent.findByIdentifierLocked(scope, identifier)
}

func (tv *txMemoryView) Insert(_ context.Context, s *roster.Snapshot) error {
	return tv.parent.insertLocked(s)
}

func (tv *txMemoryView) UpdateStatus(_ context.Context, id int64, status roster.Status, manualOverride bool, at time.Time) error {
	return tv.parent.updateStatusLocked(id, status, manualOverride, at)
}

func (tv *txMemoryView) ApplyStatus(_ context.Context, scope roster.Scope, status roster.Status, identifiers []string, at time.Time) (int64, error) {
	return tv.parent.applyStatusLocked(scope, status, identifiers, at), nil
}

func (tv *txMemoryView) DeleteRows(_ context.Context, ids []int64) (int64, error) {
	return tv.parent.deleteRowsLocked(ids), nil
}

func (tv *txMemoryView) Search(_ context.Context, filter roster.ArchiveFilter) ([]roster.Snapshot, error) {
	return tv.parent.searchLocked(filter), nil
}

func (tv *txMemoryView) SaveRun(_ context.Context, run roster.Run) error {
	tv.parent.saveRunLocked(run)
	return nil
}

func (tv *txMemoryView) ListRuns(_ context.Context, filter roster.RunFilter) ([]roster.Run, error) {
	return tv.parent.listRunsLocked(filter), nil
}

var (
	_ roster.TxStore = (*TxMemory)(nil)
	_ roster.Store   = (*txMemoryView)(nil)
)
