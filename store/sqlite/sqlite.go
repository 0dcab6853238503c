/*
Package sqlite provides a SQLite-backed implementation of roster.TxStore.

PURPOSE:
  Default persistence for the roster service. The PostgreSQL driver in
  store/postgres implements the same interface with the same schema.

KEY TABLES:
  snapshots:        One row per (identifier, month, year, unit)
  comparison_runs:  One row per completed compare

INDEXES:
  - uq_snapshot_identifier_period_unit: the uniqueness guard; a violation
    surfaces as roster.ErrStoreConflict
  - idx_snapshots_period_unit: ListPeriod (hot path)

CONCURRENCY:
  Uses sync.RWMutex so a transaction never interleaves with other writers
  in the same process. Across processes SQLite's own locking applies.

WAL MODE:
  File databases are opened with WAL. An in-memory database is pinned to a
  single connection, since every new connection to ":memory:" would see an
  empty database of its own.

USAGE:
  store, err := sqlite.New("./data/roster.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  svc := roster.NewService(store, roster.Options{})

MIGRATION:
  Schema is auto-migrated on New().
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/roster/roster"
)

const (
	dateLayout = "2006-01-02"
	// timeLayout is fixed width so stored timestamps sort lexically.
	timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

	// inChunk caps the number of bound parameters per IN list.
	inChunk = 500
)

// Store implements roster.TxStore using SQLite.
type Store struct {
	queries
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_foreign_keys=on&_busy_timeout=5000"
	if dbPath != ":memory:" {
		dsn += "&_journal_mode=WAL"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db, queries: queries{q: db}}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS snapshots (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		identifier TEXT NOT NULL,
		name TEXT NOT NULL,
		national_id TEXT NOT NULL DEFAULT '',
		tax_id TEXT NOT NULL DEFAULT '',
		birth_date TEXT,
		bank_code TEXT NOT NULL DEFAULT '',
		bank_name TEXT NOT NULL DEFAULT '',
		account_number TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		manual_override INTEGER NOT NULL DEFAULT 0,
		origin TEXT NOT NULL DEFAULT 'upload',
		month INTEGER NOT NULL CHECK (month BETWEEN 1 AND 12),
		year INTEGER NOT NULL,
		unit TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- At most one row per employee per period per unit
	CREATE UNIQUE INDEX IF NOT EXISTS uq_snapshot_identifier_period_unit
		ON snapshots(identifier, month, year, unit);

	CREATE INDEX IF NOT EXISTS idx_snapshots_period_unit
		ON snapshots(year, month, unit);

	CREATE TABLE IF NOT EXISTS comparison_runs (
		id TEXT PRIMARY KEY,
		month INTEGER NOT NULL,
		year INTEGER NOT NULL,
		unit TEXT NOT NULL,
		compared_month INTEGER,
		compared_year INTEGER,
		total_current INTEGER NOT NULL,
		total_previous INTEGER NOT NULL,
		new_count INTEGER NOT NULL,
		departed_count INTEGER NOT NULL,
		account_change_count INTEGER NOT NULL,
		unchanged_count INTEGER NOT NULL,
		join_rate TEXT NOT NULL,
		departure_rate TEXT NOT NULL,
		updated INTEGER NOT NULL,
		created INTEGER NOT NULL,
		pruned INTEGER NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_comparison_runs_unit
		ON comparison_runs(unit, created_at DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// LOCKED ENTRY POINTS (roster.Store interface)
// =============================================================================

func (s *Store) ListPeriod(ctx context.Context, scope roster.Scope) ([]roster.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queries.ListPeriod(ctx, scope)
}

func (s *Store) FindByID(ctx context.Context, id int64) (roster.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queries.FindByID(ctx, id)
}

func (s *Store) FindByIdentifier(ctx context.Context, scope roster.Scope, identifier string) (roster.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queries.FindByIdentifier(ctx, scope, identifier)
}

func (s *Store) Insert(ctx context.Context, snap *roster.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queries.Insert(ctx, snap)
}

func (s *Store) UpdateStatus(ctx context.Context, id int64, status roster.Status, manualOverride bool, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queries.UpdateStatus(ctx, id, status, manualOverride, at)
}

func (s *Store) ApplyStatus(ctx context.Context, scope roster.Scope, status roster.Status, identifiers []string, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queries.ApplyStatus(ctx, scope, status, identifiers, at)
}

func (s *Store) DeleteRows(ctx context.Context, ids []int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queries.DeleteRows(ctx, ids)
}

func (s *Store) Search(ctx context.Context, filter roster.ArchiveFilter) ([]roster.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queries.Search(ctx, filter)
}

func (s *Store) SaveRun(ctx context.Context, run roster.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queries.SaveRun(ctx, run)
}

func (s *Store) ListRuns(ctx context.Context, filter roster.RunFilter) ([]roster.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queries.ListRuns(ctx, filter)
}

// =============================================================================
// TRANSACTIONAL STORE (roster.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
// Every call made through the roster.Store handed to fn runs on the
// transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store roster.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&queries{q: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		if isUniqueConstraintError(err) {
			return roster.ErrStoreConflict
		}
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// =============================================================================
// QUERIES - shared by *sql.DB and *sql.Tx
// =============================================================================

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type queries struct {
	q querier
}

const snapshotColumns = `id, identifier, name, national_id, tax_id, birth_date, bank_code, bank_name,
	account_number, status, manual_override, origin, month, year, unit, created_at, updated_at`

func (qs *queries) ListPeriod(ctx context.Context, scope roster.Scope) ([]roster.Snapshot, error) {
	return qs.querySnapshots(ctx, `
		SELECT `+snapshotColumns+`
		FROM snapshots
		WHERE month = ? AND year = ? AND unit = ?
		ORDER BY id ASC
	`, scope.Period.Month, scope.Period.Year, string(scope.Unit))
}

func (qs *queries) FindByID(ctx context.Context, id int64) (roster.Snapshot, error) {
	row := qs.q.QueryRowContext(ctx, `SELECT `+snapshotColumns+` FROM snapshots WHERE id = ?`, id)
	return scanOne(row)
}

func (qs *queries) FindByIdentifier(ctx context.Context, scope roster.Scope, identifier string) (roster.Snapshot, error) {
	row := qs.q.QueryRowContext(ctx, `
		SELECT `+snapshotColumns+`
		FROM snapshots
		WHERE identifier = ? AND month = ? AND year = ? AND unit = ?
	`, identifier, scope.Period.Month, scope.Period.Year, string(scope.Unit))
	return scanOne(row)
}

func (qs *queries) Insert(ctx context.Context, snap *roster.Snapshot) error {
	query := `
		INSERT INTO snapshots
		(identifier, name, national_id, tax_id, birth_date, bank_code, bank_name, account_number,
		 status, manual_override, origin, month, year, unit, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	res, err := qs.q.ExecContext(ctx, query,
		snap.Identifier,
		snap.Name,
		snap.NationalID,
		snap.TaxID,
		formatDate(snap.BirthDate),
		snap.BankCode,
		snap.BankName,
		snap.AccountNumber,
		string(snap.Status),
		snap.ManualOverride,
		string(snap.Origin),
		snap.Period.Month,
		snap.Period.Year,
		string(snap.Unit),
		formatTime(snap.CreatedAt),
		formatTime(snap.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return roster.ErrStoreConflict
		}
		return fmt.Errorf("failed to insert snapshot: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read snapshot id: %w", err)
	}
	snap.ID = id
	return nil
}

func (qs *queries) UpdateStatus(ctx context.Context, id int64, status roster.Status, manualOverride bool, at time.Time) error {
	res, err := qs.q.ExecContext(ctx, `
		UPDATE snapshots SET status = ?, manual_override = ?, updated_at = ?
		WHERE id = ?
	`, string(status), manualOverride, formatTime(at), id)
	if err != nil {
		return fmt.Errorf("failed to update status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update status: %w", err)
	}
	if n == 0 {
		return roster.ErrSnapshotNotFound
	}
	return nil
}

func (qs *queries) ApplyStatus(ctx context.Context, scope roster.Scope, status roster.Status, identifiers []string, at time.Time) (int64, error) {
	var total int64
	for _, chunk := range chunkStrings(identifiers, inChunk) {
		args := []any{string(status), formatTime(at), scope.Period.Month, scope.Period.Year, string(scope.Unit), string(status)}
		for _, id := range chunk {
			args = append(args, id)
		}
		query := `
			UPDATE snapshots SET status = ?, updated_at = ?
			WHERE month = ? AND year = ? AND unit = ?
			  AND origin = 'upload'
			  AND manual_override = 0
			  AND status <> ?
			  AND identifier IN (` + placeholders(len(chunk)) + `)`

		res, err := qs.q.ExecContext(ctx, query, args...)
		if err != nil {
			return total, fmt.Errorf("failed to apply status: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("failed to apply status: %w", err)
		}
		total += n
	}
	return total, nil
}

func (qs *queries) DeleteRows(ctx context.Context, ids []int64) (int64, error) {
	var total int64
	for start := 0; start < len(ids); start += inChunk {
		end := start + inChunk
		if end > len(ids) {
			end = len(ids)
		}
		args := make([]any, 0, end-start)
		for _, id := range ids[start:end] {
			args = append(args, id)
		}
		res, err := qs.q.ExecContext(ctx,
			`DELETE FROM snapshots WHERE id IN (`+placeholders(len(args))+`)`, args...)
		if err != nil {
			return total, fmt.Errorf("failed to delete snapshots: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("failed to delete snapshots: %w", err)
		}
		total += n
	}
	return total, nil
}

func (qs *queries) Search(ctx context.Context, filter roster.ArchiveFilter) ([]roster.Snapshot, error) {
	var (
		where []string
		args  []any
	)
	if filter.Month != nil {
		where = append(where, "month = ?")
		args = append(args, *filter.Month)
	}
	if filter.Year != nil {
		where = append(where, "year = ?")
		args = append(args, *filter.Year)
	}
	if filter.Unit != nil {
		where = append(where, "unit = ?")
		args = append(args, string(*filter.Unit))
	}
	if filter.Search != "" {
		pattern := "%" + escapeLike(strings.ToLower(filter.Search)) + "%"
		where = append(where, `(LOWER(identifier) LIKE ? ESCAPE '\' OR LOWER(name) LIKE ? ESCAPE '\')`)
		args = append(args, pattern, pattern)
	}

	query := `SELECT ` + snapshotColumns + ` FROM snapshots`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY year DESC, month DESC, unit ASC, identifier ASC`

	return qs.querySnapshots(ctx, query, args...)
}

// =============================================================================
// COMPARISON RUNS
// =============================================================================

func (qs *queries) SaveRun(ctx context.Context, run roster.Run) error {
	var comparedMonth, comparedYear sql.NullInt64
	if run.ComparedWith != nil {
		comparedMonth = sql.NullInt64{Int64: int64(run.ComparedWith.Month), Valid: true}
		comparedYear = sql.NullInt64{Int64: int64(run.ComparedWith.Year), Valid: true}
	}

	_, err := qs.q.ExecContext(ctx, `
		INSERT INTO comparison_runs (id, month, year, unit, compared_month, compared_year,
			total_current, total_previous, new_count, departed_count, account_change_count,
			unchanged_count, join_rate, departure_rate, updated, created, pruned, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		run.ID, run.Scope.Period.Month, run.Scope.Period.Year, string(run.Scope.Unit),
		comparedMonth, comparedYear,
		run.Summary.TotalCurrent, run.Summary.TotalPrevious, run.Summary.NewCount,
		run.Summary.DepartedCount, run.Summary.AccountChangeCount, run.Summary.UnchangedCount,
		run.Summary.JoinRate.String(), run.Summary.DepartureRate.String(),
		run.Updated, run.Created, run.Pruned, formatTime(run.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return roster.ErrStoreConflict
		}
		return fmt.Errorf("failed to save run: %w", err)
	}
	return nil
}

func (qs *queries) ListRuns(ctx context.Context, filter roster.RunFilter) ([]roster.Run, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = roster.DefaultRunLimit
	}

	query := `
		SELECT id, month, year, unit, compared_month, compared_year,
			total_current, total_previous, new_count, departed_count, account_change_count,
			unchanged_count, join_rate, departure_rate, updated, created, pruned, created_at
		FROM comparison_runs`
	var args []any
	if filter.Unit != nil {
		query += ` WHERE unit = ?`
		args = append(args, string(*filter.Unit))
	}
	query += ` ORDER BY created_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := qs.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []roster.Run
	for rows.Next() {
		var (
			r                           roster.Run
			unit                        string
			comparedMonth, comparedYear sql.NullInt64
			totalCurrent, totalPrevious int
			newCount, departedCount     int
			accountChange, unchanged    int
			joinRate, departureRate     string
			createdAt                   string
		)
		if err := rows.Scan(
			&r.ID, &r.Scope.Period.Month, &r.Scope.Period.Year, &unit, &comparedMonth, &comparedYear,
			&totalCurrent, &totalPrevious, &newCount, &departedCount, &accountChange,
			&unchanged, &joinRate, &departureRate, &r.Updated, &r.Created, &r.Pruned, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}

		r.Scope.Unit = roster.Unit(unit)
		if comparedMonth.Valid && comparedYear.Valid {
			r.ComparedWith = &roster.Period{Month: int(comparedMonth.Int64), Year: int(comparedYear.Int64)}
		}
		r.Summary = roster.Summary{
			TotalCurrent:       totalCurrent,
			TotalPrevious:      totalPrevious,
			NewCount:           newCount,
			DepartedCount:      departedCount,
			AccountChangeCount: accountChange,
			UnchangedCount:     unchanged,
			JoinRate:           parseDecimal(joinRate),
			DepartureRate:      parseDecimal(departureRate),
		}
		r.CreatedAt = parseTime(createdAt)
		runs = append(runs, r)
	}

	return runs, rows.Err()
}

// =============================================================================
// SCANNING
// =============================================================================

type scanner interface {
	Scan(dest ...any) error
}

func (qs *queries) querySnapshots(ctx context.Context, query string, args ...any) ([]roster.Snapshot, error) {
	rows, err := qs.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	defer rows.Close()

	var result []roster.Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, snap)
	}

	return result, rows.Err()
}

func scanOne(row *sql.Row) (roster.Snapshot, error) {
	snap, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return roster.Snapshot{}, roster.ErrSnapshotNotFound
	}
	return snap, err
}

func scanSnapshot(row scanner) (roster.Snapshot, error) {
	var (
		snap      roster.Snapshot
		birthDate sql.NullString
		status    string
		origin    string
		unit      string
		createdAt string
		updatedAt string
	)

	err := row.Scan(
		&snap.ID, &snap.Identifier, &snap.Name, &snap.NationalID, &snap.TaxID, &birthDate,
		&snap.BankCode, &snap.BankName, &snap.AccountNumber, &status, &snap.ManualOverride,
		&origin, &snap.Period.Month, &snap.Period.Year, &unit, &createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return snap, err
		}
		return snap, fmt.Errorf("failed to scan snapshot: %w", err)
	}

	snap.Status = roster.Status(status)
	snap.Origin = roster.Origin(origin)
	snap.Unit = roster.Unit(unit)
	if birthDate.Valid && birthDate.String != "" {
		snap.BirthDate, _ = time.Parse(dateLayout, birthDate.String)
	}
	snap.CreatedAt = parseTime(createdAt)
	snap.UpdatedAt = parseTime(updatedAt)

	return snap, nil
}

// Helper functions

func formatDate(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: t.Format(dateLayout), Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func chunkStrings(values []string, size int) [][]string {
	var chunks [][]string
	for start := 0; start < len(values); start += size {
		end := start + size
		if end > len(values) {
			end = len(values)
		}
		chunks = append(chunks, values[start:end])
	}
	return chunks
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

var (
	_ roster.TxStore = (*Store)(nil)
	_ roster.Store   = (*queries)(nil)
)
