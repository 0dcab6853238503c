// Package postgres provides a PostgreSQL-backed roster.TxStore over pgx.
// The schema lives in migrations/postgres and is applied by cmd/migrate.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"github.com/warp/roster/roster"
)

const (
	uniqueViolationCode      = "23505"
	serializationFailureCode = "40001"
)

// Queryer is satisfied by pgxpool.Pool, pgx.Tx and pgxmock.
type Queryer interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type txStarter interface {
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// Pool is the subset of *pgxpool.Pool the store uses.
type Pool interface {
	Queryer
	txStarter
}

// Store implements roster.TxStore on PostgreSQL.
type Store struct {
	queries
	pool Pool
}

// New creates a Store over pool.
func New(pool Pool) *Store {
	return &Store{pool: pool, queries: queries{q: pool}}
}

// WithTx runs fn in a read-write transaction. A unique or serialization
// violation anywhere in fn or at commit is reported as
// roster.ErrStoreConflict.
func (s *Store) WithTx(ctx context.Context, fn func(roster.Store) error) error {
	if fn == nil {
		return fmt.Errorf("postgres: transaction function is required")
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadWrite})
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}

	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if err := fn(&queries{q: tx}); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return errors.Join(err, fmt.Errorf("postgres: rollback: %w", rbErr))
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		if !errors.Is(err, pgx.ErrTxClosed) {
			if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				return errors.Join(translate(fmt.Errorf("postgres: commit: %w", err)), fmt.Errorf("postgres: rollback after commit failure: %w", rbErr))
			}
		}
		return translate(fmt.Errorf("postgres: commit: %w", err))
	}

	committed = true
	return nil
}

// =============================================================================
// QUERIES
// =============================================================================

type queries struct {
	q Queryer
}

const snapshotColumns = `id, identifier, name, national_id, tax_id, birth_date, bank_code, bank_name,
               account_number, status, manual_override, origin, month, year, unit, created_at, updated_at`

func (qs *queries) ListPeriod(ctx context.Context, scope roster.Scope) ([]roster.Snapshot, error) {
	return qs.querySnapshots(ctx, `
        SELECT `+snapshotColumns+`
          FROM snapshots
         WHERE month = $1 AND year = $2 AND unit = $3
         ORDER BY id ASC
    `, scope.Period.Month, scope.Period.Year, string(scope.Unit))
}

func (qs *queries) FindByID(ctx context.Context, id int64) (roster.Snapshot, error) {
	row := qs.q.QueryRow(ctx, `
        SELECT `+snapshotColumns+`
          FROM snapshots
         WHERE id = $1
    `, id)
	return scanSnapshot(row)
}

func (qs *queries) FindByIdentifier(ctx context.Context, scope roster.Scope, identifier string) (roster.Snapshot, error) {
	row := qs.q.QueryRow(ctx, `
        SELECT `+snapshotColumns+`
          FROM snapshots
         WHERE identifier = $1 AND month = $2 AND year = $3 AND unit = $4
    `, identifier, scope.Period.Month, scope.Period.Year, string(scope.Unit))
	return scanSnapshot(row)
}

func (qs *queries) Insert(ctx context.Context, snap *roster.Snapshot) error {
	row := qs.q.QueryRow(ctx, `
        INSERT INTO snapshots (identifier, name, national_id, tax_id, birth_date, bank_code, bank_name,
                               account_number, status, manual_override, origin, month, year, unit,
                               created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
        RETURNING id
    `,
		snap.Identifier, snap.Name, snap.NationalID, snap.TaxID, nullableDate(snap.BirthDate),
		snap.BankCode, snap.BankName, snap.AccountNumber, string(snap.Status), snap.ManualOverride,
		string(snap.Origin), snap.Period.Month, snap.Period.Year, string(snap.Unit),
		snap.CreatedAt, snap.UpdatedAt,
	)

	if err := row.Scan(&snap.ID); err != nil {
		return translate(fmt.Errorf("postgres: insert snapshot: %w", err))
	}
	return nil
}

func (qs *queries) UpdateStatus(ctx context.Context, id int64, status roster.Status, manualOverride bool, at time.Time) error {
	tag, err := qs.q.Exec(ctx, `
        UPDATE snapshots
           SET status = $1,
               manual_override = $2,
               updated_at = $3
         WHERE id = $4
    `, string(status), manualOverride, at, id)
	if err != nil {
		return translate(fmt.Errorf("postgres: update status: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return roster.ErrSnapshotNotFound
	}
	return nil
}

func (qs *queries) ApplyStatus(ctx context.Context, scope roster.Scope, status roster.Status, identifiers []string, at time.Time) (int64, error) {
	if len(identifiers) == 0 {
		return 0, nil
	}
	tag, err := qs.q.Exec(ctx, `
        UPDATE snapshots
           SET status = $1,
               updated_at = $2
         WHERE month = $3 AND year = $4 AND unit = $5
           AND origin = 'upload'
           AND manual_override = FALSE
           AND status <> $1
           AND identifier = ANY($6)
    `, string(status), at, scope.Period.Month, scope.Period.Year, string(scope.Unit), identifiers)
	if err != nil {
		return 0, translate(fmt.Errorf("postgres: apply status: %w", err))
	}
	return tag.RowsAffected(), nil
}

func (qs *queries) DeleteRows(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := qs.q.Exec(ctx, `DELETE FROM snapshots WHERE id = ANY($1)`, ids)
	if err != nil {
		return 0, translate(fmt.Errorf("postgres: delete snapshots: %w", err))
	}
	return tag.RowsAffected(), nil
}

func (qs *queries) Search(ctx context.Context, filter roster.ArchiveFilter) ([]roster.Snapshot, error) {
	var (
		where []string
		args  []any
	)
	next := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	if filter.Month != nil {
		where = append(where, "month = "+next(*filter.Month))
	}
	if filter.Year != nil {
		where = append(where, "year = "+next(*filter.Year))
	}
	if filter.Unit != nil {
		where = append(where, "unit = "+next(string(*filter.Unit)))
	}
	if filter.Search != "" {
		p := next("%" + escapeLike(filter.Search) + "%")
		where = append(where, "(identifier ILIKE "+p+" OR name ILIKE "+p+")")
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
	var comparedMonth, comparedYear *int
	if run.ComparedWith != nil {
		m, y := run.ComparedWith.Month, run.ComparedWith.Year
		comparedMonth, comparedYear = &m, &y
	}

	_, err := qs.q.Exec(ctx, `
        INSERT INTO comparison_runs (id, month, year, unit, compared_month, compared_year,
                                     total_current, total_previous, new_count, departed_count,
                                     account_change_count, unchanged_count, join_rate, departure_rate,
                                     updated, created, pruned, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13::numeric, $14::numeric, $15, $16, $17, $18)
    `,
		run.ID, run.Scope.Period.Month, run.Scope.Period.Year, string(run.Scope.Unit),
		comparedMonth, comparedYear,
		run.Summary.TotalCurrent, run.Summary.TotalPrevious, run.Summary.NewCount, run.Summary.DepartedCount,
		run.Summary.AccountChangeCount, run.Summary.UnchangedCount,
		run.Summary.JoinRate.String(), run.Summary.DepartureRate.String(),
		run.Updated, run.Created, run.Pruned, run.CreatedAt,
	)
	if err != nil {
		return translate(fmt.Errorf("postgres: save run: %w", err))
	}
	return nil
}

func (qs *queries) ListRuns(ctx context.Context, filter roster.RunFilter) ([]roster.Run, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = roster.DefaultRunLimit
	}

	query := `
        SELECT id::text, month, year, unit, compared_month, compared_year,
               total_current, total_previous, new_count, departed_count,
               account_change_count, unchanged_count, join_rate::text, departure_rate::text,
               updated, created, pruned, created_at
          FROM comparison_runs`
	args := []any{}
	if filter.Unit != nil {
		args = append(args, string(*filter.Unit))
		query += ` WHERE unit = $1`
	}
	args = append(args, limit)
	query += ` ORDER BY created_at DESC LIMIT $` + strconv.Itoa(len(args))

	rows, err := qs.q.Query(ctx, query, args...)
	if err != nil {
		return nil, translate(fmt.Errorf("postgres: list runs: %w", err))
	}
	defer rows.Close()

	var runs []roster.Run
	for rows.Next() {
		var (
			r                           roster.Run
			unit                        string
			comparedMonth, comparedYear *int
			joinRate, departureRate     string
		)
		if err := rows.Scan(
			&r.ID, &r.Scope.Period.Month, &r.Scope.Period.Year, &unit, &comparedMonth, &comparedYear,
			&r.Summary.TotalCurrent, &r.Summary.TotalPrevious, &r.Summary.NewCount, &r.Summary.DepartedCount,
			&r.Summary.AccountChangeCount, &r.Summary.UnchangedCount, &joinRate, &departureRate,
			&r.Updated, &r.Created, &r.Pruned, &r.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan run: %w", err)
		}
		r.Scope.Unit = roster.Unit(unit)
		if comparedMonth != nil && comparedYear != nil {
			r.ComparedWith = &roster.Period{Month: *comparedMonth, Year: *comparedYear}
		}
		r.Summary.JoinRate = parseDecimal(joinRate)
		r.Summary.DepartureRate = parseDecimal(departureRate)
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate runs: %w", err)
	}
	return runs, nil
}

// =============================================================================
// SCANNING
// =============================================================================

func (qs *queries) querySnapshots(ctx context.Context, query string, args ...any) ([]roster.Snapshot, error) {
	rows, err := qs.q.Query(ctx, query, args...)
	if err != nil {
		return nil, translate(fmt.Errorf("postgres: query snapshots: %w", err))
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
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate snapshots: %w", err)
	}
	return result, nil
}

func scanSnapshot(row pgx.Row) (roster.Snapshot, error) {
	var (
		snap      roster.Snapshot
		birthDate *time.Time
		status    string
		origin    string
		unit      string
	)

	err := row.Scan(
		&snap.ID, &snap.Identifier, &snap.Name, &snap.NationalID, &snap.TaxID, &birthDate,
		&snap.BankCode, &snap.BankName, &snap.AccountNumber, &status, &snap.ManualOverride,
		&origin, &snap.Period.Month, &snap.Period.Year, &unit, &snap.CreatedAt, &snap.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return roster.Snapshot{}, roster.ErrSnapshotNotFound
		}
		return roster.Snapshot{}, fmt.Errorf("postgres: scan snapshot: %w", err)
	}

	snap.Status = roster.Status(status)
	snap.Origin = roster.Origin(origin)
	snap.Unit = roster.Unit(unit)
	if birthDate != nil {
		snap.BirthDate = *birthDate
	}
	return snap, nil
}

// translate maps PostgreSQL errors onto roster sentinels.
func translate(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case uniqueViolationCode, serializationFailureCode:
			return fmt.Errorf("%w: %s", roster.ErrStoreConflict, pgErr.ConstraintName)
		}
	}
	return err
}

func nullableDate(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

var (
	_ roster.TxStore = (*Store)(nil)
	_ roster.Store   = (*queries)(nil)
)
