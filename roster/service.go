package roster

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultMaxConflictRetries is how often Compare retries after
	// ErrStoreConflict.
	DefaultMaxConflictRetries = 3

	moduleName = "roster"
)

// Options configures a Service. Zero values pick the defaults.
type Options struct {
	SearchWindow       int
	MaxConflictRetries int
	Clock              Clock
	Logger             *logrus.Logger
}

// Service exposes the comparison core to the API layer.
type Service struct {
	store        TxStore
	clock        Clock
	log          *logrus.Logger
	reconciler   *Reconciler
	searchWindow int
	maxRetries   int
}

// NewService creates a Service over store.
func NewService(store TxStore, opts Options) *Service {
	if opts.Clock == nil {
		opts.Clock = realClock{}
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
		opts.Logger.SetOutput(io.Discard)
	}
	if opts.SearchWindow <= 0 {
		opts.SearchWindow = DefaultSearchWindow
	}
	if opts.MaxConflictRetries < 0 {
		opts.MaxConflictRetries = 0
	} else if opts.MaxConflictRetries == 0 {
		opts.MaxConflictRetries = DefaultMaxConflictRetries
	}
	return &Service{
		store:        store,
		clock:        opts.Clock,
		log:          opts.Logger,
		reconciler:   NewReconciler(opts.Clock),
		searchWindow: opts.SearchWindow,
		maxRetries:   opts.MaxConflictRetries,
	}
}

// =============================================================================
// COMPARE
// =============================================================================

// CompareResult is returned by Compare.
//
// The class lists carry the classified status; Records carries what is
// stored after reconciliation, so a manually overridden row shows its
// human-set status there.
type CompareResult struct {
	RunID        string
	Scope        Scope
	ComparedWith *Period
	Classification
	// Records lists every row of the period in upload order, followed by
	// derived rows.
	Records []Snapshot
	Stats   ReconcileStats
}

// Compare classifies the uploaded rows of scope against the nearest earlier
// period with data and writes the result back. A StoreConflict aborts the
// transaction and the whole operation is retried.
func (s *Service) Compare(ctx context.Context, scope Scope) (*CompareResult, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		result, err := s.compareOnce(ctx, scope)
		if err == nil {
			s.logRun(result)
			return result, nil
		}
		if !IsRetryable(err) {
			if !IsClientError(err) {
				s.logError("Compare", scope, err)
			}
			return nil, err
		}
		lastErr = err
		s.log.WithFields(logrus.Fields{
			"module":   moduleName,
			"funcName": "Compare",
			"scope":    scope.String(),
			"attempt":  attempt + 1,
		}).Warn("store conflict, retrying compare")
	}
	return nil, lastErr
}

func (s *Service) compareOnce(ctx context.Context, scope Scope) (*CompareResult, error) {
	var result *CompareResult

	err := s.store.WithTx(ctx, func(tx Store) error {
		existing, err := tx.ListPeriod(ctx, scope)
		if err != nil {
			return fmt.Errorf("list current period: %w", err)
		}
		current := uploaded(existing)
		if len(current) == 0 {
			return &NoDataError{Scope: scope}
		}

		prev, err := FindComparisonPeriod(ctx, tx, scope, s.searchWindow)
		if err != nil {
			return err
		}

		cls := Classify(current, prev.Rows)
		stats, err := s.reconciler.Apply(ctx, tx, scope, cls, existing)
		if err != nil {
			return err
		}

		stored, err := tx.ListPeriod(ctx, scope)
		if err != nil {
			return fmt.Errorf("reload current period: %w", err)
		}
		records := uploaded(stored)
		for _, row := range stored {
			if row.Origin == OriginDerived {
				records = append(records, row)
			}
		}

		run := Run{
			ID:        uuid.NewString(),
			Scope:     scope,
			Summary:   cls.Summary,
			Updated:   stats.Updated,
			Created:   stats.Created,
			Pruned:    stats.Pruned,
			CreatedAt: s.clock.Now(),
		}
		if prev.Found {
			p := prev.Period
			run.ComparedWith = &p
		}
		if err := tx.SaveRun(ctx, run); err != nil {
			return fmt.Errorf("save run: %w", err)
		}

		result = &CompareResult{
			RunID:          run.ID,
			Scope:          scope,
			ComparedWith:   run.ComparedWith,
			Classification: cls,
			Records:        records,
			Stats:          stats,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Service) logRun(r *CompareResult) {
	compared := "none"
	if r.ComparedWith != nil {
		compared = r.ComparedWith.String()
	}
	s.log.WithFields(logrus.Fields{
		"module":         moduleName,
		"funcName":       "Compare",
		"run_id":         r.RunID,
		"scope":          r.Scope.String(),
		"compared_with":  compared,
		"new":            r.Summary.NewCount,
		"departed":       r.Summary.DepartedCount,
		"account_change": r.Summary.AccountChangeCount,
		"unchanged":      r.Summary.UnchangedCount,
		"created":        r.Stats.Created,
		"pruned":         r.Stats.Pruned,
	}).Info("comparison completed")
}

func (s *Service) logError(funcName string, scope Scope, err error) {
	s.log.WithFields(logrus.Fields{
		"module":   moduleName,
		"funcName": funcName,
		"scope":    scope.String(),
	}).WithError(err).Error("operation failed")
}

// =============================================================================
// STATUS EDITS
// =============================================================================

// SetStatus sets the status of one row and pins it with manual_override.
func (s *Service) SetStatus(ctx context.Context, id int64, status Status) (Snapshot, error) {
	if id <= 0 {
		return Snapshot{}, fmt.Errorf("%w: row id must be positive", ErrInvalidIdentifier)
	}
	if !status.Valid() {
		return Snapshot{}, fmt.Errorf("%w: %q", ErrInvalidStatus, string(status))
	}

	var out Snapshot
	err := s.store.WithTx(ctx, func(tx Store) error {
		row, err := tx.FindByID(ctx, id)
		if err != nil {
			return err
		}
		now := s.clock.Now()
		if err := tx.UpdateStatus(ctx, id, status, true, now); err != nil {
			return fmt.Errorf("update status: %w", err)
		}
		row.Status = status
		row.ManualOverride = true
		row.UpdatedAt = now
		out = row
		return nil
	})
	if err != nil {
		if !IsNotFound(err) {
			s.logError("SetStatus", Scope{}, err)
		}
		return Snapshot{}, err
	}
	return out, nil
}

// SetDepartedStatus sets the status of identifier in scope. When the
// employee has no row there yet, the row is cloned from the comparison
// period with manual_override set. Fails with NotFoundError if neither
// period holds the identifier.
func (s *Service) SetDepartedStatus(ctx context.Context, scope Scope, identifier string, status Status) (Snapshot, error) {
	if err := scope.Validate(); err != nil {
		return Snapshot{}, err
	}
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return Snapshot{}, fmt.Errorf("%w: identifier is required", ErrInvalidIdentifier)
	}
	if !status.Valid() {
		return Snapshot{}, fmt.Errorf("%w: %q", ErrInvalidStatus, string(status))
	}

	var out Snapshot
	err := s.store.WithTx(ctx, func(tx Store) error {
		now := s.clock.Now()

		row, err := tx.FindByIdentifier(ctx, scope, identifier)
		switch {
		case err == nil:
			if err := tx.UpdateStatus(ctx, row.ID, status, true, now); err != nil {
				return fmt.Errorf("update status: %w", err)
			}
			row.Status = status
			row.ManualOverride = true
			row.UpdatedAt = now
			out = row
			return nil
		case !errors.Is(err, ErrSnapshotNotFound):
			return err
		}

		prev, err := FindComparisonPeriod(ctx, tx, scope, s.searchWindow)
		if err != nil {
			return err
		}
		notFound := &NotFoundError{Identifier: identifier, Scope: scope}
		if !prev.Found {
			return notFound
		}
		notFound.Searched = &prev.Period

		for _, src := range prev.Rows {
			if src.Identifier != identifier {
				continue
			}
			clone := DeriveSnapshot(src, scope.Period, status, true, now)
			if err := tx.Insert(ctx, &clone); err != nil {
				return fmt.Errorf("insert %s: %w", identifier, err)
			}
			out = clone
			return nil
		}
		return notFound
	})
	if err != nil {
		if !IsNotFound(err) && !IsRetryable(err) {
			s.logError("SetDepartedStatus", scope, err)
		}
		return Snapshot{}, err
	}
	return out, nil
}

// =============================================================================
// INGESTION
// =============================================================================

// ReplacePeriod stores candidates as the uploaded rows of scope, replacing
// the previous upload. Derived rows are dropped unless they are manually
// overridden and their identifier is absent from candidates. Returns the
// number of rows stored.
func (s *Service) ReplacePeriod(ctx context.Context, scope Scope, candidates []Candidate) (int, error) {
	if err := scope.Validate(); err != nil {
		return 0, err
	}
	if len(candidates) == 0 {
		return 0, ErrEmptyUpload
	}

	incoming := make(map[string]struct{}, len(candidates))
	for _, c := range candidates {
		if strings.TrimSpace(c.Identifier) == "" {
			return 0, fmt.Errorf("%w: identifier is required", ErrInvalidIdentifier)
		}
		if _, dup := incoming[c.Identifier]; dup {
			return 0, fmt.Errorf("%w: duplicate identifier %q", ErrInvalidIdentifier, c.Identifier)
		}
		incoming[c.Identifier] = struct{}{}
	}

	err := s.store.WithTx(ctx, func(tx Store) error {
		existing, err := tx.ListPeriod(ctx, scope)
		if err != nil {
			return fmt.Errorf("list period: %w", err)
		}

		var remove []int64
		for _, row := range existing {
			if row.Origin == OriginDerived && row.ManualOverride {
				if _, replaced := incoming[row.Identifier]; !replaced {
					continue
				}
			}
			remove = append(remove, row.ID)
		}
		if len(remove) > 0 {
			if _, err := tx.DeleteRows(ctx, remove); err != nil {
				return fmt.Errorf("delete previous upload: %w", err)
			}
		}

		now := s.clock.Now()
		for _, c := range candidates {
			row := NewUploadedSnapshot(c, scope, now)
			if err := tx.Insert(ctx, &row); err != nil {
				return fmt.Errorf("insert %s: %w", c.Identifier, err)
			}
		}
		return nil
	})
	if err != nil {
		if !IsRetryable(err) {
			s.logError("ReplacePeriod", scope, err)
		}
		return 0, err
	}

	s.log.WithFields(logrus.Fields{
		"module":   moduleName,
		"funcName": "ReplacePeriod",
		"scope":    scope.String(),
		"rows":     len(candidates),
	}).Info("period replaced")
	return len(candidates), nil
}

// =============================================================================
// READS
// =============================================================================

// Archive lists stored rows matching filter.
func (s *Service) Archive(ctx context.Context, filter ArchiveFilter) ([]Snapshot, error) {
	if filter.Month != nil && (*filter.Month < 1 || *filter.Month > 12) {
		return nil, fmt.Errorf("%w: month must be between 1 and 12, got %d", ErrInvalidPeriod, *filter.Month)
	}
	if filter.Year != nil && (*filter.Year < MinYear || *filter.Year > MaxYear) {
		return nil, fmt.Errorf("%w: year must be between %d and %d, got %d", ErrInvalidPeriod, MinYear, MaxYear, *filter.Year)
	}
	if filter.Unit != nil && !filter.Unit.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidUnit, string(*filter.Unit))
	}
	filter.Search = strings.TrimSpace(filter.Search)
	return s.store.Search(ctx, filter)
}

// Runs lists recorded comparison runs, newest first.
func (s *Service) Runs(ctx context.Context, filter RunFilter) ([]Run, error) {
	if filter.Unit != nil && !filter.Unit.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidUnit, string(*filter.Unit))
	}
	if filter.Limit <= 0 {
		filter.Limit = DefaultRunLimit
	}
	return s.store.ListRuns(ctx, filter)
}
