/*
reconcile.go - Write-back of a classification into the store

PURPOSE:
  The Reconciler is the single entry point that turns a Classification into
  store writes. Both the bulk status updates and the departed-row synthesis
  go through Apply, so they share one view of the current period.

RULES:
  New / AccountChanged / Unchanged:
    Status is written only to upload rows with manual_override=false.
  Departed:
    If no row exists for (identifier, period, unit), the previous row is
    cloned with status Departed and manual_override=false. An existing row
    is left alone.
  Stale derived rows:
    Derived rows without manual_override whose identifier is no longer in
    the Departed class are removed.

IDEMPOTENCE:
  Applying the same classification twice changes nothing the second time.
*/
package roster

import (
	"context"
	"fmt"
)

// ReconcileStats counts the writes of one Apply call.
type ReconcileStats struct {
	Updated int64
	Created int
	Pruned  int64
}

// Reconciler writes classifications back into a Store.
type Reconciler struct {
	clock Clock
}

// NewReconciler creates a Reconciler. A nil clock uses UTC wall time.
func NewReconciler(clock Clock) *Reconciler {
	if clock == nil {
		clock = realClock{}
	}
	return &Reconciler{clock: clock}
}

// Apply persists cls into scope. existing must hold every row currently
// stored for scope, of any origin. Call it inside WithTx.
func (r *Reconciler) Apply(ctx context.Context, store Store, scope Scope, cls Classification, existing []Snapshot) (ReconcileStats, error) {
	var stats ReconcileStats
	now := r.clock.Now()

	updates := []struct {
		status Status
		ids    []string
	}{
		{StatusJoined, identifiers(cls.New)},
		{StatusAccountChanged, accountChangeIdentifiers(cls.AccountChanged)},
		{StatusActive, identifiers(cls.Unchanged)},
	}
	for _, u := range updates {
		if len(u.ids) == 0 {
			continue
		}
		n, err := store.ApplyStatus(ctx, scope, u.status, u.ids, now)
		if err != nil {
			return stats, fmt.Errorf("apply %s status: %w", u.status, err)
		}
		stats.Updated += n
	}

	present := make(map[string]struct{}, len(existing))
	for _, row := range existing {
		present[row.Identifier] = struct{}{}
	}

	for _, prev := range cls.Departed {
		if _, ok := present[prev.Identifier]; ok {
			continue
		}
		row := DeriveSnapshot(prev, scope.Period, StatusDeparted, false, now)
		if err := store.Insert(ctx, &row); err != nil {
			return stats, fmt.Errorf("insert departed %s: %w", prev.Identifier, err)
		}
		present[prev.Identifier] = struct{}{}
		stats.Created++
	}

	departed := cls.DepartedIdentifiers()
	var stale []int64
	for _, row := range existing {
		if row.Origin != OriginDerived || row.ManualOverride {
			continue
		}
		if _, ok := departed[row.Identifier]; !ok {
			stale = append(stale, row.ID)
		}
	}
	if len(stale) > 0 {
		n, err := store.DeleteRows(ctx, stale)
		if err != nil {
			return stats, fmt.Errorf("prune derived rows: %w", err)
		}
		stats.Pruned = n
	}

	return stats, nil
}

func identifiers(rows []Snapshot) []string {
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.Identifier)
	}
	return ids
}

func accountChangeIdentifiers(rows []AccountChange) []string {
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.Identifier)
	}
	return ids
}
