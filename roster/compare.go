/*
compare.go - Month-over-month classification

PURPOSE:
  Partitions the employees of two consecutive snapshots of one unit into
  four disjoint classes:

    New            in current only             -> Joined
    Departed       in previous only            -> Departed
    AccountChanged in both, account differs    -> AccountChanged
    Unchanged      in both, account identical  -> Active

  Account numbers are compared with exact string equality. No trimming,
  no leading-zero normalization.

COMPLEXITY:
  O(N) over both inputs using identifier hash sets.

SEE ALSO:
  - reconcile.go: writes the classification back to the store
*/
package roster

import (
	"github.com/shopspring/decimal"
)

// AccountChange is a current-period row whose account number differs from
// the previous period.
type AccountChange struct {
	Snapshot
	OldAccountNumber string
}

// Summary holds the per-class counts of a classification.
type Summary struct {
	TotalCurrent       int
	TotalPrevious      int
	NewCount           int
	DepartedCount      int
	AccountChangeCount int
	UnchangedCount     int

	// JoinRate is NewCount / TotalCurrent as a percentage.
	JoinRate decimal.Decimal
	// DepartureRate is DepartedCount / TotalPrevious as a percentage.
	DepartureRate decimal.Decimal
}

// NewSummary derives rates from the raw counts.
func NewSummary(totalCurrent, totalPrevious, newCount, departed, accountChanged, unchanged int) Summary {
	return Summary{
		TotalCurrent:       totalCurrent,
		TotalPrevious:      totalPrevious,
		NewCount:           newCount,
		DepartedCount:      departed,
		AccountChangeCount: accountChanged,
		UnchangedCount:     unchanged,
		JoinRate:           percentage(newCount, totalCurrent),
		DepartureRate:      percentage(departed, totalPrevious),
	}
}

func percentage(part, whole int) decimal.Decimal {
	if whole == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(int64(part)).
		Mul(decimal.NewFromInt(100)).
		Div(decimal.NewFromInt(int64(whole))).
		Round(2)
}

// Classification is the Comparator's output.
//
// New, AccountChanged and Unchanged hold copies of current rows with Status
// set to the class status. Departed holds copies of previous rows with
// Status set to StatusDeparted. Each list keeps the order of its input.
type Classification struct {
	New            []Snapshot
	Departed       []Snapshot
	AccountChanged []AccountChange
	Unchanged      []Snapshot
	Summary        Summary
}

// Classify compares current against previous.
//
// Both inputs are expected to hold at most one row per identifier; if an
// identifier repeats, the first occurrence wins.
func Classify(current, previous []Snapshot) Classification {
	var c Classification

	currIDs := make(map[string]struct{}, len(current))
	for _, row := range current {
		currIDs[row.Identifier] = struct{}{}
	}

	// Nothing to compare against: everyone is new.
	if len(previous) == 0 {
		seen := make(map[string]struct{}, len(current))
		for _, row := range current {
			if _, dup := seen[row.Identifier]; dup {
				continue
			}
			seen[row.Identifier] = struct{}{}
			row.Status = StatusJoined
			c.New = append(c.New, row)
		}
		c.Summary = NewSummary(len(seen), 0, len(c.New), 0, 0, 0)
		return c
	}

	prevByID := make(map[string]Snapshot, len(previous))
	prevOrder := make([]string, 0, len(previous))
	for _, row := range previous {
		if _, dup := prevByID[row.Identifier]; dup {
			continue
		}
		prevByID[row.Identifier] = row
		prevOrder = append(prevOrder, row.Identifier)
	}

	seen := make(map[string]struct{}, len(current))
	for _, row := range current {
		if _, dup := seen[row.Identifier]; dup {
			continue
		}
		seen[row.Identifier] = struct{}{}

		prev, existed := prevByID[row.Identifier]
		switch {
		case !existed:
			row.Status = StatusJoined
			c.New = append(c.New, row)
		case prev.AccountNumber != row.AccountNumber:
			row.Status = StatusAccountChanged
			c.AccountChanged = append(c.AccountChanged, AccountChange{
				Snapshot:         row,
				OldAccountNumber: prev.AccountNumber,
			})
		default:
			row.Status = StatusActive
			c.Unchanged = append(c.Unchanged, row)
		}
	}

	for _, id := range prevOrder {
		if _, stillHere := currIDs[id]; stillHere {
			continue
		}
		row := prevByID[id]
		row.Status = StatusDeparted
		c.Departed = append(c.Departed, row)
	}

	c.Summary = NewSummary(
		len(seen),
		len(prevByID),
		len(c.New),
		len(c.Departed),
		len(c.AccountChanged),
		len(c.Unchanged),
	)
	return c
}

// DepartedIdentifiers returns the identifiers of the Departed class.
func (c Classification) DepartedIdentifiers() map[string]struct{} {
	ids := make(map[string]struct{}, len(c.Departed))
	for _, row := range c.Departed {
		ids[row.Identifier] = struct{}{}
	}
	return ids
}
