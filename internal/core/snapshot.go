package core

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Dashboard is the budget aggregate for one user: all groups, the
// to-be-assigned scalar and the fold of the group totals. It is the
// value cached under the dashboard key.
type Dashboard struct {
	Version        int64           `json:"version"`
	ToBeAssigned   decimal.Decimal `json:"to_be_assigned"`
	Groups         []BudgetGroup   `json:"groups"`
	TotalBudgeted  decimal.Decimal `json:"total_budgeted"`
	TotalSpent     decimal.Decimal `json:"total_spent"`
	TotalAvailable decimal.Decimal `json:"total_available"`
}

// Snapshot is the full versioned aggregate of one user's ledger as
// last known by a client. The push channel may deliver a whole
// Snapshot to replace cached fragments without a round trip.
type Snapshot struct {
	Version      int64         `json:"version"`
	Dashboard    Dashboard     `json:"dashboard"`
	Accounts     []Account     `json:"accounts"`
	Transactions []Transaction `json:"transactions"`
	Goals        []Goal        `json:"goals"`
}

// Clone returns a deep copy of the dashboard. Mutation executors work
// on clones so a failed authoritative write can restore the original
// untouched value.
func (d Dashboard) Clone() Dashboard {
	out := d
	out.Groups = make([]BudgetGroup, len(d.Groups))
	for i, g := range d.Groups {
		cg := g
		cg.Lines = append([]BudgetLine(nil), g.Lines...)
		out.Groups[i] = cg
	}
	return out
}

// Line finds a budget line by ID across all groups.
func (d *Dashboard) Line(id uuid.UUID) (*BudgetLine, bool) {
	for gi := range d.Groups {
		for li := range d.Groups[gi].Lines {
			if d.Groups[gi].Lines[li].ID == id {
				return &d.Groups[gi].Lines[li], true
			}
		}
	}
	return nil, false
}

// Group finds a budget group by ID.
func (d *Dashboard) Group(id uuid.UUID) (*BudgetGroup, bool) {
	for i := range d.Groups {
		if d.Groups[i].ID == id {
			return &d.Groups[i], true
		}
	}
	return nil, false
}

// RemoveLine deletes a line by ID and reports whether it was present.
func (d *Dashboard) RemoveLine(id uuid.UUID) (BudgetLine, bool) {
	for gi := range d.Groups {
		lines := d.Groups[gi].Lines
		for li := range lines {
			if lines[li].ID == id {
				removed := lines[li]
				d.Groups[gi].Lines = append(lines[:li:li], lines[li+1:]...)
				return removed, true
			}
		}
	}
	return BudgetLine{}, false
}

// AllLines returns every budget line across groups, in group order.
func (d Dashboard) AllLines() []BudgetLine {
	var out []BudgetLine
	for _, g := range d.Groups {
		out = append(out, g.Lines...)
	}
	return out
}

// FindAccount returns the index of an account in a slice, or -1.
func FindAccount(accounts []Account, id uuid.UUID) int {
	for i := range accounts {
		if accounts[i].ID == id {
			return i
		}
	}
	return -1
}

// FindTransaction returns the index of a transaction in a slice, or -1.
func FindTransaction(txs []Transaction, id uuid.UUID) int {
	for i := range txs {
		if txs[i].ID == id {
			return i
		}
	}
	return -1
}
