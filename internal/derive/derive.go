// Package derive recomputes the dependent fields of the ledger from
// their base fields. Every function is pure, synchronous and total:
// given well-typed input it always returns, never panics, and touches
// no I/O. The same engine runs on the client (optimistic updates) and
// on the reference authoritative tier, so both sides agree on derived
// values by construction.
package derive

import (
	"github.com/shopspring/decimal"

	"ledgersync/internal/core"
)

// ApplyBudgetedDelta adds delta to the line's allocation and
// recomputes available and status. The second return value is the
// signed adjustment the caller must apply to to-be-assigned (-delta):
// cash allocated to a line leaves the unassigned pool and vice versa.
//
// The engine does not clamp: callers that want max(0, budgeted-amount)
// semantics must clamp the delta before calling (see the mutation
// layer, which does exactly that for reductions).
func ApplyBudgetedDelta(line core.BudgetLine, delta decimal.Decimal) (core.BudgetLine, decimal.Decimal) {
	line.Budgeted = line.Budgeted.Add(delta)
	return Reline(line), delta.Neg()
}

// ApplySpentDelta adds delta to the line's accumulated spend and
// recomputes available and status. Budgeted is never touched here.
func ApplySpentDelta(line core.BudgetLine, delta decimal.Decimal) core.BudgetLine {
	line.Spent = line.Spent.Add(delta)
	return Reline(line)
}

// ApplyAccountBalanceDelta shifts an account balance by the literal
// delta. Transfers call this once per side with opposite signs so the
// pair always nets to zero.
func ApplyAccountBalanceDelta(account core.Account, delta decimal.Decimal) core.Account {
	account.Balance = account.Balance.Add(delta)
	return account
}

// Reline recomputes the derived fields of a single line:
// available = budgeted - spent, overspent iff available < 0.
// Available is intentionally allowed to go negative.
func Reline(line core.BudgetLine) core.BudgetLine {
	line.Available = line.Budgeted.Sub(line.Spent)
	if line.Available.IsNegative() {
		line.Status = core.StatusOverspent
	} else {
		line.Status = core.StatusOnTrack
	}
	return line
}

// RecomputeGroupTotals folds the group's lines into its totals. Each
// line is re-derived first so the fold never trusts stale fields.
// Idempotent: applying it twice equals applying it once.
func RecomputeGroupTotals(group core.BudgetGroup) core.BudgetGroup {
	budgeted, spent, available := decimal.Zero, decimal.Zero, decimal.Zero
	for i, line := range group.Lines {
		line = Reline(line)
		group.Lines[i] = line
		budgeted = budgeted.Add(line.Budgeted)
		spent = spent.Add(line.Spent)
		available = available.Add(line.Available)
	}
	group.TotalBudgeted = budgeted
	group.TotalSpent = spent
	group.TotalAvailable = available
	return group
}

// RecomputeDashboardTotals folds every group into the dashboard
// aggregates. ToBeAssigned is a base field here, not derived; it is
// adjusted only by the signed deltas returned from ApplyBudgetedDelta.
func RecomputeDashboardTotals(d core.Dashboard) core.Dashboard {
	budgeted, spent, available := decimal.Zero, decimal.Zero, decimal.Zero
	for i, group := range d.Groups {
		group = RecomputeGroupTotals(group)
		d.Groups[i] = group
		budgeted = budgeted.Add(group.TotalBudgeted)
		spent = spent.Add(group.TotalSpent)
		available = available.Add(group.TotalAvailable)
	}
	d.TotalBudgeted = budgeted
	d.TotalSpent = spent
	d.TotalAvailable = available
	return d
}
