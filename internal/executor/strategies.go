package executor

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"ledgersync/internal/core"
	"ledgersync/internal/derive"
	"ledgersync/internal/intent"
	"ledgersync/internal/store"
)

// plan is what a strategy leaves behind: which keys to revalidate
// after the write confirms, and which provisional IDs the merge should
// expect the server to replace.
type plan struct {
	refresh     []store.Key
	provisional map[uuid.UUID]bool
}

// strategyFunc computes one mutation's optimistic snapshot on the
// working state. It must either queue every affected key or return an
// error before anything is queued.
type strategyFunc func(st *state, in intent.Intent) (*plan, error)

// strategies is the single dispatch table for every mutation kind.
// New intent kinds must be registered here; Execute refuses unknown
// kinds instead of guessing.
var strategies = map[intent.Kind]strategyFunc{
	intent.KindCreateBudgetLine:        planCreateBudgetLine,
	intent.KindUpdateBudgetLine:        planUpdateBudgetLine,
	intent.KindDeleteBudgetLine:        planDeleteBudgetLine,
	intent.KindMoveMoney:               planMoveMoney,
	intent.KindAssignMoney:             planAssignMoney,
	intent.KindCreateTransaction:       planCreateTransaction,
	intent.KindDeleteTransaction:       planDeleteTransaction,
	intent.KindApproveTransaction:      planTransactionField,
	intent.KindFlagTransaction:         planTransactionField,
	intent.KindClearTransaction:        planTransactionField,
	intent.KindRecategorizeTransaction: planRecategorizeTransaction,
	intent.KindMoveTransaction:         planMoveTransaction,
	intent.KindUpdateGoal:              planUpdateGoal,
}

func planCreateBudgetLine(st *state, raw intent.Intent) (*plan, error) {
	in := raw.(intent.CreateBudgetLine)
	d, ok := st.dashboard()
	if !ok {
		return nil, notFound(fmt.Errorf("dashboard not loaded"))
	}
	group, ok := d.Group(in.GroupID)
	if !ok {
		return nil, notFound(fmt.Errorf("budget group %s: %w", in.GroupID, core.ErrGroupNotFound))
	}

	line, tbaDelta := derive.ApplyBudgetedDelta(core.BudgetLine{
		ID:      in.ProvisionalID,
		GroupID: in.GroupID,
		Name:    in.Name,
	}, in.Budgeted)
	group.Lines = append(group.Lines, line)
	d.ToBeAssigned = d.ToBeAssigned.Add(tbaDelta)

	st.set(store.KeyDashboard, derive.RecomputeDashboardTotals(d))
	return &plan{
		refresh:     []store.Key{store.KeyDashboard},
		provisional: map[uuid.UUID]bool{in.ProvisionalID: true},
	}, nil
}

func planUpdateBudgetLine(st *state, raw intent.Intent) (*plan, error) {
	in := raw.(intent.UpdateBudgetLine)
	d, ok := st.dashboard()
	if !ok {
		return nil, notFound(fmt.Errorf("dashboard not loaded"))
	}
	line, ok := d.Line(in.LineID)
	if !ok {
		return nil, notFound(fmt.Errorf("budget line %s: %w", in.LineID, core.ErrLineNotFound))
	}

	if in.Name != nil {
		line.Name = *in.Name
	}
	if in.Budgeted != nil {
		// Clamp: an absolute amount below zero becomes zero before the
		// engine sees the delta.
		target := *in.Budgeted
		if target.IsNegative() {
			target = decimal.Zero
		}
		updated, tbaDelta := derive.ApplyBudgetedDelta(*line, target.Sub(line.Budgeted))
		*line = updated
		d.ToBeAssigned = d.ToBeAssigned.Add(tbaDelta)
	}
	if in.GroupID != nil && *in.GroupID != line.GroupID {
		if _, ok := d.Group(*in.GroupID); !ok {
			return nil, notFound(fmt.Errorf("budget group %s: %w", *in.GroupID, core.ErrGroupNotFound))
		}
		moved, _ := d.RemoveLine(in.LineID)
		moved.GroupID = *in.GroupID
		target, _ := d.Group(*in.GroupID)
		target.Lines = append(target.Lines, moved)
	}

	st.set(store.KeyDashboard, derive.RecomputeDashboardTotals(d))
	return &plan{refresh: []store.Key{store.KeyDashboard}}, nil
}

func planDeleteBudgetLine(st *state, raw intent.Intent) (*plan, error) {
	in := raw.(intent.DeleteBudgetLine)
	d, ok := st.dashboard()
	if !ok {
		return nil, notFound(fmt.Errorf("dashboard not loaded"))
	}
	removed, ok := d.RemoveLine(in.LineID)
	if !ok {
		return nil, notFound(fmt.Errorf("budget line %s: %w", in.LineID, core.ErrLineNotFound))
	}
	// The deleted line's allocation returns to the unassigned pool, so
	// toBeAssigned + sum(budgeted) is conserved.
	d.ToBeAssigned = d.ToBeAssigned.Add(removed.Budgeted)

	st.set(store.KeyDashboard, derive.RecomputeDashboardTotals(d))
	return &plan{refresh: []store.Key{store.KeyDashboard}}, nil
}

func planMoveMoney(st *state, raw intent.Intent) (*plan, error) {
	in := raw.(intent.MoveMoney)
	d, ok := st.dashboard()
	if !ok {
		return nil, notFound(fmt.Errorf("dashboard not loaded"))
	}
	source, ok := d.Line(in.FromLineID)
	if !ok {
		return nil, notFound(fmt.Errorf("source line %s: %w", in.FromLineID, core.ErrLineNotFound))
	}
	target, ok := d.Line(in.ToLineID)
	if !ok {
		return nil, notFound(fmt.Errorf("target line %s: %w", in.ToLineID, core.ErrLineNotFound))
	}

	// Clamp the moved amount at the source's allocation so the source
	// never goes negative and the target receives exactly what left.
	amount := in.Amount
	if amount.GreaterThan(source.Budgeted) {
		amount = source.Budgeted
	}
	if amount.IsNegative() {
		return nil, &Error{Kind: KindValidationFailed, Err: core.ErrInvalidAmount}
	}

	// Both sides in one snapshot transition; the two to-be-assigned
	// deltas cancel, so no moment exists where money is missing.
	updatedSource, outDelta := derive.ApplyBudgetedDelta(*source, amount.Neg())
	updatedTarget, inDelta := derive.ApplyBudgetedDelta(*target, amount)
	*source = updatedSource
	*target = updatedTarget
	d.ToBeAssigned = d.ToBeAssigned.Add(outDelta).Add(inDelta)

	st.set(store.KeyDashboard, derive.RecomputeDashboardTotals(d))
	return &plan{refresh: []store.Key{store.KeyDashboard}}, nil
}

func planAssignMoney(st *state, raw intent.Intent) (*plan, error) {
	in := raw.(intent.AssignMoney)
	d, ok := st.dashboard()
	if !ok {
		return nil, notFound(fmt.Errorf("dashboard not loaded"))
	}
	line, ok := d.Line(in.LineID)
	if !ok {
		return nil, notFound(fmt.Errorf("budget line %s: %w", in.LineID, core.ErrLineNotFound))
	}

	// Sign selects direction: positive assigns from the pool, negative
	// covers back into it. A reduction is clamped at zero allocation.
	delta := in.Amount
	if delta.IsNegative() && delta.Abs().GreaterThan(line.Budgeted) {
		delta = line.Budgeted.Neg()
	}
	updated, tbaDelta := derive.ApplyBudgetedDelta(*line, delta)
	*line = updated
	d.ToBeAssigned = d.ToBeAssigned.Add(tbaDelta)

	st.set(store.KeyDashboard, derive.RecomputeDashboardTotals(d))
	return &plan{refresh: []store.Key{store.KeyDashboard}}, nil
}

func planCreateTransaction(st *state, raw intent.Intent) (*plan, error) {
	in := raw.(intent.CreateTransaction)
	accounts, ok := st.accounts()
	if !ok {
		return nil, notFound(fmt.Errorf("accounts not loaded"))
	}
	idx := core.FindAccount(accounts, in.AccountID)
	if idx < 0 {
		return nil, notFound(fmt.Errorf("account %s: %w", in.AccountID, core.ErrAccountNotFound))
	}

	tx := core.Transaction{
		ID:        in.ProvisionalID,
		AccountID: in.AccountID,
		LineID:    in.LineID,
		Payee:     in.Payee,
		Amount:    in.Amount,
		Date:      in.Date,
	}

	accounts[idx] = derive.ApplyAccountBalanceDelta(accounts[idx], in.Amount)
	st.set(store.KeyAccounts, accounts)
	refresh := []store.Key{store.KeyAccounts}

	if in.LineID != uuid.Nil {
		if d, ok := st.dashboard(); ok {
			if line, found := d.Line(in.LineID); found {
				// An outflow of -60 adds 60 to spent.
				*line = derive.ApplySpentDelta(*line, in.Amount.Neg())
				st.set(store.KeyDashboard, derive.RecomputeDashboardTotals(d))
				refresh = append(refresh, store.KeyDashboard)
			}
		}
	}

	for _, key := range []store.Key{store.KeyTransactionsAll, store.TransactionsForAccount(in.AccountID)} {
		if rows, ok := st.transactions(key); ok {
			st.set(key, append([]core.Transaction{tx}, rows...))
			refresh = append(refresh, key)
		}
	}

	return &plan{
		refresh:     refresh,
		provisional: map[uuid.UUID]bool{in.ProvisionalID: true},
	}, nil
}

func planDeleteTransaction(st *state, raw intent.Intent) (*plan, error) {
	in := raw.(intent.DeleteTransaction)
	tx, ok := findTransaction(st, in.TransactionID)
	if !ok {
		return nil, notFound(fmt.Errorf("transaction %s: %w", in.TransactionID, core.ErrTransactionNotFound))
	}

	var refresh []store.Key
	if accounts, ok := st.accounts(); ok {
		if idx := core.FindAccount(accounts, tx.AccountID); idx >= 0 {
			accounts[idx] = derive.ApplyAccountBalanceDelta(accounts[idx], tx.Amount.Neg())
			st.set(store.KeyAccounts, accounts)
			refresh = append(refresh, store.KeyAccounts)
		}
	}
	if tx.LineID != uuid.Nil {
		if d, ok := st.dashboard(); ok {
			if line, found := d.Line(tx.LineID); found {
				*line = derive.ApplySpentDelta(*line, tx.Amount)
				st.set(store.KeyDashboard, derive.RecomputeDashboardTotals(d))
				refresh = append(refresh, store.KeyDashboard)
			}
		}
	}

	for _, key := range st.materializedTransactionKeys() {
		rows, ok := st.transactions(key)
		if !ok {
			continue
		}
		if idx := core.FindTransaction(rows, in.TransactionID); idx >= 0 {
			st.set(key, append(rows[:idx:idx], rows[idx+1:]...))
			refresh = append(refresh, key)
		}
	}

	return &plan{refresh: refresh}, nil
}

// planTransactionField covers approve, flag and clear: field-only
// changes with no derived-total recomputation.
func planTransactionField(st *state, raw intent.Intent) (*plan, error) {
	var (
		id    uuid.UUID
		apply func(*core.Transaction)
	)
	switch in := raw.(type) {
	case intent.ApproveTransaction:
		id = in.TransactionID
		apply = func(tx *core.Transaction) { tx.Approved = in.Approved }
	case intent.FlagTransaction:
		id = in.TransactionID
		apply = func(tx *core.Transaction) { tx.Flag = in.Flag }
	case intent.ClearTransaction:
		id = in.TransactionID
		apply = func(tx *core.Transaction) { tx.Cleared = in.Cleared }
	default:
		return nil, fmt.Errorf("unexpected intent kind %q", raw.Kind())
	}

	if _, ok := findTransaction(st, id); !ok {
		return nil, notFound(fmt.Errorf("transaction %s: %w", id, core.ErrTransactionNotFound))
	}

	var refresh []store.Key
	for _, key := range st.materializedTransactionKeys() {
		rows, ok := st.transactions(key)
		if !ok {
			continue
		}
		if idx := core.FindTransaction(rows, id); idx >= 0 {
			apply(&rows[idx])
			st.set(key, rows)
			refresh = append(refresh, key)
		}
	}
	return &plan{refresh: refresh}, nil
}

func planRecategorizeTransaction(st *state, raw intent.Intent) (*plan, error) {
	in := raw.(intent.RecategorizeTransaction)
	tx, ok := findTransaction(st, in.TransactionID)
	if !ok {
		return nil, notFound(fmt.Errorf("transaction %s: %w", in.TransactionID, core.ErrTransactionNotFound))
	}
	d, ok := st.dashboard()
	if !ok {
		return nil, notFound(fmt.Errorf("dashboard not loaded"))
	}
	if in.ToLineID != uuid.Nil {
		if _, found := d.Line(in.ToLineID); !found {
			return nil, notFound(fmt.Errorf("budget line %s: %w", in.ToLineID, core.ErrLineNotFound))
		}
	}

	// Reverse the old line and apply the new one in the same
	// transition, always by the transaction's literal amount.
	if tx.LineID != uuid.Nil {
		if old, found := d.Line(tx.LineID); found {
			*old = derive.ApplySpentDelta(*old, tx.Amount)
		}
	}
	if in.ToLineID != uuid.Nil {
		next, _ := d.Line(in.ToLineID)
		*next = derive.ApplySpentDelta(*next, tx.Amount.Neg())
	}
	st.set(store.KeyDashboard, derive.RecomputeDashboardTotals(d))

	refresh := []store.Key{store.KeyDashboard}
	for _, key := range st.materializedTransactionKeys() {
		rows, ok := st.transactions(key)
		if !ok {
			continue
		}
		if idx := core.FindTransaction(rows, in.TransactionID); idx >= 0 {
			rows[idx].LineID = in.ToLineID
			st.set(key, rows)
			refresh = append(refresh, key)
		}
	}
	return &plan{refresh: refresh}, nil
}

func planMoveTransaction(st *state, raw intent.Intent) (*plan, error) {
	in := raw.(intent.MoveTransaction)
	tx, ok := findTransaction(st, in.TransactionID)
	if !ok {
		return nil, notFound(fmt.Errorf("transaction %s: %w", in.TransactionID, core.ErrTransactionNotFound))
	}
	accounts, ok := st.accounts()
	if !ok {
		return nil, notFound(fmt.Errorf("accounts not loaded"))
	}
	fromIdx := core.FindAccount(accounts, tx.AccountID)
	toIdx := core.FindAccount(accounts, in.ToAccountID)
	if fromIdx < 0 || toIdx < 0 {
		return nil, notFound(fmt.Errorf("account: %w", core.ErrAccountNotFound))
	}

	// Both balances shift by the literal amount in one transition:
	// money leaving one account equals money entering the other.
	accounts[fromIdx] = derive.ApplyAccountBalanceDelta(accounts[fromIdx], tx.Amount.Neg())
	accounts[toIdx] = derive.ApplyAccountBalanceDelta(accounts[toIdx], tx.Amount)
	st.set(store.KeyAccounts, accounts)
	refresh := []store.Key{store.KeyAccounts, store.KeyDashboard}

	oldKey := store.TransactionsForAccount(tx.AccountID)
	newKey := store.TransactionsForAccount(in.ToAccountID)
	moved := tx
	moved.AccountID = in.ToAccountID

	if rows, ok := st.transactions(oldKey); ok {
		if idx := core.FindTransaction(rows, tx.ID); idx >= 0 {
			st.set(oldKey, append(rows[:idx:idx], rows[idx+1:]...))
			refresh = append(refresh, oldKey)
		}
	}
	if rows, ok := st.transactions(newKey); ok {
		st.set(newKey, append([]core.Transaction{moved}, rows...))
		refresh = append(refresh, newKey)
	}
	if rows, ok := st.transactions(store.KeyTransactionsAll); ok {
		if idx := core.FindTransaction(rows, tx.ID); idx >= 0 {
			rows[idx] = moved
			st.set(store.KeyTransactionsAll, rows)
			refresh = append(refresh, store.KeyTransactionsAll)
		}
	}

	return &plan{refresh: refresh}, nil
}

func planUpdateGoal(st *state, raw intent.Intent) (*plan, error) {
	in := raw.(intent.UpdateGoal)
	goals, ok := st.goals()
	if !ok {
		return nil, notFound(fmt.Errorf("goals not loaded"))
	}
	idx := -1
	for i := range goals {
		if goals[i].ID == in.GoalID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, notFound(fmt.Errorf("goal %s: %w", in.GoalID, core.ErrGoalNotFound))
	}

	if in.Target != nil {
		goals[idx].Target = *in.Target
	}
	if in.Current != nil {
		goals[idx].Current = *in.Current
	}
	st.set(store.KeyGoals, goals)
	return &plan{refresh: []store.Key{store.KeyGoals}}, nil
}

// findTransaction locates a row in any materialized list.
func findTransaction(st *state, id uuid.UUID) (core.Transaction, bool) {
	for _, key := range st.materializedTransactionKeys() {
		rows, ok := st.transactions(key)
		if !ok {
			continue
		}
		if idx := core.FindTransaction(rows, id); idx >= 0 {
			return rows[idx], true
		}
	}
	return core.Transaction{}, false
}
