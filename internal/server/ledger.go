// Package server implements the reference authoritative tier: the
// ledger service that owns durable state, the HTTP surface the engine's
// client talks to, and the notifier that fans writes out over AMQP.
package server

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"ledgersync/internal/authority"
	"ledgersync/internal/core"
	"ledgersync/internal/derive"
	"ledgersync/internal/intent"
	"ledgersync/internal/log"
	"ledgersync/internal/server/storage"
)

// Ledger applies mutation intents against the repository. It runs the
// same derivation engine the client runs optimistically, so a merge on
// the client side reproduces exactly what was committed here.
type Ledger struct {
	repo   *storage.Repository
	logger *log.Logger
}

func NewLedger(repo *storage.Repository, logger *log.Logger) *Ledger {
	return &Ledger{repo: repo, logger: logger.WithComponent(log.ComponentLedger)}
}

// Apply commits one intent for one user and returns the recomputed
// fields for everything the write touched. Validation failures and
// missing entities surface as typed errors for the HTTP layer to map.
func (l *Ledger) Apply(ctx context.Context, userID string, in intent.Intent) (*authority.WriteResult, error) {
	var res *authority.WriteResult
	err := l.repo.WithTx(ctx, userID, func(tx *storage.Tx) error {
		var err error
		res, err = l.apply(ctx, tx, in)
		return err
	})
	if err != nil {
		return nil, err
	}
	l.logger.Info("intent applied",
		log.FieldUserID, userID,
		log.FieldIntent, string(in.Kind()),
		log.FieldVersion, res.Version)
	return res, nil
}

func (l *Ledger) apply(ctx context.Context, tx *storage.Tx, in intent.Intent) (*authority.WriteResult, error) {
	switch v := in.(type) {
	case intent.CreateBudgetLine:
		return l.createBudgetLine(ctx, tx, v)
	case intent.UpdateBudgetLine:
		return l.updateBudgetLine(ctx, tx, v)
	case intent.DeleteBudgetLine:
		return l.deleteBudgetLine(ctx, tx, v)
	case intent.MoveMoney:
		return l.moveMoney(ctx, tx, v)
	case intent.AssignMoney:
		return l.assignMoney(ctx, tx, v)
	case intent.CreateTransaction:
		return l.createTransaction(ctx, tx, v)
	case intent.DeleteTransaction:
		return l.deleteTransaction(ctx, tx, v)
	case intent.ApproveTransaction:
		return l.approveTransaction(ctx, tx, v)
	case intent.FlagTransaction:
		return l.flagTransaction(ctx, tx, v)
	case intent.ClearTransaction:
		return l.clearTransaction(ctx, tx, v)
	case intent.RecategorizeTransaction:
		return l.recategorizeTransaction(ctx, tx, v)
	case intent.MoveTransaction:
		return l.moveTransaction(ctx, tx, v)
	case intent.UpdateGoal:
		return l.updateGoal(ctx, tx, v)
	default:
		return nil, fmt.Errorf("unhandled intent kind %q", in.Kind())
	}
}

func (l *Ledger) createBudgetLine(ctx context.Context, tx *storage.Tx, in intent.CreateBudgetLine) (*authority.WriteResult, error) {
	if in.Name == "" {
		return nil, core.ErrEmptyName
	}
	if in.Budgeted.IsNegative() {
		return nil, core.ErrInvalidAmount
	}
	ok, err := tx.GroupExists(ctx, in.GroupID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, core.ErrGroupNotFound
	}

	line, tbaDelta := derive.ApplyBudgetedDelta(core.BudgetLine{
		GroupID: in.GroupID,
		Name:    in.Name,
	}, in.Budgeted)
	line, err = tx.InsertLine(ctx, line)
	if err != nil {
		return nil, err
	}

	tba, _, err := tx.State(ctx)
	if err != nil {
		return nil, err
	}
	tba = tba.Add(tbaDelta)
	version, err := tx.SetState(ctx, tba)
	if err != nil {
		return nil, err
	}
	return &authority.WriteResult{
		Version:      version,
		ToBeAssigned: &tba,
		Lines:        []core.BudgetLine{line},
	}, nil
}

func (l *Ledger) updateBudgetLine(ctx context.Context, tx *storage.Tx, in intent.UpdateBudgetLine) (*authority.WriteResult, error) {
	line, err := tx.Line(ctx, in.LineID)
	if err != nil {
		return nil, err
	}

	tbaDelta := decimal.Zero
	if in.Budgeted != nil {
		// Absolute targets below zero collapse to a zero allocation.
		target := *in.Budgeted
		if target.IsNegative() {
			target = decimal.Zero
		}
		line, tbaDelta = derive.ApplyBudgetedDelta(line, target.Sub(line.Budgeted))
	}
	if in.Name != nil {
		if *in.Name == "" {
			return nil, core.ErrEmptyName
		}
		line.Name = *in.Name
	}
	if in.GroupID != nil {
		ok, err := tx.GroupExists(ctx, *in.GroupID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, core.ErrGroupNotFound
		}
		line.GroupID = *in.GroupID
	}
	line = derive.Reline(line)
	if err := tx.UpdateLine(ctx, line); err != nil {
		return nil, err
	}

	tba, _, err := tx.State(ctx)
	if err != nil {
		return nil, err
	}
	tba = tba.Add(tbaDelta)
	version, err := tx.SetState(ctx, tba)
	if err != nil {
		return nil, err
	}
	return &authority.WriteResult{
		Version:      version,
		ToBeAssigned: &tba,
		Lines:        []core.BudgetLine{line},
	}, nil
}

func (l *Ledger) deleteBudgetLine(ctx context.Context, tx *storage.Tx, in intent.DeleteBudgetLine) (*authority.WriteResult, error) {
	line, err := tx.Line(ctx, in.LineID)
	if err != nil {
		return nil, err
	}
	if err := tx.DeleteLine(ctx, in.LineID); err != nil {
		return nil, err
	}

	// The allocation returns to the unassigned pool.
	tba, _, err := tx.State(ctx)
	if err != nil {
		return nil, err
	}
	tba = tba.Add(line.Budgeted)
	version, err := tx.SetState(ctx, tba)
	if err != nil {
		return nil, err
	}
	return &authority.WriteResult{
		Version:      version,
		ToBeAssigned: &tba,
	}, nil
}

func (l *Ledger) moveMoney(ctx context.Context, tx *storage.Tx, in intent.MoveMoney) (*authority.WriteResult, error) {
	if in.Amount.IsNegative() {
		return nil, core.ErrInvalidAmount
	}
	from, err := tx.Line(ctx, in.FromLineID)
	if err != nil {
		return nil, err
	}
	to, err := tx.Line(ctx, in.ToLineID)
	if err != nil {
		return nil, err
	}

	// Never move more than the source allocation holds.
	amount := in.Amount
	if amount.GreaterThan(from.Budgeted) {
		amount = from.Budgeted
	}
	from, fromDelta := derive.ApplyBudgetedDelta(from, amount.Neg())
	to, toDelta := derive.ApplyBudgetedDelta(to, amount)
	if !fromDelta.Add(toDelta).IsZero() {
		return nil, fmt.Errorf("move is not conserving: %s", fromDelta.Add(toDelta))
	}

	if err := tx.UpdateLine(ctx, from); err != nil {
		return nil, err
	}
	if err := tx.UpdateLine(ctx, to); err != nil {
		return nil, err
	}
	version, err := tx.BumpVersion(ctx)
	if err != nil {
		return nil, err
	}
	return &authority.WriteResult{
		Version: version,
		Lines:   []core.BudgetLine{from, to},
	}, nil
}

func (l *Ledger) assignMoney(ctx context.Context, tx *storage.Tx, in intent.AssignMoney) (*authority.WriteResult, error) {
	line, err := tx.Line(ctx, in.LineID)
	if err != nil {
		return nil, err
	}

	// A reduction never pushes the allocation below zero.
	delta := in.Amount
	if delta.IsNegative() && delta.Neg().GreaterThan(line.Budgeted) {
		delta = line.Budgeted.Neg()
	}
	line, tbaDelta := derive.ApplyBudgetedDelta(line, delta)
	if err := tx.UpdateLine(ctx, line); err != nil {
		return nil, err
	}

	tba, _, err := tx.State(ctx)
	if err != nil {
		return nil, err
	}
	tba = tba.Add(tbaDelta)
	version, err := tx.SetState(ctx, tba)
	if err != nil {
		return nil, err
	}
	return &authority.WriteResult{
		Version:      version,
		ToBeAssigned: &tba,
		Lines:        []core.BudgetLine{line},
	}, nil
}

func (l *Ledger) createTransaction(ctx context.Context, tx *storage.Tx, in intent.CreateTransaction) (*authority.WriteResult, error) {
	if in.Amount.IsZero() {
		return nil, core.ErrInvalidAmount
	}
	account, err := tx.Account(ctx, in.AccountID)
	if err != nil {
		return nil, err
	}

	row := core.Transaction{
		AccountID: in.AccountID,
		LineID:    in.LineID,
		Payee:     in.Payee,
		Amount:    in.Amount,
		Date:      in.Date,
	}
	row, err = tx.InsertTransaction(ctx, row)
	if err != nil {
		return nil, err
	}

	account = derive.ApplyAccountBalanceDelta(account, in.Amount)
	account.Available = account.Balance
	if err := tx.UpdateAccountBalance(ctx, account); err != nil {
		return nil, err
	}

	res := &authority.WriteResult{
		Accounts:     []core.Account{account},
		Transactions: []core.Transaction{row},
	}
	if in.LineID != uuid.Nil {
		line, err := tx.Line(ctx, in.LineID)
		if err != nil {
			return nil, err
		}
		// An outflow of -60 is 60 of spend on the line.
		line = derive.ApplySpentDelta(line, in.Amount.Neg())
		if err := tx.UpdateLine(ctx, line); err != nil {
			return nil, err
		}
		res.Lines = []core.BudgetLine{line}
	}

	version, err := tx.BumpVersion(ctx)
	if err != nil {
		return nil, err
	}
	res.Version = version
	return res, nil
}

func (l *Ledger) deleteTransaction(ctx context.Context, tx *storage.Tx, in intent.DeleteTransaction) (*authority.WriteResult, error) {
	row, err := tx.Transaction(ctx, in.TransactionID)
	if err != nil {
		return nil, err
	}
	account, err := tx.Account(ctx, row.AccountID)
	if err != nil {
		return nil, err
	}
	if err := tx.DeleteTransaction(ctx, in.TransactionID); err != nil {
		return nil, err
	}

	// Reverse by the literal amount, never by recomputation.
	account = derive.ApplyAccountBalanceDelta(account, row.Amount.Neg())
	account.Available = account.Balance
	if err := tx.UpdateAccountBalance(ctx, account); err != nil {
		return nil, err
	}

	res := &authority.WriteResult{Accounts: []core.Account{account}}
	if row.LineID != uuid.Nil {
		line, err := tx.Line(ctx, row.LineID)
		if err != nil {
			return nil, err
		}
		line = derive.ApplySpentDelta(line, row.Amount)
		if err := tx.UpdateLine(ctx, line); err != nil {
			return nil, err
		}
		res.Lines = []core.BudgetLine{line}
	}

	version, err := tx.BumpVersion(ctx)
	if err != nil {
		return nil, err
	}
	res.Version = version
	return res, nil
}

func (l *Ledger) approveTransaction(ctx context.Context, tx *storage.Tx, in intent.ApproveTransaction) (*authority.WriteResult, error) {
	return l.updateTransactionField(ctx, tx, in.TransactionID, func(row *core.Transaction) {
		row.Approved = in.Approved
	})
}

func (l *Ledger) flagTransaction(ctx context.Context, tx *storage.Tx, in intent.FlagTransaction) (*authority.WriteResult, error) {
	return l.updateTransactionField(ctx, tx, in.TransactionID, func(row *core.Transaction) {
		row.Flag = in.Flag
	})
}

func (l *Ledger) clearTransaction(ctx context.Context, tx *storage.Tx, in intent.ClearTransaction) (*authority.WriteResult, error) {
	return l.updateTransactionField(ctx, tx, in.TransactionID, func(row *core.Transaction) {
		row.Cleared = in.Cleared
	})
}

func (l *Ledger) updateTransactionField(ctx context.Context, tx *storage.Tx, id uuid.UUID, mutate func(*core.Transaction)) (*authority.WriteResult, error) {
	row, err := tx.Transaction(ctx, id)
	if err != nil {
		return nil, err
	}
	mutate(&row)
	if err := tx.UpdateTransaction(ctx, row); err != nil {
		return nil, err
	}
	version, err := tx.BumpVersion(ctx)
	if err != nil {
		return nil, err
	}
	return &authority.WriteResult{
		Version:      version,
		Transactions: []core.Transaction{row},
	}, nil
}

func (l *Ledger) recategorizeTransaction(ctx context.Context, tx *storage.Tx, in intent.RecategorizeTransaction) (*authority.WriteResult, error) {
	row, err := tx.Transaction(ctx, in.TransactionID)
	if err != nil {
		return nil, err
	}

	var lines []core.BudgetLine
	if row.LineID != uuid.Nil {
		old, err := tx.Line(ctx, row.LineID)
		if err != nil {
			return nil, err
		}
		old = derive.ApplySpentDelta(old, row.Amount)
		if err := tx.UpdateLine(ctx, old); err != nil {
			return nil, err
		}
		lines = append(lines, old)
	}
	if in.ToLineID != uuid.Nil {
		next, err := tx.Line(ctx, in.ToLineID)
		if err != nil {
			return nil, err
		}
		next = derive.ApplySpentDelta(next, row.Amount.Neg())
		if err := tx.UpdateLine(ctx, next); err != nil {
			return nil, err
		}
		lines = append(lines, next)
	}

	row.LineID = in.ToLineID
	if err := tx.UpdateTransaction(ctx, row); err != nil {
		return nil, err
	}
	version, err := tx.BumpVersion(ctx)
	if err != nil {
		return nil, err
	}
	return &authority.WriteResult{
		Version:      version,
		Lines:        lines,
		Transactions: []core.Transaction{row},
	}, nil
}

func (l *Ledger) moveTransaction(ctx context.Context, tx *storage.Tx, in intent.MoveTransaction) (*authority.WriteResult, error) {
	row, err := tx.Transaction(ctx, in.TransactionID)
	if err != nil {
		return nil, err
	}
	if row.AccountID == in.ToAccountID {
		version, err := tx.BumpVersion(ctx)
		if err != nil {
			return nil, err
		}
		return &authority.WriteResult{Version: version, Transactions: []core.Transaction{row}}, nil
	}

	from, err := tx.Account(ctx, row.AccountID)
	if err != nil {
		return nil, err
	}
	to, err := tx.Account(ctx, in.ToAccountID)
	if err != nil {
		return nil, err
	}

	from = derive.ApplyAccountBalanceDelta(from, row.Amount.Neg())
	from.Available = from.Balance
	to = derive.ApplyAccountBalanceDelta(to, row.Amount)
	to.Available = to.Balance
	if err := tx.UpdateAccountBalance(ctx, from); err != nil {
		return nil, err
	}
	if err := tx.UpdateAccountBalance(ctx, to); err != nil {
		return nil, err
	}

	row.AccountID = in.ToAccountID
	if err := tx.UpdateTransaction(ctx, row); err != nil {
		return nil, err
	}
	version, err := tx.BumpVersion(ctx)
	if err != nil {
		return nil, err
	}
	return &authority.WriteResult{
		Version:      version,
		Accounts:     []core.Account{from, to},
		Transactions: []core.Transaction{row},
	}, nil
}

func (l *Ledger) updateGoal(ctx context.Context, tx *storage.Tx, in intent.UpdateGoal) (*authority.WriteResult, error) {
	goal, err := tx.Goal(ctx, in.GoalID)
	if err != nil {
		return nil, err
	}
	if in.Target != nil {
		if in.Target.IsNegative() {
			return nil, core.ErrInvalidAmount
		}
		goal.Target = *in.Target
	}
	if in.Current != nil {
		goal.Current = *in.Current
	}
	if err := tx.UpdateGoal(ctx, goal); err != nil {
		return nil, err
	}
	version, err := tx.BumpVersion(ctx)
	if err != nil {
		return nil, err
	}
	return &authority.WriteResult{
		Version: version,
		Goals:   []core.Goal{goal},
	}, nil
}
