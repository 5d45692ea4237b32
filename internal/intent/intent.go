// Package intent defines the closed set of mutation intents a view can
// dispatch. Each variant carries exactly the fields its mutation
// needs, so the executor's strategy table can switch exhaustively and
// an unhandled kind is caught at the single dispatch point instead of
// drifting across call sites.
package intent

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Kind string

const (
	KindCreateBudgetLine        Kind = "create_budget_line"
	KindUpdateBudgetLine        Kind = "update_budget_line"
	KindDeleteBudgetLine        Kind = "delete_budget_line"
	KindMoveMoney               Kind = "move_money"
	KindAssignMoney             Kind = "assign_money"
	KindCreateTransaction       Kind = "create_transaction"
	KindDeleteTransaction       Kind = "delete_transaction"
	KindApproveTransaction      Kind = "approve_transaction"
	KindFlagTransaction         Kind = "flag_transaction"
	KindClearTransaction        Kind = "clear_transaction"
	KindRecategorizeTransaction Kind = "recategorize_transaction"
	KindMoveTransaction         Kind = "move_transaction"
	KindUpdateGoal              Kind = "update_goal"
)

// Intent is sealed: only the variants in this package implement it.
type Intent interface {
	Kind() Kind
	sealed()
}

// CreateBudgetLine allocates Budgeted out of to-be-assigned into a new
// line. ProvisionalID is the client-side identity published
// optimistically; the server replaces it with its own on confirm.
type CreateBudgetLine struct {
	ProvisionalID uuid.UUID       `json:"provisional_id"`
	GroupID       uuid.UUID       `json:"group_id"`
	Name          string          `json:"name"`
	Budgeted      decimal.Decimal `json:"budgeted"`
}

// UpdateBudgetLine changes any subset of a line's editable fields.
// Nil pointers mean "leave unchanged".
type UpdateBudgetLine struct {
	LineID   uuid.UUID        `json:"line_id"`
	Name     *string          `json:"name,omitempty"`
	Budgeted *decimal.Decimal `json:"budgeted,omitempty"`
	GroupID  *uuid.UUID       `json:"group_id,omitempty"`
}

// DeleteBudgetLine removes a line; its allocation returns to
// to-be-assigned.
type DeleteBudgetLine struct {
	LineID uuid.UUID `json:"line_id"`
}

// MoveMoney shifts Amount from one line's allocation to another's in a
// single transition. To-be-assigned is unaffected.
type MoveMoney struct {
	FromLineID uuid.UUID       `json:"from_line_id"`
	ToLineID   uuid.UUID       `json:"to_line_id"`
	Amount     decimal.Decimal `json:"amount"`
}

// AssignMoney moves Amount between to-be-assigned and one line. A
// positive amount assigns cash to the line; a negative amount covers
// overspend back into the pool.
type AssignMoney struct {
	LineID uuid.UUID       `json:"line_id"`
	Amount decimal.Decimal `json:"amount"`
}

// CreateTransaction appends a ledger row and applies its amount to the
// owning account's balance and, when categorized, the line's spend.
type CreateTransaction struct {
	ProvisionalID uuid.UUID       `json:"provisional_id"`
	AccountID     uuid.UUID       `json:"account_id"`
	LineID        uuid.UUID       `json:"line_id,omitempty"`
	Payee         string          `json:"payee"`
	Amount        decimal.Decimal `json:"amount"`
	Date          time.Time       `json:"date"`
}

// DeleteTransaction removes a row, reversing its balance and spend
// contributions by the literal amount.
type DeleteTransaction struct {
	TransactionID uuid.UUID `json:"transaction_id"`
}

// ApproveTransaction toggles the approval flag. Field-only; no derived
// totals move.
type ApproveTransaction struct {
	TransactionID uuid.UUID `json:"transaction_id"`
	Approved      bool      `json:"approved"`
}

// FlagTransaction sets the flag color; empty clears it.
type FlagTransaction struct {
	TransactionID uuid.UUID `json:"transaction_id"`
	Flag          string    `json:"flag"`
}

// ClearTransaction toggles the cleared flag.
type ClearTransaction struct {
	TransactionID uuid.UUID `json:"transaction_id"`
	Cleared       bool      `json:"cleared"`
}

// RecategorizeTransaction moves a row's categorized amount from its
// current line (reversed) to ToLineID (applied) in one transition.
// uuid.Nil on either side means uncategorized.
type RecategorizeTransaction struct {
	TransactionID uuid.UUID `json:"transaction_id"`
	ToLineID      uuid.UUID `json:"to_line_id"`
}

// MoveTransaction reassigns a row to another account, shifting both
// balances by the transaction's literal amount.
type MoveTransaction struct {
	TransactionID uuid.UUID `json:"transaction_id"`
	ToAccountID   uuid.UUID `json:"to_account_id"`
}

// UpdateGoal adjusts a goal's target or current amount. Nil means
// "leave unchanged".
type UpdateGoal struct {
	GoalID  uuid.UUID        `json:"goal_id"`
	Target  *decimal.Decimal `json:"target,omitempty"`
	Current *decimal.Decimal `json:"current,omitempty"`
}

func (CreateBudgetLine) Kind() Kind        { return KindCreateBudgetLine }
func (UpdateBudgetLine) Kind() Kind        { return KindUpdateBudgetLine }
func (DeleteBudgetLine) Kind() Kind        { return KindDeleteBudgetLine }
func (MoveMoney) Kind() Kind               { return KindMoveMoney }
func (AssignMoney) Kind() Kind             { return KindAssignMoney }
func (CreateTransaction) Kind() Kind       { return KindCreateTransaction }
func (DeleteTransaction) Kind() Kind       { return KindDeleteTransaction }
func (ApproveTransaction) Kind() Kind      { return KindApproveTransaction }
func (FlagTransaction) Kind() Kind         { return KindFlagTransaction }
func (ClearTransaction) Kind() Kind        { return KindClearTransaction }
func (RecategorizeTransaction) Kind() Kind { return KindRecategorizeTransaction }
func (MoveTransaction) Kind() Kind         { return KindMoveTransaction }
func (UpdateGoal) Kind() Kind              { return KindUpdateGoal }

func (CreateBudgetLine) sealed()        {}
func (UpdateBudgetLine) sealed()        {}
func (DeleteBudgetLine) sealed()        {}
func (MoveMoney) sealed()               {}
func (AssignMoney) sealed()             {}
func (CreateTransaction) sealed()       {}
func (DeleteTransaction) sealed()       {}
func (ApproveTransaction) sealed()      {}
func (FlagTransaction) sealed()         {}
func (ClearTransaction) sealed()        {}
func (RecategorizeTransaction) sealed() {}
func (MoveTransaction) sealed()         {}
func (UpdateGoal) sealed()              {}
