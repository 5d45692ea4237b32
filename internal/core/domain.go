// Package core holds the ledger domain types shared by the client
// engine and the reference authoritative tier. Everything here is pure
// data; derivation of dependent fields lives in internal/derive.
package core

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	AccountCash   AccountType = "cash"
	AccountCredit AccountType = "credit"
	AccountLoan   AccountType = "loan"
	AccountOther  AccountType = "other"
)

const (
	StatusOnTrack   LineStatus = "on-track"
	StatusOverspent LineStatus = "overspent"
)

const (
	GoalSavings GoalType = "savings"
	GoalDebt    GoalType = "debt"
)

type (
	AccountType string
	LineStatus  string
	GoalType    string

	// Account is a bank or cash account as last known by this client.
	// Balance moves only by transaction deltas, never by recomputed totals.
	Account struct {
		ID        uuid.UUID       `json:"id"`
		Name      string          `json:"name"`
		Type      AccountType     `json:"type"`
		Balance   decimal.Decimal `json:"balance"`
		Available decimal.Decimal `json:"available"`
	}

	// BudgetLine is a single envelope. Available and Status are derived
	// from Budgeted and Spent and must never be set directly.
	BudgetLine struct {
		ID        uuid.UUID       `json:"id"`
		GroupID   uuid.UUID       `json:"group_id"`
		Name      string          `json:"name"`
		Budgeted  decimal.Decimal `json:"budgeted"`
		Spent     decimal.Decimal `json:"spent"`
		Available decimal.Decimal `json:"available"`
		Status    LineStatus      `json:"status"`
	}

	// BudgetGroup is a named set of budget lines with derived totals.
	BudgetGroup struct {
		ID             uuid.UUID       `json:"id"`
		Name           string          `json:"name"`
		Lines          []BudgetLine    `json:"lines"`
		TotalBudgeted  decimal.Decimal `json:"total_budgeted"`
		TotalSpent     decimal.Decimal `json:"total_spent"`
		TotalAvailable decimal.Decimal `json:"total_available"`
	}

	// Transaction is one ledger row. The sign of Amount encodes
	// direction: negative is an outflow, positive an inflow.
	// LineID is uuid.Nil for uncategorized rows.
	Transaction struct {
		ID        uuid.UUID       `json:"id"`
		AccountID uuid.UUID       `json:"account_id"`
		LineID    uuid.UUID       `json:"line_id"`
		Payee     string          `json:"payee"`
		Amount    decimal.Decimal `json:"amount"`
		Approved  bool            `json:"approved"`
		Cleared   bool            `json:"cleared"`
		Flag      string          `json:"flag"`
		Date      time.Time       `json:"date"`
	}

	// Goal is read-mostly here; its CRUD lives with the page layer.
	Goal struct {
		ID      uuid.UUID       `json:"id"`
		Type    GoalType        `json:"type"`
		Name    string          `json:"name"`
		Target  decimal.Decimal `json:"target"`
		Current decimal.Decimal `json:"current"`
		LineID  uuid.UUID       `json:"line_id"`
	}
)

var (
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrEmptyName           = errors.New("empty name")
	ErrLineNotFound        = errors.New("budget line not found")
	ErrGroupNotFound       = errors.New("budget group not found")
	ErrAccountNotFound     = errors.New("account not found")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrGoalNotFound        = errors.New("goal not found")
)

func (t AccountType) Validate() error {
	switch t {
	case AccountCash, AccountCredit, AccountLoan, AccountOther:
		return nil
	}
	return errors.New("invalid account type")
}

func (t GoalType) Validate() error {
	switch t {
	case GoalSavings, GoalDebt:
		return nil
	}
	return errors.New("invalid goal type")
}

func (a Account) Validate() error {
	if strings.TrimSpace(a.Name) == "" {
		return ErrEmptyName
	}
	return a.Type.Validate()
}

func (l BudgetLine) Validate() error {
	if strings.TrimSpace(l.Name) == "" {
		return ErrEmptyName
	}
	if len(l.Name) > 200 {
		return errors.New("name too long (max 200 characters)")
	}
	if l.Budgeted.IsNegative() {
		return ErrInvalidAmount
	}
	return nil
}

func (g BudgetGroup) Validate() error {
	if strings.TrimSpace(g.Name) == "" {
		return ErrEmptyName
	}
	return nil
}

func (tx Transaction) Validate() error {
	if tx.AccountID == uuid.Nil {
		return errors.New("transaction requires an account")
	}
	if tx.Amount.IsZero() {
		return ErrInvalidAmount
	}
	if tx.Date.IsZero() {
		return errors.New("transaction date cannot be zero")
	}
	return nil
}
