// Package authority defines the boundary contracts toward the
// authoritative persistence tier and ships the HTTP client the engine
// uses to talk to it. The engine only ever sees these interfaces;
// transport and schema are collaborator detail.
package authority

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"ledgersync/internal/core"
	"ledgersync/internal/intent"
)

type ResourceKind string

const (
	ResourceDashboard    ResourceKind = "dashboard"
	ResourceAccounts     ResourceKind = "accounts"
	ResourceTransactions ResourceKind = "transactions"
	ResourceGoals        ResourceKind = "goals"
)

// WriteResult is the server's answer to a mutation: server-assigned
// identifiers and fully recomputed fields for everything the write
// touched, so the client can merge without a second round trip.
type WriteResult struct {
	Version      int64              `json:"version"`
	ToBeAssigned *decimal.Decimal   `json:"to_be_assigned,omitempty"`
	Lines        []core.BudgetLine  `json:"lines,omitempty"`
	Accounts     []core.Account     `json:"accounts,omitempty"`
	Transactions []core.Transaction `json:"transactions,omitempty"`
	Goals        []core.Goal        `json:"goals,omitempty"`
}

// Fragment is one resource's worth of authoritative state, as returned
// by the read API for initial load and revalidation.
type Fragment struct {
	Dashboard    *core.Dashboard    `json:"dashboard,omitempty"`
	Accounts     []core.Account     `json:"accounts,omitempty"`
	Transactions []core.Transaction `json:"transactions,omitempty"`
	Goals        []core.Goal        `json:"goals,omitempty"`
}

// Writer performs the authoritative write for one mutation intent.
type Writer interface {
	Apply(ctx context.Context, in intent.Intent) (*WriteResult, error)
}

// Reader fetches authoritative state for one resource. Scope narrows
// the fetch (e.g. "account=<id>" for a single transaction list);
// empty means the unscoped resource.
type Reader interface {
	Fetch(ctx context.Context, kind ResourceKind, scope string) (*Fragment, error)
}

// APIError is a rejection the tier itself produced, as opposed to a
// request that never completed.
type APIError struct {
	Status  int               `json:"status"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("authority rejected request: %d %s", e.Status, e.Message)
}

// IsRejection reports whether err carries an APIError below the 5xx
// range, i.e. the tier understood and refused the payload.
func IsRejection(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status < 500 {
		return apiErr, true
	}
	return nil, false
}
