package store

import (
	"strings"

	"github.com/google/uuid"
)

// Key addresses one cached resource fragment: resource kind plus an
// optional scope, e.g. "dashboard", "transactions:all",
// "transactions:account=<id>".
type Key string

const (
	KeyDashboard       Key = "dashboard"
	KeyAccounts        Key = "accounts"
	KeyTransactionsAll Key = "transactions:all"
	KeyGoals           Key = "goals"

	transactionsPrefix = "transactions:"
	accountScopePrefix = "transactions:account="
)

// TransactionsForAccount scopes the transaction list to one account.
func TransactionsForAccount(accountID uuid.UUID) Key {
	return Key(accountScopePrefix + accountID.String())
}

// AccountScope returns the account id of a per-account transaction
// key, or false for any other key.
func AccountScope(k Key) (uuid.UUID, bool) {
	raw, ok := strings.CutPrefix(string(k), accountScopePrefix)
	if !ok {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

// Resource returns the key's resource kind and scope. Scope is empty
// for unscoped keys.
func (k Key) Resource() (kind, scope string) {
	s := string(k)
	if i := strings.IndexByte(s, ':'); i >= 0 {
		return s[:i], s[i+1:]
	}
	return s, ""
}

// HasPrefix reports whether the key starts with p.
func (k Key) HasPrefix(p string) bool {
	return strings.HasPrefix(string(k), p)
}

// Prefix builds a predicate matching every key under p. One mutation
// can touch several scoped views at once, so invalidation matches by
// prefix rather than exact key.
func Prefix(p string) func(Key) bool {
	return func(k Key) bool { return k.HasPrefix(p) }
}

// Exact builds a predicate matching a single key.
func Exact(want Key) func(Key) bool {
	return func(k Key) bool { return k == want }
}

// AllTransactions matches every materialized transaction list.
func AllTransactions() func(Key) bool {
	return Prefix(transactionsPrefix)
}
