// Package storage is the SQLite persistence layer of the reference
// authoritative tier. Amounts are stored as decimal strings so no
// precision is lost crossing the database boundary.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"ledgersync/internal/core"

	_ "modernc.org/sqlite"
)

type Repository struct {
	db *sql.DB
}

// querier lets the same scan helpers run against the pool or a tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func NewRepository(dbPath string) (*Repository, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if err := RunMigrations(dbPath); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Repository{db: db}, nil
}

func (r *Repository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// Tx wraps one mutation's transaction with typed accessors.
type Tx struct {
	tx     *sql.Tx
	userID string
}

// WithTx runs fn inside a transaction scoped to one user and commits
// on success.
func (r *Repository) WithTx(ctx context.Context, userID string, fn func(*Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&Tx{tx: tx, userID: userID}); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func parseDec(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("corrupt amount %q: %w", s, err)
	}
	return d, nil
}

func nilUUID(s sql.NullString) uuid.UUID {
	if !s.Valid || s.String == "" {
		return uuid.Nil
	}
	id, err := uuid.Parse(s.String)
	if err != nil {
		return uuid.Nil
	}
	return id
}

func uuidOrNull(id uuid.UUID) any {
	if id == uuid.Nil {
		return nil
	}
	return id.String()
}

// --- reads (pool-scoped) ---

// Dashboard assembles the budget aggregate for one user. Derived
// totals are the caller's concern; only base fields come from here.
func (r *Repository) Dashboard(ctx context.Context, userID string) (core.Dashboard, error) {
	var d core.Dashboard

	tba, version, err := readState(ctx, r.db, userID)
	if err != nil {
		return d, err
	}
	d.ToBeAssigned = tba
	d.Version = version

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, name FROM budget_groups WHERE user_id = ? ORDER BY name`, userID)
	if err != nil {
		return d, fmt.Errorf("query groups: %w", err)
	}
	defer rows.Close()

	byID := make(map[uuid.UUID]int)
	for rows.Next() {
		var g core.BudgetGroup
		var id string
		if err := rows.Scan(&id, &g.Name); err != nil {
			return d, fmt.Errorf("scan group: %w", err)
		}
		g.ID, err = uuid.Parse(id)
		if err != nil {
			return d, fmt.Errorf("corrupt group id %q: %w", id, err)
		}
		byID[g.ID] = len(d.Groups)
		d.Groups = append(d.Groups, g)
	}
	if err := rows.Err(); err != nil {
		return d, fmt.Errorf("iterate groups: %w", err)
	}

	lines, err := listLines(ctx, r.db, userID)
	if err != nil {
		return d, err
	}
	for _, line := range lines {
		if idx, ok := byID[line.GroupID]; ok {
			d.Groups[idx].Lines = append(d.Groups[idx].Lines, line)
		}
	}
	return d, nil
}

// Accounts lists one user's accounts.
func (r *Repository) Accounts(ctx context.Context, userID string) ([]core.Account, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, name, type, balance, available FROM accounts WHERE user_id = ? ORDER BY name`, userID)
	if err != nil {
		return nil, fmt.Errorf("query accounts: %w", err)
	}
	defer rows.Close()

	accounts := []core.Account{}
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, acc)
	}
	return accounts, rows.Err()
}

// Transactions lists one user's rows, optionally scoped to an account,
// newest first.
func (r *Repository) Transactions(ctx context.Context, userID string, accountID uuid.UUID) ([]core.Transaction, error) {
	query := `SELECT id, account_id, line_id, payee, amount, approved, cleared, flag, date
	          FROM transactions WHERE user_id = ?`
	args := []any{userID}
	if accountID != uuid.Nil {
		query += ` AND account_id = ?`
		args = append(args, accountID.String())
	}
	query += ` ORDER BY date DESC, id`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	txs := []core.Transaction{}
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

// Goals lists one user's goals.
func (r *Repository) Goals(ctx context.Context, userID string) ([]core.Goal, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, type, name, target, current, line_id FROM goals WHERE user_id = ? ORDER BY name`, userID)
	if err != nil {
		return nil, fmt.Errorf("query goals: %w", err)
	}
	defer rows.Close()

	goals := []core.Goal{}
	for rows.Next() {
		var g core.Goal
		var id, target, current string
		var lineID sql.NullString
		if err := rows.Scan(&id, &g.Type, &g.Name, &target, &current, &lineID); err != nil {
			return nil, fmt.Errorf("scan goal: %w", err)
		}
		g.ID, err = uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("corrupt goal id %q: %w", id, err)
		}
		if g.Target, err = parseDec(target); err != nil {
			return nil, err
		}
		if g.Current, err = parseDec(current); err != nil {
			return nil, err
		}
		g.LineID = nilUUID(lineID)
		goals = append(goals, g)
	}
	return goals, rows.Err()
}

// --- transactional accessors ---

// State returns the user's to-be-assigned pool and version, creating
// the row on first use.
func (t *Tx) State(ctx context.Context) (decimal.Decimal, int64, error) {
	if _, err := t.tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO budget_state (user_id) VALUES (?)`, t.userID); err != nil {
		return decimal.Zero, 0, fmt.Errorf("ensure state: %w", err)
	}
	return readState(ctx, t.tx, t.userID)
}

// SetState writes the pool and bumps the version, returning the new
// version.
func (t *Tx) SetState(ctx context.Context, toBeAssigned decimal.Decimal) (int64, error) {
	if _, err := t.tx.ExecContext(ctx,
		`UPDATE budget_state SET to_be_assigned = ?, version = version + 1 WHERE user_id = ?`,
		toBeAssigned.String(), t.userID); err != nil {
		return 0, fmt.Errorf("update state: %w", err)
	}
	var version int64
	if err := t.tx.QueryRowContext(ctx,
		`SELECT version FROM budget_state WHERE user_id = ?`, t.userID).Scan(&version); err != nil {
		return 0, fmt.Errorf("read version: %w", err)
	}
	return version, nil
}

// BumpVersion increments the snapshot version without touching the
// pool; used by mutations that only move balances or fields.
func (t *Tx) BumpVersion(ctx context.Context) (int64, error) {
	if _, err := t.tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO budget_state (user_id) VALUES (?)`, t.userID); err != nil {
		return 0, fmt.Errorf("ensure state: %w", err)
	}
	if _, err := t.tx.ExecContext(ctx,
		`UPDATE budget_state SET version = version + 1 WHERE user_id = ?`, t.userID); err != nil {
		return 0, fmt.Errorf("bump version: %w", err)
	}
	var version int64
	if err := t.tx.QueryRowContext(ctx,
		`SELECT version FROM budget_state WHERE user_id = ?`, t.userID).Scan(&version); err != nil {
		return 0, fmt.Errorf("read version: %w", err)
	}
	return version, nil
}

// InsertGroup creates a budget group with a fresh identity.
func (t *Tx) InsertGroup(ctx context.Context, name string) (core.BudgetGroup, error) {
	group := core.BudgetGroup{ID: uuid.New(), Name: name}
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO budget_groups (id, user_id, name) VALUES (?, ?, ?)`,
		group.ID.String(), t.userID, name)
	if err != nil {
		return group, fmt.Errorf("insert group: %w", err)
	}
	return group, nil
}

// InsertAccount creates an account with a fresh identity.
func (t *Tx) InsertAccount(ctx context.Context, acc core.Account) (core.Account, error) {
	acc.ID = uuid.New()
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO accounts (id, user_id, name, type, balance, available) VALUES (?, ?, ?, ?, ?, ?)`,
		acc.ID.String(), t.userID, acc.Name, acc.Type, acc.Balance.String(), acc.Available.String())
	if err != nil {
		return acc, fmt.Errorf("insert account: %w", err)
	}
	return acc, nil
}

// InsertGoal creates a goal with a fresh identity.
func (t *Tx) InsertGoal(ctx context.Context, g core.Goal) (core.Goal, error) {
	g.ID = uuid.New()
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO goals (id, user_id, type, name, target, current, line_id) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		g.ID.String(), t.userID, g.Type, g.Name, g.Target.String(), g.Current.String(), uuidOrNull(g.LineID))
	if err != nil {
		return g, fmt.Errorf("insert goal: %w", err)
	}
	return g, nil
}

// Line fetches one budget line.
func (t *Tx) Line(ctx context.Context, id uuid.UUID) (core.BudgetLine, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT id, group_id, name, budgeted, spent FROM budget_lines WHERE id = ? AND user_id = ?`,
		id.String(), t.userID)
	return scanLine(row)
}

// GroupExists reports whether a group belongs to the user.
func (t *Tx) GroupExists(ctx context.Context, id uuid.UUID) (bool, error) {
	var one int
	err := t.tx.QueryRowContext(ctx,
		`SELECT 1 FROM budget_groups WHERE id = ? AND user_id = ?`, id.String(), t.userID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query group: %w", err)
	}
	return true, nil
}

// InsertLine creates a line with a fresh server-assigned identity.
func (t *Tx) InsertLine(ctx context.Context, line core.BudgetLine) (core.BudgetLine, error) {
	line.ID = uuid.New()
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO budget_lines (id, user_id, group_id, name, budgeted, spent) VALUES (?, ?, ?, ?, ?, ?)`,
		line.ID.String(), t.userID, line.GroupID.String(), line.Name,
		line.Budgeted.String(), line.Spent.String())
	if err != nil {
		return line, fmt.Errorf("insert line: %w", err)
	}
	return line, nil
}

// UpdateLine persists a line's base fields.
func (t *Tx) UpdateLine(ctx context.Context, line core.BudgetLine) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE budget_lines SET group_id = ?, name = ?, budgeted = ?, spent = ? WHERE id = ? AND user_id = ?`,
		line.GroupID.String(), line.Name, line.Budgeted.String(), line.Spent.String(),
		line.ID.String(), t.userID)
	if err != nil {
		return fmt.Errorf("update line: %w", err)
	}
	return requireRow(res, core.ErrLineNotFound)
}

// DeleteLine removes a line and uncategorizes its transactions.
func (t *Tx) DeleteLine(ctx context.Context, id uuid.UUID) error {
	res, err := t.tx.ExecContext(ctx,
		`DELETE FROM budget_lines WHERE id = ? AND user_id = ?`, id.String(), t.userID)
	if err != nil {
		return fmt.Errorf("delete line: %w", err)
	}
	if err := requireRow(res, core.ErrLineNotFound); err != nil {
		return err
	}
	if _, err := t.tx.ExecContext(ctx,
		`UPDATE transactions SET line_id = NULL WHERE line_id = ? AND user_id = ?`,
		id.String(), t.userID); err != nil {
		return fmt.Errorf("uncategorize transactions: %w", err)
	}
	return nil
}

// Account fetches one account.
func (t *Tx) Account(ctx context.Context, id uuid.UUID) (core.Account, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT id, name, type, balance, available FROM accounts WHERE id = ? AND user_id = ?`,
		id.String(), t.userID)
	return scanAccount(row)
}

// UpdateAccountBalance persists a shifted balance.
func (t *Tx) UpdateAccountBalance(ctx context.Context, acc core.Account) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE accounts SET balance = ?, available = ? WHERE id = ? AND user_id = ?`,
		acc.Balance.String(), acc.Available.String(), acc.ID.String(), t.userID)
	if err != nil {
		return fmt.Errorf("update account: %w", err)
	}
	return requireRow(res, core.ErrAccountNotFound)
}

// Transaction fetches one row.
func (t *Tx) Transaction(ctx context.Context, id uuid.UUID) (core.Transaction, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT id, account_id, line_id, payee, amount, approved, cleared, flag, date
		 FROM transactions WHERE id = ? AND user_id = ?`, id.String(), t.userID)
	return scanTransaction(row)
}

// InsertTransaction creates a row with a fresh server-assigned
// identity.
func (t *Tx) InsertTransaction(ctx context.Context, tx core.Transaction) (core.Transaction, error) {
	tx.ID = uuid.New()
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO transactions (id, user_id, account_id, line_id, payee, amount, approved, cleared, flag, date)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.ID.String(), t.userID, tx.AccountID.String(), uuidOrNull(tx.LineID), tx.Payee,
		tx.Amount.String(), tx.Approved, tx.Cleared, tx.Flag, tx.Date.UTC().Format(time.RFC3339))
	if err != nil {
		return tx, fmt.Errorf("insert transaction: %w", err)
	}
	return tx, nil
}

// UpdateTransaction persists a row's mutable fields.
func (t *Tx) UpdateTransaction(ctx context.Context, tx core.Transaction) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE transactions SET account_id = ?, line_id = ?, payee = ?, amount = ?, approved = ?, cleared = ?, flag = ?
		 WHERE id = ? AND user_id = ?`,
		tx.AccountID.String(), uuidOrNull(tx.LineID), tx.Payee, tx.Amount.String(),
		tx.Approved, tx.Cleared, tx.Flag, tx.ID.String(), t.userID)
	if err != nil {
		return fmt.Errorf("update transaction: %w", err)
	}
	return requireRow(res, core.ErrTransactionNotFound)
}

// DeleteTransaction removes a row.
func (t *Tx) DeleteTransaction(ctx context.Context, id uuid.UUID) error {
	res, err := t.tx.ExecContext(ctx,
		`DELETE FROM transactions WHERE id = ? AND user_id = ?`, id.String(), t.userID)
	if err != nil {
		return fmt.Errorf("delete transaction: %w", err)
	}
	return requireRow(res, core.ErrTransactionNotFound)
}

// Goal fetches one goal.
func (t *Tx) Goal(ctx context.Context, id uuid.UUID) (core.Goal, error) {
	var g core.Goal
	var gid, target, current string
	var lineID sql.NullString
	err := t.tx.QueryRowContext(ctx,
		`SELECT id, type, name, target, current, line_id FROM goals WHERE id = ? AND user_id = ?`,
		id.String(), t.userID).Scan(&gid, &g.Type, &g.Name, &target, &current, &lineID)
	if errors.Is(err, sql.ErrNoRows) {
		return g, core.ErrGoalNotFound
	}
	if err != nil {
		return g, fmt.Errorf("query goal: %w", err)
	}
	if g.ID, err = uuid.Parse(gid); err != nil {
		return g, fmt.Errorf("corrupt goal id %q: %w", gid, err)
	}
	if g.Target, err = parseDec(target); err != nil {
		return g, err
	}
	if g.Current, err = parseDec(current); err != nil {
		return g, err
	}
	g.LineID = nilUUID(lineID)
	return g, nil
}

// UpdateGoal persists a goal's amounts.
func (t *Tx) UpdateGoal(ctx context.Context, g core.Goal) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE goals SET target = ?, current = ? WHERE id = ? AND user_id = ?`,
		g.Target.String(), g.Current.String(), g.ID.String(), t.userID)
	if err != nil {
		return fmt.Errorf("update goal: %w", err)
	}
	return requireRow(res, core.ErrGoalNotFound)
}

// --- scan helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLine(row rowScanner) (core.BudgetLine, error) {
	var line core.BudgetLine
	var id, groupID, budgeted, spent string
	err := row.Scan(&id, &groupID, &line.Name, &budgeted, &spent)
	if errors.Is(err, sql.ErrNoRows) {
		return line, core.ErrLineNotFound
	}
	if err != nil {
		return line, fmt.Errorf("scan line: %w", err)
	}
	if line.ID, err = uuid.Parse(id); err != nil {
		return line, fmt.Errorf("corrupt line id %q: %w", id, err)
	}
	if line.GroupID, err = uuid.Parse(groupID); err != nil {
		return line, fmt.Errorf("corrupt group id %q: %w", groupID, err)
	}
	if line.Budgeted, err = parseDec(budgeted); err != nil {
		return line, err
	}
	if line.Spent, err = parseDec(spent); err != nil {
		return line, err
	}
	return line, nil
}

func scanAccount(row rowScanner) (core.Account, error) {
	var acc core.Account
	var id, balance, available string
	err := row.Scan(&id, &acc.Name, &acc.Type, &balance, &available)
	if errors.Is(err, sql.ErrNoRows) {
		return acc, core.ErrAccountNotFound
	}
	if err != nil {
		return acc, fmt.Errorf("scan account: %w", err)
	}
	if acc.ID, err = uuid.Parse(id); err != nil {
		return acc, fmt.Errorf("corrupt account id %q: %w", id, err)
	}
	if acc.Balance, err = parseDec(balance); err != nil {
		return acc, err
	}
	if acc.Available, err = parseDec(available); err != nil {
		return acc, err
	}
	return acc, nil
}

func scanTransaction(row rowScanner) (core.Transaction, error) {
	var tx core.Transaction
	var id, accountID, amount, date string
	var lineID sql.NullString
	err := row.Scan(&id, &accountID, &lineID, &tx.Payee, &amount, &tx.Approved, &tx.Cleared, &tx.Flag, &date)
	if errors.Is(err, sql.ErrNoRows) {
		return tx, core.ErrTransactionNotFound
	}
	if err != nil {
		return tx, fmt.Errorf("scan transaction: %w", err)
	}
	if tx.ID, err = uuid.Parse(id); err != nil {
		return tx, fmt.Errorf("corrupt transaction id %q: %w", id, err)
	}
	if tx.AccountID, err = uuid.Parse(accountID); err != nil {
		return tx, fmt.Errorf("corrupt account id %q: %w", accountID, err)
	}
	tx.LineID = nilUUID(lineID)
	if tx.Amount, err = parseDec(amount); err != nil {
		return tx, err
	}
	if tx.Date, err = time.Parse(time.RFC3339, date); err != nil {
		return tx, fmt.Errorf("corrupt date %q: %w", date, err)
	}
	return tx, nil
}

func readState(ctx context.Context, q querier, userID string) (decimal.Decimal, int64, error) {
	var tba string
	var version int64
	err := q.QueryRowContext(ctx,
		`SELECT to_be_assigned, version FROM budget_state WHERE user_id = ?`, userID).Scan(&tba, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, 0, nil
	}
	if err != nil {
		return decimal.Zero, 0, fmt.Errorf("query state: %w", err)
	}
	d, err := parseDec(tba)
	if err != nil {
		return decimal.Zero, 0, err
	}
	return d, version, nil
}

func listLines(ctx context.Context, q querier, userID string) ([]core.BudgetLine, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, group_id, name, budgeted, spent FROM budget_lines WHERE user_id = ? ORDER BY name`, userID)
	if err != nil {
		return nil, fmt.Errorf("query lines: %w", err)
	}
	defer rows.Close()

	var lines []core.BudgetLine
	for rows.Next() {
		line, err := scanLine(rows)
		if err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

func requireRow(res sql.Result, missing error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return missing
	}
	return nil
}
