package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"ledgersync/internal/core"
	"ledgersync/internal/intent"
	"ledgersync/internal/log"
	"ledgersync/internal/server/storage"
)

const testUser = "user-1"

type fixture struct {
	ledger  *Ledger
	repo    *storage.Repository
	group   core.BudgetGroup
	grocery core.BudgetLine
	dining  core.BudgetLine
	account core.Account
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func quietLogger() *log.Logger {
	return log.New(log.Config{Handler: slog.NewTextHandler(io.Discard, nil)})
}

// newFixture seeds one group with two lines, an account and a pool of
// 1000 unassigned.
func newFixture(t *testing.T) *fixture {
	t.Helper()

	repo, err := storage.NewRepository(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("NewRepository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	f := &fixture{repo: repo, ledger: NewLedger(repo, quietLogger())}
	ctx := context.Background()
	err = repo.WithTx(ctx, testUser, func(tx *storage.Tx) error {
		if _, _, err := tx.State(ctx); err != nil {
			return err
		}
		if _, err := tx.SetState(ctx, dec("1000")); err != nil {
			return err
		}
		if f.group, err = tx.InsertGroup(ctx, "Essentials"); err != nil {
			return err
		}
		if f.grocery, err = tx.InsertLine(ctx, core.BudgetLine{
			GroupID: f.group.ID, Name: "Groceries", Budgeted: dec("400"), Spent: dec("150"),
		}); err != nil {
			return err
		}
		if f.dining, err = tx.InsertLine(ctx, core.BudgetLine{
			GroupID: f.group.ID, Name: "Dining", Budgeted: dec("100"), Spent: dec("60"),
		}); err != nil {
			return err
		}
		f.account, err = tx.InsertAccount(ctx, core.Account{
			Name: "Checking", Type: core.AccountCash, Balance: dec("2500"), Available: dec("2500"),
		})
		return err
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	return f
}

// pool reads to-be-assigned plus all allocations, the quantity that
// must stay constant across budget mutations.
func (f *fixture) pool(t *testing.T) decimal.Decimal {
	t.Helper()
	d, err := f.repo.Dashboard(context.Background(), testUser)
	if err != nil {
		t.Fatalf("Dashboard: %v", err)
	}
	total := d.ToBeAssigned
	for _, g := range d.Groups {
		for _, line := range g.Lines {
			total = total.Add(line.Budgeted)
		}
	}
	return total
}

func TestCreateBudgetLineAllocatesFromPool(t *testing.T) {
	f := newFixture(t)

	res, err := f.ledger.Apply(context.Background(), testUser, intent.CreateBudgetLine{
		ProvisionalID: uuid.New(),
		GroupID:       f.group.ID,
		Name:          "Rent",
		Budgeted:      dec("800"),
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}

	if res.ToBeAssigned == nil || !res.ToBeAssigned.Equal(dec("200")) {
		t.Errorf("to-be-assigned = %v, want 200", res.ToBeAssigned)
	}
	if len(res.Lines) != 1 {
		t.Fatalf("got %d lines, want 1", len(res.Lines))
	}
	line := res.Lines[0]
	if line.ID == uuid.Nil {
		t.Error("server must assign a real line identity")
	}
	if !line.Available.Equal(dec("800")) {
		t.Errorf("available = %s, want 800", line.Available)
	}
	if !f.pool(t).Equal(dec("1500")) {
		t.Errorf("pool = %s, want 1500 (conservation)", f.pool(t))
	}
}

func TestMoveMoneyClampsToSourceAllocation(t *testing.T) {
	f := newFixture(t)

	res, err := f.ledger.Apply(context.Background(), testUser, intent.MoveMoney{
		FromLineID: f.dining.ID,
		ToLineID:   f.grocery.ID,
		Amount:     dec("9999"),
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}

	byID := map[uuid.UUID]core.BudgetLine{}
	for _, line := range res.Lines {
		byID[line.ID] = line
	}
	if got := byID[f.dining.ID].Budgeted; !got.Equal(dec("0")) {
		t.Errorf("source budgeted = %s, want 0 after clamp", got)
	}
	if got := byID[f.grocery.ID].Budgeted; !got.Equal(dec("500")) {
		t.Errorf("target budgeted = %s, want 500", got)
	}
	if !f.pool(t).Equal(dec("1500")) {
		t.Errorf("pool = %s, want 1500 (move must conserve)", f.pool(t))
	}
}

func TestMoveMoneyRejectsNegativeAmount(t *testing.T) {
	f := newFixture(t)

	_, err := f.ledger.Apply(context.Background(), testUser, intent.MoveMoney{
		FromLineID: f.grocery.ID,
		ToLineID:   f.dining.ID,
		Amount:     dec("-50"),
	})
	if !errors.Is(err, core.ErrInvalidAmount) {
		t.Errorf("err = %v, want ErrInvalidAmount", err)
	}
}

func TestCreateTransactionAppliesBalanceAndSpend(t *testing.T) {
	f := newFixture(t)

	res, err := f.ledger.Apply(context.Background(), testUser, intent.CreateTransaction{
		ProvisionalID: uuid.New(),
		AccountID:     f.account.ID,
		LineID:        f.grocery.ID,
		Payee:         "Market",
		Amount:        dec("-60"),
		Date:          time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}

	if len(res.Accounts) != 1 || !res.Accounts[0].Balance.Equal(dec("2440")) {
		t.Errorf("balance = %v, want 2440", res.Accounts)
	}
	if len(res.Lines) != 1 || !res.Lines[0].Spent.Equal(dec("210")) {
		t.Errorf("spent = %v, want 210", res.Lines)
	}
	if len(res.Transactions) != 1 || res.Transactions[0].ID == uuid.Nil {
		t.Error("server must assign a real transaction identity")
	}
}

func TestDeleteTransactionReversesByLiteralAmount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.ledger.Apply(ctx, testUser, intent.CreateTransaction{
		ProvisionalID: uuid.New(),
		AccountID:     f.account.ID,
		LineID:        f.grocery.ID,
		Payee:         "Market",
		Amount:        dec("-60"),
		Date:          time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	res, err := f.ledger.Apply(ctx, testUser, intent.DeleteTransaction{
		TransactionID: created.Transactions[0].ID,
	})
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if !res.Accounts[0].Balance.Equal(dec("2500")) {
		t.Errorf("balance = %s, want 2500 after reversal", res.Accounts[0].Balance)
	}
	if !res.Lines[0].Spent.Equal(dec("150")) {
		t.Errorf("spent = %s, want 150 after reversal", res.Lines[0].Spent)
	}
}

func TestRecategorizeMovesSpendBetweenLines(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.ledger.Apply(ctx, testUser, intent.CreateTransaction{
		ProvisionalID: uuid.New(),
		AccountID:     f.account.ID,
		LineID:        f.dining.ID,
		Payee:         "Cafe",
		Amount:        dec("-60"),
		Date:          time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	res, err := f.ledger.Apply(ctx, testUser, intent.RecategorizeTransaction{
		TransactionID: created.Transactions[0].ID,
		ToLineID:      f.grocery.ID,
	})
	if err != nil {
		t.Fatalf("recategorize: %v", err)
	}

	byID := map[uuid.UUID]core.BudgetLine{}
	for _, line := range res.Lines {
		byID[line.ID] = line
	}
	if got := byID[f.dining.ID].Spent; !got.Equal(dec("60")) {
		t.Errorf("old line spent = %s, want 60", got)
	}
	if got := byID[f.grocery.ID].Spent; !got.Equal(dec("210")) {
		t.Errorf("new line spent = %s, want 210", got)
	}
	if got := res.Transactions[0].LineID; got != f.grocery.ID {
		t.Errorf("transaction line = %s, want %s", got, f.grocery.ID)
	}
}

func TestDeleteBudgetLineReturnsAllocationToPool(t *testing.T) {
	f := newFixture(t)

	res, err := f.ledger.Apply(context.Background(), testUser, intent.DeleteBudgetLine{
		LineID: f.grocery.ID,
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if res.ToBeAssigned == nil || !res.ToBeAssigned.Equal(dec("1400")) {
		t.Errorf("to-be-assigned = %v, want 1400", res.ToBeAssigned)
	}
	if !f.pool(t).Equal(dec("1500")) {
		t.Errorf("pool = %s, want 1500 (conservation)", f.pool(t))
	}
}

func TestMissingLineSurfacesNotFound(t *testing.T) {
	f := newFixture(t)

	_, err := f.ledger.Apply(context.Background(), testUser, intent.AssignMoney{
		LineID: uuid.New(),
		Amount: dec("10"),
	})
	if !errors.Is(err, core.ErrLineNotFound) {
		t.Errorf("err = %v, want ErrLineNotFound", err)
	}
}

func TestEveryWriteBumpsVersion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.ledger.Apply(ctx, testUser, intent.AssignMoney{LineID: f.dining.ID, Amount: dec("10")})
	if err != nil {
		t.Fatalf("first write: %v", err)
	}
	second, err := f.ledger.Apply(ctx, testUser, intent.AssignMoney{LineID: f.grocery.ID, Amount: dec("5")})
	if err != nil {
		t.Fatalf("second write: %v", err)
	}
	if second.Version <= first.Version {
		t.Errorf("version did not advance: %d then %d", first.Version, second.Version)
	}
}
