package executor

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"ledgersync/internal/authority"
	"ledgersync/internal/core"
	"ledgersync/internal/derive"
	"ledgersync/internal/intent"
	"ledgersync/internal/log"
	"ledgersync/internal/store"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

type fakeWriter struct {
	result  *authority.WriteResult
	err     error
	applied []intent.Intent
}

func (w *fakeWriter) Apply(_ context.Context, in intent.Intent) (*authority.WriteResult, error) {
	w.applied = append(w.applied, in)
	if w.err != nil {
		return nil, w.err
	}
	if w.result != nil {
		return w.result, nil
	}
	return &authority.WriteResult{}, nil
}

type fakeRevalidator struct {
	refreshed []store.Key
}

func (r *fakeRevalidator) Refresh(keys ...store.Key) {
	r.refreshed = append(r.refreshed, keys...)
}

type fixture struct {
	store     *store.Store
	writer    *fakeWriter
	reval     *fakeRevalidator
	executor  *Executor
	groupID   uuid.UUID
	groceries uuid.UUID
	dining    uuid.UUID
	checking  uuid.UUID
	savings   uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := log.New(log.DefaultConfig())
	f := &fixture{
		store:     store.New(logger),
		writer:    &fakeWriter{},
		reval:     &fakeRevalidator{},
		groupID:   uuid.New(),
		groceries: uuid.New(),
		dining:    uuid.New(),
		checking:  uuid.New(),
		savings:   uuid.New(),
	}
	f.executor = New(f.store, f.writer, f.reval, logger)

	dash := core.Dashboard{
		ToBeAssigned: dec("1000"),
		Groups: []core.BudgetGroup{{
			ID:   f.groupID,
			Name: "Frequent Spending",
			Lines: []core.BudgetLine{
				derive.Reline(core.BudgetLine{ID: f.groceries, GroupID: f.groupID, Name: "Groceries", Budgeted: dec("400"), Spent: dec("150")}),
				derive.Reline(core.BudgetLine{ID: f.dining, GroupID: f.groupID, Name: "Dining", Budgeted: dec("100"), Spent: dec("60")}),
			},
		}},
	}
	f.store.Write(store.KeyDashboard, derive.RecomputeDashboardTotals(dash))
	f.store.Write(store.KeyAccounts, []core.Account{
		{ID: f.checking, Name: "Checking", Type: core.AccountCash, Balance: dec("2500")},
		{ID: f.savings, Name: "Savings", Type: core.AccountCash, Balance: dec("8000")},
	})
	return f
}

func (f *fixture) dashboard(t *testing.T) core.Dashboard {
	t.Helper()
	v, ok := f.store.Read(store.KeyDashboard)
	if !ok {
		t.Fatal("dashboard missing from store")
	}
	return v.(core.Dashboard)
}

func (f *fixture) line(t *testing.T, id uuid.UUID) core.BudgetLine {
	t.Helper()
	d := f.dashboard(t)
	l, ok := d.Line(id)
	if !ok {
		t.Fatalf("line %s missing", id)
	}
	return *l
}

func (f *fixture) accounts(t *testing.T) []core.Account {
	t.Helper()
	v, ok := f.store.Read(store.KeyAccounts)
	if !ok {
		t.Fatal("accounts missing from store")
	}
	return v.([]core.Account)
}

// conservation returns toBeAssigned + sum(budgeted), which must be
// constant across every allocation-affecting mutation.
func conservation(d core.Dashboard) decimal.Decimal {
	total := d.ToBeAssigned
	for _, l := range d.AllLines() {
		total = total.Add(l.Budgeted)
	}
	return total
}

func TestCreateBudgetLine(t *testing.T) {
	f := newFixture(t)

	res, err := f.executor.Execute(context.Background(), intent.CreateBudgetLine{
		GroupID:  f.groupID,
		Name:     "Rent",
		Budgeted: dec("800"),
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res == nil {
		t.Fatal("expected result")
	}

	d := f.dashboard(t)
	if !d.ToBeAssigned.Equal(dec("200")) {
		t.Errorf("to-be-assigned = %s, want 200", d.ToBeAssigned)
	}
	var rent *core.BudgetLine
	for _, l := range d.AllLines() {
		if l.Name == "Rent" {
			rent = &l
			break
		}
	}
	if rent == nil {
		t.Fatal("Rent line not created")
	}
	if !rent.Available.Equal(dec("800")) {
		t.Errorf("available = %s, want 800", rent.Available)
	}
}

func TestCreateBudgetLineReplacesProvisionalID(t *testing.T) {
	f := newFixture(t)
	serverID := uuid.New()
	prov := uuid.New()
	serverLine := derive.Reline(core.BudgetLine{
		ID: serverID, GroupID: f.groupID, Name: "Rent", Budgeted: dec("800"),
	})
	tba := dec("200")
	f.writer.result = &authority.WriteResult{
		Version:      2,
		ToBeAssigned: &tba,
		Lines:        []core.BudgetLine{serverLine},
	}

	_, err := f.executor.Execute(context.Background(), intent.CreateBudgetLine{
		ProvisionalID: prov,
		GroupID:       f.groupID,
		Name:          "Rent",
		Budgeted:      dec("800"),
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	d := f.dashboard(t)
	if _, ok := d.Line(prov); ok {
		t.Error("provisional line still present after merge")
	}
	got, ok := d.Line(serverID)
	if !ok {
		t.Fatal("server-assigned line missing after merge")
	}
	if !got.Budgeted.Equal(dec("800")) {
		t.Errorf("budgeted = %s, want 800", got.Budgeted)
	}
	if d.Version != 2 {
		t.Errorf("version = %d, want 2", d.Version)
	}
}

func TestMoveMoneyScenario(t *testing.T) {
	f := newFixture(t)
	before := conservation(f.dashboard(t))
	tbaBefore := f.dashboard(t).ToBeAssigned

	_, err := f.executor.Execute(context.Background(), intent.MoveMoney{
		FromLineID: f.groceries,
		ToLineID:   f.dining,
		Amount:     dec("50"),
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	groceries := f.line(t, f.groceries)
	if !groceries.Budgeted.Equal(dec("350")) {
		t.Errorf("Groceries budgeted = %s, want 350", groceries.Budgeted)
	}
	if !groceries.Available.Equal(dec("200")) {
		t.Errorf("Groceries available = %s, want 200", groceries.Available)
	}
	dining := f.line(t, f.dining)
	if !dining.Budgeted.Equal(dec("150")) {
		t.Errorf("Dining budgeted = %s, want 150", dining.Budgeted)
	}

	d := f.dashboard(t)
	if !d.ToBeAssigned.Equal(tbaBefore) {
		t.Errorf("to-be-assigned moved: %s -> %s", tbaBefore, d.ToBeAssigned)
	}
	if !conservation(d).Equal(before) {
		t.Errorf("conservation broken: %s -> %s", before, conservation(d))
	}
}

func TestToBeAssignedConservationOverSequence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	before := conservation(f.dashboard(t))

	mutations := []intent.Intent{
		intent.CreateBudgetLine{GroupID: f.groupID, Name: "Rent", Budgeted: dec("800")},
		intent.MoveMoney{FromLineID: f.groceries, ToLineID: f.dining, Amount: dec("75")},
		intent.AssignMoney{LineID: f.dining, Amount: dec("120")},
		intent.AssignMoney{LineID: f.groceries, Amount: dec("-40")},
		intent.DeleteBudgetLine{LineID: f.dining},
	}
	for i, m := range mutations {
		if _, err := f.executor.Execute(ctx, m); err != nil {
			t.Fatalf("mutation %d: %v", i, err)
		}
		got := conservation(f.dashboard(t))
		if !got.Equal(before) {
			t.Fatalf("mutation %d broke conservation: %s != %s", i, got, before)
		}
	}
}

func TestAssignMoneyClampsReductionAtZero(t *testing.T) {
	f := newFixture(t)

	// Dining holds 100; covering 500 back must clamp at zero, not go
	// negative, and return exactly 100 to the pool.
	_, err := f.executor.Execute(context.Background(), intent.AssignMoney{
		LineID: f.dining,
		Amount: dec("-500"),
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	dining := f.line(t, f.dining)
	if !dining.Budgeted.Equal(decimal.Zero) {
		t.Errorf("budgeted = %s, want 0", dining.Budgeted)
	}
	if !f.dashboard(t).ToBeAssigned.Equal(dec("1100")) {
		t.Errorf("to-be-assigned = %s, want 1100", f.dashboard(t).ToBeAssigned)
	}
}

func TestRecategorizeTransactionScenario(t *testing.T) {
	f := newFixture(t)
	shopping := uuid.New()
	txID := uuid.New()

	// Dining spent=60 budgeted=100; Shopping spent=20 budgeted=100.
	d := f.dashboard(t).Clone()
	group, _ := d.Group(f.groupID)
	group.Lines = append(group.Lines, derive.Reline(core.BudgetLine{
		ID: shopping, GroupID: f.groupID, Name: "Shopping", Budgeted: dec("100"), Spent: dec("20"),
	}))
	f.store.Write(store.KeyDashboard, derive.RecomputeDashboardTotals(d))
	f.store.Write(store.KeyTransactionsAll, []core.Transaction{{
		ID: txID, AccountID: f.checking, LineID: f.dining, Amount: dec("-60"), Date: time.Now(),
	}})

	_, err := f.executor.Execute(context.Background(), intent.RecategorizeTransaction{
		TransactionID: txID,
		ToLineID:      shopping,
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	dining := f.line(t, f.dining)
	if !dining.Spent.Equal(dec("0")) || !dining.Available.Equal(dec("100")) {
		t.Errorf("Dining spent=%s available=%s, want 0/100", dining.Spent, dining.Available)
	}
	shop := f.line(t, shopping)
	if !shop.Spent.Equal(dec("80")) || !shop.Available.Equal(dec("20")) {
		t.Errorf("Shopping spent=%s available=%s, want 80/20", shop.Spent, shop.Available)
	}

	rows, _ := f.store.Read(store.KeyTransactionsAll)
	if got := rows.([]core.Transaction)[0].LineID; got != shopping {
		t.Errorf("transaction line = %s, want %s", got, shopping)
	}
}

func TestMoveTransactionConservation(t *testing.T) {
	f := newFixture(t)
	txID := uuid.New()
	amount := dec("-60")
	f.store.Write(store.KeyTransactionsAll, []core.Transaction{{
		ID: txID, AccountID: f.checking, Amount: amount, Date: time.Now(),
	}})
	f.store.Write(store.TransactionsForAccount(f.checking), []core.Transaction{{
		ID: txID, AccountID: f.checking, Amount: amount, Date: time.Now(),
	}})
	f.store.Write(store.TransactionsForAccount(f.savings), []core.Transaction{})

	_, err := f.executor.Execute(context.Background(), intent.MoveTransaction{
		TransactionID: txID,
		ToAccountID:   f.savings,
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	accounts := f.accounts(t)
	checking := accounts[core.FindAccount(accounts, f.checking)]
	savings := accounts[core.FindAccount(accounts, f.savings)]
	if !checking.Balance.Equal(dec("2560")) {
		t.Errorf("checking = %s, want 2560 (2500 - (-60))", checking.Balance)
	}
	if !savings.Balance.Equal(dec("7940")) {
		t.Errorf("savings = %s, want 7940 (8000 + (-60))", savings.Balance)
	}

	// The row moved between the two materialized scoped lists.
	oldRows, _ := f.store.Read(store.TransactionsForAccount(f.checking))
	if len(oldRows.([]core.Transaction)) != 0 {
		t.Error("row still present in old account list")
	}
	newRows, _ := f.store.Read(store.TransactionsForAccount(f.savings))
	if len(newRows.([]core.Transaction)) != 1 {
		t.Fatal("row missing from new account list")
	}
	if newRows.([]core.Transaction)[0].AccountID != f.savings {
		t.Error("moved row still points at old account")
	}
}

func TestRollbackRestoresDeepEqualSnapshot(t *testing.T) {
	f := newFixture(t)
	f.writer.err = &authority.APIError{Status: 500, Message: "internal server error"}
	before := f.dashboard(t)

	_, err := f.executor.Execute(context.Background(), intent.UpdateBudgetLine{
		LineID:   f.groceries,
		Budgeted: decPtr("500"),
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if KindOf(err) != KindNetworkFailure {
		t.Errorf("error kind = %s, want %s", KindOf(err), KindNetworkFailure)
	}

	after := f.dashboard(t)
	if !reflect.DeepEqual(before, after) {
		t.Errorf("rollback not deep-equal:\nbefore %+v\nafter  %+v", before, after)
	}
}

func TestValidationFailureSurfacesFields(t *testing.T) {
	f := newFixture(t)
	f.writer.err = &authority.APIError{
		Status:  422,
		Message: "name taken",
		Fields:  map[string]string{"name": "already exists"},
	}

	_, err := f.executor.Execute(context.Background(), intent.CreateBudgetLine{
		GroupID: f.groupID, Name: "Groceries", Budgeted: dec("10"),
	})
	if KindOf(err) != KindValidationFailed {
		t.Fatalf("error kind = %s, want %s", KindOf(err), KindValidationFailed)
	}
	var typed *Error
	if !errors.As(err, &typed) || typed.Fields["name"] != "already exists" {
		t.Errorf("field-level messages not surfaced: %+v", typed)
	}
	// Rolled back: no Groceries duplicate, to-be-assigned untouched.
	if !f.dashboard(t).ToBeAssigned.Equal(dec("1000")) {
		t.Errorf("to-be-assigned = %s, want 1000", f.dashboard(t).ToBeAssigned)
	}
}

func TestNotFoundPublishesNothing(t *testing.T) {
	f := newFixture(t)
	var notified int
	f.store.Subscribe(store.KeyDashboard, func(store.Key, any) { notified++ })

	_, err := f.executor.Execute(context.Background(), intent.UpdateBudgetLine{
		LineID:   uuid.New(),
		Budgeted: decPtr("10"),
	})
	if KindOf(err) != KindNotFound {
		t.Fatalf("error kind = %s, want %s", KindOf(err), KindNotFound)
	}
	if notified != 0 {
		t.Errorf("optimistic update published despite NotFound (%d notifications)", notified)
	}
	if len(f.writer.applied) != 0 {
		t.Error("authoritative write issued despite NotFound")
	}
}

func TestOptimisticPublishHappensBeforeWrite(t *testing.T) {
	f := newFixture(t)
	var sawOptimistic bool
	f.store.Subscribe(store.KeyDashboard, func(_ store.Key, v any) {
		d := v.(core.Dashboard)
		if l, ok := d.Line(f.groceries); ok && l.Budgeted.Equal(dec("500")) {
			// The subscriber must observe the optimistic value before
			// the authoritative write has been applied.
			sawOptimistic = len(f.writer.applied) == 0
		}
	})

	if _, err := f.executor.Execute(context.Background(), intent.UpdateBudgetLine{
		LineID:   f.groceries,
		Budgeted: decPtr("500"),
	}); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !sawOptimistic {
		t.Error("optimistic value was not observable before the authoritative write")
	}
}

func TestScopedRevalidationScheduledOnSuccess(t *testing.T) {
	f := newFixture(t)

	if _, err := f.executor.Execute(context.Background(), intent.MoveMoney{
		FromLineID: f.groceries, ToLineID: f.dining, Amount: dec("10"),
	}); err != nil {
		t.Fatalf("execute: %v", err)
	}
	found := false
	for _, k := range f.reval.refreshed {
		if k == store.KeyDashboard {
			found = true
		}
	}
	if !found {
		t.Error("dashboard revalidation not scheduled from completion")
	}

	// And never on failure.
	f.reval.refreshed = nil
	f.writer.err = errors.New("connection refused")
	_, _ = f.executor.Execute(context.Background(), intent.MoveMoney{
		FromLineID: f.groceries, ToLineID: f.dining, Amount: dec("10"),
	})
	if len(f.reval.refreshed) != 0 {
		t.Error("revalidation scheduled after failed write")
	}
}

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}
