package core

import (
	"reflect"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func sampleDashboard() Dashboard {
	return Dashboard{
		Version:      7,
		ToBeAssigned: decimal.RequireFromString("1000"),
		Groups: []BudgetGroup{
			{
				ID:   uuid.New(),
				Name: "Essentials",
				Lines: []BudgetLine{
					{ID: uuid.New(), Name: "Groceries", Budgeted: decimal.RequireFromString("400")},
					{ID: uuid.New(), Name: "Dining", Budgeted: decimal.RequireFromString("100")},
				},
			},
		},
	}
}

func TestCloneIsIndependent(t *testing.T) {
	original := sampleDashboard()
	snapshot := original.Clone()

	clone := original.Clone()
	clone.Groups[0].Lines[0].Budgeted = decimal.RequireFromString("999")
	clone.Groups[0].Name = "Mutated"

	if !reflect.DeepEqual(original, snapshot) {
		t.Error("mutating a clone must not reach the original")
	}
}

func TestLineLookupAcrossGroups(t *testing.T) {
	d := sampleDashboard()
	want := d.Groups[0].Lines[1].ID

	line, ok := d.Line(want)
	if !ok {
		t.Fatal("expected to find the line")
	}
	if line.Name != "Dining" {
		t.Errorf("found %q, want Dining", line.Name)
	}

	if _, ok := d.Line(uuid.New()); ok {
		t.Error("unknown id must not resolve")
	}
}

func TestRemoveLine(t *testing.T) {
	d := sampleDashboard()
	target := d.Groups[0].Lines[0].ID

	removed, ok := d.RemoveLine(target)
	if !ok {
		t.Fatal("expected removal to succeed")
	}
	if removed.Name != "Groceries" {
		t.Errorf("removed %q, want Groceries", removed.Name)
	}
	if len(d.Groups[0].Lines) != 1 {
		t.Errorf("group has %d lines, want 1", len(d.Groups[0].Lines))
	}
	if _, ok := d.Line(target); ok {
		t.Error("removed line must not resolve anymore")
	}

	if _, ok := d.RemoveLine(target); ok {
		t.Error("second removal must report absence")
	}
}

func TestTransactionValidate(t *testing.T) {
	valid := Transaction{
		AccountID: uuid.New(),
		Amount:    decimal.RequireFromString("-12.30"),
		Date:      time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	}
	if err := valid.Validate(); err != nil {
		t.Errorf("valid transaction rejected: %v", err)
	}

	zeroAmount := valid
	zeroAmount.Amount = decimal.Zero
	if err := zeroAmount.Validate(); err == nil {
		t.Error("zero amount must be rejected")
	}

	noAccount := valid
	noAccount.AccountID = uuid.Nil
	if err := noAccount.Validate(); err == nil {
		t.Error("missing account must be rejected")
	}
}
