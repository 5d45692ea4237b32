package client

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"ledgersync/internal/authority"
	"ledgersync/internal/core"
	"ledgersync/internal/intent"
	"ledgersync/internal/log"
	"ledgersync/internal/push"
	"ledgersync/internal/revalidate"
	"ledgersync/internal/store"
)

// fakeAuthority serves reads from a held snapshot and accepts writes.
type fakeAuthority struct {
	mu        sync.Mutex
	dashboard core.Dashboard
	fetches   map[authority.ResourceKind]int
}

func newFakeAuthority() *fakeAuthority {
	return &fakeAuthority{
		dashboard: core.Dashboard{ToBeAssigned: decimal.RequireFromString("500")},
		fetches:   make(map[authority.ResourceKind]int),
	}
}

func (a *fakeAuthority) Apply(context.Context, intent.Intent) (*authority.WriteResult, error) {
	return &authority.WriteResult{}, nil
}

func (a *fakeAuthority) Fetch(_ context.Context, kind authority.ResourceKind, _ string) (*authority.Fragment, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fetches[kind]++
	switch kind {
	case authority.ResourceDashboard:
		d := a.dashboard
		return &authority.Fragment{Dashboard: &d}, nil
	case authority.ResourceAccounts:
		return &authority.Fragment{Accounts: []core.Account{}}, nil
	case authority.ResourceTransactions:
		return &authority.Fragment{Transactions: []core.Transaction{}}, nil
	case authority.ResourceGoals:
		return &authority.Fragment{Goals: []core.Goal{}}, nil
	}
	return &authority.Fragment{}, nil
}

func (a *fakeAuthority) dashboardFetches() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.fetches[authority.ResourceDashboard]
}

type stubTransport struct {
	sessions chan *stubSession
}

type stubSession struct {
	ch chan push.Notification
}

func (s *stubSession) Notifications() <-chan push.Notification { return s.ch }
func (s *stubSession) Close() error                            { return nil }

func (t *stubTransport) Dial(context.Context) (push.Conn, error) { return t, nil }
func (t *stubTransport) Join(context.Context, string) (push.Session, error) {
	sess := &stubSession{ch: make(chan push.Notification, 4)}
	t.sessions <- sess
	return sess, nil
}
func (t *stubTransport) Close() error { return nil }

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestPushHintTriggersExactlyOneRefresh(t *testing.T) {
	auth := newFakeAuthority()
	transport := &stubTransport{sessions: make(chan *stubSession, 4)}
	c := New(Options{
		UserID:    "u1",
		Authority: auth,
		Transport: transport,
		Push:      push.Config{InitialBackoff: 5 * time.Millisecond, MaxBackoff: 20 * time.Millisecond},
		Logger:    log.New(log.DefaultConfig()),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer c.Stop()

	sess := <-transport.sessions
	waitFor(t, "joined", func() bool { return c.PushState() == push.StateJoined })

	// The join itself revalidates; note the count, then change the
	// authoritative value and deliver a hint with no local mutation
	// pending.
	baseline := auth.dashboardFetches()
	auth.mu.Lock()
	auth.dashboard.ToBeAssigned = decimal.RequireFromString("123.45")
	auth.mu.Unlock()

	sess.ch <- push.Notification{Resource: "dashboard"}

	waitFor(t, "refresh", func() bool { return auth.dashboardFetches() == baseline+1 })
	waitFor(t, "converged cache", func() bool {
		v, ok := c.store.Read(store.KeyDashboard)
		if !ok {
			return false
		}
		return v.(core.Dashboard).ToBeAssigned.Equal(decimal.RequireFromString("123.45"))
	})

	// Exactly once: no extra fetches trail in.
	time.Sleep(20 * time.Millisecond)
	if got := auth.dashboardFetches(); got != baseline+1 {
		t.Errorf("dashboard fetches = %d, want %d", got, baseline+1)
	}
}

func TestPushSnapshotReplacesCacheWithoutRoundTrip(t *testing.T) {
	auth := newFakeAuthority()
	transport := &stubTransport{sessions: make(chan *stubSession, 4)}
	c := New(Options{
		UserID:    "u1",
		Authority: auth,
		Transport: transport,
		Push:      push.Config{InitialBackoff: 5 * time.Millisecond, MaxBackoff: 20 * time.Millisecond},
		Logger:    log.New(log.DefaultConfig()),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer c.Stop()

	sess := <-transport.sessions
	waitFor(t, "joined", func() bool { return c.PushState() == push.StateJoined })
	baseline := auth.dashboardFetches()

	sess.ch <- push.Notification{
		Resource: "dashboard",
		Snapshot: &core.Snapshot{
			Version:   9,
			Dashboard: core.Dashboard{Version: 9, ToBeAssigned: decimal.RequireFromString("777")},
		},
	}

	waitFor(t, "replaced cache", func() bool {
		v, ok := c.store.Read(store.KeyDashboard)
		if !ok {
			return false
		}
		return v.(core.Dashboard).ToBeAssigned.Equal(decimal.RequireFromString("777"))
	})
	if got := auth.dashboardFetches(); got != baseline {
		t.Errorf("full snapshot must not trigger a read, fetches %d -> %d", baseline, got)
	}
}

func TestPushSnapshotReplacesScopedTransactionLists(t *testing.T) {
	logger := log.New(log.DefaultConfig())
	st := store.New(logger)
	sched := revalidate.New(st, newFakeAuthority(), revalidate.Config{}, logger)
	h := &pushHandler{store: st, scheduler: sched, logger: logger}

	checking := uuid.New()
	savings := uuid.New()
	st.Write(store.TransactionsForAccount(checking), []core.Transaction{
		{ID: uuid.New(), AccountID: checking, Payee: "superseded"},
	})
	st.Write(store.TransactionsForAccount(savings), []core.Transaction{})

	fresh := core.Transaction{ID: uuid.New(), AccountID: checking, Payee: "kept"}
	moved := core.Transaction{ID: uuid.New(), AccountID: savings, Payee: "moved in"}
	h.HandleNotification(context.Background(), push.Notification{
		Resource: "transactions",
		Snapshot: &core.Snapshot{
			Version:      4,
			Transactions: []core.Transaction{fresh, moved},
		},
	})

	v, ok := st.Read(store.TransactionsForAccount(checking))
	if !ok {
		t.Fatal("scoped list for checking must stay materialized")
	}
	rows := v.([]core.Transaction)
	if len(rows) != 1 || rows[0].ID != fresh.ID {
		t.Fatalf("checking list = %+v, want only the snapshot row %s", rows, fresh.ID)
	}

	v, ok = st.Read(store.TransactionsForAccount(savings))
	if !ok {
		t.Fatal("scoped list for savings must stay materialized")
	}
	rows = v.([]core.Transaction)
	if len(rows) != 1 || rows[0].ID != moved.ID {
		t.Fatalf("savings list = %+v, want only the snapshot row %s", rows, moved.ID)
	}
}

func TestSubscribeAndDispatchRoundTrip(t *testing.T) {
	auth := newFakeAuthority()
	auth.dashboard.Groups = []core.BudgetGroup{{Name: "Bills"}}
	c := New(Options{
		UserID:     "u1",
		Authority:  auth,
		Revalidate: revalidate.Config{},
		Logger:     log.New(log.DefaultConfig()),
	})

	ctx := context.Background()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer c.Stop()

	var notified int
	current, unsub := c.Subscribe(store.KeyDashboard, func(store.Key, any) { notified++ })
	defer unsub()
	if current == nil {
		t.Fatal("subscribe must return the loaded dashboard")
	}

	// A dispatch against a missing entity fails fast and publishes no
	// optimistic state.
	_, err := c.Dispatch(ctx, intent.DeleteBudgetLine{})
	if err == nil {
		t.Fatal("expected NotFound for missing line")
	}
	if notified != 0 {
		t.Errorf("failed dispatch published %d updates, want 0", notified)
	}
}
