// Package client is the composition root for the sync engine: it owns
// the store, executor, scheduler and push channel, wires the push
// notifications into invalidation and refresh, and exposes the only
// two operations the view layer gets: Subscribe and Dispatch. Views
// never read or write the snapshot directly.
package client

import (
	"context"

	"ledgersync/internal/authority"
	"ledgersync/internal/core"
	"ledgersync/internal/executor"
	"ledgersync/internal/intent"
	"ledgersync/internal/log"
	"ledgersync/internal/push"
	"ledgersync/internal/revalidate"
	"ledgersync/internal/store"
)

// Authority is the full boundary toward the persistence tier.
// *authority.Client satisfies it; tests plug in fakes.
type Authority interface {
	authority.Writer
	authority.Reader
}

// Options assembles the collaborators. Transport may be nil for an
// offline client (no cross-client convergence, everything else works).
type Options struct {
	UserID     string
	Authority  Authority
	Transport  push.Transport
	Revalidate revalidate.Config
	Push       push.Config
	Logger     *log.Logger
}

type Client struct {
	store     *store.Store
	executor  *executor.Executor
	scheduler *revalidate.Scheduler
	channel   *push.Channel
	logger    *log.Logger
}

func New(opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(log.DefaultConfig())
	}
	logger = logger.WithComponent(log.ComponentClient)

	st := store.New(logger)
	scheduler := revalidate.New(st, opts.Authority, opts.Revalidate, logger)
	exec := executor.New(st, opts.Authority, scheduler, logger)

	c := &Client{
		store:     st,
		executor:  exec,
		scheduler: scheduler,
		logger:    logger,
	}
	if opts.Transport != nil {
		c.channel = push.NewChannel(opts.Transport, opts.UserID, &pushHandler{
			store:     st,
			scheduler: scheduler,
			logger:    logger,
		}, opts.Push, logger)
	}
	return c
}

// Start performs the initial load, starts the interval trigger and
// connects the push channel.
func (c *Client) Start(ctx context.Context) error {
	c.scheduler.Track(store.KeyDashboard, store.KeyAccounts, store.KeyTransactionsAll, store.KeyGoals)
	for _, key := range []store.Key{store.KeyDashboard, store.KeyAccounts, store.KeyTransactionsAll, store.KeyGoals} {
		if err := c.scheduler.RefreshNow(ctx, key); err != nil {
			return err
		}
	}
	c.scheduler.Start(ctx)
	if c.channel != nil {
		c.channel.Connect(ctx)
	}
	return nil
}

// Stop disposes the push channel and halts the scheduler.
func (c *Client) Stop() {
	if c.channel != nil {
		c.channel.Dispose()
	}
	c.scheduler.Stop()
}

// Subscribe registers a view on one cache key and returns the current
// value plus an unsubscribe func.
func (c *Client) Subscribe(key store.Key, fn store.Listener) (any, func()) {
	return c.store.Subscribe(key, fn)
}

// Dispatch runs one mutation intent through the optimistic executor.
func (c *Client) Dispatch(ctx context.Context, in intent.Intent) (*executor.Result, error) {
	return c.executor.Execute(ctx, in)
}

// Focus forwards a window-focus regain to the scheduler.
func (c *Client) Focus(ctx context.Context) {
	c.scheduler.Focus(ctx)
}

// PushState exposes the channel state for diagnostics.
func (c *Client) PushState() push.State {
	if c.channel == nil {
		return push.StateDisconnected
	}
	return c.channel.State()
}

// pushHandler translates channel events into store operations: a hint
// invalidates and refreshes the matching keys, a full snapshot
// replaces the cache directly, and every (re)join triggers an
// unconditional revalidation to cover the disconnect window.
type pushHandler struct {
	store     *store.Store
	scheduler *revalidate.Scheduler
	logger    *log.Logger
}

func (h *pushHandler) HandleJoined(ctx context.Context) {
	h.scheduler.Reconnect(ctx)
}

func (h *pushHandler) HandleNotification(ctx context.Context, n push.Notification) {
	if n.Snapshot != nil {
		snap := n.Snapshot
		h.store.Write(store.KeyDashboard, snap.Dashboard)
		h.store.Write(store.KeyAccounts, snap.Accounts)
		h.store.Write(store.KeyTransactionsAll, snap.Transactions)
		h.store.Write(store.KeyGoals, snap.Goals)
		// Materialized per-account lists must converge in the same
		// delivery as the unscoped list.
		for _, key := range h.store.Keys() {
			id, ok := store.AccountScope(key)
			if !ok {
				continue
			}
			scoped := make([]core.Transaction, 0, len(snap.Transactions))
			for _, tx := range snap.Transactions {
				if tx.AccountID == id {
					scoped = append(scoped, tx)
				}
			}
			h.store.Write(key, scoped)
		}
		h.logger.DebugContext(ctx, "cache replaced from push snapshot",
			log.FieldVersion, snap.Version)
		return
	}

	pred := predicateFor(n)
	matched := h.store.Invalidate(pred)
	h.scheduler.Refresh(matched...)
	h.logger.DebugContext(ctx, "change hint applied",
		log.FieldResource, n.Resource,
		log.FieldScopeKey, n.ScopeKey,
		log.FieldTrigger, log.TriggerPushHint)
}

func predicateFor(n push.Notification) func(store.Key) bool {
	if n.ScopeKey != "" {
		return store.Exact(store.Key(n.Resource + ":" + n.ScopeKey))
	}
	return store.Prefix(n.Resource)
}
