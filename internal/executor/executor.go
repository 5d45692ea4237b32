// Package executor is the optimistic mutation executor: one
// parameterized engine that applies every mutation kind through a
// strategy table, so the ledger invariants are enforced in exactly one
// place. For each Execute call the optimistic snapshot is published to
// the store synchronously, then the authoritative write is issued; on
// failure the prior snapshot is restored exactly, on success the
// server's truth is merged in and dependent keys are revalidated from
// the completion itself, never from a timer.
package executor

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"ledgersync/internal/authority"
	"ledgersync/internal/intent"
	"ledgersync/internal/log"
	"ledgersync/internal/store"
)

// Revalidator schedules a read-through refresh of cache keys. The
// scheduler implements it; refreshes run asynchronously and their
// failures are silent (retried on the next trigger).
type Revalidator interface {
	Refresh(keys ...store.Key)
}

// Result reports a confirmed mutation back to the dispatching view.
type Result struct {
	// Server is the authoritative truth merged into the cache.
	Server *authority.WriteResult
	// Keys are the cache keys the mutation wrote optimistically.
	Keys []store.Key
}

type Executor struct {
	store  *store.Store
	writer authority.Writer
	reval  Revalidator
	logger *log.Logger
}

func New(st *store.Store, writer authority.Writer, reval Revalidator, logger *log.Logger) *Executor {
	return &Executor{
		store:  st,
		writer: writer,
		reval:  reval,
		logger: logger.WithComponent(log.ComponentExecutor),
	}
}

// Execute runs one mutation intent through the guaranteed order:
// read, optimistic publish, authoritative write, merge-or-rollback.
// Retries are the caller's decision; Execute never retries on its own.
func (e *Executor) Execute(ctx context.Context, in intent.Intent) (*Result, error) {
	in = ensureProvisionalID(in)

	strat, ok := strategies[in.Kind()]
	if !ok {
		return nil, fmt.Errorf("no strategy for intent kind %q", in.Kind())
	}

	// Step 1-2: build the optimistic snapshot from current state and
	// publish it. Plan construction fails fast with NotFound before
	// anything is published.
	st := newState(e.store)
	pl, err := strat(st, in)
	if err != nil {
		return nil, err
	}
	st.publish()

	// Step 3: the authoritative write. Not cancelable once issued;
	// convergence on failure comes from rollback, not retry.
	res, err := e.writer.Apply(ctx, in)
	if err != nil {
		// Step 5: restore the pre-mutation snapshot exactly.
		st.rollback()
		typed := classify(err)
		e.logger.WarnContext(ctx, "authoritative write failed, rolled back",
			log.FieldIntent, string(in.Kind()),
			log.FieldError, err)
		return nil, typed
	}

	// Step 4: merge server truth (server-assigned IDs replace
	// provisional ones) and schedule the scoped revalidation.
	e.merge(ctx, res, pl.provisional)
	if e.reval != nil && len(pl.refresh) > 0 {
		e.reval.Refresh(pl.refresh...)
	}

	e.logger.DebugContext(ctx, "mutation confirmed",
		log.FieldIntent, string(in.Kind()),
		log.FieldVersion, res.Version)
	return &Result{Server: res, Keys: st.order}, nil
}

// ensureProvisionalID fills in a client-side identity for creates so
// the optimistic row is addressable until the server assigns the real
// one. Intents are values; the copy the server sees carries the same
// provisional ID for correlation.
func ensureProvisionalID(in intent.Intent) intent.Intent {
	switch v := in.(type) {
	case intent.CreateBudgetLine:
		if v.ProvisionalID == uuid.Nil {
			v.ProvisionalID = uuid.New()
		}
		return v
	case intent.CreateTransaction:
		if v.ProvisionalID == uuid.Nil {
			v.ProvisionalID = uuid.New()
		}
		return v
	}
	return in
}
