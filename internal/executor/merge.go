package executor

import (
	"context"

	"github.com/google/uuid"

	"ledgersync/internal/authority"
	"ledgersync/internal/core"
	"ledgersync/internal/derive"
	"ledgersync/internal/log"
	"ledgersync/internal/store"
)

// merge folds the server's confirmed truth into the cache: entities
// the server returned replace their cached counterparts (matching by
// server ID first, then by provisional ID for creates), and derived
// totals are refolded. Where the server's derived values disagree
// with the optimistic guess, the server wins silently.
func (e *Executor) merge(ctx context.Context, res *authority.WriteResult, provisional map[uuid.UUID]bool) {
	if res == nil {
		return
	}
	st := newState(e.store)

	if res.ToBeAssigned != nil || len(res.Lines) > 0 {
		if d, ok := st.dashboard(); ok {
			for _, serverLine := range res.Lines {
				e.mergeLine(ctx, &d, serverLine, provisional)
			}
			if res.ToBeAssigned != nil {
				d.ToBeAssigned = *res.ToBeAssigned
			}
			if res.Version > d.Version {
				d.Version = res.Version
			}
			st.set(store.KeyDashboard, derive.RecomputeDashboardTotals(d))
		}
	}

	if len(res.Accounts) > 0 {
		if accounts, ok := st.accounts(); ok {
			for _, serverAcc := range res.Accounts {
				if idx := core.FindAccount(accounts, serverAcc.ID); idx >= 0 {
					accounts[idx] = serverAcc
				}
			}
			st.set(store.KeyAccounts, accounts)
		}
	}

	if len(res.Transactions) > 0 {
		for _, key := range st.materializedTransactionKeys() {
			rows, ok := st.transactions(key)
			if !ok {
				continue
			}
			changed := false
			for _, serverTx := range res.Transactions {
				if idx := core.FindTransaction(rows, serverTx.ID); idx >= 0 {
					rows[idx] = serverTx
					changed = true
					continue
				}
				for i := range rows {
					if provisional[rows[i].ID] {
						rows[i] = serverTx
						changed = true
						break
					}
				}
			}
			if changed {
				st.set(key, rows)
			}
		}
	}

	if len(res.Goals) > 0 {
		if goals, ok := st.goals(); ok {
			for _, serverGoal := range res.Goals {
				for i := range goals {
					if goals[i].ID == serverGoal.ID {
						goals[i] = serverGoal
					}
				}
			}
			st.set(store.KeyGoals, goals)
		}
	}

	st.publish()
}

func (e *Executor) mergeLine(ctx context.Context, d *core.Dashboard, serverLine core.BudgetLine, provisional map[uuid.UUID]bool) {
	if cached, ok := d.Line(serverLine.ID); ok {
		e.noteConflict(ctx, *cached, serverLine)
		*cached = serverLine
		return
	}
	// A create: swap the provisional row for the server-identified one.
	for gi := range d.Groups {
		lines := d.Groups[gi].Lines
		for li := range lines {
			if provisional[lines[li].ID] {
				e.noteConflict(ctx, lines[li], serverLine)
				lines[li] = serverLine
				return
			}
		}
	}
	// Not present locally (e.g. a revalidation raced the write and
	// replaced the cache). Attach to its group if we have it.
	if group, ok := d.Group(serverLine.GroupID); ok {
		group.Lines = append(group.Lines, serverLine)
	}
}

// noteConflict logs when the server's derived totals differ from the
// optimistic guess. Resolved by trusting the server; never an error.
func (e *Executor) noteConflict(ctx context.Context, optimistic, server core.BudgetLine) {
	if optimistic.Available.Equal(server.Available) && optimistic.Budgeted.Equal(server.Budgeted) {
		return
	}
	e.logger.DebugContext(ctx, "optimistic value superseded by server truth",
		log.FieldError, string(KindConflictOnMerge),
		log.FieldEntityID, server.ID.String(),
		"optimistic_available", optimistic.Available.String(),
		"server_available", server.Available.String())
}
