package executor

import (
	"ledgersync/internal/core"
	"ledgersync/internal/store"
)

// state is the working set of one mutation: deep copies of every
// fragment the strategy touches, plus the untouched prior values so a
// failed write can be restored byte for byte. Values handed to the
// store are treated as immutable; all mutation happens on the copies
// held here.
type state struct {
	store   *store.Store
	order   []store.Key
	prior   map[store.Key]any
	missing map[store.Key]bool
	writes  map[store.Key]any
}

func newState(st *store.Store) *state {
	return &state{
		store:   st,
		prior:   make(map[store.Key]any),
		missing: make(map[store.Key]bool),
		writes:  make(map[store.Key]any),
	}
}

// touch records the prior value of a key the first time it is read.
func (s *state) touch(key store.Key) (any, bool) {
	if v, seen := s.writes[key]; seen {
		return v, true
	}
	v, ok := s.store.Read(key)
	if _, recorded := s.prior[key]; !recorded && !s.missing[key] {
		if ok {
			s.prior[key] = v
		} else {
			s.missing[key] = true
		}
	}
	return v, ok
}

func (s *state) set(key store.Key, value any) {
	if _, queued := s.writes[key]; !queued {
		// Record the prior value even for blind writes.
		if _, recorded := s.prior[key]; !recorded && !s.missing[key] {
			if v, ok := s.store.Read(key); ok {
				s.prior[key] = v
			} else {
				s.missing[key] = true
			}
		}
		s.order = append(s.order, key)
	}
	s.writes[key] = value
}

// dashboard returns a mutable clone of the cached dashboard.
func (s *state) dashboard() (core.Dashboard, bool) {
	v, ok := s.touch(store.KeyDashboard)
	if !ok {
		return core.Dashboard{}, false
	}
	d, ok := v.(core.Dashboard)
	if !ok {
		return core.Dashboard{}, false
	}
	return d.Clone(), true
}

// accounts returns a mutable copy of the cached account list.
func (s *state) accounts() ([]core.Account, bool) {
	v, ok := s.touch(store.KeyAccounts)
	if !ok {
		return nil, false
	}
	accs, ok := v.([]core.Account)
	if !ok {
		return nil, false
	}
	return append([]core.Account(nil), accs...), true
}

// transactions returns a mutable copy of one materialized list.
func (s *state) transactions(key store.Key) ([]core.Transaction, bool) {
	v, ok := s.touch(key)
	if !ok {
		return nil, false
	}
	txs, ok := v.([]core.Transaction)
	if !ok {
		return nil, false
	}
	return append([]core.Transaction(nil), txs...), true
}

// goals returns a mutable copy of the cached goal list.
func (s *state) goals() ([]core.Goal, bool) {
	v, ok := s.touch(store.KeyGoals)
	if !ok {
		return nil, false
	}
	gs, ok := v.([]core.Goal)
	if !ok {
		return nil, false
	}
	return append([]core.Goal(nil), gs...), true
}

// materializedTransactionKeys lists every transaction list currently
// held by the store, including any queued for write in this mutation.
func (s *state) materializedTransactionKeys() []store.Key {
	seen := make(map[store.Key]bool)
	var keys []store.Key
	for _, k := range s.store.Keys() {
		if k.HasPrefix("transactions:") && !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	for k := range s.writes {
		if k.HasPrefix("transactions:") && !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	return keys
}

// publish writes every queued value in registration order. All
// affected keys land before control returns to the dispatcher, which
// is what makes a multi-key mutation a single observable transition.
func (s *state) publish() {
	for _, key := range s.order {
		s.store.Write(key, s.writes[key])
	}
}

// rollback restores the exact prior value of every written key. Keys
// that held nothing before are emptied again.
func (s *state) rollback() {
	for _, key := range s.order {
		if s.missing[key] {
			s.store.Invalidate(store.Exact(key))
			continue
		}
		s.store.Write(key, s.prior[key])
	}
}
