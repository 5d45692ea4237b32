// Package store is the key-addressed cache the views subscribe to.
// Exactly one current value exists per key; writes are last-write-wins
// and listeners are notified synchronously, so a mutation's optimistic
// value is observable by every subscriber before control returns to
// the dispatcher. Cross-key atomicity is not provided here: the
// executor writes all affected keys before yielding.
package store

import (
	"sync"

	"ledgersync/internal/log"
)

// Listener observes every write to one key.
type Listener func(key Key, value any)

type subscription struct {
	id int64
	fn Listener
}

// Store holds the current snapshot fragment per key.
type Store struct {
	mu      sync.Mutex
	entries map[Key]any
	subs    map[Key][]subscription
	nextSub int64
	logger  *log.Logger
}

func New(logger *log.Logger) *Store {
	return &Store{
		entries: make(map[Key]any),
		subs:    make(map[Key][]subscription),
		logger:  logger.WithComponent(log.ComponentStore),
	}
}

// Read returns the current value for key, if any.
func (s *Store) Read(key Key) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.entries[key]
	return v, ok
}

// Write replaces the value for key and notifies subscribers before
// returning. Last write wins.
func (s *Store) Write(key Key, value any) {
	s.mu.Lock()
	s.entries[key] = value
	listeners := append([]subscription(nil), s.subs[key]...)
	s.mu.Unlock()

	for _, sub := range listeners {
		sub.fn(key, value)
	}
}

// Subscribe registers a listener for key and returns the current value
// (nil if none) plus an unsubscribe func.
func (s *Store) Subscribe(key Key, fn Listener) (any, func()) {
	s.mu.Lock()
	s.nextSub++
	id := s.nextSub
	s.subs[key] = append(s.subs[key], subscription{id: id, fn: fn})
	current := s.entries[key]
	s.mu.Unlock()

	return current, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		subs := s.subs[key]
		for i := range subs {
			if subs[i].id == id {
				s.subs[key] = append(subs[:i:i], subs[i+1:]...)
				break
			}
		}
	}
}

// Invalidate drops every cached value whose key matches pred and
// returns the matched keys so the caller can schedule refreshes.
// Subscriptions survive invalidation; the next Write re-notifies.
// Keys that have subscribers but no cached value are matched too, so a
// view waiting on a never-fetched scope still gets its refresh.
func (s *Store) Invalidate(pred func(Key) bool) []Key {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[Key]bool)
	var matched []Key
	for key := range s.entries {
		if pred(key) {
			delete(s.entries, key)
			seen[key] = true
			matched = append(matched, key)
		}
	}
	for key, subs := range s.subs {
		if len(subs) > 0 && !seen[key] && pred(key) {
			matched = append(matched, key)
		}
	}

	if len(matched) > 0 {
		s.logger.Debug("invalidated cache keys", "count", len(matched))
	}
	return matched
}

// Keys returns every key that currently holds a value.
func (s *Store) Keys() []Key {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]Key, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	return keys
}
