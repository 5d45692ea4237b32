package server

import (
	"sync"
	"time"
)

// writeLimiter caps mutation throughput per user with a fixed one
// minute window. Reads are never limited; a runaway client hurts only
// its own write path.
type writeLimiter struct {
	mu        sync.Mutex
	perMinute int
	users     map[string]*writeWindow
}

type writeWindow struct {
	start    time.Time
	requests int
}

func newWriteLimiter(perMinute int) *writeLimiter {
	return &writeLimiter{
		perMinute: perMinute,
		users:     make(map[string]*writeWindow),
	}
}

func (l *writeLimiter) Allow(userID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	w, ok := l.users[userID]
	if !ok || now.Sub(w.start) > time.Minute {
		l.users[userID] = &writeWindow{start: now, requests: 1}
		return true
	}
	w.requests++
	return w.requests <= l.perMinute
}

// CleanStale drops windows idle for more than ten minutes and returns
// the count removed.
func (l *writeLimiter) CleanStale() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-10 * time.Minute)
	removed := 0
	for user, w := range l.users {
		if w.start.Before(cutoff) {
			delete(l.users, user)
			removed++
		}
	}
	return removed
}
