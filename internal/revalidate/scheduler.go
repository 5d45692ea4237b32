// Package revalidate keeps the cache converging on authoritative
// truth. A refresh is a read-through replace: the fetched value lands
// unconditionally, with no attempt to merge into a still-pending
// optimistic value. When a refresh and an in-flight mutation race on
// one key, the later completion wins at the store, an accepted brief
// inconsistency that the next refresh corrects.
package revalidate

import (
	"context"
	"sync"
	"time"

	"ledgersync/internal/authority"
	"ledgersync/internal/log"
	"ledgersync/internal/store"
)

// Config holds the independently configurable triggers.
type Config struct {
	// Interval between periodic full refreshes; 0 disables the timer.
	Interval time.Duration
	// OnFocus enables refresh when the view layer reports focus regain.
	OnFocus bool
	// OnReconnect enables refresh when the push channel rejoins.
	OnReconnect bool
}

func DefaultConfig() Config {
	return Config{
		Interval:    5 * time.Minute,
		OnFocus:     true,
		OnReconnect: true,
	}
}

// Scheduler performs read-throughs against the authoritative tier and
// replaces cached values. Transient read failures are silent: the user
// is never shown stale-data errors, only mutation errors.
type Scheduler struct {
	store  *store.Store
	reader authority.Reader
	config Config
	logger *log.Logger

	mu      sync.Mutex
	gen     map[store.Key]uint64
	tracked map[store.Key]bool
	running bool
	stop    chan struct{}
	done    chan struct{}
}

func New(st *store.Store, reader authority.Reader, config Config, logger *log.Logger) *Scheduler {
	return &Scheduler{
		store:   st,
		reader:  reader,
		config:  config,
		logger:  logger.WithComponent(log.ComponentRevalidate),
		gen:     make(map[store.Key]uint64),
		tracked: make(map[store.Key]bool),
	}
}

// Track registers keys for periodic and full refreshes. Typically the
// composition root tracks dashboard, accounts, transactions:all and
// goals at startup.
func (s *Scheduler) Track(keys ...store.Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		s.tracked[k] = true
	}
}

// Start runs the interval trigger until ctx is done or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running || s.config.Interval <= 0 {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	s.mu.Unlock()

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.config.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			case <-ticker.C:
				s.refreshAll(ctx, log.TriggerInterval)
			}
		}
	}()
}

// Stop halts the interval trigger. On-demand refreshes keep working.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stop)
	done := s.done
	s.mu.Unlock()
	<-done
}

// Refresh queues an asynchronous read-through for each key. Implements
// executor.Revalidator: the executor calls this from write completion.
func (s *Scheduler) Refresh(keys ...store.Key) {
	for _, key := range keys {
		go s.refreshKey(context.Background(), key, log.TriggerDemand)
	}
}

// RefreshNow performs a synchronous read-through for one key. Used by
// initial load and by tests.
func (s *Scheduler) RefreshNow(ctx context.Context, key store.Key) error {
	return s.refreshKey(ctx, key, log.TriggerDemand)
}

// Focus handles a window-focus regain from the view layer.
func (s *Scheduler) Focus(ctx context.Context) {
	if !s.config.OnFocus {
		return
	}
	s.refreshAll(ctx, log.TriggerFocus)
}

// Reconnect handles a push-channel rejoin. Notifications missed during
// the disconnect window are compensated by this unconditional pass.
func (s *Scheduler) Reconnect(ctx context.Context) {
	if !s.config.OnReconnect {
		return
	}
	s.refreshAll(ctx, log.TriggerReconnect)
}

func (s *Scheduler) refreshAll(ctx context.Context, trigger string) {
	s.mu.Lock()
	keys := make([]store.Key, 0, len(s.tracked))
	for k := range s.tracked {
		keys = append(keys, k)
	}
	s.mu.Unlock()

	for _, key := range keys {
		if err := s.refreshKey(ctx, key, trigger); err != nil {
			// Retried on the next trigger; never surfaced to a view.
			s.logger.DebugContext(ctx, "refresh failed",
				log.FieldCacheKey, string(key),
				log.FieldTrigger, trigger,
				log.FieldError, err)
		}
	}
}

// refreshKey fetches one key's fragment and replaces the cached value,
// unless a newer refresh for the same key started while this one was
// in flight; the stale result is then discarded.
func (s *Scheduler) refreshKey(ctx context.Context, key store.Key, trigger string) error {
	kindName, scope := key.Resource()
	kind := authority.ResourceKind(kindName)

	s.mu.Lock()
	s.gen[key]++
	myGen := s.gen[key]
	s.tracked[key] = true
	s.mu.Unlock()

	frag, err := s.reader.Fetch(ctx, kind, scope)
	if err != nil {
		return err
	}

	s.mu.Lock()
	stale := s.gen[key] != myGen
	s.mu.Unlock()
	if stale {
		s.logger.DebugContext(ctx, "discarding superseded refresh result",
			log.FieldCacheKey, string(key))
		return nil
	}

	switch kind {
	case authority.ResourceDashboard:
		if frag.Dashboard != nil {
			s.store.Write(key, *frag.Dashboard)
		}
	case authority.ResourceAccounts:
		s.store.Write(key, frag.Accounts)
	case authority.ResourceTransactions:
		s.store.Write(key, frag.Transactions)
	case authority.ResourceGoals:
		s.store.Write(key, frag.Goals)
	}

	s.logger.DebugContext(ctx, "cache refreshed",
		log.FieldCacheKey, string(key),
		log.FieldTrigger, trigger)
	return nil
}
