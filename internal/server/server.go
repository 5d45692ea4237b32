package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"ledgersync/internal/cache"
	"ledgersync/internal/log"
	"ledgersync/internal/server/storage"
)

const userHeader = "X-User-ID"

// Server is the authoritative tier's HTTP surface. Reads come from
// the repository through a small per-user fragment cache; writes go
// through the ledger and invalidate that user's cached fragments.
type Server struct {
	http.Server

	ledger   *Ledger
	repo     *storage.Repository
	notifier *Notifier
	logger   *log.Logger

	fragments *cache.LRU[any]
	limiter   *writeLimiter

	stopCleanup  chan struct{}
	shutdownOnce sync.Once
}

// NewServer wires routes and returns a ready-to-run server. The
// notifier may be nil when AMQP is not configured; writes then rely on
// client-side revalidation alone.
func NewServer(addr string, ledger *Ledger, repo *storage.Repository, notifier *Notifier, logger *log.Logger) *Server {
	mux := http.NewServeMux()

	s := &Server{
		Server: http.Server{
			Addr:    addr,
			Handler: mux,
		},
		ledger:      ledger,
		repo:        repo,
		notifier:    notifier,
		logger:      logger.WithComponent(log.ComponentServer),
		fragments:   cache.NewLRU[any](512, 30*time.Second),
		limiter:     newWriteLimiter(120),
		stopCleanup: make(chan struct{}),
	}
	go s.cleanupLoop()

	mux.HandleFunc("GET /healthz", handleHealth)
	mux.HandleFunc("GET /readyz", handleHealth)

	mux.HandleFunc("GET /api/dashboard", s.withRequestLog(s.handleGetDashboard))
	mux.HandleFunc("GET /api/accounts", s.withRequestLog(s.handleGetAccounts))
	mux.HandleFunc("GET /api/transactions", s.withRequestLog(s.handleGetTransactions))
	mux.HandleFunc("GET /api/goals", s.withRequestLog(s.handleGetGoals))

	// Every write route decodes the same tagged intent envelope, so a
	// single handler covers them all.
	mux.HandleFunc("POST /api/budget-lines", s.withRequestLog(s.handleWrite))
	mux.HandleFunc("PUT /api/budget-lines/{id}", s.withRequestLog(s.handleWrite))
	mux.HandleFunc("DELETE /api/budget-lines/{id}", s.withRequestLog(s.handleWrite))
	mux.HandleFunc("PUT /api/budget-lines/{id}/move", s.withRequestLog(s.handleWrite))
	mux.HandleFunc("PUT /api/budget-lines/{id}/assign", s.withRequestLog(s.handleWrite))
	mux.HandleFunc("POST /api/transactions", s.withRequestLog(s.handleWrite))
	mux.HandleFunc("PUT /api/transactions/{id}", s.withRequestLog(s.handleWrite))
	mux.HandleFunc("DELETE /api/transactions/{id}", s.withRequestLog(s.handleWrite))
	mux.HandleFunc("PUT /api/goals/{id}", s.withRequestLog(s.handleWrite))

	return s
}

// Shutdown stops the HTTP listener and the cache cleanup goroutine.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.shutdownOnce.Do(func() {
		close(s.stopCleanup)
		err = s.Server.Shutdown(ctx)
	})
	return err
}

func (s *Server) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := s.fragments.CleanExpired(); n > 0 {
				s.logger.Debug("fragment cache cleanup", "entries_removed", n)
			}
			s.limiter.CleanStale()
		case <-s.stopCleanup:
			return
		}
	}
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// withRequestLog logs request start and completion with the final
// status code.
func (s *Server) withRequestLog(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next(rw, r)
		s.logger.Debug("request completed",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rw.status,
			log.FieldDuration, time.Since(start).Milliseconds())
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
