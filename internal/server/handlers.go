package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"

	"ledgersync/internal/authority"
	"ledgersync/internal/core"
	"ledgersync/internal/derive"
	"ledgersync/internal/intent"
	"ledgersync/internal/log"
)

const maxBodySize = 256 << 10

func (s *Server) handleGetDashboard(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireUser(w, r)
	if !ok {
		return
	}

	key := userID + ":dashboard"
	if cached, ok := s.fragments.Get(key); ok {
		writeJSON(w, http.StatusOK, cached)
		return
	}

	d, err := s.repo.Dashboard(r.Context(), userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	// The repository hands back base fields only; derive fills in
	// available, status and the rollup totals.
	d = derive.RecomputeDashboardTotals(d)

	s.fragments.Set(key, d)
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleGetAccounts(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireUser(w, r)
	if !ok {
		return
	}

	key := userID + ":accounts"
	if cached, ok := s.fragments.Get(key); ok {
		writeJSON(w, http.StatusOK, cached)
		return
	}

	accounts, err := s.repo.Accounts(r.Context(), userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.fragments.Set(key, accounts)
	writeJSON(w, http.StatusOK, accounts)
}

func (s *Server) handleGetTransactions(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireUser(w, r)
	if !ok {
		return
	}

	accountID := uuid.Nil
	key := userID + ":transactions"
	if raw := r.URL.Query().Get("account"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			s.writeError(w, r, &authority.APIError{
				Status:  http.StatusBadRequest,
				Message: "invalid account id",
				Fields:  map[string]string{"account": "must be a UUID"},
			})
			return
		}
		accountID = id
		key += ":account=" + id.String()
	}

	if cached, ok := s.fragments.Get(key); ok {
		writeJSON(w, http.StatusOK, cached)
		return
	}

	txs, err := s.repo.Transactions(r.Context(), userID, accountID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.fragments.Set(key, txs)
	writeJSON(w, http.StatusOK, txs)
}

func (s *Server) handleGetGoals(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireUser(w, r)
	if !ok {
		return
	}

	key := userID + ":goals"
	if cached, ok := s.fragments.Get(key); ok {
		writeJSON(w, http.StatusOK, cached)
		return
	}

	goals, err := s.repo.Goals(r.Context(), userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.fragments.Set(key, goals)
	writeJSON(w, http.StatusOK, goals)
}

// handleWrite serves every mutation route: the body carries a tagged
// intent envelope, so one decode path covers all thirteen kinds.
func (s *Server) handleWrite(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	if !s.limiter.Allow(userID) {
		w.Header().Set("Retry-After", "60")
		writeJSON(w, http.StatusTooManyRequests, &authority.APIError{
			Status:  http.StatusTooManyRequests,
			Message: "write rate limit exceeded",
		})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		s.writeError(w, r, &authority.APIError{
			Status:  http.StatusBadRequest,
			Message: "read request body: " + err.Error(),
		})
		return
	}
	in, err := intent.Unmarshal(body)
	if err != nil {
		s.writeError(w, r, &authority.APIError{
			Status:  http.StatusBadRequest,
			Message: "decode intent: " + err.Error(),
		})
		return
	}

	res, err := s.ledger.Apply(r.Context(), userID, in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	// Committed state changed; cached fragments for this user are stale.
	s.fragments.DeletePrefix(userID + ":")
	if s.notifier != nil {
		s.notifier.NotifyWrite(r.Context(), userID, res)
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := r.Header.Get(userHeader)
	if userID == "" {
		writeJSON(w, http.StatusUnauthorized, &authority.APIError{
			Status:  http.StatusUnauthorized,
			Message: "missing " + userHeader + " header",
		})
		return "", false
	}
	return userID, true
}

// writeError maps domain errors onto the wire error shape the client
// understands. Missing entities are 404, rejected values 422,
// anything else 500.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var apiErr *authority.APIError
	if errors.As(err, &apiErr) {
		writeJSON(w, apiErr.Status, apiErr)
		return
	}

	switch {
	case errors.Is(err, core.ErrLineNotFound),
		errors.Is(err, core.ErrGroupNotFound),
		errors.Is(err, core.ErrAccountNotFound),
		errors.Is(err, core.ErrTransactionNotFound),
		errors.Is(err, core.ErrGoalNotFound):
		writeJSON(w, http.StatusNotFound, &authority.APIError{
			Status:  http.StatusNotFound,
			Message: err.Error(),
		})
	case errors.Is(err, core.ErrEmptyName):
		writeJSON(w, http.StatusUnprocessableEntity, &authority.APIError{
			Status:  http.StatusUnprocessableEntity,
			Message: err.Error(),
			Fields:  map[string]string{"name": "must not be empty"},
		})
	case errors.Is(err, core.ErrInvalidAmount):
		writeJSON(w, http.StatusUnprocessableEntity, &authority.APIError{
			Status:  http.StatusUnprocessableEntity,
			Message: err.Error(),
			Fields:  map[string]string{"amount": "not a usable amount"},
		})
	default:
		s.logger.Error("request failed",
			log.FieldError, err,
			"method", r.Method,
			"path", r.URL.Path)
		writeJSON(w, http.StatusInternalServerError, &authority.APIError{
			Status:  http.StatusInternalServerError,
			Message: "internal error",
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
