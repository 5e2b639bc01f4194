package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/JakeFAU/roster-harvester/internal/harvest"
)

type putAccountRequest struct {
	Elevated    bool              `json:"elevated"`
	Credentials map[string]string `json:"credentials"`
}

// putAccount registers or replaces an account's credentials. The account starts ACTIVE.
func (s *Server) putAccount(w http.ResponseWriter, r *http.Request) {
	if s.accounts == nil {
		writeError(w, http.StatusServiceUnavailable, "account store unavailable")
		return
	}
	var req putAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req.Credentials) == 0 {
		writeError(w, http.StatusBadRequest, "credentials required")
		return
	}
	account := harvest.Account{
		ID:          chi.URLParam(r, "account_id"),
		Health:      harvest.HealthActive,
		Elevated:    req.Elevated,
		Credentials: req.Credentials,
	}
	if s.clock != nil {
		account.UpdatedAt = s.clock.Now()
	}
	if err := s.accounts.PutAccount(r.Context(), account); err != nil {
		s.writeDomainError(w, "put account", err)
		return
	}
	if s.guard != nil {
		// A replaced credential set clears any cached expiry.
		if err := s.guard.Reconnect(r.Context(), account.ID); err != nil {
			s.writeDomainError(w, "reconnect account", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"account": account})
}

func (s *Server) getAccount(w http.ResponseWriter, r *http.Request) {
	if s.accounts == nil {
		writeError(w, http.StatusServiceUnavailable, "account store unavailable")
		return
	}
	account, err := s.accounts.GetAccount(r.Context(), chi.URLParam(r, "account_id"))
	if err != nil {
		s.writeDomainError(w, "get account", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"account": account})
}

func (s *Server) reconnectAccount(w http.ResponseWriter, r *http.Request) {
	if s.guard == nil {
		writeError(w, http.StatusServiceUnavailable, "account guard unavailable")
		return
	}
	accountID := chi.URLParam(r, "account_id")
	if err := s.guard.Reconnect(r.Context(), accountID); err != nil {
		s.writeDomainError(w, "reconnect account", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"account_id": accountID, "health": string(harvest.HealthActive)})
}
