package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

type registerAccountRequest struct {
	LichessID string `json:"lichess_id"`
}

type creditRequest struct {
	Amount int    `json:"amount"`
	Reason string `json:"reason"`
}

func (s *Server) listAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := s.accounts.ListAccounts(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, accounts)
}

func (s *Server) registerAccount(w http.ResponseWriter, r *http.Request) {
	var req registerAccountRequest
	if err := readJSON(w, r, &req); err != nil {
		errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.LichessID == "" {
		errorResponse(w, http.StatusBadRequest, "lichess_id is required")
		return
	}

	a, err := s.accounts.RegisterAccount(r.Context(), req.LichessID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (s *Server) getAccount(w http.ResponseWriter, r *http.Request) {
	a, err := s.accounts.GetAccount(r.Context(), chi.URLParam(r, "lichessID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) creditAccount(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "lichessID")

	var req creditRequest
	if err := readJSON(w, r, &req); err != nil {
		errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.accounts.Credit(r.Context(), id, req.Amount, req.Reason); err != nil {
		s.fail(w, r, err)
		return
	}

	a, err := s.accounts.GetAccount(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}
