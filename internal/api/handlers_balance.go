package api

import (
	"net/http"

	"github.com/gorilla/mux"
)

type transferRequest struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Amount    string `json:"amount"`
	Reference string `json:"reference,omitempty"`
}

type withdrawRequest struct {
	Amount    string `json:"amount"`
	Reference string `json:"reference,omitempty"`
}

// handleGetBalance handles GET /api/members/{wallet}/balance
func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	wallet, ok := walletParam(w, mux.Vars(r)["wallet"])
	if !ok {
		return
	}

	bal, err := s.service.GetBalance(r.Context(), wallet)
	if err != nil {
		respondAppError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, bal)
}

// handleBalanceEntries handles GET /api/members/{wallet}/balance/entries
func (s *Server) handleBalanceEntries(w http.ResponseWriter, r *http.Request) {
	wallet, ok := walletParam(w, mux.Vars(r)["wallet"])
	if !ok {
		return
	}

	entries, err := s.service.ListBalanceEntries(r.Context(), wallet, limitParam(r))
	if err != nil {
		respondAppError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"wallet":  wallet,
		"entries": entries,
	})
}

// handleTransfer handles POST /api/balances/transfer. Repeating a request
// with the same reference is a no-op.
func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if !decodeBody(w, r, &req) {
		return
	}
	from, ok := walletParam(w, req.From)
	if !ok {
		return
	}
	to, ok := walletParam(w, req.To)
	if !ok {
		return
	}
	amount, ok := amountParam(w, req.Amount)
	if !ok {
		return
	}

	fromBal, toBal, err := s.service.TransferBcc(r.Context(), from, to, amount, req.Reference)
	if err != nil {
		respondAppError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"from": fromBal,
		"to":   toBal,
	})
}

// handleReleaseRewardBcc handles POST /api/members/{wallet}/rewards/release-bcc
func (s *Server) handleReleaseRewardBcc(w http.ResponseWriter, r *http.Request) {
	wallet, ok := walletParam(w, mux.Vars(r)["wallet"])
	if !ok {
		return
	}
	var req withdrawRequest
	if !decodeBody(w, r, &req) {
		return
	}
	amount, ok := amountParam(w, req.Amount)
	if !ok {
		return
	}

	bal, err := s.service.ReleaseRewardBcc(r.Context(), wallet, amount, req.Reference)
	if err != nil {
		respondAppError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, bal)
}

// handleWithdraw handles POST /api/members/{wallet}/withdraw
func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	wallet, ok := walletParam(w, mux.Vars(r)["wallet"])
	if !ok {
		return
	}
	var req withdrawRequest
	if !decodeBody(w, r, &req) {
		return
	}
	amount, ok := amountParam(w, req.Amount)
	if !ok {
		return
	}

	bal, err := s.service.WithdrawRewards(r.Context(), wallet, amount, req.Reference)
	if err != nil {
		respondAppError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, bal)
}
