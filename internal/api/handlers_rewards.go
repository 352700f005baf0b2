package api

import (
	"net/http"

	"github.com/gorilla/mux"

	apperrors "github.com/matrix-engine/internal/errors"
	"github.com/matrix-engine/internal/types"
)

type claimRequest struct {
	Wallet string `json:"wallet"`
}

// handleListRewards handles GET /api/members/{wallet}/rewards?status=pending
func (s *Server) handleListRewards(w http.ResponseWriter, r *http.Request) {
	wallet, ok := walletParam(w, mux.Vars(r)["wallet"])
	if !ok {
		return
	}
	status := types.ClaimStatus(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		respondAppError(w, apperrors.NewInvalidParameterError("status", "unknown claim status"))
		return
	}

	claims, err := s.service.ListClaims(r.Context(), wallet, status, limitParam(r))
	if err != nil {
		respondAppError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"wallet": wallet,
		"claims": claims,
	})
}

// handleGetReward handles GET /api/rewards/{id}
func (s *Server) handleGetReward(w http.ResponseWriter, r *http.Request) {
	claim, err := s.service.GetClaim(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondAppError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, claim)
}

// handleClaimReward handles POST /api/rewards/{id}/claim
func (s *Server) handleClaimReward(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if !decodeBody(w, r, &req) {
		return
	}
	wallet, ok := walletParam(w, req.Wallet)
	if !ok {
		return
	}

	claim, bal, err := s.service.ClaimReward(r.Context(), mux.Vars(r)["id"], wallet)
	if err != nil {
		respondAppError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"claim":   claim,
		"balance": bal,
	})
}

// handleSweep handles POST /api/admin/rewards/sweep
func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	res, err := s.service.ProcessExpiredRewards(r.Context())
	if err != nil {
		respondAppError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// handleRetryQueue handles POST /api/admin/distributions/retry
func (s *Server) handleRetryQueue(w http.ResponseWriter, r *http.Request) {
	res, err := s.service.ProcessRetryQueue(r.Context(), limitParam(r))
	if err != nil {
		respondAppError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}
