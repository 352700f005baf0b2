package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	apperrors "github.com/matrix-engine/internal/errors"
)

type registerRequest struct {
	Wallet string `json:"wallet"`
}

type purchaseRequest struct {
	Referrer *string `json:"referrer,omitempty"`
	TxHash   string  `json:"txHash"`
}

type upgradeRequest struct {
	Level  int    `json:"level"`
	TxHash string `json:"txHash"`
}

// handleRegister handles POST /api/members
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decodeBody(w, r, &req) {
		return
	}
	wallet, ok := walletParam(w, req.Wallet)
	if !ok {
		return
	}

	member, err := s.service.Register(r.Context(), wallet)
	if err != nil {
		respondAppError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, member)
}

// handleGetMember handles GET /api/members/{wallet}
func (s *Server) handleGetMember(w http.ResponseWriter, r *http.Request) {
	wallet, ok := walletParam(w, mux.Vars(r)["wallet"])
	if !ok {
		return
	}

	member, err := s.service.GetMember(r.Context(), wallet)
	if err != nil {
		respondAppError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, member)
}

// handleActivate handles POST /api/members/{wallet}/activate. Replaying a
// request with the same txHash resumes an interrupted activation.
func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	wallet, ok := walletParam(w, mux.Vars(r)["wallet"])
	if !ok {
		return
	}
	var req purchaseRequest
	if !decodeBody(w, r, &req) {
		return
	}

	var referrer *string
	if req.Referrer != nil && *req.Referrer != "" {
		ref, ok := walletParam(w, *req.Referrer)
		if !ok {
			return
		}
		referrer = &ref
	}

	res, err := s.service.ActivateMembership(r.Context(), wallet, referrer, req.TxHash)
	if err != nil {
		respondAppError(w, err)
		return
	}

	status := http.StatusCreated
	if res.Resumed {
		status = http.StatusOK
	}
	respondJSON(w, status, res)
}

// handleUpgrade handles POST /api/members/{wallet}/upgrade
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	wallet, ok := walletParam(w, mux.Vars(r)["wallet"])
	if !ok {
		return
	}
	var req upgradeRequest
	if !decodeBody(w, r, &req) {
		return
	}

	res, err := s.service.UpgradeLevel(r.Context(), wallet, req.Level, req.TxHash)
	if err != nil {
		respondAppError(w, err)
		return
	}

	status := http.StatusCreated
	if res.Resumed {
		status = http.StatusOK
	}
	respondJSON(w, status, res)
}

// handleEligibility handles GET /api/members/{wallet}/eligibility/{level}
func (s *Server) handleEligibility(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	wallet, ok := walletParam(w, vars["wallet"])
	if !ok {
		return
	}
	level, ok := intParam(w, "level", vars["level"], 0)
	if !ok {
		return
	}

	report, err := s.service.CheckEligibility(r.Context(), wallet, level)
	if err != nil {
		respondAppError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, report)
}

// handleReferrals handles GET /api/members/{wallet}/referrals
func (s *Server) handleReferrals(w http.ResponseWriter, r *http.Request) {
	wallet, ok := walletParam(w, mux.Vars(r)["wallet"])
	if !ok {
		return
	}

	referrals, err := s.service.ListDirectReferrals(r.Context(), wallet)
	if err != nil {
		respondAppError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"wallet":    wallet,
		"referrals": referrals,
		"count":     len(referrals),
	})
}

// handlePlacement handles GET /api/members/{wallet}/placement
func (s *Server) handlePlacement(w http.ResponseWriter, r *http.Request) {
	wallet, ok := walletParam(w, mux.Vars(r)["wallet"])
	if !ok {
		return
	}

	if _, err := s.service.GetMember(r.Context(), wallet); err != nil {
		respondAppError(w, err)
		return
	}
	placement, err := s.service.GetPlacement(r.Context(), wallet)
	if err != nil {
		respondAppError(w, err)
		return
	}
	if placement == nil {
		respondAppError(w, apperrors.NewNotFoundError(apperrors.CodeMemberNotFound, "placement", wallet))
		return
	}
	respondJSON(w, http.StatusOK, placement)
}

// handleActivity handles GET /api/members/{wallet}/activity?since=RFC3339
func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	wallet, ok := walletParam(w, mux.Vars(r)["wallet"])
	if !ok {
		return
	}

	since := s.clock.Now().UTC().Add(-30 * 24 * time.Hour)
	if raw := r.URL.Query().Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			respondAppError(w, apperrors.NewInvalidParameterError("since", "must be an RFC3339 timestamp"))
			return
		}
		since = t
	}

	summary, err := s.service.GetActivitySummary(r.Context(), wallet, since)
	if err != nil {
		respondAppError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, summary)
}

// handleTiers handles GET /api/tiers
func (s *Server) handleTiers(w http.ResponseWriter, r *http.Request) {
	tiers, err := s.service.ListTiers(r.Context())
	if err != nil {
		respondAppError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"tiers": tiers})
}
