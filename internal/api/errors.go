package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/shopspring/decimal"

	apperrors "github.com/matrix-engine/internal/errors"
	"github.com/matrix-engine/internal/logging"
	"github.com/matrix-engine/internal/types"
)

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error types.ServiceError `json:"error"`
}

// respondError sends an error response.
func respondError(w http.ResponseWriter, statusCode int, code, message string, details map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := ErrorResponse{
		Error: types.ServiceError{
			Code:    code,
			Message: message,
			Details: details,
		},
	}

	_ = json.NewEncoder(w).Encode(response)
}

// respondAppError categorizes err and sends it with its status code.
// Internal causes are logged, never returned to the caller.
func respondAppError(w http.ResponseWriter, err error) {
	ce := apperrors.Categorize(err)
	if ce.StatusCode >= http.StatusInternalServerError {
		logging.Named("api").WithField("code", ce.Code).WithError(err).Error("Request failed")
	}

	details := ce.Details
	if ce.Category == apperrors.CategoryDatabase || ce.Category == apperrors.CategorySystem {
		details = nil
	}
	respondError(w, ce.StatusCode, ce.Code, ce.Message, details)
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// parseJSONBody parses JSON request body.
func parseJSONBody(r *http.Request, v interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(v)
}

// decodeBody parses the body and answers 400 on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := parseJSONBody(r, v); err != nil {
		respondAppError(w, apperrors.NewInvalidParameterError("body", err.Error()))
		return false
	}
	return true
}

// walletParam normalizes a wallet path or body value.
func walletParam(w http.ResponseWriter, raw string) (string, bool) {
	wallet, err := types.NormalizeWallet(raw)
	if err != nil {
		respondAppError(w, apperrors.NewInvalidWalletError(raw))
		return "", false
	}
	return wallet, true
}

// intParam parses an integer path or query value. Empty values yield def.
func intParam(w http.ResponseWriter, name, raw string, def int) (int, bool) {
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		respondAppError(w, apperrors.NewInvalidParameterError(name, "must be an integer"))
		return 0, false
	}
	return n, true
}

// amountParam parses a positive decimal amount.
func amountParam(w http.ResponseWriter, raw string) (decimal.Decimal, bool) {
	amount, err := decimal.NewFromString(raw)
	if err != nil || !amount.IsPositive() {
		respondAppError(w, apperrors.NewInvalidAmountError(raw))
		return decimal.Zero, false
	}
	return amount, true
}

// Pagination bounds for list endpoints
const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// limitParam clamps ?limit= into (0, maxListLimit].
func limitParam(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return defaultListLimit
	}
	if n > maxListLimit {
		return maxListLimit
	}
	return n
}
