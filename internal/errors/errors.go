// Package errors defines the categorized error taxonomy shared by every
// component of the matrix engine and the mapping from storage failures to it.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/matrix-engine/internal/types"
)

// ErrorCategory represents the category of an error
type ErrorCategory string

const (
	// CategoryValidation is a synchronous rejection with no side effects (4xx)
	CategoryValidation ErrorCategory = "validation"
	// CategoryConflict is a race lost to a concurrent writer
	CategoryConflict ErrorCategory = "conflict"
	// CategoryInvariant signals upstream bookkeeping corruption
	CategoryInvariant ErrorCategory = "invariant"
	// CategoryNotFound represents unknown wallets and claims
	CategoryNotFound ErrorCategory = "not_found"
	// CategoryAuthorization represents wrong-wallet access
	CategoryAuthorization ErrorCategory = "authorization"
	// CategoryDatabase represents database errors
	CategoryDatabase ErrorCategory = "database"
	// CategoryCache represents cache errors
	CategoryCache ErrorCategory = "cache"
	// CategorySystem represents system errors (5xx)
	CategorySystem ErrorCategory = "system"
	// CategoryRateLimit represents rate limit errors
	CategoryRateLimit ErrorCategory = "rate_limit"
)

// Storage sentinels. Repositories return these (possibly wrapped) and the
// domain packages translate them into categorized errors.
var (
	// ErrNotFound is returned when a row does not exist
	ErrNotFound = stderrors.New("not found")
	// ErrSlotTaken is returned when (matrix_root, matrix_parent, matrix_position) is occupied
	ErrSlotTaken = stderrors.New("matrix slot already taken")
	// ErrStaleState is returned when a conditional update matched no row
	ErrStaleState = stderrors.New("state changed concurrently")
	// ErrDuplicate is returned when a unique key already exists
	ErrDuplicate = stderrors.New("duplicate key")
)

// CategorizedError represents an error with category and HTTP status code
type CategorizedError struct {
	Category   ErrorCategory
	StatusCode int
	Code       string
	Message    string
	Details    map[string]interface{}
	Cause      error
}

// Error implements the error interface
func (e *CategorizedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *CategorizedError) Unwrap() error {
	return e.Cause
}

// Is matches another CategorizedError by code, so callers can write
// errors.Is(err, errors.NonSequentialLevel(0, 0)) or compare against Code().
func (e *CategorizedError) Is(target error) bool {
	t, ok := target.(*CategorizedError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// ToServiceError converts to a ServiceError
func (e *CategorizedError) ToServiceError() *types.ServiceError {
	return &types.ServiceError{
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
	}
}

// Error codes
const (
	CodeInvalidWallet               = "INVALID_WALLET"
	CodeInvalidTxHash               = "INVALID_TX_HASH"
	CodeInvalidLevel                = "INVALID_LEVEL"
	CodeInvalidAmount               = "INVALID_AMOUNT"
	CodeInvalidParameter            = "INVALID_PARAMETER"
	CodeNonSequentialLevel          = "NON_SEQUENTIAL_LEVEL"
	CodeAlreadyOwned                = "ALREADY_OWNED"
	CodeSelfReferral                = "SELF_REFERRAL"
	CodeUnregisteredReferrer        = "UNREGISTERED_REFERRER"
	CodeInsufficientDirectReferrals = "INSUFFICIENT_DIRECT_REFERRALS"
	CodeAlreadyRegistered           = "ALREADY_REGISTERED"
	CodeNotActivated                = "NOT_ACTIVATED"
	CodePlacementConflict           = "PLACEMENT_CONFLICT"
	CodeAlreadyPlaced               = "ALREADY_PLACED"
	CodeMatrixFull                  = "MATRIX_FULL"
	CodeStaleMemberState            = "STALE_MEMBER_STATE"
	CodeMemberNotFound              = "MEMBER_NOT_FOUND"
	CodeClaimNotFound               = "CLAIM_NOT_FOUND"
	CodeAlreadyResolved             = "ALREADY_RESOLVED"
	CodeWindowExpired               = "WINDOW_EXPIRED"
	CodeUnauthorized                = "UNAUTHORIZED"
	CodeInsufficientBalance         = "INSUFFICIENT_BALANCE"
	CodeInsufficientLockedPool      = "INSUFFICIENT_LOCKED_POOL"
	CodeNegativeBucket              = "NEGATIVE_BUCKET"
	CodeDatabaseError               = "DATABASE_ERROR"
	CodeCacheError                  = "CACHE_ERROR"
	CodeInternalError               = "INTERNAL_ERROR"
	CodeRateLimitExceeded           = "RATE_LIMIT_EXCEEDED"
	CodeDuplicateTxHash             = "DUPLICATE_TX_HASH"
	CodeDuplicateReference          = "DUPLICATE_REFERENCE"
)

func validation(code, message string, details map[string]interface{}) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryValidation,
		StatusCode: http.StatusBadRequest,
		Code:       code,
		Message:    message,
		Details:    details,
	}
}

// Validation errors (4xx)

// NewInvalidWalletError creates an invalid wallet error
func NewInvalidWalletError(wallet string) *CategorizedError {
	return validation(CodeInvalidWallet, fmt.Sprintf("invalid wallet address: %s", wallet),
		map[string]interface{}{"wallet": wallet})
}

// NewInvalidTxHashError creates an invalid transaction hash error
func NewInvalidTxHashError(hash string) *CategorizedError {
	return validation(CodeInvalidTxHash, fmt.Sprintf("invalid transaction hash: %s", hash),
		map[string]interface{}{"txHash": hash})
}

// NewInvalidLevelError creates an invalid level error
func NewInvalidLevelError(level int) *CategorizedError {
	return validation(CodeInvalidLevel, fmt.Sprintf("level %d is outside 1..%d", level, types.MaxLevel),
		map[string]interface{}{"level": level})
}

// NewInvalidAmountError creates an invalid amount error
func NewInvalidAmountError(amount string) *CategorizedError {
	return validation(CodeInvalidAmount, fmt.Sprintf("amount must be positive: %s", amount),
		map[string]interface{}{"amount": amount})
}

// NewInvalidParameterError creates an invalid parameter error
func NewInvalidParameterError(param string, reason string) *CategorizedError {
	return validation(CodeInvalidParameter, fmt.Sprintf("invalid parameter '%s': %s", param, reason),
		map[string]interface{}{"parameter": param, "reason": reason})
}

// NonSequentialLevel is returned when a level is requested out of order
func NonSequentialLevel(requested, current int) *CategorizedError {
	return validation(CodeNonSequentialLevel,
		fmt.Sprintf("level %d requires owning level %d first (current level %d)", requested, requested-1, current),
		map[string]interface{}{"requestedLevel": requested, "currentLevel": current})
}

// AlreadyOwned is returned when a level has already been purchased
func AlreadyOwned(level int) *CategorizedError {
	return validation(CodeAlreadyOwned, fmt.Sprintf("level %d is already owned", level),
		map[string]interface{}{"level": level})
}

// SelfReferral is returned when a wallet names itself as referrer
func SelfReferral(wallet string) *CategorizedError {
	return validation(CodeSelfReferral, "a wallet cannot refer itself",
		map[string]interface{}{"wallet": wallet})
}

// UnregisteredReferrer is returned when the referrer has no member record
func UnregisteredReferrer(referrer string) *CategorizedError {
	return validation(CodeUnregisteredReferrer, fmt.Sprintf("referrer is not registered: %s", referrer),
		map[string]interface{}{"referrer": referrer})
}

// InsufficientDirectReferrals is returned when a level needs more activated direct referrals
func InsufficientDirectReferrals(level, required, have int) *CategorizedError {
	return validation(CodeInsufficientDirectReferrals,
		fmt.Sprintf("level %d requires %d activated direct referrals (have %d)", level, required, have),
		map[string]interface{}{"level": level, "required": required, "have": have})
}

// NotActivated is returned when an operation needs an activated member
func NotActivated(wallet string) *CategorizedError {
	return validation(CodeNotActivated, fmt.Sprintf("member is not activated: %s", wallet),
		map[string]interface{}{"wallet": wallet})
}

// WindowExpired is returned when a claim is attempted after expires_at
func WindowExpired(claimID string) *CategorizedError {
	return validation(CodeWindowExpired, fmt.Sprintf("claim window has closed: %s", claimID),
		map[string]interface{}{"claimId": claimID})
}

// InsufficientBalance is returned when a debit exceeds the bucket balance
func InsufficientBalance(wallet string, bucket types.Bucket, have, want string) *CategorizedError {
	return validation(CodeInsufficientBalance,
		fmt.Sprintf("insufficient %s balance: have %s, need %s", bucket, have, want),
		map[string]interface{}{"wallet": wallet, "bucket": bucket, "available": have, "requested": want})
}

// Conflict errors (409)

func conflict(code, message string, details map[string]interface{}, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryConflict,
		StatusCode: http.StatusConflict,
		Code:       code,
		Message:    message,
		Details:    details,
		Cause:      cause,
	}
}

// AlreadyRegistered is returned when a wallet is registered twice
func AlreadyRegistered(wallet string) *CategorizedError {
	return conflict(CodeAlreadyRegistered, fmt.Sprintf("wallet already registered: %s", wallet),
		map[string]interface{}{"wallet": wallet}, nil)
}

// PlacementConflict is returned when placement retries are exhausted
func PlacementConflict(member, root string, attempts int, cause error) *CategorizedError {
	return conflict(CodePlacementConflict,
		fmt.Sprintf("could not place %s in matrix %s after %d attempts", member, root, attempts),
		map[string]interface{}{"member": member, "root": root, "attempts": attempts}, cause)
}

// AlreadyPlaced is returned when a member already holds a placement
func AlreadyPlaced(member string) *CategorizedError {
	return conflict(CodeAlreadyPlaced, fmt.Sprintf("member already placed: %s", member),
		map[string]interface{}{"member": member}, nil)
}

// DuplicateTxHash is returned when a purchase reuses a recorded transaction
func DuplicateTxHash(hash string) *CategorizedError {
	return conflict(CodeDuplicateTxHash, fmt.Sprintf("transaction already recorded: %s", hash),
		map[string]interface{}{"txHash": hash}, ErrDuplicate)
}

// DuplicateReference is returned when a balance reference was already used
// by a different operation
func DuplicateReference(reference string) *CategorizedError {
	return conflict(CodeDuplicateReference, fmt.Sprintf("reference already used by a different operation: %s", reference),
		map[string]interface{}{"reference": reference}, ErrDuplicate)
}

// MatrixFull is returned when no open slot exists within the depth limit
func MatrixFull(root string, maxDepth int) *CategorizedError {
	return conflict(CodeMatrixFull, fmt.Sprintf("matrix %s has no open slot within %d layers", root, maxDepth),
		map[string]interface{}{"root": root, "maxDepth": maxDepth}, nil)
}

// StaleMemberState is returned when a level purchase raced another update
func StaleMemberState(wallet string, cause error) *CategorizedError {
	return conflict(CodeStaleMemberState, fmt.Sprintf("member state changed concurrently: %s", wallet),
		map[string]interface{}{"wallet": wallet}, cause)
}

// AlreadyResolved is returned when a claim is no longer pending
func AlreadyResolved(claimID string, status types.ClaimStatus) *CategorizedError {
	return conflict(CodeAlreadyResolved, fmt.Sprintf("claim %s is already %s", claimID, status),
		map[string]interface{}{"claimId": claimID, "status": status}, nil)
}

// Not found errors (404)

// NewNotFoundError creates a generic not found error
func NewNotFoundError(code, resource, id string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryNotFound,
		StatusCode: http.StatusNotFound,
		Code:       code,
		Message:    fmt.Sprintf("%s not found: %s", resource, id),
		Details: map[string]interface{}{
			"resource": resource,
			"id":       id,
		},
	}
}

// MemberNotFound is returned for unknown wallets
func MemberNotFound(wallet string) *CategorizedError {
	return NewNotFoundError(CodeMemberNotFound, "member", wallet)
}

// ClaimNotFound is returned for unknown claim ids
func ClaimNotFound(claimID string) *CategorizedError {
	return NewNotFoundError(CodeClaimNotFound, "reward claim", claimID)
}

// Unauthorized is returned when a wallet acts on a claim it does not own
func Unauthorized(message string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryAuthorization,
		StatusCode: http.StatusForbidden,
		Code:       CodeUnauthorized,
		Message:    message,
	}
}

// Invariant violations (500)

func invariant(code, message string, details map[string]interface{}) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryInvariant,
		StatusCode: http.StatusInternalServerError,
		Code:       code,
		Message:    message,
		Details:    details,
	}
}

// InsufficientLockedPool is returned when a level unlock exceeds the locked allocation
func InsufficientLockedPool(wallet string, level int, have, want string) *CategorizedError {
	return invariant(CodeInsufficientLockedPool,
		fmt.Sprintf("locked pool cannot cover level %d unlock: have %s, need %s", level, have, want),
		map[string]interface{}{"wallet": wallet, "level": level, "locked": have, "unlock": want})
}

// NegativeBucket is returned when a mutation would leave a bucket below zero
func NegativeBucket(wallet string, bucket types.Bucket, value string) *CategorizedError {
	return invariant(CodeNegativeBucket, fmt.Sprintf("bucket %s would become negative (%s)", bucket, value),
		map[string]interface{}{"wallet": wallet, "bucket": bucket, "value": value})
}

// System errors (5xx)

// NewInternalError creates an internal server error
func NewInternalError(message string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategorySystem,
		StatusCode: http.StatusInternalServerError,
		Code:       CodeInternalError,
		Message:    message,
		Cause:      cause,
	}
}

// NewDatabaseError creates a database error
func NewDatabaseError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryDatabase,
		StatusCode: http.StatusInternalServerError,
		Code:       CodeDatabaseError,
		Message:    fmt.Sprintf("database error during %s", operation),
		Cause:      cause,
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// NewCacheError creates a cache error
func NewCacheError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryCache,
		StatusCode: http.StatusInternalServerError,
		Code:       CodeCacheError,
		Message:    fmt.Sprintf("cache error during %s", operation),
		Cause:      cause,
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// NewRateLimitError creates a rate limit error
func NewRateLimitError(retryAfter int) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryRateLimit,
		StatusCode: http.StatusTooManyRequests,
		Code:       CodeRateLimitExceeded,
		Message:    "rate limit exceeded",
		Details: map[string]interface{}{
			"retryAfter": retryAfter,
		},
	}
}

// Categorize categorizes an existing error
func Categorize(err error) *CategorizedError {
	if err == nil {
		return nil
	}

	var catErr *CategorizedError
	if stderrors.As(err, &catErr) {
		return catErr
	}

	var svcErr *types.ServiceError
	if stderrors.As(err, &svcErr) {
		return &CategorizedError{
			Category:   CategorySystem,
			StatusCode: http.StatusInternalServerError,
			Code:       svcErr.Code,
			Message:    svcErr.Message,
			Details:    svcErr.Details,
		}
	}

	switch {
	case stderrors.Is(err, ErrNotFound):
		return NewNotFoundError("NOT_FOUND", "resource", err.Error())
	case stderrors.Is(err, ErrSlotTaken), stderrors.Is(err, ErrStaleState), stderrors.Is(err, ErrDuplicate):
		return conflict("CONFLICT", err.Error(), nil, err)
	}

	return NewInternalError("unexpected error", err)
}

// HasCode reports whether err categorizes to the given code
func HasCode(err error, code string) bool {
	catErr := Categorize(err)
	return catErr != nil && catErr.Code == code
}

// GetHTTPStatusCode returns the HTTP status code for an error
func GetHTTPStatusCode(err error) int {
	if catErr := Categorize(err); catErr != nil {
		return catErr.StatusCode
	}
	return http.StatusInternalServerError
}

// IsRetryable determines if an error is retryable
func IsRetryable(err error) bool {
	catErr := Categorize(err)
	if catErr == nil {
		return false
	}

	switch catErr.Category {
	case CategoryConflict, CategoryDatabase, CategoryCache:
		return true
	case CategorySystem:
		return catErr.StatusCode == http.StatusServiceUnavailable ||
			catErr.StatusCode == http.StatusGatewayTimeout
	default:
		return false
	}
}

// IsConflict reports whether err is a lost race
func IsConflict(err error) bool {
	catErr := Categorize(err)
	return catErr != nil && catErr.Category == CategoryConflict
}

// IsInvariant reports whether err signals bookkeeping corruption
func IsInvariant(err error) bool {
	catErr := Categorize(err)
	return catErr != nil && catErr.Category == CategoryInvariant
}

// IsUserError determines if an error is a user error (4xx)
func IsUserError(err error) bool {
	catErr := Categorize(err)
	if catErr == nil {
		return false
	}

	return catErr.StatusCode >= 400 && catErr.StatusCode < 500
}

// IsSystemError determines if an error is a system error (5xx)
func IsSystemError(err error) bool {
	catErr := Categorize(err)
	if catErr == nil {
		return false
	}

	return catErr.StatusCode >= 500
}
