// Package types provides common type definitions for the membership matrix engine.
package types

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// MatrixPosition is one of the three child slots under a matrix parent
type MatrixPosition string

const (
	// PositionLeft is the first slot filled under a parent
	PositionLeft MatrixPosition = "L"
	// PositionMiddle is the second slot filled under a parent
	PositionMiddle MatrixPosition = "M"
	// PositionRight is the last slot filled under a parent
	PositionRight MatrixPosition = "R"
)

// Positions lists the child slots in fill order.
var Positions = [3]MatrixPosition{PositionLeft, PositionMiddle, PositionRight}

// Index returns the zero-based fill order of the position, or -1 if unknown.
func (p MatrixPosition) Index() int {
	for i, pos := range Positions {
		if pos == p {
			return i
		}
	}
	return -1
}

// Valid reports whether the position is one of L, M, R.
func (p MatrixPosition) Valid() bool {
	return p.Index() >= 0
}

// PlacementType records how a member landed in a referrer's matrix
type PlacementType string

const (
	// PlacementDirect means the member sits directly under the referrer
	PlacementDirect PlacementType = "direct"
	// PlacementSpillover means the referrer's own slots were full
	PlacementSpillover PlacementType = "spillover"
)

// ClaimStatus represents the lifecycle state of a reward claim
type ClaimStatus string

const (
	// ClaimPending is a claim inside its window
	ClaimPending ClaimStatus = "pending"
	// ClaimClaimed is a claim resolved by its recipient (terminal)
	ClaimClaimed ClaimStatus = "claimed"
	// ClaimExpired is a claim whose window closed; burned if never rolled up
	ClaimExpired ClaimStatus = "expired"
	// ClaimRolledUp is a claim reassigned to an ancestor (terminal)
	ClaimRolledUp ClaimStatus = "rolled_up"
)

// Valid reports whether the status is a known claim status.
func (s ClaimStatus) Valid() bool {
	switch s {
	case ClaimPending, ClaimClaimed, ClaimExpired, ClaimRolledUp:
		return true
	default:
		return false
	}
}

// RewardType selects which balance bucket a claim credits
type RewardType string

const (
	// RewardUSDC credits the USDT/USDC claimable bucket
	RewardUSDC RewardType = "usdc"
	// RewardBCC credits the locked-by-reward BCC bucket
	RewardBCC RewardType = "bcc"
)

// RollupReason explains why a reward changed recipient
type RollupReason string

const (
	// RollupPendingExpired is set by the expiry sweep
	RollupPendingExpired RollupReason = "pending_expired"
	// RollupLevelInsufficient is set at distribution time
	RollupLevelInsufficient RollupReason = "level_insufficient"
)

// RollupPolicy selects the eligibility re-check used when rolling up
type RollupPolicy string

const (
	// RollupStrict reuses the distribution gate (level >= nft level)
	RollupStrict RollupPolicy = "strict"
	// RollupRelaxed accepts any activated ancestor
	RollupRelaxed RollupPolicy = "relaxed"
)

// Valid reports whether p is a known policy.
func (p RollupPolicy) Valid() bool {
	return p == RollupStrict || p == RollupRelaxed
}

// Bucket names a segregated balance bucket
type Bucket string

const (
	BucketTransferable      Bucket = "bcc_transferable"
	BucketLockedLevel       Bucket = "bcc_locked_level"
	BucketLockedRewards     Bucket = "bcc_locked_rewards"
	BucketPendingActivation Bucket = "bcc_pending_activation"
	BucketAvailableRewards  Bucket = "available_rewards"
)

// QueueStatus is the state of a reward distribution retry entry
type QueueStatus string

const (
	QueuePending QueueStatus = "pending"
	QueueDone    QueueStatus = "done"
	QueueDead    QueueStatus = "dead"
)

// MaxLevel is the highest NFT membership level
const MaxLevel = 19

// ServiceError represents a structured error response
type ServiceError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *ServiceError) Error() string {
	return e.Message
}

// NormalizeWallet validates a hex wallet address and returns its lowercase form.
// Wallets are compared case-insensitively everywhere in the engine.
func NormalizeWallet(wallet string) (string, error) {
	wallet = strings.TrimSpace(wallet)
	if !common.IsHexAddress(wallet) {
		return "", fmt.Errorf("invalid wallet address: %q", wallet)
	}
	return strings.ToLower(common.HexToAddress(wallet).Hex()), nil
}

// ValidateTxHash checks that hash is a 0x-prefixed 32-byte hex string.
func ValidateTxHash(hash string) error {
	b, err := hexutil.Decode(hash)
	if err != nil {
		return fmt.Errorf("invalid transaction hash %q: %w", hash, err)
	}
	if len(b) != common.HashLength {
		return fmt.Errorf("invalid transaction hash %q: expected %d bytes, got %d", hash, common.HashLength, len(b))
	}
	return nil
}
