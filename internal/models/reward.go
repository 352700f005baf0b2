package models

import (
	"time"

	"github.com/matrix-engine/internal/types"
	"github.com/shopspring/decimal"
)

// RewardClaim is a time-boxed entitlement of an upline ancestor
type RewardClaim struct {
	ID                     string            `json:"id"`
	RootWallet             string            `json:"rootWallet"`
	TriggeringMemberWallet string            `json:"triggeringMemberWallet"`
	TriggerTxHash          string            `json:"triggerTxHash"`
	NFTLevel               int               `json:"nftLevel"`
	Layer                  int               `json:"layer"`
	RewardType             types.RewardType  `json:"rewardType"`
	RewardAmount           decimal.Decimal   `json:"rewardAmount"`
	Status                 types.ClaimStatus `json:"status"`
	CreatedAt              time.Time         `json:"createdAt"`
	ExpiresAt              time.Time         `json:"expiresAt"`
	ClaimedAt              *time.Time        `json:"claimedAt,omitempty"`
	ExpiredAt              *time.Time        `json:"expiredAt,omitempty"`
	RolledUpToWallet       *string           `json:"rolledUpToWallet,omitempty"`
	RolledUpFromClaimID    *string           `json:"rolledUpFromClaimId,omitempty"`
}

// Clone returns a copy safe to hand to callers.
func (c *RewardClaim) Clone() *RewardClaim {
	cp := *c
	if c.ClaimedAt != nil {
		t := *c.ClaimedAt
		cp.ClaimedAt = &t
	}
	if c.ExpiredAt != nil {
		t := *c.ExpiredAt
		cp.ExpiredAt = &t
	}
	if c.RolledUpToWallet != nil {
		w := *c.RolledUpToWallet
		cp.RolledUpToWallet = &w
	}
	if c.RolledUpFromClaimID != nil {
		id := *c.RolledUpFromClaimID
		cp.RolledUpFromClaimID = &id
	}
	return &cp
}

// ClaimKey is the per-event uniqueness key of a claim
type ClaimKey struct {
	RootWallet string
	Trigger    string
	NFTLevel   int
	Layer      int
	RewardType types.RewardType
}

// Key returns the uniqueness key of the claim.
func (c *RewardClaim) Key() ClaimKey {
	return ClaimKey{RootWallet: c.RootWallet, Trigger: c.TriggeringMemberWallet, NFTLevel: c.NFTLevel, Layer: c.Layer, RewardType: c.RewardType}
}

// RewardRollup is the audit record of a reward changing recipient
type RewardRollup struct {
	ID         string             `json:"id"`
	ClaimID    string             `json:"claimId"`
	FromWallet string             `json:"fromWallet"`
	ToWallet   string             `json:"toWallet"`
	NewClaimID string             `json:"newClaimId"`
	Reason     types.RollupReason `json:"reason"`
	CreatedAt  time.Time          `json:"createdAt"`
}

// Rollup bundles the claim created for the new recipient with its audit row
type Rollup struct {
	Claim  *RewardClaim
	Record *RewardRollup
}

// DistributionEntry is one claim produced by a distribution run. Rollup is
// set when the claim was created already rolled up to a qualifying ancestor.
type DistributionEntry struct {
	Claim  *RewardClaim
	Rollup *Rollup
}

// DistributionTask is a queued reward distribution that failed during a saga
type DistributionTask struct {
	ID            string            `json:"id"`
	WalletAddress string            `json:"walletAddress"`
	NFTLevel      int               `json:"nftLevel"`
	TxHash        string            `json:"txHash"`
	Attempts      int               `json:"attempts"`
	LastError     string            `json:"lastError,omitempty"`
	Status        types.QueueStatus `json:"status"`
	NextAttemptAt time.Time         `json:"nextAttemptAt"`
	CreatedAt     time.Time         `json:"createdAt"`
	UpdatedAt     time.Time         `json:"updatedAt"`
}
