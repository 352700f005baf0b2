// Package models holds the persisted entities of the matrix engine.
package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Member is the ledger record of one wallet
type Member struct {
	WalletAddress      string          `json:"walletAddress"`
	CurrentLevel       int             `json:"currentLevel"`
	LevelsOwned        []int           `json:"levelsOwned"`
	ReferrerWallet     *string         `json:"referrerWallet,omitempty"`
	ActivationRank     *int64          `json:"activationRank,omitempty"`
	TierLevel          int             `json:"tierLevel"`
	TierMultiplier     decimal.Decimal `json:"tierMultiplier"`
	BCCLockedInitial   decimal.Decimal `json:"bccLockedInitial"`
	BCCLockedRemaining decimal.Decimal `json:"bccLockedRemaining"`
	IsActivated        bool            `json:"isActivated"`
	RegisteredAt       time.Time       `json:"registeredAt"`
	ActivatedAt        *time.Time      `json:"activatedAt,omitempty"`
	UpdatedAt          time.Time       `json:"updatedAt"`
}

// Owns reports whether the member already holds level.
func (m *Member) Owns(level int) bool {
	for _, l := range m.LevelsOwned {
		if l == level {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so stores never share slices with callers.
func (m *Member) Clone() *Member {
	c := *m
	c.LevelsOwned = append([]int(nil), m.LevelsOwned...)
	if m.ReferrerWallet != nil {
		r := *m.ReferrerWallet
		c.ReferrerWallet = &r
	}
	if m.ActivationRank != nil {
		r := *m.ActivationRank
		c.ActivationRank = &r
	}
	if m.ActivatedAt != nil {
		t := *m.ActivatedAt
		c.ActivatedAt = &t
	}
	return &c
}

// ActivationTier maps a range of activation ranks to an unlock multiplier
type ActivationTier struct {
	Tier       int             `json:"tier"`
	RankFrom   int64           `json:"rankFrom"`
	RankTo     *int64          `json:"rankTo,omitempty"` // nil = open-ended
	Multiplier decimal.Decimal `json:"multiplier"`
}

// Contains reports whether rank falls inside the tier.
func (t ActivationTier) Contains(rank int64) bool {
	if rank < t.RankFrom {
		return false
	}
	return t.RankTo == nil || rank <= *t.RankTo
}

// Activation is the input of the Level-1 ledger update
type Activation struct {
	Wallet         string
	ReferrerWallet *string
	TxHash         string
	// LockedPoolBase is the full level unlock schedule before the tier multiplier
	LockedPoolBase decimal.Decimal
	At             time.Time
}

// LevelPurchase is one row of the purchase log
type LevelPurchase struct {
	WalletAddress string    `json:"walletAddress"`
	Level         int       `json:"level"`
	TxHash        string    `json:"txHash"`
	PurchasedAt   time.Time `json:"purchasedAt"`
}
