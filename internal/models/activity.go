package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ActivityType classifies an analytics event
type ActivityType string

const (
	ActivityRegistered     ActivityType = "registered"
	ActivityActivated      ActivityType = "activated"
	ActivityLevelPurchased ActivityType = "level_purchased"
	ActivityPlaced         ActivityType = "placed"
	ActivityBccUnlocked    ActivityType = "bcc_unlocked"
	ActivityRewardCreated  ActivityType = "reward_created"
	ActivityRewardClaimed  ActivityType = "reward_claimed"
	ActivityRewardsQueued  ActivityType = "rewards_queued"
	ActivityTransfer       ActivityType = "bcc_transfer"
	ActivityWithdrawal     ActivityType = "withdrawal"
	ActivityBccReleased    ActivityType = "reward_bcc_released"
	ActivitySweep          ActivityType = "reward_sweep"
)

// ActivityEvent is one row of the append-only analytics log
type ActivityEvent struct {
	ID           string          `json:"id"`
	Type         ActivityType    `json:"type"`
	Wallet       string          `json:"wallet"`
	Counterparty string          `json:"counterparty,omitempty"`
	Level        int             `json:"level,omitempty"`
	Layer        int             `json:"layer,omitempty"`
	Amount       decimal.Decimal `json:"amount"`
	Asset        string          `json:"asset,omitempty"`
	Reference    string          `json:"reference,omitempty"`
	OccurredAt   time.Time       `json:"occurredAt"`
}
