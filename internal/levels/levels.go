// Package levels holds the NFT level table and the sequential purchase
// validator.
package levels

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	apperrors "github.com/matrix-engine/internal/errors"
	"github.com/matrix-engine/internal/models"
	"github.com/matrix-engine/internal/types"
)

var (
	basePrice     = decimal.NewFromInt(100)
	priceStep     = decimal.NewFromInt(50)
	unlockPerStep = decimal.NewFromInt(50)
)

// Price returns the USDC price of a level: 100 + (n-1)*50.
func Price(level int) decimal.Decimal {
	return basePrice.Add(priceStep.Mul(decimal.NewFromInt(int64(level - 1))))
}

// BaseUnlock returns the BCC unlocked by a level before the tier
// multiplier: 50 + n*50.
func BaseUnlock(level int) decimal.Decimal {
	return unlockPerStep.Add(unlockPerStep.Mul(decimal.NewFromInt(int64(level))))
}

// TotalLockup is the sum of BaseUnlock over every level. It is the size of
// the locked pool allocated at Level-1 activation before the multiplier.
func TotalLockup() decimal.Decimal {
	total := decimal.Zero
	for l := 1; l <= types.MaxLevel; l++ {
		total = total.Add(BaseUnlock(l))
	}
	return total
}

// ValidateLevel checks that level is inside 1..MaxLevel.
func ValidateLevel(level int) error {
	if level < 1 || level > types.MaxLevel {
		return apperrors.NewInvalidLevelError(level)
	}
	return nil
}

// CheckSequence is the pure purchase rule: level must be exactly one above
// the member's current level and must not already be owned.
func CheckSequence(m *models.Member, level int) error {
	if err := ValidateLevel(level); err != nil {
		return err
	}
	if m.Owns(level) || level <= m.CurrentLevel {
		return apperrors.AlreadyOwned(level)
	}
	if level != m.CurrentLevel+1 {
		return apperrors.NonSequentialLevel(level, m.CurrentLevel)
	}
	return nil
}

// MemberReader is the slice of the member ledger the validator reads
type MemberReader interface {
	GetMember(ctx context.Context, wallet string) (*models.Member, error)
	CountActiveDirectReferrals(ctx context.Context, wallet string) (int, error)
}

// Requirements maps a level to the number of activated direct referrals
// it needs. Levels not present need none.
type Requirements map[int]int

// DefaultRequirements gates Level 2 behind three activated direct referrals.
func DefaultRequirements(level2 int) Requirements {
	return Requirements{2: level2}
}

// Eligibility is the outcome of a purchase check
type Eligibility struct {
	Wallet                string          `json:"wallet"`
	Level                 int             `json:"level"`
	Eligible              bool            `json:"eligible"`
	CurrentLevel          int             `json:"currentLevel"`
	Price                 decimal.Decimal `json:"priceUsdc"`
	RequiredReferrals     int             `json:"requiredDirectReferrals"`
	ActiveDirectReferrals int             `json:"activeDirectReferrals"`
	Reason                string          `json:"reason,omitempty"`
	ReasonCode            string          `json:"reasonCode,omitempty"`

	cause error
}

// Validator enforces sequential level purchases
type Validator struct {
	members      MemberReader
	requirements Requirements
}

// NewValidator creates a validator over the member ledger.
func NewValidator(members MemberReader, requirements Requirements) *Validator {
	if requirements == nil {
		requirements = Requirements{}
	}
	return &Validator{members: members, requirements: requirements}
}

// ValidatePurchase checks the sequence rule for wallet without side effects.
func (v *Validator) ValidatePurchase(ctx context.Context, wallet string, level int) error {
	if err := ValidateLevel(level); err != nil {
		return err
	}
	m, err := v.members.GetMember(ctx, wallet)
	if err != nil {
		return err
	}
	return CheckSequence(m, level)
}

// CheckEligibility combines the sequence rule with the direct referral
// requirement. Validation failures are reported in the result, storage
// failures are returned as errors.
func (v *Validator) CheckEligibility(ctx context.Context, wallet string, level int) (*Eligibility, error) {
	if err := ValidateLevel(level); err != nil {
		return nil, err
	}
	m, err := v.members.GetMember(ctx, wallet)
	if err != nil {
		return nil, err
	}

	e := &Eligibility{
		Wallet:            wallet,
		Level:             level,
		CurrentLevel:      m.CurrentLevel,
		Price:             Price(level),
		RequiredReferrals: v.requirements[level],
	}

	if err := CheckSequence(m, level); err != nil {
		e.fail(err)
		return e, nil
	}

	if e.RequiredReferrals > 0 {
		have, err := v.members.CountActiveDirectReferrals(ctx, wallet)
		if err != nil {
			return nil, err
		}
		e.ActiveDirectReferrals = have
		if have < e.RequiredReferrals {
			e.fail(apperrors.InsufficientDirectReferrals(level, e.RequiredReferrals, have))
			return e, nil
		}
	}

	e.Eligible = true
	return e, nil
}

// RequireEligible is CheckEligibility that turns a negative result into
// its validation error.
func (v *Validator) RequireEligible(ctx context.Context, wallet string, level int) (*Eligibility, error) {
	e, err := v.CheckEligibility(ctx, wallet, level)
	if err != nil {
		return nil, err
	}
	if !e.Eligible {
		return e, e.cause
	}
	return e, nil
}

func (e *Eligibility) fail(err error) {
	cat := apperrors.Categorize(err)
	e.Eligible = false
	e.cause = err
	e.ReasonCode = cat.Code
	e.Reason = cat.Message
}

// String is used in log fields.
func (e *Eligibility) String() string {
	return fmt.Sprintf("%s L%d eligible=%t", e.Wallet, e.Level, e.Eligible)
}
