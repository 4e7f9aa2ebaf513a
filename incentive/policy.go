/*
policy.go - Tunable incentive parameters

PURPOSE:
  PolicyConfig is the singleton snapshot of every knob the engine reads:
  discount amounts, caps, expirations and feature toggles. The engine only
  consumes it; editing policy belongs to admin tooling.

INVARIANTS (enforced by Validate):
  - every monetary field >= 0
  - MonthlyReferralCap >= ReferralRewardAmount when referrals are enabled,
    else no referral could ever be credited
  - MaxReferralsPerUser >= 0, ReferralExpiryDays >= 0

ABUSE CHECK FAILURE MODE:
  AbuseOpen:   lookup failures allow the referral (logged + counted)
  AbuseClosed: lookup failures surface as StorageError and the reward is retried

SEE ALSO:
  - factory/policy.go: decodes a PolicyConfig document
  - config/config.go: YAML policy block
*/
package incentive

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

type AbuseCheckFailureMode string

const (
	AbuseOpen   AbuseCheckFailureMode = "OPEN"
	AbuseClosed AbuseCheckFailureMode = "CLOSED"
)

// PolicyConfig is a read-only snapshot. Pass by value.
type PolicyConfig struct {
	// Welcome offer
	WelcomeEnabled       bool
	WelcomeAmount        decimal.Decimal
	WelcomeMinOrderValue decimal.Decimal

	// Referral program
	ReferralEnabled      bool
	ReferralRewardAmount decimal.Decimal
	MaxReferralsPerUser  int
	ReferralExpiryDays   int // 0 = referrals never expire
	MonthlyReferralCap   decimal.Decimal

	// Wallet
	MaxWalletUsagePerOrder decimal.Decimal
	MinOrderValueForWallet decimal.Decimal

	// Abuse checks
	CheckDeviceID         bool
	CheckPhone            bool
	AbuseCheckFailureMode AbuseCheckFailureMode

	// MinOrderValue is the global floor applied regardless of incentive. 0 disables it.
	MinOrderValue decimal.Decimal

	// CurrencySymbol is only used in reason strings.
	CurrencySymbol string
}

// DefaultPolicy returns the canonical defaults.
func DefaultPolicy() PolicyConfig {
	return PolicyConfig{
		WelcomeEnabled:         true,
		WelcomeAmount:          decimal.NewFromInt(50),
		WelcomeMinOrderValue:   decimal.NewFromInt(199),
		ReferralEnabled:        true,
		ReferralRewardAmount:   decimal.NewFromInt(20),
		MaxReferralsPerUser:    5,
		ReferralExpiryDays:     30,
		MonthlyReferralCap:     decimal.NewFromInt(100),
		MaxWalletUsagePerOrder: decimal.NewFromInt(30),
		MinOrderValueForWallet: decimal.NewFromInt(99),
		CheckDeviceID:          true,
		CheckPhone:             true,
		AbuseCheckFailureMode:  AbuseOpen,
		MinOrderValue:          decimal.Zero,
		CurrencySymbol:         "₹",
	}
}

// Validate enforces the PolicyConfig invariants.
func (p PolicyConfig) Validate() error {
	money := []struct {
		name  string
		value decimal.Decimal
	}{
		{"welcome_amount", p.WelcomeAmount},
		{"welcome_min_order_value", p.WelcomeMinOrderValue},
		{"referral_reward_amount", p.ReferralRewardAmount},
		{"monthly_referral_cap", p.MonthlyReferralCap},
		{"max_wallet_usage_per_order", p.MaxWalletUsagePerOrder},
		{"min_order_value_for_wallet", p.MinOrderValueForWallet},
		{"min_order_value", p.MinOrderValue},
	}
	for _, m := range money {
		if m.value.IsNegative() {
			return fmt.Errorf("%w: %s must be >= 0, got %s", ErrInvalidPolicy, m.name, m.value)
		}
	}
	if p.MaxReferralsPerUser < 0 {
		return fmt.Errorf("%w: max_referrals_per_user must be >= 0", ErrInvalidPolicy)
	}
	if p.ReferralExpiryDays < 0 {
		return fmt.Errorf("%w: referral_expiry_days must be >= 0", ErrInvalidPolicy)
	}
	if p.ReferralEnabled && p.MonthlyReferralCap.LessThan(p.ReferralRewardAmount) {
		return fmt.Errorf("%w: monthly_referral_cap %s is below referral_reward_amount %s",
			ErrInvalidPolicy, p.MonthlyReferralCap, p.ReferralRewardAmount)
	}
	switch p.AbuseCheckFailureMode {
	case AbuseOpen, AbuseClosed, "":
	default:
		return fmt.Errorf("%w: unknown abuse_check_failure_mode %q", ErrInvalidPolicy, p.AbuseCheckFailureMode)
	}
	return nil
}

// FailClosedOnAbuseLookup reports whether abuse lookup errors must block.
func (p PolicyConfig) FailClosedOnAbuseLookup() bool {
	return p.AbuseCheckFailureMode == AbuseClosed
}

// money formats an amount with the policy currency symbol, dropping ".00".
func (p PolicyConfig) money(d decimal.Decimal) string {
	sym := p.CurrencySymbol
	if sym == "" {
		sym = "₹"
	}
	if d.Equal(d.Truncate(0)) {
		return sym + d.Truncate(0).String()
	}
	return sym + d.StringFixed(2)
}

// =============================================================================
// STATIC POLICY STORE
// =============================================================================

// StaticPolicy serves a fixed snapshot. Used by tests and the YAML config path.
type StaticPolicy struct {
	Config PolicyConfig
}

func (s StaticPolicy) Current(context.Context) (PolicyConfig, error) {
	return s.Config, nil
}
