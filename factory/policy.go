/*
Package factory provides JSON to Go conversion for stored incentive documents.

PURPOSE:
  Converts policy and promo code documents into incentive.PolicyConfig and
  incentive.PromoCode. Policies and promos are edited by operations staff in
  an admin UI or a YAML file, stored as JSON, and must be decoded explicitly:
  a malformed required field fails loudly instead of silently becoming zero.

POLICY JSON SCHEMA:
  {
    "welcome_enabled": true,
    "welcome_amount": 50,
    "welcome_min_order_value": 199,
    "referral_enabled": true,
    "referral_reward_amount": 20,
    "max_referrals_per_user": 5,
    "referral_expiry_days": 30,
    "monthly_referral_cap": 100,
    "max_wallet_usage_per_order": 30,
    "min_order_value_for_wallet": 99,
    "check_device_id": true,
    "check_phone": true,
    "abuse_check_failure_mode": "OPEN",
    "min_order_value": 0,
    "currency_symbol": "₹"
  }

  Absent fields keep incentive.DefaultPolicy() values. Unknown fields are an
  error. Amounts may be JSON numbers or strings ("12.50").

USAGE:
  f := factory.NewPolicyFactory()
  policy, err := f.ParsePolicy(jsonString)

  doc := f.ToJSON(policy)
  b, _ := json.Marshal(doc)

SEE ALSO:
  - incentive/policy.go: PolicyConfig and Validate
  - factory/promo.go: promo code documents
  - store/sqlite: policies table stores these documents
*/
package factory

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/warp/incentive-engine/incentive"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// PolicyJSON is the JSON representation of a policy. Pointer fields are
// optional; nil keeps the default.
type PolicyJSON struct {
	WelcomeEnabled       *bool            `json:"welcome_enabled,omitempty"`
	WelcomeAmount        *decimal.Decimal `json:"welcome_amount,omitempty"`
	WelcomeMinOrderValue *decimal.Decimal `json:"welcome_min_order_value,omitempty"`

	ReferralEnabled      *bool            `json:"referral_enabled,omitempty"`
	ReferralRewardAmount *decimal.Decimal `json:"referral_reward_amount,omitempty"`
	MaxReferralsPerUser  *int             `json:"max_referrals_per_user,omitempty"`
	ReferralExpiryDays   *int             `json:"referral_expiry_days,omitempty"`
	MonthlyReferralCap   *decimal.Decimal `json:"monthly_referral_cap,omitempty"`

	MaxWalletUsagePerOrder *decimal.Decimal `json:"max_wallet_usage_per_order,omitempty"`
	MinOrderValueForWallet *decimal.Decimal `json:"min_order_value_for_wallet,omitempty"`

	CheckDeviceID         *bool  `json:"check_device_id,omitempty"`
	CheckPhone            *bool  `json:"check_phone,omitempty"`
	AbuseCheckFailureMode string `json:"abuse_check_failure_mode,omitempty"`

	MinOrderValue  *decimal.Decimal `json:"min_order_value,omitempty"`
	CurrencySymbol string           `json:"currency_symbol,omitempty"`
}

// =============================================================================
// POLICY FACTORY
// =============================================================================

// PolicyFactory converts policy documents to incentive.PolicyConfig.
type PolicyFactory struct{}

func NewPolicyFactory() *PolicyFactory {
	return &PolicyFactory{}
}

// ParsePolicy decodes and validates a JSON policy document.
func (f *PolicyFactory) ParsePolicy(jsonStr string) (incentive.PolicyConfig, error) {
	var pj PolicyJSON
	if err := decodeStrict([]byte(jsonStr), &pj); err != nil {
		return incentive.PolicyConfig{}, fmt.Errorf("%w: failed to parse policy JSON: %v", incentive.ErrInvalidPolicy, err)
	}
	return f.FromJSON(pj)
}

// PolicyFromMap decodes a policy given as a generic map, as produced by a
// YAML decoder.
func (f *PolicyFactory) PolicyFromMap(m map[string]any) (incentive.PolicyConfig, error) {
	if len(m) == 0 {
		return incentive.DefaultPolicy(), nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return incentive.PolicyConfig{}, fmt.Errorf("%w: policy block is not JSON-compatible: %v", incentive.ErrInvalidPolicy, err)
	}
	return f.ParsePolicy(string(b))
}

// FromJSON overlays pj on the default policy and validates the result.
func (f *PolicyFactory) FromJSON(pj PolicyJSON) (incentive.PolicyConfig, error) {
	p := incentive.DefaultPolicy()

	setBool(&p.WelcomeEnabled, pj.WelcomeEnabled)
	setDecimal(&p.WelcomeAmount, pj.WelcomeAmount)
	setDecimal(&p.WelcomeMinOrderValue, pj.WelcomeMinOrderValue)

	setBool(&p.ReferralEnabled, pj.ReferralEnabled)
	setDecimal(&p.ReferralRewardAmount, pj.ReferralRewardAmount)
	setInt(&p.MaxReferralsPerUser, pj.MaxReferralsPerUser)
	setInt(&p.ReferralExpiryDays, pj.ReferralExpiryDays)
	setDecimal(&p.MonthlyReferralCap, pj.MonthlyReferralCap)

	setDecimal(&p.MaxWalletUsagePerOrder, pj.MaxWalletUsagePerOrder)
	setDecimal(&p.MinOrderValueForWallet, pj.MinOrderValueForWallet)

	setBool(&p.CheckDeviceID, pj.CheckDeviceID)
	setBool(&p.CheckPhone, pj.CheckPhone)
	if pj.AbuseCheckFailureMode != "" {
		mode, err := parseFailureMode(pj.AbuseCheckFailureMode)
		if err != nil {
			return incentive.PolicyConfig{}, err
		}
		p.AbuseCheckFailureMode = mode
	}

	setDecimal(&p.MinOrderValue, pj.MinOrderValue)
	if pj.CurrencySymbol != "" {
		p.CurrencySymbol = pj.CurrencySymbol
	}

	if err := p.Validate(); err != nil {
		return incentive.PolicyConfig{}, err
	}
	return p, nil
}

// ToJSON converts a PolicyConfig to a fully populated PolicyJSON.
func (f *PolicyFactory) ToJSON(p incentive.PolicyConfig) PolicyJSON {
	return PolicyJSON{
		WelcomeEnabled:         &p.WelcomeEnabled,
		WelcomeAmount:          &p.WelcomeAmount,
		WelcomeMinOrderValue:   &p.WelcomeMinOrderValue,
		ReferralEnabled:        &p.ReferralEnabled,
		ReferralRewardAmount:   &p.ReferralRewardAmount,
		MaxReferralsPerUser:    &p.MaxReferralsPerUser,
		ReferralExpiryDays:     &p.ReferralExpiryDays,
		MonthlyReferralCap:     &p.MonthlyReferralCap,
		MaxWalletUsagePerOrder: &p.MaxWalletUsagePerOrder,
		MinOrderValueForWallet: &p.MinOrderValueForWallet,
		CheckDeviceID:          &p.CheckDeviceID,
		CheckPhone:             &p.CheckPhone,
		AbuseCheckFailureMode:  string(p.AbuseCheckFailureMode),
		MinOrderValue:          &p.MinOrderValue,
		CurrencySymbol:         p.CurrencySymbol,
	}
}

// MarshalPolicy encodes p as a JSON document accepted by ParsePolicy.
func (f *PolicyFactory) MarshalPolicy(p incentive.PolicyConfig) (string, error) {
	b, err := json.Marshal(f.ToJSON(p))
	if err != nil {
		return "", fmt.Errorf("failed to encode policy: %w", err)
	}
	return string(b), nil
}

// =============================================================================
// PARSING HELPERS
// =============================================================================

func decodeStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func parseFailureMode(s string) (incentive.AbuseCheckFailureMode, error) {
	switch mode := incentive.AbuseCheckFailureMode(s); mode {
	case incentive.AbuseOpen, incentive.AbuseClosed:
		return mode, nil
	default:
		return "", fmt.Errorf("%w: unknown abuse_check_failure_mode %q", incentive.ErrInvalidPolicy, s)
	}
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func setDecimal(dst *decimal.Decimal, v *decimal.Decimal) {
	if v != nil {
		*dst = *v
	}
}
