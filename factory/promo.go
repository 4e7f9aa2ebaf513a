package factory

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/incentive-engine/incentive"
)

// =============================================================================
// PROMO CODE DOCUMENTS
// =============================================================================

// PromoJSON is the JSON representation of a promo code.
//
//	{
//	  "code": "DIWALI25",
//	  "type": "PERCENTAGE",
//	  "discount_value": 25,
//	  "max_discount_cap": 150,
//	  "min_order_value": 499,
//	  "expiry_date": "2025-11-05T23:59:59+05:30",
//	  "usage_limit": 10000,
//	  "per_user_limit": 1
//	}
//
// code, type and discount_value (except for FREE_DELIVERY) are required.
// is_active and is_visible default to true.
type PromoJSON struct {
	ID             string           `json:"id,omitempty"`
	Code           string           `json:"code"`
	Type           string           `json:"type"`
	DiscountValue  *decimal.Decimal `json:"discount_value,omitempty"`
	MaxDiscountCap *decimal.Decimal `json:"max_discount_cap,omitempty"`
	MinOrderValue  *decimal.Decimal `json:"min_order_value,omitempty"`
	ExpiryDate     string           `json:"expiry_date,omitempty"`
	UsageLimit     *int             `json:"usage_limit,omitempty"`
	UsageCount     int              `json:"usage_count,omitempty"`
	PerUserLimit   *int             `json:"per_user_limit,omitempty"`
	IsActive       *bool            `json:"is_active,omitempty"`
	IsVisible      *bool            `json:"is_visible,omitempty"`
}

// ParsePromo decodes and validates a JSON promo document.
func ParsePromo(jsonStr string) (incentive.PromoCode, error) {
	var pj PromoJSON
	if err := decodeStrict([]byte(jsonStr), &pj); err != nil {
		return incentive.PromoCode{}, fmt.Errorf("%w: failed to parse promo JSON: %v", incentive.ErrInvalidInput, err)
	}
	return PromoFromJSON(pj)
}

// PromoFromJSON converts pj to an incentive.PromoCode.
func PromoFromJSON(pj PromoJSON) (incentive.PromoCode, error) {
	p := incentive.PromoCode{
		ID:             incentive.PromoID(pj.ID),
		Code:           incentive.NormalizeCode(pj.Code),
		Type:           incentive.PromoType(pj.Type),
		MaxDiscountCap: pj.MaxDiscountCap,
		MinOrderValue:  pj.MinOrderValue,
		UsageLimit:     pj.UsageLimit,
		UsageCount:     pj.UsageCount,
		PerUserLimit:   pj.PerUserLimit,
		IsActive:       true,
		IsVisible:      true,
	}
	if pj.DiscountValue != nil {
		p.DiscountValue = *pj.DiscountValue
	} else if p.Type != incentive.PromoFreeDelivery {
		return incentive.PromoCode{}, fmt.Errorf("%w: discount_value is required for %s", incentive.ErrInvalidInput, pj.Type)
	}
	if pj.ExpiryDate != "" {
		t, err := time.Parse(time.RFC3339, pj.ExpiryDate)
		if err != nil {
			return incentive.PromoCode{}, fmt.Errorf("%w: invalid expiry_date: %v", incentive.ErrInvalidInput, err)
		}
		p.ExpiryDate = &t
	}
	setBool(&p.IsActive, pj.IsActive)
	setBool(&p.IsVisible, pj.IsVisible)

	if err := incentive.ValidatePromo(p); err != nil {
		return incentive.PromoCode{}, err
	}
	return p, nil
}

// PromoToJSON converts a promo code to its document form.
func PromoToJSON(p incentive.PromoCode) PromoJSON {
	pj := PromoJSON{
		ID:             string(p.ID),
		Code:           p.Code,
		Type:           string(p.Type),
		MaxDiscountCap: p.MaxDiscountCap,
		MinOrderValue:  p.MinOrderValue,
		UsageLimit:     p.UsageLimit,
		UsageCount:     p.UsageCount,
		PerUserLimit:   p.PerUserLimit,
		IsActive:       &p.IsActive,
		IsVisible:      &p.IsVisible,
	}
	if p.Type != incentive.PromoFreeDelivery || !p.DiscountValue.IsZero() {
		v := p.DiscountValue
		pj.DiscountValue = &v
	}
	if p.ExpiryDate != nil {
		pj.ExpiryDate = p.ExpiryDate.Format(time.RFC3339)
	}
	return pj
}
