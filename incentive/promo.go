package incentive

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// PROMO USAGE - Promo code amount, expiry and usage rules
// =============================================================================

// PromoUsage decides whether a promo code is usable and records its use.
// Record must run inside the order's store transaction so usage and the
// order commit together.
type PromoUsage struct {
	Now func() time.Time
}

// NormalizeCode upper-cases and trims a customer-entered promo code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Check returns the promo if customerID may apply it to an order of orderValue.
func (u *PromoUsage) Check(ctx context.Context, promos PromoStore, p PolicyConfig, code string, customerID CustomerID, orderValue decimal.Decimal) (PromoCode, error) {
	code = NormalizeCode(code)
	if code == "" {
		return PromoCode{}, fmt.Errorf("%w: promo code is empty", ErrInvalidInput)
	}

	promo, err := promos.GetPromoByCode(ctx, code)
	if err != nil {
		return PromoCode{}, NewStorageError("load promo", err)
	}

	fail := func(reason string) (PromoCode, error) {
		return PromoCode{}, &IneligibleError{Incentive: IncentiveFestivalPromo, Reason: reason}
	}

	now := u.Now()
	switch {
	case !promo.IsActive || !promo.IsVisible:
		return fail(fmt.Sprintf("Promo code %s is not active", promo.Code))
	case promo.IsExpired(now):
		return fail(fmt.Sprintf("Promo code %s has expired", promo.Code))
	case promo.IsExhausted():
		return fail(fmt.Sprintf("Promo code %s has reached its usage limit", promo.Code))
	}

	if promo.MinOrderValue != nil && orderValue.LessThan(*promo.MinOrderValue) {
		return fail(fmt.Sprintf("Minimum order value of %s required for promo code %s", p.money(*promo.MinOrderValue), promo.Code))
	}

	if promo.PerUserLimit != nil {
		used, err := promos.UserUsageCount(ctx, promo.ID, customerID)
		if err != nil {
			return PromoCode{}, NewStorageError("load promo usage", err)
		}
		if used >= *promo.PerUserLimit {
			return fail(fmt.Sprintf("You have already used promo code %s", promo.Code))
		}
	}
	return promo, nil
}

// Record counts one use of promo by customerID for orderID.
func (u *PromoUsage) Record(ctx context.Context, promos PromoStore, promo PromoCode, customerID CustomerID, orderID OrderID) error {
	err := promos.RecordUsage(ctx, promo.ID, customerID, orderID)
	if errors.Is(err, ErrExceedsLimit) {
		return &IneligibleError{Incentive: IncentiveFestivalPromo, Reason: fmt.Sprintf("Promo code %s has reached its usage limit", promo.Code)}
	}
	if err != nil {
		return NewStorageError("record promo usage", err)
	}
	return nil
}

// PromoDiscount computes the discount of promo against base.
//
//	PERCENTAGE:    base × value/100, rounded to 2dp, capped by MaxDiscountCap
//	FIXED_AMOUNT:  value
//	FREE_DELIVERY: 0 (the delivery fee is waived instead)
//
// The result never exceeds base and is never negative.
func PromoDiscount(promo PromoCode, base decimal.Decimal) decimal.Decimal {
	if !base.IsPositive() {
		return decimal.Zero
	}
	var discount decimal.Decimal
	switch promo.Type {
	case PromoPercentage:
		discount = base.Mul(promo.DiscountValue).Div(decimal.NewFromInt(100)).Round(2)
		if promo.MaxDiscountCap != nil {
			discount = decimal.Min(discount, *promo.MaxDiscountCap)
		}
	case PromoFixedAmount:
		discount = promo.DiscountValue
	default:
		return decimal.Zero
	}
	discount = decimal.Min(discount, base)
	if discount.IsNegative() {
		return decimal.Zero
	}
	return discount
}

// ValidatePromo checks a promo definition before it is stored.
func ValidatePromo(p PromoCode) error {
	if NormalizeCode(p.Code) == "" {
		return fmt.Errorf("%w: promo code is required", ErrInvalidInput)
	}
	switch p.Type {
	case PromoPercentage:
		if !p.DiscountValue.IsPositive() || p.DiscountValue.GreaterThan(decimal.NewFromInt(100)) {
			return fmt.Errorf("%w: percentage must be in (0, 100], got %s", ErrInvalidInput, p.DiscountValue)
		}
	case PromoFixedAmount:
		if !p.DiscountValue.IsPositive() {
			return fmt.Errorf("%w: fixed discount must be > 0, got %s", ErrInvalidInput, p.DiscountValue)
		}
	case PromoFreeDelivery:
	default:
		return fmt.Errorf("%w: unknown promo type %q", ErrInvalidInput, p.Type)
	}
	if p.MaxDiscountCap != nil && p.MaxDiscountCap.IsNegative() {
		return fmt.Errorf("%w: max discount cap must be >= 0", ErrInvalidInput)
	}
	if p.MinOrderValue != nil && p.MinOrderValue.IsNegative() {
		return fmt.Errorf("%w: min order value must be >= 0", ErrInvalidInput)
	}
	if p.UsageLimit != nil && *p.UsageLimit < 0 {
		return fmt.Errorf("%w: usage limit must be >= 0", ErrInvalidInput)
	}
	if p.PerUserLimit != nil && *p.PerUserLimit < 0 {
		return fmt.Errorf("%w: per-user limit must be >= 0", ErrInvalidInput)
	}
	return nil
}

// CreatePromo validates and stores a promo code.
func (e *Engine) CreatePromo(ctx context.Context, p PromoCode) (PromoCode, error) {
	p.Code = NormalizeCode(p.Code)
	if err := ValidatePromo(p); err != nil {
		return PromoCode{}, err
	}
	if p.ID == "" {
		p.ID = PromoID(e.newID())
	}
	if err := e.Store.Promos().SavePromo(ctx, p); err != nil {
		return PromoCode{}, NewStorageError("save promo", err)
	}
	e.logger.Info("promo saved", "code", p.Code, "type", p.Type)
	return p, nil
}
