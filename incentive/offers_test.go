package incentive_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/incentive-engine/incentive"
)

// =============================================================================
// WELCOME OFFER
// =============================================================================

func TestWelcome_FirstOrderAboveMinimum_Eligible(t *testing.T) {
	// GIVEN: A new customer, welcome amount 50, minimum 199
	// WHEN: Validating an order of 250
	// THEN: Eligible with a discount of 50

	f := newFixture(t)
	f.customer(t, "cust-1", "+91-1", "dev-1")

	dec, err := f.engine.ValidateWelcomeOffer(context.Background(), "cust-1", d("250"))

	require.NoError(t, err)
	assert.True(t, dec.Eligible)
	assert.True(t, dec.Discount.Equal(d("50")), "discount = %s", dec.Discount)
	assert.Empty(t, dec.Reason)
}

func TestWelcome_BelowMinimum_ReasonCitesMinimum(t *testing.T) {
	// GIVEN: Minimum order value 199
	// WHEN: Validating an order of 150
	// THEN: Ineligible, and the reason names ₹199

	f := newFixture(t)
	f.customer(t, "cust-1", "+91-1", "dev-1")

	dec, err := f.engine.ValidateWelcomeOffer(context.Background(), "cust-1", d("150"))

	require.Error(t, err)
	assert.ErrorIs(t, err, incentive.ErrIneligibleOffer)
	assert.False(t, dec.Eligible)
	assert.Equal(t, "Minimum order value of ₹199 required for the welcome offer", dec.Reason)

	var inel *incentive.IneligibleError
	require.ErrorAs(t, err, &inel)
	assert.Equal(t, incentive.IncentiveWelcome, inel.Incentive)
	assert.Contains(t, inel.Reason, "₹199")
}

func TestWelcome_AfterFirstOrder_Ineligible(t *testing.T) {
	f := newFixture(t)
	f.customer(t, "cust-1", "+91-1", "dev-1")
	f.placeFirstOrder(t, "cust-1")

	dec, err := f.engine.ValidateWelcomeOffer(context.Background(), "cust-1", d("500"))

	assert.ErrorIs(t, err, incentive.ErrIneligibleOffer)
	assert.Equal(t, "Welcome offer is valid on your first order only", dec.Reason)
}

func TestWelcome_Disabled_Ineligible(t *testing.T) {
	f := newFixture(t, func(p *incentive.PolicyConfig) { p.WelcomeEnabled = false })
	f.customer(t, "cust-1", "+91-1", "dev-1")

	dec, err := f.engine.ValidateWelcomeOffer(context.Background(), "cust-1", d("500"))

	assert.ErrorIs(t, err, incentive.ErrIneligibleOffer)
	assert.Equal(t, "Welcome offer is not available right now", dec.Reason)
}

func TestWelcome_UnknownCustomer_NotFound(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.ValidateWelcomeOffer(context.Background(), "ghost", d("500"))

	assert.True(t, incentive.IsNotFound(err))
	assert.False(t, incentive.IsClientError(err))
}

func TestWelcome_DiscountNeverExceedsOrderValue(t *testing.T) {
	// GIVEN: No minimum and a welcome amount of 50
	// WHEN: Validating order values around and below the amount
	// THEN: discount = min(50, orderValue), never negative

	p := incentive.DefaultPolicy()
	p.WelcomeMinOrderValue = decimal.Zero
	c := incentive.Customer{ID: "c"}

	for _, v := range []string{"0", "0.01", "10", "49.99", "50", "50.01", "199", "10000"} {
		orderValue := d(v)
		dec, err := incentive.EvaluateWelcome(p, c, orderValue)
		require.NoError(t, err, v)

		want := decimal.Min(p.WelcomeAmount, orderValue)
		assert.True(t, dec.Discount.Equal(want), "order %s: discount %s want %s", v, dec.Discount, want)
		assert.False(t, dec.Discount.IsNegative())
		assert.True(t, dec.Discount.LessThanOrEqual(orderValue))
	}
}

// =============================================================================
// REFERRAL WALLET
// =============================================================================

func TestWallet_UsableAmountIsMinOfBalanceCapAndOrder(t *testing.T) {
	p := incentive.DefaultPolicy()
	p.MinOrderValueForWallet = decimal.Zero
	p.MaxWalletUsagePerOrder = d("30")

	tests := []struct {
		name       string
		balance    string
		orderValue string
		want       string
	}{
		{"cap binds", "100", "500", "30"},
		{"balance binds", "12.50", "500", "12.50"},
		{"order binds", "100", "20", "20"},
		{"all equal", "30", "30", "30"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dec, err := incentive.EvaluateWallet(p, d(tt.orderValue), d(tt.balance))
			require.NoError(t, err)
			assert.True(t, dec.Eligible)
			assert.True(t, dec.UsableAmount.Equal(d(tt.want)), "usable = %s", dec.UsableAmount)
		})
	}
}

func TestWallet_Scenario_Balance100Cap30Order500(t *testing.T) {
	// GIVEN: Wallet balance 100, max usage per order 30
	// WHEN: Validating an order of 500
	// THEN: usable = 30; requesting 50 fails ExceedsLimit; requesting 30 passes

	f := newFixture(t)
	f.customer(t, "cust-1", "+91-1", "dev-1")

	dec, err := f.engine.ValidateReferralWallet(context.Background(), "cust-1", d("500"), d("100"))
	require.NoError(t, err)
	assert.True(t, dec.UsableAmount.Equal(d("30")))

	err = incentive.CheckWalletAmount(d("50"), dec)
	assert.ErrorIs(t, err, incentive.ErrExceedsLimit)
	var exceeds *incentive.ExceedsLimitError
	require.ErrorAs(t, err, &exceeds)
	assert.True(t, exceeds.Limit.Equal(d("30")))

	assert.NoError(t, incentive.CheckWalletAmount(d("30"), dec))
}

func TestWallet_RequestAboveUsable_AlwaysExceedsLimit(t *testing.T) {
	p := incentive.DefaultPolicy()
	for _, balance := range []string{"1", "29.99", "30", "100"} {
		dec, err := incentive.EvaluateWallet(p, d("500"), d(balance))
		require.NoError(t, err)
		for _, extra := range []string{"0.01", "1", "1000"} {
			requested := dec.UsableAmount.Add(d(extra))
			assert.ErrorIs(t, incentive.CheckWalletAmount(requested, dec), incentive.ErrExceedsLimit,
				"balance %s requested %s", balance, requested)
		}
	}
}

func TestWallet_NonPositiveRequest_InvalidAmount(t *testing.T) {
	dec := incentive.WalletDecision{Eligible: true, UsableAmount: d("30")}

	assert.ErrorIs(t, incentive.CheckWalletAmount(decimal.Zero, dec), incentive.ErrInvalidAmount)
	assert.ErrorIs(t, incentive.CheckWalletAmount(d("-5"), dec), incentive.ErrInvalidAmount)
}

func TestWallet_Ineligible(t *testing.T) {
	tests := []struct {
		name       string
		mutate     func(*incentive.PolicyConfig)
		balance    string
		orderValue string
		reason     string
	}{
		{"empty wallet", nil, "0", "500", "Your wallet balance is empty"},
		{"below minimum", nil, "100", "50", "Minimum order value of ₹99 required to use wallet balance"},
		{"program disabled", func(p *incentive.PolicyConfig) { p.ReferralEnabled = false }, "100", "500", "Wallet balance cannot be used right now"},
		{"zero cap", func(p *incentive.PolicyConfig) { p.MaxWalletUsagePerOrder = decimal.Zero }, "100", "500", "No wallet balance can be applied to this order"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := incentive.DefaultPolicy()
			if tt.mutate != nil {
				tt.mutate(&p)
			}
			dec, err := incentive.EvaluateWallet(p, d(tt.orderValue), d(tt.balance))
			assert.ErrorIs(t, err, incentive.ErrIneligibleOffer)
			assert.False(t, dec.Eligible)
			assert.Equal(t, tt.reason, dec.Reason)
		})
	}
}

// =============================================================================
// FESTIVAL PROMO
// =============================================================================

func savePromo(t *testing.T, f *fixture, p incentive.PromoCode) incentive.PromoCode {
	t.Helper()
	if p.Type == "" {
		p.Type = incentive.PromoFixedAmount
	}
	if p.DiscountValue.IsZero() && p.Type != incentive.PromoFreeDelivery {
		p.DiscountValue = d("40")
	}
	p.IsActive, p.IsVisible = true, true
	saved, err := f.engine.CreatePromo(context.Background(), p)
	require.NoError(t, err)
	return saved
}

func TestPromo_WalletSelected_MutuallyExclusive(t *testing.T) {
	f := newFixture(t)
	f.customer(t, "cust-1", "+91-1", "dev-1")
	savePromo(t, f, incentive.PromoCode{Code: "DIWALI40"})

	dec, err := f.engine.ValidateFestivalPromo(context.Background(), "cust-1", "DIWALI40", d("500"), true)

	assert.ErrorIs(t, err, incentive.ErrMutuallyExclusive)
	assert.False(t, dec.Eligible)
	var mx *incentive.MutuallyExclusiveError
	require.ErrorAs(t, err, &mx)
	assert.Equal(t, incentive.IncentiveReferralWallet, mx.Conflicts)
}

func TestPromo_WelcomeStillEligible_MutuallyExclusive(t *testing.T) {
	// GIVEN: A new customer who qualifies for the welcome offer
	// WHEN: Trying a promo code on the first order
	// THEN: Rejected as mutually exclusive with the welcome offer

	f := newFixture(t)
	f.customer(t, "cust-1", "+91-1", "dev-1")
	savePromo(t, f, incentive.PromoCode{Code: "DIWALI40"})

	_, err := f.engine.ValidateFestivalPromo(context.Background(), "cust-1", "DIWALI40", d("500"), false)

	var mx *incentive.MutuallyExclusiveError
	require.ErrorAs(t, err, &mx)
	assert.Equal(t, incentive.IncentiveWelcome, mx.Conflicts)
	assert.NotEmpty(t, incentive.Reason(err))
}

func TestPromo_FirstOrderBelowWelcomeMinimum_PromoAllowed(t *testing.T) {
	// GIVEN: A new customer whose order is below the welcome minimum
	// WHEN: Applying a promo
	// THEN: The welcome offer does not block it

	f := newFixture(t)
	f.customer(t, "cust-1", "+91-1", "dev-1")
	savePromo(t, f, incentive.PromoCode{Code: "SMALL10", Type: incentive.PromoFixedAmount, DiscountValue: d("10")})

	dec, err := f.engine.ValidateFestivalPromo(context.Background(), "cust-1", "small10", d("150"), false)

	require.NoError(t, err)
	assert.True(t, dec.Eligible)
	assert.True(t, dec.Discount.Equal(d("10")))
}

func TestPromo_ReturningCustomer_EligibleWithPreview(t *testing.T) {
	f := newFixture(t)
	f.customer(t, "cust-1", "+91-1", "dev-1")
	f.placeFirstOrder(t, "cust-1")
	savePromo(t, f, incentive.PromoCode{
		Code:           "FEST20",
		Type:           incentive.PromoPercentage,
		DiscountValue:  d("20"),
		MaxDiscountCap: ptr(d("75")),
	})

	dec, err := f.engine.ValidateFestivalPromo(context.Background(), "cust-1", " fest20 ", d("500"), false)

	require.NoError(t, err)
	assert.True(t, dec.Eligible)
	assert.Equal(t, "FEST20", dec.Promo.Code)
	assert.True(t, dec.Discount.Equal(d("75")), "20%% of 500 is 100, capped at 75, got %s", dec.Discount)
}

func TestPromo_UsageRules(t *testing.T) {
	yesterday := march10.Add(-24 * time.Hour)

	tests := []struct {
		name   string
		promo  incentive.PromoCode
		order  string
		reason string
	}{
		{"expired", incentive.PromoCode{Code: "OLD", ExpiryDate: &yesterday}, "500", "Promo code OLD has expired"},
		{"exhausted", incentive.PromoCode{Code: "GONE", UsageLimit: ptr(2), UsageCount: 2}, "500", "Promo code GONE has reached its usage limit"},
		{"below promo minimum", incentive.PromoCode{Code: "BIG", MinOrderValue: ptr(d("999"))}, "500", "Minimum order value of ₹999 required for promo code BIG"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.customer(t, "cust-1", "+91-1", "dev-1")
			f.placeFirstOrder(t, "cust-1")
			savePromo(t, f, tt.promo)

			dec, err := f.engine.ValidateFestivalPromo(context.Background(), "cust-1", tt.promo.Code, d(tt.order), false)

			assert.ErrorIs(t, err, incentive.ErrIneligibleOffer)
			assert.Equal(t, tt.reason, dec.Reason)
		})
	}
}

func TestPromo_Inactive_Ineligible(t *testing.T) {
	f := newFixture(t)
	f.customer(t, "cust-1", "+91-1", "dev-1")
	f.placeFirstOrder(t, "cust-1")
	_, err := f.engine.CreatePromo(context.Background(), incentive.PromoCode{
		Code: "HIDDEN", Type: incentive.PromoFixedAmount, DiscountValue: d("10"), IsActive: true, IsVisible: false,
	})
	require.NoError(t, err)

	_, err = f.engine.ValidateFestivalPromo(context.Background(), "cust-1", "HIDDEN", d("500"), false)

	assert.ErrorIs(t, err, incentive.ErrIneligibleOffer)
}

func TestPromo_PerUserLimitReached_Ineligible(t *testing.T) {
	// GIVEN: A promo usable once per user, already used by the customer
	// WHEN: Validating it again
	// THEN: Ineligible

	f := newFixture(t)
	f.customer(t, "cust-1", "+91-1", "dev-1")
	f.placeFirstOrder(t, "cust-1")
	savePromo(t, f, incentive.PromoCode{Code: "ONCE", PerUserLimit: ptr(1)})

	_, err := f.engine.PlaceOrder(context.Background(), incentive.CheckoutRequest{
		CustomerID: "cust-1", Subtotal: d("300"), PromoCode: "ONCE",
	})
	require.NoError(t, err)

	dec, err := f.engine.ValidateFestivalPromo(context.Background(), "cust-1", "ONCE", d("300"), false)

	assert.ErrorIs(t, err, incentive.ErrIneligibleOffer)
	assert.Equal(t, "You have already used promo code ONCE", dec.Reason)
}

func TestPromo_UnknownCode_NotFound(t *testing.T) {
	f := newFixture(t)
	f.customer(t, "cust-1", "+91-1", "dev-1")
	f.placeFirstOrder(t, "cust-1")

	_, err := f.engine.ValidateFestivalPromo(context.Background(), "cust-1", "NOPE", d("500"), false)

	assert.True(t, incentive.IsNotFound(err))
}

func TestPromoDiscount(t *testing.T) {
	tests := []struct {
		name  string
		promo incentive.PromoCode
		base  string
		want  string
	}{
		{"percentage", incentive.PromoCode{Type: incentive.PromoPercentage, DiscountValue: d("10")}, "250", "25"},
		{"percentage rounds to 2dp", incentive.PromoCode{Type: incentive.PromoPercentage, DiscountValue: d("15")}, "99.99", "15"},
		{"percentage capped", incentive.PromoCode{Type: incentive.PromoPercentage, DiscountValue: d("50"), MaxDiscountCap: ptr(d("100"))}, "1000", "100"},
		{"fixed", incentive.PromoCode{Type: incentive.PromoFixedAmount, DiscountValue: d("40")}, "250", "40"},
		{"fixed above base", incentive.PromoCode{Type: incentive.PromoFixedAmount, DiscountValue: d("400")}, "250", "250"},
		{"free delivery", incentive.PromoCode{Type: incentive.PromoFreeDelivery}, "250", "0"},
		{"zero base", incentive.PromoCode{Type: incentive.PromoFixedAmount, DiscountValue: d("40")}, "0", "0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := incentive.PromoDiscount(tt.promo, d(tt.base))
			assert.True(t, got.Equal(d(tt.want)), "got %s want %s", got, tt.want)
		})
	}
}

func TestCreatePromo_Invalid(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.CreatePromo(context.Background(), incentive.PromoCode{Code: "X", Type: incentive.PromoPercentage, DiscountValue: d("150")})
	assert.ErrorIs(t, err, incentive.ErrInvalidInput)

	_, err = f.engine.CreatePromo(context.Background(), incentive.PromoCode{Code: "", Type: incentive.PromoFixedAmount, DiscountValue: d("5")})
	assert.ErrorIs(t, err, incentive.ErrInvalidInput)

	_, err = f.engine.CreatePromo(context.Background(), incentive.PromoCode{Code: "Y", Type: "BOGO"})
	assert.True(t, errors.Is(err, incentive.ErrInvalidInput))
}
