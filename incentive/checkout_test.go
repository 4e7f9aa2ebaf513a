package incentive_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/incentive-engine/incentive"
)

// =============================================================================
// PURE CALCULATION
// =============================================================================

func TestCalculateCheckout_WelcomeScenario(t *testing.T) {
	// GIVEN: Order value 250, welcome amount 50, no fees or tax
	// WHEN: Calculating with the welcome offer
	// THEN: Discount 50, final total 200

	p := incentive.DefaultPolicy()

	b := incentive.CalculateCheckout(p, d("250"), incentive.Fees{}, incentive.IncentiveSelection{Type: incentive.IncentiveWelcome})

	assert.True(t, b.WelcomeOfferDiscount.Equal(d("50")))
	assert.True(t, b.FinalTotal.Equal(d("200")), "final = %s", b.FinalTotal)
	assert.Equal(t, incentive.IncentiveWelcome, b.Incentive)
}

func TestCalculateCheckout_FeesAddedBeforeDiscount(t *testing.T) {
	p := incentive.DefaultPolicy()
	fees := incentive.Fees{HandlingFee: d("5"), DeliveryFee: d("25"), RainFee: d("10"), TaxAmount: d("12.50")}
	promo := incentive.PromoCode{Type: incentive.PromoPercentage, DiscountValue: d("10")}

	b := incentive.CalculateCheckout(p, d("200"), fees, incentive.IncentiveSelection{Type: incentive.IncentiveFestivalPromo, Promo: &promo})

	// total 252.50, 10% = 25.25
	assert.True(t, b.PromoDiscount.Equal(d("25.25")), "promo = %s", b.PromoDiscount)
	assert.True(t, b.FinalTotal.Equal(d("227.25")), "final = %s", b.FinalTotal)
}

func TestCalculateCheckout_NoIncentive(t *testing.T) {
	b := incentive.CalculateCheckout(incentive.DefaultPolicy(), d("120"), incentive.Fees{DeliveryFee: d("20")}, incentive.IncentiveSelection{})

	assert.Equal(t, incentive.IncentiveNone, b.Incentive)
	assert.True(t, b.FinalTotal.Equal(d("140")))
	assert.True(t, b.TotalSavings().IsZero())
}

func TestCalculateCheckout_FinalTotalNeverNegative(t *testing.T) {
	// GIVEN: Every incentive type with amounts larger than the order
	// WHEN: Calculating
	// THEN: Each component is floored and the final total is >= 0

	p := incentive.DefaultPolicy()
	p.WelcomeAmount = d("1000")
	fixed := incentive.PromoCode{Type: incentive.PromoFixedAmount, DiscountValue: d("1000")}
	pct := incentive.PromoCode{Type: incentive.PromoPercentage, DiscountValue: d("100")}

	selections := []incentive.IncentiveSelection{
		{Type: incentive.IncentiveWelcome},
		{Type: incentive.IncentiveFestivalPromo, Promo: &fixed},
		{Type: incentive.IncentiveFestivalPromo, Promo: &pct},
		{Type: incentive.IncentiveReferralWallet, WalletAmount: d("1000")},
	}
	for _, sub := range []string{"0", "0.01", "1", "99.99", "250"} {
		for _, sel := range selections {
			b := incentive.CalculateCheckout(p, d(sub), incentive.Fees{TaxAmount: d("1.50")}, sel)
			assert.False(t, b.FinalTotal.IsNegative(), "%s %s", sel.Type, sub)
			gross := d(sub).Add(d("1.50"))
			assert.True(t, b.FinalTotal.Add(b.TotalSavings()).Equal(gross),
				"%s %s: final %s + savings %s != %s", sel.Type, sub, b.FinalTotal, b.TotalSavings(), gross)
		}
	}
}

func TestResolveIncentive_MoreThanOne_AlwaysMutuallyExclusive(t *testing.T) {
	tests := []struct {
		name string
		req  incentive.CheckoutRequest
	}{
		{"welcome+promo", incentive.CheckoutRequest{UseWelcome: true, PromoCode: "X"}},
		{"welcome+wallet", incentive.CheckoutRequest{UseWelcome: true, WalletAmount: d("10")}},
		{"promo+wallet", incentive.CheckoutRequest{PromoCode: "X", WalletAmount: d("10")}},
		{"all three", incentive.CheckoutRequest{UseWelcome: true, PromoCode: "X", WalletAmount: d("10")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := incentive.ResolveIncentive(tt.req)
			assert.ErrorIs(t, err, incentive.ErrMutuallyExclusive)
		})
	}
}

func TestResolveIncentive_Single(t *testing.T) {
	kind, err := incentive.ResolveIncentive(incentive.CheckoutRequest{PromoCode: "  "})
	require.NoError(t, err)
	assert.Equal(t, incentive.IncentiveNone, kind)

	kind, err = incentive.ResolveIncentive(incentive.CheckoutRequest{WalletAmount: d("5")})
	require.NoError(t, err)
	assert.Equal(t, incentive.IncentiveReferralWallet, kind)

	_, err = incentive.ResolveIncentive(incentive.CheckoutRequest{WalletAmount: d("-5")})
	assert.ErrorIs(t, err, incentive.ErrInvalidAmount)
}

// =============================================================================
// QUOTE - validate then calculate
// =============================================================================

func TestQuote_MultipleIncentives_MutuallyExclusiveRegardlessOfEligibility(t *testing.T) {
	// GIVEN: A customer with no wallet balance and no promo saved
	// WHEN: Quoting with two incentives
	// THEN: MutuallyExclusive wins over every other check

	f := newFixture(t)
	f.customer(t, "cust-1", "+91-1", "dev-1")

	_, err := f.engine.Quote(context.Background(), incentive.CheckoutRequest{
		CustomerID: "cust-1", Subtotal: d("500"), PromoCode: "MISSING", WalletAmount: d("999"),
	})

	assert.ErrorIs(t, err, incentive.ErrMutuallyExclusive)
}

func TestQuote_WalletScenario_ReducesTotalByExactly30(t *testing.T) {
	// GIVEN: Wallet balance 100, max usage 30, order 500
	// WHEN: Quoting with 30 and with 50 wallet
	// THEN: 30 reduces the total by exactly 30; 50 fails ExceedsLimit

	f := newFixture(t)
	f.customer(t, "cust-1", "+91-1", "dev-1")
	f.fund(t, "cust-1", "100")
	fees := incentive.Fees{DeliveryFee: d("20")}

	plain, err := f.engine.Quote(context.Background(), incentive.CheckoutRequest{CustomerID: "cust-1", Subtotal: d("500"), Fees: fees})
	require.NoError(t, err)

	withWallet, err := f.engine.Quote(context.Background(), incentive.CheckoutRequest{
		CustomerID: "cust-1", Subtotal: d("500"), Fees: fees, WalletAmount: d("30"),
	})
	require.NoError(t, err)
	assert.True(t, withWallet.WalletAmountUsed.Equal(d("30")))
	assert.True(t, plain.FinalTotal.Sub(withWallet.FinalTotal).Equal(d("30")))

	_, err = f.engine.Quote(context.Background(), incentive.CheckoutRequest{
		CustomerID: "cust-1", Subtotal: d("500"), Fees: fees, WalletAmount: d("50"),
	})
	assert.ErrorIs(t, err, incentive.ErrExceedsLimit)
}

func TestQuote_WalletAboveBalance_ExceedsLimit(t *testing.T) {
	f := newFixture(t)
	f.customer(t, "cust-1", "+91-1", "dev-1")
	f.fund(t, "cust-1", "20")

	_, err := f.engine.Quote(context.Background(), incentive.CheckoutRequest{
		CustomerID: "cust-1", Subtotal: d("500"), WalletAmount: d("25"),
	})

	var exceeds *incentive.ExceedsLimitError
	require.ErrorAs(t, err, &exceeds)
	assert.Equal(t, "wallet balance", exceeds.What)
}

func TestQuote_FreeDelivery_WaivesDeliveryFee(t *testing.T) {
	f := newFixture(t)
	f.customer(t, "cust-1", "+91-1", "dev-1")
	f.placeFirstOrder(t, "cust-1")
	savePromo(t, f, incentive.PromoCode{Code: "FREESHIP", Type: incentive.PromoFreeDelivery})

	b, err := f.engine.Quote(context.Background(), incentive.CheckoutRequest{
		CustomerID: "cust-1",
		Subtotal:   d("300"),
		Fees:       incentive.Fees{HandlingFee: d("5"), DeliveryFee: d("30")},
		PromoCode:  "FREESHIP",
	})

	require.NoError(t, err)
	assert.True(t, b.DeliveryFeeWaived.Equal(d("30")))
	assert.True(t, b.PromoDiscount.IsZero())
	assert.True(t, b.FinalTotal.Equal(d("305")), "final = %s", b.FinalTotal)
}

func TestQuote_BelowGlobalMinimum_Ineligible(t *testing.T) {
	f := newFixture(t, func(p *incentive.PolicyConfig) { p.MinOrderValue = d("100") })
	f.customer(t, "cust-1", "+91-1", "dev-1")

	_, err := f.engine.Quote(context.Background(), incentive.CheckoutRequest{CustomerID: "cust-1", Subtotal: d("80")})

	assert.ErrorIs(t, err, incentive.ErrIneligibleOffer)
	assert.Equal(t, "Minimum order value of ₹100 required to place an order", incentive.Reason(err))
}

func TestQuote_WelcomeBelowMinimum_Ineligible(t *testing.T) {
	f := newFixture(t)
	f.customer(t, "cust-1", "+91-1", "dev-1")

	_, err := f.engine.Quote(context.Background(), incentive.CheckoutRequest{CustomerID: "cust-1", Subtotal: d("150"), UseWelcome: true})

	assert.ErrorIs(t, err, incentive.ErrIneligibleOffer)
	assert.Contains(t, incentive.Reason(err), "₹199")
}

// =============================================================================
// ORDER PLACEMENT
// =============================================================================

func TestPlaceOrder_Welcome_UsedExactlyOnce(t *testing.T) {
	// GIVEN: A new customer
	// WHEN: Placing two orders with the welcome offer
	// THEN: The first gets 50 off and marks the customer; the second is rejected

	f := newFixture(t)
	f.customer(t, "cust-1", "+91-1", "dev-1")
	ctx := context.Background()

	order, err := f.engine.PlaceOrder(ctx, incentive.CheckoutRequest{CustomerID: "cust-1", Subtotal: d("250"), UseWelcome: true})
	require.NoError(t, err)
	assert.Equal(t, incentive.OrderPlaced, order.Status)
	assert.True(t, order.Breakdown.FinalTotal.Equal(d("200")))

	c, err := f.engine.Customer(ctx, "cust-1")
	require.NoError(t, err)
	assert.True(t, c.HasUsedWelcomeOffer)
	require.NotNil(t, c.FirstOrderPlacedAt)
	assert.True(t, c.FirstOrderPlacedAt.Equal(march10))

	_, err = f.engine.PlaceOrder(ctx, incentive.CheckoutRequest{CustomerID: "cust-1", Subtotal: d("250"), UseWelcome: true})
	assert.ErrorIs(t, err, incentive.ErrIneligibleOffer)
}

func TestPlaceOrder_ConcurrentWelcome_OnlyOneSucceeds(t *testing.T) {
	f := newFixture(t)
	f.customer(t, "cust-1", "+91-1", "dev-1")

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.engine.PlaceOrder(context.Background(), incentive.CheckoutRequest{
				CustomerID: "cust-1", Subtotal: d("250"), UseWelcome: true,
			})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, incentive.ErrIneligibleOffer)
		}
	}
	assert.Equal(t, 1, succeeded)
}

func TestPlaceOrder_Wallet_DebitsLedgerWithOrder(t *testing.T) {
	f := newFixture(t)
	f.customer(t, "cust-1", "+91-1", "dev-1")
	f.fund(t, "cust-1", "100")
	ctx := context.Background()

	order, err := f.engine.PlaceOrder(ctx, incentive.CheckoutRequest{CustomerID: "cust-1", Subtotal: d("500"), WalletAmount: d("30")})
	require.NoError(t, err)

	assert.True(t, f.balance(t, "cust-1").Equal(d("70")))
	history, err := f.engine.Ledger.History(ctx, "cust-1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	debit := history[1]
	assert.Equal(t, incentive.TxDebit, debit.Type)
	assert.True(t, debit.Amount.Equal(d("30")))
	require.NotNil(t, debit.OrderID)
	assert.Equal(t, order.ID, *debit.OrderID)
	assert.NoError(t, f.engine.Ledger.Reconcile(ctx, "cust-1"))

	saved, err := f.engine.Order(ctx, order.ID)
	require.NoError(t, err)
	assert.True(t, saved.Breakdown.WalletAmountUsed.Equal(d("30")))
}

func TestPlaceOrder_OrderPersistFails_WalletNotCharged(t *testing.T) {
	// GIVEN: A store that fails to persist the order
	// WHEN: Placing a wallet order
	// THEN: The whole unit rolls back: no debit, first order not marked

	fs := newFaultyStore(map[string]error{})
	f := newFixtureWithStore(t, fs)
	f.customer(t, "cust-1", "+91-1", "dev-1")
	f.fund(t, "cust-1", "100")
	fs.faults["SaveOrder"] = errors.New("disk full")
	ctx := context.Background()

	_, err := f.engine.PlaceOrder(ctx, incentive.CheckoutRequest{CustomerID: "cust-1", Subtotal: d("500"), WalletAmount: d("30")})

	require.Error(t, err)
	assert.True(t, incentive.IsStorage(err))
	assert.True(t, f.balance(t, "cust-1").Equal(d("100")))
	history, err := f.engine.Ledger.History(ctx, "cust-1")
	require.NoError(t, err)
	assert.Len(t, history, 1)
	c, err := f.engine.Customer(ctx, "cust-1")
	require.NoError(t, err)
	assert.True(t, c.IsFirstOrder())
}

func TestPlaceOrder_ConcurrentWalletOrders_NeverOverdraw(t *testing.T) {
	// GIVEN: Balance 30, per-order cap 30
	// WHEN: Ten concurrent orders each spend 30
	// THEN: Exactly one succeeds, the balance ends at 0, the ledger reconciles

	f := newFixture(t)
	f.customer(t, "cust-1", "+91-1", "dev-1")
	f.fund(t, "cust-1", "30")

	const n = 10
	var wg sync.WaitGroup
	results := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.PlaceOrder(context.Background(), incentive.CheckoutRequest{
				CustomerID: "cust-1", Subtotal: d("500"), WalletAmount: d("30"),
			})
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for err := range results {
		if err == nil {
			succeeded++
		} else {
			assert.True(t, incentive.IsClientError(err), "unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.True(t, f.balance(t, "cust-1").IsZero())
	assert.NoError(t, f.engine.Ledger.Reconcile(context.Background(), "cust-1"))
}

func TestPlaceOrder_PromoUsageLimit_Enforced(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	savePromo(t, f, incentive.PromoCode{Code: "LIMITED", UsageLimit: ptr(1)})
	for _, id := range []string{"a", "b"} {
		f.customer(t, id, "+91-"+id, "dev-"+id)
		f.placeFirstOrder(t, id)
	}

	order, err := f.engine.PlaceOrder(ctx, incentive.CheckoutRequest{CustomerID: "a", Subtotal: d("300"), PromoCode: "LIMITED"})
	require.NoError(t, err)
	assert.Equal(t, "LIMITED", order.PromoCode)
	assert.True(t, order.Breakdown.PromoDiscount.Equal(d("40")))

	_, err = f.engine.PlaceOrder(ctx, incentive.CheckoutRequest{CustomerID: "b", Subtotal: d("300"), PromoCode: "LIMITED"})
	assert.ErrorIs(t, err, incentive.ErrIneligibleOffer)
}

// =============================================================================
// CANCELLATION
// =============================================================================

func TestCancelOrder_RefundsWallet(t *testing.T) {
	f := newFixture(t)
	f.customer(t, "cust-1", "+91-1", "dev-1")
	f.fund(t, "cust-1", "100")
	ctx := context.Background()

	order, err := f.engine.PlaceOrder(ctx, incentive.CheckoutRequest{CustomerID: "cust-1", Subtotal: d("500"), WalletAmount: d("30")})
	require.NoError(t, err)

	cancelled, err := f.engine.CancelOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, incentive.OrderCancelled, cancelled.Status)
	require.NotNil(t, cancelled.CancelledAt)

	assert.True(t, f.balance(t, "cust-1").Equal(d("100")))
	history, err := f.engine.Ledger.History(ctx, "cust-1")
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, incentive.TxRefund, history[2].Type)
	assert.NoError(t, f.engine.Ledger.Reconcile(ctx, "cust-1"))

	_, err = f.engine.CancelOrder(ctx, order.ID)
	assert.ErrorIs(t, err, incentive.ErrInvalidState)
}

func TestCancelOrder_Delivered_InvalidState(t *testing.T) {
	f := newFixture(t)
	f.customer(t, "cust-1", "+91-1", "dev-1")
	order := f.placeFirstOrder(t, "cust-1")
	ctx := context.Background()

	_, err := f.engine.DeliverOrder(ctx, order.ID)
	require.NoError(t, err)

	_, err = f.engine.CancelOrder(ctx, order.ID)
	assert.ErrorIs(t, err, incentive.ErrInvalidState)

	assert.True(t, f.balance(t, "cust-1").Equal(decimal.Zero))
}
