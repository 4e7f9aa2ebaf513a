/*
offers.go - Incentive validators

PURPOSE:
  Three independent validators decide whether an incentive applies to an
  order and compute a candidate discount:
  - Welcome:          first order only, above a minimum order value
  - Referral wallet:  spend stored credit, bounded by balance, per-order cap
                      and order value
  - Festival promo:   coupon code, gated by mutual exclusivity with the other two

  Ineligibility is an expected outcome, not a bug. Validators return a
  decision carrying a human-readable Reason and a typed error
  (*IneligibleError, *MutuallyExclusiveError) the caller can render. Store
  failures are *StorageError and always fail closed.

USAGE:
  d, err := engine.ValidateWelcomeOffer(ctx, "cust-1", decimal.NewFromInt(250))
  // d.Eligible == true, d.Discount == 50

  d, err = engine.ValidateWelcomeOffer(ctx, "cust-1", decimal.NewFromInt(150))
  // errors.Is(err, ErrIneligibleOffer), d.Reason == "Minimum order value of ₹199 required for the welcome offer"

SEE ALSO:
  - checkout.go: re-runs the applicable validator before charging
  - promo.go: promo-code usage rules
*/
package incentive

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// outcome labels for Metrics.OfferEvaluated
const (
	outcomeEligible   = "eligible"
	outcomeIneligible = "ineligible"
	outcomeError      = "error"
)

// =============================================================================
// WELCOME OFFER
// =============================================================================

type WelcomeDecision struct {
	Eligible bool
	Discount decimal.Decimal
	Reason   string
}

// EvaluateWelcome applies the welcome rules to an already-loaded customer.
func EvaluateWelcome(p PolicyConfig, c Customer, orderValue decimal.Decimal) (WelcomeDecision, error) {
	fail := func(reason string) (WelcomeDecision, error) {
		return WelcomeDecision{Reason: reason}, &IneligibleError{Incentive: IncentiveWelcome, Reason: reason}
	}

	if !p.WelcomeEnabled {
		return fail("Welcome offer is not available right now")
	}
	if !c.IsFirstOrder() {
		return fail("Welcome offer is valid on your first order only")
	}
	if orderValue.LessThan(p.WelcomeMinOrderValue) {
		return fail(fmt.Sprintf("Minimum order value of %s required for the welcome offer", p.money(p.WelcomeMinOrderValue)))
	}

	discount := decimal.Min(p.WelcomeAmount, orderValue)
	if discount.IsNegative() {
		discount = decimal.Zero
	}
	return WelcomeDecision{Eligible: true, Discount: discount}, nil
}

// ValidateWelcomeOffer checks whether the customer's order qualifies for the
// welcome discount.
func (e *Engine) ValidateWelcomeOffer(ctx context.Context, customerID CustomerID, orderValue decimal.Decimal) (WelcomeDecision, error) {
	d, err := e.validateWelcome(ctx, e.Store, customerID, orderValue)
	e.recordOffer(IncentiveWelcome, err)
	return d, err
}

func (e *Engine) validateWelcome(ctx context.Context, s Stores, customerID CustomerID, orderValue decimal.Decimal) (WelcomeDecision, error) {
	policy, err := e.CurrentPolicy(ctx)
	if err != nil {
		return WelcomeDecision{}, err
	}
	customer, err := s.Customers().GetCustomer(ctx, customerID)
	if err != nil {
		return WelcomeDecision{}, NewStorageError("load customer", err)
	}
	return EvaluateWelcome(policy, customer, orderValue)
}

// =============================================================================
// REFERRAL WALLET
// =============================================================================

type WalletDecision struct {
	Eligible     bool
	UsableAmount decimal.Decimal
	Reason       string
}

// EvaluateWallet computes how much of balance may offset an order of orderValue:
// min(balance, MaxWalletUsagePerOrder, orderValue).
func EvaluateWallet(p PolicyConfig, orderValue, balance decimal.Decimal) (WalletDecision, error) {
	fail := func(reason string) (WalletDecision, error) {
		return WalletDecision{Reason: reason}, &IneligibleError{Incentive: IncentiveReferralWallet, Reason: reason}
	}

	if !p.ReferralEnabled {
		return fail("Wallet balance cannot be used right now")
	}
	if !balance.IsPositive() {
		return fail("Your wallet balance is empty")
	}
	if orderValue.LessThan(p.MinOrderValueForWallet) {
		return fail(fmt.Sprintf("Minimum order value of %s required to use wallet balance", p.money(p.MinOrderValueForWallet)))
	}

	usable := decimal.Min(balance, p.MaxWalletUsagePerOrder, orderValue)
	if !usable.IsPositive() {
		return fail("No wallet balance can be applied to this order")
	}
	return WalletDecision{Eligible: true, UsableAmount: usable}, nil
}

// CheckWalletAmount validates the amount the client asked to spend. It is
// never clamped: asking for more than the usable amount is an error.
func CheckWalletAmount(requested decimal.Decimal, d WalletDecision) error {
	if !requested.IsPositive() {
		return fmt.Errorf("%w: wallet amount must be > 0, got %s", ErrInvalidAmount, requested)
	}
	if !d.Eligible {
		return &IneligibleError{Incentive: IncentiveReferralWallet, Reason: d.Reason}
	}
	if requested.GreaterThan(d.UsableAmount) {
		return &ExceedsLimitError{What: "wallet amount", Requested: requested, Limit: d.UsableAmount}
	}
	return nil
}

// ValidateReferralWallet reports how much wallet balance is usable on the order.
func (e *Engine) ValidateReferralWallet(ctx context.Context, customerID CustomerID, orderValue, balance decimal.Decimal) (WalletDecision, error) {
	policy, err := e.CurrentPolicy(ctx)
	if err != nil {
		e.recordOffer(IncentiveReferralWallet, err)
		return WalletDecision{}, err
	}
	d, err := EvaluateWallet(policy, orderValue, balance)
	e.recordOffer(IncentiveReferralWallet, err)
	if err != nil {
		e.logger.Debug("wallet not usable", "customer_id", customerID, "reason", d.Reason)
	}
	return d, err
}

// =============================================================================
// FESTIVAL PROMO - mutual exclusivity gate
// =============================================================================

type PromoDecision struct {
	Eligible bool
	Promo    PromoCode

	// Discount previewed against orderValue alone. The charged discount is
	// computed by CalculateCheckout against the full total.
	Discount decimal.Decimal
	Reason   string
}

// ValidateFestivalPromo checks a promo code. It is rejected as mutually
// exclusive when wallet balance is already selected or when the customer is
// still eligible for the welcome offer.
func (e *Engine) ValidateFestivalPromo(ctx context.Context, customerID CustomerID, code string, orderValue decimal.Decimal, walletSelected bool) (PromoDecision, error) {
	d, err := e.validatePromo(ctx, e.Store, customerID, code, orderValue, walletSelected)
	e.recordOffer(IncentiveFestivalPromo, err)
	return d, err
}

func (e *Engine) validatePromo(ctx context.Context, s Stores, customerID CustomerID, code string, orderValue decimal.Decimal, walletSelected bool) (PromoDecision, error) {
	if walletSelected {
		mx := &MutuallyExclusiveError{
			Requested: IncentiveFestivalPromo,
			Conflicts: IncentiveReferralWallet,
			Reason:    "Promo codes cannot be combined with wallet balance",
		}
		return PromoDecision{Reason: mx.Reason}, mx
	}

	policy, err := e.CurrentPolicy(ctx)
	if err != nil {
		return PromoDecision{}, err
	}
	customer, err := s.Customers().GetCustomer(ctx, customerID)
	if err != nil {
		return PromoDecision{}, NewStorageError("load customer", err)
	}
	if err := welcomeBlocksPromo(policy, customer, orderValue); err != nil {
		return PromoDecision{Reason: Reason(err)}, err
	}

	promo, err := e.Promos.Check(ctx, s.Promos(), policy, code, customerID, orderValue)
	if err != nil {
		return PromoDecision{Reason: Reason(err)}, err
	}
	return PromoDecision{
		Eligible: true,
		Promo:    promo,
		Discount: PromoDiscount(promo, orderValue),
	}, nil
}

// welcomeBlocksPromo returns *MutuallyExclusiveError while the welcome offer
// is still available for this order.
func welcomeBlocksPromo(p PolicyConfig, c Customer, orderValue decimal.Decimal) error {
	w, err := EvaluateWelcome(p, c, orderValue)
	if err != nil && !errors.Is(err, ErrIneligibleOffer) {
		return err
	}
	if w.Eligible {
		return &MutuallyExclusiveError{
			Requested: IncentiveFestivalPromo,
			Conflicts: IncentiveWelcome,
			Reason:    "Your welcome offer applies to this order. Promo codes can be used from your next order",
		}
	}
	return nil
}

func (e *Engine) recordOffer(t IncentiveType, err error) {
	switch {
	case err == nil:
		e.metrics.OfferEvaluated(t, outcomeEligible)
	case IsClientError(err):
		e.metrics.OfferEvaluated(t, outcomeIneligible)
	default:
		e.metrics.OfferEvaluated(t, outcomeError)
	}
}
