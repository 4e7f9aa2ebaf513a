/*
checkout.go - Checkout calculator and order placement

PURPOSE:
  Folds subtotal, fees and the single chosen incentive into an
  OrderTotalBreakdown, and places the order atomically.

VALIDATE THEN CALCULATE:
  CalculateCheckout is pure and never validates: UI previews call it freely.
  Quote and PlaceOrder re-validate end-to-end first (global minimum, the one
  applicable validator, wallet amount <= balance and <= usable) and only then
  calculate, so a preview can never commit an invalid order.

CALCULATION ORDER (each step floors the running total at 0):
  1. total = subtotal + handling + delivery + rain + tax
  2. WELCOME:        total -= min(welcomeAmount, total)
  3. FESTIVAL_PROMO: total -= promo discount (FREE_DELIVERY contributes 0,
                     the delivery fee is zeroed before step 1)
  4. REFERRAL_WALLET: total -= min(requested, total)
  5. final = max(total, 0)

  Discounts reduce the payable total before store credit is spent against
  it, so wallet money is conserved.

ORDER PLACEMENT:
  PlaceOrder holds the customer's lock and runs one store transaction:
  re-quote, debit wallet, mark first order, record promo usage, save order,
  advance referral PENDING -> ORDER_PLACED. Any failure rolls back all of it.

SEE ALSO:
  - offers.go: the validators
  - ledger.go: Post, used for the wallet debit and the cancel refund
  - referral.go: OnOrderPlaced, OnOrderDelivered
*/
package incentive

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// CheckoutRequest is what the client asks for. At most one of UseWelcome,
// PromoCode and WalletAmount may be set.
type CheckoutRequest struct {
	CustomerID   CustomerID
	Subtotal     decimal.Decimal
	Fees         Fees
	UseWelcome   bool
	PromoCode    string
	WalletAmount decimal.Decimal
}

// =============================================================================
// PURE CALCULATION
// =============================================================================

// CalculateCheckout computes the breakdown for an already-validated selection.
func CalculateCheckout(p PolicyConfig, subtotal decimal.Decimal, fees Fees, sel IncentiveSelection) OrderTotalBreakdown {
	b := OrderTotalBreakdown{
		Subtotal:  subtotal,
		Fees:      fees,
		Incentive: sel.Type,
	}
	if b.Incentive == "" {
		b.Incentive = IncentiveNone
	}

	total := floor(subtotal.Add(fees.Total()))

	switch sel.Type {
	case IncentiveWelcome:
		b.WelcomeOfferDiscount = floor(decimal.Min(p.WelcomeAmount, total))
		total = floor(total.Sub(b.WelcomeOfferDiscount))
	case IncentiveFestivalPromo:
		if sel.Promo != nil {
			b.PromoDiscount = PromoDiscount(*sel.Promo, total)
			total = floor(total.Sub(b.PromoDiscount))
		}
	case IncentiveReferralWallet:
		b.WalletAmountUsed = floor(decimal.Min(sel.WalletAmount, total))
		total = floor(total.Sub(b.WalletAmountUsed))
	}

	b.FinalTotal = floor(total)
	return b
}

func floor(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}

// ResolveIncentive returns the single incentive a request selects, or
// *MutuallyExclusiveError when it selects more than one.
func ResolveIncentive(req CheckoutRequest) (IncentiveType, error) {
	if req.WalletAmount.IsNegative() {
		return IncentiveNone, fmt.Errorf("%w: wallet amount must be >= 0, got %s", ErrInvalidAmount, req.WalletAmount)
	}

	var selected []IncentiveType
	if req.UseWelcome {
		selected = append(selected, IncentiveWelcome)
	}
	if NormalizeCode(req.PromoCode) != "" {
		selected = append(selected, IncentiveFestivalPromo)
	}
	if req.WalletAmount.IsPositive() {
		selected = append(selected, IncentiveReferralWallet)
	}

	switch len(selected) {
	case 0:
		return IncentiveNone, nil
	case 1:
		return selected[0], nil
	default:
		return IncentiveNone, &MutuallyExclusiveError{
			Requested: selected[1],
			Conflicts: selected[0],
			Reason:    "Only one offer can be applied to an order",
		}
	}
}

// =============================================================================
// QUOTE - validate then calculate
// =============================================================================

type pricedOrder struct {
	customer  Customer
	selection IncentiveSelection
	breakdown OrderTotalBreakdown
}

// Quote validates the request end-to-end and prices it. Nothing is written.
func (e *Engine) Quote(ctx context.Context, req CheckoutRequest) (OrderTotalBreakdown, error) {
	policy, err := e.CurrentPolicy(ctx)
	if err != nil {
		return OrderTotalBreakdown{}, err
	}
	q, err := e.quote(ctx, e.Store, policy, req)
	if kind, kerr := ResolveIncentive(req); kerr == nil && kind != IncentiveNone {
		e.recordOffer(kind, err)
	}
	if err != nil {
		return OrderTotalBreakdown{}, err
	}
	return q.breakdown, nil
}

func (e *Engine) quote(ctx context.Context, s Stores, p PolicyConfig, req CheckoutRequest) (pricedOrder, error) {
	kind, err := ResolveIncentive(req)
	if err != nil {
		return pricedOrder{}, err
	}
	if req.Subtotal.IsNegative() {
		return pricedOrder{}, fmt.Errorf("%w: subtotal must be >= 0, got %s", ErrInvalidAmount, req.Subtotal)
	}
	for _, fee := range []decimal.Decimal{req.Fees.HandlingFee, req.Fees.DeliveryFee, req.Fees.RainFee, req.Fees.TaxAmount} {
		if fee.IsNegative() {
			return pricedOrder{}, fmt.Errorf("%w: fees must be >= 0, got %s", ErrInvalidAmount, fee)
		}
	}

	customer, err := s.Customers().GetCustomer(ctx, req.CustomerID)
	if err != nil {
		return pricedOrder{}, NewStorageError("load customer", err)
	}

	if p.MinOrderValue.IsPositive() && req.Subtotal.LessThan(p.MinOrderValue) {
		return pricedOrder{}, &IneligibleError{
			Incentive: kind,
			Reason:    fmt.Sprintf("Minimum order value of %s required to place an order", p.money(p.MinOrderValue)),
		}
	}

	fees := req.Fees
	sel := IncentiveSelection{Type: kind}
	var waived decimal.Decimal

	switch kind {
	case IncentiveWelcome:
		if _, err := EvaluateWelcome(p, customer, req.Subtotal); err != nil {
			return pricedOrder{}, err
		}

	case IncentiveReferralWallet:
		if req.WalletAmount.GreaterThan(customer.WalletBalance) {
			return pricedOrder{}, &ExceedsLimitError{What: "wallet balance", Requested: req.WalletAmount, Limit: customer.WalletBalance}
		}
		d, err := EvaluateWallet(p, req.Subtotal, customer.WalletBalance)
		if err != nil {
			return pricedOrder{}, err
		}
		if err := CheckWalletAmount(req.WalletAmount, d); err != nil {
			return pricedOrder{}, err
		}
		sel.WalletAmount = req.WalletAmount

	case IncentiveFestivalPromo:
		if err := welcomeBlocksPromo(p, customer, req.Subtotal); err != nil {
			return pricedOrder{}, err
		}
		promo, err := e.Promos.Check(ctx, s.Promos(), p, req.PromoCode, customer.ID, req.Subtotal)
		if err != nil {
			return pricedOrder{}, err
		}
		sel.Promo = &promo
		if promo.Type == PromoFreeDelivery {
			waived = fees.DeliveryFee
			fees.DeliveryFee = decimal.Zero
		}
	}

	b := CalculateCheckout(p, req.Subtotal, fees, sel)
	b.DeliveryFeeWaived = waived
	return pricedOrder{customer: customer, selection: sel, breakdown: b}, nil
}

// =============================================================================
// ORDER LIFECYCLE
// =============================================================================

// PlaceOrder validates, prices and confirms an order in one atomic unit.
func (e *Engine) PlaceOrder(ctx context.Context, req CheckoutRequest) (Order, error) {
	policy, err := e.CurrentPolicy(ctx)
	if err != nil {
		return Order{}, err
	}

	unlock := e.locks.Lock(req.CustomerID)
	defer unlock()

	var (
		order Order
		debit *WalletTransaction
	)
	err = withRetry(ctx, e.Store, e.maxAttempts, func(s Stores) error {
		debit = nil
		q, err := e.quote(ctx, s, policy, req)
		if err != nil {
			return err
		}

		now := e.now()
		orderID := OrderID(e.newID())
		order = Order{
			ID:         orderID,
			CustomerID: req.CustomerID,
			Status:     OrderPlaced,
			Incentive:  q.selection.Type,
			Breakdown:  q.breakdown,
			CreatedAt:  now,
		}

		if q.breakdown.WalletAmountUsed.IsPositive() {
			tx, err := e.Ledger.Post(ctx, s, Entry{
				UserID:      req.CustomerID,
				Type:        TxDebit,
				Amount:      q.breakdown.WalletAmountUsed,
				Description: "Wallet used for order",
				OrderID:     &orderID,
			})
			if err != nil {
				return err
			}
			debit = &tx
		}

		firstOrder := q.customer.IsFirstOrder()
		if firstOrder {
			if err := s.Customers().MarkFirstOrder(ctx, req.CustomerID, now); err != nil {
				if errors.Is(err, ErrInvalidState) {
					return ErrConcurrentModification
				}
				return NewStorageError("mark first order", err)
			}
		}

		if q.selection.Promo != nil {
			order.PromoCode = q.selection.Promo.Code
			if err := e.Promos.Record(ctx, s.Promos(), *q.selection.Promo, req.CustomerID, orderID); err != nil {
				return err
			}
		}

		if err := s.Orders().SaveOrder(ctx, order); err != nil {
			return NewStorageError("save order", err)
		}

		if firstOrder {
			if err := e.advanceOnOrderPlaced(ctx, s, order); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		e.logger.Info("order rejected",
			"customer_id", req.CustomerID, "error", err)
		return Order{}, err
	}

	e.metrics.OrderPlaced(order.Incentive)
	if debit != nil {
		e.metrics.LedgerPosted(debit.Type, debit.Amount)
	}
	e.logger.Info("order placed",
		"order_id", order.ID,
		"customer_id", order.CustomerID,
		"incentive", order.Incentive,
		"final_total", order.Breakdown.FinalTotal.String())
	return order, nil
}

// DeliverOrder marks a placed order delivered and runs reward processing for
// the customer's referral. Redelivering a delivered order only re-runs the
// (idempotent) reward processing.
func (e *Engine) DeliverOrder(ctx context.Context, orderID OrderID) (RewardResult, error) {
	order, err := e.Order(ctx, orderID)
	if err != nil {
		return RewardResult{}, err
	}

	now := e.now()
	switch order.Status {
	case OrderPlaced:
		err := e.Store.WithTx(ctx, func(s Stores) error {
			return s.Orders().SetOrderStatus(ctx, orderID, OrderPlaced, OrderDelivered, now)
		})
		if err != nil && !errors.Is(err, ErrInvalidState) {
			return RewardResult{}, NewStorageError("deliver order", err)
		}
	case OrderDelivered:
	default:
		return RewardResult{}, &InvalidStateError{Entity: "order", ID: string(orderID), Current: string(order.Status), Wanted: string(OrderDelivered)}
	}

	res, err := e.OnOrderDelivered(ctx, OrderEvent{OrderID: orderID, CustomerID: order.CustomerID, At: now})
	var ise *InvalidStateError
	if errors.As(err, &ise) && ise.Entity == "referral" {
		// The order is delivered either way; a referral that can no longer
		// pay out is not a delivery failure.
		e.logger.Info("referral not payable", "order_id", orderID, "status", ise.Current)
		return RewardResult{Outcome: OutcomeSkipped, Reason: ise.Error()}, nil
	}
	return res, err
}

// CancelOrder cancels a placed order and refunds any wallet amount it used.
// The referral is left untouched.
func (e *Engine) CancelOrder(ctx context.Context, orderID OrderID) (Order, error) {
	order, err := e.Order(ctx, orderID)
	if err != nil {
		return Order{}, err
	}

	unlock := e.locks.Lock(order.CustomerID)
	defer unlock()

	var refund *WalletTransaction
	err = withRetry(ctx, e.Store, e.maxAttempts, func(s Stores) error {
		refund = nil
		current, err := s.Orders().GetOrder(ctx, orderID)
		if err != nil {
			return NewStorageError("load order", err)
		}
		if current.Status != OrderPlaced {
			return &InvalidStateError{Entity: "order", ID: string(orderID), Current: string(current.Status), Wanted: string(OrderCancelled)}
		}

		now := e.now()
		if err := s.Orders().SetOrderStatus(ctx, orderID, OrderPlaced, OrderCancelled, now); err != nil {
			return NewStorageError("cancel order", err)
		}
		if used := current.Breakdown.WalletAmountUsed; used.IsPositive() {
			tx, err := e.Ledger.Post(ctx, s, Entry{
				UserID:      current.CustomerID,
				Type:        TxRefund,
				Amount:      used,
				Description: "Refund for cancelled order",
				OrderID:     &orderID,
			})
			if err != nil {
				return err
			}
			refund = &tx
		}
		current.Status = OrderCancelled
		current.CancelledAt = &now
		order = current
		return nil
	})
	if err != nil {
		return Order{}, err
	}
	if refund != nil {
		e.metrics.LedgerPosted(refund.Type, refund.Amount)
	}
	e.logger.Info("order cancelled", "order_id", orderID, "customer_id", order.CustomerID)
	return order, nil
}
