/*
Package incentive provides the promotions and referral rewards engine.

PURPOSE:
  Decides how much a customer owes for an order once an incentive is applied,
  and pays out referral rewards into customer wallets. Three incentives exist
  and at most one applies to any order:
  - Welcome offer: one-time discount on the first order
  - Referral wallet: store credit earned by referring friends
  - Festival promo: a coupon code (percentage, fixed amount, free delivery)

KEY CONCEPTS IN THIS FILE (types.go):
  - Customer: wallet balance and first-order flags
  - Referral: a referred user's progress towards a reward payout
  - WalletTransaction: an immutable ledger entry with before/after balance
  - PromoCode: coupon definition with usage limits
  - OrderTotalBreakdown: the priced checkout

DESIGN PRINCIPLES:
  1. Precision: all money is decimal.Decimal, never float64
  2. Immutability: wallet transactions are append-only
  3. Atomicity: balance and ledger are written in one store transaction
  4. Auditability: referrals are never deleted, terminal states are kept

SEE ALSO:
  - policy.go: PolicyConfig snapshot
  - ledger.go: wallet credit/debit
  - offers.go: incentive validators
  - checkout.go: checkout calculator and order placement
  - referral.go: referral reward state machine
*/
package incentive

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type CustomerID string
type ReferralID string
type TransactionID string
type OrderID string
type PromoID string

// =============================================================================
// CUSTOMER
// =============================================================================

// Customer is the engine's view of a shopper.
//
// HasUsedWelcomeOffer and FirstOrderPlacedAt are written exactly once, when the
// first order is placed, and never reset.
type Customer struct {
	ID                    CustomerID
	Phone                 string
	DeviceID              string
	WalletBalance         decimal.Decimal
	HasUsedWelcomeOffer   bool
	FirstOrderPlacedAt    *time.Time
	ReferralCode          *string
	ReferredBy            *CustomerID
	ReferralCount         int
	TotalReferralEarnings decimal.Decimal
	CreatedAt             time.Time
}

// IsFirstOrder reports whether the customer has never placed an order.
func (c Customer) IsFirstOrder() bool {
	return !c.HasUsedWelcomeOffer && c.FirstOrderPlacedAt == nil
}

// NewCustomer is the input for creating a customer on first interaction.
type NewCustomer struct {
	ID       CustomerID
	Phone    string
	DeviceID string
}

// =============================================================================
// REFERRAL
// =============================================================================

// Referral tracks one referred user from registration to reward payout.
// There is at most one referral per referred user.
type Referral struct {
	ID                   ReferralID
	ReferrerUserID       CustomerID
	ReferredUserID       CustomerID
	ReferredUserPhone    string
	ReferredUserDeviceID *string
	Status               ReferralStatus

	// Captured when the referral is created. Policy changes never re-price it.
	RewardAmount decimal.Decimal

	CreditedAt      *time.Time
	OrderID         *OrderID
	RejectionReason string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	ExpiresAt       *time.Time
}

// IsExpired reports whether the referral expired before now.
func (r Referral) IsExpired(now time.Time) bool {
	return r.ExpiresAt != nil && now.After(*r.ExpiresAt)
}

// StatusUpdate carries the optional fields written alongside a status change.
type StatusUpdate struct {
	OrderID         *OrderID
	CreditedAt      *time.Time
	RejectionReason string
	At              time.Time
}

// =============================================================================
// WALLET TRANSACTION - Append-only ledger entry
// =============================================================================

type TransactionType string

const (
	TxCredit TransactionType = "CREDIT"
	TxDebit  TransactionType = "DEBIT"
	TxRefund TransactionType = "REFUND"
)

// WalletTransaction is an immutable record of one wallet balance change.
//
// INVARIANTS:
//   - Amount > 0
//   - BalanceAfter = BalanceBefore + Amount for CREDIT/REFUND
//   - BalanceAfter = BalanceBefore - Amount for DEBIT
//   - BalanceAfter >= 0
type WalletTransaction struct {
	ID            TransactionID
	UserID        CustomerID
	Type          TransactionType
	Amount        decimal.Decimal
	BalanceBefore decimal.Decimal
	BalanceAfter  decimal.Decimal
	Description   string
	OrderID       *OrderID
	CreatedAt     time.Time
}

// Delta returns the signed balance change of the transaction.
func (tx WalletTransaction) Delta() decimal.Decimal {
	if tx.Type == TxDebit {
		return tx.Amount.Neg()
	}
	return tx.Amount
}

// =============================================================================
// PROMO CODE
// =============================================================================

type PromoType string

const (
	PromoPercentage   PromoType = "PERCENTAGE"
	PromoFixedAmount  PromoType = "FIXED_AMOUNT"
	PromoFreeDelivery PromoType = "FREE_DELIVERY"
)

// PromoCode is a festival coupon. Nil pointers mean "no limit".
type PromoCode struct {
	ID             PromoID
	Code           string
	Type           PromoType
	DiscountValue  decimal.Decimal
	MaxDiscountCap *decimal.Decimal
	MinOrderValue  *decimal.Decimal
	ExpiryDate     *time.Time
	UsageLimit     *int
	UsageCount     int
	PerUserLimit   *int
	IsActive       bool
	IsVisible      bool
}

func (p PromoCode) IsExpired(now time.Time) bool {
	return p.ExpiryDate != nil && now.After(*p.ExpiryDate)
}

func (p PromoCode) IsExhausted() bool {
	return p.UsageLimit != nil && p.UsageCount >= *p.UsageLimit
}

// IsAvailable = active ∧ visible ∧ ¬expired ∧ usage left.
func (p PromoCode) IsAvailable(now time.Time) bool {
	return p.IsActive && p.IsVisible && !p.IsExpired(now) && !p.IsExhausted()
}

// =============================================================================
// CHECKOUT
// =============================================================================

type IncentiveType string

const (
	IncentiveNone           IncentiveType = "NONE"
	IncentiveWelcome        IncentiveType = "WELCOME"
	IncentiveReferralWallet IncentiveType = "REFERRAL_WALLET"
	IncentiveFestivalPromo  IncentiveType = "FESTIVAL_PROMO"
)

// Fees are computed upstream of the engine (delivery zone, weather, tax rules).
type Fees struct {
	HandlingFee decimal.Decimal
	DeliveryFee decimal.Decimal
	RainFee     decimal.Decimal
	TaxAmount   decimal.Decimal
}

// Total returns the sum of all fees.
func (f Fees) Total() decimal.Decimal {
	return f.HandlingFee.Add(f.DeliveryFee).Add(f.RainFee).Add(f.TaxAmount)
}

// IncentiveSelection is the single incentive chosen for an order, already
// validated. Promo is required for FESTIVAL_PROMO, WalletAmount for
// REFERRAL_WALLET.
type IncentiveSelection struct {
	Type         IncentiveType
	Promo        *PromoCode
	WalletAmount decimal.Decimal
}

// OrderTotalBreakdown is the priced checkout. Not persisted by the engine
// except as part of an Order.
type OrderTotalBreakdown struct {
	Subtotal             decimal.Decimal
	Fees                 Fees
	Incentive            IncentiveType
	WelcomeOfferDiscount decimal.Decimal
	PromoDiscount        decimal.Decimal
	DeliveryFeeWaived    decimal.Decimal
	WalletAmountUsed     decimal.Decimal
	FinalTotal           decimal.Decimal
}

// TotalSavings is everything the customer did not pay in cash.
func (b OrderTotalBreakdown) TotalSavings() decimal.Decimal {
	return b.WelcomeOfferDiscount.Add(b.PromoDiscount).Add(b.DeliveryFeeWaived).Add(b.WalletAmountUsed)
}

// =============================================================================
// ORDER
// =============================================================================

type OrderStatus string

const (
	OrderPlaced    OrderStatus = "PLACED"
	OrderDelivered OrderStatus = "DELIVERED"
	OrderCancelled OrderStatus = "CANCELLED"
)

// Order is persisted in the same store transaction as the wallet debit, so a
// charged wallet always has a confirmed order behind it.
type Order struct {
	ID          OrderID
	CustomerID  CustomerID
	Status      OrderStatus
	Incentive   IncentiveType
	PromoCode   string
	Breakdown   OrderTotalBreakdown
	CreatedAt   time.Time
	DeliveredAt *time.Time
	CancelledAt *time.Time
}

// OrderEvent is what the owning order system reports to the engine.
type OrderEvent struct {
	OrderID    OrderID
	CustomerID CustomerID
	At         time.Time
}
