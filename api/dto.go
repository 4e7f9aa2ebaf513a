/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the engine's domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY:
  Amounts are decimal.Decimal and serialize as JSON strings ("125.50").
  Requests accept either numbers or strings.

VALIDATION:
  Request structs carry validator/v10 tags. decimal.Decimal is registered as
  a custom type so numeric tags (gt, gte) apply to it.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/promo.go: PromoJSON, reused for promo payloads
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/incentive-engine/factory"
	"github.com/warp/incentive-engine/incentive"
)

// =============================================================================
// CUSTOMERS
// =============================================================================

// CreateCustomerRequest registers a shopper on first interaction.
type CreateCustomerRequest struct {
	ID       string `json:"id" validate:"required,max=64"`
	Phone    string `json:"phone" validate:"required,min=6,max=20"`
	DeviceID string `json:"device_id" validate:"omitempty,max=128"`
}

// CustomerDTO represents a customer in API responses.
type CustomerDTO struct {
	ID                    string          `json:"id"`
	Phone                 string          `json:"phone"`
	DeviceID              string          `json:"device_id,omitempty"`
	WalletBalance         decimal.Decimal `json:"wallet_balance"`
	HasUsedWelcomeOffer   bool            `json:"has_used_welcome_offer"`
	FirstOrderPlacedAt    *time.Time      `json:"first_order_placed_at,omitempty"`
	ReferralCode          *string         `json:"referral_code,omitempty"`
	ReferredBy            *string         `json:"referred_by,omitempty"`
	ReferralCount         int             `json:"referral_count"`
	TotalReferralEarnings decimal.Decimal `json:"total_referral_earnings"`
	CreatedAt             time.Time       `json:"created_at"`
}

// ReferralCodeDTO is returned when a customer's share code is issued.
type ReferralCodeDTO struct {
	CustomerID   string `json:"customer_id"`
	ReferralCode string `json:"referral_code"`
}

// WalletDTO is the balance plus full history, oldest first.
type WalletDTO struct {
	CustomerID   string           `json:"customer_id"`
	Balance      decimal.Decimal  `json:"balance"`
	Transactions []TransactionDTO `json:"transactions"`
}

// TransactionDTO represents a wallet transaction.
type TransactionDTO struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Amount        decimal.Decimal `json:"amount"`
	BalanceBefore decimal.Decimal `json:"balance_before"`
	BalanceAfter  decimal.Decimal `json:"balance_after"`
	Description   string          `json:"description"`
	OrderID       *string         `json:"order_id,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// =============================================================================
// OFFERS
// =============================================================================

// WelcomeOfferRequest asks whether the welcome discount applies.
type WelcomeOfferRequest struct {
	CustomerID string          `json:"customer_id" validate:"required"`
	OrderValue decimal.Decimal `json:"order_value" validate:"gt=0"`
}

// WalletOfferRequest asks how much wallet balance is usable. The balance is
// read from the customer record, never from the client.
type WalletOfferRequest struct {
	CustomerID string          `json:"customer_id" validate:"required"`
	OrderValue decimal.Decimal `json:"order_value" validate:"gt=0"`
}

// PromoOfferRequest validates a festival promo code.
type PromoOfferRequest struct {
	CustomerID     string          `json:"customer_id" validate:"required"`
	Code           string          `json:"code" validate:"required,max=32"`
	OrderValue     decimal.Decimal `json:"order_value" validate:"gt=0"`
	WalletSelected bool            `json:"wallet_selected"`
}

// OfferDTO is the result of an offer check. Ineligible offers are a normal
// 200 response with Eligible false and a user-facing Reason.
type OfferDTO struct {
	Incentive    string             `json:"incentive"`
	Eligible     bool               `json:"eligible"`
	Discount     *decimal.Decimal   `json:"discount,omitempty"`
	UsableAmount *decimal.Decimal   `json:"usable_amount,omitempty"`
	Balance      *decimal.Decimal   `json:"balance,omitempty"`
	Promo        *factory.PromoJSON `json:"promo,omitempty"`
	Reason       string             `json:"reason,omitempty"`
}

// =============================================================================
// CHECKOUT AND ORDERS
// =============================================================================

// FeesDTO mirrors incentive.Fees.
type FeesDTO struct {
	HandlingFee decimal.Decimal `json:"handling_fee" validate:"gte=0"`
	DeliveryFee decimal.Decimal `json:"delivery_fee" validate:"gte=0"`
	RainFee     decimal.Decimal `json:"rain_fee" validate:"gte=0"`
	TaxAmount   decimal.Decimal `json:"tax_amount" validate:"gte=0"`
}

// CheckoutRequest is shared by quote and order placement. At most one of
// use_welcome, promo_code and wallet_amount may be set.
type CheckoutRequest struct {
	CustomerID   string          `json:"customer_id" validate:"required"`
	Subtotal     decimal.Decimal `json:"subtotal" validate:"gt=0"`
	Fees         FeesDTO         `json:"fees"`
	UseWelcome   bool            `json:"use_welcome"`
	PromoCode    string          `json:"promo_code" validate:"omitempty,max=32"`
	WalletAmount decimal.Decimal `json:"wallet_amount" validate:"gte=0"`
}

// BreakdownDTO represents a priced checkout.
type BreakdownDTO struct {
	Subtotal             decimal.Decimal `json:"subtotal"`
	Fees                 FeesDTO         `json:"fees"`
	Incentive            string          `json:"incentive"`
	WelcomeOfferDiscount decimal.Decimal `json:"welcome_offer_discount"`
	PromoDiscount        decimal.Decimal `json:"promo_discount"`
	DeliveryFeeWaived    decimal.Decimal `json:"delivery_fee_waived"`
	WalletAmountUsed     decimal.Decimal `json:"wallet_amount_used"`
	FinalTotal           decimal.Decimal `json:"final_total"`
	TotalSavings         decimal.Decimal `json:"total_savings"`
}

// OrderDTO represents an order in API responses.
type OrderDTO struct {
	ID          string       `json:"id"`
	CustomerID  string       `json:"customer_id"`
	Status      string       `json:"status"`
	Incentive   string       `json:"incentive"`
	PromoCode   string       `json:"promo_code,omitempty"`
	Breakdown   BreakdownDTO `json:"breakdown"`
	CreatedAt   time.Time    `json:"created_at"`
	DeliveredAt *time.Time   `json:"delivered_at,omitempty"`
	CancelledAt *time.Time   `json:"cancelled_at,omitempty"`
}

// =============================================================================
// REFERRALS
// =============================================================================

// RegisterReferralRequest links a new customer to a referral code.
type RegisterReferralRequest struct {
	ReferredUserID string `json:"referred_user_id" validate:"required"`
	ReferralCode   string `json:"referral_code" validate:"required,min=4,max=32"`
}

// ReferralDTO represents a referral in API responses.
type ReferralDTO struct {
	ID              string          `json:"id"`
	ReferrerUserID  string          `json:"referrer_user_id"`
	ReferredUserID  string          `json:"referred_user_id"`
	Status          string          `json:"status"`
	RewardAmount    decimal.Decimal `json:"reward_amount"`
	OrderID         *string         `json:"order_id,omitempty"`
	RejectionReason string          `json:"rejection_reason,omitempty"`
	CreditedAt      *time.Time      `json:"credited_at,omitempty"`
	ExpiresAt       *time.Time      `json:"expires_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// RewardDTO is the outcome of delivering an order.
type RewardDTO struct {
	Outcome     string          `json:"outcome"`
	Reason      string          `json:"reason,omitempty"`
	Referral    *ReferralDTO    `json:"referral,omitempty"`
	Transaction *TransactionDTO `json:"transaction,omitempty"`
}

// ExpireResponse reports an expiry sweep.
type ExpireResponse struct {
	Expired int       `json:"expired"`
	AsOf    time.Time `json:"as_of"`
}

// PolicyDTO wraps the policy document with its stored version, when known.
type PolicyDTO struct {
	Version int64              `json:"version,omitempty"`
	Config  factory.PolicyJSON `json:"config"`
}

// =============================================================================
// SCENARIOS
// =============================================================================

// ScenarioDTO describes a demo data set.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// LoadScenarioRequest selects a scenario to load.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toCustomerDTO(c incentive.Customer) CustomerDTO {
	dto := CustomerDTO{
		ID:                    string(c.ID),
		Phone:                 c.Phone,
		DeviceID:              c.DeviceID,
		WalletBalance:         c.WalletBalance,
		HasUsedWelcomeOffer:   c.HasUsedWelcomeOffer,
		FirstOrderPlacedAt:    c.FirstOrderPlacedAt,
		ReferralCode:          c.ReferralCode,
		ReferralCount:         c.ReferralCount,
		TotalReferralEarnings: c.TotalReferralEarnings,
		CreatedAt:             c.CreatedAt,
	}
	if c.ReferredBy != nil {
		s := string(*c.ReferredBy)
		dto.ReferredBy = &s
	}
	return dto
}

func toTransactionDTO(tx incentive.WalletTransaction) TransactionDTO {
	dto := TransactionDTO{
		ID:            string(tx.ID),
		Type:          string(tx.Type),
		Amount:        tx.Amount,
		BalanceBefore: tx.BalanceBefore,
		BalanceAfter:  tx.BalanceAfter,
		Description:   tx.Description,
		CreatedAt:     tx.CreatedAt,
	}
	if tx.OrderID != nil {
		s := string(*tx.OrderID)
		dto.OrderID = &s
	}
	return dto
}

func toFees(f FeesDTO) incentive.Fees {
	return incentive.Fees{
		HandlingFee: f.HandlingFee,
		DeliveryFee: f.DeliveryFee,
		RainFee:     f.RainFee,
		TaxAmount:   f.TaxAmount,
	}
}

func toBreakdownDTO(b incentive.OrderTotalBreakdown) BreakdownDTO {
	return BreakdownDTO{
		Subtotal: b.Subtotal,
		Fees: FeesDTO{
			HandlingFee: b.Fees.HandlingFee,
			DeliveryFee: b.Fees.DeliveryFee,
			RainFee:     b.Fees.RainFee,
			TaxAmount:   b.Fees.TaxAmount,
		},
		Incentive:            string(b.Incentive),
		WelcomeOfferDiscount: b.WelcomeOfferDiscount,
		PromoDiscount:        b.PromoDiscount,
		DeliveryFeeWaived:    b.DeliveryFeeWaived,
		WalletAmountUsed:     b.WalletAmountUsed,
		FinalTotal:           b.FinalTotal,
		TotalSavings:         b.TotalSavings(),
	}
}

func toOrderDTO(o incentive.Order) OrderDTO {
	return OrderDTO{
		ID:          string(o.ID),
		CustomerID:  string(o.CustomerID),
		Status:      string(o.Status),
		Incentive:   string(o.Incentive),
		PromoCode:   o.PromoCode,
		Breakdown:   toBreakdownDTO(o.Breakdown),
		CreatedAt:   o.CreatedAt,
		DeliveredAt: o.DeliveredAt,
		CancelledAt: o.CancelledAt,
	}
}

func toReferralDTO(r incentive.Referral) ReferralDTO {
	dto := ReferralDTO{
		ID:              string(r.ID),
		ReferrerUserID:  string(r.ReferrerUserID),
		ReferredUserID:  string(r.ReferredUserID),
		Status:          string(r.Status),
		RewardAmount:    r.RewardAmount,
		RejectionReason: r.RejectionReason,
		CreditedAt:      r.CreditedAt,
		ExpiresAt:       r.ExpiresAt,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
	if r.OrderID != nil {
		s := string(*r.OrderID)
		dto.OrderID = &s
	}
	return dto
}

func toRewardDTO(res incentive.RewardResult) RewardDTO {
	dto := RewardDTO{Outcome: string(res.Outcome), Reason: res.Reason}
	if res.Referral != nil {
		r := toReferralDTO(*res.Referral)
		dto.Referral = &r
	}
	if res.Transaction != nil {
		tx := toTransactionDTO(*res.Transaction)
		dto.Transaction = &tx
	}
	return dto
}
