/*
referral.go - Referral reward state machine

PURPOSE:
  Drives a referral from registration to wallet payout in response to order
  events, with abuse checks and caps in between.

STATES:
  PENDING ──▶ ORDER_PLACED ──▶ DELIVERED ──▶ CREDITED
     │              │              │
     └──────────────┴──────────────┴──▶ REJECTED | EXPIRED

  CREDITED is reachable only from ORDER_PLACED or DELIVERED (an order must
  exist). CREDITED, REJECTED and EXPIRED are terminal and kept for audit.

REWARD PROCESSING (OnOrderDelivered):
  1. no referral for the customer         → OutcomeNoReferral (success)
  2. already CREDITED                     → OutcomeAlreadyCredited (success)
  3. status not ORDER_PLACED/DELIVERED    → *InvalidStateError
  4. ORDER_PLACED advances to DELIVERED
  5. abuse check fails                    → REJECTED
  6. referrer credited count >= max       → REJECTED
  7. month credited + reward > cap        → REJECTED
  8. expired                              → EXPIRED
  9. ledger CREDIT, status CREDITED, referrer count/earnings incremented

  Steps 1-9 run in one store transaction and every status write is
  conditional on the expected prior status, so two concurrent deliveries of
  the same order credit exactly once.

SEE ALSO:
  - abuse.go: self-referral and duplicate phone/device checks
  - ledger.go: Post
  - checkout.go: PlaceOrder advances PENDING → ORDER_PLACED
*/
package incentive

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// STATUS
// =============================================================================

type ReferralStatus string

const (
	ReferralPending     ReferralStatus = "PENDING"
	ReferralOrderPlaced ReferralStatus = "ORDER_PLACED"
	ReferralDelivered   ReferralStatus = "DELIVERED"
	ReferralCredited    ReferralStatus = "CREDITED"
	ReferralExpired     ReferralStatus = "EXPIRED"
	ReferralRejected    ReferralStatus = "REJECTED"
)

// NonTerminalStatuses lists every status a referral can still leave.
var NonTerminalStatuses = []ReferralStatus{ReferralPending, ReferralOrderPlaced, ReferralDelivered}

func (s ReferralStatus) IsTerminal() bool {
	switch s {
	case ReferralCredited, ReferralExpired, ReferralRejected:
		return true
	}
	return false
}

func (s ReferralStatus) IsValid() bool {
	switch s {
	case ReferralPending, ReferralOrderPlaced, ReferralDelivered,
		ReferralCredited, ReferralExpired, ReferralRejected:
		return true
	}
	return false
}

// CanTransitionTo reports whether the state machine allows s → to.
func (s ReferralStatus) CanTransitionTo(to ReferralStatus) bool {
	if s.IsTerminal() {
		return false
	}
	switch to {
	case ReferralOrderPlaced:
		return s == ReferralPending
	case ReferralDelivered:
		return s == ReferralOrderPlaced
	case ReferralCredited:
		return s == ReferralOrderPlaced || s == ReferralDelivered
	case ReferralRejected, ReferralExpired:
		return true
	}
	return false
}

// =============================================================================
// RESULT
// =============================================================================

type RewardOutcome string

const (
	OutcomeNoReferral      RewardOutcome = "NO_REFERRAL"
	OutcomeAlreadyCredited RewardOutcome = "ALREADY_CREDITED"
	OutcomeCredited        RewardOutcome = "CREDITED"
	OutcomeRejected        RewardOutcome = "REJECTED"
	OutcomeExpired         RewardOutcome = "EXPIRED"

	// OutcomeSkipped is returned by DeliverOrder when the referral is in a
	// state that can no longer pay out.
	OutcomeSkipped RewardOutcome = "SKIPPED"
)

// RewardResult is the outcome of reward processing for one delivered order.
type RewardResult struct {
	Outcome     RewardOutcome
	Referral    *Referral
	Transaction *WalletTransaction
	Reason      string
}

// =============================================================================
// ORDER PLACED
// =============================================================================

// OnOrderPlaced advances the customer's PENDING referral to ORDER_PLACED and
// stamps the order id. PlaceOrder already does this for first orders; this
// entry point is for orders placed outside the engine.
func (e *Engine) OnOrderPlaced(ctx context.Context, order Order) error {
	return e.Store.WithTx(ctx, func(s Stores) error {
		return e.advanceOnOrderPlaced(ctx, s, order)
	})
}

func (e *Engine) advanceOnOrderPlaced(ctx context.Context, s Stores, order Order) error {
	r, err := s.Referrals().FindByReferredUser(ctx, order.CustomerID)
	if IsNotFound(err) {
		return nil
	}
	if err != nil {
		return NewStorageError("find referral", err)
	}
	if r.Status != ReferralPending {
		return nil
	}
	orderID := order.ID
	err = s.Referrals().SetStatus(ctx, r.ID, []ReferralStatus{ReferralPending}, ReferralOrderPlaced,
		StatusUpdate{OrderID: &orderID, At: e.now()})
	if err != nil {
		return NewStorageError("advance referral", err)
	}
	e.logger.Info("referral advanced", "referral_id", r.ID, "status", ReferralOrderPlaced, "order_id", order.ID)
	return nil
}

// =============================================================================
// ORDER DELIVERED - reward processing
// =============================================================================

// OnOrderDelivered processes the referral reward for the customer of a
// delivered order. It is idempotent: a referral is credited at most once.
//
// The delivered order is not required to be the order stamped on the
// referral: any delivery after the first order was placed may complete it.
func (e *Engine) OnOrderDelivered(ctx context.Context, ev OrderEvent) (RewardResult, error) {
	policy, err := e.CurrentPolicy(ctx)
	if err != nil {
		return RewardResult{}, err
	}

	var res RewardResult
	err = withRetry(ctx, e.Store, e.maxAttempts, func(s Stores) error {
		var err error
		res, err = e.processReward(ctx, s, policy, ev)
		return err
	})
	if err != nil {
		e.logger.Warn("reward processing failed",
			"order_id", ev.OrderID, "customer_id", ev.CustomerID, "error", err)
		return RewardResult{}, err
	}

	e.metrics.ReferralProcessed(res.Outcome)
	if res.Transaction != nil {
		e.metrics.LedgerPosted(res.Transaction.Type, res.Transaction.Amount)
	}
	if res.Referral != nil {
		e.logger.Info("reward processed",
			"referral_id", res.Referral.ID,
			"referrer_id", res.Referral.ReferrerUserID,
			"order_id", ev.OrderID,
			"outcome", res.Outcome,
			"reason", res.Reason)
	}
	return res, nil
}

func (e *Engine) processReward(ctx context.Context, s Stores, p PolicyConfig, ev OrderEvent) (RewardResult, error) {
	r, err := s.Referrals().FindByReferredUser(ctx, ev.CustomerID)
	if IsNotFound(err) {
		return RewardResult{Outcome: OutcomeNoReferral}, nil
	}
	if err != nil {
		return RewardResult{}, NewStorageError("find referral", err)
	}

	if r.Status == ReferralCredited {
		return RewardResult{Outcome: OutcomeAlreadyCredited, Referral: &r}, nil
	}
	if r.Status != ReferralOrderPlaced && r.Status != ReferralDelivered {
		return RewardResult{}, &InvalidStateError{
			Entity:  "referral",
			ID:      string(r.ID),
			Current: string(r.Status),
			Wanted:  string(ReferralCredited),
		}
	}

	now := e.now()
	if r.Status == ReferralOrderPlaced {
		if err := e.setStatus(ctx, s, &r, ReferralDelivered, StatusUpdate{At: now}); err != nil {
			return RewardResult{}, err
		}
	}

	reason, err := e.checkAbuse(ctx, s, p, r)
	if err != nil {
		return RewardResult{}, err
	}
	if reason != "" {
		return e.reject(ctx, s, &r, reason, now)
	}

	count, err := s.Referrals().CountActiveReferrals(ctx, r.ReferrerUserID)
	if err != nil {
		return RewardResult{}, NewStorageError("count referrals", err)
	}
	if count >= p.MaxReferralsPerUser {
		return e.reject(ctx, s, &r, fmt.Sprintf("Referrer already has the maximum of %d referral rewards", p.MaxReferralsPerUser), now)
	}

	// Stores bucket credits by UTC calendar month.
	month := now.UTC()
	earned, err := s.Referrals().MonthlyCreditedSum(ctx, r.ReferrerUserID, month.Month(), month.Year())
	if err != nil {
		return RewardResult{}, NewStorageError("sum monthly referrals", err)
	}
	if earned.Add(r.RewardAmount).GreaterThan(p.MonthlyReferralCap) {
		return e.reject(ctx, s, &r, fmt.Sprintf("Monthly referral cap of %s reached", p.money(p.MonthlyReferralCap)), now)
	}

	if r.IsExpired(now) {
		if err := e.setStatus(ctx, s, &r, ReferralExpired, StatusUpdate{At: now, RejectionReason: "Referral expired before reward"}); err != nil {
			return RewardResult{}, err
		}
		return RewardResult{Outcome: OutcomeExpired, Referral: &r, Reason: r.RejectionReason}, nil
	}

	var posted *WalletTransaction
	if r.RewardAmount.IsPositive() {
		orderID := ev.OrderID
		tx, err := e.Ledger.Post(ctx, s, Entry{
			UserID:      r.ReferrerUserID,
			Type:        TxCredit,
			Amount:      r.RewardAmount,
			Description: "Referral reward",
			OrderID:     &orderID,
		})
		if err != nil {
			return RewardResult{}, err
		}
		posted = &tx
	}

	if err := e.setStatus(ctx, s, &r, ReferralCredited, StatusUpdate{At: now, CreditedAt: &now}); err != nil {
		return RewardResult{}, err
	}
	if err := s.Customers().IncrementReferralCount(ctx, r.ReferrerUserID, 1, r.RewardAmount); err != nil {
		return RewardResult{}, NewStorageError("increment referral count", err)
	}
	return RewardResult{Outcome: OutcomeCredited, Referral: &r, Transaction: posted}, nil
}

func (e *Engine) reject(ctx context.Context, s Stores, r *Referral, reason string, now time.Time) (RewardResult, error) {
	if err := e.setStatus(ctx, s, r, ReferralRejected, StatusUpdate{At: now, RejectionReason: reason}); err != nil {
		return RewardResult{}, err
	}
	return RewardResult{Outcome: OutcomeRejected, Referral: r, Reason: reason}, nil
}

// setStatus writes r.Status → to conditionally on r's current status and
// mirrors the write into r. Losing the race surfaces as
// ErrConcurrentModification so the caller's transaction is retried.
func (e *Engine) setStatus(ctx context.Context, s Stores, r *Referral, to ReferralStatus, u StatusUpdate) error {
	if !r.Status.CanTransitionTo(to) {
		return &InvalidStateError{Entity: "referral", ID: string(r.ID), Current: string(r.Status), Wanted: string(to)}
	}
	err := s.Referrals().SetStatus(ctx, r.ID, []ReferralStatus{r.Status}, to, u)
	if errors.Is(err, ErrInvalidState) {
		return ErrConcurrentModification
	}
	if err != nil {
		return NewStorageError("set referral status", err)
	}
	r.Status = to
	r.UpdatedAt = u.At
	if u.OrderID != nil {
		r.OrderID = u.OrderID
	}
	if u.CreditedAt != nil {
		r.CreditedAt = u.CreditedAt
	}
	if u.RejectionReason != "" {
		r.RejectionReason = u.RejectionReason
	}
	return nil
}

// =============================================================================
// REGISTRATION
// =============================================================================

type RegisterReferralInput struct {
	ReferredUserID CustomerID
	ReferralCode   string
}

// RegisterReferral links a new customer to the owner of a referral code.
// The reward amount and expiry are captured from the current policy.
func (e *Engine) RegisterReferral(ctx context.Context, in RegisterReferralInput) (Referral, error) {
	policy, err := e.CurrentPolicy(ctx)
	if err != nil {
		return Referral{}, err
	}
	if !policy.ReferralEnabled {
		return Referral{}, &IneligibleError{Incentive: IncentiveReferralWallet, Reason: "Referral program is not available right now"}
	}
	code := NormalizeCode(in.ReferralCode)
	if code == "" || in.ReferredUserID == "" {
		return Referral{}, fmt.Errorf("%w: referral code and referred user are required", ErrInvalidInput)
	}

	var created Referral
	err = e.Store.WithTx(ctx, func(s Stores) error {
		referrer, err := s.Customers().FindByReferralCode(ctx, code)
		if err != nil {
			return NewStorageError("find referral code", err)
		}
		referred, err := s.Customers().GetCustomer(ctx, in.ReferredUserID)
		if err != nil {
			return NewStorageError("load referred customer", err)
		}
		if referrer.ID == referred.ID {
			return &IneligibleError{Incentive: IncentiveReferralWallet, Reason: "You cannot use your own referral code"}
		}
		if !referred.IsFirstOrder() {
			return &IneligibleError{Incentive: IncentiveReferralWallet, Reason: "Referral codes can only be applied before your first order"}
		}
		_, err = s.Referrals().FindByReferredUser(ctx, referred.ID)
		if err == nil {
			return fmt.Errorf("%w: customer %s already has a referral", ErrAlreadyExists, referred.ID)
		}
		if !IsNotFound(err) {
			return NewStorageError("find referral", err)
		}

		now := e.now()
		r := Referral{
			ID:                ReferralID(e.newID()),
			ReferrerUserID:    referrer.ID,
			ReferredUserID:    referred.ID,
			ReferredUserPhone: referred.Phone,
			Status:            ReferralPending,
			RewardAmount:      policy.ReferralRewardAmount,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		if referred.DeviceID != "" {
			device := referred.DeviceID
			r.ReferredUserDeviceID = &device
		}
		if policy.ReferralExpiryDays > 0 {
			expires := now.AddDate(0, 0, policy.ReferralExpiryDays)
			r.ExpiresAt = &expires
		}

		if err := s.Referrals().CreateReferral(ctx, r); err != nil {
			return NewStorageError("create referral", err)
		}
		if err := s.Customers().SetReferredBy(ctx, referred.ID, referrer.ID); err != nil {
			return NewStorageError("set referred by", err)
		}
		created = r
		return nil
	})
	if err != nil {
		return Referral{}, err
	}
	e.logger.Info("referral registered",
		"referral_id", created.ID, "referrer_id", created.ReferrerUserID, "referred_id", created.ReferredUserID)
	return created, nil
}

// ReferralsByReferrer lists every referral the customer made.
func (e *Engine) ReferralsByReferrer(ctx context.Context, referrerID CustomerID) ([]Referral, error) {
	rs, err := e.Store.Referrals().ListByReferrer(ctx, referrerID)
	if err != nil {
		return nil, NewStorageError("list referrals", err)
	}
	return rs, nil
}

// =============================================================================
// EXPIRY SWEEP
// =============================================================================

// ExpireReferrals marks every non-terminal referral whose ExpiresAt is before
// now as EXPIRED. Referrals that changed concurrently are skipped.
func (e *Engine) ExpireReferrals(ctx context.Context, now time.Time) (int, error) {
	candidates, err := e.Store.Referrals().ListExpirable(ctx, now)
	if err != nil {
		return 0, NewStorageError("list expirable referrals", err)
	}

	expired := 0
	for _, r := range candidates {
		err := e.Store.WithTx(ctx, func(s Stores) error {
			return s.Referrals().SetStatus(ctx, r.ID, NonTerminalStatuses, ReferralExpired,
				StatusUpdate{At: now, RejectionReason: "Referral expired before reward"})
		})
		if errors.Is(err, ErrInvalidState) {
			continue
		}
		if err != nil {
			return expired, NewStorageError("expire referral", err)
		}
		expired++
		e.metrics.ReferralProcessed(OutcomeExpired)
	}
	if expired > 0 {
		e.logger.Info("referrals expired", "count", expired)
	}
	return expired, nil
}
