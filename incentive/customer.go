package incentive

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"

	"github.com/shopspring/decimal"
)

// =============================================================================
// CUSTOMER ONBOARDING
// =============================================================================

// EnsureCustomer returns the customer, creating it with an empty wallet on
// first interaction.
func (e *Engine) EnsureCustomer(ctx context.Context, in NewCustomer) (Customer, error) {
	in.Phone = strings.TrimSpace(in.Phone)
	if in.ID == "" || in.Phone == "" {
		return Customer{}, fmt.Errorf("%w: customer id and phone are required", ErrInvalidInput)
	}

	existing, err := e.Store.Customers().GetCustomer(ctx, in.ID)
	if err == nil {
		return existing, nil
	}
	if !IsNotFound(err) {
		return Customer{}, NewStorageError("load customer", err)
	}

	c := Customer{
		ID:                    in.ID,
		Phone:                 in.Phone,
		DeviceID:              strings.TrimSpace(in.DeviceID),
		WalletBalance:         decimal.Zero,
		TotalReferralEarnings: decimal.Zero,
		CreatedAt:             e.now(),
	}
	err = e.Store.Customers().CreateCustomer(ctx, c)
	if errors.Is(err, ErrAlreadyExists) {
		// Lost a creation race with another request.
		return e.Customer(ctx, in.ID)
	}
	if err != nil {
		return Customer{}, NewStorageError("create customer", err)
	}
	e.logger.Info("customer created", "customer_id", c.ID)
	return c, nil
}

// =============================================================================
// REFERRAL CODES
// =============================================================================

const (
	referralCodeLength   = 8
	referralCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789" // no 0/O, 1/I
	referralCodeAttempts = 5
)

// GenerateReferralCode returns a random code. Uniqueness is enforced by the store.
func GenerateReferralCode() string {
	b := make([]byte, referralCodeLength)
	for i := range b {
		b[i] = referralCodeAlphabet[rand.Intn(len(referralCodeAlphabet))]
	}
	return string(b)
}

// EnsureReferralCode returns the customer's referral code, generating and
// storing a unique one if it has none yet.
func (e *Engine) EnsureReferralCode(ctx context.Context, id CustomerID) (string, error) {
	c, err := e.Customer(ctx, id)
	if err != nil {
		return "", err
	}
	if c.ReferralCode != nil {
		return *c.ReferralCode, nil
	}

	for i := 0; i < referralCodeAttempts; i++ {
		code := GenerateReferralCode()
		err := e.Store.Customers().SetReferralCode(ctx, id, code)
		if errors.Is(err, ErrAlreadyExists) {
			continue
		}
		if errors.Is(err, ErrConcurrentModification) {
			// Another request assigned a code first; that one stays valid.
			stored, lerr := e.Customer(ctx, id)
			if lerr != nil {
				return "", lerr
			}
			if stored.ReferralCode == nil {
				return "", err
			}
			return *stored.ReferralCode, nil
		}
		if err != nil {
			return "", NewStorageError("set referral code", err)
		}
		e.logger.Info("referral code generated", "customer_id", id)
		return code, nil
	}
	return "", fmt.Errorf("%w: no unique referral code after %d attempts", ErrConcurrentModification, referralCodeAttempts)
}

// Wallet returns the customer's balance and transaction history.
func (e *Engine) Wallet(ctx context.Context, id CustomerID) (decimal.Decimal, []WalletTransaction, error) {
	c, err := e.Customer(ctx, id)
	if err != nil {
		return decimal.Zero, nil, err
	}
	txs, err := e.Ledger.History(ctx, id)
	if err != nil {
		return decimal.Zero, nil, err
	}
	return c.WalletBalance, txs, nil
}
