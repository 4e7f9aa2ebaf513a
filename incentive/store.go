/*
store.go - Persistence interfaces consumed by the engine

PURPOSE:
  Defines the boundary between the engine and the document store. The engine
  never reaches a global repository object: every store is injected, so tests
  substitute the in-memory implementation.

KEY INTERFACES:
  PolicyStore:   Read-only PolicyConfig snapshot
  CustomerStore: Customer records, first-order flags, wallet balance (CAS)
  ReferralStore: Referral records and the aggregate queries caps need
  LedgerStore:   Append-only wallet transactions
  PromoStore:    Promo codes and usage counters
  OrderStore:    Orders confirmed by the engine
  TxStore:       Runs a function against all stores atomically

CONDITIONAL WRITES:
  Writes that guard money are conditional, so two racing requests cannot both
  succeed:
  - SetWalletBalance(id, expected, next) fails with ErrConcurrentModification
    when the stored balance is no longer `expected`
  - SetStatus(id, from, to) fails with ErrInvalidState when the current status
    is not in `from`
  - MarkFirstOrder fails with ErrInvalidState when already marked

ERRORS:
  Missing records: ErrNotFound (usually *NotFoundError).
  I/O failures: *StorageError.

IMPLEMENTATIONS:
  - incentive/store/memory.go: In-memory for testing
  - store/sqlite/sqlite.go: SQLite

SEE ALSO:
  - ledger.go: uses CustomerStore + LedgerStore inside WithTx
  - referral.go: uses ReferralStore conditional status writes
*/
package incentive

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// PolicyStore supplies the current policy snapshot.
type PolicyStore interface {
	Current(ctx context.Context) (PolicyConfig, error)
}

// CustomerStore persists customers.
type CustomerStore interface {
	CreateCustomer(ctx context.Context, c Customer) error
	GetCustomer(ctx context.Context, id CustomerID) (Customer, error)

	// FindByPhone returns ErrNotFound when no customer owns the phone.
	FindByPhone(ctx context.Context, phone string) (Customer, error)
	FindByReferralCode(ctx context.Context, code string) (Customer, error)

	// SetReferralCode fails with ErrAlreadyExists if another customer holds
	// code, and with ErrConcurrentModification if id already has a code.
	SetReferralCode(ctx context.Context, id CustomerID, code string) error
	SetReferredBy(ctx context.Context, id CustomerID, referrer CustomerID) error

	// MarkFirstOrder sets HasUsedWelcomeOffer and FirstOrderPlacedAt.
	// Fails with ErrInvalidState if they are already set.
	MarkFirstOrder(ctx context.Context, id CustomerID, at time.Time) error

	// SetWalletBalance is a compare-and-swap on the wallet balance.
	SetWalletBalance(ctx context.Context, id CustomerID, expected, next decimal.Decimal) error

	IncrementReferralCount(ctx context.Context, id CustomerID, n int, earnings decimal.Decimal) error
}

// ReferralStore persists referrals. Referrals are never deleted.
type ReferralStore interface {
	// CreateReferral fails with ErrAlreadyExists if the referred user already has one.
	CreateReferral(ctx context.Context, r Referral) error
	GetReferral(ctx context.Context, id ReferralID) (Referral, error)
	FindByReferredUser(ctx context.Context, userID CustomerID) (Referral, error)
	ListByReferrer(ctx context.Context, referrerID CustomerID) ([]Referral, error)

	// FindDuplicate reports whether a referral other than exclude already used
	// the phone or the device id. Empty arguments are not matched.
	FindDuplicate(ctx context.Context, phone, deviceID string, exclude ReferralID) (bool, error)

	// MonthlyCreditedSum sums RewardAmount of the referrer's referrals credited
	// in the given UTC calendar month.
	MonthlyCreditedSum(ctx context.Context, referrerID CustomerID, month time.Month, year int) (decimal.Decimal, error)

	// CountActiveReferrals counts the referrer's CREDITED referrals.
	CountActiveReferrals(ctx context.Context, referrerID CustomerID) (int, error)

	// SetStatus moves the referral to `to` only if its current status is in `from`.
	SetStatus(ctx context.Context, id ReferralID, from []ReferralStatus, to ReferralStatus, update StatusUpdate) error

	// ListExpirable returns non-terminal referrals whose ExpiresAt is before now.
	ListExpirable(ctx context.Context, now time.Time) ([]Referral, error)
}

// LedgerStore is the append-only wallet transaction log.
// No Update, no Delete.
type LedgerStore interface {
	AppendTransaction(ctx context.Context, tx WalletTransaction) error

	// CurrentBalance is BalanceAfter of the latest transaction, zero if none.
	CurrentBalance(ctx context.Context, userID CustomerID) (decimal.Decimal, error)

	// Transactions returns the user's transactions, oldest first.
	Transactions(ctx context.Context, userID CustomerID) ([]WalletTransaction, error)
}

// PromoStore persists promo codes and their usage counters.
type PromoStore interface {
	SavePromo(ctx context.Context, p PromoCode) error
	GetPromoByCode(ctx context.Context, code string) (PromoCode, error)
	UserUsageCount(ctx context.Context, promoID PromoID, userID CustomerID) (int, error)

	// RecordUsage increments the global and per-user counters. Fails with
	// ErrExceedsLimit if either limit would be passed.
	RecordUsage(ctx context.Context, promoID PromoID, userID CustomerID, orderID OrderID) error
}

// OrderStore persists orders placed through the engine.
type OrderStore interface {
	SaveOrder(ctx context.Context, o Order) error
	GetOrder(ctx context.Context, id OrderID) (Order, error)

	// SetOrderStatus moves the order to `to` only if its current status is `from`.
	SetOrderStatus(ctx context.Context, id OrderID, from, to OrderStatus, at time.Time) error
}

// Stores groups every store the engine writes to.
type Stores interface {
	Customers() CustomerStore
	Referrals() ReferralStore
	Ledger() LedgerStore
	Promos() PromoStore
	Orders() OrderStore
}

// TxStore runs fn within a transaction.
// If fn returns error, every write is rolled back.
type TxStore interface {
	Stores
	WithTx(ctx context.Context, fn func(Stores) error) error
}
