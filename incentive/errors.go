/*
errors.go - Centralized error types for the incentive engine

PURPOSE:
  All error types in one place. Business-rule failures are expected outcomes
  the caller renders to the user. Storage failures are a separate category
  and anything that grants money must fail closed on them.

ERROR CATEGORIES:
  1. Business rules - IneligibleOffer, MutuallyExclusive, ExceedsLimit
  2. State - InvalidState, InsufficientFunds
  3. Lookup - NotFound
  4. Storage - StorageError, ConcurrentModification (retryable)

USAGE:
  _, err := engine.ValidateWelcomeOffer(ctx, id, amount)
  var inel *incentive.IneligibleError
  if errors.As(err, &inel) {
      showToUser(inel.Reason)
  }

SEE ALSO:
  - offers.go: returns IneligibleError / MutuallyExclusiveError
  - ledger.go: returns InsufficientFundsError
  - store/sqlite: wraps I/O failures in StorageError
*/
package incentive

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrIneligibleOffer is a business-rule rejection of an incentive.
	ErrIneligibleOffer = errors.New("offer not eligible")

	// ErrMutuallyExclusive is returned when more than one incentive is requested.
	ErrMutuallyExclusive = errors.New("incentives are mutually exclusive")

	// ErrExceedsLimit is returned when a requested amount is above a policy or balance bound.
	ErrExceedsLimit = errors.New("requested amount exceeds limit")

	// ErrInvalidState is returned when a referral or order cannot accept a transition.
	ErrInvalidState = errors.New("invalid state transition")

	// ErrInsufficientFunds is returned when a debit would make the wallet negative.
	ErrInsufficientFunds = errors.New("insufficient wallet funds")

	// ErrNotFound is returned when a referral, customer, order or promo is missing.
	ErrNotFound = errors.New("not found")

	// ErrStorage marks failures of the backing store (timeouts, I/O).
	ErrStorage = errors.New("storage failure")

	// ErrConcurrentModification is returned when a conditional write lost a race.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrInvalidAmount is returned for zero or negative money inputs.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrAlreadyExists is returned when a unique record is created twice.
	ErrAlreadyExists = errors.New("already exists")

	// ErrInvalidPolicy is returned when a PolicyConfig violates its invariants.
	ErrInvalidPolicy = errors.New("invalid policy")

	// ErrInvalidInput is returned for malformed identifiers or request fields.
	ErrInvalidInput = errors.New("invalid input")

	// ErrLedgerMismatch is returned by Reconcile when the ledger and the
	// customer balance disagree.
	ErrLedgerMismatch = errors.New("ledger does not match wallet balance")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// IneligibleError explains why an incentive cannot be applied.
// Reason is user-facing.
type IneligibleError struct {
	Incentive IncentiveType
	Reason    string
}

func (e *IneligibleError) Error() string {
	return fmt.Sprintf("%s not eligible: %s", e.Incentive, e.Reason)
}

func (e *IneligibleError) Unwrap() error { return ErrIneligibleOffer }

// MutuallyExclusiveError names the incentive that blocked the requested one.
type MutuallyExclusiveError struct {
	Requested IncentiveType
	Conflicts IncentiveType
	Reason    string
}

func (e *MutuallyExclusiveError) Error() string {
	return fmt.Sprintf("%s cannot be combined with %s: %s", e.Requested, e.Conflicts, e.Reason)
}

func (e *MutuallyExclusiveError) Unwrap() error { return ErrMutuallyExclusive }

// ExceedsLimitError is returned instead of silently clamping a requested amount.
type ExceedsLimitError struct {
	What      string
	Requested decimal.Decimal
	Limit     decimal.Decimal
}

func (e *ExceedsLimitError) Error() string {
	return fmt.Sprintf("%s: requested %s exceeds limit %s", e.What, e.Requested, e.Limit)
}

func (e *ExceedsLimitError) Unwrap() error { return ErrExceedsLimit }

// InsufficientFundsError provides details about a wallet shortage.
type InsufficientFundsError struct {
	UserID    CustomerID
	Available decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient wallet funds: available %s, requested %s, shortfall %s",
		e.Available, e.Requested, e.Requested.Sub(e.Available))
}

func (e *InsufficientFundsError) Unwrap() error { return ErrInsufficientFunds }

// InvalidStateError reports a transition the state machine does not allow.
type InvalidStateError struct {
	Entity  string
	ID      string
	Current string
	Wanted  string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("%s %s: cannot move from %s to %s", e.Entity, e.ID, e.Current, e.Wanted)
}

func (e *InvalidStateError) Unwrap() error { return ErrInvalidState }

// NotFoundError names the missing record.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// StorageError wraps a failure of the backing store.
// errors.Is matches both ErrStorage and the underlying cause.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() []error { return []error{ErrStorage, e.Err} }

// NewStorageError wraps err unless it is nil or already a domain error.
func NewStorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsNotFound(err) || errors.Is(err, ErrStorage) || errors.Is(err, ErrConcurrentModification) ||
		errors.Is(err, ErrAlreadyExists) || errors.Is(err, ErrInvalidState) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification) || errors.Is(err, ErrStorage)
}

// IsClientError returns true if the error is an expected business outcome.
func IsClientError(err error) bool {
	return errors.Is(err, ErrIneligibleOffer) ||
		errors.Is(err, ErrMutuallyExclusive) ||
		errors.Is(err, ErrExceedsLimit) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrAlreadyExists)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsStorage returns true for backing store failures.
func IsStorage(err error) bool {
	return errors.Is(err, ErrStorage)
}

// Reason extracts the user-facing reason from a business-rule error.
// Returns "" for other errors.
func Reason(err error) string {
	var inel *IneligibleError
	if errors.As(err, &inel) {
		return inel.Reason
	}
	var mx *MutuallyExclusiveError
	if errors.As(err, &mx) {
		return mx.Reason
	}
	return ""
}
