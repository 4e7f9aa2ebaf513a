/*
ledger.go - Wallet ledger

PURPOSE:
  The ledger is the single source of truth for how much wallet money a
  customer has and why. Every credit, debit and refund appends one
  WalletTransaction and moves Customer.WalletBalance in the same store
  transaction.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: No Update, No Delete. EVER.
  2. CHAINED: each BalanceBefore equals the previous BalanceAfter
  3. NON-NEGATIVE: BalanceAfter >= 0, a debit below zero fails
  4. IN SYNC: latest BalanceAfter == Customer.WalletBalance

CONCURRENCY:
  Credit/Debit/Refund take the customer's lock, then run inside WithTx and
  write the balance with a compare-and-swap. A CAS that loses to a writer in
  another process fails with ErrConcurrentModification and the whole unit is
  retried (bounded). Callers that already hold a store transaction (order
  placement, referral payout) use Post instead.

CORRECTIONS:
  A mistake is never edited. A cancelled order gets a REFUND transaction and
  both entries remain in the history.

SEE ALSO:
  - store.go: CustomerStore.SetWalletBalance, LedgerStore
  - checkout.go: debits wallet inside PlaceOrder
  - referral.go: credits the referrer inside OnOrderDelivered
*/
package incentive

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Entry is a requested balance change before it is priced against the wallet.
type Entry struct {
	UserID      CustomerID
	Type        TransactionType
	Amount      decimal.Decimal
	Description string
	OrderID     *OrderID
}

// Ledger posts wallet transactions.
type Ledger struct {
	Store       TxStore
	Locks       *CustomerLocks
	Now         func() time.Time
	NewID       func() string
	Metrics     Metrics
	MaxAttempts int
}

// Credit adds amount to the user's wallet.
func (l *Ledger) Credit(ctx context.Context, userID CustomerID, amount decimal.Decimal, reason string, orderID *OrderID) (WalletTransaction, error) {
	return l.commit(ctx, Entry{UserID: userID, Type: TxCredit, Amount: amount, Description: reason, OrderID: orderID})
}

// Debit removes amount from the user's wallet. Fails with
// *InsufficientFundsError if the balance would go negative.
func (l *Ledger) Debit(ctx context.Context, userID CustomerID, amount decimal.Decimal, reason string, orderID *OrderID) (WalletTransaction, error) {
	return l.commit(ctx, Entry{UserID: userID, Type: TxDebit, Amount: amount, Description: reason, OrderID: orderID})
}

// Refund returns amount to the user's wallet, e.g. after a cancelled order.
func (l *Ledger) Refund(ctx context.Context, userID CustomerID, amount decimal.Decimal, reason string, orderID *OrderID) (WalletTransaction, error) {
	return l.commit(ctx, Entry{UserID: userID, Type: TxRefund, Amount: amount, Description: reason, OrderID: orderID})
}

func (l *Ledger) commit(ctx context.Context, entry Entry) (WalletTransaction, error) {
	unlock := l.Locks.Lock(entry.UserID)
	defer unlock()

	var posted WalletTransaction
	err := withRetry(ctx, l.Store, l.attempts(), func(s Stores) error {
		tx, err := l.Post(ctx, s, entry)
		if err != nil {
			return err
		}
		posted = tx
		return nil
	})
	if err != nil {
		return WalletTransaction{}, err
	}
	l.Metrics.LedgerPosted(posted.Type, posted.Amount)
	return posted, nil
}

func (l *Ledger) attempts() int {
	if l.MaxAttempts <= 0 {
		return 3
	}
	return l.MaxAttempts
}

// Post prices entry against the current balance and writes both the
// transaction and the new balance through s. It must run inside a store
// transaction; it does not lock and does not record metrics.
func (l *Ledger) Post(ctx context.Context, s Stores, entry Entry) (WalletTransaction, error) {
	if !entry.Amount.IsPositive() {
		return WalletTransaction{}, fmt.Errorf("%w: %s amount must be > 0, got %s", ErrInvalidAmount, entry.Type, entry.Amount)
	}

	customer, err := s.Customers().GetCustomer(ctx, entry.UserID)
	if err != nil {
		return WalletTransaction{}, NewStorageError("load wallet", err)
	}

	before := customer.WalletBalance
	var after decimal.Decimal
	switch entry.Type {
	case TxCredit, TxRefund:
		after = before.Add(entry.Amount)
	case TxDebit:
		after = before.Sub(entry.Amount)
		if after.IsNegative() {
			return WalletTransaction{}, &InsufficientFundsError{
				UserID:    entry.UserID,
				Available: before,
				Requested: entry.Amount,
			}
		}
	default:
		return WalletTransaction{}, fmt.Errorf("%w: unknown transaction type %q", ErrInvalidInput, entry.Type)
	}

	tx := WalletTransaction{
		ID:            TransactionID(l.NewID()),
		UserID:        entry.UserID,
		Type:          entry.Type,
		Amount:        entry.Amount,
		BalanceBefore: before,
		BalanceAfter:  after,
		Description:   entry.Description,
		OrderID:       entry.OrderID,
		CreatedAt:     l.Now(),
	}

	if err := s.Customers().SetWalletBalance(ctx, entry.UserID, before, after); err != nil {
		return WalletTransaction{}, NewStorageError("set wallet balance", err)
	}
	if err := s.Ledger().AppendTransaction(ctx, tx); err != nil {
		return WalletTransaction{}, NewStorageError("append wallet transaction", err)
	}
	return tx, nil
}

// History returns the user's wallet transactions, oldest first.
func (l *Ledger) History(ctx context.Context, userID CustomerID) ([]WalletTransaction, error) {
	txs, err := l.Store.Ledger().Transactions(ctx, userID)
	if err != nil {
		return nil, NewStorageError("load wallet history", err)
	}
	return txs, nil
}

// Reconcile verifies the ledger chain and that its last BalanceAfter equals
// the customer's stored wallet balance.
func (l *Ledger) Reconcile(ctx context.Context, userID CustomerID) error {
	customer, err := l.Store.Customers().GetCustomer(ctx, userID)
	if err != nil {
		return NewStorageError("load wallet", err)
	}
	txs, err := l.History(ctx, userID)
	if err != nil {
		return err
	}

	running := decimal.Zero
	for _, tx := range txs {
		if !tx.BalanceBefore.Equal(running) {
			return fmt.Errorf("%w: transaction %s starts at %s, expected %s",
				ErrLedgerMismatch, tx.ID, tx.BalanceBefore, running)
		}
		if !tx.BalanceBefore.Add(tx.Delta()).Equal(tx.BalanceAfter) {
			return fmt.Errorf("%w: transaction %s does not add up", ErrLedgerMismatch, tx.ID)
		}
		if tx.BalanceAfter.IsNegative() {
			return fmt.Errorf("%w: transaction %s leaves a negative balance", ErrLedgerMismatch, tx.ID)
		}
		running = tx.BalanceAfter
	}
	if !running.Equal(customer.WalletBalance) {
		return fmt.Errorf("%w: ledger says %s, wallet says %s", ErrLedgerMismatch, running, customer.WalletBalance)
	}
	return nil
}
