package incentive

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// ENGINE - Wires stores, policy, ledger and collaborators together
// =============================================================================

// Metrics receives engine events. observability.IncentiveMetrics implements it.
type Metrics interface {
	OfferEvaluated(incentive IncentiveType, outcome string)
	OrderPlaced(incentive IncentiveType)
	ReferralProcessed(outcome RewardOutcome)
	LedgerPosted(txType TransactionType, amount decimal.Decimal)
	AbuseLookupFailed(mode AbuseCheckFailureMode)
}

type nopMetrics struct{}

func (nopMetrics) OfferEvaluated(IncentiveType, string) {}
func (nopMetrics) OrderPlaced(IncentiveType) {}
func (nopMetrics) ReferralProcessed(RewardOutcome) {}
func (nopMetrics) LedgerPosted(TransactionType, decimal.Decimal) {}
func (nopMetrics) AbuseLookupFailed(AbuseCheckFailureMode) {}

// Options tunes an Engine. Zero values select defaults.
type Options struct {
	Logger  *slog.Logger
	Metrics Metrics
	Now     func() time.Time
	NewID   func() string

	// MaxAttempts bounds retries of a store transaction that lost a
	// compare-and-swap race. Default 3.
	MaxAttempts int
}

// Engine exposes every incentive operation.
type Engine struct {
	Store  TxStore
	Policy PolicyStore
	Ledger *Ledger
	Promos *PromoUsage

	logger      *slog.Logger
	metrics     Metrics
	now         func() time.Time
	newID       func() string
	locks       *CustomerLocks
	maxAttempts int
}

func NewEngine(store TxStore, policy PolicyStore, opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = nopMetrics{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	locks := NewCustomerLocks()
	e := &Engine{
		Store:       store,
		Policy:      policy,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		now:         opts.Now,
		newID:       opts.NewID,
		locks:       locks,
		maxAttempts: opts.MaxAttempts,
	}
	e.Ledger = &Ledger{
		Store:       store,
		Locks:       locks,
		Now:         opts.Now,
		NewID:       opts.NewID,
		Metrics:     opts.Metrics,
		MaxAttempts: opts.MaxAttempts,
	}
	e.Promos = &PromoUsage{Now: opts.Now}
	return e
}

// CurrentPolicy reads the policy snapshot. Failures are storage errors:
// nothing may be granted without a policy.
func (e *Engine) CurrentPolicy(ctx context.Context) (PolicyConfig, error) {
	p, err := e.Policy.Current(ctx)
	if err != nil {
		return PolicyConfig{}, NewStorageError("load policy", err)
	}
	return p, nil
}

// Customer returns a customer by id.
func (e *Engine) Customer(ctx context.Context, id CustomerID) (Customer, error) {
	c, err := e.Store.Customers().GetCustomer(ctx, id)
	if err != nil {
		return Customer{}, NewStorageError("get customer", err)
	}
	return c, nil
}

// Referral returns a referral by id.
func (e *Engine) Referral(ctx context.Context, id ReferralID) (Referral, error) {
	r, err := e.Store.Referrals().GetReferral(ctx, id)
	if err != nil {
		return Referral{}, NewStorageError("get referral", err)
	}
	return r, nil
}

// Order returns an order by id.
func (e *Engine) Order(ctx context.Context, id OrderID) (Order, error) {
	o, err := e.Store.Orders().GetOrder(ctx, id)
	if err != nil {
		return Order{}, NewStorageError("get order", err)
	}
	return o, nil
}

// withRetry runs a store transaction, retrying when a conditional write lost
// a race with another writer.
func withRetry(ctx context.Context, store TxStore, attempts int, fn func(Stores) error) error {
	var err error
	for i := 0; i < attempts; i++ {
		err = store.WithTx(ctx, fn)
		if !errors.Is(err, ErrConcurrentModification) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return err
}

// =============================================================================
// CUSTOMER LOCKS - Per-customer exclusive lock
// =============================================================================

// CustomerLocks hands out one mutex per customer. Entries are released when
// no goroutine holds or waits for them.
type CustomerLocks struct {
	mu    sync.Mutex
	locks map[CustomerID]*customerLock
}

type customerLock struct {
	mu   sync.Mutex
	refs int
}

func NewCustomerLocks() *CustomerLocks {
	return &CustomerLocks{locks: make(map[CustomerID]*customerLock)}
}

// Lock blocks until the customer's lock is held and returns its release func.
func (l *CustomerLocks) Lock(id CustomerID) func() {
	l.mu.Lock()
	cl, ok := l.locks[id]
	if !ok {
		cl = &customerLock{}
		l.locks[id] = cl
	}
	cl.refs++
	l.mu.Unlock()

	cl.mu.Lock()
	return func() {
		cl.mu.Unlock()
		l.mu.Lock()
		cl.refs--
		if cl.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}
