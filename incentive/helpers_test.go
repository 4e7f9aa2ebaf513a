package incentive_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/warp/incentive-engine/incentive"
	"github.com/warp/incentive-engine/incentive/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var march10 = time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func ptr[T any](v T) *T { return &v }

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(by time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(by)
}

type fixture struct {
	engine *incentive.Engine
	store  *store.Memory
	clock  *testClock
	policy incentive.PolicyConfig
}

func newFixture(t *testing.T, mutate ...func(*incentive.PolicyConfig)) *fixture {
	return newFixtureWithStore(t, nil, mutate...)
}

// newFixtureWithStore builds an engine over tx (or a fresh memory store when nil).
func newFixtureWithStore(t *testing.T, tx incentive.TxStore, mutate ...func(*incentive.PolicyConfig)) *fixture {
	t.Helper()

	policy := incentive.DefaultPolicy()
	for _, m := range mutate {
		m(&policy)
	}
	require.NoError(t, policy.Validate())

	mem := store.NewMemory()
	if tx == nil {
		tx = mem
	} else if f, ok := tx.(*faultyStore); ok {
		mem = f.Memory
	}

	var seq atomic.Int64
	clock := &testClock{now: march10}
	engine := incentive.NewEngine(tx, incentive.StaticPolicy{Config: policy}, incentive.Options{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:    clock.Now,
		NewID: func() string {
			return fmt.Sprintf("id-%d", seq.Add(1))
		},
	})
	return &fixture{engine: engine, store: mem, clock: clock, policy: policy}
}

func (f *fixture) customer(t *testing.T, id, phone, device string) incentive.Customer {
	t.Helper()
	c, err := f.engine.EnsureCustomer(context.Background(), incentive.NewCustomer{
		ID:       incentive.CustomerID(id),
		Phone:    phone,
		DeviceID: device,
	})
	require.NoError(t, err)
	return c
}

func (f *fixture) fund(t *testing.T, id string, amount string) {
	t.Helper()
	_, err := f.engine.Ledger.Credit(context.Background(), incentive.CustomerID(id), d(amount), "test funding", nil)
	require.NoError(t, err)
}

func (f *fixture) balance(t *testing.T, id string) decimal.Decimal {
	t.Helper()
	c, err := f.engine.Customer(context.Background(), incentive.CustomerID(id))
	require.NoError(t, err)
	return c.WalletBalance
}

// placeFirstOrder places a plain order so the customer is no longer new.
func (f *fixture) placeFirstOrder(t *testing.T, id string) incentive.Order {
	t.Helper()
	o, err := f.engine.PlaceOrder(context.Background(), incentive.CheckoutRequest{
		CustomerID: incentive.CustomerID(id),
		Subtotal:   d("300"),
	})
	require.NoError(t, err)
	return o
}

// referredCustomer creates referrer + referred and registers the referral.
func (f *fixture) referredCustomer(t *testing.T, referrerID, referredID, referredPhone, referredDevice string) incentive.Referral {
	t.Helper()
	ctx := context.Background()
	if _, err := f.engine.Customer(ctx, incentive.CustomerID(referrerID)); err != nil {
		f.customer(t, referrerID, "+91-"+referrerID, "device-"+referrerID)
	}
	f.customer(t, referredID, referredPhone, referredDevice)

	code, err := f.engine.EnsureReferralCode(ctx, incentive.CustomerID(referrerID))
	require.NoError(t, err)
	r, err := f.engine.RegisterReferral(ctx, incentive.RegisterReferralInput{
		ReferredUserID: incentive.CustomerID(referredID),
		ReferralCode:   code,
	})
	require.NoError(t, err)
	return r
}

// =============================================================================
// FAULTY STORE - Injects store failures by operation name
// =============================================================================

type faultyStore struct {
	*store.Memory
	faults map[string]error
}

func newFaultyStore(faults map[string]error) *faultyStore {
	return &faultyStore{Memory: store.NewMemory(), faults: faults}
}

func (f *faultyStore) fault(op string) error {
	return f.faults[op]
}

func (f *faultyStore) Referrals() incentive.ReferralStore {
	return faultyReferrals{ReferralStore: f.Memory.Referrals(), f: f}
}

func (f *faultyStore) Orders() incentive.OrderStore {
	return faultyOrders{OrderStore: f.Memory.Orders(), f: f}
}

func (f *faultyStore) WithTx(ctx context.Context, fn func(incentive.Stores) error) error {
	return f.Memory.WithTx(ctx, func(s incentive.Stores) error {
		return fn(faultyStores{Stores: s, f: f})
	})
}

type faultyStores struct {
	incentive.Stores
	f *faultyStore
}

func (s faultyStores) Customers() incentive.CustomerStore {
	return faultyCustomers{CustomerStore: s.Stores.Customers(), f: s.f}
}

type faultyCustomers struct {
	incentive.CustomerStore
	f *faultyStore
}

func (c faultyCustomers) FindByPhone(ctx context.Context, phone string) (incentive.Customer, error) {
	if err := c.f.fault("FindByPhone"); err != nil {
		return incentive.Customer{}, err
	}
	return c.CustomerStore.FindByPhone(ctx, phone)
}

func (s faultyStores) Referrals() incentive.ReferralStore {
	return faultyReferrals{ReferralStore: s.Stores.Referrals(), f: s.f}
}

func (s faultyStores) Orders() incentive.OrderStore {
	return faultyOrders{OrderStore: s.Stores.Orders(), f: s.f}
}

type faultyReferrals struct {
	incentive.ReferralStore
	f *faultyStore
}

func (r faultyReferrals) FindDuplicate(ctx context.Context, phone, deviceID string, exclude incentive.ReferralID) (bool, error) {
	if err := r.f.fault("FindDuplicate"); err != nil {
		return false, err
	}
	return r.ReferralStore.FindDuplicate(ctx, phone, deviceID, exclude)
}

func (r faultyReferrals) FindByReferredUser(ctx context.Context, userID incentive.CustomerID) (incentive.Referral, error) {
	if err := r.f.fault("FindByReferredUser"); err != nil {
		return incentive.Referral{}, err
	}
	return r.ReferralStore.FindByReferredUser(ctx, userID)
}

type faultyOrders struct {
	incentive.OrderStore
	f *faultyStore
}

func (o faultyOrders) SaveOrder(ctx context.Context, order incentive.Order) error {
	if err := o.f.fault("SaveOrder"); err != nil {
		return err
	}
	return o.OrderStore.SaveOrder(ctx, order)
}

// rivalCodeStore assigns rival to the customer just before the engine's first
// SetReferralCode lands, as a concurrent request would.
type rivalCodeStore struct {
	*store.Memory
	rival string
	once  sync.Once
}

func (r *rivalCodeStore) Customers() incentive.CustomerStore {
	return rivalCustomers{CustomerStore: r.Memory.Customers(), r: r}
}

type rivalCustomers struct {
	incentive.CustomerStore
	r *rivalCodeStore
}

func (c rivalCustomers) SetReferralCode(ctx context.Context, id incentive.CustomerID, code string) error {
	c.r.once.Do(func() {
		_ = c.CustomerStore.SetReferralCode(ctx, id, c.r.rival)
	})
	return c.CustomerStore.SetReferralCode(ctx, id, code)
}
