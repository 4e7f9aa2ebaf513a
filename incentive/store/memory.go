// Package store provides in-memory implementations of the incentive stores.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/incentive-engine/incentive"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements incentive.TxStore. Every method takes the store lock;
// WithTx holds it for the whole function, so transactions are serialized.
type Memory struct {
	mu sync.RWMutex
	st memoryState
}

type memoryState struct {
	customers  map[incentive.CustomerID]incentive.Customer
	codes      map[string]incentive.CustomerID
	referrals  map[incentive.ReferralID]incentive.Referral
	byReferred map[incentive.CustomerID]incentive.ReferralID
	ledger     map[incentive.CustomerID][]incentive.WalletTransaction
	promos     map[string]incentive.PromoCode
	usage      map[usageKey]int
	orders     map[incentive.OrderID]incentive.Order
}

type usageKey struct {
	PromoID incentive.PromoID
	UserID  incentive.CustomerID
}

func NewMemory() *Memory {
	return &Memory{st: memoryState{
		customers:  make(map[incentive.CustomerID]incentive.Customer),
		codes:      make(map[string]incentive.CustomerID),
		referrals:  make(map[incentive.ReferralID]incentive.Referral),
		byReferred: make(map[incentive.CustomerID]incentive.ReferralID),
		ledger:     make(map[incentive.CustomerID][]incentive.WalletTransaction),
		promos:     make(map[string]incentive.PromoCode),
		usage:      make(map[usageKey]int),
		orders:     make(map[incentive.OrderID]incentive.Order),
	}}
}

var _ incentive.TxStore = (*Memory)(nil)

// The Memory itself serves all stores; each accessor returns a locking view.
func (m *Memory) Customers() incentive.CustomerStore { return lockedView{m} }
func (m *Memory) Referrals() incentive.ReferralStore { return lockedView{m} }
func (m *Memory) Ledger() incentive.LedgerStore      { return lockedView{m} }
func (m *Memory) Promos() incentive.PromoStore       { return lockedView{m} }
func (m *Memory) Orders() incentive.OrderStore       { return lockedView{m} }

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(incentive.Stores) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.snapshot()
	if err := fn(txView{&m.st}); err != nil {
		m.st = snapshot
		return err
	}
	return nil
}

func (m *Memory) snapshot() memoryState {
	s := memoryState{
		customers:  make(map[incentive.CustomerID]incentive.Customer, len(m.st.customers)),
		codes:      make(map[string]incentive.CustomerID, len(m.st.codes)),
		referrals:  make(map[incentive.ReferralID]incentive.Referral, len(m.st.referrals)),
		byReferred: make(map[incentive.CustomerID]incentive.ReferralID, len(m.st.byReferred)),
		ledger:     make(map[incentive.CustomerID][]incentive.WalletTransaction, len(m.st.ledger)),
		promos:     make(map[string]incentive.PromoCode, len(m.st.promos)),
		usage:      make(map[usageKey]int, len(m.st.usage)),
		orders:     make(map[incentive.OrderID]incentive.Order, len(m.st.orders)),
	}
	for k, v := range m.st.customers {
		s.customers[k] = v
	}
	for k, v := range m.st.codes {
		s.codes[k] = v
	}
	for k, v := range m.st.referrals {
		s.referrals[k] = v
	}
	for k, v := range m.st.byReferred {
		s.byReferred[k] = v
	}
	for k, v := range m.st.ledger {
		s.ledger[k] = append([]incentive.WalletTransaction{}, v...)
	}
	for k, v := range m.st.promos {
		s.promos[k] = v
	}
	for k, v := range m.st.usage {
		s.usage[k] = v
	}
	for k, v := range m.st.orders {
		s.orders[k] = v
	}
	return s
}

// txView exposes the state to a WithTx function. The store lock is already held.
type txView struct {
	s *memoryState
}

func (v txView) Customers() incentive.CustomerStore { return v.s }
func (v txView) Referrals() incentive.ReferralStore { return v.s }
func (v txView) Ledger() incentive.LedgerStore      { return v.s }
func (v txView) Promos() incentive.PromoStore       { return v.s }
func (v txView) Orders() incentive.OrderStore       { return v.s }

// =============================================================================
// LOCKED VIEW - Takes the store lock around each memoryState call
// =============================================================================

type lockedView struct {
	m *Memory
}

func (v lockedView) read() func() {
	v.m.mu.RLock()
	return v.m.mu.RUnlock
}

func (v lockedView) write() func() {
	v.m.mu.Lock()
	return v.m.mu.Unlock
}

func (v lockedView) CreateCustomer(ctx context.Context, c incentive.Customer) error {
	defer v.write()()
	return v.m.st.CreateCustomer(ctx, c)
}

func (v lockedView) GetCustomer(ctx context.Context, id incentive.CustomerID) (incentive.Customer, error) {
	defer v.read()()
	return v.m.st.GetCustomer(ctx, id)
}

func (v lockedView) FindByPhone(ctx context.Context, phone string) (incentive.Customer, error) {
	defer v.read()()
	return v.m.st.FindByPhone(ctx, phone)
}

func (v lockedView) FindByReferralCode(ctx context.Context, code string) (incentive.Customer, error) {
	defer v.read()()
	return v.m.st.FindByReferralCode(ctx, code)
}

func (v lockedView) SetReferralCode(ctx context.Context, id incentive.CustomerID, code string) error {
	defer v.write()()
	return v.m.st.SetReferralCode(ctx, id, code)
}

func (v lockedView) SetReferredBy(ctx context.Context, id, referrer incentive.CustomerID) error {
	defer v.write()()
	return v.m.st.SetReferredBy(ctx, id, referrer)
}

func (v lockedView) MarkFirstOrder(ctx context.Context, id incentive.CustomerID, at time.Time) error {
	defer v.write()()
	return v.m.st.MarkFirstOrder(ctx, id, at)
}

func (v lockedView) SetWalletBalance(ctx context.Context, id incentive.CustomerID, expected, next decimal.Decimal) error {
	defer v.write()()
	return v.m.st.SetWalletBalance(ctx, id, expected, next)
}

func (v lockedView) IncrementReferralCount(ctx context.Context, id incentive.CustomerID, n int, earnings decimal.Decimal) error {
	defer v.write()()
	return v.m.st.IncrementReferralCount(ctx, id, n, earnings)
}

func (v lockedView) CreateReferral(ctx context.Context, r incentive.Referral) error {
	defer v.write()()
	return v.m.st.CreateReferral(ctx, r)
}

func (v lockedView) GetReferral(ctx context.Context, id incentive.ReferralID) (incentive.Referral, error) {
	defer v.read()()
	return v.m.st.GetReferral(ctx, id)
}

func (v lockedView) FindByReferredUser(ctx context.Context, userID incentive.CustomerID) (incentive.Referral, error) {
	defer v.read()()
	return v.m.st.FindByReferredUser(ctx, userID)
}

func (v lockedView) ListByReferrer(ctx context.Context, referrerID incentive.CustomerID) ([]incentive.Referral, error) {
	defer v.read()()
	return v.m.st.ListByReferrer(ctx, referrerID)
}

func (v lockedView) FindDuplicate(ctx context.Context, phone, deviceID string, exclude incentive.ReferralID) (bool, error) {
	defer v.read()()
	return v.m.st.FindDuplicate(ctx, phone, deviceID, exclude)
}

func (v lockedView) MonthlyCreditedSum(ctx context.Context, referrerID incentive.CustomerID, month time.Month, year int) (decimal.Decimal, error) {
	defer v.read()()
	return v.m.st.MonthlyCreditedSum(ctx, referrerID, month, year)
}

func (v lockedView) CountActiveReferrals(ctx context.Context, referrerID incentive.CustomerID) (int, error) {
	defer v.read()()
	return v.m.st.CountActiveReferrals(ctx, referrerID)
}

func (v lockedView) SetStatus(ctx context.Context, id incentive.ReferralID, from []incentive.ReferralStatus, to incentive.ReferralStatus, u incentive.StatusUpdate) error {
	defer v.write()()
	return v.m.st.SetStatus(ctx, id, from, to, u)
}

func (v lockedView) ListExpirable(ctx context.Context, now time.Time) ([]incentive.Referral, error) {
	defer v.read()()
	return v.m.st.ListExpirable(ctx, now)
}

func (v lockedView) AppendTransaction(ctx context.Context, tx incentive.WalletTransaction) error {
	defer v.write()()
	return v.m.st.AppendTransaction(ctx, tx)
}

func (v lockedView) CurrentBalance(ctx context.Context, userID incentive.CustomerID) (decimal.Decimal, error) {
	defer v.read()()
	return v.m.st.CurrentBalance(ctx, userID)
}

func (v lockedView) Transactions(ctx context.Context, userID incentive.CustomerID) ([]incentive.WalletTransaction, error) {
	defer v.read()()
	return v.m.st.Transactions(ctx, userID)
}

func (v lockedView) SavePromo(ctx context.Context, p incentive.PromoCode) error {
	defer v.write()()
	return v.m.st.SavePromo(ctx, p)
}

func (v lockedView) GetPromoByCode(ctx context.Context, code string) (incentive.PromoCode, error) {
	defer v.read()()
	return v.m.st.GetPromoByCode(ctx, code)
}

func (v lockedView) UserUsageCount(ctx context.Context, promoID incentive.PromoID, userID incentive.CustomerID) (int, error) {
	defer v.read()()
	return v.m.st.UserUsageCount(ctx, promoID, userID)
}

func (v lockedView) RecordUsage(ctx context.Context, promoID incentive.PromoID, userID incentive.CustomerID, orderID incentive.OrderID) error {
	defer v.write()()
	return v.m.st.RecordUsage(ctx, promoID, userID, orderID)
}

func (v lockedView) SaveOrder(ctx context.Context, o incentive.Order) error {
	defer v.write()()
	return v.m.st.SaveOrder(ctx, o)
}

func (v lockedView) GetOrder(ctx context.Context, id incentive.OrderID) (incentive.Order, error) {
	defer v.read()()
	return v.m.st.GetOrder(ctx, id)
}

func (v lockedView) SetOrderStatus(ctx context.Context, id incentive.OrderID, from, to incentive.OrderStatus, at time.Time) error {
	defer v.write()()
	return v.m.st.SetOrderStatus(ctx, id, from, to, at)
}

// =============================================================================
// STATE - Unlocked implementations; callers hold the store lock
// =============================================================================

func notFound(kind, id string) error {
	return &incentive.NotFoundError{Kind: kind, ID: id}
}

func (s *memoryState) CreateCustomer(_ context.Context, c incentive.Customer) error {
	if _, ok := s.customers[c.ID]; ok {
		return incentive.ErrAlreadyExists
	}
	if c.ReferralCode != nil {
		if _, taken := s.codes[*c.ReferralCode]; taken {
			return incentive.ErrAlreadyExists
		}
		s.codes[*c.ReferralCode] = c.ID
	}
	s.customers[c.ID] = c
	return nil
}

func (s *memoryState) GetCustomer(_ context.Context, id incentive.CustomerID) (incentive.Customer, error) {
	c, ok := s.customers[id]
	if !ok {
		return incentive.Customer{}, notFound("customer", string(id))
	}
	return c, nil
}

// FindByPhone returns the earliest created owner of phone, like the sqlite store.
func (s *memoryState) FindByPhone(_ context.Context, phone string) (incentive.Customer, error) {
	var (
		found incentive.Customer
		ok    bool
	)
	for _, c := range s.customers {
		if c.Phone != phone {
			continue
		}
		if !ok || c.CreatedAt.Before(found.CreatedAt) || (c.CreatedAt.Equal(found.CreatedAt) && c.ID < found.ID) {
			found, ok = c, true
		}
	}
	if !ok {
		return incentive.Customer{}, notFound("customer with phone", phone)
	}
	return found, nil
}

func (s *memoryState) FindByReferralCode(_ context.Context, code string) (incentive.Customer, error) {
	id, ok := s.codes[code]
	if !ok {
		return incentive.Customer{}, notFound("referral code", code)
	}
	return s.customers[id], nil
}

func (s *memoryState) SetReferralCode(_ context.Context, id incentive.CustomerID, code string) error {
	c, ok := s.customers[id]
	if !ok {
		return notFound("customer", string(id))
	}
	if _, taken := s.codes[code]; taken {
		return incentive.ErrAlreadyExists
	}
	if c.ReferralCode != nil {
		return incentive.ErrConcurrentModification
	}
	c.ReferralCode = &code
	s.codes[code] = id
	s.customers[id] = c
	return nil
}

func (s *memoryState) SetReferredBy(_ context.Context, id, referrer incentive.CustomerID) error {
	c, ok := s.customers[id]
	if !ok {
		return notFound("customer", string(id))
	}
	c.ReferredBy = &referrer
	s.customers[id] = c
	return nil
}

func (s *memoryState) MarkFirstOrder(_ context.Context, id incentive.CustomerID, at time.Time) error {
	c, ok := s.customers[id]
	if !ok {
		return notFound("customer", string(id))
	}
	if c.HasUsedWelcomeOffer || c.FirstOrderPlacedAt != nil {
		return incentive.ErrInvalidState
	}
	c.HasUsedWelcomeOffer = true
	c.FirstOrderPlacedAt = &at
	s.customers[id] = c
	return nil
}

func (s *memoryState) SetWalletBalance(_ context.Context, id incentive.CustomerID, expected, next decimal.Decimal) error {
	c, ok := s.customers[id]
	if !ok {
		return notFound("customer", string(id))
	}
	if !c.WalletBalance.Equal(expected) {
		return incentive.ErrConcurrentModification
	}
	c.WalletBalance = next
	s.customers[id] = c
	return nil
}

func (s *memoryState) IncrementReferralCount(_ context.Context, id incentive.CustomerID, n int, earnings decimal.Decimal) error {
	c, ok := s.customers[id]
	if !ok {
		return notFound("customer", string(id))
	}
	c.ReferralCount += n
	c.TotalReferralEarnings = c.TotalReferralEarnings.Add(earnings)
	s.customers[id] = c
	return nil
}

func (s *memoryState) CreateReferral(_ context.Context, r incentive.Referral) error {
	if _, ok := s.referrals[r.ID]; ok {
		return incentive.ErrAlreadyExists
	}
	if _, ok := s.byReferred[r.ReferredUserID]; ok {
		return incentive.ErrAlreadyExists
	}
	s.referrals[r.ID] = r
	s.byReferred[r.ReferredUserID] = r.ID
	return nil
}

func (s *memoryState) GetReferral(_ context.Context, id incentive.ReferralID) (incentive.Referral, error) {
	r, ok := s.referrals[id]
	if !ok {
		return incentive.Referral{}, notFound("referral", string(id))
	}
	return r, nil
}

func (s *memoryState) FindByReferredUser(_ context.Context, userID incentive.CustomerID) (incentive.Referral, error) {
	id, ok := s.byReferred[userID]
	if !ok {
		return incentive.Referral{}, notFound("referral for customer", string(userID))
	}
	return s.referrals[id], nil
}

func (s *memoryState) ListByReferrer(_ context.Context, referrerID incentive.CustomerID) ([]incentive.Referral, error) {
	var out []incentive.Referral
	for _, r := range s.referrals {
		if r.ReferrerUserID == referrerID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *memoryState) FindDuplicate(_ context.Context, phone, deviceID string, exclude incentive.ReferralID) (bool, error) {
	for _, r := range s.referrals {
		if r.ID == exclude {
			continue
		}
		if phone != "" && r.ReferredUserPhone == phone {
			return true, nil
		}
		if deviceID != "" && r.ReferredUserDeviceID != nil && *r.ReferredUserDeviceID == deviceID {
			return true, nil
		}
	}
	return false, nil
}

func (s *memoryState) MonthlyCreditedSum(_ context.Context, referrerID incentive.CustomerID, month time.Month, year int) (decimal.Decimal, error) {
	sum := decimal.Zero
	for _, r := range s.referrals {
		if r.ReferrerUserID != referrerID || r.Status != incentive.ReferralCredited || r.CreditedAt == nil {
			continue
		}
		at := r.CreditedAt.UTC()
		if at.Month() == month && at.Year() == year {
			sum = sum.Add(r.RewardAmount)
		}
	}
	return sum, nil
}

func (s *memoryState) CountActiveReferrals(_ context.Context, referrerID incentive.CustomerID) (int, error) {
	n := 0
	for _, r := range s.referrals {
		if r.ReferrerUserID == referrerID && r.Status == incentive.ReferralCredited {
			n++
		}
	}
	return n, nil
}

func (s *memoryState) SetStatus(_ context.Context, id incentive.ReferralID, from []incentive.ReferralStatus, to incentive.ReferralStatus, u incentive.StatusUpdate) error {
	r, ok := s.referrals[id]
	if !ok {
		return notFound("referral", string(id))
	}
	allowed := false
	for _, f := range from {
		if r.Status == f {
			allowed = true
			break
		}
	}
	if !allowed {
		return &incentive.InvalidStateError{Entity: "referral", ID: string(id), Current: string(r.Status), Wanted: string(to)}
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
	s.referrals[id] = r
	return nil
}

func (s *memoryState) ListExpirable(_ context.Context, now time.Time) ([]incentive.Referral, error) {
	var out []incentive.Referral
	for _, r := range s.referrals {
		if !r.Status.IsTerminal() && r.IsExpired(now) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// AppendTransaction adds a single transaction. Append-only.
func (s *memoryState) AppendTransaction(_ context.Context, tx incentive.WalletTransaction) error {
	s.ledger[tx.UserID] = append(s.ledger[tx.UserID], tx)
	return nil
}

func (s *memoryState) CurrentBalance(_ context.Context, userID incentive.CustomerID) (decimal.Decimal, error) {
	txs := s.ledger[userID]
	if len(txs) == 0 {
		return decimal.Zero, nil
	}
	return txs[len(txs)-1].BalanceAfter, nil
}

func (s *memoryState) Transactions(_ context.Context, userID incentive.CustomerID) ([]incentive.WalletTransaction, error) {
	result := make([]incentive.WalletTransaction, len(s.ledger[userID]))
	copy(result, s.ledger[userID])
	return result, nil
}

func (s *memoryState) SavePromo(_ context.Context, p incentive.PromoCode) error {
	if existing, ok := s.promos[p.Code]; ok && existing.ID != p.ID {
		return incentive.ErrAlreadyExists
	}
	s.promos[p.Code] = p
	return nil
}

func (s *memoryState) GetPromoByCode(_ context.Context, code string) (incentive.PromoCode, error) {
	p, ok := s.promos[code]
	if !ok {
		return incentive.PromoCode{}, notFound("promo code", code)
	}
	return p, nil
}

func (s *memoryState) UserUsageCount(_ context.Context, promoID incentive.PromoID, userID incentive.CustomerID) (int, error) {
	return s.usage[usageKey{PromoID: promoID, UserID: userID}], nil
}

func (s *memoryState) RecordUsage(_ context.Context, promoID incentive.PromoID, userID incentive.CustomerID, _ incentive.OrderID) error {
	var promo incentive.PromoCode
	found := false
	for _, p := range s.promos {
		if p.ID == promoID {
			promo, found = p, true
			break
		}
	}
	if !found {
		return notFound("promo", string(promoID))
	}
	k := usageKey{PromoID: promoID, UserID: userID}
	if promo.UsageLimit != nil && promo.UsageCount >= *promo.UsageLimit {
		return incentive.ErrExceedsLimit
	}
	if promo.PerUserLimit != nil && s.usage[k] >= *promo.PerUserLimit {
		return incentive.ErrExceedsLimit
	}
	promo.UsageCount++
	s.promos[promo.Code] = promo
	s.usage[k]++
	return nil
}

func (s *memoryState) SaveOrder(_ context.Context, o incentive.Order) error {
	if _, ok := s.orders[o.ID]; ok {
		return incentive.ErrAlreadyExists
	}
	s.orders[o.ID] = o
	return nil
}

func (s *memoryState) GetOrder(_ context.Context, id incentive.OrderID) (incentive.Order, error) {
	o, ok := s.orders[id]
	if !ok {
		return incentive.Order{}, notFound("order", string(id))
	}
	return o, nil
}

func (s *memoryState) SetOrderStatus(_ context.Context, id incentive.OrderID, from, to incentive.OrderStatus, at time.Time) error {
	o, ok := s.orders[id]
	if !ok {
		return notFound("order", string(id))
	}
	if o.Status != from {
		return &incentive.InvalidStateError{Entity: "order", ID: string(id), Current: string(o.Status), Wanted: string(to)}
	}
	o.Status = to
	switch to {
	case incentive.OrderDelivered:
		o.DeliveredAt = &at
	case incentive.OrderCancelled:
		o.CancelledAt = &at
	}
	s.orders[id] = o
	return nil
}
