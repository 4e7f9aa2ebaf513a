package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/incentive-engine/incentive"
)

// repo implements every entity store over a querier. Bound to *sql.DB it
// autocommits; bound to *sql.Tx it is the view handed to WithTx functions.
type repo struct {
	q querier
}

func (r repo) Customers() incentive.CustomerStore { return r }
func (r repo) Referrals() incentive.ReferralStore { return r }
func (r repo) Ledger() incentive.LedgerStore      { return r }
func (r repo) Promos() incentive.PromoStore       { return r }
func (r repo) Orders() incentive.OrderStore       { return r }

func (r repo) exists(ctx context.Context, table, id string) (bool, error) {
	var ok bool
	err := r.q.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM "+table+" WHERE id = ?)", id).Scan(&ok)
	return ok, err
}

// =============================================================================
// CUSTOMER STORE
// =============================================================================

const customerColumns = `id, phone, device_id, wallet_balance, has_used_welcome_offer,
	first_order_placed_at, referral_code, referred_by, referral_count,
	total_referral_earnings, created_at`

func (r repo) CreateCustomer(ctx context.Context, c incentive.Customer) error {
	var code, referredBy sql.NullString
	if c.ReferralCode != nil {
		code = nullString(*c.ReferralCode)
	}
	if c.ReferredBy != nil {
		referredBy = nullString(string(*c.ReferredBy))
	}
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO customers (`+customerColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Phone, c.DeviceID, c.WalletBalance.String(), boolInt(c.HasUsedWelcomeOffer),
		nullTime(c.FirstOrderPlacedAt), code, referredBy, c.ReferralCount,
		c.TotalReferralEarnings.String(), formatTime(c.CreatedAt),
	)
	if isUniqueConstraintError(err) {
		return incentive.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("failed to insert customer: %w", err)
	}
	return nil
}

func (r repo) GetCustomer(ctx context.Context, id incentive.CustomerID) (incentive.Customer, error) {
	row := r.q.QueryRowContext(ctx, "SELECT "+customerColumns+" FROM customers WHERE id = ?", id)
	return scanCustomer(row, "customer", string(id))
}

func (r repo) FindByPhone(ctx context.Context, phone string) (incentive.Customer, error) {
	row := r.q.QueryRowContext(ctx,
		"SELECT "+customerColumns+" FROM customers WHERE phone = ? ORDER BY created_at LIMIT 1", phone)
	return scanCustomer(row, "customer with phone", phone)
}

func (r repo) FindByReferralCode(ctx context.Context, code string) (incentive.Customer, error) {
	row := r.q.QueryRowContext(ctx, "SELECT "+customerColumns+" FROM customers WHERE referral_code = ?", code)
	return scanCustomer(row, "referral code", code)
}

func scanCustomer(row scanner, kind, key string) (incentive.Customer, error) {
	var (
		c                            incentive.Customer
		balance, earnings, createdAt string
		usedWelcome                  int
		firstOrder, code, referredBy sql.NullString
	)
	err := row.Scan(&c.ID, &c.Phone, &c.DeviceID, &balance, &usedWelcome,
		&firstOrder, &code, &referredBy, &c.ReferralCount, &earnings, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return incentive.Customer{}, &incentive.NotFoundError{Kind: kind, ID: key}
	}
	if err != nil {
		return incentive.Customer{}, fmt.Errorf("failed to scan customer: %w", err)
	}

	if c.WalletBalance, err = parseDecimal(balance); err != nil {
		return incentive.Customer{}, err
	}
	if c.TotalReferralEarnings, err = parseDecimal(earnings); err != nil {
		return incentive.Customer{}, err
	}
	if c.FirstOrderPlacedAt, err = parseNullTime(firstOrder); err != nil {
		return incentive.Customer{}, err
	}
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return incentive.Customer{}, err
	}
	c.HasUsedWelcomeOffer = usedWelcome != 0
	if code.Valid {
		c.ReferralCode = &code.String
	}
	if referredBy.Valid {
		id := incentive.CustomerID(referredBy.String)
		c.ReferredBy = &id
	}
	return c, nil
}

// SetReferralCode only assigns a code to a customer that has none.
func (r repo) SetReferralCode(ctx context.Context, id incentive.CustomerID, code string) error {
	res, err := r.q.ExecContext(ctx,
		"UPDATE customers SET referral_code = ? WHERE id = ? AND referral_code IS NULL", code, id)
	if isUniqueConstraintError(err) {
		return incentive.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("failed to set referral code: %w", err)
	}
	ok, err := affected(res)
	if err != nil || ok {
		return err
	}
	found, err := r.exists(ctx, "customers", string(id))
	if err != nil {
		return err
	}
	if !found {
		return &incentive.NotFoundError{Kind: "customer", ID: string(id)}
	}
	return incentive.ErrConcurrentModification
}

func (r repo) SetReferredBy(ctx context.Context, id, referrer incentive.CustomerID) error {
	res, err := r.q.ExecContext(ctx, "UPDATE customers SET referred_by = ? WHERE id = ?", referrer, id)
	return r.checkUpdated(res, err, "customers", "customer", string(id))
}

// checkUpdated turns zero affected rows into a NotFoundError.
func (r repo) checkUpdated(res sql.Result, err error, table, kind, id string) error {
	if err != nil {
		return fmt.Errorf("failed to update %s: %w", table, err)
	}
	ok, err := affected(res)
	if err != nil {
		return err
	}
	if !ok {
		return &incentive.NotFoundError{Kind: kind, ID: id}
	}
	return nil
}

func (r repo) MarkFirstOrder(ctx context.Context, id incentive.CustomerID, at time.Time) error {
	res, err := r.q.ExecContext(ctx, `
		UPDATE customers
		SET has_used_welcome_offer = 1, first_order_placed_at = ?
		WHERE id = ? AND has_used_welcome_offer = 0 AND first_order_placed_at IS NULL`,
		formatTime(at), id)
	if err != nil {
		return fmt.Errorf("failed to mark first order: %w", err)
	}
	ok, err := affected(res)
	if err != nil || ok {
		return err
	}
	found, err := r.exists(ctx, "customers", string(id))
	if err != nil {
		return err
	}
	if !found {
		return &incentive.NotFoundError{Kind: "customer", ID: string(id)}
	}
	return incentive.ErrInvalidState
}

// SetWalletBalance compares the stored value numerically, then writes
// conditionally on the exact text read, so a concurrent writer between the
// two statements is detected.
func (r repo) SetWalletBalance(ctx context.Context, id incentive.CustomerID, expected, next decimal.Decimal) error {
	var stored string
	err := r.q.QueryRowContext(ctx, "SELECT wallet_balance FROM customers WHERE id = ?", id).Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		return &incentive.NotFoundError{Kind: "customer", ID: string(id)}
	}
	if err != nil {
		return fmt.Errorf("failed to load wallet balance: %w", err)
	}
	current, err := parseDecimal(stored)
	if err != nil {
		return err
	}
	if !current.Equal(expected) {
		return incentive.ErrConcurrentModification
	}

	res, err := r.q.ExecContext(ctx,
		"UPDATE customers SET wallet_balance = ? WHERE id = ? AND wallet_balance = ?",
		next.String(), id, stored)
	if err != nil {
		return fmt.Errorf("failed to set wallet balance: %w", err)
	}
	ok, err := affected(res)
	if err != nil {
		return err
	}
	if !ok {
		return incentive.ErrConcurrentModification
	}
	return nil
}

func (r repo) IncrementReferralCount(ctx context.Context, id incentive.CustomerID, n int, earnings decimal.Decimal) error {
	var stored string
	err := r.q.QueryRowContext(ctx, "SELECT total_referral_earnings FROM customers WHERE id = ?", id).Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		return &incentive.NotFoundError{Kind: "customer", ID: string(id)}
	}
	if err != nil {
		return fmt.Errorf("failed to load referral earnings: %w", err)
	}
	total, err := parseDecimal(stored)
	if err != nil {
		return err
	}

	res, err := r.q.ExecContext(ctx, `
		UPDATE customers
		SET referral_count = referral_count + ?, total_referral_earnings = ?
		WHERE id = ? AND total_referral_earnings = ?`,
		n, total.Add(earnings).String(), id, stored)
	if err != nil {
		return fmt.Errorf("failed to increment referral count: %w", err)
	}
	ok, err := affected(res)
	if err != nil {
		return err
	}
	if !ok {
		return incentive.ErrConcurrentModification
	}
	return nil
}

// =============================================================================
// REFERRAL STORE
// =============================================================================

const referralColumns = `id, referrer_user_id, referred_user_id, referred_user_phone,
	referred_user_device_id, status, reward_amount, credited_at, order_id,
	rejection_reason, created_at, updated_at, expires_at`

func (r repo) CreateReferral(ctx context.Context, ref incentive.Referral) error {
	var device, orderID sql.NullString
	if ref.ReferredUserDeviceID != nil {
		device = nullString(*ref.ReferredUserDeviceID)
	}
	if ref.OrderID != nil {
		orderID = nullString(string(*ref.OrderID))
	}
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO referrals (`+referralColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ref.ID, ref.ReferrerUserID, ref.ReferredUserID, ref.ReferredUserPhone,
		device, ref.Status, ref.RewardAmount.String(), nullTime(ref.CreditedAt), orderID,
		ref.RejectionReason, formatTime(ref.CreatedAt), formatTime(ref.UpdatedAt), nullTime(ref.ExpiresAt),
	)
	if isUniqueConstraintError(err) {
		return incentive.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("failed to insert referral: %w", err)
	}
	return nil
}

func (r repo) GetReferral(ctx context.Context, id incentive.ReferralID) (incentive.Referral, error) {
	row := r.q.QueryRowContext(ctx, "SELECT "+referralColumns+" FROM referrals WHERE id = ?", id)
	return scanReferral(row, "referral", string(id))
}

func (r repo) FindByReferredUser(ctx context.Context, userID incentive.CustomerID) (incentive.Referral, error) {
	row := r.q.QueryRowContext(ctx, "SELECT "+referralColumns+" FROM referrals WHERE referred_user_id = ?", userID)
	return scanReferral(row, "referral for customer", string(userID))
}

func (r repo) ListByReferrer(ctx context.Context, referrerID incentive.CustomerID) ([]incentive.Referral, error) {
	return r.queryReferrals(ctx, `
		SELECT `+referralColumns+` FROM referrals
		WHERE referrer_user_id = ?
		ORDER BY created_at ASC, id ASC`, referrerID)
}

func (r repo) FindDuplicate(ctx context.Context, phone, deviceID string, exclude incentive.ReferralID) (bool, error) {
	var dup bool
	err := r.q.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM referrals
			WHERE id <> ?
			  AND ((? <> '' AND referred_user_phone = ?)
			    OR (? <> '' AND referred_user_device_id = ?))
		)`,
		exclude, phone, phone, deviceID, deviceID,
	).Scan(&dup)
	if err != nil {
		return false, fmt.Errorf("failed to check duplicate referral: %w", err)
	}
	return dup, nil
}

// MonthlyCreditedSum uses UTC calendar months.
func (r repo) MonthlyCreditedSum(ctx context.Context, referrerID incentive.CustomerID, month time.Month, year int) (decimal.Decimal, error) {
	start := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)

	rows, err := r.q.QueryContext(ctx, `
		SELECT reward_amount FROM referrals
		WHERE referrer_user_id = ? AND status = ?
		  AND credited_at >= ? AND credited_at < ?`,
		referrerID, incentive.ReferralCredited, formatTime(start), formatTime(end))
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to sum monthly referrals: %w", err)
	}
	defer rows.Close()

	sum := decimal.Zero
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return decimal.Zero, fmt.Errorf("failed to scan reward amount: %w", err)
		}
		amount, err := parseDecimal(s)
		if err != nil {
			return decimal.Zero, err
		}
		sum = sum.Add(amount)
	}
	return sum, rows.Err()
}

func (r repo) CountActiveReferrals(ctx context.Context, referrerID incentive.CustomerID) (int, error) {
	var n int
	err := r.q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM referrals WHERE referrer_user_id = ? AND status = ?",
		referrerID, incentive.ReferralCredited).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count referrals: %w", err)
	}
	return n, nil
}

func (r repo) SetStatus(ctx context.Context, id incentive.ReferralID, from []incentive.ReferralStatus, to incentive.ReferralStatus, u incentive.StatusUpdate) error {
	if len(from) == 0 {
		return &incentive.InvalidStateError{Entity: "referral", ID: string(id), Wanted: string(to)}
	}
	var orderID sql.NullString
	if u.OrderID != nil {
		orderID = nullString(string(*u.OrderID))
	}

	args := []any{to, formatTime(u.At), orderID, nullTime(u.CreditedAt), u.RejectionReason, u.RejectionReason, id}
	for _, f := range from {
		args = append(args, f)
	}
	res, err := r.q.ExecContext(ctx, `
		UPDATE referrals
		SET status = ?,
		    updated_at = ?,
		    order_id = COALESCE(?, order_id),
		    credited_at = COALESCE(?, credited_at),
		    rejection_reason = CASE WHEN ? = '' THEN rejection_reason ELSE ? END
		WHERE id = ? AND status IN (`+placeholders(len(from))+`)`,
		args...)
	if err != nil {
		return fmt.Errorf("failed to set referral status: %w", err)
	}
	ok, err := affected(res)
	if err != nil || ok {
		return err
	}

	current, err := r.GetReferral(ctx, id)
	if err != nil {
		return err
	}
	return &incentive.InvalidStateError{Entity: "referral", ID: string(id), Current: string(current.Status), Wanted: string(to)}
}

func (r repo) ListExpirable(ctx context.Context, now time.Time) ([]incentive.Referral, error) {
	args := []any{formatTime(now)}
	for _, s := range incentive.NonTerminalStatuses {
		args = append(args, s)
	}
	return r.queryReferrals(ctx, `
		SELECT `+referralColumns+` FROM referrals
		WHERE expires_at IS NOT NULL AND expires_at < ?
		  AND status IN (`+placeholders(len(incentive.NonTerminalStatuses))+`)
		ORDER BY created_at ASC, id ASC`, args...)
}

func (r repo) queryReferrals(ctx context.Context, query string, args ...any) ([]incentive.Referral, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query referrals: %w", err)
	}
	defer rows.Close()

	var out []incentive.Referral
	for rows.Next() {
		ref, err := scanReferral(rows, "referral", "")
		if err != nil {
			return nil, err
		}
		out = append(out, ref)
	}
	return out, rows.Err()
}

func scanReferral(row scanner, kind, key string) (incentive.Referral, error) {
	var (
		ref                          incentive.Referral
		device, orderID              sql.NullString
		reward, createdAt, updatedAt string
		creditedAt, expiresAt        sql.NullString
	)
	err := row.Scan(&ref.ID, &ref.ReferrerUserID, &ref.ReferredUserID, &ref.ReferredUserPhone,
		&device, &ref.Status, &reward, &creditedAt, &orderID,
		&ref.RejectionReason, &createdAt, &updatedAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return incentive.Referral{}, &incentive.NotFoundError{Kind: kind, ID: key}
	}
	if err != nil {
		return incentive.Referral{}, fmt.Errorf("failed to scan referral: %w", err)
	}

	if !ref.Status.IsValid() {
		return incentive.Referral{}, fmt.Errorf("referral %s has unknown status %q", ref.ID, ref.Status)
	}
	if ref.RewardAmount, err = parseDecimal(reward); err != nil {
		return incentive.Referral{}, err
	}
	if ref.CreatedAt, err = parseTime(createdAt); err != nil {
		return incentive.Referral{}, err
	}
	if ref.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return incentive.Referral{}, err
	}
	if ref.CreditedAt, err = parseNullTime(creditedAt); err != nil {
		return incentive.Referral{}, err
	}
	if ref.ExpiresAt, err = parseNullTime(expiresAt); err != nil {
		return incentive.Referral{}, err
	}
	if device.Valid {
		ref.ReferredUserDeviceID = &device.String
	}
	if orderID.Valid {
		id := incentive.OrderID(orderID.String)
		ref.OrderID = &id
	}
	return ref, nil
}

// =============================================================================
// LEDGER STORE (append-only)
// =============================================================================

func (r repo) AppendTransaction(ctx context.Context, tx incentive.WalletTransaction) error {
	var orderID sql.NullString
	if tx.OrderID != nil {
		orderID = nullString(string(*tx.OrderID))
	}
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO wallet_transactions
		(id, user_id, tx_type, amount, balance_before, balance_after, description, order_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.ID, tx.UserID, tx.Type, tx.Amount.String(), tx.BalanceBefore.String(),
		tx.BalanceAfter.String(), tx.Description, orderID, formatTime(tx.CreatedAt),
	)
	if isUniqueConstraintError(err) {
		return incentive.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("failed to append wallet transaction: %w", err)
	}
	return nil
}

func (r repo) CurrentBalance(ctx context.Context, userID incentive.CustomerID) (decimal.Decimal, error) {
	var s string
	err := r.q.QueryRowContext(ctx,
		"SELECT balance_after FROM wallet_transactions WHERE user_id = ? ORDER BY seq DESC LIMIT 1",
		userID).Scan(&s)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to load current balance: %w", err)
	}
	return parseDecimal(s)
}

func (r repo) Transactions(ctx context.Context, userID incentive.CustomerID) ([]incentive.WalletTransaction, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT id, user_id, tx_type, amount, balance_before, balance_after, description, order_id, created_at
		FROM wallet_transactions
		WHERE user_id = ?
		ORDER BY seq ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query wallet transactions: %w", err)
	}
	defer rows.Close()

	var out []incentive.WalletTransaction
	for rows.Next() {
		var (
			tx                        incentive.WalletTransaction
			amount, before, after, at string
			orderID                   sql.NullString
		)
		if err := rows.Scan(&tx.ID, &tx.UserID, &tx.Type, &amount, &before, &after,
			&tx.Description, &orderID, &at); err != nil {
			return nil, fmt.Errorf("failed to scan wallet transaction: %w", err)
		}
		if tx.Amount, err = parseDecimal(amount); err != nil {
			return nil, err
		}
		if tx.BalanceBefore, err = parseDecimal(before); err != nil {
			return nil, err
		}
		if tx.BalanceAfter, err = parseDecimal(after); err != nil {
			return nil, err
		}
		if tx.CreatedAt, err = parseTime(at); err != nil {
			return nil, err
		}
		if orderID.Valid {
			id := incentive.OrderID(orderID.String)
			tx.OrderID = &id
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

// =============================================================================
// PROMO STORE
// =============================================================================

const promoColumns = `id, code, promo_type, discount_value, max_discount_cap, min_order_value,
	expiry_date, usage_limit, usage_count, per_user_limit, is_active, is_visible`

// SavePromo inserts or replaces the promo with the same id. A code held by
// another promo fails with ErrAlreadyExists.
func (r repo) SavePromo(ctx context.Context, p incentive.PromoCode) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO promo_codes (`+promoColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			code = excluded.code,
			promo_type = excluded.promo_type,
			discount_value = excluded.discount_value,
			max_discount_cap = excluded.max_discount_cap,
			min_order_value = excluded.min_order_value,
			expiry_date = excluded.expiry_date,
			usage_limit = excluded.usage_limit,
			usage_count = excluded.usage_count,
			per_user_limit = excluded.per_user_limit,
			is_active = excluded.is_active,
			is_visible = excluded.is_visible`,
		p.ID, p.Code, p.Type, p.DiscountValue.String(), nullDecimal(p.MaxDiscountCap),
		nullDecimal(p.MinOrderValue), nullTime(p.ExpiryDate), nullInt(p.UsageLimit),
		p.UsageCount, nullInt(p.PerUserLimit), boolInt(p.IsActive), boolInt(p.IsVisible),
	)
	if isUniqueConstraintError(err) {
		return incentive.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("failed to save promo: %w", err)
	}
	return nil
}

func (r repo) GetPromoByCode(ctx context.Context, code string) (incentive.PromoCode, error) {
	row := r.q.QueryRowContext(ctx, "SELECT "+promoColumns+" FROM promo_codes WHERE code = ?", code)
	return scanPromo(row, "promo code", code)
}

func (r repo) getPromo(ctx context.Context, id incentive.PromoID) (incentive.PromoCode, error) {
	row := r.q.QueryRowContext(ctx, "SELECT "+promoColumns+" FROM promo_codes WHERE id = ?", id)
	return scanPromo(row, "promo", string(id))
}

func scanPromo(row scanner, kind, key string) (incentive.PromoCode, error) {
	var (
		p                     incentive.PromoCode
		value                 string
		maxCap, minOrder, exp sql.NullString
		usageLimit, perUser   sql.NullInt64
		active, visible       int
	)
	err := row.Scan(&p.ID, &p.Code, &p.Type, &value, &maxCap, &minOrder,
		&exp, &usageLimit, &p.UsageCount, &perUser, &active, &visible)
	if errors.Is(err, sql.ErrNoRows) {
		return incentive.PromoCode{}, &incentive.NotFoundError{Kind: kind, ID: key}
	}
	if err != nil {
		return incentive.PromoCode{}, fmt.Errorf("failed to scan promo: %w", err)
	}

	if p.DiscountValue, err = parseDecimal(value); err != nil {
		return incentive.PromoCode{}, err
	}
	if p.MaxDiscountCap, err = parseNullDecimal(maxCap); err != nil {
		return incentive.PromoCode{}, err
	}
	if p.MinOrderValue, err = parseNullDecimal(minOrder); err != nil {
		return incentive.PromoCode{}, err
	}
	if p.ExpiryDate, err = parseNullTime(exp); err != nil {
		return incentive.PromoCode{}, err
	}
	p.UsageLimit = intPtr(usageLimit)
	p.PerUserLimit = intPtr(perUser)
	p.IsActive = active != 0
	p.IsVisible = visible != 0
	return p, nil
}

func (r repo) UserUsageCount(ctx context.Context, promoID incentive.PromoID, userID incentive.CustomerID) (int, error) {
	var n int
	err := r.q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM promo_usage WHERE promo_id = ? AND user_id = ?",
		promoID, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count promo usage: %w", err)
	}
	return n, nil
}

func (r repo) RecordUsage(ctx context.Context, promoID incentive.PromoID, userID incentive.CustomerID, orderID incentive.OrderID) error {
	promo, err := r.getPromo(ctx, promoID)
	if err != nil {
		return err
	}
	if promo.PerUserLimit != nil {
		used, err := r.UserUsageCount(ctx, promoID, userID)
		if err != nil {
			return err
		}
		if used >= *promo.PerUserLimit {
			return incentive.ErrExceedsLimit
		}
	}

	res, err := r.q.ExecContext(ctx, `
		UPDATE promo_codes SET usage_count = usage_count + 1
		WHERE id = ? AND (usage_limit IS NULL OR usage_count < usage_limit)`, promoID)
	if err != nil {
		return fmt.Errorf("failed to increment promo usage: %w", err)
	}
	ok, err := affected(res)
	if err != nil {
		return err
	}
	if !ok {
		return incentive.ErrExceedsLimit
	}

	_, err = r.q.ExecContext(ctx,
		"INSERT INTO promo_usage (promo_id, user_id, order_id, used_at) VALUES (?, ?, ?, ?)",
		promoID, userID, orderID, formatTime(time.Now()))
	if isUniqueConstraintError(err) {
		return incentive.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("failed to record promo usage: %w", err)
	}
	return nil
}

// =============================================================================
// ORDER STORE
// =============================================================================

const orderColumns = `id, customer_id, status, incentive, promo_code, breakdown_json,
	created_at, delivered_at, cancelled_at`

// breakdownDoc is the stored form of an OrderTotalBreakdown.
type breakdownDoc struct {
	Subtotal             decimal.Decimal `json:"subtotal"`
	HandlingFee          decimal.Decimal `json:"handling_fee"`
	DeliveryFee          decimal.Decimal `json:"delivery_fee"`
	RainFee              decimal.Decimal `json:"rain_fee"`
	TaxAmount            decimal.Decimal `json:"tax_amount"`
	Incentive            string          `json:"incentive"`
	WelcomeOfferDiscount decimal.Decimal `json:"welcome_offer_discount"`
	PromoDiscount        decimal.Decimal `json:"promo_discount"`
	DeliveryFeeWaived    decimal.Decimal `json:"delivery_fee_waived"`
	WalletAmountUsed     decimal.Decimal `json:"wallet_amount_used"`
	FinalTotal           decimal.Decimal `json:"final_total"`
}

func toBreakdownDoc(b incentive.OrderTotalBreakdown) breakdownDoc {
	return breakdownDoc{
		Subtotal:             b.Subtotal,
		HandlingFee:          b.Fees.HandlingFee,
		DeliveryFee:          b.Fees.DeliveryFee,
		RainFee:              b.Fees.RainFee,
		TaxAmount:            b.Fees.TaxAmount,
		Incentive:            string(b.Incentive),
		WelcomeOfferDiscount: b.WelcomeOfferDiscount,
		PromoDiscount:        b.PromoDiscount,
		DeliveryFeeWaived:    b.DeliveryFeeWaived,
		WalletAmountUsed:     b.WalletAmountUsed,
		FinalTotal:           b.FinalTotal,
	}
}

func (d breakdownDoc) breakdown() incentive.OrderTotalBreakdown {
	return incentive.OrderTotalBreakdown{
		Subtotal: d.Subtotal,
		Fees: incentive.Fees{
			HandlingFee: d.HandlingFee,
			DeliveryFee: d.DeliveryFee,
			RainFee:     d.RainFee,
			TaxAmount:   d.TaxAmount,
		},
		Incentive:            incentive.IncentiveType(d.Incentive),
		WelcomeOfferDiscount: d.WelcomeOfferDiscount,
		PromoDiscount:        d.PromoDiscount,
		DeliveryFeeWaived:    d.DeliveryFeeWaived,
		WalletAmountUsed:     d.WalletAmountUsed,
		FinalTotal:           d.FinalTotal,
	}
}

func (r repo) SaveOrder(ctx context.Context, o incentive.Order) error {
	doc, err := json.Marshal(toBreakdownDoc(o.Breakdown))
	if err != nil {
		return fmt.Errorf("failed to encode order breakdown: %w", err)
	}
	_, err = r.q.ExecContext(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.CustomerID, o.Status, o.Incentive, o.PromoCode, string(doc),
		formatTime(o.CreatedAt), nullTime(o.DeliveredAt), nullTime(o.CancelledAt),
	)
	if isUniqueConstraintError(err) {
		return incentive.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}
	return nil
}

func (r repo) GetOrder(ctx context.Context, id incentive.OrderID) (incentive.Order, error) {
	var (
		o                      incentive.Order
		doc, createdAt         string
		deliveredAt, cancelled sql.NullString
	)
	err := r.q.QueryRowContext(ctx, "SELECT "+orderColumns+" FROM orders WHERE id = ?", id).Scan(
		&o.ID, &o.CustomerID, &o.Status, &o.Incentive, &o.PromoCode, &doc,
		&createdAt, &deliveredAt, &cancelled)
	if errors.Is(err, sql.ErrNoRows) {
		return incentive.Order{}, &incentive.NotFoundError{Kind: "order", ID: string(id)}
	}
	if err != nil {
		return incentive.Order{}, fmt.Errorf("failed to scan order: %w", err)
	}

	var bd breakdownDoc
	if err := json.Unmarshal([]byte(doc), &bd); err != nil {
		return incentive.Order{}, fmt.Errorf("order %s has a malformed breakdown: %w", id, err)
	}
	o.Breakdown = bd.breakdown()
	if o.CreatedAt, err = parseTime(createdAt); err != nil {
		return incentive.Order{}, err
	}
	if o.DeliveredAt, err = parseNullTime(deliveredAt); err != nil {
		return incentive.Order{}, err
	}
	if o.CancelledAt, err = parseNullTime(cancelled); err != nil {
		return incentive.Order{}, err
	}
	return o, nil
}

func (r repo) SetOrderStatus(ctx context.Context, id incentive.OrderID, from, to incentive.OrderStatus, at time.Time) error {
	stamp := formatTime(at)
	res, err := r.q.ExecContext(ctx, `
		UPDATE orders
		SET status = ?,
		    delivered_at = CASE WHEN ? = 'DELIVERED' THEN ? ELSE delivered_at END,
		    cancelled_at = CASE WHEN ? = 'CANCELLED' THEN ? ELSE cancelled_at END
		WHERE id = ? AND status = ?`,
		to, to, stamp, to, stamp, id, from)
	if err != nil {
		return fmt.Errorf("failed to set order status: %w", err)
	}
	ok, err := affected(res)
	if err != nil || ok {
		return err
	}

	current, err := r.GetOrder(ctx, id)
	if err != nil {
		return err
	}
	return &incentive.InvalidStateError{Entity: "order", ID: string(id), Current: string(current.Status), Wanted: string(to)}
}
