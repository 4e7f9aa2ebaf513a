/*
Package sqlite provides a SQLite-backed implementation of the incentive stores.

PURPOSE:
  Implements every persistence interface the engine consumes (customers,
  referrals, wallet ledger, promo codes, orders, policy) on SQLite. The same
  schema and conditional-write patterns carry over to PostgreSQL with minor
  dialect changes.

INTERFACES IMPLEMENTED:
  incentive.TxStore:     all entity stores + WithTx
  incentive.PolicyStore: latest row of the policies table

APPEND-ONLY ENFORCEMENT:
  - No UPDATE or DELETE statements on wallet_transactions
  - Referrals are never deleted; terminal rows are kept for audit

CONDITIONAL WRITES:
  Writes that guard money are conditional in SQL, so a lost race is visible
  as zero affected rows:
  - wallet balance:   UPDATE ... WHERE wallet_balance = <value read>
  - referral status:  UPDATE ... WHERE status IN (<from>)
  - first order:      UPDATE ... WHERE has_used_welcome_offer = 0
  - promo usage:      UPDATE ... WHERE usage_count < usage_limit

KEY TABLES:
  customers:           wallet balance, first-order flags, referral code
  referrals:           one row per referred user (UNIQUE referred_user_id)
  wallet_transactions: append-only ledger, ordered by seq
  promo_codes:         coupon definitions + global usage counter
  promo_usage:         one row per order that used a promo
  orders:              orders confirmed by the engine
  policies:            versioned PolicyConfig JSON documents

CONCURRENCY:
  The pool is limited to one connection and transactions begin IMMEDIATE,
  so writers are serialized by SQLite itself. Statements inside WithTx go
  through the *sql.Tx; never reach for the *sql.DB from inside fn.

STORAGE FORMATS:
  Money is TEXT (decimal string, never REAL). Times are TEXT in UTC with a
  fixed-width layout so lexical order equals time order.

USAGE:
  store, err := sqlite.New("./data/incentives.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := incentive.NewEngine(store, store, incentive.Options{})

SEE ALSO:
  - incentive/store.go: Interface definitions
  - incentive/store/memory.go: In-memory implementation for testing
  - factory/policy.go: policy document codec
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/incentive-engine/factory"
	"github.com/warp/incentive-engine/incentive"
)

// Store implements incentive.TxStore and incentive.PolicyStore using SQLite.
type Store struct {
	db       *sql.DB
	policies *factory.PolicyFactory
	now      func() time.Time
}

var (
	_ incentive.TxStore     = (*Store)(nil)
	_ incentive.PolicyStore = (*Store)(nil)
)

// New opens the database at dbPath and migrates the schema.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: an in-memory database is per connection, and it keeps
	// writers serialized for the conditional updates below.
	db.SetMaxOpenConns(1)

	store := &Store{db: db, policies: factory.NewPolicyFactory(), now: time.Now}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable. Used by the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS customers (
		id TEXT PRIMARY KEY,
		phone TEXT NOT NULL,
		device_id TEXT NOT NULL DEFAULT '',
		wallet_balance TEXT NOT NULL DEFAULT '0',
		has_used_welcome_offer INTEGER NOT NULL DEFAULT 0,
		first_order_placed_at TEXT,
		referral_code TEXT UNIQUE,
		referred_by TEXT,
		referral_count INTEGER NOT NULL DEFAULT 0,
		total_referral_earnings TEXT NOT NULL DEFAULT '0',
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_customers_phone
		ON customers(phone);

	-- One referral per referred user, enforced by the database
	CREATE TABLE IF NOT EXISTS referrals (
		id TEXT PRIMARY KEY,
		referrer_user_id TEXT NOT NULL,
		referred_user_id TEXT NOT NULL UNIQUE,
		referred_user_phone TEXT NOT NULL DEFAULT '',
		referred_user_device_id TEXT,
		status TEXT NOT NULL,
		reward_amount TEXT NOT NULL,
		credited_at TEXT,
		order_id TEXT,
		rejection_reason TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		expires_at TEXT
	);

	-- Caps: credited count and monthly sum per referrer (hot path)
	CREATE INDEX IF NOT EXISTS idx_referrals_referrer_status
		ON referrals(referrer_user_id, status, credited_at);

	-- Abuse checks
	CREATE INDEX IF NOT EXISTS idx_referrals_phone
		ON referrals(referred_user_phone);
	CREATE INDEX IF NOT EXISTS idx_referrals_device
		ON referrals(referred_user_device_id) WHERE referred_user_device_id IS NOT NULL;

	-- Expiry sweep
	CREATE INDEX IF NOT EXISTS idx_referrals_expiry
		ON referrals(status, expires_at) WHERE expires_at IS NOT NULL;

	-- Wallet ledger (append-only)
	CREATE TABLE IF NOT EXISTS wallet_transactions (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		user_id TEXT NOT NULL,
		tx_type TEXT NOT NULL,
		amount TEXT NOT NULL,
		balance_before TEXT NOT NULL,
		balance_after TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		order_id TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_wallet_transactions_user
		ON wallet_transactions(user_id, seq);
	CREATE INDEX IF NOT EXISTS idx_wallet_transactions_order
		ON wallet_transactions(order_id) WHERE order_id IS NOT NULL;

	CREATE TABLE IF NOT EXISTS promo_codes (
		id TEXT PRIMARY KEY,
		code TEXT NOT NULL UNIQUE,
		promo_type TEXT NOT NULL,
		discount_value TEXT NOT NULL,
		max_discount_cap TEXT,
		min_order_value TEXT,
		expiry_date TEXT,
		usage_limit INTEGER,
		usage_count INTEGER NOT NULL DEFAULT 0,
		per_user_limit INTEGER,
		is_active INTEGER NOT NULL DEFAULT 1,
		is_visible INTEGER NOT NULL DEFAULT 1
	);

	CREATE TABLE IF NOT EXISTS promo_usage (
		promo_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		order_id TEXT NOT NULL,
		used_at TEXT NOT NULL,
		PRIMARY KEY (promo_id, order_id)
	);

	CREATE INDEX IF NOT EXISTS idx_promo_usage_user
		ON promo_usage(promo_id, user_id);

	CREATE TABLE IF NOT EXISTS orders (
		id TEXT PRIMARY KEY,
		customer_id TEXT NOT NULL,
		status TEXT NOT NULL,
		incentive TEXT NOT NULL,
		promo_code TEXT NOT NULL DEFAULT '',
		breakdown_json TEXT NOT NULL,
		created_at TEXT NOT NULL,
		delivered_at TEXT,
		cancelled_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_orders_customer
		ON orders(customer_id, created_at);

	-- Policy documents (versioned, latest wins)
	CREATE TABLE IF NOT EXISTS policies (
		version INTEGER PRIMARY KEY AUTOINCREMENT,
		document TEXT NOT NULL,
		created_at TEXT NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// STORE ACCESSORS
// =============================================================================

// Outside WithTx every statement autocommits on its own.
func (s *Store) Customers() incentive.CustomerStore { return repo{q: s.db} }
func (s *Store) Referrals() incentive.ReferralStore { return repo{q: s.db} }
func (s *Store) Ledger() incentive.LedgerStore      { return repo{q: s.db} }
func (s *Store) Promos() incentive.PromoStore       { return repo{q: s.db} }
func (s *Store) Orders() incentive.OrderStore       { return repo{q: s.db} }

// =============================================================================
// TRANSACTIONAL STORE (incentive.TxStore interface)
// =============================================================================

// WithTx executes fn within a database transaction. Any error from fn rolls
// back every write.
func (s *Store) WithTx(ctx context.Context, fn func(incentive.Stores) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return incentive.NewStorageError("begin transaction", err)
	}
	defer sqlTx.Rollback()

	if err := fn(repo{q: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return incentive.NewStorageError("commit transaction", err)
	}
	return nil
}

// =============================================================================
// POLICY STORE (incentive.PolicyStore interface)
// =============================================================================

// SavePolicy stores p as the new current policy and returns its version.
func (s *Store) SavePolicy(ctx context.Context, p incentive.PolicyConfig) (int64, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}
	doc, err := s.policies.MarshalPolicy(p)
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO policies (document, created_at) VALUES (?, ?)",
		doc, formatTime(s.now()))
	if err != nil {
		return 0, incentive.NewStorageError("save policy", err)
	}
	return res.LastInsertId()
}

// Current returns the latest stored policy. Fails with ErrNotFound when no
// policy was ever saved.
func (s *Store) Current(ctx context.Context) (incentive.PolicyConfig, error) {
	var doc string
	err := s.db.QueryRowContext(ctx,
		"SELECT document FROM policies ORDER BY version DESC LIMIT 1").Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return incentive.PolicyConfig{}, &incentive.NotFoundError{Kind: "policy", ID: "current"}
	}
	if err != nil {
		return incentive.PolicyConfig{}, incentive.NewStorageError("load policy", err)
	}
	return s.policies.ParsePolicy(doc)
}

// =============================================================================
// HELPERS
// =============================================================================

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// timeLayout is fixed width so that TEXT comparison orders by time.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid stored time %q: %w", s, err)
	}
	return t, nil
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func parseDecimal(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid stored amount %q: %w", s, err)
	}
	return d, nil
}

func nullDecimal(d *decimal.Decimal) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

func parseNullDecimal(ns sql.NullString) (*decimal.Decimal, error) {
	if !ns.Valid {
		return nil, nil
	}
	d, err := parseDecimal(ns.String)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func intPtr(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// placeholders returns "?, ?, ?" for n arguments.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

// affected reports whether res touched at least one row.
func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
