package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/warp/incentive-engine/incentive"
)

// IncentiveMetrics records engine events as Prometheus series. A nil
// receiver is a no-op so callers can pass an unconfigured value.
type IncentiveMetrics struct {
	offers        *prometheus.CounterVec
	orders        *prometheus.CounterVec
	referrals     *prometheus.CounterVec
	ledgerPosts   *prometheus.CounterVec
	ledgerAmount  *prometheus.CounterVec
	abuseFailures *prometheus.CounterVec
}

var _ incentive.Metrics = (*IncentiveMetrics)(nil)

var (
	incentiveMetricsOnce sync.Once
	incentiveRegistry    *IncentiveMetrics
)

// Incentives returns the lazily-initialised metrics registered with the
// default Prometheus registerer.
func Incentives() *IncentiveMetrics {
	incentiveMetricsOnce.Do(func() {
		incentiveRegistry = NewIncentiveMetrics(prometheus.DefaultRegisterer)
	})
	return incentiveRegistry
}

// NewIncentiveMetrics builds the collectors and registers them with reg.
func NewIncentiveMetrics(reg prometheus.Registerer) *IncentiveMetrics {
	m := &IncentiveMetrics{
		offers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "incentives",
			Subsystem: "offers",
			Name:      "evaluated_total",
			Help:      "Offer eligibility evaluations segmented by incentive and outcome.",
		}, []string{"incentive", "outcome"}),
		orders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "incentives",
			Subsystem: "orders",
			Name:      "placed_total",
			Help:      "Orders placed segmented by the incentive applied.",
		}, []string{"incentive"}),
		referrals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "incentives",
			Subsystem: "referrals",
			Name:      "processed_total",
			Help:      "Referral reward attempts segmented by outcome.",
		}, []string{"outcome"}),
		ledgerPosts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "incentives",
			Subsystem: "ledger",
			Name:      "transactions_total",
			Help:      "Wallet transactions posted segmented by type.",
		}, []string{"type"}),
		ledgerAmount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "incentives",
			Subsystem: "ledger",
			Name:      "amount_total",
			Help:      "Sum of wallet transaction amounts in currency units segmented by type.",
		}, []string{"type"}),
		abuseFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "incentives",
			Subsystem: "abuse",
			Name:      "lookup_failures_total",
			Help:      "Duplicate-device lookups that failed, segmented by failure mode.",
		}, []string{"mode"}),
	}
	reg.MustRegister(
		m.offers,
		m.orders,
		m.referrals,
		m.ledgerPosts,
		m.ledgerAmount,
		m.abuseFailures,
	)
	return m
}

func (m *IncentiveMetrics) OfferEvaluated(t incentive.IncentiveType, outcome string) {
	if m == nil {
		return
	}
	if outcome == "" {
		outcome = "unknown"
	}
	m.offers.WithLabelValues(string(t), outcome).Inc()
}

func (m *IncentiveMetrics) OrderPlaced(t incentive.IncentiveType) {
	if m == nil {
		return
	}
	m.orders.WithLabelValues(string(t)).Inc()
}

func (m *IncentiveMetrics) ReferralProcessed(outcome incentive.RewardOutcome) {
	if m == nil {
		return
	}
	m.referrals.WithLabelValues(string(outcome)).Inc()
}

// LedgerPosted counts the transaction and adds its amount. Amounts lose
// precision beyond float64; the ledger itself stays exact.
func (m *IncentiveMetrics) LedgerPosted(txType incentive.TransactionType, amount decimal.Decimal) {
	if m == nil {
		return
	}
	m.ledgerPosts.WithLabelValues(string(txType)).Inc()
	if amount.IsPositive() {
		m.ledgerAmount.WithLabelValues(string(txType)).Add(amount.InexactFloat64())
	}
}

func (m *IncentiveMetrics) AbuseLookupFailed(mode incentive.AbuseCheckFailureMode) {
	if m == nil {
		return
	}
	m.abuseFailures.WithLabelValues(string(mode)).Inc()
}
