package api_test

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/incentive-engine/api"
)

// =============================================================================
// SCENARIOS
// =============================================================================

func TestScenarios_NotMountedByDefault(t *testing.T) {
	s := newTestServer(t, api.RouterOptions{})

	rec := s.do(t, http.MethodGet, "/api/scenarios/", nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestScenarios_ReferralChain_Idempotent(t *testing.T) {
	// GIVEN: scenario routes enabled
	s := newTestServer(t, api.RouterOptions{Scenarios: true})

	// WHEN: the referral chain is loaded twice
	for i := 0; i < 2; i++ {
		rec := s.do(t, http.MethodPost, "/api/scenarios/load", map[string]string{"scenario_id": "referral-chain"})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}

	// THEN: the referrer was credited exactly once
	rec := s.do(t, http.MethodGet, "/api/customers/demo-priya", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	priya := decodeBody[api.CustomerDTO](t, rec)
	assert.True(t, priya.WalletBalance.Equal(d("20")), priya.WalletBalance.String())
	assert.Equal(t, 1, priya.ReferralCount)

	refs := decodeBody[[]api.ReferralDTO](t, s.do(t, http.MethodGet, "/api/customers/demo-priya/referrals", nil))
	require.Len(t, refs, 2)
	statuses := map[string]string{}
	for _, r := range refs {
		statuses[r.ReferredUserID] = r.Status
	}
	assert.Equal(t, "CREDITED", statuses["demo-ananya"])
	assert.Equal(t, "PENDING", statuses["demo-rahul"])

	current := decodeBody[api.ScenarioDTO](t, s.do(t, http.MethodGet, "/api/scenarios/current", nil))
	assert.Equal(t, "referral-chain", current.ID)
}

func TestScenarios_FestivalPromos(t *testing.T) {
	s := newTestServer(t, api.RouterOptions{Scenarios: true})

	rec := s.do(t, http.MethodPost, "/api/scenarios/load", map[string]string{"scenario_id": "festival-promos"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	s.createCustomer(t, "shopper", "9000000080", "dev-shopper")

	// A first-time customer under the welcome minimum may use a promo.
	rec = s.do(t, http.MethodPost, "/api/checkout/quote", map[string]any{
		"customer_id": "shopper",
		"subtotal":    150,
		"fees":        map[string]any{"delivery_fee": 30},
		"promo_code":  "freeship",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	b := decodeBody[api.BreakdownDTO](t, rec)
	assert.True(t, b.DeliveryFeeWaived.Equal(d("30")))
	assert.True(t, b.FinalTotal.Equal(d("150")))
}

func TestScenarios_Unknown(t *testing.T) {
	s := newTestServer(t, api.RouterOptions{Scenarios: true})

	rec := s.do(t, http.MethodPost, "/api/scenarios/load", map[string]string{"scenario_id": "nope"})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	listed := decodeBody[[]api.ScenarioDTO](t, s.do(t, http.MethodGet, "/api/scenarios/", nil))
	assert.Len(t, listed, 3)
}
