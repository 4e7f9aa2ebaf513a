/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the store with realistic data
	for storefront demos. Each scenario drives the engine through its public
	operations, so loaded data obeys every rule a real request would.

AVAILABLE SCENARIOS:

	new-customer:     One shopper, no orders, eligible for the welcome offer
	festival-promos:  DIWALI25 (percentage), FLAT50 (fixed), FREESHIP
	referral-chain:   A referrer, one credited and one pending referral

HOW SCENARIOS WORK:
 1. Ensure customers (idempotent)
 2. Save promos by fixed id (upsert)
 3. Register referrals and place/deliver orders only when not already done

Loading a scenario twice leaves the data unchanged.

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "referral-chain"}

NOTE:

	Only mounted outside production.

SEE ALSO:
  - handlers.go: shared JSON helpers
  - server.go: RouterOptions.Scenarios
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"
	"github.com/warp/incentive-engine/incentive"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "new-customer",
		Name:        "New Customer",
		Description: "First-time shopper eligible for the welcome offer",
	},
	{
		ID:          "festival-promos",
		Name:        "Festival Promos",
		Description: "Percentage, flat and free-delivery promo codes",
	},
	{
		ID:          "referral-chain",
		Name:        "Referral Chain",
		Description: "Referrer with one credited and one pending referral",
	},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the most recently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !h.decode(w, r, &req) {
		return
	}

	ctx := r.Context()
	var err error
	switch req.ScenarioID {
	case "new-customer":
		err = h.loadNewCustomerScenario(ctx)
	case "festival-promos":
		err = h.loadFestivalPromosScenario(ctx)
	case "referral-chain":
		err = h.loadReferralChainScenario(ctx)
	default:
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}
	if err != nil {
		h.writeEngineError(w, r, fmt.Sprintf("Failed to load scenario %s", req.ScenarioID), err)
		return
	}

	h.mu.Lock()
	h.currentScenario = req.ScenarioID
	h.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadNewCustomerScenario(ctx context.Context) error {
	_, err := h.Engine.EnsureCustomer(ctx, incentive.NewCustomer{
		ID:       "demo-new",
		Phone:    "9000000001",
		DeviceID: "dev-demo-new",
	})
	return err
}

func (h *Handler) loadFestivalPromosScenario(ctx context.Context) error {
	cap150 := decimal.NewFromInt(150)
	min299 := decimal.NewFromInt(299)
	min199 := decimal.NewFromInt(199)
	onePerUser := 1
	limit1000 := 1000

	promos := []incentive.PromoCode{
		{
			ID:             "promo-diwali25",
			Code:           "DIWALI25",
			Type:           incentive.PromoPercentage,
			DiscountValue:  decimal.NewFromInt(25),
			MaxDiscountCap: &cap150,
			MinOrderValue:  &min299,
			UsageLimit:     &limit1000,
			IsActive:       true,
			IsVisible:      true,
		},
		{
			ID:            "promo-flat50",
			Code:          "FLAT50",
			Type:          incentive.PromoFixedAmount,
			DiscountValue: decimal.NewFromInt(50),
			MinOrderValue: &min199,
			PerUserLimit:  &onePerUser,
			IsActive:      true,
			IsVisible:     true,
		},
		{
			ID:        "promo-freeship",
			Code:      "FREESHIP",
			Type:      incentive.PromoFreeDelivery,
			IsActive:  true,
			IsVisible: true,
		},
	}
	for _, p := range promos {
		if _, err := h.Engine.CreatePromo(ctx, p); err != nil {
			return fmt.Errorf("promo %s: %w", p.Code, err)
		}
	}
	return nil
}

func (h *Handler) loadReferralChainScenario(ctx context.Context) error {
	referrer, err := h.Engine.EnsureCustomer(ctx, incentive.NewCustomer{ID: "demo-priya", Phone: "9000000010", DeviceID: "dev-priya"})
	if err != nil {
		return err
	}
	code, err := h.Engine.EnsureReferralCode(ctx, referrer.ID)
	if err != nil {
		return err
	}

	// Ananya orders and her order is delivered; Rahul only signs up.
	ananya, err := h.ensureReferred(ctx, incentive.NewCustomer{ID: "demo-ananya", Phone: "9000000011", DeviceID: "dev-ananya"}, code)
	if err != nil {
		return err
	}
	if _, err := h.ensureReferred(ctx, incentive.NewCustomer{ID: "demo-rahul", Phone: "9000000012", DeviceID: "dev-rahul"}, code); err != nil {
		return err
	}

	if !ananya.IsFirstOrder() {
		return nil
	}
	req := incentive.CheckoutRequest{
		CustomerID: ananya.ID,
		Subtotal:   decimal.NewFromInt(250),
		Fees: incentive.Fees{
			HandlingFee: decimal.NewFromInt(5),
			DeliveryFee: decimal.NewFromInt(25),
			TaxAmount:   decimal.RequireFromString("12.50"),
		},
	}
	if _, err := h.Engine.ValidateWelcomeOffer(ctx, ananya.ID, req.Subtotal); err == nil {
		req.UseWelcome = true
	}
	order, err := h.Engine.PlaceOrder(ctx, req)
	if err != nil {
		return fmt.Errorf("place demo order: %w", err)
	}
	_, err = h.Engine.DeliverOrder(ctx, order.ID)
	return err
}

// ensureReferred creates the customer and registers the referral unless one
// already exists.
func (h *Handler) ensureReferred(ctx context.Context, in incentive.NewCustomer, code string) (incentive.Customer, error) {
	c, err := h.Engine.EnsureCustomer(ctx, in)
	if err != nil {
		return incentive.Customer{}, err
	}
	if c.ReferredBy != nil || !c.IsFirstOrder() {
		return c, nil
	}
	_, err = h.Engine.RegisterReferral(ctx, incentive.RegisterReferralInput{ReferredUserID: c.ID, ReferralCode: code})
	if err != nil && !errors.Is(err, incentive.ErrAlreadyExists) {
		return incentive.Customer{}, fmt.Errorf("register referral for %s: %w", c.ID, err)
	}
	return c, nil
}
