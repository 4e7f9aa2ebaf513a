/*
handlers.go - HTTP API handlers for the incentive engine

PURPOSE:
  Exposes the incentive engine via REST API. Handles HTTP request/response,
  JSON serialization and validation, and delegates to the engine.

ENDPOINTS:
  Customers:
    POST   /api/customers                      Create customer (idempotent)
    GET    /api/customers/{id}                 Get customer
    POST   /api/customers/{id}/referral-code   Issue share code
    GET    /api/customers/{id}/wallet          Balance and history
    GET    /api/customers/{id}/referrals       Referrals made by customer

  Offers:
    POST   /api/offers/welcome                 Welcome offer check
    POST   /api/offers/wallet                  Usable wallet amount
    POST   /api/offers/promo                   Festival promo check

  Checkout:
    POST   /api/checkout/quote                 Price without committing
    POST   /api/orders                         Place order
    GET    /api/orders/{id}                    Get order
    POST   /api/orders/{id}/deliver            Mark delivered, pay referral
    POST   /api/orders/{id}/cancel             Cancel, refund wallet

  Referrals:
    POST   /api/referrals                      Register referral
    GET    /api/referrals/{id}                 Get referral

  Policy & admin:
    GET    /api/policy                         Current policy document
    PUT    /api/admin/policy                   Store a new policy version
    POST   /api/admin/referrals/expire         Run the expiry sweep now
    POST   /api/admin/promos                   Create or update a promo

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Malformed body, failed field validation
  - 404: Customer, referral, order or promo not found
  - 409: Invalid state, insufficient funds, duplicate, lost race
  - 422: Business-rule rejection (ineligible, mutually exclusive, limits)
  - 503: Storage unavailable
  - 500: Anything else

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"reflect"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/warp/incentive-engine/factory"
	"github.com/warp/incentive-engine/incentive"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// maxDocumentBytes bounds policy and promo documents.
const maxDocumentBytes = 1 << 20

// Backend is the persistence surface the handlers need beyond the engine.
// store/sqlite.Store implements it.
type Backend interface {
	Ping(ctx context.Context) error
	SavePolicy(ctx context.Context, p incentive.PolicyConfig) (int64, error)
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine        *incentive.Engine
	Backend       Backend
	PolicyFactory *factory.PolicyFactory
	Logger        *slog.Logger
	Now           func() time.Time

	validate *validator.Validate

	// Track currently loaded scenario
	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a new handler around the engine.
func NewHandler(engine *incentive.Engine, backend Backend, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		Engine:        engine,
		Backend:       backend,
		PolicyFactory: factory.NewPolicyFactory(),
		Logger:        logger,
		Now:           time.Now,
		validate:      newValidator(),
	}
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterCustomTypeFunc(func(field reflect.Value) any {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			return d.InexactFloat64()
		}
		return nil
	}, decimal.Decimal{})
	return v
}

// =============================================================================
// CUSTOMER HANDLERS
// =============================================================================

// CreateCustomer returns the customer, creating it on first call.
// POST /api/customers
func (h *Handler) CreateCustomer(w http.ResponseWriter, r *http.Request) {
	var req CreateCustomerRequest
	if !h.decode(w, r, &req) {
		return
	}

	c, err := h.Engine.EnsureCustomer(r.Context(), incentive.NewCustomer{
		ID:       incentive.CustomerID(req.ID),
		Phone:    req.Phone,
		DeviceID: req.DeviceID,
	})
	if err != nil {
		h.writeEngineError(w, r, "Failed to create customer", err)
		return
	}
	writeJSON(w, http.StatusOK, toCustomerDTO(c))
}

// GetCustomer returns a single customer.
// GET /api/customers/{id}
func (h *Handler) GetCustomer(w http.ResponseWriter, r *http.Request) {
	c, err := h.Engine.Customer(r.Context(), customerParam(r))
	if err != nil {
		h.writeEngineError(w, r, "Failed to get customer", err)
		return
	}
	writeJSON(w, http.StatusOK, toCustomerDTO(c))
}

// IssueReferralCode returns the customer's share code, generating one once.
// POST /api/customers/{id}/referral-code
func (h *Handler) IssueReferralCode(w http.ResponseWriter, r *http.Request) {
	id := customerParam(r)
	code, err := h.Engine.EnsureReferralCode(r.Context(), id)
	if err != nil {
		h.writeEngineError(w, r, "Failed to issue referral code", err)
		return
	}
	writeJSON(w, http.StatusOK, ReferralCodeDTO{CustomerID: string(id), ReferralCode: code})
}

// GetWallet returns balance and transaction history.
// GET /api/customers/{id}/wallet
func (h *Handler) GetWallet(w http.ResponseWriter, r *http.Request) {
	id := customerParam(r)
	balance, txs, err := h.Engine.Wallet(r.Context(), id)
	if err != nil {
		h.writeEngineError(w, r, "Failed to get wallet", err)
		return
	}

	dtos := make([]TransactionDTO, len(txs))
	for i, tx := range txs {
		dtos[i] = toTransactionDTO(tx)
	}
	writeJSON(w, http.StatusOK, WalletDTO{CustomerID: string(id), Balance: balance, Transactions: dtos})
}

// ListCustomerReferrals returns the referrals a customer made.
// GET /api/customers/{id}/referrals
func (h *Handler) ListCustomerReferrals(w http.ResponseWriter, r *http.Request) {
	id := customerParam(r)
	if _, err := h.Engine.Customer(r.Context(), id); err != nil {
		h.writeEngineError(w, r, "Failed to get customer", err)
		return
	}
	refs, err := h.Engine.ReferralsByReferrer(r.Context(), id)
	if err != nil {
		h.writeEngineError(w, r, "Failed to list referrals", err)
		return
	}

	dtos := make([]ReferralDTO, len(refs))
	for i, ref := range refs {
		dtos[i] = toReferralDTO(ref)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// OFFER HANDLERS
// =============================================================================

// CheckWelcomeOffer reports whether the welcome discount applies.
// POST /api/offers/welcome
func (h *Handler) CheckWelcomeOffer(w http.ResponseWriter, r *http.Request) {
	var req WelcomeOfferRequest
	if !h.decode(w, r, &req) {
		return
	}

	d, err := h.Engine.ValidateWelcomeOffer(r.Context(), incentive.CustomerID(req.CustomerID), req.OrderValue)
	if reason := incentive.Reason(err); reason != "" {
		writeJSON(w, http.StatusOK, OfferDTO{Incentive: string(incentive.IncentiveWelcome), Reason: reason})
		return
	}
	if err != nil {
		h.writeEngineError(w, r, "Failed to check welcome offer", err)
		return
	}
	writeJSON(w, http.StatusOK, OfferDTO{
		Incentive: string(incentive.IncentiveWelcome),
		Eligible:  d.Eligible,
		Discount:  &d.Discount,
	})
}

// CheckWalletOffer reports how much wallet balance the order may use.
// POST /api/offers/wallet
func (h *Handler) CheckWalletOffer(w http.ResponseWriter, r *http.Request) {
	var req WalletOfferRequest
	if !h.decode(w, r, &req) {
		return
	}

	ctx := r.Context()
	id := incentive.CustomerID(req.CustomerID)
	c, err := h.Engine.Customer(ctx, id)
	if err != nil {
		h.writeEngineError(w, r, "Failed to get customer", err)
		return
	}

	balance := c.WalletBalance
	d, err := h.Engine.ValidateReferralWallet(ctx, id, req.OrderValue, balance)
	if reason := incentive.Reason(err); reason != "" {
		writeJSON(w, http.StatusOK, OfferDTO{
			Incentive: string(incentive.IncentiveReferralWallet),
			Balance:   &balance,
			Reason:    reason,
		})
		return
	}
	if err != nil {
		h.writeEngineError(w, r, "Failed to check wallet", err)
		return
	}
	writeJSON(w, http.StatusOK, OfferDTO{
		Incentive:    string(incentive.IncentiveReferralWallet),
		Eligible:     d.Eligible,
		UsableAmount: &d.UsableAmount,
		Balance:      &balance,
	})
}

// CheckPromoOffer validates a festival promo code.
// POST /api/offers/promo
func (h *Handler) CheckPromoOffer(w http.ResponseWriter, r *http.Request) {
	var req PromoOfferRequest
	if !h.decode(w, r, &req) {
		return
	}

	d, err := h.Engine.ValidateFestivalPromo(r.Context(), incentive.CustomerID(req.CustomerID), req.Code, req.OrderValue, req.WalletSelected)
	if reason := incentive.Reason(err); reason != "" {
		writeJSON(w, http.StatusOK, OfferDTO{Incentive: string(incentive.IncentiveFestivalPromo), Reason: reason})
		return
	}
	if err != nil {
		h.writeEngineError(w, r, "Failed to check promo", err)
		return
	}
	promo := factory.PromoToJSON(d.Promo)
	writeJSON(w, http.StatusOK, OfferDTO{
		Incentive: string(incentive.IncentiveFestivalPromo),
		Eligible:  d.Eligible,
		Discount:  &d.Discount,
		Promo:     &promo,
	})
}

// =============================================================================
// CHECKOUT & ORDER HANDLERS
// =============================================================================

// Quote prices a checkout without committing anything.
// POST /api/checkout/quote
func (h *Handler) Quote(w http.ResponseWriter, r *http.Request) {
	var req CheckoutRequest
	if !h.decode(w, r, &req) {
		return
	}

	b, err := h.Engine.Quote(r.Context(), toCheckoutRequest(req))
	if err != nil {
		h.writeEngineError(w, r, "Checkout rejected", err)
		return
	}
	writeJSON(w, http.StatusOK, toBreakdownDTO(b))
}

// PlaceOrder validates, prices and commits an order.
// POST /api/orders
func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req CheckoutRequest
	if !h.decode(w, r, &req) {
		return
	}

	order, err := h.Engine.PlaceOrder(r.Context(), toCheckoutRequest(req))
	if err != nil {
		h.writeEngineError(w, r, "Order rejected", err)
		return
	}
	writeJSON(w, http.StatusCreated, toOrderDTO(order))
}

// GetOrder returns a single order.
// GET /api/orders/{id}
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.Engine.Order(r.Context(), orderParam(r))
	if err != nil {
		h.writeEngineError(w, r, "Failed to get order", err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderDTO(order))
}

// DeliverOrder marks an order delivered and runs referral reward processing.
// POST /api/orders/{id}/deliver
func (h *Handler) DeliverOrder(w http.ResponseWriter, r *http.Request) {
	res, err := h.Engine.DeliverOrder(r.Context(), orderParam(r))
	if err != nil {
		h.writeEngineError(w, r, "Failed to deliver order", err)
		return
	}
	writeJSON(w, http.StatusOK, toRewardDTO(res))
}

// CancelOrder cancels a placed order and refunds any wallet spend.
// POST /api/orders/{id}/cancel
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.Engine.CancelOrder(r.Context(), orderParam(r))
	if err != nil {
		h.writeEngineError(w, r, "Failed to cancel order", err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderDTO(order))
}

func toCheckoutRequest(req CheckoutRequest) incentive.CheckoutRequest {
	return incentive.CheckoutRequest{
		CustomerID:   incentive.CustomerID(req.CustomerID),
		Subtotal:     req.Subtotal,
		Fees:         toFees(req.Fees),
		UseWelcome:   req.UseWelcome,
		PromoCode:    req.PromoCode,
		WalletAmount: req.WalletAmount,
	}
}

// =============================================================================
// REFERRAL HANDLERS
// =============================================================================

// RegisterReferral links a new customer to a referrer's code.
// POST /api/referrals
func (h *Handler) RegisterReferral(w http.ResponseWriter, r *http.Request) {
	var req RegisterReferralRequest
	if !h.decode(w, r, &req) {
		return
	}

	ref, err := h.Engine.RegisterReferral(r.Context(), incentive.RegisterReferralInput{
		ReferredUserID: incentive.CustomerID(req.ReferredUserID),
		ReferralCode:   req.ReferralCode,
	})
	if err != nil {
		h.writeEngineError(w, r, "Failed to register referral", err)
		return
	}
	writeJSON(w, http.StatusCreated, toReferralDTO(ref))
}

// GetReferral returns a single referral.
// GET /api/referrals/{id}
func (h *Handler) GetReferral(w http.ResponseWriter, r *http.Request) {
	ref, err := h.Engine.Referral(r.Context(), incentive.ReferralID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeEngineError(w, r, "Failed to get referral", err)
		return
	}
	writeJSON(w, http.StatusOK, toReferralDTO(ref))
}

// =============================================================================
// POLICY & ADMIN HANDLERS
// =============================================================================

// GetPolicy returns the current policy document.
// GET /api/policy
func (h *Handler) GetPolicy(w http.ResponseWriter, r *http.Request) {
	p, err := h.Engine.CurrentPolicy(r.Context())
	if err != nil {
		h.writeEngineError(w, r, "Failed to load policy", err)
		return
	}
	writeJSON(w, http.StatusOK, PolicyDTO{Config: h.PolicyFactory.ToJSON(p)})
}

// UpdatePolicy stores a new policy version. Absent fields keep their
// defaults, not the previous version's values.
// PUT /api/admin/policy
func (h *Handler) UpdatePolicy(w http.ResponseWriter, r *http.Request) {
	if h.Backend == nil {
		writeError(w, http.StatusNotImplemented, "Policy storage not configured", nil)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxDocumentBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	p, err := h.PolicyFactory.ParsePolicy(string(body))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid policy", err)
		return
	}

	version, err := h.Backend.SavePolicy(r.Context(), p)
	if err != nil {
		h.writeEngineError(w, r, "Failed to save policy", err)
		return
	}
	h.Logger.Info("policy updated", "version", version)
	writeJSON(w, http.StatusOK, PolicyDTO{Version: version, Config: h.PolicyFactory.ToJSON(p)})
}

// ExpireReferrals runs the referral expiry sweep immediately.
// POST /api/admin/referrals/expire
func (h *Handler) ExpireReferrals(w http.ResponseWriter, r *http.Request) {
	now := h.Now()
	n, err := h.Engine.ExpireReferrals(r.Context(), now)
	if err != nil {
		h.writeEngineError(w, r, "Failed to expire referrals", err)
		return
	}
	writeJSON(w, http.StatusOK, ExpireResponse{Expired: n, AsOf: now})
}

// SavePromo creates or updates a festival promo code.
// POST /api/admin/promos
func (h *Handler) SavePromo(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxDocumentBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	p, err := factory.ParsePromo(string(body))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid promo", err)
		return
	}

	saved, err := h.Engine.CreatePromo(r.Context(), p)
	if err != nil {
		h.writeEngineError(w, r, "Failed to save promo", err)
		return
	}
	writeJSON(w, http.StatusCreated, factory.PromoToJSON(saved))
}

// Healthz reports whether the store is reachable.
// GET /healthz
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if h.Backend != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.Backend.Ping(ctx); err != nil {
			writeError(w, http.StatusServiceUnavailable, "Store unavailable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func customerParam(r *http.Request) incentive.CustomerID {
	return incentive.CustomerID(chi.URLParam(r, "id"))
}

func orderParam(r *http.Request) incentive.OrderID {
	return incentive.OrderID(chi.URLParam(r, "id"))
}

// decode reads and validates a JSON body. It writes the 400 itself and
// returns false on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make(map[string]string, len(verrs))
			for _, fe := range verrs {
				fields[fe.Namespace()] = fe.Tag()
			}
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Validation failed", Code: "invalid_request", Details: fields})
			return false
		}
		writeError(w, http.StatusBadRequest, "Validation failed", err)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeEngineError maps engine errors onto HTTP statuses.
func (h *Handler) writeEngineError(w http.ResponseWriter, r *http.Request, message string, err error) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		h.Logger.Error(message, "error", err, "path", r.URL.Path)
	}
	resp := ErrorResponse{Error: message, Code: code, Reason: incentive.Reason(err)}
	if status < http.StatusInternalServerError {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, incentive.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, incentive.ErrIneligibleOffer):
		return http.StatusUnprocessableEntity, "ineligible_offer"
	case errors.Is(err, incentive.ErrMutuallyExclusive):
		return http.StatusUnprocessableEntity, "mutually_exclusive"
	case errors.Is(err, incentive.ErrExceedsLimit):
		return http.StatusUnprocessableEntity, "exceeds_limit"
	case errors.Is(err, incentive.ErrInvalidAmount):
		return http.StatusUnprocessableEntity, "invalid_amount"
	case errors.Is(err, incentive.ErrInvalidInput), errors.Is(err, incentive.ErrInvalidPolicy):
		return http.StatusUnprocessableEntity, "invalid_input"
	case errors.Is(err, incentive.ErrInsufficientFunds):
		return http.StatusConflict, "insufficient_funds"
	case errors.Is(err, incentive.ErrInvalidState):
		return http.StatusConflict, "invalid_state"
	case errors.Is(err, incentive.ErrAlreadyExists):
		return http.StatusConflict, "already_exists"
	case errors.Is(err, incentive.ErrConcurrentModification):
		return http.StatusConflict, "concurrent_modification"
	case errors.Is(err, incentive.ErrStorage):
		return http.StatusServiceUnavailable, "storage_unavailable"
	default:
		return http.StatusInternalServerError, "internal"
	}
}
