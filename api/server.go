/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address from proxy headers (rate limit key)
  3. Logger:     Request logging through slog
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests for the storefront

RATE LIMITING:
  Quote and order routes are limited per client address. Offer checks and
  reads are not.

ROUTE GROUPS:
  /api/customers/*      Customers, wallets, referral codes
  /api/offers/*         Offer eligibility checks
  /api/checkout/*       Quotes
  /api/orders/*         Order lifecycle
  /api/referrals/*      Referral registration
  /api/admin/*          Policy, promos, expiry sweep
  /api/scenarios/*      Demo data (non-production only)
  /metrics, /healthz    Operations

SECURITY NOTE:
  Admin routes require "Authorization: Bearer <token>" when
  RouterOptions.AdminToken is set. cmd/server refuses to start in
  production without one.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterOptions tunes NewRouter. Zero values select permissive defaults.
type RouterOptions struct {
	CORSOrigins []string
	Limiter     *RateLimiter
	// Scenarios mounts the demo data routes.
	Scenarios bool
	// AdminToken guards /api/admin. Empty leaves the routes open.
	AdminToken string
	// MetricsHandler serves /metrics. Defaults to promhttp.Handler().
	MetricsHandler http.Handler
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	if len(opts.CORSOrigins) == 0 {
		opts.CORSOrigins = []string{"*"}
	}
	if opts.MetricsHandler == nil {
		opts.MetricsHandler = promhttp.Handler()
	}
	limit := func(next http.Handler) http.Handler { return next }
	if opts.Limiter != nil {
		limit = opts.Limiter.Middleware
	}

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(h.Logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: opts.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/healthz", h.Healthz)
	r.Handle("/metrics", opts.MetricsHandler)

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Customer routes
		r.Route("/customers", func(r chi.Router) {
			r.Post("/", h.CreateCustomer)
			r.Get("/{id}", h.GetCustomer)
			r.Post("/{id}/referral-code", h.IssueReferralCode)
			r.Get("/{id}/wallet", h.GetWallet)
			r.Get("/{id}/referrals", h.ListCustomerReferrals)
		})

		// Offer checks
		r.Route("/offers", func(r chi.Router) {
			r.Post("/welcome", h.CheckWelcomeOffer)
			r.Post("/wallet", h.CheckWalletOffer)
			r.Post("/promo", h.CheckPromoOffer)
		})

		r.With(limit).Post("/checkout/quote", h.Quote)

		// Order routes
		r.Route("/orders", func(r chi.Router) {
			r.With(limit).Post("/", h.PlaceOrder)
			r.Get("/{id}", h.GetOrder)
			r.With(limit).Post("/{id}/deliver", h.DeliverOrder)
			r.With(limit).Post("/{id}/cancel", h.CancelOrder)
		})

		// Referral routes
		r.Route("/referrals", func(r chi.Router) {
			r.Post("/", h.RegisterReferral)
			r.Get("/{id}", h.GetReferral)
		})

		r.Get("/policy", h.GetPolicy)

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Use(adminAuth(opts.AdminToken))
			r.Put("/policy", h.UpdatePolicy)
			r.Post("/promos", h.SavePromo)
			r.Post("/referrals/expire", h.ExpireReferrals)
		})

		if opts.Scenarios {
			r.Route("/scenarios", func(r chi.Router) {
				r.Get("/", h.ListScenarios)
				r.Get("/current", h.GetCurrentScenario)
				r.Post("/load", h.LoadScenario)
			})
		}
	})

	return r
}

// adminAuth checks the bearer token against token in constant time.
func adminAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		expected := []byte(token)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			provided, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(provided)), expected) != 1 {
				w.Header().Set("WWW-Authenticate", "Bearer")
				writeError(w, http.StatusUnauthorized, "Admin token required", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// requestLogger logs one structured line per request.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				logger.Info("http request",
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"bytes", ww.BytesWritten(),
					"duration_ms", time.Since(start).Milliseconds(),
					"request_id", middleware.GetReqID(r.Context()),
					"remote", r.RemoteAddr,
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
