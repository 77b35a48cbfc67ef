package presale

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/atmx/presale-engine/internal/metrics"
)

// RouterConfig configures NewRouter.
type RouterConfig struct {
	// WriteLimit throttles POST /purchase and POST /claim per client.
	// A zero RequestsPerMinute disables limiting.
	WriteLimit RateLimit

	// AllowedOrigins for CORS. Empty allows any origin.
	AllowedOrigins []string

	// RequestTimeout bounds read endpoints. Writes are not bounded: once a
	// ledger operation is submitted it is awaited to settlement.
	RequestTimeout time.Duration

	// Service is reported by GET /health.
	Service string
}

// NewRouter builds the HTTP API. hub may be nil to disable WebSocket updates.
func NewRouter(svc *Service, hub *WSHub, cfg RouterConfig) chi.Router {
	if cfg.Service == "" {
		cfg.Service = "presale-engine"
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(CORS(cfg.AllowedOrigins))

	health := []byte(`{"status":"ok","service":"` + cfg.Service + `"}`)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write(health)
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if hub != nil {
			// WebSocket endpoint for purchase, claim, and progress events.
			r.Get("/ws", hub.HandleWS)
		}

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(cfg.RequestTimeout))

			r.Get("/sale", svc.GetSale)
			r.Get("/sale/progress", svc.GetProgress)
			r.Get("/sale/window", svc.GetWindow)

			r.Get("/quote", svc.GetQuote)
			r.Get("/quote/payment", svc.GetPaymentQuote)

			r.Get("/investors", svc.ListInvestors)
			r.Get("/investors/{address}", svc.GetInvestor)
			r.Get("/investors/{address}/receipts", svc.GetReceipts)
			r.Get("/investors/{address}/allowance/{asset}", svc.GetAllowance)
		})

		r.Group(func(r chi.Router) {
			if cfg.WriteLimit.RequestsPerMinute > 0 {
				r.Use(NewRateLimiter(cfg.WriteLimit, 0).Middleware)
			}
			r.Post("/purchase", svc.Purchase)
			r.Post("/claim", svc.Claim)
		})
	})

	return r
}
