/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address behind proxies
  3. Logger:     Request logging (zerolog)
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests for the web app

ROUTE GROUPS:
  /healthz              Liveness + store ping
  /metrics              Prometheus scrape endpoint
  /api/admin/*          Batch operations across all accounts
  /api/*                Account-scoped ledger operations (X-Account-ID)

SECURITY NOTE:
  The account header is trusted as-is. Authentication is expected in front
  of this service.

SEE ALSO:
  - handlers.go: Handler implementations
  - scheduler.go: Background sweeps
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
)

// NewRouter creates a new router with all routes configured. An empty
// origins list disables CORS.
func NewRouter(h *Handler, corsOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(h.Logger))
	r.Use(middleware.Recoverer)
	if len(corsOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   corsOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", AccountHeader},
			ExposedHeaders:   []string{"Retry-After"},
			AllowCredentials: true,
		}))
	}

	r.Get("/healthz", h.Health)
	if h.Metrics != nil {
		r.Handle("/metrics", h.Metrics)
	}

	r.Route("/api", func(r chi.Router) {
		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Post("/sweep", h.TriggerSweep)
			r.Post("/reminders", h.TriggerReminders)
			r.Post("/reconcile", h.TriggerReconcile)
		})

		r.Group(func(r chi.Router) {
			r.Use(requireAccount)

			// Invoice routes
			r.Route("/invoices", func(r chi.Router) {
				r.Get("/", h.ListInvoices)
				r.Post("/", h.CreateInvoice)
				r.Get("/{id}", h.GetInvoice)
				r.Put("/{id}", h.UpdateInvoice)
				r.Delete("/{id}", h.DeleteInvoice)
				r.Post("/{id}/send", h.SendInvoice)
				r.Post("/{id}/viewed", h.MarkInvoiceViewed)
				r.Post("/{id}/void", h.VoidInvoice)
				r.Get("/{id}/payments", h.ListInvoicePayments)
				r.Post("/{id}/payments", h.RecordPayment)
				r.Post("/{id}/payments/card", h.ChargeCard)
				r.Post("/{id}/payments/bank", h.ChargeBank)
			})

			// Payment routes
			r.Route("/payments", func(r chi.Router) {
				r.Get("/{id}", h.GetPayment)
				r.Post("/{id}/reconcile", h.ReconcilePayment)
				r.Get("/{id}/refunds", h.ListPaymentRefunds)
				r.Post("/{id}/refunds", h.CreateRefund)
			})

			// Refund routes
			r.Route("/refunds", func(r chi.Router) {
				r.Get("/{id}", h.GetRefund)
				r.Post("/{id}/reconcile", h.ReconcileRefund)
			})

			// Sequence routes
			r.Route("/sequences", func(r chi.Router) {
				r.Put("/{type}", h.ConfigureSequence)
				r.Post("/{type}/next", h.NextNumber)
			})

			// Directory routes
			r.Put("/clients/{id}", h.SaveClient)
			r.Put("/jobs/{id}", h.SaveJob)
		})
	})

	return r
}

// requestLogger logs one line per request on the structured logger.
func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				logger.Info().
					Str("request_id", middleware.GetReqID(r.Context())).
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Int("status", ww.Status()).
					Int("bytes", ww.BytesWritten()).
					Dur("duration", time.Since(start)).
					Msg("http request")
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
