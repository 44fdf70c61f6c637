/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address from X-Forwarded-For
  3. hlog:       Request-scoped zerolog logger plus access log
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests for the frontend
  6. RateLimit:  Per-client limit on mutating routes only

ROUTE GROUPS:
  /api/labs/{lab}/instruments/*   Instrument admin and availability
  /api/labs/{lab}/slots/*         Slot expansion preview
  /api/labs/{lab}/bookings/*      Precheck, commit, list, cancel
  /api/labs/{lab}/groups/*        Group cancel
  /api/labs/{lab}/ledger/*        Reconciliation
  /api/labs/{lab}/logs            Usage log
  /api/labs/{lab}/feed            Websocket change feed
  /api/labs/{lab}/scenarios/*     Demo data
  /api/scenarios                  Demo scenario catalogue
  /healthz                        Liveness

SEE ALSO:
  - handlers.go: Handler implementations
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
	"github.com/rs/zerolog/hlog"
)

// RouterConfig carries the HTTP-level settings.
type RouterConfig struct {
	AllowedOrigins []string
	CORSMaxAge     time.Duration
	RateLimit      float64
	RateBurst      int
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(hlog.NewHandler(h.log))
	r.Use(requestIDLogger)
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("request")
	}))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", HeaderUserName, HeaderAuthID},
		AllowCredentials: true,
		MaxAge:           int(cfg.CORSMaxAge.Seconds()),
	}))

	limiter := NewRateLimiter(cfg.RateLimit, cfg.RateBurst)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/api/scenarios", h.ListScenarios)

	r.Route("/api/labs/{lab}", func(r chi.Router) {
		// Read routes
		r.Get("/instruments", h.ListInstruments)
		r.Get("/instruments/{id}/availability", h.GetAvailability)
		r.Get("/bookings", h.ListBookings)
		r.Get("/logs", h.ListLogs)
		r.Get("/feed", h.StreamFeed)
		r.Get("/scenarios/current", h.GetCurrentScenario)
		r.Post("/slots/expand", h.ExpandSlots)
		r.Post("/bookings/precheck", h.PrecheckBooking)

		// Write routes
		r.Group(func(r chi.Router) {
			r.Use(limiter.Limit)
			r.Post("/instruments", h.SaveInstrument)
			r.Delete("/instruments/{id}", h.DeleteInstrument)
			r.Post("/bookings", h.CreateBooking)
			r.Delete("/bookings/{id}", h.CancelBooking)
			r.Delete("/groups/{groupID}", h.CancelGroup)
			r.Post("/ledger/reconcile", h.ReconcileLedger)
			r.Post("/scenarios/load", h.LoadScenario)
		})
	})

	return r
}

// requestIDLogger adds chi's request id to the request logger.
func requestIDLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := middleware.GetReqID(r.Context()); id != "" {
			zerolog.Ctx(r.Context()).UpdateContext(func(c zerolog.Context) zerolog.Context {
				return c.Str("req_id", id)
			})
		}
		next.ServeHTTP(w, r)
	})
}
