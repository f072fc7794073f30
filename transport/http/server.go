/*
Package http is the thin REST boundary around the core: it translates
requests into core operation calls and maps tagged errors (§7) to status
codes. It owns no business rules — every invariant in §3/§4 is enforced
inside internal/{ledger,fefo,sales,stocksale,billing,rbac}, not here.

Grounded on the teacher's api/server.go for the router shape (chi +
cors + middleware stack), generalized from its single-tenant resource
engine to this core's six components. zerolog replaces chi's built-in
request logger so request logging matches the rest of the ambient stack.
*/
package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
)

// NewRouter wires the boundary routes onto h.
func NewRouter(h *Handler, allowedOrigins []string, logger zerolog.Logger) *chi.Mux {
	r := chi.NewRouter()

	r.Use(hlog.NewHandler(logger))
	r.Use(hlog.RequestIDHandler("request_id", "X-Request-ID"))
	r.Use(hlog.AccessHandler(func(req *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(req).Info().
			Str("method", req.Method).
			Str("path", req.URL.Path).
			Int("status", status).
			Dur("duration", duration).
			Msg("request")
	}))
	r.Use(middleware.Recoverer)
	r.Use(actorMiddleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Actor-Id", "X-Actor-Roles"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Route("/encounters", func(r chi.Router) {
			r.Post("/{encounterID}/finalize", h.FinalizeEncounter)
			r.Post("/{encounterID}/proposals", h.GenerateProposal)
		})

		r.Route("/proposals", func(r chi.Router) {
			r.Get("/{proposalID}", h.GetProposal)
			r.Post("/{proposalID}/convert", h.ConvertToSale)
		})

		r.Route("/sales", func(r chi.Router) {
			r.Get("/{saleID}", h.GetSale)
			r.Post("/{saleID}/transition", h.TransitionSale)
		})

		r.Route("/stock", func(r chi.Router) {
			r.Get("/on-hand", h.StockOnHand)
		})
	})

	return r
}
