package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openpeerpower/opp-core/internal/auth"
)

// websocketPath is where the WebSocket API is served unless configured.
const websocketPath = "/api/websocket"

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	// Token endpoint (credentials in the form body)
	r.Post("/auth/token", s.handleToken)

	// The WebSocket authenticates in-band after the upgrade
	r.Get(s.wsCfg.Path, s.handleWebSocket)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.With(s.requirePermission(auth.PermLongLivedTokenMint)).
			Post("/auth/long_lived_access_token", s.handleLongLivedToken)

		r.Route("/api", func(r chi.Router) {
			r.Get("/", s.handleAPIStatus)
			r.Get("/config", s.handleGetConfig)

			r.Route("/states", func(r chi.Router) {
				r.Get("/", s.handleGetStates)
				r.Get("/{entity_id}", s.handleGetState)

				r.Group(func(r chi.Router) {
					r.Use(s.requirePermission(auth.PermStateWrite))
					r.Post("/{entity_id}", s.handlePostState)
					r.Delete("/{entity_id}", s.handleDeleteState)
				})
			})

			r.Get("/events", s.handleGetEvents)
			r.With(s.requirePermission(auth.PermEventFire)).
				Post("/events/{event_type}", s.handlePostEvent)

			r.Get("/services", s.handleGetServices)
			r.With(s.requirePermission(auth.PermServiceCall)).
				Post("/services/{domain}/{service}", s.handleCallService)

			r.With(s.requirePermission(auth.PermHistoryRead)).
				Get("/history/{entity_id}", s.handleGetHistory)

			r.Group(func(r chi.Router) {
				r.Use(s.requirePermission(auth.PermMetricsRead))
				r.Handle("/prometheus", promhttp.Handler())
				r.Get("/system", s.handleSystem)
			})
		})
	})

	return r
}
