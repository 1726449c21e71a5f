package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/irrigation-core/internal/auth"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	// Prometheus scrape endpoint
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		// No auth required
		r.Get("/health", s.handleHealth)
		r.Get("/metrics", s.handleMetrics)
		r.Post("/auth/login", s.handleLogin)

		// WebSocket (auth via ticket or token query parameter, validated in handler)
		r.Get("/ws", s.handleWebSocket)

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Post("/auth/ws-ticket", s.handleWSTicket)

			r.With(s.require(auth.PermStateRead)).Get("/state", s.handleGetState)
			r.With(s.require(auth.PermEventsRead)).Get("/events", s.handleListEvents)

			r.Group(func(r chi.Router) {
				r.Use(s.require(auth.PermDeviceOperate))
				r.Post("/relay", s.handleSetRelay)
				r.Put("/mode/{mode}", s.handleSetMode)
				r.Post("/mode/{mode}/toggle", s.handleToggleMode)
			})

			r.Route("/settings", func(r chi.Router) {
				r.With(s.require(auth.PermStateRead)).Get("/", s.handleGetSettings)
				r.With(s.require(auth.PermSettingsManage)).Put("/", s.handlePutSettings)
				r.With(s.require(auth.PermStateRead)).Get("/max-length", s.handleGetMaxLength)
				r.With(s.require(auth.PermSettingsManage)).Put("/max-length", s.handlePutMaxLength)
			})

			r.Route("/schedules", func(r chi.Router) {
				r.With(s.require(auth.PermStateRead)).Get("/", s.handleListSchedules)
				r.Group(func(r chi.Router) {
					r.Use(s.require(auth.PermScheduleManage))
					r.Post("/", s.handleCreateSchedule)
					r.Put("/{id}", s.handleUpdateSchedule)
					r.Delete("/{id}", s.handleDeleteSchedule)
				})
			})
		})
	})

	// Endpoints kept for the first dashboard release.
	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.With(s.require(auth.PermStateRead)).Get("/api/stats", s.handleLegacyStats)
		r.With(s.require(auth.PermDeviceOperate)).Post("/api/water-now", s.handleLegacyWaterNow)
		r.With(s.require(auth.PermDeviceOperate)).Post("/api/toggle-auto", s.handleLegacyToggleAuto)
	})

	return r
}

// handleHealth returns the server health status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
	})
}
