package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
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

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	wsPath := s.wsCfg.Path
	if wsPath == "" {
		wsPath = "/api/websocket"
	}
	r.Get(wsPath, s.handleWebSocket)

	r.Route("/api", func(r chi.Router) {
		r.Get("/", s.handleAPIRoot)

		r.Route("/states", func(r chi.Router) {
			r.Get("/", s.handleListStates)
			r.Get("/{entity_id}", s.handleGetState)
			r.Post("/{entity_id}", s.handleSetState)
			r.Delete("/{entity_id}", s.handleDeleteState)
		})

		r.Post("/events/{event_type}", s.handleFireEvent)

		r.Get("/services", s.handleListServices)
		r.Post("/services/{domain}/{service}", s.handleCallService)

		r.Get("/history/period", s.handleHistory)
		r.Get("/logbook", s.handleLogbook)
		r.Get("/statistics", s.handleStatistics)

		r.Route("/automations", func(r chi.Router) {
			r.Get("/", s.handleListAutomations)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetAutomation)
				r.Post("/trigger", s.handleTriggerAutomation)
				r.Post("/turn_on", s.handleTurnOnAutomation)
				r.Post("/turn_off", s.handleTurnOffAutomation)
				r.Post("/toggle", s.handleToggleAutomation)
			})
		})

		r.Route("/scenes", func(r chi.Router) {
			r.Get("/", s.handleListScenes)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetScene)
				r.Post("/activate", s.handleActivateScene)
			})
		})
	})

	return r
}

// handleAPIRoot answers the liveness check clients send on connect.
func (s *Server) handleAPIRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "API running."})
}

// handleHealth returns the server health status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	health := map[string]any{
		"status":         "ok",
		"version":        s.version,
		"uptime_seconds": int64(time.Since(s.startTime).Seconds()),
		"entities":       s.store.Count(),
		"subscriptions":  s.subs.Count(),
		"websocket":      s.hub.ClientCount(),
		"runtime":        collectRuntimeMetrics(),
	}
	if s.mqtt != nil {
		health["mqtt_connected"] = s.mqtt.IsConnected()
	}
	writeJSON(w, http.StatusOK, health)
}
