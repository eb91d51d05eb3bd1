package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/nerrad567/gray-logic-replay/internal/replay"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(middleware.RequestSize(maxRequestBodySize))

	if s.prom != nil && s.metricCfg.Enabled {
		path := s.metricCfg.Path
		if path == "" {
			path = "/metrics"
		}
		r.Handle(path, s.prom.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/actions", s.handleListActions)

		r.Route("/state", func(r chi.Router) {
			r.Get("/", s.handleGetState)
			r.Get("/{category}", s.handleGetCategory)
		})

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.With(s.rateLimitMiddleware).Post("/commands", s.handleSubmitCommand)
			r.Get("/journal", s.handleListJournal)
			r.Get("/ws", s.handleWebSocket)
		})
	})

	return r
}

// healthResponse is the body of GET /health.
type healthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Session       string `json:"session"`
	MQTTConnected *bool  `json:"mqtt_connected,omitempty"`
	QueueDepth    int    `json:"queue_depth"`
	LastActivity  string `json:"last_activity,omitempty"`
}

// handleHealth reports "ok" while the session is ready and "degraded"
// otherwise. It always answers 200 so it can serve as a liveness check.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	st := s.session.Stats()
	resp := healthResponse{
		Status:        "ok",
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Session:       string(st.Status),
		QueueDepth:    st.QueueDepth,
	}
	if st.Status != replay.StatusReady {
		resp.Status = "degraded"
	}
	if !st.LastActivity.IsZero() {
		resp.LastActivity = st.LastActivity.UTC().Format(time.RFC3339)
	}
	if s.mqtt != nil {
		connected := s.mqtt.IsConnected()
		resp.MQTTConnected = &connected
		if !connected {
			resp.Status = "degraded"
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
