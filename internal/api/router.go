package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nerrad567/labhub-core/internal/auth"
)

// healthCheckTimeout bounds each component check of /health.
const healthCheckTimeout = 2 * time.Second

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
	r.Handle("/metrics", promhttp.Handler())

	// WebSocket (auth via ticket, validated in handler)
	wsPath := s.wsCfg.Path
	if wsPath == "" {
		wsPath = "/ws"
	}
	r.Get(wsPath, s.handleWebSocket)

	r.Route("/api/v1", func(r chi.Router) {
		// Health check (no auth required)
		r.Get("/health", s.handleHealth)

		// Auth endpoints (no auth required)
		r.Post("/auth/login", s.handleLogin)

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)
			r.Use(s.requirePermission(auth.PermStateRead))

			r.Post("/auth/ws-ticket", s.handleWSTicket)

			r.Get("/state", s.handleGetState)
			r.Get("/range", s.handleGetRange)
			r.Get("/things", s.handleListThings)
			r.Get("/history", s.handleGetHistory)
			r.Get("/history/{thing}", s.handleGetThingHistory)
			r.Get("/tasks", s.handleListTasks)

			r.Get("/watchdogs", s.handleListWatchdogs)
			r.Get("/lock", s.handleCheckLock)

			r.Get("/experiments", s.handleListExperiments)
			r.Get("/samplers", s.handleListSamplers)
			r.Get("/samplers/{id}", s.handleGetSampler)
			r.Get("/samplers/{id}/points", s.handleGetSamplerPoints)
			r.Get("/runs", s.handleListRuns)

			r.Get("/sequencer", s.handleSequencerStatus)
			r.Get("/sequencer/waveforms", s.handleListWaveforms)

			r.Get("/snapshot", s.handleGetSnapshot)
			r.Get("/audit", s.handleListAudit)

			r.Group(func(r chi.Router) {
				r.Use(s.requirePermission(auth.PermStateOperate))

				r.Put("/state", s.handleActuate)
				r.Put("/range/{thing}/{knob}", s.handleSetRange)
				r.Post("/undo", s.handleUndo)
				r.Post("/redo", s.handleRedo)
				r.Post("/things/{thing}/undo", s.handleThingUndo)
				r.Post("/things/{thing}/redo", s.handleThingRedo)
				r.Put("/watchdogs", s.handleEnableWatchdogs)
				r.Put("/watchdogs/{name}", s.handleEnableWatchdog)
			})

			r.Group(func(r chi.Router) {
				r.Use(s.requirePermission(auth.PermOptimize))

				r.Post("/optimize", s.handleOptimize)
				r.Delete("/samplers/{id}", s.handleTerminateSampler)
			})

			r.Group(func(r chi.Router) {
				r.Use(s.requirePermission(auth.PermSequence))

				r.Put("/sequencer/waveforms/{thing}/{knob}", s.handleSetWaveform)
				r.Put("/sequencer/cycle-time", s.handleSetCycleTime)
				r.Post("/sequencer/prepare", s.handlePrepare)
				r.Post("/sequencer/start", s.handleStart)
				r.Post("/sequencer/stop", s.handleStop)
				r.Post("/sequencer/run-once", s.handleRunOnce)
			})

			r.Group(func(r chi.Router) {
				r.Use(s.requirePermission(auth.PermPersist))

				r.Post("/snapshot/save", s.handleSave)
				r.Post("/snapshot/load", s.handleLoad)
			})
		})
	})

	return r
}

// handleHealth returns the server health status and the result of every
// component check. Any failing check turns the response into a 503.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	components := make(map[string]string, len(s.checks))
	status, code := "ok", http.StatusOK
	for name, check := range s.checks {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		err := check(ctx)
		cancel()
		if err != nil {
			components[name] = err.Error()
			status, code = "degraded", http.StatusServiceUnavailable
			continue
		}
		components[name] = "ok"
	}

	writeJSON(w, code, map[string]any{
		"status":     status,
		"version":    s.version,
		"hub":        s.hub.Name(),
		"components": components,
		"clients":    s.stream.ClientCount(),
	})
}
