// Package api provides the HTTP edge: protocol-compatibility chat
// endpoints and the native control surface over the request coordinator,
// model manager, and context cache.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tensorforge/forge/internal/domain"
)

// Server is the forge HTTP API server. It depends only on the domain
// service interfaces, never on a concrete infra package, so the same
// router can be exercised in tests against fakes.
type Server struct {
	coordinator domain.Coordinator
	models      domain.ModelManager
	contexts    domain.ContextCache
	memory      domain.MemoryManager

	metricsEnabled bool
}

// NewServer constructs an API server over the given service roots.
// contexts and memory may be nil in a configuration that runs without a
// context cache; the context list route then returns an empty list and
// the other context and cache-stats routes return NotFound.
func NewServer(coordinator domain.Coordinator, models domain.ModelManager, contexts domain.ContextCache, memory domain.MemoryManager) *Server {
	return &Server{coordinator: coordinator, models: models, contexts: contexts, memory: memory}
}

// EnableMetrics turns on the /metrics Prometheus endpoint.
func (s *Server) EnableMetrics() { s.metricsEnabled = true }

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(5 * time.Minute))
	r.Use(corsMiddleware)

	r.Get("/health", s.handleHealth)

	// Protocol-compatibility endpoints.
	r.Route("/v1", func(r chi.Router) {
		r.Post("/chat/completions", s.handleChatCompletions)
		r.Post("/messages", s.handleMessages)
	})

	// Native control endpoints.
	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/models", func(r chi.Router) {
			r.Get("/", s.handleListModels)
			r.Post("/load", s.handleLoadModel)
			r.Post("/switch", s.handleSwitchModel)
			r.Post("/unload", s.handleUnloadModel)
			r.Get("/cache/stats", s.handleMemoryStats)
		})
		r.Route("/contexts", func(r chi.Router) {
			r.Post("/ingest", s.handleIngestContext)
			r.Get("/", s.handleListContexts)
			r.Get("/stats", s.handleContextStats)
			r.Post("/{id}/query", s.handleQueryContext)
			r.Post("/{id}/promote", s.handlePromoteContext)
			r.Post("/{id}/demote", s.handleDemoteContext)
			r.Delete("/{id}", s.handleDeleteContext)
		})
	})

	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
