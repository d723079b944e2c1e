// Package server implements the data-plane HTTP transport for the Palisade
// gateway.
package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/palisade-ai/palisade/internal/app"
	"github.com/palisade-ai/palisade/internal/auth"
	"github.com/palisade-ai/palisade/internal/config"
	"github.com/palisade-ai/palisade/internal/ratelimit"
	"github.com/palisade-ai/palisade/internal/telemetry"
)

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// Deps holds all dependencies for the data-plane HTTP server.
type Deps struct {
	Auth       *auth.TenantKeyAuth
	Dispatcher *app.Dispatcher
	Config     *config.Store
	Metrics    *telemetry.Metrics  // nil = no metrics middleware
	Gatherer   prometheus.Gatherer // nil = no /metrics endpoint
	ReadyCheck ReadyChecker        // nil = always ready (for tests)
	Tracing    bool                // spans + X-Trace-Id header
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	s := &server{deps: deps, jobs: newJobStore(), pacers: ratelimit.NewPool()}

	r := chi.NewRouter()

	// Global middleware
	r.Use(s.recovery)
	r.Use(s.requestID)
	if deps.Tracing {
		r.Use(tracing)
	}
	r.Use(s.logging)
	if deps.Metrics != nil {
		r.Use(observeRequests(deps.Metrics))
	}

	// System endpoints (no auth)
	r.Get("/healthz", s.handleLiveness)
	r.Get("/readyz", s.handleReadiness)
	if deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}

	// Client-facing API (auth required)
	r.Route("/api/v1/ai", func(r chi.Router) {
		r.Use(s.authenticate)
		r.Use(s.pace)
		r.Post("/chat/completions", s.handleChatCompletion)
		r.Post("/embeddings", s.handleEmbeddings)
		r.Post("/images/generations", s.handleImageGeneration)
		r.Get("/images/generations/{id}", s.handleImageJob)
		r.Post("/audio/transcriptions", s.handleTranscription)
		r.Post("/audio/speech", s.handleSpeech)
		r.Get("/models", s.handleListModels)
	})

	return r
}

type server struct {
	deps   Deps
	jobs   *jobStore
	pacers *ratelimit.Pool
}
