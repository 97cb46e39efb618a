// SPDX-License-Identifier: MIT

// Package api is the HTTP front door: JSON handlers over the core operation
// surface, an SSE stream per job, and the health/metrics endpoints.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/riffbench/riffbench/internal/core"
)

// Options configures the front door.
type Options struct {
	// RequestsPerMinute caps requests per owner. 0 disables limiting.
	RequestsPerMinute int
	// TracingService, when non-empty, wraps the router in otelhttp under
	// this service name.
	TracingService string
}

// Server serves the public API over a core.
type Server struct {
	core    *core.Core
	handler http.Handler
}

// New builds the router with the canonical middleware stack.
func New(c *core.Core, opts Options) *Server {
	s := &Server{core: c}

	r := chi.NewRouter()
	r.Use(recoverer)
	r.Use(requestID)
	r.Use(requestLogger)

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(requireOwner)
		if opts.RequestsPerMinute > 0 {
			r.Use(httprate.Limit(opts.RequestsPerMinute, time.Minute,
				httprate.WithKeyFuncs(ownerRateKey)))
		}

		r.Post("/shootouts", s.handleSubmitShootout)
		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/{jobID}", s.handleGetJob)
		r.Post("/jobs/{jobID}/cancel", s.handleCancelJob)
		r.Get("/jobs/{jobID}/events", s.handleJobEvents)
		r.Put("/credentials", s.handleStoreCredential)
		r.Delete("/credentials", s.handleRevokeCredential)
	})

	var handler http.Handler = r
	if opts.TracingService != "" {
		handler = otelhttp.NewHandler(handler, opts.TracingService)
	}
	s.handler = handler
	return s
}

// Handler returns the fully wrapped root handler.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func ownerRateKey(r *http.Request) (string, error) {
	return r.Header.Get(ownerHeader), nil
}
