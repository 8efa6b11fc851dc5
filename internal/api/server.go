// Package api is the HTTP surface: flow and flow-api management plus the
// published per-slug run endpoints the OpenAPI generator describes.
package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/Nano112/polymerase-sub001/internal/auth"
	"github.com/Nano112/polymerase-sub001/internal/ratelimit"
	"github.com/Nano112/polymerase-sub001/internal/repository"
	"github.com/Nano112/polymerase-sub001/internal/runs"
	"github.com/Nano112/polymerase-sub001/internal/storage"
)

// ServerOptions wire the server's collaborators.
type ServerOptions struct {
	Flows    repository.FlowRepository
	APIs     repository.FlowAPIRepository
	Runs     *runs.Service
	Auth     *auth.Authenticator
	Limiter  *ratelimit.Limiter
	Blobs    storage.BlobStore
	BaseURL  string
	// DefaultLimit is the per-minute quota for callers whose credential
	// carries none. Zero disables the fallback limit.
	DefaultLimit int
	Logger       *slog.Logger
}

type Server struct {
	flows        repository.FlowRepository
	apis         repository.FlowAPIRepository
	runs         *runs.Service
	auth         *auth.Authenticator
	limiter      *ratelimit.Limiter
	blobs        storage.BlobStore
	baseURL      string
	defaultLimit int
	log          *slog.Logger
}

func NewServer(opts ServerOptions) *Server {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	a := opts.Auth
	if a == nil {
		a = auth.New(nil, "", true)
	}
	return &Server{
		flows:        opts.Flows,
		apis:         opts.APIs,
		runs:         opts.Runs,
		auth:         a,
		limiter:      opts.Limiter,
		blobs:        opts.Blobs,
		baseURL:      opts.BaseURL,
		defaultLimit: opts.DefaultLimit,
		log:          log,
	}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", "X-API-Key", "Last-Event-ID"},
		AllowCredentials: true,
	}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authenticate)

		// Management routes address flows by id; the published surface under
		// the same prefix addresses them by slug. chi requires one param name
		// per segment, so both use {id} and the published handlers read it as
		// the slug.
		r.Route("/flows", func(r chi.Router) {
			r.Group(func(r chi.Router) {
				r.Use(s.requireScope(auth.ScopeFlowWrite))
				r.Post("/", s.createFlow)
				r.Put("/{id}", s.updateFlow)
				r.Delete("/{id}", s.deleteFlow)
				r.Post("/{id}/apis", s.createFlowAPI)
			})
			r.Group(func(r chi.Router) {
				r.Use(s.requireScope(auth.ScopeFlowRead))
				r.Get("/", s.listFlows)
				r.Get("/{id}", s.getFlow)
				r.Post("/{id}/validate", s.validateFlow)
				r.Get("/{id}/apis", s.listFlowAPIs)
			})

			// Published surface, rate limited per flow-api policy falling
			// back to the caller's quota.
			r.Group(func(r chi.Router) {
				r.Use(s.rateLimit(s.publishedLimit))
				r.With(s.requireScope(auth.ScopeFlowExecute)).Post("/{id}/run", s.runFlow)
				r.Group(func(r chi.Router) {
					r.Use(s.requireScope(auth.ScopeRunRead))
					r.Get("/{id}/runs/{runId}", s.getPublishedRun)
					r.Get("/{id}/runs/{runId}/events", s.streamRunEvents)
				})
				r.Group(func(r chi.Router) {
					r.Use(s.requireScope(auth.ScopeFlowRead))
					r.Get("/{id}/schema", s.getFlowSchema)
					r.Get("/{id}/openapi.json", s.getOpenAPISpec)
				})
			})
		})

		r.Route("/apis", func(r chi.Router) {
			r.Use(s.requireScope(auth.ScopeAPIManage))
			r.Get("/", s.listAPIs)
			r.Delete("/{id}", s.deleteFlowAPI)
		})

		r.Route("/runs", func(r chi.Router) {
			r.Use(s.requireScope(auth.ScopeRunRead))
			r.Use(s.rateLimit(s.keyLimit))
			r.Get("/", s.listRuns)
			r.Get("/{id}", s.getRun)
			r.With(s.requireScope(auth.ScopeFlowExecute)).Post("/{id}/cancel", s.cancelRun)
		})

		r.Get("/blobs/{id}", s.getBlob)
	})

	return r
}
