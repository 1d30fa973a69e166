// Package journeyapi implements the HTTP boundary of the journey service.
package journeyapi

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"

	"github.com/vitalpath/journey/internal/journey"
	"github.com/vitalpath/journey/internal/progression"
	"github.com/vitalpath/journey/internal/readmodel"
	"github.com/vitalpath/journey/internal/store"
	"github.com/vitalpath/journey/internal/validation"
)

// Progression is the write side consumed by the handlers. *progression.Service
// implements it.
type Progression interface {
	CompleteTask(ctx context.Context, req progression.CompleteRequest) (*progression.CompleteResult, error)
	Refresh(ctx context.Context, userID string) ([]store.StageChange, error)
	Instantiate(ctx context.Context, userID string, source journey.Source, stageCodes []string) (int, error)
}

// ReadModel is the read side. *readmodel.Builder implements it.
type ReadModel interface {
	Build(ctx context.Context, userID string, f readmodel.Filter) (readmodel.Journey, error)
}

// API holds the router and the services behind it.
type API struct {
	// Router is the Chi multiplexer that handles HTTP requests.
	Router *chi.Mux

	progression Progression
	reads       ReadModel
	auth        *Authenticator
	limiter     *Limiter

	// maxBodyBytes caps JSON request bodies.
	maxBodyBytes int64
}

// NewAPI wires the router. Panics on missing dependencies.
func NewAPI(svc Progression, reads ReadModel, auth *Authenticator, limiter *Limiter, maxBodyBytes int64) *API {
	validation.AssertImplemented(svc, "progression service")
	validation.AssertImplemented(reads, "read model")
	validation.AssertNotNil(auth, "authenticator")
	validation.AssertNotNil(limiter, "rate limiter")
	if maxBodyBytes <= 0 {
		panic("journeyapi: maxBodyBytes must be positive")
	}

	api := &API{
		Router:       chi.NewRouter(),
		progression:  svc,
		reads:        reads,
		auth:         auth,
		limiter:      limiter,
		maxBodyBytes: maxBodyBytes,
	}

	api.configureRoutes()
	return api
}

// configureRoutes registers the global middleware stack and API endpoints.
func (a *API) configureRoutes() {
	// 1. Global Middleware Stack
	a.Router.Use(middleware.RequestID)
	a.Router.Use(middleware.RealIP)
	a.Router.Use(RequestLogger)
	a.Router.Use(middleware.Recoverer)
	a.Router.Use(render.SetContentType(render.ContentTypeJSON))

	// 2. Public Routes
	a.Router.Get("/health", a.handleHealthCheck)

	// 3. Journey Routes
	a.Router.Route("/api/v1/journey", func(r chi.Router) {
		// Anonymous readers get the logged-out shell.
		r.With(a.auth.Middleware(false)).Get("/", a.handleGetJourney)

		r.Group(func(r chi.Router) {
			r.Use(a.auth.Middleware(true))
			r.Use(a.limitBody)

			r.With(a.limiter.Middleware).Post("/stage/task/complete", a.handleCompleteTask)
			r.Post("/refresh", a.handleRefresh)
			r.Post("/stages", a.handleInstantiate)
		})
	})
}

// handleHealthCheck reports that the HTTP server is serving. Dependency
// checks live on the observability server's readiness probe.
func (a *API) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	render.Status(r, http.StatusOK)
	render.JSON(w, r, map[string]string{"status": "ok"})
}

// limitBody caps the request body at maxBodyBytes.
func (a *API) limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, a.maxBodyBytes)
		next.ServeHTTP(w, r)
	})
}
