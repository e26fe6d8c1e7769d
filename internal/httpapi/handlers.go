// Package httpapi exposes ingestion, detection, rules, alerts and the read
// models over HTTP. Every /v1 route except token issuance requires a bearer
// token whose role grants the route's capability.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"fraudgraph.org/internal/alerts"
	"fraudgraph.org/internal/auth"
	"fraudgraph.org/internal/detect"
	"fraudgraph.org/internal/ingest"
	"fraudgraph.org/internal/model"
	"fraudgraph.org/internal/obs"
	"fraudgraph.org/internal/query"
	"fraudgraph.org/internal/rules"
	"fraudgraph.org/internal/stream"
)

// ReadyProbe checks a dependency before the service reports ready.
type ReadyProbe interface {
	Ping(ctx context.Context) error
}

// LogReader lists persisted audit entries.
type LogReader interface {
	Recent(ctx context.Context, limit int) ([]model.LogEntry, error)
}

// Services are the components the API serves. Hub and Logs may be nil; the
// stream and log routes then answer 503.
type Services struct {
	Ready  ReadyProbe
	Ingest *ingest.Pipeline
	Rules  *rules.Catalog
	Engine *detect.Engine
	Alerts *alerts.Service
	Query  *query.Service
	Users  *auth.Directory
	Tokens *auth.Tokens
	Logs   LogReader
	Hub    *stream.Hub
}

// Options tune the transport.
type Options struct {
	Version       string
	MaxBodyBytes  int64
	CORSOrigins   []string
	RatePerSecond float64
	RateBurst     int
}

// API is the HTTP layer.
type API struct {
	svc    Services
	opts   Options
	router chi.Router
}

func New(svc Services, opts Options) *API {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 10 << 20
	}
	if opts.RatePerSecond <= 0 {
		opts.RatePerSecond = 20
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = 40
	}
	a := &API{svc: svc, opts: opts}
	a.router = a.routes()
	return a
}

// Handler returns the root handler, instrumented for prometheus.
func (a *API) Handler() http.Handler {
	return obs.Instrument(a.router)
}

func (a *API) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(RequestID)
	r.Use(LoggingJSON)
	r.Use(middleware.Recoverer)
	r.Use(SecurityHeaders)
	r.Use(CORS(a.opts.CORSOrigins))
	r.Use(MaxBodyBytes(a.opts.MaxBodyBytes))

	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)
	r.Get("/v1/info", a.Info)
	r.Handle("/metrics", obs.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(RateLimit(a.opts.RatePerSecond, a.opts.RateBurst))
		r.Post("/auth/token", a.handleAuthToken)

		r.Group(func(r chi.Router) {
			r.Use(Authenticate(a.svc.Tokens))

			r.With(Require(auth.CapIngest)).Post("/ingest", a.handleIngest)
			r.With(Require(auth.CapDetect)).Post("/detect", a.handleDetect)

			r.Route("/rules", func(r chi.Router) {
				r.With(Require(auth.CapRulesRead)).Get("/", a.handleListRules)
				r.With(Require(auth.CapRulesRead)).Get("/{id}", a.handleGetRule)
				r.With(Require(auth.CapRulesWrite)).Post("/", a.handleCreateRule)
				r.With(Require(auth.CapRulesWrite)).Patch("/{id}", a.handleUpdateRule)
				r.With(Require(auth.CapRulesWrite)).Delete("/{id}", a.handleDeleteRule)
			})

			r.Route("/alerts", func(r chi.Router) {
				r.With(Require(auth.CapAlertsRead)).Get("/", a.handleListAlerts)
				r.With(Require(auth.CapAlertsRead)).Get("/stream", a.Stream)
				r.With(Require(auth.CapAlertsRead)).Get("/{id}", a.handleGetAlert)
				r.With(Require(auth.CapAlertsResolve)).Patch("/{id}/resolve", a.handleResolveAlert)
			})

			r.Route("/transactions", func(r chi.Router) {
				r.Use(Require(auth.CapTransactionsRead))
				r.Get("/", a.handleListTransactions)
				r.Get("/{txId}", a.handleTransactionDetails)
			})
			r.With(Require(auth.CapTransactionsRead)).Get("/stats", a.handleStats)
			r.With(Require(auth.CapLogsRead)).Get("/logs", a.handleLogs)

			r.Route("/users", func(r chi.Router) {
				r.Use(Require(auth.CapUsersManage))
				r.Get("/", a.handleListUsers)
				r.Post("/", a.handleCreateUser)
				r.Patch("/{username}/status", a.handleSetUserStatus)
				r.Patch("/{username}/role", a.handleSetUserRole)
			})
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})
	return r
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "fraudgraph-api",
		"version": a.opts.Version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if a.svc.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := a.svc.Ready.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status": "not_ready",
				"error":  "graph store unavailable",
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "fraudgraph-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.opts.Version,
	})
}
