package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/pysugar/completion-gateway/internal/proxy/middleware"
	"github.com/pysugar/completion-gateway/internal/upstream"
)

// Deps are the collaborators of the HTTP surface. Metrics and Audit are
// optional.
type Deps struct {
	Completions    Completer
	Keys           middleware.KeyVerifier
	Providers      *upstream.Registry
	Audit          AuditReader
	Metrics        http.Handler
	MetricsPath    string
	TrustedProxies middleware.TrustedProxies
	Logger         *zap.Logger
}

func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP(d.TrustedProxies))
	r.Use(middleware.RequestLogger(d.Logger))
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", HealthHandler())
	if d.Metrics != nil {
		r.Method(http.MethodGet, d.MetricsPath, d.Metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/providers", ProvidersHandler(d.Providers))
		r.Group(func(r chi.Router) {
			r.Use(middleware.APIKeyAuth(d.Keys, d.Logger))
			r.Post("/completion/{workspaceId}/{environmentId}/chat/completions", CompletionHandler(d.Completions, d.Logger))
			if d.Audit != nil {
				r.Get("/audit/{workspaceId}/{environmentId}", AuditLogsHandler(d.Audit, d.Logger))
				r.Get("/audit/{workspaceId}/{environmentId}/recent", RecentAuditHandler(d.Audit))
			}
		})
	})
	return r
}
