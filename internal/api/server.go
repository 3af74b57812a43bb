// Package api exposes the proxy over HTTP: the OpenAI-compatible proxied
// endpoints, the model catalog, health probes and metrics.
package api //nolint:revive // package name is intentional

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ThousifMd/api-lens-backend-sub001/internal/auth"
	"github.com/ThousifMd/api-lens-backend-sub001/internal/gateway"
	"github.com/ThousifMd/api-lens-backend-sub001/internal/metrics"
	"github.com/ThousifMd/api-lens-backend-sub001/internal/observability"
	"github.com/ThousifMd/api-lens-backend-sub001/pkg/types"
)

// DefaultMaxBodySize is the default maximum request body size (10MB).
// This accommodates large context windows while preventing abuse.
const DefaultMaxBodySize = 10 * 1024 * 1024

// Check is a named readiness probe.
type Check struct {
	Name string
	Fn   func(ctx context.Context) error
}

// Options configures the HTTP surface.
type Options struct {
	Pipeline *gateway.Pipeline
	// Authenticator is nil when tenant authentication is disabled.
	Authenticator *auth.Authenticator
	Logger        *slog.Logger
	MaxBodySize   int64
	MetricsPath   string
	Checks        []Check
}

// Handler serves the proxy API.
type Handler struct {
	pipeline *gateway.Pipeline
	authn    *auth.Authenticator
	logger   *slog.Logger
	maxBody  int64
	metrics  string
	checks   []Check
}

// NewHandler creates a new API handler.
func NewHandler(opts Options) *Handler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxBodySize <= 0 {
		opts.MaxBodySize = DefaultMaxBodySize
	}
	return &Handler{
		pipeline: opts.Pipeline,
		authn:    opts.Authenticator,
		logger:   opts.Logger,
		maxBody:  opts.MaxBodySize,
		metrics:  opts.MetricsPath,
		checks:   opts.Checks,
	}
}

// Router builds the chi route tree. Metrics are served only when a
// metrics path is configured.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(observability.RequestIDMiddleware)
	r.Use(startTimeMiddleware)
	r.Use(h.recoverer)
	r.Use(metrics.Middleware)

	r.Get("/health/live", h.Live)
	r.Get("/health/ready", h.Ready)
	if h.metrics != "" {
		r.Handle(h.metrics, promhttp.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		if h.authn != nil {
			r.Use(auth.Middleware(h.authn, h.writeAuthError))
		}
		r.Post("/chat/completions", h.handleVendorRequest(types.EndpointChat))
		r.Post("/completions", h.handleVendorRequest(types.EndpointCompletions))
		r.Post("/embeddings", h.handleVendorRequest(types.EndpointEmbeddings))
		r.Get("/models", h.ListModels)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]any{
			"error": map[string]string{"type": "not_found", "message": "route not found"},
		})
	})
	return r
}

type startKey struct{}

func startTimeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), startKey{}, time.Now())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestStart(ctx context.Context) time.Time {
	if t, ok := ctx.Value(startKey{}).(time.Time); ok {
		return t
	}
	return time.Now()
}
