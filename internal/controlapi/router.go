package controlapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/blockdkit/blockdkit/internal/backend"
	"github.com/blockdkit/blockdkit/internal/logger"
)

// NewRouter builds the chi router for the management API: unauthenticated
// health and metrics endpoints, bearer-token-gated read-only pipeline
// introspection. Grounded on dittofs's controlplane api router
// (pkg/controlplane/api/router.go): the same middleware stack ordering
// and requestLogger shape, trimmed from a full CRUD control plane down to
// read-only /healthz, /metrics, /v1/exports, /v1/backends.
func NewRouter(top backend.Backend, cfg Config, gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	health := newHealthHandler(top)
	r.Get("/healthz", health.Liveness)
	r.Get("/healthz/ready", health.Readiness)
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		if cfg.JWTSecret != "" {
			r.Use(jwtAuth([]byte(cfg.JWTSecret)))
		}

		exports := newExportsHandler(top, cfg.UsingTLS)
		r.Get("/exports", exports.List)

		backends := newBackendsHandler(top, cfg.UsingTLS)
		r.Get("/backends", backends.List)
	})

	return r
}

// requestLogger mirrors dittofs's custom logging middleware: one line on
// completion with status and duration, at info level (debug for /healthz,
// /healthz/ready and /metrics).
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := middleware.GetReqID(r.Context())

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		duration := time.Since(start)
		args := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", duration.String(),
		}

		if isHealthPath(r.URL.Path) {
			logger.Debug("controlapi request completed", args...)
		} else {
			logger.Info("controlapi request completed", args...)
		}
	})
}

func isHealthPath(path string) bool {
	return path == "/healthz" || path == "/healthz/ready" || path == "/metrics"
}
