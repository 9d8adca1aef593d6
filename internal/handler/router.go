package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/demasj/upload-app/internal/repository"
)

// healthPingTimeout bounds the metadata store ping on health checks.
const healthPingTimeout = 2 * time.Second

// Router assembles the HTTP routing for the upload API.
type Router struct {
	uploadHandler *UploadHandler
	storeHealth   repository.DatabaseHealth
	logger        zerolog.Logger
}

// NewRouter creates a new Router. The health endpoint reports the metadata
// store's reachability through storeHealth.
func NewRouter(uploadHandler *UploadHandler, storeHealth repository.DatabaseHealth, logger zerolog.Logger) *Router {
	return &Router{
		uploadHandler: uploadHandler,
		storeHealth:   storeHealth,
		logger:        logger.With().Str("component", "router").Logger(),
	}
}

// Handler returns the main HTTP handler.
func (rt *Router) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(rt.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", rt.handleHealth)
	rt.uploadHandler.RegisterRoutes(r)

	return r
}

// handleHealth handles health check requests. The metadata store is pinged
// so load balancers stop routing to an instance that lost its backend.
func (rt *Router) handleHealth(w http.ResponseWriter, r *http.Request) {
	if rt.storeHealth != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthPingTimeout)
		defer cancel()

		if err := rt.storeHealth.Ping(ctx); err != nil {
			rt.logger.Error().Err(err).Msg("metadata store ping failed")
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "degraded",
				"reason": "metadata store unreachable",
			})
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// requestLogger logs one line per request.
func (rt *Router) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		rt.logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request")
	})
}
