package routes

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/zatekoja/wardwatch/internal/api/handlers"
	"github.com/zatekoja/wardwatch/internal/api/middleware"
	"github.com/zatekoja/wardwatch/internal/infrastructure/observability"
)

const healthPingTimeout = 2 * time.Second

// Pinger reports whether a backing store is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}

// Router holds all route handlers
type Router struct {
	mux *http.ServeMux

	syncHandler     *handlers.SyncHandler
	analysisHandler *handlers.AnalysisHandler

	database Pinger
	gatherer prometheus.Gatherer
	metrics  *observability.Metrics
}

// NewRouter creates a new router. database and gatherer may be nil.
func NewRouter(
	syncHandler *handlers.SyncHandler,
	analysisHandler *handlers.AnalysisHandler,
	database Pinger,
	gatherer prometheus.Gatherer,
	metrics *observability.Metrics,
) *Router {
	return &Router{
		mux:             http.NewServeMux(),
		syncHandler:     syncHandler,
		analysisHandler: analysisHandler,
		database:        database,
		gatherer:        gatherer,
		metrics:         metrics,
	}
}

// SetupRoutes configures all application routes
func (r *Router) SetupRoutes() http.Handler {
	// Health check endpoint
	r.mux.HandleFunc("GET /health", r.health)

	if r.gatherer != nil {
		r.mux.Handle("GET /metrics", promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{}))
	}

	// Sync endpoints
	r.mux.HandleFunc("POST /api/sync/runs", r.syncHandler.TriggerRun)
	r.mux.HandleFunc("GET /api/sync/runs/{id}", r.syncHandler.GetRun)
	r.mux.HandleFunc("GET /api/sync/stats", r.syncHandler.GetStats)
	r.mux.HandleFunc("GET /api/sync/history", r.syncHandler.GetHistory)

	// Analysis endpoints
	r.mux.HandleFunc("GET /api/analysis/metrics", r.analysisHandler.GetMetrics)
	r.mux.HandleFunc("GET /api/analysis/cache/stats", r.analysisHandler.GetCacheStats)
	r.mux.HandleFunc("DELETE /api/analysis/cache", r.analysisHandler.InvalidateCache)

	// Apply middleware
	var handler http.Handler = r.mux
	handler = middleware.ResponseOptimization(handler)
	handler = middleware.ObservabilityMiddleware(r.metrics)(handler)
	handler = middleware.LoggingMiddleware(handler)
	handler = middleware.CORSMiddleware(handler)

	return handler
}

func (r *Router) health(w http.ResponseWriter, req *http.Request) {
	if r.database != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthPingTimeout)
		defer cancel()
		if err := r.database.Ping(ctx); err != nil {
			observability.LoggerFromContext(req.Context()).Warn().Err(err).Msg("health check: database unreachable")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("database unavailable"))
			return
		}
	}

	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("OK")); err != nil {
		return
	}
}
