// Package server is the HTTP presentation boundary of the metrics engine.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/nicktill/healthobs/pkg/anomaly"
	"github.com/nicktill/healthobs/pkg/cache"
	"github.com/nicktill/healthobs/pkg/config"
	"github.com/nicktill/healthobs/pkg/correlation"
	"github.com/nicktill/healthobs/pkg/engine"
	"github.com/nicktill/healthobs/pkg/httpx"
	"github.com/nicktill/healthobs/pkg/ingest"
	"github.com/nicktill/healthobs/pkg/rollup"
	"github.com/nicktill/healthobs/pkg/stats"
)

// Engine is the query surface the handlers serve
type Engine interface {
	Statistics(ctx context.Context, key stats.PeriodKey) (stats.PeriodStatistics, error)
	TryStatistics(key stats.PeriodKey) (stats.PeriodStatistics, error)
	Stale(key stats.PeriodKey) (stats.PeriodStatistics, time.Duration, bool)
	Compare(ctx context.Context, key stats.PeriodKey, against rollup.Against) (rollup.Comparison, error)
	Series(ctx context.Context, metric string, sources []string, g stats.Granularity, start, end time.Time) ([]stats.PeriodStatistics, error)
	Correlation(ctx context.Context, req correlation.Request) (correlation.Result, error)
	CorrelationMatrix(ctx context.Context, req correlation.MatrixRequest) (correlation.Matrix, error)
	CorrelationDefaults() correlation.Config
	Anomalies(ctx context.Context, req anomaly.Request) (anomaly.Report, error)
	Subscribe(key stats.PeriodKey) (<-chan cache.Result, func(), error)
	Health() engine.Health
}

// Options configures the handlers
type Options struct {
	// Gatherer serves /metrics; nil disables the endpoint
	Gatherer prometheus.Gatherer

	// Storage adds store usage to the health report; nil omits it
	Storage *StorageMonitor

	RequestTimeout time.Duration
	Port           string
	Logger         *zap.Logger
}

// Handler serves the HTTP API
type Handler struct {
	engine   Engine
	importer *ingest.Handler
	opts     Options
	respond  httpx.Responder
	logger   *zap.Logger
}

// NewHandler creates the API handler. importer may be nil to disable imports.
func NewHandler(e Engine, importer *ingest.Handler, opts Options) *Handler {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = config.DefaultRequestTimeout
	}
	if opts.Port == "" {
		opts.Port = config.DefaultPort
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("server")
	return &Handler{engine: e, importer: importer, opts: opts, respond: httpx.NewResponder(logger), logger: logger}
}

// Router builds the route table
func (h *Handler) Router() *mux.Router {
	router := mux.NewRouter()
	SetupRoutes(router, h)
	return router
}

// SetupRoutes configures all HTTP routes for the server.
func SetupRoutes(router *mux.Router, h *Handler) {
	router.Use(corsMiddleware(h.opts.Port))

	api := router.PathPrefix("/v1").Subrouter()

	// Period statistics
	api.HandleFunc("/statistics", h.handleStatistics).Methods("GET")
	api.HandleFunc("/series", h.handleSeries).Methods("GET")
	api.HandleFunc("/compare", h.handleCompare).Methods("GET")

	// Analysis
	api.HandleFunc("/correlation", h.handleCorrelation).Methods("GET")
	api.HandleFunc("/correlation/matrix", h.handleCorrelationMatrix).Methods("POST")
	api.HandleFunc("/anomalies", h.handleAnomalies).Methods("GET")

	// One-shot result notification
	api.HandleFunc("/subscribe", h.handleSubscribe).Methods("GET")

	if h.importer != nil {
		api.HandleFunc("/import", h.importer.HandleImport).Methods("POST")
	}
	api.HandleFunc("/health", h.handleHealth).Methods("GET")

	if h.opts.Gatherer != nil {
		router.Handle("/metrics", promhttp.HandlerFor(h.opts.Gatherer, promhttp.HandlerOpts{})).Methods("GET")
	}
}

// corsMiddleware creates CORS middleware that restricts to localhost origins only.
func corsMiddleware(port string) func(http.Handler) http.Handler {
	allowedOrigins := map[string]bool{
		"http://localhost:" + port: true,
		"http://127.0.0.1:" + port: true,
		"http://localhost:3000":    true,
		"http://127.0.0.1:3000":    true,
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if origin := r.Header.Get("Origin"); allowedOrigins[origin] {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
				w.Header().Set("Access-Control-Allow-Credentials", "true")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
