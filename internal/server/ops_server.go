// Package server provides the operational HTTP endpoint of the broker processes:
// Prometheus metrics, liveness and readiness probes, and a stats snapshot.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/devrev/mimus/internal/health"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// StatsFunc returns a JSON-encodable snapshot of process state
type StatsFunc func() interface{}

// OpsServerConfig holds configuration for the ops server
type OpsServerConfig struct {
	Port        int
	MetricsPath string
	Gatherer    prometheus.Gatherer // defaults to prometheus.DefaultGatherer
	Stats       StatsFunc           // optional
}

// OpsServer serves metrics and health endpoints via HTTP
type OpsServer struct {
	router     *mux.Router
	httpServer *http.Server
	logger     *zap.Logger
}

// NewOpsServer creates a new ops server
func NewOpsServer(cfg *OpsServerConfig, hc *health.HealthChecker, logger *zap.Logger) *OpsServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	path := cfg.MetricsPath
	if path == "" {
		path = "/metrics"
	}

	router := mux.NewRouter()
	router.Use(recovery(logger), logging(logger))

	router.Handle(path, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	router.HandleFunc("/health/live", hc.LivenessHandler).Methods(http.MethodGet)
	router.HandleFunc("/health/ready", hc.ReadinessHandler).Methods(http.MethodGet)
	if cfg.Stats != nil {
		stats := cfg.Stats
		router.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(stats())
		}).Methods(http.MethodGet)
	}

	return &OpsServer{
		router: router,
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      router,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger,
	}
}

// Start serves in the background
func (s *OpsServer) Start() error {
	s.logger.Info("Starting ops server", zap.String("addr", s.httpServer.Addr))

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Ops server failed", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully stops the ops server
func (s *OpsServer) Stop(ctx context.Context) error {
	s.logger.Info("Stopping ops server")

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("ops server shutdown failed: %w", err)
	}
	return nil
}

// Handler returns the routed handler, for tests
func (s *OpsServer) Handler() http.Handler {
	return s.router
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func logging(logger *zap.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			logger.Debug("HTTP request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", rw.statusCode),
				zap.Duration("duration", time.Since(start)))
		})
	}
}

func recovery(logger *zap.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					logger.Error("panic recovered",
						zap.Any("error", err),
						zap.String("path", r.URL.Path))
					w.WriteHeader(http.StatusInternalServerError)
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
