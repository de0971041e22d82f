// Package api exposes the dispatcher's observability surface over HTTP:
// /health, /status, Prometheus /metrics, and the structured /metrics.json.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/asgard-lab/yggdrasil/internal/health"
	"github.com/asgard-lab/yggdrasil/internal/hostpool"
	"github.com/asgard-lab/yggdrasil/internal/ledger"
	"github.com/asgard-lab/yggdrasil/internal/obs"
	"github.com/asgard-lab/yggdrasil/internal/resilient"
	"github.com/asgard-lab/yggdrasil/internal/router"
)

// Server is the dispatcher's HTTP surface.
type Server struct {
	ledger         *ledger.DB
	pool           *hostpool.Pool
	router         *router.Router
	breakers       *resilient.BreakerRegistry
	health         *health.Checker
	version        string
	metricsEnabled bool
}

// NewServer creates an API server over the dispatcher's components.
func NewServer(db *ledger.DB, pool *hostpool.Pool, rt *router.Router,
	breakers *resilient.BreakerRegistry, checker *health.Checker, version string) *Server {
	return &Server{
		ledger:   db,
		pool:     pool,
		router:   rt,
		breakers: breakers,
		health:   checker,
		version:  version,
	}
}

// EnableMetrics enables the /metrics Prometheus endpoint.
func (s *Server) EnableMetrics() { s.metricsEnabled = true }

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", s.handleHealth)
	r.Get("/status", s.handleStatus)

	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
		r.Get("/metrics.json", s.handleMetricsJSON)
	}

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	code := http.StatusOK
	if s.health != nil && !s.health.IsHealthy() {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	var checks []health.Status
	if s.health != nil {
		checks = s.health.Statuses()
	}

	writeJSON(w, code, map[string]any{
		"status":    status,
		"version":   s.version,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"checks":    checks,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	stats, err := s.ledger.Stats()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"tasks":    stats,
		"hosts":    s.pool.Status(),
		"fleet":    s.router.Snapshot(),
		"breakers": s.breakers.Snapshot(),
	})
}

func (s *Server) handleMetricsJSON(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, obs.SnapshotJSON())
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    "error",
		},
	})
}
