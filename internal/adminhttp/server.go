// Package adminhttp exposes doorman's operational surface over plain HTTP:
// liveness/readiness probes, Prometheus metrics, and read-only JSON views of
// pool stats and the active configuration. It intentionally carries none of
// tenant CRUD endpoints or an HTML dashboard — those are out of scope for a
// connection pooler whose configuration is file-driven.
package adminhttp

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"runtime"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pgdoorman/doorman/internal/config"
	"github.com/pgdoorman/doorman/internal/health"
	"github.com/pgdoorman/doorman/internal/metrics"
	"github.com/pgdoorman/doorman/internal/pool"
)

// Server is doorman's admin HTTP server.
type Server struct {
	poolMgr     *pool.Manager
	healthCheck *health.Checker
	metrics     *metrics.Collector
	cfg         *config.Config
	httpServer  *http.Server
	startTime   time.Time
}

// NewServer creates an admin HTTP server bound to the given components.
func NewServer(pm *pool.Manager, hc *health.Checker, m *metrics.Collector, cfg *config.Config) *Server {
	return &Server{
		poolMgr:     pm,
		healthCheck: hc,
		metrics:     m,
		cfg:         cfg,
		startTime:   time.Now(),
	}
}

// Start begins serving on host:port in the background.
func (s *Server) Start(host string, port int) error {
	r := mux.NewRouter()

	r.HandleFunc("/status", s.statusHandler).Methods(http.MethodGet)
	r.HandleFunc("/config", s.configHandler).Methods(http.MethodGet)
	r.HandleFunc("/pools", s.poolsHandler).Methods(http.MethodGet)
	r.HandleFunc("/health", s.healthHandler).Methods(http.MethodGet)
	r.HandleFunc("/ready", s.readyHandler).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))

	addr := fmt.Sprintf("%s:%d", host, port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	log.Printf("[adminhttp] listening on %s", addr)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[adminhttp] server error: %v", err)
		}
	}()
	return nil
}

// Stop gracefully shuts down the admin HTTP server.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

type poolView struct {
	pool.Stats
	Health health.PoolHealth `json:"health"`
}

func (s *Server) poolsHandler(w http.ResponseWriter, r *http.Request) {
	stats := s.poolMgr.AllStats()
	views := make([]poolView, 0, len(stats))
	for id, st := range stats {
		views = append(views, poolView{
			Stats:  st,
			Health: s.healthCheck.GetStatus(id),
		})
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	statuses := s.healthCheck.AllStatus()

	allHealthy := true
	out := make(map[string]health.PoolHealth, len(statuses))
	for id, st := range statuses {
		out[id.String()] = st
		if st.Status == health.StatusUnhealthy {
			allHealthy = false
		}
	}

	code := http.StatusOK
	if !allHealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]interface{}{
		"status": boolToStatus(allHealthy),
		"pools":  out,
	})
}

func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	ids := s.poolMgr.AllStats()
	if len(ids) == 0 {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}
	for id := range ids {
		if s.healthCheck.IsHealthy(id) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
			return
		}
	}
	writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"uptime_seconds": int(time.Since(s.startTime).Seconds()),
		"go_version":     runtime.Version(),
		"goroutines":     runtime.NumGoroutine(),
		"memory_mb":      float64(mem.Alloc) / 1024 / 1024,
		"num_pools":      len(s.poolMgr.AllStats()),
		"listen": map[string]interface{}{
			"host": s.cfg.Listen.Host,
			"port": s.cfg.Listen.Port,
		},
	})
}

func (s *Server) configHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"listen": map[string]interface{}{
			"host":             s.cfg.Listen.Host,
			"port":             s.cfg.Listen.Port,
			"unix_socket_dir":  s.cfg.Listen.UnixSocketDir,
			"tls_enabled":      s.cfg.Listen.TLSEnabled(),
			"max_connections":  s.cfg.Listen.MaxConnections,
		},
		"defaults": map[string]interface{}{
			"pool_mode":          s.cfg.Defaults.PoolMode,
			"pool_size":          s.cfg.Defaults.PoolSize,
			"min_pool_size":      s.cfg.Defaults.MinPoolSize,
			"virtual_pool_count": s.cfg.Defaults.VirtualPoolCount,
			"idle_timeout":       s.cfg.Defaults.IdleTimeout.String(),
		},
		"database_count": len(s.cfg.Databases),
		"user_count":     len(s.cfg.Users),
		"rate_limit":     s.cfg.RateLimit,
		"cpu_affinity":   s.cfg.CPUAffinity,
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func boolToStatus(b bool) string {
	if b {
		return "healthy"
	}
	return "unhealthy"
}
