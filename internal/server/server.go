// Package server exposes the daemon's HTTP surface: the webhook, health probes, Prometheus
// metrics and the cache maintenance endpoints.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"pr-hostdata-cache/internal/config"
	"pr-hostdata-cache/internal/domain"
	"pr-hostdata-cache/internal/hostdata"
	"pr-hostdata-cache/internal/scope"
	"pr-hostdata-cache/internal/types"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HealthChecker reports whether the provider connections are usable.
type HealthChecker interface {
	IsHealthy() bool
}

// Server routes HTTP requests to the cache runtime.
type Server struct {
	cfg     *config.Config
	runtime *hostdata.Runtime
	health  HealthChecker
	webhook http.Handler
	mux     *http.ServeMux
}

// New creates a Server. webhook may be nil when no webhook host is configured.
func New(cfg *config.Config, runtime *hostdata.Runtime, health HealthChecker, webhook http.Handler) *Server {
	s := &Server{
		cfg:     cfg,
		runtime: runtime,
		health:  health,
		webhook: webhook,
		mux:     http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	if s.webhook != nil {
		s.mux.Handle("/webhook", s.webhook)
	}

	// Liveness probe (Kubernetes: startup/liveness)
	s.mux.HandleFunc("GET /health/live", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	s.mux.HandleFunc("GET /health/ready", s.handleReady)

	s.mux.Handle("GET /metrics", promhttp.Handler())

	s.mux.HandleFunc("GET /debug/snapshot", s.handleSnapshot)
	s.mux.HandleFunc("GET /debug/activity", s.handleActivity)
	s.mux.HandleFunc("POST /debug/sweep", s.handleSweep)
	s.mux.HandleFunc("POST /debug/clear", s.handleClear)

	s.mux.HandleFunc("GET /bundles/{host}/{workspace}/{repo}/{id}", s.handleBundle)
	s.mux.HandleFunc("POST /bundles/{host}/{workspace}/{repo}/{id}/refresh", s.handleRefresh)

	// Catch misconfigured webhook URLs; still 404.
	s.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" {
			slog.Warn("received request at root path",
				"path", r.URL.Path,
				"method", r.Method,
				"msg", "please configure webhook URL to path '/webhook'",
			)
		}
		http.NotFound(w, r)
	})
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// HTTPServer returns an http.Server for the configured port.
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.Server.Port),
		Handler:      s,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
	}
}

// handleReady checks storage and the provider connections.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.runtime.Ready() {
		http.Error(w, "Cache Storage Not Ready", http.StatusServiceUnavailable)
		return
	}
	if s.health != nil && !s.health.IsHealthy() {
		slog.Warn("mcp unhealthy")
		http.Error(w, "MCP Service Unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Ready"))
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.runtime.DebugSnapshot(r.Context())
	if err != nil {
		slog.Error("debug snapshot failed", "error", err)
		http.Error(w, "Snapshot Failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.runtime.FetchActivitySnapshot())
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	removed, err := s.runtime.SweepExpired(r.Context())
	if err != nil {
		slog.Error("sweep failed", "error", err)
		http.Error(w, "Sweep Failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	removed, err := s.runtime.ClearAllCacheData(r.Context())
	if err != nil {
		slog.Error("clear cache failed", "error", err)
		http.Error(w, "Clear Failed", http.StatusInternalServerError)
		return
	}
	slog.Info("cache cleared", "removed", removed)
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

// handleBundle serves the cached bundle, fetching it first when nothing is cached.
func (s *Server) handleBundle(w http.ResponseWriter, r *http.Request) {
	ref := refFromPath(r)
	sc, err := s.runtime.PullRequestBundleCollection(ref)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.runtime.EnsureReady(r.Context()); err != nil {
		slog.Error("storage not ready", "error", err)
		http.Error(w, "Cache Storage Not Ready", http.StatusServiceUnavailable)
		return
	}
	if _, ok := sc.Record(); !ok {
		if err := sc.Refetch(r.Context(), scope.RefetchOptions{ThrowOnError: true}); err != nil {
			writeFetchError(w, ref, err)
			return
		}
	}
	b, ok := sc.Record()
	if !ok {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	ref := refFromPath(r)
	if !ref.IsValid() {
		http.Error(w, "Invalid Pull Request", http.StatusBadRequest)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.refreshTimeout())
	defer cancel()
	if err := s.runtime.RefreshPullRequest(ctx, ref); err != nil {
		writeFetchError(w, ref, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) refreshTimeout() time.Duration {
	if s.cfg.Webhook.Timeout > 0 {
		return s.cfg.Webhook.Timeout
	}
	return 2 * time.Minute
}

func refFromPath(r *http.Request) domain.PullRequestRef {
	return domain.PullRequestRef{
		Host:      r.PathValue("host"),
		Workspace: r.PathValue("workspace"),
		Repo:      r.PathValue("repo"),
		PRID:      r.PathValue("id"),
	}
}

// writeFetchError maps provider failures onto gateway statuses. A 404 from the provider
// stays a 404.
func writeFetchError(w http.ResponseWriter, ref domain.PullRequestRef, err error) {
	slog.Warn("bundle fetch failed", "bundle", ref.BundleID(), "error", err)
	switch status := types.StatusCode(err); {
	case status == http.StatusNotFound:
		http.Error(w, "Pull Request Not Found", http.StatusNotFound)
	case errors.Is(err, context.DeadlineExceeded):
		http.Error(w, "Provider Timeout", http.StatusGatewayTimeout)
	default:
		http.Error(w, "Provider Error", http.StatusBadGateway)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("write response failed", "error", err)
	}
}
