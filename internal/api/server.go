// Package api provides the HTTP status API
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/mikeyg42/framepipe/internal/config"
	"github.com/mikeyg42/framepipe/internal/enclog"
	"github.com/mikeyg42/framepipe/internal/transcode"
)

// StatusProvider reports pipeline status.
type StatusProvider interface {
	Status() transcode.Status
}

// HealthCheck probes one dependency.
type HealthCheck func(ctx context.Context) error

// ServerOption configures optional routes.
type ServerOption func(*Server)

// WithProfiles enables /api/profile.
func WithProfiles(ctrl ProfileController) ServerOption {
	return func(s *Server) {
		NewProfileHandler(ctrl).RegisterRoutes(s.mux)
	}
}

// Server is an HTTP API server
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	stats      *StatsHandler
	checks     map[string]HealthCheck
	log        enclog.Logger
}

// NewServer creates a new API server
func NewServer(cfg config.APIConfig, provider StatusProvider, checks map[string]HealthCheck, opts ...ServerOption) *Server {
	mux := http.NewServeMux()
	log := enclog.L().Named("api")

	stats := NewStatsHandler(provider, cfg.StatsInterval, cfg.AllowedOrigins)
	stats.RegisterRoutes(mux)

	s := &Server{
		mux:    mux,
		stats:  stats,
		checks: checks,
		log:    log,
	}
	mux.HandleFunc("/api/health", s.handleHealth)
	for _, opt := range opts {
		opt(s)
	}

	s.httpServer = &http.Server{
		Addr:           cfg.ListenAddr,
		Handler:        corsMiddleware(cfg.AllowedOrigins, mux),
		ReadTimeout:    10 * time.Second,
		MaxHeaderBytes: 1 << 20, // 1 MB
	}
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	resp := healthResponse{Status: "ok"}
	code := http.StatusOK
	if len(s.checks) > 0 {
		resp.Checks = make(map[string]string, len(s.checks))
	}
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			resp.Checks[name] = err.Error()
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}
	writeJSON(w, code, resp)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// corsMiddleware adds CORS headers for whitelisted origins
func corsMiddleware(origins []string, next http.Handler) http.Handler {
	allowedOrigins := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowedOrigins[o] = true
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && allowedOrigins[origin] {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("API server listening", enclog.String("addr", s.httpServer.Addr))
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.stats.CloseStreams()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.log.Info("API server stopped")
	return nil
}
