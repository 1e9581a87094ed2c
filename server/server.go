// Package server implements the mend HTTP server: the REST API for
// submitting and inspecting tasks, JWT auth, and usage reporting.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/mendhq/mend/config"
	"github.com/mendhq/mend/server/api"
)

// Server is the mend HTTP server.
type Server struct {
	cfg     *config.Config
	mux     *http.ServeMux
	httpSrv *http.Server
	logger  *slog.Logger

	handlers  *api.Handlers
	auth      *authenticator
	routeOnce sync.Once

	startTime time.Time
	version   string
}

// New creates a server around the given handlers.
func New(cfg *config.Config, handlers *api.Handlers, ver string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:       cfg,
		mux:       http.NewServeMux(),
		logger:    logger,
		handlers:  handlers,
		auth:      newAuthenticator(cfg.Auth, logger),
		startTime: time.Now(),
		version:   ver,
	}
}

// Start registers routes and begins listening.
func (s *Server) Start() error {
	s.registerRoutes()

	addr := s.cfg.Server.Addr
	if addr == "" {
		addr = ":8380"
	}
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 15 * time.Second,
	}
	s.logger.Info("server listening", slog.String("addr", addr))
	return s.httpSrv.ListenAndServe()
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// Handler returns the fully-routed handler, for tests.
func (s *Server) Handler() http.Handler {
	s.registerRoutes()
	return s.mux
}

// registerRoutes sets up all HTTP routes. Safe to call more than once;
// routes register on first call only.
func (s *Server) registerRoutes() {
	s.routeOnce.Do(s.registerRoutesOnce)
}

func (s *Server) registerRoutesOnce() {
	// Public routes (no auth required)
	s.mux.HandleFunc("POST /api/auth/login", s.auth.handleLogin)
	s.mux.HandleFunc("GET /api/status", s.handleStatus)
	s.mux.HandleFunc("GET /api/version", s.handleVersion)

	// Protected API
	apiMux := http.NewServeMux()
	s.handlers.RegisterRoutes(apiMux)
	apiMux.HandleFunc("GET /api/auth/me", s.handleMe)

	s.mux.Handle("/api/", s.auth.middleware(apiMux))
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"version":        s.version,
		"uptime_seconds": int(time.Since(s.startTime).Seconds()),
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"username": api.UserFrom(r.Context())})
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeJSONError writes a JSON error response.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
