package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/normanking/edubuddy/internal/auth"
	"github.com/normanking/edubuddy/internal/bus"
	"github.com/normanking/edubuddy/internal/pipeline"
)

// ErrMissingDependency is returned by New when the orchestrator or admin
// facade is nil.
var ErrMissingDependency = errors.New("server dependency missing")

// Server is the HTTP gateway.
type Server struct {
	cfg      Config
	orch     *pipeline.Orchestrator
	admin    *pipeline.Admin
	guard    *auth.AdminGuard
	observer http.Handler
	log      zerolog.Logger

	mux       *http.ServeMux
	handler   http.Handler
	server    *http.Server
	startedAt time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request and lifecycle logger.
func WithLogger(log zerolog.Logger) Option {
	return func(s *Server) { s.log = log }
}

// WithAdminGuard protects the admin routes, the violation log and
// cross-user search. Without a guard they are not mounted.
func WithAdminGuard(g *auth.AdminGuard) Option {
	return func(s *Server) { s.guard = g }
}

// WithObserver mounts the event stream at bus.EventsEndpoint.
func WithObserver(h http.Handler) Option {
	return func(s *Server) { s.observer = h }
}

// New creates a Server and registers its routes.
func New(cfg Config, orch *pipeline.Orchestrator, admin *pipeline.Admin, opts ...Option) (*Server, error) {
	if orch == nil || admin == nil {
		return nil, ErrMissingDependency
	}
	s := &Server{
		cfg:       cfg,
		orch:      orch,
		admin:     admin,
		log:       zerolog.Nop(),
		mux:       http.NewServeMux(),
		startedAt: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.routes()
	s.handler = s.recoverer(s.instrument(s.mux))
	return s, nil
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)

	s.mux.HandleFunc("POST /api/v1/chat", s.handleChat)
	s.mux.HandleFunc("GET /api/v1/users/{id}/history", s.handleHistory)
	s.mux.HandleFunc("GET /api/v1/stats", s.handleStats)

	if s.guard != nil {
		admin := func(pattern string, h http.HandlerFunc) {
			s.mux.Handle(pattern, s.guard.RequireAdmin(h))
		}
		admin("GET /api/v1/safety/violations", s.handleViolations)
		admin("GET /api/v1/search", s.handleSearch)
		admin("GET /api/v1/admin/models", s.handleListModels)
		admin("GET /api/v1/admin/models/{model}/versions", s.handleListVersions)
		admin("POST /api/v1/admin/models/{model}/versions", s.handleRegisterVersion)
		admin("POST /api/v1/admin/models/{model}/activate", s.handleActivate)
		admin("POST /api/v1/admin/models/{model}/rollback", s.handleRollback)
		admin("GET /api/v1/admin/experiments", s.handleListExperiments)
		admin("POST /api/v1/admin/experiments", s.handleStartExperiment)
		admin("GET /api/v1/admin/experiments/{name}", s.handleGetExperiment)
		admin("POST /api/v1/admin/experiments/{name}/stop", s.handleStopExperiment)
		admin("GET /api/v1/admin/experiments/{name}/variant", s.handleSelectVariant)
	}

	if s.cfg.MetricsPath != "" {
		s.mux.Handle("GET "+s.cfg.MetricsPath, promhttp.Handler())
	}
	if s.observer != nil {
		s.mux.Handle("GET "+bus.EventsEndpoint, s.observer)
	}
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Start listens on cfg.Addr and blocks until the server stops. A clean
// shutdown returns nil.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	s.log.Info().
		Str("addr", s.cfg.Addr).
		Bool("admin", s.guard != nil && s.guard.Enabled()).
		Str("metrics", s.cfg.MetricsPath).
		Bool("events", s.observer != nil).
		Msg("http server listening")

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	s.log.Info().Msg("http server shutting down")
	return s.server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, &APIError{Code: status, Message: message})
}

func writeErrorDetails(w http.ResponseWriter, status int, message string, err error) {
	writeJSON(w, status, &APIError{Code: status, Message: message, Details: err.Error()})
}
