// Package api serves the agent's HTTP surface: the WhatsApp webhook,
// health and version.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/fpagent/fpagent/internal/buildinfo"
	"github.com/fpagent/fpagent/internal/connwatch"
)

// HealthReporter reports dependency health. The real implementation is
// *connwatch.Manager.
type HealthReporter interface {
	Healthy() bool
	Status() []connwatch.ServiceStatus
}

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Config wires a Server.
type Config struct {
	Address string
	Port    int
	Webhook http.Handler
	Health  HealthReporter // optional
	Logger  *slog.Logger
}

// Server is the HTTP server.
type Server struct {
	address string
	port    int
	webhook http.Handler
	health  HealthReporter
	logger  *slog.Logger
	server  *http.Server
}

// NewServer creates a server. Call Start to listen. Shutdown may be
// called at any time, including before Start.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		address: cfg.Address,
		port:    cfg.Port,
		webhook: cfg.Webhook,
		health:  cfg.Health,
		logger:  logger,
	}
	s.server = &http.Server{
		Addr:              net.JoinHostPort(s.address, fmt.Sprint(s.port)),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
	}
	return s
}

// Handler returns the routed handler with request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	if s.webhook != nil {
		mux.Handle("GET /webhook", s.webhook)
		mux.Handle("POST /webhook", s.webhook)
	}

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /{$}", s.handleRoot)

	return s.withLogging(mux)
}

// Start listens until the server is shut down. It returns nil after a
// clean Shutdown, including one that happened before Start.
func (s *Server) Start(_ context.Context) error {
	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting HTTP server", "address", addr, "port", s.port)

	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// statusRecorder captures the response code for logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		level := slog.LevelInfo
		if r.URL.Path == "/health" {
			level = slog.LevelDebug
		}
		s.logger.Log(r.Context(), level, "request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "fpagent",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

type healthResponse struct {
	Status   string                    `json:"status"`
	Services []connwatch.ServiceStatus `json:"services,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	resp := healthResponse{Status: "healthy"}
	if s.health != nil {
		resp.Services = s.health.Status()
		if !s.health.Healthy() {
			resp.Status = "degraded"
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}
	writeJSON(w, resp, s.logger)
}
