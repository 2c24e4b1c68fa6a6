package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashita-ai/utsushi/internal/ratelimit"
	"github.com/ashita-ai/utsushi/internal/session"
)

// Server is the utsushi HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
type ServerConfig struct {
	Store      *session.Store
	Migrations Migrations
	Logger     *slog.Logger
	Limiter    ratelimit.Limiter // throttles create and start; nil disables

	// HTTP server settings.
	Port           int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	Version        string
	UploadsDir     string
	MaxUploadBytes int64
	Keepalive      time.Duration
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Store:          cfg.Store,
		Migrations:     cfg.Migrations,
		Logger:         cfg.Logger,
		Version:        cfg.Version,
		UploadsDir:     cfg.UploadsDir,
		MaxUploadBytes: cfg.MaxUploadBytes,
		Keepalive:      cfg.Keepalive,
	})

	mux := http.NewServeMux()

	// Creating and starting migrations consume disk and containers.
	requestID := func(r *http.Request) string { return RequestIDFromContext(r.Context()) }
	limit := ratelimit.Middleware(cfg.Limiter, ratelimit.IPKeyFunc, requestID, cfg.Logger)

	mux.Handle("POST /v1/migrations", limit(http.HandlerFunc(h.HandleCreateMigration)))
	mux.HandleFunc("GET /v1/migrations", h.HandleListMigrations)
	mux.HandleFunc("GET /v1/migrations/{id}", h.HandleGetMigration)
	mux.HandleFunc("DELETE /v1/migrations/{id}", h.HandleDeleteMigration)
	mux.Handle("POST /v1/migrations/{id}/start", limit(http.HandlerFunc(h.HandleStartMigration)))
	mux.HandleFunc("GET /v1/migrations/{id}/result", h.HandleResult)

	// Live viewers (long-lived connections).
	mux.HandleFunc("GET /v1/migrations/{id}/events", h.HandleEvents)
	mux.HandleFunc("GET /v1/migrations/{id}/ws", h.HandleWebSocket)

	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.WriteTimeout,
	}
	// Event streams never end on their own; Shutdown would otherwise wait
	// for them until its deadline.
	httpServer.RegisterOnShutdown(h.CloseStreams)

	return &Server{
		httpServer: httpServer,
		handler:    handler,
		logger:     cfg.Logger,
	}
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server, ending open event streams.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
