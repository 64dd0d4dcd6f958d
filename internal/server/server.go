// Package server assembles the chi router, its middleware stack, and the
// HTTP server lifecycle.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/avatarlabs/voice-gateway/internal/config"
)

type Server struct {
	Router *chi.Mux

	// RateLimit is the per-IP limiter built from the configured quota.
	// It is applied per route group so the health probe and metrics
	// endpoint stay unthrottled.
	RateLimit func(http.Handler) http.Handler

	httpServer *http.Server
	logger     *slog.Logger
}

func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	limit, window, err := cfg.Server.ParseRateLimit()
	if err != nil {
		return nil, err
	}

	r := chi.NewRouter()

	// Order matters: request ID first so logging can pick it up.
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.Server.Origins(),
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}))
	// Compress JSON only; gzip buffering would defeat SSE flushing.
	r.Use(middleware.Compress(5, "application/json"))
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "voice-gateway")
	})

	return &Server{
		Router:    r,
		RateLimit: httprate.Limit(limit, window, httprate.WithKeyFuncs(httprate.KeyByRealIP)),
		httpServer: &http.Server{
			Addr:    cfg.Server.Addr(),
			Handler: r,
			// No WriteTimeout: SSE responses are long-lived by design.
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logger,
	}, nil
}

// Start blocks serving requests until Shutdown is called or the listener
// fails.
func (s *Server) Start() error {
	s.logger.Info("starting server", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
