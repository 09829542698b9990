// Package server exposes the orchestrator over HTTP.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tjfontaine/teller/internal/auth"
)

// Config holds listener and middleware settings.
type Config struct {
	Addr              string        `koanf:"addr"`
	RequestTimeout    time.Duration `koanf:"request_timeout"`
	ReadHeaderTimeout time.Duration `koanf:"read_header_timeout"`
	CORSOrigins       []string      `koanf:"cors_origins"`
	RateLimit         int           `koanf:"rate_limit"` // requests per minute per client; 0 disables
	RateBurst         int           `koanf:"rate_burst"`
}

type Server struct {
	Router *chi.Mux
	cfg    Config
	logger *slog.Logger
	http   *http.Server
}

// New wires the middleware chain and mounts h. authenticator may be nil to
// disable API keys.
func New(cfg Config, logger *slog.Logger, authenticator *auth.Authenticator, h *Handler) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 90 * time.Second
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = 10 * time.Second
	}

	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(logger))
	if len(cfg.CORSOrigins) > 0 {
		r.Use(CORSMiddleware(cfg.CORSOrigins))
	}
	if authenticator != nil {
		r.Use(AuthMiddleware(authenticator, "/", "/healthz"))
	}
	if cfg.RateLimit > 0 {
		r.Use(NewRateLimiter(cfg.RateLimit, cfg.RateBurst).Middleware)
	}
	r.Use(TimeoutMiddleware(cfg.RequestTimeout))
	r.Use(middleware.Recoverer)
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "teller")
	})

	h.Routes(r)

	return &Server{
		Router: r,
		cfg:    cfg,
		logger: logger,
		http: &http.Server{
			Addr:              cfg.Addr,
			Handler:           r,
			ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		},
	}
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("starting server", slog.String("addr", s.cfg.Addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight turns.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
