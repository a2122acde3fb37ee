// Package server exposes operatord's HTTP API.
//
// The server fronts event ingest, trace lifecycle, classification, the motor
// changelog, and incident memory search over an Echo router with graceful
// shutdown. Prometheus metrics are served on /metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/operatord/internal/ingest"
	"github.com/fyrsmithlabs/operatord/internal/memory"
	"github.com/fyrsmithlabs/operatord/internal/orchestrate"
	"github.com/fyrsmithlabs/operatord/internal/store"
)

// Config configures the HTTP server.
type Config struct {
	Port            int           `koanf:"port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// Options wires the server's collaborators.
type Options struct {
	Config       *Config
	Store        *store.Store
	Ingest       *ingest.Service
	Orchestrator *orchestrate.Orchestrator
	Memory       *memory.Service
	Logger       *zap.Logger
}

// Server is the operatord HTTP server.
type Server struct {
	cfg          *Config
	store        *store.Store
	ingest       *ingest.Service
	orchestrator *orchestrate.Orchestrator
	memory       *memory.Service
	logger       *zap.Logger
	echo         *echo.Echo
}

// New creates the server and registers all routes.
func New(opts *Options) (*Server, error) {
	if opts == nil || opts.Store == nil || opts.Ingest == nil || opts.Orchestrator == nil {
		return nil, errors.New("store, ingest, and orchestrator are required")
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = &Config{Port: 9091, ShutdownTimeout: 10 * time.Second}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:  true,
		LogURI:     true,
		LogMethod:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger.Debug("request",
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
			)
			return nil
		},
	}))

	s := &Server{
		cfg:          cfg,
		store:        opts.Store,
		ingest:       opts.Ingest,
		orchestrator: opts.Orchestrator,
		memory:       opts.Memory,
		logger:       logger,
		echo:         e,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/v1")
	v1.POST("/events", s.handleSubmitEvent)
	v1.POST("/traces", s.handleStartTrace)
	v1.GET("/traces/:id", s.handleGetTrace)
	v1.POST("/traces/:id/classify", s.handleClassify)
	v1.GET("/traces/:id/events", s.handleListEvents)
	v1.GET("/traces/:id/decisions", s.handleListDecisions)
	v1.GET("/changelog", s.handleChangelog)
	v1.GET("/memory/search", s.handleMemorySearch)
}

// Start serves until ctx is cancelled, then shuts down gracefully.
// Returns http.ErrServerClosed on clean shutdown.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.cfg.Port)

	errCh := make(chan error, 1)
	go func() {
		if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server start: %w", err)
		}
	}()

	s.logger.Info("http server listening", zap.String("addr", addr))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := s.echo.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return http.ErrServerClosed
	}
}

// Echo returns the router, used by tests to drive handlers directly.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}
