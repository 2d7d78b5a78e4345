// Package http provides the reviewmemory HTTP API.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/reviewmemory/internal/config"
	"github.com/fyrsmithlabs/reviewmemory/internal/feedback"
	"github.com/fyrsmithlabs/reviewmemory/internal/historical"
	"github.com/fyrsmithlabs/reviewmemory/internal/logging"
	"github.com/fyrsmithlabs/reviewmemory/internal/models"
)

// Server serves the history and feedback endpoints.
type Server struct {
	echo      *echo.Echo
	history   *historical.Analyzer
	collector *feedback.Collector
	learner   *feedback.Analyzer
	limiter   *ipLimiter
	logger    *logging.Logger
	config    *Config
}

// Config holds HTTP server configuration.
type Config struct {
	Host            string
	Port            int
	ShutdownTimeout time.Duration
	FeedbackRPS     float64
	FeedbackBurst   int
	WebhookSecret   config.Secret
}

// ConfigFrom converts the server config section.
func ConfigFrom(c config.ServerConfig) *Config {
	return &Config{
		Port:            c.Port,
		ShutdownTimeout: c.ShutdownTimeout.Duration(),
		FeedbackRPS:     c.FeedbackRPS,
		FeedbackBurst:   c.FeedbackBurst,
		WebhookSecret:   c.WebhookSecret,
	}
}

// Services are the components the API exposes.
type Services struct {
	History   *historical.Analyzer
	Collector *feedback.Collector
	Learner   *feedback.Analyzer
}

// NewServer creates a new HTTP server.
func NewServer(svc Services, logger *logging.Logger, cfg *Config) (*Server, error) {
	if svc.History == nil || svc.Collector == nil || svc.Learner == nil {
		return nil, errors.New("history, collector and learner are required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{Port: 9090}
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:      e,
		history:   svc.History,
		collector: svc.Collector,
		learner:   svc.Learner,
		limiter:   newIPLimiter(cfg.FeedbackRPS, cfg.FeedbackBurst),
		logger:    logger.Named("http"),
		config:    cfg,
	}

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(NewHTTPMetrics(s.logger).MetricsMiddleware())
	e.Use(s.requestLogger)

	s.registerRoutes()
	return s, nil
}

func (s *Server) requestLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		req := c.Request()
		ctx := logging.WithRequestID(req.Context(), c.Response().Header().Get(echo.HeaderXRequestID))
		c.SetRequest(req.WithContext(ctx))

		err := next(c)
		if err != nil {
			c.Error(err)
		}

		s.logger.Info(ctx, "http request",
			zap.String("method", req.Method),
			zap.String("route", c.Path()),
			zap.Int("status", c.Response().Status),
			zap.Duration("duration", time.Since(start)),
		)
		return nil
	}
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/reviews", s.handleStoreReview)
	v1.POST("/context", s.handleContext)
	v1.POST("/similar", s.handleSimilar)
	v1.POST("/bug-patterns", s.handleBugPatterns)
	v1.POST("/dependencies", s.handleDependencies)
	v1.GET("/repos/:owner/:repo/hotspots", s.handleHotspots)
	v1.GET("/repos/:owner/:repo/cycles", s.handleCycles)

	fb := v1.Group("/feedback", s.limiter.middleware(s.logger))
	fb.POST("", s.handleFeedback)
	fb.POST("/reaction", s.handleReaction)
	fb.POST("/reply", s.handleReply)
	fb.POST("/auto", s.handleAutoDetected)
	v1.GET("/feedback/:finding/stats", s.handleStats)

	v1.GET("/patterns", s.handlePatterns)
	v1.POST("/confidence", s.handleConfidence)

	if s.config.WebhookSecret.IsSet() {
		s.echo.POST("/webhooks/github", s.handleGitHubWebhook, s.limiter.middleware(s.logger))
	}
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// fail maps a service error onto an HTTP error.
func (s *Server) fail(c echo.Context, err error) error {
	ctx := c.Request().Context()
	switch {
	case errors.Is(err, models.ErrValidation):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, models.ErrConflict):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, models.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, models.ErrStoreUnavailable):
		s.logger.Warn(ctx, "store unavailable", zap.String("route", c.Path()), zap.Error(err))
		return echo.NewHTTPError(http.StatusServiceUnavailable, "history store unavailable")
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "request timed out")
	default:
		s.logger.Error(ctx, "request failed", zap.String("route", c.Path()), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
}

func bind(c echo.Context, v any) error {
	if err := c.Bind(v); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	return nil
}

// queryInt reads a non-negative integer query parameter, def when absent.
func queryInt(c echo.Context, name string, def int) (int, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, name+" must be a non-negative integer")
	}
	return n, nil
}

func repoParam(c echo.Context) models.Repo {
	return models.Repo{Owner: c.Param("owner"), Name: c.Param("repo")}
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.echo }

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info(ctx, "starting http server", zap.String("addr", addr))

	errCh := make(chan error, 1)
	go func() {
		if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server start: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	}
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}
