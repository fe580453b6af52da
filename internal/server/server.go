package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/courtside/relay/internal/platform/config"
	"github.com/courtside/relay/internal/platform/correlation"
	"github.com/courtside/relay/internal/service"
)

// HealthChecker pings one backing dependency.
type HealthChecker func(ctx context.Context) error

type Server struct {
	echo      *echo.Echo
	config    *config.Config
	svc       *service.Service
	limits    *ConnectionLimits
	clock     clockwork.Clock
	checks    map[string]HealthChecker
	startTime time.Time
}

// NewServer creates the HTTP server. checks maps dependency names to
// readiness probes; a nil check is skipped.
func NewServer(cfg *config.Config, svc *service.Service, limits *ConnectionLimits, clock clockwork.Clock, checks map[string]HealthChecker) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(correlationMiddleware)

	srv := &Server{
		echo:      e,
		config:    cfg,
		svc:       svc,
		limits:    limits,
		clock:     clock,
		checks:    checks,
		startTime: clock.Now(),
	}
	srv.registerRoutes()
	return srv
}

// correlationMiddleware stamps every request context with a short ID
// that the logging handler picks up.
func correlationMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := correlation.WithID(c.Request().Context(), correlation.NewID())
		c.SetRequest(c.Request().WithContext(ctx))
		return next(c)
	}
}

func (s *Server) Start() error {
	slog.Info("Starting server", "port", s.config.Port)
	return s.echo.Start(fmt.Sprintf(":%s", s.config.Port))
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
