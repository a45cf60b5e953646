// Package adminapi exposes a read-only Echo HTTP surface for operators: a
// liveness probe, a point-in-time snapshot of the Pool's connections and
// the FilterEngine's routes, and a dump of the certificate-fingerprint
// registry. It is deliberately read-only and unauthenticated beyond
// whatever sits in front of it — no mutation endpoints, no Prometheus
// exporter (spec §12 Non-goals; supplemented feature in SPEC_FULL.md §D).
package adminapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"omnitak/filter"
	"omnitak/pool"
)

// Server is the Echo application.
type Server struct {
	echo     *echo.Echo
	pool     *pool.Pool
	routes   *filter.RouteTable
	registry *pool.Registry
}

// New constructs an Echo app with the admin routes registered. registry may
// be nil if enrollment is not configured.
func New(p *pool.Pool, routes *filter.RouteTable, registry *pool.Registry) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(requestLogger())

	s := &Server{echo: e, pool: p, routes: routes, registry: registry}
	s.registerRoutes()
	return s
}

func requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}
			req := c.Request()
			slog.Info("admin http request",
				"method", req.Method,
				"path", req.URL.Path,
				"status", c.Response().Status,
				"duration_ms", time.Since(start).Milliseconds(),
				"remote", c.RealIP(),
			)
			return nil
		}
	}
}

// Echo exposes the underlying Echo instance for tests.
func (s *Server) Echo() *echo.Echo { return s.echo }

func (s *Server) registerRoutes() {
	s.echo.GET("/healthz", s.handleHealthz)
	s.echo.GET("/api/connections", s.handleConnections)
	s.echo.GET("/api/routes", s.handleRoutes)
	if s.registry != nil {
		s.echo.GET("/api/registry", s.handleRegistry)
	}
}

// Run starts Echo and blocks until ctx cancellation or startup failure.
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		err := s.echo.Start(addr)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		slog.Info("shutting down admin http server")
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.echo.Shutdown(shutCtx)
		slog.Info("admin http server stopped")
		return nil
	}
}

type healthzResponse struct {
	Status      string `json:"status"`
	Connections int    `json:"connections"`
}

func (s *Server) handleHealthz(c echo.Context) error {
	return c.JSON(http.StatusOK, healthzResponse{
		Status:      "ok",
		Connections: s.pool.Len(),
	})
}

type connectionView struct {
	ID               string `json:"id"`
	Active           bool   `json:"active"`
	LastMessageAt    string `json:"last_message_at"`
	MessagesSent     uint64 `json:"messages_sent"`
	MessagesReceived uint64 `json:"messages_received"`
	Errors           uint64 `json:"errors"`
	LastError        string `json:"last_error,omitempty"`
}

func (s *Server) handleConnections(c echo.Context) error {
	ids := s.pool.GetActiveConnections()
	views := make([]connectionView, 0, len(ids))
	for _, id := range ids {
		ep, ok := s.pool.Get(id)
		if !ok {
			continue
		}
		counters := ep.State.Snapshot()
		views = append(views, connectionView{
			ID:               string(id),
			Active:           counters.Active,
			LastMessageAt:    counters.LastMessageAt.UTC().Format(time.RFC3339),
			MessagesSent:     counters.MessagesSent,
			MessagesReceived: counters.MessagesReceived,
			Errors:           counters.Errors,
			LastError:        counters.LastError,
		})
	}
	return c.JSON(http.StatusOK, views)
}

type routeView struct {
	ID           string   `json:"id"`
	Description  string   `json:"description"`
	Destinations []string `json:"destinations"`
	Priority     int32    `json:"priority"`
	Enabled      bool     `json:"enabled"`
	Matched      uint64   `json:"matched"`
}

func (s *Server) handleRoutes(c echo.Context) error {
	routes := s.routes.Routes()
	views := make([]routeView, 0, len(routes))
	for _, r := range routes {
		views = append(views, routeView{
			ID:           r.ID,
			Description:  r.Description,
			Destinations: r.Destinations,
			Priority:     r.Priority,
			Enabled:      r.Enabled,
			Matched:      r.Stats.Matched.Load(),
		})
	}
	return c.JSON(http.StatusOK, views)
}

type fingerprintView struct {
	Fingerprint string `json:"fingerprint"`
	Subject     string `json:"subject"`
	FirstSeen   string `json:"first_seen"`
	LastSeen    string `json:"last_seen"`
}

func (s *Server) handleRegistry(c echo.Context) error {
	records, err := s.registry.All()
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	views := make([]fingerprintView, 0, len(records))
	for _, r := range records {
		views = append(views, fingerprintView{
			Fingerprint: r.Fingerprint,
			Subject:     r.Subject,
			FirstSeen:   r.FirstSeen.UTC().Format(time.RFC3339),
			LastSeen:    r.LastSeen.UTC().Format(time.RFC3339),
		})
	}
	return c.JSON(http.StatusOK, views)
}
