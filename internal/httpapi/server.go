// Package httpapi wires the Echo HTTP application: the WebSocket upgrade
// path, /health, and /metrics, per spec §6.
//
// Adapted from the teacher's internal/httpapi/server.go: same Echo +
// Recover + slog request-logging middleware and graceful-shutdown shape.
// The blob upload/download routes are dropped (spec's persistence
// Non-goal has no use for them); /api/state is replaced by /health's
// queue-size reporting and /metrics' full manager surfaces.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vibeconnect/rendezvous/internal/conn"
	"github.com/vibeconnect/rendezvous/internal/metrics"
	"github.com/vibeconnect/rendezvous/internal/queue"
	"github.com/vibeconnect/rendezvous/internal/security"
	"github.com/vibeconnect/rendezvous/internal/transport"
)

// Server is the Echo application.
type Server struct {
	echo       *echo.Echo
	queue      *queue.Manager
	conns      *conn.Manager
	security   *security.Manager
	metrics    *metrics.Registry
	adminToken string
	start      time.Time
}

// New constructs an Echo app with the WebSocket upgrade route, the
// health/metrics surfaces, and (when adminToken is non-empty) the bearer
// -token-gated admin ban endpoints cmd/rendezvousctl drives. metricsEnabled
// controls whether /metrics is registered at all, per the ambient
// MetricsEnabled config key.
func New(front *transport.Front, q *queue.Manager, c *conn.Manager, sec *security.Manager, reg *metrics.Registry, metricsEnabled bool, adminToken string, startedAt time.Time) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(requestLogger())

	s := &Server{echo: e, queue: q, conns: c, security: sec, metrics: reg, adminToken: adminToken, start: startedAt}

	front.Register(e)
	e.GET("/health", s.handleHealth)
	if metricsEnabled {
		e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	}
	if adminToken != "" {
		admin := e.Group("/admin", s.requireAdminToken)
		admin.GET("/bans", s.handleListBans)
		admin.POST("/bans", s.handleCreateBan)
		admin.DELETE("/bans/:ip", s.handleDeleteBan)
	}
	return s
}

// requireAdminToken rejects any /admin request whose bearer token does not
// match the configured admin_token.
func (s *Server) requireAdminToken(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		auth := c.Request().Header.Get("Authorization")
		if auth != "Bearer "+s.adminToken {
			return c.NoContent(http.StatusUnauthorized)
		}
		return next(c)
	}
}

// requestLogger returns Echo middleware that logs each HTTP request via slog.
func requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			req := c.Request()
			path := req.URL.Path

			if path == "/" || path == "/health" {
				slog.Debug("http request",
					"method", req.Method,
					"path", path,
					"status", c.Response().Status,
					"duration_ms", time.Since(start).Milliseconds(),
				)
			} else {
				slog.Info("http request",
					"method", req.Method,
					"path", path,
					"status", c.Response().Status,
					"duration_ms", time.Since(start).Milliseconds(),
					"remote", c.RealIP(),
				)
			}
			return nil
		}
	}
}

// Echo exposes the underlying Echo instance for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
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
		slog.Info("shutting down http server")
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.echo.Shutdown(shutCtx)
		slog.Info("http server stopped")
		return nil
	}
}

type queueLengthResponse struct {
	Mode   string `json:"mode"`
	Tier   string `json:"tier"`
	Length int    `json:"length"`
}

type healthResponse struct {
	Status            string                `json:"status"`
	UptimeSeconds     float64               `json:"uptime_seconds"`
	ActiveConnections int                   `json:"active_connections"`
	QueueSizes        []queueLengthResponse `json:"queue_sizes"`
}

func tierName(t queue.Tier) string {
	if t == queue.TierPriority {
		return "priority"
	}
	return "normal"
}

func (s *Server) handleHealth(c echo.Context) error {
	lanes := s.queue.Snapshot()
	sizes := make([]queueLengthResponse, 0, len(lanes))
	for _, l := range lanes {
		sizes = append(sizes, queueLengthResponse{
			Mode:   string(l.Mode),
			Tier:   tierName(l.Tier),
			Length: l.Length,
		})
	}

	activeConnections := s.conns.GetConnectionCount()
	if s.metrics != nil {
		// /health is polled far more often than /metrics is scraped in most
		// deployments; refresh the gauges here too so a scrape landing
		// between health checks still sees a recent value.
		s.metrics.ActiveConnections.Set(float64(activeConnections))
		for _, l := range lanes {
			s.metrics.QueueLength.WithLabelValues(string(l.Mode), tierName(l.Tier)).Set(float64(l.Length))
		}
	}

	return c.JSON(http.StatusOK, healthResponse{
		Status:            "ok",
		UptimeSeconds:     time.Since(s.start).Seconds(),
		ActiveConnections: activeConnections,
		QueueSizes:        sizes,
	})
}

type banResponse struct {
	IP     string `json:"ip"`
	Reason string `json:"reason"`
}

type createBanRequest struct {
	IP       string `json:"ip"`
	Reason   string `json:"reason"`
	Duration string `json:"duration"`
}

func (s *Server) handleListBans(c echo.Context) error {
	bans := s.security.BannedIPs()
	out := make([]banResponse, 0, len(bans))
	for ip, reason := range bans {
		out = append(out, banResponse{IP: ip, Reason: reason})
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleCreateBan(c echo.Context) error {
	var req createBanRequest
	if err := c.Bind(&req); err != nil || req.IP == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "ip is required"})
	}

	if req.Duration == "" {
		s.security.BanIP(req.IP, req.Reason)
		return c.NoContent(http.StatusNoContent)
	}

	duration, err := time.ParseDuration(req.Duration)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid duration"})
	}
	s.security.BanIPFor(req.IP, duration, req.Reason)
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleDeleteBan(c echo.Context) error {
	ip := c.Param("ip")
	s.security.UnbanIP(ip)
	return c.NoContent(http.StatusNoContent)
}
