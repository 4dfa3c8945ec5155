// Package server is the relay's HTTP surface: the WebSocket endpoint, the
// admin and debug endpoints, metrics, and optional static viewer assets.
package server

import (
	"context"
	"io"
	"log"
	"net"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"termrelay/internal/hub"
	"termrelay/internal/metrics"
)

type Options struct {
	StaticDir        string
	AdminTailnetOnly bool
}

type Server struct {
	echo   *echo.Echo
	hub    *hub.Hub
	tokens *hub.TokenManager
	opts   Options
	logger *log.Logger
}

func New(h *hub.Hub, tokens *hub.TokenManager, opts Options) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:   e,
		hub:    h,
		tokens: tokens,
		opts:   opts,
		logger: log.New(io.Discard, "", 0),
	}

	e.Use(middleware.Recover())
	e.Use(metrics.EchoMiddleware())

	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/ws", echo.WrapHandler(http.HandlerFunc(h.ServeWS)))
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))
	e.GET("/debug/sessions", s.debugSessions)

	api := e.Group("/api")
	api.Use(s.adminMiddleware())
	api.GET("/sessions", s.listSessions)

	if opts.StaticDir != "" {
		e.GET("/*", echo.WrapHandler(noCacheFiles(opts.StaticDir)))
	}
	return s
}

func (s *Server) SetLogger(logger *log.Logger) {
	if logger == nil {
		s.logger = log.New(io.Discard, "", 0)
		return
	}
	s.logger = logger
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

func (s *Server) Start(addr string) error {
	s.logger.Printf("listening on %s", addr)
	return s.echo.Start(addr)
}

// Shutdown stops accepting requests, then closes every relay connection.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.echo.Shutdown(ctx)
	s.hub.Shutdown()
	return err
}

func (s *Server) debugSessions(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]int{"active_sessions": s.hub.Registry().Len()})
}

func (s *Server) listSessions(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"sessions": s.hub.Registry().Snapshot()})
}

// adminMiddleware requires an admin-scoped bearer token. The admin API is off
// entirely when no signing secret is configured.
func (s *Server) adminMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !s.tokens.Enabled() {
				return c.JSON(http.StatusNotFound, map[string]string{"error": "admin api disabled"})
			}
			if s.opts.AdminTailnetOnly && !isTailnetRequest(c.Request()) {
				return c.JSON(http.StatusForbidden, map[string]string{"error": "forbidden"})
			}
			auth := c.Request().Header.Get(echo.HeaderAuthorization)
			token, ok := strings.CutPrefix(auth, "Bearer ")
			if !ok || token == "" {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "missing bearer token"})
			}
			claims, err := s.tokens.VerifyAdmin(token)
			if err != nil {
				s.logger.Printf("admin auth rejected remote=%s: %v", c.RealIP(), err)
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			}
			c.Set("admin", claims.Subject)
			return next(c)
		}
	}
}

// OriginChecker returns a CheckOrigin func for the WebSocket upgrader.
// Requests without an Origin header (native agents) are always allowed.
func OriginChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(r *http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[strings.TrimRight(strings.ToLower(o), "/")] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[strings.ToLower(origin)]
		return ok
	}
}

func noCacheFiles(staticDir string) http.Handler {
	fs := http.FileServer(http.Dir(staticDir))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		if path == "" || path == "/" || strings.HasSuffix(path, ".js") || strings.HasSuffix(path, ".css") {
			w.Header().Set("Cache-Control", "no-store")
		}
		fs.ServeHTTP(w, r)
	})
}

func isTailnetRequest(r *http.Request) bool {
	ip := remoteIP(r)
	if ip == nil {
		return false
	}
	if ip.IsLoopback() {
		return true
	}
	_, cidr, _ := net.ParseCIDR("100.64.0.0/10")
	return cidr.Contains(ip)
}

func remoteIP(r *http.Request) net.IP {
	addr := strings.TrimSpace(r.RemoteAddr)
	if addr == "" {
		return nil
	}
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return net.ParseIP(host)
	}
	return net.ParseIP(addr)
}
