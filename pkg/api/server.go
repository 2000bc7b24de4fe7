// Package api exposes the controller's HTTP surface: the REST API, the two
// WebSocket endpoints (UI observers and agents), and /metrics.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drover-io/drover/pkg/agentlink"
	"github.com/drover-io/drover/pkg/audit"
	"github.com/drover-io/drover/pkg/bus"
	"github.com/drover-io/drover/pkg/orchestrator"
	"github.com/drover-io/drover/pkg/registry"
	"github.com/drover-io/drover/pkg/store"
)

// Server wires handlers to the orchestration components.
type Server struct {
	orch  *orchestrator.Orchestrator
	reg   *registry.Registry
	store *store.Store
	bus   *bus.Bus
	hub   *agentlink.Hub
	audit *audit.Log

	httpSrv *http.Server
}

// NewServer builds the HTTP server on the given port.
func NewServer(
	port string,
	orch *orchestrator.Orchestrator,
	reg *registry.Registry,
	st *store.Store,
	b *bus.Bus,
	hub *agentlink.Hub,
	log *audit.Log,
) *Server {
	s := &Server{
		orch:  orch,
		reg:   reg,
		store: st,
		bus:   b,
		hub:   hub,
		audit: log,
	}

	e := echo.New()
	e.HTTPErrorHandler = errorHandler
	e.Use(securityHeaders())
	s.registerRoutes(e)

	s.httpSrv = &http.Server{
		Addr:              ":" + port,
		Handler:           e,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) registerRoutes(e *echo.Echo) {
	e.GET("/", s.rootHandler)
	e.GET("/health", s.healthHandler)
	metricsHandler := promhttp.Handler()
	e.GET("/metrics", func(c *echo.Context) error {
		metricsHandler.ServeHTTP(c.Response(), c.Request())
		return nil
	})

	e.GET("/api/agents", s.listAgentsHandler)
	e.GET("/api/agents/:id", s.getAgentHandler)
	e.DELETE("/api/agents/:id", s.deleteAgentHandler)
	e.POST("/api/agents/:id/ping", s.pingAgentHandler)

	e.GET("/api/tasks", s.listTasksHandler)
	e.POST("/api/tasks", s.createTaskHandler)
	e.GET("/api/tasks/:id", s.getTaskHandler)
	e.POST("/api/tasks/:id/approve", s.approveTaskHandler)
	e.POST("/api/tasks/:id/cancel", s.cancelTaskHandler)

	e.GET("/ws/client", s.clientWSHandler)
	e.GET("/ws/agent", s.agentWSHandler)
}

// Start serves HTTP until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	slog.Info("HTTP server listening", "addr", s.httpSrv.Addr)
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}
