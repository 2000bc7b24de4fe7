package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/drover-io/drover/pkg/models"
)

// listAgentsHandler handles GET /api/agents.
func (s *Server) listAgentsHandler(c *echo.Context) error {
	status := models.AgentStatus(c.QueryParam("status"))
	switch status {
	case "", models.AgentOnline, models.AgentBusy, models.AgentOffline:
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "invalid status: must be online, busy, or offline")
	}

	return c.JSON(http.StatusOK, s.reg.Snapshot(status, c.QueryParam("role")))
}

// getAgentHandler handles GET /api/agents/:id.
func (s *Server) getAgentHandler(c *echo.Context) error {
	agent, err := s.reg.Get(c.Param("id"))
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, agent)
}

// deleteAgentHandler handles DELETE /api/agents/:id.
func (s *Server) deleteAgentHandler(c *echo.Context) error {
	if err := s.reg.Remove(c.Param("id")); err != nil {
		return mapError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// pingAgentHandler handles POST /api/agents/:id/ping. Sends a ping frame
// down the agent's connection to verify it is actually reachable, not just
// present in the registry.
func (s *Server) pingAgentHandler(c *echo.Context) error {
	id := c.Param("id")
	if err := s.reg.SendTo(c.Request().Context(), id, map[string]string{"type": "ping"}); err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, pingResponse{Status: "sent", AgentID: id})
}
