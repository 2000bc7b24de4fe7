package api

import (
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/drover-io/drover/pkg/models"
	"github.com/drover-io/drover/pkg/orchestrator"
)

// createTaskHandler handles POST /api/tasks.
func (s *Server) createTaskHandler(c *echo.Context) error {
	var req orchestrator.SubmitRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	task, err := s.orch.Submit(req)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusCreated, task)
}

// listTasksHandler handles GET /api/tasks.
func (s *Server) listTasksHandler(c *echo.Context) error {
	status := models.TaskStatus(c.QueryParam("status"))
	if status != "" && !models.ValidTaskStatus(status) {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid status: "+string(status))
	}

	limit := 0
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid limit: must be a non-negative integer")
		}
		limit = n
	}

	return c.JSON(http.StatusOK, s.store.List(status, limit))
}

// getTaskHandler handles GET /api/tasks/:id.
func (s *Server) getTaskHandler(c *echo.Context) error {
	task, err := s.store.Get(c.Param("id"))
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, task)
}

// approveTaskHandler handles POST /api/tasks/:id/approve.
func (s *Server) approveTaskHandler(c *echo.Context) error {
	var req approveRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	actor := req.Actor
	if actor == "" {
		actor = "operator"
	}

	task, err := s.orch.Approve(c.Param("id"), req.Approved, actor, req.Reason)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, task)
}

// cancelTaskHandler handles POST /api/tasks/:id/cancel.
func (s *Server) cancelTaskHandler(c *echo.Context) error {
	task, err := s.orch.Cancel(c.Param("id"), "operator")
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, task)
}
