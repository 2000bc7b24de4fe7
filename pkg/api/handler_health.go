package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/drover-io/drover/pkg/version"
)

// rootHandler handles GET /.
func (s *Server) rootHandler(c *echo.Context) error {
	total, _, _ := s.reg.Counts()
	return c.JSON(http.StatusOK, rootResponse{
		Name:    "drover",
		Version: version.Version,
		Agents:  total,
		Tasks:   s.store.Count(),
	})
}

// healthHandler handles GET /health. The controller is healthy as long as it
// is serving; fleet emptiness is information, not illness.
func (s *Server) healthHandler(c *echo.Context) error {
	total, online, available := s.reg.Counts()
	return c.JSON(http.StatusOK, healthResponse{
		Status:  "healthy",
		Version: version.GitCommit,
		Planner: s.orch.Provider(),
		Agents: agentCounts{
			Total:     total,
			Online:    online,
			Available: available,
		},
		AuditWriteFailures: s.audit.Failures(),
	})
}
