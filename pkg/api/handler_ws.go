package api

import (
	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"
)

// clientWSHandler handles GET /ws/client: UI observers.
func (s *Server) clientWSHandler(c *echo.Context) error {
	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		// TODO: replace with an OriginPatterns allowlist from config once
		// the dashboard's serving origin is settled.
		InsecureSkipVerify: true,
	})
	if err != nil {
		return err
	}

	// Blocks until the WebSocket closes.
	s.bus.HandleClient(c.Request().Context(), conn)
	return nil
}

// agentWSHandler handles GET /ws/agent: worker agents.
func (s *Server) agentWSHandler(c *echo.Context) error {
	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return err
	}

	s.hub.HandleConnection(c.Request().Context(), conn)
	return nil
}
