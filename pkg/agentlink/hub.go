// Package agentlink terminates agent WebSocket connections: it enforces the
// hello handshake, feeds heartbeats to the registry, and routes execution
// messages to the dispatcher.
package agentlink

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/coder/websocket"

	"github.com/drover-io/drover/pkg/config"
	"github.com/drover-io/drover/pkg/dispatch"
	"github.com/drover-io/drover/pkg/models"
	"github.com/drover-io/drover/pkg/registry"
)

// Hub owns the agent connection lifecycle.
type Hub struct {
	cfg  config.DispatchConfig
	reg  *registry.Registry
	disp *dispatch.Dispatcher
}

// NewHub builds an agent connection hub.
func NewHub(cfg config.DispatchConfig, reg *registry.Registry, disp *dispatch.Dispatcher) *Hub {
	return &Hub{cfg: cfg, reg: reg, disp: disp}
}

// helloMessage is the first frame an agent must send after connecting.
type helloMessage struct {
	Type string `json:"type"`
	models.AgentHello
}

// heartbeatMessage carries a telemetry sample.
type heartbeatMessage struct {
	Type      string           `json:"type"`
	Telemetry models.Telemetry `json:"telemetry"`
}

type envelope struct {
	Type string `json:"type"`
}

// HandleConnection runs one agent connection to completion. The agent must
// identify itself within the hello deadline or the connection is dropped.
func (h *Hub) HandleConnection(ctx context.Context, conn *websocket.Conn) {
	helloCtx, cancel := context.WithTimeout(ctx, h.cfg.HelloDeadline)
	_, data, err := conn.Read(helloCtx)
	cancel()
	if err != nil {
		slog.Warn("Agent connection closed before hello", "error", err)
		_ = conn.Close(websocket.StatusPolicyViolation, "hello deadline exceeded")
		return
	}

	var hello helloMessage
	if err := json.Unmarshal(data, &hello); err != nil || hello.Type != "agent_hello" {
		slog.Warn("Agent connection opened with a non-hello frame", "error", err)
		_ = conn.Close(websocket.StatusPolicyViolation, "expected agent_hello")
		return
	}

	wc := &wsConn{conn: conn, writeTimeout: 10 * time.Second}
	agent, err := h.reg.Register(hello.AgentHello, wc)
	if err != nil {
		slog.Warn("Agent registration rejected", "error", err)
		_ = conn.Close(websocket.StatusPolicyViolation, err.Error())
		return
	}
	defer h.reg.Disconnect(agent.ID, wc)

	h.readLoop(ctx, conn, agent.ID)
}

func (h *Hub) readLoop(ctx context.Context, conn *websocket.Conn, agentID string) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			slog.Warn("Invalid agent message", "agent_id", agentID, "error", err)
			continue
		}

		switch env.Type {
		case "heartbeat":
			var hb heartbeatMessage
			if err := json.Unmarshal(data, &hb); err != nil {
				slog.Warn("Invalid heartbeat", "agent_id", agentID, "error", err)
				continue
			}
			if err := h.reg.Heartbeat(agentID, hb.Telemetry); err != nil {
				slog.Warn("Heartbeat for unregistered agent", "agent_id", agentID, "error", err)
			}

		case "task_output", "command_result":
			var msg dispatch.AgentMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				slog.Warn("Invalid execution message", "agent_id", agentID, "error", err)
				continue
			}
			h.disp.Deliver(msg)

		case "ack":
			// Delivery acknowledgements carry no state the controller tracks.

		default:
			slog.Warn("Unknown agent message type", "agent_id", agentID, "type", env.Type)
		}
	}
}

// wsConn adapts a WebSocket connection to the registry's AgentConn.
type wsConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
}

func (c *wsConn) Send(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, c.writeTimeout)
	defer cancel()
	return c.conn.Write(writeCtx, websocket.MessageText, data)
}

func (c *wsConn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}
