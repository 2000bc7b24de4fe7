package agentlink

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drover-io/drover/pkg/audit"
	"github.com/drover-io/drover/pkg/bus"
	"github.com/drover-io/drover/pkg/config"
	"github.com/drover-io/drover/pkg/dispatch"
	"github.com/drover-io/drover/pkg/models"
	"github.com/drover-io/drover/pkg/registry"
	"github.com/drover-io/drover/pkg/store"
)

type hubFixture struct {
	ts    *httptest.Server
	reg   *registry.Registry
	store *store.Store
	disp  *dispatch.Dispatcher
}

func newHubFixture(t *testing.T, helloDeadline time.Duration) *hubFixture {
	t.Helper()
	st := store.New()
	reg := registry.New(time.Minute)
	b := bus.New(config.BusConfig{
		QueueSize:    64,
		BatchWindow:  time.Millisecond,
		PublishWait:  time.Millisecond,
		WriteTimeout: time.Second,
	})
	log := audit.NewLog(t.TempDir())
	t.Cleanup(func() { log.Close() })

	cfg := config.DispatchConfig{
		NetworkSlack:  50 * time.Millisecond,
		CancelGrace:   30 * time.Millisecond,
		HelloDeadline: helloDeadline,
	}
	disp := dispatch.New(cfg, reg, st, b, log)
	reg.SetOnAgentDown(disp.AgentDisconnected)
	hub := NewHub(cfg, reg, disp)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		hub.HandleConnection(r.Context(), conn)
	}))
	t.Cleanup(ts.Close)

	return &hubFixture{ts: ts, reg: reg, store: st, disp: disp}
}

func (f *hubFixture) dial(t *testing.T, ctx context.Context) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.ts.URL, "http")
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	return conn
}

func sendJSON(t *testing.T, ctx context.Context, conn *websocket.Conn, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, conn.Write(ctx, websocket.MessageText, data))
}

func waitAgentStatus(t *testing.T, reg *registry.Registry, id string, want models.AgentStatus) models.Agent {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		agent, err := reg.Get(id)
		if err == nil && agent.Status == want {
			return agent
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("agent %s never reached status %s", id, want)
	return models.Agent{}
}

func TestHandleConnection_HelloRegistersAgent(t *testing.T) {
	f := newHubFixture(t, time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	conn := f.dial(t, ctx)
	defer conn.Close(websocket.StatusNormalClosure, "")

	sendJSON(t, ctx, conn, map[string]any{
		"type":     "agent_hello",
		"id":       "web-1",
		"hostname": "web-1.internal",
		"roles":    []string{"web"},
	})

	agent := waitAgentStatus(t, f.reg, "web-1", models.AgentOnline)
	assert.Equal(t, "web-1.internal", agent.Hostname)
	assert.Equal(t, []string{"web"}, agent.Roles)
}

func TestHandleConnection_HeartbeatUpdatesTelemetry(t *testing.T) {
	f := newHubFixture(t, time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	conn := f.dial(t, ctx)
	defer conn.Close(websocket.StatusNormalClosure, "")

	sendJSON(t, ctx, conn, map[string]any{"type": "agent_hello", "id": "web-1", "hostname": "web-1"})
	waitAgentStatus(t, f.reg, "web-1", models.AgentOnline)

	sendJSON(t, ctx, conn, map[string]any{
		"type":      "heartbeat",
		"telemetry": map[string]any{"cpu_percent": 42.5, "memory_percent": 60.0},
	})

	require.Eventually(t, func() bool {
		agent, err := f.reg.Get("web-1")
		return err == nil && agent.Telemetry.CPUPercent == 42.5
	}, 2*time.Second, 5*time.Millisecond)
}

func TestHandleConnection_HelloDeadline(t *testing.T) {
	f := newHubFixture(t, 50*time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	conn := f.dial(t, ctx)
	// Say nothing; the hub must drop the connection.
	_, _, err := conn.Read(ctx)
	require.Error(t, err)
	var closeErr websocket.CloseError
	if assert.ErrorAs(t, err, &closeErr) {
		assert.Equal(t, websocket.StatusPolicyViolation, closeErr.Code)
	}
}

func TestHandleConnection_NonHelloFirstFrame(t *testing.T) {
	f := newHubFixture(t, time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	conn := f.dial(t, ctx)
	sendJSON(t, ctx, conn, map[string]any{"type": "heartbeat"})

	_, _, err := conn.Read(ctx)
	require.Error(t, err)
	var closeErr websocket.CloseError
	if assert.ErrorAs(t, err, &closeErr) {
		assert.Equal(t, websocket.StatusPolicyViolation, closeErr.Code)
	}
	_, getErr := f.reg.Get("web-1")
	assert.Error(t, getErr)
}

func TestHandleConnection_HelloMissingID(t *testing.T) {
	f := newHubFixture(t, time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	conn := f.dial(t, ctx)
	sendJSON(t, ctx, conn, map[string]any{"type": "agent_hello", "hostname": "anon"})

	_, _, err := conn.Read(ctx)
	require.Error(t, err)
	var closeErr websocket.CloseError
	if assert.ErrorAs(t, err, &closeErr) {
		assert.Equal(t, websocket.StatusPolicyViolation, closeErr.Code)
	}
}

func TestHandleConnection_DisconnectMarksOffline(t *testing.T) {
	f := newHubFixture(t, time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	conn := f.dial(t, ctx)
	sendJSON(t, ctx, conn, map[string]any{"type": "agent_hello", "id": "web-1", "hostname": "web-1"})
	waitAgentStatus(t, f.reg, "web-1", models.AgentOnline)

	conn.Close(websocket.StatusNormalClosure, "")

	waitAgentStatus(t, f.reg, "web-1", models.AgentOffline)
}

func TestHandleConnection_ExecutesCommands(t *testing.T) {
	f := newHubFixture(t, time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := f.dial(t, ctx)
	defer conn.Close(websocket.StatusNormalClosure, "")
	sendJSON(t, ctx, conn, map[string]any{"type": "agent_hello", "id": "web-1", "hostname": "web-1"})
	waitAgentStatus(t, f.reg, "web-1", models.AgentOnline)

	task, err := f.store.Create("run uptime", false)
	require.NoError(t, err)
	_, err = f.store.Transition(task.ID, models.TaskPlanning, nil)
	require.NoError(t, err)
	_, err = f.store.Transition(task.ID, models.TaskReady, func(tt *models.Task) {
		tt.Plan = &models.Plan{
			Workspace:     ".",
			WorkspaceType: models.WorkspaceBare,
			Commands:      []models.Command{{Dir: ".", Run: "uptime", TimeoutSeconds: 30}},
		}
	})
	require.NoError(t, err)
	f.disp.Dispatch(task.ID)

	// Play the agent: read the command, stream a chunk, report success.
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var exec dispatch.CommandExecute
	require.NoError(t, json.Unmarshal(data, &exec))
	assert.Equal(t, "command_execute", exec.Type)
	assert.Equal(t, "uptime", exec.Run)

	sendJSON(t, ctx, conn, map[string]any{
		"type": "task_output", "task_id": exec.TaskID, "command_index": exec.CommandIndex,
		"stream": "stdout", "content": "up 3 days\n",
	})
	sendJSON(t, ctx, conn, map[string]any{
		"type": "command_result", "task_id": exec.TaskID, "command_index": exec.CommandIndex,
		"exit_code": 0, "duration_ms": 12,
	})

	require.Eventually(t, func() bool {
		done, err := f.store.Get(task.ID)
		return err == nil && done.Status == models.TaskCompleted
	}, 3*time.Second, 5*time.Millisecond)

	done, err := f.store.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, "[cmd 0] up 3 days\n", done.Output)
	require.Len(t, done.Results, 1)
	assert.Equal(t, "up 3 days\n", done.Results[0].Stdout)
}
