package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drover-io/drover/pkg/agentlink"
	"github.com/drover-io/drover/pkg/audit"
	"github.com/drover-io/drover/pkg/bus"
	"github.com/drover-io/drover/pkg/config"
	"github.com/drover-io/drover/pkg/dispatch"
	"github.com/drover-io/drover/pkg/models"
	"github.com/drover-io/drover/pkg/orchestrator"
	"github.com/drover-io/drover/pkg/planner"
	"github.com/drover-io/drover/pkg/registry"
	"github.com/drover-io/drover/pkg/safety"
	"github.com/drover-io/drover/pkg/store"
)

// quietConn accepts anything the controller sends and answers every
// command_execute with a zero exit, so dispatched tasks finish.
type quietConn struct {
	disp *dispatch.Dispatcher
}

func (c *quietConn) Send(_ context.Context, v any) error {
	if exec, ok := v.(dispatch.CommandExecute); ok {
		go c.disp.Deliver(dispatch.AgentMessage{
			Type:         "command_result",
			TaskID:       exec.TaskID,
			CommandIndex: exec.CommandIndex,
			ExitCode:     0,
		})
	}
	return nil
}

func (c *quietConn) Close() error { return nil }

type apiFixture struct {
	ts    *httptest.Server
	store *store.Store
	reg   *registry.Registry
	conn  *quietConn
}

func newAPIFixture(t *testing.T) *apiFixture {
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

	dispCfg := config.DispatchConfig{
		NetworkSlack:  50 * time.Millisecond,
		CancelGrace:   30 * time.Millisecond,
		HelloDeadline: time.Second,
	}
	disp := dispatch.New(dispCfg, reg, st, b, log)
	reg.SetOnAgentDown(disp.AgentDisconnected)

	orch := orchestrator.New(st, reg, disp, planner.StubPlanner{}, safety.New(), log, 2*time.Second)
	hub := agentlink.NewHub(dispCfg, reg, disp)
	srv := NewServer("0", orch, reg, st, b, hub, log)

	ts := httptest.NewServer(srv.httpSrv.Handler)
	t.Cleanup(ts.Close)

	conn := &quietConn{disp: disp}
	_, err := reg.Register(models.AgentHello{
		ID:       "web-1",
		Hostname: "web-1.internal",
		Roles:    []string{"web"},
	}, conn)
	require.NoError(t, err)

	return &apiFixture{ts: ts, store: st, reg: reg, conn: conn}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, f.ts.URL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := f.ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var decoded map[string]any
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &decoded), "body: %s", raw)
	}
	return resp.StatusCode, decoded
}

// doList is do for the list endpoints, which return bare JSON arrays.
func (f *apiFixture) doList(t *testing.T, path string) (int, []map[string]any) {
	t.Helper()
	resp, err := f.ts.Client().Get(f.ts.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var decoded []map[string]any
	if resp.StatusCode == http.StatusOK {
		require.NoError(t, json.Unmarshal(raw, &decoded), "body: %s", raw)
	}
	return resp.StatusCode, decoded
}

func (f *apiFixture) waitStatus(t *testing.T, taskID string, want models.TaskStatus) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		task, err := f.store.Get(taskID)
		require.NoError(t, err)
		if task.Status == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	task, _ := f.store.Get(taskID)
	t.Fatalf("task never reached %s, stuck at %s", want, task.Status)
}

func TestRootEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	code, body := f.do(t, http.MethodGet, "/", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "drover", body["name"])
	assert.Equal(t, float64(1), body["agents"])
}

func TestHealthEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	code, body := f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "stub", body["planner"])
	agents := body["agents"].(map[string]any)
	assert.Equal(t, float64(1), agents["online"])
}

func TestMetricsEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	resp, err := f.ts.Client().Get(f.ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "drover_")
}

func TestSecurityHeaders(t *testing.T) {
	f := newAPIFixture(t)

	resp, err := f.ts.Client().Get(f.ts.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	for name, want := range securityHeaderSet {
		assert.Equal(t, want, resp.Header.Get(name), name)
	}
}

func TestListAgents(t *testing.T) {
	f := newAPIFixture(t)

	code, agents := f.doList(t, "/api/agents")
	assert.Equal(t, http.StatusOK, code)
	require.Len(t, agents, 1)
	assert.Equal(t, "web-1", agents[0]["id"])

	code, agents = f.doList(t, "/api/agents?status=offline")
	assert.Equal(t, http.StatusOK, code)
	assert.Empty(t, agents)

	code, body := f.do(t, http.MethodGet, "/api/agents?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, body["detail"], "invalid status")
}

func TestGetAgent(t *testing.T) {
	f := newAPIFixture(t)

	code, body := f.do(t, http.MethodGet, "/api/agents/web-1", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "web-1.internal", body["hostname"])

	code, body = f.do(t, http.MethodGet, "/api/agents/ghost", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "resource not found", body["detail"])
}

func TestDeleteAgent(t *testing.T) {
	f := newAPIFixture(t)

	code, _ := f.do(t, http.MethodDelete, "/api/agents/web-1", nil)
	assert.Equal(t, http.StatusNoContent, code)

	code, _ = f.do(t, http.MethodGet, "/api/agents/web-1", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestPingAgent(t *testing.T) {
	f := newAPIFixture(t)

	code, body := f.do(t, http.MethodPost, "/api/agents/web-1/ping", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "sent", body["status"])

	code, _ = f.do(t, http.MethodPost, "/api/agents/ghost/ping", nil)
	assert.Equal(t, http.StatusNotFound, code)

	// An offline agent is known but unreachable.
	f.reg.Disconnect("web-1", f.conn)
	code, _ = f.do(t, http.MethodPost, "/api/agents/web-1/ping", nil)
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func TestCreateTask(t *testing.T) {
	f := newAPIFixture(t)

	code, body := f.do(t, http.MethodPost, "/api/tasks", map[string]any{
		"request": "check status of the fleet",
	})
	require.Equal(t, http.StatusCreated, code)
	taskID := body["id"].(string)
	assert.Equal(t, "pending", body["status"])

	f.waitStatus(t, taskID, models.TaskCompleted)

	code, body = f.do(t, http.MethodGet, "/api/tasks/"+taskID, nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "completed", body["status"])
	assert.Equal(t, "web-1", body["assigned_agent_id"])
}

func TestCreateTaskValidation(t *testing.T) {
	f := newAPIFixture(t)

	code, body := f.do(t, http.MethodPost, "/api/tasks", map[string]any{"request": ""})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, body["detail"], "request")
}

func TestListTasks(t *testing.T) {
	f := newAPIFixture(t)

	code, body := f.do(t, http.MethodPost, "/api/tasks", map[string]any{"request": "check status"})
	require.Equal(t, http.StatusCreated, code)
	f.waitStatus(t, body["id"].(string), models.TaskCompleted)

	code, tasks := f.doList(t, "/api/tasks")
	assert.Equal(t, http.StatusOK, code)
	require.Len(t, tasks, 1)
	assert.Equal(t, "completed", tasks[0]["status"])

	code, tasks = f.doList(t, "/api/tasks?status=completed&limit=10")
	assert.Equal(t, http.StatusOK, code)
	assert.Len(t, tasks, 1)

	code, _ = f.do(t, http.MethodGet, "/api/tasks?status=nonsense", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = f.do(t, http.MethodGet, "/api/tasks?limit=-3", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestGetTaskNotFound(t *testing.T) {
	f := newAPIFixture(t)

	code, body := f.do(t, http.MethodGet, "/api/tasks/nope", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "resource not found", body["detail"])
}

func TestApproveFlow(t *testing.T) {
	f := newAPIFixture(t)

	// "deploy" plans land at medium risk and gate on approval.
	code, body := f.do(t, http.MethodPost, "/api/tasks", map[string]any{"request": "deploy the app"})
	require.Equal(t, http.StatusCreated, code)
	taskID := body["id"].(string)
	f.waitStatus(t, taskID, models.TaskAwaitingApproval)

	code, body = f.do(t, http.MethodPost, "/api/tasks/"+taskID+"/approve", map[string]any{
		"approved": true,
		"actor":    "alice",
	})
	require.Equal(t, http.StatusOK, code)
	approval := body["approval"].(map[string]any)
	assert.Equal(t, true, approval["approved"])
	assert.Equal(t, "alice", approval["actor"])

	f.waitStatus(t, taskID, models.TaskCompleted)

	// Reversing a settled decision conflicts.
	code, body = f.do(t, http.MethodPost, "/api/tasks/"+taskID+"/approve", map[string]any{
		"approved": false,
	})
	assert.Equal(t, http.StatusConflict, code)
	assert.Contains(t, body["detail"], "not awaiting approval")
}

func TestRejectFlow(t *testing.T) {
	f := newAPIFixture(t)

	code, body := f.do(t, http.MethodPost, "/api/tasks", map[string]any{"request": "deploy the app"})
	require.Equal(t, http.StatusCreated, code)
	taskID := body["id"].(string)
	f.waitStatus(t, taskID, models.TaskAwaitingApproval)

	code, body = f.do(t, http.MethodPost, "/api/tasks/"+taskID+"/approve", map[string]any{
		"approved": false,
		"reason":   "not now",
	})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "rejected", body["status"])
	// Actor defaults when the request omits it.
	assert.Equal(t, "plan rejected by operator", body["error"])
}

func TestCancelTask(t *testing.T) {
	f := newAPIFixture(t)

	code, body := f.do(t, http.MethodPost, "/api/tasks", map[string]any{"request": "deploy the app"})
	require.Equal(t, http.StatusCreated, code)
	taskID := body["id"].(string)
	f.waitStatus(t, taskID, models.TaskAwaitingApproval)

	code, body = f.do(t, http.MethodPost, "/api/tasks/"+taskID+"/cancel", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "cancelled", body["status"])

	// Cancelling again is a harmless no-op.
	code, body = f.do(t, http.MethodPost, "/api/tasks/"+taskID+"/cancel", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "cancelled", body["status"])
}
