// Package registry tracks connected agents: identity, liveness, telemetry,
// and the outbound connection used to reach each one.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/drover-io/drover/pkg/metrics"
	"github.com/drover-io/drover/pkg/models"
)

var (
	// ErrAgentNotFound means no agent with that id has ever registered or it
	// was removed.
	ErrAgentNotFound = errors.New("agent not found")
	// ErrAgentUnavailable means the requested agent (or role) has no online
	// member to take work.
	ErrAgentUnavailable = errors.New("no suitable agent available")
)

// AgentConn is the outbound half of an agent's WebSocket connection.
type AgentConn interface {
	Send(ctx context.Context, v any) error
	Close() error
}

// Events receives agent lifecycle broadcasts. Implemented by the UI event
// bus; a nil Events is legal and drops the notifications.
type Events interface {
	AgentConnected(agent models.Agent)
	AgentDisconnected(agent models.Agent)
	AgentUpdated(agent models.Agent)
}

type entry struct {
	agent     models.Agent
	conn      AgentConn
	beatCount int
}

// Registry is the in-memory agent table. All methods are safe for concurrent
// use.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*entry

	events Events
	// onAgentDown is invoked (outside the lock) when a connected agent drops
	// or is reaped, so in-flight work can be failed over.
	onAgentDown func(agentID string)

	heartbeatTimeout time.Duration
}

// New builds an empty registry.
func New(heartbeatTimeout time.Duration) *Registry {
	return &Registry{
		agents:           make(map[string]*entry),
		heartbeatTimeout: heartbeatTimeout,
	}
}

// SetEvents wires the lifecycle broadcast sink. Call before serving traffic.
func (r *Registry) SetEvents(ev Events) { r.events = ev }

// SetOnAgentDown wires the disconnect hook. Call before serving traffic.
func (r *Registry) SetOnAgentDown(fn func(agentID string)) { r.onAgentDown = fn }

// Register adds or reconnects an agent. A reconnect wins: the previous
// connection is closed and replaced, preserving the agent's task counters.
func (r *Registry) Register(hello models.AgentHello, conn AgentConn) (models.Agent, error) {
	if hello.ID == "" {
		return models.Agent{}, fmt.Errorf("agent hello missing id")
	}

	var oldConn AgentConn
	r.mu.Lock()
	e, existed := r.agents[hello.ID]
	if existed {
		oldConn = e.conn
		e.conn = conn
	} else {
		e = &entry{}
		r.agents[hello.ID] = e
		e.conn = conn
	}
	wasOffline := !existed || e.agent.Status == models.AgentOffline
	active := e.agent.ActiveTaskCount
	e.agent = models.Agent{
		ID:              hello.ID,
		Hostname:        hello.Hostname,
		DisplayName:     hello.DisplayName,
		Roles:           hello.Roles,
		Tags:            hello.Tags,
		Capabilities:    hello.Capabilities,
		Status:          models.AgentOnline,
		LastHeartbeat:   time.Now(),
		ActiveTaskCount: active,
	}
	if active > 0 {
		e.agent.Status = models.AgentBusy
	}
	snapshot := e.agent
	r.mu.Unlock()

	if oldConn != nil {
		// Stale connection from a previous session; the agent has moved on.
		_ = oldConn.Close()
	}
	if wasOffline {
		metrics.AgentsConnected.Inc()
	}
	slog.Info("Agent registered", "agent_id", hello.ID, "hostname", hello.Hostname, "reconnect", existed)
	if r.events != nil {
		r.events.AgentConnected(snapshot)
	}
	return snapshot, nil
}

// Heartbeat records a telemetry sample and refreshes liveness. Broadcasts
// agent_updated only when the sample moved meaningfully or periodically, so
// idle fleets do not flood observers.
func (r *Registry) Heartbeat(agentID string, t models.Telemetry) error {
	r.mu.Lock()
	e, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return ErrAgentNotFound
	}
	cameBack := e.agent.Status == models.AgentOffline
	if cameBack {
		e.agent.Status = models.AgentOnline
		if e.agent.ActiveTaskCount > 0 {
			e.agent.Status = models.AgentBusy
		}
	}
	prev := e.agent.Telemetry
	e.agent.Telemetry = t
	e.agent.LastHeartbeat = time.Now()
	e.beatCount++
	notify := cameBack || e.beatCount%10 == 0 || telemetryMoved(prev, t)
	snapshot := e.agent
	r.mu.Unlock()

	if cameBack {
		metrics.AgentsConnected.Inc()
	}
	if notify && r.events != nil {
		r.events.AgentUpdated(snapshot)
	}
	return nil
}

// telemetryMoved reports whether any metric changed by at least 5 points.
func telemetryMoved(a, b models.Telemetry) bool {
	const threshold = 5.0
	return math.Abs(a.CPUPercent-b.CPUPercent) >= threshold ||
		math.Abs(a.MemoryPercent-b.MemoryPercent) >= threshold ||
		math.Abs(a.DiskPercent-b.DiskPercent) >= threshold
}

// Disconnect marks an agent offline if conn is still its current connection.
// A stale disconnect (the agent already reconnected) is a no-op.
func (r *Registry) Disconnect(agentID string, conn AgentConn) {
	r.mu.Lock()
	e, ok := r.agents[agentID]
	if !ok || (conn != nil && e.conn != conn) {
		r.mu.Unlock()
		return
	}
	if e.agent.Status == models.AgentOffline {
		r.mu.Unlock()
		return
	}
	e.agent.Status = models.AgentOffline
	e.conn = nil
	snapshot := e.agent
	r.mu.Unlock()

	metrics.AgentsConnected.Dec()
	slog.Info("Agent disconnected", "agent_id", agentID)
	if r.events != nil {
		r.events.AgentDisconnected(snapshot)
	}
	if r.onAgentDown != nil {
		r.onAgentDown(agentID)
	}
}

// Get returns a snapshot of one agent.
func (r *Registry) Get(agentID string) (models.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.agents[agentID]
	if !ok {
		return models.Agent{}, ErrAgentNotFound
	}
	return e.agent, nil
}

// Remove deletes an agent from the registry entirely, closing any live
// connection. Used by the admin API.
func (r *Registry) Remove(agentID string) error {
	r.mu.Lock()
	e, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return ErrAgentNotFound
	}
	conn := e.conn
	wasOnline := e.agent.Status != models.AgentOffline
	snapshot := e.agent
	delete(r.agents, agentID)
	r.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if wasOnline {
		metrics.AgentsConnected.Dec()
		if r.events != nil {
			snapshot.Status = models.AgentOffline
			r.events.AgentDisconnected(snapshot)
		}
		if r.onAgentDown != nil {
			r.onAgentDown(agentID)
		}
	}
	slog.Info("Agent removed", "agent_id", agentID)
	return nil
}

// Snapshot returns all agents, optionally filtered by status and role.
func (r *Registry) Snapshot(status models.AgentStatus, role string) []models.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Agent, 0, len(r.agents))
	for _, e := range r.agents {
		if status != "" && e.agent.Status != status {
			continue
		}
		if role != "" && !e.agent.HasRole(role) {
			continue
		}
		out = append(out, e.agent)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Counts reports fleet totals for /health.
func (r *Registry) Counts() (total, online, available int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.agents {
		total++
		if e.agent.Status != models.AgentOffline {
			online++
		}
		if e.agent.Status == models.AgentOnline {
			available++
		}
	}
	return total, online, available
}

// Select picks an agent for a plan. An explicit target id must be online;
// otherwise candidates are filtered by role (when set) and ranked by lowest
// active task count, then lowest CPU, then lexicographic id.
func (r *Registry) Select(targetID, role string) (models.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if targetID != "" {
		e, ok := r.agents[targetID]
		if !ok {
			return models.Agent{}, fmt.Errorf("%w: agent %s", ErrAgentUnavailable, targetID)
		}
		if e.agent.Status == models.AgentOffline {
			return models.Agent{}, fmt.Errorf("%w: agent %s is offline", ErrAgentUnavailable, targetID)
		}
		return e.agent, nil
	}

	var candidates []models.Agent
	for _, e := range r.agents {
		if e.agent.Status == models.AgentOffline {
			continue
		}
		if role != "" && !e.agent.HasRole(role) {
			continue
		}
		candidates = append(candidates, e.agent)
	}
	if len(candidates) == 0 {
		if role != "" {
			return models.Agent{}, fmt.Errorf("%w: no online agent with role %s", ErrAgentUnavailable, role)
		}
		return models.Agent{}, fmt.Errorf("%w: no online agents", ErrAgentUnavailable)
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.ActiveTaskCount != b.ActiveTaskCount {
			return a.ActiveTaskCount < b.ActiveTaskCount
		}
		if a.Telemetry.CPUPercent != b.Telemetry.CPUPercent {
			return a.Telemetry.CPUPercent < b.Telemetry.CPUPercent
		}
		return a.ID < b.ID
	})
	return candidates[0], nil
}

// IncActive bumps an agent's active task counter and flips it to busy.
func (r *Registry) IncActive(agentID string) {
	r.setActive(agentID, +1)
}

// DecActive drops the counter and flips the agent back to online at zero.
func (r *Registry) DecActive(agentID string) {
	r.setActive(agentID, -1)
}

func (r *Registry) setActive(agentID string, delta int) {
	r.mu.Lock()
	e, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return
	}
	e.agent.ActiveTaskCount += delta
	if e.agent.ActiveTaskCount < 0 {
		e.agent.ActiveTaskCount = 0
	}
	if e.agent.Status != models.AgentOffline {
		if e.agent.ActiveTaskCount > 0 {
			e.agent.Status = models.AgentBusy
		} else {
			e.agent.Status = models.AgentOnline
		}
	}
	snapshot := e.agent
	r.mu.Unlock()

	if r.events != nil {
		r.events.AgentUpdated(snapshot)
	}
}

// SendTo delivers a message to an agent's current connection.
func (r *Registry) SendTo(ctx context.Context, agentID string, v any) error {
	r.mu.RLock()
	e, ok := r.agents[agentID]
	var conn AgentConn
	if ok {
		conn = e.conn
	}
	r.mu.RUnlock()

	if !ok {
		return ErrAgentNotFound
	}
	if conn == nil {
		return fmt.Errorf("%w: agent %s has no live connection", ErrAgentUnavailable, agentID)
	}
	return conn.Send(ctx, v)
}

// Reap marks agents whose heartbeat is older than the timeout as offline.
// Returns the ids reaped this pass.
func (r *Registry) Reap(now time.Time) []string {
	r.mu.Lock()
	var stale []string
	var conns []AgentConn
	var snapshots []models.Agent
	for id, e := range r.agents {
		if e.agent.Status == models.AgentOffline {
			continue
		}
		if now.Sub(e.agent.LastHeartbeat) > r.heartbeatTimeout {
			e.agent.Status = models.AgentOffline
			stale = append(stale, id)
			if e.conn != nil {
				conns = append(conns, e.conn)
				e.conn = nil
			}
			snapshots = append(snapshots, e.agent)
		}
	}
	r.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
	for i, id := range stale {
		metrics.AgentsConnected.Dec()
		slog.Warn("Agent heartbeat stale, marked offline", "agent_id", id)
		if r.events != nil {
			r.events.AgentDisconnected(snapshots[i])
		}
		if r.onAgentDown != nil {
			r.onAgentDown(id)
		}
	}
	return stale
}

// StartReaper runs Reap on the given interval until ctx is cancelled.
func (r *Registry) StartReaper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				r.Reap(now)
			}
		}
	}()
}
