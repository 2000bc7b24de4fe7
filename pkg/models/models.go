// Package models defines the controller's core data model: agents, plans,
// commands, tasks, and the task transition graph. Types here are plain
// structs with JSON tags; no transport or vendor types appear.
package models

import "time"

// Command timeout bounds (seconds). Absent timeouts default to
// DefaultCommandTimeout; explicit values are clamped to the upper bound and
// rejected below the lower one.
const (
	MinCommandTimeout     = 1
	MaxCommandTimeout     = 3600
	DefaultCommandTimeout = 300
)

// Telemetry is a rolling sample of agent host metrics.
type Telemetry struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	DiskPercent   float64 `json:"disk_percent"`
	Load1         float64 `json:"load1"`
}

// Agent is the registry's view of a remote worker. The outbound channel is
// owned by the registry and never serialized; an Agent value is safe to hand
// to the API and the event bus as-is.
type Agent struct {
	ID              string            `json:"id"`
	Hostname        string            `json:"hostname"`
	DisplayName     string            `json:"display_name,omitempty"`
	Roles           []string          `json:"roles"`
	Tags            []string          `json:"tags"`
	Capabilities    map[string]string `json:"capabilities"`
	Status          AgentStatus       `json:"status"`
	LastHeartbeat   time.Time         `json:"last_heartbeat"`
	Telemetry       Telemetry         `json:"telemetry"`
	ActiveTaskCount int               `json:"active_task_count"`
}

// HasRole reports whether the agent carries the given role tag.
func (a *Agent) HasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Concurrent reports whether the agent advertises the concurrent=true
// capability, allowing interleaved tasks.
func (a *Agent) Concurrent() bool {
	return a.Capabilities["concurrent"] == "true"
}

// AgentHello is the registration payload an agent sends on connect.
type AgentHello struct {
	ID           string            `json:"id"`
	Hostname     string            `json:"hostname"`
	DisplayName  string            `json:"display_name,omitempty"`
	Roles        []string          `json:"roles"`
	Tags         []string          `json:"tags"`
	Capabilities map[string]string `json:"capabilities"`
}

// Command is one immutable shell step of a plan.
type Command struct {
	Dir             string            `json:"dir"`
	Run             string            `json:"run"`
	TimeoutSeconds  int               `json:"timeout_seconds"`
	ContinueOnError bool              `json:"continue_on_error"`
	Env             map[string]string `json:"env,omitempty"`
}

// Plan is an ordered command sequence targeted at one agent and workspace.
type Plan struct {
	TargetAgentID    string        `json:"target_agent_id,omitempty"`
	TargetRole       string        `json:"target_role,omitempty"`
	Workspace        string        `json:"workspace"`
	WorkspaceType    WorkspaceType `json:"workspace_type"`
	Steps            []string      `json:"steps"`
	Reasoning        string        `json:"reasoning"`
	RiskLevel        RiskLevel     `json:"risk_level"`
	RequiresApproval bool          `json:"requires_approval"`
	Commands         []Command     `json:"commands"`
}

// CommandResult records the terminal outcome of one command of a task.
type CommandResult struct {
	TaskID       string    `json:"task_id"`
	CommandIndex int       `json:"command_index"`
	ExitCode     int       `json:"exit_code"`
	Stdout       string    `json:"stdout"`
	Stderr       string    `json:"stderr"`
	DurationMS   int64     `json:"duration_ms"`
	CompletedAt  time.Time `json:"completed_at"`
}

// Synthetic exit codes recorded when a command did not finish on its own.
const (
	ExitCancelled    = -1
	ExitTimedOut     = -2
	ExitDisconnected = -3
)

// ApprovalRecord captures who decided an approval gate and why.
type ApprovalRecord struct {
	Approved  bool      `json:"approved"`
	Actor     string    `json:"actor"`
	Reason    string    `json:"reason,omitempty"`
	DecidedAt time.Time `json:"decided_at"`
}

// Task is a tracked unit of work. Version increases by exactly one on every
// mutation; the event bus uses it to coalesce duplicate broadcasts.
type Task struct {
	ID              string          `json:"id"`
	Request         string          `json:"request"`
	Status          TaskStatus      `json:"status"`
	Plan            *Plan           `json:"plan,omitempty"`
	AssignedAgentID string          `json:"assigned_agent_id,omitempty"`
	Results         []CommandResult `json:"results"`
	Output          string          `json:"output"`
	Error           string          `json:"error,omitempty"`
	Approval        *ApprovalRecord `json:"approval,omitempty"`
	SkipApproval    bool            `json:"skip_approval,omitempty"`
	Version         int64           `json:"version"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Clone returns a deep copy safe to hand across goroutine boundaries.
func (t *Task) Clone() Task {
	out := *t
	if t.Plan != nil {
		p := *t.Plan
		p.Steps = append([]string(nil), t.Plan.Steps...)
		p.Commands = append([]Command(nil), t.Plan.Commands...)
		out.Plan = &p
	}
	if t.Approval != nil {
		a := *t.Approval
		out.Approval = &a
	}
	out.Results = append([]CommandResult(nil), t.Results...)
	return out
}
