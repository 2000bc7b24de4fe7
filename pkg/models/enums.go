package models

// AgentStatus is the liveness state of a connected agent.
type AgentStatus string

const (
	AgentOnline  AgentStatus = "online"
	AgentBusy    AgentStatus = "busy"
	AgentOffline AgentStatus = "offline"
)

// TaskStatus is a node in the task lifecycle graph.
type TaskStatus string

const (
	TaskPending          TaskStatus = "pending"
	TaskPlanning         TaskStatus = "planning"
	TaskAwaitingApproval TaskStatus = "awaiting_approval"
	TaskReady            TaskStatus = "ready"
	TaskRunning          TaskStatus = "running"
	TaskCompleted        TaskStatus = "completed"
	TaskFailed           TaskStatus = "failed"
	TaskRejected         TaskStatus = "rejected"
	TaskCancelled        TaskStatus = "cancelled"
)

// ValidTaskStatus reports whether s is a known status value.
func ValidTaskStatus(s TaskStatus) bool {
	switch s {
	case TaskPending, TaskPlanning, TaskAwaitingApproval, TaskReady,
		TaskRunning, TaskCompleted, TaskFailed, TaskRejected, TaskCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether s is a sink in the transition graph.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskRejected, TaskCancelled:
		return true
	}
	return false
}

// taskTransitions is the legal transition graph. Terminal states have no
// outgoing edges. Cancellation from any non-terminal state is handled as an
// extra edge here rather than special-cased by callers.
var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskPending:          {TaskPlanning, TaskCancelled},
	TaskPlanning:         {TaskAwaitingApproval, TaskReady, TaskFailed, TaskCancelled},
	TaskAwaitingApproval: {TaskReady, TaskRejected, TaskCancelled},
	TaskReady:            {TaskRunning, TaskFailed, TaskCompleted, TaskCancelled},
	TaskRunning:          {TaskCompleted, TaskFailed, TaskCancelled},
}

// CanTransition reports whether from → to is a legal edge.
func CanTransition(from, to TaskStatus) bool {
	for _, next := range taskTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// RiskLevel is the planner's advisory risk tag on a plan.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// rank orders risk levels for max comparisons. Unknown values rank lowest.
func (r RiskLevel) rank() int {
	switch r {
	case RiskHigh:
		return 3
	case RiskMedium:
		return 2
	case RiskLow:
		return 1
	}
	return 0
}

// AtLeast reports whether r is at or above other.
func (r RiskLevel) AtLeast(other RiskLevel) bool { return r.rank() >= other.rank() }

// MaxRisk returns the higher of two risk levels.
func MaxRisk(a, b RiskLevel) RiskLevel {
	if b.rank() > a.rank() {
		return b
	}
	return a
}

// ValidRiskLevel reports whether r is a known risk value.
func ValidRiskLevel(r RiskLevel) bool {
	return r == RiskLow || r == RiskMedium || r == RiskHigh
}

// WorkspaceType names the execution context kind on the agent side.
type WorkspaceType string

const (
	WorkspaceBare   WorkspaceType = "bare"
	WorkspaceDocker WorkspaceType = "docker"
	WorkspaceVenv   WorkspaceType = "venv"
)

// ValidWorkspaceType reports whether w is a known workspace type.
func ValidWorkspaceType(w WorkspaceType) bool {
	return w == WorkspaceBare || w == WorkspaceDocker || w == WorkspaceVenv
}
