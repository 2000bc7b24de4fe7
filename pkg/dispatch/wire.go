package dispatch

// Wire messages exchanged with agents over their WebSocket. The controller
// sends command_execute and command_cancel; agents reply with task_output
// chunks and one command_result per command.

// CommandExecute instructs an agent to run one command.
type CommandExecute struct {
	Type           string            `json:"type"`
	TaskID         string            `json:"task_id"`
	CommandIndex   int               `json:"command_index"`
	Dir            string            `json:"dir"`
	Run            string            `json:"run"`
	TimeoutSeconds int               `json:"timeout_seconds"`
	Env            map[string]string `json:"env,omitempty"`
}

// CommandCancel asks an agent to kill the named command.
type CommandCancel struct {
	Type         string `json:"type"`
	TaskID       string `json:"task_id"`
	CommandIndex int    `json:"command_index"`
}

// AgentMessage is an inbound execution message from an agent.
type AgentMessage struct {
	Type         string `json:"type"`
	TaskID       string `json:"task_id"`
	CommandIndex int    `json:"command_index"`

	// task_output fields.
	Stream  string `json:"stream,omitempty"`
	Content string `json:"content,omitempty"`

	// command_result fields. Stdout is not carried here; it already arrived
	// as chunks.
	ExitCode   int    `json:"exit_code,omitempty"`
	Stderr     string `json:"stderr,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`
}

const (
	msgCommandExecute = "command_execute"
	msgCommandCancel  = "command_cancel"
	msgTaskOutput     = "task_output"
	msgCommandResult  = "command_result"
)
