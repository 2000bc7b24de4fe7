package bus

import "github.com/drover-io/drover/pkg/models"

// Event types fanned out to UI observers.
const (
	TypeInitialState        = "initial_state"
	TypeTaskUpdated         = "task_updated"
	TypeTaskOutput          = "task_output"
	TypeTaskOutputTruncated = "task_output_truncated"
	TypeCommandResult       = "command_result"
	TypeAgentConnected      = "agent_connected"
	TypeAgentDisconnected   = "agent_disconnected"
	TypeAgentUpdated        = "agent_updated"
	TypePong                = "pong"
)

// Event is one message on an observer's queue. Only the fields relevant to
// Type are populated; the rest are omitted from the JSON.
type Event struct {
	Type string `json:"type"`

	Task  *models.Task  `json:"task,omitempty"`
	Agent *models.Agent `json:"agent,omitempty"`

	TaskID       string `json:"task_id,omitempty"`
	CommandIndex int    `json:"command_index,omitempty"`
	Stream       string `json:"stream,omitempty"`
	Content      string `json:"content,omitempty"`

	Result *models.CommandResult `json:"result,omitempty"`

	// initial_state payload.
	Agents []models.Agent `json:"agents,omitempty"`
	Tasks  []models.Task  `json:"tasks,omitempty"`
}

// outputKey identifies a mergeable output stream.
type outputKey struct {
	taskID string
	index  int
	stream string
}

func (e Event) key() outputKey {
	return outputKey{taskID: e.TaskID, index: e.CommandIndex, stream: e.Stream}
}
