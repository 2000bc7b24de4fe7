package store

import (
	"errors"
	"fmt"

	"github.com/drover-io/drover/pkg/models"
)

// ErrNotFound means no task with the requested id exists.
var ErrNotFound = errors.New("task not found")

// InvalidTransitionError reports a rejected edge in the task lifecycle.
type InvalidTransitionError struct {
	TaskID string
	From   models.TaskStatus
	To     models.TaskStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("task %s: invalid transition %s -> %s", e.TaskID, e.From, e.To)
}

// ValidationError reports a rejected request field.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Msg)
}
