// Package orchestrator drives the task lifecycle: it accepts requests,
// plans them, runs the safety gate, and hands approved work to the
// dispatcher.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/drover-io/drover/pkg/audit"
	"github.com/drover-io/drover/pkg/dispatch"
	"github.com/drover-io/drover/pkg/models"
	"github.com/drover-io/drover/pkg/planner"
	"github.com/drover-io/drover/pkg/registry"
	"github.com/drover-io/drover/pkg/safety"
	"github.com/drover-io/drover/pkg/store"
)

// ErrApprovalConflict means an approval decision was attempted on a task
// that is not awaiting one (or contradicts an earlier decision).
var ErrApprovalConflict = errors.New("task is not awaiting approval")

// SubmitRequest is an operator's task submission.
type SubmitRequest struct {
	Request       string `json:"request"`
	TargetAgentID string `json:"target_agent_id,omitempty"`
	TargetRole    string `json:"target_role,omitempty"`
	SkipApproval  bool   `json:"skip_approval,omitempty"`
}

// Orchestrator wires the planning pipeline to the store and dispatcher.
type Orchestrator struct {
	store     *store.Store
	reg       *registry.Registry
	disp      *dispatch.Dispatcher
	planner   planner.Planner
	validator *safety.Validator
	audit     *audit.Log

	planTimeout time.Duration
}

// New builds an orchestrator.
func New(
	st *store.Store,
	reg *registry.Registry,
	disp *dispatch.Dispatcher,
	pl planner.Planner,
	val *safety.Validator,
	log *audit.Log,
	planTimeout time.Duration,
) *Orchestrator {
	return &Orchestrator{
		store:       st,
		reg:         reg,
		disp:        disp,
		planner:     pl,
		validator:   val,
		audit:       log,
		planTimeout: planTimeout,
	}
}

// Provider names the active planner backend.
func (o *Orchestrator) Provider() string { return o.planner.Provider() }

// Submit creates a task and starts planning it asynchronously.
func (o *Orchestrator) Submit(req SubmitRequest) (models.Task, error) {
	task, err := o.store.Create(req.Request, req.SkipApproval)
	if err != nil {
		return models.Task{}, err
	}
	o.audit.Write(audit.Record{
		TaskID:  task.ID,
		Event:   "task_created",
		Version: task.Version,
		Details: map[string]any{
			"target_agent_id": req.TargetAgentID,
			"target_role":     req.TargetRole,
			"skip_approval":   req.SkipApproval,
		},
	})

	go o.planTask(task.ID, req)
	return task, nil
}

// planTask runs the planning pipeline for one task. Any transition error
// along the way means the task was cancelled underneath us; the pipeline
// just stops.
func (o *Orchestrator) planTask(taskID string, req SubmitRequest) {
	if _, err := o.store.Transition(taskID, models.TaskPlanning, nil); err != nil {
		slog.Info("Planning aborted", "task_id", taskID, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), o.planTimeout)
	defer cancel()

	inventory := o.reg.Snapshot("", "")
	plan, err := o.planner.Plan(ctx, req.Request, inventory)
	if err != nil {
		slog.Error("Planning failed", "task_id", taskID, "error", err)
		o.failPlanning(taskID, fmt.Sprintf("planning failed: %v", err))
		return
	}

	// Explicit submission targets override whatever the planner chose.
	if req.TargetAgentID != "" {
		plan.TargetAgentID = req.TargetAgentID
	}
	if req.TargetRole != "" {
		plan.TargetRole = req.TargetRole
	}

	verdict := o.validator.ValidatePlan(plan.Commands)
	if verdict.Denied() {
		o.denyPlan(taskID, plan, verdict)
		return
	}
	planner.Finalize(plan, verdict)

	needsGate := plan.RequiresApproval
	task, err := o.store.Get(taskID)
	if err == nil && task.SkipApproval {
		needsGate = false
	}

	next := models.TaskReady
	if needsGate {
		next = models.TaskAwaitingApproval
	}
	updated, err := o.store.Transition(taskID, next, func(t *models.Task) {
		t.Plan = plan
	})
	if err != nil {
		slog.Info("Planning result discarded", "task_id", taskID, "error", err)
		return
	}

	commands := make([]string, len(plan.Commands))
	for i, cmd := range plan.Commands {
		commands[i] = cmd.Run
	}
	o.audit.Write(audit.Record{
		TaskID:  taskID,
		Event:   "plan_created",
		Version: updated.Version,
		Details: map[string]any{
			"risk_level":        plan.RiskLevel,
			"requires_approval": plan.RequiresApproval,
			"commands":          commands,
		},
	})

	if next == models.TaskReady {
		o.disp.Dispatch(taskID)
	}
}

// denyPlan fails a task whose plan hit a blocked pattern. The public error
// names only the pattern and command position; the command text itself goes
// to the audit log.
func (o *Orchestrator) denyPlan(taskID string, plan *models.Plan, verdict safety.PlanVerdict) {
	pattern := "blocked_pattern"
	position := -1
	var full string
	for i, r := range verdict.Results {
		if r.Verdict == safety.VerdictDeny {
			if r.Pattern != "" {
				pattern = r.Pattern
			}
			position = i
			full = plan.Commands[i].Run
			break
		}
	}

	o.audit.Write(audit.Record{
		TaskID: taskID,
		Event:  "plan_denied",
		Details: map[string]any{
			"pattern":       pattern,
			"command_index": position,
			"command":       full,
		},
	})
	o.failPlanning(taskID, fmt.Sprintf("plan rejected by safety validator: command %d matched %s", position, pattern))
}

func (o *Orchestrator) failPlanning(taskID, reason string) {
	_, err := o.store.Transition(taskID, models.TaskFailed, func(t *models.Task) {
		t.Error = reason
	})
	if err != nil {
		slog.Info("Planning failure discarded", "task_id", taskID, "error", err)
	}
}

// Approve decides an approval gate. Repeating an identical decision on an
// already-decided task is idempotent; anything else out of state conflicts.
func (o *Orchestrator) Approve(taskID string, approved bool, actor, reason string) (models.Task, error) {
	task, err := o.store.Get(taskID)
	if err != nil {
		return models.Task{}, err
	}

	if task.Status != models.TaskAwaitingApproval {
		if task.Approval != nil && task.Approval.Approved == approved {
			return task, nil
		}
		return models.Task{}, fmt.Errorf("%w: task is %s", ErrApprovalConflict, task.Status)
	}

	record := &models.ApprovalRecord{
		Approved:  approved,
		Actor:     actor,
		Reason:    reason,
		DecidedAt: time.Now(),
	}
	next := models.TaskRejected
	if approved {
		next = models.TaskReady
	}
	updated, err := o.store.Transition(taskID, next, func(t *models.Task) {
		t.Approval = record
		if !approved {
			t.Error = "plan rejected by " + actor
		}
	})
	if err != nil {
		// Lost a race with cancel or a concurrent decision; report the
		// current state as a conflict.
		return models.Task{}, fmt.Errorf("%w: %v", ErrApprovalConflict, err)
	}

	o.audit.Write(audit.Record{
		TaskID:  taskID,
		Event:   "approval_decided",
		Version: updated.Version,
		Actor:   actor,
		Details: map[string]any{"approved": approved, "reason": reason},
	})

	if approved {
		o.disp.Dispatch(taskID)
	}
	return updated, nil
}

// Cancel stops a task wherever it is. Terminal tasks are a no-op; running
// ones are cancelled through the dispatcher (the transition lands when the
// agent confirms or the grace expires); everything else cancels in place.
func (o *Orchestrator) Cancel(taskID, actor string) (models.Task, error) {
	task, err := o.store.Get(taskID)
	if err != nil {
		return models.Task{}, err
	}
	if task.Status.IsTerminal() {
		return task, nil
	}

	o.audit.Write(audit.Record{
		TaskID: taskID,
		Event:  "cancel_requested",
		Actor:  actor,
	})

	if task.Status == models.TaskRunning {
		if o.disp.Cancel(taskID) {
			return o.store.Get(taskID)
		}
		// No in-flight run (raced with completion); fall through.
	}

	updated, err := o.store.Transition(taskID, models.TaskCancelled, nil)
	if err != nil {
		// The task went terminal while we were deciding.
		return o.store.Get(taskID)
	}
	return updated, nil
}
