// Package dispatch executes ready tasks: it selects an agent, streams the
// plan's commands to it one at a time, folds output and results back into
// the store, and drives the task to its terminal status.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/drover-io/drover/pkg/audit"
	"github.com/drover-io/drover/pkg/bus"
	"github.com/drover-io/drover/pkg/config"
	"github.com/drover-io/drover/pkg/metrics"
	"github.com/drover-io/drover/pkg/models"
	"github.com/drover-io/drover/pkg/registry"
	"github.com/drover-io/drover/pkg/store"
)

// msgBuffer bounds each run's inbound message queue. Chunks beyond it are
// dropped (and counted); results never are, the queue is drained constantly.
const msgBuffer = 256

type taskRun struct {
	taskID  string
	agentID string

	msgCh        chan AgentMessage
	cancelCh     chan struct{}
	cancelOnce   sync.Once
	disconnectCh chan struct{}
	discOnce     sync.Once
}

func (r *taskRun) cancel()     { r.cancelOnce.Do(func() { close(r.cancelCh) }) }
func (r *taskRun) disconnect() { r.discOnce.Do(func() { close(r.disconnectCh) }) }

// Dispatcher owns all in-flight task runs and the per-agent FIFO of tasks
// waiting for a busy agent.
type Dispatcher struct {
	cfg   config.DispatchConfig
	reg   *registry.Registry
	store *store.Store
	bus   *bus.Bus
	audit *audit.Log

	mu       sync.Mutex
	inflight map[string]*taskRun // taskID -> run
	running  map[string]int      // agentID -> active run count
	queues   map[string][]string // agentID -> waiting taskIDs, FIFO
}

// New builds a dispatcher.
func New(cfg config.DispatchConfig, reg *registry.Registry, st *store.Store, b *bus.Bus, log *audit.Log) *Dispatcher {
	return &Dispatcher{
		cfg:      cfg,
		reg:      reg,
		store:    st,
		bus:      b,
		audit:    log,
		inflight: make(map[string]*taskRun),
		running:  make(map[string]int),
		queues:   make(map[string][]string),
	}
}

// Dispatch takes a ready task, selects an agent, and either starts the run
// or queues the task behind the agent's current work. When no agent can
// serve the plan the task fails immediately.
func (d *Dispatcher) Dispatch(taskID string) {
	task, err := d.store.Get(taskID)
	if err != nil {
		slog.Error("Dispatch of unknown task", "task_id", taskID, "error", err)
		return
	}
	if task.Status != models.TaskReady || task.Plan == nil {
		slog.Warn("Dispatch skipped, task not ready", "task_id", taskID, "status", task.Status)
		return
	}

	agent, err := d.reg.Select(task.Plan.TargetAgentID, task.Plan.TargetRole)
	if err != nil {
		d.failTask(taskID, err.Error())
		return
	}

	d.mu.Lock()
	if _, exists := d.inflight[taskID]; exists {
		d.mu.Unlock()
		return
	}
	if d.running[agent.ID] > 0 && !agent.Concurrent() {
		d.queues[agent.ID] = append(d.queues[agent.ID], taskID)
		d.mu.Unlock()
		slog.Info("Task queued behind busy agent", "task_id", taskID, "agent_id", agent.ID)
		return
	}
	run := d.startRunLocked(taskID, agent.ID)
	d.mu.Unlock()

	go d.runTask(run, task)
}

func (d *Dispatcher) startRunLocked(taskID, agentID string) *taskRun {
	run := &taskRun{
		taskID:       taskID,
		agentID:      agentID,
		msgCh:        make(chan AgentMessage, msgBuffer),
		cancelCh:     make(chan struct{}),
		disconnectCh: make(chan struct{}),
	}
	d.inflight[taskID] = run
	d.running[agentID]++
	return run
}

// Deliver routes an execution message from an agent to its run. Messages
// for unknown tasks are dropped; late output after a run finished is noise,
// not an error.
func (d *Dispatcher) Deliver(msg AgentMessage) {
	d.mu.Lock()
	run, ok := d.inflight[msg.TaskID]
	d.mu.Unlock()
	if !ok {
		return
	}
	select {
	case run.msgCh <- msg:
	default:
		if msg.Type == msgTaskOutput {
			metrics.ObserverDroppedChunks.Inc()
			return
		}
		// Results must land; block briefly rather than lose one.
		select {
		case run.msgCh <- msg:
		case <-time.After(time.Second):
			slog.Error("Dropped command result, run queue stuck", "task_id", msg.TaskID)
		}
	}
}

// Cancel requests cancellation of a running task. Returns false when the
// task has no in-flight run.
func (d *Dispatcher) Cancel(taskID string) bool {
	d.mu.Lock()
	run, ok := d.inflight[taskID]
	d.mu.Unlock()
	if !ok {
		return false
	}
	run.cancel()
	return true
}

// AgentDisconnected fails over everything tied to a lost agent: in-flight
// runs are aborted and queued tasks are re-dispatched (and may land on
// another agent).
func (d *Dispatcher) AgentDisconnected(agentID string) {
	d.mu.Lock()
	var runs []*taskRun
	for _, run := range d.inflight {
		if run.agentID == agentID {
			runs = append(runs, run)
		}
	}
	waiting := d.queues[agentID]
	delete(d.queues, agentID)
	d.mu.Unlock()

	for _, run := range runs {
		run.disconnect()
	}
	for _, taskID := range waiting {
		go d.Dispatch(taskID)
	}
}

// runTask executes all commands of one task against its agent.
func (d *Dispatcher) runTask(run *taskRun, task models.Task) {
	defer d.finishRun(run)

	commands := task.Plan.Commands
	if len(commands) == 0 {
		// Nothing to execute: the task completes straight from ready.
		if _, err := d.store.Transition(task.ID, models.TaskCompleted, func(t *models.Task) {
			t.AssignedAgentID = run.agentID
		}); err != nil {
			slog.Error("Failed to complete task", "task_id", task.ID, "error", err)
		}
		return
	}

	_, err := d.store.Transition(task.ID, models.TaskRunning, func(t *models.Task) {
		t.AssignedAgentID = run.agentID
	})
	if err != nil {
		slog.Error("Task vanished before running", "task_id", task.ID, "error", err)
		return
	}
	d.reg.IncActive(run.agentID)
	defer d.reg.DecActive(run.agentID)

	for i, cmd := range commands {
		outcome := d.runCommand(run, task.ID, i, cmd)
		switch outcome.kind {
		case outcomeDone:
			if outcome.exitCode != 0 && !cmd.ContinueOnError {
				d.failTask(task.ID, fmt.Sprintf("command %d (%s) exited with code %d", i, cmd.Run, outcome.exitCode))
				return
			}
		case outcomeTimeout:
			d.failTask(task.ID, fmt.Sprintf("command %d (%s) timed out after %ds", i, cmd.Run, cmd.TimeoutSeconds))
			return
		case outcomeCancelled:
			d.cancelTask(task.ID)
			return
		case outcomeDisconnected:
			d.failTask(task.ID, fmt.Sprintf("agent disconnected during command %d", i))
			return
		case outcomeSendFailed:
			d.failTask(task.ID, fmt.Sprintf("failed to reach agent for command %d: %s", i, outcome.detail))
			return
		}
	}
	d.completeTask(task.ID)
}

type outcomeKind int

const (
	outcomeDone outcomeKind = iota
	outcomeTimeout
	outcomeCancelled
	outcomeDisconnected
	outcomeSendFailed
)

type commandOutcome struct {
	kind     outcomeKind
	exitCode int
	detail   string
}

// runCommand sends one command and consumes its messages to completion.
func (d *Dispatcher) runCommand(run *taskRun, taskID string, index int, cmd models.Command) commandOutcome {
	sendCtx, cancel := context.WithTimeout(context.Background(), d.cfg.NetworkSlack)
	err := d.reg.SendTo(sendCtx, run.agentID, CommandExecute{
		Type:           msgCommandExecute,
		TaskID:         taskID,
		CommandIndex:   index,
		Dir:            cmd.Dir,
		Run:            cmd.Run,
		TimeoutSeconds: cmd.TimeoutSeconds,
		Env:            cmd.Env,
	})
	cancel()
	if err != nil {
		return commandOutcome{kind: outcomeSendFailed, detail: err.Error()}
	}
	metrics.CommandsDispatched.Inc()

	// Wall-clock budget: the agent enforces the command timeout itself; the
	// slack absorbs transport latency before the controller gives up.
	budget := time.Duration(cmd.TimeoutSeconds)*time.Second + d.cfg.NetworkSlack
	timer := time.NewTimer(budget)
	defer timer.Stop()

	var stdout, stderr string
	firstChunk := true

	for {
		select {
		case msg := <-run.msgCh:
			switch msg.Type {
			case msgTaskOutput:
				if msg.CommandIndex != index {
					continue
				}
				d.recordChunk(taskID, index, msg, firstChunk, &stdout, &stderr)
				firstChunk = false
			case msgCommandResult:
				if msg.CommandIndex != index {
					continue
				}
				if msg.Stderr != "" {
					if stderr == "" {
						// Stderr that only arrived with the result was never
						// streamed; fold it into the task transcript too.
						d.recordChunk(taskID, index, AgentMessage{Stream: "stderr", Content: msg.Stderr}, firstChunk, &stdout, &stderr)
					} else {
						stderr = msg.Stderr
					}
				}
				d.recordResult(taskID, index, msg.ExitCode, stdout, stderr, msg.DurationMS)
				return commandOutcome{kind: outcomeDone, exitCode: msg.ExitCode}
			}

		case <-timer.C:
			d.sendCancel(run, taskID, index)
			d.recordResult(taskID, index, models.ExitTimedOut, stdout, stderr, budget.Milliseconds())
			return commandOutcome{kind: outcomeTimeout}

		case <-run.cancelCh:
			d.sendCancel(run, taskID, index)
			exit := d.awaitCancelResult(run, index, models.ExitCancelled)
			d.recordResult(taskID, index, exit, stdout, stderr, 0)
			return commandOutcome{kind: outcomeCancelled}

		case <-run.disconnectCh:
			d.recordResult(taskID, index, models.ExitDisconnected, stdout, stderr, 0)
			return commandOutcome{kind: outcomeDisconnected}
		}
	}
}

// awaitCancelResult gives the agent a grace period to report the kill. A
// real result within the grace keeps its exit code; otherwise the synthetic
// one is recorded.
func (d *Dispatcher) awaitCancelResult(run *taskRun, index int, synthetic int) int {
	grace := time.NewTimer(d.cfg.CancelGrace)
	defer grace.Stop()
	for {
		select {
		case msg := <-run.msgCh:
			if msg.Type == msgCommandResult && msg.CommandIndex == index {
				return msg.ExitCode
			}
		case <-grace.C:
			return synthetic
		case <-run.disconnectCh:
			return synthetic
		}
	}
}

func (d *Dispatcher) sendCancel(run *taskRun, taskID string, index int) {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.NetworkSlack)
	defer cancel()
	err := d.reg.SendTo(ctx, run.agentID, CommandCancel{
		Type:         msgCommandCancel,
		TaskID:       taskID,
		CommandIndex: index,
	})
	if err != nil {
		slog.Warn("Failed to send command cancel", "task_id", taskID, "error", err)
	}
}

// recordChunk folds an output chunk into the task and broadcasts it. The
// first chunk of each command gets the "[cmd N] " frame in the accumulated
// output so interleaved history stays readable.
func (d *Dispatcher) recordChunk(taskID string, index int, msg AgentMessage, first bool, stdout, stderr *string) {
	switch msg.Stream {
	case "stderr":
		*stderr += msg.Content
	default:
		*stdout += msg.Content
	}

	text := msg.Content
	if first {
		text = fmt.Sprintf("[cmd %d] %s", index, text)
	}
	if _, err := d.store.AppendOutput(taskID, text); err != nil {
		slog.Warn("Failed to append output", "task_id", taskID, "error", err)
	}
	d.bus.TaskOutput(taskID, index, msg.Stream, msg.Content)
}

// recordResult persists a command's terminal outcome and broadcasts the
// result followed by the updated task, preserving the chunks -> result ->
// task_updated ordering observers rely on.
func (d *Dispatcher) recordResult(taskID string, index, exitCode int, stdout, stderr string, durationMS int64) {
	result := models.CommandResult{
		TaskID:       taskID,
		CommandIndex: index,
		ExitCode:     exitCode,
		Stdout:       stdout,
		Stderr:       stderr,
		DurationMS:   durationMS,
		CompletedAt:  time.Now(),
	}
	updated, err := d.store.AddResult(taskID, result)
	if err != nil {
		slog.Warn("Failed to record command result", "task_id", taskID, "error", err)
		return
	}
	d.bus.CommandResult(result)
	d.bus.TaskUpdated(updated)
	d.audit.Write(audit.Record{
		TaskID:  taskID,
		Event:   "command_finished",
		Version: updated.Version,
		Details: map[string]any{"command_index": index, "exit_code": exitCode},
	})
}

func (d *Dispatcher) completeTask(taskID string) {
	if _, err := d.store.Transition(taskID, models.TaskCompleted, nil); err != nil {
		slog.Error("Failed to complete task", "task_id", taskID, "error", err)
	}
}

func (d *Dispatcher) failTask(taskID, reason string) {
	_, err := d.store.Transition(taskID, models.TaskFailed, func(t *models.Task) {
		t.Error = reason
	})
	if err != nil {
		slog.Error("Failed to fail task", "task_id", taskID, "error", err)
	}
}

func (d *Dispatcher) cancelTask(taskID string) {
	if _, err := d.store.Transition(taskID, models.TaskCancelled, nil); err != nil {
		slog.Error("Failed to cancel task", "task_id", taskID, "error", err)
	}
}

// finishRun releases the agent slot and starts the next task waiting on it.
func (d *Dispatcher) finishRun(run *taskRun) {
	d.mu.Lock()
	delete(d.inflight, run.taskID)
	d.running[run.agentID]--
	if d.running[run.agentID] <= 0 {
		delete(d.running, run.agentID)
	}
	var next string
	if q := d.queues[run.agentID]; len(q) > 0 && d.running[run.agentID] == 0 {
		next = q[0]
		if len(q) == 1 {
			delete(d.queues, run.agentID)
		} else {
			d.queues[run.agentID] = q[1:]
		}
	}
	d.mu.Unlock()

	if next != "" {
		go d.Dispatch(next)
	}
}
