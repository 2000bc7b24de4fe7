// Package bus fans controller events out to UI observers over WebSocket.
// Each observer has a bounded queue with per-type backpressure policy:
// task_updated events are coalesced by task and never dropped, output chunks
// are droppable (the gap is marked with task_output_truncated), and a slow
// observer never blocks a publisher for more than the configured wait.
package bus

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/drover-io/drover/pkg/config"
	"github.com/drover-io/drover/pkg/metrics"
	"github.com/drover-io/drover/pkg/models"
)

// Sink is the transport half of an observer. Production sinks wrap a
// WebSocket connection; tests substitute an in-memory one.
type Sink interface {
	Send(ctx context.Context, data []byte) error
	Close() error
}

// SnapshotFunc supplies the initial_state payload for new observers.
type SnapshotFunc func() (agents []models.Agent, tasks []models.Task)

// Bus is the observer registry and publish surface.
type Bus struct {
	cfg      config.BusConfig
	snapshot SnapshotFunc

	mu        sync.RWMutex
	observers map[string]*observer
}

// New builds a bus. snapshot may be nil until SetSnapshot is called.
func New(cfg config.BusConfig) *Bus {
	return &Bus{
		cfg:       cfg,
		observers: make(map[string]*observer),
	}
}

// SetSnapshot wires the initial_state provider. Call before serving traffic.
func (b *Bus) SetSnapshot(fn SnapshotFunc) { b.snapshot = fn }

// ObserverCount returns how many observers are attached.
func (b *Bus) ObserverCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.observers)
}

// observer is one attached UI client. The queue is a mutex-guarded slice
// rather than a channel because the backpressure policies (coalesce by task,
// drop oldest output) need random access to pending events.
type observer struct {
	id   string
	sink Sink
	cfg  config.BusConfig

	mu     sync.Mutex
	queue  []Event
	notify chan struct{}

	cancel context.CancelFunc
	done   chan struct{}
}

// Attach registers a sink as an observer, sends it the initial_state
// snapshot, and starts its flush loop. The returned stop function detaches
// the observer and waits for the loop to exit.
func (b *Bus) Attach(ctx context.Context, sink Sink) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	o := &observer{
		id:     uuid.NewString(),
		sink:   sink,
		cfg:    b.cfg,
		notify: make(chan struct{}, 1),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	if b.snapshot != nil {
		agents, tasks := b.snapshot()
		o.write(ctx, Event{Type: TypeInitialState, Agents: agents, Tasks: tasks})
	}

	b.mu.Lock()
	b.observers[o.id] = o
	b.mu.Unlock()

	go func() {
		defer close(o.done)
		o.run(ctx)
		b.detach(o.id)
	}()

	return func() {
		cancel()
		<-o.done
	}
}

func (b *Bus) detach(id string) {
	b.mu.Lock()
	delete(b.observers, id)
	b.mu.Unlock()
}

// publish delivers an event to every observer under its queue policy.
func (b *Bus) publish(ev Event) {
	b.mu.RLock()
	obs := make([]*observer, 0, len(b.observers))
	for _, o := range b.observers {
		obs = append(obs, o)
	}
	b.mu.RUnlock()

	for _, o := range obs {
		o.enqueue(ev)
	}
}

// TaskUpdated broadcasts a full task snapshot. Never dropped; a queued
// update for the same task is superseded when this one is newer.
func (b *Bus) TaskUpdated(task models.Task) {
	b.publish(Event{Type: TypeTaskUpdated, Task: &task})
}

// TaskOutput broadcasts one output chunk.
func (b *Bus) TaskOutput(taskID string, commandIndex int, stream, chunk string) {
	b.publish(Event{
		Type:         TypeTaskOutput,
		TaskID:       taskID,
		CommandIndex: commandIndex,
		Stream:       stream,
		Content:      chunk,
	})
}

// CommandResult broadcasts a finished command.
func (b *Bus) CommandResult(result models.CommandResult) {
	b.publish(Event{Type: TypeCommandResult, TaskID: result.TaskID, Result: &result})
}

// AgentConnected implements the registry's event sink.
func (b *Bus) AgentConnected(agent models.Agent) {
	b.publish(Event{Type: TypeAgentConnected, Agent: &agent})
}

// AgentDisconnected implements the registry's event sink.
func (b *Bus) AgentDisconnected(agent models.Agent) {
	b.publish(Event{Type: TypeAgentDisconnected, Agent: &agent})
}

// AgentUpdated implements the registry's event sink.
func (b *Bus) AgentUpdated(agent models.Agent) {
	b.publish(Event{Type: TypeAgentUpdated, Agent: &agent})
}

// enqueue applies the per-type queue policy.
func (o *observer) enqueue(ev Event) {
	if o.tryEnqueue(ev) {
		return
	}
	// Queue full. Give the flusher one bounded chance to drain before the
	// drop policy applies, so a momentary burst does not lose chunks.
	time.Sleep(o.cfg.PublishWait)
	if o.tryEnqueue(ev) {
		return
	}
	o.forceEnqueue(ev)
}

// tryEnqueue handles coalescing and appends when there is room.
func (o *observer) tryEnqueue(ev Event) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if ev.Type == TypeTaskUpdated {
		// Coalesce: keep at most one queued update per task. The stale entry
		// is removed and the newer one appended at the tail, so an update can
		// never overtake a command_result enqueued after its predecessor.
		for i := range o.queue {
			q := o.queue[i]
			if q.Type == TypeTaskUpdated && q.Task.ID == ev.Task.ID {
				if ev.Task.Version <= q.Task.Version {
					return true
				}
				o.queue = append(o.queue[:i], o.queue[i+1:]...)
				break
			}
		}
	}

	if len(o.queue) >= o.cfg.QueueSize {
		return false
	}
	o.queue = append(o.queue, ev)
	o.signalLocked()
	return true
}

// forceEnqueue makes room by dropping the oldest output chunk, marking the
// gap. Non-droppable events are appended past the cap rather than lost.
func (o *observer) forceEnqueue(ev Event) {
	o.mu.Lock()
	defer o.mu.Unlock()

	// The flusher may have drained the queue since the failed try.
	if len(o.queue) < o.cfg.QueueSize {
		o.queue = append(o.queue, ev)
		o.signalLocked()
		return
	}

	dropped := false
	for i := range o.queue {
		if o.queue[i].Type != TypeTaskOutput {
			continue
		}
		marker := Event{
			Type:         TypeTaskOutputTruncated,
			TaskID:       o.queue[i].TaskID,
			CommandIndex: o.queue[i].CommandIndex,
			Stream:       o.queue[i].Stream,
		}
		metrics.ObserverDroppedChunks.Inc()
		if i > 0 && o.queue[i-1].Type == TypeTaskOutputTruncated && o.queue[i-1].key() == marker.key() {
			// Gap already marked; just remove the chunk.
			o.queue = append(o.queue[:i], o.queue[i+1:]...)
		} else {
			o.queue[i] = marker
		}
		dropped = true
		break
	}

	if !dropped && ev.Type == TypeTaskOutput {
		// Nothing droppable queued: the new chunk is the drop.
		metrics.ObserverDroppedChunks.Inc()
		last := o.queue[len(o.queue)-1]
		if !(last.Type == TypeTaskOutputTruncated && last.key() == ev.key()) {
			o.queue = append(o.queue, Event{
				Type:         TypeTaskOutputTruncated,
				TaskID:       ev.TaskID,
				CommandIndex: ev.CommandIndex,
				Stream:       ev.Stream,
			})
		}
		o.signalLocked()
		return
	}

	o.queue = append(o.queue, ev)
	o.signalLocked()
}

func (o *observer) signalLocked() {
	select {
	case o.notify <- struct{}{}:
	default:
	}
}

// run is the flush loop: wait for events, batch output bursts for the
// configured window, coalesce consecutive chunks, and write.
func (o *observer) run(ctx context.Context) {
	defer o.sink.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.notify:
		}

		if o.headIsOutput() {
			select {
			case <-ctx.Done():
				return
			case <-time.After(o.cfg.BatchWindow):
			}
		}

		batch := o.drain()
		for _, ev := range coalesceOutput(batch) {
			if !o.write(ctx, ev) {
				return
			}
		}
	}
}

func (o *observer) headIsOutput() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queue) > 0 && o.queue[0].Type == TypeTaskOutput
}

func (o *observer) drain() []Event {
	o.mu.Lock()
	defer o.mu.Unlock()
	batch := o.queue
	o.queue = nil
	return batch
}

// coalesceOutput merges consecutive output chunks for the same command and
// stream into one event, preserving order across everything else.
func coalesceOutput(batch []Event) []Event {
	out := batch[:0]
	for _, ev := range batch {
		if ev.Type == TypeTaskOutput && len(out) > 0 {
			last := &out[len(out)-1]
			if last.Type == TypeTaskOutput && last.key() == ev.key() {
				last.Content += ev.Content
				continue
			}
		}
		out = append(out, ev)
	}
	return out
}

// write sends one event with the write timeout. Returns false when the
// observer should be torn down.
func (o *observer) write(ctx context.Context, ev Event) bool {
	data, err := json.Marshal(ev)
	if err != nil {
		slog.Warn("Failed to marshal event", "observer_id", o.id, "type", ev.Type, "error", err)
		return true
	}
	writeCtx, cancel := context.WithTimeout(ctx, o.cfg.WriteTimeout)
	defer cancel()
	if err := o.sink.Send(writeCtx, data); err != nil {
		slog.Warn("Observer write failed, detaching", "observer_id", o.id, "error", err)
		return false
	}
	return true
}
