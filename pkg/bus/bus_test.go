package bus

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drover-io/drover/pkg/config"
	"github.com/drover-io/drover/pkg/models"
)

type memSink struct {
	mu     sync.Mutex
	events []Event
	closed bool
	fail   bool
}

func (m *memSink) Send(_ context.Context, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return context.DeadlineExceeded
	}
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return err
	}
	m.events = append(m.events, ev)
	return nil
}

func (m *memSink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *memSink) snapshot() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

func (m *memSink) waitFor(t *testing.T, pred func([]Event) bool) []Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		evs := m.snapshot()
		if pred(evs) {
			return evs
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met; events: %+v", m.snapshot())
	return nil
}

func testCfg() config.BusConfig {
	return config.BusConfig{
		QueueSize:    1024,
		BatchWindow:  10 * time.Millisecond,
		PublishWait:  time.Millisecond,
		WriteTimeout: time.Second,
	}
}

func TestAttach_SendsInitialState(t *testing.T) {
	b := New(testCfg())
	b.SetSnapshot(func() ([]models.Agent, []models.Task) {
		return []models.Agent{{ID: "web-1"}}, []models.Task{{ID: "t-1"}}
	})

	sink := &memSink{}
	stop := b.Attach(context.Background(), sink)
	defer stop()

	evs := sink.waitFor(t, func(evs []Event) bool { return len(evs) >= 1 })
	assert.Equal(t, TypeInitialState, evs[0].Type)
	require.Len(t, evs[0].Agents, 1)
	require.Len(t, evs[0].Tasks, 1)
}

func TestPublish_FansOutToAllObservers(t *testing.T) {
	b := New(testCfg())
	a, c := &memSink{}, &memSink{}
	stopA := b.Attach(context.Background(), a)
	defer stopA()
	stopC := b.Attach(context.Background(), c)
	defer stopC()

	b.AgentConnected(models.Agent{ID: "web-1"})

	for _, sink := range []*memSink{a, c} {
		evs := sink.waitFor(t, func(evs []Event) bool { return len(evs) >= 1 })
		assert.Equal(t, TypeAgentConnected, evs[0].Type)
		assert.Equal(t, "web-1", evs[0].Agent.ID)
	}
}

func TestTaskOutput_BatchesConsecutiveChunks(t *testing.T) {
	b := New(testCfg())
	sink := &memSink{}
	stop := b.Attach(context.Background(), sink)
	defer stop()

	for _, chunk := range []string{"[cmd 0] one\n", "two\n", "three\n"} {
		b.TaskOutput("t-1", 0, "stdout", chunk)
	}

	evs := sink.waitFor(t, func(evs []Event) bool {
		var got string
		for _, ev := range evs {
			if ev.Type == TypeTaskOutput {
				got += ev.Content
			}
		}
		return got == "[cmd 0] one\ntwo\nthree\n"
	})

	// The burst should arrive in far fewer events than chunks.
	var outputEvents int
	for _, ev := range evs {
		if ev.Type == TypeTaskOutput {
			outputEvents++
		}
	}
	assert.LessOrEqual(t, outputEvents, 2)
}

func TestTaskOutput_DifferentStreamsNotMerged(t *testing.T) {
	evs := coalesceOutput([]Event{
		{Type: TypeTaskOutput, TaskID: "t-1", Stream: "stdout", Content: "a"},
		{Type: TypeTaskOutput, TaskID: "t-1", Stream: "stderr", Content: "b"},
		{Type: TypeTaskOutput, TaskID: "t-1", Stream: "stdout", Content: "c"},
	})
	require.Len(t, evs, 3)
}

func TestCoalesceOutput_PreservesInterleavedOrder(t *testing.T) {
	task := models.Task{ID: "t-1", Version: 3}
	evs := coalesceOutput([]Event{
		{Type: TypeTaskOutput, TaskID: "t-1", Stream: "stdout", Content: "a"},
		{Type: TypeTaskOutput, TaskID: "t-1", Stream: "stdout", Content: "b"},
		{Type: TypeTaskUpdated, Task: &task},
		{Type: TypeTaskOutput, TaskID: "t-1", Stream: "stdout", Content: "c"},
	})
	require.Len(t, evs, 3)
	assert.Equal(t, "ab", evs[0].Content)
	assert.Equal(t, TypeTaskUpdated, evs[1].Type)
	assert.Equal(t, "c", evs[2].Content)
}

func TestTaskUpdated_CoalescedByVersion(t *testing.T) {
	cfg := testCfg()
	b := New(cfg)
	o := &observer{id: "test", sink: &memSink{}, cfg: cfg, notify: make(chan struct{}, 1)}
	b.observers[o.id] = o

	v2 := models.Task{ID: "t-1", Version: 2}
	v3 := models.Task{ID: "t-1", Version: 3}
	other := models.Task{ID: "t-2", Version: 1}
	b.TaskUpdated(v2)
	b.TaskUpdated(v3)
	b.TaskUpdated(other)

	o.mu.Lock()
	defer o.mu.Unlock()
	require.Len(t, o.queue, 2)
	assert.Equal(t, int64(3), o.queue[0].Task.Version, "newer version supersedes the queued one")
	assert.Equal(t, "t-2", o.queue[1].Task.ID)
}

func TestTaskUpdated_NeverOvertakesCommandResult(t *testing.T) {
	cfg := testCfg()
	o := &observer{id: "test", sink: &memSink{}, cfg: cfg, notify: make(chan struct{}, 1)}

	v1 := models.Task{ID: "t-1", Version: 1}
	v2 := models.Task{ID: "t-1", Version: 2}
	result := models.CommandResult{TaskID: "t-1", CommandIndex: 0}
	o.enqueue(Event{Type: TypeTaskUpdated, Task: &v1})
	o.enqueue(Event{Type: TypeCommandResult, TaskID: "t-1", Result: &result})
	o.enqueue(Event{Type: TypeTaskUpdated, Task: &v2})

	// Coalescing replaces v1 with v2 at the tail, behind the result whose
	// effect v2 records.
	o.mu.Lock()
	defer o.mu.Unlock()
	require.Len(t, o.queue, 2)
	assert.Equal(t, TypeCommandResult, o.queue[0].Type)
	assert.Equal(t, TypeTaskUpdated, o.queue[1].Type)
	assert.Equal(t, int64(2), o.queue[1].Task.Version)
}

func TestTaskUpdated_StaleVersionDoesNotRegress(t *testing.T) {
	cfg := testCfg()
	o := &observer{id: "test", sink: &memSink{}, cfg: cfg, notify: make(chan struct{}, 1)}

	v3 := models.Task{ID: "t-1", Version: 3}
	v2 := models.Task{ID: "t-1", Version: 2}
	o.enqueue(Event{Type: TypeTaskUpdated, Task: &v3})
	o.enqueue(Event{Type: TypeTaskUpdated, Task: &v2})

	o.mu.Lock()
	defer o.mu.Unlock()
	require.Len(t, o.queue, 1)
	assert.Equal(t, int64(3), o.queue[0].Task.Version)
}

func TestOverflow_DropsOldestOutputAndMarksGap(t *testing.T) {
	cfg := testCfg()
	cfg.QueueSize = 3
	o := &observer{id: "test", sink: &memSink{}, cfg: cfg, notify: make(chan struct{}, 1)}

	for i := 0; i < 3; i++ {
		o.enqueue(Event{Type: TypeTaskOutput, TaskID: "t-1", Stream: "stdout", Content: "x"})
	}
	// Queue is full; the next chunk triggers the drop policy.
	o.enqueue(Event{Type: TypeTaskOutput, TaskID: "t-1", Stream: "stdout", Content: "y"})

	o.mu.Lock()
	defer o.mu.Unlock()
	assert.Equal(t, TypeTaskOutputTruncated, o.queue[0].Type)
	assert.Equal(t, "y", o.queue[len(o.queue)-1].Content)
}

func TestOverflow_TaskUpdatedNeverDropped(t *testing.T) {
	cfg := testCfg()
	cfg.QueueSize = 2
	o := &observer{id: "test", sink: &memSink{}, cfg: cfg, notify: make(chan struct{}, 1)}

	// Fill the queue with non-droppable events.
	a := models.Task{ID: "a", Version: 1}
	c := models.Task{ID: "c", Version: 1}
	o.enqueue(Event{Type: TypeTaskUpdated, Task: &a})
	o.enqueue(Event{Type: TypeTaskUpdated, Task: &c})

	d := models.Task{ID: "d", Version: 1}
	o.enqueue(Event{Type: TypeTaskUpdated, Task: &d})

	o.mu.Lock()
	defer o.mu.Unlock()
	ids := make([]string, 0, len(o.queue))
	for _, ev := range o.queue {
		ids = append(ids, ev.Task.ID)
	}
	assert.Equal(t, []string{"a", "c", "d"}, ids)
}

func TestObserver_DetachedOnWriteFailure(t *testing.T) {
	b := New(testCfg())
	sink := &memSink{fail: true}
	_ = b.Attach(context.Background(), sink)

	b.AgentConnected(models.Agent{ID: "web-1"})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && b.ObserverCount() > 0 {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Zero(t, b.ObserverCount())
}

func TestStop_ClosesSink(t *testing.T) {
	b := New(testCfg())
	sink := &memSink{}
	stop := b.Attach(context.Background(), sink)
	stop()

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.True(t, sink.closed)
	assert.Zero(t, b.ObserverCount())
}
