// Package store is the in-memory system of record for tasks. Every mutation
// bumps the task's version by exactly one; status changes are validated
// against the lifecycle graph and announced through the transition hook.
package store

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/drover-io/drover/pkg/models"
)

// TransitionHook observes a successful status transition. It runs outside
// the store lock with a deep copy of the task.
type TransitionHook func(task models.Task, from models.TaskStatus)

// Store holds all tracked tasks.
type Store struct {
	mu    sync.RWMutex
	tasks map[string]*models.Task

	onTransition TransitionHook
}

// New builds an empty store.
func New() *Store {
	return &Store{tasks: make(map[string]*models.Task)}
}

// SetOnTransition wires the transition hook. Call before serving traffic.
func (s *Store) SetOnTransition(hook TransitionHook) { s.onTransition = hook }

// Create registers a new pending task for a request.
func (s *Store) Create(request string, skipApproval bool) (models.Task, error) {
	if request == "" {
		return models.Task{}, &ValidationError{Field: "request", Msg: "must not be empty"}
	}
	now := time.Now()
	task := &models.Task{
		ID:           uuid.NewString(),
		Request:      request,
		Status:       models.TaskPending,
		SkipApproval: skipApproval,
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	s.mu.Lock()
	s.tasks[task.ID] = task
	s.mu.Unlock()
	return task.Clone(), nil
}

// Get returns a deep copy of one task.
func (s *Store) Get(id string) (models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return models.Task{}, ErrNotFound
	}
	return t.Clone(), nil
}

// List returns tasks newest-first, optionally filtered by status and capped
// at limit (0 means no cap).
func (s *Store) List(status models.TaskStatus, limit int) []models.Task {
	s.mu.RLock()
	out := make([]models.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if status != "" && t.Status != status {
			continue
		}
		out = append(out, t.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Transition moves a task along a lifecycle edge. mutate, when non-nil, is
// applied under the lock after the edge is validated and before the version
// bump, so error text, plan, approval, and assignment land atomically with
// the status change. The hook fires after the lock is released.
func (s *Store) Transition(id string, to models.TaskStatus, mutate func(*models.Task)) (models.Task, error) {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return models.Task{}, ErrNotFound
	}
	from := t.Status
	if !models.CanTransition(from, to) {
		s.mu.Unlock()
		return models.Task{}, &InvalidTransitionError{TaskID: id, From: from, To: to}
	}
	t.Status = to
	if mutate != nil {
		mutate(t)
	}
	t.Version++
	t.UpdatedAt = time.Now()
	snapshot := t.Clone()
	s.mu.Unlock()

	if s.onTransition != nil {
		s.onTransition(snapshot, from)
	}
	return snapshot, nil
}

// Update applies a non-status mutation (output, results, plan fields) with a
// version bump but no transition hook. Callers that need to broadcast do so
// themselves with the returned copy.
func (s *Store) Update(id string, mutate func(*models.Task)) (models.Task, error) {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return models.Task{}, ErrNotFound
	}
	mutate(t)
	t.Version++
	t.UpdatedAt = time.Now()
	snapshot := t.Clone()
	s.mu.Unlock()
	return snapshot, nil
}

// AppendOutput appends a chunk to the task's combined output.
func (s *Store) AppendOutput(id, chunk string) (models.Task, error) {
	return s.Update(id, func(t *models.Task) {
		t.Output += chunk
	})
}

// AddResult records one command's terminal outcome.
func (s *Store) AddResult(id string, result models.CommandResult) (models.Task, error) {
	return s.Update(id, func(t *models.Task) {
		t.Results = append(t.Results, result)
	})
}

// Delete removes a task outright. Used by the retention sweep.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	delete(s.tasks, id)
	s.mu.Unlock()
}

// TerminalBefore returns up to limit ids of terminal tasks last updated
// before the cutoff, oldest first.
func (s *Store) TerminalBefore(cutoff time.Time, limit int) []string {
	type cand struct {
		id string
		at time.Time
	}
	s.mu.RLock()
	var cands []cand
	for id, t := range s.tasks {
		if t.Status.IsTerminal() && t.UpdatedAt.Before(cutoff) {
			cands = append(cands, cand{id: id, at: t.UpdatedAt})
		}
	}
	s.mu.RUnlock()

	sort.Slice(cands, func(i, j int) bool { return cands[i].at.Before(cands[j].at) })
	if limit > 0 && len(cands) > limit {
		cands = cands[:limit]
	}
	out := make([]string, len(cands))
	for i, c := range cands {
		out[i] = c.id
	}
	return out
}

// Seed inserts recovered tasks without touching versions or timestamps.
// Used once at boot to restore snapshots.
func (s *Store) Seed(tasks []models.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range tasks {
		t := tasks[i].Clone()
		s.tasks[t.ID] = &t
	}
}

// Count returns the number of tracked tasks.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tasks)
}
