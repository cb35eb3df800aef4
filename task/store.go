package task

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/hupe1980/taskmesh/core"
)

// ErrRunNotFound is returned for an unknown run id.
var ErrRunNotFound = errors.New("run not found")

// Store persists task and run snapshots.
type Store interface {
	Create(t *core.Task) error
	Get(taskID string) (*core.Task, error)
	// Update applies fn to the stored task under the store lock. When fn
	// returns an error the task is left unchanged.
	Update(taskID string, fn func(t *core.Task) error) (*core.Task, error)
	List() []*core.Task
	Delete(taskID string) error

	PutRun(r *core.AgentRun) error
	UpdateRun(runID string, fn func(r *core.AgentRun) error) (*core.AgentRun, error)
	Runs(taskID string) []*core.AgentRun
}

// InMemoryStore is a volatile Store keeping snapshots in process local maps.
// It is safe for concurrent access.
type InMemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]*core.Task
	runs  map[string]*core.AgentRun
	order []string // task ids in creation order
}

// NewInMemoryStore constructs an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		tasks: make(map[string]*core.Task),
		runs:  make(map[string]*core.AgentRun),
	}
}

// Create stores a new task. Creating an existing id is an error.
func (s *InMemoryStore) Create(t *core.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[t.ID]; ok {
		return fmt.Errorf("task %s already exists", t.ID)
	}
	s.tasks[t.ID] = t.Clone()
	s.order = append(s.order, t.ID)
	return nil
}

// Get returns a clone of the task.
func (s *InMemoryStore) Get(taskID string) (*core.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrTaskNotFound, taskID)
	}
	return t.Clone(), nil
}

// Update mutates a working copy of the task and commits it when fn succeeds.
func (s *InMemoryStore) Update(taskID string, fn func(t *core.Task) error) (*core.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrTaskNotFound, taskID)
	}
	work := t.Clone()
	if err := fn(work); err != nil {
		return t.Clone(), err
	}
	s.tasks[taskID] = work
	return work.Clone(), nil
}

// List returns all tasks in creation order.
func (s *InMemoryStore) List() []*core.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*core.Task, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.tasks[id].Clone())
	}
	return out
}

// Delete removes a task together with its runs.
func (s *InMemoryStore) Delete(taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrTaskNotFound, taskID)
	}
	for _, id := range t.RunIDs {
		delete(s.runs, id)
	}
	delete(s.tasks, taskID)
	s.order = slices.DeleteFunc(s.order, func(id string) bool { return id == taskID })
	return nil
}

// PutRun stores a run and records its id on the owning task.
func (s *InMemoryStore) PutRun(r *core.AgentRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[r.TaskID]
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrTaskNotFound, r.TaskID)
	}
	if _, exists := s.runs[r.ID]; !exists {
		t.RunIDs = append(t.RunIDs, r.ID)
	}
	s.runs[r.ID] = r.Clone()
	return nil
}

// UpdateRun mutates a working copy of the run and commits it when fn
// succeeds.
func (s *InMemoryStore) UpdateRun(runID string, fn func(r *core.AgentRun) error) (*core.AgentRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	work := r.Clone()
	if err := fn(work); err != nil {
		return r.Clone(), err
	}
	s.runs[runID] = work
	return work.Clone(), nil
}

// Runs returns the runs of a task in dispatch order.
func (s *InMemoryStore) Runs(taskID string) []*core.AgentRun {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil
	}
	out := make([]*core.AgentRun, 0, len(t.RunIDs))
	for _, id := range t.RunIDs {
		if r, ok := s.runs[id]; ok {
			out = append(out, r.Clone())
		}
	}
	return out
}
