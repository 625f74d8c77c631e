package taskstore

import (
	"fmt"
	"sync"

	"github.com/threatmesh/threatmesh/core"
)

// Store persists task snapshots keyed by task id. Implementations must be
// safe for concurrent use and must never hand out aliases of stored state.
type Store interface {
	// Save stores a snapshot of the task, overwriting any previous snapshot.
	Save(task *core.Task) error
	// Get returns the stored snapshot or core.ErrNotFound.
	Get(id string) (*core.Task, error)
	// List returns snapshots of every stored task in unspecified order.
	List() ([]*core.Task, error)
}

// InMemoryStore is a volatile Store implementation keeping snapshots in a
// process-local map. Safe for concurrent access; best suited for tests or
// ephemeral demo runs. Each stored and returned task is cloned to prevent
// external mutation of internal state.
type InMemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]*core.Task
}

// NewInMemoryStore constructs an empty in-memory task store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{tasks: make(map[string]*core.Task)}
}

var _ Store = (*InMemoryStore)(nil)

// Save stores a clone of the provided snapshot.
func (s *InMemoryStore) Save(task *core.Task) error {
	if task.ID == "" {
		return fmt.Errorf("task id is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.ID] = task.Snapshot()
	return nil
}

// Get returns a clone of the stored snapshot.
func (s *InMemoryStore) Get(id string) (*core.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, core.ErrNotFound)
	}
	return task.Snapshot(), nil
}

// List returns clones of every stored snapshot.
func (s *InMemoryStore) List() ([]*core.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*core.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t.Snapshot())
	}
	return out, nil
}
