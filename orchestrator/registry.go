package orchestrator

import (
	"fmt"
	"sort"
	"sync"

	"github.com/threatmesh/threatmesh/core"
)

// Registry maps task types to ordered agent pipelines. Registration happens
// at startup; after Freeze the registry is read-only and lookups need no
// locking discipline from callers.
type Registry struct {
	mu     sync.RWMutex
	agents map[core.TaskType][]core.Agent
	frozen bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[core.TaskType][]core.Agent)}
}

// Register adds an agent under its declared capability. Registering after
// Freeze, with an empty name or capability, or reusing a name within the same
// capability is an error.
func (r *Registry) Register(a core.Agent) error {
	desc := a.Descriptor()
	if desc.Name == "" {
		return fmt.Errorf("agent has no name")
	}
	if desc.Capability == "" {
		return fmt.Errorf("agent %s has no capability", desc.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return fmt.Errorf("registry is frozen, cannot register agent %s", desc.Name)
	}
	for _, existing := range r.agents[desc.Capability] {
		if existing.Descriptor().Name == desc.Name {
			return fmt.Errorf("agent %s already registered for capability %s", desc.Name, desc.Capability)
		}
	}

	r.agents[desc.Capability] = append(r.agents[desc.Capability], a)
	return nil
}

// Freeze sorts every pipeline by priority (ties broken by name, so pipeline
// resolution is deterministic) and blocks further registration.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return
	}
	for _, pipeline := range r.agents {
		sort.SliceStable(pipeline, func(i, j int) bool {
			di, dj := pipeline[i].Descriptor(), pipeline[j].Descriptor()
			if di.Priority != dj.Priority {
				return di.Priority < dj.Priority
			}
			return di.Name < dj.Name
		})
	}
	r.frozen = true
}

// Pipeline returns the ordered agent list for a task type. An unknown type
// is an error, not an empty pipeline, so misrouted tasks fail loudly.
func (r *Registry) Pipeline(typ core.TaskType) ([]core.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	pipeline, ok := r.agents[typ]
	if !ok || len(pipeline) == 0 {
		return nil, fmt.Errorf("no agents registered for task type %s", typ)
	}
	out := make([]core.Agent, len(pipeline))
	copy(out, pipeline)
	return out, nil
}

// Capabilities lists the task types with at least one registered agent.
func (r *Registry) Capabilities() []core.TaskType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]core.TaskType, 0, len(r.agents))
	for typ := range r.agents {
		out = append(out, typ)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
