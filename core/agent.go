package core

// Descriptor carries the static registration metadata of an agent: its
// identity, the task type it serves, its ordering priority within that
// type's pipeline and whether re-running it on the same input is safe.
//
// InputSchema is an optional structural contract (minimal JSON-Schema
// subset) for the task payload. When set, the orchestrator validates the
// payload before the first stage executes and fails the task with a
// ValidationError on mismatch.
type Descriptor struct {
	Name        string
	Capability  TaskType
	Priority    int
	Idempotent  bool
	InputSchema map[string]any
}

// Agent is the polymorphic unit of work in a pipeline.
//
// Run consumes the stage context (task payload, retrieved memory,
// collaborator handles, cancellation signal) and returns a StageResult that
// the orchestrator applies. Implementations must:
//   - Never mutate task state directly; all effects flow through the result.
//   - Confine side effects (collaborator calls) to Run.
//   - Surface collaborator failures as retry/fatal outcomes, never panic.
//   - Poll cancellation at safe points, before and after collaborator calls.
type Agent interface {
	Descriptor() Descriptor
	Run(sc *StageContext) StageResult
}
