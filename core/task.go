package core

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// TaskType tags the kind of analysis a task requests. The orchestrator
// resolves the agent pipeline for a task from this tag.
type TaskType string

const (
	// TypeAnalyze requests classification/contextualization of an observable.
	TypeAnalyze TaskType = "analyze"
	// TypeEnrich requests augmentation of an observable with related entities.
	TypeEnrich TaskType = "enrich"
	// TypeReport requests a human-readable summary report.
	TypeReport TaskType = "report"
)

// TaskStatus is the coarse lifecycle state of a task.
type TaskStatus string

const (
	// StatusPending means the task is queued and not yet picked up by a worker.
	StatusPending TaskStatus = "pending"
	// StatusRunning means a worker is driving the task's pipeline.
	StatusRunning TaskStatus = "running"
	// StatusSucceeded means every stage completed with an ok outcome.
	StatusSucceeded TaskStatus = "succeeded"
	// StatusFailed means a stage failed fatally or exhausted its retries.
	StatusFailed TaskStatus = "failed"
	// StatusCancelled means cancellation was observed before completion.
	StatusCancelled TaskStatus = "cancelled"
)

// Terminal reports whether the status is final. Terminal tasks never re-enter
// the queue.
func (s TaskStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// StageState is the sub-state of a single pipeline stage while the task is
// running.
type StageState string

const (
	// StageQueued means the stage has not started yet.
	StageQueued StageState = "queued"
	// StageExecuting means the agent invocation is in flight.
	StageExecuting StageState = "executing"
	// StageDone means the stage completed with an ok outcome.
	StageDone StageState = "done"
	// StageRetrying means the last attempt failed transiently and a retry is scheduled.
	StageRetrying StageState = "retrying"
	// StageFailed means the stage failed fatally or exhausted its retries.
	StageFailed StageState = "failed"
)

// Outcome classifies the result of one agent attempt.
type Outcome string

const (
	// OutcomeOK means the stage produced a result and the pipeline advances.
	OutcomeOK Outcome = "ok"
	// OutcomeRetry means the attempt failed transiently and may be retried.
	OutcomeRetry Outcome = "retry"
	// OutcomeFatal means the attempt failed permanently; the task fails.
	OutcomeFatal Outcome = "fatal"
)

// MemoryWrite is a pending memory store write produced by an agent. The
// orchestrator commits writes after an ok outcome; agents never touch the
// store directly. When EmbedText is non-empty the orchestrator embeds it and
// indexes the entry for similarity recall.
type MemoryWrite struct {
	Key       string        `json:"key"`
	Value     []byte        `json:"value"`
	EmbedText string        `json:"embed_text,omitempty"`
	TTL       time.Duration `json:"ttl,omitempty"`
}

// StageResult records the outcome, output, pending writes and timing of one
// agent's execution against one task. Results are appended to the task log
// and never mutated afterwards.
type StageResult struct {
	Agent    string        `json:"agent"`
	State    StageState    `json:"state"`
	Outcome  Outcome       `json:"outcome"`
	Output   []byte        `json:"output,omitempty"`
	Writes   []MemoryWrite `json:"writes,omitempty"`
	Error    string        `json:"error,omitempty"`
	Attempts int           `json:"attempts"`
	Duration time.Duration `json:"duration"`

	// Cause carries the typed error behind Error for in-process
	// classification (retryability, advisory retry-after). Not serialized;
	// snapshots loaded from storage only have the string form.
	Cause error `json:"-"`
}

// OKResult builds a successful stage result.
func OKResult(agent string, output []byte, writes ...MemoryWrite) StageResult {
	return StageResult{Agent: agent, State: StageDone, Outcome: OutcomeOK, Output: output, Writes: writes}
}

// RetryResult builds a transiently failed stage result.
func RetryResult(agent string, err error) StageResult {
	return StageResult{Agent: agent, State: StageRetrying, Outcome: OutcomeRetry, Error: errString(err), Cause: err}
}

// FatalResult builds a permanently failed stage result.
func FatalResult(agent string, err error) StageResult {
	return StageResult{Agent: agent, State: StageFailed, Outcome: OutcomeFatal, Error: errString(err), Cause: err}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// Task is the unit of orchestration: a threat object or analysis request
// flowing through an ordered pipeline of agent stages. The payload is
// immutable for the task's lifetime; status and the stage log are owned
// exclusively by the orchestrator.
type Task struct {
	ID        string          `json:"id"`
	Type      TaskType        `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Status    TaskStatus      `json:"status"`
	Stages    []StageResult   `json:"stages,omitempty"`
	Error     string          `json:"error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// NewTask creates a pending task with a fresh identifier.
func NewTask(typ TaskType, payload json.RawMessage) *Task {
	now := time.Now().UTC()
	return &Task{
		ID:        uuid.NewString(),
		Type:      typ,
		Payload:   payload,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Snapshot returns a deep copy safe to hand to callers while workers keep
// mutating the original.
func (t *Task) Snapshot() *Task {
	cp := *t
	cp.Payload = append(json.RawMessage(nil), t.Payload...)
	cp.Stages = make([]StageResult, len(t.Stages))
	for i, s := range t.Stages {
		sc := s
		sc.Output = append([]byte(nil), s.Output...)
		sc.Writes = make([]MemoryWrite, len(s.Writes))
		for j, w := range s.Writes {
			wc := w
			wc.Value = append([]byte(nil), w.Value...)
			sc.Writes[j] = wc
		}
		cp.Stages[i] = sc
	}
	return &cp
}
