package core

import (
	"context"
	"encoding/json"

	"github.com/threatmesh/threatmesh/logging"
)

// StageContext carries everything one agent invocation may touch: the task
// payload, the memory retrieved for this stage (exact hit plus similarity
// recall), handles to the external collaborators, the shared token usage
// tracker and the cancellation signal.
//
// The context is built fresh by the orchestrator for every attempt and
// discarded afterwards; agents must not retain references past Run.
type StageContext struct {
	// Context is the cancellation signal for this attempt. It is derived from
	// the task's context and additionally bounded by the per-call timeout.
	Context context.Context

	TaskID   string
	TaskType TaskType
	Payload  json.RawMessage
	Agent    Descriptor

	// CacheKey is the canonical exact-match key derived from this stage's
	// effective input. Agents reuse it for their own writes so later runs hit
	// the cache.
	CacheKey string
	// Exact is the cache hit for CacheKey, nil on miss.
	Exact *MemoryEntry
	// Recalled holds similarity matches for the stage input, best first.
	Recalled []SimilarityMatch

	// PriorStages is the task's committed stage log so far. Read-only.
	PriorStages []StageResult

	CTI   CTIClient
	LLM   LLMClient
	Usage *Usage

	*loggerAdapter
}

// NewStageContext assembles a stage context. A nil logger is replaced with a
// no-op implementation.
func NewStageContext(
	ctx context.Context,
	task *Task,
	agent Descriptor,
	cacheKey string,
	exact *MemoryEntry,
	recalled []SimilarityMatch,
	cti CTIClient,
	llm LLMClient,
	usage *Usage,
	logger logging.Logger,
) *StageContext {
	return &StageContext{
		Context:       ctx,
		TaskID:        task.ID,
		TaskType:      task.Type,
		Payload:       task.Payload,
		Agent:         agent,
		CacheKey:      cacheKey,
		Exact:         exact,
		Recalled:      recalled,
		PriorStages:   task.Stages,
		CTI:           cti,
		LLM:           llm,
		Usage:         usage,
		loggerAdapter: newLoggerAdapter(logger),
	}
}

// Done returns a channel closed when the attempt is cancelled or times out.
func (sc *StageContext) Done() <-chan struct{} { return sc.Context.Done() }

// Err returns the cancellation error, if any.
func (sc *StageContext) Err() error { return sc.Context.Err() }

// Cancelled is the polling helper agents call at safe points, before and
// after collaborator calls.
func (sc *StageContext) Cancelled() bool {
	select {
	case <-sc.Context.Done():
		return true
	default:
		return false
	}
}
