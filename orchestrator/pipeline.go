package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/threatmesh/threatmesh/core"
	"github.com/threatmesh/threatmesh/internal/util"
)

// runTask drives one task's pipeline to a terminal state. Stages execute
// strictly in registry order; a fatal outcome or exhausted retries fails the
// task without rolling back already-committed stage results.
func (o *Orchestrator) runTask(h *taskHandle) {
	task := h.task

	pipeline, err := o.registry.Pipeline(task.Type)
	if err != nil {
		o.finish(task, core.StatusFailed, err)
		return
	}

	if h.ctx.Err() != nil {
		o.finish(task, core.StatusCancelled, context.Cause(h.ctx))
		return
	}

	task.Status = core.StatusRunning
	task.UpdatedAt = time.Now().UTC()
	o.persistOrLog(task)

	if err := o.validatePayload(task, pipeline); err != nil {
		o.finish(task, core.StatusFailed, err)
		return
	}

	for _, ag := range pipeline {
		if h.ctx.Err() != nil {
			o.finish(task, core.StatusCancelled, context.Canceled)
			return
		}

		res := o.runStage(h, ag)
		o.metrics.stageDuration.Observe(res.Duration.Seconds())

		if res.Outcome == core.OutcomeOK {
			o.commitWrites(h.ctx, task, res)
			task.Stages = append(task.Stages, res)
			task.UpdatedAt = time.Now().UTC()
			o.persistOrLog(task)
			continue
		}

		task.Stages = append(task.Stages, res)
		if errors.Is(res.Cause, context.Canceled) || h.ctx.Err() != nil {
			o.finish(task, core.StatusCancelled, context.Canceled)
			return
		}
		o.finish(task, core.StatusFailed, fmt.Errorf("stage %s: %s", res.Agent, res.Error))
		return
	}

	o.finish(task, core.StatusSucceeded, nil)
}

// runStage executes one stage with retries. The attempt budget covers the
// first try; each transient failure waits an exponentially growing interval,
// stretched further when the collaborator supplied retry-after advice.
func (o *Orchestrator) runStage(h *taskHandle, ag core.Agent) core.StageResult {
	desc := ag.Descriptor()
	start := time.Now()

	cacheKey := core.CacheKey(desc.Capability, h.task.Payload)
	exact, recalled := o.retrieve(h, cacheKey)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = o.initialBackoff
	bo.MaxInterval = o.maxBackoff
	bo.MaxElapsedTime = 0
	bo.Reset()

	var res core.StageResult
	for attempt := 1; ; attempt++ {
		res = o.invoke(h, ag, desc, cacheKey, exact, recalled)
		res.Attempts = attempt
		res.Duration = time.Since(start)

		if res.Outcome != core.OutcomeRetry {
			return res
		}
		if attempt >= o.maxAttempts {
			res.State = core.StageFailed
			res.Error = fmt.Sprintf("retries exhausted after %d attempts: %s", attempt, res.Error)
			return res
		}

		wait := bo.NextBackOff()
		if advisory, ok := core.RetryAfter(res.Cause); ok && advisory > wait {
			wait = advisory
		}
		o.metrics.stageRetries.Inc()
		o.logger.Debug("stage retry scheduled",
			"task_id", h.task.ID, "agent", desc.Name,
			"attempt", attempt, "wait", wait.String(), "error", res.Error)

		select {
		case <-h.ctx.Done():
			res.State = core.StageFailed
			res.Outcome = core.OutcomeFatal
			res.Error = "cancelled during retry backoff"
			res.Cause = context.Canceled
			res.Duration = time.Since(start)
			return res
		case <-time.After(wait):
		}
	}
}

// invoke runs a single agent attempt behind the collaborator gate and a
// per-call timeout. Agent panics resolve as fatal stage results.
func (o *Orchestrator) invoke(h *taskHandle, ag core.Agent, desc core.Descriptor, cacheKey string, exact *core.MemoryEntry, recalled []core.SimilarityMatch) (res core.StageResult) {
	release, err := o.gate.acquire(h.ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return core.StageResult{
				Agent: desc.Name, State: core.StageFailed, Outcome: core.OutcomeFatal,
				Error: "cancelled", Cause: context.Canceled,
			}
		}
		return core.RetryResult(desc.Name, err)
	}
	defer release()

	ctx, cancel := context.WithTimeout(h.ctx, o.stageTimeout)
	defer cancel()

	sc := core.NewStageContext(ctx, h.task, desc, cacheKey, exact, recalled, o.cti, o.llm, o.usage, o.logger)

	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("agent panicked", "task_id", h.task.ID, "agent", desc.Name, "panic", fmt.Sprint(r))
			res = core.FatalResult(desc.Name, fmt.Errorf("agent panicked: %v", r))
		}
	}()

	res = ag.Run(sc)
	res.Agent = desc.Name

	// A per-call timeout is transient by contract, even when the agent
	// classified it otherwise. Cancellation of the whole task stays fatal.
	if res.Outcome == core.OutcomeFatal &&
		errors.Is(ctx.Err(), context.DeadlineExceeded) && h.ctx.Err() == nil {
		res = core.RetryResult(desc.Name, context.DeadlineExceeded)
	}
	return res
}

// retrieve gathers the memory context for a stage: the exact-key hit and the
// similarity recall over an embedding of the payload. Store and embedder
// faults degrade to an empty context, never to a failed stage.
func (o *Orchestrator) retrieve(h *taskHandle, cacheKey string) (*core.MemoryEntry, []core.SimilarityMatch) {
	var exact *core.MemoryEntry
	entry, ok, err := o.memory.GetExact(h.ctx, cacheKey)
	switch {
	case err != nil:
		o.logger.Warn("exact memory lookup failed", "task_id", h.task.ID, "error", err.Error())
	case ok:
		exact = &entry
		o.metrics.memoryHits.Inc()
	default:
		o.metrics.memoryMisses.Inc()
	}

	var recalled []core.SimilarityMatch
	vec, err := o.embedder.Embed(h.ctx, string(h.task.Payload))
	if err != nil {
		o.logger.Debug("recall embedding failed", "task_id", h.task.ID, "error", err.Error())
		return exact, nil
	}
	recalled, err = o.memory.QueryBySimilarity(h.ctx, vec, o.similarityK, o.similarityMin)
	if err != nil {
		o.logger.Warn("similarity recall failed", "task_id", h.task.ID, "error", err.Error())
		return exact, nil
	}
	return exact, recalled
}

// commitWrites applies a successful stage's memory writes. Writes carrying
// embed text are embedded and indexed for later similarity recall. Storage
// faults are logged and skipped: caching is additive, not transactional.
func (o *Orchestrator) commitWrites(ctx context.Context, task *core.Task, res core.StageResult) {
	for _, w := range res.Writes {
		var embedding []float32
		if w.EmbedText != "" {
			vec, err := o.embedder.Embed(ctx, w.EmbedText)
			if err != nil {
				o.logger.Warn("write embedding failed, storing unindexed",
					"task_id", task.ID, "key", w.Key, "error", err.Error())
			} else {
				embedding = vec
			}
		}

		write := w
		err := o.memory.Put(ctx, w.Key, w.Value, func(po *core.PutOptions) {
			po.Embedding = embedding
			po.TTL = write.TTL
			po.Provenance = core.Provenance{Agent: res.Agent, TaskID: task.ID}
		})
		if err != nil {
			o.logger.Warn("memory write failed, continuing uncached",
				"task_id", task.ID, "key", w.Key, "error", err.Error())
		}
	}
}

// validatePayload checks the task payload against every stage agent's
// declared input schema before the first stage runs. Failures are permanent.
func (o *Orchestrator) validatePayload(task *core.Task, pipeline []core.Agent) error {
	var schemas []map[string]any
	for _, ag := range pipeline {
		if schema := ag.Descriptor().InputSchema; schema != nil {
			schemas = append(schemas, schema)
		}
	}
	if len(schemas) == 0 {
		return nil
	}

	var payload map[string]any
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		return &core.ValidationError{Message: "payload is not a JSON object"}
	}
	for _, schema := range schemas {
		if err := util.ValidatePayload(payload, schema); err != nil {
			return err
		}
	}
	return nil
}

// finish drives the task to a terminal state, persists the final snapshot
// and records metrics. Terminal states are final; the task never re-enters
// the queue.
func (o *Orchestrator) finish(task *core.Task, status core.TaskStatus, err error) {
	task.Status = status
	task.UpdatedAt = time.Now().UTC()
	if err != nil {
		task.Error = err.Error()
	}
	o.persistOrLog(task)
	o.metrics.taskFinished(status)

	switch status {
	case core.StatusFailed:
		o.logger.Warn("task failed", "task_id", task.ID, "error", task.Error)
	case core.StatusCancelled:
		o.logger.Info("task cancelled", "task_id", task.ID)
	default:
		o.logger.Info("task finished", "task_id", task.ID, "status", string(status))
	}
}
