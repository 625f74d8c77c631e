// Package orchestrator drives tasks through their agent pipelines.
//
// A bounded worker pool pulls tasks from a queue; each worker executes one
// task's stages strictly in sequence while many tasks progress in parallel.
// Per stage the orchestrator retrieves memory (exact key plus similarity
// recall), invokes the agent under a per-call timeout, applies the returned
// stage result, and commits memory writes. Transient failures retry with
// exponential backoff honoring provider retry-after advice; permanent
// failures fail the task with the full stage log attached.
//
// Collaborator calls pass through a weighted semaphore gate so the worker
// pool cannot outrun external rate limits. Task snapshots are persisted at
// every status transition and survive a restart.
package orchestrator
