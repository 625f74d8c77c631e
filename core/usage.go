package core

import (
	"fmt"
	"sync"
)

// TokenCount aggregates prompt and completion tokens for one agent.
type TokenCount struct {
	Prompt     int `json:"prompt"`
	Completion int `json:"completion"`
}

// Total returns the combined token count.
func (c TokenCount) Total() int { return c.Prompt + c.Completion }

// Usage tracks LLM token consumption per agent against optional per-agent
// limits and a process-wide budget. It exists so a runaway pipeline degrades
// into a fatal stage error instead of silently burning through a provider
// quota.
type Usage struct {
	mu       sync.Mutex
	perAgent map[string]TokenCount
	limits   map[string]int
	budget   int
	total    int
}

// NewUsage creates a tracker with the given process budget. A zero budget
// means unlimited.
func NewUsage(budget int) *Usage {
	return &Usage{
		perAgent: make(map[string]TokenCount),
		limits:   make(map[string]int),
		budget:   budget,
	}
}

// SetLimit sets a per-agent token limit. Zero removes the limit.
func (u *Usage) SetLimit(agent string, limit int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if limit <= 0 {
		delete(u.limits, agent)
		return
	}
	u.limits[agent] = limit
}

// Record accumulates tokens spent by an agent and returns an error once the
// agent's limit or the process budget is exceeded. The tokens are counted
// even when the limit trips, so totals stay honest.
func (u *Usage) Record(agent string, prompt, completion int) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	c := u.perAgent[agent]
	c.Prompt += prompt
	c.Completion += completion
	u.perAgent[agent] = c
	u.total += prompt + completion

	if limit, ok := u.limits[agent]; ok && c.Total() > limit {
		return fmt.Errorf("agent %s exceeded token limit: %d > %d", agent, c.Total(), limit)
	}
	if u.budget > 0 && u.total > u.budget {
		return fmt.Errorf("process token budget exceeded: %d > %d", u.total, u.budget)
	}
	return nil
}

// Estimate approximates the token count of a text. A crude chars/4 heuristic
// is enough for budget enforcement when the provider omits usage data.
func (u *Usage) Estimate(text string) int {
	if text == "" {
		return 0
	}
	return len(text)/4 + 1
}

// Count returns the tokens recorded for one agent.
func (u *Usage) Count(agent string) TokenCount {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.perAgent[agent]
}

// Total returns the tokens recorded across all agents.
func (u *Usage) Total() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.total
}

// Snapshot returns a copy of the per-agent counts.
func (u *Usage) Snapshot() map[string]TokenCount {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make(map[string]TokenCount, len(u.perAgent))
	for k, v := range u.perAgent {
		out[k] = v
	}
	return out
}
