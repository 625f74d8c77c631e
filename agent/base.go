package agent

import (
	"context"
	"strings"

	"github.com/threatmesh/threatmesh/core"
)

// Profile describes the operator running the pipeline. Its fields are
// interpolated into the built-in agents' prompts so assessments are scoped
// to the organization's context instead of generic threat commentary.
type Profile struct {
	// Organization is the operator's name, e.g. "Acme Corp SOC".
	Organization string
	// Industry narrows relevance, e.g. "financial services".
	Industry string
	// Region narrows geography, e.g. "EMEA".
	Region string
}

// Vars returns the profile as template variables for prompt rendering.
func (p Profile) Vars() map[string]any {
	return map[string]any{
		"organization": p.Organization,
		"industry":     p.Industry,
		"region":       p.Region,
	}
}

// BaseAgent bundles the descriptor, the operator profile and shared outcome
// helpers. Embed it in concrete agent implementations and supply a Run
// method to satisfy the core.Agent interface.
type BaseAgent struct {
	desc    core.Descriptor
	profile Profile
}

// NewBaseAgent constructs a BaseAgent from a descriptor and profile.
func NewBaseAgent(desc core.Descriptor, profile Profile) BaseAgent {
	return BaseAgent{desc: desc, profile: profile}
}

// Descriptor returns the agent's registration metadata.
func (b *BaseAgent) Descriptor() core.Descriptor { return b.desc }

// Profile returns the operator profile.
func (b *BaseAgent) Profile() Profile { return b.profile }

// ok builds a successful stage result carrying output and pending writes.
func (b *BaseAgent) ok(output []byte, writes ...core.MemoryWrite) core.StageResult {
	return core.OKResult(b.desc.Name, output, writes...)
}

// fail classifies an error into a retryable or fatal stage result per the
// framework taxonomy.
func (b *BaseAgent) fail(err error) core.StageResult {
	if core.IsRetryable(err) {
		return core.RetryResult(b.desc.Name, err)
	}
	return core.FatalResult(b.desc.Name, err)
}

// cancelled returns a fatal result when the stage context is done. Agents
// call it at safe points, before and after collaborator calls.
func (b *BaseAgent) cancelled(sc *core.StageContext) (core.StageResult, bool) {
	if sc.Cancelled() {
		return core.FatalResult(b.desc.Name, context.Canceled), true
	}
	return core.StageResult{}, false
}

// recallContext renders the similarity matches of a stage context into a
// prompt section. Empty recall yields an empty string.
func recallContext(sc *core.StageContext) string {
	if len(sc.Recalled) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("Related prior findings:\n")
	for _, m := range sc.Recalled {
		sb.WriteString("- ")
		sb.Write(m.Entry.Value)
		sb.WriteString("\n")
	}
	return sb.String()
}
