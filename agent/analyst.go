package agent

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/threatmesh/threatmesh/core"
	"github.com/threatmesh/threatmesh/internal/util"
)

// AnalyzeInput is the payload contract of the ThreatAnalyst stage.
type AnalyzeInput struct {
	// Observable is the value or platform id under analysis.
	Observable string `json:"observable"`
	// Context is free-form analyst-supplied background.
	Context string `json:"context,omitempty"`
}

// defaultAnalystInstruction is rendered with the operator profile before use.
const defaultAnalystInstruction = `You are a senior threat intelligence analyst` +
	`{{if .organization}} working for {{.organization}}{{end}}` +
	`{{if .industry}} in the {{.industry}} sector{{end}}` +
	`{{if .region}} ({{.region}}){{end}}.
Assess the given observable. State the likely threat class, confidence and
recommended next step. Be concise and factual.`

// ThreatAnalystOptions configures a ThreatAnalyst instance.
type ThreatAnalystOptions struct {
	// Capability the agent registers under. Defaults to TypeAnalyze; the
	// enrichment pipeline registers a second instance under TypeEnrich.
	Capability core.TaskType
	// Priority orders the agent within its pipeline.
	Priority int
	// Instruction is the system prompt template, rendered with the profile.
	Instruction string
	// MaxTokens bounds the completion length.
	MaxTokens int
	// Temperature for the generation call.
	Temperature float64
	// CacheTTL bounds the lifetime of the cached assessment.
	CacheTTL time.Duration
	// Profile scopes assessments to the operator's context.
	Profile Profile
}

// ThreatAnalyst classifies an observable with the LLM collaborator. The
// assessment is cached under the stage's canonical key, so re-analyzing the
// same observable short-circuits without a collaborator call.
type ThreatAnalyst struct {
	BaseAgent
	instruction string
	maxTokens   int
	temperature float64
	cacheTTL    time.Duration
}

// NewThreatAnalyst creates a threat analyst agent.
func NewThreatAnalyst(optFns ...func(o *ThreatAnalystOptions)) *ThreatAnalyst {
	opts := ThreatAnalystOptions{
		Capability:  core.TypeAnalyze,
		Priority:    10,
		Instruction: defaultAnalystInstruction,
		MaxTokens:   1024,
		Temperature: 0.2,
		CacheTTL:    24 * time.Hour,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	return &ThreatAnalyst{
		BaseAgent: NewBaseAgent(core.Descriptor{
			Name:        "threat-analyst",
			Capability:  opts.Capability,
			Priority:    opts.Priority,
			Idempotent:  true,
			InputSchema: util.CreateSchema(AnalyzeInput{}),
		}, opts.Profile),
		instruction: opts.Instruction,
		maxTokens:   opts.MaxTokens,
		temperature: opts.Temperature,
		cacheTTL:    opts.CacheTTL,
	}
}

var _ core.Agent = (*ThreatAnalyst)(nil)

// Run produces an assessment of the payload's observable.
func (a *ThreatAnalyst) Run(sc *core.StageContext) core.StageResult {
	var in AnalyzeInput
	if err := json.Unmarshal(sc.Payload, &in); err != nil || in.Observable == "" {
		return a.fail(&core.ValidationError{Field: "observable", Message: "missing or malformed observable"})
	}

	if sc.Exact != nil {
		sc.LogDebug("assessment cache hit", "key", sc.CacheKey)
		return a.ok(append([]byte(nil), sc.Exact.Value...))
	}

	if sc.LLM == nil {
		return a.fail(fmt.Errorf("no LLM client configured"))
	}
	if res, done := a.cancelled(sc); done {
		return res
	}

	system, err := util.RenderTemplate(a.instruction, a.Profile().Vars())
	if err != nil {
		return a.fail(fmt.Errorf("render instruction: %w", err))
	}

	prompt := fmt.Sprintf("Observable: %s\n", in.Observable)
	if in.Context != "" {
		prompt += fmt.Sprintf("Background: %s\n", in.Context)
	}
	if recall := recallContext(sc); recall != "" {
		prompt += "\n" + recall
	}

	text, err := sc.LLM.Generate(sc.Context, prompt, func(o *core.GenerateOptions) {
		o.System = system
		o.MaxTokens = a.maxTokens
		o.Temperature = a.temperature
	})
	if err != nil {
		return a.fail(err)
	}
	if res, done := a.cancelled(sc); done {
		return res
	}

	if sc.Usage != nil {
		promptTokens := sc.Usage.Estimate(system + prompt)
		completionTokens := sc.Usage.Estimate(text)
		if err := sc.Usage.Record(a.Descriptor().Name, promptTokens, completionTokens); err != nil {
			return core.FatalResult(a.Descriptor().Name, err)
		}
	}

	out, err := json.Marshal(map[string]string{
		"observable": in.Observable,
		"assessment": text,
	})
	if err != nil {
		return a.fail(err)
	}

	return a.ok(out, core.MemoryWrite{
		Key:       sc.CacheKey,
		Value:     out,
		EmbedText: fmt.Sprintf("%s: %s", in.Observable, text),
		TTL:       a.cacheTTL,
	})
}
