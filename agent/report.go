package agent

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/threatmesh/threatmesh/core"
	"github.com/threatmesh/threatmesh/internal/util"
)

// ReportInput is the payload contract of the ReportGenerator stage.
type ReportInput struct {
	// Name titles the report.
	Name string `json:"name"`
	// ObjectRefs lists the platform ids the report covers.
	ObjectRefs []string `json:"object_refs,omitempty"`
	// Focus steers the summary, e.g. "executive summary" or "IOC detail".
	Focus string `json:"focus,omitempty"`
}

// defaultReportInstruction is rendered with the operator profile before use.
const defaultReportInstruction = `You write threat intelligence reports` +
	`{{if .organization}} for {{.organization}}{{end}}` +
	`{{if .industry}} ({{.industry}}{{if .region}}, {{.region}}{{end}}){{end}}.
Summarize the findings below into a structured report with an assessment and
recommended actions. Do not invent indicators that are not in the findings.`

// ReportGeneratorOptions configures a ReportGenerator instance.
type ReportGeneratorOptions struct {
	// Priority orders the agent within the report pipeline.
	Priority int
	// Instruction is the system prompt template, rendered with the profile.
	Instruction string
	// MaxTokens bounds the completion length.
	MaxTokens int
	// Temperature for the generation call.
	Temperature float64
	// Labels are attached to every persisted report.
	Labels []string
	// Profile scopes the report.
	Profile Profile
}

// ReportGenerator summarizes the task's accumulated findings with the LLM
// and persists the result to the CTI platform.
type ReportGenerator struct {
	BaseAgent
	instruction string
	maxTokens   int
	temperature float64
	labels      []string
}

// NewReportGenerator creates a report generator agent.
func NewReportGenerator(optFns ...func(o *ReportGeneratorOptions)) *ReportGenerator {
	opts := ReportGeneratorOptions{
		Priority:    30,
		Instruction: defaultReportInstruction,
		MaxTokens:   2048,
		Temperature: 0.3,
		Labels:      []string{"threatmesh"},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	return &ReportGenerator{
		BaseAgent: NewBaseAgent(core.Descriptor{
			Name:        "report-generator",
			Capability:  core.TypeReport,
			Priority:    opts.Priority,
			Idempotent:  false,
			InputSchema: util.CreateSchema(ReportInput{}),
		}, opts.Profile),
		instruction: opts.Instruction,
		maxTokens:   opts.MaxTokens,
		temperature: opts.Temperature,
		labels:      opts.Labels,
	}
}

var _ core.Agent = (*ReportGenerator)(nil)

// Run generates and persists a report over the stage log and recalled
// memory. The persisted report id is part of the stage output.
func (a *ReportGenerator) Run(sc *core.StageContext) core.StageResult {
	var in ReportInput
	if err := json.Unmarshal(sc.Payload, &in); err != nil || in.Name == "" {
		return a.fail(&core.ValidationError{Field: "name", Message: "missing or malformed report name"})
	}

	if sc.LLM == nil {
		return a.fail(fmt.Errorf("no LLM client configured"))
	}
	if sc.CTI == nil {
		return a.fail(fmt.Errorf("no CTI client configured"))
	}
	if res, done := a.cancelled(sc); done {
		return res
	}

	system, err := util.RenderTemplate(a.instruction, a.Profile().Vars())
	if err != nil {
		return a.fail(fmt.Errorf("render instruction: %w", err))
	}

	prompt := a.buildPrompt(in, sc)

	content, err := sc.LLM.Generate(sc.Context, prompt, func(o *core.GenerateOptions) {
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
		if err := sc.Usage.Record(a.Descriptor().Name, sc.Usage.Estimate(system+prompt), sc.Usage.Estimate(content)); err != nil {
			return core.FatalResult(a.Descriptor().Name, err)
		}
	}

	report := core.Report{
		Name:       in.Name,
		Content:    content,
		ObjectRefs: in.ObjectRefs,
		Labels:     a.labels,
		Published:  time.Now().UTC(),
	}
	reportID, err := sc.CTI.PersistReport(sc.Context, report)
	if err != nil {
		return a.fail(fmt.Errorf("persist report %q: %w", in.Name, err))
	}

	out, err := json.Marshal(map[string]string{
		"report_id": reportID,
		"name":      in.Name,
		"content":   content,
	})
	if err != nil {
		return a.fail(err)
	}

	return a.ok(out, core.MemoryWrite{
		Key:       sc.CacheKey,
		Value:     out,
		EmbedText: fmt.Sprintf("report %s: %s", in.Name, content),
	})
}

// buildPrompt assembles the findings section from the stage log and recall.
func (a *ReportGenerator) buildPrompt(in ReportInput, sc *core.StageContext) string {
	prompt := fmt.Sprintf("Report: %s\n", in.Name)
	if in.Focus != "" {
		prompt += fmt.Sprintf("Focus: %s\n", in.Focus)
	}

	if len(sc.PriorStages) > 0 {
		prompt += "\nPipeline findings:\n"
		for _, stage := range sc.PriorStages {
			if stage.Outcome != core.OutcomeOK || len(stage.Output) == 0 {
				continue
			}
			prompt += fmt.Sprintf("- [%s] %s\n", stage.Agent, stage.Output)
		}
	}
	if recall := recallContext(sc); recall != "" {
		prompt += "\n" + recall
	}
	return prompt
}
