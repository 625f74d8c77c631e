package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/threatmesh/threatmesh/core"
	"github.com/threatmesh/threatmesh/internal/util"
)

// EnrichInput is the payload contract of the Enrichment stage.
type EnrichInput struct {
	// Observable is the platform id or value to enrich.
	Observable string `json:"observable"`
	// RelationKinds restricts the relationship traversal; empty means all.
	RelationKinds []string `json:"relation_kinds,omitempty"`
}

// EnrichmentOptions configures an Enrichment instance.
type EnrichmentOptions struct {
	// Priority orders the agent within the enrichment pipeline. Defaults to
	// 20 so it runs after the analyst.
	Priority int
	// SubmitBack pushes the enrichment to the CTI platform when true.
	SubmitBack bool
	// CacheTTL bounds the lifetime of the cached enrichment.
	CacheTTL time.Duration
	// Profile scopes the enrichment summary.
	Profile Profile
}

// Enrichment augments an observable with related entities from the CTI
// platform, guided by similarity recall of prior enrichments. An observable
// the platform has never seen is not a failure: the lookup is never retried
// and the stage degrades to an enrichment over the raw value, so the
// pipeline still records the attempt.
type Enrichment struct {
	BaseAgent
	submitBack bool
	cacheTTL   time.Duration
}

// NewEnrichment creates an enrichment agent.
func NewEnrichment(optFns ...func(o *EnrichmentOptions)) *Enrichment {
	opts := EnrichmentOptions{
		Priority:   20,
		SubmitBack: true,
		CacheTTL:   12 * time.Hour,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	return &Enrichment{
		BaseAgent: NewBaseAgent(core.Descriptor{
			Name:        "enrichment",
			Capability:  core.TypeEnrich,
			Priority:    opts.Priority,
			Idempotent:  true,
			InputSchema: util.CreateSchema(EnrichInput{}),
		}, opts.Profile),
		submitBack: opts.SubmitBack,
		cacheTTL:   opts.CacheTTL,
	}
}

var _ core.Agent = (*Enrichment)(nil)

// Run fetches the observable and its related entities from the platform and
// assembles an additive enrichment.
func (a *Enrichment) Run(sc *core.StageContext) core.StageResult {
	var in EnrichInput
	if err := json.Unmarshal(sc.Payload, &in); err != nil || in.Observable == "" {
		return a.fail(&core.ValidationError{Field: "observable", Message: "missing or malformed observable"})
	}

	if sc.CTI == nil {
		return a.fail(fmt.Errorf("no CTI client configured"))
	}
	if res, done := a.cancelled(sc); done {
		return res
	}

	obj, err := sc.CTI.FetchObservable(sc.Context, in.Observable)
	switch {
	case errors.Is(err, core.ErrNotFound):
		// No platform record. Not retried, not fatal: enrich over the raw
		// value so the stage still produces a finding.
		obj = core.ThreatObject{Value: in.Observable}
	case err != nil:
		return a.fail(fmt.Errorf("fetch observable %s: %w", in.Observable, err))
	}
	if res, done := a.cancelled(sc); done {
		return res
	}

	var related []core.ThreatObject
	if obj.ID != "" {
		related, err = sc.CTI.FetchRelated(sc.Context, obj.ID, in.RelationKinds)
		if err != nil {
			return a.fail(fmt.Errorf("fetch related for %s: %w", obj.ID, err))
		}
		if res, done := a.cancelled(sc); done {
			return res
		}
	}

	enrichment := core.Enrichment{
		ObjectID: obj.ID,
		Summary:  a.summarize(obj, related, sc),
		Related:  related,
	}

	if a.submitBack && obj.ID != "" {
		if err := sc.CTI.SubmitEnrichment(sc.Context, obj.ID, enrichment); err != nil {
			return a.fail(fmt.Errorf("submit enrichment for %s: %w", obj.ID, err))
		}
	}

	out, err := json.Marshal(enrichment)
	if err != nil {
		return a.fail(err)
	}

	return a.ok(out, core.MemoryWrite{
		Key:       sc.CacheKey,
		Value:     out,
		EmbedText: enrichment.Summary,
		TTL:       a.cacheTTL,
	})
}

// summarize builds a short textual summary of the enrichment, folding in
// prior recalled findings so repeated enrichments converge instead of
// restating each other.
func (a *Enrichment) summarize(obj core.ThreatObject, related []core.ThreatObject, sc *core.StageContext) string {
	var summary string
	if obj.ID == "" {
		summary = fmt.Sprintf("observable %q has no platform record", obj.Value)
	} else {
		summary = fmt.Sprintf("%s %q has %d related entities", obj.Type, obj.Value, len(related))
	}
	for i, r := range related {
		if i >= 5 {
			summary += fmt.Sprintf(" and %d more", len(related)-i)
			break
		}
		summary += fmt.Sprintf("; %s %q", r.Type, r.Value)
	}
	if len(sc.Recalled) > 0 {
		summary += fmt.Sprintf(" (%d prior related findings on record)", len(sc.Recalled))
	}
	return summary
}
