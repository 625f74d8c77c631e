package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/threatmesh/threatmesh/core"
)

type fakeLLM struct {
	text       string
	err        error
	calls      int
	lastPrompt string
	lastOpts   core.GenerateOptions
}

func (f *fakeLLM) Generate(_ context.Context, prompt string, optFns ...func(o *core.GenerateOptions)) (string, error) {
	f.calls++
	f.lastPrompt = prompt
	for _, fn := range optFns {
		fn(&f.lastOpts)
	}
	if f.err != nil {
		return "", f.err
	}
	return f.text, nil
}

type fakeCTI struct {
	object      core.ThreatObject
	objectErr   error
	related     []core.ThreatObject
	relatedErr  error
	submitted   []core.Enrichment
	reports     []core.Report
	reportID    string
	persistErr  error
	submitError error
}

func (f *fakeCTI) FetchObservable(_ context.Context, id string) (core.ThreatObject, error) {
	if f.objectErr != nil {
		return core.ThreatObject{}, f.objectErr
	}
	return f.object, nil
}

func (f *fakeCTI) FetchRelated(_ context.Context, id string, kinds []string) ([]core.ThreatObject, error) {
	if f.relatedErr != nil {
		return nil, f.relatedErr
	}
	return f.related, nil
}

func (f *fakeCTI) PersistReport(_ context.Context, report core.Report) (string, error) {
	if f.persistErr != nil {
		return "", f.persistErr
	}
	f.reports = append(f.reports, report)
	return f.reportID, nil
}

func (f *fakeCTI) SubmitEnrichment(_ context.Context, id string, e core.Enrichment) error {
	if f.submitError != nil {
		return f.submitError
	}
	f.submitted = append(f.submitted, e)
	return nil
}

func newStageContext(payload string, desc core.Descriptor, cti core.CTIClient, llm core.LLMClient) *core.StageContext {
	task := core.NewTask(desc.Capability, json.RawMessage(payload))
	key := core.CacheKey(desc.Capability, task.Payload)
	return core.NewStageContext(context.Background(), task, desc, key, nil, nil, cti, llm, core.NewUsage(0), nil)
}

func TestThreatAnalystGeneratesAssessment(t *testing.T) {
	llm := &fakeLLM{text: "Likely botnet C2 infrastructure. High confidence. Block at egress."}
	a := NewThreatAnalyst(func(o *ThreatAnalystOptions) {
		o.Profile = Profile{Organization: "Acme SOC", Industry: "finance"}
	})

	sc := newStageContext(`{"observable":"45.33.12.8"}`, a.Descriptor(), nil, llm)
	res := a.Run(sc)

	require.Equal(t, core.OutcomeOK, res.Outcome)
	assert.Equal(t, 1, llm.calls)
	assert.Contains(t, llm.lastOpts.System, "Acme SOC")
	assert.Contains(t, llm.lastPrompt, "45.33.12.8")

	var out map[string]string
	require.NoError(t, json.Unmarshal(res.Output, &out))
	assert.Equal(t, "45.33.12.8", out["observable"])
	assert.Contains(t, out["assessment"], "botnet")

	require.Len(t, res.Writes, 1)
	assert.Equal(t, sc.CacheKey, res.Writes[0].Key)
	assert.NotEmpty(t, res.Writes[0].EmbedText)
	assert.Equal(t, 24*time.Hour, res.Writes[0].TTL)
}

func TestThreatAnalystCacheHitSkipsLLM(t *testing.T) {
	llm := &fakeLLM{text: "should not be called"}
	a := NewThreatAnalyst()

	cached := []byte(`{"observable":"45.33.12.8","assessment":"cached verdict"}`)
	sc := newStageContext(`{"observable":"45.33.12.8"}`, a.Descriptor(), nil, llm)
	sc.Exact = &core.MemoryEntry{Key: sc.CacheKey, Value: cached}

	res := a.Run(sc)

	require.Equal(t, core.OutcomeOK, res.Outcome)
	assert.Equal(t, 0, llm.calls, "cache hit must not call the LLM")
	assert.JSONEq(t, string(cached), string(res.Output))
	assert.Empty(t, res.Writes)
}

func TestThreatAnalystRateLimitClassifiesRetryable(t *testing.T) {
	llm := &fakeLLM{err: &core.RateLimitedError{RetryAfter: 2 * time.Second}}
	a := NewThreatAnalyst()

	sc := newStageContext(`{"observable":"evil.example.com"}`, a.Descriptor(), nil, llm)
	res := a.Run(sc)

	assert.Equal(t, core.OutcomeRetry, res.Outcome)
	advisory, ok := core.RetryAfter(res.Cause)
	require.True(t, ok, "advisory delay must survive classification")
	assert.Equal(t, 2*time.Second, advisory)
}

func TestThreatAnalystRejectsMalformedPayload(t *testing.T) {
	a := NewThreatAnalyst()
	sc := newStageContext(`{"nope":true}`, a.Descriptor(), nil, &fakeLLM{})

	res := a.Run(sc)

	assert.Equal(t, core.OutcomeFatal, res.Outcome)
	var ve *core.ValidationError
	assert.True(t, errors.As(res.Cause, &ve))
}

func TestThreatAnalystHonorsCancellation(t *testing.T) {
	a := NewThreatAnalyst()
	task := core.NewTask(core.TypeAnalyze, json.RawMessage(`{"observable":"x"}`))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sc := core.NewStageContext(ctx, task, a.Descriptor(), "key", nil, nil, nil, &fakeLLM{}, nil, nil)

	res := a.Run(sc)

	assert.Equal(t, core.OutcomeFatal, res.Outcome)
	assert.ErrorIs(t, res.Cause, context.Canceled)
}

func TestThreatAnalystTokenLimitIsFatal(t *testing.T) {
	llm := &fakeLLM{text: "a very long assessment that blows the tiny per-agent budget immediately"}
	a := NewThreatAnalyst()

	sc := newStageContext(`{"observable":"x"}`, a.Descriptor(), nil, llm)
	sc.Usage.SetLimit(a.Descriptor().Name, 1)

	res := a.Run(sc)

	assert.Equal(t, core.OutcomeFatal, res.Outcome)
	assert.Contains(t, res.Error, "token limit")
}

func TestEnrichmentNoPlatformRecordStillSucceeds(t *testing.T) {
	cti := &fakeCTI{objectErr: fmt.Errorf("observable missing: %w", core.ErrNotFound)}
	a := NewEnrichment()

	sc := newStageContext(`{"observable":"ghost.example.com"}`, a.Descriptor(), cti, nil)
	res := a.Run(sc)

	require.Equal(t, core.OutcomeOK, res.Outcome, "unknown observable must degrade, not fail the task")

	var e core.Enrichment
	require.NoError(t, json.Unmarshal(res.Output, &e))
	assert.Empty(t, e.Related)
	assert.Contains(t, e.Summary, "no platform record")
	assert.Contains(t, e.Summary, "ghost.example.com")

	assert.Empty(t, cti.submitted, "nothing to attach a note to without a platform id")
	require.Len(t, res.Writes, 1, "the degraded finding is still cached")
	assert.Equal(t, sc.CacheKey, res.Writes[0].Key)
}

func TestEnrichmentCollectsRelatedEntities(t *testing.T) {
	cti := &fakeCTI{
		object: core.ThreatObject{ID: "obs-1", Type: "domain", Value: "evil.example.com"},
		related: []core.ThreatObject{
			{ID: "ind-1", Type: "indicator", Value: "evil.example.com/c2"},
			{ID: "act-1", Type: "threat-actor", Value: "FIN-000"},
		},
	}
	a := NewEnrichment()

	sc := newStageContext(`{"observable":"obs-1"}`, a.Descriptor(), cti, nil)
	res := a.Run(sc)

	require.Equal(t, core.OutcomeOK, res.Outcome)

	var e core.Enrichment
	require.NoError(t, json.Unmarshal(res.Output, &e))
	assert.Equal(t, "obs-1", e.ObjectID)
	assert.Len(t, e.Related, 2)
	assert.Contains(t, e.Summary, "FIN-000")

	require.Len(t, cti.submitted, 1, "enrichment must be submitted back by default")
	require.Len(t, res.Writes, 1)
	assert.Equal(t, e.Summary, res.Writes[0].EmbedText)
}

func TestEnrichmentUnavailableIsRetryable(t *testing.T) {
	cti := &fakeCTI{
		object:     core.ThreatObject{ID: "obs-1", Type: "domain", Value: "evil.example.com"},
		relatedErr: fmt.Errorf("graph query timeout: %w", core.ErrUnavailable),
	}
	a := NewEnrichment()

	sc := newStageContext(`{"observable":"obs-1"}`, a.Descriptor(), cti, nil)
	res := a.Run(sc)

	assert.Equal(t, core.OutcomeRetry, res.Outcome)
}

func TestEnrichmentCanSkipSubmitBack(t *testing.T) {
	cti := &fakeCTI{object: core.ThreatObject{ID: "obs-1", Type: "ip", Value: "1.2.3.4"}}
	a := NewEnrichment(func(o *EnrichmentOptions) { o.SubmitBack = false })

	sc := newStageContext(`{"observable":"obs-1"}`, a.Descriptor(), cti, nil)
	res := a.Run(sc)

	require.Equal(t, core.OutcomeOK, res.Outcome)
	assert.Empty(t, cti.submitted)
}

func TestReportGeneratorPersistsReport(t *testing.T) {
	llm := &fakeLLM{text: "Executive summary: coordinated phishing campaign."}
	cti := &fakeCTI{reportID: "report--42"}
	a := NewReportGenerator(func(o *ReportGeneratorOptions) {
		o.Labels = []string{"campaign"}
	})

	task := core.NewTask(core.TypeReport, json.RawMessage(`{"name":"Q3 phishing wave","object_refs":["obs-1"]}`))
	task.Stages = []core.StageResult{
		core.OKResult("threat-analyst", []byte(`{"assessment":"phishing kit detected"}`)),
	}
	sc := core.NewStageContext(context.Background(), task, a.Descriptor(),
		core.CacheKey(core.TypeReport, task.Payload), nil, nil, cti, llm, core.NewUsage(0), nil)

	res := a.Run(sc)

	require.Equal(t, core.OutcomeOK, res.Outcome)
	assert.Contains(t, llm.lastPrompt, "threat-analyst", "prompt must include the stage log")
	assert.Contains(t, llm.lastPrompt, "phishing kit detected")

	require.Len(t, cti.reports, 1)
	assert.Equal(t, "Q3 phishing wave", cti.reports[0].Name)
	assert.Equal(t, []string{"campaign"}, cti.reports[0].Labels)
	assert.Equal(t, []string{"obs-1"}, cti.reports[0].ObjectRefs)

	var out map[string]string
	require.NoError(t, json.Unmarshal(res.Output, &out))
	assert.Equal(t, "report--42", out["report_id"])
}

func TestReportGeneratorPersistFailureClassified(t *testing.T) {
	llm := &fakeLLM{text: "summary"}
	cti := &fakeCTI{persistErr: fmt.Errorf("platform down: %w", core.ErrUnavailable)}
	a := NewReportGenerator()

	sc := newStageContext(`{"name":"weekly"}`, a.Descriptor(), cti, llm)
	res := a.Run(sc)

	assert.Equal(t, core.OutcomeRetry, res.Outcome)
}
