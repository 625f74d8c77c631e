package core

import (
	"context"
	"encoding/json"
	"time"
)

// ThreatObject is a structured CTI entity returned by the platform: an
// observable, indicator, threat actor or similar. Raw carries the platform's
// own representation untouched for agents that need fields the normalized
// shape drops.
type ThreatObject struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Value     string          `json:"value"`
	Labels    []string        `json:"labels,omitempty"`
	Raw       json.RawMessage `json:"raw,omitempty"`
	CreatedAt time.Time       `json:"created_at,omitzero"`
}

// Enrichment is the additive result of an enrichment stage submitted back to
// the platform.
type Enrichment struct {
	ObjectID string         `json:"object_id"`
	Summary  string         `json:"summary"`
	Related  []ThreatObject `json:"related,omitempty"`
}

// Report is a human-readable summary persisted to the platform at the end of
// a reporting pipeline.
type Report struct {
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Content     string    `json:"content"`
	ObjectRefs  []string  `json:"object_refs,omitempty"`
	Labels      []string  `json:"labels,omitempty"`
	Published   time.Time `json:"published,omitzero"`
}

// CTIClient is the abstract interface to the external CTI graph platform.
// Implementations return ErrNotFound for missing entities and wrap transient
// faults with ErrUnavailable so the orchestrator's retry policy can classify
// them.
type CTIClient interface {
	FetchObservable(ctx context.Context, id string) (ThreatObject, error)
	FetchRelated(ctx context.Context, id string, relationKinds []string) ([]ThreatObject, error)
	PersistReport(ctx context.Context, report Report) (string, error)
	SubmitEnrichment(ctx context.Context, id string, enrichment Enrichment) error
}

// GenerateOptions configures a single LLM generation call.
type GenerateOptions struct {
	// System is the system prompt prepended to the request.
	System string
	// MaxTokens bounds the completion length; zero uses the adapter default.
	MaxTokens int
	// Temperature overrides the adapter default when non-negative.
	Temperature float64
}

// LLMClient is the abstract interface to the text generation collaborator.
// Implementations return a *RateLimitedError on throttling (carrying the
// provider's advisory retry-after when available) and wrap other transient
// faults with ErrUnavailable.
type LLMClient interface {
	Generate(ctx context.Context, prompt string, optFns ...func(*GenerateOptions)) (string, error)
}

// Embedder turns text into fixed-length vectors for semantic recall.
// Dimensions is constant for the provider's lifetime; every embedding it
// returns has exactly that length.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}
