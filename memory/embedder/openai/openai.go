// Package openai implements core.Embedder on top of the OpenAI embeddings
// API.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/openai/openai-go"

	"github.com/threatmesh/threatmesh/core"
)

// Options configures the OpenAI embedder. Fields intentionally cover only
// what the memory subsystem needs; extend via functional options.
type Options struct {
	Model      openai.EmbeddingModel
	Dimensions int
}

// Embedder wraps the OpenAI embeddings endpoint behind core.Embedder.
type Embedder struct {
	client *openai.Client
	opts   Options
}

// New creates an embedder using a client configured from the environment.
func New(optFns ...func(o *Options)) *Embedder {
	client := openai.NewClient()
	return NewFromClient(&client, optFns...)
}

// NewFromClient creates an embedder from an existing client.
func NewFromClient(client *openai.Client, optFns ...func(o *Options)) *Embedder {
	opts := Options{
		Model:      openai.EmbeddingModelTextEmbedding3Small,
		Dimensions: 1536,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Embedder{client: client, opts: opts}
}

var _ core.Embedder = (*Embedder)(nil)

// Embed converts text to a fixed-length vector. Throttling surfaces as a
// *core.RateLimitedError; other API faults wrap core.ErrUnavailable.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	params := openai.EmbeddingNewParams{
		Model: e.opts.Model,
		Input: openai.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: []string{text},
		},
	}
	if e.opts.Dimensions > 0 {
		params.Dimensions = openai.Int(int64(e.opts.Dimensions))
	}

	resp, err := e.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, mapAPIError(err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("embeddings response contained no data: %w", core.ErrUnavailable)
	}

	raw := resp.Data[0].Embedding
	vec := make([]float32, len(raw))
	for i, v := range raw {
		vec[i] = float32(v)
	}
	return vec, nil
}

// Dimensions returns the fixed output size of the configured model.
func (e *Embedder) Dimensions() int { return e.opts.Dimensions }

func mapAPIError(err error) error {
	var apierr *openai.Error
	if errors.As(err, &apierr) {
		if apierr.StatusCode == http.StatusTooManyRequests {
			return &core.RateLimitedError{RetryAfter: retryAfter(apierr.Response)}
		}
		if apierr.StatusCode >= 500 {
			return fmt.Errorf("openai embeddings: %v: %w", err, core.ErrUnavailable)
		}
	}
	return fmt.Errorf("openai embeddings: %w", err)
}

func retryAfter(resp *http.Response) time.Duration {
	if resp == nil {
		return 0
	}
	if v := resp.Header.Get("Retry-After"); v != "" {
		if d, err := time.ParseDuration(v + "s"); err == nil {
			return d
		}
	}
	return 0
}
