// Package anthropic implements core.LLMClient on top of the Anthropic
// Messages API.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/threatmesh/threatmesh/core"
)

// Options configures the Anthropic adapter (model id, completion bound,
// temperature, API key). Extend via functional options to preserve stability.
type Options struct {
	Model       anthropic.Model
	MaxTokens   int64
	Temperature float64
	APIKey      string
}

// Client wraps the Anthropic Messages API behind core.LLMClient.
type Client struct {
	client *anthropic.Client
	opts   Options
}

// New creates an adapter using a client configured from the environment,
// unless an API key is supplied explicitly.
func New(optFns ...func(o *Options)) *Client {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}

	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}

	client := anthropic.NewClient(clientOpts...)
	return &Client{client: &client, opts: opts}
}

// NewFromClient creates an adapter from an existing client.
func NewFromClient(client *anthropic.Client, optFns ...func(o *Options)) *Client {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Client{client: client, opts: opts}
}

func defaultOptions() Options {
	return Options{
		Model:       anthropic.ModelClaude3_5Sonnet20241022,
		MaxTokens:   4096,
		Temperature: 0.7,
	}
}

var _ core.LLMClient = (*Client)(nil)

// Generate runs a single-turn completion. Throttling surfaces as a
// *core.RateLimitedError; 5xx responses wrap core.ErrUnavailable.
func (c *Client) Generate(ctx context.Context, prompt string, optFns ...func(o *core.GenerateOptions)) (string, error) {
	gen := core.GenerateOptions{
		MaxTokens:   int(c.opts.MaxTokens),
		Temperature: c.opts.Temperature,
	}
	for _, fn := range optFns {
		fn(&gen)
	}

	params := anthropic.MessageNewParams{
		Model:     c.opts.Model,
		MaxTokens: int64(gen.MaxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}
	if gen.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: gen.System}}
	}
	if gen.Temperature >= 0 {
		params.Temperature = anthropic.Float(gen.Temperature)
	}

	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return "", mapAPIError(err)
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if text := block.AsText(); text.Text != "" {
			sb.WriteString(text.Text)
		}
	}
	if sb.Len() == 0 {
		return "", fmt.Errorf("anthropic response contained no text: %w", core.ErrUnavailable)
	}
	return sb.String(), nil
}

func mapAPIError(err error) error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		if apierr.StatusCode == http.StatusTooManyRequests {
			return &core.RateLimitedError{RetryAfter: retryAfter(apierr.Response)}
		}
		if apierr.StatusCode >= 500 {
			return fmt.Errorf("anthropic: %v: %w", err, core.ErrUnavailable)
		}
	}
	return fmt.Errorf("anthropic: %w", err)
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
