// Package openai implements core.LLMClient on top of the OpenAI chat
// completions API.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/threatmesh/threatmesh/core"
)

// Options configures the OpenAI adapter.
type Options struct {
	Model       openai.ChatModel
	MaxTokens   int64
	Temperature float64
	APIKey      string
}

// Client wraps the chat completions endpoint behind core.LLMClient.
type Client struct {
	client *openai.Client
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

	client := openai.NewClient(clientOpts...)
	return &Client{client: &client, opts: opts}
}

// NewFromClient creates an adapter from an existing client.
func NewFromClient(client *openai.Client, optFns ...func(o *Options)) *Client {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Client{client: client, opts: opts}
}

func defaultOptions() Options {
	return Options{
		Model:       openai.ChatModelGPT4o,
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

	var messages []openai.ChatCompletionMessageParamUnion
	if gen.System != "" {
		messages = append(messages, openai.SystemMessage(gen.System))
	}
	messages = append(messages, openai.UserMessage(prompt))

	params := openai.ChatCompletionNewParams{
		Model:     c.opts.Model,
		Messages:  messages,
		MaxTokens: openai.Int(int64(gen.MaxTokens)),
	}
	if gen.Temperature >= 0 {
		params.Temperature = openai.Float(gen.Temperature)
	}

	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", mapAPIError(err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai response contained no choices: %w", core.ErrUnavailable)
	}
	return resp.Choices[0].Message.Content, nil
}

func mapAPIError(err error) error {
	var apierr *openai.Error
	if errors.As(err, &apierr) {
		if apierr.StatusCode == http.StatusTooManyRequests {
			return &core.RateLimitedError{RetryAfter: retryAfter(apierr.Response)}
		}
		if apierr.StatusCode >= 500 {
			return fmt.Errorf("openai: %v: %w", err, core.ErrUnavailable)
		}
	}
	return fmt.Errorf("openai: %w", err)
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
