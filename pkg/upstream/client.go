// Package upstream is the direct completion path: a process-wide HTTP
// client to the provider's Messages API. It maps the gateway's model
// aliases to concrete provider model identifiers and returns generated
// text plus native token usage. No tool, agent, or skill semantics.
package upstream

import (
	"context"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/ccbridge/ccbridge/pkg/models"
)

// ErrUpstream wraps any provider-side failure.
var ErrUpstream = errors.New("upstream request failed")

// MessagesClient is the subset of the provider SDK used here. Satisfied by
// *sdk.MessageService; tests pass a stub.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// modelAliases maps the provider-agnostic aliases accepted on the wire to
// concrete model identifiers. Concrete identifiers pass through untouched.
var modelAliases = map[string]string{
	"haiku":  "claude-haiku-4-5",
	"sonnet": "claude-sonnet-4-5",
	"opus":   "claude-opus-4-1",
}

// ResolveModel maps an alias to its concrete model identifier.
func ResolveModel(alias string) string {
	if concrete, ok := modelAliases[alias]; ok {
		return concrete
	}
	return alias
}

// Client is the direct-path completion client.
type Client struct {
	msg              MessagesClient
	defaultMaxTokens int
}

// New builds a client from a Messages client. defaultMaxTokens applies when
// a request does not specify its own cap.
func New(msg MessagesClient, defaultMaxTokens int) (*Client, error) {
	if msg == nil {
		return nil, errors.New("messages client is required")
	}
	if defaultMaxTokens <= 0 {
		return nil, errors.New("default max_tokens must be positive")
	}
	return &Client{msg: msg, defaultMaxTokens: defaultMaxTokens}, nil
}

// NewFromConfig constructs a client against the real provider API, or nil
// when no API key is configured (the direct path is then unavailable and
// the adapter falls back to the subprocess path).
func NewFromConfig(baseURL, apiKey string, defaultMaxTokens int) (*Client, error) {
	if apiKey == "" {
		return nil, nil
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	ac := sdk.NewClient(opts...)
	return New(&ac.Messages, defaultMaxTokens)
}

// Request is one direct completion request.
type Request struct {
	Model       string
	Messages    []models.Message
	MaxTokens   int
	Temperature *float64
}

// Response carries the generated text and native usage.
type Response struct {
	Text  string
	Usage models.Usage
	Model string
}

// Complete issues one Messages.New call and returns the concatenated text
// blocks. The caller's service key never travels here; the SDK client holds
// the service-level provider credential.
func (c *Client) Complete(ctx context.Context, req *Request) (*Response, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("messages are required")
	}
	modelID := ResolveModel(req.Model)
	if modelID == "" {
		return nil, errors.New("model is required")
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.defaultMaxTokens
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(modelID),
		MaxTokens: int64(maxTokens),
	}
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			params.System = append(params.System, sdk.TextBlockParam{Text: m.Content})
		case "assistant":
			params.Messages = append(params.Messages, sdk.NewAssistantMessage(sdk.NewTextBlock(m.Content)))
		case "user":
			params.Messages = append(params.Messages, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		default:
			return nil, fmt.Errorf("unsupported message role %q", m.Role)
		}
	}
	if req.Temperature != nil {
		params.Temperature = sdk.Float(*req.Temperature)
	}

	msg, err := c.msg.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUpstream, err)
	}
	if msg == nil {
		return nil, fmt.Errorf("%w: empty response", ErrUpstream)
	}

	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}

	return &Response{
		Text: text,
		Usage: models.Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
		Model: string(msg.Model),
	}, nil
}
