// Package anthropic adapts inference.Client onto the Anthropic Claude
// Messages API, grounded on features/model/anthropic/client.go in the
// teacher repo: the same MessagesClient seam (satisfied by the real SDK
// service or a test double) and the same New/NewFromAPIKey constructor
// pair, simplified to the orchestrator's flat Request/Response shape
// instead of the teacher's full multi-part transcript model.
package anthropic

import (
	"context"
	"errors"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/flowmesh/orchestrator/inference"
)

// MessagesClient captures the subset of the Anthropic SDK used by this
// adapter, satisfied by *sdk.MessageService so callers can substitute a
// test double.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// Client implements inference.Client on top of Anthropic Claude Messages.
type Client struct {
	msg          MessagesClient
	defaultModel string
}

// New builds an adapter from an existing Anthropic Messages client.
func New(msg MessagesClient, defaultModel string) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropic: messages client is required")
	}
	if defaultModel == "" {
		return nil, errors.New("anthropic: default model identifier is required")
	}
	return &Client{msg: msg, defaultModel: defaultModel}, nil
}

// NewFromAPIKey constructs a Client using the default Anthropic HTTP
// client, reading credentials from apiKey.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic: api key is required")
	}
	c := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&c.Messages, defaultModel)
}

// Submit implements inference.Client.
func (c *Client) Submit(ctx context.Context, req inference.Request) (inference.Response, error) {
	model := req.Model
	if model == "" {
		model = c.defaultModel
	}

	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	var messages []sdk.MessageParam
	var system []sdk.TextBlockParam
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			system = append(system, sdk.TextBlockParam{Text: m.Content})
		case "assistant":
			messages = append(messages, sdk.NewAssistantMessage(sdk.NewTextBlock(m.Content)))
		default:
			messages = append(messages, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		}
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(model),
		MaxTokens: maxTokens,
		Messages:  messages,
	}
	if len(system) > 0 {
		params.System = system
	}
	if req.Temperature > 0 {
		params.Temperature = sdk.Float(float64(req.Temperature))
	}

	resp, err := c.msg.New(ctx, params)
	if err != nil {
		return inference.Response{}, mapError(err)
	}

	var content string
	for _, block := range resp.Content {
		if block.Type == "text" {
			content += block.Text
		}
	}

	return inference.Response{
		Content: content,
		Usage: inference.Usage{
			PromptTokens:     int(resp.Usage.InputTokens),
			CompletionTokens: int(resp.Usage.OutputTokens),
			TotalTokens:      int(resp.Usage.InputTokens + resp.Usage.OutputTokens),
			CachedTokens:     int(resp.Usage.CacheReadInputTokens),
		},
	}, nil
}

// mapError classifies an Anthropic SDK error into inference.Error,
// grounded on the kind taxonomy in provider_error.go.
func mapError(err error) error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		kind := inference.KindUnknown
		retryable := false
		switch apiErr.StatusCode {
		case 401, 403:
			kind = inference.KindAuth
		case 400, 422:
			kind = inference.KindInvalidRequest
		case 429:
			kind = inference.KindRateLimited
			retryable = true
		case 500, 502, 503, 504:
			kind = inference.KindUnavailable
			retryable = true
		}
		return inference.NewError("anthropic", kind, apiErr.Error(), retryable, err)
	}
	return inference.NewError("anthropic", inference.KindUnknown, err.Error(), false, err)
}
