// Package openai adapts inference.Client onto the OpenAI Chat Completions
// API via github.com/openai/openai-go, following the same
// narrow-interface-seam pattern as inference/anthropic so the underlying
// SDK client can be swapped for a test double.
package openai

import (
	"context"
	"errors"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/flowmesh/orchestrator/inference"
)

// ChatClient captures the subset of the OpenAI SDK used by this adapter.
type ChatClient interface {
	New(ctx context.Context, body sdk.ChatCompletionNewParams, opts ...option.RequestOption) (*sdk.ChatCompletion, error)
}

// Client implements inference.Client on top of OpenAI Chat Completions.
type Client struct {
	chat         ChatClient
	defaultModel string
}

// New builds an adapter from an existing OpenAI chat completions client.
func New(chat ChatClient, defaultModel string) (*Client, error) {
	if chat == nil {
		return nil, errors.New("openai: chat client is required")
	}
	if defaultModel == "" {
		return nil, errors.New("openai: default model identifier is required")
	}
	return &Client{chat: chat, defaultModel: defaultModel}, nil
}

// NewFromAPIKey constructs a Client using the default OpenAI HTTP client.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("openai: api key is required")
	}
	c := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&c.Chat.Completions, defaultModel)
}

// Submit implements inference.Client.
func (c *Client) Submit(ctx context.Context, req inference.Request) (inference.Response, error) {
	model := req.Model
	if model == "" {
		model = c.defaultModel
	}

	messages := make([]sdk.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			messages = append(messages, sdk.SystemMessage(m.Content))
		case "assistant":
			messages = append(messages, sdk.AssistantMessage(m.Content))
		default:
			messages = append(messages, sdk.UserMessage(m.Content))
		}
	}

	params := sdk.ChatCompletionNewParams{
		Model:    shared.ChatModel(model),
		Messages: messages,
	}
	if req.Temperature > 0 {
		params.Temperature = sdk.Float(float64(req.Temperature))
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = sdk.Int(int64(req.MaxTokens))
	}
	if req.ResponseFormat != nil && req.ResponseFormat.Type == "json_object" {
		params.ResponseFormat = sdk.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		}
	}

	resp, err := c.chat.New(ctx, params)
	if err != nil {
		return inference.Response{}, mapError(err)
	}
	if len(resp.Choices) == 0 {
		return inference.Response{}, inference.NewError("openai", inference.KindUnknown, "no choices returned", false, nil)
	}

	content := resp.Choices[0].Message.Content
	cached := 0
	if resp.Usage.PromptTokensDetails.CachedTokens > 0 {
		cached = int(resp.Usage.PromptTokensDetails.CachedTokens)
	}

	return inference.Response{
		Content: content,
		Usage: inference.Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
			CachedTokens:     cached,
		},
	}, nil
}

// mapError classifies an OpenAI SDK error into inference.Error.
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
		return inference.NewError("openai", kind, apiErr.Error(), retryable, err)
	}
	return inference.NewError("openai", inference.KindUnknown, err.Error(), false, err)
}
