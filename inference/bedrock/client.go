// Package bedrock adapts inference.Client onto the AWS Bedrock Converse
// API, grounded on the RuntimeClient seam in features/model/bedrock/client.go
// (satisfied by *bedrockruntime.Client or a test double) simplified to the
// orchestrator's flat Request/Response shape.
package bedrock

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"

	"github.com/flowmesh/orchestrator/inference"
)

// RuntimeClient mirrors the subset of the AWS Bedrock runtime client used by
// this adapter, satisfied by *bedrockruntime.Client.
type RuntimeClient interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// Client implements inference.Client on top of AWS Bedrock Converse.
type Client struct {
	runtime      RuntimeClient
	defaultModel string
}

// New builds an adapter from an existing Bedrock runtime client.
func New(runtime RuntimeClient, defaultModel string) (*Client, error) {
	if runtime == nil {
		return nil, errors.New("bedrock: runtime client is required")
	}
	if defaultModel == "" {
		return nil, errors.New("bedrock: default model identifier is required")
	}
	return &Client{runtime: runtime, defaultModel: defaultModel}, nil
}

// NewFromDefaultConfig constructs a Client using the AWS SDK's default
// credential and region resolution chain (environment, shared config,
// EC2/ECS/EKS metadata), mirroring how the other provider adapters expose
// a NewFromAPIKey convenience constructor.
func NewFromDefaultConfig(ctx context.Context, defaultModel string) (*Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("bedrock: loading aws config: %w", err)
	}
	return New(bedrockruntime.NewFromConfig(cfg), defaultModel)
}

// Submit implements inference.Client.
func (c *Client) Submit(ctx context.Context, req inference.Request) (inference.Response, error) {
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}

	var system []brtypes.SystemContentBlock
	var messages []brtypes.Message
	for _, m := range req.Messages {
		if m.Role == "system" {
			system = append(system, &brtypes.SystemContentBlockMemberText{Value: m.Content})
			continue
		}
		role := brtypes.ConversationRoleUser
		if m.Role == "assistant" {
			role = brtypes.ConversationRoleAssistant
		}
		messages = append(messages, brtypes.Message{
			Role:    role,
			Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: m.Content}},
		})
	}

	inferenceCfg := &brtypes.InferenceConfiguration{}
	if req.MaxTokens > 0 {
		maxTok := int32(req.MaxTokens)
		inferenceCfg.MaxTokens = &maxTok
	}
	if req.Temperature > 0 {
		temp := req.Temperature
		inferenceCfg.Temperature = &temp
	}

	out, err := c.runtime.Converse(ctx, &bedrockruntime.ConverseInput{
		ModelId:         aws.String(modelID),
		Messages:        messages,
		System:          system,
		InferenceConfig: inferenceCfg,
	})
	if err != nil {
		return inference.Response{}, mapError(err)
	}

	var content string
	if msgOutput, ok := out.Output.(*brtypes.ConverseOutputMemberMessage); ok {
		for _, block := range msgOutput.Value.Content {
			if textBlock, ok := block.(*brtypes.ContentBlockMemberText); ok {
				content += textBlock.Value
			}
		}
	}

	usage := inference.Usage{}
	if out.Usage != nil {
		usage.PromptTokens = int(deref(out.Usage.InputTokens))
		usage.CompletionTokens = int(deref(out.Usage.OutputTokens))
		usage.TotalTokens = int(deref(out.Usage.TotalTokens))
		if out.Usage.CacheReadInputTokens != nil {
			usage.CachedTokens = int(*out.Usage.CacheReadInputTokens)
		}
	}

	return inference.Response{Content: content, Usage: usage}, nil
}

func deref(v *int32) int32 {
	if v == nil {
		return 0
	}
	return *v
}

// mapError classifies a Bedrock SDK error into inference.Error.
func mapError(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		kind := inference.KindUnknown
		retryable := false
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException", "ServiceQuotaExceededException":
			kind = inference.KindRateLimited
			retryable = true
		case "AccessDeniedException", "UnrecognizedClientException":
			kind = inference.KindAuth
		case "ValidationException", "ModelErrorException":
			kind = inference.KindInvalidRequest
		case "ServiceUnavailableException", "InternalServerException", "ModelTimeoutException":
			kind = inference.KindUnavailable
			retryable = true
		}
		return inference.NewError("bedrock", kind, apiErr.ErrorMessage(), retryable, err)
	}
	return inference.NewError("bedrock", inference.KindUnknown, err.Error(), false, err)
}
