// Package bedrock adapts aws-sdk-go-v2/service/bedrockruntime's
// Converse API to the llmgateway.Provider contract. Adapted directly
// from the teacher's ai/providers/bedrock/client.go GenerateResponse:
// same Converse input construction and ConverseOutputMemberMessage
// content extraction, generalized from core.AIOptions to
// llmgateway.Request.
package bedrock

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/MycosoftLabs/mycosoft-mas-sub011/llmgateway"
)

// Client adapts AWS Bedrock's Converse API.
type Client struct {
	runtime      *bedrockruntime.Client
	model        string
	systemPrompt string
}

// Config configures a Client.
type Config struct {
	AWSConfig    aws.Config
	Model        string
	SystemPrompt string
}

func New(cfg Config) *Client {
	model := cfg.Model
	if model == "" {
		model = "anthropic.claude-3-sonnet-20240229-v1:0"
	}
	return &Client{
		runtime:      bedrockruntime.NewFromConfig(cfg.AWSConfig),
		model:        model,
		systemPrompt: cfg.SystemPrompt,
	}
}

func (c *Client) Name() string  { return "bedrock" }
func (c *Client) Model() string { return c.model }

func (c *Client) Complete(ctx context.Context, req llmgateway.Request) (llmgateway.Response, error) {
	systemPrompt := req.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = c.systemPrompt
	}

	messages := []types.Message{
		{
			Role: types.ConversationRoleUser,
			Content: []types.ContentBlock{
				&types.ContentBlockMemberText{Value: req.Prompt},
			},
		},
	}

	input := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(c.model),
		Messages: messages,
	}
	if systemPrompt != "" {
		input.System = []types.SystemContentBlock{
			&types.SystemContentBlockMemberText{Value: systemPrompt},
		}
	}

	inferenceConfig := &types.InferenceConfiguration{}
	configSet := false
	if req.MaxTokens > 0 {
		inferenceConfig.MaxTokens = aws.Int32(int32(req.MaxTokens))
		configSet = true
	}
	if req.Temperature > 0 {
		inferenceConfig.Temperature = aws.Float32(float32(req.Temperature))
		configSet = true
	}
	if configSet {
		input.InferenceConfig = inferenceConfig
	}

	output, err := c.runtime.Converse(ctx, input)
	if err != nil {
		return llmgateway.Response{Provider: c.Name(), Model: c.model}, fmt.Errorf("bedrock: converse: %w", err)
	}
	if output.Output == nil {
		return llmgateway.Response{Provider: c.Name(), Model: c.model}, fmt.Errorf("bedrock: no output in response")
	}

	var content string
	switch v := output.Output.(type) {
	case *types.ConverseOutputMemberMessage:
		for _, block := range v.Value.Content {
			if tb, ok := block.(*types.ContentBlockMemberText); ok {
				content += tb.Value
			}
		}
	default:
		return llmgateway.Response{Provider: c.Name(), Model: c.model}, fmt.Errorf("bedrock: unexpected output type")
	}

	resp := llmgateway.Response{Provider: c.Name(), Model: c.model, Text: content}
	if output.Usage != nil {
		if output.Usage.InputTokens != nil {
			resp.Usage.PromptTokens = int(*output.Usage.InputTokens)
		}
		if output.Usage.OutputTokens != nil {
			resp.Usage.CompletionTokens = int(*output.Usage.OutputTokens)
		}
	}
	return resp, nil
}
