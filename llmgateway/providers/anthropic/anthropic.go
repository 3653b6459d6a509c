// Package anthropic adapts github.com/anthropics/anthropic-sdk-go to
// the llmgateway.Provider contract, grounded on kubernaut's use of the
// same SDK and the teacher's BaseClient default-model/temperature
// pattern.
package anthropic

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/MycosoftLabs/mycosoft-mas-sub011/llmgateway"
)

// Client adapts the Anthropic Messages API.
type Client struct {
	client       anthropic.Client
	model        anthropic.Model
	maxTokens    int64
	systemPrompt string
}

// Config configures a Client.
type Config struct {
	APIKey       string
	BaseURL      string
	Model        string
	MaxTokens    int64
	SystemPrompt string
}

func New(cfg Config) *Client {
	model := anthropic.Model(cfg.Model)
	if cfg.Model == "" {
		model = anthropic.ModelClaude3_5HaikuLatest
	}
	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = 1024
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &Client{
		client:       anthropic.NewClient(opts...),
		model:        model,
		maxTokens:    maxTokens,
		systemPrompt: cfg.SystemPrompt,
	}
}

func (c *Client) Name() string  { return "anthropic" }
func (c *Client) Model() string { return string(c.model) }

func (c *Client) Complete(ctx context.Context, req llmgateway.Request) (llmgateway.Response, error) {
	systemPrompt := req.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = c.systemPrompt
	}
	maxTokens := c.maxTokens
	if req.MaxTokens > 0 {
		maxTokens = int64(req.MaxTokens)
	}

	params := anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: systemPrompt}}
	}

	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return llmgateway.Response{Provider: c.Name(), Model: c.Model()}, fmt.Errorf("anthropic: %w", err)
	}
	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	return llmgateway.Response{
		Provider: c.Name(),
		Model:    c.Model(),
		Text:     text,
		Usage: llmgateway.Usage{
			PromptTokens:     int(msg.Usage.InputTokens),
			CompletionTokens: int(msg.Usage.OutputTokens),
		},
	}, nil
}
