// Package openai adapts github.com/sashabaranov/go-openai to the
// llmgateway.Provider contract. Grounded on the teacher's
// ai/providers/base.go BaseClient defaults (model/temperature/max
// tokens/system prompt) adapted to go-openai's native client instead
// of the teacher's hand-rolled HTTP calls, since go-openai is already
// in the dependency pack (axonflow's example services).
package openai

import (
	"context"
	"fmt"

	"github.com/sashabaranov/go-openai"

	"github.com/MycosoftLabs/mycosoft-mas-sub011/llmgateway"
)

// Client adapts go-openai's chat completion API.
type Client struct {
	client       *openai.Client
	model        string
	temperature  float64
	maxTokens    int
	systemPrompt string
}

// Config configures a Client.
type Config struct {
	APIKey       string
	BaseURL      string
	Model        string
	Temperature  float64
	MaxTokens    int
	SystemPrompt string
}

func New(cfg Config) *Client {
	oaiCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oaiCfg.BaseURL = cfg.BaseURL
	}
	model := cfg.Model
	if model == "" {
		model = openai.GPT4oMini
	}
	temp := cfg.Temperature
	if temp == 0 {
		temp = 0.7
	}
	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = 1000
	}
	return &Client{
		client:       openai.NewClientWithConfig(oaiCfg),
		model:        model,
		temperature:  temp,
		maxTokens:    maxTokens,
		systemPrompt: cfg.SystemPrompt,
	}
}

func (c *Client) Name() string  { return "openai" }
func (c *Client) Model() string { return c.model }

func (c *Client) Complete(ctx context.Context, req llmgateway.Request) (llmgateway.Response, error) {
	systemPrompt := req.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = c.systemPrompt
	}
	var messages []openai.ChatCompletionMessage
	if systemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: systemPrompt})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.Prompt})

	maxTokens := c.maxTokens
	if req.MaxTokens > 0 {
		maxTokens = req.MaxTokens
	}
	temp := c.temperature
	if req.Temperature > 0 {
		temp = req.Temperature
	}

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: float32(temp),
	})
	if err != nil {
		return llmgateway.Response{Provider: c.Name(), Model: c.model}, fmt.Errorf("openai: %w", err)
	}
	if len(resp.Choices) == 0 {
		return llmgateway.Response{Provider: c.Name(), Model: c.model}, fmt.Errorf("openai: empty response")
	}
	return llmgateway.Response{
		Provider: c.Name(),
		Model:    c.model,
		Text:     resp.Choices[0].Message.Content,
		Usage: llmgateway.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
		},
	}, nil
}
