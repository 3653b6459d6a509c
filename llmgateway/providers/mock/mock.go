// Package mock provides a deterministic llmgateway.Provider for tests,
// grounded on the teacher's core.MockAI-style development fakes
// (config.go's WithMockAI option).
package mock

import (
	"context"
	"fmt"

	"github.com/MycosoftLabs/mycosoft-mas-sub011/llmgateway"
)

// Client returns a fixed response (or a configured error) for every
// call, recording every request it receives for assertions.
type Client struct {
	NameValue  string
	ModelValue string
	Response   string
	Err        error

	Requests []llmgateway.Request
}

func New(name string) *Client {
	return &Client{NameValue: name, ModelValue: "mock-model", Response: "mock response"}
}

func (c *Client) Name() string  { return c.NameValue }
func (c *Client) Model() string { return c.ModelValue }

func (c *Client) Complete(ctx context.Context, req llmgateway.Request) (llmgateway.Response, error) {
	c.Requests = append(c.Requests, req)
	if c.Err != nil {
		return llmgateway.Response{
			Provider: c.NameValue,
			Model:    c.ModelValue,
			Usage:    llmgateway.Usage{PromptTokens: len(req.Prompt)},
		}, c.Err
	}
	return llmgateway.Response{
		Provider: c.NameValue,
		Model:    c.ModelValue,
		Text:     fmt.Sprintf("%s: %s", c.Response, req.Prompt),
		Usage:    llmgateway.Usage{PromptTokens: len(req.Prompt), CompletionTokens: len(c.Response)},
	}, nil
}
