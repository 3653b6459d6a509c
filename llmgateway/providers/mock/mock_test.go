package mock

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MycosoftLabs/mycosoft-mas-sub011/llmgateway"
)

func TestCompleteReturnsConfiguredResponse(t *testing.T) {
	c := New("openai")
	c.Response = "canned"
	resp, err := c.Complete(context.Background(), llmgateway.Request{Prompt: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "canned: hello", resp.Text)
	assert.Len(t, c.Requests, 1)
}

func TestCompleteReturnsConfiguredErrorWithPartialUsage(t *testing.T) {
	c := New("openai")
	c.Err = errors.New("boom")
	resp, err := c.Complete(context.Background(), llmgateway.Request{Prompt: "hello"})
	assert.Error(t, err)
	assert.Greater(t, resp.Usage.PromptTokens, 0)
}
