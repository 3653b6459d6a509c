package llmgateway_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MycosoftLabs/mycosoft-mas-sub011/errs"
	"github.com/MycosoftLabs/mycosoft-mas-sub011/llmgateway"
	"github.com/MycosoftLabs/mycosoft-mas-sub011/llmgateway/providers/mock"
	"github.com/MycosoftLabs/mycosoft-mas-sub011/resilience"
)

func TestInvokeCallsPrimaryProviderForRole(t *testing.T) {
	openai := mock.New("openai")
	anthropic := mock.New("anthropic")

	gw := llmgateway.New([]llmgateway.Provider{openai, anthropic}, llmgateway.WithPolicy(llmgateway.RoutingPolicy{
		ByRole:       map[string]string{"planner": "openai"},
		DefaultChain: []string{"openai", "anthropic"},
	}))

	resp, err := gw.Invoke(context.Background(), llmgateway.Request{RoleTag: "planner", Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "openai", resp.Provider)
	assert.Len(t, openai.Requests, 1)
	assert.Empty(t, anthropic.Requests)
}

func TestInvokeFallsBackOnPrimaryFailure(t *testing.T) {
	openai := mock.New("openai")
	openai.Err = errors.New("rate limited")
	anthropic := mock.New("anthropic")

	gw := llmgateway.New([]llmgateway.Provider{openai, anthropic}, llmgateway.WithPolicy(llmgateway.RoutingPolicy{
		ByRole:       map[string]string{"planner": "openai"},
		DefaultChain: []string{"openai", "anthropic"},
	}), llmgateway.WithRetryConfig(resilience.RetryConfig{MaxAttempts: 1}))

	resp, err := gw.Invoke(context.Background(), llmgateway.Request{RoleTag: "planner", Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "anthropic", resp.Provider)
}

func TestInvokeReturnsProviderUnavailableWhenChainExhausted(t *testing.T) {
	openai := mock.New("openai")
	openai.Err = errors.New("down")

	gw := llmgateway.New([]llmgateway.Provider{openai}, llmgateway.WithPolicy(llmgateway.RoutingPolicy{
		DefaultChain: []string{"openai"},
	}), llmgateway.WithRetryConfig(resilience.RetryConfig{MaxAttempts: 1}))

	_, err := gw.Invoke(context.Background(), llmgateway.Request{RoleTag: "planner", Prompt: "hi"})
	assert.ErrorIs(t, err, errs.ErrProviderUnavailable)
}

func TestInvokeRejectsUnknownRoleWithNoChain(t *testing.T) {
	gw := llmgateway.New(nil)
	_, err := gw.Invoke(context.Background(), llmgateway.Request{RoleTag: "ghost"})
	assert.ErrorIs(t, err, errs.ErrValidation)
}

func TestInvokeAccumulatesPartialUsageAcrossExhaustedChain(t *testing.T) {
	openai := mock.New("openai")
	openai.Err = errors.New("down")
	anthropic := mock.New("anthropic")
	anthropic.Err = errors.New("also down")

	gw := llmgateway.New([]llmgateway.Provider{openai, anthropic}, llmgateway.WithPolicy(llmgateway.RoutingPolicy{
		DefaultChain: []string{"openai", "anthropic"},
	}), llmgateway.WithRetryConfig(resilience.RetryConfig{MaxAttempts: 1}))

	resp, err := gw.Invoke(context.Background(), llmgateway.Request{RoleTag: "planner", Prompt: "hi"})
	assert.ErrorIs(t, err, errs.ErrProviderUnavailable)
	assert.Greater(t, resp.Usage.PromptTokens, 0)
}
