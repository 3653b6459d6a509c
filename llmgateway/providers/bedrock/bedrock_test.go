package bedrock

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MycosoftLabs/mycosoft-mas-sub011/llmgateway"
)

func newTestClient(serverURL string) *Client {
	awsCfg := aws.Config{
		Region:      "us-east-1",
		Credentials: credentials.NewStaticCredentialsProvider("test", "test", ""),
	}
	return &Client{
		runtime: bedrockruntime.NewFromConfig(awsCfg, func(o *bedrockruntime.Options) {
			o.BaseEndpoint = aws.String(serverURL)
		}),
		model: "anthropic.claude-3-sonnet-20240229-v1:0",
	}
}

func TestCompleteReturnsTextAndUsage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"output": {"message": {"role": "assistant", "content": [{"text": "hi there"}]}},
			"stopReason": "end_turn",
			"usage": {"inputTokens": 5, "outputTokens": 2}
		}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	resp, err := client.Complete(context.Background(), llmgateway.Request{Prompt: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "bedrock", resp.Provider)
	assert.Equal(t, "hi there", resp.Text)
	assert.Equal(t, 5, resp.Usage.PromptTokens)
	assert.Equal(t, 2, resp.Usage.CompletionTokens)
}

func TestCompleteWrapsConverseError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"message": "internal error"}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	_, err := client.Complete(context.Background(), llmgateway.Request{Prompt: "hello"})
	assert.Error(t, err)
}

func TestNameAndDefaultModel(t *testing.T) {
	client := New(Config{})
	assert.Equal(t, "bedrock", client.Name())
	assert.Equal(t, "anthropic.claude-3-sonnet-20240229-v1:0", client.Model())
}
