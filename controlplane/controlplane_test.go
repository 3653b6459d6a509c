package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MycosoftLabs/mycosoft-mas-sub011/actiongate"
	"github.com/MycosoftLabs/mycosoft-mas-sub011/agent"
	"github.com/MycosoftLabs/mycosoft-mas-sub011/llmgateway"
	"github.com/MycosoftLabs/mycosoft-mas-sub011/llmgateway/providers/mock"
	"github.com/MycosoftLabs/mycosoft-mas-sub011/registry"
	"github.com/MycosoftLabs/mycosoft-mas-sub011/scheduler"
)

type fakeDirectory struct {
	descriptors []registry.Descriptor
}

func (f *fakeDirectory) FindByCapability(ctx context.Context, capability string) ([]registry.Descriptor, error) {
	return f.descriptors, nil
}

type fakeHandler struct {
	fn func(ctx context.Context, task agent.Task) agent.Result
}

func (f *fakeHandler) HandleTask(ctx context.Context, task agent.Task) agent.Result {
	return f.fn(ctx, task)
}

type fakeDispatcher struct {
	handlers map[string]agent.TaskHandler
}

func (f *fakeDispatcher) Resolve(id string) (agent.TaskHandler, bool) {
	h, ok := f.handlers[id]
	return h, ok
}

type fakeAuditStore struct{}

func (fakeAuditStore) Append(ctx context.Context, rec actiongate.Record) error { return nil }
func (fakeAuditStore) ByCorrelationID(ctx context.Context, correlationID string) ([]actiongate.Record, error) {
	return nil, nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	reg, err := registry.New(context.Background(), "redis://"+mr.Addr(), "test")
	require.NoError(t, err)

	handler := &fakeHandler{fn: func(ctx context.Context, task agent.Task) agent.Result {
		return agent.Result{Output: "done"}
	}}
	dir := &fakeDirectory{descriptors: []registry.Descriptor{{ID: "agent-1", Capabilities: []string{"echo"}}}}
	disp := &fakeDispatcher{handlers: map[string]agent.TaskHandler{"agent-1": handler}}
	sched := scheduler.New(dir, disp)

	provider := mock.New("openai")
	provider.Response = "canned"
	gw := llmgateway.New([]llmgateway.Provider{provider}, llmgateway.WithPolicy(llmgateway.RoutingPolicy{
		DefaultChain: []string{"openai"},
	}))

	gate := actiongate.New(fakeAuditStore{}, false)

	return New(Config{
		Registry:  reg,
		Scheduler: sched,
		Gateway:   gw,
		Gate:      gate,
	})
}

func TestHandleHealthReturnsOK(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest("GET", "/health", nil)
	rec := httptest.NewRecorder()
	s.Handler(nil).ServeHTTP(rec, req)
	assert.Equal(t, 200, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Correlation-Id"))
}

func TestHandleReadyReturnsOKWhenRegistryWired(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest("GET", "/ready", nil)
	rec := httptest.NewRecorder()
	s.Handler(nil).ServeHTTP(rec, req)
	assert.Equal(t, 200, rec.Code)
}

func TestHandleListAgentsReturnsEmptyList(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest("GET", "/agents", nil)
	rec := httptest.NewRecorder()
	s.Handler(nil).ServeHTTP(rec, req)
	assert.Equal(t, 200, rec.Code)

	var agents []registry.Descriptor
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &agents))
	assert.Empty(t, agents)
}

func TestHandleGetAgentReturnsNotFoundForUnknown(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest("GET", "/agents/missing", nil)
	rec := httptest.NewRecorder()
	s.Handler(nil).ServeHTTP(rec, req)
	assert.NotEqual(t, 200, rec.Code)

	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.NotEmpty(t, body.CorrelationID)
}

func TestHandleSubmitTaskAcceptsValidRequest(t *testing.T) {
	s := newTestServer(t)
	payload, _ := json.Marshal(submitTaskRequest{Capability: "echo", Input: "hi"})
	req := httptest.NewRequest("POST", "/tasks", bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	s.Handler(nil).ServeHTTP(rec, req)
	assert.Equal(t, 202, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.NotEmpty(t, body["task_id"])
}

func TestHandleSubmitTaskRejectsInvalidJSON(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest("POST", "/tasks", bytes.NewReader([]byte("not-json")))
	rec := httptest.NewRecorder()
	s.Handler(nil).ServeHTTP(rec, req)
	assert.Equal(t, 400, rec.Code)
}

func TestHandleTaskStatusReturnsNotFoundForUnknownID(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest("GET", "/tasks/missing", nil)
	rec := httptest.NewRecorder()
	s.Handler(nil).ServeHTTP(rec, req)
	assert.NotEqual(t, 200, rec.Code)
}

func TestHandleChatSendInvokesGateway(t *testing.T) {
	s := newTestServer(t)
	payload, _ := json.Marshal(chatSendRequest{Prompt: "hello"})
	req := httptest.NewRequest("POST", "/chat/send", bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	s.Handler(nil).ServeHTTP(rec, req)
	assert.Equal(t, 200, rec.Code)

	var resp llmgateway.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "canned: hello", resp.Text)
}

func TestHandlePendingActionsReturnsEmptyWhenNoneGated(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest("GET", "/actions/pending", nil)
	rec := httptest.NewRecorder()
	s.Handler(nil).ServeHTTP(rec, req)
	assert.Equal(t, 200, rec.Code)

	var checkpoints []actiongate.Checkpoint
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &checkpoints))
	assert.Empty(t, checkpoints)
}

func TestHandleDecideActionReturnsNotFoundForUnknownCheckpoint(t *testing.T) {
	s := newTestServer(t)
	payload, _ := json.Marshal(decideActionRequest{Command: actiongate.CommandApprove})
	req := httptest.NewRequest("POST", "/actions/missing/decide", bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	s.Handler(nil).ServeHTTP(rec, req)
	assert.NotEqual(t, 204, rec.Code)
}
