package agent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MycosoftLabs/mycosoft-mas-sub011/bus"
)

type fakeAgent struct {
	id           string
	name         string
	capabilities []string
	initErr      error
	shutdownErr  error
	health       Health
}

func (f *fakeAgent) Initialize(ctx context.Context) error { return f.initErr }
func (f *fakeAgent) Shutdown(ctx context.Context) error   { return f.shutdownErr }
func (f *fakeAgent) ID() string                           { return f.id }
func (f *fakeAgent) Name() string                         { return f.name }
func (f *fakeAgent) Capabilities() []string                { return f.capabilities }
func (f *fakeAgent) HandleEnvelope(ctx context.Context, env bus.Envelope) error { return nil }
func (f *fakeAgent) CheckHealth(ctx context.Context) Health { return f.health }

func TestStartTransitionsToReady(t *testing.T) {
	fa := &fakeAgent{id: "a1", name: "scout", health: HealthHealthy}
	m := NewManaged(fa, nil, nil, nil)

	require.NoError(t, m.Start(context.Background()))
	assert.Equal(t, StateReady, m.State())
}

func TestStartQuarantinesOnInitError(t *testing.T) {
	fa := &fakeAgent{id: "a1", name: "scout", initErr: assert.AnError}
	m := NewManaged(fa, nil, nil, nil)

	err := m.Start(context.Background())
	assert.Error(t, err)
	assert.Equal(t, StateQuarantined, m.State())
}

func TestTransitionRejectsIllegalMove(t *testing.T) {
	fa := &fakeAgent{id: "a1", name: "scout"}
	m := NewManaged(fa, nil, nil, nil)

	err := m.Transition(context.Background(), StateBusy)
	assert.Error(t, err)
	assert.Equal(t, StateInitializing, m.State())
}

func TestTransitionAllowsLegalMoveChain(t *testing.T) {
	fa := &fakeAgent{id: "a1", name: "scout"}
	m := NewManaged(fa, nil, nil, nil)

	require.NoError(t, m.Transition(context.Background(), StateReady))
	require.NoError(t, m.Transition(context.Background(), StateBusy))
	require.NoError(t, m.Transition(context.Background(), StateDegraded))
	require.NoError(t, m.Transition(context.Background(), StateQuarantined))
}

func TestStopDeregistersFromBusLast(t *testing.T) {
	fa := &fakeAgent{id: "a1", name: "scout"}
	b := bus.New()
	m := NewManaged(fa, nil, b, nil)
	require.NoError(t, m.Start(context.Background()))

	_, err := b.Receive("a1")
	require.NoError(t, err)

	require.NoError(t, m.Stop(context.Background()))
	assert.Equal(t, StateStopped, m.State())

	_, err = b.Receive("a1")
	assert.Error(t, err)
}

func TestTransitionToQuarantinedPublishesEvent(t *testing.T) {
	fa := &fakeAgent{id: "a1", name: "scout"}
	b := bus.New()
	ch := b.Subscribe("agent.quarantined")
	m := NewManaged(fa, nil, b, nil)

	require.NoError(t, m.Transition(context.Background(), StateReady))
	require.NoError(t, m.Transition(context.Background(), StateQuarantined))

	select {
	case env := <-ch:
		assert.Equal(t, "a1", env.Payload)
	case <-time.After(time.Second):
		t.Fatal("agent.quarantined was not published")
	}
}

func TestProbeReturnsUnknownOnTimeout(t *testing.T) {
	fa := &fakeAgent{id: "a1", name: "scout"}
	slow := &slowHealthAgent{fakeAgent: fa, delay: 50 * time.Millisecond}
	m := NewManaged(slow, nil, nil, nil)

	h := m.Probe(context.Background(), 5*time.Millisecond)
	assert.Equal(t, HealthUnknown, h)
}

type slowHealthAgent struct {
	*fakeAgent
	delay time.Duration
}

func (s *slowHealthAgent) CheckHealth(ctx context.Context) Health {
	select {
	case <-time.After(s.delay):
		return HealthHealthy
	case <-ctx.Done():
		return HealthUnknown
	}
}
