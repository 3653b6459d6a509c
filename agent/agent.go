// Package agent defines the base contract every MAS Core agent
// implements (§4.4) and a lifecycle state machine wrapper that drives
// a concrete Agent through Initializing -> Ready -> Busy -> Degraded ->
// Quarantined -> Stopped. Grounded on the teacher's core/component.go
// Component interface (Initialize/GetID/GetName/GetCapabilities/GetType)
// generalized with health and envelope handling for long-lived agents.
package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/MycosoftLabs/mycosoft-mas-sub011/bus"
	"github.com/MycosoftLabs/mycosoft-mas-sub011/errs"
	"github.com/MycosoftLabs/mycosoft-mas-sub011/logging"
	"github.com/MycosoftLabs/mycosoft-mas-sub011/registry"
)

// Health mirrors the teacher's core.HealthStatus enum (Healthy/
// Unhealthy/Unknown), extended with Degraded for the supervisor's
// quarantine decision (§4.8).
type Health string

const (
	HealthHealthy   Health = "healthy"
	HealthDegraded  Health = "degraded"
	HealthUnhealthy Health = "unhealthy"
	HealthUnknown   Health = "unknown"
)

// Task is the unit of work the scheduler dispatches to an agent
// (§4.5 data model, trimmed to what Agent.HandleTask needs).
type Task struct {
	ID            string
	CorrelationID string
	Capability    string
	Input         interface{}
	IdempotencyKey string
}

// Result is returned by HandleTask.
type Result struct {
	Output interface{}
	Error  error
}

// Agent is the contract every long-lived MAS Core agent implements.
// HandleEnvelope processes bus traffic addressed to the agent;
// HandleTask is optional (not every agent is schedulable — some only
// react to bus events) and is type-asserted for by the scheduler.
type Agent interface {
	Initialize(ctx context.Context) error
	Shutdown(ctx context.Context) error
	ID() string
	Name() string
	Capabilities() []string
	HandleEnvelope(ctx context.Context, env bus.Envelope) error
	CheckHealth(ctx context.Context) Health
}

// TaskHandler is implemented by agents that the scheduler can dispatch
// Tasks to directly, distinct from ordinary bus traffic.
type TaskHandler interface {
	HandleTask(ctx context.Context, task Task) Result
}

// State is the lifecycle state of a managed agent (§4.4).
type State string

const (
	StateInitializing State = "initializing"
	StateReady        State = "ready"
	StateBusy         State = "busy"
	StateDegraded     State = "degraded"
	StateQuarantined  State = "quarantined"
	StateStopped      State = "stopped"
)

var validTransitions = map[State][]State{
	StateInitializing: {StateReady, StateQuarantined, StateStopped},
	StateReady:        {StateBusy, StateDegraded, StateQuarantined, StateStopped},
	StateBusy:         {StateReady, StateDegraded, StateQuarantined, StateStopped},
	StateDegraded:     {StateReady, StateBusy, StateQuarantined, StateStopped},
	StateQuarantined:  {StateStopped, StateReady},
	StateStopped:      {},
}

// Managed wraps a concrete Agent with the lifecycle state machine and
// registry/bus wiring the supervisor and scheduler depend on.
type Managed struct {
	Agent

	mu    sync.RWMutex
	state State

	reg    *registry.Registry
	b      *bus.Bus
	logger logging.Logger
}

// NewManaged wraps a plain Agent, starting it in StateInitializing.
func NewManaged(a Agent, reg *registry.Registry, b *bus.Bus, logger logging.Logger) *Managed {
	if logger == nil {
		logger = logging.NoOp{}
	}
	return &Managed{Agent: a, state: StateInitializing, reg: reg, b: b, logger: logger}
}

func (m *Managed) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Transition moves the agent to next, rejecting transitions not
// present in validTransitions (§4.4 invariant: "the lifecycle state
// machine never skips or reverses illegally").
func (m *Managed) Transition(ctx context.Context, next State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := false
	for _, s := range validTransitions[m.state] {
		if s == next {
			allowed = true
			break
		}
	}
	if !allowed {
		return errs.New("agent.transition", "validation", m.Agent.ID(), "", fmt.Errorf("%w: %s -> %s", errs.ErrValidation, m.state, next))
	}

	prev := m.state
	m.state = next
	m.logger.Info("agent state transition", map[string]interface{}{
		"agent_id": m.Agent.ID(), "from": string(prev), "to": string(next),
	})
	if m.reg != nil {
		m.reg.SetStatus(ctx, m.Agent.ID(), registry.Status(next))
	}
	if next == StateQuarantined && m.b != nil {
		m.b.Publish(ctx, bus.Envelope{Topic: "agent.quarantined", Payload: m.Agent.ID()})
	}
	return nil
}

// Start registers the agent, initializes it, and transitions to Ready.
func (m *Managed) Start(ctx context.Context) error {
	if m.reg != nil {
		d := registry.Descriptor{
			ID:           m.Agent.ID(),
			Name:         m.Agent.Name(),
			Capabilities: m.Agent.Capabilities(),
			Status:       registry.StatusInitializing,
		}
		if err := m.reg.Register(ctx, d); err != nil {
			return err
		}
	}
	if m.b != nil {
		m.b.Register(m.Agent.ID())
	}
	if err := m.Agent.Initialize(ctx); err != nil {
		m.Transition(ctx, StateQuarantined)
		return errs.New("agent.start", "internal", m.Agent.ID(), "", err)
	}
	return m.Transition(ctx, StateReady)
}

// Stop transitions to Stopped and shuts down the underlying Agent,
// deregistering it last so in-flight lookups keep resolving during
// drain (§4.8 graceful shutdown ordering).
func (m *Managed) Stop(ctx context.Context) error {
	if err := m.Transition(ctx, StateStopped); err != nil {
		return err
	}
	err := m.Agent.Shutdown(ctx)
	if m.reg != nil {
		m.reg.Deregister(ctx, m.Agent.ID())
	}
	if m.b != nil {
		m.b.Deregister(m.Agent.ID())
	}
	return err
}

// Probe runs a bounded health check and returns the Agent's reported
// Health, or HealthUnknown if the check does not finish within timeout.
// It does not change the lifecycle state; the supervisor decides on
// any transition (Degraded, restart, Quarantine) from the result.
func (m *Managed) Probe(ctx context.Context, timeout time.Duration) Health {
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan Health, 1)
	go func() { done <- m.Agent.CheckHealth(probeCtx) }()

	select {
	case h := <-done:
		return h
	case <-probeCtx.Done():
		return HealthUnknown
	}
}
