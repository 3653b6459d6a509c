// Package supervisor implements the MAS Core Supervisor (§4.8):
// periodic health probes, a restart policy with exponential backoff,
// quarantine of agents that exhaust their restart budget, and graceful
// shutdown in reverse dependency order. Grounded on the teacher's
// resilience.Breaker state machine for the restart/quarantine decision
// and core/component.go's lifecycle shape for what "healthy" means.
package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/MycosoftLabs/mycosoft-mas-sub011/agent"
	"github.com/MycosoftLabs/mycosoft-mas-sub011/logging"
	"github.com/MycosoftLabs/mycosoft-mas-sub011/metrics"
)

// RestartPolicy bounds how many times an agent may be restarted within
// a rolling window before it is quarantined (§4.8).
type RestartPolicy struct {
	MaxRestarts   int
	Window        time.Duration
	BaseBackoff   time.Duration
	MaxBackoff    time.Duration
}

func DefaultRestartPolicy() RestartPolicy {
	return RestartPolicy{MaxRestarts: 5, Window: 5 * time.Minute, BaseBackoff: time.Second, MaxBackoff: time.Minute}
}

type managedEntry struct {
	m            *agent.Managed
	restarts     []time.Time
	quarantined  bool
}

// Supervisor owns the probe loop for a set of Managed agents, in the
// order they were added, so Shutdown can stop them in reverse.
type Supervisor struct {
	mu       sync.Mutex
	entries  []*managedEntry
	policy   RestartPolicy
	interval time.Duration
	timeout  time.Duration
	logger   logging.Logger
	metrics  metrics.Sink

	cancel context.CancelFunc
}

// Option configures a Supervisor.
type Option func(*Supervisor)

func WithRestartPolicy(p RestartPolicy) Option { return func(s *Supervisor) { s.policy = p } }
func WithProbeInterval(d time.Duration) Option { return func(s *Supervisor) { s.interval = d } }
func WithProbeTimeout(d time.Duration) Option  { return func(s *Supervisor) { s.timeout = d } }
func WithLogger(l logging.Logger) Option       { return func(s *Supervisor) { s.logger = l } }
func WithMetrics(m metrics.Sink) Option        { return func(s *Supervisor) { s.metrics = m } }

func New(opts ...Option) *Supervisor {
	s := &Supervisor{
		policy:   DefaultRestartPolicy(),
		interval: 10 * time.Second,
		timeout:  3 * time.Second,
		logger:   logging.NoOp{},
		metrics:  metrics.NoOp{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Manage registers a Managed agent for supervision, in start order.
func (s *Supervisor) Manage(m *agent.Managed) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, &managedEntry{m: m})
}

// Run starts the probe loop and blocks until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.probeAll(ctx)
		}
	}
}

func (s *Supervisor) probeAll(ctx context.Context) {
	s.mu.Lock()
	entries := append([]*managedEntry(nil), s.entries...)
	s.mu.Unlock()

	for _, e := range entries {
		if e.quarantined {
			continue
		}
		h := e.m.Probe(ctx, s.timeout)
		switch h {
		case agent.HealthHealthy:
			if e.m.State() == agent.StateDegraded {
				e.m.Transition(ctx, agent.StateReady)
			}
		case agent.HealthDegraded:
			e.m.Transition(ctx, agent.StateDegraded)
		case agent.HealthUnhealthy, agent.HealthUnknown:
			s.handleUnhealthy(ctx, e)
		}
	}
}

func (s *Supervisor) handleUnhealthy(ctx context.Context, e *managedEntry) {
	now := time.Now()
	cutoff := now.Add(-s.policy.Window)
	var recent []time.Time
	for _, t := range e.restarts {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	e.restarts = recent

	if len(e.restarts) >= s.policy.MaxRestarts {
		e.quarantined = true
		e.m.Transition(ctx, agent.StateQuarantined)
		s.logger.Error("agent quarantined after exceeding restart budget", map[string]interface{}{
			"agent_id": e.m.ID(), "restarts": len(e.restarts),
		})
		s.metrics.Counter("agent_runs_total", "agent", e.m.ID(), "status", "quarantined")
		return
	}

	backoff := s.policy.BaseBackoff << uint(len(e.restarts))
	if backoff > s.policy.MaxBackoff || backoff <= 0 {
		backoff = s.policy.MaxBackoff
	}
	e.restarts = append(e.restarts, now)

	s.logger.Warn("restarting unhealthy agent", map[string]interface{}{
		"agent_id": e.m.ID(), "attempt": len(e.restarts), "backoff": backoff.String(),
	})
	go func() {
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		e.m.Transition(ctx, agent.StateDegraded)
		if err := e.m.Start(ctx); err != nil {
			s.logger.Error("agent restart failed", map[string]interface{}{"agent_id": e.m.ID(), "error": err.Error()})
		} else {
			s.metrics.Counter("agent_runs_total", "agent", e.m.ID(), "status", "restarted")
		}
	}()
}

// Shutdown stops every managed agent in reverse registration order
// (§4.8: "dependents stop before their dependencies").
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	entries := append([]*managedEntry(nil), s.entries...)
	s.mu.Unlock()

	var firstErr error
	for i := len(entries) - 1; i >= 0; i-- {
		if err := entries[i].m.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
