// Package actiongate implements the MAS Core Action Gate & Audit
// (§4.7): classification of agent-requested actions into read/write/
// external/risky, a human-in-the-loop approval checkpoint for risky
// actions, and an append-only audit log keyed by correlation id.
// Grounded on the teacher's orchestration/hitl_controller.go
// DefaultInterruptController: the same
// evaluate-policy -> persist-checkpoint -> notify-handler ->
// wait-for-command shape, trimmed from its plan/step/resume machinery
// down to single-action approval gating.
package actiongate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MycosoftLabs/mycosoft-mas-sub011/correlation"
	"github.com/MycosoftLabs/mycosoft-mas-sub011/errs"
	"github.com/MycosoftLabs/mycosoft-mas-sub011/logging"
	"github.com/MycosoftLabs/mycosoft-mas-sub011/metrics"
)

// Classification is the action's risk category (§4.7).
type Classification string

const (
	ClassRead     Classification = "read"
	ClassWrite    Classification = "write"
	ClassExternal Classification = "external"
	ClassRisky    Classification = "risky"
)

// Action describes one action an agent wants to execute.
type Action struct {
	ID             string
	CorrelationID  string
	AgentID        string
	Name           string
	Classification Classification
	Payload        interface{}
}

// CheckpointStatus is the lifecycle of a pending approval (teacher's
// CheckpointStatus).
type CheckpointStatus string

const (
	CheckpointPending  CheckpointStatus = "pending"
	CheckpointApproved CheckpointStatus = "approved"
	CheckpointRejected CheckpointStatus = "rejected"
	CheckpointExpired  CheckpointStatus = "expired"
)

// Checkpoint is a pending approval for one risky Action, analogous to
// the teacher's ExecutionCheckpoint but scoped to a single action
// instead of a whole execution plan.
type Checkpoint struct {
	ID        string
	Action    Action
	Status    CheckpointStatus
	CreatedAt time.Time
	Decided   chan Decision
}

// CommandType mirrors the teacher's CommandType (Approve/Reject/Edit).
type CommandType string

const (
	CommandApprove CommandType = "approve"
	CommandReject  CommandType = "reject"
)

// Decision is the human response to a Checkpoint.
type Decision struct {
	Command CommandType
	Reason  string
	EditedPayload interface{}
}

// Record is one append-only audit entry (§4.7 data model).
type Record struct {
	ID            string
	CorrelationID string
	Action        Action
	Outcome       string // "executed", "failed", "rejected", "timed_out" (approval timeout or cancellation)
	Decision      *Decision
	At            time.Time
}

// AuditStore appends and lists Records; the production implementation
// is store/postgres, an in-memory version backs tests.
type AuditStore interface {
	Append(ctx context.Context, rec Record) error
	ByCorrelationID(ctx context.Context, correlationID string) ([]Record, error)
}

// Notifier delivers a pending Checkpoint to whatever surface collects
// human approvals (control-plane endpoint, webhook, Slack), mirroring
// the teacher's InterruptHandler.
type Notifier interface {
	Notify(ctx context.Context, cp *Checkpoint) error
}

// Gate classifies actions, gates risky ones behind approval, and
// audits every decision.
type Gate struct {
	requireApproval bool
	approvalTimeout time.Duration
	audit           AuditStore
	notifier        Notifier
	logger          logging.Logger
	metrics         metrics.Sink

	mu          sync.Mutex
	checkpoints map[string]*Checkpoint
}

// Option configures a Gate.
type Option func(*Gate)

func WithApprovalTimeout(d time.Duration) Option { return func(g *Gate) { g.approvalTimeout = d } }
func WithNotifier(n Notifier) Option             { return func(g *Gate) { g.notifier = n } }
func WithLogger(l logging.Logger) Option         { return func(g *Gate) { g.logger = l } }
func WithMetrics(m metrics.Sink) Option          { return func(g *Gate) { g.metrics = m } }

func New(audit AuditStore, requireApproval bool, opts ...Option) *Gate {
	g := &Gate{
		requireApproval: requireApproval,
		approvalTimeout: 5 * time.Minute,
		audit:           audit,
		logger:          logging.NoOp{},
		metrics:         metrics.NoOp{},
		checkpoints:     make(map[string]*Checkpoint),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Execute runs fn if action is permitted: immediately for read/write/
// external actions, and only after approval for risky actions when
// RequireApproval is set (§4.7 invariant: "a risky action never
// executes without an approved checkpoint when approval is required").
func (g *Gate) Execute(ctx context.Context, action Action, fn func(context.Context) (interface{}, error)) (interface{}, error) {
	ctx, corrID := correlation.FromOrNew(ctx)
	action.CorrelationID = corrID
	if action.ID == "" {
		action.ID = uuid.NewString()
	}

	if action.Classification == ClassRisky && g.requireApproval {
		decision, err := g.awaitApproval(ctx, action)
		if err != nil {
			g.recordAudit(ctx, action, "timed_out", nil)
			return nil, err
		}
		if decision.Command == CommandReject {
			g.recordAudit(ctx, action, "rejected", &decision)
			g.metrics.Counter("tool_executions_total", "action", action.Name, "status", "rejected")
			return nil, errs.New("actiongate.execute", "approval_rejected", action.ID, corrID, fmt.Errorf("%w: %s", errs.ErrApprovalRejected, decision.Reason))
		}
		if decision.EditedPayload != nil {
			action.Payload = decision.EditedPayload
		}
	}

	out, err := fn(ctx)
	outcome := "executed"
	status := "ok"
	if err != nil {
		outcome = "failed"
		status = "error"
	}
	g.recordAudit(ctx, action, outcome, nil)
	g.metrics.Counter("tool_executions_total", "action", action.Name, "status", status)
	return out, err
}

func (g *Gate) awaitApproval(ctx context.Context, action Action) (Decision, error) {
	cp := &Checkpoint{
		ID:        uuid.NewString(),
		Action:    action,
		Status:    CheckpointPending,
		CreatedAt: time.Now().UTC(),
		Decided:   make(chan Decision, 1),
	}
	g.mu.Lock()
	g.checkpoints[cp.ID] = cp
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		delete(g.checkpoints, cp.ID)
		g.mu.Unlock()
	}()

	if g.notifier != nil {
		if err := g.notifier.Notify(ctx, cp); err != nil {
			g.logger.ErrorContext(ctx, "approval notification failed", map[string]interface{}{"checkpoint_id": cp.ID, "error": err.Error()})
		}
	}

	timer := time.NewTimer(g.approvalTimeout)
	defer timer.Stop()
	select {
	case d := <-cp.Decided:
		return d, nil
	case <-timer.C:
		return Decision{}, errs.New("actiongate.await_approval", "approval_timeout", cp.ID, action.CorrelationID, errs.ErrApprovalTimeout)
	case <-ctx.Done():
		return Decision{}, errs.New("actiongate.await_approval", "cancelled", cp.ID, action.CorrelationID, errs.ErrCancelled)
	}
}

// Decide resolves a pending checkpoint by id, analogous to the
// teacher's ProcessCommand.
func (g *Gate) Decide(checkpointID string, decision Decision) error {
	g.mu.Lock()
	cp, ok := g.checkpoints[checkpointID]
	g.mu.Unlock()
	if !ok {
		return errs.New("actiongate.decide", "not_found", checkpointID, "", errs.ErrNotFound)
	}
	select {
	case cp.Decided <- decision:
		return nil
	default:
		return errs.New("actiongate.decide", "validation", checkpointID, "", fmt.Errorf("%w: checkpoint already decided", errs.ErrValidation))
	}
}

func (g *Gate) recordAudit(ctx context.Context, action Action, outcome string, decision *Decision) {
	rec := Record{
		ID: uuid.NewString(), CorrelationID: action.CorrelationID, Action: action,
		Outcome: outcome, Decision: decision, At: time.Now().UTC(),
	}
	if err := g.audit.Append(ctx, rec); err != nil {
		g.logger.ErrorContext(ctx, "audit append failed", map[string]interface{}{"action_id": action.ID, "error": err.Error()})
	}
}

// PendingCheckpoints lists every checkpoint awaiting a decision, for
// the control-plane's /actions/pending endpoint.
func (g *Gate) PendingCheckpoints() []Checkpoint {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Checkpoint, 0, len(g.checkpoints))
	for _, cp := range g.checkpoints {
		out = append(out, *cp)
	}
	return out
}
