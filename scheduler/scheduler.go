// Package scheduler implements the MAS Core Task Scheduler (§4.5):
// capability-based routing, retry with exponential backoff+jitter,
// role-bucket and per-agent concurrency limits, idempotency-key dedup,
// admission-budget backpressure, and deadline/priority-aware task
// bookkeeping. Concurrency gates use golang.org/x/sync/semaphore, the
// same library the teacher's orchestration module leans on for bounded
// fan-out; retry/backoff is resilience.Do, adapted from the teacher's
// ai/providers/base.go ExecuteWithRetry.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/MycosoftLabs/mycosoft-mas-sub011/agent"
	"github.com/MycosoftLabs/mycosoft-mas-sub011/bus"
	"github.com/MycosoftLabs/mycosoft-mas-sub011/correlation"
	"github.com/MycosoftLabs/mycosoft-mas-sub011/errs"
	"github.com/MycosoftLabs/mycosoft-mas-sub011/logging"
	"github.com/MycosoftLabs/mycosoft-mas-sub011/metrics"
	"github.com/MycosoftLabs/mycosoft-mas-sub011/registry"
	"github.com/MycosoftLabs/mycosoft-mas-sub011/resilience"
)

// Status is a submitted task's lifecycle status (§3 data model).
type Status string

const (
	StatusQueued    Status = "queued" // submitted, not yet claimed by its run goroutine
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
)

// Priority is a task's scheduling priority (§3). Degraded agents are
// only eligible to serve PriorityLow tasks.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// TaskRecord is the scheduler's view of a submitted task, returned by
// Status and used internally for routing/retry bookkeeping.
type TaskRecord struct {
	ID             string
	CorrelationID  string
	Capability     string
	Input          interface{}
	IdempotencyKey string
	Priority       Priority
	Status         Status
	AssignedAgent  string
	Attempts       int
	MaxAttempts    int
	BackoffBase    time.Duration
	Deadline       time.Time
	Output         interface{}
	Err            error
	CreatedAt      time.Time
	UpdatedAt      time.Time

	cancel         context.CancelFunc // cancels the whole task, all attempts
	attemptCancel  context.CancelFunc // cancels only the in-flight attempt
	bucket         *semaphore.Weighted
	bucketReleased bool
	generation     int // bumped on re-route; a stale goroutine's finish() becomes a no-op

	// pendingInterruptErr is set by a bus-driven re-route/quarantine
	// reaction (§4.3, §4.4) to interrupt the attempt blocked in
	// HandleTask; the attempt reports it as its own (retryable) error
	// instead of a bare context cancellation.
	pendingInterruptErr error
}

// AgentHandle pairs a managed agent's registry.Descriptor (capability
// membership) with its TaskHandler contract. In-flight load for
// fewest-in-flight routing is counted by the Scheduler itself.
type AgentHandle struct {
	Descriptor registry.Descriptor
	Handler    agent.TaskHandler
}

// Directory supplies the scheduler with the live set of agents
// advertising a capability (backed by *registry.Registry in
// production, a fake in tests).
type Directory interface {
	FindByCapability(ctx context.Context, capability string) ([]registry.Descriptor, error)
}

// Dispatcher resolves an agent id to the live agent.TaskHandler the
// scheduler can call HandleTask on.
type Dispatcher interface {
	Resolve(id string) (agent.TaskHandler, bool)
}

// Scheduler routes and executes tasks against registered agents.
type Scheduler struct {
	dir        Directory
	dispatcher Dispatcher
	logger     logging.Logger
	metrics    metrics.Sink
	bus        *bus.Bus

	roleBuckets map[string]*semaphore.Weighted
	perAgent    map[string]*semaphore.Weighted
	bucketCap   int64
	agentCap    int64

	admissionBudget time.Duration
	defaultDeadline time.Duration

	retryCfg resilience.RetryConfig

	mu        sync.Mutex
	tasks     map[string]*TaskRecord
	idemIndex map[string]string // idempotency key -> task id

	inflight       map[string]int // agent id -> in-flight count, for fewest-in-flight routing
	failures       map[string]int // agent id -> recent failure count, for failure-rate tie-break
	bucketInflight map[string]int // capability -> running task count, for scheduler_inflight{bucket}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

func WithBucketCapacity(n int64) Option { return func(s *Scheduler) { s.bucketCap = n } }
func WithAgentCapacity(n int64) Option  { return func(s *Scheduler) { s.agentCap = n } }
func WithRetryConfig(cfg resilience.RetryConfig) Option {
	return func(s *Scheduler) { s.retryCfg = cfg }
}
func WithLogger(l logging.Logger) Option { return func(s *Scheduler) { s.logger = l } }
func WithMetrics(m metrics.Sink) Option  { return func(s *Scheduler) { s.metrics = m } }

// WithBus wires the scheduler to the message bus so it can react to
// agent.replaced (§4.3 re-routing) and agent.quarantined (§4.4
// cancellation) events published by the registry and agent lifecycle.
func WithBus(b *bus.Bus) Option { return func(s *Scheduler) { s.bus = b } }

// WithAdmissionBudget bounds how long Submit blocks waiting for role
// bucket capacity before returning Overloaded (§4.5, §7).
func WithAdmissionBudget(d time.Duration) Option {
	return func(s *Scheduler) { s.admissionBudget = d }
}

// WithDefaultDeadline sets the deadline assigned to tasks submitted
// without an explicit Deadline (§4.5: "assign deadline = submitted_at
// + configured ceiling if none provided").
func WithDefaultDeadline(d time.Duration) Option {
	return func(s *Scheduler) { s.defaultDeadline = d }
}

func New(dir Directory, dispatcher Dispatcher, opts ...Option) *Scheduler {
	s := &Scheduler{
		dir:             dir,
		dispatcher:      dispatcher,
		logger:          logging.NoOp{},
		metrics:         metrics.NoOp{},
		roleBuckets:     make(map[string]*semaphore.Weighted),
		perAgent:        make(map[string]*semaphore.Weighted),
		bucketCap:       64,
		agentCap:        4,
		admissionBudget: 2 * time.Second,
		defaultDeadline: 5 * time.Minute,
		retryCfg:        resilience.DefaultRetryConfig(),
		tasks:           make(map[string]*TaskRecord),
		idemIndex:       make(map[string]string),
		inflight:        make(map[string]int),
		failures:        make(map[string]int),
		bucketInflight:  make(map[string]int),
	}
	for _, o := range opts {
		o(s)
	}
	if s.bus != nil {
		go s.watchAgentEvents()
	}
	return s
}

func (s *Scheduler) bucketFor(capability string) *semaphore.Weighted {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.roleBuckets[capability]
	if !ok {
		b = semaphore.NewWeighted(s.bucketCap)
		s.roleBuckets[capability] = b
	}
	return b
}

func (s *Scheduler) agentSemaphore(agentID string) *semaphore.Weighted {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.perAgent[agentID]
	if !ok {
		a = semaphore.NewWeighted(s.agentCap)
		s.perAgent[agentID] = a
	}
	return a
}

// SubmitOption customizes one Submit call's task record (§3: priority,
// deadline, and per-task retry overrides).
type SubmitOption func(*TaskRecord)

func WithPriority(p Priority) SubmitOption { return func(r *TaskRecord) { r.Priority = p } }

// WithDeadline sets an explicit deadline, overriding the scheduler's
// default ceiling.
func WithDeadline(t time.Time) SubmitOption { return func(r *TaskRecord) { r.Deadline = t } }

// WithMaxAttempts overrides the scheduler's default max_attempts for
// this task only (§8 scenario 2).
func WithMaxAttempts(n int) SubmitOption { return func(r *TaskRecord) { r.MaxAttempts = n } }

// WithBackoffBase overrides the scheduler's default backoff_base_ms
// for this task only (§8 scenario 2).
func WithBackoffBase(d time.Duration) SubmitOption { return func(r *TaskRecord) { r.BackoffBase = d } }

// Submit enqueues a task and runs it asynchronously, returning the
// task id. If idempotencyKey matches a task already submitted, Submit
// returns the existing task's id instead of creating a duplicate
// (§4.5: "resubmission under the same idempotency key is a no-op").
//
// Submit blocks up to the configured admission budget waiting for
// role-bucket capacity; if the budget is exhausted it returns
// ErrOverloaded with a Retry-After hint rather than queuing
// indefinitely (§4.5 "Backpressure", §7). A task whose deadline has
// already elapsed by submission time is marked Expired without ever
// being routed (§8: "Deadline equal to now: task is Expired without
// any attempt").
func (s *Scheduler) Submit(ctx context.Context, capability string, input interface{}, idempotencyKey string, opts ...SubmitOption) (string, error) {
	ctx, corrID := correlation.FromOrNew(ctx)

	s.mu.Lock()
	if idempotencyKey != "" {
		if existingID, ok := s.idemIndex[idempotencyKey]; ok {
			s.mu.Unlock()
			return existingID, nil
		}
	}
	s.mu.Unlock()

	now := time.Now().UTC()
	id := correlation.New()
	rec := &TaskRecord{
		ID: id, CorrelationID: corrID, Capability: capability, Input: input,
		IdempotencyKey: idempotencyKey, Priority: PriorityNormal, Status: StatusQueued,
		MaxAttempts: s.retryCfg.MaxAttempts, BackoffBase: s.retryCfg.BaseDelay,
		CreatedAt: now, UpdatedAt: now,
	}
	for _, o := range opts {
		o(rec)
	}
	if rec.Deadline.IsZero() {
		rec.Deadline = now.Add(s.defaultDeadline)
	}

	s.mu.Lock()
	s.tasks[id] = rec
	if idempotencyKey != "" {
		s.idemIndex[idempotencyKey] = id
	}
	s.mu.Unlock()

	if !rec.Deadline.After(now) {
		s.expire(rec, errs.New("scheduler.submit", "expired", id, corrID, fmt.Errorf("%w: deadline already elapsed at submission", errs.ErrDeadlineExceeded)))
		return id, nil
	}

	bucket := s.bucketFor(capability)
	admCtx, admCancel := context.WithTimeout(ctx, s.admissionBudget)
	err := bucket.Acquire(admCtx, 1)
	admCancel()
	if err != nil {
		s.mu.Lock()
		delete(s.tasks, id)
		if idempotencyKey != "" {
			delete(s.idemIndex, idempotencyKey)
		}
		s.mu.Unlock()
		s.metrics.Counter("tasks_total", "capability", capability, "status", "overloaded")
		s.logger.WarnContext(ctx, "admission budget exhausted, rejecting submit", map[string]interface{}{"capability": capability})
		return "", errs.NewOverloaded("scheduler.submit", capability, corrID, int(s.admissionBudget.Seconds()))
	}
	s.bumpBucketInflight(capability, 1)

	s.spawnRun(rec, bucket)
	return id, nil
}

// spawnRun launches the task's retry/routing loop in a fresh goroutine
// bound to a context derived from the task's deadline, bumping
// rec.generation, which run's claim checks before starting. Re-routing
// after an agent event happens inside that loop, not by a new launch.
func (s *Scheduler) spawnRun(rec *TaskRecord, bucket *semaphore.Weighted) {
	base := correlation.With(context.Background(), rec.CorrelationID)
	taskCtx, cancel := context.WithDeadline(base, rec.Deadline)

	s.mu.Lock()
	rec.cancel = cancel
	rec.bucket = bucket
	rec.generation++
	gen := rec.generation
	s.mu.Unlock()

	go s.run(taskCtx, rec, gen)
}

func (s *Scheduler) run(ctx context.Context, rec *TaskRecord, gen int) {
	if !s.claim(rec, gen) {
		return
	}

	err := resilience.Do(ctx, s.retryConfigFor(rec), func(ctx context.Context, attempt int) error {
		attemptCtx, attemptCancel := context.WithCancel(ctx)
		defer attemptCancel()
		s.mu.Lock()
		rec.Attempts = attempt + 1
		rec.attemptCancel = attemptCancel
		s.mu.Unlock()

		agentID, handler, routeErr := s.route(attemptCtx, rec.Capability, rec.Priority)
		if routeErr != nil {
			return routeErr
		}
		agentSem := s.agentSemaphore(agentID)
		if err := agentSem.Acquire(attemptCtx, 1); err != nil {
			return err
		}
		defer agentSem.Release(1)

		s.mu.Lock()
		s.inflight[agentID]++
		rec.AssignedAgent = agentID
		s.mu.Unlock()
		start := time.Now()
		result := handler.HandleTask(attemptCtx, agent.Task{
			ID: rec.ID, CorrelationID: rec.CorrelationID, Capability: rec.Capability,
			Input: rec.Input, IdempotencyKey: rec.IdempotencyKey,
		})
		s.mu.Lock()
		s.inflight[agentID]--
		interruptErr := rec.pendingInterruptErr
		rec.pendingInterruptErr = nil
		if result.Error != nil || interruptErr != nil {
			s.failures[agentID]++
		}
		s.mu.Unlock()
		s.metrics.EmitWithContext(ctx, "task_duration_seconds", time.Since(start).Seconds(), "capability", rec.Capability)

		if interruptErr != nil {
			return interruptErr
		}
		if result.Error != nil {
			return result.Error
		}
		rec.Output = result.Output
		return nil
	})

	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			s.finish(rec, gen, func() {
				s.expire(rec, errs.New("scheduler.run", "expired", rec.ID, rec.CorrelationID, errs.ErrDeadlineExceeded))
			})
			return
		}
		if ctx.Err() != nil {
			// Cancelled by Cancel() or superseded by a re-route; the
			// transition that caused this already recorded an outcome.
			return
		}
		s.finish(rec, gen, func() { s.fail(rec, err) })
		return
	}
	s.finish(rec, gen, func() {
		s.setStatus(rec, StatusSucceeded)
		s.releaseBucket(rec)
		s.metrics.Counter("tasks_total", "capability", rec.Capability, "status", "succeeded")
	})
}

func (s *Scheduler) retryConfigFor(rec *TaskRecord) resilience.RetryConfig {
	cfg := s.retryCfg
	if rec.MaxAttempts > 0 {
		cfg.MaxAttempts = rec.MaxAttempts
	}
	if rec.BackoffBase > 0 {
		cfg.BaseDelay = rec.BackoffBase
	}
	return cfg
}

// claim transitions a Queued task to Running for generation gen,
// refusing if a concurrent re-route or Cancel already moved the task
// on (a superseded generation, or Status no longer Queued).
func (s *Scheduler) claim(rec *TaskRecord, gen int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.generation != gen || rec.Status != StatusQueued {
		return false
	}
	rec.Status = StatusRunning
	rec.UpdatedAt = time.Now().UTC()
	return true
}

// finish applies a terminal-state transition only if generation gen is
// still current and the task is still Running, so a stale goroutine
// left over from a superseded attempt (Cancel, re-route) cannot
// clobber an outcome already recorded for this task.
func (s *Scheduler) finish(rec *TaskRecord, gen int, apply func()) {
	s.mu.Lock()
	current := rec.generation == gen && rec.Status == StatusRunning
	s.mu.Unlock()
	if !current {
		return
	}
	apply()
}

// route picks the best agent advertising capability using §4.5's tie
// break chain: fewest in-flight, then lowest recent failure rate, then
// a stable hash of (task-capability, agent-id) for determinism across
// equally-loaded agents. The hash is FNV-1a rather than an imported
// rendezvous-hashing library — see DESIGN.md. Degraded agents are only
// considered for PriorityLow tasks (§3).
func (s *Scheduler) route(ctx context.Context, capability string, priority Priority) (string, agent.TaskHandler, error) {
	descs, err := s.dir.FindByCapability(ctx, capability)
	if err != nil {
		return "", nil, errs.New("scheduler.route", "internal", capability, correlation.From(ctx), err)
	}
	var candidates []registry.Descriptor
	for _, d := range descs {
		switch d.Status {
		case registry.StatusReady, registry.StatusBusy:
			candidates = append(candidates, d)
		case registry.StatusDegraded:
			if priority == PriorityLow {
				candidates = append(candidates, d)
			}
		}
	}
	if len(candidates) == 0 {
		return "", nil, errs.New("scheduler.route", "no_capable_agent", capability, correlation.From(ctx), errs.ErrNoCapableAgent)
	}

	s.mu.Lock()
	sort.Slice(candidates, func(i, j int) bool {
		ii, jj := candidates[i].ID, candidates[j].ID
		if s.inflight[ii] != s.inflight[jj] {
			return s.inflight[ii] < s.inflight[jj]
		}
		if s.failures[ii] != s.failures[jj] {
			return s.failures[ii] < s.failures[jj]
		}
		return stableHash(capability, ii) < stableHash(capability, jj)
	})
	s.mu.Unlock()

	chosen := candidates[0]
	handler, ok := s.dispatcher.Resolve(chosen.ID)
	if !ok {
		return "", nil, errs.New("scheduler.route", "no_capable_agent", chosen.ID, correlation.From(ctx), errs.ErrNoCapableAgent)
	}
	return chosen.ID, handler, nil
}

func stableHash(capability, agentID string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(capability + "|" + agentID))
	return h.Sum32()
}

func (s *Scheduler) setStatus(rec *TaskRecord, status Status) {
	s.mu.Lock()
	rec.Status = status
	rec.UpdatedAt = time.Now().UTC()
	s.mu.Unlock()
}

func (s *Scheduler) fail(rec *TaskRecord, err error) {
	s.mu.Lock()
	rec.Status = StatusFailed
	rec.Err = err
	rec.UpdatedAt = time.Now().UTC()
	s.mu.Unlock()
	s.releaseBucket(rec)
	s.metrics.Counter("tasks_total", "capability", rec.Capability, "status", "failed")
	s.logger.Error("task failed", map[string]interface{}{"task_id": rec.ID, "capability": rec.Capability, "error": err.Error()})
}

// expire marks rec Expired (§3, §8: "Deadline equal to now: task is
// Expired without any attempt; counters increment
// tasks_total{status=expired}"). No-op if the task already reached a
// terminal state.
func (s *Scheduler) expire(rec *TaskRecord, err error) {
	s.mu.Lock()
	switch rec.Status {
	case StatusSucceeded, StatusFailed, StatusCancelled, StatusExpired:
		s.mu.Unlock()
		return
	}
	rec.Status = StatusExpired
	rec.Err = err
	rec.UpdatedAt = time.Now().UTC()
	s.mu.Unlock()
	s.releaseBucket(rec)
	s.metrics.Counter("tasks_total", "capability", rec.Capability, "status", "expired")
	s.logger.Warn("task expired", map[string]interface{}{"task_id": rec.ID, "capability": rec.Capability, "error": err.Error()})
}

// releaseBucket releases the task's held role-bucket slot exactly
// once, decrementing scheduler_inflight{bucket} (§6). Safe to call
// from terminal-state paths that race each other.
func (s *Scheduler) releaseBucket(rec *TaskRecord) {
	s.mu.Lock()
	if rec.bucketReleased {
		s.mu.Unlock()
		return
	}
	rec.bucketReleased = true
	bucket := rec.bucket
	capability := rec.Capability
	s.mu.Unlock()
	if bucket != nil {
		bucket.Release(1)
		s.bumpBucketInflight(capability, -1)
	}
}

func (s *Scheduler) bumpBucketInflight(capability string, delta int) {
	s.mu.Lock()
	s.bucketInflight[capability] += delta
	n := s.bucketInflight[capability]
	s.mu.Unlock()
	s.metrics.Gauge("scheduler_inflight", float64(n), "bucket", capability)
}

// watchAgentEvents reacts to registry/agent lifecycle events published
// on the bus: agent.replaced invalidates in-flight tasks whose
// capability the replacement descriptor no longer advertises (§3,
// §4.3); agent.quarantined interrupts in-flight tasks assigned to the
// quarantined agent (§4.4).
func (s *Scheduler) watchAgentEvents() {
	replaced := s.bus.Subscribe("agent.replaced")
	quarantined := s.bus.Subscribe("agent.quarantined")
	for {
		select {
		case env, ok := <-replaced:
			if !ok {
				return
			}
			s.handleAgentReplaced(env)
		case env, ok := <-quarantined:
			if !ok {
				return
			}
			s.handleAgentQuarantined(env)
		}
	}
}

func (s *Scheduler) handleAgentReplaced(env bus.Envelope) {
	d, ok := env.Payload.(registry.Descriptor)
	if !ok {
		return
	}
	caps := make(map[string]bool, len(d.Capabilities))
	for _, c := range d.Capabilities {
		caps[c] = true
	}
	reason := errs.New("scheduler.reroute", "no_capable_agent", d.ID, "", fmt.Errorf("%w: agent %s replaced without this capability", errs.ErrNoCapableAgent, d.ID))
	s.interruptRunning(func(rec *TaskRecord) bool {
		return rec.AssignedAgent == d.ID && !caps[rec.Capability]
	}, reason)
}

func (s *Scheduler) handleAgentQuarantined(env bus.Envelope) {
	agentID, ok := env.Payload.(string)
	if !ok || agentID == "" {
		return
	}
	reason := errs.New("scheduler.quarantine", "provider_unavailable", agentID, "", fmt.Errorf("%w: agent %s quarantined", errs.ErrProviderUnavailable, agentID))
	s.interruptRunning(func(rec *TaskRecord) bool {
		return rec.AssignedAgent == agentID
	}, reason)
}

// interruptRunning flags every Running task matched by match with
// reason and cancels its current attempt, so the attempt blocked in
// HandleTask returns promptly and resilience.Do classifies reason
// (retryable) as that attempt's error instead of a bare context
// cancellation — the task then retries onto a different agent, or
// fails with reason once attempts are exhausted (§4.3, §4.4).
func (s *Scheduler) interruptRunning(match func(*TaskRecord) bool, reason error) {
	s.mu.Lock()
	var cancels []context.CancelFunc
	for _, rec := range s.tasks {
		if rec.Status == StatusRunning && match(rec) {
			rec.pendingInterruptErr = reason
			if rec.attemptCancel != nil {
				cancels = append(cancels, rec.attemptCancel)
			}
		}
	}
	s.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

// Status returns the current record for a task id.
func (s *Scheduler) Status(taskID string) (*TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.tasks[taskID]
	if !ok {
		return nil, errs.New("scheduler.status", "not_found", taskID, "", errs.ErrNotFound)
	}
	cp := *rec
	return &cp, nil
}

// Cancel requests cancellation of a running or queued task.
func (s *Scheduler) Cancel(taskID string) error {
	s.mu.Lock()
	rec, ok := s.tasks[taskID]
	if !ok {
		s.mu.Unlock()
		return errs.New("scheduler.cancel", "not_found", taskID, "", errs.ErrNotFound)
	}
	switch rec.Status {
	case StatusSucceeded, StatusFailed, StatusCancelled, StatusExpired:
		s.mu.Unlock()
		return errs.New("scheduler.cancel", "validation", taskID, "", fmt.Errorf("%w: task already terminal", errs.ErrValidation))
	}
	cancel := rec.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.setStatus(rec, StatusCancelled)
	s.releaseBucket(rec)
	return nil
}
