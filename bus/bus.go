// Package bus implements the MAS Core message bus (§4.2): per-recipient
// FIFO mailboxes, request/response correlation, pub/sub topics, and
// backpressure. In-process (no Redis transport), but mailbox
// bookkeeping is grounded on the teacher's core/discovery.go indexing
// style (name/capability sets keyed by namespace) and its metrics are
// emitted through an injected metrics.Sink.
package bus

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MycosoftLabs/mycosoft-mas-sub011/correlation"
	"github.com/MycosoftLabs/mycosoft-mas-sub011/errs"
	"github.com/MycosoftLabs/mycosoft-mas-sub011/logging"
	"github.com/MycosoftLabs/mycosoft-mas-sub011/metrics"
)

// Envelope is the unit of exchange on the bus (§4.2 data model).
type Envelope struct {
	ID            string
	CorrelationID string
	From          string
	To            string
	Topic         string
	Kind          string // "message", "request", "response", "event"
	ReplyTo       string
	Payload       interface{}
	Deadline      time.Time
	CreatedAt     time.Time
}

// mailbox is a bounded FIFO channel for one recipient.
type mailbox struct {
	ch chan Envelope
}

// Bus is the in-process message bus. Safe for concurrent use.
type Bus struct {
	mu        sync.RWMutex
	mailboxes map[string]*mailbox
	subs      map[string][]chan Envelope

	pendingMu sync.Mutex
	pending   map[string]chan Envelope // correlation id -> reply channel, for Request

	capacity           int
	backpressureBudget time.Duration
	logger             logging.Logger
	metrics            metrics.Sink
}

// Option configures a Bus at construction.
type Option func(*Bus)

func WithCapacity(n int) Option {
	return func(b *Bus) { b.capacity = n }
}

// WithBackpressureBudget bounds how long Send blocks waiting for a
// slot in a full mailbox before returning Backpressured (§4.2).
func WithBackpressureBudget(d time.Duration) Option {
	return func(b *Bus) { b.backpressureBudget = d }
}

func WithLogger(l logging.Logger) Option {
	return func(b *Bus) { b.logger = l }
}

func WithMetrics(m metrics.Sink) Option {
	return func(b *Bus) { b.metrics = m }
}

// New constructs a Bus with the given mailbox capacity (default 256).
func New(opts ...Option) *Bus {
	b := &Bus{
		mailboxes:          make(map[string]*mailbox),
		subs:               make(map[string][]chan Envelope),
		pending:            make(map[string]chan Envelope),
		capacity:           256,
		backpressureBudget: 2 * time.Second,
		logger:             logging.NoOp{},
		metrics:            metrics.NoOp{},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Register creates (or resets) the mailbox for recipient name. Must be
// called before Send targets it.
func (b *Bus) Register(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mailboxes[name] = &mailbox{ch: make(chan Envelope, b.capacity)}
}

// Deregister removes a recipient's mailbox. Undelivered envelopes are
// dropped with reason "deregistered".
func (b *Bus) Deregister(name string) {
	b.mu.Lock()
	mb, ok := b.mailboxes[name]
	delete(b.mailboxes, name)
	b.mu.Unlock()
	if ok {
		close(mb.ch)
		for range mb.ch {
			b.metrics.Counter("bus_drops_total", "reason", "deregistered")
		}
	}
}

// Receive returns the recipient's mailbox channel for consumption.
func (b *Bus) Receive(name string) (<-chan Envelope, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	mb, ok := b.mailboxes[name]
	if !ok {
		return nil, errs.New("bus.receive", "not_found", name, "", errs.ErrNotFound)
	}
	return mb.ch, nil
}

// Send delivers env to env.To's mailbox. A full mailbox blocks the
// caller up to the configured backpressure budget for a slot to free
// (§4.2, §8: "a new send blocks until a slot frees or returns
// Backpressured at the configured budget") before returning
// ErrBackpressured; ErrUndeliverable is returned immediately if To has
// no registered mailbox.
func (b *Bus) Send(ctx context.Context, env Envelope) error {
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	if env.CorrelationID == "" {
		env.CorrelationID = correlation.From(ctx)
	}
	if env.CreatedAt.IsZero() {
		env.CreatedAt = time.Now().UTC()
	}
	if !env.Deadline.IsZero() && time.Now().After(env.Deadline) {
		b.metrics.Counter("bus_drops_total", "reason", "deadline_exceeded")
		return errs.New("bus.send", "deadline_exceeded", env.To, env.CorrelationID, errs.ErrDeadlineExceeded)
	}

	b.mu.RLock()
	mb, ok := b.mailboxes[env.To]
	b.mu.RUnlock()
	if !ok {
		b.metrics.Counter("bus_drops_total", "reason", "no_mailbox")
		return errs.New("bus.send", "undeliverable", env.To, env.CorrelationID, errs.ErrUndeliverable)
	}

	start := time.Now()
	select {
	case mb.ch <- env:
		b.metrics.Gauge("mailbox_depth", float64(len(mb.ch)), "agent", env.To)
		b.metrics.EmitWithContext(ctx, "bus_delivery_latency_seconds", time.Since(start).Seconds())
		return nil
	default:
	}

	b.logger.WarnContext(ctx, "mailbox full, blocking sender under backpressure budget", map[string]interface{}{"to": env.To, "budget": b.backpressureBudget.String()})
	budget := time.NewTimer(b.backpressureBudget)
	defer budget.Stop()
	select {
	case mb.ch <- env:
		b.metrics.Gauge("mailbox_depth", float64(len(mb.ch)), "agent", env.To)
		b.metrics.EmitWithContext(ctx, "bus_delivery_latency_seconds", time.Since(start).Seconds())
		return nil
	case <-ctx.Done():
		b.metrics.Counter("bus_drops_total", "reason", "mailbox_full")
		return errs.New("bus.send", "backpressured", env.To, env.CorrelationID, errs.ErrBackpressured)
	case <-budget.C:
		b.metrics.Counter("bus_drops_total", "reason", "mailbox_full")
		return errs.New("bus.send", "backpressured", env.To, env.CorrelationID, errs.ErrBackpressured)
	}
}

// Request sends env and blocks for a correlated response envelope
// (Kind "response" carrying the same CorrelationID), or returns
// ErrTimedOut when ctx is done first.
func (b *Bus) Request(ctx context.Context, env Envelope) (Envelope, error) {
	if env.CorrelationID == "" {
		env.CorrelationID = correlation.New()
	}
	env.Kind = "request"
	if env.ReplyTo == "" {
		env.ReplyTo = "reply:" + env.CorrelationID
	}

	reply := make(chan Envelope, 1)
	b.pendingMu.Lock()
	b.pending[env.CorrelationID] = reply
	b.pendingMu.Unlock()
	defer func() {
		b.pendingMu.Lock()
		delete(b.pending, env.CorrelationID)
		b.pendingMu.Unlock()
	}()

	if err := b.Send(ctx, env); err != nil {
		return Envelope{}, err
	}

	select {
	case resp := <-reply:
		return resp, nil
	case <-ctx.Done():
		b.metrics.Counter("bus_drops_total", "reason", "request_timeout")
		return Envelope{}, errs.New("bus.request", "timed_out", env.To, env.CorrelationID, errs.ErrTimedOut)
	}
}

// Respond completes an outstanding Request by correlation id.
func (b *Bus) Respond(ctx context.Context, correlationID string, payload interface{}) error {
	b.pendingMu.Lock()
	reply, ok := b.pending[correlationID]
	b.pendingMu.Unlock()
	if !ok {
		return errs.New("bus.respond", "not_found", correlationID, correlationID, errs.ErrNotFound)
	}
	resp := Envelope{
		ID:            uuid.NewString(),
		CorrelationID: correlationID,
		Kind:          "response",
		Payload:       payload,
		CreatedAt:     time.Now().UTC(),
	}
	select {
	case reply <- resp:
		return nil
	default:
		return errs.New("bus.respond", "backpressured", correlationID, correlationID, errs.ErrBackpressured)
	}
}

// Subscribe registers a topic listener and returns a channel of events
// published to that topic (§4.2 pub/sub).
func (b *Bus) Subscribe(topic string) <-chan Envelope {
	ch := make(chan Envelope, b.capacity)
	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], ch)
	b.mu.Unlock()
	return ch
}

// Publish fans env out to every subscriber of env.Topic, dropping
// (and counting) any subscriber whose channel is full rather than
// blocking the publisher.
func (b *Bus) Publish(ctx context.Context, env Envelope) {
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	if env.CorrelationID == "" {
		env.CorrelationID = correlation.From(ctx)
	}
	env.Kind = "event"
	env.CreatedAt = time.Now().UTC()

	b.mu.RLock()
	subs := append([]chan Envelope(nil), b.subs[env.Topic]...)
	b.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- env:
		default:
			b.metrics.Counter("bus_drops_total", "reason", "subscriber_full")
		}
	}
}
