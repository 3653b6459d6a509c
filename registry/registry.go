// Package registry implements the MAS Core Agent Registry (§4.1): a
// Redis-backed directory of AgentDescriptors with capability and name
// indexes, TTL heartbeats, and atomic-replace semantics. Grounded
// directly on the teacher's core/discovery.go RedisDiscovery (same
// key layout: "<namespace>:agents:<id>", "<namespace>:capabilities:<cap>",
// "<namespace>:names:<name>" sets with expiry on the index sets).
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/MycosoftLabs/mycosoft-mas-sub011/bus"
	"github.com/MycosoftLabs/mycosoft-mas-sub011/correlation"
	"github.com/MycosoftLabs/mycosoft-mas-sub011/errs"
	"github.com/MycosoftLabs/mycosoft-mas-sub011/logging"
	"github.com/MycosoftLabs/mycosoft-mas-sub011/metrics"
)

// Status is the agent lifecycle state (§4.4's state machine, as seen
// by the registry rather than the agent itself).
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusReady        Status = "ready"
	StatusBusy         Status = "busy"
	StatusDegraded     Status = "degraded"
	StatusQuarantined  Status = "quarantined"
	StatusStopped      Status = "stopped"
)

// Descriptor is the durable record of one agent (§4.1 data model).
type Descriptor struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Capabilities []string          `json:"capabilities"`
	Roles        []string          `json:"roles"`
	Status       Status            `json:"status"`
	Metadata     map[string]string `json:"metadata"`
	LastSeen     time.Time         `json:"last_seen"`
	RegisteredAt time.Time         `json:"registered_at"`
	Generation   uint64            `json:"generation"` // bumped on each Replace, for atomic-replace detection
}

// Registry is the Redis-backed agent directory.
type Registry struct {
	client    *redis.Client
	namespace string
	ttl       time.Duration
	bus       *bus.Bus // optional: publishes Replaced/Deregistered events
	logger    logging.Logger
	metrics   metrics.Sink
}

// Option configures a Registry at construction.
type Option func(*Registry)

func WithTTL(ttl time.Duration) Option {
	return func(r *Registry) { r.ttl = ttl }
}

func WithBus(b *bus.Bus) Option {
	return func(r *Registry) { r.bus = b }
}

func WithLogger(l logging.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

func WithMetrics(m metrics.Sink) Option {
	return func(r *Registry) { r.metrics = m }
}

// New connects to Redis at redisURL and returns a Registry scoped to
// namespace, confirming connectivity like the teacher's
// NewRedisDiscoveryWithNamespace.
func New(ctx context.Context, redisURL, namespace string, opts ...Option) (*Registry, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("registry: invalid redis url: %w", err)
	}
	client := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("registry: connecting to redis: %w", err)
	}

	r := &Registry{
		client:    client,
		namespace: namespace,
		ttl:       30 * time.Second,
		logger:    logging.NoOp{},
		metrics:   metrics.NoOp{},
	}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

func (r *Registry) agentKey(id string) string { return fmt.Sprintf("%s:agents:%s", r.namespace, id) }
func (r *Registry) capKey(cap string) string   { return fmt.Sprintf("%s:capabilities:%s", r.namespace, cap) }
func (r *Registry) nameKey(name string) string { return fmt.Sprintf("%s:names:%s", r.namespace, name) }

// Register stores d and indexes it by capability and name. If an
// agent with the same ID is already registered, Register performs an
// atomic replace: the generation counter is bumped and a Replaced
// event is published on the bus (§4.1: "re-registration under the same
// id replaces the descriptor atomically").
func (r *Registry) Register(ctx context.Context, d Descriptor) error {
	key := r.agentKey(d.ID)

	existing, err := r.client.Get(ctx, key).Result()
	replaced := false
	if err == nil {
		var prev Descriptor
		if json.Unmarshal([]byte(existing), &prev) == nil {
			d.Generation = prev.Generation + 1
			replaced = true
			r.cleanupIndexes(ctx, prev)
		}
	}

	d.RegisteredAt = time.Now().UTC()
	d.LastSeen = d.RegisteredAt
	if d.Status == "" {
		d.Status = StatusInitializing
	}

	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("registry: marshaling descriptor: %w", err)
	}
	if err := r.client.Set(ctx, key, data, r.ttl).Err(); err != nil {
		return errs.New("registry.register", "internal", d.ID, correlation.From(ctx), err)
	}

	for _, cap := range d.Capabilities {
		ck := r.capKey(cap)
		r.client.SAdd(ctx, ck, d.ID)
		r.client.Expire(ctx, ck, r.ttl*2)
	}
	nk := r.nameKey(d.Name)
	r.client.SAdd(ctx, nk, d.ID)
	r.client.Expire(ctx, nk, r.ttl*2)

	r.metrics.Gauge("agents_by_status", 1, "status", string(d.Status))
	if replaced && r.bus != nil {
		r.bus.Publish(ctx, bus.Envelope{Topic: "agent.replaced", Payload: d})
	}
	r.logger.InfoContext(ctx, "agent registered", map[string]interface{}{"agent_id": d.ID, "name": d.Name, "replaced": replaced})
	return nil
}

func (r *Registry) cleanupIndexes(ctx context.Context, d Descriptor) {
	for _, cap := range d.Capabilities {
		r.client.SRem(ctx, r.capKey(cap), d.ID)
	}
	r.client.SRem(ctx, r.nameKey(d.Name), d.ID)
}

// Deregister removes an agent and its indexes.
func (r *Registry) Deregister(ctx context.Context, id string) error {
	d, err := r.Lookup(ctx, id)
	if err != nil {
		return err
	}
	r.cleanupIndexes(ctx, *d)
	if err := r.client.Del(ctx, r.agentKey(id)).Err(); err != nil {
		return errs.New("registry.deregister", "internal", id, correlation.From(ctx), err)
	}
	if r.bus != nil {
		r.bus.Publish(ctx, bus.Envelope{Topic: "agent.deregistered", Payload: *d})
	}
	return nil
}

// Lookup fetches one agent descriptor by ID.
func (r *Registry) Lookup(ctx context.Context, id string) (*Descriptor, error) {
	data, err := r.client.Get(ctx, r.agentKey(id)).Result()
	if err == redis.Nil {
		return nil, errs.New("registry.lookup", "not_found", id, correlation.From(ctx), errs.ErrNotFound)
	}
	if err != nil {
		return nil, errs.New("registry.lookup", "internal", id, correlation.From(ctx), err)
	}
	var d Descriptor
	if err := json.Unmarshal([]byte(data), &d); err != nil {
		return nil, errs.New("registry.lookup", "internal", id, correlation.From(ctx), err)
	}
	return &d, nil
}

// FindByCapability returns every live agent advertising capability.
func (r *Registry) FindByCapability(ctx context.Context, capability string) ([]Descriptor, error) {
	ids, err := r.client.SMembers(ctx, r.capKey(capability)).Result()
	if err != nil {
		return nil, errs.New("registry.find_by_capability", "internal", capability, correlation.From(ctx), err)
	}
	return r.fetchAll(ctx, ids), nil
}

// FindByName returns every live agent registered under name.
func (r *Registry) FindByName(ctx context.Context, name string) ([]Descriptor, error) {
	ids, err := r.client.SMembers(ctx, r.nameKey(name)).Result()
	if err != nil {
		return nil, errs.New("registry.find_by_name", "internal", name, correlation.From(ctx), err)
	}
	return r.fetchAll(ctx, ids), nil
}

func (r *Registry) fetchAll(ctx context.Context, ids []string) []Descriptor {
	out := make([]Descriptor, 0, len(ids))
	for _, id := range ids {
		d, err := r.Lookup(ctx, id)
		if err != nil {
			continue // expired between index read and fetch
		}
		out = append(out, *d)
	}
	return out
}

// SetStatus updates an agent's lifecycle status and refreshes its TTL.
func (r *Registry) SetStatus(ctx context.Context, id string, status Status) error {
	d, err := r.Lookup(ctx, id)
	if err != nil {
		return err
	}
	d.Status = status
	d.LastSeen = time.Now().UTC()
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("registry: marshaling descriptor: %w", err)
	}
	if err := r.client.Set(ctx, r.agentKey(id), data, r.ttl).Err(); err != nil {
		return errs.New("registry.set_status", "internal", id, correlation.From(ctx), err)
	}
	r.metrics.Gauge("agents_by_status", 1, "status", string(status))
	return nil
}

// Heartbeat refreshes LastSeen and the record's TTL without changing
// status, keeping a healthy agent's registration alive.
func (r *Registry) Heartbeat(ctx context.Context, id string) error {
	d, err := r.Lookup(ctx, id)
	if err != nil {
		return err
	}
	r.refreshTTL(ctx, id, *d)
	return nil
}

// StartHeartbeat runs a background ticker that calls Heartbeat at
// ttl/2 until ctx is cancelled, mirroring the teacher's
// RedisDiscovery.StartHeartbeat.
func (r *Registry) StartHeartbeat(ctx context.Context, id string) {
	ticker := time.NewTicker(r.ttl / 2)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if d, err := r.Lookup(ctx, id); err == nil {
					r.refreshTTL(ctx, id, *d)
				}
			}
		}
	}()
}

func (r *Registry) refreshTTL(ctx context.Context, id string, d Descriptor) {
	d.LastSeen = time.Now().UTC()
	data, err := json.Marshal(d)
	if err != nil {
		return
	}
	r.client.Set(ctx, r.agentKey(id), data, r.ttl)
}

// List returns every agent record in the namespace, scanning the agents
// keys directly rather than the capability or name index sets.
func (r *Registry) List(ctx context.Context) ([]Descriptor, error) {
	var out []Descriptor
	iter := r.client.Scan(ctx, 0, fmt.Sprintf("%s:agents:*", r.namespace), 100).Iterator()
	for iter.Next(ctx) {
		data, err := r.client.Get(ctx, iter.Val()).Result()
		if err != nil {
			continue
		}
		var d Descriptor
		if json.Unmarshal([]byte(data), &d) == nil {
			out = append(out, d)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, errs.New("registry.list", "internal", "", correlation.From(ctx), err)
	}
	return out, nil
}
