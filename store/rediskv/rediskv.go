// Package rediskv is the KV/cache store backing sessions, working
// memory, and rate limiting (§4.10, §5) via go-redis/redis/v8, the
// same client and connection pattern as the teacher's
// core/discovery.go RedisDiscovery.
package rediskv

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/MycosoftLabs/mycosoft-mas-sub011/correlation"
	"github.com/MycosoftLabs/mycosoft-mas-sub011/errs"
)

// Store wraps a *redis.Client scoped to namespace.
type Store struct {
	client    *redis.Client
	namespace string
}

// Open connects to redisURL, confirming connectivity with Ping.
func Open(ctx context.Context, redisURL, namespace string) (*Store, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("rediskv: invalid url: %w", err)
	}
	client := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("rediskv: connecting: %w", err)
	}
	return &Store{client: client, namespace: namespace}, nil
}

func (s *Store) Close() error { return s.client.Close() }

func (s *Store) key(parts ...string) string {
	k := s.namespace
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

// SetSession stores a session value with ttl.
func (s *Store) SetSession(ctx context.Context, sessionID string, value string, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.key("sessions", sessionID), value, ttl).Err(); err != nil {
		return errs.New("rediskv.set_session", "internal", sessionID, correlation.From(ctx), err)
	}
	return nil
}

// GetSession retrieves a session value, returning ErrNotFound if
// absent or expired.
func (s *Store) GetSession(ctx context.Context, sessionID string) (string, error) {
	v, err := s.client.Get(ctx, s.key("sessions", sessionID)).Result()
	if err == redis.Nil {
		return "", errs.New("rediskv.get_session", "not_found", sessionID, correlation.From(ctx), errs.ErrNotFound)
	}
	if err != nil {
		return "", errs.New("rediskv.get_session", "internal", sessionID, correlation.From(ctx), err)
	}
	return v, nil
}

// Allow implements a fixed-window rate limiter: INCR a per-window
// counter, expiring it on first increment, and reports whether the
// call is within limit (§5 concurrency model: bus/scheduler
// backpressure is complemented by this coarse per-caller rate limit
// at the control-plane edge).
func (s *Store) Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, error) {
	k := s.key("ratelimit", key)
	count, err := s.client.Incr(ctx, k).Result()
	if err != nil {
		return false, errs.New("rediskv.allow", "internal", key, correlation.From(ctx), err)
	}
	if count == 1 {
		s.client.Expire(ctx, k, window)
	}
	return count <= limit, nil
}

// PutWorking stores a working-memory value under key with ttl,
// mirroring memory.LayerWorking's TTL policy for the durable side of
// that layer.
func (s *Store) PutWorking(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.key("working", key), value, ttl).Err(); err != nil {
		return errs.New("rediskv.put_working", "internal", key, correlation.From(ctx), err)
	}
	return nil
}

// GetWorking retrieves a working-memory value.
func (s *Store) GetWorking(ctx context.Context, key string) (string, bool, error) {
	v, err := s.client.Get(ctx, s.key("working", key)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, errs.New("rediskv.get_working", "internal", key, correlation.From(ctx), err)
	}
	return v, true, nil
}
