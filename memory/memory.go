// Package memory implements the MAS Core layered memory subsystem
// (§4.10): ephemeral/session/working/semantic/episodic/profile layers
// with TTLs and (for semantic/episodic) vector search. Grounded on the
// teacher's core/memory_store.go MemoryStore: the same
// lock-protected map + expiresAt entry shape and cache-hit/miss metric
// emission, generalized from one flat keyspace to named layers and
// from string values to arbitrary payloads.
package memory

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/MycosoftLabs/mycosoft-mas-sub011/errs"
	"github.com/MycosoftLabs/mycosoft-mas-sub011/logging"
	"github.com/MycosoftLabs/mycosoft-mas-sub011/metrics"
)

// Layer names the memory layer a key belongs to (§4.10).
type Layer string

const (
	LayerEphemeral Layer = "ephemeral"
	LayerSession   Layer = "session"
	LayerWorking   Layer = "working"
	LayerSemantic  Layer = "semantic"
	LayerEpisodic  Layer = "episodic"
	LayerProfile   Layer = "profile"
)

// defaultTTL is applied when Put doesn't specify one; Profile and
// Semantic default to no expiry (zero value), matching §4.10's
// "profile and semantic memory persist until explicitly forgotten."
var defaultTTL = map[Layer]time.Duration{
	LayerEphemeral: 60 * time.Second,
	LayerSession:   30 * time.Minute,
	LayerWorking:   4 * time.Hour,
	LayerSemantic:  0,
	LayerEpisodic:  30 * 24 * time.Hour,
	LayerProfile:   0,
}

// Vector is a dense embedding attached to a semantic/episodic entry
// for similarity search.
type Vector []float64

type entry struct {
	value     interface{}
	vector    Vector
	expiresAt time.Time
}

// Store is the layered in-memory implementation backing the memory
// API. A pgx-backed persistence option for semantic/episodic entries
// is noted in SPEC_FULL.md §11 but not required for in-process
// correctness, since every layer here is keyed and queried the same
// way regardless of durability.
type Store struct {
	mu      sync.RWMutex
	layers  map[Layer]map[string]entry
	logger  logging.Logger
	metrics metrics.Sink
}

// Option configures a Store.
type Option func(*Store)

func WithLogger(l logging.Logger) Option { return func(s *Store) { s.logger = l } }
func WithMetrics(m metrics.Sink) Option  { return func(s *Store) { s.metrics = m } }

func New(opts ...Option) *Store {
	s := &Store{
		layers:  make(map[Layer]map[string]entry),
		logger:  logging.NoOp{},
		metrics: metrics.NoOp{},
	}
	for _, l := range []Layer{LayerEphemeral, LayerSession, LayerWorking, LayerSemantic, LayerEpisodic, LayerProfile} {
		s.layers[l] = make(map[string]entry)
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Put stores value under key in layer. ttl of 0 uses the layer's
// default (§4.10's per-layer TTL policy); pass a negative ttl for "no
// expiry" explicitly.
func (s *Store) Put(ctx context.Context, layer Layer, key string, value interface{}, vector Vector, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.layers[layer]
	if !ok {
		return errs.New("memory.put", "validation", key, "", errs.ErrValidation)
	}

	var expiresAt time.Time
	switch {
	case ttl < 0:
		// no expiry
	case ttl > 0:
		expiresAt = time.Now().Add(ttl)
	default:
		if d := defaultTTL[layer]; d > 0 {
			expiresAt = time.Now().Add(d)
		}
	}

	m[key] = entry{value: value, vector: vector, expiresAt: expiresAt}
	s.logger.DebugContext(ctx, "memory put", map[string]interface{}{"layer": string(layer), "key": key})
	return nil
}

// Get retrieves value for key in layer, reporting a miss (not an
// error) for absent or expired entries, mirroring the teacher's Get
// semantics (cache miss is a value-less success, not Get's own
// error).
func (s *Store) Get(ctx context.Context, layer Layer, key string) (interface{}, bool) {
	s.mu.RLock()
	m, ok := s.layers[layer]
	if !ok {
		s.mu.RUnlock()
		return nil, false
	}
	e, found := m[key]
	s.mu.RUnlock()

	if !found {
		s.metrics.Counter("memory_misses_total", "layer", string(layer))
		return nil, false
	}
	if !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		s.mu.Lock()
		delete(m, key)
		s.mu.Unlock()
		s.metrics.Counter("memory_evictions_total", "layer", string(layer), "reason", "expired")
		return nil, false
	}
	return e.value, true
}

// Forget deletes key from layer.
func (s *Store) Forget(ctx context.Context, layer Layer, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.layers[layer]; ok {
		delete(m, key)
	}
}

// SearchResult is one ranked hit from Search.
type SearchResult struct {
	Key   string
	Value interface{}
	Score float64
}

// Search performs cosine-similarity search over a layer's vectors
// (§4.10: semantic/episodic recall), returning the topK highest-scoring
// entries.
func (s *Store) Search(ctx context.Context, layer Layer, query Vector, topK int) ([]SearchResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.layers[layer]
	if !ok {
		return nil, errs.New("memory.search", "validation", string(layer), "", errs.ErrValidation)
	}

	results := make([]SearchResult, 0, len(m))
	for k, e := range m {
		if e.vector == nil {
			continue
		}
		if !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
			continue
		}
		results = append(results, SearchResult{Key: k, Value: e.value, Score: cosineSimilarity(query, e.vector)})
	}

	sortByScoreDesc(results)
	if topK > 0 && len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

func cosineSimilarity(a, b Vector) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func sortByScoreDesc(results []SearchResult) {
	for i := 1; i < len(results); i++ {
		for j := i; j > 0 && results[j].Score > results[j-1].Score; j-- {
			results[j], results[j-1] = results[j-1], results[j]
		}
	}
}
