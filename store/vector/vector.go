// Package vector is the MAS Core vector store (§4.1, §11): an
// in-memory cosine-similarity index fronting the semantic/episodic
// memory layers, with an optional pgx-backed persistence path so an
// index can be rebuilt after a restart. The index itself stays
// in-process per §4.2's "subsystems are in-process" scoping; pgx is
// exercised here as a durability log, not a query engine.
package vector

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MycosoftLabs/mycosoft-mas-sub011/errs"
)

// Embedding is one indexed vector with an opaque JSON payload.
type Embedding struct {
	ID      string
	Vector  []float64
	Payload json.RawMessage
}

// Index is the in-memory cosine-similarity index.
type Index struct {
	mu    sync.RWMutex
	items map[string]Embedding

	persist *pgxpool.Pool // optional
}

// Option configures an Index.
type Option func(*Index)

// WithPersistence wires a pgx pool so Upsert durably logs every
// embedding to a vector_embeddings table, letting Load rebuild the
// in-memory index on startup.
func WithPersistence(pool *pgxpool.Pool) Option {
	return func(idx *Index) { idx.persist = pool }
}

func New(opts ...Option) *Index {
	idx := &Index{items: make(map[string]Embedding)}
	for _, o := range opts {
		o(idx)
	}
	return idx
}

// Migrate creates the persistence table, if persistence is wired.
func (idx *Index) Migrate(ctx context.Context) error {
	if idx.persist == nil {
		return nil
	}
	_, err := idx.persist.Exec(ctx, `CREATE TABLE IF NOT EXISTS vector_embeddings (
		id TEXT PRIMARY KEY,
		vector DOUBLE PRECISION[] NOT NULL,
		payload JSONB
	)`)
	if err != nil {
		return fmt.Errorf("vector: migrate: %w", err)
	}
	return nil
}

// Upsert adds or replaces an embedding, persisting it if persistence
// is configured.
func (idx *Index) Upsert(ctx context.Context, e Embedding) error {
	idx.mu.Lock()
	idx.items[e.ID] = e
	idx.mu.Unlock()

	if idx.persist != nil {
		_, err := idx.persist.Exec(ctx,
			`INSERT INTO vector_embeddings (id, vector, payload) VALUES ($1,$2,$3)
			 ON CONFLICT (id) DO UPDATE SET vector = EXCLUDED.vector, payload = EXCLUDED.payload`,
			e.ID, toFloatSlice(e.Vector), e.Payload)
		if err != nil {
			return errs.New("vector.upsert", "internal", e.ID, "", err)
		}
	}
	return nil
}

func toFloatSlice(v []float64) []float64 {
	out := make([]float64, len(v))
	copy(out, v)
	return out
}

// Delete removes an embedding from the index and, if wired, the
// persistence table.
func (idx *Index) Delete(ctx context.Context, id string) error {
	idx.mu.Lock()
	delete(idx.items, id)
	idx.mu.Unlock()
	if idx.persist != nil {
		if _, err := idx.persist.Exec(ctx, `DELETE FROM vector_embeddings WHERE id = $1`, id); err != nil {
			return errs.New("vector.delete", "internal", id, "", err)
		}
	}
	return nil
}

// Load rebuilds the in-memory index from the persistence table. Call
// once at startup before serving Search.
func (idx *Index) Load(ctx context.Context) error {
	if idx.persist == nil {
		return nil
	}
	rows, err := idx.persist.Query(ctx, `SELECT id, vector, payload FROM vector_embeddings`)
	if err != nil {
		return fmt.Errorf("vector: load: %w", err)
	}
	defer rows.Close()

	idx.mu.Lock()
	defer idx.mu.Unlock()
	for rows.Next() {
		var e Embedding
		if err := rows.Scan(&e.ID, &e.Vector, &e.Payload); err != nil {
			return fmt.Errorf("vector: scanning embedding: %w", err)
		}
		idx.items[e.ID] = e
	}
	return rows.Err()
}

// Hit is one ranked search result.
type Hit struct {
	ID      string
	Payload json.RawMessage
	Score   float64
}

// Search returns the topK embeddings closest to query by cosine
// similarity.
func (idx *Index) Search(query []float64, topK int) []Hit {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	hits := make([]Hit, 0, len(idx.items))
	for id, e := range idx.items {
		hits = append(hits, Hit{ID: id, Payload: e.Payload, Score: cosine(query, e.Vector)})
	}
	for i := 1; i < len(hits); i++ {
		for j := i; j > 0 && hits[j].Score > hits[j-1].Score; j-- {
			hits[j], hits[j-1] = hits[j-1], hits[j]
		}
	}
	if topK > 0 && len(hits) > topK {
		hits = hits[:topK]
	}
	return hits
}

func cosine(a, b []float64) float64 {
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
