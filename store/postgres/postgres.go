// Package postgres is the relational store backing agents, tasks,
// audit records, and feedback (§4.1, §4.7, §4.9 data model) via
// jackc/pgx/v5, the relational driver the teacher's orchestration
// module and kubernaut both depend on. One logical store services
// every table. The agents and tasks tables carry a shard_key column
// (see SPEC_FULL.md §13); the store never writes it and implements no
// sharding.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MycosoftLabs/mycosoft-mas-sub011/actiongate"
	"github.com/MycosoftLabs/mycosoft-mas-sub011/correlation"
	"github.com/MycosoftLabs/mycosoft-mas-sub011/errs"
)

// Store wraps a pgxpool.Pool and implements actiongate.AuditStore plus
// the feedback persistence operations named in SPEC_FULL.md's
// supplemented control-plane endpoints.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to dsn with the given pool sizing, confirming
// connectivity with a ping before returning, mirroring every
// connection-opening constructor elsewhere in this module.
func Open(ctx context.Context, dsn string, maxConns int32, connMaxLifetime time.Duration) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parsing dsn: %w", err)
	}
	cfg.MaxConns = maxConns
	cfg.MaxConnLifetime = connMaxLifetime

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: connecting: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() { s.pool.Close() }

// Migrate creates the tables this store depends on. Schema is kept
// inline and idempotent (CREATE TABLE IF NOT EXISTS) rather than
// pulled from a migration tool, since MAS Core's schema is small and
// stable; golang-migrate remains available for larger future changes.
func (s *Store) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			capabilities TEXT[] NOT NULL DEFAULT '{}',
			status TEXT NOT NULL,
			metadata JSONB NOT NULL DEFAULT '{}',
			shard_key TEXT NOT NULL DEFAULT '',
			registered_at TIMESTAMPTZ NOT NULL,
			last_seen TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			correlation_id TEXT NOT NULL,
			capability TEXT NOT NULL,
			status TEXT NOT NULL,
			assigned_agent TEXT,
			idempotency_key TEXT,
			attempts INT NOT NULL DEFAULT 0,
			shard_key TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS tasks_idempotency_key_idx ON tasks (idempotency_key) WHERE idempotency_key <> ''`,
		`CREATE TABLE IF NOT EXISTS audit_records (
			id TEXT PRIMARY KEY,
			correlation_id TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			action_name TEXT NOT NULL,
			classification TEXT NOT NULL,
			outcome TEXT NOT NULL,
			payload JSONB,
			decision JSONB,
			at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS audit_records_correlation_idx ON audit_records (correlation_id)`,
		`CREATE TABLE IF NOT EXISTS feedback (
			id TEXT PRIMARY KEY,
			correlation_id TEXT NOT NULL,
			agent_id TEXT,
			rating INT,
			comment TEXT,
			created_at TIMESTAMPTZ NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: migrate: %w", err)
		}
	}
	return nil
}

// Append implements actiongate.AuditStore.
func (s *Store) Append(ctx context.Context, rec actiongate.Record) error {
	payload, err := json.Marshal(rec.Action.Payload)
	if err != nil {
		return fmt.Errorf("postgres: marshaling action payload: %w", err)
	}
	var decision []byte
	if rec.Decision != nil {
		decision, err = json.Marshal(rec.Decision)
		if err != nil {
			return fmt.Errorf("postgres: marshaling decision: %w", err)
		}
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO audit_records (id, correlation_id, agent_id, action_name, classification, outcome, payload, decision, at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		rec.ID, rec.CorrelationID, rec.Action.AgentID, rec.Action.Name, string(rec.Action.Classification),
		rec.Outcome, payload, decision, rec.At,
	)
	if err != nil {
		return errs.New("postgres.append", "internal", rec.ID, correlation.From(ctx), err)
	}
	return nil
}

// ByCorrelationID implements actiongate.AuditStore.
func (s *Store) ByCorrelationID(ctx context.Context, correlationID string) ([]actiongate.Record, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, correlation_id, agent_id, action_name, classification, outcome, payload, at
		 FROM audit_records WHERE correlation_id = $1 ORDER BY at ASC`, correlationID)
	if err != nil {
		return nil, errs.New("postgres.by_correlation_id", "internal", correlationID, correlationID, err)
	}
	defer rows.Close()

	var out []actiongate.Record
	for rows.Next() {
		var rec actiongate.Record
		var payload []byte
		if err := rows.Scan(&rec.ID, &rec.CorrelationID, &rec.Action.AgentID, &rec.Action.Name,
			&rec.Action.Classification, &rec.Outcome, &payload, &rec.At); err != nil {
			return nil, fmt.Errorf("postgres: scanning audit record: %w", err)
		}
		json.Unmarshal(payload, &rec.Action.Payload)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterating audit records: %w", err)
	}
	return out, nil
}

// FeedbackEntry is one piece of user feedback (§12 supplemented
// feature: feedback is an append-only signal, never retroactively
// edited).
type FeedbackEntry struct {
	ID            string
	CorrelationID string
	AgentID       string
	Rating        int
	Comment       string
	CreatedAt     time.Time
}

// SubmitFeedback appends one feedback entry.
func (s *Store) SubmitFeedback(ctx context.Context, f FeedbackEntry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO feedback (id, correlation_id, agent_id, rating, comment, created_at) VALUES ($1,$2,$3,$4,$5,$6)`,
		f.ID, f.CorrelationID, f.AgentID, f.Rating, f.Comment, f.CreatedAt)
	if err != nil {
		return errs.New("postgres.submit_feedback", "internal", f.ID, correlation.From(ctx), err)
	}
	return nil
}

// RecentFeedback returns the most recent limit feedback entries.
func (s *Store) RecentFeedback(ctx context.Context, limit int) ([]FeedbackEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, correlation_id, agent_id, rating, comment, created_at FROM feedback ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: querying feedback: %w", err)
	}
	defer rows.Close()

	var out []FeedbackEntry
	for rows.Next() {
		var f FeedbackEntry
		if err := rows.Scan(&f.ID, &f.CorrelationID, &f.AgentID, &f.Rating, &f.Comment, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scanning feedback: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// FeedbackSummary is a read-only aggregate over recent feedback (§13
// Open Question: summary is computed on read, never persisted as its
// own mutable row).
type FeedbackSummary struct {
	Count        int
	AverageRating float64
}

func (s *Store) SummarizeFeedback(ctx context.Context) (FeedbackSummary, error) {
	var summary FeedbackSummary
	row := s.pool.QueryRow(ctx, `SELECT COUNT(*), COALESCE(AVG(rating), 0) FROM feedback`)
	if err := row.Scan(&summary.Count, &summary.AverageRating); err != nil {
		if err == pgx.ErrNoRows {
			return summary, nil
		}
		return summary, fmt.Errorf("postgres: summarizing feedback: %w", err)
	}
	return summary, nil
}
