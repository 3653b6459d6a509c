// Package correlation threads a correlation identifier through every
// request, task, envelope, and audit record so a single logical
// operation can be reconstructed end-to-end (§8: "the audit log, task
// log, and response share the same id"). Grounded on the teacher's
// orchestrator.go request-id context helpers (WithRequestID/GetRequestID).
package correlation

import (
	"context"

	"github.com/google/uuid"
)

type contextKey string

const idKey contextKey = "mas.correlation_id"

// New mints a fresh correlation id.
func New() string {
	return uuid.NewString()
}

// With returns a context carrying id. An empty id mints a new one, so
// callers can always do correlation.With(ctx, incomingHeader) even when
// incomingHeader is unset.
func With(ctx context.Context, id string) context.Context {
	if id == "" {
		id = New()
	}
	return context.WithValue(ctx, idKey, id)
}

// From extracts the correlation id from ctx, or "" if none was set.
func From(ctx context.Context) string {
	v, _ := ctx.Value(idKey).(string)
	return v
}

// FromOrNew extracts the correlation id from ctx, minting one if absent,
// and returns both the id and a context guaranteed to carry it.
func FromOrNew(ctx context.Context) (context.Context, string) {
	if id := From(ctx); id != "" {
		return ctx, id
	}
	id := New()
	return With(ctx, id), id
}
