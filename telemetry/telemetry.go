// Package telemetry wraps the OpenTelemetry trace API (§4.9: "every
// control-plane and gateway hop is a traceable span") behind the
// handful of calls the rest of MAS Core needs. It never configures an
// exporter itself — embedding a process sets up the global
// TracerProvider (OTLP, stdout, or leaves the SDK no-op default) the
// way the teacher's telemetry.OTelProvider does for its own host
// processes; this package only emits spans against whatever is wired.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("mycosoft-mas-sub011")

// StartSpan begins a span named name and returns the span-carrying
// context plus an end func that records err (if any) as the span
// status. Call the returned func via defer.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(err *error)) {
	ctx, span := tracer.Start(ctx, name, trace.WithAttributes(attrs...))
	return ctx, func(errp *error) {
		if errp != nil && *errp != nil {
			span.RecordError(*errp)
			span.SetStatus(codes.Error, (*errp).Error())
		}
		span.End()
	}
}
