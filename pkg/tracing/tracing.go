// Package tracing provides OpenTelemetry spans around the catalog's three
// slow paths: document store queries, filler handler resolution, and
// materializer block reads. It exists so a deployment can plug in a real
// exporter later without touching call sites — every call site talks to
// this package's Span wrapper, not to go.opentelemetry.io/otel directly.
package tracing

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracer defaults to a no-op implementation; Init replaces it once a real
// exporter has been configured. Callers started before Init runs simply
// get no-op spans rather than panicking.
var tracer trace.Tracer = trace.NewNoopTracerProvider().Tracer("runcat")

// Span wraps an OpenTelemetry span with batched attribute setting, the way
// a hot per-document span needs to avoid one otel call per attribute.
type Span struct {
	span       trace.Span
	startTime  time.Time
	attributes []attribute.KeyValue
}

// Start begins a span named operationName using whichever tracer is
// currently installed — the no-op tracer until Init runs, a real exporter
// afterward.
func Start(ctx context.Context, operationName string) (context.Context, *Span) {
	ctx, span := getTracer().Start(ctx, operationName)
	return ctx, &Span{span: span, startTime: time.Now()}
}

// SetAttribute stages an attribute to be attached when the span ends.
func (s *Span) SetAttribute(key string, value interface{}) {
	var attr attribute.KeyValue
	switch v := value.(type) {
	case string:
		attr = attribute.String(key, v)
	case int:
		attr = attribute.Int(key, v)
	case int64:
		attr = attribute.Int64(key, v)
	case float64:
		attr = attribute.Float64(key, v)
	case bool:
		attr = attribute.Bool(key, v)
	default:
		attr = attribute.String(key, fmt.Sprintf("%v", v))
	}
	s.attributes = append(s.attributes, attr)
}

// AddEvent records a point-in-time event on the span.
func (s *Span) AddEvent(name string) {
	s.span.AddEvent(name)
}

// SetStatus sets the span's status code and description.
func (s *Span) SetStatus(code codes.Code, description string) {
	s.span.SetStatus(code, description)
}

// End flushes staged attributes and ends the span.
func (s *Span) End() {
	if len(s.attributes) > 0 {
		s.span.SetAttributes(s.attributes...)
	}
	s.span.End()
}

// Duration returns the elapsed time since the span started.
func (s *Span) Duration() time.Duration {
	return time.Since(s.startTime)
}

// RunSpan starts a span for an operation on a specific run, pre-populating
// run uid and, when non-empty, stream attributes — the annotations every
// catalog/materializer/filler trace needs.
func RunSpan(ctx context.Context, component, operation, runUID, stream string) (context.Context, *Span) {
	ctx, span := Start(ctx, fmt.Sprintf("%s.%s", component, operation))
	span.SetAttribute("run.uid", runUID)
	if stream != "" {
		span.SetAttribute("stream", stream)
	}
	return ctx, span
}

// Trace runs fn inside a RunSpan, setting the span's status from fn's
// return value and always ending the span.
func Trace(ctx context.Context, component, operation, runUID, stream string, fn func(ctx context.Context) error) error {
	ctx, span := RunSpan(ctx, component, operation, runUID, stream)
	defer span.End()

	err := fn(ctx)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	return err
}

func getTracer() trace.Tracer {
	return tracer
}
