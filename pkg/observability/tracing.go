package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// TracerName is the name of the tracer for client operations.
	TracerName = "scribe"
)

// Span attribute keys
const (
	AttrMeetingID  = "meeting.id"
	AttrMethod     = "http.method"
	AttrRoute      = "http.route"
	AttrStatusCode = "http.status_code"
	AttrRequestID  = "request.id"
	AttrAttempt    = "attempt"
	AttrStatus     = "meeting.status"
	AttrErrorCode  = "error.code"
	AttrRetryable  = "retryable"
)

// Span names
const (
	SpanHTTPRequest = "scribe.http.request"
	SpanWatchTick   = "scribe.watcher.tick"
)

// Tracer starts spans for transport calls and watcher ticks.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer creates a tracer backed by the global provider.
func NewTracer() *Tracer {
	return &Tracer{
		tracer: otel.Tracer(TracerName),
	}
}

// StartRequestSpan starts a span for one HTTP request.
func (t *Tracer) StartRequestSpan(ctx context.Context, method, route, requestID string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, SpanHTTPRequest,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String(AttrMethod, method),
			attribute.String(AttrRoute, route),
			attribute.String(AttrRequestID, requestID),
		),
	)
}

// StartTickSpan starts a span for one watcher poll.
func (t *Tracer) StartTickSpan(ctx context.Context, meetingID string, attempt int) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, SpanWatchTick,
		trace.WithAttributes(
			attribute.String(AttrMeetingID, meetingID),
			attribute.Int(AttrAttempt, attempt),
		),
	)
}

// SpanHelper provides convenient methods for working with the current span.
type SpanHelper struct {
	span trace.Span
}

// NewSpanHelper creates a new span helper for the given span.
func NewSpanHelper(span trace.Span) *SpanHelper {
	return &SpanHelper{span: span}
}

// SetStatusCode records the HTTP status of the response.
func (h *SpanHelper) SetStatusCode(code int) {
	h.span.SetAttributes(attribute.Int(AttrStatusCode, code))
}

// SetMeetingStatus records the status observed by a poll.
func (h *SpanHelper) SetMeetingStatus(status string) {
	h.span.SetAttributes(attribute.String(AttrStatus, status))
}

// SetError records an error on the span.
func (h *SpanHelper) SetError(err error, errorCode string, retryable bool) {
	h.span.SetStatus(codes.Error, err.Error())
	h.span.SetAttributes(
		attribute.String(AttrErrorCode, errorCode),
		attribute.Bool(AttrRetryable, retryable),
	)
	h.span.RecordError(err)
}

// SetSuccess marks the span as successful.
func (h *SpanHelper) SetSuccess() {
	h.span.SetStatus(codes.Ok, "")
}

// GetTraceID returns the trace ID from the context.
func GetTraceID(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().HasTraceID() {
		return span.SpanContext().TraceID().String()
	}
	return ""
}
