package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// TracerName is the name of the tracer for transcript operations.
	TracerName = "penf-transcripts"
)

// Span attribute keys
const (
	AttrMeetingID      = "meeting_id"
	AttrAuthMode       = "auth_mode"
	AttrTrigger        = "trigger"
	AttrStage          = "stage"
	AttrPollAttempts   = "poll_attempts"
	AttrTranscriptID   = "transcript_id"
	AttrContentVariant = "content_variant"
	AttrEntryCount     = "entry_count"
	AttrMeetingType    = "meeting_type"
	AttrErrorCode      = "error_code"
)

// Span names
const (
	SpanFetchTranscript = "transcripts.fetch"
	SpanStagePrefix     = "transcripts.stage."
)

// Tracer provides distributed tracing for transcript acquisition.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer creates a tracer from the global provider.
func NewTracer() *Tracer {
	return &Tracer{
		tracer: otel.Tracer(TracerName),
	}
}

// NewTracerFromProvider creates a tracer from an explicit provider.
func NewTracerFromProvider(tp trace.TracerProvider) *Tracer {
	return &Tracer{tracer: tp.Tracer(TracerName)}
}

// StartFetchSpan starts the root span for one acquisition.
func (t *Tracer) StartFetchSpan(ctx context.Context, meetingID, mode string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, SpanFetchTranscript,
		trace.WithAttributes(
			attribute.String(AttrMeetingID, meetingID),
			attribute.String(AttrAuthMode, mode),
		),
	)
}

// StartStageSpan starts a span for a discovery stage.
func (t *Tracer) StartStageSpan(ctx context.Context, stage string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, SpanStagePrefix+stage,
		trace.WithAttributes(
			attribute.String(AttrStage, stage),
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

// SetPollAttempts records how many list calls were made.
func (h *SpanHelper) SetPollAttempts(n int) {
	h.span.SetAttributes(attribute.Int(AttrPollAttempts, n))
}

// SetTranscript records the selected transcript and the body shape.
func (h *SpanHelper) SetTranscript(transcriptID, variant string) {
	h.span.SetAttributes(
		attribute.String(AttrTranscriptID, transcriptID),
		attribute.String(AttrContentVariant, variant),
	)
}

// SetResult records the outcome of normalization.
func (h *SpanHelper) SetResult(meetingType string, entries int) {
	h.span.SetAttributes(
		attribute.String(AttrMeetingType, meetingType),
		attribute.Int(AttrEntryCount, entries),
	)
}

// SetError records an error on the span.
func (h *SpanHelper) SetError(err error, code string) {
	h.span.SetStatus(codes.Error, err.Error())
	h.span.SetAttributes(attribute.String(AttrErrorCode, code))
	h.span.RecordError(err)
}

// SetSuccess marks the span as successful.
func (h *SpanHelper) SetSuccess() {
	h.span.SetStatus(codes.Ok, "")
}

// AddEvent adds an event to the span.
func (h *SpanHelper) AddEvent(name string, attrs ...attribute.KeyValue) {
	h.span.AddEvent(name, trace.WithAttributes(attrs...))
}

// GetTraceID returns the trace ID from the context.
func GetTraceID(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().HasTraceID() {
		return span.SpanContext().TraceID().String()
	}
	return ""
}
