// Package trace provides tracing instrumentation tailored for web client needs.
package trace

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const tracerName = "k6.webclient"

// liveSpan is the navigation span of a window. It stays open until the
// window navigates again or closes, so that spans for later API calls and
// script events can be attached to the navigation that produced the page.
type liveSpan struct {
	ctx  context.Context
	span trace.Span
}

// Tracer generates spans for window navigations, API calls and page events.
type Tracer struct {
	logger logrus.FieldLogger

	trace.Tracer

	metadata []attribute.KeyValue

	liveSpansMu sync.RWMutex
	liveSpans   map[string]*liveSpan
}

// NewTracer creates a new Tracer from the given TracerProvider.
// A nil provider produces non-recording spans.
func NewTracer(
	logger logrus.FieldLogger, tp trace.TracerProvider, metadata map[string]string, options ...trace.TracerOption,
) *Tracer {
	if tp == nil {
		tp = noop.NewTracerProvider()
	}
	return &Tracer{
		logger:    logger,
		Tracer:    tp.Tracer(tracerName, options...),
		metadata:  buildMetadataAttributes(metadata),
		liveSpans: make(map[string]*liveSpan),
	}
}

// Start overrides the underlying OTEL tracer method to include the tracer metadata.
func (t *Tracer) Start(
	ctx context.Context, spanName string, opts ...trace.SpanStartOption,
) (context.Context, trace.Span) {
	opts = append(opts, trace.WithAttributes(t.metadata...))
	return t.Tracer.Start(ctx, spanName, opts...)
}

// GetTraceID returns the trace id of spanCtx, or an empty string.
func GetTraceID(spanCtx trace.SpanContext) string {
	if spanCtx.HasTraceID() {
		traceID := spanCtx.TraceID()
		return traceID.String()
	}
	return ""
}

// TraceAPICall adds a new span to the live navigation span of the given
// window and returns it. It is the caller's responsibility to end it.
// Without a live span the new span is a child of whatever span ctx holds.
func (t *Tracer) TraceAPICall(
	ctx context.Context, windowID string, spanName string, opts ...trace.SpanStartOption,
) (context.Context, trace.Span) {
	t.liveSpansMu.RLock()
	ls := t.liveSpans[windowID]
	t.liveSpansMu.RUnlock()

	if ls == nil {
		t.logger.Debugf("TraceAPICall: no live span spanName: %q windowID: %q", spanName, windowID)
		sCtx, span := t.Start(ctx, spanName, opts...)

		return sCtx, &SpanLogger{Span: span, logger: t.logger, spanName: spanName}
	}

	sCtx, span := t.Start(ls.ctx, spanName, opts...)

	return sCtx, &SpanLogger{Span: span, logger: t.logger, spanName: spanName}
}

// TraceNavigation records a new live span for the given window, ending
// the previous one. The returned span is ended by the next navigation of
// the window, EndNavigation or EndAll.
func (t *Tracer) TraceNavigation(
	ctx context.Context, windowID string, opts ...trace.SpanStartOption,
) (context.Context, trace.Span) {
	t.liveSpansMu.Lock()
	defer t.liveSpansMu.Unlock()

	ls := t.liveSpans[windowID]
	if ls != nil {
		ls.span.End()
	} else {
		ls = &liveSpan{}
	}

	spanName := "navigation"
	ls.ctx, ls.span = t.Start(ctx, spanName, opts...)
	t.liveSpans[windowID] = ls

	traceID := GetTraceID(trace.SpanContextFromContext(ls.ctx))
	t.logger.Debugf("TraceNavigation: spanName: %q traceID: %q windowID: %q", spanName, traceID, windowID)

	return ls.ctx, &SpanLogger{Span: ls.span, logger: t.logger, spanName: spanName}
}

// TraceEvent creates a span for a page event of the given window, only if
// spanID still identifies the live navigation span of the window. Events
// of a page the window has navigated away from get a NoopSpan.
func (t *Tracer) TraceEvent(
	ctx context.Context, windowID string, eventName string, spanID string, opts ...trace.SpanStartOption,
) (context.Context, trace.Span) {
	t.liveSpansMu.RLock()
	ls := t.liveSpans[windowID]
	t.liveSpansMu.RUnlock()

	if ls == nil {
		return ctx, NoopSpan{}
	}
	if sid := ls.span.SpanContext().SpanID().String(); sid != spanID {
		t.logger.Debugf("TraceEvent: stale span spanName: %q windowID: %q", eventName, windowID)
		return ctx, NoopSpan{}
	}

	sCtx, span := t.Start(ls.ctx, eventName, opts...)

	return sCtx, &SpanLogger{Span: span, logger: t.logger, spanName: eventName}
}

// EndNavigation ends the live span of the given window.
func (t *Tracer) EndNavigation(windowID string) {
	t.liveSpansMu.Lock()
	defer t.liveSpansMu.Unlock()

	if ls := t.liveSpans[windowID]; ls != nil {
		ls.span.End()
		delete(t.liveSpans, windowID)
	}
}

// EndAll ends every live span.
func (t *Tracer) EndAll() {
	t.liveSpansMu.Lock()
	defer t.liveSpansMu.Unlock()

	for id, ls := range t.liveSpans {
		ls.span.End()
		delete(t.liveSpans, id)
	}
}

func buildMetadataAttributes(metadata map[string]string) []attribute.KeyValue {
	meta := make([]attribute.KeyValue, 0, len(metadata))
	for mk, mv := range metadata {
		meta = append(meta, attribute.String(mk, mv))
	}

	return meta
}

// NoopSpan represents a noop span.
type NoopSpan struct {
	trace.Span
}

// SpanContext returns a void span context.
func (NoopSpan) SpanContext() trace.SpanContext { return trace.SpanContext{} }

// IsRecording returns false.
func (NoopSpan) IsRecording() bool { return false }

// SetStatus is noop.
func (NoopSpan) SetStatus(codes.Code, string) {}

// SetAttributes is noop.
func (NoopSpan) SetAttributes(...attribute.KeyValue) {}

// End is noop.
func (NoopSpan) End(...trace.SpanEndOption) {}

// RecordError is noop.
func (NoopSpan) RecordError(error, ...trace.EventOption) {}

// AddEvent is noop.
func (NoopSpan) AddEvent(string, ...trace.EventOption) {}

// AddLink is noop.
func (NoopSpan) AddLink(trace.Link) {}

// SetName is noop.
func (NoopSpan) SetName(string) {}

// TracerProvider returns a noop tracer provider.
func (NoopSpan) TracerProvider() trace.TracerProvider { return noop.NewTracerProvider() }

// SpanLogger is a Span that will log the method calls.
type SpanLogger struct {
	trace.Span
	logger   logrus.FieldLogger
	spanName string
}

// SetStatus will log some info before calling the underlying SetStatus.
func (i *SpanLogger) SetStatus(code codes.Code, description string) {
	traceID := GetTraceID(i.SpanContext())
	i.logger.Debugf("SetStatus: spanName: %q traceID: %q code: %q description: %q", i.spanName, traceID, code, description)

	i.Span.SetStatus(code, description)
}

// End will log some info before calling the underlying End.
func (i *SpanLogger) End(options ...trace.SpanEndOption) {
	traceID := GetTraceID(i.SpanContext())
	i.logger.Debugf("End: spanName: %q traceID: %q", i.spanName, traceID)

	i.Span.End(options...)
}
