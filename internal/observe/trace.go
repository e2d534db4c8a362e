package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name for the xdecoder tracer.
const tracerName = "github.com/ASLP-AI/xdecoder"

// DecodeSpanName names the server span covering one decode stream.
const DecodeSpanName = "protocol.decode"

// Span attributes of a decode stream.
const (
	SessionIDKey  = attribute.Key("session.id")
	ClientInfoKey = attribute.Key("client.info")
	// StageKey tells where a failed stream gave up: "lease" or "engine".
	StageKey = attribute.Key("xdecoder.stage")
)

// Tracer returns the xdecoder tracer from the global [trace.TracerProvider].
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSession starts the [DecodeSpanName] span for the stream id opened by
// clientInfo. The returned logger carries session_id and client_info next
// to the span's trace ids, so every line of the stream can be joined with
// its trace. The caller ends the span.
func StartSession(ctx context.Context, id, clientInfo string) (context.Context, trace.Span, *slog.Logger) {
	ctx, span := Tracer().Start(ctx, DecodeSpanName,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			SessionIDKey.String(id),
			ClientInfoKey.String(clientInfo),
		),
	)
	log := Logger(ctx).With("session_id", id, "client_info", clientInfo)
	return ctx, span, log
}

// Fail records err on span and marks it failed at stage.
func Fail(span trace.Span, stage string, err error) {
	span.RecordError(err, trace.WithAttributes(StageKey.String(stage)))
	span.SetStatus(codes.Error, stage)
}

// Logger returns the default logger with trace_id and span_id taken from
// the span in ctx, or the default logger unchanged when there is none.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return l
}
