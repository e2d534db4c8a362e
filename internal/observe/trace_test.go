package observe

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

// useTestTracer installs an in-memory TracerProvider as the global one for
// the duration of the test.
func useTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(orig) })
	return exp
}

// captureLogs routes the default logger into a buffer for the duration of
// the test.
func captureLogs(t *testing.T, level slog.Level) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: level})))
	t.Cleanup(func() { slog.SetDefault(orig) })
	return &buf
}

func attrValue(attrs []attribute.KeyValue, key attribute.Key) (attribute.Value, bool) {
	for _, kv := range attrs {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func onlySpan(t *testing.T, exp *tracetest.InMemoryExporter) tracetest.SpanStub {
	t.Helper()
	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(spans))
	}
	return spans[0]
}

func TestStartSession_RecordsDecodeSpan(t *testing.T) {
	exp := useTestTracer(t)

	_, span, _ := StartSession(context.Background(), "sess-42", "kiosk-7")
	span.End()

	got := onlySpan(t, exp)
	if got.Name != "protocol.decode" {
		t.Errorf("span name = %q, want %q", got.Name, "protocol.decode")
	}
	if got.SpanKind != trace.SpanKindServer {
		t.Errorf("span kind = %v, want server", got.SpanKind)
	}
	tests := []struct {
		key  attribute.Key
		want string
	}{
		{SessionIDKey, "sess-42"},
		{ClientInfoKey, "kiosk-7"},
	}
	for _, tt := range tests {
		v, ok := attrValue(got.Attributes, tt.key)
		if !ok {
			t.Errorf("span missing %s", tt.key)
			continue
		}
		if v.AsString() != tt.want {
			t.Errorf("%s = %q, want %q", tt.key, v.AsString(), tt.want)
		}
	}
	if got.Status.Code == codes.Error {
		t.Errorf("status = %v for a clean stream", got.Status)
	}
}

func TestStartSession_LoggerCarriesSessionAndTrace(t *testing.T) {
	useTestTracer(t)
	buf := captureLogs(t, slog.LevelInfo)

	ctx, span, log := StartSession(context.Background(), "sess-1", "cli")
	defer span.End()
	log.Info("session opened")

	out := buf.String()
	traceID := trace.SpanContextFromContext(ctx).TraceID().String()
	for _, want := range []string{
		"session_id=sess-1",
		"client_info=cli",
		"trace_id=" + traceID,
		"span_id=" + span.SpanContext().SpanID().String(),
	} {
		if !strings.Contains(out, want) {
			t.Errorf("log line missing %q: %s", want, out)
		}
	}
}

func TestStartSession_ContinuesRemoteTrace(t *testing.T) {
	exp := useTestTracer(t)

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	parent := trace.ContextWithRemoteSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
		Remote:     true,
	}))

	_, span, _ := StartSession(parent, "sess-2", "cli")
	span.End()

	got := onlySpan(t, exp)
	if got.SpanContext.TraceID() != traceID {
		t.Errorf("trace id = %s, want %s", got.SpanContext.TraceID(), traceID)
	}
	if got.Parent.SpanID() != spanID {
		t.Errorf("parent span id = %s, want %s", got.Parent.SpanID(), spanID)
	}
}

func TestFail_MarksStage(t *testing.T) {
	tests := []struct {
		stage string
		err   error
	}{
		{"lease", errors.New("pool: no free decoding context")},
		{"engine", errors.New("engine: feed: decoder crashed")},
	}
	for _, tt := range tests {
		t.Run(tt.stage, func(t *testing.T) {
			exp := useTestTracer(t)

			_, span, _ := StartSession(context.Background(), "sess-3", "cli")
			Fail(span, tt.stage, tt.err)
			span.End()

			got := onlySpan(t, exp)
			if got.Status.Code != codes.Error || got.Status.Description != tt.stage {
				t.Errorf("status = %+v, want error %q", got.Status, tt.stage)
			}
			if len(got.Events) != 1 || got.Events[0].Name != "exception" {
				t.Fatalf("events = %+v, want one exception", got.Events)
			}
			ev := got.Events[0]
			if v, ok := attrValue(ev.Attributes, StageKey); !ok || v.AsString() != tt.stage {
				t.Errorf("exception %s = %v, want %q", StageKey, v.AsString(), tt.stage)
			}
			if v, ok := attrValue(ev.Attributes, "exception.message"); !ok || v.AsString() != tt.err.Error() {
				t.Errorf("exception.message = %q, want %q", v.AsString(), tt.err.Error())
			}
		})
	}
}

func TestLogger_NoSpan(t *testing.T) {
	buf := captureLogs(t, slog.LevelInfo)

	Logger(context.Background()).Info("history query failed")

	if out := buf.String(); strings.Contains(out, "trace_id") {
		t.Errorf("log output should not contain trace_id, got: %s", out)
	}
}
