package observe

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// initTestProvider runs InitProvider and restores the global providers when
// the test ends.
func initTestProvider(t *testing.T, cfg ProviderConfig) *Telemetry {
	t.Helper()
	origMP := otel.GetMeterProvider()
	origTP := otel.GetTracerProvider()
	t.Cleanup(func() {
		otel.SetMeterProvider(origMP)
		otel.SetTracerProvider(origTP)
	})

	tel, err := InitProvider(context.Background(), cfg)
	if err != nil {
		t.Fatalf("InitProvider: %v", err)
	}
	t.Cleanup(func() {
		if err := tel.Shutdown(context.Background()); err != nil {
			t.Errorf("Shutdown: %v", err)
		}
	})
	return tel
}

func scrape(t *testing.T, tel *Telemetry) string {
	t.Helper()
	rec := httptest.NewRecorder()
	tel.MetricsHandler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 200 {
		t.Fatalf("scrape status = %d", rec.Code)
	}
	body, err := io.ReadAll(rec.Body)
	if err != nil {
		t.Fatal(err)
	}
	return string(body)
}

func TestInitProvider_ExposesServerMetrics(t *testing.T) {
	tel := initTestProvider(t, ProviderConfig{ServiceName: "xdecoder-test", ServiceVersion: "v0.0.0"})

	m, err := NewMetrics(otel.GetMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	m.RecordResult(context.Background(), "final")

	body := scrape(t, tel)
	for _, want := range []string{
		"xdecoder_results_total",
		`service_name="xdecoder-test"`,
		"go_goroutines",
		"process_start_time_seconds",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}

func TestInitProvider_SampleRatio(t *testing.T) {
	initTestProvider(t, ProviderConfig{SampleRatio: 1e-12})
	tracer := otel.Tracer("test")

	_, root := tracer.Start(context.Background(), "root")
	root.End()
	if root.SpanContext().IsSampled() {
		t.Error("new trace sampled at a near-zero ratio")
	}

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	parent := trace.ContextWithRemoteSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
		Remote:     true,
	}))
	_, child := tracer.Start(parent, "child")
	child.End()
	if !child.SpanContext().IsSampled() {
		t.Error("sampled caller trace was not continued")
	}
}

func TestInitProvider_SamplesEverythingByDefault(t *testing.T) {
	initTestProvider(t, ProviderConfig{})

	_, span := otel.Tracer("test").Start(context.Background(), "root")
	span.End()
	if !span.SpanContext().IsSampled() {
		t.Error("span not sampled with the default ratio")
	}
}
