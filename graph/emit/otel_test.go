package emit

import (
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newRecordingTracer() (*tracetest.SpanRecorder, *sdktrace.TracerProvider) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	return recorder, provider
}

func TestOTelEmitter_CreatesSpans(t *testing.T) {
	recorder, provider := newRecordingTracer()
	e := NewOTelEmitter(provider.Tracer("duraflow-test"))

	e.Emit(Event{
		RunID: "run-001",
		Seq:   2,
		Node:  "fetch",
		Msg:   "node_complete",
		Meta:  map[string]any{"duration_ms": int64(42)},
	})

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(spans))
	}
	span := spans[0]
	if span.Name() != "node_complete" {
		t.Errorf("span name = %q", span.Name())
	}

	attrs := make(map[string]any)
	for _, kv := range span.Attributes() {
		attrs[string(kv.Key)] = kv.Value.AsInterface()
	}
	if attrs["duraflow.run_id"] != "run-001" {
		t.Errorf("run_id attribute = %v", attrs["duraflow.run_id"])
	}
	if attrs["duraflow.node"] != "fetch" {
		t.Errorf("node attribute = %v", attrs["duraflow.node"])
	}
	if attrs["duraflow.meta.duration_ms"] != int64(42) {
		t.Errorf("duration attribute = %v", attrs["duraflow.meta.duration_ms"])
	}
}

func TestOTelEmitter_ErrorStatus(t *testing.T) {
	recorder, provider := newRecordingTracer()
	e := NewOTelEmitter(provider.Tracer("duraflow-test"))

	e.Emit(Event{
		RunID: "run-001",
		Msg:   "run_failed",
		Meta:  map[string]any{"error": "upstream returned 503"},
	})

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(spans))
	}
	if spans[0].Status().Description != "upstream returned 503" {
		t.Errorf("status = %+v", spans[0].Status())
	}
}

func TestOTelEmitter_NilTracerNoPanic(t *testing.T) {
	e := NewOTelEmitter(nil)
	e.Emit(Event{RunID: "run-001", Msg: "node_start"})
}
