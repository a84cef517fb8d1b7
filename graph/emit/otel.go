package emit

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelEmitter turns each event into an OpenTelemetry span.
//
// Span name is the event Msg; run, sequence, node, and all Meta fields
// become attributes. Events carrying an "error" meta key set the span
// status to Error. Spans are closed immediately: the engine measures
// durations itself and reports them via the "duration_ms" meta field, so
// the span is a point-in-time record, not a live timer.
//
//	tracer := otel.Tracer("duraflow")
//	emitter := emit.NewOTelEmitter(tracer)
type OTelEmitter struct {
	tracer trace.Tracer
}

// NewOTelEmitter creates an emitter over the given tracer.
func NewOTelEmitter(tracer trace.Tracer) *OTelEmitter {
	return &OTelEmitter{tracer: tracer}
}

// Emit implements Emitter.
func (o *OTelEmitter) Emit(event Event) {
	if o.tracer == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("duraflow.run_id", event.RunID),
		attribute.Int64("duraflow.seq", event.Seq),
	}
	if event.Node != "" {
		attrs = append(attrs, attribute.String("duraflow.node", event.Node))
	}
	for k, v := range event.Meta {
		attrs = append(attrs, metaAttribute("duraflow.meta."+k, v))
	}

	_, span := o.tracer.Start(context.Background(), event.Msg,
		trace.WithAttributes(attrs...))

	if errVal, ok := event.Meta["error"]; ok {
		span.SetStatus(codes.Error, fmt.Sprintf("%v", errVal))
	}
	span.End()
}

func metaAttribute(key string, v any) attribute.KeyValue {
	switch val := v.(type) {
	case string:
		return attribute.String(key, val)
	case bool:
		return attribute.Bool(key, val)
	case int:
		return attribute.Int(key, val)
	case int64:
		return attribute.Int64(key, val)
	case float64:
		return attribute.Float64(key, val)
	default:
		return attribute.String(key, fmt.Sprintf("%v", val))
	}
}
