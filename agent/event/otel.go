package event

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelBridge subscribes to a Bus and records each event as an OpenTelemetry
// span. Spans are created and ended immediately; the bridge is an observer,
// not a tracer of node durations.
//
// Usage:
//
//	tracer := otel.Tracer("agentflow")
//	bridge := event.NewOTelBridge(bus, tracer)
//	defer bridge.Close()
type OTelBridge struct {
	bus    *Bus
	tracer trace.Tracer
	subID  int
}

// NewOTelBridge attaches an OTel subscriber to the bus for all event types.
func NewOTelBridge(bus *Bus, tracer trace.Tracer) *OTelBridge {
	b := &OTelBridge{
		bus:    bus,
		tracer: tracer,
	}
	b.subID = bus.Subscribe(nil, b.handle)
	return b
}

// Close detaches the bridge from the bus.
func (b *OTelBridge) Close() {
	b.bus.Unsubscribe(b.subID)
}

func (b *OTelBridge) handle(ev Event) {
	attrs := []attribute.KeyValue{
		attribute.String("agentflow.stream_id", ev.StreamID),
		attribute.String("agentflow.execution_id", ev.ExecutionID),
	}
	for k, v := range ev.Payload {
		attrs = append(attrs, attribute.String("agentflow."+k, fmt.Sprintf("%v", v)))
	}

	_, span := b.tracer.Start(context.Background(), string(ev.Type),
		trace.WithTimestamp(ev.Timestamp),
		trace.WithAttributes(attrs...),
	)

	if ev.Type == TypeProblemReported {
		if p, ok := ev.Payload["problem"].(string); ok {
			span.SetStatus(codes.Error, p)
		} else {
			span.SetStatus(codes.Error, "problem reported")
		}
	}
	if errVal, ok := ev.Payload["error"].(string); ok && errVal != "" {
		span.SetStatus(codes.Error, errVal)
	}

	span.End()
}
