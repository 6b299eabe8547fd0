package otel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/terraskye/erp-eventsourcing"
)

func envelopeAttributes(e *eventsourcing.Envelope) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEventType.String(e.EventType),
		AttrEventID.String(e.EventID.String()),
		AttrEventVersion.Int64(int64(e.Version)),
		AttrEventGlobalPos.Int64(int64(e.GlobalPosition)),
		AttrAggregateID.String(e.AggregateID),
		AttrAggregateType.String(e.AggregateType),
	}
}

// WithEventTelemetry wraps an EventHandler in an "events.handle <type>"
// span. A skipped event keeps status Ok.
func WithEventTelemetry(next eventsourcing.EventHandler, options ...Option) eventsourcing.EventHandler {
	cfg := newConfig(options)

	return eventsourcing.NewEventHandlerFunc(func(ctx context.Context, envelope *eventsourcing.Envelope) error {
		ctx, span := tracer.Start(ctx, fmt.Sprintf("events.handle %s", envelope.EventType),
			trace.WithSpanKind(trace.SpanKindInternal),
			trace.WithAttributes(cfg.attributes(ctx, envelopeAttributes(envelope)...)...),
		)
		defer span.End()

		typeAttr := metric.WithAttributes(AttrEventType.String(envelope.EventType))
		startTime := time.Now()
		err := next.Handle(ctx, envelope)
		EventBusDuration.Record(ctx, float64(time.Since(startTime).Milliseconds()), typeAttr)

		if err != nil {
			var skipped *eventsourcing.ErrSkippedEvent
			if errors.As(err, &skipped) {
				span.SetStatus(codes.Ok, "event skipped")
				return err
			}
			EventBusErrors.Add(ctx, 1, typeAttr)
			span.SetStatus(codes.Error, err.Error())
			span.RecordError(err)
			return err
		}
		EventBusHandled.Add(ctx, 1, typeAttr)
		span.SetStatus(codes.Ok, "")
		return nil
	})
}
