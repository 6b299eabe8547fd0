package otel

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/terraskye/erp-eventsourcing"
)

var _ eventsourcing.EventBus = (*TelemetryEventBus)(nil)

// TelemetryEventBus wraps an EventBus with OpenTelemetry tracing and metrics.
//
// Publish runs in a producer span. Every delivered envelope runs in a
// consumer span "subscription.receive <name>" linked to the trace that
// appended the event, as found in the envelope metadata (see
// WithEventStoreTelemetry), with an inner "events.handle <type>" span for
// the handler itself.
type TelemetryEventBus struct {
	next eventsourcing.EventBus
	cfg  *config
}

// WithEventBusTelemetry wraps an EventBus with OpenTelemetry tracing and metrics.
//
// Example Usage:
//
//	bus := otel.WithEventBusTelemetry(eventBus,
//	    otel.WithAttributes(attribute.String("service", "finance")),
//	)
//	err := bus.Subscribe(ctx, "invoice-projector", handler)
func WithEventBusTelemetry(next eventsourcing.EventBus, options ...Option) *TelemetryEventBus {
	return &TelemetryEventBus{next: next, cfg: newConfig(options)}
}

func (t *TelemetryEventBus) Publish(ctx context.Context, envelopes ...*eventsourcing.Envelope) error {
	ctx, span := tracer.Start(ctx, "eventbus.publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(t.cfg.attributes(ctx, AttrEventCount.Int(len(envelopes)))...),
	)
	defer span.End()

	if err := t.next.Publish(ctx, envelopes...); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	for _, e := range envelopes {
		if e == nil {
			continue
		}
		EventBusPublished.Add(ctx, 1, metric.WithAttributes(AttrEventType.String(e.EventType)))
	}
	span.SetStatus(codes.Ok, "")
	return nil
}

// Subscribe registers next wrapped with a consumer span per delivery.
//
// Metrics recorded:
//   - EventBusHandled: events handled without error.
//   - EventBusDuration: handler execution time in milliseconds.
//   - EventBusErrors: handler errors, ErrSkippedEvent excluded.
func (t *TelemetryEventBus) Subscribe(ctx context.Context, name string, next eventsourcing.EventHandler, options ...eventsourcing.SubscriberOption) error {
	if next == nil {
		return t.next.Subscribe(ctx, name, nil, options...)
	}

	inner := WithEventTelemetry(next)

	return t.next.Subscribe(ctx, name, eventsourcing.NewEventHandlerFunc(func(ctx context.Context, envelope *eventsourcing.Envelope) error {
		attrs := append(envelopeAttributes(envelope), AttrSubscriberName.String(name))

		producer := trace.SpanContextFromContext(
			otel.GetTextMapPropagator().Extract(context.Background(), metadataCarrier(envelope.Metadata)),
		)

		startOpts := []trace.SpanStartOption{
			trace.WithSpanKind(trace.SpanKindConsumer),
			trace.WithAttributes(t.cfg.attributes(ctx, attrs...)...),
		}
		if producer.IsValid() {
			startOpts = append(startOpts, trace.WithLinks(trace.Link{
				SpanContext: producer,
				Attributes: []attribute.KeyValue{
					attribute.String("link.reason", "event.consumed.from.stream"),
				},
			}))
		}

		ctx, span := tracer.Start(ctx, fmt.Sprintf("subscription.receive %s", name), startOpts...)
		defer span.End()

		err := inner.Handle(ctx, envelope)
		if err != nil {
			var skipped *eventsourcing.ErrSkippedEvent
			if errors.As(err, &skipped) {
				span.SetStatus(codes.Ok, "")
			} else {
				span.SetStatus(codes.Error, err.Error())
				span.RecordError(err)
			}
			return err
		}
		span.SetStatus(codes.Ok, "")
		return nil
	}), options...)
}

// metadataCarrier exposes the string values of metadata to a propagator.
func metadataCarrier(metadata map[string]any) propagation.MapCarrier {
	carrier := make(propagation.MapCarrier, len(metadata))
	for k, v := range metadata {
		if s, ok := v.(string); ok && s != "" {
			carrier[k] = s
		}
	}
	return carrier
}

func (t *TelemetryEventBus) Errors() <-chan error {
	return t.next.Errors()
}

func (t *TelemetryEventBus) Close() error {
	return t.next.Close()
}
