package otel

import (
	"context"
	"errors"
	"io"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/terraskye/erp-eventsourcing"
)

// MetadataCorrelationID is set on appended events that carry no correlation
// id yet, from the trace id of the append span.
const MetadataCorrelationID = eventsourcing.MetadataCorrelationID

var _ eventsourcing.EventStore = (*TelemetryStore)(nil)

type TelemetryStore struct {
	next eventsourcing.EventStore
	cfg  *config
}

// WithEventStoreTelemetry wraps an EventStore with spans and metrics. Append
// also injects the trace context into the metadata of the appended events,
// so consumers can link back to the producing trace.
func WithEventStoreTelemetry(next eventsourcing.EventStore, options ...Option) *TelemetryStore {
	return &TelemetryStore{next: next, cfg: newConfig(options)}
}

func (t *TelemetryStore) Append(ctx context.Context, aggregateID, aggregateType string, expectedVersion uint64, events []*eventsourcing.Envelope) (eventsourcing.AppendResult, error) {
	ctx, span := tracer.Start(ctx, "EventStore.Append",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(t.cfg.attributes(ctx,
			AttrOperation.String("append"),
			AttrAggregateID.String(aggregateID),
			AttrAggregateType.String(aggregateType),
			AttrExpectedVersion.Int64(int64(expectedVersion)),
			AttrEventCount.Int(len(events)),
		)...),
	)
	defer span.End()

	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)

	traced := make([]*eventsourcing.Envelope, len(events))
	for i, e := range events {
		if e == nil {
			continue
		}
		c := e.Clone()
		if c.Metadata == nil {
			c.Metadata = make(map[string]any, len(carrier)+1)
		}
		for key, value := range carrier {
			c.Metadata[key] = value
		}
		if _, ok := c.Metadata[MetadataCorrelationID]; !ok && span.SpanContext().HasTraceID() {
			c.Metadata[MetadataCorrelationID] = span.SpanContext().TraceID().String()
		}
		traced[i] = c
	}

	opAttrs := metric.WithAttributes(AttrOperation.String("append"), AttrAggregateType.String(aggregateType))
	start := time.Now()
	result, err := t.next.Append(ctx, aggregateID, aggregateType, expectedVersion, traced)
	EventStoreDuration.Record(ctx, float64(time.Since(start).Milliseconds()), opAttrs)
	EventStoreOperations.Add(ctx, 1, opAttrs)

	if err != nil {
		kind := errorKind(err)
		EventStoreErrors.Add(ctx, 1, metric.WithAttributes(AttrOperation.String("append"), AttrErrorKind.String(kind)))
		if kind == "conflict" {
			ConcurrencyConflicts.Add(ctx, 1, metric.WithAttributes(AttrAggregateType.String(aggregateType)))
			span.AddEvent("concurrency_conflict")
		}
		span.SetAttributes(AttrErrorKind.String(kind))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return result, err
	}

	EventsAppended.Add(ctx, int64(len(result.Events)), metric.WithAttributes(AttrAggregateType.String(aggregateType)))
	StreamVersionGauge.Record(ctx, int64(result.NextExpectedVersion), metric.WithAttributes(AttrAggregateType.String(aggregateType)))
	span.SetAttributes(AttrAggregateVersion.Int64(int64(result.NextExpectedVersion)))
	span.SetStatus(codes.Ok, "")
	return result, nil
}

func (t *TelemetryStore) ReadStream(ctx context.Context, aggregateID string) (*eventsourcing.Iterator[*eventsourcing.Envelope], error) {
	return t.traceRead(ctx, "EventStore.ReadStream", []attribute.KeyValue{AttrAggregateID.String(aggregateID)},
		func(ctx context.Context) (*eventsourcing.Iterator[*eventsourcing.Envelope], error) {
			return t.next.ReadStream(ctx, aggregateID)
		})
}

func (t *TelemetryStore) ReadStreamFromVersion(ctx context.Context, aggregateID string, afterVersion uint64) (*eventsourcing.Iterator[*eventsourcing.Envelope], error) {
	attrs := []attribute.KeyValue{AttrAggregateID.String(aggregateID), AttrAggregateVersion.Int64(int64(afterVersion))}
	return t.traceRead(ctx, "EventStore.ReadStreamFromVersion", attrs,
		func(ctx context.Context) (*eventsourcing.Iterator[*eventsourcing.Envelope], error) {
			return t.next.ReadStreamFromVersion(ctx, aggregateID, afterVersion)
		})
}

func (t *TelemetryStore) ReadByType(ctx context.Context, query eventsourcing.TypeQuery) (*eventsourcing.Iterator[*eventsourcing.Envelope], error) {
	attrs := []attribute.KeyValue{AttrAggregateType.String(query.AggregateType)}
	if query.EventType != "" {
		attrs = append(attrs, AttrEventType.String(query.EventType))
	}
	return t.traceRead(ctx, "EventStore.ReadByType", attrs,
		func(ctx context.Context) (*eventsourcing.Iterator[*eventsourcing.Envelope], error) {
			return t.next.ReadByType(ctx, query)
		})
}

// traceRead keeps one span open from the read call until the returned
// iterator is exhausted or fails.
func (t *TelemetryStore) traceRead(
	ctx context.Context,
	name string,
	attrs []attribute.KeyValue,
	read func(ctx context.Context) (*eventsourcing.Iterator[*eventsourcing.Envelope], error),
) (*eventsourcing.Iterator[*eventsourcing.Envelope], error) {
	ctx, span := tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(t.cfg.attributes(ctx, append(attrs, AttrOperation.String("read"))...)...),
	)
	opAttrs := metric.WithAttributes(AttrOperation.String("read"))
	startedAt := time.Now()
	EventStoreOperations.Add(ctx, 1, opAttrs)

	iter, err := read(ctx)
	if err != nil {
		EventStoreErrors.Add(ctx, 1, metric.WithAttributes(AttrOperation.String("read"), AttrErrorKind.String(errorKind(err))))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		return nil, err
	}

	var count int64
	finished := false
	finish := func(err error) {
		if finished {
			return
		}
		finished = true
		span.SetAttributes(AttrEventCount.Int64(count))
		EventStoreDuration.Record(ctx, float64(time.Since(startedAt).Milliseconds()), opAttrs)
		if err != nil {
			EventStoreErrors.Add(ctx, 1, metric.WithAttributes(AttrOperation.String("read"), AttrErrorKind.String(errorKind(err))))
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}

	return eventsourcing.NewIteratorFunc(func(iterCtx context.Context) (*eventsourcing.Envelope, error) {
		if !iter.Next(iterCtx) {
			err := iter.Err()
			finish(err)
			if err != nil {
				return nil, err
			}
			return nil, io.EOF
		}
		count++
		EventsLoaded.Add(ctx, 1)
		return iter.Value(), nil
	}), nil
}

func (t *TelemetryStore) Close() error {
	return t.next.Close()
}

// errorKind classifies errors for metric attributes.
func errorKind(err error) string {
	switch {
	case errors.Is(err, eventsourcing.ErrConcurrencyConflict):
		return "conflict"
	case errors.Is(err, eventsourcing.ErrStoreUnavailable):
		return "unavailable"
	case errors.Is(err, eventsourcing.ErrValidation),
		errors.Is(err, eventsourcing.ErrInvalidEventBatch),
		errors.Is(err, eventsourcing.ErrNoEvents):
		return "invalid"
	case errors.Is(err, eventsourcing.ErrNotFound):
		return "not_found"
	case errors.Is(err, eventsourcing.ErrReplay):
		return "replay"
	default:
		return "other"
	}
}
