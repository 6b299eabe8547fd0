package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/terraskye/erp-eventsourcing"
)

var _ eventsourcing.Metrics = Metrics{}

// Metrics reports repository metrics through the package instruments. Use
// it with eventsourcing.WithMetrics.
type Metrics struct{}

type timer struct {
	start time.Time
	attrs metric.MeasurementOption
}

func (t timer) ObserveDuration() {
	RepositoryDuration.Record(context.Background(), float64(time.Since(t.start).Milliseconds()), t.attrs)
}

func newTimer(op, aggregateType string) timer {
	return timer{
		start: time.Now(),
		attrs: metric.WithAttributes(AttrOperation.String(op), AttrAggregateType.String(aggregateType)),
	}
}

func (Metrics) RepoLoadDuration(aggregateType string) eventsourcing.Timer {
	return newTimer("load", aggregateType)
}

func (Metrics) RepoSaveDuration(aggregateType string) eventsourcing.Timer {
	return newTimer("save", aggregateType)
}

func (Metrics) SnapshotSaveDuration(aggregateType string) eventsourcing.Timer {
	return newTimer("snapshot", aggregateType)
}

func (Metrics) EventsAppended(aggregateType string, count int) {
	EventsAppended.Add(context.Background(), int64(count), metric.WithAttributes(AttrAggregateType.String(aggregateType)))
}

func (Metrics) EventsReplayed(aggregateType string, count int) {
	EventsReplayed.Add(context.Background(), int64(count), metric.WithAttributes(AttrAggregateType.String(aggregateType)))
}

func (Metrics) ConcurrencyConflict(aggregateType string) {
	ConcurrencyConflicts.Add(context.Background(), 1, metric.WithAttributes(AttrAggregateType.String(aggregateType)))
}

func (Metrics) SnapshotHit(aggregateType string) {
	SnapshotLookups.Add(context.Background(), 1, metric.WithAttributes(
		AttrAggregateType.String(aggregateType), attributeOutcome.String("hit")))
}

func (Metrics) SnapshotMiss(aggregateType string) {
	SnapshotLookups.Add(context.Background(), 1, metric.WithAttributes(
		AttrAggregateType.String(aggregateType), attributeOutcome.String("miss")))
}
