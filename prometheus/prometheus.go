// Package prometheus reports repository and subscriber metrics to a
// Prometheus registry.
package prometheus

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	es "github.com/terraskye/erp-eventsourcing"
)

// timer wraps a Prometheus histogram to implement the Timer interface.
type timer struct {
	h     prometheus.Observer
	start time.Time
}

func newTimer(h prometheus.Observer) es.Timer {
	return &timer{h: h, start: time.Now()}
}

func (t *timer) ObserveDuration() {
	t.h.Observe(time.Since(t.start).Seconds())
}

// Default histogram buckets for latency metrics (in seconds).
var defaultBuckets = []float64{
	.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10,
}

var _ es.Metrics = (*Metrics)(nil)

// Metrics implements eventsourcing.Metrics and instruments subscribers.
type Metrics struct {
	repoLoadDuration     *prometheus.HistogramVec
	repoSaveDuration     *prometheus.HistogramVec
	eventsAppended       *prometheus.CounterVec
	eventsReplayed       *prometheus.CounterVec
	concurrencyConflicts *prometheus.CounterVec

	snapshotLookups      *prometheus.CounterVec
	snapshotSaveDuration *prometheus.HistogramVec

	handlerDuration *prometheus.HistogramVec
	handlerEvents   *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		repoLoadDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "erp_es_repo_load_duration_seconds",
			Help:    "Repository load latency in seconds",
			Buckets: defaultBuckets,
		}, []string{"aggregate_type"}),

		repoSaveDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "erp_es_repo_save_duration_seconds",
			Help:    "Repository save latency in seconds",
			Buckets: defaultBuckets,
		}, []string{"aggregate_type"}),

		eventsAppended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "erp_es_events_appended_total",
			Help: "Total number of events appended",
		}, []string{"aggregate_type"}),

		eventsReplayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "erp_es_events_replayed_total",
			Help: "Total number of events replayed into aggregates",
		}, []string{"aggregate_type"}),

		concurrencyConflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "erp_es_concurrency_conflicts_total",
			Help: "Total number of optimistic lock failures",
		}, []string{"aggregate_type"}),

		snapshotLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "erp_es_snapshot_lookups_total",
			Help: "Total number of snapshot lookups by outcome",
		}, []string{"aggregate_type", "outcome"}),

		snapshotSaveDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "erp_es_snapshot_save_duration_seconds",
			Help:    "Snapshot save latency in seconds",
			Buckets: defaultBuckets,
		}, []string{"aggregate_type"}),

		handlerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "erp_es_handler_event_duration_seconds",
			Help:    "Event processing time in seconds",
			Buckets: defaultBuckets,
		}, []string{"subscriber", "event_type"}),

		handlerEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "erp_es_handler_events_total",
			Help: "Total number of events processed",
		}, []string{"subscriber", "event_type", "result"}),
	}

	reg.MustRegister(
		m.repoLoadDuration,
		m.repoSaveDuration,
		m.eventsAppended,
		m.eventsReplayed,
		m.concurrencyConflicts,
		m.snapshotLookups,
		m.snapshotSaveDuration,
		m.handlerDuration,
		m.handlerEvents,
	)

	return m
}

func (m *Metrics) RepoLoadDuration(aggType string) es.Timer {
	return newTimer(m.repoLoadDuration.WithLabelValues(aggType))
}

func (m *Metrics) RepoSaveDuration(aggType string) es.Timer {
	return newTimer(m.repoSaveDuration.WithLabelValues(aggType))
}

func (m *Metrics) EventsAppended(aggType string, count int) {
	m.eventsAppended.WithLabelValues(aggType).Add(float64(count))
}

func (m *Metrics) EventsReplayed(aggType string, count int) {
	m.eventsReplayed.WithLabelValues(aggType).Add(float64(count))
}

func (m *Metrics) ConcurrencyConflict(aggType string) {
	m.concurrencyConflicts.WithLabelValues(aggType).Inc()
}

func (m *Metrics) SnapshotHit(aggType string) {
	m.snapshotLookups.WithLabelValues(aggType, "hit").Inc()
}

func (m *Metrics) SnapshotMiss(aggType string) {
	m.snapshotLookups.WithLabelValues(aggType, "miss").Inc()
}

func (m *Metrics) SnapshotSaveDuration(aggType string) es.Timer {
	return newTimer(m.snapshotSaveDuration.WithLabelValues(aggType))
}

// Handler measures next under the subscriber label. The result label is
// one of "ok", "skipped" or "error".
func (m *Metrics) Handler(subscriber string, next es.EventHandler) es.EventHandler {
	return es.NewEventHandlerFunc(func(ctx context.Context, envelope *es.Envelope) error {
		t := newTimer(m.handlerDuration.WithLabelValues(subscriber, envelope.EventType))
		err := next.Handle(ctx, envelope)
		t.ObserveDuration()

		result := "ok"
		var skipped *es.ErrSkippedEvent
		switch {
		case errors.As(err, &skipped):
			result = "skipped"
		case err != nil:
			result = "error"
		}
		m.handlerEvents.WithLabelValues(subscriber, envelope.EventType, result).Inc()
		return err
	})
}
