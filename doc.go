// Package eventsourcing is the event-sourced domain core shared by the ERP
// bounded contexts.
//
// Aggregates change state only through ApplyNew, which stages an Envelope
// with the next version. A Repository appends the staged envelopes to an
// EventStore with optimistic concurrency and reconstitutes aggregates by
// replaying their stream through LoadFromHistory. Conflicting saves are
// reported as *ConcurrencyConflictError and may be retried by a
// CommandHandler on fresh state.
//
// Stores live in the eventstore subpackages, change-feed transports in
// eventbus, and tracing, metrics and logging decorators in otel, prometheus
// and logging.
package eventsourcing

// InstrumentationVersion is reported by the telemetry decorators.
const InstrumentationVersion = "0.4.0"
