package eventsourcing

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type ctxKey string

const envelopeKey ctxKey = "envelope"

// Metadata keys that link events across aggregates.
const (
	MetadataCausationID   = "causation_id"
	MetadataCorrelationID = "correlation_id"
)

// WithEnvelope returns a context carrying the envelope being handled.
// Commands handled under that context record it as their cause.
func WithEnvelope(ctx context.Context, envelope *Envelope) context.Context {
	return context.WithValue(ctx, envelopeKey, envelope)
}

// EnvelopeFromContext returns the envelope set by WithEnvelope, if any.
func EnvelopeFromContext(ctx context.Context) (*Envelope, bool) {
	e, ok := ctx.Value(envelopeKey).(*Envelope)
	return e, ok && e != nil
}

// AggregateIDFromContext returns the aggregate id or "" if not present
func AggregateIDFromContext(ctx context.Context) string {
	if e, ok := EnvelopeFromContext(ctx); ok {
		return e.AggregateID
	}
	return ""
}

// EventIDFromContext returns the EventID or uuid.Nil if not present
func EventIDFromContext(ctx context.Context) uuid.UUID {
	if e, ok := EnvelopeFromContext(ctx); ok {
		return e.EventID
	}
	return uuid.Nil
}

// VersionFromContext returns the Version or 0 if not present
func VersionFromContext(ctx context.Context) uint64 {
	if e, ok := EnvelopeFromContext(ctx); ok {
		return e.Version
	}
	return 0
}

// OccurredAtFromContext returns OccurredAt or zero time if not present
func OccurredAtFromContext(ctx context.Context) time.Time {
	if e, ok := EnvelopeFromContext(ctx); ok {
		return e.OccurredAt
	}
	return time.Time{}
}

// MetadataFromContext returns Metadata or nil if not present
func MetadataFromContext(ctx context.Context) map[string]any {
	if e, ok := EnvelopeFromContext(ctx); ok {
		return e.Metadata
	}
	return nil
}

// causationMetadata links new events to the envelope in ctx. The
// correlation id is inherited, or started from the causing event.
func causationMetadata(ctx context.Context) map[string]any {
	e, ok := EnvelopeFromContext(ctx)
	if !ok {
		return nil
	}
	correlation, _ := e.Metadata[MetadataCorrelationID].(string)
	if correlation == "" {
		correlation = e.EventID.String()
	}
	return map[string]any{
		MetadataCausationID:   e.EventID.String(),
		MetadataCorrelationID: correlation,
	}
}
