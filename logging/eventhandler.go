package logging

import (
	"context"
	"errors"
	"log/slog"

	es "github.com/terraskye/erp-eventsourcing"
)

// WithLoggingMiddleware logs the handling of every envelope. Skipped events
// are logged at debug level and are not treated as failures.
func WithLoggingMiddleware(logger *slog.Logger, next es.EventHandler) es.EventHandler {
	return es.NewEventHandlerFunc(func(ctx context.Context, envelope *es.Envelope) error {
		l := logger.With(
			"event-id", envelope.EventID.String(),
			"event-type", envelope.EventType,
			"aggregate-type", envelope.AggregateType,
			"aggregateId", envelope.AggregateID,
			"version", envelope.Version,
			"global-version", envelope.GlobalPosition,
		)

		l.DebugContext(ctx, "event processing started")

		err := next.Handle(ctx, envelope)

		var skipped *es.ErrSkippedEvent
		switch {
		case err == nil:
			l.DebugContext(ctx, "event processed successfully")
		case errors.As(err, &skipped):
			l.DebugContext(ctx, "event skipped")
		default:
			l.ErrorContext(ctx, "error processing event", "error", err)
		}

		return err
	})
}
