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

// WithCommandTelemetry wraps a CommandHandler with OpenTelemetry tracing and metrics.
//
// Each command runs in a span named "command.handle <type>" carrying the
// command type and aggregate id; the resulting aggregate version is added
// once the handler returns.
//
// Metrics recorded:
//   - CommandsInFlight: increments/decrements in-flight commands.
//   - CommandsDuration: duration of command handling in milliseconds.
//   - CommandsHandled: successful commands.
//   - CommandsFailed: failed commands, tagged with the error kind.
//   - ConcurrencyConflicts: conflicts that outlived the retry strategy.
//
// A rejected command (ErrValidation) is an expected outcome: the span keeps
// status Ok and records a "business_rule_violation" event.
//
// Example Usage:
//
//	handler := otel.WithCommandTelemetry(eventsourcing.NewCommandHandler(users, login))
//	result, err := handler(ctx, LoginCommand{UserID: id})
func WithCommandTelemetry[C eventsourcing.Command](next eventsourcing.CommandHandler[C], options ...Option) eventsourcing.CommandHandler[C] {
	cfg := newConfig(options)
	commandType := eventsourcing.TypeName(*new(C))
	typeAttr := metric.WithAttributes(AttrCommandType.String(commandType))

	return func(ctx context.Context, cmd C) (eventsourcing.AppendResult, error) {
		attrs := cfg.attributes(ctx,
			AttrCommandType.String(commandType),
			AttrAggregateID.String(cmd.AggregateID()),
		)

		ctx, span := tracer.Start(ctx, fmt.Sprintf("command.handle %s", commandType),
			trace.WithSpanKind(trace.SpanKindInternal),
			trace.WithAttributes(attrs...),
		)
		defer span.End()

		CommandsInFlight.Add(ctx, 1, typeAttr)
		defer CommandsInFlight.Add(ctx, -1, typeAttr)

		startTime := time.Now()
		result, err := next(ctx, cmd)
		CommandsDuration.Record(ctx, float64(time.Since(startTime).Milliseconds()), typeAttr)

		if err == nil {
			span.SetAttributes(AttrAggregateVersion.Int64(int64(result.NextExpectedVersion)))
			span.SetStatus(codes.Ok, "")
			CommandsHandled.Add(ctx, 1, typeAttr)
			return result, nil
		}

		kind := errorKind(err)
		CommandsFailed.Add(ctx, 1, metric.WithAttributes(AttrCommandType.String(commandType), AttrErrorKind.String(kind)))
		span.SetAttributes(AttrErrorKind.String(kind))

		if errors.Is(err, eventsourcing.ErrConcurrencyConflict) {
			ConcurrencyConflicts.Add(ctx, 1, typeAttr)
			span.AddEvent("concurrency_conflict")
		}

		if errors.Is(err, eventsourcing.ErrValidation) {
			span.SetStatus(codes.Ok, "")
			span.AddEvent("business_rule_violation", trace.WithAttributes(
				attribute.String("reason", eventsourcing.UserMessage(err)),
			))
			return result, err
		}

		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return result, err
	}
}
