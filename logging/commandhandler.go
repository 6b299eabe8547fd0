package logging

import (
	"context"
	"errors"
	"reflect"

	"github.com/sirupsen/logrus"

	"github.com/terraskye/erp-eventsourcing"
)

// WithCommandLogging wraps a CommandHandler with logging functionality.
// It logs the command type and aggregate ID before execution and the
// outcome afterwards. Rejected commands log at warn level, other failures
// at error level.
func WithCommandLogging[C eventsourcing.Command](logger *logrus.Entry, next eventsourcing.CommandHandler[C]) eventsourcing.CommandHandler[C] {
	return func(ctx context.Context, command C) (eventsourcing.AppendResult, error) {
		cmdType := reflect.TypeOf(command).String()
		entry := logger.WithContext(ctx).WithFields(logrus.Fields{
			"command":     cmdType,
			"aggregateID": command.AggregateID(),
		})
		entry.Infof("Dispatch: %s (aggregateID: %s)", cmdType, command.AggregateID())

		result, err := next(ctx, command)
		switch {
		case err == nil:
			entry.WithField("version", result.NextExpectedVersion).Debug("Dispatch succeeded")
		case errors.Is(err, eventsourcing.ErrValidation):
			entry.WithError(err).Warnf("Dispatch rejected: %s", eventsourcing.UserMessage(err))
		default:
			entry.WithError(err).Errorf("Dispatch failed: %s (aggregateID: %s)", cmdType, command.AggregateID())
		}

		return result, err
	}
}
