package logging_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	es "github.com/terraskye/erp-eventsourcing"
	"github.com/terraskye/erp-eventsourcing/eventstore/storetest"
	"github.com/terraskye/erp-eventsourcing/logging"
)

type lockUser struct {
	ID string
}

func (c lockUser) AggregateID() string { return c.ID }

func TestWithCommandLogging(t *testing.T) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	var next es.CommandHandler[lockUser] = func(_ context.Context, c lockUser) (es.AppendResult, error) {
		switch c.ID {
		case "locked":
			return es.AppendResult{}, es.NewValidationError("User", "Lock", "account already locked")
		case "down":
			return es.AppendResult{}, es.WrapStoreUnavailable("append", errors.New("connection refused"))
		}
		return es.AppendResult{AggregateID: c.ID, NextExpectedVersion: 3}, nil
	}
	handler := logging.WithCommandLogging(logrus.NewEntry(logger), next)

	result, err := handler(t.Context(), lockUser{ID: "u-1"})
	require.NoError(t, err)
	assert.EqualValues(t, 3, result.NextExpectedVersion)
	require.Len(t, hook.AllEntries(), 2)
	assert.Equal(t, logrus.InfoLevel, hook.AllEntries()[0].Level)
	assert.Equal(t, "u-1", hook.AllEntries()[0].Data["aggregateID"])
	assert.EqualValues(t, 3, hook.LastEntry().Data["version"])

	hook.Reset()
	_, err = handler(t.Context(), lockUser{ID: "locked"})
	require.ErrorIs(t, err, es.ErrValidation)
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
	assert.Contains(t, hook.LastEntry().Message, "account already locked")

	hook.Reset()
	_, err = handler(t.Context(), lockUser{ID: "down"})
	require.ErrorIs(t, err, es.ErrStoreUnavailable)
	assert.Equal(t, logrus.ErrorLevel, hook.LastEntry().Level)
}

func TestWithLoggingMiddleware(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	failing := logging.WithLoggingMiddleware(logger, es.NewEventHandlerFunc(func(context.Context, *es.Envelope) error {
		return errors.New("projection offline")
	}))
	envelope := storetest.Envelope(t, "acc-1", &storetest.Opened{Owner: "ada"})
	envelope.Version = 1

	require.Error(t, failing.Handle(t.Context(), envelope))
	assert.Contains(t, buf.String(), `"level":"ERROR"`)
	assert.Contains(t, buf.String(), `"event-type":"AccountOpened"`)
	assert.Contains(t, buf.String(), "projection offline")

	buf.Reset()
	skipping := logging.WithLoggingMiddleware(logger, es.NewEventHandlerFunc(func(_ context.Context, e *es.Envelope) error {
		return &es.ErrSkippedEvent{EventType: e.EventType}
	}))
	require.Error(t, skipping.Handle(t.Context(), envelope))
	assert.NotContains(t, buf.String(), `"level":"ERROR"`)
	assert.Contains(t, buf.String(), "event skipped")
}
