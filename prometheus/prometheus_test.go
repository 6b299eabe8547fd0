package prometheus

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	es "github.com/terraskye/erp-eventsourcing"
	"github.com/terraskye/erp-eventsourcing/eventstore/storetest"
)

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RepoLoadDuration("User").ObserveDuration()
	m.RepoSaveDuration("User").ObserveDuration()
	m.SnapshotSaveDuration("User").ObserveDuration()
	m.EventsAppended("User", 5)
	m.EventsReplayed("User", 12)
	m.ConcurrencyConflict("User")
	m.SnapshotHit("User")
	m.SnapshotMiss("User")
	m.SnapshotMiss("User")

	assert.Equal(t, 5.0, testutil.ToFloat64(m.eventsAppended.WithLabelValues("User")))
	assert.Equal(t, 12.0, testutil.ToFloat64(m.eventsReplayed.WithLabelValues("User")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.concurrencyConflicts.WithLabelValues("User")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.snapshotLookups.WithLabelValues("User", "hit")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.snapshotLookups.WithLabelValues("User", "miss")))

	mfs, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, mf := range mfs {
		names[mf.GetName()] = true
	}
	assert.True(t, names["erp_es_repo_load_duration_seconds"])
	assert.True(t, names["erp_es_snapshot_save_duration_seconds"])
}

func TestMetrics_Handler(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	calls := 0
	handler := m.Handler("ledger", es.NewEventHandlerFunc(func(_ context.Context, e *es.Envelope) error {
		calls++
		switch calls {
		case 1:
			return nil
		case 2:
			return &es.ErrSkippedEvent{EventType: e.EventType}
		default:
			return errors.New("projection offline")
		}
	}))

	envelope := storetest.Envelope(t, "acc-1", &storetest.Opened{})
	require.NoError(t, handler.Handle(t.Context(), envelope))
	require.Error(t, handler.Handle(t.Context(), envelope))
	require.Error(t, handler.Handle(t.Context(), envelope))

	for _, result := range []string{"ok", "skipped", "error"} {
		assert.Equal(t, 1.0, testutil.ToFloat64(m.handlerEvents.WithLabelValues("ledger", "AccountOpened", result)), result)
	}
	assert.Equal(t, 1, testutil.CollectAndCount(m.handlerDuration))
}

func TestNewMetrics_DoubleRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewMetrics(reg)
	assert.Panics(t, func() { NewMetrics(reg) })
}
