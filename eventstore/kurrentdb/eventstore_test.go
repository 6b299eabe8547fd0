package kurrentdb_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	es "github.com/terraskye/erp-eventsourcing"
	"github.com/terraskye/erp-eventsourcing/eventstore/kurrentdb"
	"github.com/terraskye/erp-eventsourcing/eventstore/storetest"
)

func TestKurrentDBStore(t *testing.T) {
	store, err := kurrentdb.Dial(kurrentdb.NewTestConnectionString(t), storetest.Registry())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	storetest.Run(t, func(t *testing.T) es.EventStore { return store })
}

func TestDial_RequiresRegistry(t *testing.T) {
	_, err := kurrentdb.Dial("kurrentdb://localhost:2113?tls=false", nil)
	require.Error(t, err)
}
