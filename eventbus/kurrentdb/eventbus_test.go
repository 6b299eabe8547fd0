package kurrentdb_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	es "github.com/terraskye/erp-eventsourcing"
	"github.com/terraskye/erp-eventsourcing/eventbus/kurrentdb"
	kstore "github.com/terraskye/erp-eventsourcing/eventstore/kurrentdb"
	"github.com/terraskye/erp-eventsourcing/eventstore/storetest"
)

type collector struct {
	mu   sync.Mutex
	seen []*es.Envelope
}

func (c *collector) Handle(_ context.Context, e *es.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen = append(c.seen, e)
	return nil
}

func (c *collector) forAggregate(id string) []*es.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*es.Envelope
	for _, e := range c.seen {
		if e.AggregateID == id {
			out = append(out, e)
		}
	}
	return out
}

func TestEventBus_FollowsAll(t *testing.T) {
	registry := storetest.Registry()
	store, err := kstore.Dial(kstore.NewTestConnectionString(t), registry)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	bus := kurrentdb.NewEventBus(store.Client(), registry, nil)
	t.Cleanup(func() { _ = bus.Close() })

	id, typ := uuid.NewString(), storetest.NewAggregateType()
	ctx := t.Context()

	// written before the subscription starts, only seen when replaying
	_, err = store.Append(ctx, id, typ, 0, []*es.Envelope{storetest.Envelope(t, id, &storetest.Opened{Owner: "ada"})})
	require.NoError(t, err)

	replayed, deposits := &collector{}, &collector{}
	require.NoError(t, bus.Subscribe(ctx, "replay", replayed, kurrentdb.WithFromStart(), es.WithAggregateTypes(typ)))
	require.NoError(t, bus.Subscribe(ctx, "deposits", deposits, es.WithEventTypes("AmountDeposited")))
	assert.Error(t, bus.Subscribe(ctx, "replay", replayed))

	// live subscriptions start at the end of $all
	time.Sleep(500 * time.Millisecond)
	_, err = store.Append(ctx, id, typ, 1, []*es.Envelope{storetest.Envelope(t, id, &storetest.Deposited{Amount: 5})})
	require.NoError(t, err)
	require.NoError(t, bus.Publish(ctx))

	require.Eventually(t, func() bool { return len(replayed.forAggregate(id)) == 2 }, 10*time.Second, 50*time.Millisecond)
	require.Eventually(t, func() bool { return len(deposits.forAggregate(id)) == 1 }, 10*time.Second, 50*time.Millisecond)

	got := replayed.forAggregate(id)
	assert.Equal(t, []uint64{1, 2}, []uint64{got[0].Version, got[1].Version})
	assert.Equal(t, typ, got[1].AggregateType)
	assert.Equal(t, &storetest.Deposited{Amount: 5}, deposits.forAggregate(id)[0].Event)

	require.NoError(t, bus.Close())
	assert.ErrorIs(t, bus.Publish(ctx), kurrentdb.ErrBusClosed)
}
