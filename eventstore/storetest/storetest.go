// Package storetest holds the behavior every EventStore implementation must
// show. Store packages call Run from their tests.
package storetest

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	es "github.com/terraskye/erp-eventsourcing"
)

type Opened struct {
	Owner string `json:"owner"`
}

func (*Opened) EventType() string { return "AccountOpened" }

type Deposited struct {
	Amount int64 `json:"amount"`
}

func (*Deposited) EventType() string { return "AmountDeposited" }

type Closed struct {
	Reason string `json:"reason"`
}

func (*Closed) EventType() string { return "AccountClosed" }

// Registry decodes the payloads used by Run.
func Registry() *es.EventRegistry {
	return es.NewEventRegistry(
		func() es.Event { return &Opened{} },
		func() es.Event { return &Deposited{} },
		func() es.Event { return &Closed{} },
	)
}

// Factory returns the store under test. It may return the same store for
// every call; Run isolates subtests with fresh aggregate ids and types.
type Factory func(t *testing.T) es.EventStore

// Run exercises store against the EventStore contract.
func Run(t *testing.T, newStore Factory) {
	t.Run("append and read", func(t *testing.T) { testAppendAndRead(t, newStore(t)) })
	t.Run("append continues stream", func(t *testing.T) { testAppendContinues(t, newStore(t)) })
	t.Run("stale expected version conflicts", func(t *testing.T) { testConflict(t, newStore(t)) })
	t.Run("expected version ahead conflicts", func(t *testing.T) { testAheadConflict(t, newStore(t)) })
	t.Run("empty batch", func(t *testing.T) { testEmptyBatch(t, newStore(t)) })
	t.Run("batch is all or nothing", func(t *testing.T) { testAllOrNothing(t, newStore(t)) })
	t.Run("stream keeps its aggregate type", func(t *testing.T) { testTypeMismatch(t, newStore(t)) })
	t.Run("unknown stream is empty", func(t *testing.T) { testUnknownStream(t, newStore(t)) })
	t.Run("read from version", func(t *testing.T) { testReadFromVersion(t, newStore(t)) })
	t.Run("read by type", func(t *testing.T) { testReadByType(t, newStore(t)) })
	t.Run("concurrent appends have one winner", func(t *testing.T) { testConcurrentAppend(t, newStore(t)) })
	t.Run("cancelled context", func(t *testing.T) { testCancelled(t, newStore(t)) })
	t.Run("verify appended", func(t *testing.T) { testVerifyAppended(t, newStore(t)) })
	t.Run("stored payloads are not shared", func(t *testing.T) { testPayloadIsolation(t, newStore(t)) })
}

// NewAggregateType returns a unique aggregate type usable as a stream
// category in every store.
func NewAggregateType() string {
	return "Acct" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// Envelope builds an unversioned envelope for id.
func Envelope(t *testing.T, id string, ev es.Event) *es.Envelope {
	t.Helper()
	e, err := es.NewEnvelope(id, ev)
	require.NoError(t, err)
	return e
}

// collect returns a function consuming a read call's results, so reads can
// be written as collect(t)(store.ReadStream(ctx, id)).
func collect(t *testing.T) func(*es.Iterator[*es.Envelope], error) []*es.Envelope {
	return func(iter *es.Iterator[*es.Envelope], err error) []*es.Envelope {
		t.Helper()
		require.NoError(t, err)
		out, err := iter.All(t.Context())
		require.NoError(t, err)
		return out
	}
}

func versions(events []*es.Envelope) []uint64 {
	out := make([]uint64, len(events))
	for i, e := range events {
		out[i] = e.Version
	}
	return out
}

func testAppendAndRead(t *testing.T, store es.EventStore) {
	ctx := t.Context()
	id, typ := uuid.NewString(), NewAggregateType()

	first := Envelope(t, id, &Opened{Owner: "ada"})
	first.Metadata["tenant"] = "acme"
	second := Envelope(t, id, &Deposited{Amount: 100})

	res, err := store.Append(ctx, id, typ, 0, []*es.Envelope{first, second})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), res.NextExpectedVersion)
	assert.Equal(t, id, res.AggregateID)
	require.Len(t, res.Events, 2)
	assert.Equal(t, []uint64{1, 2}, versions(res.Events))

	got := collect(t)(store.ReadStream(ctx, id))
	require.Len(t, got, 2)
	assert.Equal(t, []uint64{1, 2}, versions(got))

	assert.Equal(t, first.EventID, got[0].EventID)
	assert.Equal(t, id, got[0].AggregateID)
	assert.Equal(t, typ, got[0].AggregateType)
	assert.Equal(t, "AccountOpened", got[0].EventType)
	assert.Equal(t, &Opened{Owner: "ada"}, got[0].Event)
	assert.Equal(t, "acme", got[0].Metadata["tenant"])
	assert.WithinDuration(t, first.OccurredAt, got[0].OccurredAt, time.Millisecond)

	assert.Equal(t, second.EventID, got[1].EventID)
	assert.Equal(t, &Deposited{Amount: 100}, got[1].Event)

	// the caller's envelopes are not numbered by the store
	assert.Zero(t, first.Version)
}

func testAppendContinues(t *testing.T, store es.EventStore) {
	ctx := t.Context()
	id, typ := uuid.NewString(), NewAggregateType()

	_, err := store.Append(ctx, id, typ, 0, []*es.Envelope{Envelope(t, id, &Opened{Owner: "a"})})
	require.NoError(t, err)

	res, err := store.Append(ctx, id, typ, 1, []*es.Envelope{
		Envelope(t, id, &Deposited{Amount: 1}),
		Envelope(t, id, &Deposited{Amount: 2}),
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), res.NextExpectedVersion)

	got := collect(t)(store.ReadStream(ctx, id))
	assert.Equal(t, []uint64{1, 2, 3}, versions(got))
}

func testConflict(t *testing.T, store es.EventStore) {
	ctx := t.Context()
	id, typ := uuid.NewString(), NewAggregateType()

	_, err := store.Append(ctx, id, typ, 0, []*es.Envelope{
		Envelope(t, id, &Opened{Owner: "a"}),
		Envelope(t, id, &Deposited{Amount: 1}),
	})
	require.NoError(t, err)

	_, err = store.Append(ctx, id, typ, 1, []*es.Envelope{Envelope(t, id, &Closed{})})
	require.ErrorIs(t, err, es.ErrConcurrencyConflict)
	assert.NotErrorIs(t, err, es.ErrStoreUnavailable)

	var conflict *es.ConcurrencyConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, id, conflict.AggregateID)
	assert.Equal(t, uint64(1), conflict.Expected)

	got := collect(t)(store.ReadStream(ctx, id))
	assert.Equal(t, []uint64{1, 2}, versions(got))
}

func testAheadConflict(t *testing.T, store es.EventStore) {
	ctx := t.Context()
	id, typ := uuid.NewString(), NewAggregateType()

	_, err := store.Append(ctx, id, typ, 3, []*es.Envelope{Envelope(t, id, &Opened{Owner: "a"})})
	require.ErrorIs(t, err, es.ErrConcurrencyConflict)

	got := collect(t)(store.ReadStream(ctx, id))
	assert.Empty(t, got)
}

func testEmptyBatch(t *testing.T, store es.EventStore) {
	_, err := store.Append(t.Context(), uuid.NewString(), NewAggregateType(), 0, nil)
	assert.ErrorIs(t, err, es.ErrNoEvents)
}

func testAllOrNothing(t *testing.T, store es.EventStore) {
	ctx := t.Context()
	id, typ := uuid.NewString(), NewAggregateType()

	_, err := store.Append(ctx, id, typ, 0, []*es.Envelope{
		Envelope(t, id, &Opened{Owner: "a"}),
		Envelope(t, uuid.NewString(), &Deposited{Amount: 1}),
	})
	require.ErrorIs(t, err, es.ErrInvalidEventBatch)

	got := collect(t)(store.ReadStream(ctx, id))
	assert.Empty(t, got)

	versioned := Envelope(t, id, &Opened{Owner: "a"})
	versioned.Version = 7
	_, err = store.Append(ctx, id, typ, 0, []*es.Envelope{versioned})
	require.ErrorIs(t, err, es.ErrInvalidEventBatch)
}

func testTypeMismatch(t *testing.T, store es.EventStore) {
	ctx := t.Context()
	id, typ := uuid.NewString(), NewAggregateType()

	_, err := store.Append(ctx, id, typ, 0, []*es.Envelope{Envelope(t, id, &Opened{Owner: "a"})})
	require.NoError(t, err)

	_, err = store.Append(ctx, id, NewAggregateType(), 1, []*es.Envelope{Envelope(t, id, &Closed{})})
	require.ErrorIs(t, err, es.ErrInvalidEventBatch)

	got := collect(t)(store.ReadStream(ctx, id))
	assert.Len(t, got, 1)
}

func testUnknownStream(t *testing.T, store es.EventStore) {
	ctx := t.Context()
	id := uuid.NewString()

	assert.Empty(t, collect(t)(store.ReadStream(ctx, id)))
	assert.Empty(t, collect(t)(store.ReadStreamFromVersion(ctx, id, 3)))
}

func testReadFromVersion(t *testing.T, store es.EventStore) {
	ctx := t.Context()
	id, typ := uuid.NewString(), NewAggregateType()

	_, err := store.Append(ctx, id, typ, 0, []*es.Envelope{
		Envelope(t, id, &Opened{Owner: "a"}),
		Envelope(t, id, &Deposited{Amount: 1}),
		Envelope(t, id, &Deposited{Amount: 2}),
	})
	require.NoError(t, err)

	assert.Equal(t, []uint64{2, 3}, versions(collect(t)(store.ReadStreamFromVersion(ctx, id, 1))))
	assert.Equal(t, []uint64{1, 2, 3}, versions(collect(t)(store.ReadStreamFromVersion(ctx, id, 0))))
	assert.Empty(t, collect(t)(store.ReadStreamFromVersion(ctx, id, 3)))
	assert.Empty(t, collect(t)(store.ReadStreamFromVersion(ctx, id, 10)))
}

func testReadByType(t *testing.T, store es.EventStore) {
	ctx := t.Context()
	typ, other := NewAggregateType(), NewAggregateType()
	a, b, c := uuid.NewString(), uuid.NewString(), uuid.NewString()
	base := time.Now().UTC().Truncate(time.Millisecond).Add(-time.Hour)

	at := func(e *es.Envelope, offset time.Duration) *es.Envelope {
		e.OccurredAt = base.Add(offset)
		return e
	}

	_, err := store.Append(ctx, a, typ, 0, []*es.Envelope{
		at(Envelope(t, a, &Opened{Owner: "a"}), 0),
		at(Envelope(t, a, &Deposited{Amount: 1}), 3*time.Second),
	})
	require.NoError(t, err)
	_, err = store.Append(ctx, b, typ, 0, []*es.Envelope{
		at(Envelope(t, b, &Opened{Owner: "b"}), time.Second),
		at(Envelope(t, b, &Deposited{Amount: 2}), 2*time.Second),
	})
	require.NoError(t, err)
	_, err = store.Append(ctx, c, other, 0, []*es.Envelope{
		at(Envelope(t, c, &Opened{Owner: "c"}), time.Second),
	})
	require.NoError(t, err)

	owners := func(q es.TypeQuery) []string {
		iter, err := store.ReadByType(ctx, q)
		if err != nil {
			return nil
		}
		events, err := iter.All(ctx)
		if err != nil {
			return nil
		}
		var out []string
		for _, e := range events {
			switch ev := e.Event.(type) {
			case *Opened:
				out = append(out, "opened:"+ev.Owner)
			case *Deposited:
				out = append(out, "deposited:"+e.AggregateID)
			}
		}
		return out
	}

	// projections over the global log may lag behind the append
	want := []string{"opened:a", "opened:b", "deposited:" + b, "deposited:" + a}
	assert.Eventually(t, func() bool {
		return assert.ObjectsAreEqual(want, owners(es.TypeQuery{AggregateType: typ}))
	}, 5*time.Second, 50*time.Millisecond)

	assert.Equal(t, []string{"opened:a", "opened:b"}, owners(es.TypeQuery{AggregateType: typ, EventType: "AccountOpened"}))
	assert.Equal(t, []string{"deposited:" + b, "deposited:" + a}, owners(es.TypeQuery{AggregateType: typ, Since: base.Add(2 * time.Second)}))
	assert.Equal(t, []string{"opened:a", "opened:b"}, owners(es.TypeQuery{AggregateType: typ, Limit: 2}))

	_, err = store.ReadByType(ctx, es.TypeQuery{})
	assert.ErrorIs(t, err, es.ErrMissingAggregateType)
}

func testConcurrentAppend(t *testing.T, store es.EventStore) {
	ctx := t.Context()
	id, typ := uuid.NewString(), NewAggregateType()

	const writers = 8
	results := make([]error, writers)
	var g errgroup.Group
	for i := 0; i < writers; i++ {
		g.Go(func() error {
			_, results[i] = store.Append(ctx, id, typ, 0, []*es.Envelope{Envelope(t, id, &Opened{Owner: "w"})})
			return nil
		})
	}
	require.NoError(t, g.Wait())

	wins := 0
	for _, err := range results {
		if err == nil {
			wins++
			continue
		}
		assert.ErrorIs(t, err, es.ErrConcurrencyConflict)
	}
	assert.Equal(t, 1, wins)

	got := collect(t)(store.ReadStream(ctx, id))
	assert.Equal(t, []uint64{1}, versions(got))
}

func testCancelled(t *testing.T, store es.EventStore) {
	id, typ := uuid.NewString(), NewAggregateType()

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	_, err := store.Append(ctx, id, typ, 0, []*es.Envelope{Envelope(t, id, &Opened{Owner: "a"})})
	require.Error(t, err)
	assert.ErrorIs(t, err, es.ErrStoreUnavailable)

	got := collect(t)(store.ReadStream(t.Context(), id))
	assert.Empty(t, got)
}

func testVerifyAppended(t *testing.T, store es.EventStore) {
	ctx := t.Context()
	id, typ := uuid.NewString(), NewAggregateType()

	batch := []*es.Envelope{Envelope(t, id, &Opened{Owner: "a"})}
	ok, err := es.VerifyAppended(ctx, store, id, batch)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = store.Append(ctx, id, typ, 0, batch)
	require.NoError(t, err)

	ok, err = es.VerifyAppended(ctx, store, id, batch)
	require.NoError(t, err)
	assert.True(t, ok)
}

func testPayloadIsolation(t *testing.T, store es.EventStore) {
	ctx := t.Context()
	id, typ := uuid.NewString(), NewAggregateType()

	opened := &Opened{Owner: "ada"}
	res, err := store.Append(ctx, id, typ, 0, []*es.Envelope{Envelope(t, id, opened)})
	require.NoError(t, err)

	// neither the appended payload nor any read result may reach stored history
	opened.Owner = "mallory"
	res.Events[0].Event.(*Opened).Owner = "eve"

	got := collect(t)(store.ReadStream(ctx, id))
	require.Len(t, got, 1)
	assert.Equal(t, &Opened{Owner: "ada"}, got[0].Event)
	got[0].Event.(*Opened).Owner = "trudy"

	got = collect(t)(store.ReadStreamFromVersion(ctx, id, 0))
	require.Len(t, got, 1)
	assert.Equal(t, &Opened{Owner: "ada"}, got[0].Event)

	byType := collect(t)(store.ReadByType(ctx, es.TypeQuery{AggregateType: typ}))
	require.Len(t, byType, 1)
	assert.Equal(t, &Opened{Owner: "ada"}, byType[0].Event)
}
