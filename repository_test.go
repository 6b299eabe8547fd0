package eventsourcing_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	es "github.com/terraskye/erp-eventsourcing"
	"github.com/terraskye/erp-eventsourcing/fixtures"
)

type countingMetrics struct {
	mu        sync.Mutex
	appended  int
	replayed  int
	conflicts int
	hits      int
	misses    int
}

type nopTimer struct{}

func (nopTimer) ObserveDuration() {}

func (m *countingMetrics) RepoLoadDuration(string) es.Timer     { return nopTimer{} }
func (m *countingMetrics) RepoSaveDuration(string) es.Timer     { return nopTimer{} }
func (m *countingMetrics) SnapshotSaveDuration(string) es.Timer { return nopTimer{} }

func (m *countingMetrics) EventsAppended(_ string, n int) { m.add(&m.appended, n) }
func (m *countingMetrics) EventsReplayed(_ string, n int) { m.add(&m.replayed, n) }
func (m *countingMetrics) ConcurrencyConflict(string)     { m.add(&m.conflicts, 1) }
func (m *countingMetrics) SnapshotHit(string)             { m.add(&m.hits, 1) }
func (m *countingMetrics) SnapshotMiss(string)            { m.add(&m.misses, 1) }

func (m *countingMetrics) add(counter *int, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	*counter += n
}

type failingSnapshotter struct{ err error }

func (f failingSnapshotter) SaveSnapshot(context.Context, *es.Snapshot) error { return f.err }

func (f failingSnapshotter) LoadSnapshot(context.Context, string, string) (*es.Snapshot, error) {
	return nil, f.err
}

func openAccount(t *testing.T, repo *es.Repository[*fixtures.Account], id string, deposits ...int64) {
	t.Helper()
	acc := repo.New(id)
	require.NoError(t, acc.Open("ada"))
	for _, amount := range deposits {
		require.NoError(t, acc.Deposit(amount))
	}
	require.NoError(t, repo.Save(t.Context(), acc))
}

func TestRepository_SaveAndLoad(t *testing.T) {
	store := fixtures.NewStoreSpy(nil)
	metrics := &countingMetrics{}
	repo := fixtures.NewAccountRepository(store, es.WithMetrics(metrics))

	openAccount(t, repo, "acc-1", 100)
	assert.Equal(t, uint64(0), store.LastExpectedVersion())

	acc, err := repo.Load(t.Context(), "acc-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), acc.AggregateVersion())
	assert.Equal(t, int64(100), acc.Balance())
	assert.Empty(t, acc.UncommittedEvents())

	require.NoError(t, acc.Withdraw(40))
	require.NoError(t, repo.Save(t.Context(), acc))
	assert.Equal(t, uint64(2), store.LastExpectedVersion())
	assert.Empty(t, acc.UncommittedEvents())
	assert.Equal(t, uint64(3), acc.PersistedVersion())

	reloaded, err := repo.Load(t.Context(), "acc-1")
	require.NoError(t, err)
	assert.Equal(t, int64(60), reloaded.Balance())

	assert.Equal(t, 3, metrics.appended)
	assert.Equal(t, 5, metrics.replayed)
}

func TestRepository_LoadUnknown(t *testing.T) {
	repo := fixtures.NewAccountRepository(fixtures.NewStoreSpy(nil))
	_, err := repo.Load(t.Context(), "missing")
	assert.ErrorIs(t, err, es.ErrNotFound)
}

func TestRepository_SaveWithoutChangesIsNoop(t *testing.T) {
	store := fixtures.NewStoreSpy(nil)
	repo := fixtures.NewAccountRepository(store)
	require.NoError(t, repo.Save(t.Context(), repo.New("acc-1")))
	assert.Zero(t, store.AppendCalls())
}

func TestRepository_ConcurrentWritersConflict(t *testing.T) {
	metrics := &countingMetrics{}
	repo := fixtures.NewAccountRepository(fixtures.NewStoreSpy(nil), es.WithMetrics(metrics))
	openAccount(t, repo, "acc-1", 100)

	first, err := repo.Load(t.Context(), "acc-1")
	require.NoError(t, err)
	second, err := repo.Load(t.Context(), "acc-1")
	require.NoError(t, err)

	require.NoError(t, first.Withdraw(70))
	require.NoError(t, second.Withdraw(70))

	require.NoError(t, repo.Save(t.Context(), first))
	err = repo.Save(t.Context(), second)
	require.ErrorIs(t, err, es.ErrConcurrencyConflict)

	var conflict *es.ConcurrencyConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, uint64(2), conflict.Expected)
	assert.Equal(t, uint64(3), conflict.Actual)

	// the losing aggregate keeps its staged event and is not committed
	assert.Len(t, second.UncommittedEvents(), 1)
	assert.Equal(t, 1, metrics.conflicts)

	acc, err := repo.Load(t.Context(), "acc-1")
	require.NoError(t, err)
	assert.Equal(t, int64(30), acc.Balance())
	assert.ErrorIs(t, acc.Withdraw(70), es.ErrValidation)
}

func TestRepository_SaveMetadata(t *testing.T) {
	store := fixtures.NewStoreSpy(nil)
	repo := fixtures.NewAccountRepository(store)

	acc := repo.New("acc-1")
	require.NoError(t, acc.Open("ada"))
	require.NoError(t, acc.Deposit(5))
	require.NoError(t, repo.Save(t.Context(), acc,
		es.WithMetadata(map[string]any{"tenant_id": "t-1"}),
		es.WithMetadata(map[string]any{"actor": "ops"}),
	))

	iter, err := store.ReadStream(t.Context(), "acc-1")
	require.NoError(t, err)
	events, err := iter.All(t.Context())
	require.NoError(t, err)
	require.Len(t, events, 2)
	for _, e := range events {
		assert.Equal(t, "t-1", e.Metadata["tenant_id"])
		assert.Equal(t, "ops", e.Metadata["actor"])
	}
}

func TestRepository_StoreUnavailable(t *testing.T) {
	store := fixtures.NewStoreSpy(nil)
	repo := fixtures.NewAccountRepository(store)
	openAccount(t, repo, "acc-1")

	store.FailRead(es.WrapStoreUnavailable("read stream", errors.New("connection refused")))
	_, err := repo.Load(t.Context(), "acc-1")
	assert.ErrorIs(t, err, es.ErrStoreUnavailable)
	assert.Equal(t, "service temporarily unavailable", es.UserMessage(err))

	store.FailRead(nil)
	store.FailIterationAfter(0, es.WrapStoreUnavailable("read stream", errors.New("stream reset")))
	_, err = repo.Load(t.Context(), "acc-1")
	assert.ErrorIs(t, err, es.ErrStoreUnavailable)

	store.FailIterationAfter(0, nil)
	acc, err := repo.Load(t.Context(), "acc-1")
	require.NoError(t, err)
	require.NoError(t, acc.Deposit(1))

	store.FailAppend(es.WrapStoreUnavailable("append", errors.New("connection reset")))
	err = repo.Save(t.Context(), acc)
	assert.ErrorIs(t, err, es.ErrStoreUnavailable)
	assert.Len(t, acc.UncommittedEvents(), 1)
}

func TestRepository_FailureMidStream(t *testing.T) {
	store := fixtures.NewStoreSpy(nil)
	metrics := &countingMetrics{}
	repo := fixtures.NewAccountRepository(store, es.WithMetrics(metrics))
	openAccount(t, repo, "acc-1", 10, 20)

	store.FailIterationAfter(2, es.WrapStoreUnavailable("read stream", errors.New("connection reset")))
	acc, err := repo.Load(t.Context(), "acc-1")
	require.ErrorIs(t, err, es.ErrStoreUnavailable)
	assert.Nil(t, acc)
	assert.Zero(t, metrics.replayed)
}

func TestRepository_Snapshots(t *testing.T) {
	store := fixtures.NewStoreSpy(nil)
	snapshots := es.NewMemorySnapshotter()
	metrics := &countingMetrics{}
	repo := fixtures.NewAccountRepository(store, es.WithSnapshotter(snapshots, 2), es.WithMetrics(metrics))

	// version 0 -> 2 crosses a multiple of 2
	openAccount(t, repo, "acc-1", 10)
	snap, err := snapshots.LoadSnapshot(t.Context(), fixtures.AccountType, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), snap.Version)

	// the read starts at the snapshot's own event to confirm it is stored
	acc, err := repo.Load(t.Context(), "acc-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), store.LastAfterVersion())
	assert.Equal(t, 1, metrics.hits)
	assert.Equal(t, 0, metrics.replayed)

	// version 2 -> 3 does not
	require.NoError(t, acc.Deposit(5))
	require.NoError(t, repo.Save(t.Context(), acc))
	snap, err = snapshots.LoadSnapshot(t.Context(), fixtures.AccountType, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), snap.Version)

	acc, err = repo.Load(t.Context(), "acc-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), acc.AggregateVersion())
	assert.Equal(t, int64(15), acc.Balance())

	// a snapshot load equals a full replay
	replayed := fixtures.NewAccount("acc-1")
	iter, err := store.ReadStream(t.Context(), "acc-1")
	require.NoError(t, err)
	history, err := iter.All(t.Context())
	require.NoError(t, err)
	require.NoError(t, es.LoadFromHistory(replayed, history))
	assert.Equal(t, replayed.Balance(), acc.Balance())
	assert.Equal(t, replayed.Owner(), acc.Owner())
	assert.Equal(t, replayed.AggregateVersion(), acc.AggregateVersion())
}

func TestRepository_SnapshotFailuresFallBackToReplay(t *testing.T) {
	t.Run("corrupt snapshot", func(t *testing.T) {
		store := fixtures.NewStoreSpy(nil)
		snapshots := es.NewMemorySnapshotter()
		metrics := &countingMetrics{}
		repo := fixtures.NewAccountRepository(store, es.WithSnapshotter(snapshots, 100), es.WithMetrics(metrics))
		openAccount(t, repo, "acc-1", 10, 20)

		require.NoError(t, snapshots.SaveSnapshot(t.Context(), &es.Snapshot{
			SnapshotID:    "broken",
			AggregateID:   "acc-1",
			AggregateType: fixtures.AccountType,
			Version:       2,
			Data:          []byte("{"),
		}))

		acc, err := repo.Load(t.Context(), "acc-1")
		require.NoError(t, err)
		assert.Equal(t, uint64(0), store.LastAfterVersion())
		assert.Equal(t, int64(30), acc.Balance())
		assert.Equal(t, uint64(3), acc.AggregateVersion())
		assert.Equal(t, 1, metrics.misses)
	})

	t.Run("snapshotter unavailable", func(t *testing.T) {
		store := fixtures.NewStoreSpy(nil)
		repo := fixtures.NewAccountRepository(store, es.WithSnapshotter(failingSnapshotter{err: errors.New("redis down")}, 1))

		// failing snapshot saves do not fail the save
		openAccount(t, repo, "acc-1", 10)

		acc, err := repo.Load(t.Context(), "acc-1")
		require.NoError(t, err)
		assert.Equal(t, int64(10), acc.Balance())
		assert.Equal(t, uint64(0), store.LastAfterVersion())
	})

	t.Run("snapshot ahead of stream", func(t *testing.T) {
		store := fixtures.NewStoreSpy(nil)
		snapshots := es.NewMemorySnapshotter()
		metrics := &countingMetrics{}
		repo := fixtures.NewAccountRepository(store, es.WithSnapshotter(snapshots, 1), es.WithMetrics(metrics))
		openAccount(t, repo, "acc-1")

		snap, err := snapshots.LoadSnapshot(t.Context(), fixtures.AccountType, "acc-1")
		require.NoError(t, err)
		snap.Version = 7
		require.NoError(t, snapshots.SaveSnapshot(t.Context(), snap))

		acc, err := repo.Load(t.Context(), "acc-1")
		require.NoError(t, err)
		assert.Equal(t, uint64(1), acc.AggregateVersion())
		assert.Equal(t, uint64(0), store.LastAfterVersion())
		assert.Equal(t, 1, metrics.misses)
		assert.Zero(t, metrics.hits)

		// the aggregate is usable again
		require.NoError(t, acc.Deposit(5))
		require.NoError(t, repo.Save(t.Context(), acc))
	})

	t.Run("snapshot outlives a store reset", func(t *testing.T) {
		store := fixtures.NewStoreSpy(nil)
		snapshots := es.NewMemorySnapshotter()
		repo := fixtures.NewAccountRepository(store, es.WithSnapshotter(snapshots, 1))
		openAccount(t, repo, "acc-1", 10)

		store.ForgetStreams()
		_, err := repo.Load(t.Context(), "acc-1")
		assert.ErrorIs(t, err, es.ErrNotFound)
	})
}
