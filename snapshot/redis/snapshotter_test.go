package redis_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	es "github.com/terraskye/erp-eventsourcing"
	"github.com/terraskye/erp-eventsourcing/snapshot/redis"
)

func TestSnapshotter(t *testing.T) {
	ctx := t.Context()
	s, err := redis.Connect(ctx, redis.NewTestAddr(t), redis.Options{KeyPrefix: "test:" + uuid.NewString(), TTL: time.Minute})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	id := uuid.NewString()

	_, err = s.LoadSnapshot(ctx, "User", id)
	assert.ErrorIs(t, err, es.ErrSnapshotNotFound)

	snap := &es.Snapshot{
		SnapshotID:    "s-1",
		AggregateID:   id,
		AggregateType: "User",
		Version:       10,
		CreatedAt:     time.Now().UTC().Truncate(time.Millisecond),
		Data:          []byte(`{"email":"ada@example.com"}`),
	}
	require.NoError(t, s.SaveSnapshot(ctx, snap))

	got, err := s.LoadSnapshot(ctx, "User", id)
	require.NoError(t, err)
	assert.Equal(t, snap.Version, got.Version)
	assert.Equal(t, snap.Data, got.Data)
	assert.True(t, snap.CreatedAt.Equal(got.CreatedAt))

	t.Run("older snapshot does not replace newer", func(t *testing.T) {
		older := *snap
		older.SnapshotID, older.Version = "s-0", 5
		require.NoError(t, s.SaveSnapshot(ctx, &older))

		got, err := s.LoadSnapshot(ctx, "User", id)
		require.NoError(t, err)
		assert.Equal(t, uint64(10), got.Version)
	})

	t.Run("newer snapshot replaces", func(t *testing.T) {
		newer := *snap
		newer.SnapshotID, newer.Version = "s-2", 20
		require.NoError(t, s.SaveSnapshot(ctx, &newer))

		got, err := s.LoadSnapshot(ctx, "User", id)
		require.NoError(t, err)
		assert.Equal(t, "s-2", got.SnapshotID)
	})

	t.Run("keys are per aggregate type", func(t *testing.T) {
		_, err := s.LoadSnapshot(ctx, "Invoice", id)
		assert.ErrorIs(t, err, es.ErrSnapshotNotFound)
	})
}

func TestConnect_MissingAddress(t *testing.T) {
	_, err := redis.Connect(t.Context(), " ", redis.Options{})
	assert.Error(t, err)
}
