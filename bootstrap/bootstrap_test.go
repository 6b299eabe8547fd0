package bootstrap_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	es "github.com/terraskye/erp-eventsourcing"
	"github.com/terraskye/erp-eventsourcing/bootstrap"
	"github.com/terraskye/erp-eventsourcing/config"
	"github.com/terraskye/erp-eventsourcing/domain/auth"
	"github.com/terraskye/erp-eventsourcing/snapshot/redis"
)

func baseConfig() config.Config {
	return config.Config{
		Driver:           config.DriverMemory,
		OperationTimeout: time.Second,
		LogLevel:         "info",
		LogFormat:        "text",
		Metrics:          config.MetricsNone,
	}
}

func registry() *es.EventRegistry {
	r := es.NewEventRegistry()
	auth.RegisterEvents(r)
	return r
}

func TestOpen_PublishesAppendedEvents(t *testing.T) {
	cfg := baseConfig()
	cfg.Driver = config.DriverSQLite
	cfg.SQLitePath = filepath.Join(t.TempDir(), "events.db")
	cfg.Metrics = config.MetricsPrometheus
	cfg.SnapshotEvery = 2

	env, err := bootstrap.Open(t.Context(), cfg, registry(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, env.Close()) })
	require.NotNil(t, env.Prometheus)

	var (
		mu   sync.Mutex
		seen []string
	)
	require.NoError(t, env.Subscribe(t.Context(), "audit", es.NewEventHandlerFunc(func(_ context.Context, e *es.Envelope) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, e.EventType)
		return nil
	})))

	repo := auth.NewRepository(env.Store, env.RepositoryOptions()...)
	u, err := auth.RegisterUser("user-1", "ada@example.com", "correct horse")
	require.NoError(t, err)
	require.NoError(t, u.Login())
	require.NoError(t, repo.Save(t.Context(), u))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"UserRegistered", "UserLoggedIn"}, seen)

	_, err = env.Snapshotter.LoadSnapshot(t.Context(), auth.AggregateType, "user-1")
	require.NoError(t, err)

	count, err := testutil.GatherAndCount(env.Prometheus, "erp_es_events_appended_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	// one series per event type handled by "audit"
	assert.Eventually(t, func() bool {
		count, err := testutil.GatherAndCount(env.Prometheus, "erp_es_handler_events_total")
		return err == nil && count == 2
	}, 5*time.Second, 10*time.Millisecond)
}

func TestOpen_FileSpool(t *testing.T) {
	cfg := baseConfig()
	cfg.SpoolDir = t.TempDir()

	env, err := bootstrap.Open(t.Context(), cfg, registry(), nil)
	require.NoError(t, err)
	defer env.Close()

	received := make(chan *es.Envelope, 1)
	require.NoError(t, env.Subscribe(t.Context(), "mailer", es.NewEventHandlerFunc(func(_ context.Context, e *es.Envelope) error {
		received <- e
		return nil
	})))

	u := auth.NewUser("user-2")
	require.NoError(t, u.Login())
	require.NoError(t, auth.NewRepository(env.Store, env.RepositoryOptions()...).Save(t.Context(), u))

	select {
	case e := <-received:
		assert.Equal(t, "UserLoggedIn", e.EventType)
		assert.EqualValues(t, 1, e.Version)
	case <-time.After(5 * time.Second):
		t.Fatal("event not delivered through the spool")
	}
}

func TestOpen_RedisSnapshots(t *testing.T) {
	addr := redis.NewTestAddr(t)

	cfg := baseConfig()
	cfg.RedisAddr = addr
	cfg.SnapshotEvery = 1

	env, err := bootstrap.Open(t.Context(), cfg, registry(), nil)
	require.NoError(t, err)
	defer env.Close()
	assert.IsType(t, &redis.Snapshotter{}, env.Snapshotter)
}

func TestOpen_Errors(t *testing.T) {
	_, err := bootstrap.Open(t.Context(), baseConfig(), nil, nil)
	assert.Error(t, err)

	cfg := baseConfig()
	cfg.Driver = "mongo"
	_, err = bootstrap.Open(t.Context(), cfg, registry(), nil)
	assert.ErrorContains(t, err, "unknown store driver")

	cfg = baseConfig()
	cfg.RedisAddr = "127.0.0.1:1"
	_, err = bootstrap.Open(t.Context(), cfg, registry(), nil)
	assert.ErrorContains(t, err, "redis ping")
}
