// Package bootstrap assembles the event store, snapshot cache, change feed
// and metrics selected by a config.Config.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	promclient "github.com/prometheus/client_golang/prometheus"

	es "github.com/terraskye/erp-eventsourcing"
	"github.com/terraskye/erp-eventsourcing/config"
	"github.com/terraskye/erp-eventsourcing/eventbus/file"
	kbus "github.com/terraskye/erp-eventsourcing/eventbus/kurrentdb"
	"github.com/terraskye/erp-eventsourcing/eventbus/memory"
	"github.com/terraskye/erp-eventsourcing/eventbus/nats"
	kstore "github.com/terraskye/erp-eventsourcing/eventstore/kurrentdb"
	memstore "github.com/terraskye/erp-eventsourcing/eventstore/memory"
	"github.com/terraskye/erp-eventsourcing/eventstore/postgres"
	"github.com/terraskye/erp-eventsourcing/eventstore/sqlite"
	"github.com/terraskye/erp-eventsourcing/logging"
	"github.com/terraskye/erp-eventsourcing/otel"
	"github.com/terraskye/erp-eventsourcing/prometheus"
	"github.com/terraskye/erp-eventsourcing/snapshot/redis"
)

// Environment is everything a service needs to run repositories and
// subscribers.
type Environment struct {
	// Store is the configured store, traced and publishing to Bus.
	Store       es.EventStore
	Bus         es.EventBus
	Snapshotter es.Snapshotter
	Metrics     es.Metrics
	Registry    *es.EventRegistry
	Log         *slog.Logger

	// Prometheus holds the collectors when ES_METRICS=prometheus.
	Prometheus *promclient.Registry

	snapshotEvery uint64
	closers       []func() error
}

// Open connects everything selected by cfg. On error, whatever was already
// opened is closed again.
func Open(ctx context.Context, cfg config.Config, registry *es.EventRegistry, log *slog.Logger) (_ *Environment, err error) {
	if registry == nil {
		return nil, errors.New("event registry is required")
	}
	if log == nil {
		log = slog.Default()
	}

	env := &Environment{
		Registry:      registry,
		Log:           log,
		snapshotEvery: cfg.SnapshotEvery,
	}
	defer func() {
		if err != nil {
			_ = env.Close()
		}
	}()

	store, err := openStore(ctx, cfg, registry)
	if err != nil {
		return nil, err
	}
	env.closers = append(env.closers, store.Close)

	bus, err := openBus(cfg, store, registry, log)
	if err != nil {
		return nil, err
	}
	// the bus closes before the store
	env.closers = append(env.closers, bus.Close)
	env.Bus = otel.WithEventBusTelemetry(bus)
	env.Store = es.WithPublisher(otel.WithEventStoreTelemetry(store), env.Bus, log)

	switch {
	case cfg.RedisAddr != "":
		snapshots, err := redis.Connect(ctx, cfg.RedisAddr, redis.Options{TTL: cfg.SnapshotTTL})
		if err != nil {
			return nil, err
		}
		env.closers = append(env.closers, snapshots.Close)
		env.Snapshotter = snapshots
	default:
		env.Snapshotter = es.NewMemorySnapshotter()
	}

	switch cfg.Metrics {
	case config.MetricsPrometheus:
		env.Prometheus = promclient.NewRegistry()
		env.Metrics = prometheus.NewMetrics(env.Prometheus)
	case config.MetricsOTel:
		env.Metrics = otel.Metrics{}
	default:
		env.Metrics = es.NopMetrics()
	}

	log.InfoContext(ctx, "event store environment ready",
		slog.String("driver", cfg.Driver),
		slog.String("bus", fmt.Sprintf("%T", bus)),
		slog.Bool("redis_snapshots", cfg.RedisAddr != ""),
		slog.String("metrics", cfg.Metrics),
	)
	return env, nil
}

func openStore(ctx context.Context, cfg config.Config, registry *es.EventRegistry) (es.EventStore, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return memstore.NewMemoryStore(registry), nil
	case config.DriverSQLite:
		return sqlite.Open(cfg.SQLitePath, registry)
	case config.DriverPostgres:
		return postgres.Open(ctx, cfg.PostgresDSN, registry)
	case config.DriverKurrentDB:
		return kstore.Dial(cfg.KurrentDBURL, registry)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// openBus prefers NATS, then the file spool. A KurrentDB store feeds
// subscribers from $all, any other store uses the in-process bus.
func openBus(cfg config.Config, store es.EventStore, registry *es.EventRegistry, log *slog.Logger) (es.EventBus, error) {
	switch {
	case cfg.NATSURL != "":
		return nats.NewEventBus(nats.Config{
			Connect:       nats.ConnectURL(cfg.NATSURL),
			Registry:      registry,
			Log:           log,
			SubjectPrefix: cfg.NATSSubjectPrefix,
		})
	case cfg.SpoolDir != "":
		return file.NewFileEventBus(cfg.SpoolDir, registry, log)
	}
	if k, ok := store.(*kstore.EventStore); ok {
		return kbus.NewEventBus(k.Client(), registry, log), nil
	}
	return memory.NewEventBus(256), nil
}

// RepositoryOptions returns the logger, metrics and snapshot options for
// es.NewRepository.
func (e *Environment) RepositoryOptions() []es.RepositoryOption {
	opts := []es.RepositoryOption{
		es.WithLogger(e.Log),
		es.WithMetrics(e.Metrics),
	}
	if e.snapshotEvery > 0 {
		opts = append(opts, es.WithSnapshotter(e.Snapshotter, e.snapshotEvery))
	}
	return opts
}

// Subscribe registers handler on the bus with logging, and with Prometheus
// instrumentation when enabled.
func (e *Environment) Subscribe(ctx context.Context, name string, handler es.EventHandler, opts ...es.SubscriberOption) error {
	handler = logging.WithLoggingMiddleware(e.Log.With(slog.String("subscriber", name)), handler)
	if m, ok := e.Metrics.(*prometheus.Metrics); ok {
		handler = m.Handler(name, handler)
	}
	return e.Bus.Subscribe(ctx, name, handler, opts...)
}

// Close closes everything Open opened, newest first.
func (e *Environment) Close() error {
	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	e.closers = nil
	return errors.Join(errs...)
}
