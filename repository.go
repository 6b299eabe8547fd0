package eventsourcing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
)

// Repository loads and saves aggregates of one type through an EventStore.
// It never retries a conflicting save; that decision belongs to the caller,
// see NewCommandHandler.
type Repository[T Aggregate] struct {
	store         EventStore
	aggregateType string
	factory       func(id string) T
	opts          repoOptions
}

type repoOptions struct {
	log           *slog.Logger
	metrics       Metrics
	snapshotter   Snapshotter
	snapshotEvery uint64
}

// RepositoryOption configures a Repository.
type RepositoryOption func(*repoOptions)

// WithLogger sets the logger used for load and save diagnostics.
func WithLogger(log *slog.Logger) RepositoryOption {
	return func(o *repoOptions) { o.log = log }
}

// WithMetrics sets the metrics implementation.
func WithMetrics(m Metrics) RepositoryOption {
	return func(o *repoOptions) { o.metrics = m }
}

// WithSnapshotter caches aggregate state every N versions. Aggregates that do
// not implement Snapshottable are always replayed in full.
func WithSnapshotter(s Snapshotter, every uint64) RepositoryOption {
	return func(o *repoOptions) {
		o.snapshotter = s
		o.snapshotEvery = every
	}
}

// NewRepository creates a repository for aggregateType. factory must return a
// fresh aggregate at version 0 for the given id on every call.
func NewRepository[T Aggregate](store EventStore, aggregateType string, factory func(id string) T, opts ...RepositoryOption) *Repository[T] {
	o := repoOptions{
		log:     slog.Default(),
		metrics: NopMetrics(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	o.log = o.log.With(slog.String("aggregate_type", aggregateType))

	return &Repository[T]{
		store:         store,
		aggregateType: aggregateType,
		factory:       factory,
		opts:          o,
	}
}

// New returns a fresh, unsaved aggregate.
func (r *Repository[T]) New(id string) T {
	return r.factory(id)
}

// Load reconstitutes the aggregate from its stream. It returns ErrNotFound
// when the stream is empty and a *ReplayError when the stream is not
// contiguous. The returned aggregate has no uncommitted events.
func (r *Repository[T]) Load(ctx context.Context, id string) (T, error) {
	var zero T

	timer := r.opts.metrics.RepoLoadDuration(r.aggregateType)
	defer timer.ObserveDuration()

	agg, iter, err := r.openStream(ctx, id)
	if err != nil {
		return zero, fmt.Errorf("load %s %q: %w", r.aggregateType, id, err)
	}

	replayed := 0
	for iter.Next(ctx) {
		if err := replay(agg, iter.Value()); err != nil {
			return zero, fmt.Errorf("load %s %q: %w", r.aggregateType, id, err)
		}
		replayed++
	}
	if err := iter.Err(); err != nil {
		return zero, fmt.Errorf("load %s %q: %w", r.aggregateType, id, err)
	}
	r.opts.metrics.EventsReplayed(r.aggregateType, replayed)

	if agg.AggregateVersion() == 0 {
		return zero, fmt.Errorf("load %s %q: %w", r.aggregateType, id, ErrNotFound)
	}

	r.opts.log.DebugContext(ctx, "aggregate loaded",
		slog.String("aggregate_id", id),
		slog.Uint64("version", agg.AggregateVersion()),
		slog.Int("replayed", replayed),
	)
	return agg, nil
}

// openStream restores the latest snapshot and positions the stream after
// it. The snapshot is only used when the stream holds an event at exactly the
// snapshot's version; otherwise it is discarded and the stream is replayed in
// full.
func (r *Repository[T]) openStream(ctx context.Context, id string) (T, *Iterator[*Envelope], error) {
	agg := r.loadSnapshot(ctx, id)
	v := agg.AggregateVersion()
	if v == 0 {
		iter, err := r.store.ReadStream(ctx, id)
		return agg, iter, err
	}

	iter, err := r.store.ReadStreamFromVersion(ctx, id, v-1)
	if err != nil {
		return agg, nil, err
	}
	if iter.Next(ctx) && iter.Value().Version == v {
		r.opts.metrics.SnapshotHit(r.aggregateType)
		return agg, iter, nil
	}
	if err := iter.Err(); err != nil {
		return agg, nil, err
	}

	r.opts.metrics.SnapshotMiss(r.aggregateType)
	r.opts.log.WarnContext(ctx, "snapshot does not match stream, replaying full stream",
		slog.String("aggregate_id", id), slog.Uint64("snapshot_version", v))
	agg = r.factory(id)
	iter, err = r.store.ReadStream(ctx, id)
	return agg, iter, err
}

func (r *Repository[T]) loadSnapshot(ctx context.Context, id string) T {
	agg := r.factory(id)
	if r.opts.snapshotter == nil {
		return agg
	}
	if _, ok := any(agg).(Snapshottable); !ok {
		return agg
	}

	snap, err := r.opts.snapshotter.LoadSnapshot(ctx, r.aggregateType, id)
	if err != nil {
		r.opts.metrics.SnapshotMiss(r.aggregateType)
		if !errors.Is(err, ErrSnapshotNotFound) {
			r.opts.log.WarnContext(ctx, "snapshot load failed, replaying full stream",
				slog.String("aggregate_id", id), slog.Any("error", err))
		}
		return agg
	}

	if err := RestoreSnapshot(agg, snap); err != nil {
		r.opts.metrics.SnapshotMiss(r.aggregateType)
		r.opts.log.WarnContext(ctx, "snapshot restore failed, replaying full stream",
			snap.logAttrs(), slog.Any("error", err))
		return r.factory(id)
	}
	return agg
}

// SaveOption configures a single Save call.
type SaveOption func(*saveOptions)

type saveOptions struct {
	metadata map[string]any
}

// WithMetadata attaches metadata (tenant, correlation id, actor) to every
// event appended by the call.
func WithMetadata(metadata map[string]any) SaveOption {
	return func(o *saveOptions) {
		if o.metadata == nil {
			o.metadata = make(map[string]any, len(metadata))
		}
		maps.Copy(o.metadata, metadata)
	}
}

// Save appends the aggregate's uncommitted events expecting the stream to be
// at the version the aggregate was loaded at. On success the events are
// marked committed; on failure the aggregate is unchanged and should be
// discarded. Saving an aggregate without uncommitted events is a no-op.
func (r *Repository[T]) Save(ctx context.Context, agg T, opts ...SaveOption) error {
	events := agg.UncommittedEvents()
	if len(events) == 0 {
		return nil
	}

	var so saveOptions
	for _, opt := range opts {
		opt(&so)
	}

	timer := r.opts.metrics.RepoSaveDuration(r.aggregateType)
	defer timer.ObserveDuration()

	batch := events
	if len(so.metadata) > 0 {
		batch = make([]*Envelope, len(events))
		for i, e := range events {
			c := e.Clone()
			if c.Metadata == nil {
				c.Metadata = make(map[string]any, len(so.metadata))
			}
			maps.Copy(c.Metadata, so.metadata)
			batch[i] = c
		}
	}

	expected := agg.base().PersistedVersion()
	result, err := r.store.Append(ctx, agg.AggregateID(), r.aggregateType, expected, batch)
	if err != nil {
		if errors.Is(err, ErrConcurrencyConflict) {
			r.opts.metrics.ConcurrencyConflict(r.aggregateType)
			r.opts.log.InfoContext(ctx, "concurrency conflict on save",
				slog.String("aggregate_id", agg.AggregateID()),
				slog.Uint64("expected_version", expected),
			)
		}
		return fmt.Errorf("save %s %q: %w", r.aggregateType, agg.AggregateID(), err)
	}

	agg.MarkCommitted()
	r.opts.metrics.EventsAppended(r.aggregateType, len(events))
	r.opts.log.DebugContext(ctx, "aggregate saved",
		slog.String("aggregate_id", agg.AggregateID()),
		slog.Uint64("version", result.NextExpectedVersion),
		slog.Int("events", len(events)),
	)

	r.maybeSnapshot(ctx, agg, expected)
	return nil
}

func (r *Repository[T]) maybeSnapshot(ctx context.Context, agg T, before uint64) {
	if r.opts.snapshotter == nil || r.opts.snapshotEvery == 0 {
		return
	}
	if _, ok := any(agg).(Snapshottable); !ok {
		return
	}
	if before/r.opts.snapshotEvery == agg.AggregateVersion()/r.opts.snapshotEvery {
		return
	}

	timer := r.opts.metrics.SnapshotSaveDuration(r.aggregateType)
	defer timer.ObserveDuration()

	snap, err := CreateSnapshot(agg)
	if err == nil {
		err = r.opts.snapshotter.SaveSnapshot(ctx, snap)
	}
	if err != nil {
		r.opts.log.WarnContext(ctx, "snapshot save failed",
			slog.String("aggregate_id", agg.AggregateID()), slog.Any("error", err))
		return
	}
	r.opts.log.DebugContext(ctx, "snapshot saved", snap.logAttrs())
}
