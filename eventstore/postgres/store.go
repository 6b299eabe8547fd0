// Package postgres is an EventStore on PostgreSQL using pgx.
package postgres

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	es "github.com/terraskye/erp-eventsourcing"
	"github.com/terraskye/erp-eventsourcing/eventstore/migrate"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var _ es.EventStore = (*Store)(nil)

const (
	uniqueViolation = "23505"
	// migrationLock is the pg_advisory_lock key held while applying
	// migrations.
	migrationLock = 7_240_117
)

type Store struct {
	pool     *pgxpool.Pool
	registry *es.EventRegistry
}

// Open connects to dsn and applies the schema.
func Open(ctx context.Context, dsn string, registry *es.EventRegistry) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	if registry == nil {
		return nil, fmt.Errorf("event registry is required")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres store: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, es.WrapStoreUnavailable("connect", err)
	}

	s := &Store{pool: pool, registry: registry}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate postgres store: %w", err)
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	migrations, err := migrate.Load(migrationsFS, "migrations")
	if err != nil {
		return err
	}

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "SELECT pg_advisory_lock($1)", migrationLock); err != nil {
		return fmt.Errorf("lock migrations: %w", err)
	}
	defer conn.Exec(context.WithoutCancel(ctx), "SELECT pg_advisory_unlock($1)", migrationLock)

	if _, err := conn.Exec(ctx, `
CREATE TABLE IF NOT EXISTS `+migrate.Table+` (
    name TEXT PRIMARY KEY,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}

	for _, m := range migrations {
		var applied bool
		if err := conn.QueryRow(ctx,
			"SELECT EXISTS (SELECT 1 FROM "+migrate.Table+" WHERE name = $1)", m.Name,
		).Scan(&applied); err != nil {
			return fmt.Errorf("check migration %s: %w", m.Name, err)
		}
		if applied {
			continue
		}

		err := pgx.BeginFunc(ctx, conn, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, m.Up); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, "INSERT INTO "+migrate.Table+" (name) VALUES ($1)", m.Name)
			return err
		})
		if err != nil {
			return fmt.Errorf("apply migration %s: %w", m.Name, err)
		}
	}
	return nil
}

func (s *Store) Append(ctx context.Context, aggregateID, aggregateType string, expectedVersion uint64, events []*es.Envelope) (es.AppendResult, error) {
	batch, err := es.PrepareBatch(aggregateID, aggregateType, expectedVersion, events)
	if err != nil {
		return es.AppendResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return es.AppendResult{}, es.WrapStoreUnavailable("append", err)
	}

	rows := make([][]byte, len(batch))
	metas := make([][]byte, len(batch))
	for i, e := range batch {
		if rows[i], err = s.registry.Encode(e.Event); err != nil {
			return es.AppendResult{}, err
		}
		if metas[i], err = json.Marshal(e.Metadata); err != nil {
			return es.AppendResult{}, fmt.Errorf("encode metadata of event %s: %w", e.EventID, err)
		}
	}

	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var (
			current      int64
			existingType *string
		)
		if err := tx.QueryRow(ctx,
			`SELECT COALESCE(MAX(version), 0), MAX(aggregate_type) FROM events WHERE aggregate_id = $1`,
			aggregateID,
		).Scan(&current, &existingType); err != nil {
			return fmt.Errorf("read stream version: %w", err)
		}

		if existingType != nil && *existingType != aggregateType {
			return fmt.Errorf("append to %q: %w: stream belongs to aggregate type %q", aggregateID, es.ErrInvalidEventBatch, *existingType)
		}
		if uint64(current) != expectedVersion {
			return &es.ConcurrencyConflictError{AggregateID: aggregateID, Expected: expectedVersion, Actual: uint64(current)}
		}

		for i, e := range batch {
			var position int64
			if err := tx.QueryRow(ctx, `
INSERT INTO events (event_id, aggregate_id, aggregate_type, event_type, version, occurred_at, metadata, payload)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
RETURNING global_position`,
				e.EventID.String(), e.AggregateID, e.AggregateType, e.EventType,
				int64(e.Version), e.OccurredAt.UTC(), metas[i], rows[i],
			).Scan(&position); err != nil {
				return err
			}
			e.GlobalPosition = uint64(position)
		}
		return nil
	})
	if err != nil {
		return es.AppendResult{}, s.mapAppendError(aggregateID, expectedVersion, err)
	}

	return es.AppendResult{
		AggregateID:         aggregateID,
		NextExpectedVersion: expectedVersion + uint64(len(batch)),
		Events:              batch,
	}, nil
}

func (s *Store) mapAppendError(aggregateID string, expectedVersion uint64, err error) error {
	if errors.Is(err, es.ErrConcurrencyConflict) || errors.Is(err, es.ErrInvalidEventBatch) || errors.Is(err, es.ErrUnknownEventType) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		// a concurrent writer committed the same version first
		return &es.ConcurrencyConflictError{AggregateID: aggregateID, Expected: expectedVersion, Actual: expectedVersion + 1}
	}
	return es.WrapStoreUnavailable("append", err)
}

const selectColumns = `SELECT global_position, event_id::text, aggregate_id, aggregate_type, event_type, version, occurred_at, metadata, payload FROM events`

func (s *Store) ReadStream(ctx context.Context, aggregateID string) (*es.Iterator[*es.Envelope], error) {
	return s.ReadStreamFromVersion(ctx, aggregateID, 0)
}

func (s *Store) ReadStreamFromVersion(ctx context.Context, aggregateID string, afterVersion uint64) (*es.Iterator[*es.Envelope], error) {
	events, err := s.query(ctx, "read stream",
		selectColumns+` WHERE aggregate_id = $1 AND version > $2 ORDER BY version`,
		aggregateID, int64(afterVersion),
	)
	if err != nil {
		return nil, err
	}
	return es.NewSliceIterator(events), nil
}

func (s *Store) ReadByType(ctx context.Context, query es.TypeQuery) (*es.Iterator[*es.Envelope], error) {
	if err := query.Validate(); err != nil {
		return nil, err
	}

	var (
		since *time.Time
		limit *int64
	)
	if !query.Since.IsZero() {
		t := query.Since.UTC()
		since = &t
	}
	if query.Limit > 0 {
		l := int64(query.Limit)
		limit = &l
	}

	events, err := s.query(ctx, "read by type",
		selectColumns+`
WHERE aggregate_type = $1
  AND ($2::text = '' OR event_type = $2)
  AND ($3::timestamptz IS NULL OR occurred_at >= $3)
ORDER BY occurred_at, global_position
LIMIT $4`,
		query.AggregateType, query.EventType, since, limit,
	)
	if err != nil {
		return nil, err
	}
	return es.NewSliceIterator(events), nil
}

func (s *Store) query(ctx context.Context, op, q string, args ...any) ([]*es.Envelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, es.WrapStoreUnavailable(op, err)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, es.WrapStoreUnavailable(op, err)
	}
	defer rows.Close()

	var out []*es.Envelope
	for rows.Next() {
		var (
			position, version         int64
			eventID, aggregateID      string
			aggregateType, eventType  string
			occurredAt                time.Time
			metadataJSON, payloadJSON []byte
		)
		if err := rows.Scan(&position, &eventID, &aggregateID, &aggregateType, &eventType, &version, &occurredAt, &metadataJSON, &payloadJSON); err != nil {
			return nil, es.WrapStoreUnavailable(op, fmt.Errorf("scan event: %w", err))
		}

		id, err := uuid.Parse(eventID)
		if err != nil {
			return nil, fmt.Errorf("parse event id %q: %w", eventID, err)
		}
		payload, err := s.registry.Decode(eventType, payloadJSON)
		if err != nil {
			return nil, err
		}
		metadata := make(map[string]any)
		if err := json.Unmarshal(metadataJSON, &metadata); err != nil {
			return nil, fmt.Errorf("decode metadata of event %s: %w", eventID, err)
		}

		out = append(out, &es.Envelope{
			EventID:        id,
			AggregateID:    aggregateID,
			AggregateType:  aggregateType,
			EventType:      eventType,
			Version:        uint64(version),
			GlobalPosition: uint64(position),
			OccurredAt:     occurredAt.UTC(),
			Metadata:       metadata,
			Event:          payload,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, es.WrapStoreUnavailable(op, err)
	}
	return out, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
