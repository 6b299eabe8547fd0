// Package sqlite is an EventStore backed by a single SQLite database file.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	es "github.com/terraskye/erp-eventsourcing"
	"github.com/terraskye/erp-eventsourcing/eventstore/migrate"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var _ es.EventStore = (*Store)(nil)

// Store persists events in the events table. Appends run in IMMEDIATE
// transactions, so concurrent writers serialize on the database lock and the
// version check and insert see the same state.
type Store struct {
	db       *sql.DB
	registry *es.EventRegistry
	close    sync.Once
	closeErr error
}

// Open opens (creating if needed) the database at path and applies the
// schema. Payloads are decoded with registry.
func Open(path string, registry *es.EventRegistry) (*Store, error) {
	cleanPath := strings.TrimSpace(path)
	if cleanPath == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	if registry == nil {
		return nil, fmt.Errorf("event registry is required")
	}

	dsn := "file:" + cleanPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite store: %w", err)
	}
	if err := applyMigrations(sqlDB); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrate sqlite store: %w", err)
	}

	return &Store{db: sqlDB, registry: registry}, nil
}

func applyMigrations(sqlDB *sql.DB) error {
	migrations, err := migrate.Load(migrationsFS, "migrations")
	if err != nil {
		return err
	}

	if _, err := sqlDB.Exec(fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
    name TEXT PRIMARY KEY,
    applied_at INTEGER NOT NULL
);`, migrate.Table)); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}

	for _, m := range migrations {
		var found int
		err := sqlDB.QueryRow("SELECT 1 FROM "+migrate.Table+" WHERE name = ?", m.Name).Scan(&found)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("check migration %s: %w", m.Name, err)
		}

		tx, err := sqlDB.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %s: %w", m.Name, err)
		}
		if _, err := tx.Exec(m.Up); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("exec migration %s: %w", m.Name, err)
		}
		if _, err := tx.Exec("INSERT INTO "+migrate.Table+" (name, applied_at) VALUES (?, ?)", m.Name, time.Now().UTC().UnixMilli()); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %s: %w", m.Name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", m.Name, err)
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

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return es.AppendResult{}, es.WrapStoreUnavailable("append", fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback()

	var (
		current      uint64
		existingType sql.NullString
	)
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0), MAX(aggregate_type) FROM events WHERE aggregate_id = ?`,
		aggregateID,
	).Scan(&current, &existingType); err != nil {
		return es.AppendResult{}, es.WrapStoreUnavailable("append", fmt.Errorf("read stream version: %w", err))
	}

	if existingType.Valid && existingType.String != aggregateType {
		return es.AppendResult{}, fmt.Errorf("append to %q: %w: stream belongs to aggregate type %q", aggregateID, es.ErrInvalidEventBatch, existingType.String)
	}
	if current != expectedVersion {
		return es.AppendResult{}, &es.ConcurrencyConflictError{AggregateID: aggregateID, Expected: expectedVersion, Actual: current}
	}

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO events (event_id, aggregate_id, aggregate_type, event_type, version, occurred_at, metadata, payload)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return es.AppendResult{}, es.WrapStoreUnavailable("append", fmt.Errorf("prepare insert: %w", err))
	}
	defer stmt.Close()

	for _, e := range batch {
		payload, err := s.registry.Encode(e.Event)
		if err != nil {
			return es.AppendResult{}, err
		}
		metadata, err := json.Marshal(e.Metadata)
		if err != nil {
			return es.AppendResult{}, fmt.Errorf("encode metadata of event %s: %w", e.EventID, err)
		}

		res, err := stmt.ExecContext(ctx,
			e.EventID.String(), e.AggregateID, e.AggregateType, e.EventType,
			int64(e.Version), e.OccurredAt.UTC().UnixNano(), string(metadata), string(payload),
		)
		if err != nil {
			if isConstraintError(err) {
				return es.AppendResult{}, &es.ConcurrencyConflictError{AggregateID: aggregateID, Expected: expectedVersion, Actual: e.Version}
			}
			return es.AppendResult{}, es.WrapStoreUnavailable("append", fmt.Errorf("insert event %s: %w", e.EventID, err))
		}
		if pos, err := res.LastInsertId(); err == nil {
			e.GlobalPosition = uint64(pos)
		}
	}

	if err := tx.Commit(); err != nil {
		return es.AppendResult{}, es.WrapStoreUnavailable("append", fmt.Errorf("commit: %w", err))
	}

	return es.AppendResult{
		AggregateID:         aggregateID,
		NextExpectedVersion: expectedVersion + uint64(len(batch)),
		Events:              batch,
	}, nil
}

const selectColumns = `SELECT global_position, event_id, aggregate_id, aggregate_type, event_type, version, occurred_at, metadata, payload FROM events`

func (s *Store) ReadStream(ctx context.Context, aggregateID string) (*es.Iterator[*es.Envelope], error) {
	return s.ReadStreamFromVersion(ctx, aggregateID, 0)
}

func (s *Store) ReadStreamFromVersion(ctx context.Context, aggregateID string, afterVersion uint64) (*es.Iterator[*es.Envelope], error) {
	events, err := s.query(ctx, "read stream",
		selectColumns+` WHERE aggregate_id = ? AND version > ? ORDER BY version`,
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

	limit := -1
	if query.Limit > 0 {
		limit = query.Limit
	}
	var since int64
	if !query.Since.IsZero() {
		since = query.Since.UTC().UnixNano()
	}

	events, err := s.query(ctx, "read by type",
		selectColumns+`
WHERE aggregate_type = ? AND (? = '' OR event_type = ?) AND occurred_at >= ?
ORDER BY occurred_at, global_position
LIMIT ?`,
		query.AggregateType, query.EventType, query.EventType, since, limit,
	)
	if err != nil {
		return nil, err
	}
	return es.NewSliceIterator(events), nil
}

// query materializes the rows so no connection is held while the caller
// iterates.
func (s *Store) query(ctx context.Context, op, q string, args ...any) ([]*es.Envelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, es.WrapStoreUnavailable(op, err)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, es.WrapStoreUnavailable(op, err)
	}
	defer rows.Close()

	var out []*es.Envelope
	for rows.Next() {
		var (
			position                  int64
			eventID, aggregateID      string
			aggregateType, eventType  string
			version, occurredAt       int64
			metadataJSON, payloadJSON string
		)
		if err := rows.Scan(&position, &eventID, &aggregateID, &aggregateType, &eventType, &version, &occurredAt, &metadataJSON, &payloadJSON); err != nil {
			return nil, es.WrapStoreUnavailable(op, fmt.Errorf("scan event: %w", err))
		}

		e, err := s.decode(eventID, eventType, metadataJSON, payloadJSON)
		if err != nil {
			return nil, err
		}
		e.GlobalPosition = uint64(position)
		e.AggregateID = aggregateID
		e.AggregateType = aggregateType
		e.Version = uint64(version)
		e.OccurredAt = time.Unix(0, occurredAt).UTC()
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, es.WrapStoreUnavailable(op, err)
	}
	return out, nil
}

func (s *Store) decode(eventID, eventType, metadataJSON, payloadJSON string) (*es.Envelope, error) {
	id, err := uuid.Parse(eventID)
	if err != nil {
		return nil, fmt.Errorf("parse event id %q: %w", eventID, err)
	}
	payload, err := s.registry.Decode(eventType, []byte(payloadJSON))
	if err != nil {
		return nil, err
	}
	metadata := make(map[string]any)
	if err := json.Unmarshal([]byte(metadataJSON), &metadata); err != nil {
		return nil, fmt.Errorf("decode metadata of event %s: %w", eventID, err)
	}
	return &es.Envelope{
		EventID:   id,
		EventType: eventType,
		Metadata:  metadata,
		Event:     payload,
	}, nil
}

// Streams lists stream ids with their aggregate type and current version.
func (s *Store) Streams(ctx context.Context) ([]StreamInfo, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT aggregate_id, aggregate_type, MAX(version) FROM events GROUP BY aggregate_id, aggregate_type ORDER BY aggregate_id`)
	if err != nil {
		return nil, es.WrapStoreUnavailable("list streams", err)
	}
	defer rows.Close()

	var out []StreamInfo
	for rows.Next() {
		var info StreamInfo
		var version int64
		if err := rows.Scan(&info.AggregateID, &info.AggregateType, &version); err != nil {
			return nil, es.WrapStoreUnavailable("list streams", err)
		}
		info.Version = uint64(version)
		out = append(out, info)
	}
	if err := rows.Err(); err != nil {
		return nil, es.WrapStoreUnavailable("list streams", err)
	}
	return out, nil
}

// StreamInfo summarizes one stream.
type StreamInfo struct {
	AggregateID   string
	AggregateType string
	Version       uint64
}

func (s *Store) Close() error {
	s.close.Do(func() {
		s.closeErr = s.db.Close()
	})
	return s.closeErr
}

func isConstraintError(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code()
	return code == sqlite3.SQLITE_CONSTRAINT || code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}
