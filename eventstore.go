package eventsourcing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventStore defines the contract for an append-only event log partitioned
// into one stream per aggregate.
//
// Implementations must guarantee:
//   - Append is atomic: all events of a batch are persisted or none are.
//   - Versions of a stream are contiguous from 1; (aggregateID, version) is unique.
//   - Append fails with a *ConcurrencyConflictError when the persisted
//     version differs from expectedVersion.
//   - Infrastructure failures surface as *StoreUnavailableError.
//   - Stream reads yield events in ascending version order.
//
// Returned iterators are lazy and should be consumed immediately.
type EventStore interface {
	// Append persists events as versions expectedVersion+1 onward of the
	// stream of aggregateID. Envelopes with a zero Version are numbered by the
	// store; a non zero Version must match the number the store assigns.
	//
	// Errors:
	//   - ErrNoEvents for an empty batch.
	//   - ErrInvalidEventBatch when an envelope belongs to another aggregate,
	//     carries an inconsistent version, or the stream exists under a
	//     different aggregate type.
	//   - *ConcurrencyConflictError on a version mismatch.
	//   - *StoreUnavailableError on infrastructure failure; the outcome of
	//     the append is then unknown.
	Append(ctx context.Context, aggregateID, aggregateType string, expectedVersion uint64, events []*Envelope) (AppendResult, error)

	// ReadStream returns all events of one aggregate in version order. An
	// unknown stream yields an empty iterator.
	ReadStream(ctx context.Context, aggregateID string) (*Iterator[*Envelope], error)

	// ReadStreamFromVersion returns the events with Version > afterVersion.
	ReadStreamFromVersion(ctx context.Context, aggregateID string, afterVersion uint64) (*Iterator[*Envelope], error)

	// ReadByType returns events across aggregates of one type ordered by
	// OccurredAt. It serves projections and audits, never replay.
	ReadByType(ctx context.Context, query TypeQuery) (*Iterator[*Envelope], error)

	// Close releases any resources held by the store. Close is idempotent.
	Close() error
}

var ErrMissingAggregateType = errors.New("missing aggregate type")

// TypeQuery selects events for ReadByType. Zero values mean no filter.
type TypeQuery struct {
	AggregateType string
	EventType     string
	Since         time.Time
	Limit         int
}

// Validate checks the query before a store runs it.
func (q TypeQuery) Validate() error {
	if q.AggregateType == "" {
		return fmt.Errorf("read by type: %w", ErrMissingAggregateType)
	}
	if q.Limit < 0 {
		return fmt.Errorf("read by type: negative limit %d", q.Limit)
	}
	return nil
}

// Matches reports whether e satisfies the query filters, Limit excluded.
func (q TypeQuery) Matches(e *Envelope) bool {
	if e.AggregateType != q.AggregateType {
		return false
	}
	if q.EventType != "" && e.EventType != q.EventType {
		return false
	}
	if !q.Since.IsZero() && e.OccurredAt.Before(q.Since) {
		return false
	}
	return true
}

// AppendResult describes the outcome of an append operation.
type AppendResult struct {
	AggregateID         string
	NextExpectedVersion uint64
	// Events are the committed envelopes as stored, versions assigned.
	Events []*Envelope
}

// PrepareBatch validates a batch against the append arguments and returns
// copies numbered from expectedVersion+1. Stores call it before touching
// storage so that invalid batches never reach it.
func PrepareBatch(aggregateID, aggregateType string, expectedVersion uint64, events []*Envelope) ([]*Envelope, error) {
	if len(events) == 0 {
		return nil, fmt.Errorf("append to %q: %w", aggregateID, ErrNoEvents)
	}
	if aggregateID == "" {
		return nil, fmt.Errorf("append: %w", ErrMissingAggregateID)
	}

	out := make([]*Envelope, len(events))
	for i, e := range events {
		if e == nil || e.Event == nil {
			return nil, fmt.Errorf("append to %q: %w: event %d has no payload", aggregateID, ErrInvalidEventBatch, i)
		}
		if e.AggregateID != aggregateID {
			return nil, fmt.Errorf("append to %q: %w: event %d belongs to %q", aggregateID, ErrInvalidEventBatch, i, e.AggregateID)
		}
		if e.AggregateType != "" && e.AggregateType != aggregateType {
			return nil, fmt.Errorf("append to %q: %w: event %d has aggregate type %q", aggregateID, ErrInvalidEventBatch, i, e.AggregateType)
		}
		version := expectedVersion + uint64(i) + 1
		if e.Version != 0 && e.Version != version {
			return nil, fmt.Errorf("append to %q: %w: event %d has version %d, want %d", aggregateID, ErrInvalidEventBatch, i, e.Version, version)
		}

		c := e.Clone()
		c.AggregateType = aggregateType
		c.Version = version
		if c.EventType == "" {
			c.EventType = c.Event.EventType()
		}
		if c.EventID == uuid.Nil {
			c.EventID = uuid.New()
		}
		if c.OccurredAt.IsZero() {
			c.OccurredAt = now()
		}
		if c.Metadata == nil {
			c.Metadata = make(map[string]any)
		}
		out[i] = c
	}
	return out, nil
}

// VerifyAppended resolves the unknown outcome of an append that failed with
// a *StoreUnavailableError by checking whether the batch's event ids are
// present in the stream. It reports true only when every event was persisted.
func VerifyAppended(ctx context.Context, store EventStore, aggregateID string, events []*Envelope) (bool, error) {
	if len(events) == 0 {
		return false, nil
	}

	want := make(map[uuid.UUID]struct{}, len(events))
	for _, e := range events {
		want[e.EventID] = struct{}{}
	}

	iter, err := store.ReadStream(ctx, aggregateID)
	if err != nil {
		return false, err
	}
	for iter.Next(ctx) {
		delete(want, iter.Value().EventID)
	}
	if err := iter.Err(); err != nil {
		return false, err
	}
	return len(want) == 0, nil
}
