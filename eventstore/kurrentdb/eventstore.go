// Package kurrentdb is an EventStore on KurrentDB. Each aggregate maps to
// one KurrentDB stream named by its aggregate id; aggregate type and
// occurrence time travel in the event's user metadata.
package kurrentdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kurrent-io/KurrentDB-Client-Go/kurrentdb"

	es "github.com/terraskye/erp-eventsourcing"
)

const (
	// MetaAggregateType is the user metadata key holding the aggregate type.
	MetaAggregateType = "$aggregateType"
	metaOccurredAt    = "$occurredAt"
)

var _ es.EventStore = (*EventStore)(nil)

type EventStore struct {
	client   *kurrentdb.Client
	registry *es.EventRegistry
	close    sync.Once
	closeErr error
}

// NewEventStore creates a KurrentDB-backed eventstore. The store owns client
// and closes it on Close.
func NewEventStore(client *kurrentdb.Client, registry *es.EventRegistry) *EventStore {
	return &EventStore{client: client, registry: registry}
}

// Client returns the underlying client, for example to follow $all with
// the kurrentdb event bus.
func (s *EventStore) Client() *kurrentdb.Client {
	return s.client
}

// Dial parses a kurrentdb:// connection string and connects.
func Dial(url string, registry *es.EventRegistry) (*EventStore, error) {
	if registry == nil {
		return nil, fmt.Errorf("event registry is required")
	}
	config, err := kurrentdb.ParseConnectionString(url)
	if err != nil {
		return nil, fmt.Errorf("parse kurrentdb url: %w", err)
	}
	client, err := kurrentdb.NewClient(config)
	if err != nil {
		return nil, es.WrapStoreUnavailable("connect", err)
	}
	return NewEventStore(client, registry), nil
}

func (s *EventStore) Append(ctx context.Context, aggregateID, aggregateType string, expectedVersion uint64, events []*es.Envelope) (es.AppendResult, error) {
	batch, err := es.PrepareBatch(aggregateID, aggregateType, expectedVersion, events)
	if err != nil {
		return es.AppendResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return es.AppendResult{}, es.WrapStoreUnavailable("append", err)
	}

	head, err := s.head(ctx, aggregateID)
	if err != nil {
		return es.AppendResult{}, err
	}
	if head != nil {
		actual := head.Version
		if head.AggregateType != aggregateType {
			return es.AppendResult{}, fmt.Errorf("append to %q: %w: stream belongs to aggregate type %q", aggregateID, es.ErrInvalidEventBatch, head.AggregateType)
		}
		if actual != expectedVersion {
			return es.AppendResult{}, &es.ConcurrencyConflictError{AggregateID: aggregateID, Expected: expectedVersion, Actual: actual}
		}
	} else if expectedVersion != 0 {
		return es.AppendResult{}, &es.ConcurrencyConflictError{AggregateID: aggregateID, Expected: expectedVersion, Actual: 0}
	}

	kevents := make([]kurrentdb.EventData, len(batch))
	for i, e := range batch {
		data, err := s.registry.Encode(e.Event)
		if err != nil {
			return es.AppendResult{}, err
		}

		meta := maps.Clone(e.Metadata)
		if meta == nil {
			meta = make(map[string]any, 2)
		}
		meta[MetaAggregateType] = e.AggregateType
		meta[metaOccurredAt] = e.OccurredAt.UTC().Format(time.RFC3339Nano)
		metaData, err := json.Marshal(meta)
		if err != nil {
			return es.AppendResult{}, fmt.Errorf("encode metadata of event %s: %w", e.EventID, err)
		}

		kevents[i] = kurrentdb.EventData{
			EventID:     e.EventID,
			EventType:   e.EventType,
			ContentType: kurrentdb.ContentTypeJson,
			Data:        data,
			Metadata:    metaData,
		}
	}

	var state kurrentdb.StreamState = kurrentdb.NoStream{}
	if expectedVersion > 0 {
		state = kurrentdb.StreamRevision{Value: expectedVersion - 1}
	}

	result, err := s.client.AppendToStream(ctx, aggregateID, kurrentdb.AppendToStreamOptions{
		StreamState: state,
	}, kevents...)
	if err != nil {
		if isCode(err, kurrentdb.ErrorCodeWrongExpectedVersion) {
			return es.AppendResult{}, &es.ConcurrencyConflictError{AggregateID: aggregateID, Expected: expectedVersion, Actual: expectedVersion + 1}
		}
		return es.AppendResult{}, es.WrapStoreUnavailable("append", err)
	}

	for _, e := range batch {
		e.GlobalPosition = result.CommitPosition
	}

	return es.AppendResult{
		AggregateID:         aggregateID,
		NextExpectedVersion: result.NextExpectedVersion + 1,
		Events:              batch,
	}, nil
}

// head returns the last event of the stream, nil for an unknown stream.
func (s *EventStore) head(ctx context.Context, aggregateID string) (*es.Envelope, error) {
	stream, err := s.client.ReadStream(ctx, aggregateID, kurrentdb.ReadStreamOptions{
		Direction: kurrentdb.Backwards,
		From:      kurrentdb.End{},
	}, 1)
	if err != nil {
		return nil, es.WrapStoreUnavailable("read stream head", err)
	}
	defer stream.Close()

	resolved, err := stream.Recv()
	if err != nil {
		if errors.Is(err, io.EOF) || isCode(err, kurrentdb.ErrorCodeResourceNotFound) {
			return nil, nil
		}
		return nil, es.WrapStoreUnavailable("read stream head", err)
	}

	recorded := resolved.OriginalEvent()
	meta := decodeMetadata(recorded.UserMetadata)
	typ, _ := meta[MetaAggregateType].(string)
	return &es.Envelope{
		AggregateID:   aggregateID,
		AggregateType: typ,
		Version:       recorded.EventNumber + 1,
	}, nil
}

func (s *EventStore) ReadStream(ctx context.Context, aggregateID string) (*es.Iterator[*es.Envelope], error) {
	return s.ReadStreamFromVersion(ctx, aggregateID, 0)
}

func (s *EventStore) ReadStreamFromVersion(ctx context.Context, aggregateID string, afterVersion uint64) (*es.Iterator[*es.Envelope], error) {
	if err := ctx.Err(); err != nil {
		return nil, es.WrapStoreUnavailable("read stream", err)
	}

	// version v is stored at revision v-1
	stream, err := s.client.ReadStream(ctx, aggregateID, kurrentdb.ReadStreamOptions{
		Direction: kurrentdb.Forwards,
		From:      kurrentdb.StreamRevision{Value: afterVersion},
	}, math.MaxUint64)
	if err != nil {
		return nil, es.WrapStoreUnavailable("read stream", err)
	}

	var once sync.Once
	done := func() { once.Do(stream.Close) }

	return es.NewIteratorFunc(func(ctx context.Context) (*es.Envelope, error) {
		if err := ctx.Err(); err != nil {
			done()
			return nil, err
		}

		resolved, err := stream.Recv()
		if err != nil {
			done()
			if errors.Is(err, io.EOF) || isCode(err, kurrentdb.ErrorCodeResourceNotFound) {
				return nil, io.EOF
			}
			return nil, es.WrapStoreUnavailable("read stream", err)
		}

		e, err := s.toEnvelope(resolved.OriginalEvent())
		if err != nil {
			done()
			return nil, err
		}
		return e, nil
	}), nil
}

// ReadByType scans $all and filters client side. KurrentDB orders $all by
// commit position, so the matches are sorted by OccurredAt before the limit
// applies.
func (s *EventStore) ReadByType(ctx context.Context, query es.TypeQuery) (*es.Iterator[*es.Envelope], error) {
	if err := query.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, es.WrapStoreUnavailable("read by type", err)
	}

	stream, err := s.client.ReadAll(ctx, kurrentdb.ReadAllOptions{
		Direction: kurrentdb.Forwards,
		From:      kurrentdb.Start{},
	}, math.MaxUint64)
	if err != nil {
		return nil, es.WrapStoreUnavailable("read by type", err)
	}
	defer stream.Close()

	var matches []*es.Envelope
	for {
		resolved, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, es.WrapStoreUnavailable("read by type", err)
		}

		recorded := resolved.OriginalEvent()
		if recorded == nil || strings.HasPrefix(recorded.EventType, "$") || strings.HasPrefix(recorded.StreamID, "$") {
			continue
		}
		meta := decodeMetadata(recorded.UserMetadata)
		if typ, _ := meta[MetaAggregateType].(string); typ != query.AggregateType {
			continue
		}
		if query.EventType != "" && recorded.EventType != query.EventType {
			continue
		}

		e, err := s.toEnvelope(recorded)
		if err != nil {
			return nil, err
		}
		if query.Matches(e) {
			matches = append(matches, e)
		}
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].OccurredAt.Before(matches[j].OccurredAt)
	})
	if query.Limit > 0 && len(matches) > query.Limit {
		matches = matches[:query.Limit]
	}
	return es.NewSliceIterator(matches), nil
}

func (s *EventStore) toEnvelope(recorded *kurrentdb.RecordedEvent) (*es.Envelope, error) {
	return DecodeRecorded(s.registry, recorded)
}

// DecodeRecorded turns an event written by EventStore back into an
// envelope.
func DecodeRecorded(registry *es.EventRegistry, recorded *kurrentdb.RecordedEvent) (*es.Envelope, error) {
	ev, err := registry.Decode(recorded.EventType, recorded.Data)
	if err != nil {
		return nil, err
	}

	meta := decodeMetadata(recorded.UserMetadata)
	typ, _ := meta[MetaAggregateType].(string)
	occurredAt := recorded.CreatedDate.UTC()
	if raw, ok := meta[metaOccurredAt].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			occurredAt = t.UTC()
		}
	}
	delete(meta, MetaAggregateType)
	delete(meta, metaOccurredAt)

	return &es.Envelope{
		EventID:        recorded.EventID,
		AggregateID:    recorded.StreamID,
		AggregateType:  typ,
		EventType:      recorded.EventType,
		Version:        recorded.EventNumber + 1,
		GlobalPosition: recorded.Position.Commit,
		OccurredAt:     occurredAt,
		Metadata:       meta,
		Event:          ev,
	}, nil
}

func decodeMetadata(raw []byte) map[string]any {
	meta := make(map[string]any)
	if len(raw) == 0 {
		return meta
	}
	if err := json.Unmarshal(raw, &meta); err != nil {
		return make(map[string]any)
	}
	return meta
}

func isCode(err error, code kurrentdb.ErrorCode) bool {
	var kerr *kurrentdb.Error
	return errors.As(err, &kerr) && kerr.Code() == code
}

func (s *EventStore) Close() error {
	s.close.Do(func() {
		s.closeErr = s.client.Close()
	})
	return s.closeErr
}
