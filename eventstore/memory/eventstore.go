// Package memory is an in-process EventStore for tests and local runs.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	es "github.com/terraskye/erp-eventsourcing"
)

var _ es.EventStore = (*MemoryStore)(nil)

// MemoryStore keeps every stream in memory. Payloads are held encoded and
// decoded again on every read, so neither the appending caller nor a reader
// shares memory with stored history.
type MemoryStore struct {
	mu       sync.RWMutex
	registry *es.EventRegistry
	global   []*record
	events   map[string][]*record
	types    map[string]string
	closed   bool
}

// record is a stored event: the envelope header without its payload, and
// the encoded payload.
type record struct {
	header  *es.Envelope
	payload []byte
}

// NewMemoryStore creates an empty store. Payloads are encoded and decoded
// with registry, so every appended event type must be registered.
func NewMemoryStore(registry *es.EventRegistry) *MemoryStore {
	if registry == nil {
		panic("memory: event registry is required")
	}
	return &MemoryStore{
		registry: registry,
		events:   make(map[string][]*record),
		types:    make(map[string]string),
	}
}

func (m *MemoryStore) Append(ctx context.Context, aggregateID, aggregateType string, expectedVersion uint64, events []*es.Envelope) (es.AppendResult, error) {
	if err := ctx.Err(); err != nil {
		return es.AppendResult{}, es.WrapStoreUnavailable("append", err)
	}

	batch, err := es.PrepareBatch(aggregateID, aggregateType, expectedVersion, events)
	if err != nil {
		return es.AppendResult{}, err
	}

	records := make([]*record, len(batch))
	for i, e := range batch {
		r, err := m.encode(e)
		if err != nil {
			return es.AppendResult{}, err
		}
		records[i] = r
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return es.AppendResult{}, es.WrapStoreUnavailable("append", es.ErrStoreClosed)
	}

	if t, ok := m.types[aggregateID]; ok && t != aggregateType {
		return es.AppendResult{}, fmt.Errorf("append to %q: %w: stream belongs to aggregate type %q", aggregateID, es.ErrInvalidEventBatch, t)
	}

	current := uint64(len(m.events[aggregateID]))
	if current != expectedVersion {
		return es.AppendResult{}, &es.ConcurrencyConflictError{
			AggregateID: aggregateID,
			Expected:    expectedVersion,
			Actual:      current,
		}
	}

	committed := make([]*es.Envelope, len(records))
	for i, r := range records {
		r.header.GlobalPosition = uint64(len(m.global) + i + 1)
		if committed[i], err = m.decode(r); err != nil {
			return es.AppendResult{}, err
		}
	}
	m.events[aggregateID] = append(m.events[aggregateID], records...)
	m.global = append(m.global, records...)
	m.types[aggregateID] = aggregateType

	return es.AppendResult{
		AggregateID:         aggregateID,
		NextExpectedVersion: expectedVersion + uint64(len(batch)),
		Events:              committed,
	}, nil
}

func (m *MemoryStore) ReadStream(ctx context.Context, aggregateID string) (*es.Iterator[*es.Envelope], error) {
	return m.ReadStreamFromVersion(ctx, aggregateID, 0)
}

func (m *MemoryStore) ReadStreamFromVersion(ctx context.Context, aggregateID string, afterVersion uint64) (*es.Iterator[*es.Envelope], error) {
	if err := ctx.Err(); err != nil {
		return nil, es.WrapStoreUnavailable("read stream", err)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, es.WrapStoreUnavailable("read stream", es.ErrStoreClosed)
	}

	stream := m.events[aggregateID]
	var out []*es.Envelope
	if afterVersion < uint64(len(stream)) {
		for _, r := range stream[afterVersion:] {
			e, err := m.decode(r)
			if err != nil {
				return nil, err
			}
			out = append(out, e)
		}
	}
	return es.NewSliceIterator(out), nil
}

// ReadByType scans the global log. Events are appended in commit order, so a
// stable sort by OccurredAt keeps commit order for equal timestamps.
func (m *MemoryStore) ReadByType(ctx context.Context, query es.TypeQuery) (*es.Iterator[*es.Envelope], error) {
	if err := query.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, es.WrapStoreUnavailable("read by type", err)
	}

	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return nil, es.WrapStoreUnavailable("read by type", es.ErrStoreClosed)
	}
	var matched []*record
	for _, r := range m.global {
		if query.Matches(r.header) {
			matched = append(matched, r)
		}
	}
	m.mu.RUnlock()

	out := make([]*es.Envelope, len(matched))
	for i, r := range matched {
		e, err := m.decode(r)
		if err != nil {
			return nil, err
		}
		out[i] = e
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].OccurredAt.Before(out[j].OccurredAt)
	})
	if query.Limit > 0 && len(out) > query.Limit {
		out = out[:query.Limit]
	}
	return es.NewSliceIterator(out), nil
}

// Streams returns the ids of all streams, sorted.
func (m *MemoryStore) Streams() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.events))
	for id := range m.events {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *MemoryStore) encode(e *es.Envelope) (*record, error) {
	if _, err := m.registry.New(e.EventType); err != nil {
		return nil, fmt.Errorf("append %s: %w", e.EventType, err)
	}
	payload, err := m.registry.Encode(e.Event)
	if err != nil {
		return nil, err
	}
	header := e.Clone()
	header.Event = nil
	return &record{header: header, payload: payload}, nil
}

func (m *MemoryStore) decode(r *record) (*es.Envelope, error) {
	ev, err := m.registry.Decode(r.header.EventType, r.payload)
	if err != nil {
		return nil, err
	}
	e := r.header.Clone()
	e.Event = ev
	return e, nil
}
