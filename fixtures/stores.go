package fixtures

import (
	"context"
	"sync"

	es "github.com/terraskye/erp-eventsourcing"
	"github.com/terraskye/erp-eventsourcing/eventstore/memory"
)

// StoreSpy wraps an EventStore, counts calls and injects failures.
type StoreSpy struct {
	es.EventStore

	// BeforeAppend runs before each append reaches the wrapped store, for
	// example to simulate a concurrent writer.
	BeforeAppend func(ctx context.Context, call int, aggregateID string)

	mu                  sync.Mutex
	appendCalls         int
	readCalls           int
	lastExpectedVersion uint64
	lastAfterVersion    uint64
	appendErrs          []error
	readErr             error
	iterErr             error
	iterAfter           int
	forgotten           bool
}

// NewStoreSpy wraps inner, or a fresh memory store when inner is nil.
func NewStoreSpy(inner es.EventStore) *StoreSpy {
	if inner == nil {
		inner = memory.NewMemoryStore(Registry())
	}
	return &StoreSpy{EventStore: inner}
}

// FailAppend makes the next len(errs) appends fail, in order.
func (s *StoreSpy) FailAppend(errs ...error) *StoreSpy {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendErrs = append(s.appendErrs, errs...)
	return s
}

// FailRead makes every stream read fail with err until reset with nil.
func (s *StoreSpy) FailRead(err error) *StoreSpy {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readErr = err
	return s
}

// FailIterationAfter makes stream reads succeed but yield only n events
// before failing with err, until reset with a nil err.
func (s *StoreSpy) FailIterationAfter(n int, err error) *StoreSpy {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.iterAfter, s.iterErr = n, err
	return s
}

// ForgetStreams makes every later stream read come back empty, as after a
// store reset.
func (s *StoreSpy) ForgetStreams() *StoreSpy {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forgotten = true
	return s
}

func (s *StoreSpy) Append(ctx context.Context, aggregateID, aggregateType string, expectedVersion uint64, events []*es.Envelope) (es.AppendResult, error) {
	s.mu.Lock()
	s.appendCalls++
	call := s.appendCalls
	s.lastExpectedVersion = expectedVersion
	var injected error
	if len(s.appendErrs) > 0 {
		injected, s.appendErrs = s.appendErrs[0], s.appendErrs[1:]
	}
	s.mu.Unlock()

	if s.BeforeAppend != nil {
		s.BeforeAppend(ctx, call, aggregateID)
	}
	if injected != nil {
		return es.AppendResult{}, injected
	}
	return s.EventStore.Append(ctx, aggregateID, aggregateType, expectedVersion, events)
}

func (s *StoreSpy) ReadStream(ctx context.Context, aggregateID string) (*es.Iterator[*es.Envelope], error) {
	if err := s.trackRead(0); err != nil {
		return nil, err
	}
	iter, err := s.EventStore.ReadStream(ctx, aggregateID)
	return s.wrap(ctx, iter, err)
}

func (s *StoreSpy) ReadStreamFromVersion(ctx context.Context, aggregateID string, afterVersion uint64) (*es.Iterator[*es.Envelope], error) {
	if err := s.trackRead(afterVersion); err != nil {
		return nil, err
	}
	iter, err := s.EventStore.ReadStreamFromVersion(ctx, aggregateID, afterVersion)
	return s.wrap(ctx, iter, err)
}

func (s *StoreSpy) wrap(ctx context.Context, iter *es.Iterator[*es.Envelope], err error) (*es.Iterator[*es.Envelope], error) {
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	forgotten, n, iterErr := s.forgotten, s.iterAfter, s.iterErr
	s.mu.Unlock()

	switch {
	case forgotten:
		return EmptyIterator(), nil
	case iterErr == nil:
		return iter, nil
	case n == 0:
		return FailingIterator(iterErr), nil
	}
	events, err := iter.All(ctx)
	if err != nil {
		return nil, err
	}
	return FailAfterNIterator(events, n, iterErr), nil
}

func (s *StoreSpy) trackRead(afterVersion uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readCalls++
	s.lastAfterVersion = afterVersion
	return s.readErr
}

// AppendCalls returns the number of Append calls, failed ones included.
func (s *StoreSpy) AppendCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendCalls
}

// ReadCalls returns the number of stream reads.
func (s *StoreSpy) ReadCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readCalls
}

// LastExpectedVersion returns the expected version of the last Append.
func (s *StoreSpy) LastExpectedVersion() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastExpectedVersion
}

// LastAfterVersion returns the version the last stream read started after,
// 0 for a full read.
func (s *StoreSpy) LastAfterVersion() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAfterVersion
}
