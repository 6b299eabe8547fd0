package eventsourcing

import (
	"fmt"
	"time"
)

var now = time.Now

// Aggregate is the interface that all event-sourced aggregates implement.
// Implementations embed *AggregateBase and provide Apply, the mutation
// routine that maps every event variant of the aggregate to a state change.
type Aggregate interface {
	// AggregateID returns the unique identifier of the aggregate.
	AggregateID() string

	// AggregateType returns the discriminator of the aggregate's stream.
	AggregateType() string

	// AggregateVersion returns the number of events applied so far.
	AggregateVersion() uint64

	// UncommittedEvents returns the events staged since the last commit.
	UncommittedEvents() []*Envelope

	// MarkCommitted clears the staged events after a successful append.
	MarkCommitted()

	// Apply mutates state for one event. It must not stage events and must
	// reject variants the aggregate does not know with ErrUnknownEventType.
	Apply(event Event) error

	base() *AggregateBase
}

// AggregateBase carries identity, version and staged events for an aggregate.
type AggregateBase struct {
	id          string
	typ         string
	version     uint64
	uncommitted []*Envelope
}

// NewAggregateBase creates the base of a fresh aggregate at version 0.
func NewAggregateBase(id, aggregateType string) *AggregateBase {
	return &AggregateBase{
		id:  id,
		typ: aggregateType,
	}
}

// AggregateID implements the AggregateID method of the Aggregate interface.
func (a *AggregateBase) AggregateID() string {
	return a.id
}

// AggregateType implements the AggregateType method of the Aggregate interface.
func (a *AggregateBase) AggregateType() string {
	return a.typ
}

// AggregateVersion implements the AggregateVersion method of the Aggregate interface.
func (a *AggregateBase) AggregateVersion() uint64 {
	return a.version
}

// UncommittedEvents returns a copy of the staged events in order.
func (a *AggregateBase) UncommittedEvents() []*Envelope {
	out := make([]*Envelope, len(a.uncommitted))
	copy(out, a.uncommitted)
	return out
}

// MarkCommitted implements the MarkCommitted method of the Aggregate interface.
func (a *AggregateBase) MarkCommitted() {
	a.uncommitted = nil
}

// PersistedVersion is the version the store held when the staged events were
// decided. It is the expected version of the next append.
func (a *AggregateBase) PersistedVersion() uint64 {
	return a.version - uint64(len(a.uncommitted))
}

func (a *AggregateBase) base() *AggregateBase {
	return a
}

// restore moves a clean aggregate to version, used after loading a snapshot.
func (a *AggregateBase) restore(version uint64) {
	a.version = version
	a.uncommitted = nil
}

// ApplyNew is the only path by which a business method changes state. The
// mutation routine runs first; the event is staged with the next version only
// when it succeeds.
func ApplyNew(agg Aggregate, event Event) error {
	b := agg.base()

	envelope, err := NewEnvelope(b.id, event)
	if err != nil {
		return fmt.Errorf("apply %s to %s %q: %w", eventType(event), b.typ, b.id, err)
	}

	if err := agg.Apply(event); err != nil {
		return fmt.Errorf("apply %s to %s %q: %w", event.EventType(), b.typ, b.id, err)
	}

	b.version++
	envelope.AggregateType = b.typ
	envelope.Version = b.version
	b.uncommitted = append(b.uncommitted, envelope)
	return nil
}

// LoadFromHistory replays persisted events onto an aggregate. Events must
// belong to the aggregate and continue its version without gaps; nothing is
// staged.
func LoadFromHistory(agg Aggregate, events []*Envelope) error {
	for _, e := range events {
		if err := replay(agg, e); err != nil {
			return err
		}
	}
	return nil
}

func replay(agg Aggregate, e *Envelope) error {
	b := agg.base()

	if len(b.uncommitted) > 0 {
		return &ReplayError{AggregateID: b.id, Reason: fmt.Sprintf("aggregate has %d uncommitted events", len(b.uncommitted))}
	}
	if e == nil || e.Event == nil {
		return &ReplayError{AggregateID: b.id, Expected: b.version + 1, Reason: "missing event payload"}
	}
	if e.AggregateID != b.id {
		return &ReplayError{AggregateID: b.id, Reason: fmt.Sprintf("event %s belongs to aggregate %q", e.EventID, e.AggregateID)}
	}
	if e.AggregateType != "" && e.AggregateType != b.typ {
		return &ReplayError{AggregateID: b.id, Reason: fmt.Sprintf("event %s belongs to aggregate type %q", e.EventID, e.AggregateType)}
	}
	if e.Version != b.version+1 {
		return &ReplayError{AggregateID: b.id, Expected: b.version + 1, Got: e.Version}
	}

	if err := agg.Apply(e.Event); err != nil {
		return &ReplayError{AggregateID: b.id, Expected: e.Version, Got: e.Version, Err: err}
	}
	b.version = e.Version
	return nil
}

func eventType(event Event) string {
	if event == nil {
		return "<nil>"
	}
	return event.EventType()
}
