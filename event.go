package eventsourcing

import (
	"errors"
	"maps"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrMissingAggregateID is returned when an envelope is created without an owner.
	ErrMissingAggregateID = errors.New("missing aggregate id")
	// ErrNilEvent is returned when an envelope is created without a payload.
	ErrNilEvent = errors.New("nil event")
)

// Event is the payload of a domain event. EventType is the stable name
// the payload is persisted and decoded under.
type Event interface {
	EventType() string
}

// Envelope is an immutable record of one state change of one aggregate.
//
// Version is zero until the envelope is staged on an aggregate and is
// contiguous per aggregate from 1 once appended. OccurredAt is informational
// only; stream order is defined by Version.
type Envelope struct {
	EventID       uuid.UUID
	AggregateID   string
	AggregateType string
	EventType     string
	Version       uint64
	// GlobalPosition is the store assigned position in its total log,
	// zero for stores without one.
	GlobalPosition uint64
	OccurredAt     time.Time
	Metadata       map[string]any
	Event          Event
}

// NewEnvelope wraps event for aggregateID with a fresh id and timestamp.
func NewEnvelope(aggregateID string, event Event) (*Envelope, error) {
	if aggregateID == "" {
		return nil, ErrMissingAggregateID
	}
	if event == nil {
		return nil, ErrNilEvent
	}
	return &Envelope{
		EventID:     uuid.New(),
		AggregateID: aggregateID,
		EventType:   event.EventType(),
		OccurredAt:  now(),
		Metadata:    make(map[string]any),
		Event:       event,
	}, nil
}

// Clone returns a copy that shares the payload but not the metadata map.
// Payloads are treated as values and never mutated after creation.
func (e *Envelope) Clone() *Envelope {
	if e == nil {
		return nil
	}
	c := *e
	if e.Metadata != nil {
		c.Metadata = maps.Clone(e.Metadata)
	}
	return &c
}
