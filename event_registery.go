package eventsourcing

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventRegistry maps persisted event type names to payload factories.
// Durable stores use it to turn stored bytes back into typed payloads.
type EventRegistry struct {
	mu        sync.RWMutex
	factories map[string]func() Event
}

// NewEventRegistry returns a registry with the given factories registered
// under their EventType.
//
// Panics:
//   - If a factory is nil or returns nil.
//   - If two factories produce the same EventType.
func NewEventRegistry(factories ...func() Event) *EventRegistry {
	r := &EventRegistry{factories: make(map[string]func() Event)}
	for _, fn := range factories {
		r.Register(fn)
	}
	return r
}

// Register registers a factory under the EventType of the value it returns.
//
// Example Usage:
//
//	registry.Register(func() Event { return &UserLocked{} })
func (r *EventRegistry) Register(fn func() Event) {
	if fn == nil {
		panic("cannot register nil factory")
	}
	ev := fn()
	if ev == nil {
		panic("factory returned nil event")
	}
	r.RegisterAs(ev.EventType(), fn)
}

// RegisterAs registers a factory under a custom name, for example to keep
// decoding a renamed payload under its historical name.
func (r *EventRegistry) RegisterAs(name string, fn func() Event) {
	if fn == nil {
		panic("cannot register nil factory")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[name]; exists {
		panic(fmt.Sprintf("event already registered: %s", name))
	}
	if fn() == nil {
		panic(fmt.Sprintf("factory returned nil for event: %s", name))
	}
	r.factories[name] = fn
}

// New returns a fresh payload for eventType.
func (r *EventRegistry) New(eventType string) (Event, error) {
	r.mu.RLock()
	factory, ok := r.factories[eventType]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEventType, eventType)
	}
	ev := factory()
	if ev == nil {
		return nil, fmt.Errorf("factory returned nil for event: %s", eventType)
	}
	return ev, nil
}

// Decode creates a payload for eventType and unmarshals data into it.
// Factories must return pointers for Decode to fill them.
func (r *EventRegistry) Decode(eventType string, data []byte) (Event, error) {
	ev, err := r.New(eventType)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, ev); err != nil {
		return nil, fmt.Errorf("decode event %q: %w", eventType, err)
	}
	return ev, nil
}

// Encode serializes a payload the way Decode expects it.
func (r *EventRegistry) Encode(ev Event) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode event %q: %w", ev.EventType(), err)
	}
	return data, nil
}

// Types returns the registered names in sorted order.
func (r *EventRegistry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for name := range r.factories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// wireEnvelope is the serialized form of an Envelope on transports that
// carry whole envelopes.
type wireEnvelope struct {
	EventID        string          `json:"event_id"`
	AggregateID    string          `json:"aggregate_id"`
	AggregateType  string          `json:"aggregate_type"`
	EventType      string          `json:"event_type"`
	Version        uint64          `json:"version"`
	GlobalPosition uint64          `json:"global_position,omitempty"`
	OccurredAt     time.Time       `json:"occurred_at"`
	Metadata       map[string]any  `json:"metadata,omitempty"`
	Payload        json.RawMessage `json:"payload"`
}

// MarshalEnvelope serializes e with its payload encoded by Encode.
func (r *EventRegistry) MarshalEnvelope(e *Envelope) ([]byte, error) {
	if e == nil || e.Event == nil {
		return nil, ErrNilEvent
	}
	payload, err := r.Encode(e.Event)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireEnvelope{
		EventID:        e.EventID.String(),
		AggregateID:    e.AggregateID,
		AggregateType:  e.AggregateType,
		EventType:      e.EventType,
		Version:        e.Version,
		GlobalPosition: e.GlobalPosition,
		OccurredAt:     e.OccurredAt,
		Metadata:       e.Metadata,
		Payload:        payload,
	})
}

// UnmarshalEnvelope is the inverse of MarshalEnvelope. The payload type must
// be registered.
func (r *EventRegistry) UnmarshalEnvelope(data []byte) (*Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	id, err := uuid.Parse(w.EventID)
	if err != nil {
		return nil, fmt.Errorf("decode envelope: event id %q: %w", w.EventID, err)
	}
	ev, err := r.Decode(w.EventType, w.Payload)
	if err != nil {
		return nil, err
	}
	if w.Metadata == nil {
		w.Metadata = make(map[string]any)
	}
	return &Envelope{
		EventID:        id,
		AggregateID:    w.AggregateID,
		AggregateType:  w.AggregateType,
		EventType:      w.EventType,
		Version:        w.Version,
		GlobalPosition: w.GlobalPosition,
		OccurredAt:     w.OccurredAt,
		Metadata:       w.Metadata,
		Event:          ev,
	}, nil
}
