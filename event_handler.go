package eventsourcing

import (
	"context"
	"fmt"
	"sort"
)

// EventHandler consumes appended events from the change feed.
type EventHandler interface {
	// Handle processes the given envelope within the provided context.
	Handle(ctx context.Context, envelope *Envelope) error
}

// NewEventHandlerFunc creates an EventHandler from a plain function.
//
// There is no filtering: the function receives every envelope the handler
// is invoked with. Use OnEvent for type-safe handling.
//
// Example Usage:
//
//	handler := NewEventHandlerFunc(func(ctx context.Context, e *Envelope) error {
//	    fmt.Println("received", e.EventType, "for", e.AggregateID)
//	    return nil
//	})
func NewEventHandlerFunc(fn func(ctx context.Context, envelope *Envelope) error) EventHandler {
	return eventHandlerFunc(fn)
}

type eventHandlerFunc func(ctx context.Context, envelope *Envelope) error

func (h eventHandlerFunc) Handle(ctx context.Context, envelope *Envelope) error {
	return h(ctx, envelope)
}

// typedEventHandler is a strongly typed event handler for a specific Event type T.
type typedEventHandler[T Event] func(ctx context.Context, ev T, envelope *Envelope) error

// EventName returns the event type name of T, used for routing.
func (h typedEventHandler[T]) EventName() string {
	var zero T
	return zero.EventType()
}

// Handle processes the envelope if its payload is a T and returns
// *ErrSkippedEvent otherwise. The handler's context carries the envelope,
// see WithEnvelope.
func (h typedEventHandler[T]) Handle(ctx context.Context, envelope *Envelope) error {
	ev, ok := envelope.Event.(T)
	if !ok {
		return &ErrSkippedEvent{EventType: envelope.EventType}
	}
	return h(WithEnvelope(ctx, envelope), ev, envelope)
}

// OnEvent creates a strongly typed EventHandler for payloads of type T.
// EventName calls EventType on the zero value of T, so pointer payload types
// must implement EventType without dereferencing the receiver.
//
// Example Usage:
//
//	handler := OnEvent(func(ctx context.Context, ev *auth.UserLocked, e *Envelope) error {
//	    return notify(ctx, e.AggregateID)
//	})
func OnEvent[T Event](fn func(ctx context.Context, ev T, envelope *Envelope) error) EventHandler {
	return typedEventHandler[T](fn)
}

// EventGroupProcessor routes envelopes to typed handlers by event type.
type EventGroupProcessor struct {
	handlers map[string]EventHandler
}

// NewEventGroupProcessor creates a group of typed event handlers.
//
// Panics if a handler does not expose EventName (i.e. was not created with
// OnEvent) or if two handlers are registered for the same event type.
func NewEventGroupProcessor(handlers ...EventHandler) *EventGroupProcessor {
	m := make(map[string]EventHandler, len(handlers))
	for _, h := range handlers {
		u, ok := h.(interface{ EventName() string })
		if !ok {
			panic(fmt.Errorf("handler %T does not have a function `EventName()`", h))
		}

		name := u.EventName()
		if _, exists := m[name]; exists {
			panic(fmt.Errorf("duplicate handler for event %s: %w", name, ErrDuplicateHandler))
		}
		m[name] = h
	}

	return &EventGroupProcessor{handlers: m}
}

// Handle routes the envelope to the handler for its event type.
// Returns *ErrSkippedEvent if no handler exists.
func (p *EventGroupProcessor) Handle(ctx context.Context, envelope *Envelope) error {
	h, ok := p.handlers[envelope.EventType]
	if !ok {
		return &ErrSkippedEvent{EventType: envelope.EventType}
	}
	return h.Handle(ctx, envelope)
}

// StreamFilter returns the sorted event types handled by this group.
func (p *EventGroupProcessor) StreamFilter() []string {
	out := make([]string, 0, len(p.handlers))
	for name := range p.handlers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Accepts reports whether the group has a handler for the envelope.
// It can be used as an event bus filter.
func (p *EventGroupProcessor) Accepts(envelope *Envelope) bool {
	_, ok := p.handlers[envelope.EventType]
	return ok
}
