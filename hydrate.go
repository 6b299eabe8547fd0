package eventsourcing

import (
	"fmt"
)

// HydrateHandler is one entry of an aggregate's mutation table.
type HydrateHandler interface {
	NewEvent() Event
	Apply(event Event)
}

type genericHydrateHandler[T Event] struct {
	handleFunc func(event T)
}

// NewHydrateHandler creates a mutation routine for the event type inferred
// from the function argument.
func NewHydrateHandler[T Event](handleFunc func(event T)) HydrateHandler {
	return &genericHydrateHandler[T]{
		handleFunc: handleFunc,
	}
}

func (c genericHydrateHandler[T]) NewEvent() Event {
	var zero T
	return zero
}

func (c genericHydrateHandler[T]) Apply(e Event) {
	c.handleFunc(e.(T))
}

// Hydrate builds an aggregate's Apply method from an explicit table of
// mutation routines keyed by the Go type of the event. Events without an
// entry fail with ErrUnknownEventType.
//
// Panics if two handlers are registered for the same event type.
//
// Example Usage:
//
//	inv.apply = Hydrate(
//	    NewHydrateHandler(inv.onIssued),
//	    NewHydrateHandler(inv.onPaymentRecorded),
//	)
func Hydrate(handlers ...HydrateHandler) func(ev Event) error {
	eventHandlers := make(map[string]HydrateHandler, len(handlers))

	for _, handler := range handlers {
		name := TypeName(handler.NewEvent())
		if _, exists := eventHandlers[name]; exists {
			panic(fmt.Errorf("duplicate mutation routine for %s: %w", name, ErrDuplicateHandler))
		}
		eventHandlers[name] = handler
	}

	return func(ev Event) error {
		handler, ok := eventHandlers[TypeName(ev)]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownEventType, eventType(ev))
		}
		handler.Apply(ev)
		return nil
	}
}

// TypeName returns the Go type name of v, for example "*auth.UserLocked".
func TypeName(v any) string {
	return fmt.Sprintf("%T", v)
}
