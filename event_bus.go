package eventsourcing

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
)

// Publisher emits committed envelopes to the change feed.
type Publisher interface {
	Publish(ctx context.Context, envelopes ...*Envelope) error
}

// SubscriberOption configures a subscription. Buses define their own
// options; WithFilter and its helpers work on every bus whose configuration
// embeds SubscriberConfig.
type SubscriberOption func(cfg any)

// SubscriberConfig holds the settings shared by all buses.
type SubscriberConfig struct {
	filters []func(*Envelope) bool
}

func (c *SubscriberConfig) subscriberConfig() *SubscriberConfig { return c }

// Accepts reports whether every filter accepts the envelope.
func (c *SubscriberConfig) Accepts(envelope *Envelope) bool {
	for _, f := range c.filters {
		if !f(envelope) {
			return false
		}
	}
	return true
}

// WithFilter delivers only envelopes for which fn returns true. Filters
// combine with AND.
func WithFilter(fn func(*Envelope) bool) SubscriberOption {
	return func(cfg any) {
		c, ok := cfg.(interface{ subscriberConfig() *SubscriberConfig })
		if !ok {
			panic(fmt.Sprintf("WithFilter: subscriber config %T does not embed SubscriberConfig", cfg))
		}
		sc := c.subscriberConfig()
		sc.filters = append(sc.filters, fn)
	}
}

// WithEventTypes delivers only the named event types.
func WithEventTypes(eventTypes ...string) SubscriberOption {
	return WithFilter(func(e *Envelope) bool {
		return slices.Contains(eventTypes, e.EventType)
	})
}

// WithAggregateTypes delivers only events of the named aggregate types.
func WithAggregateTypes(aggregateTypes ...string) SubscriberOption {
	return WithFilter(func(e *Envelope) bool {
		return slices.Contains(aggregateTypes, e.AggregateType)
	})
}

// EventBus distributes published envelopes to named subscribers. Delivery
// is asynchronous and ordered per subscriber only.
type EventBus interface {
	Publisher

	// Subscribe registers handler under a unique name. The subscription ends
	// when ctx is done or the bus is closed.
	Subscribe(ctx context.Context, name string, handler EventHandler, options ...SubscriberOption) error

	// Errors returns a channel where asynchronous handling errors are sent.
	Errors() <-chan error

	// Close closes the EventBus and waits for all handlers to finish.
	Close() error
}

// PublishingStore decorates an EventStore so that every successful append is
// handed to a Publisher. Publication happens after the commit and its failure
// does not fail the append.
type PublishingStore struct {
	EventStore
	publisher Publisher
	log       *slog.Logger
}

// WithPublisher wraps store. A nil logger uses slog.Default.
func WithPublisher(store EventStore, publisher Publisher, log *slog.Logger) *PublishingStore {
	if log == nil {
		log = slog.Default()
	}
	return &PublishingStore{EventStore: store, publisher: publisher, log: log}
}

func (s *PublishingStore) Append(ctx context.Context, aggregateID, aggregateType string, expectedVersion uint64, events []*Envelope) (AppendResult, error) {
	result, err := s.EventStore.Append(ctx, aggregateID, aggregateType, expectedVersion, events)
	if err != nil {
		return result, err
	}

	if perr := s.publisher.Publish(ctx, result.Events...); perr != nil {
		s.log.WarnContext(ctx, "publish appended events failed",
			slog.String("aggregate_id", aggregateID),
			slog.String("aggregate_type", aggregateType),
			slog.Uint64("version", result.NextExpectedVersion),
			slog.Any("error", perr),
		)
	}
	return result, nil
}
