// Package kurrentdb feeds subscribers from the $all stream of the KurrentDB
// store. Events reach KurrentDB through the event store's Append, so Publish
// has nothing to send.
package kurrentdb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/kurrent-io/KurrentDB-Client-Go/kurrentdb"

	es "github.com/terraskye/erp-eventsourcing"
	kstore "github.com/terraskye/erp-eventsourcing/eventstore/kurrentdb"
)

var ErrBusClosed = errors.New("eventbus is closed")

var _ es.EventBus = (*EventBus)(nil)

type EventBus struct {
	db       *kurrentdb.Client
	registry *es.EventRegistry
	log      *slog.Logger
	subs     map[string]*subscriber
	mu       sync.RWMutex
	closed   bool
	errs     chan error
	wg       sync.WaitGroup
}

type subscriber struct {
	name    string
	config  subscriptionConfig
	handler es.EventHandler
	cancel  context.CancelFunc
}

type subscriptionConfig struct {
	es.SubscriberConfig
	opts kurrentdb.SubscribeToAllOptions
}

// NewEventBus creates a KurrentDB-backed event bus
func NewEventBus(db *kurrentdb.Client, registry *es.EventRegistry, log *slog.Logger) *EventBus {
	if log == nil {
		log = slog.Default()
	}
	return &EventBus{
		db:       db,
		registry: registry,
		log:      log.With(slog.String("eventbus", "kurrentdb")),
		subs:     make(map[string]*subscriber),
		errs:     make(chan error, 64),
	}
}

// Publish is a no-op: appended events are already in $all.
func (b *EventBus) Publish(context.Context, ...*es.Envelope) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBusClosed
	}
	return nil
}

// Subscribe follows $all from the end, or from the start with WithFromStart.
func (b *EventBus) Subscribe(ctx context.Context, name string, handler es.EventHandler, opts ...es.SubscriberOption) error {
	if handler == nil {
		return errors.New("handler cannot be nil")
	}

	cfg := subscriptionConfig{
		opts: kurrentdb.SubscribeToAllOptions{
			From:   kurrentdb.End{},
			Filter: kurrentdb.ExcludeSystemEventsFilter(),
		},
	}
	for _, o := range opts {
		o(&cfg)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBusClosed
	}
	if _, exists := b.subs[name]; exists {
		return fmt.Errorf("subscriber %q already exists", name)
	}

	workerCtx, cancel := context.WithCancel(context.Background())
	sub := &subscriber{name: name, config: cfg, handler: handler, cancel: cancel}
	b.subs[name] = sub

	b.wg.Add(1)
	go b.runSubscriber(workerCtx, sub)

	// Remove subscriber when caller context is done
	go func() {
		select {
		case <-ctx.Done():
			b.removeSubscriber(sub)
		case <-workerCtx.Done():
		}
	}()

	return nil
}

func (b *EventBus) runSubscriber(ctx context.Context, s *subscriber) {
	defer b.wg.Done()

	stream, err := b.db.SubscribeToAll(ctx, s.config.opts)
	if err != nil {
		b.report(fmt.Errorf("subscriber %q: %w", s.name, err))
		return
	}
	defer stream.Close()

	for {
		event := stream.Recv()
		if ctx.Err() != nil {
			return
		}

		if dropped := event.SubscriptionDropped; dropped != nil {
			b.report(fmt.Errorf("subscriber %q dropped: %w", s.name, dropped.Error))
			return
		}

		resolved := event.EventAppeared
		if resolved == nil {
			continue
		}
		recorded := resolved.OriginalEvent()
		if recorded == nil || strings.HasPrefix(recorded.EventType, "$") {
			continue
		}

		envelope, err := kstore.DecodeRecorded(b.registry, recorded)
		if err != nil {
			// events written by other applications share $all
			if errors.Is(err, es.ErrUnknownEventType) {
				continue
			}
			b.report(fmt.Errorf("subscriber %q: %w", s.name, err))
			continue
		}
		if !s.config.Accepts(envelope) {
			continue
		}

		if err := s.handler.Handle(ctx, envelope); err != nil {
			var skipped *es.ErrSkippedEvent
			if errors.As(err, &skipped) {
				continue
			}
			b.log.Warn("event handler failed",
				slog.String("subscriber", s.name),
				slog.String("event_type", envelope.EventType),
				slog.Any("error", err),
			)
			b.report(fmt.Errorf("subscriber %q: %w", s.name, err))
		}
	}
}

func (b *EventBus) report(err error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	select {
	case b.errs <- err:
	default:
	}
}

func (b *EventBus) removeSubscriber(s *subscriber) {
	b.mu.Lock()
	if current, ok := b.subs[s.name]; ok && current == s {
		delete(b.subs, s.name)
	}
	b.mu.Unlock()
	s.cancel()
}

func (b *EventBus) Errors() <-chan error {
	return b.errs
}

func (b *EventBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true

	for _, sub := range b.subs {
		sub.cancel()
	}
	b.subs = nil
	b.mu.Unlock()

	b.wg.Wait()
	close(b.errs)
	return nil
}

// WithFromStart replays $all from the beginning before following it.
func WithFromStart() es.SubscriberOption {
	return func(cfg any) {
		c, ok := cfg.(*subscriptionConfig)
		if !ok {
			panic(fmt.Sprintf("WithFromStart: expected kurrentdb subscription config, got %T", cfg))
		}
		c.opts.From = kurrentdb.Start{}
	}
}

// WithFilterEvents narrows the server side subscription to event type
// prefixes.
func WithFilterEvents(prefixes ...string) es.SubscriberOption {
	return func(cfg any) {
		c, ok := cfg.(*subscriptionConfig)
		if !ok {
			panic(fmt.Sprintf("WithFilterEvents: expected kurrentdb subscription config, got %T", cfg))
		}
		c.opts.Filter = &kurrentdb.SubscriptionFilter{
			Type:     kurrentdb.EventFilterType,
			Prefixes: prefixes,
		}
	}
}

// WithFilterStream narrows the server side subscription to stream name
// prefixes.
func WithFilterStream(prefixes ...string) es.SubscriberOption {
	return func(cfg any) {
		c, ok := cfg.(*subscriptionConfig)
		if !ok {
			panic(fmt.Sprintf("WithFilterStream: expected kurrentdb subscription config, got %T", cfg))
		}
		c.opts.Filter = &kurrentdb.SubscriptionFilter{
			Type:     kurrentdb.StreamFilterType,
			Prefixes: prefixes,
		}
	}
}
