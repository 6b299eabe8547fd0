// Package memory is an in-process EventBus. Every subscriber owns a
// buffered queue drained by one goroutine, so a subscriber sees events in
// publish order.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	gonanoid "github.com/matoous/go-nanoid/v2"

	es "github.com/terraskye/erp-eventsourcing"
)

var (
	ErrBusClosed  = errors.New("eventbus is closed")
	ErrBufferFull = errors.New("subscriber buffer full")
)

var _ es.EventBus = (*EventBus)(nil)

type subscriber struct {
	name    string
	config  subscriberConfig
	handler es.EventHandler
	events  chan *es.Envelope
}

type subscriberConfig struct {
	es.SubscriberConfig
}

type EventBus struct {
	mu         sync.RWMutex
	subs       map[string]*subscriber
	closed     bool
	done       chan struct{}
	errs       chan error
	wg         sync.WaitGroup
	bufferSize int
}

// NewEventBus constructs a new bus with a given subscriber buffer size.
func NewEventBus(bufferSize int) *EventBus {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	return &EventBus{
		subs:       make(map[string]*subscriber),
		done:       make(chan struct{}),
		errs:       make(chan error, 64),
		bufferSize: bufferSize,
	}
}

// Subscribe registers handler under name. An empty name gets a generated
// one. The subscription ends when ctx is done; events already queued are
// still handled.
func (b *EventBus) Subscribe(ctx context.Context, name string, handler es.EventHandler, opts ...es.SubscriberOption) error {
	if handler == nil {
		return errors.New("handler cannot be nil")
	}
	if name == "" {
		name = "sub-" + gonanoid.Must(12)
	}

	var cfg subscriberConfig
	for _, o := range opts {
		o(&cfg)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}
	if _, exists := b.subs[name]; exists {
		return fmt.Errorf("handler with name %q already registered", name)
	}

	s := &subscriber{
		name:    name,
		config:  cfg,
		handler: handler,
		events:  make(chan *es.Envelope, b.bufferSize),
	}
	b.subs[name] = s

	b.wg.Add(1)
	go b.runSubscriber(s)

	go func() {
		select {
		case <-ctx.Done():
			b.removeSubscriber(s)
		case <-b.done:
		}
	}()

	return nil
}

// Publish queues each envelope for every subscriber whose filters accept
// it. A full subscriber queue drops the envelope for that subscriber and is
// reported in the returned error.
func (b *EventBus) Publish(ctx context.Context, envelopes ...*es.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBusClosed
	}

	var errs []error
	for _, e := range envelopes {
		for _, s := range b.subs {
			if !s.config.Accepts(e) {
				continue
			}
			select {
			case s.events <- e:
			default:
				errs = append(errs, fmt.Errorf("subscriber %q dropped event %s: %w", s.name, e.EventID, ErrBufferFull))
			}
		}
	}
	return errors.Join(errs...)
}

func (b *EventBus) Errors() <-chan error {
	return b.errs
}

// Close stops accepting events, lets every subscriber drain its queue and
// waits for the workers.
func (b *EventBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.done)

	for name, s := range b.subs {
		close(s.events)
		delete(b.subs, name)
	}
	b.mu.Unlock()

	b.wg.Wait()
	close(b.errs)
	return nil
}

// runSubscriber processes events for a single handler until its queue is
// closed and empty.
func (b *EventBus) runSubscriber(s *subscriber) {
	defer b.wg.Done()

	for e := range s.events {
		if err := b.handle(s, e); err != nil {
			var skipped *es.ErrSkippedEvent
			if errors.As(err, &skipped) {
				continue
			}
			select {
			case b.errs <- fmt.Errorf("handler %q: %w", s.name, err):
			default:
				// Drop error if channel full
			}
		}
	}
}

func (b *EventBus) handle(s *subscriber, e *es.Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic handling %s: %v", e.EventType, r)
		}
	}()
	return s.handler.Handle(context.Background(), e)
}

func (b *EventBus) removeSubscriber(s *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	// Close may have removed it already
	if current, ok := b.subs[s.name]; !ok || current != s {
		return
	}
	delete(b.subs, s.name)
	close(s.events)
}
