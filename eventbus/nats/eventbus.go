// Package nats publishes committed envelopes on NATS subjects
// <prefix>.<aggregateType>.<eventType> and delivers them to named
// subscribers. Subscribers with the same name form a queue group.
package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	natsgo "github.com/nats-io/nats.go"

	es "github.com/terraskye/erp-eventsourcing"
)

const DefaultSubjectPrefix = "events"

var ErrBusClosed = errors.New("eventbus is closed")

var _ es.EventBus = (*EventBus)(nil)

type closeFunc = func()

// Connector creates the underlying NATS connection.
type Connector func() (nc *natsgo.Conn, close closeFunc, err error)

func ConnectURL(natsURL string) Connector {
	return func() (*natsgo.Conn, closeFunc, error) {
		nc, err := natsgo.Connect(
			natsURL,
			natsgo.Name("erp-eventsourcing"),
			natsgo.MaxReconnects(3),
		)
		if err != nil {
			return nil, nil, err
		}
		return nc, func() { nc.Close() }, nil
	}
}

// ConnectDefault uses NATS_URL when set, the NATS default URL otherwise.
func ConnectDefault() Connector {
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		return ConnectURL(natsURL)
	}
	return ConnectURL(natsgo.DefaultURL)
}

type Config struct {
	Connect       Connector         // If nil, ConnectDefault() is used.
	Registry      *es.EventRegistry // Decodes received payloads. Required.
	Log           *slog.Logger      // Log for diagnostics (optional)
	SubjectPrefix string            // Defaults to DefaultSubjectPrefix.
}

type EventBus struct {
	nc       *natsgo.Conn
	closeNc  closeFunc
	registry *es.EventRegistry
	log      *slog.Logger
	prefix   string

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	subs   map[string]*natsgo.Subscription
	closed bool
	errs   chan error
}

type subscriberConfig struct {
	es.SubscriberConfig
}

func NewEventBus(cfg Config) (*EventBus, error) {
	if cfg.Registry == nil {
		return nil, errors.New("event registry is required")
	}
	connFn := cfg.Connect
	if connFn == nil {
		connFn = ConnectDefault()
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	prefix := strings.Trim(cfg.SubjectPrefix, ".")
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}

	nc, closeNc, err := connFn()
	if err != nil {
		return nil, fmt.Errorf("nats: connect: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &EventBus{
		nc:       nc,
		closeNc:  closeNc,
		registry: cfg.Registry,
		log:      log.With(slog.String("eventbus", "nats")),
		prefix:   prefix,
		ctx:      ctx,
		cancel:   cancel,
		subs:     make(map[string]*natsgo.Subscription),
		errs:     make(chan error, 64),
	}, nil
}

// Subject returns the subject an envelope is published on.
func (b *EventBus) Subject(e *es.Envelope) string {
	return b.prefix + "." + token(e.AggregateType) + "." + token(e.EventType)
}

// token makes s usable as a single subject token.
func token(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}

// Publish sends every envelope and flushes, so a nil error means the server
// received them.
func (b *EventBus) Publish(ctx context.Context, envelopes ...*es.Envelope) error {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return ErrBusClosed
	}

	for _, e := range envelopes {
		data, err := b.registry.MarshalEnvelope(e)
		if err != nil {
			return err
		}
		if err := b.nc.Publish(b.Subject(e), data); err != nil {
			return fmt.Errorf("nats: publish: %w", err)
		}
	}
	if err := b.nc.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("nats: flush: %w", err)
	}
	return nil
}

// Subscribe joins the queue group name on every subject under the prefix.
func (b *EventBus) Subscribe(ctx context.Context, name string, handler es.EventHandler, opts ...es.SubscriberOption) error {
	if handler == nil {
		return errors.New("handler cannot be nil")
	}
	if name == "" {
		return errors.New("subscriber name is required")
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
		return fmt.Errorf("subscriber %q already exists", name)
	}

	log := b.log.With(slog.String("subscriber", name))
	sub, err := b.nc.QueueSubscribe(b.prefix+".>", name, func(msg *natsgo.Msg) {
		e, err := b.registry.UnmarshalEnvelope(msg.Data)
		if err != nil {
			log.Error("failed to decode envelope", slog.String("subject", msg.Subject), slog.Any("error", err))
			b.report(fmt.Errorf("subscriber %q: %w", name, err))
			return
		}
		if !cfg.Accepts(e) {
			return
		}
		if err := handler.Handle(b.ctx, e); err != nil {
			var skipped *es.ErrSkippedEvent
			if errors.As(err, &skipped) {
				return
			}
			b.report(fmt.Errorf("subscriber %q: %w", name, err))
		}
	})
	if err != nil {
		return fmt.Errorf("nats: subscribe: %w", err)
	}
	// make sure the interest reached the server before returning
	if err := b.nc.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return fmt.Errorf("nats: flush: %w", err)
	}
	b.subs[name] = sub

	go func() {
		select {
		case <-ctx.Done():
		case <-b.ctx.Done():
			return
		}
		b.mu.Lock()
		defer b.mu.Unlock()
		if current, ok := b.subs[name]; ok && current == sub {
			delete(b.subs, name)
			_ = sub.Unsubscribe()
		}
	}()

	return nil
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

func (b *EventBus) Errors() <-chan error {
	return b.errs
}

// Close drains the subscriptions and closes the connection.
func (b *EventBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subs
	b.subs = nil
	close(b.errs)
	b.mu.Unlock()

	for _, s := range subs {
		_ = s.Drain()
	}
	b.cancel()
	_ = b.nc.Drain()
	b.closeNc()
	return nil
}
