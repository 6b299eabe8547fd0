// Package file is a durable EventBus for a single host. Publish spools each
// envelope as a JSON file into one directory per subscriber; the subscriber
// handles files in name order and deletes them once handled, so undelivered
// events survive a restart.
package file

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	es "github.com/terraskye/erp-eventsourcing"
)

var ErrBusClosed = errors.New("bus is closed")

const defaultRetryInterval = time.Second

var _ es.EventBus = (*FileEventBus)(nil)

type subscriber struct {
	name    string
	dir     string
	config  subscriberConfig
	handler es.EventHandler
	cancel  context.CancelFunc
}

type subscriberConfig struct {
	es.SubscriberConfig
	retryInterval time.Duration
}

// WithRetryInterval sets how often a subscriber rescans its spool after a
// failed delivery.
func WithRetryInterval(d time.Duration) es.SubscriberOption {
	return func(cfg any) {
		c, ok := cfg.(*subscriberConfig)
		if !ok {
			panic(fmt.Sprintf("WithRetryInterval: expected file subscriber config, got %T", cfg))
		}
		c.retryInterval = d
	}
}

// FileEventBus spools envelopes below root.
type FileEventBus struct {
	mu       sync.RWMutex
	subs     map[string]*subscriber
	root     string
	registry *es.EventRegistry
	log      *slog.Logger
	closed   bool
	wg       sync.WaitGroup
	errs     chan error
	seq      atomic.Uint64
}

// NewFileEventBus constructs the bus in root dir
func NewFileEventBus(root string, registry *es.EventRegistry, log *slog.Logger) (*FileEventBus, error) {
	if registry == nil {
		return nil, errors.New("event registry is required")
	}
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}

	return &FileEventBus{
		root:     root,
		registry: registry,
		log:      log.With(slog.String("eventbus", "file")),
		subs:     make(map[string]*subscriber),
		errs:     make(chan error, 64),
	}, nil
}

// Subscribe registers a subscriber. Files already spooled for name are
// delivered first.
func (b *FileEventBus) Subscribe(ctx context.Context, name string, handler es.EventHandler, opts ...es.SubscriberOption) error {
	if handler == nil {
		return errors.New("handler cannot be nil")
	}
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return fmt.Errorf("invalid subscriber name %q", name)
	}

	cfg := subscriberConfig{retryInterval: defaultRetryInterval}
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

	subDir := filepath.Join(b.root, name)
	if err := os.MkdirAll(subDir, 0o755); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch %s: %w", subDir, err)
	}
	if err := watcher.Add(subDir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch %s: %w", subDir, err)
	}

	workerCtx, cancel := context.WithCancel(context.Background())
	s := &subscriber{
		name:    name,
		dir:     subDir,
		config:  cfg,
		handler: handler,
		cancel:  cancel,
	}
	b.subs[name] = s

	b.wg.Add(1)
	go b.runSubscriber(workerCtx, s, watcher)

	go func() {
		select {
		case <-ctx.Done():
			b.removeSubscriber(s)
		case <-workerCtx.Done():
		}
	}()

	return nil
}

// Publish writes each envelope to the spool of every subscriber that
// accepts it. Files appear atomically through a rename.
func (b *FileEventBus) Publish(_ context.Context, envelopes ...*es.Envelope) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrBusClosed
	}

	var errs []error
	for _, e := range envelopes {
		data, err := b.registry.MarshalEnvelope(e)
		if err != nil {
			return err
		}

		for _, s := range b.subs {
			if !s.config.Accepts(e) {
				continue
			}

			filename := fmt.Sprintf("%020d-%010d.json", time.Now().UnixNano(), b.seq.Add(1))
			path := filepath.Join(s.dir, filename)
			tmp := filepath.Join(s.dir, "."+filename+".tmp")
			if err := os.WriteFile(tmp, data, 0o644); err != nil {
				errs = append(errs, fmt.Errorf("spool for %q: %w", s.name, err))
				continue
			}
			if err := os.Rename(tmp, path); err != nil {
				errs = append(errs, fmt.Errorf("spool for %q: %w", s.name, err))
			}
		}
	}
	return errors.Join(errs...)
}

// runSubscriber watches the subscriber directory for new events
func (b *FileEventBus) runSubscriber(ctx context.Context, s *subscriber, watcher *fsnotify.Watcher) {
	defer b.wg.Done()
	defer watcher.Close()

	retry := time.NewTicker(s.config.retryInterval)
	defer retry.Stop()

	// Crash-recovery: process any existing files
	b.processDir(ctx, s)

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Rename|fsnotify.Write) == 0 {
				continue
			}
			if strings.HasPrefix(filepath.Base(ev.Name), ".") {
				continue
			}
			b.processDir(ctx, s)

		case <-retry.C:
			b.processDir(ctx, s)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			b.log.Warn("watcher error", slog.String("subscriber", s.name), slog.Any("error", err))
		}
	}
}

// processDir handles spooled files in name order and stops at the first
// failure so a subscriber never sees events out of order.
func (b *FileEventBus) processDir(ctx context.Context, s *subscriber) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		b.report(fmt.Errorf("subscriber %q: %w", s.name, err))
		return
	}
	for _, entry := range entries {
		if ctx.Err() != nil {
			return
		}
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		if err := b.processFile(ctx, s, filepath.Join(s.dir, entry.Name())); err != nil {
			b.report(fmt.Errorf("subscriber %q: %w", s.name, err))
			return
		}
	}
}

// processFile handles a single event file and deletes it on success.
func (b *FileEventBus) processFile(ctx context.Context, s *subscriber, path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}

	e, err := b.registry.UnmarshalEnvelope(data)
	if err != nil {
		// a file that cannot be decoded never will be; park it
		b.log.Error("undecodable event file", slog.String("path", path), slog.Any("error", err))
		_ = os.Rename(path, path+".bad")
		return nil
	}

	if err := s.handler.Handle(ctx, e); err != nil {
		var skipped *es.ErrSkippedEvent
		if !errors.As(err, &skipped) {
			return err // retry later
		}
	}

	return os.Remove(path)
}

func (b *FileEventBus) report(err error) {
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

func (b *FileEventBus) Errors() <-chan error {
	return b.errs
}

// removeSubscriber cancels and removes a subscriber. Its spooled files stay
// on disk for the next subscription under the same name.
func (b *FileEventBus) removeSubscriber(s *subscriber) {
	b.mu.Lock()
	current, ok := b.subs[s.name]
	if ok && current == s {
		delete(b.subs, s.name)
	}
	b.mu.Unlock()

	s.cancel()
}

// Close shuts down the bus and waits for workers
func (b *FileEventBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for _, s := range b.subs {
		s.cancel()
	}
	b.subs = nil
	b.mu.Unlock()

	b.wg.Wait()

	b.mu.Lock()
	close(b.errs)
	b.mu.Unlock()
	return nil
}
