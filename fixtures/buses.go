package fixtures

import (
	"context"
	"sync"

	es "github.com/terraskye/erp-eventsourcing"
)

// PublisherSpy records published envelopes and returns Err from Publish.
type PublisherSpy struct {
	mu        sync.Mutex
	published []*es.Envelope
	Err       error
}

func (p *PublisherSpy) Publish(_ context.Context, envelopes ...*es.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, envelopes...)
	return p.Err
}

// Published returns everything passed to Publish so far.
func (p *PublisherSpy) Published() []*es.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*es.Envelope(nil), p.published...)
}

// Recorder is an EventHandler that keeps every envelope it handles and
// returns Err.
type Recorder struct {
	mu        sync.Mutex
	envelopes []*es.Envelope
	Err       error
}

func (r *Recorder) Handle(_ context.Context, e *es.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envelopes = append(r.envelopes, e)
	return r.Err
}

func (r *Recorder) Envelopes() []*es.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*es.Envelope(nil), r.envelopes...)
}

func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.envelopes)
}
