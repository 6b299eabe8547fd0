package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	es "github.com/terraskye/erp-eventsourcing"
)

type printer struct {
	w        io.Writer
	json     bool
	registry *es.EventRegistry
}

// print returns a function draining the iterator returned by a store read,
// so callers can pass the read call straight through.
func (p *printer) print(ctx context.Context) func(*es.Iterator[*es.Envelope], error) error {
	return func(iter *es.Iterator[*es.Envelope], err error) error {
		if err != nil {
			return err
		}
		events, err := iter.All(ctx)
		if err != nil {
			return err
		}
		if p.json {
			return p.printJSON(events)
		}
		return p.printTable(events)
	}
}

func (p *printer) printJSON(events []*es.Envelope) error {
	for _, e := range events {
		data, err := p.registry.MarshalEnvelope(e)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(p.w, "%s\n", data); err != nil {
			return err
		}
	}
	return nil
}

func (p *printer) printTable(events []*es.Envelope) error {
	tw := tabwriter.NewWriter(p.w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "VERSION\tAGGREGATE\tEVENT\tOCCURRED AT\tPAYLOAD")
	for _, e := range events {
		payload, err := json.Marshal(e.Event)
		if err != nil {
			return fmt.Errorf("encode payload of %s: %w", e.EventID, err)
		}
		fmt.Fprintf(tw, "%d\t%s/%s\t%s\t%s\t%s\n",
			e.Version,
			e.AggregateType, e.AggregateID,
			e.EventType,
			e.OccurredAt.UTC().Format(time.RFC3339),
			payload,
		)
	}
	if len(events) == 0 {
		fmt.Fprintln(tw, "(no events)")
	}
	return tw.Flush()
}
