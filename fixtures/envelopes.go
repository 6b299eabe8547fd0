package fixtures

import (
	es "github.com/terraskye/erp-eventsourcing"
)

// Envelope builds an Account envelope at version.
func Envelope(aggregateID string, version uint64, ev es.Event) *es.Envelope {
	e, err := es.NewEnvelope(aggregateID, ev)
	if err != nil {
		panic(err)
	}
	e.AggregateType = AccountType
	e.Version = version
	return e
}

// Stream numbers events from version 1 as one Account stream.
func Stream(aggregateID string, events ...es.Event) []*es.Envelope {
	out := make([]*es.Envelope, len(events))
	for i, ev := range events {
		out[i] = Envelope(aggregateID, uint64(i+1), ev)
	}
	return out
}
