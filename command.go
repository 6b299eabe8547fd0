package eventsourcing

// Command is an intent to change one aggregate.
type Command interface {
	AggregateID() string
}

// MetadataCarrier is implemented by commands that carry cross-cutting values
// (tenant, correlation id, actor) to be stored with the resulting events.
type MetadataCarrier interface {
	Metadata() map[string]any
}
