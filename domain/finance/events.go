package finance

import (
	"time"

	es "github.com/terraskye/erp-eventsourcing"
)

type InvoiceIssued struct {
	CustomerID string    `json:"customer_id"`
	Number     string    `json:"number"`
	Total      Money     `json:"total"`
	DueDate    time.Time `json:"due_date"`
	IssuedAt   time.Time `json:"issued_at"`
}

func (*InvoiceIssued) EventType() string { return "InvoiceIssued" }

type PaymentRecorded struct {
	PaymentID string    `json:"payment_id"`
	Amount    Money     `json:"amount"`
	PaidAt    time.Time `json:"paid_at"`
}

func (*PaymentRecorded) EventType() string { return "PaymentRecorded" }

type InvoiceVoided struct {
	Reason   string    `json:"reason"`
	VoidedAt time.Time `json:"voided_at"`
}

func (*InvoiceVoided) EventType() string { return "InvoiceVoided" }

// Events lists every event variant of the Invoice aggregate.
func Events() []func() es.Event {
	return []func() es.Event{
		func() es.Event { return &InvoiceIssued{} },
		func() es.Event { return &PaymentRecorded{} },
		func() es.Event { return &InvoiceVoided{} },
	}
}

// RegisterEvents adds the Invoice events to registry.
func RegisterEvents(registry *es.EventRegistry) {
	for _, fn := range Events() {
		registry.Register(fn)
	}
}
