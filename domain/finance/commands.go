package finance

import (
	"time"

	es "github.com/terraskye/erp-eventsourcing"
)

type IssueInvoiceCommand struct {
	InvoiceID  string
	CustomerID string
	Number     string
	Total      Money
	DueDate    time.Time
	TenantID   string
}

func (c IssueInvoiceCommand) AggregateID() string { return c.InvoiceID }

func (c IssueInvoiceCommand) Metadata() map[string]any {
	if c.TenantID == "" {
		return nil
	}
	return map[string]any{"tenant_id": c.TenantID}
}

type RecordPaymentCommand struct {
	InvoiceID string
	PaymentID string
	Amount    Money
}

func (c RecordPaymentCommand) AggregateID() string { return c.InvoiceID }

type VoidInvoiceCommand struct {
	InvoiceID string
	Reason    string
}

func (c VoidInvoiceCommand) AggregateID() string { return c.InvoiceID }

// NewRepository returns the Invoice repository on store.
func NewRepository(store es.EventStore, opts ...es.RepositoryOption) *es.Repository[*Invoice] {
	return es.NewRepository(store, AggregateType, NewInvoice, opts...)
}

// RegisterHandlers registers a handler for every Invoice command on bus.
func RegisterHandlers(bus *es.CommandBus, repo *es.Repository[*Invoice], opts ...es.CommandHandlerOption) {
	es.Register(bus, es.NewCommandHandler(repo, func(inv *Invoice, c IssueInvoiceCommand) error {
		return inv.Issue(c.CustomerID, c.Number, c.Total, c.DueDate)
	}, append([]es.CommandHandlerOption{es.WithCreate()}, opts...)...))
	es.Register(bus, es.NewCommandHandler(repo, func(inv *Invoice, c RecordPaymentCommand) error {
		return inv.RecordPayment(c.PaymentID, c.Amount)
	}, opts...))
	es.Register(bus, es.NewCommandHandler(repo, func(inv *Invoice, c VoidInvoiceCommand) error {
		return inv.Void(c.Reason)
	}, opts...))
}
