// Package finance holds the Invoice aggregate of the finance context.
package finance

import (
	"encoding/json"
	"time"

	es "github.com/terraskye/erp-eventsourcing"
)

const AggregateType = "Invoice"

type Status string

const (
	StatusDraft         Status = "draft"
	StatusIssued        Status = "issued"
	StatusPartiallyPaid Status = "partially_paid"
	StatusPaid          Status = "paid"
	StatusVoided        Status = "voided"
)

var now = func() time.Time { return time.Now().UTC() }

var _ es.Snapshottable = (*Invoice)(nil)

// Invoice is a receivable. Issued invoices are paid in one or more payments
// or voided while nothing was paid.
type Invoice struct {
	*es.AggregateBase
	state invoiceState
	apply func(es.Event) error
}

type invoiceState struct {
	Status     Status    `json:"status"`
	CustomerID string    `json:"customer_id,omitempty"`
	Number     string    `json:"number,omitempty"`
	Total      Money     `json:"total"`
	Paid       int64     `json:"paid"`
	DueDate    time.Time `json:"due_date"`
	Payments   []string  `json:"payments,omitempty"`
	VoidReason string    `json:"void_reason,omitempty"`
}

// NewInvoice returns a draft invoice at version 0.
func NewInvoice(id string) *Invoice {
	inv := &Invoice{
		AggregateBase: es.NewAggregateBase(id, AggregateType),
		state:         invoiceState{Status: StatusDraft},
	}
	inv.apply = es.Hydrate(
		es.NewHydrateHandler(inv.onIssued),
		es.NewHydrateHandler(inv.onPaymentRecorded),
		es.NewHydrateHandler(inv.onVoided),
	)
	return inv
}

// IssueInvoice creates an invoice and stages its InvoiceIssued event.
func IssueInvoice(id, customerID, number string, total Money, dueDate time.Time) (*Invoice, error) {
	inv := NewInvoice(id)
	if err := inv.Issue(customerID, number, total, dueDate); err != nil {
		return nil, err
	}
	return inv, nil
}

func (inv *Invoice) Status() Status     { return inv.state.Status }
func (inv *Invoice) CustomerID() string { return inv.state.CustomerID }
func (inv *Invoice) Number() string     { return inv.state.Number }
func (inv *Invoice) Total() Money       { return inv.state.Total }
func (inv *Invoice) DueDate() time.Time { return inv.state.DueDate }
func (inv *Invoice) VoidReason() string { return inv.state.VoidReason }

func (inv *Invoice) Paid() Money {
	return Money{Amount: inv.state.Paid, Currency: inv.state.Total.Currency}
}

func (inv *Invoice) Outstanding() Money {
	return Money{Amount: inv.state.Total.Amount - inv.state.Paid, Currency: inv.state.Total.Currency}
}

// Overdue reports whether an unpaid balance is past its due date at t.
func (inv *Invoice) Overdue(t time.Time) bool {
	switch inv.state.Status {
	case StatusIssued, StatusPartiallyPaid:
		return t.After(inv.state.DueDate)
	}
	return false
}

func (inv *Invoice) Issue(customerID, number string, total Money, dueDate time.Time) error {
	if inv.state.Status != StatusDraft {
		return inv.reject("Issue", "invoice already issued")
	}
	if customerID == "" {
		return inv.reject("Issue", "customer is required")
	}
	if number == "" {
		return inv.reject("Issue", "invoice number is required")
	}
	if total.Amount <= 0 {
		return inv.reject("Issue", "invoice total must be positive")
	}
	if !validCurrency(total.Currency) {
		return inv.reject("Issue", "invalid currency code")
	}
	if dueDate.IsZero() {
		return inv.reject("Issue", "due date is required")
	}
	return es.ApplyNew(inv, &InvoiceIssued{
		CustomerID: customerID,
		Number:     number,
		Total:      total,
		DueDate:    dueDate.UTC(),
		IssuedAt:   now(),
	})
}

// RecordPayment applies a payment against the outstanding amount. Payment
// ids are unique per invoice.
func (inv *Invoice) RecordPayment(paymentID string, amount Money) error {
	switch inv.state.Status {
	case StatusDraft:
		return inv.reject("RecordPayment", "invoice is not issued")
	case StatusVoided:
		return inv.reject("RecordPayment", "invoice is voided")
	case StatusPaid:
		return inv.reject("RecordPayment", "invoice is already paid")
	}
	if paymentID == "" {
		return inv.reject("RecordPayment", "payment id is required")
	}
	for _, id := range inv.state.Payments {
		if id == paymentID {
			return inv.reject("RecordPayment", "payment already recorded")
		}
	}
	if amount.Amount <= 0 {
		return inv.reject("RecordPayment", "payment must be positive")
	}
	if amount.Currency != inv.state.Total.Currency {
		return inv.reject("RecordPayment", "payment currency does not match invoice currency")
	}
	if amount.Amount > inv.Outstanding().Amount {
		return inv.reject("RecordPayment", "payment exceeds outstanding amount")
	}
	return es.ApplyNew(inv, &PaymentRecorded{PaymentID: paymentID, Amount: amount, PaidAt: now()})
}

// Void cancels an issued invoice that has no payments.
func (inv *Invoice) Void(reason string) error {
	switch inv.state.Status {
	case StatusDraft:
		return inv.reject("Void", "invoice is not issued")
	case StatusVoided:
		return inv.reject("Void", "invoice already voided")
	}
	if inv.state.Paid > 0 {
		return inv.reject("Void", "invoice has payments")
	}
	if reason == "" {
		return inv.reject("Void", "void reason is required")
	}
	return es.ApplyNew(inv, &InvoiceVoided{Reason: reason, VoidedAt: now()})
}

func (inv *Invoice) Apply(event es.Event) error {
	return inv.apply(event)
}

func (inv *Invoice) onIssued(e *InvoiceIssued) {
	inv.state.Status = StatusIssued
	inv.state.CustomerID = e.CustomerID
	inv.state.Number = e.Number
	inv.state.Total = e.Total
	inv.state.DueDate = e.DueDate
}

func (inv *Invoice) onPaymentRecorded(e *PaymentRecorded) {
	inv.state.Paid += e.Amount.Amount
	inv.state.Payments = append(inv.state.Payments, e.PaymentID)
	if inv.state.Paid >= inv.state.Total.Amount {
		inv.state.Status = StatusPaid
	} else {
		inv.state.Status = StatusPartiallyPaid
	}
}

func (inv *Invoice) onVoided(e *InvoiceVoided) {
	inv.state.Status = StatusVoided
	inv.state.VoidReason = e.Reason
}

func (inv *Invoice) Snapshot() ([]byte, error) {
	return json.Marshal(inv.state)
}

func (inv *Invoice) RestoreSnapshot(data []byte) error {
	var s invoiceState
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	inv.state = s
	return nil
}

func (inv *Invoice) reject(op, reason string) error {
	return es.NewValidationError(AggregateType, op, reason)
}
