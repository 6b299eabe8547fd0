package finance_test

import (
	"errors"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	es "github.com/terraskye/erp-eventsourcing"
	"github.com/terraskye/erp-eventsourcing/domain/finance"
	"github.com/terraskye/erp-eventsourcing/eventstore/memory"
)

func newStore() *memory.MemoryStore {
	registry := es.NewEventRegistry()
	finance.RegisterEvents(registry)
	return memory.NewMemoryStore(registry)
}

var due = time.Date(2026, time.March, 31, 0, 0, 0, 0, time.UTC)

func eur(amount int64) finance.Money { return finance.NewMoney(amount, "EUR") }

func issued(t *testing.T, id string, total int64) *finance.Invoice {
	t.Helper()
	inv, err := finance.IssueInvoice(id, "cust-1", "INV-"+id, eur(total), due)
	require.NoError(t, err)
	return inv
}

func TestInvoice_Issue(t *testing.T) {
	tests := []struct {
		name     string
		customer string
		number   string
		total    finance.Money
		due      time.Time
		reason   string
	}{
		{"missing customer", "", "INV-1", eur(100), due, "customer is required"},
		{"missing number", "cust-1", "", eur(100), due, "invoice number is required"},
		{"zero total", "cust-1", "INV-1", eur(0), due, "invoice total must be positive"},
		{"bad currency", "cust-1", "INV-1", finance.NewMoney(100, "euro"), due, "invalid currency code"},
		{"missing due date", "cust-1", "INV-1", eur(100), time.Time{}, "due date is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := finance.IssueInvoice("inv-1", tt.customer, tt.number, tt.total, tt.due)
			require.ErrorIs(t, err, es.ErrValidation)
			assert.Equal(t, tt.reason, es.UserMessage(err))
		})
	}

	inv := issued(t, "inv-1", 10_000)
	assert.Equal(t, finance.StatusIssued, inv.Status())
	assert.Equal(t, "100.00 EUR", inv.Outstanding().String())
	assert.ErrorIs(t, inv.Issue("cust-1", "INV-2", eur(1), due), es.ErrValidation)
	assert.EqualValues(t, 1, inv.AggregateVersion())
}

func TestInvoice_Payments(t *testing.T) {
	inv := issued(t, "inv-2", 10_000)

	require.NoError(t, inv.RecordPayment("pay-1", eur(4_000)))
	assert.Equal(t, finance.StatusPartiallyPaid, inv.Status())
	assert.Equal(t, eur(6_000), inv.Outstanding())

	for _, tc := range []struct {
		paymentID string
		amount    finance.Money
		reason    string
	}{
		{"pay-1", eur(1), "payment already recorded"},
		{"", eur(1), "payment id is required"},
		{"pay-2", eur(-5), "payment must be positive"},
		{"pay-2", finance.NewMoney(100, "USD"), "payment currency does not match invoice currency"},
		{"pay-2", eur(6_001), "payment exceeds outstanding amount"},
	} {
		err := inv.RecordPayment(tc.paymentID, tc.amount)
		require.ErrorIs(t, err, es.ErrValidation)
		assert.Equal(t, tc.reason, es.UserMessage(err))
	}
	assert.EqualValues(t, 2, inv.AggregateVersion(), "rejected payments stage nothing")

	err := inv.Void("duplicate")
	require.ErrorIs(t, err, es.ErrValidation)
	assert.Equal(t, "invoice has payments", es.UserMessage(err))

	require.NoError(t, inv.RecordPayment("pay-2", eur(6_000)))
	assert.Equal(t, finance.StatusPaid, inv.Status())
	assert.Zero(t, inv.Outstanding().Amount)
	assert.False(t, inv.Overdue(due.Add(24*time.Hour)))

	err = inv.RecordPayment("pay-3", eur(1))
	require.ErrorIs(t, err, es.ErrValidation)
	assert.Equal(t, "invoice is already paid", es.UserMessage(err))
}

func TestInvoice_Void(t *testing.T) {
	draft := finance.NewInvoice("inv-3")
	assert.ErrorIs(t, draft.Void("typo"), es.ErrValidation)
	assert.ErrorIs(t, draft.RecordPayment("pay-1", eur(1)), es.ErrValidation)

	inv := issued(t, "inv-3", 500)
	assert.True(t, inv.Overdue(due.Add(time.Hour)))
	assert.ErrorIs(t, inv.Void(""), es.ErrValidation)
	require.NoError(t, inv.Void("issued twice"))
	assert.Equal(t, finance.StatusVoided, inv.Status())
	assert.Equal(t, "issued twice", inv.VoidReason())
	assert.False(t, inv.Overdue(due.Add(time.Hour)))

	assert.ErrorIs(t, inv.Void("again"), es.ErrValidation)
	err := inv.RecordPayment("pay-1", eur(1))
	require.ErrorIs(t, err, es.ErrValidation)
	assert.Equal(t, "invoice is voided", es.UserMessage(err))
}

func TestInvoice_EveryEventHasAMutation(t *testing.T) {
	for _, fn := range finance.Events() {
		ev := fn()
		t.Run(ev.EventType(), func(t *testing.T) {
			err := finance.NewInvoice("inv-4").Apply(ev)
			assert.False(t, errors.Is(err, es.ErrUnknownEventType), "no mutation for %s", ev.EventType())
		})
	}
}

func TestInvoice_ReplayMatchesSnapshot(t *testing.T) {
	store := newStore()
	snapshots := es.NewMemorySnapshotter()
	repo := finance.NewRepository(store, es.WithSnapshotter(snapshots, 1))

	inv := issued(t, "inv-5", 9_900)
	require.NoError(t, inv.RecordPayment("pay-1", eur(900)))
	require.NoError(t, repo.Save(t.Context(), inv))

	fromSnapshot, err := repo.Load(t.Context(), "inv-5")
	require.NoError(t, err)
	fromReplay, err := finance.NewRepository(store).Load(t.Context(), "inv-5")
	require.NoError(t, err)

	assert.Equal(t, fromReplay.AggregateVersion(), fromSnapshot.AggregateVersion())
	assert.Equal(t, fromReplay.Outstanding(), fromSnapshot.Outstanding())
	assert.Equal(t, fromReplay.Status(), fromSnapshot.Status())
	assert.Equal(t, due, fromSnapshot.DueDate())

	// the restored payment ids still guard against duplicates
	assert.ErrorIs(t, fromSnapshot.RecordPayment("pay-1", eur(1)), es.ErrValidation)
}

func TestCommandHandlers_ConcurrentPayments(t *testing.T) {
	store := newStore()
	repo := finance.NewRepository(store)

	bus := es.NewCommandBus(16, 4)
	t.Cleanup(bus.Stop)
	finance.RegisterHandlers(bus, repo, es.WithRetryStrategy(func() backoff.BackOff {
		return backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond), 10)
	}))

	_, err := bus.Dispatch(t.Context(), finance.IssueInvoiceCommand{
		InvoiceID: "inv-6", CustomerID: "cust-1", Number: "INV-6", Total: eur(1_000), DueDate: due, TenantID: "acme",
	})
	require.NoError(t, err)

	// separate handlers race on the same stream; retries resolve the conflicts
	pay := es.NewCommandHandler(repo, func(inv *finance.Invoice, c finance.RecordPaymentCommand) error {
		return inv.RecordPayment(c.PaymentID, c.Amount)
	}, es.WithRetryStrategy(func() backoff.BackOff {
		return backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond), 20)
	}))

	var g errgroup.Group
	for i := range 4 {
		g.Go(func() error {
			_, err := pay(t.Context(), finance.RecordPaymentCommand{
				InvoiceID: "inv-6",
				PaymentID: string(rune('a' + i)),
				Amount:    eur(250),
			})
			return err
		})
	}
	require.NoError(t, g.Wait())

	inv, err := repo.Load(t.Context(), "inv-6")
	require.NoError(t, err)
	assert.Equal(t, finance.StatusPaid, inv.Status())
	assert.EqualValues(t, 5, inv.AggregateVersion())

	iter, err := store.ReadStream(t.Context(), "inv-6")
	require.NoError(t, err)
	events, err := iter.All(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "acme", events[0].Metadata["tenant_id"])

	_, err = bus.Dispatch(t.Context(), finance.VoidInvoiceCommand{InvoiceID: "inv-6", Reason: "late"})
	require.ErrorIs(t, err, es.ErrValidation)
}
