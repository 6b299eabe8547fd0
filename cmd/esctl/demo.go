package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/cenkalti/backoff/v4"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/sirupsen/logrus"

	es "github.com/terraskye/erp-eventsourcing"
	"github.com/terraskye/erp-eventsourcing/bootstrap"
	"github.com/terraskye/erp-eventsourcing/domain/auth"
	"github.com/terraskye/erp-eventsourcing/domain/finance"
	"github.com/terraskye/erp-eventsourcing/logging"
	"github.com/terraskye/erp-eventsourcing/otel"
)

// decorate adds command logging and tracing to a handler.
func decorate[C es.Command](log *logrus.Entry, h es.CommandHandler[C]) es.CommandHandler[C] {
	return logging.WithCommandLogging(log, otel.WithCommandTelemetry(h))
}

type step struct {
	name string
	cmd  es.Command
}

func retry() backoff.BackOff {
	return backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3)
}

// runDemo locks a user out after repeated failed logins, unlocks them and
// settles an invoice in two payments. Rejected commands are printed, not
// returned.
func runDemo(ctx context.Context, env *bootstrap.Environment, log *logrus.Entry, w io.Writer) error {
	entry := log.WithField("component", "esctl")
	opts := env.RepositoryOptions()
	users := auth.NewRepository(env.Store, opts...)
	invoices := finance.NewRepository(env.Store, opts...)

	bus := es.NewCommandBus(64, 4)
	defer bus.Stop()

	create := []es.CommandHandlerOption{es.WithCreate(), es.WithRetryStrategy(retry)}
	existing := []es.CommandHandlerOption{es.WithRetryStrategy(retry)}

	es.Register(bus, decorate(entry, es.NewCommandHandler(users, func(u *auth.User, c auth.RegisterUserCommand) error {
		return u.Register(c.Email, c.Password)
	}, create...)))
	es.Register(bus, decorate(entry, es.NewCommandHandler(users, func(u *auth.User, _ auth.LoginCommand) error {
		return u.Login()
	}, create...)))
	es.Register(bus, decorate(entry, es.NewCommandHandler(users, func(u *auth.User, _ auth.RecordFailedLoginCommand) error {
		return u.RecordFailedLogin()
	}, existing...)))
	es.Register(bus, decorate(entry, es.NewCommandHandler(users, func(u *auth.User, _ auth.UnlockUserCommand) error {
		return u.Unlock()
	}, existing...)))
	es.Register(bus, decorate(entry, es.NewCommandHandler(invoices, func(inv *finance.Invoice, c finance.IssueInvoiceCommand) error {
		return inv.Issue(c.CustomerID, c.Number, c.Total, c.DueDate)
	}, create...)))
	es.Register(bus, decorate(entry, es.NewCommandHandler(invoices, func(inv *finance.Invoice, c finance.RecordPaymentCommand) error {
		return inv.RecordPayment(c.PaymentID, c.Amount)
	}, existing...)))
	es.Register(bus, decorate(entry, es.NewCommandHandler(invoices, func(inv *finance.Invoice, c finance.VoidInvoiceCommand) error {
		return inv.Void(c.Reason)
	}, existing...)))

	suffix := gonanoid.Must(8)
	userID := "user-" + suffix
	invoiceID := "invoice-" + suffix

	steps := []step{
		{"register", auth.RegisterUserCommand{UserID: userID, Email: "demo+" + suffix + "@example.com", Password: "correct horse"}},
		{"login", auth.LoginCommand{UserID: userID}},
	}
	for i := 1; i <= auth.MaxFailedLogins; i++ {
		steps = append(steps, step{fmt.Sprintf("failed login %d", i), auth.RecordFailedLoginCommand{UserID: userID}})
	}
	steps = append(steps, []step{
		{"login while locked", auth.LoginCommand{UserID: userID}},
		{"unlock", auth.UnlockUserCommand{UserID: userID, Actor: "esctl"}},
		{"login", auth.LoginCommand{UserID: userID}},
		{"issue invoice", finance.IssueInvoiceCommand{
			InvoiceID:  invoiceID,
			CustomerID: userID,
			Number:     "INV-" + suffix,
			Total:      finance.NewMoney(10000, "EUR"),
			DueDate:    time.Now().AddDate(0, 0, 30),
		}},
		{"pay 40.00 EUR", finance.RecordPaymentCommand{InvoiceID: invoiceID, PaymentID: "pay-1", Amount: finance.NewMoney(4000, "EUR")}},
		{"pay 60.00 EUR", finance.RecordPaymentCommand{InvoiceID: invoiceID, PaymentID: "pay-2", Amount: finance.NewMoney(6000, "EUR")}},
		{"void paid invoice", finance.VoidInvoiceCommand{InvoiceID: invoiceID, Reason: "duplicate"}},
	}...)

	for _, s := range steps {
		result, err := bus.Dispatch(ctx, s.cmd)
		switch {
		case err == nil:
			fmt.Fprintf(w, "%-20s ok, version %d\n", s.name, result.NextExpectedVersion)
		case errors.Is(err, es.ErrValidation):
			fmt.Fprintf(w, "%-20s rejected: %s\n", s.name, es.UserMessage(err))
		default:
			return fmt.Errorf("%s: %w", s.name, err)
		}
	}

	user, err := users.Load(ctx, userID)
	if err != nil {
		return err
	}
	invoice, err := invoices.Load(ctx, invoiceID)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "user %s: %s, version %d\n", userID, user.Status(), user.AggregateVersion())
	fmt.Fprintf(w, "invoice %s: %s, paid %s, outstanding %s\n", invoiceID, invoice.Status(), invoice.Paid(), invoice.Outstanding())
	return nil
}
