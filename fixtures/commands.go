package fixtures

import (
	es "github.com/terraskye/erp-eventsourcing"
)

type OpenAccount struct {
	AccountID string
	Owner     string
	// Channel is stored as event metadata.
	Channel string
}

func (c OpenAccount) AggregateID() string { return c.AccountID }

func (c OpenAccount) Metadata() map[string]any {
	if c.Channel == "" {
		return nil
	}
	return map[string]any{"channel": c.Channel}
}

type Deposit struct {
	AccountID string
	Amount    int64
}

func (c Deposit) AggregateID() string { return c.AccountID }

type Withdraw struct {
	AccountID string
	Amount    int64
}

func (c Withdraw) AggregateID() string { return c.AccountID }

// RegisterAccountHandlers registers Open (creating), Deposit and Withdraw.
func RegisterAccountHandlers(bus *es.CommandBus, repo *es.Repository[*Account], opts ...es.CommandHandlerOption) {
	es.Register(bus, es.NewCommandHandler(repo, func(a *Account, c OpenAccount) error {
		return a.Open(c.Owner)
	}, append([]es.CommandHandlerOption{es.WithCreate()}, opts...)...))
	es.Register(bus, es.NewCommandHandler(repo, func(a *Account, c Deposit) error {
		return a.Deposit(c.Amount)
	}, opts...))
	es.Register(bus, es.NewCommandHandler(repo, func(a *Account, c Withdraw) error {
		return a.Withdraw(c.Amount)
	}, opts...))
}
