// Package fixtures provides a small Account aggregate and store and bus
// doubles for tests of the eventsourcing package and its adapters.
package fixtures

import (
	"encoding/json"

	es "github.com/terraskye/erp-eventsourcing"
)

const AccountType = "Account"

type AccountOpened struct {
	Owner string `json:"owner"`
}

func (*AccountOpened) EventType() string { return "AccountOpened" }

type MoneyDeposited struct {
	Amount int64 `json:"amount"`
}

func (*MoneyDeposited) EventType() string { return "MoneyDeposited" }

type MoneyWithdrawn struct {
	Amount int64 `json:"amount"`
}

func (*MoneyWithdrawn) EventType() string { return "MoneyWithdrawn" }

type AccountClosed struct{}

func (*AccountClosed) EventType() string { return "AccountClosed" }

// Registry knows every Account event.
func Registry() *es.EventRegistry {
	return es.NewEventRegistry(
		func() es.Event { return &AccountOpened{} },
		func() es.Event { return &MoneyDeposited{} },
		func() es.Event { return &MoneyWithdrawn{} },
		func() es.Event { return &AccountClosed{} },
	)
}

type accountState struct {
	Owner   string `json:"owner"`
	Balance int64  `json:"balance"`
	Closed  bool   `json:"closed"`
}

// Account is a bank account with the usual rules: no overdraft, no
// deposits after closing.
type Account struct {
	*es.AggregateBase
	state accountState
	apply func(es.Event) error
}

func NewAccount(id string) *Account {
	a := &Account{AggregateBase: es.NewAggregateBase(id, AccountType)}
	a.apply = es.Hydrate(
		es.NewHydrateHandler(func(e *AccountOpened) { a.state.Owner = e.Owner }),
		es.NewHydrateHandler(func(e *MoneyDeposited) { a.state.Balance += e.Amount }),
		es.NewHydrateHandler(func(e *MoneyWithdrawn) { a.state.Balance -= e.Amount }),
		es.NewHydrateHandler(func(*AccountClosed) { a.state.Closed = true }),
	)
	return a
}

func (a *Account) Owner() string  { return a.state.Owner }
func (a *Account) Balance() int64 { return a.state.Balance }
func (a *Account) Closed() bool   { return a.state.Closed }

func (a *Account) Open(owner string) error {
	if a.state.Owner != "" {
		return es.NewValidationError(AccountType, "Open", "account already opened")
	}
	if owner == "" {
		return es.NewValidationError(AccountType, "Open", "owner is required")
	}
	return es.ApplyNew(a, &AccountOpened{Owner: owner})
}

func (a *Account) Deposit(amount int64) error {
	if err := a.requireOpen("Deposit"); err != nil {
		return err
	}
	if amount <= 0 {
		return es.NewValidationError(AccountType, "Deposit", "amount must be positive")
	}
	return es.ApplyNew(a, &MoneyDeposited{Amount: amount})
}

func (a *Account) Withdraw(amount int64) error {
	if err := a.requireOpen("Withdraw"); err != nil {
		return err
	}
	if amount > a.state.Balance {
		return es.NewValidationError(AccountType, "Withdraw", "insufficient funds")
	}
	return es.ApplyNew(a, &MoneyWithdrawn{Amount: amount})
}

func (a *Account) Close() error {
	if err := a.requireOpen("Close"); err != nil {
		return err
	}
	return es.ApplyNew(a, &AccountClosed{})
}

func (a *Account) requireOpen(op string) error {
	switch {
	case a.state.Owner == "":
		return es.NewValidationError(AccountType, op, "account is not opened")
	case a.state.Closed:
		return es.NewValidationError(AccountType, op, "account is closed")
	}
	return nil
}

func (a *Account) Apply(event es.Event) error {
	return a.apply(event)
}

func (a *Account) Snapshot() ([]byte, error) {
	return json.Marshal(a.state)
}

func (a *Account) RestoreSnapshot(data []byte) error {
	return json.Unmarshal(data, &a.state)
}

// NewAccountRepository returns an Account repository on store.
func NewAccountRepository(store es.EventStore, opts ...es.RepositoryOption) *es.Repository[*Account] {
	return es.NewRepository(store, AccountType, NewAccount, opts...)
}
