package auth

import (
	es "github.com/terraskye/erp-eventsourcing"
)

type RegisterUserCommand struct {
	UserID   string
	Email    string
	Password string
}

func (c RegisterUserCommand) AggregateID() string { return c.UserID }

type LoginCommand struct {
	UserID string
}

func (c LoginCommand) AggregateID() string { return c.UserID }

type RecordFailedLoginCommand struct {
	UserID string
}

func (c RecordFailedLoginCommand) AggregateID() string { return c.UserID }

type LockUserCommand struct {
	UserID string
	Reason string
	// Actor is stored as event metadata.
	Actor string
}

func (c LockUserCommand) AggregateID() string { return c.UserID }

func (c LockUserCommand) Metadata() map[string]any {
	if c.Actor == "" {
		return nil
	}
	return map[string]any{"actor": c.Actor}
}

type UnlockUserCommand struct {
	UserID string
	Actor  string
}

func (c UnlockUserCommand) AggregateID() string { return c.UserID }

func (c UnlockUserCommand) Metadata() map[string]any {
	if c.Actor == "" {
		return nil
	}
	return map[string]any{"actor": c.Actor}
}

type ChangePasswordCommand struct {
	UserID          string
	CurrentPassword string
	NewPassword     string
}

func (c ChangePasswordCommand) AggregateID() string { return c.UserID }

// NewRepository returns the User repository on store.
func NewRepository(store es.EventStore, opts ...es.RepositoryOption) *es.Repository[*User] {
	return es.NewRepository(store, AggregateType, NewUser, opts...)
}

// RegisterHandlers registers a handler for every User command on bus. Login
// creates a missing user, everything else requires a registered one.
func RegisterHandlers(bus *es.CommandBus, repo *es.Repository[*User], opts ...es.CommandHandlerOption) {
	createOpts := append([]es.CommandHandlerOption{es.WithCreate()}, opts...)

	es.Register(bus, es.NewCommandHandler(repo, func(u *User, c RegisterUserCommand) error {
		return u.Register(c.Email, c.Password)
	}, createOpts...))
	es.Register(bus, es.NewCommandHandler(repo, func(u *User, _ LoginCommand) error {
		return u.Login()
	}, createOpts...))
	es.Register(bus, es.NewCommandHandler(repo, func(u *User, _ RecordFailedLoginCommand) error {
		return u.RecordFailedLogin()
	}, opts...))
	es.Register(bus, es.NewCommandHandler(repo, func(u *User, c LockUserCommand) error {
		return u.Lock(c.Reason)
	}, opts...))
	es.Register(bus, es.NewCommandHandler(repo, func(u *User, _ UnlockUserCommand) error {
		return u.Unlock()
	}, opts...))
	es.Register(bus, es.NewCommandHandler(repo, func(u *User, c ChangePasswordCommand) error {
		return u.ChangePassword(c.CurrentPassword, c.NewPassword)
	}, opts...))
}
