package auth

import (
	"time"

	es "github.com/terraskye/erp-eventsourcing"
)

type UserRegistered struct {
	Email        string    `json:"email"`
	PasswordHash []byte    `json:"password_hash"`
	RegisteredAt time.Time `json:"registered_at"`
}

func (*UserRegistered) EventType() string { return "UserRegistered" }

type UserLoggedIn struct {
	At time.Time `json:"at"`
}

func (*UserLoggedIn) EventType() string { return "UserLoggedIn" }

// LoginFailed carries the running count of failed attempts. The attempt
// that reaches MaxFailedLogins locks the account.
type LoginFailed struct {
	Attempts int       `json:"attempts"`
	At       time.Time `json:"at"`
}

func (*LoginFailed) EventType() string { return "LoginFailed" }

type UserLocked struct {
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

func (*UserLocked) EventType() string { return "UserLocked" }

type UserUnlocked struct {
	At time.Time `json:"at"`
}

func (*UserUnlocked) EventType() string { return "UserUnlocked" }

type PasswordChanged struct {
	PasswordHash []byte    `json:"password_hash"`
	At           time.Time `json:"at"`
}

func (*PasswordChanged) EventType() string { return "PasswordChanged" }

// Events lists every event variant of the User aggregate.
func Events() []func() es.Event {
	return []func() es.Event{
		func() es.Event { return &UserRegistered{} },
		func() es.Event { return &UserLoggedIn{} },
		func() es.Event { return &LoginFailed{} },
		func() es.Event { return &UserLocked{} },
		func() es.Event { return &UserUnlocked{} },
		func() es.Event { return &PasswordChanged{} },
	}
}

// RegisterEvents adds the User events to registry.
func RegisterEvents(registry *es.EventRegistry) {
	for _, fn := range Events() {
		registry.Register(fn)
	}
}
