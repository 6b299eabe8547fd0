// Package auth holds the User aggregate of the authentication context.
package auth

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/mail"
	"time"

	"golang.org/x/crypto/bcrypt"

	es "github.com/terraskye/erp-eventsourcing"
)

const AggregateType = "User"

// MaxFailedLogins is the number of consecutive failed logins that locks an
// account.
const MaxFailedLogins = 5

const minPasswordLength = 8

const lockReasonFailedLogins = "too many failed logins"

type Status string

const (
	StatusActive Status = "active"
	StatusLocked Status = "locked"
)

var now = func() time.Time { return time.Now().UTC() }

var _ es.Snapshottable = (*User)(nil)

// User is an account that can log in. It moves between Active and Locked;
// only Unlock leaves Locked.
type User struct {
	*es.AggregateBase
	state userState
}

type userState struct {
	Registered        bool      `json:"registered"`
	Email             string    `json:"email,omitempty"`
	PasswordHash      []byte    `json:"password_hash,omitempty"`
	Status            Status    `json:"status"`
	FailedLogins      int       `json:"failed_logins"`
	LastLoginAt       time.Time `json:"last_login_at"`
	LockedAt          time.Time `json:"locked_at"`
	LockReason        string    `json:"lock_reason,omitempty"`
	PasswordChangedAt time.Time `json:"password_changed_at"`
}

// NewUser returns an empty, active User at version 0.
func NewUser(id string) *User {
	return &User{
		AggregateBase: es.NewAggregateBase(id, AggregateType),
		state:         userState{Status: StatusActive},
	}
}

// RegisterUser creates a User and stages its UserRegistered event.
func RegisterUser(id, email, password string) (*User, error) {
	u := NewUser(id)
	if err := u.Register(email, password); err != nil {
		return nil, err
	}
	return u, nil
}

func (u *User) Email() string          { return u.state.Email }
func (u *User) Status() Status         { return u.state.Status }
func (u *User) IsLocked() bool         { return u.state.Status == StatusLocked }
func (u *User) FailedLogins() int      { return u.state.FailedLogins }
func (u *User) LastLoginAt() time.Time { return u.state.LastLoginAt }
func (u *User) LockReason() string     { return u.state.LockReason }

// Register sets the email and password of a new account.
func (u *User) Register(email, password string) error {
	if u.state.Registered {
		return u.reject("Register", "user already registered")
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return u.reject("Register", "invalid email address")
	}
	hash, err := hashPassword(password)
	if err != nil {
		return u.reject("Register", err.Error())
	}
	return es.ApplyNew(u, &UserRegistered{Email: email, PasswordHash: hash, RegisteredAt: now()})
}

// Login records a successful login and resets the failed login counter.
func (u *User) Login() error {
	if u.IsLocked() {
		return u.reject("Login", "account is locked")
	}
	return es.ApplyNew(u, &UserLoggedIn{At: now()})
}

// RecordFailedLogin counts a failed attempt. The MaxFailedLogins-th attempt
// locks the account.
func (u *User) RecordFailedLogin() error {
	if u.IsLocked() {
		return u.reject("RecordFailedLogin", "account is locked")
	}
	return es.ApplyNew(u, &LoginFailed{Attempts: u.state.FailedLogins + 1, At: now()})
}

// Lock locks the account on behalf of an administrator.
func (u *User) Lock(reason string) error {
	if u.IsLocked() {
		return u.reject("Lock", "account already locked")
	}
	if reason == "" {
		return u.reject("Lock", "lock reason is required")
	}
	return es.ApplyNew(u, &UserLocked{Reason: reason, At: now()})
}

// Unlock reactivates a locked account.
func (u *User) Unlock() error {
	if !u.IsLocked() {
		return u.reject("Unlock", "account is not locked")
	}
	return es.ApplyNew(u, &UserUnlocked{At: now()})
}

// ChangePassword replaces the password after verifying the current one.
func (u *User) ChangePassword(current, next string) error {
	if !u.state.Registered {
		return u.reject("ChangePassword", "user is not registered")
	}
	if u.IsLocked() {
		return u.reject("ChangePassword", "account is locked")
	}
	if !u.VerifyPassword(current) {
		return u.reject("ChangePassword", "current password is incorrect")
	}
	hash, err := hashPassword(next)
	if err != nil {
		return u.reject("ChangePassword", err.Error())
	}
	return es.ApplyNew(u, &PasswordChanged{PasswordHash: hash, At: now()})
}

// VerifyPassword reports whether password matches the stored hash.
func (u *User) VerifyPassword(password string) bool {
	if len(u.state.PasswordHash) == 0 {
		return false
	}
	return bcrypt.CompareHashAndPassword(u.state.PasswordHash, []byte(password)) == nil
}

func (u *User) Apply(event es.Event) error {
	switch e := event.(type) {
	case *UserRegistered:
		u.state.Registered = true
		u.state.Email = e.Email
		u.state.PasswordHash = bytes.Clone(e.PasswordHash)
	case *UserLoggedIn:
		u.state.LastLoginAt = e.At
		u.state.FailedLogins = 0
	case *LoginFailed:
		u.state.FailedLogins = e.Attempts
		if e.Attempts >= MaxFailedLogins {
			u.lock(lockReasonFailedLogins, e.At)
		}
	case *UserLocked:
		u.lock(e.Reason, e.At)
	case *UserUnlocked:
		u.state.Status = StatusActive
		u.state.FailedLogins = 0
		u.state.LockedAt = time.Time{}
		u.state.LockReason = ""
	case *PasswordChanged:
		u.state.PasswordHash = bytes.Clone(e.PasswordHash)
		u.state.PasswordChangedAt = e.At
	default:
		return fmt.Errorf("%w: %s", es.ErrUnknownEventType, event.EventType())
	}
	return nil
}

func (u *User) lock(reason string, at time.Time) {
	u.state.Status = StatusLocked
	u.state.LockedAt = at
	u.state.LockReason = reason
}

func (u *User) Snapshot() ([]byte, error) {
	return json.Marshal(u.state)
}

func (u *User) RestoreSnapshot(data []byte) error {
	var s userState
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	u.state = s
	return nil
}

func (u *User) reject(op, reason string) error {
	return es.NewValidationError(AggregateType, op, reason)
}

func hashPassword(password string) ([]byte, error) {
	if len(password) < minPasswordLength {
		return nil, fmt.Errorf("password must be at least %d characters", minPasswordLength)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		// passwords over 72 bytes
		return nil, fmt.Errorf("password cannot be used: %v", err)
	}
	return hash, nil
}
