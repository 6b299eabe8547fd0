package auth_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	es "github.com/terraskye/erp-eventsourcing"
	"github.com/terraskye/erp-eventsourcing/domain/auth"
	"github.com/terraskye/erp-eventsourcing/eventstore/memory"
)

func newStore() *memory.MemoryStore {
	registry := es.NewEventRegistry()
	auth.RegisterEvents(registry)
	return memory.NewMemoryStore(registry)
}

func TestUser_LoginSaveAndReload(t *testing.T) {
	store := newStore()
	repo := auth.NewRepository(store)

	u := repo.New("user-1")
	assert.Zero(t, u.AggregateVersion())

	require.NoError(t, u.Login())
	assert.EqualValues(t, 1, u.AggregateVersion())
	require.Len(t, u.UncommittedEvents(), 1)
	assert.Equal(t, "UserLoggedIn", u.UncommittedEvents()[0].EventType)

	require.NoError(t, repo.Save(t.Context(), u))

	events, err := store.ReadStream(t.Context(), "user-1")
	require.NoError(t, err)
	stored, err := events.All(t.Context())
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.EqualValues(t, 1, stored[0].Version)

	loaded, err := repo.Load(t.Context(), "user-1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, loaded.AggregateVersion())
	assert.False(t, loaded.LastLoginAt().IsZero())
	assert.Empty(t, loaded.UncommittedEvents())
}

func TestUser_FiveFailedLoginsLock(t *testing.T) {
	u := auth.NewUser("user-2")

	for i := 1; i < auth.MaxFailedLogins; i++ {
		require.NoError(t, u.RecordFailedLogin())
		assert.False(t, u.IsLocked(), "attempt %d", i)
	}
	require.NoError(t, u.RecordFailedLogin())
	assert.True(t, u.IsLocked())
	assert.Equal(t, auth.StatusLocked, u.Status())
	require.Len(t, u.UncommittedEvents(), auth.MaxFailedLogins, "the locking attempt emits a single event")

	before := u.AggregateVersion()
	err := u.Login()
	require.ErrorIs(t, err, es.ErrValidation)
	assert.Equal(t, "account is locked", es.UserMessage(err))
	assert.Equal(t, before, u.AggregateVersion())
	assert.Len(t, u.UncommittedEvents(), auth.MaxFailedLogins)

	assert.ErrorIs(t, u.RecordFailedLogin(), es.ErrValidation)
}

func TestUser_LoginResetsFailedCount(t *testing.T) {
	u := auth.NewUser("user-3")
	for i := 0; i < auth.MaxFailedLogins-1; i++ {
		require.NoError(t, u.RecordFailedLogin())
	}
	require.NoError(t, u.Login())
	assert.Zero(t, u.FailedLogins())

	for i := 0; i < auth.MaxFailedLogins-1; i++ {
		require.NoError(t, u.RecordFailedLogin())
	}
	assert.False(t, u.IsLocked())
}

func TestUser_LockAndUnlock(t *testing.T) {
	u := auth.NewUser("user-4")

	assert.ErrorIs(t, u.Unlock(), es.ErrValidation)
	assert.ErrorIs(t, u.Lock(""), es.ErrValidation)

	require.NoError(t, u.Lock("fraud review"))
	assert.Equal(t, "fraud review", u.LockReason())

	err := u.Lock("again")
	require.ErrorIs(t, err, es.ErrValidation)
	assert.Equal(t, "account already locked", es.UserMessage(err))

	require.NoError(t, u.Unlock())
	assert.Equal(t, auth.StatusActive, u.Status())
	assert.Empty(t, u.LockReason())
	require.NoError(t, u.Login())
	assert.EqualValues(t, 3, u.AggregateVersion())
}

func TestUser_RegisterAndChangePassword(t *testing.T) {
	_, err := auth.RegisterUser("user-5", "not-an-email", "long enough")
	require.ErrorIs(t, err, es.ErrValidation)
	_, err = auth.RegisterUser("user-5", "ada@example.com", "short")
	require.ErrorIs(t, err, es.ErrValidation)

	u, err := auth.RegisterUser("user-5", "ada@example.com", "correct horse")
	require.NoError(t, err)
	assert.Equal(t, "ada@example.com", u.Email())
	assert.True(t, u.VerifyPassword("correct horse"))
	assert.ErrorIs(t, u.Register("ada@example.com", "correct horse"), es.ErrValidation)

	registered := u.UncommittedEvents()[0].Event.(*auth.UserRegistered)
	assert.NotContains(t, string(registered.PasswordHash), "correct horse")

	err = u.ChangePassword("wrong password", "battery staple")
	require.ErrorIs(t, err, es.ErrValidation)
	assert.Equal(t, "current password is incorrect", es.UserMessage(err))

	require.NoError(t, u.ChangePassword("correct horse", "battery staple"))
	assert.True(t, u.VerifyPassword("battery staple"))
	assert.False(t, u.VerifyPassword("correct horse"))
	assert.EqualValues(t, 2, u.AggregateVersion())
}

func TestUser_ChangePasswordRequiresRegistration(t *testing.T) {
	u := auth.NewUser("user-6")
	assert.ErrorIs(t, u.ChangePassword("anything", "something else"), es.ErrValidation)
	assert.False(t, u.VerifyPassword(""))
}

func TestUser_EveryEventHasAMutation(t *testing.T) {
	registry := es.NewEventRegistry()
	auth.RegisterEvents(registry)

	for _, fn := range auth.Events() {
		ev := fn()
		t.Run(ev.EventType(), func(t *testing.T) {
			err := auth.NewUser("user-7").Apply(ev)
			assert.False(t, errors.Is(err, es.ErrUnknownEventType), "no mutation for %s", ev.EventType())

			_, err = registry.New(ev.EventType())
			assert.NoError(t, err)
		})
	}
}

type unknownEvent struct{}

func (*unknownEvent) EventType() string { return "Unknown" }

func TestUser_RejectsUnknownEvent(t *testing.T) {
	u := auth.NewUser("user-8")
	assert.ErrorIs(t, u.Apply(&unknownEvent{}), es.ErrUnknownEventType)
	assert.ErrorIs(t, es.ApplyNew(u, &unknownEvent{}), es.ErrUnknownEventType)
	assert.Zero(t, u.AggregateVersion())
}

func TestUser_SnapshotMatchesReplay(t *testing.T) {
	store := newStore()
	snapshots := es.NewMemorySnapshotter()
	repo := auth.NewRepository(store, es.WithSnapshotter(snapshots, 2))

	u, err := auth.RegisterUser("user-9", "grace@example.com", "correct horse")
	require.NoError(t, err)
	require.NoError(t, u.RecordFailedLogin())
	require.NoError(t, u.RecordFailedLogin())
	require.NoError(t, repo.Save(t.Context(), u))

	snap, err := snapshots.LoadSnapshot(t.Context(), auth.AggregateType, "user-9")
	require.NoError(t, err)
	assert.EqualValues(t, 3, snap.Version)

	u, err = repo.Load(t.Context(), "user-9")
	require.NoError(t, err)
	require.NoError(t, u.Lock("manual"))
	require.NoError(t, repo.Save(t.Context(), u))

	fromSnapshot, err := repo.Load(t.Context(), "user-9")
	require.NoError(t, err)
	fromReplay, err := auth.NewRepository(store).Load(t.Context(), "user-9")
	require.NoError(t, err)

	assert.EqualValues(t, 4, fromSnapshot.AggregateVersion())
	assert.Equal(t, fromReplay.AggregateVersion(), fromSnapshot.AggregateVersion())
	assert.Equal(t, fromReplay.Status(), fromSnapshot.Status())
	assert.Equal(t, fromReplay.FailedLogins(), fromSnapshot.FailedLogins())
	assert.Equal(t, fromReplay.Email(), fromSnapshot.Email())
	assert.True(t, fromSnapshot.VerifyPassword("correct horse"))
}

func TestCommandHandlers(t *testing.T) {
	store := newStore()
	repo := auth.NewRepository(store)
	bus := es.NewCommandBus(16, 2)
	t.Cleanup(bus.Stop)
	auth.RegisterHandlers(bus, repo)

	_, err := bus.Dispatch(t.Context(), auth.RecordFailedLoginCommand{UserID: "user-10"})
	require.ErrorIs(t, err, es.ErrNotFound)

	result, err := bus.Dispatch(t.Context(), auth.RegisterUserCommand{UserID: "user-10", Email: "lin@example.com", Password: "correct horse"})
	require.NoError(t, err)
	assert.EqualValues(t, 1, result.NextExpectedVersion)

	result, err = bus.Dispatch(t.Context(), auth.LockUserCommand{UserID: "user-10", Reason: "offboarding", Actor: "admin-1"})
	require.NoError(t, err)
	assert.EqualValues(t, 2, result.NextExpectedVersion)

	iter, err := store.ReadStreamFromVersion(t.Context(), "user-10", 1)
	require.NoError(t, err)
	events, err := iter.All(t.Context())
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "admin-1", events[0].Metadata["actor"])

	_, err = bus.Dispatch(t.Context(), auth.LoginCommand{UserID: "user-10"})
	require.ErrorIs(t, err, es.ErrValidation)

	_, err = bus.Dispatch(t.Context(), auth.UnlockUserCommand{UserID: "user-10"})
	require.NoError(t, err)

	u, err := repo.Load(t.Context(), "user-10")
	require.NoError(t, err)
	assert.Equal(t, auth.StatusActive, u.Status())
	assert.True(t, u.LastLoginAt().IsZero())
}

func TestUser_StoredHistoryIsNotShared(t *testing.T) {
	store := newStore()
	repo := auth.NewRepository(store)

	u, err := auth.RegisterUser("user-11", "a@example.com", "correct horse")
	require.NoError(t, err)
	staged := u.UncommittedEvents()[0].Event.(*auth.UserRegistered)
	require.NoError(t, repo.Save(t.Context(), u))

	iter, err := store.ReadStream(t.Context(), "user-11")
	require.NoError(t, err)
	read, err := iter.All(t.Context())
	require.NoError(t, err)
	read[0].Event.(*auth.UserRegistered).Email = "evil@example.com"
	staged.PasswordHash = nil

	loaded, err := repo.Load(t.Context(), "user-11")
	require.NoError(t, err)
	assert.Equal(t, "a@example.com", loaded.Email())
	assert.True(t, loaded.VerifyPassword("correct horse"))
}

func TestUser_StateDoesNotAliasEventPayload(t *testing.T) {
	u, err := auth.RegisterUser("user-12", "b@example.com", "correct horse")
	require.NoError(t, err)

	hash := u.UncommittedEvents()[0].Event.(*auth.UserRegistered).PasswordHash
	for i := range hash {
		hash[i] = 0
	}
	assert.True(t, u.VerifyPassword("correct horse"))
}
