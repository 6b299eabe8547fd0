package eventsourcing_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	es "github.com/terraskye/erp-eventsourcing"
	"github.com/terraskye/erp-eventsourcing/fixtures"
)

func TestHydrate_RoutesByGoType(t *testing.T) {
	var opened, deposited int
	apply := es.Hydrate(
		es.NewHydrateHandler(func(*fixtures.AccountOpened) { opened++ }),
		es.NewHydrateHandler(func(e *fixtures.MoneyDeposited) { deposited += int(e.Amount) }),
	)

	require.NoError(t, apply(&fixtures.AccountOpened{}))
	require.NoError(t, apply(&fixtures.MoneyDeposited{Amount: 4}))
	require.NoError(t, apply(&fixtures.MoneyDeposited{Amount: 3}))
	assert.Equal(t, 1, opened)
	assert.Equal(t, 7, deposited)

	err := apply(&fixtures.AccountClosed{})
	assert.ErrorIs(t, err, es.ErrUnknownEventType)
	assert.ErrorContains(t, err, "AccountClosed")
}

func TestHydrate_DuplicateHandlerPanics(t *testing.T) {
	assert.Panics(t, func() {
		es.Hydrate(
			es.NewHydrateHandler(func(*fixtures.AccountOpened) {}),
			es.NewHydrateHandler(func(*fixtures.AccountOpened) {}),
		)
	})
}

func TestTypeName(t *testing.T) {
	assert.Equal(t, "*fixtures.AccountOpened", es.TypeName(&fixtures.AccountOpened{}))
	assert.Equal(t, "fixtures.Deposit", es.TypeName(fixtures.Deposit{}))
}
