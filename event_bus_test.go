package eventsourcing_test

import (
	"bytes"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	es "github.com/terraskye/erp-eventsourcing"
	"github.com/terraskye/erp-eventsourcing/fixtures"
)

func TestPublishingStore_PublishesCommittedEvents(t *testing.T) {
	publisher := &fixtures.PublisherSpy{}
	store := es.WithPublisher(fixtures.NewStoreSpy(nil), publisher, nil)
	repo := fixtures.NewAccountRepository(store)

	openAccount(t, repo, "acc-1", 5)

	published := publisher.Published()
	require.Len(t, published, 2)
	assert.Equal(t, uint64(1), published[0].Version)
	assert.Equal(t, uint64(2), published[1].Version)
	assert.Equal(t, fixtures.AccountType, published[1].AggregateType)
	assert.NotZero(t, published[1].GlobalPosition)
}

func TestPublishingStore_PublishFailureKeepsAppend(t *testing.T) {
	var logs bytes.Buffer
	publisher := &fixtures.PublisherSpy{Err: errors.New("broker down")}
	inner := fixtures.NewStoreSpy(nil)
	store := es.WithPublisher(inner, publisher, slog.New(slog.NewJSONHandler(&logs, nil)))
	repo := fixtures.NewAccountRepository(store)

	openAccount(t, repo, "acc-1")

	acc, err := repo.Load(t.Context(), "acc-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), acc.AggregateVersion())
	assert.Contains(t, logs.String(), "broker down")
	assert.Contains(t, logs.String(), `"aggregate_id":"acc-1"`)
}

func TestPublishingStore_FailedAppendPublishesNothing(t *testing.T) {
	publisher := &fixtures.PublisherSpy{}
	inner := fixtures.NewStoreSpy(nil).FailAppend(es.WrapStoreUnavailable("append", errors.New("disk full")))
	repo := fixtures.NewAccountRepository(es.WithPublisher(inner, publisher, nil))

	acc := repo.New("acc-1")
	require.NoError(t, acc.Open("ada"))
	assert.ErrorIs(t, repo.Save(t.Context(), acc), es.ErrStoreUnavailable)
	assert.Empty(t, publisher.Published())
}

type busConfig struct {
	es.SubscriberConfig
}

func TestSubscriberFilters(t *testing.T) {
	opened := fixtures.Envelope("acc-1", 1, &fixtures.AccountOpened{})
	deposited := fixtures.Envelope("acc-1", 2, &fixtures.MoneyDeposited{Amount: 1})
	foreign := fixtures.Envelope("u-1", 1, &fixtures.AccountOpened{})
	foreign.AggregateType = "User"

	tests := []struct {
		name string
		opts []es.SubscriberOption
		want []bool
	}{
		{"no filters", nil, []bool{true, true, true}},
		{"event types", []es.SubscriberOption{es.WithEventTypes("AccountOpened")}, []bool{true, false, true}},
		{"aggregate types", []es.SubscriberOption{es.WithAggregateTypes(fixtures.AccountType)}, []bool{true, true, false}},
		{
			name: "combined with AND",
			opts: []es.SubscriberOption{
				es.WithEventTypes("AccountOpened"),
				es.WithAggregateTypes(fixtures.AccountType),
			},
			want: []bool{true, false, false},
		},
		{
			name: "custom",
			opts: []es.SubscriberOption{es.WithFilter(func(e *es.Envelope) bool { return e.Version > 1 })},
			want: []bool{false, true, false},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var cfg busConfig
			for _, o := range tt.opts {
				o(&cfg)
			}
			got := []bool{cfg.Accepts(opened), cfg.Accepts(deposited), cfg.Accepts(foreign)}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestWithFilter_RequiresSubscriberConfig(t *testing.T) {
	var cfg struct{ buffer int }
	assert.Panics(t, func() { es.WithEventTypes("AccountOpened")(&cfg) })
}
