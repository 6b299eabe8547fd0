package eventsourcing

import (
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testRegistered struct {
	ID string `json:"id"`
}

func (e *testRegistered) EventType() string { return "TestRegistered" }

type testRenamed struct {
	Name string `json:"name"`
}

func (e *testRenamed) EventType() string { return "TestRenamed" }

func TestEventRegistry_Register(t *testing.T) {
	r := NewEventRegistry(func() Event { return &testRegistered{} })

	t.Run("new returns a fresh instance", func(t *testing.T) {
		ev, err := r.New("TestRegistered")
		require.NoError(t, err)
		require.IsType(t, &testRegistered{}, ev)

		ev2, _ := r.New("TestRegistered")
		assert.NotSame(t, ev, ev2)
	})

	t.Run("panic on duplicate registration", func(t *testing.T) {
		assert.Panics(t, func() {
			r.Register(func() Event { return &testRegistered{} })
		})
	})

	t.Run("panic on nil factory", func(t *testing.T) {
		assert.Panics(t, func() { r.Register(nil) })
		assert.Panics(t, func() { r.RegisterAs("Nil", func() Event { return nil }) })
	})

	t.Run("unknown type", func(t *testing.T) {
		_, err := r.New("Missing")
		assert.ErrorIs(t, err, ErrUnknownEventType)
	})
}

func TestEventRegistry_RegisterAs(t *testing.T) {
	r := NewEventRegistry()
	r.RegisterAs("LegacyName", func() Event { return &testRenamed{} })

	ev, err := r.Decode("LegacyName", []byte(`{"name":"x"}`))
	require.NoError(t, err)
	assert.Equal(t, &testRenamed{Name: "x"}, ev)
	assert.Equal(t, []string{"LegacyName"}, r.Types())
}

func TestEventRegistry_EncodeDecode(t *testing.T) {
	r := NewEventRegistry(func() Event { return &testRegistered{} })

	data, err := r.Encode(&testRegistered{ID: "42"})
	require.NoError(t, err)

	ev, err := r.Decode("TestRegistered", data)
	require.NoError(t, err)
	assert.Equal(t, &testRegistered{ID: "42"}, ev)

	_, err = r.Decode("TestRegistered", []byte("{"))
	assert.Error(t, err)
}

func TestEventRegistry_Concurrency(t *testing.T) {
	r := NewEventRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := "Event" + strconv.Itoa(i)
			r.RegisterAs(name, func() Event { return &testRenamed{} })
			_, err := r.New(name)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Len(t, r.Types(), 50)
}

func TestEventRegistry_Envelope(t *testing.T) {
	r := NewEventRegistry(func() Event { return &testRegistered{} })

	e, err := NewEnvelope("agg-1", &testRegistered{ID: "x"})
	require.NoError(t, err)
	e.AggregateType = "Test"
	e.Version = 3
	e.Metadata["causation_id"] = "c-1"

	data, err := r.MarshalEnvelope(e)
	require.NoError(t, err)

	got, err := r.UnmarshalEnvelope(data)
	require.NoError(t, err)
	assert.Equal(t, e.EventID, got.EventID)
	assert.Equal(t, "agg-1", got.AggregateID)
	assert.Equal(t, "Test", got.AggregateType)
	assert.Equal(t, uint64(3), got.Version)
	assert.Equal(t, &testRegistered{ID: "x"}, got.Event)
	assert.Equal(t, "c-1", got.Metadata["causation_id"])
	assert.True(t, e.OccurredAt.Equal(got.OccurredAt))

	_, err = NewEventRegistry().UnmarshalEnvelope(data)
	assert.ErrorIs(t, err, ErrUnknownEventType)

	_, err = r.MarshalEnvelope(&Envelope{})
	assert.ErrorIs(t, err, ErrNilEvent)
}
