package engine

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"statboard/core"
)

func TestEventBusSync(t *testing.T) {
	bus := NewEventBus(DispatchSync)
	defer bus.Close()

	var got []core.Event
	unsubscribe := bus.Subscribe(core.EventEntryCreated, func(_ context.Context, e core.Event) { got = append(got, e) })

	bus.Publish(context.Background(), core.NewEntryCreated(core.Entry{EntryID: 1, UserID: 42, HighScore: 10}))
	bus.Publish(context.Background(), core.NewScoreSubmitted(42, 10))
	require.Len(t, got, 1)
	assert.Equal(t, core.UserID(42), got[0].UserID)

	unsubscribe()
	bus.Publish(context.Background(), core.NewEntryCreated(core.Entry{EntryID: 2, UserID: 43}))
	assert.Len(t, got, 1)
}

func TestEventBusAsyncDrainsOnClose(t *testing.T) {
	bus := NewEventBus(DispatchAsync)

	var count atomic.Int64
	bus.Subscribe(core.EventScoreSubmitted, func(context.Context, core.Event) { count.Add(1) })
	for i := 0; i < 100; i++ {
		bus.Publish(context.Background(), core.NewScoreSubmitted(1, int64(i)))
	}
	bus.Close()

	assert.Equal(t, int64(100), count.Load()+bus.Dropped())
	bus.Publish(context.Background(), core.NewScoreSubmitted(1, 1))
	bus.Close()
}
