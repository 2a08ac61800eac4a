package events

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_FanOut(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := NewBus(8)
	a, cancelA := bus.Subscribe(4)
	defer cancelA()
	b, cancelB := bus.Subscribe(4)
	defer cancelB()

	go bus.Run(ctx)

	id := uuid.New()
	bus.Publish(Event{UUID: id, Name: "vm1", Kind: KindStarted, Detail: "booted"})

	for _, ch := range []<-chan Event{a, b} {
		select {
		case ev := <-ch:
			assert.Equal(t, id, ev.UUID)
			assert.Equal(t, KindStarted, ev.Kind)
			assert.False(t, ev.Timestamp.IsZero())
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
}

func TestBus_PublishNeverBlocks(t *testing.T) {
	bus := NewBus(2)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Publish(Event{Kind: KindDefined})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked without a running bus")
	}
	assert.Equal(t, int64(2), bus.Published())
	assert.Equal(t, int64(8), bus.Dropped())
	assert.Equal(t, 2, bus.Pending())
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus(1)
	ch, cancel := bus.Subscribe(1)
	cancel()
	cancel() // idempotent

	_, open := <-ch
	require.False(t, open)

	// Delivery after unsubscribe must not panic on the closed channel
	bus.deliver(Event{Kind: KindStopped})
}
