package connectivity

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHub_Publish(t *testing.T) {
	ctx := context.Background()

	t.Run("every subscriber receives the event", func(t *testing.T) {
		h := NewHub()
		a, cancelA := h.Subscribe()
		defer cancelA()
		b, cancelB := h.Subscribe()
		defer cancelB()

		assert.Equal(t, 2, h.Publish(ctx, true))

		want := Event{Type: EventOnlineStatus, IsOnline: true}
		assert.Equal(t, want, <-a)
		assert.Equal(t, want, <-b)
	})

	t.Run("late subscribers get no history", func(t *testing.T) {
		h := NewHub()
		h.Publish(ctx, false)

		ch, cancel := h.Subscribe()
		defer cancel()
		select {
		case ev := <-ch:
			t.Fatalf("unexpected replayed event %+v", ev)
		default:
		}
	})

	t.Run("full subscriber keeps the latest state without blocking", func(t *testing.T) {
		h := NewHub(WithSubscriberBuffer(2))
		ch, cancel := h.Subscribe()
		defer cancel()

		assert.Equal(t, 1, h.Publish(ctx, false))
		assert.Equal(t, 1, h.Publish(ctx, true))
		assert.Equal(t, 1, h.Publish(ctx, false))

		assert.True(t, (<-ch).IsOnline)
		assert.False(t, (<-ch).IsOnline, "newest event survives the overflow")
		select {
		case ev := <-ch:
			t.Fatalf("unexpected event %+v", ev)
		default:
		}
	})
}

func TestHub_Subscribe(t *testing.T) {
	h := NewHub()
	ch, cancel := h.Subscribe()
	require.Equal(t, 1, h.Subscribers())

	cancel()
	cancel()
	assert.Equal(t, 0, h.Subscribers())
	_, ok := <-ch
	assert.False(t, ok, "channel closed on cancel")

	_, cancel2 := h.Subscribe()
	h.Close()
	cancel2()
	assert.Equal(t, 0, h.Subscribers())

	closed, _ := h.Subscribe()
	_, ok = <-closed
	assert.False(t, ok, "subscribing to a closed hub yields a closed channel")
}
