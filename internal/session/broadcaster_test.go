// ABOUTME: Tests for the in-memory message broadcaster
// ABOUTME: Verifies fan-out, thread isolation, and context-scoped cleanup

package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loopwork/threadline/internal/store"
)

func TestBroadcaster_FanOut(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()
	ctx := context.Background()

	ch1, _ := b.Subscribe(ctx, "t1")
	ch2, _ := b.Subscribe(ctx, "t1")
	other, _ := b.Subscribe(ctx, "t2")

	msg := &store.Message{ThreadID: "t1", Ordinal: 0, Role: store.RoleUser, Content: "hi"}
	b.Publish(msg)

	for _, ch := range []<-chan *store.Message{ch1, ch2} {
		select {
		case got := <-ch:
			assert.Equal(t, msg, got)
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive message")
		}
	}

	select {
	case <-other:
		t.Fatal("subscriber on another thread received the message")
	default:
	}
}

func TestBroadcaster_UnsubscribeOnContextCancel(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, _ := b.Subscribe(ctx, "t1")
	cancel()

	// Channel closes once the cleanup goroutine runs.
	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel should be closed, not carrying a message")
	case <-time.After(time.Second):
		t.Fatal("channel was not closed after context cancellation")
	}
}

func TestBroadcaster_SlowSubscriberDoesNotBlockPublish(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	_, _ = b.Subscribe(context.Background(), "t1")

	done := make(chan struct{})
	go func() {
		defer close(done)
		// Well past the subscriber buffer; publishes must not block.
		for i := 0; i < subscriberBufferSize*2; i++ {
			b.Publish(&store.Message{ThreadID: "t1", Ordinal: int64(i)})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

func TestBroadcaster_CloseClosesAllChannels(t *testing.T) {
	b := NewBroadcaster(nil)
	ch, _ := b.Subscribe(context.Background(), "t1")

	b.Close()

	_, ok := <-ch
	require.False(t, ok)
}
