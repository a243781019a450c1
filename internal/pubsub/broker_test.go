package pubsub

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroker_PublishReachesAllSubscribers(t *testing.T) {
	b := NewBroker[int]()
	defer b.Close()

	ctx := context.Background()
	sub1 := b.Subscribe(ctx)
	sub2 := b.Subscribe(ctx)

	b.Publish(42)

	require.Equal(t, 42, <-sub1)
	require.Equal(t, 42, <-sub2)
}

func TestBroker_PublishPreservesOrderPerSubscriber(t *testing.T) {
	b := NewBroker[int]()
	defer b.Close()

	sub := b.Subscribe(context.Background())
	for i := 0; i < 10; i++ {
		b.Publish(i)
	}

	for i := 0; i < 10; i++ {
		require.Equal(t, i, <-sub)
	}
}

func TestBroker_SlowSubscriberDropsNotBlocks(t *testing.T) {
	b := NewBrokerWithBuffer[int](2)
	defer b.Close()

	_ = b.Subscribe(context.Background())

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.Publish(i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
	assert.Equal(t, int64(8), b.Dropped())
}

func TestBroker_ContextCancelClosesChannel(t *testing.T) {
	b := NewBroker[int]()
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	sub := b.Subscribe(ctx)
	cancel()

	select {
	case _, ok := <-sub:
		require.False(t, ok, "channel should be closed after cancel")
	case <-time.After(time.Second):
		t.Fatal("channel not closed after context cancel")
	}

	// Publishing after an unsubscribe must not panic.
	b.Publish(1)
}

func TestBroker_CloseClosesSubscribers(t *testing.T) {
	b := NewBroker[string]()
	sub := b.Subscribe(context.Background())

	b.Close()

	_, ok := <-sub
	require.False(t, ok)

	// Idempotent close and post-close use.
	b.Close()
	b.Publish("late")
	closed := b.Subscribe(context.Background())
	_, ok = <-closed
	require.False(t, ok, "post-close subscribe yields a closed channel")
}

func TestBroker_SubscriberCount(t *testing.T) {
	b := NewBroker[int]()
	defer b.Close()

	require.Equal(t, 0, b.SubscriberCount())

	ctx, cancel := context.WithCancel(context.Background())
	b.Subscribe(ctx)
	b.Subscribe(context.Background())
	require.Equal(t, 2, b.SubscriberCount())

	cancel()
	require.Eventually(t, func() bool { return b.SubscriberCount() == 1 },
		time.Second, 5*time.Millisecond)
}
