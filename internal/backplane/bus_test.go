package backplane

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trustlink-chat/pkg/chat"
)

func receive(t *testing.T, sub Subscription) []byte {
	t.Helper()
	select {
	case msg, ok := <-sub.Messages():
		require.True(t, ok, "subscription closed")
		return msg
	case <-time.After(2 * time.Second):
		t.Fatalf("no message on %s", sub.Channel())
		return nil
	}
}

func assertSilent(t *testing.T, sub Subscription) {
	t.Helper()
	select {
	case msg := <-sub.Messages():
		t.Fatalf("unexpected message on %s: %s", sub.Channel(), msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBus_PublishSubscribe(t *testing.T) {
	ctx := context.Background()
	bus := NewBus()
	defer bus.Close()

	a, err := bus.Subscribe(ctx, "incident:42")
	require.NoError(t, err)
	b, err := bus.Subscribe(ctx, "incident:42")
	require.NoError(t, err)
	other, err := bus.Subscribe(ctx, "incident:7")
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, "incident:42", []byte("hello")))

	assert.Equal(t, "hello", string(receive(t, a)))
	assert.Equal(t, "hello", string(receive(t, b)))
	assertSilent(t, other)
}

func TestBus_ExactChannelMatch(t *testing.T) {
	ctx := context.Background()
	bus := NewBus()
	defer bus.Close()

	sub, err := bus.Subscribe(ctx, "user:1")
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, "user:10", []byte("x")))
	require.NoError(t, bus.Publish(ctx, "User:1", []byte("x")))
	assertSilent(t, sub)
}

func TestBus_PreservesPublisherOrder(t *testing.T) {
	ctx := context.Background()
	bus := NewBus()
	defer bus.Close()

	sub, err := bus.Subscribe(ctx, "incident:1")
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		require.NoError(t, bus.Publish(ctx, "incident:1", []byte{byte(i)}))
	}
	for i := 0; i < 100; i++ {
		assert.Equal(t, byte(i), receive(t, sub)[0])
	}
}

func TestBus_SlowSubscriberDoesNotBlockPublisher(t *testing.T) {
	ctx := context.Background()
	bus := NewBus()
	defer bus.Close()

	_, err := bus.Subscribe(ctx, "incident:1")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10000; i++ {
			_ = bus.Publish(ctx, "incident:1", []byte("x"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publisher blocked by an unread subscription")
	}
}

func TestBus_CloseSubscription(t *testing.T) {
	ctx := context.Background()
	bus := NewBus()
	defer bus.Close()

	sub, err := bus.Subscribe(ctx, "incident:1")
	require.NoError(t, err)
	assert.Equal(t, 1, bus.Subscribers("incident:1"))

	require.NoError(t, sub.Close())
	assert.Equal(t, 0, bus.Subscribers("incident:1"))

	_, ok := <-sub.Messages()
	assert.False(t, ok)

	require.NoError(t, bus.Publish(ctx, "incident:1", []byte("x")))
}

func TestBus_Closed(t *testing.T) {
	ctx := context.Background()
	bus := NewBus()

	sub, err := bus.Subscribe(ctx, "incident:1")
	require.NoError(t, err)
	require.NoError(t, bus.Close())

	_, ok := <-sub.Messages()
	assert.False(t, ok)

	err = bus.Publish(ctx, "incident:1", []byte("x"))
	assert.True(t, errors.Is(err, chat.ErrBackplaneUnavailable))

	_, err = bus.Subscribe(ctx, "incident:1")
	assert.True(t, errors.Is(err, chat.ErrBackplaneUnavailable))
}
