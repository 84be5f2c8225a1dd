package pubsub

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPublishDeliversToSubscriber(t *testing.T) {
	b := New()
	ch, cancel := b.Subscribe("feed:user-1")
	defer cancel()

	b.Publish("feed:user-1", "hello")

	select {
	case got := <-ch:
		require.Equal(t, "hello", got)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published event")
	}
}

func TestPublishToUnsubscribedTopicIsNoop(t *testing.T) {
	b := New()
	require.NotPanics(t, func() { b.Publish("no-subscribers", "x") })
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	b := New()
	ch, cancel := b.Subscribe("topic")
	defer cancel()

	for i := 0; i < subscriberBuffer+10; i++ {
		b.Publish("topic", i)
	}

	require.Len(t, ch, subscriberBuffer)
}

func TestCancelRemovesSubscriber(t *testing.T) {
	b := New()
	_, cancel := b.Subscribe("topic")
	cancel()
	require.NotContains(t, b.subs, "topic")
}
