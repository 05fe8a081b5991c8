package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBrokerPublishSubscribe(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	assert.Equal(t, 1, b.SubscriberCount())

	b.Publish(&Event{Type: TypeNodeJoined, Message: "n1 joined"})

	select {
	case ev := <-sub:
		require.Equal(t, TypeNodeJoined, ev.Type)
		assert.False(t, ev.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBrokerUnsubscribeStopsDelivery(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	b.Unsubscribe(sub)
	assert.Equal(t, 0, b.SubscriberCount())

	_, ok := <-sub
	assert.False(t, ok, "channel should be closed after unsubscribe")
}
