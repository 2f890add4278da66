package notify

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBrokerSubscribeReceivesPublishedEvent(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	b.Publish(&Event{Type: EventRunSucceeded, Summary: &Summary{RunID: "r1"}})

	select {
	case evt := <-sub:
		assert.Equal(t, EventRunSucceeded, evt.Type)
		require.NotNil(t, evt.Summary)
		assert.Equal(t, "r1", evt.Summary.RunID)
		assert.False(t, evt.Timestamp.IsZero())
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

func TestHookOnRunCompleteInvokesAllHandlers(t *testing.T) {
	h := NewHook()
	defer h.Stop()

	var got1, got2 Summary
	h.OnRunComplete(func(s Summary) { got1 = s })
	h.OnRunComplete(func(s Summary) { got2 = s })

	h.Publish(EventRunSucceeded, Summary{RunID: "r42", ChunksOK: 3})

	assert.Equal(t, "r42", got1.RunID)
	assert.Equal(t, "r42", got2.RunID)
	assert.Equal(t, 3, got1.ChunksOK)
}

func TestBrokerPublishMessageCarriesNoSummary(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	b.PublishMessage(EventSnapshotLimitExceeded, "volume vol-c exceeds max total snapshots")

	select {
	case evt := <-sub:
		assert.Equal(t, EventSnapshotLimitExceeded, evt.Type)
		assert.Nil(t, evt.Summary)
		assert.Contains(t, evt.Message, "exceeds max total snapshots")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}
