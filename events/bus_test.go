package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receiveEvent(t *testing.T, sub *Subscriber) Event {
	t.Helper()
	select {
	case env := <-sub.Events():
		var ev Event
		require.NoError(t, json.Unmarshal(env.Payload, &ev))
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event received")
		return Event{}
	}
}

func assertNoEvent(t *testing.T, sub *Subscriber) {
	t.Helper()
	select {
	case env := <-sub.Events():
		t.Fatalf("unexpected event %s", env.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishReachesWildcardSubscriber(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub.ID())

	bus.Publish(TypeTaskQueued, "t-1", map[string]any{"model": "echo"})

	ev := receiveEvent(t, sub)
	assert.Equal(t, TypeTaskQueued, ev.Type)
	assert.Equal(t, "t-1", ev.TaskID)
	assert.False(t, ev.Timestamp.IsZero())
}

func TestSubscriptionFiltering(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub.ID())

	sub.Unsubscribe("*")
	sub.Subscribe(TypeGPUStats)

	bus.Publish(TypeTaskQueued, "t-1", nil)
	assertNoEvent(t, sub)

	bus.Publish(TypeGPUStats, "", map[string]any{"used_mb": 1024})
	ev := receiveEvent(t, sub)
	assert.Equal(t, TypeGPUStats, ev.Type)
}

func TestPrefixWildcardSubscription(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub.ID())

	sub.Unsubscribe("*")
	sub.Subscribe("task.*")

	bus.Publish(TypeTaskCompleted, "t-1", nil)
	assert.Equal(t, TypeTaskCompleted, receiveEvent(t, sub).Type)

	bus.Publish(TypeModelLoaded, "", nil)
	assertNoEvent(t, sub)
}

func TestTaskFilter(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub.ID())

	sub.SetTaskFilter("t-2")

	bus.Publish(TypeTaskStarted, "t-1", nil)
	assertNoEvent(t, sub)

	bus.Publish(TypeTaskStarted, "t-2", nil)
	assert.Equal(t, "t-2", receiveEvent(t, sub).TaskID)

	// Events without a task id bypass the filter.
	bus.Publish(TypeGPUStats, "", nil)
	assert.Equal(t, TypeGPUStats, receiveEvent(t, sub).Type)

	sub.SetTaskFilter("")
	bus.Publish(TypeTaskStarted, "t-1", nil)
	assert.Equal(t, "t-1", receiveEvent(t, sub).TaskID)
}

func TestFullQueueDropsInsteadOfBlocking(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub.ID())

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberQueueSize+10; i++ {
			bus.Publish(TypeLog, "", map[string]any{"seq": i})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcaster blocked on a saturated subscriber")
	}
	assert.Len(t, sub.Events(), subscriberQueueSize)
}

func TestSlowSubscriberDoesNotStallOthers(t *testing.T) {
	bus := NewBus()
	slow := bus.Subscribe()
	fast := bus.Subscribe()
	defer bus.Unsubscribe(slow.ID())
	defer bus.Unsubscribe(fast.ID())

	// Saturate the slow subscriber's queue.
	for i := 0; i < subscriberQueueSize; i++ {
		bus.Publish(TypeLog, "", nil)
	}
	for i := 0; i < subscriberQueueSize; i++ {
		<-fast.Events()
	}

	bus.Publish(TypeTaskQueued, "t-1", nil)
	assert.Equal(t, TypeTaskQueued, receiveEvent(t, fast).Type)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe()
	assert.Equal(t, 1, bus.SubscriberCount())

	bus.Unsubscribe(sub.ID())
	assert.Zero(t, bus.SubscriberCount())

	_, open := <-sub.Events()
	assert.False(t, open)

	// Repeated unsubscribe is a no-op.
	bus.Unsubscribe(sub.ID())
}

func TestMatchesPattern(t *testing.T) {
	assert.True(t, matchesPattern("*", TypeTaskQueued))
	assert.True(t, matchesPattern("task.queued", TypeTaskQueued))
	assert.True(t, matchesPattern("task.*", TypeTaskFailed))
	assert.False(t, matchesPattern("task.*", TypeGPUStats))
	assert.False(t, matchesPattern("model.loaded", TypeModelUnloaded))
}

func TestMarshalWireFrame(t *testing.T) {
	payload := Marshal(TypePong, nil)

	var ev Event
	require.NoError(t, json.Unmarshal(payload, &ev))
	assert.Equal(t, TypePong, ev.Type)
	assert.False(t, ev.Timestamp.IsZero())
}
