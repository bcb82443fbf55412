package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_PublishFanOutOrder(t *testing.T) {
	bus := New()
	sub1 := bus.Subscribe()
	sub2 := bus.Subscribe()

	bus.Publish(Event{ID: "t1", Category: CategoryTask, Kind: KindTaskStarted, At: time.Now()})
	bus.Publish(Event{ID: "t1", Category: CategoryTask, Kind: KindTaskCompleted, At: time.Now()})

	for _, sub := range []*Subscription{sub1, sub2} {
		ev1 := <-sub.C()
		ev2 := <-sub.C()
		assert.Equal(t, KindTaskStarted, ev1.Kind)
		assert.Equal(t, KindTaskCompleted, ev2.Kind)
	}
}

func TestBus_SlowSubscriberDropsWithoutBlockingOthers(t *testing.T) {
	bus := New()
	slow := bus.Subscribe()
	fast := bus.Subscribe()

	for i := 0; i < defaultSubscriberBuffer+10; i++ {
		bus.Publish(Event{Category: CategoryTask, Kind: KindTaskProgress})
	}

	assert.Positive(t, slow.Dropped())
	assert.Len(t, fast.C(), defaultSubscriberBuffer)
}

func TestBus_TakeAllReturnsAndClearsBuffer(t *testing.T) {
	bus := NewWithBufferSize(4)
	for i := 0; i < 6; i++ {
		bus.Publish(Event{Kind: KindTaskProgress})
	}

	all := bus.TakeAll()
	require.Len(t, all, 4)
	assert.Empty(t, bus.TakeAll())
}

func TestBus_UnsubscribeClosesChannel(t *testing.T) {
	bus := New()
	sub := bus.Subscribe()
	sub.Unsubscribe()

	_, ok := <-sub.C()
	assert.False(t, ok)
}

func TestGlobalBusIsSingleton(t *testing.T) {
	assert.Same(t, Global(), Global())
}
