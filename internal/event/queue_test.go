package event

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_DeliversInPublishOrder(t *testing.T) {
	bus := NewBus()
	q := bus.SubscribeQueue(ForPipeline("p1"))
	defer q.Close()

	bus.Publish(NewJobEvent(ScoringStart, "j", "s", "p1"))
	bus.Publish(NewJobEvent(ScoringStart, "j", "s", "p2"))
	bus.Publish(NewJobEvent(ScoringSuccess, "j", "s", "p1"))

	require.Equal(t, 2, q.Len())

	ctx := context.Background()
	first, err := q.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, ScoringStart, first.EventType())

	second, err := q.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, ScoringSuccess, second.EventType())
}

func TestQueue_NextBlocksUntilPublish(t *testing.T) {
	bus := NewBus()
	q := bus.SubscribeQueue(Types(DoneSearching))
	defer q.Close()

	done := make(chan Event, 1)
	go func() {
		e, err := q.Next(context.Background())
		if err == nil {
			done <- e
		}
	}()

	select {
	case <-done:
		t.Fatal("Next returned before any event was published")
	case <-time.After(20 * time.Millisecond):
	}

	bus.Publish(NewSessionEvent(DoneSearching, "s1"))

	select {
	case e := <-done:
		assert.Equal(t, "s1", e.(SessionEvent).SessionID)
	case <-time.After(time.Second):
		t.Fatal("Next did not return after publish")
	}
}

func TestQueue_ContextCancel(t *testing.T) {
	bus := NewBus()
	q := bus.SubscribeQueue(nil)
	defer q.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := q.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQueue_Close(t *testing.T) {
	bus := NewBus()
	q := bus.SubscribeQueue(nil)
	require.Equal(t, 1, bus.SubscriptionCount())

	var wg sync.WaitGroup
	var nextErr error
	wg.Go(func() {
		_, nextErr = q.Next(context.Background())
	})

	time.Sleep(10 * time.Millisecond)
	q.Close()
	wg.Wait()

	assert.ErrorIs(t, nextErr, ErrQueueClosed)
	assert.Equal(t, 0, bus.SubscriptionCount())

	bus.Publish(NewSessionEvent(FinishSession, "s"))
	assert.Equal(t, 0, q.Len())

	q.Close()
}

func TestQueue_ConcurrentPublishers(t *testing.T) {
	bus := NewBus()
	q := bus.SubscribeQueue(Types(NewPipeline))
	defer q.Close()

	var wg sync.WaitGroup
	for range 50 {
		wg.Go(func() {
			bus.Publish(NewPipelineEvent(NewPipeline, "s", "p"))
		})
	}
	wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for range 50 {
		_, err := q.Next(ctx)
		require.NoError(t, err)
	}
	assert.Equal(t, 0, q.Len())
}
