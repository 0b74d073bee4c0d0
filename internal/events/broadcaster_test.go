// ABOUTME: Tests for the session event broadcaster.
// ABOUTME: Covers fan-out, session isolation, slow subscribers, and cleanup.

package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testContext is the pre-Go-1.24 equivalent of t.Context: a context
// canceled when the test ends.
func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}

func recv(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestBroadcaster_SingleSubscriberReceivesEvent(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ch, _ := b.Subscribe(testContext(t), "sess-1")
	b.Publish(Event{Type: TypeMessageAppended, SessionID: "sess-1", Role: "user", Content: "hi"})

	ev := recv(t, ch)
	assert.Equal(t, TypeMessageAppended, ev.Type)
	assert.Equal(t, "sess-1", ev.SessionID)
	assert.Equal(t, "hi", ev.Content)
	assert.NotEmpty(t, ev.ID, "publish stamps an id")
	assert.False(t, ev.At.IsZero(), "publish stamps a timestamp")
}

func TestBroadcaster_FanOutToAllSubscribers(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ch1, _ := b.Subscribe(testContext(t), "sess-1")
	ch2, _ := b.Subscribe(testContext(t), "sess-1")
	ch3, _ := b.Subscribe(testContext(t), "sess-1")

	b.Publish(Event{Type: TypeGenerationStarted, SessionID: "sess-1"})

	for i, ch := range []<-chan Event{ch1, ch2, ch3} {
		ev := recv(t, ch)
		assert.Equal(t, TypeGenerationStarted, ev.Type, "subscriber %d", i)
	}
}

func TestBroadcaster_SessionsAreIsolated(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	chA, _ := b.Subscribe(testContext(t), "sess-a")
	chB, _ := b.Subscribe(testContext(t), "sess-b")

	b.Publish(Event{Type: TypeSessionDeleted, SessionID: "sess-a"})

	ev := recv(t, chA)
	assert.Equal(t, TypeSessionDeleted, ev.Type)

	select {
	case ev := <-chB:
		t.Fatalf("subscriber for sess-b received %v", ev.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBroadcaster_SlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	// Never read from the channel; overflow the buffer.
	_, _ = b.Subscribe(testContext(t), "sess-1")

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < subscriberBufferSize+10; i++ {
			b.Publish(Event{Type: TypeMessageAppended, SessionID: "sess-1"})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}
}

func TestBroadcaster_UnsubscribeClosesChannel(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ch, subID := b.Subscribe(testContext(t), "sess-1")
	b.Unsubscribe("sess-1", subID)

	_, open := <-ch
	assert.False(t, open, "channel stays open after unsubscribe")

	// Publishing to the now-empty session must not panic.
	b.Publish(Event{Type: TypeMessageAppended, SessionID: "sess-1"})
}

func TestBroadcaster_ContextCancelCleansUp(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, _ := b.Subscribe(ctx, "sess-1")
	cancel()

	// The cleanup goroutine closes the channel shortly after cancellation.
	select {
	case _, open := <-ch:
		assert.False(t, open)
	case <-time.After(time.Second):
		t.Fatal("subscription not cleaned up after context cancel")
	}
}

func TestBroadcaster_ConcurrentPublishAndSubscribe(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			ch, _ := b.Subscribe(ctx, "sess-1")
			for j := 0; j < 20; j++ {
				b.Publish(Event{Type: TypeMessageAppended, SessionID: "sess-1"})
			}
			// Drain whatever arrived before the subscription ends.
			for {
				select {
				case <-ch:
				default:
					return
				}
			}
		}()
	}

	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("concurrent publish/subscribe deadlocked")
	}
}

func TestBroadcaster_CloseClosesAllChannels(t *testing.T) {
	b := NewBroadcaster(nil)

	ch1, _ := b.Subscribe(testContext(t), "sess-1")
	ch2, _ := b.Subscribe(testContext(t), "sess-2")
	b.Close()

	_, open1 := <-ch1
	_, open2 := <-ch2
	require.False(t, open1)
	require.False(t, open2)
}
