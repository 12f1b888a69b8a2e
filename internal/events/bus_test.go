package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func recvOne(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "channel closed before delivery")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestPublishReachesAllSubscribers(t *testing.T) {
	b := NewBus()
	defer b.Stop()

	ch1, cancel1 := b.Subscribe()
	defer cancel1()
	ch2, cancel2 := b.Subscribe()
	defer cancel2()

	b.Publish(Event{Kind: KindMutationDropped, OpID: "op-1", Err: "gone"})

	for _, ch := range []<-chan Event{ch1, ch2} {
		ev := recvOne(t, ch)
		require.Equal(t, KindMutationDropped, ev.Kind)
		require.Equal(t, "op-1", ev.OpID)
		require.Equal(t, "gone", ev.Err)
	}
}

func TestCancelClosesChannel(t *testing.T) {
	b := NewBus()
	defer b.Stop()

	ch, cancel := b.Subscribe()
	cancel()

	select {
	case _, ok := <-ch:
		require.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after cancel")
	}

	// Publishing after cancel must not panic or block.
	b.Publish(Event{Kind: KindUploadSuccess})
}

func TestStopClosesSubscribers(t *testing.T) {
	b := NewBus()
	ch, cancel := b.Subscribe()
	defer cancel()

	b.Stop()

	select {
	case _, ok := <-ch:
		require.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after stop")
	}

	// Safe after stop.
	b.Publish(Event{Kind: KindUploadFailure})
	_, cancelLate := b.Subscribe()
	cancelLate()
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	b := NewBus()
	defer b.Stop()

	_, cancel := b.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			b.Publish(Event{Kind: KindMutationRetry, Attempt: i})
		}
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}
