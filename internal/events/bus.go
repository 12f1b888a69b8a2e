// Package events carries sync-outcome notifications from the queues to the
// UI layer over an explicit typed channel instead of a global event
// namespace.
package events

import (
	"encoding/json"
	"sync/atomic"
	"time"
)

// Kind discriminates bus events.
type Kind string

const (
	// KindNoteReconciled announces that a queued note creation succeeded and
	// the optimistic placeholder can be swapped for the authoritative record.
	KindNoteReconciled Kind = "note.reconciled"
	// KindMutationRetry announces that a queued mutation failed retryably and
	// has been rescheduled.
	KindMutationRetry Kind = "mutation.retry"
	// KindMutationDropped announces a non-retryable failure; the row is gone.
	KindMutationDropped Kind = "mutation.dropped"
	KindUploadSuccess   Kind = "upload.success"
	KindUploadFailure   Kind = "upload.failure"
)

// Event is delivered fire-and-forget, at most once per occurrence. Only the
// fields relevant to the Kind are populated.
type Event struct {
	Kind Kind
	OpID string

	// Note creation reconciliation.
	Note             json.RawMessage
	TempClientNoteID int64

	// Retry scheduling.
	Attempt   int
	NextDelay time.Duration

	Err string

	// Uploads.
	NoteID       int64
	TempClientID *int64
	Image        json.RawMessage
}

// Bus fans events out to subscribers. A single internal goroutine owns the
// subscriber set, so no mutexes are required; a subscriber that falls behind
// misses events rather than blocking the publishers.
type Bus struct {
	subscribeCh   chan chan Event
	unsubscribeCh chan chan Event
	publishCh     chan Event

	stopCh  chan struct{}
	stopped chan struct{}
	closed  atomic.Bool
}

// NewBus creates a running bus.
func NewBus() *Bus {
	b := &Bus{
		subscribeCh:   make(chan chan Event),
		unsubscribeCh: make(chan chan Event),
		publishCh:     make(chan Event, 256),
		stopCh:        make(chan struct{}),
		stopped:       make(chan struct{}),
	}
	go b.run()
	return b
}

func (b *Bus) run() {
	defer close(b.stopped)

	subs := make(map[chan Event]struct{})
	for {
		select {
		case <-b.stopCh:
			for ch := range subs {
				close(ch)
			}
			return

		case ch := <-b.subscribeCh:
			subs[ch] = struct{}{}

		case ch := <-b.unsubscribeCh:
			if _, ok := subs[ch]; ok {
				delete(subs, ch)
				close(ch)
			}

		case ev := <-b.publishCh:
			for ch := range subs {
				select {
				case ch <- ev:
				default:
					// Subscriber buffer full; skip to avoid blocking.
				}
			}
		}
	}
}

// Subscribe returns a receive channel and a cancel function. The channel is
// closed on cancel or bus stop.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 64)
	if b.closed.Load() {
		close(ch)
		return ch, func() {}
	}
	select {
	case b.subscribeCh <- ch:
	case <-b.stopped:
		close(ch)
		return ch, func() {}
	}
	cancel := func() {
		select {
		case b.unsubscribeCh <- ch:
		case <-b.stopped:
		}
	}
	return ch, cancel
}

// Publish delivers the event to current subscribers. Safe after Stop.
func (b *Bus) Publish(ev Event) {
	if b.closed.Load() {
		return
	}
	select {
	case b.publishCh <- ev:
	case <-b.stopped:
	default:
	}
}

// Stop shuts the bus down and closes all subscriber channels.
func (b *Bus) Stop() {
	if b.closed.CompareAndSwap(false, true) {
		close(b.stopCh)
		<-b.stopped
	}
}
