// Package events provides a publish/subscribe bus for operational
// observability. Events flow from components (trigger layer, runner,
// agent loop, schedule queue) to subscribers (audit log, future
// metrics). The bus is nil-safe: Publish on a nil *Bus is a no-op, so
// components do not need guard checks.
package events

import (
	"sync"
	"time"
)

// Kind describes what happened.
type Kind string

// Event kinds published across the daemon.
const (
	// KindEventReceived fires when a trigger driver hands an event to
	// the runner.
	KindEventReceived Kind = "event_received"
	// KindEventDropped fires when admission control rejects an event.
	KindEventDropped Kind = "event_dropped"

	// KindRunStart and KindRunComplete bracket one autonomous run.
	KindRunStart    Kind = "run_start"
	KindRunComplete Kind = "run_complete"
	// KindIteration fires after each loop iteration.
	KindIteration Kind = "iteration"
	// KindReplySent fires when a conversational reply is delivered.
	KindReplySent Kind = "reply_sent"

	// Schedule queue lifecycle.
	KindTaskScheduled Kind = "task_scheduled"
	KindTaskFired     Kind = "task_fired"
	KindTaskCancelled Kind = "task_cancelled"
)

// Event is one operational event.
type Event struct {
	Timestamp time.Time `json:"ts"`
	// Source identifies the publishing component.
	Source string `json:"source"`
	Kind   Kind   `json:"kind"`
	// RunID ties the event to a run where one exists.
	RunID string `json:"run_id,omitempty"`
	// Detail carries kind-specific context (status, iteration, drop
	// reason).
	Detail string `json:"detail,omitempty"`
}

// Bus is a non-blocking broadcast bus. Subscribers receive events on
// buffered channels; slow subscribers miss events rather than blocking
// publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel handed to a subscriber
	// back to the bidirectional channel stored in subs, so Unsubscribe
	// can accept the caller's view of the channel.
	recvToSend map[<-chan Event]chan Event
}

// New creates an event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers, stamping the time if the
// publisher did not. Non-blocking: a full subscriber channel drops the
// event for that subscriber. Safe on a nil receiver.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// subscriber is full, drop rather than block
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually Unsubscribe to avoid leaking the channel.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Calling
// it twice with the same channel is a no-op.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
