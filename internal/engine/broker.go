package engine

import (
	"sync"
	"time"
)

// subscriberBufferSize is the channel buffer for each event subscriber.
// Events are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 64

// closedTopicRetention is how long a finished job's closed marker is kept.
// It only has to cover the gap between a subscriber reading a non-terminal
// status from the journal and subscribing; later subscribers are answered
// from the journal.
const closedTopicRetention = time.Minute

// Event is one lifecycle step of a compilation job.
type Event struct {
	Type    string    `json:"type"`
	Detail  string    `json:"detail,omitempty"`
	Attempt int       `json:"attempt,omitempty"`
	Time    time.Time `json:"time"`
}

// EventBroker fans out per-job lifecycle events to subscribers.
// It is safe for concurrent use.
//
// Closed topics are retained as markers for closedTopicRetention so that late
// subscribers (those subscribing just after a job finishes) receive a closed
// channel instead of blocking forever. Expired markers are swept on Close.
type EventBroker struct {
	mu     sync.Mutex
	topics map[string]*eventTopic
	retain time.Duration
	now    func() time.Time
}

type eventTopic struct {
	subs     map[int]chan Event
	nextID   int
	closed   bool
	closedAt time.Time
}

// NewEventBroker creates a new event broker.
func NewEventBroker() *EventBroker {
	return &EventBroker{
		topics: make(map[string]*eventTopic),
		retain: closedTopicRetention,
		now:    time.Now,
	}
}

// Subscribe returns a channel that receives events for the given job and an
// unsubscribe function. If the job has already finished, the returned channel
// is immediately closed.
func (b *EventBroker) Subscribe(jobID string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[jobID]
	if !ok {
		t = &eventTopic{subs: make(map[int]chan Event)}
		b.topics[jobID] = t
	}

	ch := make(chan Event, subscriberBufferSize)
	if t.closed {
		close(ch)
		return ch, func() {}
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(t.subs, id)
	}
}

// Publish sends an event to all subscribers of the given job. Events are
// dropped for subscribers whose buffers are full.
func (b *EventBroker) Publish(jobID string, ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[jobID]
	if !ok || t.closed {
		return
	}

	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	for _, ch := range t.subs {
		select {
		case ch <- ev:
		default:
			// Drop for slow subscribers to avoid blocking the job.
		}
	}
}

// Close signals that the job has ended. All subscriber channels are closed
// and Subscribe calls within the retention return a closed channel.
func (b *EventBroker) Close(jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.sweep(now)

	t, ok := b.topics[jobID]
	if !ok {
		b.topics[jobID] = &eventTopic{subs: make(map[int]chan Event), closed: true, closedAt: now}
		return
	}

	t.closed = true
	t.closedAt = now
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}

// sweep drops closed markers older than the retention. Must be called with
// b.mu held.
func (b *EventBroker) sweep(now time.Time) {
	for id, t := range b.topics {
		if t.closed && now.Sub(t.closedAt) >= b.retain {
			delete(b.topics, id)
		}
	}
}

// topicCount returns the number of tracked topics, open or closed.
func (b *EventBroker) topicCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics)
}
