package engine

import "sync"

// subscriberBufferSize is the channel buffer for each event subscriber.
// Lines are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 64

// EventBroker fans task event lines out to subscribers.
// It is safe for concurrent use.
//
// A topic lives while it has subscribers and is forgotten on Close, so the
// broker holds nothing for finished tasks. Close does not affect later
// subscribers: callers subscribe first and then check whether the task has
// already finished.
type EventBroker struct {
	mu     sync.Mutex
	topics map[string]*eventTopic
}

type eventTopic struct {
	subs   map[int]chan string
	nextID int
}

// NewEventBroker creates an empty broker.
func NewEventBroker() *EventBroker {
	return &EventBroker{
		topics: make(map[string]*eventTopic),
	}
}

// Subscribe returns a channel of event lines for taskID and a function that
// ends the subscription. The channel is closed by Close.
func (b *EventBroker) Subscribe(taskID string) (<-chan string, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[taskID]
	if !ok {
		t = &eventTopic{subs: make(map[int]chan string)}
		b.topics[taskID] = t
	}

	ch := make(chan string, subscriberBufferSize)
	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(t.subs, id)
		if len(t.subs) == 0 && b.topics[taskID] == t {
			delete(b.topics, taskID)
		}
	}
}

// Publish sends line to every subscriber of taskID and returns how many
// subscribers dropped it because their buffer was full.
func (b *EventBroker) Publish(taskID string, line string) (dropped int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[taskID]
	if !ok {
		return 0
	}

	for _, ch := range t.subs {
		select {
		case ch <- line:
		default:
			dropped++
		}
	}
	return dropped
}

// Close ends the stream for taskID: subscriber channels are closed and the
// topic is forgotten.
func (b *EventBroker) Close(taskID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[taskID]
	if !ok {
		return
	}
	delete(b.topics, taskID)
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}

// Subscribers returns the number of live subscriptions for taskID.
func (b *EventBroker) Subscribers(taskID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if t, ok := b.topics[taskID]; ok {
		return len(t.subs)
	}
	return 0
}

// Len returns the number of tasks with live subscriptions.
func (b *EventBroker) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics)
}
