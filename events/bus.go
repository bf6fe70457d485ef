// Package events is the engine's local pub/sub surface.
//
// Everything the engine announces (connectivity flips, credential lifecycle,
// entry updates) goes through one Bus. It is strictly in-process: callbacks,
// not a wire protocol, and no delivery guarantees beyond "subscribers alive
// at publish time get called once".
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Topic names. These are the only topics the engine publishes on.
const (
	ConnectivityChanged = "connectivity-changed"
	CredentialInvalid   = "credential-invalid"
	CredentialRefreshed = "credential-refreshed"
	EntryUpdated        = "entry-updated"
)

// Event is one announcement. Key is set only for EntryUpdated.
type Event struct {
	Topic   string
	Key     string
	At      time.Time
	Payload any
}

// Handler receives events for one topic. Handlers run synchronously on the
// publishing goroutine and must be fast; anything slow belongs in the
// handler's own goroutine.
type Handler func(Event)

/*
Bus fans events out to per-topic handlers.

Subscribe returns a cancel function; cancelling twice is safe. Publish with
no subscribers is a no-op. A panicking handler is dropped from the topic so
one bad subscriber cannot take down the publish path for everyone else.
*/
type Bus struct {
	mu     sync.RWMutex
	topics map[string]map[string]Handler
}

func NewBus() *Bus {
	return &Bus{topics: make(map[string]map[string]Handler)}
}

// Subscribe registers fn for topic and returns its cancel function.
func (b *Bus) Subscribe(topic string, fn Handler) func() {
	id := uuid.NewString()

	b.mu.Lock()
	subs := b.topics[topic]
	if subs == nil {
		subs = make(map[string]Handler)
		b.topics[topic] = subs
	}
	subs[id] = fn
	b.mu.Unlock()

	return func() { b.remove(topic, id) }
}

// Publish delivers ev to every current subscriber of ev.Topic.
func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	// Snapshot handlers under the read lock, call outside it: a handler may
	// itself subscribe or cancel.
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.topics[ev.Topic]))
	ids := make([]string, 0, len(b.topics[ev.Topic]))
	for id, fn := range b.topics[ev.Topic] {
		handlers = append(handlers, fn)
		ids = append(ids, id)
	}
	b.mu.RUnlock()

	for i, fn := range handlers {
		b.call(ev, fn, ids[i])
	}
}

// call invokes one handler, evicting it if it panics.
func (b *Bus) call(ev Event, fn Handler, id string) {
	defer func() {
		if r := recover(); r != nil {
			b.remove(ev.Topic, id)
		}
	}()
	fn(ev)
}

func (b *Bus) remove(topic, id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if subs := b.topics[topic]; subs != nil {
		delete(subs, id)
		if len(subs) == 0 {
			delete(b.topics, topic)
		}
	}
}

// SubscriberCount reports how many handlers are registered for topic.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}
