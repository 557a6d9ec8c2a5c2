package controller

import (
	"sync"
	"time"
)

// EventType names what changed
type EventType string

const (
	EventState       EventType = "state"
	EventRemoteTrack EventType = "remote-track"
	EventDuration    EventType = "duration"
	EventError       EventType = "error"
)

// Event is one notification from a controller. Only the field matching Type is set.
type Event struct {
	Type     EventType
	State    State
	Track    RemoteTrack
	Duration time.Duration
	Err      error
}

const subscriberBuffer = 32

// eventBus is owned by exactly one controller and dies with it
type eventBus struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
	closed bool
}

func newEventBus() *eventBus {
	return &eventBus{subs: make(map[int]chan Event)}
}

func (b *eventBus) subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, subscriberBuffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub)
			}
		})
	}
}

// publish never blocks; a full subscriber misses the event
func (b *eventBus) publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (b *eventBus) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}
