// Package bus implements the in-process broadcast fan-out from device
// pollers to the API, MQTT, and metrics subscribers: one bounded,
// drop-oldest buffer per subscriber so a stalled consumer never
// back-pressures the producers.
package bus

import (
	"sync"

	"modbus-gateway/internal/model"
)

// DefaultBufferSize is the per-subscriber buffer capacity Subscribe
// gives every subscriber.
const DefaultBufferSize = 256

// DroppedCounter receives a count of events dropped for a subscriber
// due to a full buffer, keyed by subscriber name. Implemented by the
// metrics registry; nil is a valid no-op.
type DroppedCounter interface {
	IncDropped(subscriber string, n int)
}

type subscriber struct {
	name string
	ch   chan model.Event
	mu   sync.Mutex
}

// Bus fans events out to any number of subscribers. It is safe for
// concurrent use by many producers and Subscribe/Unsubscribe callers.
type Bus struct {
	mu      sync.RWMutex
	subs    map[string]*subscriber
	dropped DroppedCounter
}

// New builds an empty Bus. dropped may be nil.
func New(dropped DroppedCounter) *Bus {
	return &Bus{subs: make(map[string]*subscriber), dropped: dropped}
}

// Subscribe registers a new subscriber and returns a receive-only
// channel of events produced from this point forward. name must be
// unique; a second Subscribe with the same name replaces the first.
func Subscribe(b *Bus, name string) <-chan model.Event {
	return b.subscribe(name, DefaultBufferSize)
}

// SubscribeBuffered is like Subscribe but with an explicit buffer size
// (at least 1).
func SubscribeBuffered(b *Bus, name string, size int) <-chan model.Event {
	return b.subscribe(name, size)
}

func (b *Bus) subscribe(name string, size int) <-chan model.Event {
	if size < 1 {
		size = 1
	}
	sub := &subscriber{name: name, ch: make(chan model.Event, size)}

	b.mu.Lock()
	b.subs[name] = sub
	b.mu.Unlock()

	return sub.ch
}

// Unsubscribe removes a subscriber and closes its channel. Safe to call
// on an unknown name.
func (b *Bus) Unsubscribe(name string) {
	b.mu.Lock()
	sub, ok := b.subs[name]
	if ok {
		delete(b.subs, name)
	}
	b.mu.Unlock()

	if ok {
		close(sub.ch)
	}
}

// Publish delivers ev to every current subscriber without blocking. If
// a subscriber's buffer is full, its single oldest queued event is
// dropped to make room, and events_dropped_total is incremented for
// that subscriber.
func (b *Bus) Publish(ev model.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		sub.send(ev, b.dropped)
	}
}

func (s *subscriber) send(ev model.Event, dropped DroppedCounter) {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case s.ch <- ev:
		return
	default:
	}

	// Buffer full: drop the oldest queued event, then enqueue the new one.
	select {
	case <-s.ch:
		if dropped != nil {
			dropped.IncDropped(s.name, 1)
		}
	default:
	}

	select {
	case s.ch <- ev:
	default:
		// Another producer raced us and refilled the buffer; drop this
		// event instead of blocking the caller.
		if dropped != nil {
			dropped.IncDropped(s.name, 1)
		}
	}
}
