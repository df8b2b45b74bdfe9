package bus

import (
	"context"
	"strings"
	"sync"
)

// Event is a message published on the bus.
type Event struct {
	// Key scopes the event, usually a session ID. Subscribers with an
	// empty key receive events for every key.
	Key     string
	Topic   string
	Payload any
}

// Subscription represents an active subscription. Each subscription owns
// an unbounded delivery queue drained by its own goroutine, so a slow
// reader delays only itself and never the publisher.
type Subscription struct {
	id     int
	key    string
	prefix string
	ch     chan Event

	mu      sync.Mutex
	queue   []Event
	notify  chan struct{}
	done    chan struct{}
	stopped bool
}

// Ch returns the channel to receive events on. The channel is closed when
// the subscription is cancelled.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Key returns the key the subscription was registered with.
func (s *Subscription) Key() string {
	return s.key
}

func (s *Subscription) enqueue(ev Event) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscription) pump() {
	defer close(s.ch)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.notify:
				continue
			case <-s.done:
				return
			}
		}
		ev := s.queue[0]
		s.queue[0] = Event{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.ch <- ev:
		case <-s.done:
			return
		}
	}
}

// Pending returns the number of queued events not yet delivered.
func (s *Subscription) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Bus is an in-process pub/sub message bus keyed by session with topic
// prefix matching.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int
}

// New creates a new Bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*Subscription),
	}
}

// Subscribe registers a subscription for events with the given key whose
// topic starts with topicPrefix. An empty key or prefix matches everything.
// The subscription is removed when ctx is cancelled or Unsubscribe is called.
func (b *Bus) Subscribe(ctx context.Context, key, topicPrefix string) *Subscription {
	b.mu.Lock()
	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		key:    key,
		prefix: topicPrefix,
		ch:     make(chan Event),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	b.subs[sub.id] = sub
	b.mu.Unlock()

	go sub.pump()
	if ctx != nil && ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				b.Unsubscribe(sub)
			case <-sub.done:
			}
		}()
	}
	return sub
}

// Unsubscribe removes a subscription and closes its channel. Undelivered
// events are discarded. Calling it more than once is safe.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	_, ok := b.subs[sub.id]
	delete(b.subs, sub.id)
	b.mu.Unlock()
	if !ok {
		return
	}

	sub.mu.Lock()
	sub.stopped = true
	sub.queue = nil
	sub.mu.Unlock()
	close(sub.done)
}

// Publish sends an event to all matching subscribers. It never blocks on a
// subscriber.
func (b *Bus) Publish(key, topic string, payload any) {
	event := Event{
		Key:     key,
		Topic:   topic,
		Payload: payload,
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.key != "" && sub.key != key {
			continue
		}
		if sub.prefix != "" && !strings.HasPrefix(topic, sub.prefix) {
			continue
		}
		sub.enqueue(event)
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
