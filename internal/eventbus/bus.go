// Package eventbus is the page-scoped broadcast channel between the
// session controller and an a priori unknown set of cell widgets.
// Delivery is synchronous and in subscription order, so publishes to a
// single topic observe a total order.
package eventbus

import (
	"context"
	"sync"

	"pkt.systems/cellbook/schema"
	"pkt.systems/pslog"
)

// Event is the union payload delivered to topic subscribers.
type Event struct {
	Topic     schema.Topic
	Status    schema.StatusEvent
	Injection schema.InjectionEvent
	Conflict  schema.ConflictEvent
	Cell      schema.CellEvent
}

// Handler receives one published event.
type Handler func(event Event)

type subscription struct {
	id      int
	handler Handler
}

// Bus fans events out to topic subscribers.
type Bus struct {
	mu   sync.Mutex
	next int
	subs map[schema.Topic][]subscription
	log  pslog.Logger
}

// New constructs a Bus.
func New(logger pslog.Logger) *Bus {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Bus{
		subs: make(map[schema.Topic][]subscription),
		log:  logger,
	}
}

// Subscribe registers a handler for the topic and returns a cancel func.
// Handlers run synchronously inside Publish, in subscription order.
func (b *Bus) Subscribe(topic schema.Topic, handler Handler) func() {
	if b == nil || handler == nil {
		return func() {}
	}
	b.mu.Lock()
	b.next++
	id := b.next
	b.subs[topic] = append(b.subs[topic], subscription{id: id, handler: handler})
	count := len(b.subs[topic])
	b.mu.Unlock()
	if b.log != nil {
		b.log.Debug("eventbus subscribe", "topic", topic, "subs", count)
	}
	return func() {
		b.mu.Lock()
		subs := b.subs[topic]
		for i, sub := range subs {
			if sub.id == id {
				b.subs[topic] = append(subs[:i:i], subs[i+1:]...)
				break
			}
		}
		if len(b.subs[topic]) == 0 {
			delete(b.subs, topic)
		}
		b.mu.Unlock()
		if b.log != nil {
			b.log.Debug("eventbus unsubscribe", "topic", topic)
		}
	}
}

// OnActivate broadcasts the activate action to every widget.
func (b *Bus) OnActivate(schema.ActivateEvent) {
	b.publish(Event{Topic: schema.TopicActivate})
}

// OnReset broadcasts the reset action to every widget.
func (b *Bus) OnReset(schema.ResetEvent) {
	b.publish(Event{Topic: schema.TopicReset})
}

// OnStatus broadcasts a session status update.
func (b *Bus) OnStatus(event schema.StatusEvent) {
	b.publish(Event{Topic: schema.TopicStatus, Status: event})
}

// OnInjection broadcasts the injected setup notice.
func (b *Bus) OnInjection(event schema.InjectionEvent) {
	b.publish(Event{Topic: schema.TopicInjection, Injection: event})
}

// OnConflict broadcasts the default chosen for ambiguous configuration.
func (b *Bus) OnConflict(event schema.ConflictEvent) {
	b.publish(Event{Topic: schema.TopicConflict, Conflict: event})
}

// OnCell broadcasts a per-cell state transition.
func (b *Bus) OnCell(event schema.CellEvent) {
	b.publish(Event{Topic: schema.TopicCell, Cell: event})
}

func (b *Bus) publish(event Event) {
	if b == nil {
		return
	}
	b.mu.Lock()
	subs := append([]subscription(nil), b.subs[event.Topic]...)
	b.mu.Unlock()
	for _, sub := range subs {
		sub.handler(event)
	}
	if b.log != nil {
		b.log.Trace("eventbus publish", "topic", event.Topic, "subs", len(subs))
	}
}
