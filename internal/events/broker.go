// Package events implements the in-process topic broadcast shared by the job
// and chat supervisors. Each subscription owns a bounded FIFO; publish never
// blocks and drops frames for saturated subscribers. Loss is acceptable
// because clients rehydrate from the REST detail endpoints on reconnect.
package events

import (
	"sync"

	"github.com/graememel-kap/pageindex-web/internal/common"
	"github.com/graememel-kap/pageindex-web/internal/models"
)

// Queue capacities per subscription.
const (
	JobQueueCapacity  = 200
	ChatQueueCapacity = 500
)

// Subscriber is one bounded event queue attached to a topic.
type Subscriber struct {
	ch chan models.Event
}

// C returns the receive side of the subscriber's queue.
func (s *Subscriber) C() <-chan models.Event {
	return s.ch
}

// Broker broadcasts events to the subscribers of a topic.
type Broker struct {
	mu     sync.Mutex
	topics map[string][]*Subscriber
	logger *common.Logger
}

// NewBroker creates an empty broker.
func NewBroker(logger *common.Logger) *Broker {
	return &Broker{
		topics: make(map[string][]*Subscriber),
		logger: logger,
	}
}

// Subscribe registers a new bounded queue on the topic.
func (b *Broker) Subscribe(topic string, capacity int) *Subscriber {
	sub := &Subscriber{ch: make(chan models.Event, capacity)}
	b.mu.Lock()
	b.topics[topic] = append(b.topics[topic], sub)
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes the subscriber from the topic. Empty topic entries are
// garbage-collected.
func (b *Broker) Unsubscribe(topic string, sub *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.topics[topic]
	for i, s := range subs {
		if s == sub {
			subs = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(subs) == 0 {
		delete(b.topics, topic)
	} else {
		b.topics[topic] = subs
	}
}

// Publish delivers the event to every subscriber of the topic without
// blocking. A full queue drops the frame for that subscriber only.
func (b *Broker) Publish(topic string, event models.Event) {
	b.mu.Lock()
	subs := append([]*Subscriber(nil), b.topics[topic]...)
	b.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.ch <- event:
		default:
			b.logger.Debug().
				Str("topic", topic).
				Str("event", event.Name).
				Msg("Dropping event for saturated subscriber")
		}
	}
}

// SubscriberCount reports the number of subscribers on a topic.
func (b *Broker) SubscriberCount(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics[topic])
}
