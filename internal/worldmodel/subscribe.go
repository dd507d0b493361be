package worldmodel

import (
	"github.com/google/uuid"

	"github.com/haasonsaas/synapse/pkg/models"
)

// DefaultSubscriberBuffer is the per-subscriber high-water mark.
const DefaultSubscriberBuffer = 256

// DroppedRange marks events a slow subscriber missed. Subscribers are never
// silently skipped: the gap is always announced in-band.
type DroppedRange struct {
	FromSeq int64 `json:"from_seq"`
	ToSeq   int64 `json:"to_seq"`
}

// Delivery is one message on a subscription stream: an event, optionally
// preceded by a dropped-range marker for events the subscriber missed.
type Delivery struct {
	Event   *models.Event
	Dropped *DroppedRange
}

// Subscription is a live, ordered stream of appended events.
type Subscription struct {
	id     string
	filter *Filter
	ch     chan Delivery

	// pending gap, attached to the next successful delivery.
	dropFrom int64
	dropTo   int64
}

// ID returns the subscription identifier.
func (s *Subscription) ID() string { return s.id }

// C is the delivery channel. It is closed when the subscription is canceled
// or the log shuts down.
func (s *Subscription) C() <-chan Delivery { return s.ch }

// Subscribe registers a new subscriber. Events are delivered in seq order
// with no gaps except those announced via DroppedRange markers. buffer <= 0
// uses DefaultSubscriberBuffer.
func (l *Log) Subscribe(filter *Filter, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	sub := &Subscription{
		id:     uuid.NewString(),
		filter: filter,
		ch:     make(chan Delivery, buffer),
	}
	l.mu.Lock()
	l.subs[sub.id] = sub
	l.mu.Unlock()
	return sub
}

// Unsubscribe cancels a subscription and closes its channel. Idempotent.
func (l *Log) Unsubscribe(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if sub, ok := l.subs[id]; ok {
		close(sub.ch)
		delete(l.subs, id)
	}
}

// broadcast fans an appended event out to subscribers. Called with l.mu
// held, so deliveries observe the append order exactly.
func (l *Log) broadcast(event *models.Event) {
	for _, sub := range l.subs {
		if !sub.filter.Matches(event) {
			continue
		}
		delivery := Delivery{Event: event.Clone()}
		if sub.dropFrom != 0 {
			delivery.Dropped = &DroppedRange{FromSeq: sub.dropFrom, ToSeq: sub.dropTo}
		}
		select {
		case sub.ch <- delivery:
			sub.dropFrom, sub.dropTo = 0, 0
		default:
			// Buffer at high-water mark: record the gap instead of blocking
			// the append path.
			if sub.dropFrom == 0 {
				sub.dropFrom = event.Seq
			}
			sub.dropTo = event.Seq
		}
	}
}
