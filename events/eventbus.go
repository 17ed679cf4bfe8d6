package events

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/decentcloud/dcledger/block"
	"github.com/decentcloud/dcledger/ledger"
	"github.com/decentcloud/dcledger/logx"
)

const subscriberBuffer = 64

type SubscriberID string

type Subscriber struct {
	ID      SubscriberID
	Channel chan LedgerEvent
	// labels filters entry events; empty means every label.
	labels map[string]struct{}
}

func (s *Subscriber) wants(ev LedgerEvent) bool {
	if len(s.labels) == 0 || ev.Label() == "" {
		return true
	}
	_, ok := s.labels[ev.Label()]
	return ok
}

// EventBus fans ledger events out to subscribers. Publishing never blocks:
// a subscriber whose buffer is full misses the event.
type EventBus struct {
	subscribers map[SubscriberID]*Subscriber
	mu          sync.RWMutex
}

func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[SubscriberID]*Subscriber),
	}
}

// Attach publishes a BlockCommitted event and one EntryCommitted event per
// entry for every block the ledger accepts from now on.
func (eb *EventBus) Attach(l *ledger.Ledger) {
	l.Subscribe(func(height uint64, pos int64, b *block.Block) {
		eb.Publish(NewBlockCommitted(height, pos, b))
		for _, e := range b.Entries {
			eb.Publish(NewEntryCommitted(height, b.Hash, e))
		}
	})
}

func (eb *EventBus) Subscribe(labels ...string) (SubscriberID, <-chan LedgerEvent) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	id := SubscriberID(uuid.Must(uuid.NewV7()).String())
	sub := &Subscriber{
		ID:      id,
		Channel: make(chan LedgerEvent, subscriberBuffer),
	}
	if len(labels) > 0 {
		sub.labels = make(map[string]struct{}, len(labels))
		for _, l := range labels {
			sub.labels[l] = struct{}{}
		}
	}
	eb.subscribers[id] = sub

	logx.Info("EVENTBUS", fmt.Sprintf("subscribed | subscriber_id=%s | labels=%v | total_subscribers=%d", id, labels, len(eb.subscribers)))
	return id, sub.Channel
}

// Unsubscribe removes the subscriber and closes its channel.
func (eb *EventBus) Unsubscribe(id SubscriberID) bool {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	sub, ok := eb.subscribers[id]
	if !ok {
		logx.Warn("EVENTBUS", fmt.Sprintf("unsubscribe of unknown subscriber | subscriber_id=%s", id))
		return false
	}
	delete(eb.subscribers, id)
	close(sub.Channel)

	logx.Info("EVENTBUS", fmt.Sprintf("unsubscribed | subscriber_id=%s | remaining_subscribers=%d", id, len(eb.subscribers)))
	return true
}

func (eb *EventBus) Publish(ev LedgerEvent) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	for id, sub := range eb.subscribers {
		if !sub.wants(ev) {
			continue
		}
		select {
		case sub.Channel <- ev:
		default:
			logx.Warn("EVENTBUS", fmt.Sprintf("subscriber channel full, dropping event | subscriber_id=%s | event_type=%s | height=%d", id, ev.Type(), ev.Height()))
		}
	}
}

func (eb *EventBus) GetTotalSubscriptions() int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.subscribers)
}

func (eb *EventBus) HasSubscriber(id SubscriberID) bool {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	_, ok := eb.subscribers[id]
	return ok
}
