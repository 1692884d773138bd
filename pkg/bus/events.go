package bus

import (
	"context"
	"sync"
	"time"
)

type EventType string

const (
	EventAdapterStarted  EventType = "adapter_started"
	EventReceiverStopped EventType = "receiver_stopped"
	EventSenderStopped   EventType = "sender_stopped"
	EventDeliveryFailed  EventType = "delivery_failed"
)

// Event reports an adapter lifecycle change. Error is set when a unit died on a fault.
type Event struct {
	Type      EventType `json:"type"`
	At        time.Time `json:"at"`
	Adapter   string    `json:"adapter"`
	Channel   string    `json:"channel,omitempty"`
	MessageID string    `json:"message_id,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Fatal reports whether the event marks a unit that stopped on a fault.
func (e Event) Fatal() bool {
	return (e.Type == EventReceiverStopped || e.Type == EventSenderStopped) && e.Error != ""
}

func (mb *MessageBus) PublishEvent(ctx context.Context, event Event) bool {
	if ctx == nil {
		ctx = context.Background()
	}

	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	select {
	case <-mb.done:
		return false
	default:
	}

	mb.mu.RLock()
	defer mb.mu.RUnlock()

	for _, ch := range mb.eventSubscribers {
		select {
		case ch <- event:
		default:
			// Slow subscribers lose events; adapters never wait on observers.
		}
	}

	return true
}

func (mb *MessageBus) SubscribeEvents(ctx context.Context, buffer int) (<-chan Event, func()) {
	if ctx == nil {
		ctx = context.Background()
	}
	if buffer <= 0 {
		buffer = defaultBufferSize
	}

	ch := make(chan Event, buffer)

	mb.mu.Lock()
	select {
	case <-mb.done:
		mb.mu.Unlock()
		close(ch)
		return ch, func() {}
	default:
	}

	id := mb.nextEventSubscriberID
	mb.nextEventSubscriberID++
	mb.eventSubscribers[id] = ch
	mb.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			mb.mu.Lock()
			if eventCh, ok := mb.eventSubscribers[id]; ok {
				delete(mb.eventSubscribers, id)
				close(eventCh)
			}
			mb.mu.Unlock()
		})
	}

	go func() {
		select {
		case <-ctx.Done():
			unsubscribe()
		case <-mb.done:
			unsubscribe()
		}
	}()

	return ch, unsubscribe
}
