// Package events provides the in-process event bus that carries request,
// item, assignment and encoder updates to API subscribers. Delivery is
// best-effort: a slow subscriber loses its oldest events, never the newest.
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/jmylchreest/fetcharr/internal/models"
)

// Type tags an event on the bus.
type Type string

const (
	TypeRequestCreated      Type = "request.created"
	TypeRequestUpdated      Type = "request.updated"
	TypeItemUpdated         Type = "item.updated"
	TypeItemProgress        Type = "item.progress"
	TypeAssignmentUpdated   Type = "assignment.updated"
	TypeJobProgress         Type = "job.progress"
	TypeEncoderConnected    Type = "encoder.connected"
	TypeEncoderDisconnected Type = "encoder.disconnected"
)

// Event is one bus message. RequestID/ItemID/JobID are set where they apply;
// Payload carries the event-specific body.
type Event struct {
	Type      Type         `json:"type"`
	RequestID *models.ULID `json:"request_id,omitempty"`
	ItemID    *models.ULID `json:"item_id,omitempty"`
	JobID     string       `json:"job_id,omitempty"`
	Payload   any          `json:"payload,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

// Subscriber receives events on its channel until Unsubscribe closes it.
type Subscriber struct {
	ID     string
	Events chan Event

	types map[Type]struct{}
}

// wants reports whether the subscriber's filter matches the event type.
// An empty filter matches everything.
func (s *Subscriber) wants(t Type) bool {
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[t]
	return ok
}

// Bus fans events out to subscribers. Each subscriber owns a buffered
// channel; when a channel is full the oldest buffered event is dropped to
// make room, so a stalled reader sees the most recent state when it resumes.
type Bus struct {
	mu          sync.Mutex
	subscribers map[string]*Subscriber
	bufferSize  int
	logger      *slog.Logger
}

// NewBus creates an event bus.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		subscribers: make(map[string]*Subscriber),
		bufferSize:  100,
		logger:      logger.With("component", "event_bus"),
	}
}

// Subscribe registers a subscriber. With no types given, every event is
// delivered; otherwise only the listed types.
func (b *Bus) Subscribe(types ...Type) *Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscriber{
		ID:     ulid.Make().String(),
		Events: make(chan Event, b.bufferSize),
	}
	if len(types) > 0 {
		sub.types = make(map[Type]struct{}, len(types))
		for _, t := range types {
			sub.types[t] = struct{}{}
		}
	}

	b.subscribers[sub.ID] = sub
	b.logger.Debug("subscriber added", "subscriber_id", sub.ID)
	return sub
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(subscriberID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub, ok := b.subscribers[subscriberID]; ok {
		close(sub.Events)
		delete(b.subscribers, subscriberID)
		b.logger.Debug("subscriber removed", "subscriber_id", subscriberID)
	}
}

// Publish delivers the event to every matching subscriber. Publishing never
// blocks: a full subscriber buffer sheds its oldest event first.
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subscribers {
		if !sub.wants(event.Type) {
			continue
		}
		select {
		case sub.Events <- event:
		default:
			// Buffer full: shed the oldest event, then deliver.
			select {
			case <-sub.Events:
			default:
			}
			select {
			case sub.Events <- event:
			default:
			}
			b.logger.Debug("subscriber buffer full, dropped oldest event",
				"subscriber_id", sub.ID,
				"event_type", event.Type,
			)
		}
	}
}

// SubscriberCount returns the number of registered subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}
