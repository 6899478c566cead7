// Package bus moves supervisor lifecycle events between components, in
// process or over NATS.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event is one lifecycle notification published on the bus.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"` // Component that produced the event
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// NewEvent creates a new event with a UUID and current timestamp
func NewEvent(eventType, source string, data map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// Handler consumes events delivered to a subscription. Handlers must not
// block; slow consumers hand off to their own goroutine.
type Handler func(ctx context.Context, subject string, event *Event)

// Subscription is an active subject subscription.
type Subscription interface {
	Unsubscribe() error
}

// EventBus publishes supervisor lifecycle events to subject subscribers.
// Subjects use NATS matching rules: "*" matches one token, a trailing ">"
// matches one or more remaining tokens.
type EventBus interface {
	Publish(ctx context.Context, subject string, event *Event) error
	Subscribe(subject string, handler Handler) (Subscription, error)
	Close()
}
