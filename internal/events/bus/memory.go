package bus

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/orkiva/orkiva/internal/common/logger"
)

// MemoryEventBus is the in-process EventBus used when no NATS URL is
// configured. Delivery is synchronous on the publisher's goroutine.
type MemoryEventBus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]*memorySubscription
	logger *logger.Logger
	closed bool
}

type memorySubscription struct {
	id      int
	bus     *MemoryEventBus
	pattern []string
	handler Handler
}

// NewMemoryEventBus creates a new in-memory event bus
func NewMemoryEventBus(log *logger.Logger) *MemoryEventBus {
	return &MemoryEventBus{
		subs:   make(map[int]*memorySubscription),
		logger: log,
	}
}

// Publish delivers an event to every subscription whose pattern matches the
// subject.
func (b *MemoryEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("event bus is closed")
	}
	tokens := strings.Split(subject, ".")
	matched := make([]*memorySubscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if subjectMatches(tokens, sub.pattern) {
			matched = append(matched, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range matched {
		sub.handler(ctx, subject, event)
	}

	b.logger.Debug("Published event",
		zap.String("subject", subject),
		zap.String("event_id", event.ID),
		zap.String("event_type", event.Type))
	return nil
}

// Subscribe registers a handler for a subject pattern.
func (b *MemoryEventBus) Subscribe(subject string, handler Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("event bus is closed")
	}

	b.nextID++
	sub := &memorySubscription{
		id:      b.nextID,
		bus:     b,
		pattern: strings.Split(subject, "."),
		handler: handler,
	}
	b.subs[sub.id] = sub

	b.logger.Debug("Subscribed to subject", zap.String("subject", subject))
	return sub, nil
}

// Unsubscribe removes the subscription
func (s *memorySubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	delete(s.bus.subs, s.id)
	return nil
}

// Close drops all subscriptions and rejects further publishes.
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = make(map[int]*memorySubscription)
	b.logger.Info("Memory event bus closed")
}

// subjectMatches applies NATS matching rules token by token: "*" matches
// exactly one token, ">" matches one or more remaining tokens.
func subjectMatches(subject, pattern []string) bool {
	for i, p := range pattern {
		if p == ">" {
			return len(subject) > i
		}
		if i >= len(subject) {
			return false
		}
		if p != "*" && p != subject[i] {
			return false
		}
	}
	return len(subject) == len(pattern)
}
