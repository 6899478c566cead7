package events

import (
	"context"
	"sync"

	"github.com/orkiva/orkiva/internal/events/bus"
)

const defaultFeedCapacity = 256

// FeedEntry pairs a bus event with the subject it was published on.
type FeedEntry struct {
	Subject string     `json:"subject"`
	Event   *bus.Event `json:"event"`
}

// Feed subscribes to every subject and retains the most recent events for
// the inspection API.
type Feed struct {
	mu       sync.Mutex
	entries  []FeedEntry
	capacity int
	sub      bus.Subscription
}

// NewFeed subscribes to the bus and keeps the last capacity events.
func NewFeed(b bus.EventBus, capacity int) (*Feed, error) {
	if capacity <= 0 {
		capacity = defaultFeedCapacity
	}
	f := &Feed{capacity: capacity}
	sub, err := b.Subscribe(">", f.record)
	if err != nil {
		return nil, err
	}
	f.sub = sub
	return f, nil
}

func (f *Feed) record(_ context.Context, subject string, event *bus.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, FeedEntry{Subject: subject, Event: event})
	if len(f.entries) > f.capacity {
		f.entries = f.entries[len(f.entries)-f.capacity:]
	}
}

// Recent returns up to limit retained entries, newest first.
func (f *Feed) Recent(limit int) []FeedEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := len(f.entries)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]FeedEntry, limit)
	for i := 0; i < limit; i++ {
		out[i] = f.entries[n-1-i]
	}
	return out
}

// Close detaches the feed from the bus.
func (f *Feed) Close() {
	if f.sub != nil {
		_ = f.sub.Unsubscribe()
	}
}
