package events

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orkiva/orkiva/internal/common/logger"
	"github.com/orkiva/orkiva/internal/events/bus"
)

func TestFeedRetainsRecentEventsNewestFirst(t *testing.T) {
	b := bus.NewMemoryEventBus(logger.Default())
	defer b.Close()

	feed, err := NewFeed(b, 10)
	require.NoError(t, err)
	defer feed.Close()

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, BuildTriggerSubject(TriggerScheduled, "trg_01"),
		bus.NewEvent(TriggerScheduled, "scheduler", nil)))
	require.NoError(t, b.Publish(ctx, BuildTriggerSubject(TriggerDelivered, "trg_01"),
		bus.NewEvent(TriggerDelivered, "trigger-worker", nil)))
	require.NoError(t, b.Publish(ctx, SupervisorTickCompleted,
		bus.NewEvent(SupervisorTickCompleted, "supervisor", nil)))

	entries := feed.Recent(0)
	require.Len(t, entries, 3)
	assert.Equal(t, SupervisorTickCompleted, entries[0].Subject)
	assert.Equal(t, "trigger.delivered.trg_01", entries[1].Subject)
	assert.Equal(t, "trigger.scheduled.trg_01", entries[2].Subject)

	limited := feed.Recent(2)
	require.Len(t, limited, 2)
	assert.Equal(t, SupervisorTickCompleted, limited[0].Subject)
}

func TestFeedDropsOldestBeyondCapacity(t *testing.T) {
	b := bus.NewMemoryEventBus(logger.Default())
	defer b.Close()

	feed, err := NewFeed(b, 3)
	require.NoError(t, err)
	defer feed.Close()

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		subject := BuildTriggerSubject(TriggerDeferred, fmt.Sprintf("trg_%02d", i))
		require.NoError(t, b.Publish(ctx, subject, bus.NewEvent(TriggerDeferred, "trigger-worker", nil)))
	}

	entries := feed.Recent(0)
	require.Len(t, entries, 3)
	assert.Equal(t, "trigger.deferred.trg_04", entries[0].Subject)
	assert.Equal(t, "trigger.deferred.trg_02", entries[2].Subject)
}

func TestFeedCloseStopsRecording(t *testing.T) {
	b := bus.NewMemoryEventBus(logger.Default())
	defer b.Close()

	feed, err := NewFeed(b, 10)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, SupervisorTickCompleted,
		bus.NewEvent(SupervisorTickCompleted, "supervisor", nil)))
	feed.Close()
	require.NoError(t, b.Publish(ctx, SupervisorTickCompleted,
		bus.NewEvent(SupervisorTickCompleted, "supervisor", nil)))

	assert.Len(t, feed.Recent(0), 1)
}
