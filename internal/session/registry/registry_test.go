package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/orkiva/orkiva/internal/common/errors"
	"github.com/orkiva/orkiva/internal/common/logger"
	"github.com/orkiva/orkiva/internal/store"
	v1 "github.com/orkiva/orkiva/pkg/api/v1"
)

func newTestRegistry() (*Registry, *store.MemoryStore) {
	st := store.NewMemoryStore()
	return New(st, nil, logger.Default()), st
}

func TestUpsertFromHeartbeatValidates(t *testing.T) {
	reg, _ := newTestRegistry()
	ctx := context.Background()

	_, err := reg.UpsertFromHeartbeat(ctx, &v1.Heartbeat{
		WorkspaceID: "ws-1", SessionID: "sess-1", HeartbeatAt: time.Now(),
	})
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeInvalidArgument, apperrors.CodeOf(err))
}

func TestUpsertFromHeartbeatLastWriterWins(t *testing.T) {
	reg, _ := newTestRegistry()
	ctx := context.Background()
	base := time.Now().UTC()

	hb := &v1.Heartbeat{
		AgentID: "agent-a", WorkspaceID: "ws-1", SessionID: "sess-1",
		Runtime: "tmux:%1", Status: v1.SessionStatusActive, HeartbeatAt: base,
	}
	rec, err := reg.UpsertFromHeartbeat(ctx, hb)
	require.NoError(t, err)
	assert.Equal(t, "tmux:%1", rec.Runtime)

	// Heartbeats arriving out of order: the final state equals the state
	// after the latest heartbeat, regardless of arrival order.
	older := *hb
	older.Runtime = "tmux:%0"
	older.HeartbeatAt = base.Add(-time.Second)
	rec, err = reg.UpsertFromHeartbeat(ctx, &older)
	require.NoError(t, err)
	assert.Equal(t, "tmux:%1", rec.Runtime)
}

func TestReconcileWorkspaceRuntimes(t *testing.T) {
	reg, _ := newTestRegistry()
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := reg.UpsertFromHeartbeat(ctx, &v1.Heartbeat{
		AgentID: "agent-stale", WorkspaceID: "ws-1", SessionID: "sess-1",
		Runtime: "tmux:%1", Status: v1.SessionStatusIdle,
		HeartbeatAt: now.Add(-13 * time.Hour),
	})
	require.NoError(t, err)
	_, err = reg.UpsertFromHeartbeat(ctx, &v1.Heartbeat{
		AgentID: "agent-fresh", WorkspaceID: "ws-1", SessionID: "sess-2",
		Runtime: "tmux:%2", Status: v1.SessionStatusActive,
		HeartbeatAt: now.Add(-time.Hour),
	})
	require.NoError(t, err)

	result, err := reg.ReconcileWorkspaceRuntimes(ctx, "ws-1", 12, now)
	require.NoError(t, err)
	assert.Equal(t, 2, result.CheckedRuntimes)
	assert.Equal(t, 1, result.TransitionedOffline)

	// A second pass is a no-op.
	result, err = reg.ReconcileWorkspaceRuntimes(ctx, "ws-1", 12, now)
	require.NoError(t, err)
	assert.Equal(t, 0, result.TransitionedOffline)
}

func TestReconcileRejectsNonPositiveStaleness(t *testing.T) {
	reg, _ := newTestRegistry()
	_, err := reg.ReconcileWorkspaceRuntimes(context.Background(), "ws-1", 0, time.Now())
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeInvalidArgument, apperrors.CodeOf(err))
}

func TestDeregisterRuntime(t *testing.T) {
	reg, st := newTestRegistry()
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := reg.UpsertFromHeartbeat(ctx, &v1.Heartbeat{
		AgentID: "agent-a", WorkspaceID: "ws-1", SessionID: "sess-1",
		Runtime: "tmux:%1", Resumable: true,
		Status: v1.SessionStatusActive, HeartbeatAt: now,
	})
	require.NoError(t, err)

	require.NoError(t, reg.DeregisterRuntime(ctx, "agent-a", "ws-1", now))

	rec, err := st.GetSession(ctx, "agent-a", "ws-1")
	require.NoError(t, err)
	assert.Equal(t, v1.SessionStatusOffline, rec.Status)
	assert.False(t, rec.Resumable)

	err = reg.DeregisterRuntime(ctx, "agent-missing", "ws-1", now)
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeNotFound, apperrors.CodeOf(err))
}
