package unread

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

func mustTime(t *testing.T, s string) time.Time {
	t.Helper()
	parsed, err := time.Parse(time.RFC3339, s)
	require.NoError(t, err)
	return parsed
}

// seedThread creates a thread with one participant, n messages from
// agent-sender, and a cursor at lastRead for the participant.
func seedThread(t *testing.T, st *store.MemoryStore, threadID, agentID string, latest, lastRead int64) {
	t.Helper()
	ctx := context.Background()
	err := st.CreateThread(ctx, &v1.Thread{
		ID: threadID, WorkspaceID: "ws-1", Title: "t",
		Type: v1.ThreadTypeConversation, Status: v1.ThreadStatusActive,
		CreatedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	require.NoError(t, st.AddParticipant(ctx, threadID, agentID))
	for i := int64(0); i < latest; i++ {
		_, err := st.AppendMessage(ctx, &v1.Message{
			ID: threadID + "-m" + string(rune('a'+i)), ThreadID: threadID,
			SenderAgentID: "agent-sender", Kind: v1.MessageKindChat,
			Body: "hello", CreatedAt: time.Now().UTC(),
		})
		require.NoError(t, err)
	}
	if lastRead > 0 {
		_, err := st.AcknowledgeRead(ctx, threadID, agentID, lastRead, nil, time.Now().UTC())
		require.NoError(t, err)
	}
}

func seedSession(t *testing.T, st *store.MemoryStore, agentID string, status v1.SessionStatus, heartbeatAt time.Time) {
	t.Helper()
	_, err := st.UpsertSessionFromHeartbeat(context.Background(), &v1.Heartbeat{
		AgentID: agentID, WorkspaceID: "ws-1", SessionID: "sess-" + agentID,
		Runtime: "tmux:main:work.0", Resumable: true,
		Status: status, HeartbeatAt: heartbeatAt,
	})
	require.NoError(t, err)
}

func TestReconcileUnreadDormantParticipant(t *testing.T) {
	st := store.NewMemoryStore()
	seedThread(t, st, "th_02", "agent_b", 6, 2)
	seedSession(t, st, "agent_b", v1.SessionStatusIdle, mustTime(t, "2026-02-18T10:00:00Z"))

	rec := NewReconciler(st, st, logger.Default())
	result, err := rec.Reconcile(context.Background(), Input{
		WorkspaceID:     "ws-1",
		StaleAfterHours: 12,
		PolledAt:        mustTime(t, "2026-02-18T10:10:00Z"),
	})
	require.NoError(t, err)

	require.Len(t, result.Candidates, 1)
	c := result.Candidates[0]
	assert.Equal(t, "th_02", c.ThreadID)
	assert.Equal(t, "agent_b", c.ParticipantAgentID)
	assert.Equal(t, int64(4), c.UnreadCount)
	assert.Equal(t, int64(6), c.LatestSeq)
	assert.Equal(t, int64(2), c.LastReadSeq)
	assert.Equal(t, "idle", c.SessionStatus)
	assert.Equal(t, ReasonNewUnreadDormant, c.Reason)
	assert.Equal(t, 1, result.Stats.UnreadParticipants)
	assert.Equal(t, 1, result.Stats.DormantUnreadParticipants)
}

func TestReconcileSkipsActiveParticipant(t *testing.T) {
	st := store.NewMemoryStore()
	polledAt := mustTime(t, "2026-02-18T10:10:00Z")
	seedThread(t, st, "th_02", "agent_b", 6, 2)
	seedSession(t, st, "agent_b", v1.SessionStatusActive, polledAt.Add(-time.Minute))

	rec := NewReconciler(st, st, logger.Default())
	result, err := rec.Reconcile(context.Background(), Input{
		WorkspaceID: "ws-1", StaleAfterHours: 12, PolledAt: polledAt,
	})
	require.NoError(t, err)

	assert.Empty(t, result.Candidates)
	assert.Equal(t, 1, result.Stats.UnreadParticipants)
	assert.Equal(t, 0, result.Stats.DormantUnreadParticipants)
}

func TestReconcileActiveButStaleIsDormant(t *testing.T) {
	st := store.NewMemoryStore()
	polledAt := mustTime(t, "2026-02-18T10:10:00Z")
	seedThread(t, st, "th_02", "agent_b", 6, 2)
	seedSession(t, st, "agent_b", v1.SessionStatusActive, polledAt.Add(-13*time.Hour))

	rec := NewReconciler(st, st, logger.Default())
	result, err := rec.Reconcile(context.Background(), Input{
		WorkspaceID: "ws-1", StaleAfterHours: 12, PolledAt: polledAt,
	})
	require.NoError(t, err)

	require.Len(t, result.Candidates, 1)
	assert.True(t, result.Candidates[0].StaleSession)
}

func TestReconcileMissingSessionIsDormant(t *testing.T) {
	st := store.NewMemoryStore()
	seedThread(t, st, "th_02", "agent_b", 3, 0)

	rec := NewReconciler(st, st, logger.Default())
	result, err := rec.Reconcile(context.Background(), Input{
		WorkspaceID: "ws-1", StaleAfterHours: 12, PolledAt: time.Now().UTC(),
	})
	require.NoError(t, err)

	require.Len(t, result.Candidates, 1)
	assert.Equal(t, SessionStatusMissing, result.Candidates[0].SessionStatus)
	assert.Nil(t, result.Candidates[0].SessionID)
}

func TestReconcileDedupAcrossTicks(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	seedThread(t, st, "th_02", "agent_b", 6, 2)
	seedSession(t, st, "agent_b", v1.SessionStatusIdle, mustTime(t, "2026-02-18T10:00:00Z"))

	rec := NewReconciler(st, st, logger.Default())

	first, err := rec.Reconcile(ctx, Input{
		WorkspaceID: "ws-1", StaleAfterHours: 12,
		PolledAt: mustTime(t, "2026-02-18T10:10:00Z"),
	})
	require.NoError(t, err)
	require.Len(t, first.Candidates, 1)

	// Identical snapshot one minute later: dedup latch suppresses.
	second, err := rec.Reconcile(ctx, Input{
		WorkspaceID: "ws-1", StaleAfterHours: 12,
		PolledAt: mustTime(t, "2026-02-18T10:11:00Z"),
	})
	require.NoError(t, err)
	assert.Empty(t, second.Candidates)
	assert.Equal(t, len(first.Candidates), second.Stats.DeduplicatedParticipants)

	// New message moves the frontier; a fresh candidate appears.
	_, err = st.AppendMessage(ctx, &v1.Message{
		ID: "m7", ThreadID: "th_02", SenderAgentID: "agent-sender",
		Kind: v1.MessageKindChat, Body: "more", CreatedAt: time.Now().UTC(),
	})
	require.NoError(t, err)

	third, err := rec.Reconcile(ctx, Input{
		WorkspaceID: "ws-1", StaleAfterHours: 12,
		PolledAt: mustTime(t, "2026-02-18T10:12:00Z"),
	})
	require.NoError(t, err)
	require.Len(t, third.Candidates, 1)
	assert.Equal(t, int64(7), third.Candidates[0].LatestSeq)
}

func TestReconcileCaughtUpParticipantYieldsNothing(t *testing.T) {
	st := store.NewMemoryStore()
	seedThread(t, st, "th_02", "agent_b", 4, 4)

	rec := NewReconciler(st, st, logger.Default())
	result, err := rec.Reconcile(context.Background(), Input{
		WorkspaceID: "ws-1", StaleAfterHours: 12, PolledAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	assert.Empty(t, result.Candidates)
	assert.Equal(t, 0, result.Stats.UnreadParticipants)
}

func TestReconcileRejectsNonPositiveStaleness(t *testing.T) {
	rec := NewReconciler(store.NewMemoryStore(), store.NewMemoryStore(), logger.Default())
	_, err := rec.Reconcile(context.Background(), Input{
		WorkspaceID: "ws-1", StaleAfterHours: 0, PolledAt: time.Now().UTC(),
	})
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeInvalidArgument, apperrors.CodeOf(err))
}
