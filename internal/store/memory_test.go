package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/orkiva/orkiva/internal/common/errors"
	v1 "github.com/orkiva/orkiva/pkg/api/v1"
)

func newTestThread(t *testing.T, s *MemoryStore, threadID string) {
	t.Helper()
	err := s.CreateThread(context.Background(), &v1.Thread{
		ID:          threadID,
		WorkspaceID: "ws-1",
		Title:       "test thread",
		Type:        v1.ThreadTypeConversation,
		Status:      v1.ThreadStatusActive,
		CreatedAt:   time.Now().UTC(),
	})
	require.NoError(t, err)
}

func TestAppendMessageAssignsGapFreeSequence(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	newTestThread(t, s, "th-1")

	for i := 1; i <= 3; i++ {
		msg, err := s.AppendMessage(ctx, &v1.Message{
			ID:            "msg-" + string(rune('a'+i)),
			ThreadID:      "th-1",
			SenderAgentID: "agent-a",
			Kind:          v1.MessageKindChat,
			Body:          "hello",
			CreatedAt:     time.Now().UTC(),
		})
		require.NoError(t, err)
		assert.Equal(t, int64(i), msg.Seq)
		assert.Equal(t, v1.MessageSchemaVersion, msg.SchemaVersion)
	}

	latest, err := s.LatestSeq(ctx, "th-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), latest)
}

func TestAppendMessageIdempotencyReturnsExisting(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	newTestThread(t, s, "th-1")

	key := "trigger-callback:trg_abc:v1"
	first, err := s.AppendMessage(ctx, &v1.Message{
		ID:             "msg-1",
		ThreadID:       "th-1",
		SenderAgentID:  "agent-a",
		Kind:           v1.MessageKindEvent,
		Body:           "woke up",
		IdempotencyKey: &key,
		CreatedAt:      time.Now().UTC(),
	})
	require.NoError(t, err)

	second, err := s.AppendMessage(ctx, &v1.Message{
		ID:             "msg-2",
		ThreadID:       "th-1",
		SenderAgentID:  "agent-a",
		Kind:           v1.MessageKindEvent,
		Body:           "woke up again",
		IdempotencyKey: &key,
		CreatedAt:      time.Now().UTC(),
	})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.Seq, second.Seq)

	latest, err := s.LatestSeq(ctx, "th-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), latest)
}

func TestAcknowledgeReadRejectsRegression(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	newTestThread(t, s, "th-1")
	now := time.Now().UTC()

	cur, err := s.AcknowledgeRead(ctx, "th-1", "agent-a", 5, nil, now)
	require.NoError(t, err)
	assert.Equal(t, int64(5), cur.LastReadSeq)

	_, err = s.AcknowledgeRead(ctx, "th-1", "agent-a", 3, nil, now)
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeCursorRegression, apperrors.CodeOf(err))

	got, err := s.GetCursor(ctx, "th-1", "agent-a")
	require.NoError(t, err)
	assert.Equal(t, int64(5), got.LastReadSeq)

	// Equal seq is a no-op, not a regression.
	_, err = s.AcknowledgeRead(ctx, "th-1", "agent-a", 5, nil, now)
	assert.NoError(t, err)
}

func TestHeartbeatLastWriterWins(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Now().UTC()

	hb := &v1.Heartbeat{
		AgentID:     "agent-a",
		WorkspaceID: "ws-1",
		SessionID:   "sess-1",
		Runtime:     "tmux:%5",
		Status:      v1.SessionStatusActive,
		HeartbeatAt: base,
	}
	_, err := s.UpsertSessionFromHeartbeat(ctx, hb)
	require.NoError(t, err)

	// Older heartbeat must not overwrite.
	stale := *hb
	stale.Runtime = "tmux:%9"
	stale.HeartbeatAt = base.Add(-time.Minute)
	rec, err := s.UpsertSessionFromHeartbeat(ctx, &stale)
	require.NoError(t, err)
	assert.Equal(t, "tmux:%5", rec.Runtime)

	// Newer heartbeat overwrites.
	fresh := *hb
	fresh.Runtime = "tmux:%7"
	fresh.Status = v1.SessionStatusIdle
	fresh.HeartbeatAt = base.Add(time.Minute)
	rec, err = s.UpsertSessionFromHeartbeat(ctx, &fresh)
	require.NoError(t, err)
	assert.Equal(t, "tmux:%7", rec.Runtime)
	assert.Equal(t, v1.SessionStatusIdle, rec.Status)
}

func TestHeartbeatSessionScopeMismatch(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := s.UpsertSessionFromHeartbeat(ctx, &v1.Heartbeat{
		AgentID: "agent-a", WorkspaceID: "ws-1", SessionID: "sess-1",
		Runtime: "tmux:%1", Status: v1.SessionStatusActive, HeartbeatAt: now,
	})
	require.NoError(t, err)

	_, err = s.UpsertSessionFromHeartbeat(ctx, &v1.Heartbeat{
		AgentID: "agent-b", WorkspaceID: "ws-1", SessionID: "sess-1",
		Runtime: "tmux:%2", Status: v1.SessionStatusActive, HeartbeatAt: now,
	})
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeSessionScopeMismatch, apperrors.CodeOf(err))
}

func TestMarkStaleSessionsOffline(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	for _, tc := range []struct {
		agent string
		age   time.Duration
	}{
		{"agent-fresh", time.Hour},
		{"agent-stale", 13 * time.Hour},
	} {
		_, err := s.UpsertSessionFromHeartbeat(ctx, &v1.Heartbeat{
			AgentID: tc.agent, WorkspaceID: "ws-1", SessionID: "sess-" + tc.agent,
			Runtime: "tmux:%1", Status: v1.SessionStatusActive,
			HeartbeatAt: now.Add(-tc.age),
		})
		require.NoError(t, err)
	}

	checked, transitioned, err := s.MarkStaleSessionsOffline(ctx, "ws-1", now.Add(-12*time.Hour), now)
	require.NoError(t, err)
	assert.Equal(t, 2, checked)
	assert.Equal(t, 1, transitioned)

	rec, err := s.GetSession(ctx, "agent-stale", "ws-1")
	require.NoError(t, err)
	assert.Equal(t, v1.SessionStatusOffline, rec.Status)

	rec, err = s.GetSession(ctx, "agent-fresh", "ws-1")
	require.NoError(t, err)
	assert.Equal(t, v1.SessionStatusActive, rec.Status)
}

func insertQueuedJob(t *testing.T, s *MemoryStore, id string, createdAt time.Time) {
	t.Helper()
	err := s.InsertTriggerJob(context.Background(), &v1.TriggerJob{
		ID:            id,
		ThreadID:      "th-1",
		WorkspaceID:   "ws-1",
		TargetAgentID: "agent-a",
		Reason:        "unread",
		Prompt:        "you have unread messages",
		Status:        v1.TriggerStatusQueued,
		MaxRetries:    2,
		CreatedAt:     createdAt,
	})
	require.NoError(t, err)
}

func TestClaimDueTriggerJobs(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	newTestThread(t, s, "th-1")
	now := time.Now().UTC()

	insertQueuedJob(t, s, "trg-old", now.Add(-2*time.Minute))
	insertQueuedJob(t, s, "trg-new", now.Add(-time.Minute))

	claimed, err := s.ClaimDueTriggerJobs(ctx, "ws-1", 1, now, 45*time.Second, nil)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "trg-old", claimed[0].ID)
	assert.Equal(t, v1.TriggerStatusTriggering, claimed[0].Status)
	assert.Equal(t, 1, claimed[0].Attempts)
	require.NotNil(t, claimed[0].LeaseExpiresAt)

	// The claimed job is invisible while its lease holds.
	claimed, err = s.ClaimDueTriggerJobs(ctx, "ws-1", 10, now, 45*time.Second, nil)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "trg-new", claimed[0].ID)

	// After the lease expires both jobs become claimable again, and each
	// re-claim increments attempts exactly once.
	later := now.Add(time.Minute)
	claimed, err = s.ClaimDueTriggerJobs(ctx, "ws-1", 10, later, 45*time.Second, nil)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	for _, job := range claimed {
		assert.Equal(t, 2, job.Attempts)
	}
}

func TestClaimSkipsJobsBeforeMinCreatedAt(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	newTestThread(t, s, "th-1")
	now := time.Now().UTC()

	insertQueuedJob(t, s, "trg-ancient", now.Add(-48*time.Hour))
	insertQueuedJob(t, s, "trg-recent", now.Add(-time.Minute))

	cutoff := now.Add(-time.Hour)
	claimed, err := s.ClaimDueTriggerJobs(ctx, "ws-1", 10, now, 45*time.Second, &cutoff)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "trg-recent", claimed[0].ID)
}

func TestClaimRespectsNextRetryAt(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	newTestThread(t, s, "th-1")
	now := time.Now().UTC()

	retryAt := now.Add(30 * time.Second)
	err := s.InsertTriggerJob(ctx, &v1.TriggerJob{
		ID: "trg-deferred", ThreadID: "th-1", WorkspaceID: "ws-1",
		TargetAgentID: "agent-a", Reason: "unread", Prompt: "p",
		Status: v1.TriggerStatusDeferred, NextRetryAt: &retryAt,
		MaxRetries: 2, CreatedAt: now,
	})
	require.NoError(t, err)

	claimed, err := s.ClaimDueTriggerJobs(ctx, "ws-1", 10, now, 45*time.Second, nil)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	claimed, err = s.ClaimDueTriggerJobs(ctx, "ws-1", 10, now.Add(31*time.Second), 45*time.Second, nil)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "trg-deferred", claimed[0].ID)
}

func TestClaimCallbackStageKeepsStageAndAttempts(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	newTestThread(t, s, "th-1")
	now := time.Now().UTC()

	retryAt := now
	err := s.InsertTriggerJob(ctx, &v1.TriggerJob{
		ID: "trg-cb", ThreadID: "th-1", WorkspaceID: "ws-1",
		TargetAgentID: "agent-a", Reason: "unread", Prompt: "p",
		Status: v1.TriggerStatusCallbackRetry, NextRetryAt: &retryAt,
		Attempts: 2, MaxRetries: 2, CreatedAt: now.Add(-time.Minute),
	})
	require.NoError(t, err)

	claimed, err := s.ClaimDueTriggerJobs(ctx, "ws-1", 10, now, 45*time.Second, nil)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, v1.TriggerStatusCallbackPending, claimed[0].Status)
	assert.Equal(t, 2, claimed[0].Attempts, "callback claims must not consume delivery attempts")
	assert.Nil(t, claimed[0].NextRetryAt)
}

func TestFindOpenAndDeliveredDedup(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	newTestThread(t, s, "th-1")
	now := time.Now().UTC()

	err := s.InsertTriggerJob(ctx, &v1.TriggerJob{
		ID: "trg-done", ThreadID: "th-1", WorkspaceID: "ws-1",
		TargetAgentID: "agent-a", Reason: "unread", Prompt: "p",
		Status: v1.TriggerStatusDelivered, LatestSeq: 7, CreatedAt: now,
	})
	require.NoError(t, err)

	open, err := s.FindOpenTriggerJob(ctx, "th-1", "agent-a")
	require.NoError(t, err)
	assert.Nil(t, open)

	// Delivered at seq 7 covers any frontier up to 7.
	covered, err := s.FindDeliveredTriggerJobAtSeq(ctx, "th-1", "agent-a", 5)
	require.NoError(t, err)
	require.NotNil(t, covered)
	assert.Equal(t, "trg-done", covered.ID)

	covered, err = s.FindDeliveredTriggerJobAtSeq(ctx, "th-1", "agent-a", 8)
	require.NoError(t, err)
	assert.Nil(t, covered)
}

func TestReconciliationLatchOnlyMovesForward(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.MarkNotified(ctx, "th-1", "agent-a", 5, now))
	require.NoError(t, s.MarkNotified(ctx, "th-1", "agent-a", 3, now))

	seq, err := s.GetLastNotifiedSeq(ctx, "th-1", "agent-a")
	require.NoError(t, err)
	assert.Equal(t, int64(5), seq)

	require.NoError(t, s.MarkNotified(ctx, "th-1", "agent-a", 9, now))
	seq, err = s.GetLastNotifiedSeq(ctx, "th-1", "agent-a")
	require.NoError(t, err)
	assert.Equal(t, int64(9), seq)
}

func TestThreadTransitions(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	newTestThread(t, s, "th-1")

	_, err := s.TransitionThread(ctx, "th-1", v1.ThreadStatusBlocked, nil, false)
	require.NoError(t, err)

	// blocked -> resolved is not in the transition table.
	_, err = s.TransitionThread(ctx, "th-1", v1.ThreadStatusResolved, nil, false)
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeInvalidThreadTransition, apperrors.CodeOf(err))

	// Operator override force-closes regardless.
	owner := "human_operator"
	thread, err := s.TransitionThread(ctx, "th-1", v1.ThreadStatusClosed, &owner, true)
	require.NoError(t, err)
	assert.Equal(t, v1.ThreadStatusClosed, thread.Status)
	assert.Equal(t, "human_operator", *thread.EscalationOwner)
}

func TestFallbackRunCounts(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	newTestThread(t, s, "th-1")
	now := time.Now().UTC()

	insertQueuedJob(t, s, "trg-1", now)
	require.NoError(t, s.InsertFallbackRun(ctx, &v1.TriggerFallbackRun{
		ID: "run-1", TriggerID: "trg-1", LaunchMode: v1.LaunchModeSpawn, StartedAt: now,
	}))

	counts, err := s.CountOpenFallbackRuns(ctx, "ws-1")
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Global)
	assert.Equal(t, 1, counts.PerAgent["agent-a"])

	require.NoError(t, s.FinishFallbackRun(ctx, "run-1", v1.FallbackOutcomeFinished, now))
	counts, err = s.CountOpenFallbackRuns(ctx, "ws-1")
	require.NoError(t, err)
	assert.Equal(t, 0, counts.Global)
}
