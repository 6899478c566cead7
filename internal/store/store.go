// Package store defines the persistence interfaces for the supervisor core
// and provides in-memory and PostgreSQL-backed implementations.
package store

import (
	"context"
	"time"

	v1 "github.com/orkiva/orkiva/pkg/api/v1"
)

// ParticipantSnapshot is one row of the per-tick unread view: a thread
// participant joined with the thread's latest sequence, the participant's
// cursor, and the participant's session record (nil when absent).
// Snapshots are assembled in one read-consistent pass.
type ParticipantSnapshot struct {
	ThreadID    string
	WorkspaceID string
	AgentID     string
	LatestSeq   int64
	LastReadSeq int64
	Session     *v1.SessionRecord
}

// FallbackCounts reports open fallback runs globally and per target agent.
type FallbackCounts struct {
	Global   int
	PerAgent map[string]int
}

// ThreadStore persists threads, participants, messages, and cursors.
type ThreadStore interface {
	CreateThread(ctx context.Context, thread *v1.Thread) error
	GetThread(ctx context.Context, threadID string) (*v1.Thread, error)
	ListThreads(ctx context.Context, workspaceID string, includeClosed bool) ([]*v1.Thread, error)
	// TransitionThread moves a thread to the next status, enforcing the
	// transition table. force bypasses the table for operator overrides.
	TransitionThread(ctx context.Context, threadID string, next v1.ThreadStatus, escalationOwner *string, force bool) (*v1.Thread, error)

	AddParticipant(ctx context.Context, threadID, agentID string) error
	ListParticipants(ctx context.Context, threadID string) ([]string, error)

	// AppendMessage assigns the next gap-free sequence number and inserts.
	// When the message carries an idempotency key already present for
	// (thread, sender), the existing message is returned unchanged.
	AppendMessage(ctx context.Context, msg *v1.Message) (*v1.Message, error)
	ListMessages(ctx context.Context, threadID string, limit int) ([]*v1.Message, error)
	LatestSeq(ctx context.Context, threadID string) (int64, error)
	// FindAckEvent returns the earliest event message from senderAgentID in
	// the thread created at or after since, or nil when none exists.
	FindAckEvent(ctx context.Context, threadID, senderAgentID string, since time.Time) (*v1.Message, error)

	// AcknowledgeRead advances a participant cursor. Regression fails with
	// CURSOR_REGRESSION and leaves the cursor untouched.
	AcknowledgeRead(ctx context.Context, threadID, agentID string, seq int64, messageID *string, now time.Time) (*v1.ParticipantCursor, error)
	GetCursor(ctx context.Context, threadID, agentID string) (*v1.ParticipantCursor, error)

	// ParticipantSnapshots assembles the unread view for one workspace.
	// Rows are ordered by (threadID, agentID).
	ParticipantSnapshots(ctx context.Context, workspaceID string, includeClosed bool) ([]ParticipantSnapshot, error)
}

// SessionStore persists the runtime registry.
type SessionStore interface {
	GetSession(ctx context.Context, agentID, workspaceID string) (*v1.SessionRecord, error)
	ListSessions(ctx context.Context, workspaceID string) ([]*v1.SessionRecord, error)
	// UpsertSessionFromHeartbeat applies last-writer-wins by heartbeatAt:
	// strictly newer heartbeats overwrite, older or equal are no-ops.
	UpsertSessionFromHeartbeat(ctx context.Context, hb *v1.Heartbeat) (*v1.SessionRecord, error)
	// MarkStaleSessionsOffline transitions every non-offline session whose
	// last heartbeat is before staleBefore. Returns (checked, transitioned).
	MarkStaleSessionsOffline(ctx context.Context, workspaceID string, staleBefore, now time.Time) (int, int, error)
	// DeregisterSession marks the session offline and revokes resumability.
	DeregisterSession(ctx context.Context, agentID, workspaceID string, now time.Time) error
}

// TriggerStore persists trigger jobs, attempts, and fallback runs.
type TriggerStore interface {
	InsertTriggerJob(ctx context.Context, job *v1.TriggerJob) error
	GetTriggerJob(ctx context.Context, triggerID string) (*v1.TriggerJob, error)
	UpdateTriggerJob(ctx context.Context, job *v1.TriggerJob) error
	ListTriggerJobsByThread(ctx context.Context, threadID string, limit int) ([]*v1.TriggerJob, error)

	// FindOpenTriggerJob returns the pending-status job for (thread, agent),
	// or nil when none exists.
	FindOpenTriggerJob(ctx context.Context, threadID, targetAgentID string) (*v1.TriggerJob, error)
	// FindDeliveredTriggerJobAtSeq returns a delivered/callback_delivered job
	// for (thread, agent) whose latest_seq is at least seq, or nil.
	FindDeliveredTriggerJobAtSeq(ctx context.Context, threadID, targetAgentID string, seq int64) (*v1.TriggerJob, error)
	CountPendingTriggerJobs(ctx context.Context, workspaceID string) (int, error)

	// ClaimDueTriggerJobs atomically claims up to limit due jobs: queued jobs
	// whose next_retry_at has passed (or is unset), due deferred and
	// callback_retry jobs, and lease-expired triggering/callback_pending
	// jobs. Delivery-stage claims move to `triggering` with attempts+1;
	// callback-stage claims move to `callback_pending` without consuming a
	// delivery attempt. Claimed jobs hold a fresh lease and stay invisible
	// to other workers until it expires.
	ClaimDueTriggerJobs(ctx context.Context, workspaceID string, limit int, now time.Time, lease time.Duration, minCreatedAt *time.Time) ([]*v1.TriggerJob, error)

	AppendTriggerAttempt(ctx context.Context, attempt *v1.TriggerAttempt) error
	ListTriggerAttempts(ctx context.Context, triggerID string) ([]*v1.TriggerAttempt, error)

	InsertFallbackRun(ctx context.Context, run *v1.TriggerFallbackRun) error
	ListOpenFallbackRuns(ctx context.Context, workspaceID string, limit int) ([]*v1.TriggerFallbackRun, error)
	CountOpenFallbackRuns(ctx context.Context, workspaceID string) (*FallbackCounts, error)
	FinishFallbackRun(ctx context.Context, runID, outcome string, finishedAt time.Time) error
}

// ReconciliationStateStore persists the write-only notification latch.
type ReconciliationStateStore interface {
	GetLastNotifiedSeq(ctx context.Context, threadID, agentID string) (int64, error)
	MarkNotified(ctx context.Context, threadID, agentID string, seq int64, at time.Time) error
}

// AuditStore persists operator actions and dead-letter decisions.
type AuditStore interface {
	AppendAuditEvent(ctx context.Context, event *v1.AuditEvent) error
	ListAuditEvents(ctx context.Context, workspaceID string, limit int) ([]*v1.AuditEvent, error)
}

// Store is the full persistence surface. Components accept the narrow
// interfaces above; implementations satisfy all of them.
type Store interface {
	ThreadStore
	SessionStore
	TriggerStore
	ReconciliationStateStore
	AuditStore

	Close() error
}
