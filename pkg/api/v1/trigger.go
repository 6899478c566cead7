package v1

import "time"

// TriggerStatus is the lifecycle status of a trigger job.
type TriggerStatus string

const (
	TriggerStatusQueued            TriggerStatus = "queued"
	TriggerStatusTriggering        TriggerStatus = "triggering"
	TriggerStatusDeferred          TriggerStatus = "deferred"
	TriggerStatusDelivered         TriggerStatus = "delivered"
	TriggerStatusTimeout           TriggerStatus = "timeout"
	TriggerStatusFailed            TriggerStatus = "failed"
	TriggerStatusFallbackResume    TriggerStatus = "fallback_resume"
	TriggerStatusFallbackSpawn     TriggerStatus = "fallback_spawn"
	TriggerStatusCallbackPending   TriggerStatus = "callback_pending"
	TriggerStatusCallbackRetry     TriggerStatus = "callback_retry"
	TriggerStatusCallbackDelivered TriggerStatus = "callback_delivered"
	TriggerStatusCallbackFailed    TriggerStatus = "callback_failed"
)

// pendingStatuses are the statuses the scheduler treats as an open job for
// (thread, agent) dedup purposes.
var pendingStatuses = map[TriggerStatus]bool{
	TriggerStatusQueued:          true,
	TriggerStatusTriggering:      true,
	TriggerStatusDeferred:        true,
	TriggerStatusFallbackResume:  true,
	TriggerStatusFallbackSpawn:   true,
	TriggerStatusCallbackPending: true,
	TriggerStatusCallbackRetry:   true,
}

// Pending reports whether the status counts as an open (non-terminal,
// non-failed) job for scheduling dedup.
func (s TriggerStatus) Pending() bool {
	return pendingStatuses[s]
}

// Terminal reports whether the job reached a final state.
func (s TriggerStatus) Terminal() bool {
	switch s {
	case TriggerStatusDelivered, TriggerStatusFailed,
		TriggerStatusCallbackDelivered, TriggerStatusCallbackFailed:
		return true
	}
	return false
}

// TriggerJob is a durable intent to nudge a dormant participant.
type TriggerJob struct {
	ID              string        `json:"id"`
	ThreadID        string        `json:"thread_id"`
	WorkspaceID     string        `json:"workspace_id"`
	TargetAgentID   string        `json:"target_agent_id"`
	TargetSessionID *string       `json:"target_session_id,omitempty"`
	Reason          string        `json:"reason"`
	Prompt          string        `json:"prompt"`
	Status          TriggerStatus `json:"status"`
	Attempts        int           `json:"attempts"`
	MaxRetries      int           `json:"max_retries"`
	LatestSeq       int64         `json:"latest_seq"`
	ErrorCode       *string       `json:"error_code,omitempty"`
	NextRetryAt     *time.Time    `json:"next_retry_at,omitempty"`
	LeaseExpiresAt  *time.Time    `json:"lease_expires_at,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// Attempt results recorded in trigger_attempts.
const (
	AttemptResultDelivered               = "delivered"
	AttemptResultDeferred                = "deferred"
	AttemptResultTimeout                 = "timeout"
	AttemptResultFailed                  = "failed"
	AttemptResultFallbackResumeSucceeded = "fallback_resume_succeeded"
	AttemptResultFallbackResumeFailed    = "fallback_resume_failed"
	AttemptResultFallbackSpawned         = "fallback_spawned"
	AttemptResultCallbackPosted          = "callback_posted"
	AttemptResultCallbackPostDeferred    = "callback_post_deferred"
	AttemptResultCallbackPostFailed      = "callback_post_failed"
)

// TriggerAttempt is one append-only delivery attempt for a trigger job.
// Unique on (trigger_id, attempt_no).
type TriggerAttempt struct {
	ID        string                 `json:"id"`
	TriggerID string                 `json:"trigger_id"`
	AttemptNo int                    `json:"attempt_no"`
	Result    string                 `json:"result"`
	ErrorCode *string                `json:"error_code,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// LaunchMode is how a fallback run started the agent process.
type LaunchMode string

const (
	LaunchModeResume LaunchMode = "resume"
	LaunchModeSpawn  LaunchMode = "spawn"
)

// Fallback run outcomes recorded during reconciliation.
const (
	FallbackOutcomeFinished = "finished"
	FallbackOutcomeTimedOut = "timedOut"
	FallbackOutcomeKilled   = "killed"
	FallbackOutcomeOrphaned = "orphaned"
)

// TriggerFallbackRun tracks an agent process started by the fallback executor.
type TriggerFallbackRun struct {
	ID         string     `json:"id"`
	TriggerID  string     `json:"trigger_id"`
	LaunchMode LaunchMode `json:"launch_mode"`
	PID        *int       `json:"pid,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Outcome    *string    `json:"outcome,omitempty"`
}

// ReconciliationState is the write-only latch that prevents re-triggering the
// same unread frontier for a (thread, agent) pair.
type ReconciliationState struct {
	ThreadID        string    `json:"thread_id"`
	AgentID         string    `json:"agent_id"`
	LastNotifiedSeq int64     `json:"last_notified_seq"`
	NotifiedAt      time.Time `json:"notified_at"`
}

// AuditEvent records an operator action or a supervisor dead-letter decision.
type AuditEvent struct {
	ID           string                 `json:"id"`
	WorkspaceID  string                 `json:"workspace_id"`
	ThreadID     *string                `json:"thread_id,omitempty"`
	TriggerID    *string                `json:"trigger_id,omitempty"`
	ActorAgentID string                 `json:"actor_agent_id"`
	EventType    string                 `json:"event_type"`
	Reason       string                 `json:"reason"`
	Details      map[string]interface{} `json:"details,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
}
