package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	apperrors "github.com/orkiva/orkiva/internal/common/errors"
	v1 "github.com/orkiva/orkiva/pkg/api/v1"
)

const triggerColumns = `trigger_id, thread_id, workspace_id, target_agent_id, target_session_id,
	reason, prompt, status, attempts, max_retries, latest_seq, error_code,
	next_retry_at, lease_expires_at, created_at, updated_at`

func scanTriggerJob(row pgx.Row) (*v1.TriggerJob, error) {
	var j v1.TriggerJob
	err := row.Scan(&j.ID, &j.ThreadID, &j.WorkspaceID, &j.TargetAgentID, &j.TargetSessionID,
		&j.Reason, &j.Prompt, &j.Status, &j.Attempts, &j.MaxRetries, &j.LatestSeq, &j.ErrorCode,
		&j.NextRetryAt, &j.LeaseExpiresAt, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (s *PostgresStore) InsertTriggerJob(ctx context.Context, job *v1.TriggerJob) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO trigger_jobs (trigger_id, thread_id, workspace_id, target_agent_id,
			target_session_id, reason, prompt, status, attempts, max_retries, latest_seq,
			error_code, next_retry_at, lease_expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $15)`,
		job.ID, job.ThreadID, job.WorkspaceID, job.TargetAgentID,
		job.TargetSessionID, job.Reason, job.Prompt, job.Status, job.Attempts,
		job.MaxRetries, job.LatestSeq, job.ErrorCode, job.NextRetryAt,
		job.LeaseExpiresAt, job.CreatedAt)
	if isUniqueViolation(err) {
		return apperrors.Newf(apperrors.CodeConflict, "trigger %q already exists", job.ID)
	}
	if err != nil {
		return apperrors.Internal("insert trigger job", err)
	}
	return nil
}

func (s *PostgresStore) GetTriggerJob(ctx context.Context, triggerID string) (*v1.TriggerJob, error) {
	job, err := scanTriggerJob(s.db.QueryRow(ctx,
		`SELECT `+triggerColumns+` FROM trigger_jobs WHERE trigger_id = $1`, triggerID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("trigger", triggerID)
	}
	if err != nil {
		return nil, apperrors.Internal("get trigger job", err)
	}
	return job, nil
}

func (s *PostgresStore) UpdateTriggerJob(ctx context.Context, job *v1.TriggerJob) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE trigger_jobs
		SET status = $2, attempts = $3, latest_seq = $4, error_code = $5,
		    next_retry_at = $6, lease_expires_at = $7
		WHERE trigger_id = $1`,
		job.ID, job.Status, job.Attempts, job.LatestSeq, job.ErrorCode,
		job.NextRetryAt, job.LeaseExpiresAt)
	if err != nil {
		return apperrors.Internal("update trigger job", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFound("trigger", job.ID)
	}
	return nil
}

func (s *PostgresStore) ListTriggerJobsByThread(ctx context.Context, threadID string, limit int) ([]*v1.TriggerJob, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx, `
		SELECT `+triggerColumns+` FROM trigger_jobs
		WHERE thread_id = $1 ORDER BY created_at DESC, trigger_id LIMIT $2`, threadID, limit)
	if err != nil {
		return nil, apperrors.Internal("list trigger jobs", err)
	}
	defer rows.Close()

	var out []*v1.TriggerJob
	for rows.Next() {
		job, err := scanTriggerJob(rows)
		if err != nil {
			return nil, apperrors.Internal("scan trigger job", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func (s *PostgresStore) FindOpenTriggerJob(ctx context.Context, threadID, targetAgentID string) (*v1.TriggerJob, error) {
	job, err := scanTriggerJob(s.db.QueryRow(ctx, `
		SELECT `+triggerColumns+` FROM trigger_jobs
		WHERE thread_id = $1 AND target_agent_id = $2
		  AND status IN ('queued', 'triggering', 'deferred', 'fallback_resume',
		                 'fallback_spawn', 'callback_pending', 'callback_retry')
		LIMIT 1`, threadID, targetAgentID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Internal("find open trigger job", err)
	}
	return job, nil
}

func (s *PostgresStore) FindDeliveredTriggerJobAtSeq(ctx context.Context, threadID, targetAgentID string, seq int64) (*v1.TriggerJob, error) {
	job, err := scanTriggerJob(s.db.QueryRow(ctx, `
		SELECT `+triggerColumns+` FROM trigger_jobs
		WHERE thread_id = $1 AND target_agent_id = $2
		  AND status IN ('delivered', 'callback_delivered')
		  AND latest_seq >= $3
		ORDER BY latest_seq DESC LIMIT 1`, threadID, targetAgentID, seq))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Internal("find delivered trigger job", err)
	}
	return job, nil
}

func (s *PostgresStore) CountPendingTriggerJobs(ctx context.Context, workspaceID string) (int, error) {
	var count int
	err := s.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM trigger_jobs
		WHERE workspace_id = $1
		  AND status IN ('queued', 'triggering', 'deferred', 'fallback_resume',
		                 'fallback_spawn', 'callback_pending', 'callback_retry')`,
		workspaceID).Scan(&count)
	if err != nil {
		return 0, apperrors.Internal("count pending trigger jobs", err)
	}
	return count, nil
}

// ClaimDueTriggerJobs claims due jobs in one statement. SKIP LOCKED keeps
// concurrent workers from double-claiming; a claimed job transitions exactly
// once per claim.
func (s *PostgresStore) ClaimDueTriggerJobs(ctx context.Context, workspaceID string, limit int, now time.Time, lease time.Duration, minCreatedAt *time.Time) ([]*v1.TriggerJob, error) {
	rows, err := s.db.Query(ctx, `
		WITH due AS (
			SELECT trigger_id, status FROM trigger_jobs
			WHERE workspace_id = $1
			  AND ($5::timestamptz IS NULL OR created_at >= $5)
			  AND (
			    (status = 'queued' AND (next_retry_at IS NULL OR next_retry_at <= $2))
			    OR (status IN ('deferred', 'callback_retry') AND next_retry_at <= $2)
			    OR (status IN ('triggering', 'callback_pending')
			       AND ((next_retry_at IS NOT NULL AND next_retry_at <= $2)
			         OR (lease_expires_at IS NOT NULL AND lease_expires_at < $2)))
			  )
			ORDER BY COALESCE(next_retry_at, created_at), trigger_id
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		UPDATE trigger_jobs t
		SET status = CASE WHEN due.status IN ('callback_pending', 'callback_retry')
		                  THEN 'callback_pending'::trigger_status
		                  ELSE 'triggering'::trigger_status END,
		    attempts = CASE WHEN due.status IN ('callback_pending', 'callback_retry')
		                    THEN t.attempts ELSE t.attempts + 1 END,
		    next_retry_at = NULL, lease_expires_at = $4
		FROM due
		WHERE t.trigger_id = due.trigger_id
		RETURNING `+qualifiedTriggerColumns("t"),
		workspaceID, now, limit, now.Add(lease), minCreatedAt)
	if err != nil {
		return nil, apperrors.Internal("claim trigger jobs", err)
	}
	defer rows.Close()

	var out []*v1.TriggerJob
	for rows.Next() {
		job, err := scanTriggerJob(rows)
		if err != nil {
			return nil, apperrors.Internal("scan claimed job", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func qualifiedTriggerColumns(alias string) string {
	return alias + `.trigger_id, ` + alias + `.thread_id, ` + alias + `.workspace_id, ` +
		alias + `.target_agent_id, ` + alias + `.target_session_id, ` + alias + `.reason, ` +
		alias + `.prompt, ` + alias + `.status, ` + alias + `.attempts, ` + alias + `.max_retries, ` +
		alias + `.latest_seq, ` + alias + `.error_code, ` + alias + `.next_retry_at, ` +
		alias + `.lease_expires_at, ` + alias + `.created_at, ` + alias + `.updated_at`
}

func (s *PostgresStore) AppendTriggerAttempt(ctx context.Context, attempt *v1.TriggerAttempt) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO trigger_attempts (attempt_id, trigger_id, attempt_no, result, error_code, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		attempt.ID, attempt.TriggerID, attempt.AttemptNo, attempt.Result,
		attempt.ErrorCode, attempt.Details, attempt.CreatedAt)
	if isUniqueViolation(err) {
		return apperrors.Newf(apperrors.CodeConflict,
			"attempt %d for trigger %q already recorded", attempt.AttemptNo, attempt.TriggerID)
	}
	if err != nil {
		return apperrors.Internal("append trigger attempt", err)
	}
	return nil
}

func (s *PostgresStore) ListTriggerAttempts(ctx context.Context, triggerID string) ([]*v1.TriggerAttempt, error) {
	rows, err := s.db.Query(ctx, `
		SELECT attempt_id, trigger_id, attempt_no, result, error_code, details, created_at
		FROM trigger_attempts WHERE trigger_id = $1 ORDER BY attempt_no`, triggerID)
	if err != nil {
		return nil, apperrors.Internal("list trigger attempts", err)
	}
	defer rows.Close()

	var out []*v1.TriggerAttempt
	for rows.Next() {
		var a v1.TriggerAttempt
		if err := rows.Scan(&a.ID, &a.TriggerID, &a.AttemptNo, &a.Result,
			&a.ErrorCode, &a.Details, &a.CreatedAt); err != nil {
			return nil, apperrors.Internal("scan trigger attempt", err)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) InsertFallbackRun(ctx context.Context, run *v1.TriggerFallbackRun) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO trigger_fallback_runs (run_id, trigger_id, launch_mode, pid, started_at, finished_at, outcome)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		run.ID, run.TriggerID, run.LaunchMode, run.PID, run.StartedAt, run.FinishedAt, run.Outcome)
	if isUniqueViolation(err) {
		return apperrors.Newf(apperrors.CodeConflict, "fallback run %q already exists", run.ID)
	}
	if err != nil {
		return apperrors.Internal("insert fallback run", err)
	}
	return nil
}

func (s *PostgresStore) ListOpenFallbackRuns(ctx context.Context, workspaceID string, limit int) ([]*v1.TriggerFallbackRun, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx, `
		SELECT r.run_id, r.trigger_id, r.launch_mode, r.pid, r.started_at, r.finished_at, r.outcome
		FROM trigger_fallback_runs r
		JOIN trigger_jobs j ON j.trigger_id = r.trigger_id
		WHERE j.workspace_id = $1 AND r.finished_at IS NULL
		ORDER BY r.started_at, r.run_id LIMIT $2`, workspaceID, limit)
	if err != nil {
		return nil, apperrors.Internal("list open fallback runs", err)
	}
	defer rows.Close()

	var out []*v1.TriggerFallbackRun
	for rows.Next() {
		var r v1.TriggerFallbackRun
		if err := rows.Scan(&r.ID, &r.TriggerID, &r.LaunchMode, &r.PID,
			&r.StartedAt, &r.FinishedAt, &r.Outcome); err != nil {
			return nil, apperrors.Internal("scan fallback run", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CountOpenFallbackRuns(ctx context.Context, workspaceID string) (*FallbackCounts, error) {
	rows, err := s.db.Query(ctx, `
		SELECT j.target_agent_id, COUNT(*)
		FROM trigger_fallback_runs r
		JOIN trigger_jobs j ON j.trigger_id = r.trigger_id
		WHERE j.workspace_id = $1 AND r.finished_at IS NULL
		GROUP BY j.target_agent_id`, workspaceID)
	if err != nil {
		return nil, apperrors.Internal("count open fallback runs", err)
	}
	defer rows.Close()

	counts := &FallbackCounts{PerAgent: make(map[string]int)}
	for rows.Next() {
		var agentID string
		var n int
		if err := rows.Scan(&agentID, &n); err != nil {
			return nil, apperrors.Internal("scan fallback count", err)
		}
		counts.PerAgent[agentID] = n
		counts.Global += n
	}
	return counts, rows.Err()
}

func (s *PostgresStore) FinishFallbackRun(ctx context.Context, runID, outcome string, finishedAt time.Time) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE trigger_fallback_runs SET finished_at = $2, outcome = $3
		WHERE run_id = $1 AND finished_at IS NULL`, runID, finishedAt, outcome)
	if err != nil {
		return apperrors.Internal("finish fallback run", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFound("fallback run", runID)
	}
	return nil
}

// --- ReconciliationStateStore ---

func (s *PostgresStore) GetLastNotifiedSeq(ctx context.Context, threadID, agentID string) (int64, error) {
	var seq int64
	err := s.db.QueryRow(ctx, `
		SELECT last_notified_seq FROM reconciliation_state
		WHERE thread_id = $1 AND agent_id = $2`, threadID, agentID).Scan(&seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, apperrors.Internal("get last notified seq", err)
	}
	return seq, nil
}

func (s *PostgresStore) MarkNotified(ctx context.Context, threadID, agentID string, seq int64, at time.Time) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO reconciliation_state (thread_id, agent_id, last_notified_seq, notified_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (thread_id, agent_id) DO UPDATE
		SET last_notified_seq = EXCLUDED.last_notified_seq,
		    notified_at = EXCLUDED.notified_at
		WHERE reconciliation_state.last_notified_seq < EXCLUDED.last_notified_seq`,
		threadID, agentID, seq, at)
	if err != nil {
		return apperrors.Internal("mark notified", err)
	}
	return nil
}

// --- AuditStore ---

func (s *PostgresStore) AppendAuditEvent(ctx context.Context, event *v1.AuditEvent) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO audit_events (audit_id, workspace_id, thread_id, trigger_id,
			actor_agent_id, event_type, reason, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		event.ID, event.WorkspaceID, event.ThreadID, event.TriggerID,
		event.ActorAgentID, event.EventType, event.Reason, event.Details, event.CreatedAt)
	if err != nil {
		return apperrors.Internal("append audit event", err)
	}
	return nil
}

func (s *PostgresStore) ListAuditEvents(ctx context.Context, workspaceID string, limit int) ([]*v1.AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx, `
		SELECT audit_id, workspace_id, thread_id, trigger_id, actor_agent_id,
		       event_type, reason, details, created_at
		FROM audit_events WHERE workspace_id = $1
		ORDER BY created_at DESC, audit_id LIMIT $2`, workspaceID, limit)
	if err != nil {
		return nil, apperrors.Internal("list audit events", err)
	}
	defer rows.Close()

	var out []*v1.AuditEvent
	for rows.Next() {
		var e v1.AuditEvent
		if err := rows.Scan(&e.ID, &e.WorkspaceID, &e.ThreadID, &e.TriggerID,
			&e.ActorAgentID, &e.EventType, &e.Reason, &e.Details, &e.CreatedAt); err != nil {
			return nil, apperrors.Internal("scan audit event", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
