// Package worker claims due trigger jobs under a lease, drives PTY delivery
// with ack timeouts, escalates to the fallback executor, and posts completion
// callbacks.
package worker

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	apperrors "github.com/orkiva/orkiva/internal/common/errors"
	"github.com/orkiva/orkiva/internal/common/ids"
	"github.com/orkiva/orkiva/internal/common/logger"
	"github.com/orkiva/orkiva/internal/events"
	"github.com/orkiva/orkiva/internal/events/bus"
	"github.com/orkiva/orkiva/internal/store"
	"github.com/orkiva/orkiva/internal/trigger/callback"
	"github.com/orkiva/orkiva/internal/trigger/fallback"
	"github.com/orkiva/orkiva/internal/trigger/pty"
	v1 "github.com/orkiva/orkiva/pkg/api/v1"
)

// Config tunes the queue worker.
type Config struct {
	AckTimeout      time.Duration
	AckPollInterval time.Duration
	Recheck         time.Duration
	MaxDefer        time.Duration
	LeaseTimeout    time.Duration
	MaxParallelJobs int
	MinJobCreatedAt *time.Time

	CallbackMaxRetries int

	FallbackExecTimeout       time.Duration
	FallbackKillGrace         time.Duration
	FallbackMaxActiveGlobal   int
	FallbackMaxActivePerAgent int
}

// Store is the persistence surface the worker needs.
type Store interface {
	store.TriggerStore
	GetSession(ctx context.Context, agentID, workspaceID string) (*v1.SessionRecord, error)
	FindAckEvent(ctx context.Context, threadID, senderAgentID string, since time.Time) (*v1.Message, error)
	AppendAuditEvent(ctx context.Context, event *v1.AuditEvent) error
}

// Deliverer sends a trigger envelope to a runtime.
type Deliverer interface {
	Deliver(ctx context.Context, req pty.DeliverRequest) error
}

// FallbackRunner recovers a job whose delivery failed.
type FallbackRunner interface {
	Execute(ctx context.Context, job *v1.TriggerJob, initialErrorCode string, now time.Time) (*fallback.Outcome, error)
}

// CallbackPoster posts a trigger outcome to the bridge.
type CallbackPoster interface {
	Post(ctx context.Context, in callback.Input) callback.Result
}

// ProcessInput scopes one processDueJobs pass.
type ProcessInput struct {
	WorkspaceID string
	Limit       int
	ProcessedAt time.Time
}

// ProcessResult aggregates one pass over claimed jobs.
type ProcessResult struct {
	Claimed           int      `json:"claimed"`
	Delivered         int      `json:"delivered"`
	Deferred          int      `json:"deferred"`
	FallbacksStarted  int      `json:"fallbacks_started"`
	Failed            int      `json:"failed"`
	DeadLettered      int      `json:"dead_lettered"`
	DeadLetterJobIDs  []string `json:"dead_letter_job_ids,omitempty"`
	CallbacksPosted   int      `json:"callbacks_posted"`
	CallbacksDeferred int      `json:"callbacks_deferred"`
	CallbacksFailed   int      `json:"callbacks_failed"`
}

// Worker drives the trigger-job state machine. Jobs are claimed with a lease
// so at most one worker acts on a job at a time; goroutine fan-out is used
// for independent jobs only, never for transitions on the same job.
type Worker struct {
	cfg      Config
	store    Store
	deliver  Deliverer
	fallback FallbackRunner
	poster   CallbackPoster
	killer   ProcessKiller
	eventBus bus.EventBus
	logger   *logger.Logger
}

// New creates a Worker. eventBus may be nil.
func New(cfg Config, st Store, deliverer Deliverer, fb FallbackRunner, poster CallbackPoster, eventBus bus.EventBus, log *logger.Logger) *Worker {
	if cfg.AckPollInterval <= 0 {
		cfg.AckPollInterval = 250 * time.Millisecond
	}
	if cfg.MaxParallelJobs <= 0 {
		cfg.MaxParallelJobs = 1
	}
	return &Worker{
		cfg:      cfg,
		store:    st,
		deliver:  deliverer,
		fallback: fb,
		poster:   poster,
		killer:   groupKiller{},
		eventBus: eventBus,
		logger:   log,
	}
}

// ProcessDueJobs claims up to in.Limit due jobs and runs each to its next
// state. Job failures are absorbed per job; only claim failures propagate.
func (w *Worker) ProcessDueJobs(ctx context.Context, in ProcessInput) (*ProcessResult, error) {
	jobs, err := w.store.ClaimDueTriggerJobs(ctx, in.WorkspaceID, in.Limit, in.ProcessedAt, w.cfg.LeaseTimeout, w.cfg.MinJobCreatedAt)
	if err != nil {
		return nil, err
	}

	result := &ProcessResult{Claimed: len(jobs)}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.MaxParallelJobs)
	for _, job := range jobs {
		job := job
		g.Go(func() error {
			stats := w.handleJob(gctx, job, in.ProcessedAt)
			mu.Lock()
			result.merge(stats)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *ProcessResult) merge(s jobStats) {
	r.Delivered += s.delivered
	r.Deferred += s.deferred
	r.FallbacksStarted += s.fallbacksStarted
	r.Failed += s.failed
	r.DeadLettered += s.deadLettered
	r.DeadLetterJobIDs = append(r.DeadLetterJobIDs, s.deadLetterJobIDs...)
	r.CallbacksPosted += s.callbacksPosted
	r.CallbacksDeferred += s.callbacksDeferred
	r.CallbacksFailed += s.callbacksFailed
}

type jobStats struct {
	delivered         int
	deferred          int
	fallbacksStarted  int
	failed            int
	deadLettered      int
	deadLetterJobIDs  []string
	callbacksPosted   int
	callbacksDeferred int
	callbacksFailed   int
}

func (w *Worker) handleJob(ctx context.Context, job *v1.TriggerJob, now time.Time) jobStats {
	if job.Status == v1.TriggerStatusCallbackPending {
		return w.handleCallback(ctx, job, now)
	}
	return w.handleDelivery(ctx, job, now)
}

// handleDelivery runs one delivery attempt for a claimed triggering job.
func (w *Worker) handleDelivery(ctx context.Context, job *v1.TriggerJob, now time.Time) jobStats {
	var stats jobStats

	session, err := w.store.GetSession(ctx, job.TargetAgentID, job.WorkspaceID)
	if err != nil {
		// Store failure, not a missing session. Leave the job leased; the
		// lease expires and another claim retries against a healthy store.
		w.logger.Warn("session lookup failed",
			zap.String("trigger_id", job.ID),
			zap.Error(err))
		return stats
	}
	if session == nil {
		return w.runFallback(ctx, job, "", now)
	}

	deliverErr := w.deliver.Deliver(ctx, pty.DeliverRequest{
		Runtime:   session.Runtime,
		TriggerID: job.ID,
		ThreadID:  job.ThreadID,
		Reason:    job.Reason,
		Prompt:    job.Prompt,
	})
	if deliverErr != nil {
		code := apperrors.CodeOf(deliverErr)
		if code == apperrors.CodeTriggerPayloadEmpty || code == apperrors.CodeTriggerPayloadTooLarge {
			w.recordAttempt(ctx, job, job.Attempts, v1.AttemptResultFailed, &code, apperrors.DetailsOf(deliverErr))
			w.updateJob(ctx, job, v1.TriggerStatusFailed, &code, nil)
			stats.failed++
			return stats
		}
		if apperrors.IsRetryable(deliverErr) && job.Attempts < job.MaxRetries {
			return w.deferJob(ctx, job, code, apperrors.DetailsOf(deliverErr), now)
		}
		return w.runFallback(ctx, job, code, now)
	}

	ack, err := w.waitForAck(ctx, job, now)
	if err != nil {
		// Tick canceled or store failure mid-poll; the lease expires and
		// another claim retries the attempt.
		w.logger.Warn("ack wait aborted",
			zap.String("trigger_id", job.ID),
			zap.Error(err))
		return stats
	}
	if ack == nil {
		code := apperrors.CodeAckTimeout
		if job.Attempts < job.MaxRetries {
			return w.deferJob(ctx, job, code, nil, now)
		}
		return w.runFallback(ctx, job, code, now)
	}

	w.recordAttempt(ctx, job, job.Attempts, v1.AttemptResultDelivered, nil, map[string]interface{}{
		"ackMessageId": ack.ID,
	})
	retryAt := now
	w.updateJob(ctx, job, v1.TriggerStatusCallbackPending, nil, &retryAt)
	stats.delivered++
	w.publish(ctx, events.TriggerDelivered, job, map[string]interface{}{
		"attempt_no":     job.Attempts,
		"ack_message_id": ack.ID,
	})
	return stats
}

// deferJob consumes the attempt and reschedules with exponential backoff.
func (w *Worker) deferJob(ctx context.Context, job *v1.TriggerJob, code string, details map[string]interface{}, now time.Time) jobStats {
	var stats jobStats
	w.recordAttempt(ctx, job, job.Attempts, v1.AttemptResultDeferred, &code, details)
	retryAt := now.Add(w.backoff(job.Attempts))
	w.updateJob(ctx, job, v1.TriggerStatusDeferred, &code, &retryAt)
	stats.deferred++
	w.publish(ctx, events.TriggerDeferred, job, map[string]interface{}{
		"attempt_no": job.Attempts,
		"error_code": code,
	})
	return stats
}

// runFallback hands the job to the fallback executor, deferring first when
// the active-run caps would be exceeded.
func (w *Worker) runFallback(ctx context.Context, job *v1.TriggerJob, initialErrorCode string, now time.Time) jobStats {
	var stats jobStats

	counts, err := w.store.CountOpenFallbackRuns(ctx, job.WorkspaceID)
	if err == nil && counts != nil {
		if counts.Global >= w.cfg.FallbackMaxActiveGlobal ||
			counts.PerAgent[job.TargetAgentID] >= w.cfg.FallbackMaxActivePerAgent {
			code := apperrors.CodeRateLimited
			return w.deferJob(ctx, job, code, map[string]interface{}{
				"deferredBy":       "fallback_caps",
				"activeGlobal":     counts.Global,
				"activeForAgent":   counts.PerAgent[job.TargetAgentID],
				"initialErrorCode": initialErrorCode,
			}, now)
		}
	}

	outcome, err := w.fallback.Execute(ctx, job, initialErrorCode, now)
	if err != nil {
		// Session lookup failed inside the executor before any launch. Leave
		// the job leased so lease expiry retries the attempt.
		w.logger.Warn("fallback aborted before launch",
			zap.String("trigger_id", job.ID),
			zap.Error(err))
		return stats
	}
	w.recordAttempt(ctx, job, job.Attempts, outcome.AttemptResult, outcome.ErrorCode, outcome.Details)

	if outcome.PID != nil {
		run := &v1.TriggerFallbackRun{
			ID:         ids.NewFallbackRunID(),
			TriggerID:  job.ID,
			LaunchMode: outcome.LaunchMode,
			PID:        outcome.PID,
			StartedAt:  now,
		}
		if err := w.store.InsertFallbackRun(ctx, run); err != nil {
			w.logger.Error("failed to record fallback run",
				zap.String("trigger_id", job.ID),
				zap.Error(err))
		}
		stats.fallbacksStarted++
		w.publish(ctx, events.TriggerFallbackStarted, job, map[string]interface{}{
			"run_id":      run.ID,
			"launch_mode": string(outcome.LaunchMode),
			"pid":         *outcome.PID,
		})
	}

	w.updateJob(ctx, job, outcome.NextStatus, outcome.ErrorCode, nil)

	if outcome.NextStatus == v1.TriggerStatusFailed {
		stats.failed++
		if job.Attempts >= job.MaxRetries {
			stats.deadLettered++
			stats.deadLetterJobIDs = append(stats.deadLetterJobIDs, job.ID)
			w.auditDeadLetter(ctx, job, outcome.ErrorCode, now)
			w.publish(ctx, events.TriggerDeadLettered, job, map[string]interface{}{
				"attempts":   job.Attempts,
				"error_code": errStr(outcome.ErrorCode),
			})
		} else {
			w.publish(ctx, events.TriggerFailed, job, map[string]interface{}{
				"error_code": errStr(outcome.ErrorCode),
			})
		}
	}
	return stats
}

// waitForAck polls for an event message from the target agent posted at or
// after the attempt start. Returns nil without error on timeout.
func (w *Worker) waitForAck(ctx context.Context, job *v1.TriggerJob, since time.Time) (*v1.Message, error) {
	deadline := time.Now().Add(w.cfg.AckTimeout)
	ticker := time.NewTicker(w.cfg.AckPollInterval)
	defer ticker.Stop()
	for {
		msg, err := w.store.FindAckEvent(ctx, job.ThreadID, job.TargetAgentID, since)
		if err != nil {
			return nil, err
		}
		if msg != nil {
			return msg, nil
		}
		if !time.Now().Before(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// backoff computes min(MaxDefer, Recheck * 2^(attempts-1)) with ±20% jitter.
func (w *Worker) backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := w.cfg.MaxDefer
	if shift := attempts - 1; shift < 20 {
		scaled := w.cfg.Recheck << shift
		if scaled < d {
			d = scaled
		}
	}
	jitter := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(d) * jitter)
}

func (w *Worker) recordAttempt(ctx context.Context, job *v1.TriggerJob, attemptNo int, result string, errorCode *string, details map[string]interface{}) {
	attempt := &v1.TriggerAttempt{
		ID:        ids.NewAttemptID(),
		TriggerID: job.ID,
		AttemptNo: attemptNo,
		Result:    result,
		ErrorCode: errorCode,
		Details:   details,
		CreatedAt: time.Now().UTC(),
	}
	if err := w.store.AppendTriggerAttempt(ctx, attempt); err != nil {
		w.logger.Error("failed to record trigger attempt",
			zap.String("trigger_id", job.ID),
			zap.Int("attempt_no", attemptNo),
			zap.Error(err))
	}
}

// updateJob writes the job's next state and releases the lease.
func (w *Worker) updateJob(ctx context.Context, job *v1.TriggerJob, status v1.TriggerStatus, errorCode *string, nextRetryAt *time.Time) {
	job.Status = status
	job.ErrorCode = errorCode
	job.NextRetryAt = nextRetryAt
	job.LeaseExpiresAt = nil
	job.UpdatedAt = time.Now().UTC()
	if err := w.store.UpdateTriggerJob(ctx, job); err != nil {
		w.logger.Error("failed to update trigger job",
			zap.String("trigger_id", job.ID),
			zap.String("status", string(status)),
			zap.Error(err))
	}
}

func (w *Worker) auditDeadLetter(ctx context.Context, job *v1.TriggerJob, errorCode *string, now time.Time) {
	threadID := job.ThreadID
	triggerID := job.ID
	event := &v1.AuditEvent{
		ID:           ids.NewAuditID(),
		WorkspaceID:  job.WorkspaceID,
		ThreadID:     &threadID,
		TriggerID:    &triggerID,
		ActorAgentID: "supervisor",
		EventType:    "trigger.dead_lettered",
		Reason:       "delivery and fallback exhausted",
		Details: map[string]interface{}{
			"attempts":   job.Attempts,
			"maxRetries": job.MaxRetries,
			"errorCode":  errStr(errorCode),
		},
		CreatedAt: now,
	}
	if err := w.store.AppendAuditEvent(ctx, event); err != nil {
		w.logger.Error("failed to append dead-letter audit event",
			zap.String("trigger_id", job.ID),
			zap.Error(err))
	}
}

func (w *Worker) publish(ctx context.Context, eventType string, job *v1.TriggerJob, data map[string]interface{}) {
	if w.eventBus == nil {
		return
	}
	data["trigger_id"] = job.ID
	data["thread_id"] = job.ThreadID
	data["target_agent_id"] = job.TargetAgentID
	event := bus.NewEvent(eventType, "trigger-worker", data)
	if err := w.eventBus.Publish(ctx, events.BuildTriggerSubject(eventType, job.ID), event); err != nil {
		w.logger.Warn("failed to publish worker event",
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}

func errStr(code *string) string {
	if code == nil {
		return ""
	}
	return *code
}

// isCallbackAttempt reports whether an attempt row belongs to the callback
// stage rather than delivery.
func isCallbackAttempt(result string) bool {
	return strings.HasPrefix(result, "callback_post")
}
