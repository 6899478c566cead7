package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/orkiva/orkiva/internal/common/ids"
	"github.com/orkiva/orkiva/internal/events"
	"github.com/orkiva/orkiva/internal/trigger/callback"
	v1 "github.com/orkiva/orkiva/pkg/api/v1"
)

// handleCallback posts the job's outcome to the bridge and advances the
// callback stage. The delivery outcome is reconstructed from the attempt
// history, so a crash between delivery and callback loses nothing.
func (w *Worker) handleCallback(ctx context.Context, job *v1.TriggerJob, now time.Time) jobStats {
	var stats jobStats

	attempts, err := w.store.ListTriggerAttempts(ctx, job.ID)
	if err != nil {
		w.logger.Error("failed to load attempt history for callback",
			zap.String("trigger_id", job.ID),
			zap.Error(err))
		return stats
	}

	outcome, callbackAttemptNo, nextAttemptNo := summarizeAttempts(job, attempts)

	result := w.poster.Post(ctx, callback.Input{
		ThreadID:          job.ThreadID,
		TriggerID:         job.ID,
		TargetAgentID:     job.TargetAgentID,
		Reason:            job.Reason,
		Outcome:           outcome.result,
		AttemptNo:         outcome.attemptNo,
		ErrorCode:         outcome.errorCode,
		StartedAt:         job.CreatedAt,
		FinishedAt:        outcome.finishedAt,
		CallbackAttemptNo: callbackAttemptNo,
	})

	switch {
	case result.Posted:
		w.recordAttempt(ctx, job, nextAttemptNo, v1.AttemptResultCallbackPosted, nil, map[string]interface{}{
			"messageId":         result.MessageID,
			"callbackAttemptNo": callbackAttemptNo,
		})
		w.updateJob(ctx, job, v1.TriggerStatusCallbackDelivered, nil, nil)
		stats.callbacksPosted++
		w.publish(ctx, events.CallbackDelivered, job, map[string]interface{}{
			"message_id":          result.MessageID,
			"callback_attempt_no": callbackAttemptNo,
		})

	case result.Retryable:
		details := map[string]interface{}{
			"callbackAttemptNo": callbackAttemptNo,
		}
		if result.RetryAfter != nil {
			details["retryAfterMs"] = result.RetryAfter.Milliseconds()
		}
		w.recordAttempt(ctx, job, nextAttemptNo, v1.AttemptResultCallbackPostDeferred, result.ErrorCode, details)

		if callbackAttemptNo >= w.cfg.CallbackMaxRetries {
			w.failCallback(ctx, job, result.ErrorCode, callbackAttemptNo, "callback retries exhausted", now)
			stats.callbacksFailed++
			return stats
		}
		delay := w.backoff(callbackAttemptNo)
		if result.RetryAfter != nil {
			delay = *result.RetryAfter
		}
		retryAt := now.Add(delay)
		w.updateJob(ctx, job, v1.TriggerStatusCallbackRetry, result.ErrorCode, &retryAt)
		stats.callbacksDeferred++

	default:
		w.recordAttempt(ctx, job, nextAttemptNo, v1.AttemptResultCallbackPostFailed, result.ErrorCode, map[string]interface{}{
			"callbackAttemptNo": callbackAttemptNo,
		})
		w.failCallback(ctx, job, result.ErrorCode, callbackAttemptNo, "callback rejected by bridge", now)
		stats.callbacksFailed++
	}
	return stats
}

// failCallback terminally fails the callback stage and leaves an audit trail.
func (w *Worker) failCallback(ctx context.Context, job *v1.TriggerJob, errorCode *string, callbackAttemptNo int, reason string, now time.Time) {
	w.updateJob(ctx, job, v1.TriggerStatusCallbackFailed, errorCode, nil)

	threadID := job.ThreadID
	triggerID := job.ID
	event := &v1.AuditEvent{
		ID:           ids.NewAuditID(),
		WorkspaceID:  job.WorkspaceID,
		ThreadID:     &threadID,
		TriggerID:    &triggerID,
		ActorAgentID: "supervisor",
		EventType:    "trigger.callback_failed",
		Reason:       reason,
		Details: map[string]interface{}{
			"callbackAttemptNo": callbackAttemptNo,
			"errorCode":         errStr(errorCode),
		},
		CreatedAt: now,
	}
	if err := w.store.AppendAuditEvent(ctx, event); err != nil {
		w.logger.Error("failed to append callback audit event",
			zap.String("trigger_id", job.ID),
			zap.Error(err))
	}
	w.publish(ctx, events.CallbackFailed, job, map[string]interface{}{
		"callback_attempt_no": callbackAttemptNo,
		"error_code":          errStr(errorCode),
	})
}

// deliverySummary is the reconstructed delivery outcome for callback bodies.
type deliverySummary struct {
	result     string
	attemptNo  int
	errorCode  *string
	finishedAt time.Time
}

// summarizeAttempts derives the delivery outcome, the 1-based number of the
// callback attempt about to run, and the next free attempt_no.
func summarizeAttempts(job *v1.TriggerJob, attempts []*v1.TriggerAttempt) (deliverySummary, int, int) {
	summary := deliverySummary{
		result:     v1.AttemptResultDelivered,
		attemptNo:  job.Attempts,
		finishedAt: job.UpdatedAt,
	}
	callbackAttempts := 0
	maxNo := 0
	for _, a := range attempts {
		if a.AttemptNo > maxNo {
			maxNo = a.AttemptNo
		}
		if isCallbackAttempt(a.Result) {
			callbackAttempts++
			continue
		}
		summary.result = a.Result
		summary.attemptNo = a.AttemptNo
		summary.errorCode = a.ErrorCode
		summary.finishedAt = a.CreatedAt
	}
	return summary, callbackAttempts + 1, maxNo + 1
}
