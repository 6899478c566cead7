package worker

import (
	"context"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/orkiva/orkiva/internal/events"
	v1 "github.com/orkiva/orkiva/pkg/api/v1"
)

// ProcessKiller abstracts signaling fallback process groups.
type ProcessKiller interface {
	Alive(pid int) bool
	Terminate(pid int) error
	Kill(pid int) error
}

// groupKiller signals the whole process group; fallback children are started
// with setpgid.
type groupKiller struct{}

func (groupKiller) Alive(pid int) bool      { return syscall.Kill(pid, 0) == nil }
func (groupKiller) Terminate(pid int) error { return syscall.Kill(-pid, syscall.SIGTERM) }
func (groupKiller) Kill(pid int) error      { return syscall.Kill(-pid, syscall.SIGKILL) }

// ReconcileInput scopes one fallback-run reconciliation pass.
type ReconcileInput struct {
	WorkspaceID string
	Limit       int
	ProcessedAt time.Time
}

// ReconcileResult summarizes run dispositions from one pass.
type ReconcileResult struct {
	Scanned         int `json:"scanned"`
	Finished        int `json:"finished"`
	TimedOut        int `json:"timed_out"`
	Killed          int `json:"killed"`
	Orphaned        int `json:"orphaned"`
	CallbacksQueued int `json:"callbacks_queued"`
}

// ReconcileFallbackRuns closes out tracked fallback processes: runs whose
// agent has acked are finished, dead pids are orphaned, and runs past the
// exec timeout are killed. Every closed run queues the job's callback.
func (w *Worker) ReconcileFallbackRuns(ctx context.Context, in ReconcileInput) (*ReconcileResult, error) {
	runs, err := w.store.ListOpenFallbackRuns(ctx, in.WorkspaceID, in.Limit)
	if err != nil {
		return nil, err
	}

	result := &ReconcileResult{Scanned: len(runs)}
	for _, run := range runs {
		job, err := w.store.GetTriggerJob(ctx, run.TriggerID)
		if err != nil {
			w.logger.Error("fallback run references unknown trigger",
				zap.String("run_id", run.ID),
				zap.String("trigger_id", run.TriggerID),
				zap.Error(err))
			continue
		}

		ack, err := w.store.FindAckEvent(ctx, job.ThreadID, job.TargetAgentID, run.StartedAt)
		if err != nil {
			return nil, err
		}

		switch {
		case ack != nil:
			w.closeRun(ctx, run, job, v1.FallbackOutcomeFinished, in.ProcessedAt, result)
			result.Finished++

		case run.PID == nil || !w.killer.Alive(*run.PID):
			w.closeRun(ctx, run, job, v1.FallbackOutcomeOrphaned, in.ProcessedAt, result)
			result.Orphaned++

		case in.ProcessedAt.Sub(run.StartedAt) > w.cfg.FallbackExecTimeout:
			outcome, decided := w.killRun(ctx, *run.PID)
			if !decided {
				// Tick canceled mid-grace; the run stays open and the next
				// pass observes whether the process actually exited.
				continue
			}
			w.closeRun(ctx, run, job, outcome, in.ProcessedAt, result)
			if outcome == v1.FallbackOutcomeKilled {
				result.Killed++
			} else {
				result.TimedOut++
			}
		}
	}
	return result, nil
}

// killRun terminates a run's process group, escalating to SIGKILL after the
// grace period. Returns decided=false when the context is canceled before
// the grace period resolves; the process may still be exiting and the run
// must not be closed yet.
func (w *Worker) killRun(ctx context.Context, pid int) (outcome string, decided bool) {
	if err := w.killer.Terminate(pid); err != nil {
		w.logger.Warn("graceful terminate failed",
			zap.Int("pid", pid),
			zap.Error(err))
	}

	deadline := time.Now().Add(w.cfg.FallbackKillGrace)
	for time.Now().Before(deadline) {
		if !w.killer.Alive(pid) {
			return v1.FallbackOutcomeTimedOut, true
		}
		select {
		case <-ctx.Done():
			return "", false
		case <-time.After(50 * time.Millisecond):
		}
	}

	if w.killer.Alive(pid) {
		if err := w.killer.Kill(pid); err != nil {
			w.logger.Error("sigkill failed",
				zap.Int("pid", pid),
				zap.Error(err))
		}
		return v1.FallbackOutcomeKilled, true
	}
	return v1.FallbackOutcomeTimedOut, true
}

// closeRun records the run outcome and queues the job's callback.
func (w *Worker) closeRun(ctx context.Context, run *v1.TriggerFallbackRun, job *v1.TriggerJob, outcome string, now time.Time, result *ReconcileResult) {
	if err := w.store.FinishFallbackRun(ctx, run.ID, outcome, now); err != nil {
		w.logger.Error("failed to finish fallback run",
			zap.String("run_id", run.ID),
			zap.Error(err))
		return
	}

	retryAt := now
	w.updateJob(ctx, job, v1.TriggerStatusCallbackPending, job.ErrorCode, &retryAt)
	result.CallbacksQueued++

	w.publish(ctx, events.TriggerFallbackFinished, job, map[string]interface{}{
		"run_id":  run.ID,
		"outcome": outcome,
	})
}
