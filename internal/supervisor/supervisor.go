// Package supervisor runs the periodic tick that reconciles runtimes, scans
// unread frontiers, schedules trigger jobs, and drains the trigger queue.
package supervisor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/orkiva/orkiva/internal/common/ids"
	"github.com/orkiva/orkiva/internal/common/logger"
	"github.com/orkiva/orkiva/internal/events"
	"github.com/orkiva/orkiva/internal/events/bus"
	"github.com/orkiva/orkiva/internal/metrics"
	"github.com/orkiva/orkiva/internal/session/registry"
	"github.com/orkiva/orkiva/internal/store"
	"github.com/orkiva/orkiva/internal/trigger/scheduler"
	"github.com/orkiva/orkiva/internal/trigger/worker"
	"github.com/orkiva/orkiva/internal/unread"
)

// Config tunes the supervisor loop.
type Config struct {
	WorkspaceID          string
	StaleAfterHours      int
	TriggerMaxRetries    int
	MaxJobsPerTick       int
	AutoUnreadEnabled    bool
	IncludeClosedThreads bool
	PollInterval         time.Duration
}

// TickStats aggregates one tick's sub-results. Nil sections were skipped.
type TickStats struct {
	TickAt       time.Time                 `json:"tick_at"`
	Duration     time.Duration             `json:"duration"`
	Runtime      *registry.ReconcileResult `json:"runtime,omitempty"`
	Unread       *unread.Result            `json:"unread,omitempty"`
	Scheduling   *scheduler.Result         `json:"scheduling,omitempty"`
	Queue        *worker.ProcessResult     `json:"queue,omitempty"`
	FallbackRuns *worker.ReconcileResult   `json:"fallback_runs,omitempty"`
	Errors       []string                  `json:"errors,omitempty"`
}

// Supervisor owns one workspace's tick. Ticks run serially; sub-components
// fan out internally where safe.
type Supervisor struct {
	cfg        Config
	clock      ids.Clock
	registry   *registry.Registry
	reconciler *unread.Reconciler
	scheduler  *scheduler.Scheduler
	worker     *worker.Worker
	triggers   store.TriggerStore
	eventBus   bus.EventBus
	logger     *logger.Logger

	mu        sync.RWMutex
	lastStats *TickStats
}

// New wires a Supervisor from its components. eventBus may be nil.
func New(cfg Config, clock ids.Clock, reg *registry.Registry, rec *unread.Reconciler, sched *scheduler.Scheduler, w *worker.Worker, triggers store.TriggerStore, eventBus bus.EventBus, log *logger.Logger) *Supervisor {
	if clock == nil {
		clock = ids.SystemClock{}
	}
	return &Supervisor{
		cfg:        cfg,
		clock:      clock,
		registry:   reg,
		reconciler: rec,
		scheduler:  sched,
		worker:     w,
		triggers:   triggers,
		eventBus:   eventBus,
		logger:     log,
	}
}

// RunTick executes one supervision pass. Every sub-call observes the same
// tickAt instant. Sub-step failures are collected and the tick continues;
// the tick as a whole never panics the loop.
func (s *Supervisor) RunTick(ctx context.Context) *TickStats {
	tickAt := s.clock.Now()
	stats := &TickStats{TickAt: tickAt}

	runtime, err := s.registry.ReconcileWorkspaceRuntimes(ctx, s.cfg.WorkspaceID, s.cfg.StaleAfterHours, tickAt)
	if err != nil {
		s.recordError(stats, "runtime reconciliation", err)
	} else {
		stats.Runtime = runtime
		metrics.SessionsMarkedOffline.Add(float64(runtime.TransitionedOffline))
	}

	if s.cfg.AutoUnreadEnabled {
		s.runScheduling(ctx, tickAt, stats)
	}

	queue, err := s.worker.ProcessDueJobs(ctx, worker.ProcessInput{
		WorkspaceID: s.cfg.WorkspaceID,
		Limit:       s.cfg.MaxJobsPerTick,
		ProcessedAt: tickAt,
	})
	if err != nil {
		s.recordError(stats, "queue processing", err)
	} else {
		stats.Queue = queue
		metrics.TriggersDelivered.Add(float64(queue.Delivered))
		metrics.TriggersDeferred.Add(float64(queue.Deferred))
		metrics.TriggersDeadLettered.Add(float64(queue.DeadLettered))
		metrics.FallbacksStarted.Add(float64(queue.FallbacksStarted))
		metrics.CallbacksPosted.Add(float64(queue.CallbacksPosted))
		metrics.CallbacksFailed.Add(float64(queue.CallbacksFailed))
	}

	fallbackRuns, err := s.worker.ReconcileFallbackRuns(ctx, worker.ReconcileInput{
		WorkspaceID: s.cfg.WorkspaceID,
		Limit:       s.cfg.MaxJobsPerTick,
		ProcessedAt: tickAt,
	})
	if err != nil {
		s.recordError(stats, "fallback run reconciliation", err)
	} else {
		stats.FallbackRuns = fallbackRuns
	}

	stats.Duration = s.clock.Now().Sub(tickAt)
	metrics.TickDuration.Observe(stats.Duration.Seconds())
	if len(stats.Errors) == 0 {
		metrics.TicksTotal.WithLabelValues("ok").Inc()
	} else {
		metrics.TicksTotal.WithLabelValues("error").Inc()
	}

	s.mu.Lock()
	s.lastStats = stats
	s.mu.Unlock()

	s.publishTick(ctx, stats)
	return stats
}

// runScheduling performs the unread scan and candidate scheduling steps.
func (s *Supervisor) runScheduling(ctx context.Context, tickAt time.Time, stats *TickStats) {
	unreadResult, err := s.reconciler.Reconcile(ctx, unread.Input{
		WorkspaceID:          s.cfg.WorkspaceID,
		StaleAfterHours:      s.cfg.StaleAfterHours,
		IncludeClosedThreads: s.cfg.IncludeClosedThreads,
		PolledAt:             tickAt,
	})
	if err != nil {
		s.recordError(stats, "unread reconciliation", err)
		return
	}
	stats.Unread = unreadResult

	pending, err := s.triggers.CountPendingTriggerJobs(ctx, s.cfg.WorkspaceID)
	if err != nil {
		s.recordError(stats, "pending job count", err)
		return
	}
	metrics.PendingTriggerJobs.Set(float64(pending))

	scheduling, err := s.scheduler.Schedule(ctx, scheduler.Input{
		WorkspaceID:       s.cfg.WorkspaceID,
		Candidates:        unreadResult.Candidates,
		TriggerMaxRetries: s.cfg.TriggerMaxRetries,
		PendingJobs:       pending,
		ScheduledAt:       tickAt,
	})
	if err != nil {
		s.recordError(stats, "trigger scheduling", err)
		return
	}
	stats.Scheduling = scheduling
	metrics.TriggersScheduled.Add(float64(scheduling.Enqueued))
	if scheduling.BreakerOpen {
		metrics.BreakerOpen.Set(1)
	} else {
		metrics.BreakerOpen.Set(0)
	}
}

// Run ticks until the context is canceled. A failed tick is logged and the
// loop proceeds to the next interval.
func (s *Supervisor) Run(ctx context.Context) error {
	s.logger.Info("supervisor loop started",
		zap.String("workspace_id", s.cfg.WorkspaceID),
		zap.Duration("poll_interval", s.cfg.PollInterval))

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		tickCtx, cancel := context.WithTimeout(ctx, s.cfg.PollInterval)
		stats := s.RunTick(tickCtx)
		cancel()
		if len(stats.Errors) > 0 {
			s.logger.Error("tick completed with errors",
				zap.Time("tick_at", stats.TickAt),
				zap.Strings("errors", stats.Errors))
		}

		select {
		case <-ctx.Done():
			s.logger.Info("supervisor loop stopping",
				zap.String("workspace_id", s.cfg.WorkspaceID))
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// LastStats returns the most recent tick's stats, or nil before the first
// tick.
func (s *Supervisor) LastStats() *TickStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastStats
}

func (s *Supervisor) recordError(stats *TickStats, step string, err error) {
	stats.Errors = append(stats.Errors, step+": "+err.Error())
	s.logger.Error("tick step failed",
		zap.String("step", step),
		zap.String("workspace_id", s.cfg.WorkspaceID),
		zap.Error(err))
}

func (s *Supervisor) publishTick(ctx context.Context, stats *TickStats) {
	if s.eventBus == nil {
		return
	}
	data := map[string]interface{}{
		"workspace_id": s.cfg.WorkspaceID,
		"tick_at":      stats.TickAt,
		"duration_ms":  stats.Duration.Milliseconds(),
		"errors":       len(stats.Errors),
	}
	if stats.Scheduling != nil {
		data["enqueued"] = stats.Scheduling.Enqueued
		data["breaker_open"] = stats.Scheduling.BreakerOpen
	}
	if stats.Queue != nil {
		data["claimed"] = stats.Queue.Claimed
		data["delivered"] = stats.Queue.Delivered
	}
	event := bus.NewEvent(events.SupervisorTickCompleted, "supervisor", data)
	if err := s.eventBus.Publish(ctx, events.SupervisorTickCompleted, event); err != nil {
		s.logger.Warn("failed to publish tick event", zap.Error(err))
	}
}
