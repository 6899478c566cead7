// Package scheduler converts unread candidates into durable trigger jobs
// under rate-limit and circuit-breaker discipline.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/orkiva/orkiva/internal/common/config"
	"github.com/orkiva/orkiva/internal/common/ids"
	"github.com/orkiva/orkiva/internal/common/logger"
	"github.com/orkiva/orkiva/internal/events"
	"github.com/orkiva/orkiva/internal/events/bus"
	"github.com/orkiva/orkiva/internal/store"
	"github.com/orkiva/orkiva/internal/unread"
	v1 "github.com/orkiva/orkiva/pkg/api/v1"
)

// Input carries one tick's scheduling work.
type Input struct {
	WorkspaceID       string
	Candidates        []unread.Candidate
	TriggerMaxRetries int
	PendingJobs       int
	ScheduledAt       time.Time
}

// Result reports what the scheduler did with the candidates.
type Result struct {
	Enqueued            int  `json:"enqueued"`
	SkippedPending      int  `json:"skipped_pending"`
	ReusedExisting      int  `json:"reused_existing"`
	SuppressedByBudget  int  `json:"suppressed_by_budget"`
	SuppressedByBreaker int  `json:"suppressed_by_breaker"`
	BreakerOpen         bool `json:"breaker_open"`
	PendingJobs         int  `json:"pending_jobs"`
}

// Scheduler inserts trigger jobs for surviving candidates. Breaker and
// rate-limiter state is per instance and tolerates restarts.
type Scheduler struct {
	cfg      config.AutoUnreadConfig
	triggers store.TriggerStore
	eventBus bus.EventBus
	logger   *logger.Logger

	mu           sync.Mutex
	breakerOpen  bool
	breakerSince time.Time
	recentByKey  map[string][]time.Time
}

// New creates a Scheduler. eventBus may be nil.
func New(cfg config.AutoUnreadConfig, triggers store.TriggerStore, eventBus bus.EventBus, log *logger.Logger) *Scheduler {
	return &Scheduler{
		cfg:         cfg,
		triggers:    triggers,
		eventBus:    eventBus,
		logger:      log,
		recentByKey: make(map[string][]time.Time),
	}
}

// Schedule applies the backlog breaker, per-agent rate limits, and dedup,
// then inserts a queued job for each surviving candidate.
func (s *Scheduler) Schedule(ctx context.Context, in Input) (*Result, error) {
	result := &Result{PendingJobs: in.PendingJobs}

	if s.breakerGate(in.PendingJobs, in.ScheduledAt) {
		result.BreakerOpen = true
		result.SuppressedByBreaker = len(in.Candidates)
		if len(in.Candidates) > 0 {
			s.logger.Warn("backlog breaker open, suppressing candidates",
				zap.String("workspace_id", in.WorkspaceID),
				zap.Int("pending_jobs", in.PendingJobs),
				zap.Int("suppressed", len(in.Candidates)))
			s.publish(ctx, events.BacklogBreakerTripped, map[string]interface{}{
				"workspace_id": in.WorkspaceID,
				"pending_jobs": in.PendingJobs,
				"suppressed":   len(in.Candidates),
			})
		}
		return result, nil
	}

	for _, candidate := range in.Candidates {
		existing, err := s.triggers.FindOpenTriggerJob(ctx, candidate.ThreadID, candidate.ParticipantAgentID)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			result.ReusedExisting++
			continue
		}

		covered, err := s.triggers.FindDeliveredTriggerJobAtSeq(ctx, candidate.ThreadID, candidate.ParticipantAgentID, candidate.LatestSeq)
		if err != nil {
			return nil, err
		}
		if covered != nil {
			result.SkippedPending++
			continue
		}

		if !s.withinBudget(in.WorkspaceID, candidate.ParticipantAgentID, in.ScheduledAt) {
			result.SuppressedByBudget++
			continue
		}

		job := &v1.TriggerJob{
			ID:              ids.NewTriggerID(),
			ThreadID:        candidate.ThreadID,
			WorkspaceID:     in.WorkspaceID,
			TargetAgentID:   candidate.ParticipantAgentID,
			TargetSessionID: candidate.SessionID,
			Reason:          candidate.Reason,
			Prompt:          renderPrompt(candidate),
			Status:          v1.TriggerStatusQueued,
			MaxRetries:      in.TriggerMaxRetries,
			LatestSeq:       candidate.LatestSeq,
			CreatedAt:       in.ScheduledAt,
			UpdatedAt:       in.ScheduledAt,
		}
		if err := s.triggers.InsertTriggerJob(ctx, job); err != nil {
			return nil, err
		}
		s.recordTrigger(in.WorkspaceID, candidate.ParticipantAgentID, in.ScheduledAt)
		result.Enqueued++

		s.publish(ctx, events.TriggerScheduled, map[string]interface{}{
			"trigger_id":      job.ID,
			"thread_id":       job.ThreadID,
			"target_agent_id": job.TargetAgentID,
			"latest_seq":      job.LatestSeq,
		})
	}

	return result, nil
}

// renderPrompt produces the envelope body a nudged agent will read.
func renderPrompt(c unread.Candidate) string {
	return fmt.Sprintf(
		"You have %d unread message(s) in thread %s (latest seq %d, your cursor at %d). "+
			"Read the thread and respond to anything addressed to you.",
		c.UnreadCount, c.ThreadID, c.LatestSeq, c.LastReadSeq)
}

// breakerGate reports whether scheduling is halted, updating breaker state.
// The breaker opens when the backlog reaches the threshold and closes only
// after the backlog drains and the cooldown has elapsed.
func (s *Scheduler) breakerGate(pendingJobs int, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if pendingJobs >= s.cfg.BreakerBacklogThreshold {
		if !s.breakerOpen {
			s.breakerOpen = true
			s.breakerSince = now
		}
		return true
	}
	if s.breakerOpen {
		if now.Sub(s.breakerSince) < s.cfg.BreakerCooldown() {
			return true
		}
		s.breakerOpen = false
	}
	return false
}

// withinBudget enforces the per-agent window cap and minimum spacing.
func (s *Scheduler) withinBudget(workspaceID, agentID string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := workspaceID + "/" + agentID
	cutoff := now.Add(-s.cfg.Window())
	var recent []time.Time
	for _, t := range s.recentByKey[key] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	s.recentByKey[key] = recent

	if len(recent) >= s.cfg.MaxTriggersPerWindow {
		return false
	}
	if len(recent) > 0 && now.Sub(recent[len(recent)-1]) < s.cfg.MinInterval() {
		return false
	}
	return true
}

func (s *Scheduler) recordTrigger(workspaceID, agentID string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := workspaceID + "/" + agentID
	s.recentByKey[key] = append(s.recentByKey[key], now)
}

func (s *Scheduler) publish(ctx context.Context, eventType string, data map[string]interface{}) {
	if s.eventBus == nil {
		return
	}
	event := bus.NewEvent(eventType, "trigger-scheduler", data)
	if err := s.eventBus.Publish(ctx, eventType, event); err != nil {
		s.logger.Warn("failed to publish scheduler event",
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}
