// Package fallback recovers unresponsive runtimes by resuming the agent's
// recorded session or spawning a fresh agent process.
package fallback

import (
	"context"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/orkiva/orkiva/internal/common/errors"
	"github.com/orkiva/orkiva/internal/common/logger"
	v1 "github.com/orkiva/orkiva/pkg/api/v1"
)

// Reasons a resume was skipped in favor of a direct spawn.
const (
	SkipReasonNoSession    = "NO_SESSION"
	SkipReasonSessionStale = "SESSION_STALE"
	SkipReasonNotResumable = "NOT_RESUMABLE"
)

const agentBinary = "codex"

// Config tunes the executor.
type Config struct {
	ResumeMaxAttempts    int
	StaleAfterHours      int
	CrashLoopThreshold   int
	CrashLoopWindow      time.Duration
	AllowDangerousBypass bool
}

// DefaultConfig returns the stock executor tuning.
func DefaultConfig() Config {
	return Config{
		ResumeMaxAttempts:  2,
		StaleAfterHours:    12,
		CrashLoopThreshold: 3,
		CrashLoopWindow:    15 * time.Minute,
	}
}

// SessionLookup resolves the session record for an agent.
type SessionLookup interface {
	GetSession(ctx context.Context, agentID, workspaceID string) (*v1.SessionRecord, error)
}

// Outcome is the executor's verdict for one fallback invocation.
type Outcome struct {
	AttemptResult string
	NextStatus    v1.TriggerStatus
	LaunchMode    v1.LaunchMode
	PID           *int
	ErrorCode     *string
	Details       map[string]interface{}
}

// Executor runs the resume-then-spawn recovery ladder.
type Executor struct {
	cfg      Config
	sessions SessionLookup
	launcher Launcher
	logger   *logger.Logger

	mu          sync.Mutex
	spawnStarts map[string][]time.Time
}

// NewExecutor creates an Executor.
func NewExecutor(cfg Config, sessions SessionLookup, launcher Launcher, log *logger.Logger) *Executor {
	if cfg.ResumeMaxAttempts < 1 {
		cfg.ResumeMaxAttempts = 1
	}
	if cfg.CrashLoopThreshold <= 0 {
		cfg.CrashLoopThreshold = 3
	}
	if cfg.CrashLoopWindow <= 0 {
		cfg.CrashLoopWindow = 15 * time.Minute
	}
	return &Executor{
		cfg:         cfg,
		sessions:    sessions,
		launcher:    launcher,
		logger:      log,
		spawnStarts: make(map[string][]time.Time),
	}
}

// Execute recovers a job whose PTY delivery failed or timed out. It resumes
// the recorded session up to ResumeMaxAttempts times when the session is
// fresh and resumable, then falls back to spawning a new agent process.
// A session lookup failure returns an error without launching anything;
// only a confirmed missing session is treated as NO_SESSION.
func (e *Executor) Execute(ctx context.Context, job *v1.TriggerJob, initialErrorCode string, now time.Time) (*Outcome, error) {
	var skipReason string

	session, err := e.sessions.GetSession(ctx, job.TargetAgentID, job.WorkspaceID)
	if err != nil {
		return nil, err
	}
	switch {
	case session == nil:
		skipReason = SkipReasonNoSession
	case session.IsStale(e.cfg.StaleAfterHours, now):
		skipReason = SkipReasonSessionStale
	case !session.Resumable:
		skipReason = SkipReasonNotResumable
	}

	if skipReason == "" {
		for i := 1; i <= e.cfg.ResumeMaxAttempts; i++ {
			argv := e.argv("exec", "resume", session.SessionID, job.Prompt)
			result := e.launcher.Launch(ctx, argv)
			if result.Started {
				e.logger.Info("fallback resume started",
					zap.String("trigger_id", job.ID),
					zap.String("session_id", session.SessionID),
					zap.Int("pid", result.PID),
					zap.Int("resume_attempt", i))
				pid := result.PID
				return &Outcome{
					AttemptResult: v1.AttemptResultFallbackResumeSucceeded,
					NextStatus:    v1.TriggerStatusFallbackResume,
					LaunchMode:    v1.LaunchModeResume,
					PID:           &pid,
					Details: map[string]interface{}{
						"resumeAttempt":     i,
						"resumeMaxAttempts": e.cfg.ResumeMaxAttempts,
					},
				}, nil
			}
			e.logger.Warn("fallback resume attempt failed",
				zap.String("trigger_id", job.ID),
				zap.Int("resume_attempt", i),
				zap.String("error", result.ErrorMessage))
		}
	}

	return e.spawn(ctx, job, skipReason, initialErrorCode, now), nil
}

func (e *Executor) spawn(ctx context.Context, job *v1.TriggerJob, skipReason, initialErrorCode string, now time.Time) *Outcome {
	if e.crashLooping(job.TargetAgentID, job.WorkspaceID, now) {
		code := apperrors.CodeFallbackCrashLoop
		e.logger.Error("spawn suppressed by crash-loop guard",
			zap.String("trigger_id", job.ID),
			zap.String("target_agent_id", job.TargetAgentID))
		return &Outcome{
			AttemptResult: v1.AttemptResultFailed,
			NextStatus:    v1.TriggerStatusFailed,
			ErrorCode:     &code,
			Details: map[string]interface{}{
				"crashLoopThreshold": e.cfg.CrashLoopThreshold,
				"crashLoopWindowMs":  strconv.FormatInt(e.cfg.CrashLoopWindow.Milliseconds(), 10),
			},
		}
	}

	e.recordSpawn(job.TargetAgentID, job.WorkspaceID, now)
	result := e.launcher.Launch(ctx, e.argv("exec", job.Prompt))
	if result.Started {
		e.logger.Info("fallback spawn started",
			zap.String("trigger_id", job.ID),
			zap.Int("pid", result.PID))
		pid := result.PID
		return &Outcome{
			AttemptResult: v1.AttemptResultFallbackSpawned,
			NextStatus:    v1.TriggerStatusFallbackSpawn,
			LaunchMode:    v1.LaunchModeSpawn,
			PID:           &pid,
		}
	}

	code := apperrors.CodeFallbackSpawnFailed
	details := map[string]interface{}{
		"errorMessage": result.ErrorMessage,
	}
	if skipReason != "" {
		details["resumeSkippedReason"] = skipReason
	}
	if initialErrorCode != "" {
		details["initialErrorCode"] = initialErrorCode
	}
	return &Outcome{
		AttemptResult: v1.AttemptResultFallbackResumeFailed,
		NextStatus:    v1.TriggerStatusFailed,
		ErrorCode:     &code,
		Details:       details,
	}
}

func (e *Executor) argv(args ...string) []string {
	argv := []string{agentBinary}
	if e.cfg.AllowDangerousBypass {
		argv = append(argv, "--dangerously-bypass-approvals-and-sandbox")
	}
	return append(argv, args...)
}

func (e *Executor) crashLooping(agentID, workspaceID string, now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := agentID + "/" + workspaceID
	starts := e.trimWindowLocked(key, now)
	return len(starts) >= e.cfg.CrashLoopThreshold
}

func (e *Executor) recordSpawn(agentID, workspaceID string, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := agentID + "/" + workspaceID
	e.spawnStarts[key] = append(e.trimWindowLocked(key, now), now)
}

func (e *Executor) trimWindowLocked(key string, now time.Time) []time.Time {
	cutoff := now.Add(-e.cfg.CrashLoopWindow)
	var kept []time.Time
	for _, t := range e.spawnStarts[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	e.spawnStarts[key] = kept
	return kept
}
