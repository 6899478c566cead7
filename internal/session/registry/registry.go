// Package registry maintains the runtime session registry: which interactive
// runtime, if any, currently serves each (agent, workspace) pair.
package registry

import (
	"context"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/orkiva/orkiva/internal/common/errors"
	"github.com/orkiva/orkiva/internal/common/logger"
	"github.com/orkiva/orkiva/internal/events"
	"github.com/orkiva/orkiva/internal/events/bus"
	"github.com/orkiva/orkiva/internal/store"
	v1 "github.com/orkiva/orkiva/pkg/api/v1"
)

// ReconcileResult reports one registry aging pass.
type ReconcileResult struct {
	CheckedRuntimes     int `json:"checked_runtimes"`
	TransitionedOffline int `json:"transitioned_offline"`
}

// Registry wraps the session store with heartbeat validation, staleness
// reconciliation, and event publication.
type Registry struct {
	sessions store.SessionStore
	eventBus bus.EventBus
	logger   *logger.Logger
}

// New creates a Registry. eventBus may be nil when publication is unwanted.
func New(sessions store.SessionStore, eventBus bus.EventBus, log *logger.Logger) *Registry {
	return &Registry{
		sessions: sessions,
		eventBus: eventBus,
		logger:   log,
	}
}

// UpsertFromHeartbeat applies a heartbeat to the registry. Later heartbeats
// win; earlier or equal heartbeats leave the stored record untouched.
func (r *Registry) UpsertFromHeartbeat(ctx context.Context, hb *v1.Heartbeat) (*v1.SessionRecord, error) {
	if hb.AgentID == "" {
		return nil, apperrors.InvalidArgument("agentId", "must not be empty")
	}
	if hb.WorkspaceID == "" {
		return nil, apperrors.InvalidArgument("workspaceId", "must not be empty")
	}
	if hb.SessionID == "" {
		return nil, apperrors.InvalidArgument("sessionId", "must not be empty")
	}

	rec, err := r.sessions.UpsertSessionFromHeartbeat(ctx, hb)
	if err != nil {
		return nil, err
	}

	r.publish(ctx, events.SessionRegistered, map[string]interface{}{
		"agent_id":     rec.AgentID,
		"workspace_id": rec.WorkspaceID,
		"session_id":   rec.SessionID,
		"status":       string(rec.Status),
	})
	return rec, nil
}

// ReconcileWorkspaceRuntimes ages out sessions whose last heartbeat is older
// than staleAfterHours. Idempotent; a second pass with the same inputs
// transitions nothing.
func (r *Registry) ReconcileWorkspaceRuntimes(ctx context.Context, workspaceID string, staleAfterHours int, now time.Time) (*ReconcileResult, error) {
	if staleAfterHours <= 0 {
		return nil, apperrors.InvalidArgument("staleAfterHours", "must be a positive integer")
	}

	staleBefore := now.Add(-time.Duration(staleAfterHours) * time.Hour)
	checked, transitioned, err := r.sessions.MarkStaleSessionsOffline(ctx, workspaceID, staleBefore, now)
	if err != nil {
		return nil, err
	}

	if transitioned > 0 {
		r.logger.Info("aged stale runtimes offline",
			zap.String("workspace_id", workspaceID),
			zap.Int("checked", checked),
			zap.Int("transitioned", transitioned))
		r.publish(ctx, events.SessionWentOffline, map[string]interface{}{
			"workspace_id": workspaceID,
			"count":        transitioned,
		})
	}
	return &ReconcileResult{CheckedRuntimes: checked, TransitionedOffline: transitioned}, nil
}

// DeregisterRuntime marks the runtime offline and non-resumable.
func (r *Registry) DeregisterRuntime(ctx context.Context, agentID, workspaceID string, now time.Time) error {
	if err := r.sessions.DeregisterSession(ctx, agentID, workspaceID, now); err != nil {
		return err
	}
	r.publish(ctx, events.SessionDeregistered, map[string]interface{}{
		"agent_id":     agentID,
		"workspace_id": workspaceID,
	})
	return nil
}

// Lookup returns the session record for (agent, workspace), or nil.
func (r *Registry) Lookup(ctx context.Context, agentID, workspaceID string) (*v1.SessionRecord, error) {
	return r.sessions.GetSession(ctx, agentID, workspaceID)
}

func (r *Registry) publish(ctx context.Context, eventType string, data map[string]interface{}) {
	if r.eventBus == nil {
		return
	}
	event := bus.NewEvent(eventType, "session-registry", data)
	if err := r.eventBus.Publish(ctx, eventType, event); err != nil {
		r.logger.Warn("failed to publish session event",
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}
