// Package unread computes trigger candidates from the unread frontier of
// each thread participant.
package unread

import (
	"context"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/orkiva/orkiva/internal/common/errors"
	"github.com/orkiva/orkiva/internal/common/logger"
	"github.com/orkiva/orkiva/internal/store"
	v1 "github.com/orkiva/orkiva/pkg/api/v1"
)

// ReasonNewUnreadDormant tags every candidate emitted by the reconciler.
const ReasonNewUnreadDormant = "new_unread_dormant_participant"

// SessionStatusMissing stands in when a participant has no session record.
const SessionStatusMissing = "missing"

// Candidate is one dormant participant with unread messages.
type Candidate struct {
	ThreadID           string             `json:"thread_id"`
	WorkspaceID        string             `json:"workspace_id"`
	ParticipantAgentID string             `json:"participant_agent_id"`
	UnreadCount        int64              `json:"unread_count"`
	LatestSeq          int64              `json:"latest_seq"`
	LastReadSeq        int64              `json:"last_read_seq"`
	SessionStatus      string             `json:"session_status"`
	SessionID          *string            `json:"session_id,omitempty"`
	ManagementMode     *v1.ManagementMode `json:"management_mode,omitempty"`
	Resumable          *bool              `json:"resumable,omitempty"`
	StaleSession       bool               `json:"stale_session"`
	Reason             string             `json:"reason"`
}

// Stats summarizes one reconciliation pass.
type Stats struct {
	ParticipantsScanned       int `json:"participants_scanned"`
	UnreadParticipants        int `json:"unread_participants"`
	DormantUnreadParticipants int `json:"dormant_unread_participants"`
	DeduplicatedParticipants  int `json:"deduplicated_participants"`
}

// Result is the reconciliation output.
type Result struct {
	Candidates []Candidate `json:"candidates"`
	Stats      Stats       `json:"stats"`
}

// Input scopes one reconciliation pass.
type Input struct {
	WorkspaceID          string
	StaleAfterHours      int
	IncludeClosedThreads bool
	PolledAt             time.Time
}

// Snapshotter assembles the per-tick unread view.
type Snapshotter interface {
	ParticipantSnapshots(ctx context.Context, workspaceID string, includeClosed bool) ([]store.ParticipantSnapshot, error)
}

// Reconciler scans participant cursors against the latest message sequence
// and emits candidates for dormant participants, deduplicated against the
// last-notified frontier.
type Reconciler struct {
	snapshots Snapshotter
	state     store.ReconciliationStateStore
	logger    *logger.Logger
}

// NewReconciler creates a Reconciler.
func NewReconciler(snapshots Snapshotter, state store.ReconciliationStateStore, log *logger.Logger) *Reconciler {
	return &Reconciler{snapshots: snapshots, state: state, logger: log}
}

// Reconcile runs one pass. Iteration order is deterministic by
// (threadID, agentID); the snapshot is one read-consistent view.
func (r *Reconciler) Reconcile(ctx context.Context, in Input) (*Result, error) {
	if in.StaleAfterHours <= 0 {
		return nil, apperrors.InvalidArgument("staleAfterHours", "must be a positive integer")
	}

	rows, err := r.snapshots.ParticipantSnapshots(ctx, in.WorkspaceID, in.IncludeClosedThreads)
	if err != nil {
		return nil, err
	}

	result := &Result{}
	for _, row := range rows {
		result.Stats.ParticipantsScanned++

		if row.LatestSeq < row.LastReadSeq {
			return nil, apperrors.Newf(apperrors.CodeSequenceViolation,
				"thread %q agent %q: cursor %d is ahead of latest seq %d",
				row.ThreadID, row.AgentID, row.LastReadSeq, row.LatestSeq)
		}
		if row.LatestSeq <= row.LastReadSeq {
			continue
		}
		result.Stats.UnreadParticipants++

		stale := row.Session != nil && row.Session.IsStale(in.StaleAfterHours, in.PolledAt)
		if !isDormant(row.Session, stale) {
			continue
		}
		result.Stats.DormantUnreadParticipants++

		lastNotified, err := r.state.GetLastNotifiedSeq(ctx, row.ThreadID, row.AgentID)
		if err != nil {
			return nil, err
		}
		if lastNotified >= row.LatestSeq {
			result.Stats.DeduplicatedParticipants++
			continue
		}
		if err := r.state.MarkNotified(ctx, row.ThreadID, row.AgentID, row.LatestSeq, in.PolledAt); err != nil {
			return nil, err
		}

		candidate := Candidate{
			ThreadID:           row.ThreadID,
			WorkspaceID:        row.WorkspaceID,
			ParticipantAgentID: row.AgentID,
			UnreadCount:        row.LatestSeq - row.LastReadSeq,
			LatestSeq:          row.LatestSeq,
			LastReadSeq:        row.LastReadSeq,
			SessionStatus:      SessionStatusMissing,
			StaleSession:       stale,
			Reason:             ReasonNewUnreadDormant,
		}
		if row.Session != nil {
			candidate.SessionStatus = string(row.Session.Status)
			sessionID := row.Session.SessionID
			candidate.SessionID = &sessionID
			mode := row.Session.ManagementMode
			candidate.ManagementMode = &mode
			resumable := row.Session.Resumable
			candidate.Resumable = &resumable
		}
		result.Candidates = append(result.Candidates, candidate)
	}

	r.logger.Debug("unread reconciliation pass",
		zap.String("workspace_id", in.WorkspaceID),
		zap.Int("scanned", result.Stats.ParticipantsScanned),
		zap.Int("candidates", len(result.Candidates)),
		zap.Int("deduplicated", result.Stats.DeduplicatedParticipants))
	return result, nil
}

// isDormant reports whether a participant needs a nudge: no session, a
// non-active session, or a stale one.
func isDormant(session *v1.SessionRecord, stale bool) bool {
	if session == nil {
		return true
	}
	if session.Status != v1.SessionStatusActive {
		return true
	}
	return stale
}
