package store

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	apperrors "github.com/orkiva/orkiva/internal/common/errors"
	v1 "github.com/orkiva/orkiva/pkg/api/v1"
)

type cursorKey struct {
	threadID string
	agentID  string
}

type sessionKey struct {
	agentID     string
	workspaceID string
}

// MemoryStore is an in-memory Store for tests and single-process development.
// All returned records are copies; mutations never leak through shared
// pointers.
type MemoryStore struct {
	mu sync.RWMutex

	threads      map[string]*v1.Thread
	participants map[string][]string
	messages     map[string][]*v1.Message
	cursors      map[cursorKey]*v1.ParticipantCursor
	sessions     map[sessionKey]*v1.SessionRecord
	triggers     map[string]*v1.TriggerJob
	attempts     map[string][]*v1.TriggerAttempt
	fallbackRuns map[string]*v1.TriggerFallbackRun
	reconState   map[cursorKey]*v1.ReconciliationState
	auditEvents  []*v1.AuditEvent
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		threads:      make(map[string]*v1.Thread),
		participants: make(map[string][]string),
		messages:     make(map[string][]*v1.Message),
		cursors:      make(map[cursorKey]*v1.ParticipantCursor),
		sessions:     make(map[sessionKey]*v1.SessionRecord),
		triggers:     make(map[string]*v1.TriggerJob),
		attempts:     make(map[string][]*v1.TriggerAttempt),
		fallbackRuns: make(map[string]*v1.TriggerFallbackRun),
		reconState:   make(map[cursorKey]*v1.ReconciliationState),
	}
}

// Close releases nothing; it exists to satisfy Store.
func (s *MemoryStore) Close() error { return nil }

func copyThread(t *v1.Thread) *v1.Thread {
	c := *t
	return &c
}

func copyMessage(m *v1.Message) *v1.Message {
	c := *m
	return &c
}

func copyJob(j *v1.TriggerJob) *v1.TriggerJob {
	c := *j
	return &c
}

func copySession(r *v1.SessionRecord) *v1.SessionRecord {
	c := *r
	return &c
}

func copyRun(r *v1.TriggerFallbackRun) *v1.TriggerFallbackRun {
	c := *r
	return &c
}

// --- ThreadStore ---

func (s *MemoryStore) CreateThread(_ context.Context, thread *v1.Thread) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.threads[thread.ID]; ok {
		return apperrors.Newf(apperrors.CodeConflict, "thread %q already exists", thread.ID)
	}
	s.threads[thread.ID] = copyThread(thread)
	return nil
}

func (s *MemoryStore) GetThread(_ context.Context, threadID string) (*v1.Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.threads[threadID]
	if !ok {
		return nil, apperrors.NotFound("thread", threadID)
	}
	return copyThread(t), nil
}

func (s *MemoryStore) ListThreads(_ context.Context, workspaceID string, includeClosed bool) ([]*v1.Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*v1.Thread
	for _, t := range s.threads {
		if t.WorkspaceID != workspaceID {
			continue
		}
		if !includeClosed && t.Status == v1.ThreadStatusClosed {
			continue
		}
		out = append(out, copyThread(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) TransitionThread(_ context.Context, threadID string, next v1.ThreadStatus, escalationOwner *string, force bool) (*v1.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[threadID]
	if !ok {
		return nil, apperrors.NotFound("thread", threadID)
	}
	if !force && !t.Status.CanTransitionTo(next) {
		return nil, apperrors.Newf(apperrors.CodeInvalidThreadTransition,
			"thread %q cannot move from %s to %s", threadID, t.Status, next)
	}
	t.Status = next
	if escalationOwner != nil {
		t.EscalationOwner = escalationOwner
	}
	t.UpdatedAt = time.Now().UTC()
	return copyThread(t), nil
}

func (s *MemoryStore) AddParticipant(_ context.Context, threadID, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.threads[threadID]; !ok {
		return apperrors.NotFound("thread", threadID)
	}
	for _, existing := range s.participants[threadID] {
		if existing == agentID {
			return nil
		}
	}
	s.participants[threadID] = append(s.participants[threadID], agentID)
	sort.Strings(s.participants[threadID])
	return nil
}

func (s *MemoryStore) ListParticipants(_ context.Context, threadID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.threads[threadID]; !ok {
		return nil, apperrors.NotFound("thread", threadID)
	}
	out := make([]string, len(s.participants[threadID]))
	copy(out, s.participants[threadID])
	return out, nil
}

func (s *MemoryStore) AppendMessage(_ context.Context, msg *v1.Message) (*v1.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.threads[msg.ThreadID]; !ok {
		return nil, apperrors.NotFound("thread", msg.ThreadID)
	}
	existing := s.messages[msg.ThreadID]
	if msg.IdempotencyKey != nil {
		for _, m := range existing {
			if m.SenderAgentID == msg.SenderAgentID &&
				m.IdempotencyKey != nil && *m.IdempotencyKey == *msg.IdempotencyKey {
				return copyMessage(m), nil
			}
		}
	}
	var latest int64
	if n := len(existing); n > 0 {
		latest = existing[n-1].Seq
	}
	if latest == math.MaxInt64 {
		return nil, apperrors.Newf(apperrors.CodeSequenceOverflow,
			"thread %q exhausted its sequence space", msg.ThreadID)
	}
	stored := copyMessage(msg)
	stored.Seq = latest + 1
	if stored.SchemaVersion == 0 {
		stored.SchemaVersion = v1.MessageSchemaVersion
	}
	s.messages[msg.ThreadID] = append(existing, stored)
	return copyMessage(stored), nil
}

func (s *MemoryStore) ListMessages(_ context.Context, threadID string, limit int) ([]*v1.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.messages[threadID]
	start := 0
	if limit > 0 && len(msgs) > limit {
		start = len(msgs) - limit
	}
	out := make([]*v1.Message, 0, len(msgs)-start)
	for _, m := range msgs[start:] {
		out = append(out, copyMessage(m))
	}
	return out, nil
}

func (s *MemoryStore) LatestSeq(_ context.Context, threadID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.messages[threadID]
	if len(msgs) == 0 {
		return 0, nil
	}
	return msgs[len(msgs)-1].Seq, nil
}

func (s *MemoryStore) FindAckEvent(_ context.Context, threadID, senderAgentID string, since time.Time) (*v1.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.messages[threadID] {
		if m.Kind != v1.MessageKindEvent || m.SenderAgentID != senderAgentID {
			continue
		}
		if m.CreatedAt.Before(since) {
			continue
		}
		return copyMessage(m), nil
	}
	return nil, nil
}

func (s *MemoryStore) AcknowledgeRead(_ context.Context, threadID, agentID string, seq int64, messageID *string, now time.Time) (*v1.ParticipantCursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.threads[threadID]; !ok {
		return nil, apperrors.NotFound("thread", threadID)
	}
	key := cursorKey{threadID, agentID}
	cur, ok := s.cursors[key]
	if !ok {
		cur = &v1.ParticipantCursor{ThreadID: threadID, AgentID: agentID}
		s.cursors[key] = cur
	}
	if seq < cur.LastReadSeq {
		return nil, apperrors.Newf(apperrors.CodeCursorRegression,
			"cursor for agent %q would regress from %d to %d", agentID, cur.LastReadSeq, seq)
	}
	cur.LastReadSeq = seq
	if messageID != nil {
		cur.LastAckedMessageID = messageID
	}
	cur.UpdatedAt = now
	c := *cur
	return &c, nil
}

func (s *MemoryStore) GetCursor(_ context.Context, threadID, agentID string) (*v1.ParticipantCursor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cur, ok := s.cursors[cursorKey{threadID, agentID}]
	if !ok {
		return nil, nil
	}
	c := *cur
	return &c, nil
}

func (s *MemoryStore) ParticipantSnapshots(_ context.Context, workspaceID string, includeClosed bool) ([]ParticipantSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	threadIDs := make([]string, 0, len(s.threads))
	for id, t := range s.threads {
		if t.WorkspaceID != workspaceID {
			continue
		}
		if !includeClosed && t.Status == v1.ThreadStatusClosed {
			continue
		}
		threadIDs = append(threadIDs, id)
	}
	sort.Strings(threadIDs)

	var out []ParticipantSnapshot
	for _, threadID := range threadIDs {
		var latest int64
		if msgs := s.messages[threadID]; len(msgs) > 0 {
			latest = msgs[len(msgs)-1].Seq
		}
		for _, agentID := range s.participants[threadID] {
			row := ParticipantSnapshot{
				ThreadID:    threadID,
				WorkspaceID: workspaceID,
				AgentID:     agentID,
				LatestSeq:   latest,
			}
			if cur, ok := s.cursors[cursorKey{threadID, agentID}]; ok {
				row.LastReadSeq = cur.LastReadSeq
			}
			if sess, ok := s.sessions[sessionKey{agentID, workspaceID}]; ok {
				row.Session = copySession(sess)
			}
			out = append(out, row)
		}
	}
	return out, nil
}

// --- SessionStore ---

func (s *MemoryStore) GetSession(_ context.Context, agentID, workspaceID string) (*v1.SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.sessions[sessionKey{agentID, workspaceID}]
	if !ok {
		return nil, nil
	}
	return copySession(rec), nil
}

func (s *MemoryStore) ListSessions(_ context.Context, workspaceID string) ([]*v1.SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*v1.SessionRecord
	for key, rec := range s.sessions {
		if key.workspaceID != workspaceID {
			continue
		}
		out = append(out, copySession(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out, nil
}

func (s *MemoryStore) UpsertSessionFromHeartbeat(_ context.Context, hb *v1.Heartbeat) (*v1.SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// The session id must not already be bound to a different agent in the
	// same workspace.
	for key, rec := range s.sessions {
		if key.workspaceID == hb.WorkspaceID && rec.SessionID == hb.SessionID && key.agentID != hb.AgentID {
			return nil, apperrors.Newf(apperrors.CodeSessionScopeMismatch,
				"session %q already bound to agent %q", hb.SessionID, key.agentID)
		}
	}

	key := sessionKey{hb.AgentID, hb.WorkspaceID}
	existing, ok := s.sessions[key]
	if ok && !hb.HeartbeatAt.After(existing.LastHeartbeatAt) {
		return copySession(existing), nil
	}
	rec := &v1.SessionRecord{
		AgentID:         hb.AgentID,
		WorkspaceID:     hb.WorkspaceID,
		SessionID:       hb.SessionID,
		Runtime:         hb.Runtime,
		ManagementMode:  hb.ManagementMode,
		Resumable:       hb.Resumable,
		Status:          hb.Status,
		LastHeartbeatAt: hb.HeartbeatAt,
		UpdatedAt:       time.Now().UTC(),
	}
	s.sessions[key] = rec
	return copySession(rec), nil
}

func (s *MemoryStore) MarkStaleSessionsOffline(_ context.Context, workspaceID string, staleBefore, now time.Time) (int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	checked, transitioned := 0, 0
	for key, rec := range s.sessions {
		if key.workspaceID != workspaceID {
			continue
		}
		checked++
		if rec.Status == v1.SessionStatusOffline {
			continue
		}
		if rec.LastHeartbeatAt.Before(staleBefore) {
			rec.Status = v1.SessionStatusOffline
			rec.UpdatedAt = now
			transitioned++
		}
	}
	return checked, transitioned, nil
}

func (s *MemoryStore) DeregisterSession(_ context.Context, agentID, workspaceID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[sessionKey{agentID, workspaceID}]
	if !ok {
		return apperrors.NotFound("session", agentID)
	}
	rec.Status = v1.SessionStatusOffline
	rec.Resumable = false
	rec.UpdatedAt = now
	return nil
}

// --- TriggerStore ---

func (s *MemoryStore) InsertTriggerJob(_ context.Context, job *v1.TriggerJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.triggers[job.ID]; ok {
		return apperrors.Newf(apperrors.CodeConflict, "trigger %q already exists", job.ID)
	}
	s.triggers[job.ID] = copyJob(job)
	return nil
}

func (s *MemoryStore) GetTriggerJob(_ context.Context, triggerID string) (*v1.TriggerJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.triggers[triggerID]
	if !ok {
		return nil, apperrors.NotFound("trigger", triggerID)
	}
	return copyJob(job), nil
}

func (s *MemoryStore) UpdateTriggerJob(_ context.Context, job *v1.TriggerJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.triggers[job.ID]; !ok {
		return apperrors.NotFound("trigger", job.ID)
	}
	stored := copyJob(job)
	stored.UpdatedAt = time.Now().UTC()
	s.triggers[job.ID] = stored
	return nil
}

func (s *MemoryStore) ListTriggerJobsByThread(_ context.Context, threadID string, limit int) ([]*v1.TriggerJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*v1.TriggerJob
	for _, job := range s.triggers {
		if job.ThreadID == threadID {
			out = append(out, copyJob(job))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) FindOpenTriggerJob(_ context.Context, threadID, targetAgentID string) (*v1.TriggerJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, job := range s.triggers {
		if job.ThreadID == threadID && job.TargetAgentID == targetAgentID && job.Status.Pending() {
			return copyJob(job), nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) FindDeliveredTriggerJobAtSeq(_ context.Context, threadID, targetAgentID string, seq int64) (*v1.TriggerJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, job := range s.triggers {
		if job.ThreadID != threadID || job.TargetAgentID != targetAgentID {
			continue
		}
		if job.Status != v1.TriggerStatusDelivered && job.Status != v1.TriggerStatusCallbackDelivered {
			continue
		}
		if job.LatestSeq >= seq {
			return copyJob(job), nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) CountPendingTriggerJobs(_ context.Context, workspaceID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, job := range s.triggers {
		if job.WorkspaceID == workspaceID && job.Status.Pending() {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) ClaimDueTriggerJobs(_ context.Context, workspaceID string, limit int, now time.Time, lease time.Duration, minCreatedAt *time.Time) ([]*v1.TriggerJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*v1.TriggerJob
	for _, job := range s.triggers {
		if job.WorkspaceID != workspaceID {
			continue
		}
		if minCreatedAt != nil && job.CreatedAt.Before(*minCreatedAt) {
			continue
		}
		if !jobDue(job, now) {
			continue
		}
		due = append(due, job)
	}
	// Oldest first so starved jobs drain ahead of fresh ones.
	sort.Slice(due, func(i, j int) bool {
		if !due[i].CreatedAt.Equal(due[j].CreatedAt) {
			return due[i].CreatedAt.Before(due[j].CreatedAt)
		}
		return due[i].ID < due[j].ID
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	claimed := make([]*v1.TriggerJob, 0, len(due))
	leaseUntil := now.Add(lease)
	for _, job := range due {
		switch job.Status {
		case v1.TriggerStatusCallbackPending, v1.TriggerStatusCallbackRetry:
			job.Status = v1.TriggerStatusCallbackPending
		default:
			job.Status = v1.TriggerStatusTriggering
			job.Attempts++
		}
		job.NextRetryAt = nil
		job.LeaseExpiresAt = &leaseUntil
		job.UpdatedAt = now
		claimed = append(claimed, copyJob(job))
	}
	return claimed, nil
}

func jobDue(job *v1.TriggerJob, now time.Time) bool {
	switch job.Status {
	case v1.TriggerStatusQueued:
		return job.NextRetryAt == nil || !job.NextRetryAt.After(now)
	case v1.TriggerStatusDeferred, v1.TriggerStatusCallbackRetry:
		return job.NextRetryAt != nil && !job.NextRetryAt.After(now)
	case v1.TriggerStatusTriggering, v1.TriggerStatusCallbackPending:
		// Due when scheduled, or when a dead worker's lease expired.
		if job.NextRetryAt != nil && !job.NextRetryAt.After(now) {
			return true
		}
		return job.LeaseExpiresAt != nil && job.LeaseExpiresAt.Before(now)
	}
	return false
}

func (s *MemoryStore) AppendTriggerAttempt(_ context.Context, attempt *v1.TriggerAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.attempts[attempt.TriggerID] {
		if a.AttemptNo == attempt.AttemptNo {
			return apperrors.Newf(apperrors.CodeConflict,
				"attempt %d for trigger %q already recorded", attempt.AttemptNo, attempt.TriggerID)
		}
	}
	c := *attempt
	s.attempts[attempt.TriggerID] = append(s.attempts[attempt.TriggerID], &c)
	return nil
}

func (s *MemoryStore) ListTriggerAttempts(_ context.Context, triggerID string) ([]*v1.TriggerAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	attempts := s.attempts[triggerID]
	out := make([]*v1.TriggerAttempt, 0, len(attempts))
	for _, a := range attempts {
		c := *a
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AttemptNo < out[j].AttemptNo })
	return out, nil
}

func (s *MemoryStore) InsertFallbackRun(_ context.Context, run *v1.TriggerFallbackRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.fallbackRuns[run.ID]; ok {
		return apperrors.Newf(apperrors.CodeConflict, "fallback run %q already exists", run.ID)
	}
	s.fallbackRuns[run.ID] = copyRun(run)
	return nil
}

func (s *MemoryStore) ListOpenFallbackRuns(_ context.Context, workspaceID string, limit int) ([]*v1.TriggerFallbackRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*v1.TriggerFallbackRun
	for _, run := range s.fallbackRuns {
		if run.FinishedAt != nil {
			continue
		}
		job, ok := s.triggers[run.TriggerID]
		if !ok || job.WorkspaceID != workspaceID {
			continue
		}
		out = append(out, copyRun(run))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) CountOpenFallbackRuns(_ context.Context, workspaceID string) (*FallbackCounts, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := &FallbackCounts{PerAgent: make(map[string]int)}
	for _, run := range s.fallbackRuns {
		if run.FinishedAt != nil {
			continue
		}
		job, ok := s.triggers[run.TriggerID]
		if !ok || job.WorkspaceID != workspaceID {
			continue
		}
		counts.Global++
		counts.PerAgent[job.TargetAgentID]++
	}
	return counts, nil
}

func (s *MemoryStore) FinishFallbackRun(_ context.Context, runID, outcome string, finishedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.fallbackRuns[runID]
	if !ok {
		return apperrors.NotFound("fallback run", runID)
	}
	run.FinishedAt = &finishedAt
	run.Outcome = &outcome
	return nil
}

// --- ReconciliationStateStore ---

func (s *MemoryStore) GetLastNotifiedSeq(_ context.Context, threadID, agentID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.reconState[cursorKey{threadID, agentID}]
	if !ok {
		return 0, nil
	}
	return state.LastNotifiedSeq, nil
}

func (s *MemoryStore) MarkNotified(_ context.Context, threadID, agentID string, seq int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := cursorKey{threadID, agentID}
	state, ok := s.reconState[key]
	if !ok {
		s.reconState[key] = &v1.ReconciliationState{
			ThreadID:        threadID,
			AgentID:         agentID,
			LastNotifiedSeq: seq,
			NotifiedAt:      at,
		}
		return nil
	}
	// Latch only moves forward.
	if seq > state.LastNotifiedSeq {
		state.LastNotifiedSeq = seq
		state.NotifiedAt = at
	}
	return nil
}

// --- AuditStore ---

func (s *MemoryStore) AppendAuditEvent(_ context.Context, event *v1.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *event
	s.auditEvents = append(s.auditEvents, &c)
	return nil
}

func (s *MemoryStore) ListAuditEvents(_ context.Context, workspaceID string, limit int) ([]*v1.AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*v1.AuditEvent
	for i := len(s.auditEvents) - 1; i >= 0; i-- {
		e := s.auditEvents[i]
		if e.WorkspaceID != workspaceID {
			continue
		}
		c := *e
		out = append(out, &c)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
