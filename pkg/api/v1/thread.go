package v1

import "time"

// ThreadType classifies a thread by how it is driven.
type ThreadType string

const (
	ThreadTypeConversation ThreadType = "conversation"
	ThreadTypeWorkflow     ThreadType = "workflow"
	ThreadTypeIncident     ThreadType = "incident"
)

// ThreadStatus represents the lifecycle status of a thread.
type ThreadStatus string

const (
	ThreadStatusActive   ThreadStatus = "active"
	ThreadStatusBlocked  ThreadStatus = "blocked"
	ThreadStatusResolved ThreadStatus = "resolved"
	ThreadStatusClosed   ThreadStatus = "closed"
)

// threadTransitions holds the allowed status transitions. Closed is terminal.
var threadTransitions = map[ThreadStatus][]ThreadStatus{
	ThreadStatusActive:   {ThreadStatusBlocked, ThreadStatusResolved, ThreadStatusClosed},
	ThreadStatusBlocked:  {ThreadStatusActive, ThreadStatusClosed},
	ThreadStatusResolved: {ThreadStatusClosed},
	ThreadStatusClosed:   {},
}

// CanTransitionTo reports whether a thread may move from s to next.
func (s ThreadStatus) CanTransitionTo(next ThreadStatus) bool {
	for _, allowed := range threadTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Thread represents a durable multi-participant conversation.
type Thread struct {
	ID              string       `json:"id"`
	WorkspaceID     string       `json:"workspace_id"`
	Title           string       `json:"title"`
	Type            ThreadType   `json:"type"`
	Status          ThreadStatus `json:"status"`
	EscalationOwner *string      `json:"escalation_owner,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

// ThreadParticipant registers an agent on a thread. Unique per (thread, agent).
type ThreadParticipant struct {
	ThreadID string `json:"thread_id"`
	AgentID  string `json:"agent_id"`
}

// ParticipantCursor tracks how far an agent has read into a thread.
// LastReadSeq is monotonic non-decreasing; the store rejects regression.
type ParticipantCursor struct {
	ThreadID           string    `json:"thread_id"`
	AgentID            string    `json:"agent_id"`
	LastReadSeq        int64     `json:"last_read_seq"`
	LastAckedMessageID *string   `json:"last_acked_message_id,omitempty"`
	UpdatedAt          time.Time `json:"updated_at"`
}
