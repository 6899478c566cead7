package v1

import "time"

// ManagementMode says whether the supervisor owns the runtime's lifecycle.
type ManagementMode string

const (
	ManagementModeManaged   ManagementMode = "managed"
	ManagementModeUnmanaged ManagementMode = "unmanaged"
)

// SessionStatus represents the liveness of an interactive runtime session.
type SessionStatus string

const (
	SessionStatusActive  SessionStatus = "active"
	SessionStatusIdle    SessionStatus = "idle"
	SessionStatusOffline SessionStatus = "offline"
)

// SessionRecord binds an interactive runtime to (agentId, workspaceId).
// The scope pair is immutable per row; later heartbeats overwrite the rest.
type SessionRecord struct {
	AgentID         string         `json:"agent_id"`
	WorkspaceID     string         `json:"workspace_id"`
	SessionID       string         `json:"session_id"`
	Runtime         string         `json:"runtime"`
	ManagementMode  ManagementMode `json:"management_mode"`
	Resumable       bool           `json:"resumable"`
	Status          SessionStatus  `json:"status"`
	LastHeartbeatAt time.Time      `json:"last_heartbeat_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// IsStale reports whether the session's last heartbeat is older than
// staleAfterHours relative to ref.
func (s *SessionRecord) IsStale(staleAfterHours int, ref time.Time) bool {
	return ref.Sub(s.LastHeartbeatAt) > time.Duration(staleAfterHours)*time.Hour
}

// Heartbeat is the upsert payload for a session record.
type Heartbeat struct {
	AgentID        string         `json:"agent_id"`
	WorkspaceID    string         `json:"workspace_id"`
	SessionID      string         `json:"session_id"`
	Runtime        string         `json:"runtime"`
	ManagementMode ManagementMode `json:"management_mode"`
	Resumable      bool           `json:"resumable"`
	Status         SessionStatus  `json:"status"`
	HeartbeatAt    time.Time      `json:"heartbeat_at"`
}
