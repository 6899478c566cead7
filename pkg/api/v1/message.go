package v1

import "time"

// MessageKind classifies a message.
type MessageKind string

const (
	MessageKindChat   MessageKind = "chat"
	MessageKindEvent  MessageKind = "event"
	MessageKindSystem MessageKind = "system"
)

// MessageSchemaVersion is the current wire schema version for messages.
const MessageSchemaVersion = 1

// DefaultEventVersion is assumed when an event message carries no
// metadata.event_version.
const DefaultEventVersion = 1

// Message is a single entry in a thread. Seq is strictly monotonic and
// gap-free per thread, starting at 1.
type Message struct {
	ID              string                 `json:"id"`
	ThreadID        string                 `json:"thread_id"`
	SchemaVersion   int                    `json:"schema_version"`
	Seq             int64                  `json:"seq"`
	SenderAgentID   string                 `json:"sender_agent_id"`
	SenderSessionID string                 `json:"sender_session_id,omitempty"`
	Kind            MessageKind            `json:"kind"`
	Body            string                 `json:"body"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
	InReplyTo       *string                `json:"in_reply_to,omitempty"`
	IdempotencyKey  *string                `json:"idempotency_key,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
}

// EventVersion returns metadata.event_version, defaulting when absent.
func (m *Message) EventVersion() int {
	if m.Metadata == nil {
		return DefaultEventVersion
	}
	switch v := m.Metadata["event_version"].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return DefaultEventVersion
}
