package domain

import "time"

// Role identifies the author of a history entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether r may appear in conversation history.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// HistoryEntry is a single retained conversation turn. Entries are never
// mutated after creation.
type HistoryEntry struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// MessageRecord is a history entry as written to the durable store.
type MessageRecord struct {
	Role      Role
	Content   string
	CreatedAt time.Time
}

// ConversationRecord is the durable summary row written on conversation end.
type ConversationRecord struct {
	ID        string
	SessionID string
	StartedAt time.Time
	EndedAt   time.Time
}
