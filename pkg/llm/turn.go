package llm

import "time"

// Role identifies the author of a conversation turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ConversationTurn is one message in a thread. Turns are values: once created
// they are never modified, threads only ever append new ones.
type ConversationTurn struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	RawText   string    `json:"raw_text"`
	CreatedAt time.Time `json:"created_at"`

	// Seq is the position of the turn in its thread listing. It breaks ties
	// between turns sharing a CreatedAt.
	Seq int64 `json:"seq"`
}

// Before reports whether t sorts before other in thread order.
func (t ConversationTurn) Before(other ConversationTurn) bool {
	if !t.CreatedAt.Equal(other.CreatedAt) {
		return t.CreatedAt.Before(other.CreatedAt)
	}
	return t.Seq < other.Seq
}
