// Package conversation tracks live support conversations: their message
// history, their retrieved document context, and the assembled prompt handed
// to the model.
package conversation

import (
	"time"

	"github.com/google/uuid"

	"github.com/sagedesk/sage/internal/search"
)

// Role identifies the author of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether the role is one a caller may append.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// Message is one turn of a conversation. Metadata is an optional caller bag
// (channel, locale, client info) stored verbatim alongside the turn.
type Message struct {
	Role      Role
	Content   string
	Metadata  map[string]any
	Timestamp time.Time
}

// Conversation is a snapshot of one conversation's state. Snapshots returned
// by the Manager are copies; mutating them never affects the live state.
//
// CustomerName and ProductID are optional correlation keys: a conversation
// with neither is anonymous and still fully functional.
type Conversation struct {
	ID           uuid.UUID
	CustomerName string
	ProductID    string
	Metadata     map[string]any
	Messages     []Message
	RelevantDocs []search.Result
	StartedAt    time.Time
	EndedAt      time.Time
}
