package conversation

import "errors"

// Sentinel errors for conversation operations, checked with errors.Is().
var (
	// ErrUnknownConversation indicates the conversation ID was never
	// created by this Manager.
	ErrUnknownConversation = errors.New("unknown conversation")

	// ErrConversationEnded indicates the conversation exists but has been
	// ended; no further operations are accepted on it.
	ErrConversationEnded = errors.New("conversation has ended")

	// ErrInvalidRole indicates a message role other than user or assistant.
	ErrInvalidRole = errors.New("invalid message role")
)
