package models

import "time"

const (
	EventMessageAppended = "messages.append"
	EventMessagePatched  = "messages.patch"
	EventReactionChanged = "reactions.change"
	EventTyping          = "status.typing"
	EventRead            = "status.read"
)

// ConversationEvent is one entry of the server event stream. Delivery is
// at-least-once; consumers must de-duplicate by ID and, for effects that
// originate from a local intent, by ClientMutationID.
type ConversationEvent struct {
	ID               string `json:"id"`
	Type             string `json:"type"`
	ConversationID   string `json:"conversation_id"`
	ClientMutationID string `json:"client_mutation_id,omitempty"`

	Message  *Message       `json:"message,omitempty"`
	Patch    *PatchEvent    `json:"patch,omitempty"`
	Reaction *ReactionEvent `json:"reaction,omitempty"`
	Typing   *TypingEvent   `json:"typing,omitempty"`
	Read     *ReadEvent     `json:"read,omitempty"`
}

type PatchEvent struct {
	MessageID string     `json:"message_id"`
	Sequence  uint64     `json:"sequence"`
	Body      *string    `json:"body,omitempty"`
	IsPinned  *bool      `json:"is_pinned,omitempty"`
	Deleted   bool       `json:"deleted,omitempty"`
	EditedAt  *time.Time `json:"edited_at,omitempty"`
}

type ReactionEvent struct {
	Reaction
	Present bool `json:"present"`
}

type TypingEvent struct {
	UserID    string    `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

type ReadEvent struct {
	UserID       string `json:"user_id"`
	UpToSequence uint64 `json:"up_to_sequence"`
}
