package models

import "time"

type MessageKind = string

const (
	MessageKindText         = MessageKind("text")
	MessageKindAnnouncement = MessageKind("announcement")
	MessageKindSystem       = MessageKind("system")
)

// Message is a single entry in a conversation log. A message created locally
// carries only a LocalID until the server acknowledges it; after that it
// carries both the LocalID and the server-assigned ServerID plus Sequence,
// and ordering is driven by Sequence.
type Message struct {
	LocalID  string `json:"local_id,omitempty"`
	ServerID string `json:"server_id,omitempty"`
	Sequence uint64 `json:"sequence,omitempty"`

	ConversationID string      `json:"conversation_id"`
	SenderID       string      `json:"sender_id"`
	Body           string      `json:"body"`
	Kind           MessageKind `json:"kind"`
	ReplyToID      string      `json:"reply_to_id,omitempty"`
	IsPinned       bool        `json:"is_pinned"`
	IsDeleted      bool        `json:"is_deleted"`

	CreatedAt time.Time  `json:"created_at"`
	EditedAt  *time.Time `json:"edited_at,omitempty"`
}

// ID returns the canonical identifier of the message: the server id once
// assigned, the local id before that.
func (m Message) ID() string {
	if len(m.ServerID) > 0 {
		return m.ServerID
	}
	return m.LocalID
}

// Confirmed reports whether the server has assigned a sequence number.
func (m Message) Confirmed() bool {
	return m.Sequence > 0
}

// MessagePatch is an edit or soft-delete applied to an existing message.
// Sequence is the server sequence of the patch event; optimistic local
// patches carry zero and are always superseded by a matching server patch.
type MessagePatch struct {
	Body     *string    `json:"body,omitempty"`
	IsPinned *bool      `json:"is_pinned,omitempty"`
	Delete   bool       `json:"delete,omitempty"`
	Undelete bool       `json:"undelete,omitempty"`
	EditedAt *time.Time `json:"edited_at,omitempty"`
	// ClearEdited resets the edit marker; used when rolling back the first
	// optimistic edit of a message.
	ClearEdited bool   `json:"clear_edited,omitempty"`
	Sequence    uint64 `json:"sequence,omitempty"`
}
