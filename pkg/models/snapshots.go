package models

// ResolvedReply is the renderable quoted snippet for a replyTo reference.
// When the original message is not loaded (or tombstoned) the placeholder
// form is returned instead of a nil that callers would have to guard.
type ResolvedReply struct {
	MessageID   string `json:"message_id,omitempty"`
	SenderID    string `json:"sender_id,omitempty"`
	Excerpt     string `json:"excerpt,omitempty"`
	Unavailable bool   `json:"unavailable,omitempty"`
}

// MessageView is a message prepared for rendering: the raw message plus the
// derived reaction summary, resolved reply snippet, and read set.
type MessageView struct {
	Message

	Reactions ReactionSummary `json:"reactions,omitempty"`
	Reply     *ResolvedReply  `json:"reply,omitempty"`
	ReadBy    []string        `json:"read_by,omitempty"`
}

// Snapshot is the immutable state handed to subscribers. Concurrent readers
// never observe a half-applied mutation; every emission is a fresh copy.
type Snapshot struct {
	ConversationID string            `json:"conversation_id"`
	Messages       []MessageView     `json:"messages"`
	Typing         []string          `json:"typing,omitempty"`
	Pending        int               `json:"pending"`
	Failed         []PendingMutation `json:"failed,omitempty"`
}

// Find returns the view for a message id, if present.
func (s Snapshot) Find(id string) (MessageView, bool) {
	for _, item := range s.Messages {
		if item.ID() == id || item.LocalID == id {
			return item, true
		}
	}
	return MessageView{}, false
}
