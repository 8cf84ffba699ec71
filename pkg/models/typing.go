package models

import "time"

// TypingSignal is an ephemeral "currently typing" marker. It is never part
// of persisted history; it lives until ExpiresAt passes or the user's own
// message is appended.
type TypingSignal struct {
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	ExpiresAt      time.Time `json:"expires_at"`
}

func (v TypingSignal) Expired(now time.Time) bool {
	return !now.Before(v.ExpiresAt)
}
