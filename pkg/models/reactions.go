package models

// Reaction is the existence of a (message, emoji, user) tuple: this user
// reacted with this emoji to this message. At most one tuple may exist per
// key; toggling is idempotent removal or insertion, never a counter.
type Reaction struct {
	MessageID string `json:"message_id"`
	Emoji     string `json:"emoji"`
	UserID    string `json:"user_id"`
}

// EmojiTally is the derived display view of one emoji on one message.
// It is always recomputed from the tuple set, never stored.
type EmojiTally struct {
	Emoji   string   `json:"emoji"`
	Count   int      `json:"count"`
	Reacted bool     `json:"reacted"`
	Users   []string `json:"users"`
}

// ReactionSummary is the per-message aggregation, ordered by emoji.
type ReactionSummary []EmojiTally

// Tally returns the entry for an emoji, if present.
func (s ReactionSummary) Tally(emoji string) (EmojiTally, bool) {
	for _, item := range s {
		if item.Emoji == emoji {
			return item, true
		}
	}
	return EmojiTally{}, false
}
