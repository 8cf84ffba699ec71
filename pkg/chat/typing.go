package chat

import (
	"sort"
	"time"

	"github.com/sidelinehq/chatkit/pkg/models"
)

// TypingTracker holds the short-lived set of currently-typing users for one
// conversation. Expiry is lazy: signals are filtered at read time against an
// explicit "now", so the tracker needs no background timer and stays fully
// deterministic under test.
type TypingTracker struct {
	conversationID string
	ttl            time.Duration
	signals        map[string]time.Time
}

func NewTypingTracker(conversationID string, ttl time.Duration) *TypingTracker {
	return &TypingTracker{
		conversationID: conversationID,
		ttl:            ttl,
		signals:        make(map[string]time.Time),
	}
}

// Observe creates or refreshes a typing signal for the user.
func (t *TypingTracker) Observe(userID string, now time.Time) models.TypingSignal {
	expires := now.Add(t.ttl)
	if current, ok := t.signals[userID]; ok && current.After(expires) {
		expires = current
	}
	t.signals[userID] = expires
	return models.TypingSignal{
		ConversationID: t.conversationID,
		UserID:         userID,
		ExpiresAt:      expires,
	}
}

// ObserveUntil ingests a server-pushed signal with an absolute expiry.
func (t *TypingTracker) ObserveUntil(userID string, expiresAt time.Time) {
	if current, ok := t.signals[userID]; ok && current.After(expiresAt) {
		return
	}
	t.signals[userID] = expiresAt
}

// Clear removes the signal immediately, regardless of expiry. Called when
// the user's own message lands in the conversation.
func (t *TypingTracker) Clear(userID string) {
	delete(t.signals, userID)
}

// Active returns the users whose signal has not expired at now, sorted.
// Expired entries are dropped as a side effect.
func (t *TypingTracker) Active(now time.Time) []string {
	var out []string
	for user, expires := range t.signals {
		if !now.Before(expires) {
			delete(t.signals, user)
			continue
		}
		out = append(out, user)
	}
	sort.Strings(out)
	return out
}
