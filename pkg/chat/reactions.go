package chat

import (
	"sort"

	"github.com/sidelinehq/chatkit/pkg/models"
)

// ReactionSet holds the per-message multiset of (emoji, user) tuples. The
// tuple set is the single source of truth: counts are always derived on
// read and never stored as separately-mutable fields, so a count can never
// drift from the set that backs it.
type ReactionSet struct {
	tuples  map[string]map[string]map[string]struct{}
	applied *recentSet
}

func NewReactionSet() *ReactionSet {
	return &ReactionSet{
		tuples:  make(map[string]map[string]map[string]struct{}),
		applied: newRecentSet(dedupeWindow),
	}
}

// Toggle flips the (message, emoji, user) tuple and reports the resulting
// presence. Each application is tagged with the mutation id that caused it;
// re-applying an already-seen mutation id is ignored, which keeps toggles
// idempotent under at-least-once delivery from the network. The second
// return reports whether the set changed.
func (r *ReactionSet) Toggle(messageID, userID, emoji, mutationID string) (present bool, changed bool) {
	if len(mutationID) > 0 && r.applied.Seen(mutationID) {
		return r.Has(messageID, userID, emoji), false
	}

	if r.Has(messageID, userID, emoji) {
		r.remove(messageID, userID, emoji)
		return false, true
	}
	r.insert(messageID, userID, emoji)
	return true, true
}

// ApplyEvent ingests a server-pushed reaction change. The mutation id
// dedupe covers the echo of a toggle this client already applied
// optimistically, so at-least-once delivery never double-toggles. Reports
// whether the set changed.
func (r *ReactionSet) ApplyEvent(messageID, userID, emoji, mutationID string, present bool) bool {
	if len(mutationID) > 0 && r.applied.Seen(mutationID) {
		return false
	}
	if r.Has(messageID, userID, emoji) == present {
		return false
	}
	r.Set(messageID, userID, emoji, present)
	return true
}

// Set forces the tuple to an explicit presence, regardless of its current
// state. Used for authoritative server corrections and exact rollback.
func (r *ReactionSet) Set(messageID, userID, emoji string, present bool) {
	if present {
		r.insert(messageID, userID, emoji)
	} else {
		r.remove(messageID, userID, emoji)
	}
}

func (r *ReactionSet) Has(messageID, userID, emoji string) bool {
	byEmoji, ok := r.tuples[messageID]
	if !ok {
		return false
	}
	users, ok := byEmoji[emoji]
	if !ok {
		return false
	}
	_, ok = users[userID]
	return ok
}

// Rekey moves all tuples for a message onto its new canonical id after a
// local-to-server id remap.
func (r *ReactionSet) Rekey(oldID, newID string) {
	if oldID == newID {
		return
	}
	moved, ok := r.tuples[oldID]
	if !ok {
		return
	}
	delete(r.tuples, oldID)
	target, ok := r.tuples[newID]
	if !ok {
		r.tuples[newID] = moved
		return
	}
	for emoji, users := range moved {
		if _, ok := target[emoji]; !ok {
			target[emoji] = users
			continue
		}
		for user := range users {
			target[emoji][user] = struct{}{}
		}
	}
}

// Summarize derives the display aggregation for one message, ordered by
// emoji. Cost is proportional to the reactions on that message.
func (r *ReactionSet) Summarize(messageID, viewerID string) models.ReactionSummary {
	byEmoji, ok := r.tuples[messageID]
	if !ok || len(byEmoji) == 0 {
		return nil
	}

	out := make(models.ReactionSummary, 0, len(byEmoji))
	for emoji, users := range byEmoji {
		if len(users) == 0 {
			continue
		}
		tally := models.EmojiTally{Emoji: emoji, Count: len(users)}
		for user := range users {
			tally.Users = append(tally.Users, user)
			if user == viewerID {
				tally.Reacted = true
			}
		}
		sort.Strings(tally.Users)
		out = append(out, tally)
	}
	if len(out) == 0 {
		return nil
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Emoji < out[j].Emoji })
	return out
}

func (r *ReactionSet) insert(messageID, userID, emoji string) {
	byEmoji, ok := r.tuples[messageID]
	if !ok {
		byEmoji = make(map[string]map[string]struct{})
		r.tuples[messageID] = byEmoji
	}
	users, ok := byEmoji[emoji]
	if !ok {
		users = make(map[string]struct{})
		byEmoji[emoji] = users
	}
	users[userID] = struct{}{}
}

func (r *ReactionSet) remove(messageID, userID, emoji string) {
	byEmoji, ok := r.tuples[messageID]
	if !ok {
		return
	}
	users, ok := byEmoji[emoji]
	if !ok {
		return
	}
	delete(users, userID)
	if len(users) == 0 {
		delete(byEmoji, emoji)
	}
	if len(byEmoji) == 0 {
		delete(r.tuples, messageID)
	}
}
