package chat

import (
	"iter"
	"sort"
	"time"

	"github.com/sidelinehq/chatkit/pkg/models"
)

type storeEntry struct {
	msg      models.Message
	patchSeq uint64
	dropped  bool
}

// Store is the ordered message log of one conversation: an append-only
// arena plus indexes for sequence and id lookup. Messages are ordered by
// server sequence; messages still pending acknowledgement sort after every
// confirmed message, by created time then local id, so the order is total
// and deterministic even before confirmation.
//
// The store is not safe for concurrent use on its own; the engine owns it
// behind the per-conversation mutation queue.
type Store struct {
	conversationID string

	arena []storeEntry
	order []int
	bySeq map[uint64]int
	byID  map[string]int
	alias map[string]string
}

func NewStore(conversationID string) *Store {
	return &Store{
		conversationID: conversationID,
		bySeq:          make(map[uint64]int),
		byID:           make(map[string]int),
		alias:          make(map[string]string),
	}
}

func (s *Store) Len() int {
	return len(s.order)
}

// Resolve maps any id the caller may still hold (local or server) to the
// current canonical message. The alias table is retained for the whole
// session, so stale callers holding a pre-remap local id keep resolving.
func (s *Store) Resolve(id string) (models.Message, bool) {
	off, ok := s.offsetOf(id)
	if !ok {
		return models.Message{}, false
	}
	return s.arena[off].msg, true
}

func (s *Store) offsetOf(id string) (int, bool) {
	if mapped, ok := s.alias[id]; ok {
		id = mapped
	}
	off, ok := s.byID[id]
	if !ok || s.arena[off].dropped {
		return 0, false
	}
	return off, true
}

// Append inserts a message into the log. Ingestion is idempotent: a message
// whose sequence or local id is already present is a no-op, which makes
// redelivered server pushes harmless. Reports whether the log changed.
func (s *Store) Append(msg models.Message) bool {
	if msg.Sequence > 0 {
		if _, ok := s.bySeq[msg.Sequence]; ok {
			return false
		}
	}
	if len(msg.LocalID) > 0 {
		if _, ok := s.offsetOf(msg.LocalID); ok {
			return false
		}
	}
	if len(msg.ServerID) > 0 {
		if _, ok := s.offsetOf(msg.ServerID); ok {
			return false
		}
	}

	off := len(s.arena)
	s.arena = append(s.arena, storeEntry{msg: msg})
	s.index(off)
	s.insertOrdered(off)
	return true
}

// Patch applies an edit, pin change or soft delete to an existing message.
// Server patches carry their event sequence; a patch older than the last
// applied server patch fails with ErrSuperseded (last writer by server
// sequence wins). Local optimistic patches carry zero and never advance the
// watermark, so a matching server patch always supersedes them.
func (s *Store) Patch(id string, patch models.MessagePatch) error {
	off, ok := s.offsetOf(id)
	if !ok {
		return ErrNotFound
	}

	entry := &s.arena[off]
	if patch.Sequence > 0 {
		if patch.Sequence <= entry.patchSeq {
			return ErrSuperseded
		}
		entry.patchSeq = patch.Sequence
	}

	if patch.Body != nil {
		entry.msg.Body = *patch.Body
	}
	if patch.IsPinned != nil {
		entry.msg.IsPinned = *patch.IsPinned
	}
	if patch.Delete {
		entry.msg.IsDeleted = true
	}
	if patch.Undelete {
		entry.msg.IsDeleted = false
	}
	if patch.EditedAt != nil {
		entry.msg.EditedAt = patch.EditedAt
	}
	if patch.ClearEdited {
		entry.msg.EditedAt = nil
	}
	return nil
}

// AssignServer remaps a locally-created message to its server identity
// after acknowledgement. The local id stays resolvable through the alias
// table. If the same logical message already arrived through the event
// stream, the pending duplicate is collapsed into the confirmed entry.
func (s *Store) AssignServer(localID, serverID string, sequence uint64, createdAt time.Time) error {
	off, ok := s.byID[localID]
	if !ok {
		return ErrNotFound
	}

	if confirmed, ok := s.bySeq[sequence]; ok && confirmed != off {
		// The stream delivered the confirmed message before the ack.
		s.arena[confirmed].msg.LocalID = localID
		s.dropOffset(off)
		s.byID[localID] = confirmed
		s.alias[localID] = serverID
		return nil
	}

	entry := &s.arena[off]
	if entry.dropped {
		return ErrNotFound
	}
	s.removeOrdered(off)
	entry.msg.ServerID = serverID
	entry.msg.Sequence = sequence
	if !createdAt.IsZero() {
		entry.msg.CreatedAt = createdAt
	}
	s.alias[localID] = serverID
	s.bySeq[sequence] = off
	s.byID[serverID] = off
	s.insertOrdered(off)
	return nil
}

// Drop removes a message from the visible log. Used for exact rollback of
// an optimistic send; the arena slot itself is retained.
func (s *Store) Drop(id string) error {
	off, ok := s.offsetOf(id)
	if !ok {
		return ErrNotFound
	}
	s.dropOffset(off)
	return nil
}

// Messages returns the ordered log as a fresh copy.
func (s *Store) Messages() []models.Message {
	out := make([]models.Message, 0, len(s.order))
	for _, off := range s.order {
		out = append(out, s.arena[off].msg)
	}
	return out
}

// Range yields up to limit confirmed messages with sequence below
// beforeSequence, oldest first, for backward pagination. A beforeSequence
// of zero means "from the end". The yielded view is pinned at call time, so
// callers may mutate the store mid-iteration and restart with an updated
// cursor without corrupting the walk.
func (s *Store) Range(beforeSequence uint64, limit int) iter.Seq[models.Message] {
	page := make([]models.Message, 0, limit)
	for i := len(s.order) - 1; i >= 0 && len(page) < limit; i-- {
		msg := s.arena[s.order[i]].msg
		if !msg.Confirmed() {
			continue
		}
		if beforeSequence > 0 && msg.Sequence >= beforeSequence {
			continue
		}
		page = append(page, msg)
	}

	return func(yield func(models.Message) bool) {
		for i := len(page) - 1; i >= 0; i-- {
			if !yield(page[i]) {
				return
			}
		}
	}
}

func (s *Store) index(off int) {
	msg := s.arena[off].msg
	if msg.Sequence > 0 {
		s.bySeq[msg.Sequence] = off
	}
	if len(msg.LocalID) > 0 {
		s.byID[msg.LocalID] = off
	}
	if len(msg.ServerID) > 0 {
		s.byID[msg.ServerID] = off
	}
}

func (s *Store) dropOffset(off int) {
	entry := &s.arena[off]
	entry.dropped = true
	s.removeOrdered(off)
	if entry.msg.Sequence > 0 && s.bySeq[entry.msg.Sequence] == off {
		delete(s.bySeq, entry.msg.Sequence)
	}
}

func (s *Store) insertOrdered(off int) {
	at := sort.Search(len(s.order), func(i int) bool {
		return s.less(off, s.order[i])
	})
	s.order = append(s.order, 0)
	copy(s.order[at+1:], s.order[at:])
	s.order[at] = off
}

func (s *Store) removeOrdered(off int) {
	for i, item := range s.order {
		if item == off {
			s.order = append(s.order[:i], s.order[i+1:]...)
			return
		}
	}
}

// less implements the total order: confirmed by sequence, then every
// pending message, ordered by created time then local id.
func (s *Store) less(a, b int) bool {
	ma, mb := s.arena[a].msg, s.arena[b].msg
	if ma.Confirmed() && mb.Confirmed() {
		return ma.Sequence < mb.Sequence
	}
	if ma.Confirmed() != mb.Confirmed() {
		return ma.Confirmed()
	}
	if !ma.CreatedAt.Equal(mb.CreatedAt) {
		return ma.CreatedAt.Before(mb.CreatedAt)
	}
	return ma.LocalID < mb.LocalID
}
