package server

import (
	"fmt"
	"sync"
	"time"

	"github.com/sidelinehq/chatkit/pkg/models"
	"github.com/sidelinehq/chatkit/pkg/transport"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Hub is the in-memory authority behind the reference server: it assigns
// sequence numbers, applies mutations idempotently by clientMutationId and
// fans events out to stream subscribers. It exists for local development
// and integration tests; it is deliberately not a storage engine.
type Hub struct {
	mu            sync.Mutex
	conversations map[string]*conversation
	typingTTL     time.Duration
}

type conversation struct {
	mu sync.Mutex

	id       string
	nextSeq  uint64
	messages []models.Message
	bySeq    map[uint64]int
	byID     map[string]int

	sendAcks   map[string]transport.SendAck
	patchAcks  map[string]transport.PatchAck
	toggleAcks map[string]transport.ToggleAck
	reactions  map[string]map[string]map[string]struct{}
	watermarks map[string]uint64
	typing     map[string]time.Time

	subs    map[uint64]chan models.ConversationEvent
	nextSub uint64
}

func NewHub() *Hub {
	ttl := viper.GetDuration("chat.typing_ttl")
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &Hub{
		conversations: make(map[string]*conversation),
		typingTTL:     ttl,
	}
}

func (h *Hub) conv(id string) *conversation {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.conversations[id]
	if !ok {
		c = &conversation{
			id:         id,
			bySeq:      make(map[uint64]int),
			byID:       make(map[string]int),
			sendAcks:   make(map[string]transport.SendAck),
			patchAcks:  make(map[string]transport.PatchAck),
			toggleAcks: make(map[string]transport.ToggleAck),
			reactions:  make(map[string]map[string]map[string]struct{}),
			watermarks: make(map[string]uint64),
			typing:     make(map[string]time.Time),
			subs:       make(map[uint64]chan models.ConversationEvent),
		}
		h.conversations[id] = c
	}
	return c
}

func validationError(reason string) *transport.Error {
	return &transport.Error{Code: "validation_rejected", Reason: reason}
}

// Append stores a new message and broadcasts it. Duplicate mutation ids
// return the original ack unchanged.
func (h *Hub) Append(userID string, req transport.SendRequest) (transport.SendAck, error) {
	c := h.conv(req.ConversationID)
	c.mu.Lock()
	defer c.mu.Unlock()

	if prior, ok := c.sendAcks[req.ClientMutationID]; ok {
		return prior, nil
	}
	if len(req.Body) == 0 {
		return transport.SendAck{}, validationError("empty message was not allowed")
	}
	if len(req.ReplyToID) > 0 {
		if _, ok := c.byID[req.ReplyToID]; !ok {
			return transport.SendAck{}, validationError("reply target does not exist")
		}
	}

	c.nextSeq++
	msg := models.Message{
		ServerID:       fmt.Sprintf("srv-%s", uuid.NewString()),
		Sequence:       c.nextSeq,
		ConversationID: c.id,
		SenderID:       userID,
		Body:           req.Body,
		Kind:           req.Kind,
		ReplyToID:      req.ReplyToID,
		CreatedAt:      time.Now().UTC(),
	}
	if len(msg.Kind) == 0 {
		msg.Kind = models.MessageKindText
	}
	c.byID[msg.ServerID] = len(c.messages)
	c.bySeq[msg.Sequence] = len(c.messages)
	c.messages = append(c.messages, msg)
	delete(c.typing, userID)

	ack := transport.SendAck{ServerID: msg.ServerID, Sequence: msg.Sequence, CreatedAt: msg.CreatedAt}
	c.sendAcks[req.ClientMutationID] = ack

	event := msg
	c.fanout(models.ConversationEvent{
		ID:               uuid.NewString(),
		Type:             models.EventMessageAppended,
		ConversationID:   c.id,
		ClientMutationID: req.ClientMutationID,
		Message:          &event,
	})
	return ack, nil
}

// Patch applies an edit, pin change or delete. Editing a deleted message is
// a validation error, the case the optimistic client must roll back from.
func (h *Hub) Patch(userID string, req transport.PatchRequest) (transport.PatchAck, error) {
	c := h.conv(req.ConversationID)
	c.mu.Lock()
	defer c.mu.Unlock()

	if prior, ok := c.patchAcks[req.ClientMutationID]; ok {
		return prior, nil
	}
	off, ok := c.byID[req.MessageID]
	if !ok {
		return transport.PatchAck{}, validationError("message does not exist")
	}
	msg := &c.messages[off]
	if req.Body != nil {
		if msg.IsDeleted {
			return transport.PatchAck{}, validationError("cannot edit a deleted message")
		}
		if msg.SenderID != userID {
			return transport.PatchAck{}, validationError("cannot edit someone else's message")
		}
	}
	if req.Delete && msg.SenderID != userID {
		return transport.PatchAck{}, validationError("cannot delete someone else's message")
	}

	c.nextSeq++
	now := time.Now().UTC()
	patch := models.PatchEvent{MessageID: msg.ServerID, Sequence: c.nextSeq}
	if req.Body != nil {
		msg.Body = *req.Body
		msg.EditedAt = &now
		patch.Body = req.Body
		patch.EditedAt = &now
	}
	if req.IsPinned != nil {
		msg.IsPinned = *req.IsPinned
		patch.IsPinned = req.IsPinned
	}
	if req.Delete {
		msg.IsDeleted = true
		patch.Deleted = true
	}

	ack := transport.PatchAck{Sequence: patch.Sequence, EditedAt: now}
	c.patchAcks[req.ClientMutationID] = ack
	c.fanout(models.ConversationEvent{
		ID:               uuid.NewString(),
		Type:             models.EventMessagePatched,
		ConversationID:   c.id,
		ClientMutationID: req.ClientMutationID,
		Patch:            &patch,
	})
	return ack, nil
}

// Toggle flips a reaction tuple, idempotent by clientMutationId.
func (h *Hub) Toggle(userID string, req transport.ToggleRequest) (transport.ToggleAck, error) {
	c := h.conv(req.ConversationID)
	c.mu.Lock()
	defer c.mu.Unlock()

	if prior, ok := c.toggleAcks[req.ClientMutationID]; ok {
		return prior, nil
	}
	if _, ok := c.byID[req.MessageID]; !ok {
		return transport.ToggleAck{}, validationError("message does not exist")
	}

	byEmoji, ok := c.reactions[req.MessageID]
	if !ok {
		byEmoji = make(map[string]map[string]struct{})
		c.reactions[req.MessageID] = byEmoji
	}
	users, ok := byEmoji[req.Emoji]
	if !ok {
		users = make(map[string]struct{})
		byEmoji[req.Emoji] = users
	}

	var applied bool
	if _, ok := users[userID]; ok {
		delete(users, userID)
	} else {
		users[userID] = struct{}{}
		applied = true
	}

	ack := transport.ToggleAck{Applied: applied}
	c.toggleAcks[req.ClientMutationID] = ack
	c.fanout(models.ConversationEvent{
		ID:               uuid.NewString(),
		Type:             models.EventReactionChanged,
		ConversationID:   c.id,
		ClientMutationID: req.ClientMutationID,
		Reaction: &models.ReactionEvent{
			Reaction: models.Reaction{
				MessageID: req.MessageID,
				UserID:    userID,
				Emoji:     req.Emoji,
			},
			Present: applied,
		},
	})
	return ack, nil
}

// MarkRead advances a read watermark monotonically and broadcasts it.
func (h *Hub) MarkRead(conversationID, userID string, upToSequence uint64) {
	c := h.conv(conversationID)
	c.mu.Lock()
	defer c.mu.Unlock()

	if upToSequence <= c.watermarks[userID] {
		return
	}
	c.watermarks[userID] = upToSequence
	c.fanout(models.ConversationEvent{
		ID:             uuid.NewString(),
		Type:           models.EventRead,
		ConversationID: c.id,
		Read:           &models.ReadEvent{UserID: userID, UpToSequence: upToSequence},
	})
}

// Typing records a typing signal and broadcasts its absolute expiry.
func (h *Hub) Typing(conversationID, userID string) {
	c := h.conv(conversationID)
	c.mu.Lock()
	defer c.mu.Unlock()

	expires := time.Now().UTC().Add(h.typingTTL)
	c.typing[userID] = expires
	c.fanout(models.ConversationEvent{
		ID:             uuid.NewString(),
		Type:           models.EventTyping,
		ConversationID: c.id,
		Typing:         &models.TypingEvent{UserID: userID, ExpiresAt: expires},
	})
}

// History returns up to take confirmed messages below beforeSequence,
// oldest first. A beforeSequence of zero pages from the end.
func (h *Hub) History(conversationID string, beforeSequence uint64, take int) []models.Message {
	c := h.conv(conversationID)
	c.mu.Lock()
	defer c.mu.Unlock()

	if take <= 0 || take > 100 {
		take = 100
	}
	var page []models.Message
	for i := len(c.messages) - 1; i >= 0 && len(page) < take; i-- {
		msg := c.messages[i]
		if beforeSequence > 0 && msg.Sequence >= beforeSequence {
			continue
		}
		page = append(page, msg)
	}
	for i, j := 0, len(page)-1; i < j; i, j = i+1, j-1 {
		page[i], page[j] = page[j], page[i]
	}
	return page
}

// Subscribe attaches a stream consumer; events are dropped, not blocked on,
// when a consumer falls behind.
func (h *Hub) Subscribe(conversationID string) (uint64, <-chan models.ConversationEvent) {
	c := h.conv(conversationID)
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextSub
	c.nextSub++
	ch := make(chan models.ConversationEvent, 64)
	c.subs[id] = ch
	return id, ch
}

func (h *Hub) Unsubscribe(conversationID string, id uint64) {
	c := h.conv(conversationID)
	c.mu.Lock()
	defer c.mu.Unlock()

	if ch, ok := c.subs[id]; ok {
		delete(c.subs, id)
		close(ch)
	}
}

// SweepTyping drops expired typing signals. Clients expire lazily on their
// own; this only keeps the hub's maps from growing.
func (h *Hub) SweepTyping() {
	h.mu.Lock()
	conversations := make([]*conversation, 0, len(h.conversations))
	for _, c := range h.conversations {
		conversations = append(conversations, c)
	}
	h.mu.Unlock()

	now := time.Now().UTC()
	var swept int
	for _, c := range conversations {
		c.mu.Lock()
		for user, expires := range c.typing {
			if now.After(expires) {
				delete(c.typing, user)
				swept++
			}
		}
		c.mu.Unlock()
	}
	if swept > 0 {
		log.Debug().Int("swept", swept).Msg("Cleaned up expired typing signals.")
	}
}

func (c *conversation) fanout(event models.ConversationEvent) {
	for _, ch := range c.subs {
		select {
		case ch <- event:
		default:
			log.Warn().Str("conversation", c.id).Msg("Stream subscriber fell behind, event dropped.")
		}
	}
}
