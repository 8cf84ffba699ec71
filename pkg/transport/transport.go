// Package transport defines the server API the chat engine consumes and an
// HTTP/WebSocket client for it. The engine only sees the Transport
// interface; everything here is replaceable by the embedding application.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sidelinehq/chatkit/pkg/models"
)

// Error is a failure reported by the server or the network. Transient
// errors are retried by the engine; the rest are validation rejections.
type Error struct {
	Code      string `json:"code"`
	Reason    string `json:"reason"`
	Transient bool   `json:"-"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Reason)
}

// IsTransient reports whether the failure is worth retrying.
func IsTransient(err error) bool {
	var te *Error
	if errors.As(err, &te) {
		return te.Transient
	}
	// Anything that is not a structured server response is a network-level
	// failure and treated as retryable.
	return err != nil
}

type SendRequest struct {
	ConversationID   string             `json:"conversation_id" validate:"required"`
	ClientMutationID string             `json:"client_mutation_id" validate:"required"`
	Body             string             `json:"body"`
	Kind             models.MessageKind `json:"kind"`
	ReplyToID        string             `json:"reply_to_id,omitempty"`
}

type SendAck struct {
	ServerID  string    `json:"server_id"`
	Sequence  uint64    `json:"sequence"`
	CreatedAt time.Time `json:"created_at"`
}

type PatchRequest struct {
	ConversationID   string  `json:"conversation_id" validate:"required"`
	MessageID        string  `json:"message_id" validate:"required"`
	ClientMutationID string  `json:"client_mutation_id" validate:"required"`
	Body             *string `json:"body,omitempty"`
	IsPinned         *bool   `json:"is_pinned,omitempty"`
	Delete           bool    `json:"delete,omitempty"`
}

type PatchAck struct {
	Sequence uint64    `json:"sequence"`
	EditedAt time.Time `json:"edited_at"`
}

type ToggleRequest struct {
	ConversationID   string `json:"conversation_id" validate:"required"`
	MessageID        string `json:"message_id" validate:"required"`
	ClientMutationID string `json:"client_mutation_id" validate:"required"`
	Emoji            string `json:"emoji" validate:"required"`
}

type ToggleAck struct {
	Applied bool `json:"applied"`
}

// Transport is the abstract server API of the engine. Calls are idempotent
// by ClientMutationID; the event stream is at-least-once and consumers
// de-duplicate by event id.
type Transport interface {
	SendMessage(ctx context.Context, req SendRequest) (SendAck, error)
	PatchMessage(ctx context.Context, req PatchRequest) (PatchAck, error)
	ToggleReaction(ctx context.Context, req ToggleRequest) (ToggleAck, error)
	MarkRead(ctx context.Context, conversationID string, upToSequence uint64) error
	SetTyping(ctx context.Context, conversationID string) error
	History(ctx context.Context, conversationID string, beforeSequence uint64, limit int) ([]models.Message, error)
	Events(ctx context.Context, conversationID string) (<-chan models.ConversationEvent, error)
}
