package models

import "time"

type MutationType = string

const (
	MutationSend   = MutationType("send")
	MutationEdit   = MutationType("edit")
	MutationDelete = MutationType("delete")
	MutationReact  = MutationType("react")
	MutationPin    = MutationType("pin")
)

type MutationState = int8

const (
	MutationPending = MutationState(iota)
	MutationRetrying
	MutationAcked
	MutationRejected
	MutationFailed
	MutationCancelled
	MutationDiscarded
)

// MutationPayload carries the original intent so a failure can be surfaced
// to the caller as an actionable error (retry/undo with the same content).
type MutationPayload struct {
	Body         string      `json:"body,omitempty"`
	Kind         MessageKind `json:"kind,omitempty"`
	ReplyToID    string      `json:"reply_to_id,omitempty"`
	Emoji        string      `json:"emoji,omitempty"`
	Pinned       bool        `json:"pinned,omitempty"`
	UpToSequence uint64      `json:"up_to_sequence,omitempty"`
}

// MutationInverse records enough to undo the optimistic effect exactly.
// Only the fields relevant to the mutation type are set.
type MutationInverse struct {
	DropMessage     string     `json:"drop_message,omitempty"`
	RestoreBody     *string    `json:"restore_body,omitempty"`
	RestoreEditedAt *time.Time `json:"restore_edited_at,omitempty"`
	RestorePinned   *bool      `json:"restore_pinned,omitempty"`
	RestoreDeleted  *bool      `json:"restore_deleted,omitempty"`
	ReactionPresent *bool      `json:"reaction_present,omitempty"`
}

// PendingMutation is an optimistic local change not yet confirmed by the
// server. The ID doubles as the clientMutationId on the wire, which is what
// makes server-side application idempotent under redelivery.
type PendingMutation struct {
	ID       string          `json:"id"`
	Type     MutationType    `json:"type"`
	State    MutationState   `json:"state"`
	TargetID string          `json:"target_id,omitempty"`
	Payload  MutationPayload `json:"payload"`
	Inverse  MutationInverse `json:"inverse"`
	Attempt  int             `json:"attempt"`
	Reason   string          `json:"reason,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Settled reports whether the mutation has reached a terminal state.
func (m PendingMutation) Settled() bool {
	switch m.State {
	case MutationAcked, MutationRejected, MutationFailed, MutationCancelled, MutationDiscarded:
		return true
	}
	return false
}
