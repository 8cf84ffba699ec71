package chat

import (
	"errors"
	"fmt"

	"github.com/sidelinehq/chatkit/pkg/models"
)

var (
	// ErrNotFound means the referenced message or conversation is absent.
	ErrNotFound = errors.New("not found")
	// ErrSuperseded means a newer server patch for the same message was
	// already applied; the stale patch must be discarded.
	ErrSuperseded = errors.New("superseded by a newer patch")
	// ErrThreadCycle means a replyTo chain references back into itself.
	ErrThreadCycle = errors.New("thread cycle detected")
	// ErrValidationRejected means the server refused the mutation.
	ErrValidationRejected = errors.New("rejected by server validation")
	// ErrRetriesExhausted means the retry budget ran out.
	ErrRetriesExhausted = errors.New("retries exhausted")
	// ErrNotCancellable means the mutation already left the Pending state;
	// an in-flight network call can no longer be suppressed.
	ErrNotCancellable = errors.New("mutation is not cancellable")
)

// MutationError is surfaced to the caller when an optimistic mutation fails
// terminally. It carries the original payload so the UI can offer retry or
// undo without reconstructing the intent.
type MutationError struct {
	Mutation models.PendingMutation
	Err      error
}

func (e *MutationError) Error() string {
	return fmt.Sprintf("mutation %s (%s) failed: %v", e.Mutation.ID, e.Mutation.Type, e.Err)
}

func (e *MutationError) Unwrap() error { return e.Err }
