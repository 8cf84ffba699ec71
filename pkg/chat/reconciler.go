package chat

import (
	"time"

	"github.com/sidelinehq/chatkit/pkg/models"

	"github.com/samber/lo"
)

// DefaultMaxAttempts is the retry budget for transient network failures.
const DefaultMaxAttempts = 5

// Reconciler tracks every optimistic mutation from issue to settlement.
// It owns the state machine only; applying effects and inverses to the
// store is the engine's job, done under the same serialized queue.
//
// Legal transitions:
//
//	Pending -> Acked      server confirmed, effect replaced by authoritative one
//	Pending -> Retrying   transient failure, bounded exponential backoff
//	Retrying -> Acked     a later attempt succeeded
//	Retrying -> Failed    attempt budget exhausted, rolled back and surfaced
//	Pending|Retrying -> Rejected  server validation error, rolled back and surfaced
//	Pending -> Cancelled  caller cancelled before any retry began
//
// Acks or rejections for mutations the reconciler no longer tracks are
// reported as no-ops; a late ack after cancellation must not resurrect
// anything.
type Reconciler struct {
	pending     map[string]*models.PendingMutation
	order       []string
	failed      []models.PendingMutation
	maxAttempts int
	backoffBase time.Duration
	backoffCap  time.Duration
}

func NewReconciler(maxAttempts int, backoffBase time.Duration) *Reconciler {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if backoffBase <= 0 {
		backoffBase = 250 * time.Millisecond
	}
	return &Reconciler{
		pending:     make(map[string]*models.PendingMutation),
		maxAttempts: maxAttempts,
		backoffBase: backoffBase,
		backoffCap:  30 * time.Second,
	}
}

func (r *Reconciler) Track(mutation models.PendingMutation) {
	mutation.State = models.MutationPending
	mutation.Attempt = 1
	r.pending[mutation.ID] = &mutation
	r.order = append(r.order, mutation.ID)
}

func (r *Reconciler) Get(id string) (models.PendingMutation, bool) {
	mut, ok := r.pending[id]
	if !ok {
		return models.PendingMutation{}, false
	}
	return *mut, true
}

// Ack settles a mutation whose server confirmation arrived. The optimistic
// entry is discarded; the caller replaces its effect with the authoritative
// one. Unknown ids are tolerated (late ack after cancel or rollback).
func (r *Reconciler) Ack(id string) (models.PendingMutation, bool) {
	mut, ok := r.pending[id]
	if !ok {
		return models.PendingMutation{}, false
	}
	mut.State = models.MutationAcked
	out := *mut
	r.discard(id)
	return out, true
}

// MarkRetrying records a transient failure. It reports the next attempt
// number and whether budget remains; when the budget is gone the caller
// must follow up with Fail.
func (r *Reconciler) MarkRetrying(id string) (attempt int, budgetLeft bool) {
	mut, ok := r.pending[id]
	if !ok {
		return 0, false
	}
	if mut.Attempt >= r.maxAttempts {
		return mut.Attempt, false
	}
	mut.State = models.MutationRetrying
	mut.Attempt++
	return mut.Attempt, true
}

// Reject settles a mutation the server refused. The mutation is removed
// from the pending set and recorded as a surfaced failure, payload intact.
func (r *Reconciler) Reject(id, reason string) (models.PendingMutation, bool) {
	return r.settleFailure(id, models.MutationRejected, reason)
}

// Fail settles a mutation whose retry budget ran out.
func (r *Reconciler) Fail(id, reason string) (models.PendingMutation, bool) {
	return r.settleFailure(id, models.MutationFailed, reason)
}

// Cancel withdraws a mutation, allowed only while still Pending; once
// retrying has begun the in-flight call can no longer be suppressed, so
// cancellation is refused and the mutation settles through ack or failure.
func (r *Reconciler) Cancel(id string) (models.PendingMutation, bool) {
	mut, ok := r.pending[id]
	if !ok || mut.State != models.MutationPending {
		return models.PendingMutation{}, false
	}
	mut.State = models.MutationCancelled
	out := *mut
	r.discard(id)
	return out, true
}

func (r *Reconciler) settleFailure(id string, state models.MutationState, reason string) (models.PendingMutation, bool) {
	mut, ok := r.pending[id]
	if !ok {
		return models.PendingMutation{}, false
	}
	mut.State = state
	mut.Reason = reason
	out := *mut
	r.failed = append(r.failed, out)
	r.discard(id)
	return out, true
}

func (r *Reconciler) discard(id string) {
	delete(r.pending, id)
	r.order = lo.Without(r.order, id)
}

// Pending returns the unsettled mutations in issue order.
func (r *Reconciler) Pending() []models.PendingMutation {
	return lo.FilterMap(r.order, func(id string, _ int) (models.PendingMutation, bool) {
		mut, ok := r.pending[id]
		if !ok {
			return models.PendingMutation{}, false
		}
		return *mut, true
	})
}

func (r *Reconciler) PendingCount() int {
	return len(r.pending)
}

// Failures returns the terminally-failed mutations awaiting caller action.
func (r *Reconciler) Failures() []models.PendingMutation {
	return append([]models.PendingMutation(nil), r.failed...)
}

// DismissFailure drops a surfaced failure once the caller has handled it.
func (r *Reconciler) DismissFailure(id string) {
	r.failed = lo.Reject(r.failed, func(item models.PendingMutation, _ int) bool {
		return item.ID == id
	})
}

// BackoffDelay returns the wait before the given attempt, doubling from the
// base and capped.
func (r *Reconciler) BackoffDelay(attempt int) time.Duration {
	if attempt <= 1 {
		return r.backoffBase
	}
	delay := r.backoffBase << uint(attempt-1)
	if delay > r.backoffCap || delay <= 0 {
		return r.backoffCap
	}
	return delay
}
