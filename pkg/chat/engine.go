// Package chat implements the messaging core of the Sideline team chat: an
// owned, per-conversation engine that applies optimistic local mutations,
// reconciles them with the authoritative server state, and hands immutable
// snapshots to its subscribers.
package chat

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sidelinehq/chatkit/pkg/models"
	"github.com/sidelinehq/chatkit/pkg/transport"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
	"github.com/spf13/viper"
)

// DefaultTypingTTL is how long a typing signal stays alive without refresh.
const DefaultTypingTTL = 5 * time.Second

type Option func(*Engine)

func WithTransport(t transport.Transport) Option {
	return func(e *Engine) { e.transport = t }
}

// WithClock overrides the time source; tests inject a fake clock so typing
// expiry and timestamps are deterministic.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithTypingTTL(ttl time.Duration) Option {
	return func(e *Engine) { e.typingTTL = ttl }
}

func WithRetry(maxAttempts int, backoffBase time.Duration) Option {
	return func(e *Engine) {
		e.maxAttempts = maxAttempts
		e.backoffBase = backoffBase
	}
}

func WithRegistry(r *Registry) Option {
	return func(e *Engine) { e.registry = r }
}

// Engine owns the chat state of exactly one conversation. All mutations go
// through its serialized queue (the mutex); the server is the ultimate
// source of truth and is merged in asynchronously. Snapshots handed out are
// fresh copies, so readers never observe a half-applied mutation.
type Engine struct {
	mu sync.Mutex

	conversationID string
	currentUserID  string

	store     *Store
	reactions *ReactionSet
	threads   *ThreadResolver
	typing    *TypingTracker
	registry  *Registry
	rec       *Reconciler

	transport   transport.Transport
	now         func() time.Time
	typingTTL   time.Duration
	maxAttempts int
	backoffBase time.Duration

	readWatermarks map[string]uint64
	seenEvents     *recentSet

	subs    map[uint64]func(models.Snapshot)
	nextSub uint64
}

func New(conversationID, currentUserID string, opts ...Option) *Engine {
	e := &Engine{
		conversationID: conversationID,
		currentUserID:  currentUserID,
		now:            time.Now,
		typingTTL:      DefaultTypingTTL,
		maxAttempts:    DefaultMaxAttempts,
		readWatermarks: make(map[string]uint64),
		seenEvents:     newRecentSet(dedupeWindow),
		subs:           make(map[uint64]func(models.Snapshot)),
	}

	if ttl := viper.GetDuration("chat.typing_ttl"); ttl > 0 {
		e.typingTTL = ttl
	}
	if attempts := viper.GetInt("chat.max_attempts"); attempts > 0 {
		e.maxAttempts = attempts
	}
	if base := viper.GetDuration("chat.backoff_base"); base > 0 {
		e.backoffBase = base
	}

	for _, opt := range opts {
		opt(e)
	}

	e.store = NewStore(conversationID)
	e.reactions = NewReactionSet()
	e.threads = NewThreadResolver(e.store)
	e.typing = NewTypingTracker(conversationID, e.typingTTL)
	e.rec = NewReconciler(e.maxAttempts, e.backoffBase)
	if e.registry == nil {
		e.registry = NewRegistry()
	}
	return e
}

func (e *Engine) ConversationID() string { return e.conversationID }

func (e *Engine) Registry() *Registry { return e.registry }

// Subscribe registers a snapshot listener and returns its cancel func. The
// listener is invoked after every applied mutation or ingested event.
func (e *Engine) Subscribe(fn func(models.Snapshot)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextSub
	e.nextSub++
	e.subs[id] = fn
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.subs, id)
	}
}

// Start opens the server event stream and feeds it into the engine until
// the context is cancelled. Reconnecting after a dropped stream is the
// caller's concern; redelivered events are harmless.
func (e *Engine) Start(ctx context.Context) error {
	if e.transport == nil {
		return fmt.Errorf("no transport configured")
	}
	events, err := e.transport.Events(ctx, e.conversationID)
	if err != nil {
		return err
	}
	go func() {
		for event := range events {
			e.HandleEvent(event)
		}
	}()
	return nil
}

// LoadHistory pulls one page of confirmed history from the server and
// ingests it. Returns how many messages were new to the store.
func (e *Engine) LoadHistory(ctx context.Context, beforeSequence uint64, limit int) (int, error) {
	if e.transport == nil {
		return 0, fmt.Errorf("no transport configured")
	}
	page, err := e.transport.History(ctx, e.conversationID, beforeSequence, limit)
	if err != nil {
		return 0, err
	}

	e.mu.Lock()
	var loaded int
	for _, msg := range page {
		if e.store.Append(msg) {
			loaded++
		}
	}
	e.mu.Unlock()

	if loaded > 0 {
		e.broadcast()
	}
	return loaded, nil
}

// Send issues a text message. The message appears in the local log
// immediately under a local id and is reconciled once the server assigns
// its sequence number. Returns the mutation id, which equals the local id.
func (e *Engine) Send(ctx context.Context, body string, kind models.MessageKind) (string, error) {
	return e.sendInternal(ctx, body, kind, "")
}

// Reply issues a message quoting another. The target must already exist in
// this conversation.
func (e *Engine) Reply(ctx context.Context, body, replyToID string) (string, error) {
	e.mu.Lock()
	target, ok := e.store.Resolve(replyToID)
	e.mu.Unlock()
	if !ok {
		return "", ErrNotFound
	}
	return e.sendInternal(ctx, body, models.MessageKindText, target.ID())
}

func (e *Engine) sendInternal(ctx context.Context, body string, kind models.MessageKind, replyToID string) (string, error) {
	if len(kind) == 0 {
		kind = models.MessageKindText
	}

	localID := uuid.NewString()
	e.mu.Lock()
	now := e.now()
	e.store.Append(models.Message{
		LocalID:        localID,
		ConversationID: e.conversationID,
		SenderID:       e.currentUserID,
		Body:           body,
		Kind:           kind,
		ReplyToID:      replyToID,
		CreatedAt:      now,
	})
	e.typing.Clear(e.currentUserID)
	e.rec.Track(models.PendingMutation{
		ID:       localID,
		Type:     models.MutationSend,
		TargetID: localID,
		Payload: models.MutationPayload{
			Body:      body,
			Kind:      kind,
			ReplyToID: replyToID,
		},
		Inverse:   models.MutationInverse{DropMessage: localID},
		CreatedAt: now,
	})
	e.mu.Unlock()

	e.broadcast()
	e.dispatch(ctx, localID)
	return localID, nil
}

// Edit replaces the body of an existing message optimistically.
func (e *Engine) Edit(ctx context.Context, id, body string) (string, error) {
	e.mu.Lock()
	current, ok := e.store.Resolve(id)
	if !ok {
		e.mu.Unlock()
		return "", ErrNotFound
	}
	now := e.now()
	mutationID := uuid.NewString()
	previous := current.Body
	_ = e.store.Patch(id, models.MessagePatch{Body: &body, EditedAt: &now})
	e.rec.Track(models.PendingMutation{
		ID:       mutationID,
		Type:     models.MutationEdit,
		TargetID: current.ID(),
		Payload:  models.MutationPayload{Body: body},
		Inverse: models.MutationInverse{
			RestoreBody:     &previous,
			RestoreEditedAt: current.EditedAt,
		},
		CreatedAt: now,
	})
	e.mu.Unlock()

	e.broadcast()
	e.dispatch(ctx, mutationID)
	return mutationID, nil
}

// Delete tombstones a message optimistically. History keeps its slot.
func (e *Engine) Delete(ctx context.Context, id string) (string, error) {
	e.mu.Lock()
	current, ok := e.store.Resolve(id)
	if !ok {
		e.mu.Unlock()
		return "", ErrNotFound
	}
	mutationID := uuid.NewString()
	wasDeleted := current.IsDeleted
	_ = e.store.Patch(id, models.MessagePatch{Delete: true})
	e.rec.Track(models.PendingMutation{
		ID:        mutationID,
		Type:      models.MutationDelete,
		TargetID:  current.ID(),
		Inverse:   models.MutationInverse{RestoreDeleted: &wasDeleted},
		CreatedAt: e.now(),
	})
	e.mu.Unlock()

	e.broadcast()
	e.dispatch(ctx, mutationID)
	return mutationID, nil
}

// Pin sets or clears the pin flag on a message.
func (e *Engine) Pin(ctx context.Context, id string, pinned bool) (string, error) {
	e.mu.Lock()
	current, ok := e.store.Resolve(id)
	if !ok {
		e.mu.Unlock()
		return "", ErrNotFound
	}
	mutationID := uuid.NewString()
	previous := current.IsPinned
	_ = e.store.Patch(id, models.MessagePatch{IsPinned: &pinned})
	e.rec.Track(models.PendingMutation{
		ID:        mutationID,
		Type:      models.MutationPin,
		TargetID:  current.ID(),
		Payload:   models.MutationPayload{Pinned: pinned},
		Inverse:   models.MutationInverse{RestorePinned: &previous},
		CreatedAt: e.now(),
	})
	e.mu.Unlock()

	e.broadcast()
	e.dispatch(ctx, mutationID)
	return mutationID, nil
}

// ToggleReaction flips the current user's (emoji, message) reaction. The
// direction the toggle took is recorded so rollback is exact, not a guess.
func (e *Engine) ToggleReaction(ctx context.Context, id, emoji string) (string, error) {
	e.mu.Lock()
	current, ok := e.store.Resolve(id)
	if !ok {
		e.mu.Unlock()
		return "", ErrNotFound
	}
	mutationID := uuid.NewString()
	present, _ := e.reactions.Toggle(current.ID(), e.currentUserID, emoji, mutationID)
	wasPresent := !present
	e.rec.Track(models.PendingMutation{
		ID:        mutationID,
		Type:      models.MutationReact,
		TargetID:  current.ID(),
		Payload:   models.MutationPayload{Emoji: emoji},
		Inverse:   models.MutationInverse{ReactionPresent: &wasPresent},
		CreatedAt: e.now(),
	})
	e.mu.Unlock()

	e.broadcast()
	e.dispatch(ctx, mutationID)
	return mutationID, nil
}

// MarkRead advances the current user's read watermark. The watermark is
// monotonic; marking an older sequence is a no-op. The server call is fire
// and forget: a lost markRead is corrected by the next one.
func (e *Engine) MarkRead(ctx context.Context, upToSequence uint64) {
	e.mu.Lock()
	changed := false
	if upToSequence > e.readWatermarks[e.currentUserID] {
		e.readWatermarks[e.currentUserID] = upToSequence
		changed = true
	}
	e.mu.Unlock()

	if changed {
		e.broadcast()
	}
	if e.transport != nil {
		go func() {
			if err := e.transport.MarkRead(ctx, e.conversationID, upToSequence); err != nil {
				log.Warn().Err(err).Msg("An error occurred when pushing read anchor.")
			}
		}()
	}
}

// SetTyping announces that the current user is typing. Purely a signal to
// the server; the local typing set only tracks other participants.
func (e *Engine) SetTyping(ctx context.Context) {
	if e.transport == nil {
		return
	}
	go func() {
		if err := e.transport.SetTyping(ctx, e.conversationID); err != nil {
			log.Warn().Err(err).Msg("An error occurred when pushing typing status.")
		}
	}()
}

// Cancel withdraws a mutation that has not begun retrying yet, undoing its
// optimistic effect. A late server ack for it is ignored.
func (e *Engine) Cancel(mutationID string) error {
	e.mu.Lock()
	mut, ok := e.rec.Cancel(mutationID)
	if ok {
		e.applyInverseLocked(mut)
	}
	e.mu.Unlock()
	if !ok {
		return ErrNotCancellable
	}
	e.broadcast()
	return nil
}

// DismissFailure drops a surfaced failure after the caller handled it.
func (e *Engine) DismissFailure(mutationID string) {
	e.mu.Lock()
	e.rec.DismissFailure(mutationID)
	e.mu.Unlock()
	e.broadcast()
}

// Snapshot returns the current render state.
func (e *Engine) Snapshot() models.Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

// HandleEvent ingests one server stream event. Safe to call with redelivered
// events: everything here is idempotent by event id and mutation id.
func (e *Engine) HandleEvent(event models.ConversationEvent) {
	e.mu.Lock()
	if len(event.ID) > 0 && e.seenEvents.Seen(event.ID) {
		e.mu.Unlock()
		return
	}

	changed := false
	switch event.Type {
	case models.EventMessageAppended:
		changed = e.ingestAppendLocked(event)
	case models.EventMessagePatched:
		changed = e.ingestPatchLocked(event)
	case models.EventReactionChanged:
		if event.Reaction != nil {
			r := event.Reaction
			changed = e.reactions.ApplyEvent(r.MessageID, r.UserID, r.Emoji, event.ClientMutationID, r.Present)
		}
	case models.EventTyping:
		if event.Typing != nil && event.Typing.UserID != e.currentUserID {
			if event.Typing.ExpiresAt.IsZero() {
				e.typing.Observe(event.Typing.UserID, e.now())
			} else {
				e.typing.ObserveUntil(event.Typing.UserID, event.Typing.ExpiresAt)
			}
			changed = true
		}
	case models.EventRead:
		if event.Read != nil && event.Read.UpToSequence > e.readWatermarks[event.Read.UserID] {
			e.readWatermarks[event.Read.UserID] = event.Read.UpToSequence
			changed = true
		}
	default:
		log.Debug().Str("type", event.Type).Msg("Unknown stream event type, skipped.")
	}
	e.mu.Unlock()

	if changed {
		e.broadcast()
	}
}

func (e *Engine) ingestAppendLocked(event models.ConversationEvent) bool {
	if event.Message == nil {
		return false
	}
	msg := *event.Message

	// The append may be the confirmation of our own optimistic send.
	if len(event.ClientMutationID) > 0 {
		if mut, ok := e.rec.Ack(event.ClientMutationID); ok && mut.Type == models.MutationSend {
			e.remapLocked(mut.TargetID, msg.ServerID, msg.Sequence, msg.CreatedAt)
			return true
		}
	}

	if !e.store.Append(msg) {
		return false
	}
	e.typing.Clear(msg.SenderID)
	return true
}

func (e *Engine) ingestPatchLocked(event models.ConversationEvent) bool {
	if event.Patch == nil {
		return false
	}
	p := event.Patch
	err := e.store.Patch(p.MessageID, models.MessagePatch{
		Body:     p.Body,
		IsPinned: p.IsPinned,
		Delete:   p.Deleted,
		EditedAt: p.EditedAt,
		Sequence: p.Sequence,
	})
	if err != nil {
		// Stale or unknown patches are discarded, not surfaced.
		log.Debug().Err(err).Str("message", p.MessageID).Msg("Discarded stream patch.")
		return false
	}
	if len(event.ClientMutationID) > 0 {
		e.rec.Ack(event.ClientMutationID)
	}
	return true
}

func (e *Engine) remapLocked(localID, serverID string, sequence uint64, createdAt time.Time) {
	if err := e.store.AssignServer(localID, serverID, sequence, createdAt); err != nil {
		log.Warn().Err(err).Str("local", localID).Msg("An error occurred when remapping local message.")
		return
	}
	e.reactions.Rekey(localID, serverID)
}

func (e *Engine) applyInverseLocked(mut models.PendingMutation) {
	inv := mut.Inverse
	switch mut.Type {
	case models.MutationSend:
		if err := e.store.Drop(inv.DropMessage); err != nil {
			log.Warn().Err(err).Str("local", inv.DropMessage).Msg("An error occurred when rolling back send.")
		}
	case models.MutationEdit:
		patch := models.MessagePatch{Body: inv.RestoreBody}
		if inv.RestoreEditedAt != nil {
			patch.EditedAt = inv.RestoreEditedAt
		} else {
			patch.ClearEdited = true
		}
		_ = e.store.Patch(mut.TargetID, patch)
	case models.MutationDelete:
		if inv.RestoreDeleted != nil && !*inv.RestoreDeleted {
			_ = e.store.Patch(mut.TargetID, models.MessagePatch{Undelete: true})
		}
	case models.MutationPin:
		_ = e.store.Patch(mut.TargetID, models.MessagePatch{IsPinned: inv.RestorePinned})
	case models.MutationReact:
		if inv.ReactionPresent != nil {
			target := mut.TargetID
			if current, ok := e.store.Resolve(target); ok {
				target = current.ID()
			}
			e.reactions.Set(target, e.currentUserID, mut.Payload.Emoji, *inv.ReactionPresent)
		}
	}
}

// dispatch pushes one mutation to the server, retrying transient failures
// with bounded exponential backoff. Runs in its own goroutine; settlement
// re-enters the engine through the serialized queue.
func (e *Engine) dispatch(ctx context.Context, mutationID string) {
	if e.transport == nil {
		return
	}
	go func() {
		for {
			e.mu.Lock()
			mut, ok := e.rec.Get(mutationID)
			e.mu.Unlock()
			if !ok {
				// Settled through the event stream, or cancelled.
				return
			}

			if !e.waitTargetConfirmed(ctx, &mut) {
				return
			}

			err := e.call(ctx, mut)
			if err == nil {
				return
			}
			if ctx.Err() != nil {
				// Leave the mutation pending; a later session may settle it.
				return
			}
			if !transport.IsTransient(err) {
				e.settleFailure(mutationID, false, err)
				return
			}

			e.mu.Lock()
			attempt, budgetLeft := e.rec.MarkRetrying(mutationID)
			// attempt is the upcoming one; the wait doubles per retry already
			// taken, so the first retry waits exactly the base delay.
			delay := e.rec.BackoffDelay(attempt - 1)
			e.mu.Unlock()
			if !budgetLeft {
				e.settleFailure(mutationID, true, err)
				return
			}
			log.Debug().
				Str("mutation", mutationID).
				Int("attempt", attempt).
				Dur("backoff", delay).
				Msg("Transient network failure, will retry mutation.")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
		}
	}()
}

// waitTargetConfirmed holds a dependent mutation until its target message
// has a server identity, preserving issue-order at the network boundary. A
// target whose send has failed settles the dependent as rejected.
func (e *Engine) waitTargetConfirmed(ctx context.Context, mut *models.PendingMutation) bool {
	if mut.Type == models.MutationSend {
		return true
	}
	for {
		e.mu.Lock()
		target, ok := e.store.Resolve(mut.TargetID)
		stillTracked := false
		if _, tracked := e.rec.Get(mut.ID); tracked {
			stillTracked = true
		}
		e.mu.Unlock()

		if !stillTracked {
			return false
		}
		if !ok {
			e.settleFailure(mut.ID, false, ErrNotFound)
			return false
		}
		if target.Confirmed() {
			mut.TargetID = target.ID()
			return true
		}
		select {
		case <-time.After(25 * time.Millisecond):
		case <-ctx.Done():
			return false
		}
	}
}

func (e *Engine) call(ctx context.Context, mut models.PendingMutation) error {
	switch mut.Type {
	case models.MutationSend:
		ack, err := e.transport.SendMessage(ctx, transport.SendRequest{
			ConversationID:   e.conversationID,
			ClientMutationID: mut.ID,
			Body:             mut.Payload.Body,
			Kind:             mut.Payload.Kind,
			ReplyToID:        mut.Payload.ReplyToID,
		})
		if err != nil {
			return err
		}
		e.ackSend(mut.ID, ack)
		return nil
	case models.MutationEdit, models.MutationDelete, models.MutationPin:
		req := transport.PatchRequest{
			ConversationID:   e.conversationID,
			MessageID:        mut.TargetID,
			ClientMutationID: mut.ID,
		}
		switch mut.Type {
		case models.MutationEdit:
			req.Body = &mut.Payload.Body
		case models.MutationDelete:
			req.Delete = true
		case models.MutationPin:
			pinned := mut.Payload.Pinned
			req.IsPinned = &pinned
		}
		ack, err := e.transport.PatchMessage(ctx, req)
		if err != nil {
			return err
		}
		e.ackPatch(mut, ack)
		return nil
	case models.MutationReact:
		_, err := e.transport.ToggleReaction(ctx, transport.ToggleRequest{
			ConversationID:   e.conversationID,
			MessageID:        mut.TargetID,
			ClientMutationID: mut.ID,
			Emoji:            mut.Payload.Emoji,
		})
		if err != nil {
			return err
		}
		// The optimistic tuple already matches local intent; the stream echo
		// is deduplicated by mutation id, so settling is all that remains.
		e.mu.Lock()
		e.rec.Ack(mut.ID)
		e.mu.Unlock()
		e.broadcast()
		return nil
	default:
		return fmt.Errorf("unknown mutation type %s", mut.Type)
	}
}

func (e *Engine) ackSend(mutationID string, ack transport.SendAck) {
	e.mu.Lock()
	mut, ok := e.rec.Ack(mutationID)
	if ok {
		e.remapLocked(mut.TargetID, ack.ServerID, ack.Sequence, ack.CreatedAt)
	}
	e.mu.Unlock()
	if ok {
		e.broadcast()
	}
}

func (e *Engine) ackPatch(mut models.PendingMutation, ack transport.PatchAck) {
	e.mu.Lock()
	_, ok := e.rec.Ack(mut.ID)
	if ok {
		// Replace the optimistic effect with the authoritative one.
		patch := models.MessagePatch{Sequence: ack.Sequence}
		switch mut.Type {
		case models.MutationEdit:
			patch.Body = &mut.Payload.Body
			edited := ack.EditedAt
			patch.EditedAt = &edited
		case models.MutationDelete:
			patch.Delete = true
		case models.MutationPin:
			pinned := mut.Payload.Pinned
			patch.IsPinned = &pinned
		}
		if err := e.store.Patch(mut.TargetID, patch); err != nil {
			log.Debug().Err(err).Str("message", mut.TargetID).Msg("Authoritative patch discarded.")
		}
	}
	e.mu.Unlock()
	if ok {
		e.broadcast()
	}
}

func (e *Engine) settleFailure(mutationID string, exhausted bool, cause error) {
	e.mu.Lock()
	var mut models.PendingMutation
	var ok bool
	if exhausted {
		mut, ok = e.rec.Fail(mutationID, cause.Error())
	} else {
		mut, ok = e.rec.Reject(mutationID, cause.Error())
	}
	if ok {
		e.applyInverseLocked(mut)
	}
	e.mu.Unlock()
	if !ok {
		return
	}

	kind := ErrValidationRejected
	if exhausted {
		kind = ErrRetriesExhausted
	}
	log.Error().
		Err(&MutationError{Mutation: mut, Err: kind}).
		Str("cause", cause.Error()).
		Msg("Mutation failed terminally and was rolled back.")
	e.broadcast()
}

func (e *Engine) snapshotLocked() models.Snapshot {
	now := e.now()
	messages := e.store.Messages()
	views := make([]models.MessageView, 0, len(messages))
	for _, msg := range messages {
		view := models.MessageView{
			Message:   msg,
			Reactions: e.reactions.Summarize(msg.ID(), e.currentUserID),
			ReadBy:    e.readersLocked(msg),
		}
		reply, err := e.threads.Resolve(msg)
		if err != nil {
			view.Reply = &models.ResolvedReply{Unavailable: true}
		} else {
			view.Reply = reply
		}
		views = append(views, view)
	}

	return models.Snapshot{
		ConversationID: e.conversationID,
		Messages:       views,
		Typing:         e.typing.Active(now),
		Pending:        e.rec.PendingCount(),
		Failed:         e.rec.Failures(),
	}
}

func (e *Engine) readersLocked(msg models.Message) []string {
	if !msg.Confirmed() {
		return nil
	}
	readers := lo.OmitBy(e.readWatermarks, func(_ string, watermark uint64) bool {
		return watermark < msg.Sequence
	})
	if len(readers) == 0 {
		return nil
	}
	out := lo.Keys(readers)
	sort.Strings(out)
	return out
}

func (e *Engine) broadcast() {
	e.mu.Lock()
	snap := e.snapshotLocked()
	subs := lo.Values(e.subs)
	e.mu.Unlock()
	for _, fn := range subs {
		fn(snap)
	}
}
