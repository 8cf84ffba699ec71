package chat

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sidelinehq/chatkit/pkg/models"
	"github.com/sidelinehq/chatkit/pkg/transport"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransport scripts the server side of the engine. Every hook is
// optional; the default acknowledges immediately with the next sequence.
type fakeTransport struct {
	mu      sync.Mutex
	seq     uint64
	sends   []transport.SendRequest
	patches []transport.PatchRequest
	toggles []transport.ToggleRequest

	onSend   func(transport.SendRequest) (transport.SendAck, error)
	onPatch  func(transport.PatchRequest) (transport.PatchAck, error)
	onToggle func(transport.ToggleRequest) (transport.ToggleAck, error)

	events chan models.ConversationEvent
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{events: make(chan models.ConversationEvent, 16)}
}

func (f *fakeTransport) SendMessage(_ context.Context, req transport.SendRequest) (transport.SendAck, error) {
	f.mu.Lock()
	f.sends = append(f.sends, req)
	hook := f.onSend
	f.mu.Unlock()
	if hook != nil {
		return hook(req)
	}
	f.mu.Lock()
	f.seq++
	ack := transport.SendAck{ServerID: "srv-" + uuid.NewString(), Sequence: f.seq, CreatedAt: time.Now().UTC()}
	f.mu.Unlock()
	return ack, nil
}

func (f *fakeTransport) PatchMessage(_ context.Context, req transport.PatchRequest) (transport.PatchAck, error) {
	f.mu.Lock()
	f.patches = append(f.patches, req)
	hook := f.onPatch
	f.mu.Unlock()
	if hook != nil {
		return hook(req)
	}
	f.mu.Lock()
	f.seq++
	ack := transport.PatchAck{Sequence: f.seq, EditedAt: time.Now().UTC()}
	f.mu.Unlock()
	return ack, nil
}

func (f *fakeTransport) ToggleReaction(_ context.Context, req transport.ToggleRequest) (transport.ToggleAck, error) {
	f.mu.Lock()
	f.toggles = append(f.toggles, req)
	hook := f.onToggle
	f.mu.Unlock()
	if hook != nil {
		return hook(req)
	}
	return transport.ToggleAck{Applied: true}, nil
}

func (f *fakeTransport) MarkRead(context.Context, string, uint64) error { return nil }
func (f *fakeTransport) SetTyping(context.Context, string) error        { return nil }

func (f *fakeTransport) History(context.Context, string, uint64, int) ([]models.Message, error) {
	return nil, nil
}

func (f *fakeTransport) Events(context.Context, string) (<-chan models.ConversationEvent, error) {
	return f.events, nil
}

func (f *fakeTransport) toggleTargets() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.toggles))
	for _, item := range f.toggles {
		out = append(out, item.MessageID)
	}
	return out
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func appendedEvent(eventID, serverID string, seq uint64, sender, body string) models.ConversationEvent {
	return models.ConversationEvent{
		ID:             eventID,
		Type:           models.EventMessageAppended,
		ConversationID: "team-1",
		Message: &models.Message{
			ServerID:       serverID,
			Sequence:       seq,
			ConversationID: "team-1",
			SenderID:       sender,
			Body:           body,
			Kind:           models.MessageKindText,
			CreatedAt:      time.Unix(1700000000+int64(seq), 0),
		},
	}
}

func settled(e *Engine) func() bool {
	return func() bool { return e.Snapshot().Pending == 0 }
}

func TestEngineSendOptimisticThenAck(t *testing.T) {
	ft := newFakeTransport()
	e := New("team-1", "coach-1", WithTransport(ft), WithRetry(5, time.Millisecond))

	localID, err := e.Send(context.Background(), "first whistle", models.MessageKindText)
	require.NoError(t, err)

	// The message is visible immediately, before any ack.
	snap := e.Snapshot()
	view, ok := snap.Find(localID)
	require.True(t, ok)
	assert.False(t, view.Confirmed())

	require.Eventually(t, settled(e), time.Second, 5*time.Millisecond)

	snap = e.Snapshot()
	view, ok = snap.Find(localID)
	require.True(t, ok, "the local id must keep resolving after remap")
	assert.True(t, view.Confirmed())
	assert.Equal(t, uint64(1), view.Sequence)
	assert.NotEmpty(t, view.ServerID)
}

func TestEngineOfflineSendRemapAndLateReaction(t *testing.T) {
	ft := newFakeTransport()
	gate := make(chan struct{})
	ft.onSend = func(transport.SendRequest) (transport.SendAck, error) {
		<-gate
		return transport.SendAck{ServerID: "srv-42", Sequence: 42, CreatedAt: time.Unix(1700000042, 0)}, nil
	}
	e := New("team-1", "coach-1", WithTransport(ft), WithRetry(5, time.Millisecond))

	localID, err := e.Send(context.Background(), "scrimmage at 6", models.MessageKindText)
	require.NoError(t, err)

	// React against the local id while the send is still in flight.
	_, err = e.ToggleReaction(context.Background(), localID, "🔥")
	require.NoError(t, err)

	close(gate)
	require.Eventually(t, settled(e), time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{"srv-42"}, ft.toggleTargets(),
		"the reaction issued against the local id must hit the remapped server id")

	view, ok := e.Snapshot().Find(localID)
	require.True(t, ok)
	assert.Equal(t, uint64(42), view.Sequence)
	fire, ok := view.Reactions.Tally("🔥")
	require.True(t, ok)
	assert.Equal(t, 1, fire.Count)
	assert.True(t, fire.Reacted)
}

func TestEngineRapidDoubleToggleNetsToUnset(t *testing.T) {
	ft := newFakeTransport()
	e := New("team-1", "coach-1", WithTransport(ft), WithRetry(5, time.Millisecond))

	e.HandleEvent(appendedEvent("ev-1", "srv-1", 1, "athlete-1", "we won!"))

	_, err := e.ToggleReaction(context.Background(), "srv-1", "🔥")
	require.NoError(t, err)
	_, err = e.ToggleReaction(context.Background(), "srv-1", "🔥")
	require.NoError(t, err)

	require.Eventually(t, settled(e), time.Second, 5*time.Millisecond)

	view, ok := e.Snapshot().Find("srv-1")
	require.True(t, ok)
	_, reacted := view.Reactions.Tally("🔥")
	assert.False(t, reacted, "add followed by remove must leave the reaction un-set")
}

func TestEngineRejectedEditRollsBackExactly(t *testing.T) {
	ft := newFakeTransport()
	ft.onPatch = func(transport.PatchRequest) (transport.PatchAck, error) {
		return transport.PatchAck{}, &transport.Error{Code: "validation_rejected", Reason: "cannot edit a deleted message"}
	}
	e := New("team-1", "coach-1", WithTransport(ft), WithRetry(5, time.Millisecond))

	e.HandleEvent(appendedEvent("ev-1", "srv-1", 1, "coach-1", "original wording"))
	before := e.Snapshot()

	mutationID, err := e.Edit(context.Background(), "srv-1", "changed wording")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		snap := e.Snapshot()
		return snap.Pending == 0 && len(snap.Failed) == 1
	}, time.Second, 5*time.Millisecond)

	after := e.Snapshot()
	assert.Equal(t, before.Messages, after.Messages,
		"a rejected mutation must restore the pre-mutation state exactly")

	failure := after.Failed[0]
	assert.Equal(t, mutationID, failure.ID)
	assert.Equal(t, models.MutationRejected, failure.State)
	assert.True(t, failure.Settled())
	assert.Equal(t, "changed wording", failure.Payload.Body,
		"the surfaced failure carries the original payload for retry/undo")

	e.DismissFailure(mutationID)
	assert.Empty(t, e.Snapshot().Failed)
}

func TestEngineRetriesExhaustedRollsBackSend(t *testing.T) {
	ft := newFakeTransport()
	ft.onSend = func(transport.SendRequest) (transport.SendAck, error) {
		return transport.SendAck{}, &transport.Error{Code: "gateway_timeout", Reason: "upstream timeout", Transient: true}
	}
	e := New("team-1", "coach-1", WithTransport(ft), WithRetry(2, time.Millisecond))

	_, err := e.Send(context.Background(), "will not make it", models.MessageKindText)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		snap := e.Snapshot()
		return snap.Pending == 0 && len(snap.Failed) == 1
	}, time.Second, 5*time.Millisecond)

	snap := e.Snapshot()
	assert.Empty(t, snap.Messages, "the optimistic message is rolled back once the budget is spent")
	assert.Equal(t, models.MutationFailed, snap.Failed[0].State)
	assert.Equal(t, "will not make it", snap.Failed[0].Payload.Body)
}

func TestEngineDuplicateStreamEventsAreIdempotent(t *testing.T) {
	e := New("team-1", "coach-1")

	event := appendedEvent("ev-1", "srv-1", 1, "athlete-1", "hello")
	e.HandleEvent(event)
	e.HandleEvent(event)

	// Same message redelivered under a fresh event id.
	redelivery := appendedEvent("ev-2", "srv-1", 1, "athlete-1", "hello")
	e.HandleEvent(redelivery)

	assert.Len(t, e.Snapshot().Messages, 1)
}

func TestEngineStreamAppendClearsTyping(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	e := New("team-1", "coach-1", WithClock(clock.Now), WithTypingTTL(3*time.Second))

	e.HandleEvent(models.ConversationEvent{
		ID:             "ev-typing",
		Type:           models.EventTyping,
		ConversationID: "team-1",
		Typing:         &models.TypingEvent{UserID: "athlete-1", ExpiresAt: clock.Now().Add(3 * time.Second)},
	})
	assert.Equal(t, []string{"athlete-1"}, e.Snapshot().Typing)

	e.HandleEvent(appendedEvent("ev-1", "srv-1", 1, "athlete-1", "done typing"))
	assert.Empty(t, e.Snapshot().Typing, "a user's own message retires their typing signal")
}

func TestEngineTypingExpiryUsesInjectedClock(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	e := New("team-1", "coach-1", WithClock(clock.Now), WithTypingTTL(3*time.Second))

	e.HandleEvent(models.ConversationEvent{
		ID:             "ev-typing",
		Type:           models.EventTyping,
		ConversationID: "team-1",
		Typing:         &models.TypingEvent{UserID: "athlete-1", ExpiresAt: clock.Now().Add(3 * time.Second)},
	})

	clock.Advance(2 * time.Second)
	assert.Equal(t, []string{"athlete-1"}, e.Snapshot().Typing)

	clock.Advance(2 * time.Second)
	assert.Empty(t, e.Snapshot().Typing)
}

func TestEngineReadWatermarks(t *testing.T) {
	e := New("team-1", "coach-1")

	e.HandleEvent(appendedEvent("ev-1", "srv-1", 1, "coach-1", "one"))
	e.HandleEvent(appendedEvent("ev-2", "srv-2", 2, "coach-1", "two"))

	e.HandleEvent(models.ConversationEvent{
		ID:             "ev-read",
		Type:           models.EventRead,
		ConversationID: "team-1",
		Read:           &models.ReadEvent{UserID: "athlete-1", UpToSequence: 1},
	})

	snap := e.Snapshot()
	first, _ := snap.Find("srv-1")
	second, _ := snap.Find("srv-2")
	assert.Equal(t, []string{"athlete-1"}, first.ReadBy)
	assert.Empty(t, second.ReadBy)

	// A stale watermark never regresses the read state.
	e.HandleEvent(models.ConversationEvent{
		ID:             "ev-read-stale",
		Type:           models.EventRead,
		ConversationID: "team-1",
		Read:           &models.ReadEvent{UserID: "athlete-1", UpToSequence: 0},
	})
	first, _ = e.Snapshot().Find("srv-1")
	assert.Equal(t, []string{"athlete-1"}, first.ReadBy)
}

func TestEngineMarkReadLocally(t *testing.T) {
	e := New("team-1", "coach-1")
	e.HandleEvent(appendedEvent("ev-1", "srv-1", 1, "athlete-1", "one"))

	e.MarkRead(context.Background(), 1)

	view, _ := e.Snapshot().Find("srv-1")
	assert.Equal(t, []string{"coach-1"}, view.ReadBy)
}

func TestEngineReplyResolvesQuote(t *testing.T) {
	e := New("team-1", "coach-1")
	e.HandleEvent(appendedEvent("ev-1", "srv-1", 1, "athlete-1", "can we move practice?"))

	_, err := e.Reply(context.Background(), "yes, 7pm works", "srv-1")
	require.NoError(t, err)

	snap := e.Snapshot()
	require.Len(t, snap.Messages, 2)
	reply := snap.Messages[1]
	require.NotNil(t, reply.Reply)
	assert.Equal(t, "srv-1", reply.Reply.MessageID)
	assert.Equal(t, "can we move practice?", reply.Reply.Excerpt)

	_, err = e.Reply(context.Background(), "to nothing", "srv-missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEngineCancelPendingMutation(t *testing.T) {
	// No transport configured: mutations stay pending until cancelled.
	e := New("team-1", "coach-1")

	localID, err := e.Send(context.Background(), "typo everywhre", models.MessageKindText)
	require.NoError(t, err)
	require.Len(t, e.Snapshot().Messages, 1)

	require.NoError(t, e.Cancel(localID))
	assert.Empty(t, e.Snapshot().Messages, "cancel undoes the optimistic send")
	assert.Zero(t, e.Snapshot().Pending)

	assert.ErrorIs(t, e.Cancel(localID), ErrNotCancellable)
}

func TestEngineStreamAckSettlesPendingSend(t *testing.T) {
	// The stream echo of our own send arrives while the HTTP ack is lost:
	// the mutation settles through the event path and the local id remaps.
	e := New("team-1", "coach-1")

	localID, err := e.Send(context.Background(), "via stream", models.MessageKindText)
	require.NoError(t, err)

	e.HandleEvent(models.ConversationEvent{
		ID:               "ev-ack",
		Type:             models.EventMessageAppended,
		ConversationID:   "team-1",
		ClientMutationID: localID,
		Message: &models.Message{
			ServerID:       "srv-9",
			Sequence:       9,
			ConversationID: "team-1",
			SenderID:       "coach-1",
			Body:           "via stream",
			Kind:           models.MessageKindText,
			CreatedAt:      time.Unix(1700000009, 0),
		},
	})

	snap := e.Snapshot()
	assert.Zero(t, snap.Pending)
	view, ok := snap.Find(localID)
	require.True(t, ok)
	assert.Equal(t, uint64(9), view.Sequence)
}

func TestEnginePinAndDelete(t *testing.T) {
	ft := newFakeTransport()
	e := New("team-1", "coach-1", WithTransport(ft), WithRetry(5, time.Millisecond))

	e.HandleEvent(appendedEvent("ev-1", "srv-1", 1, "coach-1", "match schedule"))

	_, err := e.Pin(context.Background(), "srv-1", true)
	require.NoError(t, err)
	require.Eventually(t, settled(e), time.Second, 5*time.Millisecond)
	view, _ := e.Snapshot().Find("srv-1")
	assert.True(t, view.IsPinned)

	_, err = e.Delete(context.Background(), "srv-1")
	require.NoError(t, err)
	require.Eventually(t, settled(e), time.Second, 5*time.Millisecond)
	view, _ = e.Snapshot().Find("srv-1")
	assert.True(t, view.IsDeleted, "deletion tombstones the message in place")
	assert.Len(t, e.Snapshot().Messages, 1)
}
