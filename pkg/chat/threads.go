package chat

import (
	"github.com/sidelinehq/chatkit/pkg/models"

	"github.com/rs/zerolog/log"
)

// MaxThreadDepth bounds how far a replyTo chain may be walked before the
// data is considered corrupt.
const MaxThreadDepth = 50

const replyExcerptLimit = 120

// ThreadResolver turns replyTo references into renderable quoted snippets.
type ThreadResolver struct {
	store *Store
}

func NewThreadResolver(store *Store) *ThreadResolver {
	return &ThreadResolver{store: store}
}

// Resolve returns the quoted snippet for a message's replyTo reference, or
// nil when the message is not a reply. A reference to a message that is not
// loaded resolves to the typed "unavailable" placeholder rather than nil.
// A chain that fails to terminate within MaxThreadDepth returns
// ErrThreadCycle; that is a data error for the caller, never something to
// put in front of the user.
func (t *ThreadResolver) Resolve(msg models.Message) (*models.ResolvedReply, error) {
	if len(msg.ReplyToID) == 0 {
		return nil, nil
	}

	if err := t.checkDepth(msg); err != nil {
		return nil, err
	}

	target, ok := t.store.Resolve(msg.ReplyToID)
	if !ok {
		return &models.ResolvedReply{Unavailable: true}, nil
	}
	if target.IsDeleted {
		return &models.ResolvedReply{
			MessageID:   target.ID(),
			SenderID:    target.SenderID,
			Unavailable: true,
		}, nil
	}
	return &models.ResolvedReply{
		MessageID: target.ID(),
		SenderID:  target.SenderID,
		Excerpt:   excerpt(target.Body),
	}, nil
}

func (t *ThreadResolver) checkDepth(msg models.Message) error {
	current := msg
	for depth := 0; len(current.ReplyToID) > 0; depth++ {
		if depth >= MaxThreadDepth {
			log.Error().
				Str("message", msg.ID()).
				Str("conversation", msg.ConversationID).
				Msg("An error occurred when resolving reply chain: cycle detected.")
			return ErrThreadCycle
		}
		next, ok := t.store.Resolve(current.ReplyToID)
		if !ok {
			return nil
		}
		current = next
	}
	return nil
}

func excerpt(body string) string {
	runes := []rune(body)
	if len(runes) <= replyExcerptLimit {
		return body
	}
	return string(runes[:replyExcerptLimit]) + "…"
}
