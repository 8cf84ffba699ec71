package chat

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/sidelinehq/chatkit/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestThreadResolveQuotedSnippet(t *testing.T) {
	s := NewStore("team-1")
	resolver := NewThreadResolver(s)

	original := confirmedMsg(1, "great session today, well done everyone")
	require.True(t, s.Append(original))

	reply := confirmedMsg(2, "thanks coach!")
	reply.ReplyToID = original.ServerID
	require.True(t, s.Append(reply))

	resolved, err := resolver.Resolve(reply)
	require.NoError(t, err)
	require.NotNil(t, resolved)
	assert.Equal(t, original.ServerID, resolved.MessageID)
	assert.Equal(t, "coach-1", resolved.SenderID)
	assert.Equal(t, original.Body, resolved.Excerpt)
	assert.False(t, resolved.Unavailable)
}

func TestThreadResolveNotAReply(t *testing.T) {
	s := NewStore("team-1")
	resolver := NewThreadResolver(s)

	resolved, err := resolver.Resolve(confirmedMsg(1, "plain"))
	require.NoError(t, err)
	assert.Nil(t, resolved)
}

func TestThreadResolveUnavailableOriginal(t *testing.T) {
	s := NewStore("team-1")
	resolver := NewThreadResolver(s)

	reply := confirmedMsg(5, "replying to something not loaded")
	reply.ReplyToID = "srv-unloaded"
	require.True(t, s.Append(reply))

	resolved, err := resolver.Resolve(reply)
	require.NoError(t, err)
	require.NotNil(t, resolved, "missing originals resolve to a typed placeholder, never nil")
	assert.True(t, resolved.Unavailable)
}

func TestThreadResolveDeletedOriginal(t *testing.T) {
	s := NewStore("team-1")
	resolver := NewThreadResolver(s)

	original := confirmedMsg(1, "deleted later")
	require.True(t, s.Append(original))
	require.NoError(t, s.Patch(original.ServerID, models.MessagePatch{Delete: true, Sequence: 2}))

	reply := confirmedMsg(3, "reply")
	reply.ReplyToID = original.ServerID
	require.True(t, s.Append(reply))

	resolved, err := resolver.Resolve(reply)
	require.NoError(t, err)
	assert.True(t, resolved.Unavailable)
	assert.Empty(t, resolved.Excerpt)
}

func TestThreadResolveLongChainsTerminate(t *testing.T) {
	s := NewStore("team-1")
	resolver := NewThreadResolver(s)

	prev := ""
	var last models.Message
	for seq := uint64(1); seq <= MaxThreadDepth-1; seq++ {
		msg := confirmedMsg(seq, fmt.Sprintf("hop %d", seq))
		msg.ReplyToID = prev
		require.True(t, s.Append(msg))
		prev = msg.ServerID
		last = msg
	}

	_, err := resolver.Resolve(last)
	assert.NoError(t, err, "any acyclic chain within the bound must resolve")
}

func TestThreadResolveDetectsCycle(t *testing.T) {
	s := NewStore("team-1")
	resolver := NewThreadResolver(s)

	a := models.Message{ServerID: "srv-a", Sequence: 1, ConversationID: "team-1", SenderID: "u1", Body: "a", CreatedAt: time.Now(), ReplyToID: "srv-b"}
	b := models.Message{ServerID: "srv-b", Sequence: 2, ConversationID: "team-1", SenderID: "u2", Body: "b", CreatedAt: time.Now(), ReplyToID: "srv-a"}
	require.True(t, s.Append(a))
	require.True(t, s.Append(b))

	_, err := resolver.Resolve(a)
	assert.ErrorIs(t, err, ErrThreadCycle)
}

func TestThreadExcerptTruncation(t *testing.T) {
	s := NewStore("team-1")
	resolver := NewThreadResolver(s)

	original := confirmedMsg(1, strings.Repeat("tactics ", 40))
	require.True(t, s.Append(original))
	reply := confirmedMsg(2, "ok")
	reply.ReplyToID = original.ServerID
	require.True(t, s.Append(reply))

	resolved, err := resolver.Resolve(reply)
	require.NoError(t, err)
	assert.LessOrEqual(t, len([]rune(resolved.Excerpt)), replyExcerptLimit+1)
	assert.True(t, strings.HasSuffix(resolved.Excerpt, "…"))
}
