package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sidelinehq/chatkit/pkg/models"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog/log"
)

// UserHeader carries the acting participant id. The reference server trusts
// it as-is; a production deployment replaces this with real authentication.
const UserHeader = "X-Chatkit-User"

// Client talks to a chatkit-compatible server over HTTP, with the event
// stream carried on a websocket.
type Client struct {
	baseURL string
	userID  string
	http    *http.Client
	dialer  *websocket.Dialer
}

func NewClient(baseURL, userID string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		userID:  userID,
		http:    &http.Client{Timeout: 15 * time.Second},
		dialer:  websocket.DefaultDialer,
	}
}

func (c *Client) SendMessage(ctx context.Context, req SendRequest) (SendAck, error) {
	var ack SendAck
	err := c.do(ctx, http.MethodPost,
		fmt.Sprintf("/api/conversations/%s/messages", url.PathEscape(req.ConversationID)), req, &ack)
	return ack, err
}

func (c *Client) PatchMessage(ctx context.Context, req PatchRequest) (PatchAck, error) {
	var ack PatchAck
	err := c.do(ctx, http.MethodPatch,
		fmt.Sprintf("/api/conversations/%s/messages/%s",
			url.PathEscape(req.ConversationID), url.PathEscape(req.MessageID)), req, &ack)
	return ack, err
}

func (c *Client) ToggleReaction(ctx context.Context, req ToggleRequest) (ToggleAck, error) {
	var ack ToggleAck
	err := c.do(ctx, http.MethodPost,
		fmt.Sprintf("/api/conversations/%s/messages/%s/reactions",
			url.PathEscape(req.ConversationID), url.PathEscape(req.MessageID)), req, &ack)
	return ack, err
}

func (c *Client) MarkRead(ctx context.Context, conversationID string, upToSequence uint64) error {
	payload := map[string]any{"up_to_sequence": upToSequence}
	return c.do(ctx, http.MethodPost,
		fmt.Sprintf("/api/conversations/%s/read", url.PathEscape(conversationID)), payload, nil)
}

func (c *Client) SetTyping(ctx context.Context, conversationID string) error {
	return c.do(ctx, http.MethodPost,
		fmt.Sprintf("/api/conversations/%s/typing", url.PathEscape(conversationID)), nil, nil)
}

func (c *Client) History(ctx context.Context, conversationID string, beforeSequence uint64, limit int) ([]models.Message, error) {
	var out []models.Message
	err := c.do(ctx, http.MethodGet,
		fmt.Sprintf("/api/conversations/%s/messages?before=%d&take=%d",
			url.PathEscape(conversationID), beforeSequence, limit), nil, &out)
	return out, err
}

// Events opens the conversation stream. The returned channel closes when
// the context is cancelled or the connection drops; reconnecting is the
// caller's concern.
func (c *Client) Events(ctx context.Context, conversationID string) (<-chan models.ConversationEvent, error) {
	endpoint := c.baseURL + fmt.Sprintf("/api/conversations/%s/events", url.PathEscape(conversationID))
	endpoint = strings.Replace(endpoint, "http", "ws", 1)

	header := http.Header{}
	header.Set(UserHeader, c.userID)
	conn, _, err := c.dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		return nil, err
	}

	out := make(chan models.ConversationEvent, 16)
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()
	go func() {
		defer close(out)
		defer conn.Close()
		for {
			_, packet, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var event models.ConversationEvent
			if err := jsoniter.Unmarshal(packet, &event); err != nil {
				log.Warn().Err(err).Msg("An error occurred when decoding stream event, skipped.")
				continue
			}
			select {
			case out <- event:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		raw, err := jsoniter.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(UserHeader, c.userID)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		serr := &Error{
			Code:      fmt.Sprintf("http_%d", resp.StatusCode),
			Reason:    strings.TrimSpace(string(raw)),
			Transient: resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests,
		}
		var decoded Error
		if jsoniter.Unmarshal(raw, &decoded) == nil && len(decoded.Code) > 0 {
			decoded.Transient = serr.Transient
			return &decoded
		}
		return serr
	}

	if out == nil || len(raw) == 0 {
		return nil
	}
	return jsoniter.Unmarshal(raw, out)
}
