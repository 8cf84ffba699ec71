package server

import (
	"errors"

	"github.com/sidelinehq/chatkit/pkg/models"
	"github.com/sidelinehq/chatkit/pkg/server/exts"
	"github.com/sidelinehq/chatkit/pkg/transport"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	jsoniter "github.com/json-iterator/go"
)

var hub *Hub

func MapAPIs(app *fiber.App, h *Hub) {
	hub = h

	api := app.Group("/api").Name("API")
	{
		conversations := api.Group("/conversations/:conversation").Use(userMiddleware).Name("Conversations API")
		{
			conversations.Get("/messages", listMessages)
			conversations.Post("/messages", newMessage)
			conversations.Patch("/messages/:messageId", patchMessage)
			conversations.Post("/messages/:messageId/reactions", toggleReaction)
			conversations.Post("/read", markRead)
			conversations.Post("/typing", setTyping)
			conversations.Get("/events", websocket.New(eventGateway))
		}
	}
}

func userMiddleware(c *fiber.Ctx) error {
	user := c.Get(transport.UserHeader)
	if len(user) == 0 {
		return fiber.NewError(fiber.StatusUnauthorized, "participant id is required")
	}
	c.Locals("user", user)
	return c.Next()
}

// rejection renders a server-side validation error in the wire shape the
// engine's reconciler expects ({code, reason}, non-retryable status).
func rejection(c *fiber.Ctx, err error) error {
	var terr *transport.Error
	if errors.As(err, &terr) {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(terr)
	}
	return fiber.NewError(fiber.StatusBadRequest, err.Error())
}

func listMessages(c *fiber.Ctx) error {
	before := uint64(c.QueryInt("before", 0))
	take := c.QueryInt("take", 50)
	return c.JSON(hub.History(c.Params("conversation"), before, take))
}

func newMessage(c *fiber.Ctx) error {
	user := c.Locals("user").(string)

	var data struct {
		ClientMutationID string             `json:"client_mutation_id" validate:"required"`
		Body             string             `json:"body"`
		Kind             models.MessageKind `json:"kind"`
		ReplyToID        string             `json:"reply_to_id"`
	}
	if err := exts.BindAndValidate(c, &data); err != nil {
		return err
	}

	ack, err := hub.Append(user, transport.SendRequest{
		ConversationID:   c.Params("conversation"),
		ClientMutationID: data.ClientMutationID,
		Body:             data.Body,
		Kind:             data.Kind,
		ReplyToID:        data.ReplyToID,
	})
	if err != nil {
		return rejection(c, err)
	}
	return c.JSON(ack)
}

func patchMessage(c *fiber.Ctx) error {
	user := c.Locals("user").(string)

	var data struct {
		ClientMutationID string  `json:"client_mutation_id" validate:"required"`
		Body             *string `json:"body"`
		IsPinned         *bool   `json:"is_pinned"`
		Delete           bool    `json:"delete"`
	}
	if err := exts.BindAndValidate(c, &data); err != nil {
		return err
	}

	ack, err := hub.Patch(user, transport.PatchRequest{
		ConversationID:   c.Params("conversation"),
		MessageID:        c.Params("messageId"),
		ClientMutationID: data.ClientMutationID,
		Body:             data.Body,
		IsPinned:         data.IsPinned,
		Delete:           data.Delete,
	})
	if err != nil {
		return rejection(c, err)
	}
	return c.JSON(ack)
}

func toggleReaction(c *fiber.Ctx) error {
	user := c.Locals("user").(string)

	var data struct {
		ClientMutationID string `json:"client_mutation_id" validate:"required"`
		Emoji            string `json:"emoji" validate:"required"`
	}
	if err := exts.BindAndValidate(c, &data); err != nil {
		return err
	}

	ack, err := hub.Toggle(user, transport.ToggleRequest{
		ConversationID:   c.Params("conversation"),
		MessageID:        c.Params("messageId"),
		ClientMutationID: data.ClientMutationID,
		Emoji:            data.Emoji,
	})
	if err != nil {
		return rejection(c, err)
	}
	return c.JSON(ack)
}

func markRead(c *fiber.Ctx) error {
	user := c.Locals("user").(string)

	var data struct {
		UpToSequence uint64 `json:"up_to_sequence" validate:"required"`
	}
	if err := exts.BindAndValidate(c, &data); err != nil {
		return err
	}

	hub.MarkRead(c.Params("conversation"), user, data.UpToSequence)
	return c.SendStatus(fiber.StatusNoContent)
}

func setTyping(c *fiber.Ctx) error {
	user := c.Locals("user").(string)
	hub.Typing(c.Params("conversation"), user)
	return c.SendStatus(fiber.StatusNoContent)
}

func eventGateway(c *websocket.Conn) {
	conversation := c.Params("conversation")
	id, events := hub.Subscribe(conversation)

	// Reader only watches for the peer going away; unsubscribing closes the
	// event channel and ends the write loop below.
	go func() {
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				hub.Unsubscribe(conversation, id)
				return
			}
		}
	}()

	for event := range events {
		packet, _ := jsoniter.Marshal(event)
		if err := c.WriteMessage(websocket.TextMessage, packet); err != nil {
			break
		}
	}

	hub.Unsubscribe(conversation, id)
	_ = c.Close()
}
