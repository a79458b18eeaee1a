package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/vanky2viva/omni-assistant/internal/domain"
)

// CreateConversationRequest is the body of POST /v1/conversations.
type CreateConversationRequest struct {
	ConversationKey string `json:"conversation_key"`
}

// ConversationResponse carries a conversation and its current state.
type ConversationResponse struct {
	ConversationKey string          `json:"conversation_key"`
	Snapshot        domain.Snapshot `json:"snapshot"`
}

// SubmitMessageRequest is the body of POST /v1/conversations/:key/messages.
type SubmitMessageRequest struct {
	Content string `json:"content"`
}

// CreateConversation opens a conversation, or returns the open one with the
// same key.
// POST /v1/conversations
func (h *Handler) CreateConversation(c echo.Context) error {
	var req CreateConversationRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	key, snap, err := h.service.CreateConversation(c.Request().Context(), req.ConversationKey)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusCreated, ConversationResponse{ConversationKey: key, Snapshot: snap})
}

// GetConversation returns the current snapshot of a conversation.
// GET /v1/conversations/:key
func (h *Handler) GetConversation(c echo.Context) error {
	key := c.Param("key")
	snap, err := h.service.Snapshot(key)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, ConversationResponse{ConversationKey: key, Snapshot: snap})
}

// SubmitMessage starts an answer. The answer streams in the background; its
// progress is visible through GET /v1/conversations/:key and the WebSocket.
// POST /v1/conversations/:key/messages
func (h *Handler) SubmitMessage(c echo.Context) error {
	var req SubmitMessageRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	turnID, err := h.service.Submit(c.Request().Context(), c.Param("key"), req.Content)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusAccepted, map[string]string{"turn_id": turnID})
}

// CancelConversation stops the in-flight answer, if any.
// POST /v1/conversations/:key/cancel
func (h *Handler) CancelConversation(c echo.Context) error {
	key := c.Param("key")
	if err := h.service.Cancel(key); err != nil {
		return errorResponse(c, err)
	}
	snap, err := h.service.Snapshot(key)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, ConversationResponse{ConversationKey: key, Snapshot: snap})
}

// GetSuggestions returns follow-up prompts for the conversation.
// GET /v1/conversations/:key/suggestions
func (h *Handler) GetSuggestions(c echo.Context) error {
	suggestions, err := h.service.Suggestions(c.Param("key"))
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"suggestions": suggestions})
}

// GetDecision returns the gated decision cards of an assistant turn.
// GET /v1/conversations/:key/turns/:turn_id/decision
func (h *Handler) GetDecision(c echo.Context) error {
	view, err := h.service.Decision(c.Request().Context(), c.Param("key"), c.Param("turn_id"))
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, view)
}
