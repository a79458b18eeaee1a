// Package v1 provides the v1 HTTP handlers of the gateway.
package v1

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/vanky2viva/omni-assistant/internal/conversation"
	"github.com/vanky2viva/omni-assistant/internal/service"
	"github.com/vanky2viva/omni-assistant/internal/session"
)

// Handler handles HTTP requests.
type Handler struct {
	service *service.Service
}

// NewHandler creates a new handler.
func NewHandler(service *service.Service) *Handler {
	return &Handler{
		service: service,
	}
}

// RegisterRoutes registers routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	// Conversations
	e.POST("/v1/conversations", h.CreateConversation)
	e.GET("/v1/conversations/:key", h.GetConversation)
	e.POST("/v1/conversations/:key/messages", h.SubmitMessage)
	e.POST("/v1/conversations/:key/cancel", h.CancelConversation)
	e.GET("/v1/conversations/:key/suggestions", h.GetSuggestions)
	e.GET("/v1/conversations/:key/turns/:turn_id/decision", h.GetDecision)

	// Archive
	e.GET("/v1/sessions/:session_id/messages", h.GetSessionMessages)

	e.GET("/health", h.Health)
}

// Health returns health status.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":        "healthy",
		"version":       "0.1.0",
		"conversations": h.service.ConversationCount(),
	})
}

// errorResponse maps service errors to a status code.
func errorResponse(c echo.Context, err error) error {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, service.ErrConversationNotFound),
		errors.Is(err, conversation.ErrTurnNotFound),
		errors.Is(err, service.ErrNoDecision):
		status = http.StatusNotFound
	case errors.Is(err, session.ErrInvalidState):
		status = http.StatusConflict
	case errors.Is(err, session.ErrEmptyMessage):
		status = http.StatusBadRequest
	case errors.Is(err, service.ErrClosed), errors.Is(err, session.ErrClosed):
		status = http.StatusServiceUnavailable
	}
	return c.JSON(status, map[string]string{"error": err.Error()})
}
