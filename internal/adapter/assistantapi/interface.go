// Package assistantapi talks to the assistant backend's chat endpoints.
package assistantapi

import (
	"context"
	"io"

	"github.com/vanky2viva/omni-assistant/internal/domain"
)

// AssistantClient opens answer streams and stores finished exchanges.
type AssistantClient interface {
	// OpenStream posts the request and returns the streamed response body.
	OpenStream(ctx context.Context, req domain.ChatRequest) (io.ReadCloser, error)

	// SaveExchange records a completed exchange in the backend's history.
	SaveExchange(ctx context.Context, ex domain.Exchange) error
}

// Ensure Client implements AssistantClient interface.
var _ AssistantClient = (*Client)(nil)
