package assistantapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/vanky2viva/omni-assistant/internal/domain"
)

const (
	// DefaultStreamPath is the streamed chat endpoint.
	DefaultStreamPath = "/api/ai/chat/stream"
	// DefaultHistoryPath is the non-streamed chat endpoint used for history.
	DefaultHistoryPath = "/api/ai/chat"

	maxErrorBody = 4096
)

// HistoryRequest is the body posted to the history endpoint.
type HistoryRequest struct {
	Message   string               `json:"message"`
	SessionID string               `json:"session_id"`
	History   []domain.ChatMessage `json:"history"`
	Stream    bool                 `json:"stream"`
}

// Client is the HTTP client for the assistant backend.
type Client struct {
	baseURL     string
	streamPath  string
	historyPath string
	httpClient  *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithPaths overrides the endpoint paths.
func WithPaths(streamPath, historyPath string) Option {
	return func(c *Client) {
		if streamPath != "" {
			c.streamPath = streamPath
		}
		if historyPath != "" {
			c.historyPath = historyPath
		}
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a backend client. The HTTP client has no overall timeout:
// answers stream for as long as they take and callers cancel through ctx.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		streamPath:  DefaultStreamPath,
		historyPath: DefaultHistoryPath,
		httpClient:  &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OpenStream posts req to the stream endpoint. On success the caller owns
// the returned body.
func (c *Client) OpenStream(ctx context.Context, req domain.ChatRequest) (io.ReadCloser, error) {
	httpReq, err := c.newRequest(ctx, c.streamPath, req)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Cache-Control", "no-cache")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to open stream: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, statusError(resp)
	}
	return resp.Body, nil
}

// SaveExchange posts a completed exchange to the history endpoint.
func (c *Client) SaveExchange(ctx context.Context, ex domain.Exchange) error {
	payload := HistoryRequest{
		Message:   ex.User.Content,
		SessionID: ex.SessionID,
		History:   ex.History,
		Stream:    false,
	}
	if payload.History == nil {
		payload.History = []domain.ChatMessage{}
	}
	httpReq, err := c.newRequest(ctx, c.historyPath, payload)
	if err != nil {
		return err
	}
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to save history: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(resp)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (c *Client) newRequest(ctx context.Context, path string, body interface{}) (*http.Request, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	return httpReq, nil
}

func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return fmt.Errorf("backend returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}
