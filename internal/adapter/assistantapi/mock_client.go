package assistantapi

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vanky2viva/omni-assistant/internal/domain"
	"github.com/vanky2viva/omni-assistant/internal/stream"
)

// MockErrorTrigger makes the mock backend answer with an error event.
const MockErrorTrigger = "[mock-error]"

// MockClient is an in-process backend that streams canned answers.
type MockClient struct {
	// Delay is the pause between streamed events.
	Delay time.Duration

	mu        sync.Mutex
	exchanges []domain.Exchange
}

// NewMockClient creates a new mock backend client.
func NewMockClient() *MockClient {
	return &MockClient{Delay: 20 * time.Millisecond}
}

// Ensure MockClient implements AssistantClient interface.
var _ AssistantClient = (*MockClient)(nil)

// OpenStream streams a mock answer through a pipe.
func (m *MockClient) OpenStream(ctx context.Context, req domain.ChatRequest) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	events := m.script(req)
	pr, pw := io.Pipe()
	go func() {
		for _, ev := range events {
			if err := m.pause(ctx); err != nil {
				pw.CloseWithError(err)
				return
			}
			if err := stream.WriteEvent(pw, ev); err != nil {
				return
			}
		}
		pw.Close()
	}()
	return pr, nil
}

// SaveExchange keeps the exchange in memory.
func (m *MockClient) SaveExchange(ctx context.Context, ex domain.Exchange) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exchanges = append(m.exchanges, ex)
	return nil
}

// Exchanges returns the exchanges saved so far.
func (m *MockClient) Exchanges() []domain.Exchange {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.Exchange(nil), m.exchanges...)
}

func (m *MockClient) pause(ctx context.Context) error {
	if m.Delay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(m.Delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// script builds the event sequence for req.
func (m *MockClient) script(req domain.ChatRequest) []stream.Event {
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = "mock-" + uuid.New().String()[:8]
	}

	var lastUserMessage string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == domain.RoleUser {
			lastUserMessage = req.Messages[i].Content
			break
		}
	}

	events := []stream.Event{
		stream.SessionID{ID: sessionID},
		stream.Thinking{Text: "[MOCK] 正在读取店铺数据..."},
		stream.ThinkingEnd{},
	}
	if strings.Contains(lastUserMessage, MockErrorTrigger) {
		return append(events, stream.Error{Message: "AI服务调用失败"})
	}

	answer := mockAnswer(lastUserMessage)
	for _, chunk := range splitRunes(answer, 12) {
		events = append(events, stream.Content{Text: chunk})
	}
	prompt := 0
	for _, msg := range req.Messages {
		prompt += len([]rune(msg.Content))
	}
	completion := len([]rune(answer))
	return append(events,
		stream.Usage{Usage: domain.Usage{PromptTokens: prompt, CompletionTokens: completion, TotalTokens: prompt + completion}},
		stream.Done{Sources: []domain.Source{{Title: "[MOCK] 销售日报", URL: "https://example.com/mock/report"}}},
	)
}

func mockAnswer(question string) string {
	if question == "" {
		question = "(空)"
	}
	return fmt.Sprintf("[MOCK] 收到你的问题：%q。近7天GMV环比上涨12%%，退款率保持在2%%以下。\n\n"+
		"```json\n"+
		`{"decisionSummary":"[MOCK] 对滞销款小幅降价","riskLevel":"low","actions":[`+
		`{"type":"adjust_price","target":"SKU-MOCK-1","delta":-5,"reason":"近7天转化率偏低","priority":"medium"}]}`+
		"\n```\n", truncate(question, 100))
}

// splitRunes splits s into chunks of n runes so no chunk ends mid-character.
func splitRunes(s string, n int) []string {
	runes := []rune(s)
	var chunks []string
	for i := 0; i < len(runes); i += n {
		end := i + n
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[i:end]))
	}
	return chunks
}

func truncate(s string, maxRunes int) string {
	r := []rune(s)
	if len(r) <= maxRunes {
		return s
	}
	return string(r[:maxRunes]) + "..."
}
