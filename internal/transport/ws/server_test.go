package ws

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vanky2viva/omni-assistant/internal/adapter/assistantapi"
	"github.com/vanky2viva/omni-assistant/internal/config"
	"github.com/vanky2viva/omni-assistant/internal/domain"
	"github.com/vanky2viva/omni-assistant/internal/hub"
	"github.com/vanky2viva/omni-assistant/internal/protocol"
	"github.com/vanky2viva/omni-assistant/internal/service"
	"github.com/vanky2viva/omni-assistant/internal/testutil"
)

type envelope struct {
	protocol.BaseMessage
	Snapshot domain.Snapshot `json:"snapshot"`
	Code     string          `json:"code"`
	Message  string          `json:"message"`
}

func newTestServer(t *testing.T, backend *assistantapi.MockClient) (string, *service.Service) {
	t.Helper()
	cfg := &config.Config{
		SessionKey:       "ai_chat_session_id",
		HistoryTimeout:   time.Second,
		WSPingInterval:   time.Second,
		WSWriteTimeout:   time.Second,
		WSReadTimeout:    5 * time.Second,
		WSMaxMessageSize: 65536,
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := hub.NewHub()
	go h.Run(ctx)

	db := testutil.NewTestSQLiteStore(t)
	svc := service.New(cfg, backend, db, db, nil, h)

	e := echo.New()
	e.GET("/ws", NewServer(cfg, h, svc).HandleWebSocket)
	srv := httptest.NewServer(e)

	t.Cleanup(func() {
		srv.Close()
		svc.Close()
		cancel()
	})
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws", svc
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, v interface{}) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(v))
}

func read(t *testing.T, conn *websocket.Conn) envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg envelope
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

// readUntil skips messages until match returns true.
func readUntil(t *testing.T, conn *websocket.Conn, match func(envelope) bool) envelope {
	t.Helper()
	for {
		msg := read(t, conn)
		if match(msg) {
			return msg
		}
	}
}

func hello(t *testing.T, conn *websocket.Conn, key string) envelope {
	t.Helper()
	send(t, conn, protocol.HelloMessage{BaseMessage: protocol.BaseMessage{Type: protocol.TypeHello, RequestID: "r1", ConversationKey: key}})
	return readUntil(t, conn, func(m envelope) bool { return m.Type == protocol.TypeHelloAck })
}

func TestHelloSubmitStreamsSnapshots(t *testing.T) {
	url, _ := newTestServer(t, &assistantapi.MockClient{})
	conn := dial(t, url)

	ack := hello(t, conn, "")
	require.NotEmpty(t, ack.ConversationKey)
	assert.Equal(t, "r1", ack.RequestID)
	assert.Equal(t, domain.SessionStatusIdle, ack.Snapshot.Status)

	send(t, conn, protocol.SubmitMessage{
		BaseMessage: protocol.BaseMessage{Type: protocol.TypeSubmit},
		Content:     "分析最近7天GMV变化",
	})

	final := readUntil(t, conn, func(m envelope) bool {
		return m.Type == protocol.TypeSnapshot &&
			len(m.Snapshot.Turns) == 2 &&
			m.Snapshot.Turns[1].Status == domain.TurnStatusFinalized
	})
	assert.Equal(t, ack.ConversationKey, final.ConversationKey)
	assert.Equal(t, domain.SessionStatusIdle, final.Snapshot.Status)
	assert.Contains(t, final.Snapshot.Turns[1].Content, "GMV")
	require.NotNil(t, final.Snapshot.Turns[1].Decision)
}

func TestHelloReusesConversation(t *testing.T) {
	url, svc := newTestServer(t, &assistantapi.MockClient{})
	_, _, err := svc.CreateConversation(context.Background(), "shop-42")
	require.NoError(t, err)
	_, err = svc.Submit(context.Background(), "shop-42", "hi")
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, svc.Wait(ctx, "shop-42"))

	conn := dial(t, url)
	ack := hello(t, conn, "shop-42")
	assert.Equal(t, "shop-42", ack.ConversationKey)
	assert.Len(t, ack.Snapshot.Turns, 2)
}

func TestSubmitRequiresHello(t *testing.T) {
	url, _ := newTestServer(t, &assistantapi.MockClient{})
	conn := dial(t, url)

	send(t, conn, protocol.SubmitMessage{
		BaseMessage: protocol.BaseMessage{Type: protocol.TypeSubmit, RequestID: "r2"},
		Content:     "hi",
	})
	msg := read(t, conn)
	assert.Equal(t, protocol.TypeError, msg.Type)
	assert.Equal(t, protocol.ErrorCodeHelloRequired, msg.Code)
	assert.Equal(t, "r2", msg.RequestID)

	send(t, conn, protocol.CancelMessage{BaseMessage: protocol.BaseMessage{Type: protocol.TypeCancel}})
	msg = read(t, conn)
	assert.Equal(t, protocol.ErrorCodeHelloRequired, msg.Code)
}

func TestInvalidMessages(t *testing.T) {
	url, _ := newTestServer(t, &assistantapi.MockClient{})
	conn := dial(t, url)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	msg := read(t, conn)
	assert.Equal(t, protocol.ErrorCodeInvalidMessage, msg.Code)

	send(t, conn, map[string]string{"type": "approve"})
	msg = read(t, conn)
	assert.Equal(t, protocol.ErrorCodeUnsupportedType, msg.Code)
}

func TestSubmitErrorsAndCancel(t *testing.T) {
	url, _ := newTestServer(t, &assistantapi.MockClient{Delay: 50 * time.Millisecond})
	conn := dial(t, url)
	hello(t, conn, "shop-42")

	send(t, conn, protocol.SubmitMessage{BaseMessage: protocol.BaseMessage{Type: protocol.TypeSubmit, RequestID: "empty"}, Content: " "})
	msg := readUntil(t, conn, func(m envelope) bool { return m.Type == protocol.TypeError })
	assert.Equal(t, protocol.ErrorCodeEmptyMessage, msg.Code)

	send(t, conn, protocol.SubmitMessage{BaseMessage: protocol.BaseMessage{Type: protocol.TypeSubmit}, Content: "first"})
	send(t, conn, protocol.SubmitMessage{BaseMessage: protocol.BaseMessage{Type: protocol.TypeSubmit, RequestID: "busy"}, Content: "second"})
	msg = readUntil(t, conn, func(m envelope) bool { return m.Type == protocol.TypeError })
	assert.Equal(t, protocol.ErrorCodeNotIdle, msg.Code)
	assert.Equal(t, "busy", msg.RequestID)

	send(t, conn, protocol.CancelMessage{BaseMessage: protocol.BaseMessage{Type: protocol.TypeCancel}})
	cancelled := readUntil(t, conn, func(m envelope) bool {
		return m.Type == protocol.TypeSnapshot &&
			len(m.Snapshot.Turns) == 2 &&
			m.Snapshot.Turns[1].Status == domain.TurnStatusFailed
	})
	assert.Equal(t, domain.SessionStatusIdle, cancelled.Snapshot.Status)
}
