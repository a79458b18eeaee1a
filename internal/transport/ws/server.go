// Package ws provides the WebSocket endpoint that streams conversation
// snapshots to UI clients.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/vanky2viva/omni-assistant/internal/config"
	"github.com/vanky2viva/omni-assistant/internal/hub"
	"github.com/vanky2viva/omni-assistant/internal/protocol"
	"github.com/vanky2viva/omni-assistant/internal/service"
	"github.com/vanky2viva/omni-assistant/internal/session"
)

// Server handles WebSocket connections.
type Server struct {
	cfg      *config.Config
	hub      *hub.Hub
	service  *service.Service
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

// NewServer creates a new WebSocket server.
func NewServer(cfg *config.Config, h *hub.Hub, svc *service.Service) *Server {
	return &Server{
		cfg:     cfg,
		hub:     h,
		service: svc,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		logger: log.With().Str("component", "ws").Logger(),
	}
}

// HandleWebSocket handles WebSocket upgrade and connection lifecycle.
func (s *Server) HandleWebSocket(c echo.Context) error {
	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to upgrade websocket")
		return err
	}

	conn := s.hub.NewConnection(ws)
	s.hub.Register(conn)

	if s.cfg.WSMaxMessageSize > 0 {
		ws.SetReadLimit(s.cfg.WSMaxMessageSize)
	}

	go s.writePump(conn)
	go s.readPump(conn)

	return nil
}

// readPump reads messages from the WebSocket connection.
func (s *Server) readPump(conn *hub.Connection) {
	defer func() {
		s.hub.Unregister(conn)
		conn.Close()
	}()

	conn.SetReadDeadline(time.Now().Add(s.cfg.WSReadTimeout))
	conn.Conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.cfg.WSReadTimeout))
		return nil
	})

	for {
		_, message, err := conn.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Warn().Err(err).Str("conn_id", conn.ID).Msg("websocket error")
			}
			break
		}

		s.handleMessage(conn, message)
	}
}

// writePump writes messages to the WebSocket connection.
func (s *Server) writePump(conn *hub.Connection) {
	ticker := time.NewTicker(s.cfg.WSPingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case message, ok := <-conn.Send:
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WSWriteTimeout))
			if !ok {
				// Hub closed the channel
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				s.logger.Warn().Err(err).Str("conn_id", conn.ID).Msg("failed to write message")
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WSWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage dispatches incoming messages to appropriate handlers.
func (s *Server) handleMessage(conn *hub.Connection, data []byte) {
	var raw protocol.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		s.sendError(conn, "", protocol.ErrorCodeInvalidMessage, "invalid JSON message")
		return
	}

	switch raw.Type {
	case protocol.TypeHello:
		s.handleHello(conn, data)
	case protocol.TypeSubmit:
		s.handleSubmit(conn, data)
	case protocol.TypeCancel:
		s.handleCancel(conn, raw.RequestID)
	default:
		s.sendError(conn, raw.RequestID, protocol.ErrorCodeUnsupportedType, "unknown message type: "+raw.Type)
	}
}

// handleHello binds the connection to a conversation, opening it if needed.
func (s *Server) handleHello(conn *hub.Connection, data []byte) {
	var msg protocol.HelloMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.sendError(conn, "", protocol.ErrorCodeInvalidMessage, "invalid hello message")
		return
	}

	key, _, err := s.service.CreateConversation(context.Background(), msg.ConversationKey)
	if err != nil {
		s.sendServiceError(conn, msg.RequestID, err)
		return
	}

	// Bind before reading the snapshot so no later update is missed.
	s.hub.BindConversation(conn, key)
	snap, err := s.service.Snapshot(key)
	if err != nil {
		s.sendServiceError(conn, msg.RequestID, err)
		return
	}

	ack := protocol.HelloAckMessage{
		BaseMessage: protocol.Base(protocol.TypeHelloAck, key),
		Snapshot:    snap,
	}
	ack.RequestID = msg.RequestID
	if err := s.hub.SendJSONToConnection(conn, ack); err != nil {
		s.logger.Warn().Err(err).Str("conn_id", conn.ID).Msg("failed to send hello_ack")
		return
	}

	s.logger.Info().Str("conn_id", conn.ID).Str("conversation", key).Msg("hello handshake completed")
}

// handleSubmit sends a user message to the bound conversation.
func (s *Server) handleSubmit(conn *hub.Connection, data []byte) {
	var msg protocol.SubmitMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.sendError(conn, "", protocol.ErrorCodeInvalidMessage, "invalid submit message")
		return
	}

	key := s.hub.ConversationOf(conn)
	if key == "" {
		s.sendError(conn, msg.RequestID, protocol.ErrorCodeHelloRequired, "must send hello first")
		return
	}

	turnID, err := s.service.Submit(context.Background(), key, msg.Content)
	if err != nil {
		s.sendServiceError(conn, msg.RequestID, err)
		return
	}
	s.logger.Debug().Str("conversation", key).Str("turn_id", turnID).Msg("message submitted")
}

// handleCancel stops the answer of the bound conversation.
func (s *Server) handleCancel(conn *hub.Connection, requestID string) {
	key := s.hub.ConversationOf(conn)
	if key == "" {
		s.sendError(conn, requestID, protocol.ErrorCodeHelloRequired, "must send hello first")
		return
	}
	if err := s.service.Cancel(key); err != nil {
		s.sendServiceError(conn, requestID, err)
	}
}

func (s *Server) sendServiceError(conn *hub.Connection, requestID string, err error) {
	code := protocol.ErrorCodeInternalError
	switch {
	case errors.Is(err, session.ErrInvalidState):
		code = protocol.ErrorCodeNotIdle
	case errors.Is(err, session.ErrEmptyMessage):
		code = protocol.ErrorCodeEmptyMessage
	case errors.Is(err, service.ErrConversationNotFound):
		code = protocol.ErrorCodeNotFound
	}
	s.sendError(conn, requestID, code, err.Error())
}

// sendError sends an error message to a connection.
func (s *Server) sendError(conn *hub.Connection, requestID, code, message string) {
	errMsg := protocol.NewError(requestID, code, message)
	errMsg.ConversationKey = s.hub.ConversationOf(conn)
	if err := s.hub.SendJSONToConnection(conn, errMsg); err != nil {
		s.logger.Warn().Err(err).Str("conn_id", conn.ID).Msg("failed to send error")
	}
}
