// Package hub fans conversation updates out to WebSocket connections.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var (
	// ErrBufferFull is returned when a connection's send buffer is full.
	ErrBufferFull = errors.New("send buffer full")
	// ErrConnectionClosed is returned when the hub already closed the
	// connection's send channel.
	ErrConnectionClosed = errors.New("connection closed")
)

const sendBufferSize = 256

// Connection represents a single WebSocket connection.
type Connection struct {
	ID              string
	ConversationKey string
	Conn            *websocket.Conn
	Send            chan []byte
	hub             *Hub
	mu              sync.Mutex

	// closed is guarded by Hub.mu; Send is closed exactly once, with it set.
	closed bool
}

// Hub manages all WebSocket connections.
type Hub struct {
	// Connections indexed by connection ID
	connections map[string]*Connection

	// conversations maps a conversation key to its connection IDs
	conversations map[string]map[string]bool

	register   chan *Connection
	unregister chan *Connection
	broadcast  chan *ConversationMessage
	done       chan struct{}

	mu sync.RWMutex
}

// ConversationMessage is a payload addressed to every connection of a conversation.
type ConversationMessage struct {
	ConversationKey string
	Data            []byte
}

// NewHub creates a new Hub.
func NewHub() *Hub {
	return &Hub{
		connections:   make(map[string]*Connection),
		conversations: make(map[string]map[string]bool),
		register:      make(chan *Connection),
		unregister:    make(chan *Connection),
		broadcast:     make(chan *ConversationMessage, 256),
		done:          make(chan struct{}),
	}
}

// Run starts the hub's main loop and returns when ctx is done. All
// connections are closed on return.
func (h *Hub) Run(ctx context.Context) {
	logger := log.With().Str("component", "hub").Logger()
	defer func() {
		h.mu.Lock()
		for id, conn := range h.connections {
			h.closeSendLocked(conn)
			delete(h.connections, id)
		}
		h.conversations = make(map[string]map[string]bool)
		h.mu.Unlock()
		close(h.done)
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case conn := <-h.register:
			h.mu.Lock()
			h.connections[conn.ID] = conn
			if conn.ConversationKey != "" {
				h.bindLocked(conn, conn.ConversationKey)
			}
			h.mu.Unlock()
			logger.Debug().Str("conn_id", conn.ID).Str("conversation", conn.ConversationKey).Msg("connection registered")

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.connections[conn.ID]; ok {
				delete(h.connections, conn.ID)
				h.unbindLocked(conn)
				h.closeSendLocked(conn)
			}
			h.mu.Unlock()
			logger.Debug().Str("conn_id", conn.ID).Msg("connection unregistered")

		case msg := <-h.broadcast:
			h.mu.RLock()
			for connID := range h.conversations[msg.ConversationKey] {
				conn, exists := h.connections[connID]
				if !exists {
					continue
				}
				select {
				case conn.Send <- msg.Data:
				default:
					logger.Warn().Str("conn_id", connID).Msg("connection buffer full, closing")
					go h.Unregister(conn)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// NewConnection creates a new connection. It is not registered yet.
func (h *Hub) NewConnection(ws *websocket.Conn) *Connection {
	return &Connection{
		ID:   uuid.New().String(),
		Conn: ws,
		Send: make(chan []byte, sendBufferSize),
		hub:  h,
	}
}

func (h *Hub) closeSendLocked(conn *Connection) {
	if conn.closed {
		return
	}
	conn.closed = true
	close(conn.Send)
}

// Register registers a connection with the hub. After the hub stopped the
// connection is closed right away.
func (h *Hub) Register(conn *Connection) {
	select {
	case h.register <- conn:
	case <-h.done:
		h.mu.Lock()
		h.closeSendLocked(conn)
		h.mu.Unlock()
	}
}

// Unregister unregisters a connection from the hub.
func (h *Hub) Unregister(conn *Connection) {
	select {
	case h.unregister <- conn:
	case <-h.done:
	}
}

// BindConversation moves a connection to the given conversation.
func (h *Hub) BindConversation(conn *Connection, key string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unbindLocked(conn)
	h.bindLocked(conn, key)
}

func (h *Hub) bindLocked(conn *Connection, key string) {
	conn.ConversationKey = key
	if h.conversations[key] == nil {
		h.conversations[key] = make(map[string]bool)
	}
	h.conversations[key][conn.ID] = true
}

func (h *Hub) unbindLocked(conn *Connection) {
	key := conn.ConversationKey
	if key == "" || h.conversations[key] == nil {
		return
	}
	delete(h.conversations[key], conn.ID)
	if len(h.conversations[key]) == 0 {
		delete(h.conversations, key)
	}
}

// Broadcast sends data to all connections of a conversation.
func (h *Hub) Broadcast(key string, data []byte) {
	select {
	case h.broadcast <- &ConversationMessage{ConversationKey: key, Data: data}:
	case <-h.done:
	}
}

// BroadcastJSON sends a JSON message to all connections of a conversation.
func (h *Hub) BroadcastJSON(key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	h.Broadcast(key, data)
	return nil
}

// SendToConnection queues data for one connection. It returns
// ErrConnectionClosed once the hub has dropped the connection.
func (h *Hub) SendToConnection(conn *Connection, data []byte) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if conn.closed {
		return ErrConnectionClosed
	}
	select {
	case conn.Send <- data:
		return nil
	default:
		return ErrBufferFull
	}
}

// SendJSONToConnection queues a JSON message for one connection.
func (h *Hub) SendJSONToConnection(conn *Connection, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return h.SendToConnection(conn, data)
}

// ConnectionCount returns the number of active connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// ConversationCount returns the number of conversations with connections.
func (h *Hub) ConversationCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conversations)
}

// HasActiveConnections reports whether a conversation has any connection.
func (h *Hub) HasActiveConnections(key string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conversations[key]) > 0
}

// ConversationOf returns the key the connection is bound to.
func (h *Hub) ConversationOf(conn *Connection) string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return conn.ConversationKey
}

// WriteMessage writes a message to the connection with proper locking.
func (c *Connection) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Conn.WriteMessage(messageType, data)
}

// SetWriteDeadline sets the write deadline for the connection.
func (c *Connection) SetWriteDeadline(t time.Time) error {
	return c.Conn.SetWriteDeadline(t)
}

// SetReadDeadline sets the read deadline for the connection.
func (c *Connection) SetReadDeadline(t time.Time) error {
	return c.Conn.SetReadDeadline(t)
}

// Close closes the connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}
