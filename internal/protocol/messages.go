// Package protocol defines the WebSocket message protocol between UI clients
// and the gateway.
package protocol

import (
	"time"

	"github.com/vanky2viva/omni-assistant/internal/domain"
)

// Message types from client to gateway
const (
	TypeHello  = "hello"
	TypeSubmit = "submit"
	TypeCancel = "cancel"
)

// Message types from gateway to client
const (
	TypeHelloAck = "hello_ack"
	TypeSnapshot = "snapshot"
	TypeError    = "error"
)

// BaseMessage contains common fields for all messages.
type BaseMessage struct {
	Type            string `json:"type"`
	Ts              int64  `json:"ts"`
	RequestID       string `json:"request_id,omitempty"`
	ConversationKey string `json:"conversation_key,omitempty"`
}

// HelloMessage binds a connection to a conversation. An empty key asks the
// gateway to open a new one.
type HelloMessage struct {
	BaseMessage
}

// HelloAckMessage carries the bound conversation and its current state.
// Snapshots pushed right after binding may reach the client before the ack;
// clients keep the snapshot with the highest Snapshot.Version.
type HelloAckMessage struct {
	BaseMessage
	Snapshot domain.Snapshot `json:"snapshot"`
}

// SubmitMessage sends one user message.
type SubmitMessage struct {
	BaseMessage
	Content string `json:"content"`
}

// CancelMessage stops the in-flight answer.
type CancelMessage struct {
	BaseMessage
}

// SnapshotMessage is pushed after every state change of a conversation.
// Versions grow with every change, so an older one can be dropped.
type SnapshotMessage struct {
	BaseMessage
	Snapshot domain.Snapshot `json:"snapshot"`
}

// ErrorMessage is sent by the gateway when a request fails.
type ErrorMessage struct {
	BaseMessage
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes
const (
	ErrorCodeInvalidMessage  = "invalid_message"
	ErrorCodeHelloRequired   = "hello_required"
	ErrorCodeNotIdle         = "not_idle"
	ErrorCodeEmptyMessage    = "empty_message"
	ErrorCodeNotFound        = "not_found"
	ErrorCodeInternalError   = "internal_error"
	ErrorCodeUnsupportedType = "unsupported_type"
)

// RawMessage is used for parsing incoming messages before type dispatch.
type RawMessage struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
}

// Base returns a BaseMessage of the given type stamped with the current time.
func Base(msgType, conversationKey string) BaseMessage {
	return BaseMessage{
		Type:            msgType,
		Ts:              time.Now().UnixMilli(),
		ConversationKey: conversationKey,
	}
}

// NewSnapshot wraps snap for a push to the conversation's connections.
func NewSnapshot(conversationKey string, snap domain.Snapshot) SnapshotMessage {
	return SnapshotMessage{BaseMessage: Base(TypeSnapshot, conversationKey), Snapshot: snap}
}

// NewError builds an error reply.
func NewError(requestID, code, message string) ErrorMessage {
	b := Base(TypeError, "")
	b.RequestID = requestID
	return ErrorMessage{BaseMessage: b, Code: code, Message: message}
}

