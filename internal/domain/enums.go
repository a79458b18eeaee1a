// Package domain defines the core domain models for the assistant.
package domain

// Role is the author of a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// TurnStatus represents the lifecycle state of a turn.
type TurnStatus string

const (
	TurnStatusPending   TurnStatus = "pending"
	TurnStatusStreaming TurnStatus = "streaming"
	TurnStatusFinalized TurnStatus = "finalized"
	TurnStatusFailed    TurnStatus = "failed"
)

// IsTerminal reports whether no further mutation is allowed.
func (s TurnStatus) IsTerminal() bool {
	return s == TurnStatusFinalized || s == TurnStatusFailed
}

// SessionStatus represents the status of a conversation session.
type SessionStatus string

const (
	SessionStatusIdle             SessionStatus = "idle"
	SessionStatusAwaitingResponse SessionStatus = "awaiting-response"
	SessionStatusStreaming        SessionStatus = "streaming"
	SessionStatusError            SessionStatus = "error"
)

// RiskLevel is the risk attached to a decision payload.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Valid reports whether r is one of the known levels.
func (r RiskLevel) Valid() bool {
	switch r {
	case RiskLow, RiskMedium, RiskHigh:
		return true
	}
	return false
}

// ActionGate is the policy verdict attached to a decision action.
type ActionGate string

const (
	GateAuto    ActionGate = "auto"
	GateReview  ActionGate = "review"
	GateConfirm ActionGate = "confirm"
	GateBlock   ActionGate = "block"
)
