package domain

import (
	"encoding/json"
	"time"
)

// Source is a reference the assistant cited for an answer.
type Source struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

// Turn is one message in a conversation.
type Turn struct {
	ID        string     `json:"id"`
	Role      Role       `json:"role"`
	Status    TurnStatus `json:"status"`
	Content   string     `json:"content"`
	CreatedAt time.Time  `json:"created_at"`

	// Thinking is the secondary narrative channel, accumulated separately from Content.
	Thinking     string   `json:"thinking,omitempty"`
	ThinkingDone bool     `json:"thinking_done,omitempty"`
	Sources      []Source `json:"sources,omitempty"`

	Decision *DecisionData `json:"decision,omitempty"`
}

// Clone returns a deep copy of the turn.
func (t Turn) Clone() Turn {
	out := t
	if t.Sources != nil {
		out.Sources = append([]Source(nil), t.Sources...)
	}
	if t.Decision != nil {
		d := t.Decision.Clone()
		out.Decision = &d
	}
	return out
}

// ChatMessage is the wire shape of a turn sent to the backend.
type ChatMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Usage carries token counters reported by the backend.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens,omitempty"`
	CompletionTokens int `json:"completion_tokens,omitempty"`
	TotalTokens      int `json:"total_tokens,omitempty"`
}

// Snapshot is an immutable view of a session handed to observers.
type Snapshot struct {
	SessionID string        `json:"session_id,omitempty"`
	Status    SessionStatus `json:"status"`
	Turns     []Turn        `json:"turns"`
	LastUsage *Usage        `json:"last_usage,omitempty"`
	Version   uint64        `json:"version"`
}

// LastUserMessage returns the content of the most recent user turn.
func (s Snapshot) LastUserMessage() (string, bool) {
	for i := len(s.Turns) - 1; i >= 0; i-- {
		if s.Turns[i].Role == RoleUser {
			return s.Turns[i].Content, true
		}
	}
	return "", false
}

// Turn looks up a turn by id.
func (s Snapshot) Turn(id string) (Turn, bool) {
	for _, t := range s.Turns {
		if t.ID == id {
			return t, true
		}
	}
	return Turn{}, false
}

// ArchivedTurn is a finalized turn as kept in the local archive.
type ArchivedTurn struct {
	TurnID    string          `json:"turn_id"`
	SessionID string          `json:"session_id"`
	Role      Role            `json:"role"`
	Content   string          `json:"content"`
	Thinking  string          `json:"thinking,omitempty"`
	Decision  json.RawMessage `json:"decision,omitempty"`
	Usage     *Usage          `json:"usage,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// ChatRequest is the body of a streamed chat request.
type ChatRequest struct {
	Messages          []ChatMessage `json:"messages"`
	Model             string        `json:"model,omitempty"`
	Temperature       float64       `json:"temperature"`
	SessionID         string        `json:"session_id,omitempty"`
	IncludeSystemData *bool         `json:"include_system_data,omitempty"`
	DataSummaryDays   *int          `json:"data_summary_days,omitempty"`
	ShopID            string        `json:"shop_id,omitempty"`
}

// Exchange is a completed user/assistant pair handed to history writers.
type Exchange struct {
	SessionID string
	User      Turn
	Assistant Turn
	// History is every finalized message of the conversation, the new pair included.
	History []ChatMessage
	Usage   *Usage
}
